package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"kalefi/cmd/internal/passphrase"
	"kalefi/crypto"
	"kalefi/services/lending/client"
)

// cli carries the resolved global flags for one invocation.
type cli struct {
	profilePath string
	endpoint    string
	token       string
	keystore    string
	passEnv     string

	prof profile
	pass *passphrase.Source
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "lendingctl",
		Short:         "Operate the kalefi lending service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			prof, err := loadProfile(c.profilePath)
			if err != nil {
				return err
			}
			c.prof = prof
			return nil
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&c.profilePath, "profile", defaultProfilePath(), "path to the lendingctl TOML profile")
	flags.StringVar(&c.endpoint, "endpoint", "", "lending API base URL (overrides profile)")
	flags.StringVar(&c.token, "token", "", "API token (overrides profile)")
	flags.StringVar(&c.keystore, "keystore", "", "signing keystore path (overrides profile)")
	flags.StringVar(&c.passEnv, "pass-env", "", "environment variable holding the keystore passphrase")

	root.AddCommand(
		c.keygenCommand(),
		c.configureCommand(),
		c.addressCommand(),
		c.initCommand(),
		c.amountCommand("set-price", "Set the mock collateral price (admin only)", (*client.Client).SetMockPrice),
		c.amountCommand("deposit", "Deposit collateral", (*client.Client).Deposit),
		c.amountCommand("borrow", "Borrow the debt asset against collateral", (*client.Client).Borrow),
		c.amountCommand("repay", "Repay outstanding debt", (*client.Client).Repay),
		c.amountCommand("withdraw", "Withdraw collateral", (*client.Client).Withdraw),
		c.healthCommand(),
		c.positionCommand(),
		c.positionsCommand(),
		c.balanceCommand(),
		c.showConfigCommand(),
	)
	return root
}

func (c *cli) resolved() profile {
	p := c.prof
	if v := strings.TrimSpace(c.endpoint); v != "" {
		p.Endpoint = v
	}
	if v := strings.TrimSpace(c.token); v != "" {
		p.Token = v
	}
	if v := strings.TrimSpace(c.keystore); v != "" {
		p.Keystore = v
	}
	if v := strings.TrimSpace(c.passEnv); v != "" {
		p.PassEnv = v
	}
	return p
}

func (c *cli) passphrase() (string, error) {
	if c.pass == nil {
		c.pass = passphrase.NewSource(c.resolved().PassEnv, "")
	}
	return c.pass.Get()
}

func (c *cli) loadKey() (*crypto.PrivateKey, error) {
	p := c.resolved()
	if p.Keystore == "" {
		return nil, fmt.Errorf("no keystore configured (use --keystore or run keygen)")
	}
	pass, err := c.passphrase()
	if err != nil {
		return nil, err
	}
	return crypto.LoadKeystore(p.Keystore, pass)
}

func (c *cli) client(signed bool) (*client.Client, error) {
	p := c.resolved()
	opts := []client.Option{client.WithToken(p.Token)}
	if signed {
		key, err := c.loadKey()
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithSigner(key))
	}
	return client.New(p.Endpoint, opts...)
}

// account returns args[0] or the address of the configured keystore.
func (c *cli) account(args []string) (string, error) {
	if len(args) > 0 {
		return strings.TrimSpace(args[0]), nil
	}
	key, err := c.loadKey()
	if err != nil {
		return "", err
	}
	return key.PubKey().Address().String(), nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) keygenCommand() *cobra.Command {
	var save bool
	cmd := &cobra.Command{
		Use:   "keygen <keystore-path>",
		Short: "Generate a new signing key into an encrypted keystore",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c.pass = passphrase.NewSource(c.resolved().PassEnv, "New keystore passphrase: ").WithConfirmation()
			pass, err := c.passphrase()
			if err != nil {
				return err
			}
			key, err := crypto.GenerateKeystore(args[0], pass)
			if err != nil {
				return err
			}
			if save {
				p := c.resolved()
				p.Keystore = args[0]
				if err := writeProfile(c.profilePath, p); err != nil {
					return fmt.Errorf("failed to update profile: %w", err)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), key.PubKey().Address().String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "record the keystore in the profile")
	return cmd
}

func (c *cli) configureCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "configure",
		Short: "Write the effective endpoint, token and keystore to the profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := writeProfile(c.profilePath, c.resolved()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", c.profilePath)
			return nil
		},
	}
}

func (c *cli) addressCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "address",
		Short: "Print the address of the configured keystore",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := c.loadKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key.PubKey().Address().String())
			return nil
		},
	}
}

func (c *cli) initCommand() *cobra.Command {
	var (
		collateral  string
		debt        string
		ltvBps      uint32
		priceSource string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the protocol; the signer becomes admin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := c.client(true)
			if err != nil {
				return err
			}
			receipt, err := api.Initialize(cmd.Context(), collateral, debt, ltvBps, priceSource)
			if err != nil {
				return err
			}
			return printJSON(cmd, receipt)
		},
	}
	cmd.Flags().StringVar(&collateral, "collateral", "", "collateral asset symbol")
	cmd.Flags().StringVar(&debt, "debt", "", "debt asset symbol")
	cmd.Flags().Uint32Var(&ltvBps, "ltv", 0, "loan-to-value cap in basis points")
	cmd.Flags().StringVar(&priceSource, "price-source", "mock", "price source: mock or external")
	_ = cmd.MarkFlagRequired("collateral")
	_ = cmd.MarkFlagRequired("debt")
	_ = cmd.MarkFlagRequired("ltv")
	return cmd
}

type amountCall func(*client.Client, context.Context, string) (*client.Receipt, error)

func (c *cli) amountCommand(use, short string, call amountCall) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <amount>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := c.client(true)
			if err != nil {
				return err
			}
			receipt, err := call(api, cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			return printJSON(cmd, receipt)
		},
	}
}

func (c *cli) healthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health [account]",
		Short: "Show the health factor of an account",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := c.account(args)
			if err != nil {
				return err
			}
			api, err := c.client(false)
			if err != nil {
				return err
			}
			health, err := api.Health(cmd.Context(), account)
			if err != nil {
				return err
			}
			return printJSON(cmd, health)
		},
	}
}

func (c *cli) positionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "position [account]",
		Short: "Show the position of an account",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := c.account(args)
			if err != nil {
				return err
			}
			api, err := c.client(false)
			if err != nil {
				return err
			}
			pos, err := api.Position(cmd.Context(), account)
			if err != nil {
				return err
			}
			return printJSON(cmd, pos)
		},
	}
}

func (c *cli) positionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "positions",
		Short: "List every position on the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := c.client(false)
			if err != nil {
				return err
			}
			positions, err := api.Positions(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, positions)
		},
	}
}

func (c *cli) balanceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <asset> [account]",
		Short: "Show the bank balance of an account",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := c.account(args[1:])
			if err != nil {
				return err
			}
			api, err := c.client(false)
			if err != nil {
				return err
			}
			bal, err := api.Balance(cmd.Context(), args[0], account)
			if err != nil {
				return err
			}
			return printJSON(cmd, bal)
		},
	}
}

func (c *cli) showConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the protocol configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := c.client(false)
			if err != nil {
				return err
			}
			cfg, err := api.Config(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, cfg)
		},
	}
}
