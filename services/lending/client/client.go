package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"kalefi/core/types"
	"kalefi/crypto"
)

// Client is a thin wrapper around the lending HTTP API. Mutating calls are
// signed locally with the configured key.
type Client struct {
	base  *url.URL
	http  *http.Client
	token string
	key   *crypto.PrivateKey
	now   func() time.Time

	mu        sync.Mutex
	lastNonce uint64
}

// Option customises a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithToken sets the API token sent as a bearer credential.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// WithSigner sets the key used to sign mutating calls.
func WithSigner(key *crypto.PrivateKey) Option {
	return func(c *Client) { c.key = key }
}

// WithClock overrides the timestamp and nonce sources.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// Error is a non-2xx response from the API.
type Error struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("lending api: %d %s: %s", e.Status, e.Code, e.Message)
}

// Config mirrors GET /v1/config.
type Config struct {
	Admin           string `json:"admin"`
	CollateralAsset string `json:"collateralAsset"`
	DebtAsset       string `json:"debtAsset"`
	LTVBps          uint32 `json:"ltvBps"`
	PriceSource     string `json:"priceSource"`
	MockPrice       string `json:"mockPrice"`
	PriceDecimals   uint32 `json:"priceDecimals"`
}

type Health struct {
	Account         string `json:"account,omitempty"`
	CollateralValue string `json:"collateralValue"`
	MaxBorrowValue  string `json:"maxBorrowValue"`
	DebtValue       string `json:"debtValue"`
	FactorBps       string `json:"healthFactorBps"`
	Healthy         bool   `json:"healthy"`
	RiskTier        string `json:"riskTier"`
}

type Position struct {
	Account           string `json:"account"`
	Collateral        string `json:"collateral"`
	Debt              string `json:"debt"`
	AvailableToBorrow string `json:"availableToBorrow"`
	RiskTier          string `json:"riskTier"`
	Health            Health `json:"health"`
}

type Balance struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}

type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

type Receipt struct {
	ID        string    `json:"id"`
	Op        string    `json:"op"`
	Caller    string    `json:"caller"`
	Applied   string    `json:"applied,omitempty"`
	HealthBps string    `json:"healthFactorBps,omitempty"`
	Events    []Event   `json:"events"`
	Timestamp time.Time `json:"timestamp"`
}

// New returns a client for the API rooted at endpoint.
func New(endpoint string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(endpoint), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("endpoint %q must include scheme and host", endpoint)
	}
	c := &Client{
		base: base,
		http: &http.Client{Timeout: 15 * time.Second},
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// nextNonce is the current time in nanoseconds, bumped to stay strictly
// increasing within this client.
func (c *Client) nextNonce() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := uint64(c.now().UnixNano())
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return n
}

// Address returns the signer address, if a key is configured.
func (c *Client) Address() (crypto.Address, error) {
	if c.key == nil {
		return crypto.Address{}, fmt.Errorf("lending client: no signing key")
	}
	return c.key.PubKey().Address(), nil
}

func (c *Client) Initialize(ctx context.Context, collateralAsset, debtAsset string, ltvBps uint32, priceSource string) (*Receipt, error) {
	return c.submit(ctx, "/v1/initialize", types.CallPayload{
		Op:              types.CallInitialize,
		CollateralAsset: collateralAsset,
		DebtAsset:       debtAsset,
		LTVBps:          ltvBps,
		PriceSource:     priceSource,
	})
}

func (c *Client) SetMockPrice(ctx context.Context, price string) (*Receipt, error) {
	return c.submit(ctx, "/v1/price", types.CallPayload{Op: types.CallSetMockPrice, Price: price})
}

func (c *Client) Deposit(ctx context.Context, amount string) (*Receipt, error) {
	return c.submit(ctx, "/v1/deposit", types.CallPayload{Op: types.CallDeposit, Amount: amount})
}

func (c *Client) Borrow(ctx context.Context, amount string) (*Receipt, error) {
	return c.submit(ctx, "/v1/borrow", types.CallPayload{Op: types.CallBorrow, Amount: amount})
}

func (c *Client) Repay(ctx context.Context, amount string) (*Receipt, error) {
	return c.submit(ctx, "/v1/repay", types.CallPayload{Op: types.CallRepay, Amount: amount})
}

func (c *Client) Withdraw(ctx context.Context, amount string) (*Receipt, error) {
	return c.submit(ctx, "/v1/withdraw", types.CallPayload{Op: types.CallWithdraw, Amount: amount})
}

func (c *Client) Config(ctx context.Context) (*Config, error) {
	var out Config
	if err := c.get(ctx, "/v1/config", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Health(ctx context.Context, account string) (*Health, error) {
	var out Health
	if err := c.get(ctx, "/v1/health/"+url.PathEscape(account), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Position(ctx context.Context, account string) (*Position, error) {
	var out Position
	if err := c.get(ctx, "/v1/positions/"+url.PathEscape(account), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	var out []Position
	if err := c.get(ctx, "/v1/positions", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Balance(ctx context.Context, asset, account string) (*Balance, error) {
	var out Balance
	if err := c.get(ctx, "/v1/balances/"+url.PathEscape(asset)+"/"+url.PathEscape(account), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) submit(ctx context.Context, path string, payload types.CallPayload) (*Receipt, error) {
	if c.key == nil {
		return nil, fmt.Errorf("lending client: no signing key")
	}
	payload.Caller = c.key.PubKey().Address().String()
	payload.Nonce = c.nextNonce()
	payload.Timestamp = c.now().Unix()
	signed, err := types.NewSignedCall(&payload, c.key)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(signed)
	if err != nil {
		return nil, err
	}
	var out Receipt
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		apiErr := &Error{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
