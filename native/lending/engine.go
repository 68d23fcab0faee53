package lending

import (
	"errors"
	"math/big"
	"strings"

	"kalefi/core/events"
	"kalefi/crypto"
	nativecommon "kalefi/native/common"
)

var (
	ErrUnauthorized           = errors.New("lending engine: unauthorized")
	ErrNotInitialized         = errors.New("lending engine: not initialized")
	ErrAlreadyInitialized     = errors.New("lending engine: already initialized")
	ErrInvalidAmount          = errors.New("lending engine: amount must be positive")
	ErrInvalidLTV             = errors.New("lending engine: ltv must not exceed 10000 bps")
	ErrInvalidAsset           = errors.New("lending engine: asset reference required")
	ErrOverflow               = errors.New("lending engine: arithmetic overflow")
	ErrHealthFactorTooLow     = errors.New("lending engine: health factor below 1")
	ErrInsufficientCollateral = errors.New("lending engine: insufficient collateral")
	ErrNoDebt                 = errors.New("lending engine: no outstanding debt to repay")

	errNilState = errors.New("lending engine: state not configured")
	errNilBank  = errors.New("lending engine: bank not configured")
)

const moduleName = "lending"

// MaxLTVBps is the upper bound for the loan-to-value cap.
const MaxLTVBps uint32 = 10_000

type engineState interface {
	// GetLendingConfig returns nil when the protocol has not been initialised.
	GetLendingConfig() (*ProtocolConfig, error)
	PutLendingConfig(cfg *ProtocolConfig) error
	// GetLendingPosition returns a zero position for unknown accounts.
	GetLendingPosition(addr crypto.Address) (*AccountPosition, error)
	PutLendingPosition(pos *AccountPosition) error
	LendingAccounts() ([]crypto.Address, error)
}

// Authorizer verifies that an identity authorised the current call.
type Authorizer interface {
	RequireAuth(addr crypto.Address) error
}

// Bank moves asset balances between accounts.
type Bank interface {
	Transfer(asset string, from, to crypto.Address, amount *big.Int) error
}

// Engine applies lending operations against the ledger. Configuration is read
// from state on every call; the engine itself carries only collaborators.
type Engine struct {
	state   engineState
	auth    Authorizer
	bank    Bank
	feed    PriceFeed
	emitter events.Emitter
	pauses  nativecommon.PauseView
	custody crypto.Address
}

// NewEngine constructs a lending engine holding collateral and lendable
// liquidity at custody.
func NewEngine(custody crypto.Address) *Engine {
	return &Engine{custody: custody, emitter: events.NoopEmitter{}}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

func (e *Engine) SetAuthorizer(auth Authorizer) {
	if e == nil {
		return
	}
	e.auth = auth
}

func (e *Engine) SetBank(bank Bank) {
	if e == nil {
		return
	}
	e.bank = bank
}

// SetPriceFeed wires the oracle consulted in external price mode.
func (e *Engine) SetPriceFeed(feed PriceFeed) {
	if e == nil {
		return
	}
	e.feed = feed
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// Custody returns the account holding protocol assets.
func (e *Engine) Custody() crypto.Address {
	if e == nil {
		return crypto.Address{}
	}
	return e.custody
}

// Initialize writes the protocol configuration once. The mock price starts at
// zero until the admin sets one.
func (e *Engine) Initialize(admin crypto.Address, collateralAsset, debtAsset string, ltvBps uint32, mode PriceSourceMode) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := e.requireAuth(admin); err != nil {
		return err
	}
	existing, err := e.state.GetLendingConfig()
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrAlreadyInitialized
	}
	if ltvBps > MaxLTVBps {
		return ErrInvalidLTV
	}
	collateralAsset = strings.TrimSpace(collateralAsset)
	debtAsset = strings.TrimSpace(debtAsset)
	if collateralAsset == "" || debtAsset == "" {
		return ErrInvalidAsset
	}
	if mode != PriceSourceMock && mode != PriceSourceExternal {
		return errors.New("lending engine: unknown price source")
	}

	cfg := &ProtocolConfig{
		Admin:           admin,
		CollateralAsset: collateralAsset,
		DebtAsset:       debtAsset,
		LTVBps:          ltvBps,
		PriceSource:     mode,
		MockPrice:       big.NewInt(0),
	}
	if err := e.state.PutLendingConfig(cfg); err != nil {
		return err
	}
	e.emitter.Emit(events.LendingInitialized{
		Admin:           admin,
		CollateralAsset: collateralAsset,
		DebtAsset:       debtAsset,
		LTVBps:          ltvBps,
		PriceSource:     mode.String(),
	})
	return nil
}

// SetMockPrice overwrites the mock price. The stored admin must have
// authorised the call. Any i128 value is accepted, including zero and
// negative prices.
func (e *Engine) SetMockPrice(price *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	if err := e.requireAuth(cfg.Admin); err != nil {
		return err
	}
	if price == nil || !inI128(price) {
		return ErrOverflow
	}
	cfg.MockPrice = new(big.Int).Set(price)
	if err := e.state.PutLendingConfig(cfg); err != nil {
		return err
	}
	e.emitter.Emit(events.LendingMockPriceSet{Admin: cfg.Admin, Price: cfg.MockPrice})
	return nil
}

// GetMockPrice returns the persisted mock price.
func (e *Engine) GetMockPrice() (*big.Int, error) {
	cfg, err := e.loadConfig()
	if err != nil {
		return nil, err
	}
	return cloneOrZero(cfg.MockPrice), nil
}

// GetLTV returns the configured loan-to-value cap in basis points.
func (e *Engine) GetLTV() (uint32, error) {
	cfg, err := e.loadConfig()
	if err != nil {
		return 0, err
	}
	return cfg.LTVBps, nil
}

// GetConfig returns a snapshot of the protocol configuration.
func (e *Engine) GetConfig() (*ProtocolConfig, error) {
	return e.loadConfig()
}

// Deposit moves amount of the collateral asset from caller into custody and
// credits the caller's position.
func (e *Engine) Deposit(caller crypto.Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := validateAmount(amount); err != nil {
		return err
	}
	if err := e.requireAuth(caller); err != nil {
		return err
	}
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	pos, err := e.state.GetLendingPosition(caller)
	if err != nil {
		return err
	}
	collateral, err := checkedAdd(pos.Collateral, amount)
	if err != nil {
		return err
	}
	if err := e.transfer(cfg.CollateralAsset, caller, e.custody, amount); err != nil {
		return err
	}
	pos.Collateral = collateral
	if err := e.state.PutLendingPosition(pos); err != nil {
		return err
	}
	e.emitPosition(events.TypeLendingDeposit, cfg.CollateralAsset, amount, pos, nil)
	return nil
}

// Borrow draws amount of the debt asset from custody. The borrow is rejected
// without any mutation when the resulting health factor would fall below 1.
func (e *Engine) Borrow(caller crypto.Address, amount *big.Int) (Health, error) {
	if e == nil || e.state == nil {
		return Health{}, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return Health{}, err
	}
	if err := validateAmount(amount); err != nil {
		return Health{}, err
	}
	if err := e.requireAuth(caller); err != nil {
		return Health{}, err
	}
	cfg, err := e.loadConfig()
	if err != nil {
		return Health{}, err
	}
	pos, err := e.state.GetLendingPosition(caller)
	if err != nil {
		return Health{}, err
	}
	newDebt, err := checkedAdd(pos.Debt, amount)
	if err != nil {
		return Health{}, err
	}
	quote, err := NewPriceSource(cfg, e.feed).Quote()
	if err != nil {
		return Health{}, err
	}
	health, err := Evaluate(pos.Collateral, newDebt, cfg.LTVBps, quote)
	if err != nil {
		return Health{}, err
	}
	if !health.Healthy() {
		return health, ErrHealthFactorTooLow
	}

	pos.Debt = newDebt
	if err := e.state.PutLendingPosition(pos); err != nil {
		return Health{}, err
	}
	if err := e.transfer(cfg.DebtAsset, e.custody, caller, amount); err != nil {
		return Health{}, err
	}
	e.emitPosition(events.TypeLendingBorrow, cfg.DebtAsset, amount, pos, health.FactorBps)
	return health, nil
}

// Repay returns up to amount of the debt asset to custody and reduces the
// caller's debt. The applied amount never exceeds the outstanding debt.
func (e *Engine) Repay(caller crypto.Address, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	if err := e.requireAuth(caller); err != nil {
		return nil, err
	}
	cfg, err := e.loadConfig()
	if err != nil {
		return nil, err
	}
	pos, err := e.state.GetLendingPosition(caller)
	if err != nil {
		return nil, err
	}
	if pos.Debt.Sign() == 0 {
		return nil, ErrNoDebt
	}
	applied := new(big.Int).Set(amount)
	if applied.Cmp(pos.Debt) > 0 {
		applied.Set(pos.Debt)
	}
	if err := e.transfer(cfg.DebtAsset, caller, e.custody, applied); err != nil {
		return nil, err
	}
	remaining, err := checkedSub(pos.Debt, applied)
	if err != nil {
		return nil, err
	}
	pos.Debt = remaining
	if err := e.state.PutLendingPosition(pos); err != nil {
		return nil, err
	}
	e.emitPosition(events.TypeLendingRepay, cfg.DebtAsset, applied, pos, nil)
	return applied, nil
}

// WithdrawCollateral releases amount of collateral back to caller provided
// the remaining position stays healthy.
func (e *Engine) WithdrawCollateral(caller crypto.Address, amount *big.Int) (Health, error) {
	if e == nil || e.state == nil {
		return Health{}, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return Health{}, err
	}
	if err := validateAmount(amount); err != nil {
		return Health{}, err
	}
	if err := e.requireAuth(caller); err != nil {
		return Health{}, err
	}
	cfg, err := e.loadConfig()
	if err != nil {
		return Health{}, err
	}
	pos, err := e.state.GetLendingPosition(caller)
	if err != nil {
		return Health{}, err
	}
	if amount.Cmp(pos.Collateral) > 0 {
		return Health{}, ErrInsufficientCollateral
	}
	remaining, err := checkedSub(pos.Collateral, amount)
	if err != nil {
		return Health{}, err
	}
	quote := PriceQuote{}
	if pos.Debt.Sign() > 0 {
		if quote, err = NewPriceSource(cfg, e.feed).Quote(); err != nil {
			return Health{}, err
		}
	}
	health, err := Evaluate(remaining, pos.Debt, cfg.LTVBps, quote)
	if err != nil {
		return Health{}, err
	}
	if !health.Healthy() {
		return health, ErrHealthFactorTooLow
	}

	pos.Collateral = remaining
	if err := e.state.PutLendingPosition(pos); err != nil {
		return Health{}, err
	}
	if err := e.transfer(cfg.CollateralAsset, e.custody, caller, amount); err != nil {
		return Health{}, err
	}
	e.emitPosition(events.TypeLendingWithdraw, cfg.CollateralAsset, amount, pos, health.FactorBps)
	return health, nil
}

// CheckHealthFactor evaluates the stored position of account. It never
// mutates state.
func (e *Engine) CheckHealthFactor(account crypto.Address) (Health, error) {
	if e == nil || e.state == nil {
		return Health{}, errNilState
	}
	cfg, err := e.loadConfig()
	if err != nil {
		return Health{}, err
	}
	pos, err := e.state.GetLendingPosition(account)
	if err != nil {
		return Health{}, err
	}
	quote := PriceQuote{}
	if pos.Debt.Sign() > 0 {
		if quote, err = NewPriceSource(cfg, e.feed).Quote(); err != nil {
			return Health{}, err
		}
	}
	return Evaluate(pos.Collateral, pos.Debt, cfg.LTVBps, quote)
}

// GetPosition returns the position of account together with its health,
// remaining borrow capacity and risk tier.
func (e *Engine) GetPosition(account crypto.Address) (*Position, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	cfg, err := e.loadConfig()
	if err != nil {
		return nil, err
	}
	pos, err := e.state.GetLendingPosition(account)
	if err != nil {
		return nil, err
	}
	return e.describe(cfg, account, pos)
}

// ListPositions returns every account that has touched the ledger, in
// first-seen order.
func (e *Engine) ListPositions() ([]*Position, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	cfg, err := e.loadConfig()
	if err != nil {
		return nil, err
	}
	accounts, err := e.state.LendingAccounts()
	if err != nil {
		return nil, err
	}
	out := make([]*Position, 0, len(accounts))
	for _, account := range accounts {
		pos, err := e.state.GetLendingPosition(account)
		if err != nil {
			return nil, err
		}
		view, err := e.describe(cfg, account, pos)
		if err != nil {
			return nil, err
		}
		out = append(out, view)
	}
	return out, nil
}

func (e *Engine) describe(cfg *ProtocolConfig, account crypto.Address, pos *AccountPosition) (*Position, error) {
	quote, err := NewPriceSource(cfg, e.feed).Quote()
	if err != nil {
		return nil, err
	}
	health, err := Evaluate(pos.Collateral, pos.Debt, cfg.LTVBps, quote)
	if err != nil {
		return nil, err
	}
	_, maxBorrow, err := borrowCapacity(cloneOrZero(pos.Collateral), cfg.LTVBps, quote)
	if err != nil {
		return nil, err
	}
	available := new(big.Int).Sub(maxBorrow, cloneOrZero(pos.Debt))
	if available.Sign() < 0 {
		available.SetInt64(0)
	}
	tier := RiskSafe
	if pos.Debt.Sign() > 0 {
		tier = TierFor(health.FactorBps)
	}
	return &Position{
		Account:           account,
		Collateral:        cloneOrZero(pos.Collateral),
		Debt:              cloneOrZero(pos.Debt),
		Health:            health,
		AvailableToBorrow: available,
		RiskTier:          tier,
	}, nil
}

func (e *Engine) loadConfig() (*ProtocolConfig, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	cfg, err := e.state.GetLendingConfig()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, ErrNotInitialized
	}
	return cfg, nil
}

func (e *Engine) requireAuth(addr crypto.Address) error {
	if e.auth == nil || addr.IsZero() {
		return ErrUnauthorized
	}
	return e.auth.RequireAuth(addr)
}

func (e *Engine) transfer(asset string, from, to crypto.Address, amount *big.Int) error {
	if e.bank == nil {
		return errNilBank
	}
	return e.bank.Transfer(asset, from, to, amount)
}

func (e *Engine) emitPosition(kind, asset string, amount *big.Int, pos *AccountPosition, healthBps *big.Int) {
	e.emitter.Emit(events.LendingPositionChanged{
		Kind:       kind,
		Account:    pos.Account,
		Asset:      asset,
		Amount:     new(big.Int).Set(amount),
		Collateral: cloneOrZero(pos.Collateral),
		Debt:       cloneOrZero(pos.Debt),
		HealthBps:  healthBps,
	})
}

func validateAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if !inI128(amount) {
		return ErrOverflow
	}
	return nil
}
