package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"kalefi/core/events"
	"kalefi/core/state"
	"kalefi/core/types"
	"kalefi/crypto"
	"kalefi/native/bank"
	nativecommon "kalefi/native/common"
	"kalefi/native/lending"
	"kalefi/observability"
	"kalefi/storage"
)

// ModuleName is the name of the lending module for pauses and custody.
const ModuleName = "lending"

var ErrUnknownCall = errors.New("executor: unknown call type")

// Call is a decoded, signature-verified request to mutate the ledger.
type Call struct {
	Type   types.CallType
	Caller crypto.Address
	// Signers are the identities whose signatures were verified for this call.
	Signers         []crypto.Address
	Amount          *big.Int
	Price           *big.Int
	CollateralAsset string
	DebtAsset       string
	LTVBps          uint32
	PriceSource     lending.PriceSourceMode
}

// Receipt describes a committed call.
type Receipt struct {
	ID        uuid.UUID      `json:"id"`
	Op        types.CallType `json:"op"`
	Caller    crypto.Address `json:"caller"`
	Applied   *big.Int       `json:"applied,omitempty"`
	HealthBps *big.Int       `json:"healthFactorBps,omitempty"`
	Events    []*types.Event `json:"events"`
	Timestamp time.Time      `json:"timestamp"`
}

// Journal receives every committed receipt.
type Journal interface {
	RecordReceipt(ctx context.Context, receipt *Receipt) error
}

// MultiJournal records each receipt in every journal in order. Errors are
// joined; a failing journal does not stop the rest.
func MultiJournal(journals ...Journal) Journal {
	return multiJournal(journals)
}

type multiJournal []Journal

func (m multiJournal) RecordReceipt(ctx context.Context, receipt *Receipt) error {
	var errs []error
	for _, j := range m {
		if j == nil {
			continue
		}
		if err := j.RecordReceipt(ctx, receipt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Executor runs lending calls one at a time. Each call gets a private write
// overlay that is committed as one storage batch on success and dropped on
// any error, so a failed call leaves no trace.
type Executor struct {
	mu      sync.RWMutex
	db      storage.Database
	custody crypto.Address
	pauses  nativecommon.PauseView
	feed    lending.PriceFeed
	journal Journal
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.LendingMetrics
	nowFn   func() time.Time
}

// Option customises an Executor.
type Option func(*Executor)

func WithPauses(p nativecommon.PauseView) Option {
	return func(x *Executor) { x.pauses = p }
}

func WithPriceFeed(feed lending.PriceFeed) Option {
	return func(x *Executor) { x.feed = feed }
}

func WithJournal(j Journal) Option {
	return func(x *Executor) { x.journal = j }
}

func WithLogger(logger *slog.Logger) Option {
	return func(x *Executor) {
		if logger != nil {
			x.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(x *Executor) {
		if now != nil {
			x.nowFn = now
		}
	}
}

// NewExecutor returns an executor over db. Protocol assets are held at the
// lending module address.
func NewExecutor(db storage.Database, opts ...Option) *Executor {
	x := &Executor{
		db:      db,
		custody: crypto.ModuleAddress(ModuleName),
		logger:  slog.Default(),
		tracer:  otel.Tracer("kalefi/core"),
		metrics: observability.Lending(),
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Custody returns the protocol custody address.
func (x *Executor) Custody() crypto.Address { return x.custody }

// Execute applies call atomically and returns its receipt.
func (x *Executor) Execute(ctx context.Context, call Call) (*Receipt, error) {
	ctx, span := x.tracer.Start(ctx, "lending."+string(call.Type), trace.WithAttributes(
		attribute.String("lending.op", string(call.Type)),
		attribute.String("lending.caller", call.Caller.String()),
	))
	defer span.End()

	x.mu.Lock()
	defer x.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	overlay := state.NewOverlay(x.db)
	recorder := &events.Recorder{}
	engine := x.engine(overlay, recorder, call.Signers)

	receipt := &Receipt{Op: call.Type, Caller: call.Caller}
	err := x.apply(engine, call, receipt)
	if err == nil {
		err = overlay.Commit()
	} else {
		overlay.Discard()
	}
	x.metrics.ObserveCall(string(call.Type), err, rejectionReason(err), time.Since(start))
	if receipt.HealthBps != nil {
		x.metrics.ObserveHealth(string(call.Type), receipt.HealthBps)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		x.logger.Debug("lending call rejected",
			slog.String("op", string(call.Type)),
			slog.String("account", call.Caller.String()),
			slog.String("reason", rejectionReason(err)),
			slog.Any("error", err))
		return nil, err
	}

	receipt.ID = uuid.New()
	receipt.Timestamp = x.nowFn()
	receipt.Events = recorder.Events()
	observability.Events().Record(receipt.Events)
	span.SetAttributes(attribute.String("lending.receipt", receipt.ID.String()))

	if x.journal != nil {
		if err := x.journal.RecordReceipt(ctx, receipt); err != nil {
			x.logger.Error("record receipt",
				slog.String("receipt", receipt.ID.String()),
				slog.Any("error", err))
		}
	}
	return receipt, nil
}

// View runs fn against a read-only engine. Writes made by fn are discarded.
func (x *Executor) View(ctx context.Context, fn func(*lending.Engine) error) error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	overlay := state.NewOverlay(x.db)
	defer overlay.Discard()
	return fn(x.engine(overlay, nil, nil))
}

// Balance returns the bank balance of asset held by addr.
func (x *Executor) Balance(ctx context.Context, asset string, addr crypto.Address) (*big.Int, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return bank.New(state.NewManager(state.NewOverlay(x.db))).BalanceOf(asset, addr)
}

func (x *Executor) engine(overlay *state.Overlay, emitter events.Emitter, signers []crypto.Address) *lending.Engine {
	manager := state.NewManager(overlay)
	engine := lending.NewEngine(x.custody)
	engine.SetState(manager)
	engine.SetBank(bank.New(manager))
	engine.SetAuthorizer(signerSet(signers))
	engine.SetPriceFeed(x.feed)
	engine.SetPauses(x.pauses)
	engine.SetEmitter(emitter)
	return engine
}

func (x *Executor) apply(engine *lending.Engine, call Call, receipt *Receipt) error {
	switch call.Type {
	case types.CallInitialize:
		return engine.Initialize(call.Caller, call.CollateralAsset, call.DebtAsset, call.LTVBps, call.PriceSource)
	case types.CallSetMockPrice:
		return engine.SetMockPrice(call.Price)
	case types.CallDeposit:
		if err := engine.Deposit(call.Caller, call.Amount); err != nil {
			return err
		}
		receipt.Applied = cloneAmount(call.Amount)
		return nil
	case types.CallBorrow:
		health, err := engine.Borrow(call.Caller, call.Amount)
		receipt.HealthBps = health.FactorBps
		if err != nil {
			return err
		}
		receipt.Applied = cloneAmount(call.Amount)
		return nil
	case types.CallRepay:
		applied, err := engine.Repay(call.Caller, call.Amount)
		if err != nil {
			return err
		}
		receipt.Applied = applied
		return nil
	case types.CallWithdraw:
		health, err := engine.WithdrawCollateral(call.Caller, call.Amount)
		receipt.HealthBps = health.FactorBps
		if err != nil {
			return err
		}
		receipt.Applied = cloneAmount(call.Amount)
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCall, call.Type)
	}
}

// signerSet authorises exactly the identities that signed the call.
type signerSet []crypto.Address

func (s signerSet) RequireAuth(addr crypto.Address) error {
	for _, signer := range s {
		if signer.Equal(addr) {
			return nil
		}
	}
	return lending.ErrUnauthorized
}

func rejectionReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, lending.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, lending.ErrHealthFactorTooLow):
		return "health_factor"
	case errors.Is(err, lending.ErrOverflow):
		return "overflow"
	case errors.Is(err, lending.ErrInvalidAmount), errors.Is(err, bank.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, lending.ErrNotInitialized), errors.Is(err, lending.ErrAlreadyInitialized):
		return "initialization"
	case errors.Is(err, lending.ErrInsufficientCollateral), errors.Is(err, bank.ErrInsufficientBalance):
		return "insufficient_funds"
	case errors.Is(err, lending.ErrNoDebt):
		return "no_debt"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return "paused"
	default:
		return "other"
	}
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
