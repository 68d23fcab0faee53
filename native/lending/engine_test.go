package lending

import (
	"errors"
	"math/big"
	"testing"

	"kalefi/core/events"
	"kalefi/crypto"
	nativecommon "kalefi/native/common"
)

type mockEngineState struct {
	config    *ProtocolConfig
	positions map[string]*AccountPosition
	accounts  []crypto.Address
}

func newMockEngineState() *mockEngineState {
	return &mockEngineState{positions: make(map[string]*AccountPosition)}
}

func (m *mockEngineState) key(addr crypto.Address) string {
	return string(addr.Bytes())
}

func (m *mockEngineState) GetLendingConfig() (*ProtocolConfig, error) {
	return m.config.Clone(), nil
}

func (m *mockEngineState) PutLendingConfig(cfg *ProtocolConfig) error {
	m.config = cfg.Clone()
	return nil
}

func (m *mockEngineState) GetLendingPosition(addr crypto.Address) (*AccountPosition, error) {
	if pos, ok := m.positions[m.key(addr)]; ok {
		return pos.Clone(), nil
	}
	return &AccountPosition{Account: addr, Collateral: big.NewInt(0), Debt: big.NewInt(0)}, nil
}

func (m *mockEngineState) PutLendingPosition(pos *AccountPosition) error {
	k := m.key(pos.Account)
	if _, ok := m.positions[k]; !ok {
		m.accounts = append(m.accounts, pos.Account)
	}
	m.positions[k] = pos.Clone()
	return nil
}

func (m *mockEngineState) LendingAccounts() ([]crypto.Address, error) {
	return append([]crypto.Address(nil), m.accounts...), nil
}

type mockBank struct {
	balances map[string]*big.Int
}

func newMockBank() *mockBank {
	return &mockBank{balances: make(map[string]*big.Int)}
}

func (b *mockBank) key(asset string, addr crypto.Address) string {
	return asset + "/" + string(addr.Bytes())
}

func (b *mockBank) credit(asset string, addr crypto.Address, amount int64) {
	b.balances[b.key(asset, addr)] = new(big.Int).Add(b.balance(asset, addr), big.NewInt(amount))
}

func (b *mockBank) balance(asset string, addr crypto.Address) *big.Int {
	if bal, ok := b.balances[b.key(asset, addr)]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

func (b *mockBank) Transfer(asset string, from, to crypto.Address, amount *big.Int) error {
	fromBal := b.balance(asset, from)
	if fromBal.Cmp(amount) < 0 {
		return errors.New("mock bank: insufficient balance")
	}
	b.balances[b.key(asset, from)] = fromBal.Sub(fromBal, amount)
	b.balances[b.key(asset, to)] = new(big.Int).Add(b.balance(asset, to), amount)
	return nil
}

// allowAuth treats the listed addresses as having signed the call.
type allowAuth []crypto.Address

func (a allowAuth) RequireAuth(addr crypto.Address) error {
	for _, allowed := range a {
		if allowed.Equal(addr) {
			return nil
		}
	}
	return ErrUnauthorized
}

type stubPauseView struct {
	modules map[string]bool
}

func (s stubPauseView) IsPaused(module string) bool {
	if s.modules == nil {
		return false
	}
	return s.modules[module]
}

type staticFeed struct {
	quote PriceQuote
	err   error
}

func (f staticFeed) LatestPrice(string) (PriceQuote, error) { return f.quote, f.err }

func makeAddress(prefix crypto.AddressPrefix, fill byte) crypto.Address {
	raw := make([]byte, 20)
	for i := range raw {
		raw[i] = fill
	}
	return crypto.NewAddress(prefix, raw)
}

type fixture struct {
	engine *Engine
	state  *mockEngineState
	bank   *mockBank
	rec    *events.Recorder
	admin  crypto.Address
	user   crypto.Address
}

// newFixture initialises the protocol with ltvBps, sets the mock price and
// funds custody with lendable liquidity.
func newFixture(t *testing.T, ltvBps uint32, price int64) *fixture {
	t.Helper()
	f := &fixture{
		state: newMockEngineState(),
		bank:  newMockBank(),
		rec:   &events.Recorder{},
		admin: makeAddress(crypto.AccountPrefix, 0xAD),
		user:  makeAddress(crypto.AccountPrefix, 0x01),
	}
	f.engine = NewEngine(makeAddress(crypto.ModulePrefix, 0xEE))
	f.engine.SetState(f.state)
	f.engine.SetBank(f.bank)
	f.engine.SetEmitter(f.rec)
	f.engine.SetAuthorizer(allowAuth{f.admin, f.user})

	if err := f.engine.Initialize(f.admin, "KALE", "USDC", ltvBps, PriceSourceMock); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := f.engine.SetMockPrice(big.NewInt(price)); err != nil {
		t.Fatalf("set mock price: %v", err)
	}
	f.bank.credit("USDC", f.engine.Custody(), 1_000_000_000_000)
	f.bank.credit("KALE", f.user, 10_000_000_000)
	f.rec.Reset()
	return f
}

func (f *fixture) position(t *testing.T) *AccountPosition {
	t.Helper()
	pos, err := f.state.GetLendingPosition(f.user)
	if err != nil {
		t.Fatalf("load position: %v", err)
	}
	return pos
}

func TestBorrowAtExactCapacity(t *testing.T) {
	f := newFixture(t, 5000, 5_000_000)
	if err := f.engine.Deposit(f.user, big.NewInt(1_000_000_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	health, err := f.engine.Borrow(f.user, big.NewInt(250_000_000))
	if err != nil {
		t.Fatalf("borrow at cap: %v", err)
	}
	if health.CollateralValue.Cmp(big.NewInt(500_000_000)) != 0 {
		t.Fatalf("expected collateral value 500000000, got %s", health.CollateralValue)
	}
	if health.MaxBorrowValue.Cmp(big.NewInt(250_000_000)) != 0 {
		t.Fatalf("expected max borrow 250000000, got %s", health.MaxBorrowValue)
	}
	if health.FactorBps.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("expected factor 10000, got %s", health.FactorBps)
	}
	if got := f.bank.balance("USDC", f.user); got.Cmp(big.NewInt(250_000_000)) != 0 {
		t.Fatalf("expected borrower to receive 250000000, got %s", got)
	}
}

func TestBorrowOneUnitOverCapacityFails(t *testing.T) {
	f := newFixture(t, 5000, 5_000_000)
	if err := f.engine.Deposit(f.user, big.NewInt(1_000_000_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	health, err := f.engine.Borrow(f.user, big.NewInt(250_000_001))
	if !errors.Is(err, ErrHealthFactorTooLow) {
		t.Fatalf("expected ErrHealthFactorTooLow, got %v", err)
	}
	if health.FactorBps.Cmp(big.NewInt(9_999)) != 0 {
		t.Fatalf("expected rejected factor 9999, got %s", health.FactorBps)
	}
	if debt := f.position(t).Debt; debt.Sign() != 0 {
		t.Fatalf("expected debt to stay 0, got %s", debt)
	}
	if got := f.bank.balance("USDC", f.user); got.Sign() != 0 {
		t.Fatalf("rejected borrow must not transfer, got %s", got)
	}
}

func TestSequentialBorrowsStopAtCap(t *testing.T) {
	f := newFixture(t, 5000, 5_000_000)
	if err := f.engine.Deposit(f.user, big.NewInt(1_000_000_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	for i, want := range []int64{25_000, 12_500} {
		health, err := f.engine.Borrow(f.user, big.NewInt(100_000_000))
		if err != nil {
			t.Fatalf("borrow %d: %v", i+1, err)
		}
		if health.FactorBps.Cmp(big.NewInt(want)) != 0 {
			t.Fatalf("borrow %d: expected factor %d, got %s", i+1, want, health.FactorBps)
		}
	}
	if _, err := f.engine.Borrow(f.user, big.NewInt(60_000_000)); !errors.Is(err, ErrHealthFactorTooLow) {
		t.Fatalf("expected third borrow to fail, got %v", err)
	}
	if debt := f.position(t).Debt; debt.Cmp(big.NewInt(200_000_000)) != 0 {
		t.Fatalf("expected debt 200000000, got %s", debt)
	}
	health, err := f.engine.CheckHealthFactor(f.user)
	if err != nil {
		t.Fatalf("check health: %v", err)
	}
	if !health.Healthy() {
		t.Fatalf("committed position must stay healthy, got %s", health.FactorBps)
	}
}

func TestDepositsAreOrderIndependent(t *testing.T) {
	amounts := []int64{7, 1_000_000, 42}
	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 0, 2}}
	for _, order := range orders {
		f := newFixture(t, 5000, 5_000_000)
		for _, idx := range order {
			if err := f.engine.Deposit(f.user, big.NewInt(amounts[idx])); err != nil {
				t.Fatalf("deposit: %v", err)
			}
		}
		if got := f.position(t).Collateral; got.Cmp(big.NewInt(1_000_049)) != 0 {
			t.Fatalf("order %v: expected collateral 1000049, got %s", order, got)
		}
		if got := f.bank.balance("KALE", f.engine.Custody()); got.Cmp(big.NewInt(1_000_049)) != 0 {
			t.Fatalf("order %v: expected custody 1000049, got %s", order, got)
		}
	}
}

func TestDepositRejectsInvalidAmounts(t *testing.T) {
	f := newFixture(t, 5000, 5_000_000)
	for _, amount := range []*big.Int{nil, big.NewInt(0), big.NewInt(-5)} {
		if err := f.engine.Deposit(f.user, amount); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %v: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
	if err := f.engine.Deposit(f.user, new(big.Int).Add(MaxI128, big.NewInt(1))); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow for out-of-range amount, got %v", err)
	}
}

func TestDepositRequiresCallerAuth(t *testing.T) {
	f := newFixture(t, 5000, 5_000_000)
	stranger := makeAddress(crypto.AccountPrefix, 0x77)
	f.bank.credit("KALE", stranger, 100)

	if err := f.engine.Deposit(stranger, big.NewInt(100)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if got := f.bank.balance("KALE", stranger); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unauthorised deposit moved funds: %s", got)
	}
}

func TestDepositFailsWhenTransferFails(t *testing.T) {
	f := newFixture(t, 5000, 5_000_000)
	if err := f.engine.Deposit(f.user, big.NewInt(20_000_000_000)); err == nil {
		t.Fatalf("expected deposit beyond balance to fail")
	}
	if got := f.position(t).Collateral; got.Sign() != 0 {
		t.Fatalf("failed transfer must not credit collateral, got %s", got)
	}
}

func TestCollateralOverflowRejected(t *testing.T) {
	f := newFixture(t, 5000, 5_000_000)
	f.state.positions[f.state.key(f.user)] = &AccountPosition{
		Account:    f.user,
		Collateral: new(big.Int).Set(MaxI128),
		Debt:       big.NewInt(0),
	}
	if err := f.engine.Deposit(f.user, big.NewInt(1)); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	if _, err := f.engine.Borrow(f.user, big.NewInt(1)); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected valuation overflow on borrow, got %v", err)
	}
}

func TestInitializeRules(t *testing.T) {
	admin := makeAddress(crypto.AccountPrefix, 0xAD)
	newEngine := func() *Engine {
		engine := NewEngine(makeAddress(crypto.ModulePrefix, 0xEE))
		engine.SetState(newMockEngineState())
		engine.SetAuthorizer(allowAuth{admin})
		return engine
	}

	if err := newEngine().Initialize(admin, "KALE", "USDC", 10_001, PriceSourceMock); !errors.Is(err, ErrInvalidLTV) {
		t.Fatalf("expected ErrInvalidLTV, got %v", err)
	}
	if err := newEngine().Initialize(admin, " ", "USDC", 5000, PriceSourceMock); !errors.Is(err, ErrInvalidAsset) {
		t.Fatalf("expected ErrInvalidAsset, got %v", err)
	}
	other := makeAddress(crypto.AccountPrefix, 0x02)
	if err := newEngine().Initialize(other, "KALE", "USDC", 5000, PriceSourceMock); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	engine := newEngine()
	if _, err := engine.GetLTV(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized before init, got %v", err)
	}
	if err := engine.Initialize(admin, "KALE", "USDC", 10_000, PriceSourceMock); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := engine.Initialize(admin, "KALE", "USDC", 5000, PriceSourceMock); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
	ltv, err := engine.GetLTV()
	if err != nil || ltv != 10_000 {
		t.Fatalf("expected ltv 10000, got %d (%v)", ltv, err)
	}
	price, err := engine.GetMockPrice()
	if err != nil || price.Sign() != 0 {
		t.Fatalf("expected initial mock price 0, got %v (%v)", price, err)
	}
}

func TestSetMockPriceRequiresAdmin(t *testing.T) {
	f := newFixture(t, 5000, 5_000_000)
	f.engine.SetAuthorizer(allowAuth{f.user})

	if err := f.engine.SetMockPrice(big.NewInt(1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	price, err := f.engine.GetMockPrice()
	if err != nil {
		t.Fatalf("get mock price: %v", err)
	}
	if price.Cmp(big.NewInt(5_000_000)) != 0 {
		t.Fatalf("price changed without admin auth: %s", price)
	}
	if len(f.rec.Events()) != 0 {
		t.Fatalf("rejected call must not emit events")
	}
}

func TestNegativeMockPriceMakesDebtUnhealthy(t *testing.T) {
	f := newFixture(t, 5000, 5_000_000)
	if err := f.engine.Deposit(f.user, big.NewInt(1_000_000_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.engine.SetMockPrice(big.NewInt(-1)); err != nil {
		t.Fatalf("negative prices are accepted: %v", err)
	}
	if _, err := f.engine.Borrow(f.user, big.NewInt(1)); !errors.Is(err, ErrHealthFactorTooLow) {
		t.Fatalf("expected ErrHealthFactorTooLow, got %v", err)
	}
}

func TestPausedModuleBlocksMutationsOnly(t *testing.T) {
	f := newFixture(t, 5000, 5_000_000)
	if err := f.engine.Deposit(f.user, big.NewInt(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	f.engine.SetPauses(stubPauseView{modules: map[string]bool{"lending": true}})

	if err := f.engine.Deposit(f.user, big.NewInt(1)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if _, err := f.engine.Borrow(f.user, big.NewInt(1)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := f.engine.SetMockPrice(big.NewInt(1)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if _, err := f.engine.GetPosition(f.user); err != nil {
		t.Fatalf("reads must work while paused: %v", err)
	}
	if got := f.position(t).Collateral; got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("paused deposit changed collateral: %s", got)
	}
}

func TestRepayCapsAtOutstandingDebt(t *testing.T) {
	f := newFixture(t, 5000, 5_000_000)
	if _, err := f.engine.Repay(f.user, big.NewInt(1)); !errors.Is(err, ErrNoDebt) {
		t.Fatalf("expected ErrNoDebt, got %v", err)
	}
	if err := f.engine.Deposit(f.user, big.NewInt(1_000_000_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := f.engine.Borrow(f.user, big.NewInt(100_000_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	f.bank.credit("USDC", f.user, 5)

	applied, err := f.engine.Repay(f.user, big.NewInt(40_000_000))
	if err != nil {
		t.Fatalf("partial repay: %v", err)
	}
	if applied.Cmp(big.NewInt(40_000_000)) != 0 {
		t.Fatalf("expected 40000000 applied, got %s", applied)
	}
	applied, err = f.engine.Repay(f.user, big.NewInt(500_000_000))
	if err != nil {
		t.Fatalf("full repay: %v", err)
	}
	if applied.Cmp(big.NewInt(60_000_000)) != 0 {
		t.Fatalf("expected remaining 60000000 applied, got %s", applied)
	}
	if debt := f.position(t).Debt; debt.Sign() != 0 {
		t.Fatalf("expected debt cleared, got %s", debt)
	}
	if got := f.bank.balance("USDC", f.user); got.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("expected only the excess to remain, got %s", got)
	}
}

func TestWithdrawKeepsPositionHealthy(t *testing.T) {
	f := newFixture(t, 5000, 5_000_000)
	if err := f.engine.Deposit(f.user, big.NewInt(1_000_000_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := f.engine.WithdrawCollateral(f.user, big.NewInt(1_000_000_001)); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
	if _, err := f.engine.Borrow(f.user, big.NewInt(100_000_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// 400_000_000 collateral remaining backs exactly 100_000_000 of debt.
	health, err := f.engine.WithdrawCollateral(f.user, big.NewInt(600_000_000))
	if err != nil {
		t.Fatalf("withdraw to cap: %v", err)
	}
	if health.FactorBps.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("expected factor 10000, got %s", health.FactorBps)
	}
	if _, err := f.engine.WithdrawCollateral(f.user, big.NewInt(1)); !errors.Is(err, ErrHealthFactorTooLow) {
		t.Fatalf("expected ErrHealthFactorTooLow, got %v", err)
	}
	if got := f.position(t).Collateral; got.Cmp(big.NewInt(400_000_000)) != 0 {
		t.Fatalf("expected collateral 400000000, got %s", got)
	}
	if got := f.bank.balance("KALE", f.user); got.Cmp(big.NewInt(9_600_000_000)) != 0 {
		t.Fatalf("expected withdrawn collateral returned, got %s", got)
	}
}

func TestGetPositionReportsCapacityAndTier(t *testing.T) {
	f := newFixture(t, 5000, 5_000_000)
	if err := f.engine.Deposit(f.user, big.NewInt(1_000_000_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	view, err := f.engine.GetPosition(f.user)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if view.RiskTier != RiskSafe {
		t.Fatalf("debt-free position should be safe, got %s", view.RiskTier)
	}
	if view.AvailableToBorrow.Cmp(big.NewInt(250_000_000)) != 0 {
		t.Fatalf("expected 250000000 available, got %s", view.AvailableToBorrow)
	}
	if view.Health.FactorBps.Cmp(MaxI128) != 0 {
		t.Fatalf("expected sentinel factor, got %s", view.Health.FactorBps)
	}

	if _, err := f.engine.Borrow(f.user, big.NewInt(200_000_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	view, err = f.engine.GetPosition(f.user)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if view.RiskTier != RiskHigh {
		t.Fatalf("expected high risk at 12500 bps, got %s", view.RiskTier)
	}
	if view.AvailableToBorrow.Cmp(big.NewInt(50_000_000)) != 0 {
		t.Fatalf("expected 50000000 available, got %s", view.AvailableToBorrow)
	}

	positions, err := f.engine.ListPositions()
	if err != nil {
		t.Fatalf("list positions: %v", err)
	}
	if len(positions) != 1 || !positions[0].Account.Equal(f.user) {
		t.Fatalf("expected the single borrower, got %+v", positions)
	}
}

func TestExternalModeUsesFeedOrFallsBack(t *testing.T) {
	admin := makeAddress(crypto.AccountPrefix, 0xAD)
	user := makeAddress(crypto.AccountPrefix, 0x01)
	state := newMockEngineState()
	engine := NewEngine(makeAddress(crypto.ModulePrefix, 0xEE))
	engine.SetState(state)
	engine.SetAuthorizer(allowAuth{admin})
	if err := engine.Initialize(admin, "KALE", "USDC", 5000, PriceSourceExternal); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := engine.SetMockPrice(big.NewInt(5_000_000)); err != nil {
		t.Fatalf("set mock price: %v", err)
	}
	state.positions[state.key(user)] = &AccountPosition{
		Account:    user,
		Collateral: big.NewInt(1_000_000_000),
		Debt:       big.NewInt(250_000_000),
	}

	health, err := engine.CheckHealthFactor(user)
	if err != nil {
		t.Fatalf("fallback health: %v", err)
	}
	if health.FactorBps.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("expected fallback to mock price, got %s", health.FactorBps)
	}

	// 1.00 at two decimals doubles the collateral value.
	engine.SetPriceFeed(staticFeed{quote: PriceQuote{Price: big.NewInt(100), Decimals: 2}})
	health, err = engine.CheckHealthFactor(user)
	if err != nil {
		t.Fatalf("feed health: %v", err)
	}
	if health.FactorBps.Cmp(big.NewInt(20_000)) != 0 {
		t.Fatalf("expected feed price to apply, got %s", health.FactorBps)
	}

	engine.SetPriceFeed(staticFeed{err: errors.New("feed offline")})
	if _, err := engine.CheckHealthFactor(user); err == nil {
		t.Fatalf("expected feed error to surface")
	}
}

func TestEventsRecordCommittedMutations(t *testing.T) {
	f := newFixture(t, 5000, 5_000_000)
	if err := f.engine.Deposit(f.user, big.NewInt(1_000_000_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := f.engine.Borrow(f.user, big.NewInt(250_000_001)); err == nil {
		t.Fatalf("expected borrow to fail")
	}
	if _, err := f.engine.Borrow(f.user, big.NewInt(250_000_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	got := f.rec.Events()
	if len(got) != 2 {
		t.Fatalf("expected deposit and borrow events, got %d", len(got))
	}
	if got[0].Type != events.TypeLendingDeposit || got[1].Type != events.TypeLendingBorrow {
		t.Fatalf("unexpected event order %s, %s", got[0].Type, got[1].Type)
	}
	if got[1].Attributes["healthFactorBps"] != "10000" {
		t.Fatalf("unexpected borrow health attribute %q", got[1].Attributes["healthFactorBps"])
	}
}
