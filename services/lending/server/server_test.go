package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"kalefi/core"
	"kalefi/core/genesis"
	"kalefi/core/types"
	"kalefi/crypto"
	"kalefi/services/lending/audit"
	"kalefi/storage"
)

const testToken = "test-token"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testAPI struct {
	srv      *httptest.Server
	admin    *crypto.PrivateKey
	user     *crypto.PrivateKey
	adminKey crypto.Address
	userKey  crypto.Address
	nonce    uint64
}

func newTestAPI(t *testing.T, mutate func(*Config)) *testAPI {
	t.Helper()
	admin, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	user, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	api := &testAPI{admin: admin, user: user, adminKey: admin.PubKey().Address(), userKey: user.PubKey().Address()}

	db := storage.NewMemDB()
	_, err = genesis.Apply(&genesis.Spec{
		Tokens: []genesis.TokenSpec{
			{Symbol: "KALE", Name: "Kale", Decimals: 7},
			{Symbol: "USDC", Name: "USD Coin", Decimals: 7},
		},
		Alloc:       map[string]map[string]string{api.userKey.String(): {"KALE": "10000000000"}},
		ModuleAlloc: map[string]map[string]string{core.ModuleName: {"USDC": "1000000000000"}},
	}, db)
	require.NoError(t, err)

	store, err := audit.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	feed := NewFeed(8)
	cfg := Config{
		Executor: core.NewExecutor(db, core.WithJournal(core.MultiJournal(store, feed))),
		Auth:     NewAuthenticator(AuthConfig{APITokens: []string{testToken}, JWTSecret: "jwt-secret"}, nil),
		Nonces:   store,
		Receipts: store,
		Feed:     feed,
		Now:      func() time.Time { return testNow },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg)
	require.NoError(t, err)
	api.srv = httptest.NewServer(srv.Handler())
	t.Cleanup(api.srv.Close)
	return api
}

func (a *testAPI) signed(t *testing.T, key *crypto.PrivateKey, payload types.CallPayload) []byte {
	t.Helper()
	a.nonce++
	if payload.Nonce == 0 {
		payload.Nonce = a.nonce
	}
	if payload.Timestamp == 0 {
		payload.Timestamp = testNow.Unix()
	}
	if payload.Caller == "" {
		payload.Caller = key.PubKey().Address().String()
	}
	call, err := types.NewSignedCall(&payload, key)
	require.NoError(t, err)
	body, err := json.Marshal(call)
	require.NoError(t, err)
	return body
}

func (a *testAPI) post(t *testing.T, path string, body []byte, token string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, a.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return decodeResponse(t, resp)
}

func (a *testAPI) get(t *testing.T, path string) (int, interface{}) {
	t.Helper()
	resp, err := http.Get(a.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func decodeResponse(t *testing.T, resp *http.Response) (int, map[string]interface{}) {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return resp.StatusCode, out
}

func (a *testAPI) bootstrap(t *testing.T) {
	t.Helper()
	status, body := a.post(t, "/v1/initialize", a.signed(t, a.admin, types.CallPayload{
		Op:              types.CallInitialize,
		CollateralAsset: "KALE",
		DebtAsset:       "USDC",
		LTVBps:          5000,
		PriceSource:     "mock",
	}), testToken)
	require.Equal(t, http.StatusOK, status, body)
	status, body = a.post(t, "/v1/price", a.signed(t, a.admin, types.CallPayload{
		Op:    types.CallSetMockPrice,
		Price: "5000000",
	}), testToken)
	require.Equal(t, http.StatusOK, status, body)
}

func TestDepositBorrowRoundTrip(t *testing.T) {
	api := newTestAPI(t, nil)
	api.bootstrap(t)

	status, body := api.post(t, "/v1/deposit", api.signed(t, api.user, types.CallPayload{
		Op:     types.CallDeposit,
		Amount: "1000000000",
	}), testToken)
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "1000000000", body["applied"])

	status, body = api.post(t, "/v1/borrow", api.signed(t, api.user, types.CallPayload{
		Op:     types.CallBorrow,
		Amount: "250000000",
	}), testToken)
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "10000", body["healthFactorBps"])

	code, pos := api.get(t, "/v1/positions/"+api.userKey.String())
	require.Equal(t, http.StatusOK, code)
	view := pos.(map[string]interface{})
	require.Equal(t, "1000000000", view["collateral"])
	require.Equal(t, "250000000", view["debt"])
	require.Equal(t, "0", view["availableToBorrow"])
	require.Equal(t, "high", view["riskTier"])

	code, bal := api.get(t, "/v1/balances/usdc/"+api.userKey.String())
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "250000000", bal.(map[string]interface{})["balance"])

	code, receipts := api.get(t, "/v1/receipts?account="+api.userKey.String())
	require.Equal(t, http.StatusOK, code)
	require.Len(t, receipts, 2)
}

func TestBorrowAboveCapacityIsRejected(t *testing.T) {
	api := newTestAPI(t, nil)
	api.bootstrap(t)
	status, _ := api.post(t, "/v1/deposit", api.signed(t, api.user, types.CallPayload{Op: types.CallDeposit, Amount: "1000000000"}), testToken)
	require.Equal(t, http.StatusOK, status)

	status, body := api.post(t, "/v1/borrow", api.signed(t, api.user, types.CallPayload{Op: types.CallBorrow, Amount: "250000001"}), testToken)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, "health_factor_too_low", body["error"])

	code, health := api.get(t, "/v1/health/"+api.userKey.String())
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "0", health.(map[string]interface{})["debtValue"])
}

func TestMutationsRequireAPICredentials(t *testing.T) {
	api := newTestAPI(t, nil)
	body := api.signed(t, api.admin, types.CallPayload{Op: types.CallInitialize, CollateralAsset: "KALE", DebtAsset: "USDC", LTVBps: 5000})

	status, resp := api.post(t, "/v1/initialize", body, "")
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "unauthenticated", resp["error"])

	status, _ = api.post(t, "/v1/initialize", body, "wrong")
	require.Equal(t, http.StatusUnauthorized, status)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("jwt-secret"))
	require.NoError(t, err)
	status, resp = api.post(t, "/v1/initialize", body, signed)
	require.Equal(t, http.StatusOK, status, resp)
}

func TestEnvelopeChecks(t *testing.T) {
	api := newTestAPI(t, nil)
	api.bootstrap(t)

	// signed by the user, claiming to be the admin
	status, body := api.post(t, "/v1/price", api.signed(t, api.user, types.CallPayload{
		Op:     types.CallSetMockPrice,
		Caller: api.adminKey.String(),
		Price:  "1",
	}), testToken)
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "unauthorized", body["error"])

	// admin check is enforced by the engine, not the envelope
	status, body = api.post(t, "/v1/price", api.signed(t, api.user, types.CallPayload{Op: types.CallSetMockPrice, Price: "1"}), testToken)
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "unauthorized", body["error"])

	status, body = api.post(t, "/v1/deposit", api.signed(t, api.user, types.CallPayload{
		Op:        types.CallDeposit,
		Amount:    "10",
		Timestamp: testNow.Add(-time.Hour).Unix(),
	}), testToken)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "stale_call", body["error"])

	status, body = api.post(t, "/v1/borrow", api.signed(t, api.user, types.CallPayload{Op: types.CallDeposit, Amount: "10"}), testToken)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "malformed_call", body["error"])

	status, body = api.post(t, "/v1/deposit", api.signed(t, api.user, types.CallPayload{Op: types.CallDeposit, Amount: "ten"}), testToken)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "malformed_call", body["error"])

	status, _ = api.post(t, "/v1/deposit", []byte(`{"payload":{}}`), testToken)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestReplayedNonceIsRejected(t *testing.T) {
	api := newTestAPI(t, nil)
	api.bootstrap(t)
	body := api.signed(t, api.user, types.CallPayload{Op: types.CallDeposit, Amount: "10"})

	status, _ := api.post(t, "/v1/deposit", body, testToken)
	require.Equal(t, http.StatusOK, status)
	status, resp := api.post(t, "/v1/deposit", body, testToken)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "replayed_call", resp["error"])

	code, pos := api.get(t, "/v1/positions/"+api.userKey.String())
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "10", pos.(map[string]interface{})["collateral"])
}

func TestReadsBeforeInitialize(t *testing.T) {
	api := newTestAPI(t, nil)
	code, body := api.get(t, "/v1/config")
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "not_initialized", body.(map[string]interface{})["error"])

	code, _ = api.get(t, "/v1/health/not-an-address")
	require.Equal(t, http.StatusBadRequest, code)
}

func TestConfigPriceAndLTV(t *testing.T) {
	api := newTestAPI(t, nil)
	api.bootstrap(t)

	code, cfg := api.get(t, "/v1/config")
	require.Equal(t, http.StatusOK, code)
	view := cfg.(map[string]interface{})
	require.Equal(t, api.adminKey.String(), view["admin"])
	require.Equal(t, "mock", view["priceSource"])
	require.Equal(t, "5000000", view["mockPrice"])

	code, price := api.get(t, "/v1/price")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "5000000", price.(map[string]interface{})["price"])

	code, ltv := api.get(t, "/v1/ltv")
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 5000, ltv.(map[string]interface{})["ltvBps"])

	code, positions := api.get(t, "/v1/positions")
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, positions)
}

func TestRateLimitAppliesPerClient(t *testing.T) {
	api := newTestAPI(t, func(cfg *Config) {
		cfg.RateLimit = RateLimit{RequestsPerMinute: 1, Burst: 1}
	})
	code, _ := api.get(t, "/v1/ltv")
	require.Equal(t, http.StatusConflict, code)
	code, body := api.get(t, "/v1/ltv")
	require.Equal(t, http.StatusTooManyRequests, code)
	require.Equal(t, "rate_limited", body.(map[string]interface{})["error"])

	resp, err := http.Get(api.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestParseBearerToken(t *testing.T) {
	require.Equal(t, "abc", parseBearerToken("Bearer abc"))
	require.Equal(t, "abc", parseBearerToken("bearer   abc "))
	require.Empty(t, parseBearerToken("Basic abc"))
	require.Empty(t, parseBearerToken(""))
}

func TestStreamDeliversCommittedReceipts(t *testing.T) {
	api := newTestAPI(t, nil)
	api.bootstrap(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(api.srv.URL, "http") + "/v1/stream?account=" + api.userKey.String()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	status, _ := api.post(t, "/v1/deposit", api.signed(t, api.user, types.CallPayload{Op: types.CallDeposit, Amount: "42"}), testToken)
	require.Equal(t, http.StatusOK, status)

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var view receiptView
	require.NoError(t, json.Unmarshal(data, &view))
	require.Equal(t, "deposit", view.Op)
	require.Equal(t, "42", view.Applied)
	require.Equal(t, api.userKey.String(), view.Caller)
}

func TestFeedFiltersByAccount(t *testing.T) {
	feed := NewFeed(1)
	all, cancelAll, ok := feed.subscribe("")
	require.True(t, ok)
	defer cancelAll()
	mine, cancelMine, ok := feed.subscribe("kfi1other")
	require.True(t, ok)
	defer cancelMine()

	admin, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	receipt := &core.Receipt{Op: types.CallDeposit, Caller: admin.PubKey().Address()}
	require.NoError(t, feed.RecordReceipt(context.Background(), receipt))
	// a full buffer drops instead of blocking
	require.NoError(t, feed.RecordReceipt(context.Background(), receipt))

	require.Len(t, all, 1)
	require.Len(t, mine, 0)
}
