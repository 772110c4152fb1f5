package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/facebookgo/clock"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerperp/engine/internal/amm"
	"github.com/powerperp/engine/internal/api"
	"github.com/powerperp/engine/internal/controller"
	"github.com/powerperp/engine/internal/model"
	"github.com/powerperp/engine/internal/oracle"
	"github.com/powerperp/engine/internal/store"
	"github.com/powerperp/engine/internal/strategy"
)

var (
	alice    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	migrator = common.HexToAddress("0x0000000000000000000000000000000000000003")
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type testEnv struct {
	t      *testing.T
	clk    *clock.Mock
	orc    *oracle.Recorder
	hub    *api.WSHub
	router chi.Router
	pools  controller.Pools
}

// newTestEnv wires the service over an in-memory store, a mock clock and
// a chi router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cp := controller.DefaultParams()
	sp := strategy.DefaultParams()
	sp.Migrator = migrator

	clk := clock.NewMock()
	clk.Add(time.Hour)
	orc := oracle.NewRecorder(clk)
	orc.RegisterPool(cp.Pools.Power, model.AssetPowerPerp, model.AssetETH)
	orc.RegisterPool(cp.Pools.EthStable, model.AssetETH, model.AssetStable)
	pools := amm.NewStaticPools()
	ms := store.NewMemoryStore()
	ctl := controller.New(ms, orc, pools, clk, cp)
	strat := strategy.New(ms, ctl, orc, clk, sp)
	hub := api.NewWSHub()
	svc := api.NewService(ms, ctl, strat, orc, pools, hub)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	return &testEnv{t: t, clk: clk, orc: orc, hub: hub, router: r, pools: cp.Pools}
}

// setPrice posts ETH at ethUsd and the power-token at index, then rolls
// the TWAP window over.
func (e *testEnv) setPrice(ethUsd string) {
	e.t.Helper()
	eth := d(ethUsd)
	e.post("/api/v1/sim/oracle", api.ObservationRequest{Pool: e.pools.EthStable, Price: eth}, http.StatusOK)
	e.post("/api/v1/sim/oracle", api.ObservationRequest{Pool: e.pools.Power, Price: eth.Div(d("10000"))}, http.StatusOK)
	e.clk.Add(8 * time.Minute)
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) post(path string, body any, want int) *httptest.ResponseRecorder {
	e.t.Helper()
	w := e.do(http.MethodPost, path, body)
	require.Equal(e.t, want, w.Code, w.Body.String())
	return w
}

func (e *testEnv) credit(addr common.Address, asset model.Asset, amount string) {
	e.t.Helper()
	e.post("/api/v1/sim/credit", api.CreditRequest{Account: addr, Asset: asset, Amount: d(amount)}, http.StatusOK)
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestMintAndGetVault(t *testing.T) {
	e := newTestEnv(t)
	e.setPrice("3000")
	e.credit(alice, model.AssetETH, "45")

	w := e.post("/api/v1/vaults/mint", api.MintRequest{
		Caller:     alice,
		Amount:     d("100"),
		Collateral: d("45"),
	}, http.StatusOK)
	assert.Equal(t, uint64(1), decodeBody[map[string]uint64](t, w)["vault_id"])

	w = e.do(http.MethodGet, "/api/v1/vaults/1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	v := decodeBody[api.VaultResponse](t, w)
	assert.True(t, v.Safe)
	assert.Equal(t, alice, v.Owner)
	assert.True(t, v.CollateralAmount.Equal(d("45")))
	assert.True(t, v.ShortAmount.Equal(d("100")))

	w = e.do(http.MethodGet, "/api/v1/balances/"+alice.Hex(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	balances := decodeBody[map[model.Asset]decimal.Decimal](t, w)
	assert.True(t, balances[model.AssetPowerPerp].Equal(d("100")))
	assert.True(t, balances[model.AssetETH].IsZero())

	w = e.do(http.MethodGet, "/api/v1/vaults/1/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	events := decodeBody[[]model.Event](t, w)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventMint, events[0].Kind)
}

func TestErrorStatus(t *testing.T) {
	e := newTestEnv(t)
	e.setPrice("3000")
	e.credit(alice, model.AssetETH, "100")
	e.post("/api/v1/vaults/mint", api.MintRequest{Caller: alice, Amount: d("100"), Collateral: d("45")}, http.StatusOK)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
		kind   string
	}{
		{"unsafe mint", http.MethodPost, "/api/v1/vaults/mint",
			api.MintRequest{Caller: alice, Amount: d("100"), Collateral: d("40")}, http.StatusConflict, "solvency"},
		{"not owner", http.MethodPost, "/api/v1/vaults/1/burn",
			api.BurnRequest{Caller: bob, Amount: d("1")}, http.StatusForbidden, "authorization"},
		{"missing vault", http.MethodGet, "/api/v1/vaults/9", nil, http.StatusNotFound, "not found"},
		{"bad vault id", http.MethodGet, "/api/v1/vaults/abc", nil, http.StatusBadRequest, "validation"},
		{"bad address", http.MethodGet, "/api/v1/balances/nope", nil, http.StatusBadRequest, "validation"},
		{"unknown asset", http.MethodPost, "/api/v1/sim/credit",
			api.CreditRequest{Account: bob, Asset: "DOGE", Amount: d("1")}, http.StatusBadRequest, "validation"},
		{"safe vault", http.MethodPost, "/api/v1/vaults/1/liquidate",
			api.LiquidateRequest{Liquidator: bob, MaxDebt: d("10")}, http.StatusConflict, "state"},
		{"hedge before init", http.MethodPost, "/api/v1/strategy/hedge/time",
			api.HedgeRequest{Trader: bob}, http.StatusConflict, "state"},
		{"bad trigger", http.MethodGet, "/api/v1/strategy/hedge/price?trigger=soon", nil, http.StatusBadRequest, "validation"},
		{"bad limit", http.MethodGet, "/api/v1/events?limit=0", nil, http.StatusBadRequest, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(tt.method, tt.path, tt.body)
			require.Equal(t, tt.want, w.Code, w.Body.String())
			body := decodeBody[map[string]string](t, w)
			assert.NotEmpty(t, body["error"])
			assert.Equal(t, tt.kind, body["kind"])
		})
	}
}

func TestInvalidBody(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/vaults/mint", strings.NewReader("{"))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPrices(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(http.MethodGet, "/api/v1/prices", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "no observations yet")

	e.setPrice("3000")
	w = e.do(http.MethodGet, "/api/v1/prices", nil)
	require.Equal(t, http.StatusOK, w.Code)
	p := decodeBody[controller.Prices](t, w)
	assert.True(t, p.EthUsd.Equal(d("3000")))
	assert.True(t, p.PowerEth.Equal(d("0.3")))
	assert.True(t, p.Mark.Equal(p.Index))

	w = e.do(http.MethodGet, "/api/v1/funding", nil)
	require.Equal(t, http.StatusOK, w.Code)
	f := decodeBody[model.FundingState](t, w)
	assert.True(t, f.NormalizationFactor.Equal(decimal.NewFromInt(1)))
}

func TestStrategyRoutes(t *testing.T) {
	e := newTestEnv(t)
	e.setPrice("3000")

	e.post("/api/v1/strategy/initialize", api.AmountRequest{Caller: alice, Amount: d("100")}, http.StatusForbidden)
	e.post("/api/v1/strategy/initialize", api.AmountRequest{Caller: migrator, Amount: d("100")}, http.StatusOK)

	e.credit(alice, model.AssetETH, "30")
	w := e.post("/api/v1/strategy/deposit", api.AmountRequest{Caller: alice, Amount: d("30")}, http.StatusOK)
	assert.True(t, decodeBody[map[string]decimal.Decimal](t, w)["shares"].Equal(d("30")))

	w = e.do(http.MethodGet, "/api/v1/strategy", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decodeBody[strategy.State](t, w)
	assert.True(t, st.Collateral.Equal(d("30")))
	assert.True(t, st.Debt.Equal(d("50")))

	w = e.do(http.MethodGet, "/api/v1/strategy/shares/"+alice.Hex(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeBody[map[string]decimal.Decimal](t, w)["shares"].Equal(d("30")))

	w = e.do(http.MethodGet, "/api/v1/strategy/hedge/time", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decodeBody[map[string]any](t, w)["allowed"])

	e.post("/api/v1/strategy/deposit", api.AmountRequest{Caller: alice, Amount: d("100")}, http.StatusBadRequest)

	w = e.post("/api/v1/strategy/withdraw", api.AmountRequest{Caller: alice, Amount: d("30")}, http.StatusOK)
	assert.True(t, decodeBody[map[string]decimal.Decimal](t, w)["eth"].Equal(d("30")))
}

func TestWSBroadcast(t *testing.T) {
	e := newTestEnv(t)
	e.setPrice("3000")
	e.credit(alice, model.AssetETH, "45")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.hub.Run(ctx)

	srv := httptest.NewServer(e.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return e.hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	e.post("/api/v1/vaults/mint", api.MintRequest{Caller: alice, Amount: d("100"), Collateral: d("45")}, http.StatusOK)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg api.WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, string(model.EventMint), msg.Type)
	assert.Equal(t, uint64(1), msg.VaultID)
	assert.Equal(t, alice.Hex(), msg.Account)
}
