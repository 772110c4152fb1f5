// Package api provides the HTTP handlers over the vault controller and
// the strategy, plus simulation routes that drive the oracle, the pools
// and the token ledger.
//
// Callers name themselves in the request body. All monetary values are
// decimal strings.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/powerperp/engine/internal/amm"
	"github.com/powerperp/engine/internal/controller"
	"github.com/powerperp/engine/internal/model"
	"github.com/powerperp/engine/internal/oracle"
	"github.com/powerperp/engine/internal/otc"
	"github.com/powerperp/engine/internal/store"
	"github.com/powerperp/engine/internal/strategy"
)

const defaultEventLimit = 100

var errBadRequest = model.NewError(model.ErrValidation, "api: invalid request body")

// Service serves the engine over HTTP.
type Service struct {
	store    store.Store
	ctl      *controller.Controller
	strategy *strategy.Strategy
	oracle   *oracle.Recorder
	pools    *amm.StaticPools
	wsHub    *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates the HTTP service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, ctl *controller.Controller, strat *strategy.Strategy, orc *oracle.Recorder, pools *amm.StaticPools, hub *WSHub) *Service {
	return &Service{
		store:    st,
		ctl:      ctl,
		strategy: strat,
		oracle:   orc,
		pools:    pools,
		wsHub:    hub,
	}
}

// Routes mounts every /api/v1 route on r.
func (s *Service) Routes(r chi.Router) {
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}

	// Vault ledger.
	r.Post("/vaults", s.OpenVault)
	r.Post("/vaults/mint", s.Mint)
	r.Get("/vaults/{vaultID}", s.GetVault)
	r.Get("/vaults/{vaultID}/events", s.ListEvents)
	r.Post("/vaults/{vaultID}/burn", s.Burn)
	r.Post("/vaults/{vaultID}/collateral/deposit", s.DepositCollateral)
	r.Post("/vaults/{vaultID}/collateral/withdraw", s.WithdrawCollateral)
	r.Post("/vaults/{vaultID}/lp/deposit", s.DepositLP)
	r.Post("/vaults/{vaultID}/lp/withdraw", s.WithdrawLP)
	r.Post("/vaults/{vaultID}/operator", s.UpdateOperator)
	r.Post("/vaults/{vaultID}/transfer", s.TransferVault)
	r.Post("/vaults/{vaultID}/liquidate", s.Liquidate)

	// Protocol state.
	r.Get("/prices", s.GetPrices)
	r.Get("/funding", s.GetFunding)
	r.Post("/pause", s.SetPaused)
	r.Get("/events", s.ListEvents)
	r.Get("/balances/{address}", s.GetBalances)

	// Strategy.
	r.Get("/strategy", s.GetStrategy)
	r.Get("/strategy/shares/{address}", s.GetShares)
	r.Post("/strategy/initialize", s.InitializeStrategy)
	r.Post("/strategy/cap", s.SetCap)
	r.Post("/strategy/deposit", s.StrategyDeposit)
	r.Post("/strategy/withdraw", s.StrategyWithdraw)
	r.Get("/strategy/hedge/time", s.CheckTimeHedge)
	r.Get("/strategy/hedge/price", s.CheckPriceHedge)
	r.Post("/strategy/hedge/time", s.TimeHedge)
	r.Post("/strategy/hedge/price", s.PriceHedge)
	r.Post("/strategy/hedge/otc", s.HedgeOTC)
	r.Post("/strategy/nonces/cancel", s.CancelNonce)
	r.Post("/strategy/migration/queue", s.QueueVaultTransfer)
	r.Post("/strategy/migration/execute", s.ExecuteVaultTransfer)

	// Simulation collaborators.
	r.Post("/sim/oracle", s.RecordObservation)
	r.Post("/sim/pools/{pool}/tick", s.SetTick)
	r.Post("/sim/credit", s.Credit)
	r.Post("/sim/positions", s.RegisterPosition)
}

// --- Request types ---

// OpenVaultRequest is the JSON body for POST /vaults.
type OpenVaultRequest struct {
	Owner common.Address `json:"owner"`
}

// MintRequest is the JSON body for POST /vaults/mint. VaultID 0 opens a
// new vault.
type MintRequest struct {
	Caller     common.Address  `json:"caller"`
	VaultID    uint64          `json:"vault_id"`
	Amount     decimal.Decimal `json:"amount"`
	Collateral decimal.Decimal `json:"collateral"`
}

// BurnRequest is the JSON body for POST /vaults/{vaultID}/burn.
type BurnRequest struct {
	Caller   common.Address  `json:"caller"`
	Amount   decimal.Decimal `json:"amount"`
	Withdraw decimal.Decimal `json:"withdraw"`
}

// AmountRequest carries a caller and one amount.
type AmountRequest struct {
	Caller common.Address  `json:"caller"`
	Amount decimal.Decimal `json:"amount"`
}

// LPRequest is the JSON body for the LP deposit and withdraw routes.
type LPRequest struct {
	Caller  common.Address `json:"caller"`
	TokenID uint64         `json:"token_id"`
}

// AddressRequest carries a caller and a target address.
type AddressRequest struct {
	Caller  common.Address `json:"caller"`
	Address common.Address `json:"address"`
}

// LiquidateRequest is the JSON body for POST /vaults/{vaultID}/liquidate.
type LiquidateRequest struct {
	Liquidator common.Address  `json:"liquidator"`
	MaxDebt    decimal.Decimal `json:"max_debt"`
}

// PauseRequest is the JSON body for POST /pause.
type PauseRequest struct {
	Caller common.Address `json:"caller"`
	Paused bool           `json:"paused"`
}

// HedgeRequest is the JSON body for the auction routes. Trigger is a unix
// timestamp and only used by the price-triggered auction.
type HedgeRequest struct {
	Trader   common.Address  `json:"trader"`
	Trigger  int64           `json:"trigger"`
	Selling  bool            `json:"selling"`
	Limit    decimal.Decimal `json:"limit"`
	Attached decimal.Decimal `json:"attached"`
}

// OTCRequest is the JSON body for POST /strategy/hedge/otc.
type OTCRequest struct {
	Caller        common.Address    `json:"caller"`
	Quantity      decimal.Decimal   `json:"quantity"`
	ClearingPrice decimal.Decimal   `json:"clearing_price"`
	Selling       bool              `json:"selling"`
	Orders        []otc.SignedOrder `json:"orders"`
}

// NonceRequest is the JSON body for POST /strategy/nonces/cancel.
type NonceRequest struct {
	Trader common.Address `json:"trader"`
	Nonce  uint64         `json:"nonce"`
}

// ObservationRequest is the JSON body for POST /sim/oracle.
type ObservationRequest struct {
	Pool  string          `json:"pool"`
	Price decimal.Decimal `json:"price"`
}

// TickRequest is the JSON body for POST /sim/pools/{pool}/tick.
type TickRequest struct {
	Tick int32 `json:"tick"`
}

// CreditRequest is the JSON body for POST /sim/credit.
type CreditRequest struct {
	Account common.Address  `json:"account"`
	Asset   model.Asset     `json:"asset"`
	Amount  decimal.Decimal `json:"amount"`
}

// VaultResponse is a vault with its safety flag.
type VaultResponse struct {
	model.Vault
	Safe bool `json:"safe"`
}

// --- Vault ledger ---

// OpenVault handles POST /api/v1/vaults
func (s *Service) OpenVault(w http.ResponseWriter, r *http.Request) {
	var req OpenVaultRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := s.ctl.OpenVault(r.Context(), req.Owner)
	if err != nil {
		writeError(w, err)
		return
	}
	s.notify(model.EventKind("open_vault"), id, req.Owner, nil)
	writeJSON(w, http.StatusCreated, map[string]uint64{"vault_id": id})
}

// Mint handles POST /api/v1/vaults/mint
func (s *Service) Mint(w http.ResponseWriter, r *http.Request) {
	var req MintRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := s.ctl.Mint(r.Context(), req.Caller, req.VaultID, req.Amount, req.Collateral)
	if err != nil {
		writeError(w, err)
		return
	}
	s.notify(model.EventMint, id, req.Caller, req)
	writeJSON(w, http.StatusOK, map[string]uint64{"vault_id": id})
}

// GetVault handles GET /api/v1/vaults/{vaultID}
func (s *Service) GetVault(w http.ResponseWriter, r *http.Request) {
	id, ok := vaultID(w, r)
	if !ok {
		return
	}
	v, err := s.store.GetVault(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	safe, err := s.ctl.IsVaultSafe(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, VaultResponse{Vault: *v, Safe: safe})
}

// ListEvents handles GET /api/v1/events and GET /api/v1/vaults/{vaultID}/events
func (s *Service) ListEvents(w http.ResponseWriter, r *http.Request) {
	var id uint64
	if chi.URLParam(r, "vaultID") != "" {
		var ok bool
		if id, ok = vaultID(w, r); !ok {
			return
		}
	}
	limit := defaultEventLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			writeError(w, model.NewError(model.ErrValidation, "api: limit must be a positive integer"))
			return
		}
		limit = n
	}
	events, err := s.store.ListEvents(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// Burn handles POST /api/v1/vaults/{vaultID}/burn
func (s *Service) Burn(w http.ResponseWriter, r *http.Request) {
	id, ok := vaultID(w, r)
	if !ok {
		return
	}
	var req BurnRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.ctl.Burn(r.Context(), req.Caller, id, req.Amount, req.Withdraw); err != nil {
		writeError(w, err)
		return
	}
	s.notify(model.EventBurn, id, req.Caller, req)
	writeStatus(w)
}

// DepositCollateral handles POST /api/v1/vaults/{vaultID}/collateral/deposit
func (s *Service) DepositCollateral(w http.ResponseWriter, r *http.Request) {
	id, ok := vaultID(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.ctl.DepositCollateral(r.Context(), req.Caller, id, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	s.notify(model.EventDeposit, id, req.Caller, req)
	writeStatus(w)
}

// WithdrawCollateral handles POST /api/v1/vaults/{vaultID}/collateral/withdraw
func (s *Service) WithdrawCollateral(w http.ResponseWriter, r *http.Request) {
	id, ok := vaultID(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.ctl.WithdrawCollateral(r.Context(), req.Caller, id, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	s.notify(model.EventWithdraw, id, req.Caller, req)
	writeStatus(w)
}

// DepositLP handles POST /api/v1/vaults/{vaultID}/lp/deposit
func (s *Service) DepositLP(w http.ResponseWriter, r *http.Request) {
	id, ok := vaultID(w, r)
	if !ok {
		return
	}
	var req LPRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.ctl.DepositLP(r.Context(), req.Caller, id, req.TokenID); err != nil {
		writeError(w, err)
		return
	}
	s.notify(model.EventDepositLP, id, req.Caller, req)
	writeStatus(w)
}

// WithdrawLP handles POST /api/v1/vaults/{vaultID}/lp/withdraw
func (s *Service) WithdrawLP(w http.ResponseWriter, r *http.Request) {
	id, ok := vaultID(w, r)
	if !ok {
		return
	}
	var req LPRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.ctl.WithdrawLP(r.Context(), req.Caller, id); err != nil {
		writeError(w, err)
		return
	}
	s.notify(model.EventWithdrawLP, id, req.Caller, nil)
	writeStatus(w)
}

// UpdateOperator handles POST /api/v1/vaults/{vaultID}/operator
func (s *Service) UpdateOperator(w http.ResponseWriter, r *http.Request) {
	id, ok := vaultID(w, r)
	if !ok {
		return
	}
	var req AddressRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.ctl.UpdateOperator(r.Context(), req.Caller, id, req.Address); err != nil {
		writeError(w, err)
		return
	}
	s.notify(model.EventOperator, id, req.Caller, req)
	writeStatus(w)
}

// TransferVault handles POST /api/v1/vaults/{vaultID}/transfer
func (s *Service) TransferVault(w http.ResponseWriter, r *http.Request) {
	id, ok := vaultID(w, r)
	if !ok {
		return
	}
	var req AddressRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.ctl.TransferVault(r.Context(), req.Caller, id, req.Address); err != nil {
		writeError(w, err)
		return
	}
	s.notify(model.EventTransferVault, id, req.Caller, req)
	writeStatus(w)
}

// Liquidate handles POST /api/v1/vaults/{vaultID}/liquidate
func (s *Service) Liquidate(w http.ResponseWriter, r *http.Request) {
	id, ok := vaultID(w, r)
	if !ok {
		return
	}
	var req LiquidateRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.ctl.Liquidate(r.Context(), req.Liquidator, id, req.MaxDebt)
	if err != nil {
		writeError(w, err)
		return
	}
	s.notify(model.EventLiquidate, id, req.Liquidator, res)
	writeJSON(w, http.StatusOK, res)
}

// --- Protocol state ---

// GetPrices handles GET /api/v1/prices
func (s *Service) GetPrices(w http.ResponseWriter, r *http.Request) {
	p, err := s.ctl.Prices(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetFunding handles GET /api/v1/funding
func (s *Service) GetFunding(w http.ResponseWriter, r *http.Request) {
	f, err := s.ctl.Funding(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// SetPaused handles POST /api/v1/pause
func (s *Service) SetPaused(w http.ResponseWriter, r *http.Request) {
	var req PauseRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.ctl.SetPaused(r.Context(), req.Caller, req.Paused); err != nil {
		writeError(w, err)
		return
	}
	s.notify("pause", 0, req.Caller, req)
	writeStatus(w)
}

// GetBalances handles GET /api/v1/balances/{address}
func (s *Service) GetBalances(w http.ResponseWriter, r *http.Request) {
	addr, ok := address(w, r)
	if !ok {
		return
	}
	balances := make(map[model.Asset]decimal.Decimal)
	err := s.store.View(r.Context(), func(tx store.Tx) error {
		for _, asset := range []model.Asset{model.AssetETH, model.AssetPowerPerp, model.AssetStable} {
			bal, err := tx.Balance(addr, asset)
			if err != nil {
				return err
			}
			balances[asset] = bal
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

// --- Strategy ---

// GetStrategy handles GET /api/v1/strategy
func (s *Service) GetStrategy(w http.ResponseWriter, r *http.Request) {
	st, err := s.strategy.State(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetShares handles GET /api/v1/strategy/shares/{address}
func (s *Service) GetShares(w http.ResponseWriter, r *http.Request) {
	addr, ok := address(w, r)
	if !ok {
		return
	}
	held, err := s.strategy.SharesOf(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"shares": held})
}

// InitializeStrategy handles POST /api/v1/strategy/initialize
func (s *Service) InitializeStrategy(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.strategy.Initialize(r.Context(), req.Caller, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	s.notify("strategy_initialize", 0, req.Caller, req)
	writeStatus(w)
}

// SetCap handles POST /api/v1/strategy/cap
func (s *Service) SetCap(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.strategy.SetCap(r.Context(), req.Caller, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	writeStatus(w)
}

// StrategyDeposit handles POST /api/v1/strategy/deposit
func (s *Service) StrategyDeposit(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	shares, err := s.strategy.Deposit(r.Context(), req.Caller, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]decimal.Decimal{"shares": shares}
	s.notify(model.EventStrategyDeposit, 0, req.Caller, resp)
	writeJSON(w, http.StatusOK, resp)
}

// StrategyWithdraw handles POST /api/v1/strategy/withdraw
func (s *Service) StrategyWithdraw(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	eth, err := s.strategy.Withdraw(r.Context(), req.Caller, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]decimal.Decimal{"eth": eth}
	s.notify(model.EventStrategyWithdraw, 0, req.Caller, resp)
	writeJSON(w, http.StatusOK, resp)
}

// CheckTimeHedge handles GET /api/v1/strategy/hedge/time
func (s *Service) CheckTimeHedge(w http.ResponseWriter, r *http.Request) {
	ok, trigger, err := s.strategy.CheckTimeHedge(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"allowed": ok, "trigger": trigger.Unix()})
}

// CheckPriceHedge handles GET /api/v1/strategy/hedge/price?trigger=<unix>
func (s *Service) CheckPriceHedge(w http.ResponseWriter, r *http.Request) {
	ts, err := strconv.ParseInt(r.URL.Query().Get("trigger"), 10, 64)
	if err != nil {
		writeError(w, model.NewError(model.ErrValidation, "api: trigger must be a unix timestamp"))
		return
	}
	ok, err := s.strategy.CheckPriceHedge(r.Context(), time.Unix(ts, 0))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"allowed": ok})
}

// TimeHedge handles POST /api/v1/strategy/hedge/time
func (s *Service) TimeHedge(w http.ResponseWriter, r *http.Request) {
	var req HedgeRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.strategy.TimeHedge(r.Context(), req.Trader, req.Selling, req.Limit, req.Attached)
	if err != nil {
		writeError(w, err)
		return
	}
	s.notify(model.EventHedge, 0, req.Trader, res)
	writeJSON(w, http.StatusOK, res)
}

// PriceHedge handles POST /api/v1/strategy/hedge/price
func (s *Service) PriceHedge(w http.ResponseWriter, r *http.Request) {
	var req HedgeRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.strategy.PriceHedge(r.Context(), req.Trader, time.Unix(req.Trigger, 0), req.Selling, req.Limit, req.Attached)
	if err != nil {
		writeError(w, err)
		return
	}
	s.notify(model.EventHedge, 0, req.Trader, res)
	writeJSON(w, http.StatusOK, res)
}

// HedgeOTC handles POST /api/v1/strategy/hedge/otc
func (s *Service) HedgeOTC(w http.ResponseWriter, r *http.Request) {
	var req OTCRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.strategy.HedgeOTC(r.Context(), req.Caller, req.Quantity, req.ClearingPrice, req.Selling, req.Orders)
	if err != nil {
		writeError(w, err)
		return
	}
	s.notify(model.EventHedgeOTC, 0, req.Caller, res)
	writeJSON(w, http.StatusOK, res)
}

// CancelNonce handles POST /api/v1/strategy/nonces/cancel
func (s *Service) CancelNonce(w http.ResponseWriter, r *http.Request) {
	var req NonceRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.strategy.CancelNonce(r.Context(), req.Trader, req.Nonce); err != nil {
		writeError(w, err)
		return
	}
	writeStatus(w)
}

// QueueVaultTransfer handles POST /api/v1/strategy/migration/queue
func (s *Service) QueueVaultTransfer(w http.ResponseWriter, r *http.Request) {
	var req AddressRequest
	if !decode(w, r, &req) {
		return
	}
	eta, err := s.strategy.QueueVaultTransfer(r.Context(), req.Caller, req.Address)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"eta": eta.Unix()})
}

// ExecuteVaultTransfer handles POST /api/v1/strategy/migration/execute
func (s *Service) ExecuteVaultTransfer(w http.ResponseWriter, r *http.Request) {
	var req AddressRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.strategy.ExecuteVaultTransfer(r.Context(), req.Caller); err != nil {
		writeError(w, err)
		return
	}
	s.notify("strategy_migrated", 0, req.Caller, nil)
	writeStatus(w)
}

// --- Simulation ---

// RecordObservation handles POST /api/v1/sim/oracle
func (s *Service) RecordObservation(w http.ResponseWriter, r *http.Request) {
	var req ObservationRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.oracle.RecordNow(req.Pool, req.Price); err != nil {
		writeError(w, err)
		return
	}
	writeStatus(w)
}

// SetTick handles POST /api/v1/sim/pools/{pool}/tick
func (s *Service) SetTick(w http.ResponseWriter, r *http.Request) {
	var req TickRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.pools.SetTick(chi.URLParam(r, "pool"), req.Tick); err != nil {
		writeError(w, err)
		return
	}
	writeStatus(w)
}

// Credit handles POST /api/v1/sim/credit
func (s *Service) Credit(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if !decode(w, r, &req) {
		return
	}
	switch req.Asset {
	case model.AssetETH, model.AssetPowerPerp, model.AssetStable:
	default:
		writeError(w, model.NewError(model.ErrValidation, "api: unknown asset "+string(req.Asset)))
		return
	}
	err := s.store.Atomic(r.Context(), func(tx store.Tx) error {
		return store.Credit(tx, req.Account, req.Asset, req.Amount)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeStatus(w)
}

// RegisterPosition handles POST /api/v1/sim/positions
func (s *Service) RegisterPosition(w http.ResponseWriter, r *http.Request) {
	var pos model.LPPosition
	if !decode(w, r, &pos) {
		return
	}
	if err := s.ctl.RegisterPosition(r.Context(), pos); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// --- Helpers ---

func (s *Service) notify(kind model.EventKind, vaultID uint64, account common.Address, data any) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(WSMessage{
		Type:    string(kind),
		VaultID: vaultID,
		Account: account.Hex(),
		Data:    data,
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, errBadRequest)
		return false
	}
	return true
}

func vaultID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "vaultID"), 10, 64)
	if err != nil {
		writeError(w, controller.ErrInvalidVault)
		return 0, false
	}
	return id, true
}

func address(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		writeError(w, controller.ErrInvalidAddress)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// statusFor maps an error's kind to an HTTP status.
func statusFor(err error) int {
	switch model.KindOf(err) {
	case model.ErrAuthorization:
		return http.StatusForbidden
	case model.ErrValidation:
		return http.StatusBadRequest
	case model.ErrNotFound:
		return http.StatusNotFound
	case model.ErrState, model.ErrThresholdNotMet, model.ErrSolvency:
		return http.StatusConflict
	case model.ErrStaleData:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		message = "internal error"
	}
	resp := map[string]string{"error": message}
	var kerr *model.Error
	if errors.As(err, &kerr) {
		resp["kind"] = kerr.Kind.Error()
	}
	writeJSON(w, status, resp)
}

func writeStatus(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
