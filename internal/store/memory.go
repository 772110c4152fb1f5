package store

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/powerperp/engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and simulation. Not suitable for production (no persistence).
//
// Transactions are serialized by a single lock. Writes go to an overlay
// that is merged into the committed state only on success.
type MemoryStore struct {
	mu    sync.RWMutex
	state memState
}

type memState struct {
	vaults     map[uint64]model.Vault
	nextVault  uint64
	funding    *model.FundingState
	positions  map[uint64]model.LPPosition
	balances   map[balanceKey]decimal.Decimal
	strategies map[string]model.Strategy
	shares     map[shareKey]decimal.Decimal
	nonces     map[nonceKey]struct{}
	events     []model.Event
}

func newMemState() memState {
	return memState{
		vaults:     make(map[uint64]model.Vault),
		positions:  make(map[uint64]model.LPPosition),
		balances:   make(map[balanceKey]decimal.Decimal),
		strategies: make(map[string]model.Strategy),
		shares:     make(map[shareKey]decimal.Decimal),
		nonces:     make(map[nonceKey]struct{}),
	}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

func (s *MemoryStore) Atomic(_ context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{base: &s.state, overlay: newMemState(), nextVault: s.state.nextVault}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) View(_ context.Context, fn func(Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(&memTx{base: &s.state, overlay: newMemState(), readOnly: true})
}

func (s *MemoryStore) GetVault(_ context.Context, id uint64) (*model.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.state.vaults[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, vaultID uint64, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for _, e := range s.state.events {
		if vaultID == 0 || e.VaultID == vaultID {
			result = append(result, e)
		}
	}
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

// memTx reads through its overlay to the committed state.
type memTx struct {
	base      *memState
	overlay   memState
	nextVault uint64
	readOnly  bool
}

func (t *memTx) commit() {
	for id, v := range t.overlay.vaults {
		t.base.vaults[id] = v
	}
	t.base.nextVault = t.nextVault
	if t.overlay.funding != nil {
		f := *t.overlay.funding
		t.base.funding = &f
	}
	for id, p := range t.overlay.positions {
		t.base.positions[id] = p
	}
	for k, b := range t.overlay.balances {
		t.base.balances[k] = b
	}
	for id, st := range t.overlay.strategies {
		t.base.strategies[id] = st
	}
	for k, sh := range t.overlay.shares {
		t.base.shares[k] = sh
	}
	for k := range t.overlay.nonces {
		t.base.nonces[k] = struct{}{}
	}
	t.base.events = append(t.base.events, t.overlay.events...)
}

func (t *memTx) writable() error {
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (t *memTx) Vault(id uint64) (*model.Vault, error) {
	if v, ok := t.overlay.vaults[id]; ok {
		return &v, nil
	}
	if v, ok := t.base.vaults[id]; ok {
		return &v, nil
	}
	return nil, ErrNotFound
}

func (t *memTx) PutVault(v *model.Vault) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.overlay.vaults[v.ID] = *v
	return nil
}

func (t *memTx) NextVaultID() (uint64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	t.nextVault++
	return t.nextVault, nil
}

func (t *memTx) Funding() (*model.FundingState, error) {
	if t.overlay.funding != nil {
		f := *t.overlay.funding
		return &f, nil
	}
	if t.base.funding != nil {
		f := *t.base.funding
		return &f, nil
	}
	return nil, ErrNotFound
}

func (t *memTx) PutFunding(f *model.FundingState) error {
	if err := t.writable(); err != nil {
		return err
	}
	cp := *f
	t.overlay.funding = &cp
	return nil
}

func (t *memTx) Position(tokenID uint64) (*model.LPPosition, error) {
	if p, ok := t.overlay.positions[tokenID]; ok {
		return &p, nil
	}
	if p, ok := t.base.positions[tokenID]; ok {
		return &p, nil
	}
	return nil, ErrNotFound
}

func (t *memTx) PutPosition(p *model.LPPosition) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.overlay.positions[p.TokenID] = *p
	return nil
}

func (t *memTx) Balance(account common.Address, asset model.Asset) (decimal.Decimal, error) {
	k := balanceKey{account, asset}
	if b, ok := t.overlay.balances[k]; ok {
		return b, nil
	}
	return t.base.balances[k], nil
}

func (t *memTx) SetBalance(account common.Address, asset model.Asset, amount decimal.Decimal) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.overlay.balances[balanceKey{account, asset}] = amount
	return nil
}

func (t *memTx) Strategy(id string) (*model.Strategy, error) {
	if st, ok := t.overlay.strategies[id]; ok {
		return cloneStrategy(st), nil
	}
	if st, ok := t.base.strategies[id]; ok {
		return cloneStrategy(st), nil
	}
	return nil, ErrNotFound
}

func (t *memTx) PutStrategy(st *model.Strategy) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.overlay.strategies[st.ID] = *cloneStrategy(*st)
	return nil
}

func (t *memTx) Shares(strategyID string, holder common.Address) (decimal.Decimal, error) {
	k := shareKey{strategyID, holder}
	if sh, ok := t.overlay.shares[k]; ok {
		return sh, nil
	}
	return t.base.shares[k], nil
}

func (t *memTx) SetShares(strategyID string, holder common.Address, amount decimal.Decimal) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.overlay.shares[shareKey{strategyID, holder}] = amount
	return nil
}

func (t *memTx) NonceUsed(trader common.Address, nonce uint64) (bool, error) {
	k := nonceKey{trader, nonce}
	if _, ok := t.overlay.nonces[k]; ok {
		return true, nil
	}
	_, ok := t.base.nonces[k]
	return ok, nil
}

func (t *memTx) UseNonce(trader common.Address, nonce uint64) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.overlay.nonces[nonceKey{trader, nonce}] = struct{}{}
	return nil
}

func (t *memTx) AppendEvent(e *model.Event) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.overlay.events = append(t.overlay.events, *e)
	return nil
}

func cloneStrategy(st model.Strategy) *model.Strategy {
	if st.Pending != nil {
		p := *st.Pending
		st.Pending = &p
	}
	return &st
}
