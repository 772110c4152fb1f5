package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/powerperp/engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// transactions run at serializable isolation.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables the store needs if they are missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// maxSerializationRetries bounds how often Atomic reruns fn after a
// serialization failure.
const maxSerializationRetries = 3

// Atomic runs fn in a serializable transaction, rerunning it when
// PostgreSQL aborts the commit with a serialization failure.
func (s *PostgresStore) Atomic(ctx context.Context, fn func(Tx) error) error {
	var err error
	for attempt := 0; attempt <= maxSerializationRetries; attempt++ {
		err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
			return fn(&pgTx{ctx: ctx, tx: tx})
		})
		if !isSerializationFailure(err) {
			return err
		}
	}
	return err
}

// isSerializationFailure reports SQLSTATE 40001 or 40P01.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

func (s *PostgresStore) View(ctx context.Context, fn func(Tx) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	return pgx.BeginTxFunc(ctx, s.pool, opts, func(tx pgx.Tx) error {
		return fn(&pgTx{ctx: ctx, tx: tx, readOnly: true})
	})
}

func (s *PostgresStore) GetVault(ctx context.Context, id uint64) (*model.Vault, error) {
	return scanVault(s.pool.QueryRow(ctx, selectVault, id))
}

func (s *PostgresStore) ListEvents(ctx context.Context, vaultID uint64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, vault_id, account,
		        debt_delta::TEXT, collateral_delta::TEXT, price::TEXT, timestamp
		 FROM (
		     SELECT * FROM events
		     WHERE $1 = 0 OR vault_id = $1
		     ORDER BY seq DESC LIMIT $2
		 ) recent ORDER BY seq`, vaultID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// pgTx adapts a pgx transaction to Tx.
type pgTx struct {
	ctx      context.Context
	tx       pgx.Tx
	readOnly bool
}

func (t *pgTx) exec(sql string, args ...any) error {
	if t.readOnly {
		return ErrReadOnly
	}
	_, err := t.tx.Exec(t.ctx, sql, args...)
	return err
}

const selectVault = `SELECT id, owner, operator, collateral_amount::TEXT, short_amount::TEXT, nft_collateral_id
	FROM vaults WHERE id = $1`

func (t *pgTx) Vault(id uint64) (*model.Vault, error) {
	return scanVault(t.tx.QueryRow(t.ctx, selectVault, id))
}

func (t *pgTx) PutVault(v *model.Vault) error {
	return t.exec(
		`INSERT INTO vaults (id, owner, operator, collateral_amount, short_amount, nft_collateral_id)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)
		 ON CONFLICT (id) DO UPDATE SET
		     owner = EXCLUDED.owner,
		     operator = EXCLUDED.operator,
		     collateral_amount = EXCLUDED.collateral_amount,
		     short_amount = EXCLUDED.short_amount,
		     nft_collateral_id = EXCLUDED.nft_collateral_id`,
		v.ID, v.Owner.Hex(), v.Operator.Hex(),
		v.CollateralAmount.String(), v.ShortAmount.String(), v.NftCollateralID,
	)
}

func (t *pgTx) NextVaultID() (uint64, error) {
	if t.readOnly {
		return 0, ErrReadOnly
	}
	var id uint64
	if err := t.tx.QueryRow(t.ctx, `SELECT nextval('vault_id_seq')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("next vault id: %w", err)
	}
	return id, nil
}

func (t *pgTx) Funding() (*model.FundingState, error) {
	var f model.FundingState
	var nf, fees string
	err := t.tx.QueryRow(t.ctx,
		`SELECT normalization_factor::TEXT, last_funding_update, accrued_fees::TEXT, paused
		 FROM funding_state WHERE id = 1`).
		Scan(&nf, &f.LastFundingUpdate, &fees, &f.Paused)
	if err != nil {
		return nil, notFound(err, "get funding state")
	}
	f.NormalizationFactor, _ = decimal.NewFromString(nf)
	f.AccruedFees, _ = decimal.NewFromString(fees)
	return &f, nil
}

func (t *pgTx) PutFunding(f *model.FundingState) error {
	return t.exec(
		`INSERT INTO funding_state (id, normalization_factor, last_funding_update, accrued_fees, paused)
		 VALUES (1, $1::NUMERIC, $2, $3::NUMERIC, $4)
		 ON CONFLICT (id) DO UPDATE SET
		     normalization_factor = EXCLUDED.normalization_factor,
		     last_funding_update = EXCLUDED.last_funding_update,
		     accrued_fees = EXCLUDED.accrued_fees,
		     paused = EXCLUDED.paused`,
		f.NormalizationFactor.String(), f.LastFundingUpdate, f.AccruedFees.String(), f.Paused,
	)
}

func (t *pgTx) Position(tokenID uint64) (*model.LPPosition, error) {
	var p model.LPPosition
	var owner, token0, token1, liquidity string
	err := t.tx.QueryRow(t.ctx,
		`SELECT token_id, owner, pool, token0, token1, tick_lower, tick_upper, liquidity::TEXT
		 FROM lp_positions WHERE token_id = $1`, tokenID).
		Scan(&p.TokenID, &owner, &p.Pool, &token0, &token1, &p.TickLower, &p.TickUpper, &liquidity)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("get position %d", tokenID))
	}
	p.Owner = common.HexToAddress(owner)
	p.Token0 = model.Asset(token0)
	p.Token1 = model.Asset(token1)
	p.Liquidity, _ = decimal.NewFromString(liquidity)
	return &p, nil
}

func (t *pgTx) PutPosition(p *model.LPPosition) error {
	return t.exec(
		`INSERT INTO lp_positions (token_id, owner, pool, token0, token1, tick_lower, tick_upper, liquidity)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC)
		 ON CONFLICT (token_id) DO UPDATE SET
		     owner = EXCLUDED.owner,
		     liquidity = EXCLUDED.liquidity`,
		p.TokenID, p.Owner.Hex(), p.Pool, string(p.Token0), string(p.Token1),
		p.TickLower, p.TickUpper, p.Liquidity.String(),
	)
}

func (t *pgTx) Balance(account common.Address, asset model.Asset) (decimal.Decimal, error) {
	var amount string
	err := t.tx.QueryRow(t.ctx,
		`SELECT amount::TEXT FROM balances WHERE account = $1 AND asset = $2`,
		account.Hex(), string(asset)).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance: %w", err)
	}
	return decimal.NewFromString(amount)
}

func (t *pgTx) SetBalance(account common.Address, asset model.Asset, amount decimal.Decimal) error {
	return t.exec(
		`INSERT INTO balances (account, asset, amount) VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (account, asset) DO UPDATE SET amount = EXCLUDED.amount`,
		account.Hex(), string(asset), amount.String(),
	)
}

func (t *pgTx) Strategy(id string) (*model.Strategy, error) {
	var st model.Strategy
	var supply, capacity, price string
	var successor *string
	var eta *time.Time
	err := t.tx.QueryRow(t.ctx,
		`SELECT id, vault_id, total_supply::TEXT, cap::TEXT, initialized,
		        time_at_last_hedge, price_at_last_hedge::TEXT,
		        pending_successor, pending_eta, migrated
		 FROM strategies WHERE id = $1`, id).
		Scan(&st.ID, &st.VaultID, &supply, &capacity, &st.Initialized,
			&st.TimeAtLastHedge, &price, &successor, &eta, &st.Migrated)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("get strategy %s", id))
	}
	st.TotalSupply, _ = decimal.NewFromString(supply)
	st.Cap, _ = decimal.NewFromString(capacity)
	st.PriceAtLastHedge, _ = decimal.NewFromString(price)
	if successor != nil && eta != nil {
		st.Pending = &model.PendingTransfer{Successor: common.HexToAddress(*successor), ETA: *eta}
	}
	return &st, nil
}

func (t *pgTx) PutStrategy(st *model.Strategy) error {
	var successor *string
	var eta *time.Time
	if st.Pending != nil {
		hex := st.Pending.Successor.Hex()
		successor, eta = &hex, &st.Pending.ETA
	}
	return t.exec(
		`INSERT INTO strategies (id, vault_id, total_supply, cap, initialized,
		     time_at_last_hedge, price_at_last_hedge, pending_successor, pending_eta, migrated)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6, $7::NUMERIC, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		     vault_id = EXCLUDED.vault_id,
		     total_supply = EXCLUDED.total_supply,
		     cap = EXCLUDED.cap,
		     initialized = EXCLUDED.initialized,
		     time_at_last_hedge = EXCLUDED.time_at_last_hedge,
		     price_at_last_hedge = EXCLUDED.price_at_last_hedge,
		     pending_successor = EXCLUDED.pending_successor,
		     pending_eta = EXCLUDED.pending_eta,
		     migrated = EXCLUDED.migrated`,
		st.ID, st.VaultID, st.TotalSupply.String(), st.Cap.String(), st.Initialized,
		st.TimeAtLastHedge, st.PriceAtLastHedge.String(), successor, eta, st.Migrated,
	)
}

func (t *pgTx) Shares(strategyID string, holder common.Address) (decimal.Decimal, error) {
	var amount string
	err := t.tx.QueryRow(t.ctx,
		`SELECT amount::TEXT FROM strategy_shares WHERE strategy_id = $1 AND holder = $2`,
		strategyID, holder.Hex()).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get shares: %w", err)
	}
	return decimal.NewFromString(amount)
}

func (t *pgTx) SetShares(strategyID string, holder common.Address, amount decimal.Decimal) error {
	return t.exec(
		`INSERT INTO strategy_shares (strategy_id, holder, amount) VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (strategy_id, holder) DO UPDATE SET amount = EXCLUDED.amount`,
		strategyID, holder.Hex(), amount.String(),
	)
}

func (t *pgTx) NonceUsed(trader common.Address, nonce uint64) (bool, error) {
	var used bool
	err := t.tx.QueryRow(t.ctx,
		`SELECT EXISTS (SELECT 1 FROM used_nonces WHERE trader = $1 AND nonce = $2::NUMERIC)`,
		trader.Hex(), strconv.FormatUint(nonce, 10)).Scan(&used)
	if err != nil {
		return false, fmt.Errorf("check nonce: %w", err)
	}
	return used, nil
}

func (t *pgTx) UseNonce(trader common.Address, nonce uint64) error {
	return t.exec(
		`INSERT INTO used_nonces (trader, nonce) VALUES ($1, $2::NUMERIC) ON CONFLICT DO NOTHING`,
		trader.Hex(), strconv.FormatUint(nonce, 10),
	)
}

func (t *pgTx) AppendEvent(e *model.Event) error {
	return t.exec(
		`INSERT INTO events (id, kind, vault_id, account, debt_delta, collateral_delta, price, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)`,
		e.ID, string(e.Kind), e.VaultID, e.Account.Hex(),
		e.DebtDelta.String(), e.CollateralDelta.String(), e.Price.String(), e.Timestamp,
	)
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", what, err)
}

func scanVault(row pgx.Row) (*model.Vault, error) {
	var v model.Vault
	var owner, operator, coll, short string
	if err := row.Scan(&v.ID, &owner, &operator, &coll, &short, &v.NftCollateralID); err != nil {
		return nil, notFound(err, "get vault")
	}
	v.Owner = common.HexToAddress(owner)
	v.Operator = common.HexToAddress(operator)
	v.CollateralAmount, _ = decimal.NewFromString(coll)
	v.ShortAmount, _ = decimal.NewFromString(short)
	return &v, nil
}

// scanEvents reads pgx rows into Event slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanEvents(rows pgxRows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		var kind, account, debt, coll, price string

		if err := rows.Scan(&e.ID, &kind, &e.VaultID, &account,
			&debt, &coll, &price, &e.Timestamp); err != nil {
			return nil, err
		}

		e.Kind = model.EventKind(kind)
		e.Account = common.HexToAddress(account)
		e.DebtDelta, _ = decimal.NewFromString(debt)
		e.CollateralDelta, _ = decimal.NewFromString(coll)
		e.Price, _ = decimal.NewFromString(price)

		events = append(events, e)
	}
	return events, rows.Err()
}
