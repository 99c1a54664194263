package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/updown-engine/internal/model"
)

// PostgreSQL error codes.
const (
	pgErrUniqueViolation      = "23505"
	pgErrSerializationFailure = "40001"
	pgErrDeadlockDetected     = "40P01"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Transactions run at READ COMMITTED. Balance and trade rows are locked with
// SELECT ... FOR UPDATE, and balance deltas and settlement are conditional
// updates, so concurrent admissions for one user serialize on the user row.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", classify(err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err := fn(&pgTx{q: tx}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", classify(err))
	}
	committed = true
	return nil
}

// classify maps PostgreSQL error codes onto store sentinels.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgErrSerializationFailure, pgErrDeadlockDetected:
		return fmt.Errorf("%w: %v", ErrTxConflict, err)
	case pgErrUniqueViolation:
		return fmt.Errorf("%w: %v", ErrDuplicateKey, err)
	}
	return err
}

func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("get %s %s: %w", what, id, err)
}

// --- Users ---

const userColumns = `id, balance::TEXT, initial_balance::TEXT, account_type, created_at`

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, balance, initial_balance, account_type, created_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5)`,
		u.ID, u.Balance.String(), u.InitialBalance.String(), string(u.AccountType), u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.ID, classify(err))
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return getUser(ctx, s.pool, id, "")
}

func getUser(ctx context.Context, q querier, id, lock string) (*model.User, error) {
	row := q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`+lock, id)
	u, err := scanUser(row)
	if err != nil {
		return nil, notFound(err, "user", id)
	}
	return u, nil
}

// --- Trades ---

const tradeColumns = `id, user_id, amount, direction, strike_price::TEXT,
	start_price::TEXT, settle_price::TEXT, expiry, result, payout::TEXT,
	pool_scope, created_at, settled_at`

func (s *PostgresStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	return getTrade(ctx, s.pool, id, "")
}

func getTrade(ctx context.Context, q querier, id, lock string) (*model.Trade, error) {
	row := q.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`+lock, id)
	t, err := scanTrade(row)
	if err != nil {
		return nil, notFound(err, "trade", id)
	}
	return t, nil
}

func (s *PostgresStore) ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *PostgresStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]model.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades
		 WHERE result = 'pending' AND expiry <= $1
		 ORDER BY expiry, id`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

// --- Audit ---

const auditColumns = `id, user_id, trade_id, event_type, amount::TEXT,
	before_balance::TEXT, after_balance::TEXT, metadata::TEXT, created_at`

func (s *PostgresStore) ListAuditByUser(ctx context.Context, userID string) ([]model.AuditEntry, error) {
	return listAuditByUser(ctx, s.pool, userID)
}

func listAuditByUser(ctx context.Context, q querier, userID string) ([]model.AuditEntry, error) {
	rows, err := q.Query(ctx,
		`SELECT `+auditColumns+` FROM audit_log WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuditEntries(rows)
}

func (s *PostgresStore) ListAuditByTrade(ctx context.Context, tradeID string) ([]model.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+auditColumns+` FROM audit_log WHERE trade_id = $1 ORDER BY seq`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuditEntries(rows)
}

// --- Pools and rounds ---

func (s *PostgresStore) GetPool(ctx context.Context, scope string) (*model.Pool, error) {
	var p model.Pool
	var upS, downS string
	err := s.pool.QueryRow(ctx,
		`SELECT scope, up_treasury::TEXT, down_treasury::TEXT FROM pools WHERE scope = $1`, scope).
		Scan(&p.Scope, &upS, &downS)
	if err != nil {
		return nil, notFound(err, "pool", scope)
	}
	p.UpTreasury, _ = decimal.NewFromString(upS)
	p.DownTreasury, _ = decimal.NewFromString(downS)
	return &p, nil
}

const roundColumns = `id, open::TEXT, high::TEXT, low::TEXT, close::TEXT,
	started_at, overridden, forced_outcome`

func (s *PostgresStore) GetRound(ctx context.Context, id string) (*model.Round, error) {
	return getRound(ctx, s.pool, id, "")
}

func getRound(ctx context.Context, q querier, id, lock string) (*model.Round, error) {
	var r model.Round
	var openS, highS, lowS, closeS, forced string
	err := q.QueryRow(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1`+lock, id).
		Scan(&r.ID, &openS, &highS, &lowS, &closeS, &r.StartedAt, &r.Overridden, &forced)
	if err != nil {
		return nil, notFound(err, "round", id)
	}
	r.Open, _ = decimal.NewFromString(openS)
	r.High, _ = decimal.NewFromString(highS)
	r.Low, _ = decimal.NewFromString(lowS)
	r.Close, _ = decimal.NewFromString(closeS)
	r.ForcedOutcome = model.Direction(forced)
	return &r, nil
}

// pgTx implements Tx on a pgx transaction.
type pgTx struct {
	q querier
}

const forUpdate = ` FOR UPDATE`

func (tx *pgTx) GetUserForUpdate(ctx context.Context, id string) (*model.User, error) {
	return getUser(ctx, tx.q, id, forUpdate)
}

func (tx *pgTx) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	var beforeS, afterS string
	err := tx.q.QueryRow(ctx,
		`UPDATE users SET balance = balance + $2::NUMERIC
		 WHERE id = $1 AND balance + $2::NUMERIC >= 0
		 RETURNING (balance - $2::NUMERIC)::TEXT, balance::TEXT`,
		userID, delta.String()).Scan(&beforeS, &afterS)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the user is missing or the delta would overdraw.
		if _, gerr := getUser(ctx, tx.q, userID, ""); gerr != nil {
			return decimal.Zero, decimal.Zero, gerr
		}
		return decimal.Zero, decimal.Zero, ErrNegativeBalance
	}
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("adjust balance %s: %w", userID, err)
	}
	before, _ := decimal.NewFromString(beforeS)
	after, _ := decimal.NewFromString(afterS)
	return before, after, nil
}

func (tx *pgTx) GetTradeForUpdate(ctx context.Context, id string) (*model.Trade, error) {
	return getTrade(ctx, tx.q, id, forUpdate)
}

func (tx *pgTx) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO trades (id, user_id, amount, direction, strike_price, start_price,
		                     settle_price, expiry, result, payout, pool_scope, created_at, settled_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10::NUMERIC, $11, $12, $13)`,
		t.ID, t.UserID, t.Amount, string(t.Direction), t.StrikePrice.String(),
		nullDecimalArg(t.StartPrice), nullDecimalArg(t.SettlePrice),
		t.Expiry, string(t.Result), t.Payout.String(), t.PoolScope, t.CreatedAt, t.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, classify(err))
	}
	return nil
}

func (tx *pgTx) SettleTrade(ctx context.Context, t *model.Trade) error {
	tag, err := tx.q.Exec(ctx,
		`UPDATE trades
		 SET result = $2, start_price = $3::NUMERIC, settle_price = $4::NUMERIC,
		     payout = $5::NUMERIC, settled_at = $6
		 WHERE id = $1 AND result = 'pending'`,
		t.ID, string(t.Result), nullDecimalArg(t.StartPrice), nullDecimalArg(t.SettlePrice),
		t.Payout.String(), t.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("settle trade %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadySettled
	}
	return nil
}

func (tx *pgTx) AddPoolExposure(ctx context.Context, scope string, dir model.Direction, amount decimal.Decimal) error {
	up, down := decimal.Zero, decimal.Zero
	switch dir {
	case model.DirectionUp:
		up = amount
	case model.DirectionDown:
		down = amount
	default:
		return fmt.Errorf("pool %s: unknown direction %q", scope, dir)
	}

	_, err := tx.q.Exec(ctx,
		`INSERT INTO pools (scope, up_treasury, down_treasury)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC)
		 ON CONFLICT (scope) DO UPDATE
		 SET up_treasury = pools.up_treasury + EXCLUDED.up_treasury,
		     down_treasury = pools.down_treasury + EXCLUDED.down_treasury`,
		scope, up.String(), down.String(),
	)
	if err != nil {
		return fmt.Errorf("add pool exposure %s: %w", scope, err)
	}
	return nil
}

func (tx *pgTx) AppendAudit(ctx context.Context, e *model.AuditEntry) error {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}

	_, err = tx.q.Exec(ctx,
		`INSERT INTO audit_log (id, user_id, trade_id, event_type, amount,
		                        before_balance, after_balance, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::JSONB, $9)`,
		e.ID, e.UserID, e.TradeID, string(e.EventType), e.Amount.String(),
		e.BeforeBalance.String(), e.AfterBalance.String(), string(metaJSON), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append audit %s: %w", e.EventType, classify(err))
	}
	return nil
}

func (tx *pgTx) ListAuditByUser(ctx context.Context, userID string) ([]model.AuditEntry, error) {
	return listAuditByUser(ctx, tx.q, userID)
}

func (tx *pgTx) GetRoundForUpdate(ctx context.Context, id string) (*model.Round, error) {
	return getRound(ctx, tx.q, id, forUpdate)
}

func (tx *pgTx) UpsertRound(ctx context.Context, r *model.Round) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO rounds (id, open, high, low, close, started_at, overridden, forced_outcome)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE
		 SET open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
		     close = EXCLUDED.close, overridden = EXCLUDED.overridden,
		     forced_outcome = EXCLUDED.forced_outcome`,
		r.ID, r.Open.String(), r.High.String(), r.Low.String(), r.Close.String(),
		r.StartedAt, r.Overridden, string(r.ForcedOutcome),
	)
	if err != nil {
		return fmt.Errorf("upsert round %s: %w", r.ID, err)
	}
	return nil
}

// --- Scanning helpers ---

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	var u model.User
	var balanceS, initialS, accountType string
	if err := row.Scan(&u.ID, &balanceS, &initialS, &accountType, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Balance, _ = decimal.NewFromString(balanceS)
	u.InitialBalance, _ = decimal.NewFromString(initialS)
	u.AccountType = model.AccountType(accountType)
	return &u, nil
}

func scanTrade(row rowScanner) (*model.Trade, error) {
	var t model.Trade
	var direction, result, strikeS, payoutS string
	var startS, settleS *string
	if err := row.Scan(&t.ID, &t.UserID, &t.Amount, &direction, &strikeS,
		&startS, &settleS, &t.Expiry, &result, &payoutS,
		&t.PoolScope, &t.CreatedAt, &t.SettledAt); err != nil {
		return nil, err
	}
	t.Direction = model.Direction(direction)
	t.Result = model.Result(result)
	t.StrikePrice, _ = decimal.NewFromString(strikeS)
	t.Payout, _ = decimal.NewFromString(payoutS)
	t.StartPrice = parseNullDecimal(startS)
	t.SettlePrice = parseNullDecimal(settleS)
	return &t, nil
}

func scanTrades(rows pgx.Rows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func scanAuditEntries(rows pgx.Rows) ([]model.AuditEntry, error) {
	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var eventType, amountS, beforeS, afterS, metaS string
		if err := rows.Scan(&e.ID, &e.UserID, &e.TradeID, &eventType, &amountS,
			&beforeS, &afterS, &metaS, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EventType = model.AuditEventType(eventType)
		e.Amount, _ = decimal.NewFromString(amountS)
		e.BeforeBalance, _ = decimal.NewFromString(beforeS)
		e.AfterBalance, _ = decimal.NewFromString(afterS)
		if err := json.Unmarshal([]byte(metaS), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode audit metadata %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullDecimalArg(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

func parseNullDecimal(s *string) decimal.NullDecimal {
	if s == nil {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}
