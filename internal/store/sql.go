package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/jongtix/caa-collector-sub001/internal/domain"

	_ "github.com/lib/pq"  // PostgreSQL driver.
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Supported SQL drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const dateLayout = "2006-01-02"

// Compile-time interface checks.
var _ PriceStore = (*SQLStore)(nil)
var _ WatchlistStore = (*SQLStore)(nil)
var _ LockStore = (*SQLStore)(nil)
var _ TokenStore = (*SQLStore)(nil)

// SQLStore implements PriceStore, WatchlistStore, LockStore, and TokenStore
// backed by SQLite or PostgreSQL. SQLite serves single-host deployments;
// PostgreSQL lets several collectors share prices and job locks.
type SQLStore struct {
	db     *sqlx.DB
	driver string
}

// Open connects to the database named by driver and dsn and creates any
// missing tables.
func Open(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) initSchema() error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS daily_prices (
			asset_type    INTEGER NOT NULL,
			market_code   INTEGER NOT NULL,
			code          TEXT    NOT NULL,
			trade_date    TEXT    NOT NULL,
			open          TEXT    NOT NULL,
			high          TEXT    NOT NULL,
			low           TEXT    NOT NULL,
			close         TEXT    NOT NULL,
			volume        BIGINT  NOT NULL,
			trading_value TEXT    NOT NULL,
			PRIMARY KEY (asset_type, market_code, code, trade_date)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_daily_prices_latest
			ON daily_prices (asset_type, market_code, code, trade_date DESC)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS watchlist_groups (
			id         %s,
			user_id    TEXT NOT NULL,
			group_code TEXT NOT NULL,
			group_name TEXT NOT NULL,
			UNIQUE (user_id, group_code)
		)`, serial),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS watchlist_stocks (
			id                 %s,
			group_id           BIGINT  NOT NULL REFERENCES watchlist_groups (id),
			stock_code         TEXT    NOT NULL,
			stock_name         TEXT    NOT NULL,
			market_code        INTEGER NOT NULL,
			asset_type         INTEGER NOT NULL,
			backfill_completed BOOLEAN NOT NULL DEFAULT FALSE,
			UNIQUE (group_id, stock_code)
		)`, serial),
		`CREATE TABLE IF NOT EXISTS job_locks (
			name         TEXT   PRIMARY KEY,
			locked_by    TEXT   NOT NULL,
			locked_at    BIGINT NOT NULL,
			locked_until BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_tokens (
			token_key  TEXT   PRIMARY KEY,
			cipher     TEXT   NOT NULL,
			expires_at BIGINT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Row types (on-disk schema)
// ---------------------------------------------------------------------------

type priceRow struct {
	AssetType    int             `db:"asset_type"`
	MarketCode   int             `db:"market_code"`
	Code         string          `db:"code"`
	TradeDate    string          `db:"trade_date"`
	Open         decimal.Decimal `db:"open"`
	High         decimal.Decimal `db:"high"`
	Low          decimal.Decimal `db:"low"`
	Close        decimal.Decimal `db:"close"`
	Volume       int64           `db:"volume"`
	TradingValue decimal.Decimal `db:"trading_value"`
}

func (r priceRow) toDomain() (domain.DailyPrice, error) {
	date, err := time.Parse(dateLayout, r.TradeDate)
	if err != nil {
		return domain.DailyPrice{}, fmt.Errorf("stored trade date %q: %w", r.TradeDate, err)
	}
	return domain.DailyPrice{
		Instrument: domain.Instrument{
			AssetType: domain.AssetType(r.AssetType),
			Market:    domain.MarketCode(r.MarketCode),
			Code:      r.Code,
		},
		TradeDate:    date,
		Open:         r.Open,
		High:         r.High,
		Low:          r.Low,
		Close:        r.Close,
		Volume:       r.Volume,
		TradingValue: r.TradingValue,
	}, nil
}

type groupRow struct {
	ID        int64  `db:"id"`
	UserID    string `db:"user_id"`
	GroupCode string `db:"group_code"`
	GroupName string `db:"group_name"`
}

type stockRow struct {
	ID                int64  `db:"id"`
	GroupID           int64  `db:"group_id"`
	StockCode         string `db:"stock_code"`
	StockName         string `db:"stock_name"`
	MarketCode        int    `db:"market_code"`
	AssetType         int    `db:"asset_type"`
	BackfillCompleted bool   `db:"backfill_completed"`
}

func (r stockRow) toDomain() domain.WatchlistStock {
	return domain.WatchlistStock{
		ID:                r.ID,
		GroupID:           r.GroupID,
		StockCode:         r.StockCode,
		StockName:         r.StockName,
		Market:            domain.MarketCode(r.MarketCode),
		AssetType:         domain.AssetType(r.AssetType),
		BackfillCompleted: r.BackfillCompleted,
	}
}

// ---------------------------------------------------------------------------
// PriceStore implementation
// ---------------------------------------------------------------------------

// UpsertDailyPrices inserts prices that are not yet stored. Existing rows for
// the same instrument and trade date are left untouched, so re-collecting a
// window never rewrites history.
func (s *SQLStore) UpsertDailyPrices(ctx context.Context, prices []domain.DailyPrice) (int, error) {
	if len(prices) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	query := tx.Rebind(`INSERT INTO daily_prices
		(asset_type, market_code, code, trade_date, open, high, low, close, volume, trading_value)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (asset_type, market_code, code, trade_date) DO NOTHING`)

	inserted := 0
	for _, p := range prices {
		res, err := tx.ExecContext(ctx, query,
			int(p.Instrument.AssetType), int(p.Instrument.Market), p.Instrument.Code, p.TradeDate.Format(dateLayout),
			p.Open, p.High, p.Low, p.Close, p.Volume, p.TradingValue)
		if err != nil {
			return 0, fmt.Errorf("inserting price %s %s: %w", p.Instrument, domain.DateOnly(p.TradeDate), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// LatestTradeDate returns the newest stored trade date for the instrument.
func (s *SQLStore) LatestTradeDate(ctx context.Context, inst domain.Instrument) (time.Time, bool, error) {
	query := s.db.Rebind(`SELECT MAX(trade_date) FROM daily_prices
		WHERE asset_type = ? AND market_code = ? AND code = ?`)

	var latest sql.NullString
	err := s.db.GetContext(ctx, &latest, query, int(inst.AssetType), int(inst.Market), inst.Code)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("querying latest trade date for %s: %w", inst, err)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	date, err := time.Parse(dateLayout, latest.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("stored trade date %q: %w", latest.String, err)
	}
	return date, true, nil
}

// DailyPrices returns stored prices for the instrument within [start, end].
func (s *SQLStore) DailyPrices(ctx context.Context, inst domain.Instrument, start, end time.Time) ([]domain.DailyPrice, error) {
	query := s.db.Rebind(`SELECT asset_type, market_code, code, trade_date,
			open, high, low, close, volume, trading_value
		FROM daily_prices
		WHERE asset_type = ? AND market_code = ? AND code = ? AND trade_date BETWEEN ? AND ?
		ORDER BY trade_date`)

	var rows []priceRow
	err := s.db.SelectContext(ctx, &rows, query,
		int(inst.AssetType), int(inst.Market), inst.Code,
		start.Format(dateLayout), end.Format(dateLayout))
	if err != nil {
		return nil, fmt.Errorf("querying prices for %s: %w", inst, err)
	}

	prices := make([]domain.DailyPrice, 0, len(rows))
	for _, r := range rows {
		p, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		prices = append(prices, p)
	}
	return prices, nil
}

// ---------------------------------------------------------------------------
// WatchlistStore implementation
// ---------------------------------------------------------------------------

// GroupsByUser returns all stored groups for the user, ordered by group code.
func (s *SQLStore) GroupsByUser(ctx context.Context, userID string) ([]domain.WatchlistGroup, error) {
	query := s.db.Rebind(`SELECT id, user_id, group_code, group_name
		FROM watchlist_groups WHERE user_id = ? ORDER BY group_code`)

	var rows []groupRow
	if err := s.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, fmt.Errorf("querying groups for user: %w", err)
	}

	groups := make([]domain.WatchlistGroup, 0, len(rows))
	for _, r := range rows {
		groups = append(groups, domain.WatchlistGroup{
			ID:        r.ID,
			UserID:    r.UserID,
			GroupCode: r.GroupCode,
			GroupName: r.GroupName,
		})
	}
	return groups, nil
}

// DeleteGroupsExcept removes the user's groups not listed in keepCodes,
// together with their memberships.
func (s *SQLStore) DeleteGroupsExcept(ctx context.Context, userID string, keepCodes []string) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var (
		idQuery string
		args    []any
	)
	if len(keepCodes) == 0 {
		idQuery = s.db.Rebind(`SELECT id FROM watchlist_groups WHERE user_id = ?`)
		args = []any{userID}
	} else {
		q, a, err := sqlx.In(`SELECT id FROM watchlist_groups WHERE user_id = ? AND group_code NOT IN (?)`, userID, keepCodes)
		if err != nil {
			return 0, err
		}
		idQuery = s.db.Rebind(q)
		args = a
	}

	var ids []int64
	if err := tx.SelectContext(ctx, &ids, idQuery, args...); err != nil {
		return 0, fmt.Errorf("querying groups to delete: %w", err)
	}
	if len(ids) == 0 {
		return 0, tx.Commit()
	}

	memberQuery, memberArgs, err := sqlx.In(`DELETE FROM watchlist_stocks WHERE group_id IN (?)`, ids)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(memberQuery), memberArgs...); err != nil {
		return 0, fmt.Errorf("deleting memberships: %w", err)
	}

	groupQuery, groupArgs, err := sqlx.In(`DELETE FROM watchlist_groups WHERE id IN (?)`, ids)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(groupQuery), groupArgs...); err != nil {
		return 0, fmt.Errorf("deleting groups: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// UpsertGroup creates the group or overwrites its name, then loads its ID.
func (s *SQLStore) UpsertGroup(ctx context.Context, group *domain.WatchlistGroup) error {
	insert := s.db.Rebind(`INSERT INTO watchlist_groups (user_id, group_code, group_name)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id, group_code) DO UPDATE SET group_name = excluded.group_name`)
	if _, err := s.db.ExecContext(ctx, insert, group.UserID, group.GroupCode, group.GroupName); err != nil {
		return fmt.Errorf("upserting group %s: %w", group.GroupCode, err)
	}

	idQuery := s.db.Rebind(`SELECT id FROM watchlist_groups WHERE user_id = ? AND group_code = ?`)
	if err := s.db.GetContext(ctx, &group.ID, idQuery, group.UserID, group.GroupCode); err != nil {
		return fmt.Errorf("loading group id for %s: %w", group.GroupCode, err)
	}
	return nil
}

// ReplaceMembers rebuilds the group's membership from stocks. The
// backfill-completed mark survives the rebuild: a stock code that carried it
// before keeps it afterwards.
func (s *SQLStore) ReplaceMembers(ctx context.Context, groupID int64, stocks []domain.WatchlistStock) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var completedCodes []string
	snapshot := tx.Rebind(`SELECT stock_code FROM watchlist_stocks
		WHERE group_id = ? AND backfill_completed = ?`)
	if err := tx.SelectContext(ctx, &completedCodes, snapshot, groupID, true); err != nil {
		return fmt.Errorf("snapshotting backfill marks: %w", err)
	}
	completed := make(map[string]bool, len(completedCodes))
	for _, code := range completedCodes {
		completed[code] = true
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM watchlist_stocks WHERE group_id = ?`), groupID); err != nil {
		return fmt.Errorf("clearing memberships: %w", err)
	}

	insert := tx.Rebind(`INSERT INTO watchlist_stocks
		(group_id, stock_code, stock_name, market_code, asset_type, backfill_completed)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (group_id, stock_code) DO NOTHING`)
	for _, stock := range stocks {
		done := stock.BackfillCompleted || completed[stock.StockCode]
		_, err := tx.ExecContext(ctx, insert,
			groupID, stock.StockCode, stock.StockName, int(stock.Market), int(stock.AssetType), done)
		if err != nil {
			return fmt.Errorf("inserting member %s: %w", stock.StockCode, err)
		}
	}

	return tx.Commit()
}

// MembersByGroup returns the group's membership rows in insertion order.
func (s *SQLStore) MembersByGroup(ctx context.Context, groupID int64) ([]domain.WatchlistStock, error) {
	query := s.db.Rebind(`SELECT id, group_id, stock_code, stock_name, market_code, asset_type, backfill_completed
		FROM watchlist_stocks WHERE group_id = ? ORDER BY id`)

	var rows []stockRow
	if err := s.db.SelectContext(ctx, &rows, query, groupID); err != nil {
		return nil, fmt.Errorf("querying memberships: %w", err)
	}

	stocks := make([]domain.WatchlistStock, 0, len(rows))
	for _, r := range rows {
		stocks = append(stocks, r.toDomain())
	}
	return stocks, nil
}

// InstrumentsByBackfillState returns distinct instruments whose
// backfill-completed flag matches completed, across all groups.
func (s *SQLStore) InstrumentsByBackfillState(ctx context.Context, completed bool) ([]domain.Instrument, error) {
	query := s.db.Rebind(`SELECT DISTINCT asset_type, market_code, stock_code
		FROM watchlist_stocks WHERE backfill_completed = ?
		ORDER BY asset_type, market_code, stock_code`)

	rows, err := s.db.QueryxContext(ctx, query, completed)
	if err != nil {
		return nil, fmt.Errorf("querying instruments: %w", err)
	}
	defer rows.Close()

	var insts []domain.Instrument
	for rows.Next() {
		var assetType, marketCode int
		var code string
		if err := rows.Scan(&assetType, &marketCode, &code); err != nil {
			return nil, err
		}
		insts = append(insts, domain.Instrument{
			AssetType: domain.AssetType(assetType),
			Market:    domain.MarketCode(marketCode),
			Code:      code,
		})
	}
	return insts, rows.Err()
}

// MarkBackfillCompleted flags every membership row for the instrument.
func (s *SQLStore) MarkBackfillCompleted(ctx context.Context, inst domain.Instrument) error {
	query := s.db.Rebind(`UPDATE watchlist_stocks SET backfill_completed = ?
		WHERE asset_type = ? AND market_code = ? AND stock_code = ?`)
	_, err := s.db.ExecContext(ctx, query, true, int(inst.AssetType), int(inst.Market), inst.Code)
	if err != nil {
		return fmt.Errorf("marking backfill completed for %s: %w", inst, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// LockStore implementation
// ---------------------------------------------------------------------------

// AcquireLock takes over the named lease when it is free or expired. A live
// lease held elsewhere makes it return false.
func (s *SQLStore) AcquireLock(ctx context.Context, name, holder string, until time.Time) (bool, error) {
	now := time.Now().Unix()

	takeover := s.db.Rebind(`UPDATE job_locks
		SET locked_by = ?, locked_at = ?, locked_until = ?
		WHERE name = ? AND locked_until <= ?`)
	res, err := s.db.ExecContext(ctx, takeover, holder, now, until.Unix(), name, now)
	if err != nil {
		return false, fmt.Errorf("acquiring lock %s: %w", name, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n > 0 {
		return true, nil
	}

	insert := s.db.Rebind(`INSERT INTO job_locks (name, locked_by, locked_at, locked_until)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO NOTHING`)
	res, err = s.db.ExecContext(ctx, insert, name, holder, now, until.Unix())
	if err != nil {
		return false, fmt.Errorf("acquiring lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseLock moves the lease expiry to until when holder still owns it.
func (s *SQLStore) ReleaseLock(ctx context.Context, name, holder string, until time.Time) error {
	query := s.db.Rebind(`UPDATE job_locks SET locked_until = ?
		WHERE name = ? AND locked_by = ?`)
	if _, err := s.db.ExecContext(ctx, query, until.Unix(), name, holder); err != nil {
		return fmt.Errorf("releasing lock %s: %w", name, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// TokenStore implementation
// ---------------------------------------------------------------------------

// GetToken returns the cached ciphertext for key when it has not expired.
func (s *SQLStore) GetToken(ctx context.Context, key string) (string, bool, error) {
	query := s.db.Rebind(`SELECT cipher FROM api_tokens
		WHERE token_key = ? AND expires_at > ?`)

	var cipher string
	err := s.db.GetContext(ctx, &cipher, query, key, time.Now().Unix())
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading cached token: %w", err)
	}
	return cipher, true, nil
}

// PutToken stores the ciphertext for key, replacing any previous entry.
func (s *SQLStore) PutToken(ctx context.Context, key, cipher string, expiresAt time.Time) error {
	query := s.db.Rebind(`INSERT INTO api_tokens (token_key, cipher, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (token_key) DO UPDATE SET cipher = excluded.cipher, expires_at = excluded.expires_at`)
	if _, err := s.db.ExecContext(ctx, query, key, cipher, expiresAt.Unix()); err != nil {
		return fmt.Errorf("caching token: %w", err)
	}
	return nil
}
