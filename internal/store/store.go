// Package store defines storage interfaces for daily prices, watchlist
// state, job locks, and cached API tokens, with a SQL implementation that
// runs on SQLite or PostgreSQL and a Parquet exporter for offline analysis.
package store

import (
	"context"
	"time"

	"github.com/jongtix/caa-collector-sub001/internal/domain"
)

// PriceStore persists and retrieves daily price records.
type PriceStore interface {
	// UpsertDailyPrices persists a batch of daily prices. Rows already
	// present for the same instrument and trade date are left untouched.
	// Returns the number of rows actually inserted.
	UpsertDailyPrices(ctx context.Context, prices []domain.DailyPrice) (int, error)

	// LatestTradeDate returns the most recent stored trade date for the
	// instrument. ok is false when no rows exist.
	LatestTradeDate(ctx context.Context, inst domain.Instrument) (date time.Time, ok bool, err error)

	// DailyPrices returns stored prices for the instrument within
	// [start, end], ordered by trade date ascending.
	DailyPrices(ctx context.Context, inst domain.Instrument, start, end time.Time) ([]domain.DailyPrice, error)
}

// WatchlistStore persists watchlist groups and their memberships.
type WatchlistStore interface {
	// GroupsByUser returns all stored groups for the user.
	GroupsByUser(ctx context.Context, userID string) ([]domain.WatchlistGroup, error)

	// DeleteGroupsExcept removes the user's groups whose code is not in
	// keepCodes, cascading to their memberships. Returns the number of
	// groups removed.
	DeleteGroupsExcept(ctx context.Context, userID string, keepCodes []string) (int, error)

	// UpsertGroup creates the group or updates its name if it already
	// exists for the user. The group's ID is set on return.
	UpsertGroup(ctx context.Context, group *domain.WatchlistGroup) error

	// ReplaceMembers replaces the group's membership with stocks. Stocks
	// whose code was already marked backfill-completed in the group keep
	// that mark.
	ReplaceMembers(ctx context.Context, groupID int64, stocks []domain.WatchlistStock) error

	// MembersByGroup returns the group's membership rows.
	MembersByGroup(ctx context.Context, groupID int64) ([]domain.WatchlistStock, error)

	// InstrumentsByBackfillState returns the distinct instruments across
	// all groups whose backfill-completed flag matches completed.
	InstrumentsByBackfillState(ctx context.Context, completed bool) ([]domain.Instrument, error)

	// MarkBackfillCompleted sets the backfill-completed flag on every
	// membership row for the instrument.
	MarkBackfillCompleted(ctx context.Context, inst domain.Instrument) error
}

// LockStore provides named leases so that scheduled jobs run on at most one
// collector at a time.
type LockStore interface {
	// AcquireLock obtains the named lease until the given time. It returns
	// false without error when another holder's lease has not yet expired.
	AcquireLock(ctx context.Context, name, holder string, until time.Time) (bool, error)

	// ReleaseLock ends the named lease held by holder by moving its expiry
	// to until. Expiries in the past release immediately.
	ReleaseLock(ctx context.Context, name, holder string, until time.Time) error
}

// TokenStore caches encrypted API access tokens between runs. Expired
// entries are treated as absent.
type TokenStore interface {
	GetToken(ctx context.Context, key string) (cipher string, ok bool, err error)
	PutToken(ctx context.Context, key string, cipher string, expiresAt time.Time) error
}
