package collect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jongtix/caa-collector-sub001/internal/domain"
	"github.com/jongtix/caa-collector-sub001/internal/kis"
)

// FetcherFactory yields the price fetcher for an asset class.
type FetcherFactory interface {
	FetcherFor(assetType domain.AssetType) (kis.PriceFetcher, error)
}

// PriceSink is the slice of the price store the collectors need.
type PriceSink interface {
	UpsertDailyPrices(ctx context.Context, prices []domain.DailyPrice) (int, error)
	LatestTradeDate(ctx context.Context, inst domain.Instrument) (time.Time, bool, error)
}

// InstrumentSource lists watched instruments by backfill state and records
// completion.
type InstrumentSource interface {
	InstrumentsByBackfillState(ctx context.Context, completed bool) ([]domain.Instrument, error)
	MarkBackfillCompleted(ctx context.Context, inst domain.Instrument) error
}

// fatalError marks a persistence failure. Unlike a fetch failure, which only
// skips the instrument, a fatalError aborts the rest of the run.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// BackfillCoordinator fills in the full price history of every watched
// instrument that has not completed backfill yet. History is paged forward
// in trade-date order, so an interrupted run resumes from the last persisted
// date instead of starting over.
type BackfillCoordinator struct {
	fetchers FetcherFactory
	prices   PriceSink
	watch    InstrumentSource
	log      *slog.Logger

	// Today returns the current trade date upper bound. Swappable in tests.
	Today func() time.Time

	// PageSize is the fetch page length the upstream serves.
	PageSize int
}

// NewBackfillCoordinator creates a coordinator over the given fetchers and
// stores.
func NewBackfillCoordinator(fetchers FetcherFactory, prices PriceSink, watch InstrumentSource) *BackfillCoordinator {
	return &BackfillCoordinator{
		fetchers: fetchers,
		prices:   prices,
		watch:    watch,
		log:      slog.Default().With("job", "backfill"),
		Today:    kis.Today,
		PageSize: kis.PageSize,
	}
}

// Run backfills every instrument still pending. Fetch failures skip the
// instrument and leave it pending for the next run; a persistence failure
// aborts the remainder and is returned.
func (c *BackfillCoordinator) Run(ctx context.Context) error {
	insts, err := c.watch.InstrumentsByBackfillState(ctx, false)
	if err != nil {
		return fmt.Errorf("listing pending instruments: %w", err)
	}

	stats := NewBatchStatistics(len(insts))
	defer stats.Log(c.log)

	for _, inst := range insts {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rows, err := c.backfillInstrument(ctx, inst)
		stats.Rows += rows

		var fatal *fatalError
		switch {
		case err == nil:
			stats.Success++
		case errors.As(err, &fatal):
			stats.Critical++
			return fmt.Errorf("backfilling %s: %w", inst, err)
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return err
		case recoverable(err):
			// Fetch-side failure: the flag stays unset, so the next run
			// picks the instrument up again from the watermark.
			stats.Recoverable++
			c.log.Warn("backfill skipped", "instrument", inst.String(), "err", err)
		default:
			stats.Unexpected++
			c.log.Error("backfill failed unexpectedly", "instrument", inst.String(), "err", err)
		}
	}

	return nil
}

// backfillInstrument pages the instrument's history forward from its
// watermark until a short page or the end of the window, then marks the
// instrument completed.
func (c *BackfillCoordinator) backfillInstrument(ctx context.Context, inst domain.Instrument) (int, error) {
	fetcher, err := c.fetchers.FetcherFor(inst.AssetType)
	if err != nil {
		return 0, err
	}

	start := domain.BackfillStartDate
	if watermark, ok, err := c.prices.LatestTradeDate(ctx, inst); err != nil {
		return 0, &fatalError{err}
	} else if ok {
		start = watermark.AddDate(0, 0, 1)
	}
	end := c.Today()

	rows := 0
	for !start.After(end) {
		page, err := fetcher.FetchPage(ctx, inst, start, end)
		if err != nil {
			return rows, err
		}

		n, err := c.prices.UpsertDailyPrices(ctx, page)
		if err != nil {
			return rows, &fatalError{err}
		}
		rows += n

		if len(page) < c.PageSize {
			break
		}

		next := latestTradeDate(page).AddDate(0, 0, 1)
		if !next.After(start) {
			// The upstream is not advancing; bail rather than spin.
			break
		}
		start = next
	}

	if err := c.watch.MarkBackfillCompleted(ctx, inst); err != nil {
		return rows, &fatalError{err}
	}

	c.log.Info("instrument backfilled", "instrument", inst.String(), "rows", rows)
	return rows, nil
}

func latestTradeDate(page []domain.DailyPrice) time.Time {
	var latest time.Time
	for _, p := range page {
		if p.TradeDate.After(latest) {
			latest = p.TradeDate
		}
	}
	return latest
}
