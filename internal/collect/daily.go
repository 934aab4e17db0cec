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

// DailyCollector fetches today's bar for every instrument whose history is
// already backfilled. Holidays and weekends simply yield an empty page,
// which counts as success.
type DailyCollector struct {
	fetchers FetcherFactory
	prices   PriceSink
	watch    InstrumentSource
	log      *slog.Logger

	// Today returns the trade date to collect. Swappable in tests.
	Today func() time.Time
}

// NewDailyCollector creates a collector over the given fetchers and stores.
func NewDailyCollector(fetchers FetcherFactory, prices PriceSink, watch InstrumentSource) *DailyCollector {
	return &DailyCollector{
		fetchers: fetchers,
		prices:   prices,
		watch:    watch,
		log:      slog.Default().With("job", "daily-collect"),
		Today:    kis.Today,
	}
}

// Run collects today's bar for every backfilled instrument. Fetch failures
// skip the instrument; a persistence failure aborts the remainder.
func (c *DailyCollector) Run(ctx context.Context) error {
	insts, err := c.watch.InstrumentsByBackfillState(ctx, true)
	if err != nil {
		return fmt.Errorf("listing backfilled instruments: %w", err)
	}

	today := c.Today()
	stats := NewBatchStatistics(len(insts))
	defer stats.Log(c.log)

	for _, inst := range insts {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rows, err := c.collectInstrument(ctx, inst, today)
		stats.Rows += rows

		var fatal *fatalError
		switch {
		case err == nil:
			stats.Success++
		case errors.As(err, &fatal):
			stats.Critical++
			return fmt.Errorf("collecting %s: %w", inst, err)
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return err
		case recoverable(err):
			stats.Recoverable++
			c.log.Warn("daily collection skipped", "instrument", inst.String(), "err", err)
		default:
			stats.Unexpected++
			c.log.Error("daily collection failed unexpectedly", "instrument", inst.String(), "err", err)
		}
	}

	return nil
}

func (c *DailyCollector) collectInstrument(ctx context.Context, inst domain.Instrument, today time.Time) (int, error) {
	fetcher, err := c.fetchers.FetcherFor(inst.AssetType)
	if err != nil {
		return 0, err
	}

	page, err := fetcher.FetchPage(ctx, inst, today, today)
	if err != nil {
		return 0, err
	}
	if len(page) == 0 {
		return 0, nil
	}

	n, err := c.prices.UpsertDailyPrices(ctx, page)
	if err != nil {
		return 0, &fatalError{err}
	}
	return n, nil
}
