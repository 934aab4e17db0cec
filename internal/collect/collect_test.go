package collect

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jongtix/caa-collector-sub001/internal/domain"
	"github.com/jongtix/caa-collector-sub001/internal/kis"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeFetcher struct {
	pages  [][]domain.DailyPrice // served in order, then empty pages
	failOn int                   // 1-based call index to fail at; 0 = never
	err    error                 // error served at failOn; nil means an API rejection
	calls  int
	starts []time.Time // window start of each call
}

func (f *fakeFetcher) FetchPage(_ context.Context, _ domain.Instrument, start, _ time.Time) ([]domain.DailyPrice, error) {
	f.calls++
	f.starts = append(f.starts, start)
	if f.failOn == f.calls {
		if f.err != nil {
			return nil, f.err
		}
		return nil, &kis.APIError{Code: "EGW00201", Message: "rate limit exceeded"}
	}
	if len(f.pages) == 0 {
		return nil, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

type fakeFactory struct {
	fetcher kis.PriceFetcher
}

func (f fakeFactory) FetcherFor(domain.AssetType) (kis.PriceFetcher, error) {
	return f.fetcher, nil
}

type fakePriceStore struct {
	rows       map[string]domain.DailyPrice
	failUpsert bool
}

func newFakePriceStore() *fakePriceStore {
	return &fakePriceStore{rows: make(map[string]domain.DailyPrice)}
}

func (s *fakePriceStore) UpsertDailyPrices(_ context.Context, prices []domain.DailyPrice) (int, error) {
	if s.failUpsert {
		return 0, errors.New("database is locked")
	}
	inserted := 0
	for _, p := range prices {
		key := p.Instrument.String() + p.TradeDate.Format("20060102")
		if _, ok := s.rows[key]; ok {
			continue
		}
		s.rows[key] = p
		inserted++
	}
	return inserted, nil
}

func (s *fakePriceStore) LatestTradeDate(_ context.Context, inst domain.Instrument) (time.Time, bool, error) {
	var latest time.Time
	found := false
	for _, p := range s.rows {
		if p.Instrument == inst && p.TradeDate.After(latest) {
			latest = p.TradeDate
			found = true
		}
	}
	return latest, found, nil
}

type fakeWatchlist struct {
	pending   []domain.Instrument
	completed []domain.Instrument
}

func (w *fakeWatchlist) InstrumentsByBackfillState(_ context.Context, completed bool) ([]domain.Instrument, error) {
	if completed {
		return append([]domain.Instrument(nil), w.completed...), nil
	}
	return append([]domain.Instrument(nil), w.pending...), nil
}

func (w *fakeWatchlist) MarkBackfillCompleted(_ context.Context, inst domain.Instrument) error {
	w.completed = append(w.completed, inst)
	for i, p := range w.pending {
		if p == inst {
			w.pending = append(w.pending[:i], w.pending[i+1:]...)
			break
		}
	}
	return nil
}

func (w *fakeWatchlist) isCompleted(inst domain.Instrument) bool {
	for _, c := range w.completed {
		if c == inst {
			return true
		}
	}
	return false
}

// recordingHandler keeps every log record for inspection.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler       { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler            { return h }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

// summaryAttr returns the named attribute of the run summary line.
func (h *recordingHandler) summaryAttr(t *testing.T, key string) int64 {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.records {
		if r.Message != "run summary" {
			continue
		}
		var out int64
		found := false
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == key {
				out = a.Value.Int64()
				found = true
				return false
			}
			return true
		})
		if !found {
			t.Fatalf("run summary has no %q attribute", key)
		}
		return out
	}
	t.Fatal("no run summary line logged")
	return 0
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func samsung() domain.Instrument {
	return domain.Instrument{AssetType: domain.DomesticStock, Market: domain.KRX, Code: "005930"}
}

// makePage builds n consecutive daily bars starting at start.
func makePage(inst domain.Instrument, start time.Time, n int) []domain.DailyPrice {
	page := make([]domain.DailyPrice, 0, n)
	for i := 0; i < n; i++ {
		page = append(page, domain.DailyPrice{
			Instrument:   inst,
			TradeDate:    start.AddDate(0, 0, i),
			Open:         decimal.NewFromInt(100),
			High:         decimal.NewFromInt(110),
			Low:          decimal.NewFromInt(90),
			Close:        decimal.NewFromInt(105),
			Volume:       int64(1000 + i),
			TradingValue: decimal.NewFromInt(105000),
		})
	}
	return page
}

func fixedToday(y int, m time.Month, d int) func() time.Time {
	return func() time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }
}

func newBackfill(fetcher *fakeFetcher, prices *fakePriceStore, watch *fakeWatchlist) *BackfillCoordinator {
	c := NewBackfillCoordinator(fakeFactory{fetcher}, prices, watch)
	c.Today = fixedToday(2024, 12, 31)
	return c
}

// ---------------------------------------------------------------------------
// Backfill
// ---------------------------------------------------------------------------

func TestBackfillTerminatesOnShortPage(t *testing.T) {
	inst := samsung()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{pages: [][]domain.DailyPrice{
		makePage(inst, base, 100),
		makePage(inst, base.AddDate(0, 0, 100), 100),
		makePage(inst, base.AddDate(0, 0, 200), 47),
	}}
	prices := newFakePriceStore()
	watch := &fakeWatchlist{pending: []domain.Instrument{inst}}

	if err := newBackfill(fetcher, prices, watch).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if fetcher.calls != 3 {
		t.Errorf("fetch calls = %d, want 3", fetcher.calls)
	}
	if len(prices.rows) != 247 {
		t.Errorf("persisted rows = %d, want 247", len(prices.rows))
	}
	if !watch.isCompleted(inst) {
		t.Error("instrument should be marked backfill-completed")
	}

	// Each page advanced the window past the newest date seen.
	wantStart := base.AddDate(0, 0, 100)
	if !fetcher.starts[1].Equal(wantStart) {
		t.Errorf("second window start = %v, want %v", fetcher.starts[1], wantStart)
	}
}

func TestBackfillResumesAfterFetchError(t *testing.T) {
	inst := samsung()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{
		pages:  [][]domain.DailyPrice{makePage(inst, base, 100)},
		failOn: 2,
	}
	prices := newFakePriceStore()
	watch := &fakeWatchlist{pending: []domain.Instrument{inst}}

	// The fetch error is recoverable: the run itself succeeds.
	if err := newBackfill(fetcher, prices, watch).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(prices.rows) != 100 {
		t.Errorf("persisted rows = %d, want the 100 from page one", len(prices.rows))
	}
	if watch.isCompleted(inst) {
		t.Error("instrument must stay pending after a fetch error")
	}

	// The next run starts from the persisted watermark, not from scratch.
	resume := &fakeFetcher{pages: [][]domain.DailyPrice{makePage(inst, base.AddDate(0, 0, 100), 30)}}
	if err := newBackfill(resume, prices, watch).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	wantStart := base.AddDate(0, 0, 100)
	if len(resume.starts) == 0 || !resume.starts[0].Equal(wantStart) {
		t.Errorf("resume window start = %v, want %v", resume.starts, wantStart)
	}
	if !watch.isCompleted(inst) {
		t.Error("instrument should complete on the resumed run")
	}
}

func TestBackfillFirstRunStartsAtSentinel(t *testing.T) {
	inst := samsung()
	fetcher := &fakeFetcher{}
	prices := newFakePriceStore()
	watch := &fakeWatchlist{pending: []domain.Instrument{inst}}

	if err := newBackfill(fetcher, prices, watch).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fetcher.starts) == 0 || !fetcher.starts[0].Equal(domain.BackfillStartDate) {
		t.Errorf("first window start = %v, want %v", fetcher.starts, domain.BackfillStartDate)
	}
	// An empty first page still completes the instrument.
	if !watch.isCompleted(inst) {
		t.Error("instrument with no history should still complete")
	}
}

func TestBackfillAbortsOnPersistenceError(t *testing.T) {
	instA := samsung()
	instB := domain.Instrument{AssetType: domain.DomesticStock, Market: domain.KRX, Code: "000660"}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{pages: [][]domain.DailyPrice{makePage(instA, base, 10)}}
	prices := newFakePriceStore()
	prices.failUpsert = true
	watch := &fakeWatchlist{pending: []domain.Instrument{instA, instB}}

	err := newBackfill(fetcher, prices, watch).Run(context.Background())
	if err == nil {
		t.Fatal("Run should fail on a persistence error")
	}
	if fetcher.calls != 1 {
		t.Errorf("fetch calls = %d, want 1 (second instrument never reached)", fetcher.calls)
	}
	if watch.isCompleted(instA) || watch.isCompleted(instB) {
		t.Error("no instrument should be marked completed")
	}
}

// Fetchers over end-anchored endpoints return the whole remaining window in
// one call, so a page may exceed PageSize. The coordinator must persist all
// of it and only complete after the follow-up page comes back empty.
func TestBackfillAcceptsWindowLargerThanPage(t *testing.T) {
	inst := domain.Instrument{AssetType: domain.OverseasStock, Market: domain.NAS, Code: "AAPL"}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{pages: [][]domain.DailyPrice{makePage(inst, base, 250)}}
	prices := newFakePriceStore()
	watch := &fakeWatchlist{pending: []domain.Instrument{inst}}

	if err := newBackfill(fetcher, prices, watch).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(prices.rows) != 250 {
		t.Errorf("persisted rows = %d, want all 250", len(prices.rows))
	}
	if fetcher.calls != 2 {
		t.Errorf("fetch calls = %d, want 2 (the empty page confirms completion)", fetcher.calls)
	}
	wantStart := base.AddDate(0, 0, 250)
	if len(fetcher.starts) < 2 || !fetcher.starts[1].Equal(wantStart) {
		t.Errorf("second window start = %v, want %v", fetcher.starts, wantStart)
	}
	if !watch.isCompleted(inst) {
		t.Error("instrument should be marked backfill-completed")
	}
}

func TestBackfillClassifiesFailures(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		wantKey string
	}{
		{"api rejection", &kis.APIError{Code: "EGW00201", Message: "rate limit exceeded"}, "recoverable"},
		{"malformed payload", errors.New(`parsing trade date "2024130"`), "unexpected"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inst := samsung()
			fetcher := &fakeFetcher{failOn: 1, err: tc.err}
			prices := newFakePriceStore()
			watch := &fakeWatchlist{pending: []domain.Instrument{inst}}

			h := &recordingHandler{}
			c := newBackfill(fetcher, prices, watch)
			c.log = slog.New(h)
			if err := c.Run(context.Background()); err != nil {
				t.Fatalf("Run: %v", err)
			}

			if watch.isCompleted(inst) {
				t.Error("failed instrument must stay pending")
			}
			if got := h.summaryAttr(t, tc.wantKey); got != 1 {
				t.Errorf("%s = %d, want 1", tc.wantKey, got)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Daily collection
// ---------------------------------------------------------------------------

func TestDailyCollectsTodayOnly(t *testing.T) {
	inst := samsung()
	today := time.Date(2024, 6, 28, 0, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{pages: [][]domain.DailyPrice{makePage(inst, today, 1)}}
	prices := newFakePriceStore()
	watch := &fakeWatchlist{completed: []domain.Instrument{inst}}

	c := NewDailyCollector(fakeFactory{fetcher}, prices, watch)
	c.Today = fixedToday(2024, 6, 28)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if fetcher.calls != 1 {
		t.Errorf("fetch calls = %d, want 1", fetcher.calls)
	}
	if !fetcher.starts[0].Equal(today) {
		t.Errorf("window start = %v, want today", fetcher.starts[0])
	}
	if len(prices.rows) != 1 {
		t.Errorf("persisted rows = %d, want 1", len(prices.rows))
	}
}

func TestDailyEmptyPageIsSuccess(t *testing.T) {
	inst := samsung()
	fetcher := &fakeFetcher{} // holiday: nothing to serve
	prices := newFakePriceStore()
	watch := &fakeWatchlist{completed: []domain.Instrument{inst}}

	c := NewDailyCollector(fakeFactory{fetcher}, prices, watch)
	c.Today = fixedToday(2024, 6, 30)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(prices.rows) != 0 {
		t.Errorf("persisted rows = %d, want 0", len(prices.rows))
	}
}

func TestDailySkipsFetchErrors(t *testing.T) {
	instA := samsung()
	instB := domain.Instrument{AssetType: domain.DomesticStock, Market: domain.KRX, Code: "000660"}
	today := time.Date(2024, 6, 28, 0, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{
		failOn: 1,
		pages:  [][]domain.DailyPrice{makePage(instB, today, 1)},
	}
	prices := newFakePriceStore()
	watch := &fakeWatchlist{completed: []domain.Instrument{instA, instB}}

	c := NewDailyCollector(fakeFactory{fetcher}, prices, watch)
	c.Today = fixedToday(2024, 6, 28)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fetcher.calls != 2 {
		t.Errorf("fetch calls = %d, want 2 (error on the first must not stop the second)", fetcher.calls)
	}
	if len(prices.rows) != 1 {
		t.Errorf("persisted rows = %d, want 1", len(prices.rows))
	}
}

func TestDailyCountsUnexpectedFailures(t *testing.T) {
	inst := samsung()
	fetcher := &fakeFetcher{failOn: 1, err: errors.New(`parsing trade date "2024130"`)}
	prices := newFakePriceStore()
	watch := &fakeWatchlist{completed: []domain.Instrument{inst}}

	h := &recordingHandler{}
	c := NewDailyCollector(fakeFactory{fetcher}, prices, watch)
	c.Today = fixedToday(2024, 6, 28)
	c.log = slog.New(h)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := h.summaryAttr(t, "unexpected"); got != 1 {
		t.Errorf("unexpected = %d, want 1", got)
	}
	if got := h.summaryAttr(t, "recoverable"); got != 0 {
		t.Errorf("recoverable = %d, want 0", got)
	}
}

func TestBatchStatisticsSuccessRate(t *testing.T) {
	s := NewBatchStatistics(4)
	s.Success = 3
	s.Recoverable = 1
	if got := s.SuccessRate(); got != 0.75 {
		t.Errorf("SuccessRate = %v, want 0.75", got)
	}
	if got := NewBatchStatistics(0).SuccessRate(); got != 1 {
		t.Errorf("empty run SuccessRate = %v, want 1", got)
	}
}
