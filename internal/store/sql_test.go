package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jongtix/caa-collector-sub001/internal/domain"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "collector.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func samsung() domain.Instrument {
	return domain.Instrument{AssetType: domain.DomesticStock, Market: domain.KRX, Code: "005930"}
}

func priceOn(inst domain.Instrument, y int, m time.Month, d int, close int64) domain.DailyPrice {
	return domain.DailyPrice{
		Instrument:   inst,
		TradeDate:    time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
		Open:         decimal.NewFromInt(close - 100),
		High:         decimal.NewFromInt(close + 200),
		Low:          decimal.NewFromInt(close - 300),
		Close:        decimal.NewFromInt(close),
		Volume:       1000,
		TradingValue: decimal.NewFromInt(close * 1000),
	}
}

func TestUpsertDailyPricesIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := samsung()

	first := []domain.DailyPrice{
		priceOn(inst, 2024, 1, 2, 71000),
		priceOn(inst, 2024, 1, 3, 71500),
	}
	n, err := s.UpsertDailyPrices(ctx, first)
	if err != nil {
		t.Fatalf("UpsertDailyPrices: %v", err)
	}
	if n != 2 {
		t.Errorf("inserted = %d, want 2", n)
	}

	// Re-collecting an overlapping window only adds the new trade date.
	second := append(first, priceOn(inst, 2024, 1, 4, 72000))
	n, err = s.UpsertDailyPrices(ctx, second)
	if err != nil {
		t.Fatalf("UpsertDailyPrices: %v", err)
	}
	if n != 1 {
		t.Errorf("inserted = %d, want 1", n)
	}

	prices, err := s.DailyPrices(ctx, inst,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("DailyPrices: %v", err)
	}
	if len(prices) != 3 {
		t.Fatalf("got %d prices, want 3", len(prices))
	}
	for i := 1; i < len(prices); i++ {
		if !prices[i-1].TradeDate.Before(prices[i].TradeDate) {
			t.Errorf("prices not ordered by trade date: %v before %v",
				prices[i-1].TradeDate, prices[i].TradeDate)
		}
	}
	if prices[0].Close.String() != "71000" {
		t.Errorf("Close = %s, want 71000", prices[0].Close)
	}
}

func TestLatestTradeDate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := samsung()

	if _, ok, err := s.LatestTradeDate(ctx, inst); err != nil {
		t.Fatalf("LatestTradeDate: %v", err)
	} else if ok {
		t.Error("LatestTradeDate reported a date for an empty store")
	}

	_, err := s.UpsertDailyPrices(ctx, []domain.DailyPrice{
		priceOn(inst, 2024, 1, 12, 71000),
		priceOn(inst, 2024, 1, 2, 70000),
	})
	if err != nil {
		t.Fatalf("UpsertDailyPrices: %v", err)
	}

	date, ok, err := s.LatestTradeDate(ctx, inst)
	if err != nil {
		t.Fatalf("LatestTradeDate: %v", err)
	}
	if !ok || !date.Equal(time.Date(2024, 1, 12, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("LatestTradeDate = %v, %v", date, ok)
	}
}

func TestUpsertGroupOverwritesName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	g := &domain.WatchlistGroup{UserID: "hong", GroupCode: "001", GroupName: "tech"}
	if err := s.UpsertGroup(ctx, g); err != nil {
		t.Fatalf("UpsertGroup: %v", err)
	}
	firstID := g.ID

	g2 := &domain.WatchlistGroup{UserID: "hong", GroupCode: "001", GroupName: "semis"}
	if err := s.UpsertGroup(ctx, g2); err != nil {
		t.Fatalf("UpsertGroup: %v", err)
	}
	if g2.ID != firstID {
		t.Errorf("upsert changed group id: %d != %d", g2.ID, firstID)
	}

	groups, err := s.GroupsByUser(ctx, "hong")
	if err != nil {
		t.Fatalf("GroupsByUser: %v", err)
	}
	if len(groups) != 1 || groups[0].GroupName != "semis" {
		t.Errorf("groups = %+v", groups)
	}
}

func TestDeleteGroupsExcept(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, code := range []string{"001", "002", "003"} {
		g := &domain.WatchlistGroup{UserID: "hong", GroupCode: code, GroupName: "g" + code}
		if err := s.UpsertGroup(ctx, g); err != nil {
			t.Fatalf("UpsertGroup(%s): %v", code, err)
		}
		err := s.ReplaceMembers(ctx, g.ID, []domain.WatchlistStock{
			{StockCode: "005930", StockName: "Samsung", Market: domain.KRX, AssetType: domain.DomesticStock},
		})
		if err != nil {
			t.Fatalf("ReplaceMembers(%s): %v", code, err)
		}
	}

	removed, err := s.DeleteGroupsExcept(ctx, "hong", []string{"002"})
	if err != nil {
		t.Fatalf("DeleteGroupsExcept: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	groups, err := s.GroupsByUser(ctx, "hong")
	if err != nil {
		t.Fatalf("GroupsByUser: %v", err)
	}
	if len(groups) != 1 || groups[0].GroupCode != "002" {
		t.Errorf("groups = %+v", groups)
	}

	// Memberships of dropped groups went with them.
	insts, err := s.InstrumentsByBackfillState(ctx, false)
	if err != nil {
		t.Fatalf("InstrumentsByBackfillState: %v", err)
	}
	if len(insts) != 1 {
		t.Errorf("instruments = %+v", insts)
	}
}

func TestReplaceMembersPreservesBackfillMark(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	g := &domain.WatchlistGroup{UserID: "hong", GroupCode: "001", GroupName: "tech"}
	if err := s.UpsertGroup(ctx, g); err != nil {
		t.Fatalf("UpsertGroup: %v", err)
	}

	stockA := domain.WatchlistStock{StockCode: "005930", StockName: "Samsung", Market: domain.KRX, AssetType: domain.DomesticStock}
	if err := s.ReplaceMembers(ctx, g.ID, []domain.WatchlistStock{stockA}); err != nil {
		t.Fatalf("ReplaceMembers: %v", err)
	}
	if err := s.MarkBackfillCompleted(ctx, stockA.Instrument()); err != nil {
		t.Fatalf("MarkBackfillCompleted: %v", err)
	}

	// A later sync rebuilds the membership from fresh API rows that carry
	// no mark; the stored mark must survive.
	stockB := domain.WatchlistStock{StockCode: "000660", StockName: "SK hynix", Market: domain.KRX, AssetType: domain.DomesticStock}
	if err := s.ReplaceMembers(ctx, g.ID, []domain.WatchlistStock{stockA, stockB}); err != nil {
		t.Fatalf("ReplaceMembers: %v", err)
	}

	members, err := s.MembersByGroup(ctx, g.ID)
	if err != nil {
		t.Fatalf("MembersByGroup: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("got %d members, want 2", len(members))
	}
	byCode := map[string]domain.WatchlistStock{}
	for _, m := range members {
		byCode[m.StockCode] = m
	}
	if !byCode["005930"].BackfillCompleted {
		t.Error("005930 lost its backfill mark across a rebuild")
	}
	if byCode["000660"].BackfillCompleted {
		t.Error("000660 gained a backfill mark it never earned")
	}
}

func TestInstrumentsByBackfillStateDistinct(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stock := domain.WatchlistStock{StockCode: "005930", StockName: "Samsung", Market: domain.KRX, AssetType: domain.DomesticStock}
	for _, code := range []string{"001", "002"} {
		g := &domain.WatchlistGroup{UserID: "hong", GroupCode: code, GroupName: "g" + code}
		if err := s.UpsertGroup(ctx, g); err != nil {
			t.Fatalf("UpsertGroup: %v", err)
		}
		if err := s.ReplaceMembers(ctx, g.ID, []domain.WatchlistStock{stock}); err != nil {
			t.Fatalf("ReplaceMembers: %v", err)
		}
	}

	insts, err := s.InstrumentsByBackfillState(ctx, false)
	if err != nil {
		t.Fatalf("InstrumentsByBackfillState: %v", err)
	}
	if len(insts) != 1 {
		t.Fatalf("got %d instruments, want 1 (same stock in two groups)", len(insts))
	}

	if err := s.MarkBackfillCompleted(ctx, stock.Instrument()); err != nil {
		t.Fatalf("MarkBackfillCompleted: %v", err)
	}
	pending, err := s.InstrumentsByBackfillState(ctx, false)
	if err != nil {
		t.Fatalf("InstrumentsByBackfillState: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %+v, want none", pending)
	}
	done, err := s.InstrumentsByBackfillState(ctx, true)
	if err != nil {
		t.Fatalf("InstrumentsByBackfillState: %v", err)
	}
	if len(done) != 1 {
		t.Errorf("done = %+v, want one", done)
	}
}

func TestAcquireLockExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	until := time.Now().Add(time.Minute)

	ok, err := s.AcquireLock(ctx, "daily-collect", "host-a", until)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if !ok {
		t.Fatal("first acquire should succeed")
	}

	ok, err = s.AcquireLock(ctx, "daily-collect", "host-b", until)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if ok {
		t.Fatal("second acquire should be refused while the lease is live")
	}

	// An unrelated lock name is independent.
	ok, err = s.AcquireLock(ctx, "watchlist-sync", "host-b", until)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if !ok {
		t.Fatal("unrelated lock should be free")
	}

	if err := s.ReleaseLock(ctx, "daily-collect", "host-a", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	ok, err = s.AcquireLock(ctx, "daily-collect", "host-b", until)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if !ok {
		t.Fatal("acquire after release should succeed")
	}
}

func TestTokenStoreExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetToken(ctx, "kis:token:123"); err != nil || ok {
		t.Fatalf("GetToken on empty store = ok=%v err=%v", ok, err)
	}

	if err := s.PutToken(ctx, "kis:token:123", "cipher-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("PutToken: %v", err)
	}
	cipher, ok, err := s.GetToken(ctx, "kis:token:123")
	if err != nil || !ok || cipher != "cipher-1" {
		t.Fatalf("GetToken = %q, %v, %v", cipher, ok, err)
	}

	// Replacing the entry with an already-expired one hides it.
	if err := s.PutToken(ctx, "kis:token:123", "cipher-2", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("PutToken: %v", err)
	}
	if _, ok, _ := s.GetToken(ctx, "kis:token:123"); ok {
		t.Error("expired token should be treated as absent")
	}
}
