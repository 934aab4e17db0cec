package kis

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jongtix/caa-collector-sub001/internal/config"
	"github.com/jongtix/caa-collector-sub001/internal/domain"
)

// PageSize is the largest number of daily bars one price request returns.
// A shorter page means the oldest available history has been reached.
const PageSize = 100

// PriceFetcher retrieves daily bars for an instrument within [start, end].
// Fetchers over start-anchored endpoints return one page of up to PageSize
// bars; fetchers over end-anchored endpoints page backward internally and
// return every bar in the window, so the slice may exceed PageSize. Either
// way, a result shorter than PageSize means no bar below end remains
// unfetched.
type PriceFetcher interface {
	FetchPage(ctx context.Context, inst domain.Instrument, start, end time.Time) ([]domain.DailyPrice, error)
}

var kstOnce = sync.OnceValue(func() *time.Location {
	loc, err := time.LoadLocation(domain.KSTZone)
	if err != nil {
		// Asia/Seoul is fixed UTC+9; the tzdata lookup only fails on a
		// stripped-down system image.
		return time.FixedZone("KST", 9*60*60)
	}
	return loc
})

func kstLocation() *time.Location { return kstOnce() }

// Today returns the current calendar date in the market-local timezone.
func Today() time.Time {
	return domain.DateOnly(time.Now().In(kstLocation()))
}

// PriceService resolves a PriceFetcher per asset class. All fetchers share
// the service's client, auth, and collection account.
type PriceService struct {
	client  *Client
	auth    *AuthService
	account config.Account
}

// NewPriceService creates a PriceService fetching with the given account.
func NewPriceService(client *Client, auth *AuthService, account config.Account) *PriceService {
	return &PriceService{client: client, auth: auth, account: account}
}

// FetcherFor returns the fetch strategy for the given asset class.
func (s *PriceService) FetcherFor(assetType domain.AssetType) (PriceFetcher, error) {
	switch assetType {
	case domain.DomesticStock:
		return domesticStockFetcher{s}, nil
	case domain.DomesticIndex:
		return domesticIndexFetcher{s}, nil
	case domain.OverseasStock:
		return overseasStockFetcher{s}, nil
	case domain.OverseasIndex:
		return overseasIndexFetcher{s}, nil
	}
	return nil, fmt.Errorf("no price fetcher for %v", assetType)
}

// ---------------------------------------------------------------------------
// Domestic stock
// ---------------------------------------------------------------------------

type domesticStockFetcher struct{ svc *PriceService }

func (f domesticStockFetcher) FetchPage(ctx context.Context, inst domain.Instrument, start, end time.Time) ([]domain.DailyPrice, error) {
	token, err := f.svc.auth.AccessToken(ctx, f.svc.account)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("FID_COND_MRKT_DIV_CODE", "J")
	query.Set("FID_INPUT_ISCD", inst.Code)
	query.Set("FID_INPUT_DATE_1", domain.FormatTradeDate(start))
	query.Set("FID_INPUT_DATE_2", domain.FormatTradeDate(end))
	query.Set("FID_PERIOD_DIV_CODE", "D")
	query.Set("FID_ORG_ADJ_PRC", "0")

	var resp domesticStockDailyResponse
	if err := f.svc.client.get(ctx, domesticStockDailyPrice, query, token, f.svc.account, &resp); err != nil {
		return nil, err
	}

	prices := make([]domain.DailyPrice, 0, len(resp.Output2))
	for _, item := range resp.Output2 {
		date, err := domain.ParseTradeDate(item.StckBsopDate)
		if err != nil {
			return nil, err
		}
		prices = append(prices, domain.DailyPrice{
			Instrument:   inst,
			TradeDate:    date,
			Open:         domain.ParseDecimal(item.StckOprc),
			High:         domain.ParseDecimal(item.StckHgpr),
			Low:          domain.ParseDecimal(item.StckLwpr),
			Close:        domain.ParseDecimal(item.StckClpr),
			Volume:       domain.ParseInt64(item.AcmlVol),
			TradingValue: domain.ParseDecimal(item.AcmlTrPbmn),
		})
	}
	return prices, nil
}

// ---------------------------------------------------------------------------
// Domestic index
// ---------------------------------------------------------------------------

type domesticIndexFetcher struct{ svc *PriceService }

func (f domesticIndexFetcher) FetchPage(ctx context.Context, inst domain.Instrument, start, end time.Time) ([]domain.DailyPrice, error) {
	token, err := f.svc.auth.AccessToken(ctx, f.svc.account)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("FID_COND_MRKT_DIV_CODE", "U")
	query.Set("FID_INPUT_ISCD", inst.Code)
	query.Set("FID_INPUT_DATE_1", domain.FormatTradeDate(start))
	query.Set("FID_INPUT_DATE_2", domain.FormatTradeDate(end))
	query.Set("FID_PERIOD_DIV_CODE", "D")

	var resp domesticIndexDailyResponse
	if err := f.svc.client.get(ctx, domesticIndexDailyPrice, query, token, f.svc.account, &resp); err != nil {
		return nil, err
	}

	prices := make([]domain.DailyPrice, 0, len(resp.Output2))
	for _, item := range resp.Output2 {
		date, err := domain.ParseTradeDate(item.StckBsopDate)
		if err != nil {
			return nil, err
		}
		prices = append(prices, domain.DailyPrice{
			Instrument:   inst,
			TradeDate:    date,
			Open:         domain.ParseDecimal(item.BstpNmixOprc),
			High:         domain.ParseDecimal(item.BstpNmixHgpr),
			Low:          domain.ParseDecimal(item.BstpNmixLwpr),
			Close:        domain.ParseDecimal(item.BstpNmixPrpr),
			Volume:       domain.ParseInt64(item.AcmlVol),
			TradingValue: domain.ParseDecimal(item.AcmlTrPbmn),
		})
	}
	return prices, nil
}

// ---------------------------------------------------------------------------
// Overseas stock
// ---------------------------------------------------------------------------

type overseasStockFetcher struct{ svc *PriceService }

func (f overseasStockFetcher) FetchPage(ctx context.Context, inst domain.Instrument, start, end time.Time) ([]domain.DailyPrice, error) {
	token, err := f.svc.auth.AccessToken(ctx, f.svc.account)
	if err != nil {
		return nil, err
	}

	// The overseas endpoint anchors at BYMD and serves the newest bars at or
	// before it, so a single request only sees the top of the window. Walk
	// BYMD backward until the window start or the oldest available history is
	// reached, keeping the bars inside [start, end].
	var prices []domain.DailyPrice
	cursor := end
	for {
		page, err := f.fetchBefore(ctx, inst, token, cursor)
		if err != nil {
			return nil, err
		}

		oldest := cursor
		for _, p := range page {
			if p.TradeDate.Before(oldest) {
				oldest = p.TradeDate
			}
			if !p.TradeDate.Before(start) && !p.TradeDate.After(end) {
				prices = append(prices, p)
			}
		}

		if len(page) < PageSize || !oldest.After(start) {
			return prices, nil
		}
		next := oldest.AddDate(0, 0, -1)
		if !next.Before(cursor) {
			// The upstream is not moving the cursor; bail rather than spin.
			return prices, nil
		}
		cursor = next
	}
}

// fetchBefore requests the newest page of bars at or before the given date.
func (f overseasStockFetcher) fetchBefore(ctx context.Context, inst domain.Instrument, token string, by time.Time) ([]domain.DailyPrice, error) {
	query := url.Values{}
	query.Set("EXCD", inst.Market.Exchange())
	query.Set("SYMB", inst.Code)
	query.Set("GUBN", "0") // daily bars
	query.Set("BYMD", domain.FormatTradeDate(by))
	query.Set("MODP", "1") // adjusted prices

	var resp overseasStockDailyResponse
	if err := f.svc.client.get(ctx, overseasStockDailyPrice, query, token, f.svc.account, &resp); err != nil {
		return nil, err
	}

	prices := make([]domain.DailyPrice, 0, len(resp.Output2))
	for _, item := range resp.Output2 {
		date, err := domain.ParseTradeDate(item.Xymd)
		if err != nil {
			return nil, err
		}
		prices = append(prices, domain.DailyPrice{
			Instrument:   inst,
			TradeDate:    date,
			Open:         domain.ParseDecimal(item.Open),
			High:         domain.ParseDecimal(item.High),
			Low:          domain.ParseDecimal(item.Low),
			Close:        domain.ParseDecimal(item.Clos),
			Volume:       domain.ParseInt64(item.Tvol),
			TradingValue: domain.ParseDecimal(item.Tamt),
		})
	}
	return prices, nil
}

// ---------------------------------------------------------------------------
// Overseas index
// ---------------------------------------------------------------------------

type overseasIndexFetcher struct{ svc *PriceService }

func (f overseasIndexFetcher) FetchPage(ctx context.Context, inst domain.Instrument, start, end time.Time) ([]domain.DailyPrice, error) {
	token, err := f.svc.auth.AccessToken(ctx, f.svc.account)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("FID_COND_MRKT_DIV_CODE", "N")
	query.Set("FID_INPUT_ISCD", inst.Code)
	query.Set("FID_INPUT_DATE_1", domain.FormatTradeDate(start))
	query.Set("FID_INPUT_DATE_2", domain.FormatTradeDate(end))
	query.Set("FID_PERIOD_DIV_CODE", "D")

	var resp overseasIndexDailyResponse
	if err := f.svc.client.get(ctx, overseasIndexDailyPrice, query, token, f.svc.account, &resp); err != nil {
		return nil, err
	}

	prices := make([]domain.DailyPrice, 0, len(resp.Output2))
	for _, item := range resp.Output2 {
		date, err := domain.ParseTradeDate(item.StckBsopDate)
		if err != nil {
			return nil, err
		}
		prices = append(prices, domain.DailyPrice{
			Instrument: inst,
			TradeDate:  date,
			Open:       domain.ParseDecimal(item.OvrsNmixOprc),
			High:       domain.ParseDecimal(item.OvrsNmixHgpr),
			Low:        domain.ParseDecimal(item.OvrsNmixLwpr),
			Close:      domain.ParseDecimal(item.OvrsNmixPrpr),
			Volume:     domain.ParseInt64(item.AcmlVol),
			// The overseas index payload carries no trading value.
			TradingValue: decimal.Zero,
		})
	}
	return prices, nil
}
