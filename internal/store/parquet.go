package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/jongtix/caa-collector-sub001/internal/domain"
)

// ParquetExporter writes daily price history to Parquet files on disk for
// offline analysis, organized by asset class, market, and code.
type ParquetExporter struct {
	DataDir string
}

// NewParquetExporter creates a ParquetExporter rooted at the given directory.
func NewParquetExporter(dataDir string) *ParquetExporter {
	return &ParquetExporter{DataDir: dataDir}
}

// PriceRecord is the Parquet schema for daily price data. Prices are stored
// as decimal strings so that export round-trips without float drift.
type PriceRecord struct {
	AssetType    int32  `parquet:"asset_type"`
	MarketCode   int32  `parquet:"market_code"`
	Code         string `parquet:"code"`
	TradeDate    string `parquet:"trade_date"` // 2006-01-02
	Open         string `parquet:"open"`
	High         string `parquet:"high"`
	Low          string `parquet:"low"`
	Close        string `parquet:"close"`
	Volume       int64  `parquet:"volume"`
	TradingValue string `parquet:"trading_value"`
}

// ExportDailyPrices writes prices to Parquet files grouped by instrument and
// year. Each instrument+year combination produces a separate file at:
//
//	<DataDir>/<asset-type>/<MARKET>/<CODE>/<YYYY>.parquet
//
// Existing files are merged, deduplicating by trade date with the incoming
// record winning.
func (e *ParquetExporter) ExportDailyPrices(_ context.Context, prices []domain.DailyPrice) error {
	if len(prices) == 0 {
		return nil
	}

	type key struct {
		inst domain.Instrument
		year int
	}
	groups := make(map[key][]PriceRecord)
	for _, p := range prices {
		k := key{inst: p.Instrument, year: p.TradeDate.Year()}
		groups[k] = append(groups[k], PriceRecord{
			AssetType:    int32(p.Instrument.AssetType),
			MarketCode:   int32(p.Instrument.Market),
			Code:         p.Instrument.Code,
			TradeDate:    p.TradeDate.Format(dateLayout),
			Open:         p.Open.String(),
			High:         p.High.String(),
			Low:          p.Low.String(),
			Close:        p.Close.String(),
			Volume:       p.Volume,
			TradingValue: p.TradingValue.String(),
		})
	}

	for k, records := range groups {
		path := e.pricePath(k.inst, k.year)

		// Read existing records to merge.
		existing, _ := readParquetFile[PriceRecord](path)
		merged := mergePriceRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing prices for %s/%d: %w", k.inst, k.year, err)
		}
	}
	return nil
}

// ReadDailyPrices reads exported price data for the instrument and time range.
func (e *ParquetExporter) ReadDailyPrices(_ context.Context, inst domain.Instrument, start, end time.Time) ([]domain.DailyPrice, error) {
	var prices []domain.DailyPrice
	for year := start.Year(); year <= end.Year(); year++ {
		records, err := readParquetFile[PriceRecord](e.pricePath(inst, year))
		if err != nil {
			// File doesn't exist for this year — skip.
			continue
		}

		for _, r := range records {
			date, err := time.Parse(dateLayout, r.TradeDate)
			if err != nil {
				return nil, fmt.Errorf("exported trade date %q: %w", r.TradeDate, err)
			}
			if date.Before(start) || date.After(end) {
				continue
			}
			prices = append(prices, r.toDomain(date))
		}
	}
	return prices, nil
}

func (r PriceRecord) toDomain(date time.Time) domain.DailyPrice {
	return domain.DailyPrice{
		Instrument: domain.Instrument{
			AssetType: domain.AssetType(r.AssetType),
			Market:    domain.MarketCode(r.MarketCode),
			Code:      r.Code,
		},
		TradeDate:    date,
		Open:         domain.ParseDecimal(r.Open),
		High:         domain.ParseDecimal(r.High),
		Low:          domain.ParseDecimal(r.Low),
		Close:        domain.ParseDecimal(r.Close),
		Volume:       r.Volume,
		TradingValue: domain.ParseDecimal(r.TradingValue),
	}
}

// pricePath returns the filesystem path for an instrument's yearly file.
func (e *ParquetExporter) pricePath(inst domain.Instrument, year int) string {
	asset := strings.ReplaceAll(inst.AssetType.String(), " ", "-")
	return filepath.Join(e.DataDir, asset, inst.Market.Exchange(), strings.ToUpper(inst.Code),
		fmt.Sprintf("%d.parquet", year))
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergePriceRecords deduplicates records by trade date, preferring new
// records over existing ones. Results are sorted by trade date.
func mergePriceRecords(existing, incoming []PriceRecord) []PriceRecord {
	seen := make(map[string]PriceRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.TradeDate] = r
	}
	for _, r := range incoming {
		seen[r.TradeDate] = r
	}

	merged := make([]PriceRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].TradeDate < merged[j].TradeDate
	})
	return merged
}
