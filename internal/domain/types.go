// Package domain defines the instrument, price, and watchlist types shared by
// the collectors, the KIS API layer, and the store.
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// AssetType
// ---------------------------------------------------------------------------

// AssetType classifies an instrument by market region and kind. The integer
// values are persistence codes and must never be renumbered.
type AssetType int

const (
	DomesticStock AssetType = 1
	DomesticIndex AssetType = 2
	OverseasStock AssetType = 3
	OverseasIndex AssetType = 4
)

// String returns the asset type name used in logs.
func (a AssetType) String() string {
	switch a {
	case DomesticStock:
		return "domestic stock"
	case DomesticIndex:
		return "domestic index"
	case OverseasStock:
		return "overseas stock"
	case OverseasIndex:
		return "overseas index"
	}
	return fmt.Sprintf("asset_type(%d)", int(a))
}

// Valid reports whether a is one of the four defined asset types.
func (a AssetType) Valid() bool {
	return a >= DomesticStock && a <= OverseasIndex
}

// Overseas reports whether the asset type requires an exchange code on API
// requests.
func (a AssetType) Overseas() bool {
	return a == OverseasStock || a == OverseasIndex
}

// AssetTypeFromCode decodes a persistence code. Unknown codes are an error,
// never a silent default.
func AssetTypeFromCode(code int) (AssetType, error) {
	a := AssetType(code)
	if !a.Valid() {
		return 0, fmt.Errorf("unknown asset type code %d", code)
	}
	return a, nil
}

// marketClassMap maps the KIS FID market-class code carried on watchlist
// stock items to an asset type.
var marketClassMap = map[string]AssetType{
	"J":  DomesticStock,
	"UN": DomesticStock,
	"U":  DomesticIndex,
	"N":  OverseasIndex,
	"FS": OverseasStock,
}

// AssetTypeFromMarketClass maps a KIS FID market-class code to an asset type.
// Empty or unrecognised codes fall back to DomesticStock; the upstream
// watchlist payload omits the field for plain KRX listings.
func AssetTypeFromMarketClass(code string) AssetType {
	if a, ok := marketClassMap[code]; ok {
		return a
	}
	return DomesticStock
}

// ---------------------------------------------------------------------------
// MarketCode
// ---------------------------------------------------------------------------

// MarketCode identifies the exchange an instrument trades on. The integer
// values are persistence codes and must never be renumbered.
type MarketCode int

const (
	KRX MarketCode = 1  // Korea Exchange
	NYS MarketCode = 10 // New York Stock Exchange
	NAS MarketCode = 11 // NASDAQ
	AMS MarketCode = 12 // NYSE American
	TSE MarketCode = 13 // Tokyo Stock Exchange
	HKS MarketCode = 14 // Hong Kong Stock Exchange
	SHS MarketCode = 15 // Shanghai Stock Exchange
	SZS MarketCode = 16 // Shenzhen Stock Exchange
	HSX MarketCode = 17 // Ho Chi Minh Stock Exchange
	HNX MarketCode = 18 // Hanoi Stock Exchange
)

// marketCodes is the closed bidirectional table between persistence codes,
// exchange strings, and MarketCode values.
var marketCodes = []struct {
	code     MarketCode
	exchange string
}{
	{KRX, "KRX"},
	{NYS, "NYS"},
	{NAS, "NAS"},
	{AMS, "AMS"},
	{TSE, "TSE"},
	{HKS, "HKS"},
	{SHS, "SHS"},
	{SZS, "SZS"},
	{HSX, "HSX"},
	{HNX, "HNX"},
}

// Exchange returns the KIS exchange code string (EXCD) for m, or "" if m is
// not a defined market.
func (m MarketCode) Exchange() string {
	for _, e := range marketCodes {
		if e.code == m {
			return e.exchange
		}
	}
	return ""
}

// String returns the exchange string for logging.
func (m MarketCode) String() string {
	if ex := m.Exchange(); ex != "" {
		return ex
	}
	return fmt.Sprintf("market_code(%d)", int(m))
}

// Valid reports whether m is a defined market.
func (m MarketCode) Valid() bool { return m.Exchange() != "" }

// MarketCodeFromCode decodes a persistence code. Unknown codes are an error.
func MarketCodeFromCode(code int) (MarketCode, error) {
	m := MarketCode(code)
	if !m.Valid() {
		return 0, fmt.Errorf("unknown market code %d", code)
	}
	return m, nil
}

// MarketCodeFromExchange resolves a KIS exchange code string (EXCD).
func MarketCodeFromExchange(exchange string) (MarketCode, error) {
	for _, e := range marketCodes {
		if e.exchange == exchange {
			return e.code, nil
		}
	}
	return 0, fmt.Errorf("unknown exchange code %q", exchange)
}

// MarketCodeFromExchangeOrDefault resolves an exchange code, falling back to
// def when the code is blank or unrecognised. Domestic watchlist items carry
// no exchange code, so callers pass KRX.
func MarketCodeFromExchangeOrDefault(exchange string, def MarketCode) MarketCode {
	if exchange == "" {
		return def
	}
	m, err := MarketCodeFromExchange(exchange)
	if err != nil {
		return def
	}
	return m
}

// ---------------------------------------------------------------------------
// Instrument and prices
// ---------------------------------------------------------------------------

// Instrument is the immutable key of a price series: what it is, where it
// trades, and its upstream code.
type Instrument struct {
	AssetType AssetType
	Market    MarketCode
	Code      string
}

// String renders the key for logs, e.g. "domestic stock KRX/005930".
func (i Instrument) String() string {
	return fmt.Sprintf("%s %s/%s", i.AssetType, i.Market, i.Code)
}

// DailyPrice is one daily OHLCV bar of an instrument. Records are append-only:
// written once, never updated or deleted.
type DailyPrice struct {
	Instrument   Instrument
	TradeDate    time.Time // calendar date, time part zero, UTC
	Open         decimal.Decimal
	High         decimal.Decimal
	Low          decimal.Decimal
	Close        decimal.Decimal
	Volume       int64
	TradingValue decimal.Decimal
}

// ---------------------------------------------------------------------------
// Watchlist
// ---------------------------------------------------------------------------

// WatchlistGroup is a remote-owned watchlist group. The remote source is
// authoritative; local rows are replaced on every sync cycle.
type WatchlistGroup struct {
	ID        int64
	UserID    string
	GroupCode string
	GroupName string
}

// WatchlistStock is one membership row of a group. BackfillCompleted is the
// sole backfill progress marker: it starts false and transitions to true
// exactly once, when a backfill run finds no further history.
type WatchlistStock struct {
	ID                int64
	GroupID           int64
	StockCode         string
	StockName         string
	Market            MarketCode
	AssetType         AssetType
	BackfillCompleted bool
}

// Instrument returns the price-series key for this membership row.
func (s WatchlistStock) Instrument() Instrument {
	return Instrument{AssetType: s.AssetType, Market: s.Market, Code: s.StockCode}
}
