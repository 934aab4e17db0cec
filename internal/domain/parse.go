package domain

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Dates on the KIS wire are eight digits, yyyyMMdd.
const tradeDateLayout = "20060102"

// KSTZone is the timezone all schedules and "today" computations use.
const KSTZone = "Asia/Seoul"

// BackfillStartDate is the sentinel lower bound of a fresh backfill window.
// It is never treated as a real date: termination relies entirely on short or
// empty pages, so the sentinel only needs to predate any data the API can
// actually serve.
var BackfillStartDate = time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)

// ParseDecimal parses an upstream numeric string. The API emits sentinel
// values such as "N/A", "-", and "∞" for fields it cannot supply; those, like
// blank fields, parse to zero rather than failing the page.
func ParseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ParseInt64 parses an upstream integer string with the same zero-on-garbage
// policy as ParseDecimal.
func ParseInt64(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// ParseTradeDate parses a yyyyMMdd date string. Unlike the numeric fields a
// bad date has no safe default, so this is a hard error.
func ParseTradeDate(s string) (time.Time, error) {
	t, err := time.Parse(tradeDateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing trade date %q: %w", s, err)
	}
	return t, nil
}

// FormatTradeDate renders t as a yyyyMMdd request parameter.
func FormatTradeDate(t time.Time) string {
	return t.Format(tradeDateLayout)
}

// DateOnly truncates t to a calendar date in UTC.
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
