package domain

import (
	"testing"
	"time"
)

func TestParseDecimal(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"71500", "71500"},
		{"2512.37", "2512.37"},
		{"-318.5", "-318.5"},
		{"N/A", "0"},
		{"-", "0"},
		{"∞", "0"},
		{"", "0"},
	}
	for _, c := range cases {
		got := ParseDecimal(c.in)
		if got.String() != c.want {
			t.Errorf("ParseDecimal(%q) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestParseInt64(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"12345678", 12345678},
		{"0", 0},
		{"N/A", 0},
		{"-", 0},
		{"", 0},
		{"12.5", 0},
	}
	for _, c := range cases {
		if got := ParseInt64(c.in); got != c.want {
			t.Errorf("ParseInt64(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseTradeDate(t *testing.T) {
	got, err := ParseTradeDate("20240125")
	if err != nil {
		t.Fatalf("ParseTradeDate returned error: %v", err)
	}
	want := time.Date(2024, time.January, 25, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("ParseTradeDate = %v, want %v", got, want)
	}

	if _, err := ParseTradeDate("2024-01-25"); err == nil {
		t.Error("ParseTradeDate should reject dashed dates")
	}
	if _, err := ParseTradeDate(""); err == nil {
		t.Error("ParseTradeDate should reject empty input")
	}
}

func TestFormatTradeDate(t *testing.T) {
	d := time.Date(2024, time.January, 25, 0, 0, 0, 0, time.UTC)
	if got := FormatTradeDate(d); got != "20240125" {
		t.Errorf("FormatTradeDate = %q, want 20240125", got)
	}
}
