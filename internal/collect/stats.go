// Package collect runs the price collection jobs: historical backfill for
// newly watched instruments and the once-a-day fetch for instruments whose
// history is already complete.
package collect

import (
	"errors"
	"log/slog"
	"net"

	"github.com/jongtix/caa-collector-sub001/internal/kis"
)

// BatchStatistics tallies per-instrument outcomes of one collection run.
type BatchStatistics struct {
	Total       int // instruments in scope
	Success     int
	Recoverable int // API or network failures; the instrument is retried next run
	Critical    int // persistence failures; the run aborts
	Unexpected  int // anything else, skipped and logged as an error
	Rows        int // price rows actually inserted
}

// recoverable reports whether a failure came from the upstream API or the
// network. Such failures clear up on their own; anything else is a fault in
// the data or the code and is counted as unexpected.
func recoverable(err error) bool {
	var apiErr *kis.APIError
	if errors.As(err, &apiErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// NewBatchStatistics creates statistics for a run over total instruments.
func NewBatchStatistics(total int) *BatchStatistics {
	return &BatchStatistics{Total: total}
}

// SuccessRate returns the fraction of instruments processed successfully,
// in [0, 1]. An empty run counts as fully successful.
func (s *BatchStatistics) SuccessRate() float64 {
	if s.Total == 0 {
		return 1
	}
	return float64(s.Success) / float64(s.Total)
}

// Log emits one summary line for the run, plus an alert line when any
// instrument hit a critical failure.
func (s *BatchStatistics) Log(log *slog.Logger) {
	log.Info("run summary",
		"total", s.Total,
		"success", s.Success,
		"recoverable", s.Recoverable,
		"critical", s.Critical,
		"unexpected", s.Unexpected,
		"rows", s.Rows,
		"successRate", s.SuccessRate(),
	)
	if s.Critical > 0 {
		log.Error("run hit critical persistence failures", "critical", s.Critical)
	}
}
