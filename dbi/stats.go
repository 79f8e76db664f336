package dbi

import (
	"fmt"
	"time"

	"go.uber.org/atomic"
)

// Stats accumulates the time a connection spends in the database, as nanoseconds in atomic counters
type Stats struct {
	BeginTime  *atomic.Int64 // BEGIN
	ExecTime   *atomic.Int64 // statements without result rows
	QueryTime  *atomic.Int64 // statements with result rows
	CommitTime *atomic.Int64 // COMMIT and ROLLBACK

	Statements *atomic.Int64 // statements submitted, retries included
	Reconnects *atomic.Int64 // reconnect attempts
}

// NewStats returns zeroed counters
func NewStats() *Stats {
	return &Stats{
		BeginTime:  atomic.NewInt64(0),
		ExecTime:   atomic.NewInt64(0),
		QueryTime:  atomic.NewInt64(0),
		CommitTime: atomic.NewInt64(0),
		Statements: atomic.NewInt64(0),
		Reconnects: atomic.NewInt64(0),
	}
}

// Since adds the time elapsed since start to counter
func Since(counter *atomic.Int64, start time.Time) {
	if counter != nil {
		counter.Add(time.Since(start).Nanoseconds())
	}
}

func (s *Stats) String() string {
	return fmt.Sprintf("statements: %d, reconnects: %d, begin: %v, exec: %v, query: %v, commit: %v",
		s.Statements.Load(), s.Reconnects.Load(),
		time.Duration(s.BeginTime.Load()), time.Duration(s.ExecTime.Load()),
		time.Duration(s.QueryTime.Load()), time.Duration(s.CommitTime.Load()))
}
