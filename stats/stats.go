// Package stats is a thin reporting layer over expvar, used by the
// long-running daemons to periodically flush their counters to Redis for
// the dashboard.
package stats

import (
	"context"
	"expvar"
	"log"
	"time"
)

// Stats encapsulates an expvar Map and acts as a metric reporting
// interface for each daemon.
type Stats struct {
	*expvar.Map
	interval   time.Duration
	reportfunc func(m *expvar.Map)
}

// Run calls the report function of Stats using the specified interval.
// It shuts down when the provided context is cancelled.
func (s *Stats) Run(ctx context.Context) {
	tick := time.NewTicker(s.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("Stats daemon exiting")
			return
		case <-tick.C:
			s.reportfunc(s.Map)
		}
	}
}

// New initializes a Stats reporting on the expvar map registered under
// id. The map is created on first use and reused afterwards, so New may
// be called more than once for the same id.
func New(id string, interval time.Duration, report func(*expvar.Map)) *Stats {
	m, ok := expvar.Get(id).(*expvar.Map)
	if !ok {
		m = expvar.NewMap(id)
	}
	return &Stats{m, interval, report}
}
