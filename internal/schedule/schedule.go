// Package schedule drives time-critical cache policies.
//
// An element whose definition carries a cron schedule is time-critical: at
// every tick of that schedule its variants become stale and are cleared on
// next access.  A Scheduler hands out one Marker per distinct spec and
// moves the marker's last-change instant forward on each tick.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/yanizio/flexcache/internal/element"
)

// Marker records the last tick of one schedule.  It implements
// element.Marker.
type Marker struct {
	spec string
	last atomic.Int64 // unix nanos, 0 = never ticked
}

// Spec returns the cron expression the marker follows.
func (m *Marker) Spec() string { return m.spec }

// LastChange returns the instant of the latest tick, or the zero time.
func (m *Marker) LastChange() time.Time {
	n := m.last.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Mark moves the marker to t.  It never moves backwards.
func (m *Marker) Mark(t time.Time) {
	n := t.UnixNano()
	for {
		cur := m.last.Load()
		if n <= cur || m.last.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Scheduler owns the cron runner and the markers it drives.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	markers map[string]*Marker
	now     func() time.Time
	running bool
}

// New returns a stopped scheduler.  Specs use the standard five-field
// format plus descriptors such as @hourly.
func New(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	l := cronLogger{}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l)),
		),
		markers: make(map[string]*Marker),
		now:     time.Now,
	}
}

// Marker returns the marker for spec, registering a cron job the first time
// a spec is seen.  The concrete type is *Marker.
func (s *Scheduler) Marker(spec string) (element.Marker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.markers[spec]; ok {
		return m, nil
	}
	m := &Marker{spec: spec}
	if _, err := s.cron.AddFunc(spec, func() { s.tick(m) }); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", spec, err)
	}
	s.markers[spec] = m
	return m, nil
}

// Markers returns every registered marker.
func (s *Scheduler) Markers() []*Marker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Marker, 0, len(s.markers))
	for _, m := range s.markers {
		out = append(out, m)
	}
	return out
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	zap.L().Info("scheduler started", zap.Int("schedules", len(s.markers)))
}

// Stop halts the runner and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) tick(m *Marker) {
	t := s.now()
	m.Mark(t)
	zap.L().Debug("schedule tick", zap.String("spec", m.spec), zap.Time("at", t))
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	zap.S().Debugw("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	zap.S().With(zap.Error(err)).Errorw("cron: "+msg, keysAndValues...)
}
