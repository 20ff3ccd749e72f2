// internal/store/elements.go
//
// Element store: bounded LRU of element entries keyed by identity.
//
// Context
// -------
// On a miss the store asks a Definer (the producer layer) for the element's
// definition and builds an Entry from it.  Concurrent misses for the same
// identity share one Define call through singleflight, the same barrier
// the tenant cache used for site loads.  No store lock is held while the
// Definer runs, so a definer that renders other elements cannot deadlock.
//
// Every entry that leaves the store (LRU eviction, explicit removal,
// template invalidation, or Clear) is retired.  Retiring releases each
// resident variant's dependencies from the index, so an evicted entry
// leaves no owners behind.
//
// Notes
// -----
//   - Define errors are wrapped in *element.GenerationError and never
//     cached.  The next request retries.
//   - Oxford commas, two spaces after periods.
package store

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/yanizio/flexcache/internal/cache"
	"github.com/yanizio/flexcache/internal/deps"
	"github.com/yanizio/flexcache/internal/element"
	"github.com/yanizio/flexcache/internal/metrics"
)

// Definer materialises the definition of an element on a store miss.
type Definer interface {
	Define(ctx context.Context, id element.Identity) (element.Definition, error)
}

// Elements is the element store.
type Elements struct {
	table      *cache.Table[element.Identity, *element.Entry]
	index      *deps.Index
	variantCap int
	sfg        singleflight.Group
}

// NewElements returns an empty store.  index may be nil, in which case
// dependencies are not tracked.
func NewElements(capacity, variantCap int, index *deps.Index) *Elements {
	return &Elements{
		table:      cache.New[element.Identity, *element.Entry]("elements", capacity),
		index:      index,
		variantCap: variantCap,
	}
}

// GetOrCreate returns the entry for id, defining it on a miss.
func (s *Elements) GetOrCreate(ctx context.Context, id element.Identity, d Definer) (*element.Entry, error) {
	if e, ok := s.table.Get(id); ok {
		return e, nil
	}

	v, err, _ := s.sfg.Do(id.Producer+"\x00"+id.Template, func() (interface{}, error) {
		// Double-check after singleflight barrier.
		if e, ok := s.table.Get(id); ok {
			return e, nil
		}
		// Waiters share this call, so one caller's cancellation must not
		// fail the others.
		def, err := d.Define(context.WithoutCancel(ctx), id)
		if err != nil {
			metrics.GenerationErrorsTotal.Inc()
			var ge *element.GenerationError
			if errors.As(err, &ge) {
				return nil, err
			}
			return nil, &element.GenerationError{Element: id, Err: err}
		}
		e := element.NewEntry(id, def, s.variantCap, s.tracker())
		s.insert(id, e)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*element.Entry), nil
}

// Put installs a prepared entry, retiring whatever it displaces.
func (s *Elements) Put(e *element.Entry) {
	s.insert(e.Identity(), e)
}

// Get returns a resident entry without defining one or touching recency.
func (s *Elements) Get(id element.Identity) (*element.Entry, bool) {
	return s.table.Peek(id)
}

// Remove retires and drops the entry for id.
func (s *Elements) Remove(id element.Identity) bool {
	e, ok := s.table.Remove(id)
	if ok {
		e.Retire()
		s.gauge()
	}
	return ok
}

// RemoveFunc retires every entry whose identity matches and returns their
// identities.
func (s *Elements) RemoveFunc(match func(element.Identity) bool) []element.Identity {
	gone := s.table.RemoveFunc(func(id element.Identity, _ *element.Entry) bool { return match(id) })
	out := make([]element.Identity, 0, len(gone))
	for _, ev := range gone {
		ev.Value.Retire()
		out = append(out, ev.Key)
	}
	s.gauge()
	return out
}

// Clear retires every entry and returns how many there were.
func (s *Elements) Clear() int {
	gone := s.table.Clear()
	for _, ev := range gone {
		ev.Value.Retire()
	}
	s.gauge()
	return len(gone)
}

// Entries returns a snapshot of resident entries, most recent first.
func (s *Elements) Entries() []*element.Entry {
	out := make([]*element.Entry, 0, s.table.Len())
	s.table.Range(func(_ element.Identity, e *element.Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

func (s *Elements) Len() int { return s.table.Len() }
func (s *Elements) Cap() int { return s.table.Cap() }

func (s *Elements) insert(id element.Identity, e *element.Entry) {
	ev, ok := s.table.Put(id, e)
	s.gauge()
	if !ok || ev.Value == e {
		return
	}
	// Retire outside the table lock; Retire takes the entry and index locks.
	n := ev.Value.Retire()
	if !ev.Replaced {
		metrics.EvictionsTotal.WithLabelValues("element").Inc()
		zap.L().Debug("element evicted",
			zap.Stringer("element", ev.Key),
			zap.Int("variants", n))
	}
}

func (s *Elements) tracker() element.Tracker {
	if s.index == nil {
		return nil
	}
	return s.index
}

func (s *Elements) gauge() {
	metrics.StoreEntries.WithLabelValues("element").Set(float64(s.table.Len()))
}
