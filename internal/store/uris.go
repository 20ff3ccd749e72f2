package store

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/yanizio/flexcache/internal/cache"
	"github.com/yanizio/flexcache/internal/element"
	"github.com/yanizio/flexcache/internal/metrics"
)

// URIEntry maps a request path to the element that starts its render.
type URIEntry struct {
	Element element.Identity `json:"element"`
	Secure  bool             `json:"secure"`
}

// Locator resolves a request path on a URI store miss.  It returns an error
// wrapping element.ErrNotFound for unknown paths.
type Locator interface {
	Locate(ctx context.Context, uri string) (URIEntry, error)
}

// URIs is the URI store.  Entries are dropped by exact path only.
type URIs struct {
	table *cache.Table[string, URIEntry]
	sfg   singleflight.Group
}

// NewURIs returns an empty URI store.
func NewURIs(capacity int) *URIs {
	return &URIs{table: cache.New[string, URIEntry]("uris", capacity)}
}

// Lookup returns the entry for uri, asking loc on a miss.  Failures are not
// cached.
func (s *URIs) Lookup(ctx context.Context, uri string, loc Locator) (URIEntry, error) {
	if e, ok := s.table.Get(uri); ok {
		return e, nil
	}
	v, err, _ := s.sfg.Do(uri, func() (interface{}, error) {
		if e, ok := s.table.Get(uri); ok {
			return e, nil
		}
		e, err := loc.Locate(ctx, uri)
		if err != nil {
			return URIEntry{}, err
		}
		s.Put(uri, e)
		return e, nil
	})
	if err != nil {
		return URIEntry{}, err
	}
	return v.(URIEntry), nil
}

// Put stores an entry directly.
func (s *URIs) Put(uri string, e URIEntry) {
	if ev, ok := s.table.Put(uri, e); ok && !ev.Replaced {
		metrics.EvictionsTotal.WithLabelValues("uri").Inc()
	}
	s.gauge()
}

// Invalidate drops every uri that exactly equals one of uris.
func (s *URIs) Invalidate(uris []string) int {
	n := 0
	for _, u := range uris {
		if _, ok := s.table.Remove(u); ok {
			n++
		}
	}
	s.gauge()
	return n
}

// RemoveElements drops every uri whose start element is in ids.
func (s *URIs) RemoveElements(ids []element.Identity) int {
	if len(ids) == 0 {
		return 0
	}
	set := make(map[element.Identity]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	gone := s.table.RemoveFunc(func(_ string, e URIEntry) bool {
		_, ok := set[e.Element]
		return ok
	})
	s.gauge()
	return len(gone)
}

// Clear empties the store and returns how many entries it held.
func (s *URIs) Clear() int {
	n := len(s.table.Clear())
	s.gauge()
	return n
}

func (s *URIs) Len() int { return s.table.Len() }
func (s *URIs) Cap() int { return s.table.Cap() }

func (s *URIs) gauge() {
	metrics.StoreEntries.WithLabelValues("uri").Set(float64(s.table.Len()))
}
