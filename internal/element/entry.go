// internal/element/entry.go
//
// Entry: one cached element and its bounded variant table.
//
// Context
// -------
// An Entry is created by the element store on first use and lives until it
// is evicted or the cache is cleared.  It owns its variants.  Every path
// that drops a variant (LRU eviction inside the variant table, replacement,
// lazy expiry, targeted invalidation, time-critical clearing, and retirement
// of the whole entry) reports the variant's dependencies to the Tracker so
// the reverse index never holds an owner whose variant is gone.
//
// Notes
// -----
//   - Reads go straight to the variant table.  Writes and removals take
//     e.mu so that Untrack/Track pairs for the same key cannot interleave.
//   - Each Entry carries a process-unique generation.  Index owners include
//     it, so an entry that is retired after a newer entry for the same
//     identity has tracked a variant can only release its own owners.
//   - A retired entry refuses new variants.  Renders that were already in
//     flight when the entry was evicted still produce output, but nothing
//     they generate is cached or indexed.
//   - Oxford commas, two spaces after periods.
package element

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanizio/flexcache/internal/cache"
)

// Tracker receives dependency bookkeeping for variants.  The dependency
// index implements it.
type Tracker interface {
	Track(owner Identity, gen uint64, key string, deps []string)
	Untrack(owner Identity, gen uint64, key string, deps []string)
}

var generations atomic.Uint64

// Entry is one element in the element store.
type Entry struct {
	id       Identity
	gen      uint64
	def      Definition
	variants *cache.Table[string, *Variant]
	tracker  Tracker

	mayHaveDeps atomic.Bool

	mu              sync.Mutex
	lastInvalidated time.Time
	retired         bool
}

// NewEntry builds an entry with an empty variant table of the given
// capacity.  tracker may be nil when dependencies are not indexed.
func NewEntry(id Identity, def Definition, variantCap int, tracker Tracker) *Entry {
	return &Entry{
		id:              id,
		gen:             generations.Add(1),
		def:             def,
		variants:        cache.New[string, *Variant]("variants:"+id.String(), variantCap),
		tracker:         tracker,
		lastInvalidated: time.Now(),
	}
}

func (e *Entry) Identity() Identity { return e.id }

// Generation distinguishes this entry from earlier and later entries for
// the same identity.
func (e *Entry) Generation() uint64 { return e.gen }

func (e *Entry) Policy() CachePolicy { return e.def.Policy }

func (e *Entry) Definition() Definition { return e.def }

// Link resolves a named link definition.
func (e *Entry) Link(name string) (LinkTarget, bool) {
	t, ok := e.def.Links[name]
	return t, ok
}

// Allows reports whether the requester may see this element.
func (e *Entry) Allows(p Params) bool { return p.InGroup(e.def.Groups) }

// MayHaveDependencies reports whether any variant ever carried dependencies.
func (e *Entry) MayHaveDependencies() bool { return e.mayHaveDeps.Load() }

// Len reports the number of resident variants.
func (e *Entry) Len() int { return e.variants.Len() }

// Cap reports the variant table capacity.
func (e *Entry) Cap() int { return e.variants.Cap() }

// Keys lists resident variant keys, most recent first.
func (e *Entry) Keys() []string { return e.variants.Keys() }

// LastInvalidated reports when the entry was created or last cleared by its
// time-critical marker.
func (e *Entry) LastInvalidated() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastInvalidated
}

// Retired reports whether the entry has left the element store.
func (e *Entry) Retired() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retired
}

// GetVariant returns the live variant for key.  An expired variant is
// removed and reported as absent.
func (e *Entry) GetVariant(key string, now time.Time) (*Variant, bool) {
	v, ok := e.variants.Get(key)
	if !ok {
		return nil, false
	}
	if !v.Expired(now) {
		return v, true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if old, ok := e.variants.RemoveIf(key, func(cur *Variant) bool { return cur.Expired(now) }); ok {
		e.untrack(key, old)
	}
	return nil, false
}

// PutVariant stores v under key and records its dependencies.  The variant
// it displaced, by replacement or by LRU eviction, is returned after its
// own dependencies have been released.  A retired entry stores nothing.
func (e *Entry) PutVariant(key string, v *Variant) (cache.Evicted[string, *Variant], bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.retired {
		return cache.Evicted[string, *Variant]{}, false
	}

	ev, evicted := e.variants.Put(key, v)
	if evicted {
		e.untrack(ev.Key, ev.Value)
	}
	if v.HasDependencies() {
		e.mayHaveDeps.Store(true)
		if e.tracker != nil {
			e.tracker.Track(e.id, e.gen, key, v.Dependencies)
		}
	}
	return ev, evicted
}

// RemoveVariant drops the variant under key.
func (e *Entry) RemoveVariant(key string) (*Variant, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.variants.Remove(key)
	if ok {
		e.untrack(key, v)
	}
	return v, ok
}

// ClearVariants drops every variant and returns them.
func (e *Entry) ClearVariants() []cache.Evicted[string, *Variant] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clearLocked()
}

// CheckTimeCritical clears every variant when the policy is time-critical
// and its marker moved past the entry's last invalidation.  It returns the
// number of variants dropped.
func (e *Entry) CheckTimeCritical(now time.Time) int {
	lc := e.def.Policy.LastChange()
	if lc.IsZero() {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.lastInvalidated.Before(lc) {
		return 0
	}
	e.lastInvalidated = now
	return len(e.clearLocked())
}

// Retire marks the entry as evicted and releases every variant.  It is safe
// to call more than once.
func (e *Entry) Retire() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retired = true
	return len(e.clearLocked())
}

func (e *Entry) clearLocked() []cache.Evicted[string, *Variant] {
	out := e.variants.Clear()
	if e.mayHaveDeps.Load() {
		for _, ev := range out {
			e.untrack(ev.Key, ev.Value)
		}
	}
	return out
}

func (e *Entry) untrack(key string, v *Variant) {
	if e.tracker == nil || v == nil || !v.HasDependencies() {
		return
	}
	e.tracker.Untrack(e.id, e.gen, key, v.Dependencies)
}
