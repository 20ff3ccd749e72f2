// internal/cache/lru.go
//
// Bounded, generic least-recently-used table.
//
// Context
// -------
// Every bounded structure in the flex cache sits on one of these: the
// element store, each element's variant table, the URI store, and the
// producer's parsed-template set.  The table knows nothing about cache
// semantics.  It stores key → value pairs, keeps them in recency order, and
// hands the evicted pair back to the caller on Put so higher layers can
// release whatever the value owned (dependency-index entries, for example).
//
// Layout
// ------
// Entries live in an arena (`slots`) addressed by stable int32 indices.  A
// map translates key → index, and recency is an intrusive doubly-linked list
// encoded as prev/next index pairs.  Freed slots go on a free list and are
// reused before the arena grows, so the arena never exceeds capacity.
//
// Notes
// -----
//   - One mutex guards the whole table.  No callback runs under it except
//     Range, whose callback must not call back into the same table.
//   - Capacities below MinCapacity are clamped to DefaultCapacity with a
//     single warning at construction.
//   - Oxford commas, two spaces after periods.
package cache

import (
	"sync"

	"go.uber.org/zap"
)

const (
	// MinCapacity is the smallest capacity honoured as configured.
	MinCapacity = 2
	// DefaultCapacity replaces capacities below MinCapacity.
	DefaultCapacity = 100
)

const none int32 = -1

// Evicted is a key/value pair displaced from a Table.  Replaced is true when
// the pair was overwritten by a Put for the same key rather than evicted for
// space.
type Evicted[K comparable, V any] struct {
	Key      K
	Value    V
	Replaced bool
}

type slot[K comparable, V any] struct {
	key  K
	val  V
	prev int32
	next int32
}

// Table is a fixed-capacity LRU map.  The zero value is unusable; construct
// with New.
type Table[K comparable, V any] struct {
	mu       sync.Mutex
	name     string
	capacity int
	slots    []slot[K, V]
	index    map[K]int32
	free     []int32
	head     int32 // most recently used
	tail     int32 // least recently used
}

// New returns an empty table.  name is used only for diagnostics.
func New[K comparable, V any](name string, capacity int) *Table[K, V] {
	if capacity < MinCapacity {
		zap.L().Warn("cache capacity below minimum, clamping",
			zap.String("table", name),
			zap.Int("requested", capacity),
			zap.Int("capacity", DefaultCapacity))
		capacity = DefaultCapacity
	}
	return &Table[K, V]{
		name:     name,
		capacity: capacity,
		slots:    make([]slot[K, V], 0, min(capacity, 1024)),
		index:    make(map[K]int32, min(capacity, 1024)),
		head:     none,
		tail:     none,
	}
}

// Name reports the diagnostic name given to New.
func (t *Table[K, V]) Name() string { return t.name }

// Cap reports the (possibly clamped) capacity.
func (t *Table[K, V]) Cap() int { return t.capacity }

// Len reports the number of resident entries.
func (t *Table[K, V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.index)
}

// Get returns the value for k and marks it most recently used.
func (t *Table[K, V]) Get(k K) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.index[k]
	if !ok {
		var zero V
		return zero, false
	}
	t.moveToFront(i)
	return t.slots[i].val, true
}

// Peek returns the value for k without touching recency.
func (t *Table[K, V]) Peek(k K) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.index[k]
	if !ok {
		var zero V
		return zero, false
	}
	return t.slots[i].val, true
}

// Put inserts or replaces k and marks it most recently used.  When k was
// already present the previous value is returned with Replaced set.  When k
// is new and the table is full, the least recently used pair is evicted and
// returned.
func (t *Table[K, V]) Put(k K, v V) (Evicted[K, V], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i, ok := t.index[k]; ok {
		old := t.slots[i].val
		t.slots[i].val = v
		t.moveToFront(i)
		return Evicted[K, V]{Key: k, Value: old, Replaced: true}, true
	}

	var out Evicted[K, V]
	var evicted bool
	if len(t.index) >= t.capacity {
		victim := t.tail
		out = Evicted[K, V]{Key: t.slots[victim].key, Value: t.slots[victim].val}
		evicted = true
		t.release(victim)
	}

	i := t.alloc()
	t.slots[i].key = k
	t.slots[i].val = v
	t.pushFront(i)
	t.index[k] = i
	return out, evicted
}

// Remove deletes k and returns its value.
func (t *Table[K, V]) Remove(k K) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.index[k]
	if !ok {
		var zero V
		return zero, false
	}
	v := t.slots[i].val
	t.release(i)
	return v, true
}

// RemoveIf deletes k only when match approves its current value.  Used to
// drop an expired value without racing a concurrent replacement.
func (t *Table[K, V]) RemoveIf(k K, match func(V) bool) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.index[k]
	if !ok || !match(t.slots[i].val) {
		var zero V
		return zero, false
	}
	v := t.slots[i].val
	t.release(i)
	return v, true
}

// RemoveFunc deletes every pair for which match returns true and returns
// them in recency order (most recent first).  match runs under the table
// lock and must not call back into the table.
func (t *Table[K, V]) RemoveFunc(match func(K, V) bool) []Evicted[K, V] {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Evicted[K, V]
	for i := t.head; i != none; {
		next := t.slots[i].next
		if match(t.slots[i].key, t.slots[i].val) {
			out = append(out, Evicted[K, V]{Key: t.slots[i].key, Value: t.slots[i].val})
			t.release(i)
		}
		i = next
	}
	return out
}

// Clear empties the table and returns everything it held, most recent
// first.
func (t *Table[K, V]) Clear() []Evicted[K, V] {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Evicted[K, V], 0, len(t.index))
	for i := t.head; i != none; i = t.slots[i].next {
		out = append(out, Evicted[K, V]{Key: t.slots[i].key, Value: t.slots[i].val})
	}
	t.slots = t.slots[:0]
	t.free = t.free[:0]
	t.index = make(map[K]int32, min(t.capacity, 1024))
	t.head, t.tail = none, none
	return out
}

// Range walks entries from most to least recently used until fn returns
// false.  Recency is not updated.  fn runs under the table lock.
func (t *Table[K, V]) Range(fn func(K, V) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := t.head; i != none; i = t.slots[i].next {
		if !fn(t.slots[i].key, t.slots[i].val) {
			return
		}
	}
}

// Keys returns a snapshot of resident keys, most recent first.
func (t *Table[K, V]) Keys() []K {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]K, 0, len(t.index))
	for i := t.head; i != none; i = t.slots[i].next {
		out = append(out, t.slots[i].key)
	}
	return out
}

//
// list plumbing (caller holds t.mu)
//

func (t *Table[K, V]) alloc() int32 {
	if n := len(t.free); n > 0 {
		i := t.free[n-1]
		t.free = t.free[:n-1]
		return i
	}
	t.slots = append(t.slots, slot[K, V]{prev: none, next: none})
	return int32(len(t.slots) - 1)
}

// release unlinks slot i, drops it from the index, and zeroes it so the
// arena does not pin the old value.
func (t *Table[K, V]) release(i int32) {
	t.unlink(i)
	delete(t.index, t.slots[i].key)
	t.slots[i] = slot[K, V]{prev: none, next: none}
	t.free = append(t.free, i)
}

func (t *Table[K, V]) unlink(i int32) {
	s := &t.slots[i]
	if s.prev != none {
		t.slots[s.prev].next = s.next
	} else {
		t.head = s.next
	}
	if s.next != none {
		t.slots[s.next].prev = s.prev
	} else {
		t.tail = s.prev
	}
	s.prev, s.next = none, none
}

func (t *Table[K, V]) pushFront(i int32) {
	s := &t.slots[i]
	s.prev = none
	s.next = t.head
	if t.head != none {
		t.slots[t.head].prev = i
	}
	t.head = i
	if t.tail == none {
		t.tail = i
	}
}

func (t *Table[K, V]) moveToFront(i int32) {
	if t.head == i {
		return
	}
	t.unlink(i)
	t.pushFront(i)
}
