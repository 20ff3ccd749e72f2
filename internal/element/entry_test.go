package element

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trackCall struct {
	track bool
	key   string
	deps  []string
}

type fakeTracker struct {
	mu    sync.Mutex
	calls []trackCall
	live  map[string][]string
}

func newFakeTracker() *fakeTracker { return &fakeTracker{live: map[string][]string{}} }

func (f *fakeTracker) Track(_ Identity, _ uint64, key string, deps []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, trackCall{true, key, deps})
	f.live[key] = deps
}

func (f *fakeTracker) Untrack(_ Identity, _ uint64, key string, deps []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, trackCall{false, key, deps})
	delete(f.live, key)
}

type fixedMarker struct{ t time.Time }

func (m *fixedMarker) LastChange() time.Time { return m.t }

func literal(s string, deps ...string) *Variant {
	return &Variant{Parts: []Part{Text([]byte(s))}, Dependencies: deps}
}

func TestPutVariantTracksAndEvictionUntracks(t *testing.T) {
	tr := newFakeTracker()
	e := NewEntry(ID("page", "home"), Definition{Policy: CachePolicy{Cacheable: true}}, 2, tr)

	e.PutVariant("a", literal("A", "/a"))
	e.PutVariant("b", literal("B"))
	require.True(t, e.MayHaveDependencies())
	require.Contains(t, tr.live, "a")

	// b is untracked, a gets evicted by c.
	e.GetVariant("b", time.Now())
	ev, ok := e.PutVariant("c", literal("C", "/c"))
	require.True(t, ok)
	assert.Equal(t, "a", ev.Key)
	assert.NotContains(t, tr.live, "a")
	assert.Contains(t, tr.live, "c")
}

func TestReplaceUntracksOldBeforeTrackingNew(t *testing.T) {
	tr := newFakeTracker()
	e := NewEntry(ID("page", ""), Definition{Policy: CachePolicy{Cacheable: true}}, 4, tr)

	e.PutVariant("k", literal("v1", "/shared"))
	ev, ok := e.PutVariant("k", literal("v2", "/shared"))
	require.True(t, ok)
	require.True(t, ev.Replaced)

	// The shared dependency must still be live for the new variant.
	assert.Equal(t, []string{"/shared"}, tr.live["k"])
	last := tr.calls[len(tr.calls)-1]
	assert.True(t, last.track)
}

func TestExpiredVariantIsRemovedLazily(t *testing.T) {
	tr := newFakeTracker()
	e := NewEntry(ID("news", ""), Definition{Policy: CachePolicy{Cacheable: true}}, 4, tr)

	now := time.Now()
	v := literal("old", "/news")
	v.ExpiresAt = now.Add(time.Second)
	e.PutVariant("k", v)

	got, ok := e.GetVariant("k", now)
	require.True(t, ok)
	assert.Same(t, v, got)

	_, ok = e.GetVariant("k", now.Add(2*time.Second))
	assert.False(t, ok)
	assert.Equal(t, 0, e.Len())
	assert.NotContains(t, tr.live, "k")
}

func TestTimeCriticalClearsAllVariants(t *testing.T) {
	tr := newFakeTracker()
	m := &fixedMarker{}
	e := NewEntry(ID("schedule", "today"), Definition{Policy: CachePolicy{
		Cacheable:    true,
		TimeCritical: true,
		Marker:       m,
	}}, 4, tr)

	e.PutVariant("a", literal("A", "/x"))
	e.PutVariant("b", literal("B"))

	// Marker has not moved since the entry was built.
	m.t = e.LastInvalidated().Add(-time.Minute)
	assert.Equal(t, 0, e.CheckTimeCritical(time.Now()))
	assert.Equal(t, 2, e.Len())

	m.t = e.LastInvalidated().Add(time.Millisecond)
	now := m.t.Add(time.Second)
	assert.Equal(t, 2, e.CheckTimeCritical(now))
	assert.Equal(t, 0, e.Len())
	assert.Empty(t, tr.live)
	assert.Equal(t, now, e.LastInvalidated())

	// Cleared once per marker change.
	e.PutVariant("c", literal("C"))
	assert.Equal(t, 0, e.CheckTimeCritical(now.Add(time.Second)))
	assert.Equal(t, 1, e.Len())
}

func TestRetiredEntryRefusesVariants(t *testing.T) {
	tr := newFakeTracker()
	e := NewEntry(ID("p", ""), Definition{Policy: CachePolicy{Cacheable: true}}, 4, tr)
	e.PutVariant("a", literal("A", "/a"))

	assert.Equal(t, 1, e.Retire())
	assert.True(t, e.Retired())
	assert.Empty(t, tr.live)

	_, ok := e.PutVariant("b", literal("B", "/b"))
	assert.False(t, ok)
	assert.Equal(t, 0, e.Len())
	assert.Empty(t, tr.live)
}

func TestRemoveVariant(t *testing.T) {
	tr := newFakeTracker()
	e := NewEntry(ID("p", ""), Definition{}, 4, tr)
	e.PutVariant("a", literal("A", "/a"))

	v, ok := e.RemoveVariant("a")
	require.True(t, ok)
	assert.Equal(t, []string{"/a"}, v.Dependencies)
	assert.Empty(t, tr.live)

	_, ok = e.RemoveVariant("a")
	assert.False(t, ok)
}

func TestMethodIdentity(t *testing.T) {
	id := MethodID("calendar", "today")
	assert.Equal(t, Identity{Producer: "calendar.today", Template: "METHOD"}, id)
	assert.True(t, id.IsMethod())

	p, m, ok := id.Method()
	require.True(t, ok)
	assert.Equal(t, "calendar", p)
	assert.Equal(t, "today", m)

	_, _, ok = ID("calendar", "").Method()
	assert.False(t, ok)
}
