package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanizio/flexcache/internal/element"
)

func TestMarkerDedupesSpecs(t *testing.T) {
	s := New(time.UTC)
	a, err := s.Marker("@hourly")
	require.NoError(t, err)
	b, err := s.Marker("@hourly")
	require.NoError(t, err)
	assert.Same(t, a.(*Marker), b.(*Marker))
	assert.Len(t, s.Markers(), 1)

	_, err = s.Marker("not a spec")
	assert.Error(t, err)
}

func TestMarkOnlyMovesForward(t *testing.T) {
	m := &Marker{spec: "@daily"}
	assert.True(t, m.LastChange().IsZero())

	t1 := time.Unix(1000, 0)
	m.Mark(t1)
	m.Mark(t1.Add(-time.Hour))
	assert.True(t, m.LastChange().Equal(t1))
}

func TestTickInvalidatesTimeCriticalEntry(t *testing.T) {
	s := New(time.UTC)
	mk, err := s.Marker("@every 1h")
	require.NoError(t, err)

	e := element.NewEntry(element.ID("news", "today"), element.Definition{Policy: element.CachePolicy{
		Cacheable:    true,
		TimeCritical: true,
		Marker:       mk,
	}}, 4, nil)
	e.PutVariant("k", &element.Variant{})

	assert.Equal(t, 0, e.CheckTimeCritical(time.Now()))

	s.now = func() time.Time { return e.LastInvalidated().Add(time.Second) }
	s.tick(mk.(*Marker))
	assert.Equal(t, 1, e.CheckTimeCritical(time.Now().Add(2*time.Second)))
}

func TestStartStop(t *testing.T) {
	s := New(nil)
	s.Start()
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
}
