package resolver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanizio/flexcache/internal/deps"
	"github.com/yanizio/flexcache/internal/element"
	"github.com/yanizio/flexcache/internal/store"
)

type genFunc func(element.Params) (Content, error)

// fakeProducer serves fixed definitions and generators and counts calls.
type fakeProducer struct {
	mu    sync.Mutex
	defs  map[element.Identity]element.Definition
	gens  map[element.Identity]genFunc
	calls map[element.Identity]int
}

func newFake() *fakeProducer {
	return &fakeProducer{
		defs:  map[element.Identity]element.Definition{},
		gens:  map[element.Identity]genFunc{},
		calls: map[element.Identity]int{},
	}
}

func (f *fakeProducer) add(id element.Identity, def element.Definition, gen genFunc) {
	f.defs[id] = def
	f.gens[id] = gen
}

func (f *fakeProducer) Define(_ context.Context, id element.Identity) (element.Definition, error) {
	d, ok := f.defs[id]
	if !ok {
		return element.Definition{}, element.ErrNotFound
	}
	return d, nil
}

func (f *fakeProducer) Generate(_ context.Context, id element.Identity, p element.Params) (Content, error) {
	f.mu.Lock()
	f.calls[id]++
	f.mu.Unlock()
	return f.gens[id](p)
}

func (f *fakeProducer) count(id element.Identity) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func text(parts ...element.Part) genFunc {
	return func(element.Params) (Content, error) { return Content{Parts: parts}, nil }
}

func lit(s string) element.Part { return element.Text([]byte(s)) }

var cacheable = element.CachePolicy{Cacheable: true, Key: element.MustParseKey("uri")}

func newResolver(p Producer, opts Options) (*Resolver, *store.Elements, *deps.Index) {
	idx := deps.New()
	es := store.NewElements(100, 10, idx)
	return New(es, p, opts), es, idx
}

func TestCacheHitDoesNotRegenerate(t *testing.T) {
	f := newFake()
	home := element.ID("page", "home")
	f.add(home, element.Definition{Policy: cacheable}, text(lit("<h1>hi</h1>")))

	r, _, _ := newResolver(f, Options{})
	ctx := context.Background()
	p := element.Params{URI: "/"}

	first, err := r.Render(ctx, home, p)
	require.NoError(t, err)
	second, err := r.Render(ctx, home, p)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "<h1>hi</h1>", string(first))
	assert.Equal(t, 1, f.count(home))

	// A different key is a different variant.
	_, err = r.Render(ctx, home, element.Params{URI: "/other"})
	require.NoError(t, err)
	assert.Equal(t, 2, f.count(home))
}

func TestUncacheableAlwaysRegenerates(t *testing.T) {
	f := newFake()
	id := element.ID("clock", "")
	f.add(id, element.Definition{}, text(lit("tick")))

	r, _, _ := newResolver(f, Options{})
	for i := 0; i < 3; i++ {
		_, err := r.Render(context.Background(), id, element.Params{})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, f.count(id))
}

func TestLinksAreResolvedRecursively(t *testing.T) {
	f := newFake()
	page := element.ID("page", "home")
	nav := element.ID("nav", "main")
	f.add(page, element.Definition{
		Policy: cacheable,
		Links:  map[string]element.LinkTarget{"nav": {Element: nav, Params: map[string]string{"depth": "2"}}},
	}, text(lit("<body>"), element.Link("nav"), lit("</body>")))
	f.add(nav, element.Definition{Policy: cacheable}, func(p element.Params) (Content, error) {
		return Content{Parts: []element.Part{lit("<nav depth=" + p.Values.Get("depth") + ">")}}, nil
	})

	r, _, _ := newResolver(f, Options{})
	out, err := r.Render(context.Background(), page, element.Params{URI: "/"})
	require.NoError(t, err)
	assert.Equal(t, "<body><nav depth=2></body>", string(out))
}

func TestMissingSubElementDegradesToPlaceholder(t *testing.T) {
	f := newFake()
	page := element.ID("page", "home")
	f.add(page, element.Definition{
		Policy: cacheable,
		Links:  map[string]element.LinkTarget{"side": {Element: element.ID("sidebar", "gone")}},
	}, text(lit("A"), element.Link("side"), element.Link("undeclared"), lit("B")))

	r, _, _ := newResolver(f, Options{})
	out, err := r.Render(context.Background(), page, element.Params{URI: "/"})
	require.NoError(t, err)
	s := string(out)
	assert.True(t, strings.HasPrefix(s, "A<!-- element side not found -->"), s)
	assert.Contains(t, s, "<!-- element undeclared not found -->")
	assert.True(t, strings.HasSuffix(s, "B"))
}

func TestFailingSubElementDegradesToPlaceholder(t *testing.T) {
	f := newFake()
	page := element.ID("page", "home")
	broken := element.ID("feed", "")
	f.add(page, element.Definition{
		Links: map[string]element.LinkTarget{"feed": {Element: broken}},
	}, text(lit("["), element.Link("feed"), lit("]")))
	f.add(broken, element.Definition{}, func(element.Params) (Content, error) {
		return Content{}, fmt.Errorf("upstream timeout")
	})

	r, _, _ := newResolver(f, Options{})
	out, err := r.Render(context.Background(), page, element.Params{})
	require.NoError(t, err)
	assert.Equal(t, "[<!-- element feed error -->]", string(out))
}

func TestAccessDeniedAbortsWholeRender(t *testing.T) {
	f := newFake()
	page := element.ID("page", "home")
	secret := element.ID("admin", "panel")
	f.add(page, element.Definition{
		Policy: cacheable,
		Links:  map[string]element.LinkTarget{"panel": {Element: secret}},
	}, text(lit("public"), element.Link("panel")))
	f.add(secret, element.Definition{Groups: []string{"admin"}}, text(lit("secret")))

	r, _, _ := newResolver(f, Options{})
	out, err := r.Render(context.Background(), page, element.Params{URI: "/"})
	assert.ErrorIs(t, err, element.ErrAccessDenied)
	assert.Nil(t, out)

	out, err = r.Render(context.Background(), page, element.Params{URI: "/", Groups: []string{"admin"}})
	require.NoError(t, err)
	assert.Equal(t, "publicsecret", string(out))
}

func TestAccessDeniedFromProducerIsFatal(t *testing.T) {
	f := newFake()
	page := element.ID("page", "")
	inner := element.ID("inner", "")
	f.add(page, element.Definition{
		Links: map[string]element.LinkTarget{"in": {Element: inner}},
	}, text(element.Link("in")))
	f.add(inner, element.Definition{}, func(element.Params) (Content, error) {
		return Content{}, fmt.Errorf("acl: %w", element.ErrAccessDenied)
	})

	r, _, _ := newResolver(f, Options{})
	_, err := r.Render(context.Background(), page, element.Params{})
	assert.ErrorIs(t, err, element.ErrAccessDenied)
}

func TestRecursionDepthGuard(t *testing.T) {
	f := newFake()
	a := element.ID("a", "")
	b := element.ID("b", "")
	f.add(a, element.Definition{Links: map[string]element.LinkTarget{"b": {Element: b}}}, text(lit("a"), element.Link("b")))
	f.add(b, element.Definition{Links: map[string]element.LinkTarget{"a": {Element: a}}}, text(lit("b"), element.Link("a")))

	r, _, _ := newResolver(f, Options{MaxDepth: 4})
	out, err := r.Render(context.Background(), a, element.Params{})
	assert.ErrorIs(t, err, element.ErrRecursionDepth)
	assert.Nil(t, out)
}

func TestMethodLinksCachePerParam(t *testing.T) {
	f := newFake()
	page := element.ID("page", "home")
	date := element.MethodID("page", "date")
	f.add(page, element.Definition{Policy: cacheable},
		text(element.Call("date", "short"), lit(" / "), element.Call("date", "long")))
	f.add(date, element.Definition{Policy: element.CachePolicy{Cacheable: true}}, func(p element.Params) (Content, error) {
		return Content{Parts: []element.Part{lit("date:" + p.Method)}}, nil
	})

	r, es, _ := newResolver(f, Options{})
	for i := 0; i < 2; i++ {
		out, err := r.Render(context.Background(), page, element.Params{URI: "/"})
		require.NoError(t, err)
		assert.Equal(t, "date:short / date:long", string(out))
	}
	assert.Equal(t, 2, f.count(date))

	e, ok := es.Get(date)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"|short", "|long"}, e.Keys())
}

func TestVariantTTL(t *testing.T) {
	f := newFake()
	id := element.ID("ticker", "")
	f.add(id, element.Definition{Policy: element.CachePolicy{Cacheable: true, TTL: time.Minute}}, text(lit("x")))

	now := time.Unix(1_700_000_000, 0)
	r, _, _ := newResolver(f, Options{Now: func() time.Time { return now }})
	ctx := context.Background()

	_, _ = r.Render(ctx, id, element.Params{})
	now = now.Add(30 * time.Second)
	_, _ = r.Render(ctx, id, element.Params{})
	assert.Equal(t, 1, f.count(id))

	now = now.Add(31 * time.Second)
	_, _ = r.Render(ctx, id, element.Params{})
	assert.Equal(t, 2, f.count(id))
}

func TestDependenciesAreIndexed(t *testing.T) {
	f := newFake()
	id := element.ID("article", "full")
	f.add(id, element.Definition{Policy: cacheable}, func(p element.Params) (Content, error) {
		return Content{Parts: []element.Part{lit(p.URI)}, Dependencies: []string{"/content" + p.URI}}, nil
	})

	r, _, idx := newResolver(f, Options{})
	_, err := r.Render(context.Background(), id, element.Params{URI: "/a/b"})
	require.NoError(t, err)

	owners := idx.Invalidate([]string{"/content/a"})
	require.Len(t, owners, 1)
	assert.Equal(t, id, owners[0].Element)
	assert.Equal(t, "uri=/a/b", owners[0].Key)
}

func TestRootGenerationErrorIsReturned(t *testing.T) {
	f := newFake()
	id := element.ID("page", "")
	f.add(id, element.Definition{}, func(element.Params) (Content, error) {
		return Content{}, fmt.Errorf("boom")
	})

	r, _, _ := newResolver(f, Options{})
	out, err := r.Render(context.Background(), id, element.Params{})
	var ge *element.GenerationError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, id, ge.Element)
	assert.Nil(t, out)

	_, err = r.Render(context.Background(), element.ID("nope", ""), element.Params{})
	assert.ErrorIs(t, err, element.ErrNotFound)
}
