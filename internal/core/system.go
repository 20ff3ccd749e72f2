// internal/core/system.go
//
// Process-wide cache handle.
//
// Context
// -------
// A *core.System owns the three shared structures (element store, URI
// store, and dependency index) plus the resolver that ties them to a
// producer.  main.go builds exactly one and hands it to the HTTP layer and
// the publish subscriber.  Nothing in the cache is global: tests build as
// many independent systems as they like.
//
// Operations
// ----------
//   - Render / RenderURI       hot path
//   - Invalidate               publish: changed resource ids
//   - InvalidateByTemplate     publish: changed templates
//   - ClearAll, SizeInfo, DumpDependencyIndex, Elements   admin
//   - Warm                     pre-render a URI list with bounded concurrency
//   - Shutdown                 refuse new renders and drop all state
//
// Notes
// -----
//   - Oxford commas, two spaces after periods.
package core

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yanizio/flexcache/internal/deps"
	"github.com/yanizio/flexcache/internal/element"
	"github.com/yanizio/flexcache/internal/metrics"
	"github.com/yanizio/flexcache/internal/resolver"
	"github.com/yanizio/flexcache/internal/store"
)

// ErrClosed is returned by renders after Shutdown.
var ErrClosed = errors.New("cache system shut down")

// TemplateForgetter is implemented by producers that keep parsed templates.
type TemplateForgetter interface {
	ForgetTemplates(names []string) int
}

// Options configure a System.
type Options struct {
	URICapacity     int
	ElementCapacity int
	VariantCapacity int
	MaxDepth        int

	Producer resolver.Producer
	Locator  store.Locator
}

// System is safe for concurrent use.
type System struct {
	index    *deps.Index
	elements *store.Elements
	uris     *store.URIs
	resolver *resolver.Resolver
	producer resolver.Producer
	locator  store.Locator
	closed   atomic.Bool
}

// New builds an empty system.
func New(opts Options) *System {
	idx := deps.New()
	es := store.NewElements(opts.ElementCapacity, opts.VariantCapacity, idx)
	return &System{
		index:    idx,
		elements: es,
		uris:     store.NewURIs(opts.URICapacity),
		resolver: resolver.New(es, opts.Producer, resolver.Options{MaxDepth: opts.MaxDepth}),
		producer: opts.Producer,
		locator:  opts.Locator,
	}
}

//
// hot path
//

// Render renders one element.
func (s *System) Render(ctx context.Context, id element.Identity, params element.Params) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.resolver.Render(ctx, id, params)
}

// Page is a rendered request path.
type Page struct {
	Body         []byte
	Entry        store.URIEntry
	CacheControl string
}

// Locate resolves uri to its start element through the URI store.
func (s *System) Locate(ctx context.Context, uri string) (store.URIEntry, error) {
	if s.closed.Load() {
		return store.URIEntry{}, ErrClosed
	}
	if s.locator == nil {
		return store.URIEntry{}, element.ErrNotFound
	}
	return s.uris.Lookup(ctx, uri, s.locator)
}

// RenderURI locates uri and renders its start element.  params.URI
// defaults to uri.
func (s *System) RenderURI(ctx context.Context, uri string, params element.Params) (Page, error) {
	ue, err := s.Locate(ctx, uri)
	if err != nil {
		return Page{}, err
	}
	if params.URI == "" {
		params.URI = uri
	}
	body, err := s.Render(ctx, ue.Element, params)
	if err != nil {
		return Page{Entry: ue}, err
	}
	pg := Page{Body: body, Entry: ue, CacheControl: "no-store"}
	if e, ok := s.elements.Get(ue.Element); ok {
		pg.CacheControl = e.Policy().CacheControl()
	}
	return pg, nil
}

//
// publish
//

// Report summarises one invalidation.
type Report struct {
	Variants int `json:"variants"`
	Elements int `json:"elements"`
	URIs     int `json:"uris"`
}

// Invalidate drops every variant depending on a changed resource, plus URI
// entries whose path equals a changed id.
func (s *System) Invalidate(changed []string) Report {
	var rep Report
	for _, o := range s.index.Invalidate(changed) {
		e, ok := s.elements.Get(o.Element)
		if !ok || e.Generation() != o.Gen {
			continue
		}
		if _, ok := e.RemoveVariant(o.Key); ok {
			rep.Variants++
		}
	}
	rep.URIs = s.uris.Invalidate(changed)

	metrics.InvalidatedVariantsTotal.Add(float64(rep.Variants))
	metrics.DependencyKeys.Set(float64(s.index.Len()))
	zap.L().Info("cache invalidated",
		zap.Strings("resources", changed),
		zap.Int("variants", rep.Variants),
		zap.Int("uris", rep.URIs))
	return rep
}

// InvalidateByTemplate drops every element rendered from one of templates,
// the URI entries that start at those elements, and any parsed template
// the producer holds.
func (s *System) InvalidateByTemplate(templates []string) Report {
	if len(templates) == 0 {
		return Report{}
	}
	gone := s.elements.RemoveFunc(func(id element.Identity) bool {
		return id.HasTemplate() && slices.Contains(templates, id.Template)
	})
	rep := Report{Elements: len(gone), URIs: s.uris.RemoveElements(gone)}
	if f, ok := s.producer.(TemplateForgetter); ok {
		f.ForgetTemplates(templates)
	}
	metrics.DependencyKeys.Set(float64(s.index.Len()))
	zap.L().Info("templates invalidated",
		zap.Strings("templates", templates),
		zap.Int("elements", rep.Elements),
		zap.Int("uris", rep.URIs))
	return rep
}

//
// admin
//

// ClearAll empties every store.  Retiring the cleared entries releases
// their owners from the index, so the index itself is left alone: a render
// that finishes during the clear keeps the owners of the entry it installed.
func (s *System) ClearAll() Report {
	rep := Report{Elements: s.elements.Clear(), URIs: s.uris.Clear()}
	if f, ok := s.producer.(TemplateForgetter); ok {
		f.ForgetTemplates([]string{"*"})
	}
	metrics.DependencyKeys.Set(float64(s.index.Len()))
	zap.L().Info("cache cleared",
		zap.Int("elements", rep.Elements),
		zap.Int("uris", rep.URIs))
	return rep
}

// Size is one store's fill level.
type Size struct {
	Len int `json:"size"`
	Cap int `json:"capacity"`
}

// SizeInfo is the admin view of the stores.
type SizeInfo struct {
	URIStore     Size `json:"uri_store"`
	ElementStore Size `json:"element_store"`
	Dependencies int  `json:"dependency_keys"`
}

// SizeInfo reports store fill levels.
func (s *System) SizeInfo() SizeInfo {
	return SizeInfo{
		URIStore:     Size{Len: s.uris.Len(), Cap: s.uris.Cap()},
		ElementStore: Size{Len: s.elements.Len(), Cap: s.elements.Cap()},
		Dependencies: s.index.Len(),
	}
}

// DumpDependencyIndex returns a sorted snapshot of the dependency index.
func (s *System) DumpDependencyIndex() []deps.Bucket {
	return s.index.Dump()
}

// ElementInfo describes one resident element.
type ElementInfo struct {
	Element  element.Identity `json:"element"`
	Variants int              `json:"variants"`
	Capacity int              `json:"capacity"`
	HasDeps  bool             `json:"has_dependencies"`
}

// Elements lists resident elements, most recently used first.
func (s *System) Elements() []ElementInfo {
	entries := s.elements.Entries()
	out := make([]ElementInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, ElementInfo{
			Element:  e.Identity(),
			Variants: e.Len(),
			Capacity: e.Cap(),
			HasDeps:  e.MayHaveDependencies(),
		})
	}
	return out
}

// Warm renders uris with at most limit renders in flight.  Failures are
// logged and counted, never returned; only ctx cancellation stops early.
func (s *System) Warm(ctx context.Context, uris []string, params element.Params, limit int) (int, error) {
	if limit <= 0 {
		limit = 4
	}
	var ok atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, u := range uris {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if _, err := s.RenderURI(gctx, u, params); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				zap.L().Warn("warm render failed", zap.String("uri", u), zap.Error(err))
				return nil
			}
			ok.Add(1)
			return nil
		})
	}
	err := g.Wait()
	zap.L().Info("cache warmed", zap.Int("requested", len(uris)), zap.Int32("rendered", ok.Load()))
	return int(ok.Load()), err
}

// Shutdown refuses further renders and drops all cached state.
func (s *System) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.ClearAll()
	return ctx.Err()
}
