// internal/resolver/resolver.go
//
// Resolver: lookup-or-generate for one element, then recursive assembly of
// its variant's parts into bytes.
//
// Context
// -------
// For each element the resolver
//
//  1. gets (or defines) the Entry from the element store,
//  2. checks access and any time-critical marker,
//  3. derives the variant key from the cache policy,
//  4. reuses a live variant or asks the producer to generate one, caching it
//     when the policy allows, and
//  5. walks the parts: literals are copied, element links and method links
//     are rendered recursively into their own buffers and spliced in.
//
// A failing sub-element is replaced by an HTML comment placeholder and a
// warning, the same way view templates degrade a broken widget.  Access
// denial and recursion overflow are the exceptions: they abort the whole
// render and the caller gets no bytes.
//
// Notes
// -----
//   - No lock is held across a recursive render.  Stores and entries lock
//     only for their own short critical sections.
//   - Two concurrent misses for the same variant both generate.  The later
//     PutVariant wins.
//   - Oxford commas, two spaces after periods.
package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"time"

	"go.uber.org/zap"

	"github.com/yanizio/flexcache/internal/element"
	"github.com/yanizio/flexcache/internal/metrics"
	"github.com/yanizio/flexcache/internal/store"
)

// DefaultMaxDepth bounds link nesting when Options.MaxDepth is zero.
const DefaultMaxDepth = 32

// Content is what a producer generates for one element and one set of
// params.
type Content struct {
	Parts        []element.Part
	Dependencies []string
	TTL          time.Duration // overrides the policy TTL when non-zero
	Exported     bool
}

// Producer is the rendering collaborator.  Define is called once per
// element-store miss, Generate once per variant miss.
type Producer interface {
	store.Definer
	Generate(ctx context.Context, id element.Identity, params element.Params) (Content, error)
}

// Options tune a Resolver.
type Options struct {
	MaxDepth int
	Now      func() time.Time
}

// Resolver renders elements through the element store.
type Resolver struct {
	elements *store.Elements
	producer Producer
	maxDepth int
	now      func() time.Time
}

// New wires a resolver to its store and producer.
func New(elements *store.Elements, producer Producer, opts Options) *Resolver {
	r := &Resolver{
		elements: elements,
		producer: producer,
		maxDepth: opts.MaxDepth,
		now:      opts.Now,
	}
	if r.maxDepth <= 0 {
		r.maxDepth = DefaultMaxDepth
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Render returns the assembled bytes for id.  Any error from the root
// element, and any access denial or recursion overflow from below, is
// returned with nil bytes.
func (r *Resolver) Render(ctx context.Context, id element.Identity, params element.Params) ([]byte, error) {
	var buf bytes.Buffer
	if err := r.render(ctx, &buf, id, params, 0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (r *Resolver) render(ctx context.Context, w *bytes.Buffer, id element.Identity, params element.Params, depth int) error {
	if depth > r.maxDepth {
		return fmt.Errorf("%s at depth %d: %w", id, depth, element.ErrRecursionDepth)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e, err := r.elements.GetOrCreate(ctx, id, r.producer)
	if err != nil {
		return err
	}
	if !e.Allows(params) {
		return fmt.Errorf("%s: %w", id, element.ErrAccessDenied)
	}

	v, err := r.variant(ctx, e, params)
	if err != nil {
		return err
	}

	for _, p := range v.Parts {
		switch p.Kind {
		case element.Literal:
			w.Write(p.Data)
		case element.ElementLink:
			target, ok := e.Link(p.Name)
			if !ok {
				r.placeholder(w, id, p.Name, fmt.Errorf("link %q: %w", p.Name, element.ErrNotFound))
				continue
			}
			if err := r.nested(ctx, w, id, p.Name, target.Element, params.Merge(target.Params), depth+1); err != nil {
				return err
			}
		case element.MethodLink:
			mid := element.MethodID(ownerProducer(id), p.Name)
			if err := r.nested(ctx, w, id, p.Name, mid, params.WithMethod(p.Param), depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// variant returns a live cached variant or generates a fresh one.
func (r *Resolver) variant(ctx context.Context, e *element.Entry, params element.Params) (*element.Variant, error) {
	id := e.Identity()
	kind := "element"
	if id.IsMethod() {
		kind = "method"
	}
	now := r.now()

	if n := e.CheckTimeCritical(now); n > 0 {
		metrics.TimeCriticalClearsTotal.Inc()
		zap.L().Debug("time-critical variants cleared",
			zap.Stringer("element", id), zap.Int("variants", n))
	}

	policy := e.Policy()
	key, cacheable := policy.VariantKey(params)
	if cacheable && id.IsMethod() {
		key += "|" + params.Method
	}
	if cacheable {
		if v, ok := e.GetVariant(key, now); ok {
			metrics.VariantHitsTotal.WithLabelValues(kind).Inc()
			return v, nil
		}
	}
	metrics.VariantMissesTotal.WithLabelValues(kind).Inc()

	c, err := r.producer.Generate(ctx, id, params)
	if err != nil {
		metrics.GenerationErrorsTotal.Inc()
		var ge *element.GenerationError
		if element.Fatal(err) || errors.As(err, &ge) {
			return nil, err
		}
		return nil, &element.GenerationError{Element: id, Err: err}
	}

	v := &element.Variant{
		Parts:        c.Parts,
		Dependencies: c.Dependencies,
		Exported:     c.Exported || policy.Export,
	}
	ttl := policy.TTL
	if c.TTL > 0 {
		ttl = c.TTL
	}
	if ttl > 0 {
		v.ExpiresAt = now.Add(ttl)
	}
	if cacheable {
		if ev, ok := e.PutVariant(key, v); ok && !ev.Replaced {
			metrics.EvictionsTotal.WithLabelValues("variant").Inc()
		}
	}
	return v, nil
}

// nested renders a linked element into its own buffer so a failure leaves
// no partial output behind.
func (r *Resolver) nested(ctx context.Context, w *bytes.Buffer, parent element.Identity, link string, target element.Identity, params element.Params, depth int) error {
	var sub bytes.Buffer
	err := r.render(ctx, &sub, target, params, depth)
	if err == nil {
		w.Write(sub.Bytes())
		return nil
	}
	if element.Fatal(err) || ctx.Err() != nil {
		return err
	}
	r.placeholder(w, parent, link, err)
	return nil
}

func (r *Resolver) placeholder(w *bytes.Buffer, parent element.Identity, link string, err error) {
	metrics.PlaceholdersTotal.Inc()
	zap.S().Warnw("sub-element failed",
		"element", parent.String(),
		"link", link,
		"error", err,
	)
	what := "error"
	if errors.Is(err, element.ErrNotFound) {
		what = "not found"
	}
	fmt.Fprintf(w, "<!-- element %s %s -->", template.HTMLEscapeString(link), what)
}

// ownerProducer returns the producer that owns methods called from id.
func ownerProducer(id element.Identity) string {
	if p, _, ok := id.Method(); ok {
		return p
	}
	return id.Producer
}
