// internal/producer/methods.go
//
// Method registry and built-in methods.
//
// A **Method** is a tiny named renderer that a template embeds with
//
//	{{ .Method "date" "long" }}
//
// Each call becomes a method link in the variant.  The resolver renders it
// as its own element, identity (<producer>.<method>, METHOD), cached per
// method parameter under the method's own policy.  The page around it can
// therefore stay cached while the method output changes on its own
// schedule.
//
// Lookup tries "<producer>.<method>" first, then "<method>", so a producer
// may override a built-in.
package producer

import (
	"context"
	"html/template"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/yanizio/flexcache/internal/element"
)

// MethodFunc renders one method call.  The returned string is inserted
// verbatim, so implementations must escape anything user-controlled.
type MethodFunc func(ctx context.Context, p element.Params) (string, error)

// Method pairs a renderer with the cache policy of its output.
type Method struct {
	Policy element.CachePolicy
	Func   MethodFunc
}

// Methods is safe for concurrent use.
type Methods struct {
	mu sync.RWMutex
	m  map[string]Method
}

// NewMethods returns a registry holding the built-ins.
func NewMethods(now func() time.Time) *Methods {
	if now == nil {
		now = time.Now
	}
	r := &Methods{m: make(map[string]Method)}
	r.Register("date", dateMethod(now))
	r.Register("param", Method{
		Policy: element.CachePolicy{Cacheable: true, Key: element.MustParseKey("params")},
		Func: func(_ context.Context, p element.Params) (string, error) {
			return template.HTMLEscapeString(p.Values.Get(p.Method)), nil
		},
	})
	r.Register("locale", Method{
		Policy: element.CachePolicy{Cacheable: true, Key: element.MustParseKey("locale")},
		Func: func(_ context.Context, p element.Params) (string, error) {
			return template.HTMLEscapeString(p.Locale), nil
		},
	})
	return r
}

// Register adds or replaces a method.  name is either "<method>" or
// "<producer>.<method>".
func (r *Methods) Register(name string, m Method) {
	r.mu.Lock()
	r.m[name] = m
	r.mu.Unlock()
}

// Lookup finds the method a producer's template called.
func (r *Methods) Lookup(producer, name string) (Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.m[producer+"."+name]; ok {
		return m, true
	}
	m, ok := r.m[name]
	return m, ok
}

// Names returns every registered name, sorted.
func (r *Methods) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.m))
}

var dateLayouts = map[string]string{
	"":      "2006-01-02",
	"short": "2006-01-02",
	"long":  "Monday, 2 January 2006",
	"time":  "15:04",
	"iso":   time.RFC3339,
}

// dateMethod formats the current time.  Output is cached for a minute per
// layout.
func dateMethod(now func() time.Time) Method {
	return Method{
		Policy: element.CachePolicy{Cacheable: true, TTL: time.Minute},
		Func: func(_ context.Context, p element.Params) (string, error) {
			layout, ok := dateLayouts[p.Method]
			if !ok {
				layout = dateLayouts[""]
			}
			return now().Format(layout), nil
		},
	}
}
