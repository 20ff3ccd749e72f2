// internal/element/policy.go
//
// Cache policies and variant-key directives.
//
// Context
// -------
// A policy says whether an element's variants are kept, how long each one
// lives, whether downstream proxies may cache the output, and how a request
// maps to a variant key.  Keys are built from a directive string such as
//
//	uri; locale; params:page,sort
//
// Each directive contributes one `name=value` segment to the key.  Two
// requests producing the same key are assumed to deserve the same output.
//
// Directives
// ----------
//   - uri, user, groups, project, locale, device, country
//   - params            all request values, sorted
//   - params:<a,b>      only the listed request values
//   - no-params         refuse to cache when any request value is present
//   - always            constant key (single shared variant)
//
// Notes
// -----
//   - A key function returns ok=false to mean "render but do not cache".
//   - Oxford commas, two spaces after periods.
package element

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Marker reports when an external schedule last changed.  Time-critical
// entries drop every variant generated before that instant.
type Marker interface {
	LastChange() time.Time
}

// KeyFunc derives a variant key from request parameters.  ok=false means
// the request must not be cached.
type KeyFunc func(Params) (key string, ok bool)

// CachePolicy is the per-element cache directive set.
type CachePolicy struct {
	Cacheable    bool
	ProxyPublic  bool
	ProxyPrivate bool
	Export       bool
	TimeCritical bool
	Marker       Marker        // required when TimeCritical
	TTL          time.Duration // zero means variants never expire by age
	Key          KeyFunc       // nil means a single shared variant
}

// VariantKey applies the policy's key function.  A non-cacheable policy
// always yields ok=false.
func (p CachePolicy) VariantKey(params Params) (string, bool) {
	if !p.Cacheable {
		return "", false
	}
	if p.Key == nil {
		return "", true
	}
	return p.Key(params)
}

// LastChange returns the marker's instant, or the zero time when the policy
// is not time-critical.
func (p CachePolicy) LastChange() time.Time {
	if !p.TimeCritical || p.Marker == nil {
		return time.Time{}
	}
	return p.Marker.LastChange()
}

// CacheControl renders the proxy hints as a Cache-Control header value.
func (p CachePolicy) CacheControl() string {
	switch {
	case p.ProxyPublic && p.TTL > 0:
		return fmt.Sprintf("public, max-age=%d", int(p.TTL/time.Second))
	case p.ProxyPublic:
		return "public"
	case p.ProxyPrivate && p.TTL > 0:
		return fmt.Sprintf("private, max-age=%d", int(p.TTL/time.Second))
	case p.ProxyPrivate:
		return "private"
	}
	return "no-store"
}

type keyDirective struct {
	name   string
	fields []string // params:<a,b>
}

// ParseKey compiles a directive string into a KeyFunc.  Directives are
// separated by semicolons; whitespace is ignored.
func ParseKey(spec string) (KeyFunc, error) {
	var ds []keyDirective
	for _, raw := range strings.Split(spec, ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		name, arg, hasArg := strings.Cut(raw, ":")
		name = strings.TrimSpace(name)
		d := keyDirective{name: name}
		switch name {
		case "uri", "user", "groups", "project", "locale", "device", "country", "no-params", "always":
			if hasArg {
				return nil, fmt.Errorf("key directive %q takes no argument", name)
			}
		case "params":
			if hasArg {
				for _, f := range strings.Split(arg, ",") {
					if f = strings.TrimSpace(f); f != "" {
						d.fields = append(d.fields, f)
					}
				}
				if len(d.fields) == 0 {
					return nil, fmt.Errorf("key directive %q: empty field list", raw)
				}
				slices.Sort(d.fields)
			}
		default:
			return nil, fmt.Errorf("unknown key directive %q", name)
		}
		ds = append(ds, d)
	}
	return func(p Params) (string, bool) { return buildKey(ds, p) }, nil
}

// MustParseKey is ParseKey for static directive strings.
func MustParseKey(spec string) KeyFunc {
	fn, err := ParseKey(spec)
	if err != nil {
		panic(err)
	}
	return fn
}

func buildKey(ds []keyDirective, p Params) (string, bool) {
	var b strings.Builder
	seg := func(name, val string) {
		if b.Len() > 0 {
			b.WriteByte(';')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(val)
	}
	for _, d := range ds {
		switch d.name {
		case "uri":
			seg(d.name, p.URI)
		case "user":
			seg(d.name, p.User)
		case "groups":
			g := slices.Clone(p.Groups)
			slices.Sort(g)
			seg(d.name, strings.Join(g, ","))
		case "project":
			seg(d.name, p.Project)
		case "locale":
			seg(d.name, p.Locale)
		case "device":
			seg(d.name, p.Device)
		case "country":
			seg(d.name, p.Country)
		case "no-params":
			if len(p.Values) > 0 {
				return "", false
			}
		case "always":
		case "params":
			if d.fields == nil {
				seg(d.name, p.Values.Encode())
				continue
			}
			sub := make([]string, 0, len(d.fields))
			for _, f := range d.fields {
				sub = append(sub, f+"="+strings.Join(p.Values[f], ","))
			}
			seg(d.name, strings.Join(sub, "&"))
		}
	}
	return b.String(), true
}
