// internal/definition/registry.go
//
// Element definitions: YAML loader and in-memory registry.
//
// Context
//   Every element the cache can render is declared in YAML: its cache
//   directives, the groups allowed to see it, and the links its template may
//   embed.  The same files may also map request paths to start elements.  At
//   start-up we parse every “*.yaml” under the definitions directory into a
//   Registry, which then serves as the producer's Definer and as a URI
//   Locator.
//
// Schema
//
//	elements:
//	  - producer: page
//	    template: home
//	    groups: [staff]
//	    cache:
//	      cacheable: true
//	      key: "uri; locale"
//	      ttl: 10m
//	      proxy: public          # public | private | none
//	      export: true
//	      schedule: "0 6 * * *"  # time-critical: clear at each tick
//	    links:
//	      nav: { producer: nav, template: main, params: { depth: "2" } }
//	uris:
//	  - uri: /
//	    producer: page
//	    template: home
//	    secure: false
//
// Style
//   Full sentences, two spaces after periods, Oxford commas.
//
//------------------------------------------------------------------------------

package definition

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yanizio/flexcache/internal/element"
	"github.com/yanizio/flexcache/internal/store"
)

// -----------------------------------------------------------------------------
// YAML schema
// -----------------------------------------------------------------------------

// File is one definitions file.
type File struct {
	Elements []ElementDef `yaml:"elements"`
	URIs     []URIDef     `yaml:"uris"`
}

// ElementDef declares one element.
type ElementDef struct {
	Producer string             `yaml:"producer"` // Required.
	Template string             `yaml:"template"` // Optional.
	Groups   []string           `yaml:"groups"`   // Empty admits everyone.
	Cache    CacheDef           `yaml:"cache"`
	Links    map[string]LinkDef `yaml:"links"`
}

// CacheDef mirrors element.CachePolicy in YAML form.
type CacheDef struct {
	Cacheable bool          `yaml:"cacheable"`
	Key       string        `yaml:"key"`      // Directive string, see element.ParseKey.
	TTL       time.Duration `yaml:"ttl"`      // e.g. 10m.  Zero means no age limit.
	Proxy     string        `yaml:"proxy"`    // public, private, or none.
	Export    bool          `yaml:"export"`   // Variant may be exported to static files.
	Schedule  string        `yaml:"schedule"` // Cron spec.  Makes the element time-critical.
}

// LinkDef names a link target.
type LinkDef struct {
	Producer string            `yaml:"producer"`
	Template string            `yaml:"template"`
	Params   map[string]string `yaml:"params"`
}

// URIDef maps a request path to its start element.
type URIDef struct {
	URI      string `yaml:"uri"`
	Producer string `yaml:"producer"`
	Template string `yaml:"template"`
	Secure   bool   `yaml:"secure"`
}

// -----------------------------------------------------------------------------
// Registry
// -----------------------------------------------------------------------------

// Markers turns a schedule spec into a last-change marker.
type Markers interface {
	Marker(spec string) (element.Marker, error)
}

// Registry holds compiled definitions.  Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	elements map[element.Identity]element.Definition
	uris     map[string]store.URIEntry
	markers  Markers
}

// NewRegistry returns an empty registry.  markers may be nil when no
// definition uses a schedule.
func NewRegistry(markers Markers) *Registry {
	return &Registry{
		elements: make(map[element.Identity]element.Definition),
		uris:     make(map[string]store.URIEntry),
		markers:  markers,
	}
}

// Define implements store.Definer.
func (r *Registry) Define(_ context.Context, id element.Identity) (element.Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.elements[id]
	if !ok {
		return element.Definition{}, fmt.Errorf("definition %s: %w", id, element.ErrNotFound)
	}
	return d, nil
}

// Locate implements store.Locator.
func (r *Registry) Locate(_ context.Context, uri string) (store.URIEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.uris[uri]
	if !ok {
		return store.URIEntry{}, fmt.Errorf("uri %q: %w", uri, element.ErrNotFound)
	}
	return e, nil
}

// URIs returns every declared path.
func (r *Registry) URIs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.uris))
	for u := range r.uris {
		out = append(out, u)
	}
	return out
}

// Len reports how many elements are defined.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.elements)
}

// Add compiles and registers the contents of one file.  Later definitions
// for the same identity or path replace earlier ones.
func (r *Registry) Add(f *File) error {
	compiled := make(map[element.Identity]element.Definition, len(f.Elements))
	for i, ed := range f.Elements {
		id, def, err := r.compile(ed)
		if err != nil {
			return fmt.Errorf("elements[%d]: %w", i, err)
		}
		compiled[id] = def
	}
	uris := make(map[string]store.URIEntry, len(f.URIs))
	for i, ud := range f.URIs {
		if ud.URI == "" || ud.Producer == "" {
			return fmt.Errorf("uris[%d]: uri and producer are required", i)
		}
		uris[ud.URI] = store.URIEntry{
			Element: element.ID(ud.Producer, ud.Template),
			Secure:  ud.Secure,
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, d := range compiled {
		r.elements[id] = d
	}
	for u, e := range uris {
		r.uris[u] = e
	}
	return nil
}

func (r *Registry) compile(ed ElementDef) (element.Identity, element.Definition, error) {
	if ed.Producer == "" {
		return element.Identity{}, element.Definition{}, errors.New("producer is required")
	}
	id := element.ID(ed.Producer, ed.Template)

	pol := element.CachePolicy{
		Cacheable: ed.Cache.Cacheable,
		Export:    ed.Cache.Export,
		TTL:       ed.Cache.TTL,
	}
	switch strings.ToLower(ed.Cache.Proxy) {
	case "", "none":
	case "public":
		pol.ProxyPublic = true
	case "private":
		pol.ProxyPrivate = true
	default:
		return id, element.Definition{}, fmt.Errorf("%s: unknown proxy mode %q", id, ed.Cache.Proxy)
	}
	if ed.Cache.Key != "" {
		fn, err := element.ParseKey(ed.Cache.Key)
		if err != nil {
			return id, element.Definition{}, fmt.Errorf("%s: %w", id, err)
		}
		pol.Key = fn
	}
	if ed.Cache.Schedule != "" {
		if r.markers == nil {
			return id, element.Definition{}, fmt.Errorf("%s: schedule set but no scheduler configured", id)
		}
		m, err := r.markers.Marker(ed.Cache.Schedule)
		if err != nil {
			return id, element.Definition{}, fmt.Errorf("%s: %w", id, err)
		}
		pol.TimeCritical = true
		pol.Marker = m
	}

	def := element.Definition{Policy: pol, Groups: ed.Groups}
	if len(ed.Links) > 0 {
		def.Links = make(map[string]element.LinkTarget, len(ed.Links))
		for name, l := range ed.Links {
			if l.Producer == "" {
				return id, element.Definition{}, fmt.Errorf("%s: link %q has no producer", id, name)
			}
			def.Links[name] = element.LinkTarget{
				Element: element.ID(l.Producer, l.Template),
				Params:  l.Params,
			}
		}
	}
	return id, def, nil
}

// -----------------------------------------------------------------------------
// Loader API
// -----------------------------------------------------------------------------

// LoadFile parses one YAML file.  It never mutates a registry.
func LoadFile(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &f, nil
}

// LoadDir walks dir and adds every *.yaml / *.yml file to r, in lexical
// order.
func (r *Registry) LoadDir(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		ext := strings.ToLower(filepath.Ext(path))
		if d.IsDir() || (ext != ".yaml" && ext != ".yml") {
			return nil
		}
		f, err := LoadFile(path)
		if err != nil {
			return err
		}
		if err := r.Add(f); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		return nil
	})
}
