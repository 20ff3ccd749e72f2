// internal/producer/templates.go
//
// Template producer: renders elements from html/template files and emits
// variants made of literal chunks and link markers.
//
// Lookup
// ------
//   - (page, home)  → <dir>/page/home.html
//   - (page, "")    → <dir>/page.html
//
// Every *.html under <dir>/partials is parsed into each set so shared
// sub-templates ({{ template "footer" . }}) work everywhere.
//
// Template data
// -------------
// Templates execute against a *Page:
//
//	{{ .Params.Locale }}             request dimensions
//	{{ .Param "page" }}              one request value
//	{{ .Element "nav" }}             embed a declared link
//	{{ .Method "date" "long" }}      embed a method call
//	{{ .Depends "/content/news" }}   record a dependency (renders nothing)
//
// Element and Method return a marker that is cut out after execution and
// replaced by the corresponding link part, so the surrounding page can be
// cached while its links render on every request.
//
// Notes
// -----
//   - Parsed sets are kept in a bounded table and dropped by template name
//     on template invalidation.
//   - execName picks "<name>.html" when present, otherwise "<name>" from a
//     {{ define }} block.
//   - Oxford commas, two spaces after periods.
package producer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/yanizio/flexcache/internal/cache"
	"github.com/yanizio/flexcache/internal/element"
	"github.com/yanizio/flexcache/internal/resolver"
	"github.com/yanizio/flexcache/internal/store"
)

// Marker delimiters.  Private-use code points never produced by templates;
// they are stripped from request data before it reaches a template.
const (
	markOpen  = '\uE000'
	markClose = '\uE001'
)

var stripMarks = strings.NewReplacer(string(markOpen), "", string(markClose), "")

// Templates implements resolver.Producer.
type Templates struct {
	dir     string
	defs    store.Definer
	methods *Methods
	parsed  *cache.Table[element.Identity, *template.Template]
}

// New returns a template producer rooted at dir.  defs supplies element
// definitions; methods may be nil for a registry holding only the
// built-ins.
func New(dir string, defs store.Definer, methods *Methods, capacity int) *Templates {
	if methods == nil {
		methods = NewMethods(nil)
	}
	return &Templates{
		dir:     dir,
		defs:    defs,
		methods: methods,
		parsed:  cache.New[element.Identity, *template.Template]("templates", capacity),
	}
}

// Methods exposes the registry so callers can register their own.
func (t *Templates) Methods() *Methods { return t.methods }

// Define implements store.Definer.
func (t *Templates) Define(ctx context.Context, id element.Identity) (element.Definition, error) {
	if id.IsMethod() {
		m, err := t.method(id)
		if err != nil {
			return element.Definition{}, err
		}
		return element.Definition{Policy: m.Policy}, nil
	}
	return t.defs.Define(ctx, id)
}

// Generate implements resolver.Producer.
func (t *Templates) Generate(ctx context.Context, id element.Identity, params element.Params) (resolver.Content, error) {
	if id.IsMethod() {
		m, err := t.method(id)
		if err != nil {
			return resolver.Content{}, err
		}
		out, err := m.Func(ctx, params)
		if err != nil {
			return resolver.Content{}, err
		}
		return resolver.Content{Parts: []element.Part{element.Text([]byte(out))}}, nil
	}

	tpl, err := t.load(id)
	if err != nil {
		return resolver.Content{}, err
	}
	pg := newPage(params)
	var buf bytes.Buffer
	if err := tpl.ExecuteTemplate(&buf, execName(tpl, templateName(id)), pg); err != nil {
		return resolver.Content{}, err
	}
	return resolver.Content{
		Parts:        pg.split(buf.Bytes()),
		Dependencies: pg.deps,
	}, nil
}

// ForgetTemplates drops parsed sets for the named templates.  "*" drops
// everything, which is what a partial change needs.
func (t *Templates) ForgetTemplates(names []string) int {
	if slices.Contains(names, "*") {
		return len(t.parsed.Clear())
	}
	return len(t.parsed.RemoveFunc(func(id element.Identity, _ *template.Template) bool {
		return slices.Contains(names, id.Template)
	}))
}

func (t *Templates) method(id element.Identity) (Method, error) {
	producer, name, _ := id.Method()
	m, ok := t.methods.Lookup(producer, name)
	if !ok {
		return Method{}, fmt.Errorf("method %q: %w", name, element.ErrNotFound)
	}
	return m, nil
}

//
// internal: load
//

func (t *Templates) load(id element.Identity) (*template.Template, error) {
	if tpl, ok := t.parsed.Get(id); ok {
		return tpl, nil
	}

	path := filepath.Join(t.dir, id.Producer+".html")
	if id.HasTemplate() {
		path = filepath.Join(t.dir, id.Producer, id.Template+".html")
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("template %s: %w", path, element.ErrNotFound)
		}
		return nil, err
	}

	partials, err := collectHTML(filepath.Join(t.dir, "partials"))
	if err != nil {
		return nil, err
	}
	tpl, err := template.New(templateName(id)).
		Funcs(template.FuncMap{"dict": dict}).
		ParseFiles(append([]string{path}, partials...)...)
	if err != nil {
		return nil, err
	}
	t.parsed.Put(id, tpl)
	return tpl, nil
}

func templateName(id element.Identity) string {
	if id.HasTemplate() {
		return filepath.Base(id.Template)
	}
	return id.Producer
}

// execName picks the template name to execute.
func execName(t *template.Template, name string) string {
	if tmpl := t.Lookup(name + ".html"); tmpl != nil {
		return name + ".html"
	}
	return name
}

// dict builds a map in templates: {{ dict "k" 1 "k2" "v" }}.
func dict(kv ...any) map[string]any {
	m := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		m[key] = kv[i+1]
	}
	return m
}

//
// template data
//

// Page is the data a template executes against.
type Page struct {
	Params element.Params

	links []element.Part
	deps  []string
}

// newPage copies p with link markers removed from every string a template
// can print, so request input never forges a link.
func newPage(p element.Params) *Page {
	for _, f := range []*string{&p.URI, &p.Project, &p.User, &p.Locale, &p.Device, &p.Country, &p.Method} {
		*f = stripMarks.Replace(*f)
	}
	if p.Groups != nil {
		groups := make([]string, len(p.Groups))
		for i, g := range p.Groups {
			groups[i] = stripMarks.Replace(g)
		}
		p.Groups = groups
	}
	if p.Values != nil {
		vals := make(url.Values, len(p.Values))
		for k, vs := range p.Values {
			clean := make([]string, len(vs))
			for i, v := range vs {
				clean[i] = stripMarks.Replace(v)
			}
			k = stripMarks.Replace(k)
			vals[k] = append(vals[k], clean...)
		}
		p.Values = vals
	}
	return &Page{Params: p}
}

// Param returns one request value.
func (pg *Page) Param(name string) string {
	return stripMarks.Replace(pg.Params.Values.Get(name))
}

// Element embeds the named link.
func (pg *Page) Element(name string) template.HTML {
	return pg.mark(element.Link(name))
}

// Method embeds a method call.
func (pg *Page) Method(name, param string) template.HTML {
	return pg.mark(element.Call(name, param))
}

// Depends records resource ids the output was built from.
func (pg *Page) Depends(ids ...string) string {
	pg.deps = append(pg.deps, ids...)
	return ""
}

func (pg *Page) mark(p element.Part) template.HTML {
	i := len(pg.links)
	pg.links = append(pg.links, p)
	return template.HTML(string(markOpen) + strconv.Itoa(i) + string(markClose))
}

// split cuts rendered output at markers and interleaves literal parts with
// the recorded links.  A malformed marker is kept as literal text.
func (pg *Page) split(out []byte) []element.Part {
	if len(pg.links) == 0 {
		return []element.Part{element.Text(out)}
	}
	open := []byte(string(markOpen))
	closing := []byte(string(markClose))

	var parts []element.Part
	lit := make([]byte, 0, len(out))
	rest := out
	for {
		i := bytes.Index(rest, open)
		if i < 0 {
			lit = append(lit, rest...)
			break
		}
		lit = append(lit, rest[:i]...)
		body := rest[i+len(open):]
		j := bytes.Index(body, closing)
		n, err := -1, error(nil)
		if j >= 0 {
			n, err = strconv.Atoi(string(body[:j]))
		}
		if j < 0 || err != nil || n < 0 || n >= len(pg.links) {
			lit = append(lit, rest[i:i+len(open)]...)
			rest = body
			continue
		}
		if len(lit) > 0 {
			parts = append(parts, element.Text(lit))
			lit = make([]byte, 0, len(body))
		}
		parts = append(parts, pg.links[n])
		rest = body[j+len(closing):]
	}
	if len(lit) > 0 {
		parts = append(parts, element.Text(lit))
	}
	return parts
}
