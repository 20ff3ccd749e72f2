// internal/definition/definition_test.go
//
// Unit-tests for the YAML registry and the SQL locator.
//
// Run: go test ./internal/definition -v

package definition

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/yanizio/flexcache/internal/element"
	"github.com/yanizio/flexcache/internal/store"
)

const sample = `
elements:
  - producer: page
    template: home
    groups: [staff]
    cache:
      cacheable: true
      key: "uri; locale"
      ttl: 10m
      proxy: public
      schedule: "@hourly"
    links:
      nav: { producer: nav, template: main, params: { depth: "2" } }
  - producer: nav
    template: main
uris:
  - uri: /
    producer: page
    template: home
  - uri: /account
    producer: page
    template: account
    secure: true
`

type stubMarkers struct{ specs []string }

func (s *stubMarkers) Marker(spec string) (element.Marker, error) {
	s.specs = append(s.specs, spec)
	return staticMarker{}, nil
}

type staticMarker struct{}

func (staticMarker) LastChange() time.Time { return time.Time{} }

func loadSample(t *testing.T, markers Markers) *Registry {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "site.yaml"), []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewRegistry(markers)
	if err := r.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	return r
}

func TestRegistryDefine(t *testing.T) {
	m := &stubMarkers{}
	r := loadSample(t, m)
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}

	d, err := r.Define(context.Background(), element.ID("page", "home"))
	if err != nil {
		t.Fatalf("Define: %v", err)
	}
	p := d.Policy
	if !p.Cacheable || !p.ProxyPublic || p.TTL != 10*time.Minute || !p.TimeCritical {
		t.Fatalf("policy = %+v", p)
	}
	if len(m.specs) != 1 || m.specs[0] != "@hourly" {
		t.Fatalf("marker specs = %v", m.specs)
	}
	key, ok := p.VariantKey(element.Params{URI: "/", Locale: "en", Values: url.Values{}})
	if !ok || key != "uri=/;locale=en" {
		t.Fatalf("key = %q, %v", key, ok)
	}
	nav := d.Links["nav"]
	if nav.Element != element.ID("nav", "main") || nav.Params["depth"] != "2" {
		t.Fatalf("nav link = %+v", nav)
	}
	if len(d.Groups) != 1 || d.Groups[0] != "staff" {
		t.Fatalf("groups = %v", d.Groups)
	}

	_, err = r.Define(context.Background(), element.ID("page", "nope"))
	if !errors.Is(err, element.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRegistryLocate(t *testing.T) {
	r := loadSample(t, &stubMarkers{})
	e, err := r.Locate(context.Background(), "/account")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if !e.Secure || e.Element != element.ID("page", "account") {
		t.Fatalf("entry = %+v", e)
	}
	if _, err := r.Locate(context.Background(), "/missing"); !errors.Is(err, element.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRegistryRejectsBadDefinitions(t *testing.T) {
	cases := map[string]*File{
		"no producer": {Elements: []ElementDef{{Template: "x"}}},
		"bad key":     {Elements: []ElementDef{{Producer: "p", Cache: CacheDef{Key: "bogus"}}}},
		"bad proxy":   {Elements: []ElementDef{{Producer: "p", Cache: CacheDef{Proxy: "cdn"}}}},
		"no markers":  {Elements: []ElementDef{{Producer: "p", Cache: CacheDef{Schedule: "@daily"}}}},
		"bad link":    {Elements: []ElementDef{{Producer: "p", Links: map[string]LinkDef{"x": {}}}}},
		"bad uri":     {URIs: []URIDef{{URI: "/"}}},
	}
	for name, f := range cases {
		if err := NewRegistry(nil).Add(f); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func newMockLocator(t *testing.T) (*SQLLocator, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLLocator(sqlx.NewDb(db, "sqlmock")), mock
}

func TestSQLLocatorHit(t *testing.T) {
	l, mock := newMockLocator(t)
	mock.ExpectQuery(`SELECT producer, template, secure FROM uri_element WHERE uri = \? LIMIT 1`).
		WithArgs("/about").
		WillReturnRows(sqlmock.NewRows([]string{"producer", "template", "secure"}).
			AddRow("page", "about", true))

	e, err := l.Locate(context.Background(), "/about")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if e.Element != element.ID("page", "about") || !e.Secure {
		t.Fatalf("entry = %+v", e)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLLocatorMiss(t *testing.T) {
	l, mock := newMockLocator(t)
	mock.ExpectQuery(`SELECT producer`).
		WithArgs("/gone").
		WillReturnRows(sqlmock.NewRows([]string{"producer", "template", "secure"}))

	_, err := l.Locate(context.Background(), "/gone")
	if !errors.Is(err, element.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestChainFallsThroughNotFoundOnly(t *testing.T) {
	r := loadSample(t, &stubMarkers{})
	l, mock := newMockLocator(t)

	mock.ExpectQuery(`SELECT producer`).
		WithArgs("/db-only").
		WillReturnRows(sqlmock.NewRows([]string{"producer", "template", "secure"}).
			AddRow("page", "db", false))
	mock.ExpectQuery(`SELECT producer`).
		WithArgs("/broken").
		WillReturnError(errors.New("connection reset"))

	c := Chain{r, l}
	ctx := context.Background()

	if e, err := c.Locate(ctx, "/"); err != nil || e.Element != element.ID("page", "home") {
		t.Fatalf("registry hit = %+v, %v", e, err)
	}
	if e, err := c.Locate(ctx, "/db-only"); err != nil || e.Element != element.ID("page", "db") {
		t.Fatalf("db hit = %+v, %v", e, err)
	}
	_, err := c.Locate(ctx, "/broken")
	if err == nil || errors.Is(err, element.ErrNotFound) {
		t.Fatalf("err = %v, want database error", err)
	}

	var _ store.Locator = c
}
