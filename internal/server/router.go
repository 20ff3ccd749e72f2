// internal/server/router.go
//
// HTTP front of the cache.
//
// Context
// -------
// One chi router serves three surfaces:
//
//	GET  /metrics             Prometheus exposition
//	GET  /admin/cache         store fill levels
//	GET  /admin/elements      resident elements
//	GET  /admin/dependencies  dependency-index dump
//	POST /admin/clear         drop every store
//	POST /admin/publish       apply (or broadcast) a publish event
//	GET  /*                   render the page mapped to the request path
//
// Middleware order: request id, access log, security headers, optional
// HTTPS redirect, then request-info enrichment for the page routes.
//
// Error mapping for page renders: element.ErrNotFound is 404,
// element.ErrAccessDenied is 403, core.ErrClosed is 503, and anything else
// is 500.  Non-fatal sub-element failures never reach this layer; the
// resolver has already replaced them with placeholders.
//
// Notes
// -----
//   - Admin routes require `Authorization: Bearer <token>` when
//     Options.AdminToken is set.
//   - Oxford commas, two spaces after periods.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/yanizio/flexcache/internal/core"
	"github.com/yanizio/flexcache/internal/deps"
	"github.com/yanizio/flexcache/internal/element"
	"github.com/yanizio/flexcache/internal/middleware"
	"github.com/yanizio/flexcache/internal/publish"
	"github.com/yanizio/flexcache/internal/requestinfo"
	"github.com/yanizio/flexcache/internal/store"
)

// maxPublishBody caps POST /admin/publish payloads.
const maxPublishBody = 1 << 20

// Cache is the part of *core.System the HTTP front uses.
type Cache interface {
	publish.Invalidator
	Locate(ctx context.Context, uri string) (store.URIEntry, error)
	RenderURI(ctx context.Context, uri string, params element.Params) (core.Page, error)
	ClearAll() core.Report
	SizeInfo() core.SizeInfo
	DumpDependencyIndex() []deps.Bucket
	Elements() []core.ElementInfo
}

// Options wire the router.
type Options struct {
	Cache      Cache
	Extractor  *requestinfo.Extractor // nil uses the zero Extractor
	ForceHTTPS bool
	AdminToken string

	// Broadcast, when set, sends admin publish events to the cluster
	// instead of applying them locally.  The local subscriber applies them
	// on receipt.
	Broadcast func(ctx context.Context, ev publish.Event) error
}

type handlers struct {
	opts Options
}

// Routes builds the root handler.
func Routes(opts Options) http.Handler {
	if opts.Extractor == nil {
		opts.Extractor = &requestinfo.Extractor{}
	}
	h := &handlers{opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog)
	r.Use(middleware.Security)
	if opts.ForceHTTPS {
		r.Use(middleware.ForceHTTPS)
	}

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/admin", func(ad chi.Router) {
		ad.Use(h.requireToken)
		ad.Get("/cache", h.sizeInfo)
		ad.Get("/elements", h.elements)
		ad.Get("/dependencies", h.dependencies)
		ad.Post("/clear", h.clear)
		ad.Post("/publish", h.publish)
	})

	r.Group(func(pg chi.Router) {
		pg.Use(opts.Extractor.Enrich)
		pg.Get("/*", h.page)
	})
	return r
}

//
// page rendering
//

func (h *handlers) page(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uri := r.URL.Path

	ue, err := h.opts.Cache.Locate(ctx, uri)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if ue.Secure && middleware.RedirectHTTPS(w, r) {
		return
	}

	params, ok := requestinfo.FromContext(ctx)
	if !ok {
		params = h.opts.Extractor.Extract(r)
	}
	pg, err := h.opts.Cache.RenderURI(ctx, uri, params)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", pg.CacheControl)
	_, _ = w.Write(pg.Body)
}

// fail maps a render error to its status.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		zap.L().Error("render failed",
			zap.String("rid", middleware.GetRequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Error(w, http.StatusText(status), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, element.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, element.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, core.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

//
// admin
//

func (h *handlers) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.opts.AdminToken != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(h.opts.AdminToken)) != 1 {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
		}
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func (h *handlers) sizeInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.opts.Cache.SizeInfo())
}

func (h *handlers) elements(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.opts.Cache.Elements())
}

func (h *handlers) dependencies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.opts.Cache.DumpDependencyIndex())
}

func (h *handlers) clear(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.opts.Cache.ClearAll())
}

func (h *handlers) publish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPublishBody))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	ev, err := publish.Decode(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if ev.Empty() {
		http.Error(w, "event lists no resources or templates", http.StatusBadRequest)
		return
	}

	if h.opts.Broadcast != nil {
		if err := h.opts.Broadcast(r.Context(), ev); err != nil {
			zap.L().Error("publish broadcast failed", zap.Error(err))
			http.Error(w, "broadcast failed", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, publish.Apply(h.opts.Cache, ev, "http"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
