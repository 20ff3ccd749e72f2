// internal/middleware/https.go
//
// HTTPS enforcement.
//
// Context
// -------
// Two callers need the same decision.  ForceHTTPS wraps the whole router
// when `http.force_https` is set, and the page handler calls RedirectHTTPS
// for URI entries flagged secure.  Both leave localhost alone so local
// development works over plain HTTP.
//
// Notes
// -----
//   - A TLS-terminating proxy reports the original scheme in
//     X-Forwarded-Proto; IsSecure honours it.
//   - Oxford commas, two spaces after periods.
package middleware

import (
	"net/http"
	"strings"
)

// ForceHTTPS issues a 308 Permanent Redirect to the HTTPS version of every
// plain HTTP request whose host is not localhost.
func ForceHTTPS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if RedirectHTTPS(w, r) {
			return
		}
		h.ServeHTTP(w, r)
	})
}

// RedirectHTTPS writes the redirect and returns true when r must move to
// HTTPS.  It returns false, writing nothing, otherwise.
func RedirectHTTPS(w http.ResponseWriter, r *http.Request) bool {
	if IsSecure(r) || IsLocal(r) {
		return false
	}
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusPermanentRedirect)
	return true
}

// IsSecure reports whether r arrived over TLS, directly or via a proxy.
func IsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// IsLocal reports whether r targets a development host.
func IsLocal(r *http.Request) bool {
	switch stripPort(r.Host) {
	case "localhost", "127.0.0.1", "[::1]":
		return true
	}
	return false
}

// stripPort removes the :port suffix from Host when present.
func stripPort(h string) string {
	if strings.HasPrefix(h, "[") {
		if i := strings.IndexByte(h, ']'); i != -1 {
			return h[:i+1]
		}
	}
	if i := strings.IndexByte(h, ':'); i != -1 {
		return h[:i]
	}
	return h
}
