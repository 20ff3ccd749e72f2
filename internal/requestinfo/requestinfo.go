//
//  internal/requestinfo/requestinfo.go
//
//  Derives the render parameters of a request: the dimensions cache-key
//  directives select from (locale, device class, country, user, groups,
//  and project) plus the query values.
//
//  Identity comes from headers set by the authenticating proxy in front of
//  the cache (X-Flex-User, X-Flex-Groups).  The cache never authenticates
//  anyone itself.
//
//  Dependencies
//  • github.com/avct/uasurfer          (device class)
//  • github.com/oschwald/geoip2-golang (country)
//

package requestinfo

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/avct/uasurfer"
	"github.com/oschwald/geoip2-golang"

	"github.com/yanizio/flexcache/internal/element"
)

// Header names read by Extract.
const (
	HeaderUser   = "X-Flex-User"
	HeaderGroups = "X-Flex-Groups"
)

// Extractor builds element.Params from requests.  The zero value works
// without geolocation and without a project.
type Extractor struct {
	Geo     *geoip2.Reader // optional
	Project string
}

// OpenGeo opens a GeoLite2 Country or City database.
func OpenGeo(path string) (*geoip2.Reader, error) {
	return geoip2.Open(path)
}

// Extract reads every dimension from r.
func (x *Extractor) Extract(r *http.Request) element.Params {
	ua := uasurfer.Parse(r.UserAgent())
	return element.Params{
		URI:     r.URL.Path,
		Project: x.Project,
		User:    strings.TrimSpace(r.Header.Get(HeaderUser)),
		Groups:  splitList(r.Header.Get(HeaderGroups)),
		Locale:  primaryLang(r.Header.Get("Accept-Language")),
		Device:  deviceClass(ua),
		Country: x.country(clientIP(r)),
		Values:  r.URL.Query(),
	}
}

//
//  -----------------------------
//  Context helpers
//  -----------------------------
//

type ctxKey struct{} // unexported, collision-proof

// WithParams stores p in ctx.
func WithParams(ctx context.Context, p element.Params) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the params stored by Enrich.
func FromContext(ctx context.Context) (element.Params, bool) {
	p, ok := ctx.Value(ctxKey{}).(element.Params)
	return p, ok
}

//
//  -----------------------------
//  Internal helpers
//  -----------------------------
//

// deviceClass maps uasurfer's device type to the value key directives use.
func deviceClass(ua *uasurfer.UserAgent) string {
	if ua.IsBot() {
		return "bot"
	}
	switch ua.DeviceType {
	case uasurfer.DeviceComputer:
		return "desktop"
	case uasurfer.DevicePhone:
		return "phone"
	case uasurfer.DeviceTablet:
		return "tablet"
	case uasurfer.DeviceTV, uasurfer.DeviceConsole, uasurfer.DeviceWearable:
		return "other"
	default:
		return "unknown"
	}
}

// primaryLang extracts the first language tag before any ";q=" rule.
func primaryLang(al string) string {
	if al == "" {
		return ""
	}
	tag, _, _ := strings.Cut(al, ",")
	tag, _, _ = strings.Cut(tag, ";")
	return strings.ToLower(strings.TrimSpace(tag))
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// country returns the ISO code for ip, or "" when unknown.
func (x *Extractor) country(ip net.IP) string {
	if x.Geo == nil || ip == nil {
		return ""
	}
	rec, err := x.Geo.Country(ip)
	if err != nil {
		return ""
	}
	return rec.Country.IsoCode
}

// clientIP extracts the left-most address from X-Forwarded-For or
// X-Real-IP, falling back to r.RemoteAddr ("ip:port").
func clientIP(r *http.Request) net.IP {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil {
				return ip
			}
		}
	}
	if xrip := r.Header.Get("X-Real-Ip"); xrip != "" {
		if ip := net.ParseIP(strings.TrimSpace(xrip)); ip != nil {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return net.ParseIP(host)
	}
	return nil
}
