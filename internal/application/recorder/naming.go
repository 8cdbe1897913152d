package recorder

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/fllarpy/elastic-apm-probe/pkg/config"
)

var numericSegment = regexp.MustCompile(`^[0-9]+$`)

// NormalizePath strips the leading slash and replaces every purely numeric
// segment with N:
//
//	/api/v2/product/6404  ->  api/v2/product/N
func NormalizePath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	out := parts[:0]
	for _, p := range parts {
		if p == "" {
			continue
		}
		if numericSegment.MatchString(p) {
			p = "N"
		}
		out = append(out, p)
	}
	return strings.Join(out, "/")
}

// initialName is the name a transaction gets when the request arrives.
func initialName(r *http.Request) string {
	uri := r.RequestURI
	if uri == "" {
		uri = r.URL.RequestURI()
	}
	if uri == "" {
		uri = "/"
	}
	return r.Method + " " + uri
}

// finalName renames the transaction according to mode once the route is known.
func finalName(mode config.NamingMode, r *http.Request, route string) string {
	switch mode {
	case config.NamingRouteURI:
		if route == "" {
			route = r.URL.Path
		}
		return r.Method + " /" + strings.TrimPrefix(route, "/")
	case config.NamingNormalized:
		return r.Method + " /" + NormalizePath(r.URL.Path)
	default:
		return initialName(r)
	}
}
