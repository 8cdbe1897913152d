package apmhttp

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/mux"
)

// RouteResolver returns the route template that matched r, or "" when it
// cannot tell. It is called after the handler returned, with the request the
// handler received.
type RouteResolver func(r *http.Request) string

// ChiRoute reads the pattern chi matched, e.g. "/users/{id}".
func ChiRoute(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

// MuxRoute reads the path template of the gorilla/mux route that matched.
func MuxRoute(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return ""
	}
	tpl, err := route.GetPathTemplate()
	if err != nil {
		return ""
	}
	return tpl
}

// PatternRoute reads the pattern http.ServeMux matched, without its method
// and host parts: "GET example.com/items/{id}" becomes "/items/{id}".
func PatternRoute(r *http.Request) string {
	p := r.Pattern
	if p == "" {
		return ""
	}
	if i := strings.IndexByte(p, ' '); i >= 0 {
		p = strings.TrimLeft(p[i+1:], " \t")
	}
	if i := strings.IndexByte(p, '/'); i > 0 {
		p = p[i:]
	}
	return p
}

// FirstRoute tries each resolver in turn.
func FirstRoute(resolvers ...RouteResolver) RouteResolver {
	return func(r *http.Request) string {
		for _, resolve := range resolvers {
			if resolve == nil {
				continue
			}
			if route := resolve(r); route != "" {
				return route
			}
		}
		return ""
	}
}

// DefaultRouteResolver understands chi, gorilla/mux and http.ServeMux.
var DefaultRouteResolver = FirstRoute(ChiRoute, MuxRoute, PatternRoute)
