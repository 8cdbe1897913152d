package recorder

import (
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/fllarpy/elastic-apm-probe/domain/apm"
)

// User is the authenticated caller of a request.
type User struct {
	ID       string
	Email    string
	Username string
}

// UserResolver finds the authenticated user of a request, if any.
type UserResolver interface {
	ResolveUser(r *http.Request) (User, bool)
}

// UserResolverFunc adapts a function to UserResolver.
type UserResolverFunc func(r *http.Request) (User, bool)

func (f UserResolverFunc) ResolveUser(r *http.Request) (User, bool) { return f(r) }

const (
	requestedByDefault = "end-user"
	requestedByAJAX    = "end-user-ajax"
)

// requestedBy classifies the caller. An AJAX marker wins over an explicit
// X-Requested-By header.
func requestedBy(h http.Header) string {
	if h.Get("X-Requested-With") == "XMLHttpRequest" {
		return requestedByAJAX
	}
	if by := h.Get("X-Requested-By"); by != "" {
		return by
	}
	return requestedByDefault
}

func userContext(r *http.Request, resolver UserResolver) *apm.UserContext {
	uc := &apm.UserContext{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}
	if resolver == nil {
		return uc
	}
	if u, ok := resolver.ResolveUser(r); ok {
		uc.ID = optional(u.ID)
		uc.Email = optional(u.Email)
		uc.Username = optional(u.Username)
	}
	return uc
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestContext(r *http.Request, allowEnv []string) *apm.RequestContext {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	hostname := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostname = h
	}

	search := ""
	if r.URL.RawQuery != "" {
		search = "?" + r.URL.RawQuery
	}

	return &apm.RequestContext{
		Method: r.Method,
		URL: apm.URL{
			Full:     scheme + "://" + host + r.URL.RequestURI(),
			Hostname: hostname,
			Pathname: r.URL.Path,
			Search:   search,
		},
		HTTPVersion: strings.TrimPrefix(r.Proto, "HTTP/"),
		Env:         environment(allowEnv),
	}
}

// environment returns the allow-listed variables that are set.
func environment(allow []string) map[string]string {
	if len(allow) == 0 {
		return nil
	}
	env := make(map[string]string, len(allow))
	for _, name := range allow {
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		}
	}
	if len(env) == 0 {
		return nil
	}
	return env
}

// firstValues keeps the first value of every header.
func firstValues(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
