package edge

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/GordenArcher/idempotent-proxy/dispatch"
)

const (
	headerIdempotencyKey      = "Idempotency-Key"
	headerProxyAuth           = "Proxy-Authorization"
	headerForwardedHost       = "X-Forwarded-Host"
	headerForwardedFor        = "X-Forwarded-For"
	headerForwardedProto      = "X-Forwarded-Proto"
	headerJSONMask            = "X-Json-Mask"
	headerResponseHeaders     = "Response-Headers"
	headerAggregationStrategy = "X-Aggregation-Strategy"
	urlVarPrefix              = "/URL_"
)

// parseStrategy maps the x-aggregation-strategy header to a
// dispatch.Strategy, defaulting to AnySequential when absent or unrecognized
// — the cheapest strategy, and a safe default for callers who haven't
// opted into the parallel variants.
func parseStrategy(value string) dispatch.Strategy {
	switch strings.ToLower(value) {
	case "any_parallel":
		return dispatch.AnyParallel
	case "all_parallel_consistent":
		return dispatch.AllParallelConsistent
	default:
		return dispatch.AnySequential
	}
}

// resolveURL: a "/URL_<NAME>" path substitutes from the configured
// symbolic map; anything else is built from x-forwarded-host. The result
// must be an absolute https URL.
func (s *Server) resolveURL(r *http.Request) (string, error) {
	path := r.URL.Path

	var raw string
	if strings.HasPrefix(path, urlVarPrefix) {
		name := strings.TrimPrefix(path, urlVarPrefix)
		v, ok := s.state.URLVar(name)
		if !ok {
			return "", newBadRequest(fmt.Sprintf("invalid url: URL_%s is not configured", name))
		}
		raw = v
	} else {
		host := r.Header.Get(headerForwardedHost)
		if host == "" {
			return "", newBadRequest("missing header: x-forwarded-host")
		}
		pathQuery := r.URL.Path
		if r.URL.RawQuery != "" {
			pathQuery += "?" + r.URL.RawQuery
		}
		raw = "https://" + host + pathQuery
	}

	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Scheme != "https" {
		return "", newBadRequest(fmt.Sprintf("invalid url: %s", raw))
	}
	return u.String(), nil
}

// strippedHeaders lists the hop-by-hop / proxy-identifying headers removed
// before forwarding.
var strippedHeaders = []string{
	"Host", "Forwarded", headerProxyAuth,
	headerForwardedFor, headerForwardedHost, headerForwardedProto,
}

// alterHeaders strips the hop headers and applies header_vars value
// substitution: any surviving header whose value matches a configured
// header_vars key is replaced by that key's value, letting callers
// reference a secret without ever holding it.
func alterHeaders(h http.Header, headerVar func(string) (string, bool)) http.Header {
	out := h.Clone()
	for _, name := range strippedHeaders {
		out.Del(name)
	}
	for name, values := range out {
		for i, v := range values {
			if sub, ok := headerVar(v); ok {
				values[i] = sub
			}
		}
		out[name] = values
	}
	return out
}

// isSafeMethod reports whether method never carries a request body worth
// forwarding, mirroring HTTP's definition of safe methods.
func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
