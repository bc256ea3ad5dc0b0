package router

import (
	"strconv"
	"strings"
)

// CORSPolicy computes the cross-origin headers a response should carry for
// a given request Origin, built from config.CORSConfig. It never echoes a
// bare wildcard when AllowCredentials is set, since that combination is
// rejected by browsers anyway and silently accepting it would be
// misleading about what protection the policy offers.
type CORSPolicy struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	MaxAgeSeconds    int
	AllowCredentials bool
}

// Headers returns the response headers for a request carrying the given
// Origin header value (empty if the request had none). preflight adds
// Allow-Methods, Allow-Headers, and Max-Age, which only apply to an
// OPTIONS preflight request; a simple request gets only Allow-Origin and,
// if configured, Allow-Credentials. ok is false when origin is non-empty
// but not permitted, in which case callers should omit CORS headers
// entirely rather than send a response the browser will accept.
func (p *CORSPolicy) Headers(origin string, preflight bool) (headers map[string]string, ok bool) {
	if origin == "" {
		return nil, true
	}
	if !p.originAllowed(origin) {
		return nil, false
	}

	h := map[string]string{
		"Access-Control-Allow-Origin": origin,
	}
	if p.AllowCredentials {
		h["Access-Control-Allow-Credentials"] = "true"
	}
	if preflight {
		if len(p.AllowedMethods) > 0 {
			h["Access-Control-Allow-Methods"] = strings.Join(p.AllowedMethods, ", ")
		}
		if len(p.AllowedHeaders) > 0 {
			h["Access-Control-Allow-Headers"] = strings.Join(p.AllowedHeaders, ", ")
		}
		if p.MaxAgeSeconds > 0 {
			h["Access-Control-Max-Age"] = strconv.Itoa(p.MaxAgeSeconds)
		}
	}
	return h, true
}

func (p *CORSPolicy) originAllowed(origin string) bool {
	for _, allowed := range p.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
