// Package router implements the HTTP and WebSocket-event routing tables
// and the uniform middleware-chaining model used by both, plus the
// handshake middleware chain that gates WebSocket upgrades.
//
// Route registration happens once, before Run; after that the tables are
// immutable. Pattern matching and middleware composition are modeled on
// chi's mux — the
// specificity ordering below (literal segments beat placeholders, longer
// patterns beat shorter, earlier registration breaks remaining ties) is
// the same algorithm chi's tree router applies, adapted to a router that
// dispatches decoded request structs rather than http.Handler values (see
// DESIGN.md for why chi itself isn't imported here).
package router

import (
	"sort"
	"strings"

	"github.com/eventcore/eventserver/internal/httpmsg"
	"github.com/eventcore/eventserver/internal/model"
)

// HTTPContext is the per-request context passed through HTTP middleware and
// handed to the final handler.
type HTTPContext struct {
	Req      *httpmsg.Request
	Params   map[string]string
	ClientID model.ClientID
	Facade   any // set to the *reactor.Reactor driving the connection at dispatch time
}

// HTTPResult is what an HTTP handler produces. Body == nil encodes as 404
// (unless Status is already set), a string Body is written raw, anything
// else is JSON-encoded.
type HTTPResult struct {
	Status int
	Body   any
}

// HTTPHandlerFunc handles one HTTP request.
type HTTPHandlerFunc func(*HTTPContext) (*HTTPResult, error)

// HTTPMiddleware wraps a handler to produce a new handler, in the same
// func(Handler) Handler shape as net/http middleware.
type HTTPMiddleware func(HTTPHandlerFunc) HTTPHandlerFunc

// EventContext is the per-message context passed through WS middleware and
// handed to the final event handler.
type EventContext struct {
	ClientID  model.ClientID
	Namespace string
	Event     string
	Data      any
	Facade    any
}

// EventHandlerFunc handles one decoded WebSocket envelope. A non-nil reply
// is sent back to the originating client as a text frame; a non-nil error
// is logged and optionally translated to an error event per route
// configuration.
type EventHandlerFunc func(*EventContext) (*model.Envelope, error)

// EventMiddleware wraps an EventHandlerFunc.
type EventMiddleware func(EventHandlerFunc) EventHandlerFunc

// HandshakeAction is the verdict a handshake middleware chain produces.
type HandshakeAction int

const (
	HandshakeContinue HandshakeAction = iota
	HandshakeReject
	HandshakeCustomResponse
)

// HandshakeContext is the frozen view over the upgrading HTTP request, per
// the HandshakeRequest data-model entry.
type HandshakeContext struct {
	Req    *httpmsg.Request
	Facade any
	// Attrs collects values handshake middleware wants stored in the
	// client's attribute bag once the connection reaches WsOpen (e.g.
	// auth.userId from a JWT middleware).
	Attrs map[string]any
}

// HandshakeResult is the outcome of the handshake middleware chain.
type HandshakeResult struct {
	Action  HandshakeAction
	Status  int
	Header  httpmsg.Header
	Body    []byte
}

// HandshakeHandlerFunc evaluates one link of the handshake chain.
type HandshakeHandlerFunc func(*HandshakeContext) HandshakeResult

// HandshakeMiddleware wraps a HandshakeHandlerFunc.
type HandshakeMiddleware func(HandshakeHandlerFunc) HandshakeHandlerFunc

type httpRoute struct {
	method     string
	pattern    string
	segments   []string
	literalCnt int
	order      int
	handler    HTTPHandlerFunc
}

type wsRoute struct {
	handler      EventHandlerFunc
	nsFilter     string // empty means no restriction
	reportErrors bool
}

// Router holds the HTTP and WebSocket routing tables plus the handshake
// middleware chain. The zero value is not usable; construct with New.
type Router struct {
	httpRoutes      []httpRoute
	wsRoutes        map[string]wsRoute
	handshakeChain  []HandshakeMiddleware
	onUnknownEvent  EventHandlerFunc
	nextOrder       int
}

// New creates an empty Router.
func New() *Router {
	return &Router{wsRoutes: make(map[string]wsRoute)}
}

// HandleHTTP registers an HTTP route. pattern segments starting with ":"
// capture a path parameter under that name. Registration must happen
// before Run; the router applies mw in the order given, outermost first.
func (r *Router) HandleHTTP(method, pattern string, handler HTTPHandlerFunc, mw ...HTTPMiddleware) {
	segs := splitPath(pattern)
	literal := 0
	for _, s := range segs {
		if !strings.HasPrefix(s, ":") {
			literal++
		}
	}

	wrapped := handler
	for i := len(mw) - 1; i >= 0; i-- {
		wrapped = mw[i](wrapped)
	}

	r.httpRoutes = append(r.httpRoutes, httpRoute{
		method:     strings.ToUpper(method),
		pattern:    pattern,
		segments:   segs,
		literalCnt: literal,
		order:      r.nextOrder,
		handler:    wrapped,
	})
	r.nextOrder++
}

// HandleEvent registers a handler for the named WebSocket event. nsFilter,
// when non-empty, restricts the handler to clients currently in that
// namespace; a mismatched namespace is treated as no route found.
// reportErrors opts the route into translating a handler error into an
// {"event":"error",...} reply rather than swallowing it silently.
func (r *Router) HandleEvent(event string, handler EventHandlerFunc, opts EventOptions, mw ...EventMiddleware) {
	wrapped := handler
	for i := len(mw) - 1; i >= 0; i-- {
		wrapped = mw[i](wrapped)
	}
	r.wsRoutes[event] = wsRoute{handler: wrapped, nsFilter: opts.Namespace, reportErrors: opts.ReportErrors}
}

// EventOptions configures an event route's namespace scoping and error
// translation policy.
type EventOptions struct {
	Namespace    string
	ReportErrors bool
}

// OnUnknownEvent registers a fallback handler invoked when a decoded
// envelope's event name has no registered route. Leaving it unset causes
// unrouted events to be dropped silently.
func (r *Router) OnUnknownEvent(handler EventHandlerFunc) {
	r.onUnknownEvent = handler
}

// UseHandshake appends a middleware link to the handshake chain evaluated
// on every WebSocket upgrade attempt.
func (r *Router) UseHandshake(mw HandshakeMiddleware) {
	r.handshakeChain = append(r.handshakeChain, mw)
}

// MatchHTTP resolves method/path to a handler and captured path
// parameters. Candidates are ranked by literal-segment count (descending),
// then pattern length (descending), then registration order (ascending) —
// the same specificity order chi's router applies.
func (r *Router) MatchHTTP(method, path string) (HTTPHandlerFunc, map[string]string, bool) {
	reqSegs := splitPath(path)

	type candidate struct {
		route  httpRoute
		params map[string]string
	}
	var candidates []candidate

	for _, rt := range r.httpRoutes {
		if rt.method != strings.ToUpper(method) {
			continue
		}
		if len(rt.segments) != len(reqSegs) {
			continue
		}
		params := make(map[string]string)
		matched := true
		for i, seg := range rt.segments {
			if strings.HasPrefix(seg, ":") {
				params[seg[1:]] = reqSegs[i]
				continue
			}
			if seg != reqSegs[i] {
				matched = false
				break
			}
		}
		if matched {
			candidates = append(candidates, candidate{route: rt, params: params})
		}
	}

	if len(candidates) == 0 {
		return nil, nil, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].route, candidates[j].route
		if a.literalCnt != b.literalCnt {
			return a.literalCnt > b.literalCnt
		}
		if len(a.segments) != len(b.segments) {
			return len(a.segments) > len(b.segments)
		}
		return a.order < b.order
	})

	best := candidates[0]
	return best.route.handler, best.params, true
}

// MatchEvent resolves an event name to its handler, honoring an optional
// namespace filter. Returns ok=false if no route is registered (callers
// should fall back to OnUnknownEvent) or if the route's namespace filter
// does not match ns.
func (r *Router) MatchEvent(event, ns string) (EventHandlerFunc, bool, bool) {
	rt, ok := r.wsRoutes[event]
	if !ok {
		return nil, false, false
	}
	if rt.nsFilter != "" && rt.nsFilter != ns {
		return nil, false, false
	}
	return rt.handler, rt.reportErrors, true
}

// UnknownEventHandler returns the registered fallback handler, or nil.
func (r *Router) UnknownEventHandler() EventHandlerFunc { return r.onUnknownEvent }

// RunHandshake evaluates the handshake middleware chain against ctx. An
// empty chain always continues.
func (r *Router) RunHandshake(ctx *HandshakeContext) HandshakeResult {
	final := func(*HandshakeContext) HandshakeResult {
		return HandshakeResult{Action: HandshakeContinue}
	}
	chained := final
	for i := len(r.handshakeChain) - 1; i >= 0; i-- {
		chained = r.handshakeChain[i](chained)
	}
	return chained(ctx)
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return []string{}
	}
	return strings.Split(trimmed, "/")
}
