// Package dispatch implements the dispatcher: the component that turns a
// decoded HTTP request or WebSocket envelope into a router lookup, a
// middleware-wrapped handler call, and (for broadcasts) a fan-out over the
// namespace index's target snapshot.
//
// It is deliberately thin — almost everything it does is delegate to
// router.Router and nsindex.Index — because the dispatcher's job is
// sequencing, not policy: matching stays in the router, behavior stays in
// the handler.
package dispatch

import (
	"encoding/json"
	"log/slog"

	"github.com/eventcore/eventserver/internal/httpmsg"
	"github.com/eventcore/eventserver/internal/model"
	"github.com/eventcore/eventserver/internal/router"
)

// Sender is the narrow capability the dispatcher needs from the reactor to
// deliver replies and broadcasts: queue an already-encoded frame for one
// client, without needing to know anything about sockets or buffers.
type Sender interface {
	SendFrame(id model.ClientID, payload []byte) error
}

// Dispatcher binds a Router to a logger and a frame sender.
type Dispatcher struct {
	router *router.Router
	log    *slog.Logger
	sender Sender
	cors   *router.CORSPolicy
}

// New creates a Dispatcher.
func New(r *router.Router, log *slog.Logger, sender Sender) *Dispatcher {
	return &Dispatcher{router: r, log: log, sender: sender}
}

// SetCORS installs the cross-origin policy applied to every HTTP response.
// A nil policy (the default) disables CORS handling entirely.
func (d *Dispatcher) SetCORS(policy *router.CORSPolicy) {
	d.cors = policy
}

// DispatchHTTP resolves and invokes the HTTP handler for req, recovering
// from a handler panic the same way the dispatcher recovers from one in
// DispatchEvent. A nil route result renders a 404.
func (d *Dispatcher) DispatchHTTP(id model.ClientID, req *httpmsg.Request, facade any) (res *httpmsg.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("http handler panic", slog.Any("recover", r), slog.String("path", req.Path))
			res = jsonResponse(500, map[string]string{"error": "internal error"})
			d.applyCORS(res, req)
			err = nil
		}
	}()

	origin := req.Header.Get("Origin")
	isPreflight := req.Method == "OPTIONS"
	var corsHeaders map[string]string
	if d.cors != nil {
		allowed := true
		corsHeaders, allowed = d.cors.Headers(origin, isPreflight)
		if !allowed {
			return jsonResponse(403, map[string]string{"error": "origin not allowed"}), nil
		}
		if req.Method == "OPTIONS" {
			res := httpmsg.NewResponse(204, nil, "")
			for k, v := range corsHeaders {
				res.Header.Set(k, v)
			}
			return res, nil
		}
	}

	handler, params, ok := d.router.MatchHTTP(req.Method, req.Path)
	if !ok {
		res = jsonResponse(404, map[string]string{"error": "not found"})
		d.setCORSHeaders(res, corsHeaders)
		return res, nil
	}

	ctx := &router.HTTPContext{Req: req, Params: params, ClientID: id, Facade: facade}
	result, herr := handler(ctx)
	if herr != nil {
		d.log.Error("http handler error", slog.Any("error", herr), slog.String("path", req.Path))
		res = jsonResponse(500, map[string]string{"error": "internal error"})
		d.setCORSHeaders(res, corsHeaders)
		return res, nil
	}
	if result == nil || result.Body == nil {
		status := 404
		if result != nil && result.Status != 0 {
			status = result.Status
		}
		res = jsonResponse(status, nil)
		d.setCORSHeaders(res, corsHeaders)
		return res, nil
	}
	status := result.Status
	if status == 0 {
		status = 200
	}
	if s, ok := result.Body.(string); ok {
		res = httpmsg.NewResponse(status, []byte(s), "text/plain; charset=utf-8")
	} else {
		res = jsonResponse(status, result.Body)
	}
	d.setCORSHeaders(res, corsHeaders)
	return res, nil
}

// applyCORS recomputes and attaches CORS headers for a response built
// outside the normal corsHeaders plumbing, namely the panic-recovery path.
func (d *Dispatcher) applyCORS(res *httpmsg.Response, req *httpmsg.Request) {
	if d.cors == nil {
		return
	}
	headers, ok := d.cors.Headers(req.Header.Get("Origin"), req.Method == "OPTIONS")
	if !ok {
		return
	}
	d.setCORSHeaders(res, headers)
}

func (d *Dispatcher) setCORSHeaders(res *httpmsg.Response, headers map[string]string) {
	for k, v := range headers {
		res.Header.Set(k, v)
	}
}

func jsonResponse(status int, body any) *httpmsg.Response {
	if body == nil {
		return httpmsg.NewResponse(status, nil, "")
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return httpmsg.NewResponse(500, []byte(`{"error":"failed to encode response"}`), "application/json")
	}
	return httpmsg.NewResponse(status, encoded, "application/json")
}

// DispatchEvent resolves and invokes the event handler bound to env.Event
// for the client's current namespace. A reply envelope, if the handler
// returns one, is marshaled and handed to Sender. A handler error is
// logged and, if the matched route opted into it, translated into an
// "error" reply event; otherwise it is swallowed after logging, per the
// error-handling design's KindHandlerError policy.
func (d *Dispatcher) DispatchEvent(id model.ClientID, ns string, env *model.Envelope, facade any) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("event handler panic", slog.Any("recover", r), slog.String("event", env.Event))
		}
	}()

	handler, reportErrors, ok := d.router.MatchEvent(env.Event, ns)
	if !ok {
		if fallback := d.router.UnknownEventHandler(); fallback != nil {
			handler, reportErrors, ok = fallback, false, true
		}
	}
	if !ok {
		d.log.Debug("no route for event", slog.String("event", env.Event), slog.Uint64("client_id", uint64(id)))
		return
	}

	ctx := &router.EventContext{ClientID: id, Namespace: ns, Event: env.Event, Data: env.Data, Facade: facade}
	reply, err := handler(ctx)
	if err != nil {
		d.log.Error("event handler error", slog.Any("error", err), slog.String("event", env.Event))
		if reportErrors {
			d.replyError(id, env.Event, err)
		}
		return
	}
	if reply != nil {
		d.sendEnvelope(id, reply)
	}
}

func (d *Dispatcher) replyError(id model.ClientID, event string, cause error) {
	d.sendEnvelope(id, &model.Envelope{
		Event: "error",
		Data:  map[string]string{"source_event": event, "message": cause.Error()},
	})
}

func (d *Dispatcher) sendEnvelope(id model.ClientID, env *model.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		d.log.Error("failed to encode envelope", slog.Any("error", err), slog.String("event", env.Event))
		return
	}
	if err := d.sender.SendFrame(id, payload); err != nil {
		d.log.Warn("failed to queue reply", slog.Any("error", err), slog.Uint64("client_id", uint64(id)))
	}
}

// Broadcast encodes env once and enqueues it to every client id in
// targets, matching the design's "encode once, fan out to a snapshot"
// rule — targets should already be a point-in-time snapshot from
// nsindex.Index.Targets.
func (d *Dispatcher) Broadcast(targets []model.ClientID, env *model.Envelope) (sent int, failed int) {
	payload, err := json.Marshal(env)
	if err != nil {
		d.log.Error("failed to encode broadcast envelope", slog.Any("error", err), slog.String("event", env.Event))
		return 0, len(targets)
	}
	for _, id := range targets {
		if err := d.sender.SendFrame(id, payload); err != nil {
			failed++
			continue
		}
		sent++
	}
	return sent, failed
}
