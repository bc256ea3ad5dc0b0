// Package httpmsg is a minimal HTTP/1.1 request parser and response
// serializer written for the reactor's non-blocking read loop: Parse
// consumes whatever bytes have accumulated so far and reports either a
// complete request, "need more bytes", or a malformed-request error,
// exactly like wsframe.Decode does for WebSocket frames. It deliberately
// does not use net/http's server, since that owns its own per-connection
// goroutine and blocking reads — incompatible with a single-threaded
// reactor driving many sockets.
package httpmsg

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"github.com/eventcore/eventserver/internal/model"
)

// Header is a case-insensitive multi-value header map. Keys are stored in
// their canonical MIME form (net/textproto.CanonicalMIMEHeaderKey) but
// original casing of values is preserved for echo.
type Header map[string][]string

// Get returns the first value associated with key, or "" if absent.
func (h Header) Get(key string) string {
	vs := h[textproto.CanonicalMIMEHeaderKey(key)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Set replaces any existing values for key with a single value.
func (h Header) Set(key, value string) {
	h[textproto.CanonicalMIMEHeaderKey(key)] = []string{value}
}

// Add appends value to any existing values for key.
func (h Header) Add(key, value string) {
	k := textproto.CanonicalMIMEHeaderKey(key)
	h[k] = append(h[k], value)
}

// Request is a fully parsed HTTP/1.1 request.
type Request struct {
	Method  string
	Path    string // normalized to start with "/"
	Query   url.Values
	Version string
	Header  Header
	Body    []byte
	// JSON holds the decoded body when Content-Type is application/json and
	// decoding succeeded. It is nil otherwise, in which case callers should
	// use Body directly.
	JSON any
}

// maxHeaderBytes bounds how much of buf Parse will scan looking for the
// terminating CRLFCRLF before giving up and reporting a protocol error,
// guarding against a client that never terminates its headers.
const maxHeaderBytes = 64 * 1024

// Parse attempts to parse one HTTP request from the front of buf. It
// returns (req, n, nil) on success, consuming n bytes; (nil, 0, nil) if buf
// does not yet contain a complete request; or (nil, 0, err) for a malformed
// request, where err is a *model.Error with Kind == model.KindProtocolError.
func Parse(buf []byte) (*Request, int, error) {
	headerEnd := bytes.Index(buf, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		if len(buf) > maxHeaderBytes {
			return nil, 0, model.NewProtocolError(0, "request headers exceed maximum size")
		}
		return nil, 0, nil
	}

	head := buf[:headerEnd]
	lines := strings.Split(string(head), "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, 0, model.NewProtocolError(0, "empty request line")
	}

	method, path, query, version, err := parseRequestLine(lines[0])
	if err != nil {
		return nil, 0, err
	}

	header := make(Header)
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, 0, model.NewProtocolError(0, "malformed header line")
		}
		name := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(line[:idx]))
		value := strings.TrimSpace(line[idx+1:])
		header[name] = append(header[name], value)
	}

	bodyStart := headerEnd + 4
	contentLength := 0
	if cl := header.Get("Content-Length"); cl != "" {
		contentLength, err = strconv.Atoi(cl)
		if err != nil || contentLength < 0 {
			return nil, 0, model.NewProtocolError(0, "malformed Content-Length")
		}
	}

	if len(buf)-bodyStart < contentLength {
		return nil, 0, nil // body not fully buffered yet
	}

	body := append([]byte(nil), buf[bodyStart:bodyStart+contentLength]...)

	req := &Request{
		Method:  method,
		Path:    path,
		Query:   query,
		Version: version,
		Header:  header,
		Body:    body,
	}

	if len(body) > 0 && strings.HasPrefix(header.Get("Content-Type"), "application/json") {
		var v any
		if err := json.Unmarshal(body, &v); err == nil {
			req.JSON = v
		}
	}

	return req, bodyStart + contentLength, nil
}

func parseRequestLine(line string) (method, path string, query url.Values, version string, err error) {
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return "", "", nil, "", model.NewProtocolError(0, "malformed request line")
	}
	method, target, version := parts[0], parts[1], parts[2]

	p, rawQuery, _ := strings.Cut(target, "?")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	q, qerr := url.ParseQuery(rawQuery)
	if qerr != nil {
		q = url.Values{}
	}
	return method, p, q, version, nil
}

// Response is a server-to-client HTTP response ready for serialization.
type Response struct {
	Status    int
	Reason    string
	Header    Header
	Body      []byte
	KeepAlive bool
}

var statusReasons = map[int]string{
	200: "OK",
	204: "No Content",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	500: "Internal Server Error",
	501: "Not Implemented",
}

// NewResponse builds a Response carrying body verbatim, with Content-Type
// set to contentType unless it is empty. If body is nil the response has
// no payload.
func NewResponse(status int, body []byte, contentType string) *Response {
	h := make(Header)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return &Response{Status: status, Header: h, Body: body}
}

// Serialize renders r as wire bytes: status line, headers, CRLFCRLF, body.
// Content-Length is always set for a bodied response. Connection defaults
// to "close" unless r.KeepAlive is set.
func Serialize(r *Response) []byte {
	reason := r.Reason
	if reason == "" {
		reason = statusReasons[r.Status]
	}
	if reason == "" {
		reason = "Unknown"
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", r.Status, reason)

	for k, vs := range r.Header {
		for _, v := range vs {
			fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
		}
	}
	fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(r.Body))
	if r.KeepAlive {
		buf.WriteString("Connection: keep-alive\r\n")
	} else {
		buf.WriteString("Connection: close\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(r.Body)
	return buf.Bytes()
}

// IsWebSocketUpgrade reports whether req carries the headers RFC 6455 §4.1
// requires to initiate a WebSocket handshake. It does not validate the key
// or version; callers use ValidateHandshake for that.
func IsWebSocketUpgrade(req *Request) bool {
	if !strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
		return false
	}
	conn := strings.ToLower(req.Header.Get("Connection"))
	for _, part := range strings.Split(conn, ",") {
		if strings.TrimSpace(part) == "upgrade" {
			return true
		}
	}
	return false
}

// ValidateHandshake checks the two handshake fields RFC 6455 §4.2.1
// requires beyond the Upgrade/Connection headers IsWebSocketUpgrade already
// covers: Sec-WebSocket-Version must be 13, and Sec-WebSocket-Key must
// base64-decode to exactly 16 bytes. It returns a *model.Error with
// CloseCode 1002 describing the first failure found, or nil if both check
// out.
func ValidateHandshake(req *Request) error {
	if v := req.Header.Get("Sec-WebSocket-Version"); v != "13" {
		return model.NewProtocolError(1002, "unsupported Sec-WebSocket-Version: "+v)
	}
	key := req.Header.Get("Sec-WebSocket-Key")
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil || len(decoded) != 16 {
		return model.NewProtocolError(1002, "invalid Sec-WebSocket-Key")
	}
	return nil
}
