package httpmsg_test

import (
	"strings"
	"testing"

	"github.com/eventcore/eventserver/internal/httpmsg"
)

func TestParseSimpleGet(t *testing.T) {
	t.Parallel()

	raw := "GET /health?verbose=1 HTTP/1.1\r\nHost: example.com\r\nX-Trace: abc\r\n\r\n"
	req, n, err := httpmsg.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req == nil {
		t.Fatal("expected a parsed request, got NeedMore")
	}
	if n != len(raw) {
		t.Errorf("consumed %d, want %d", n, len(raw))
	}
	if req.Method != "GET" || req.Path != "/health" {
		t.Errorf("method/path = %q/%q", req.Method, req.Path)
	}
	if req.Query.Get("verbose") != "1" {
		t.Errorf("query verbose = %q, want 1", req.Query.Get("verbose"))
	}
	if req.Header.Get("host") != "example.com" {
		t.Errorf("case-insensitive header lookup failed: %q", req.Header.Get("host"))
	}
}

func TestParseNeedsMoreForPartialHeaders(t *testing.T) {
	t.Parallel()

	req, n, err := httpmsg.Parse([]byte("GET / HTTP/1.1\r\nHost: x"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req != nil || n != 0 {
		t.Fatalf("expected NeedMore, got req=%v n=%d", req, n)
	}
}

func TestParseNeedsMoreForPartialBody(t *testing.T) {
	t.Parallel()

	raw := "POST /x HTTP/1.1\r\nContent-Length: 10\r\n\r\nabc"
	req, n, err := httpmsg.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req != nil || n != 0 {
		t.Fatalf("expected NeedMore for truncated body, got req=%v n=%d", req, n)
	}
}

func TestParseJSONBody(t *testing.T) {
	t.Parallel()

	body := `{"n":1}`
	raw := "POST /x HTTP/1.1\r\nContent-Type: application/json\r\nContent-Length: " +
		itoa(len(body)) + "\r\n\r\n" + body
	req, _, err := httpmsg.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	m, ok := req.JSON.(map[string]any)
	if !ok {
		t.Fatalf("expected decoded JSON object, got %T", req.JSON)
	}
	if m["n"].(float64) != 1 {
		t.Errorf("n = %v, want 1", m["n"])
	}
}

func TestParseMalformedRequestLine(t *testing.T) {
	t.Parallel()

	_, _, err := httpmsg.Parse([]byte("garbage\r\n\r\n"))
	if err == nil {
		t.Fatal("expected protocol error for malformed request line")
	}
}

func TestIsWebSocketUpgrade(t *testing.T) {
	t.Parallel()

	raw := "GET /chat HTTP/1.1\r\nUpgrade: websocket\r\nConnection: Keep-Alive, Upgrade\r\n\r\n"
	req, _, err := httpmsg.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !httpmsg.IsWebSocketUpgrade(req) {
		t.Fatal("expected upgrade detection to succeed with a multi-value Connection header")
	}
}

func TestValidateHandshakeAccepts(t *testing.T) {
	t.Parallel()

	raw := "GET /chat HTTP/1.1\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n" +
		"Sec-WebSocket-Version: 13\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n"
	req, _, err := httpmsg.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := httpmsg.ValidateHandshake(req); err != nil {
		t.Fatalf("expected valid handshake, got %v", err)
	}
}

func TestValidateHandshakeRejectsWrongVersion(t *testing.T) {
	t.Parallel()

	raw := "GET /chat HTTP/1.1\r\nSec-WebSocket-Version: 8\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n"
	req, _, err := httpmsg.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := httpmsg.ValidateHandshake(req); err == nil {
		t.Fatal("expected an error for Sec-WebSocket-Version != 13")
	}
}

func TestValidateHandshakeRejectsShortKey(t *testing.T) {
	t.Parallel()

	raw := "GET /chat HTTP/1.1\r\nSec-WebSocket-Version: 13\r\nSec-WebSocket-Key: dG9vc2hvcnQ=\r\n\r\n"
	req, _, err := httpmsg.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := httpmsg.ValidateHandshake(req); err == nil {
		t.Fatal("expected an error for a key that doesn't decode to 16 bytes")
	}
}

func TestSerializeSetsContentLengthAndClose(t *testing.T) {
	t.Parallel()

	resp := httpmsg.NewResponse(200, []byte(`{"ok":true}`), "application/json")
	wire := string(httpmsg.Serialize(resp))

	if !strings.HasPrefix(wire, "HTTP/1.1 200 OK\r\n") {
		t.Errorf("status line wrong: %q", wire[:20])
	}
	if !strings.Contains(wire, "Content-Length: 11\r\n") {
		t.Error("missing or wrong Content-Length")
	}
	if !strings.Contains(wire, "Connection: close\r\n") {
		t.Error("expected default Connection: close")
	}
	if !strings.HasSuffix(wire, `{"ok":true}`) {
		t.Error("body not appended after headers")
	}
}

func TestSerializeKeepAlive(t *testing.T) {
	t.Parallel()

	resp := &httpmsg.Response{Status: 204, Header: httpmsg.Header{}, KeepAlive: true}
	wire := string(httpmsg.Serialize(resp))
	if !strings.Contains(wire, "Connection: keep-alive\r\n") {
		t.Error("expected keep-alive connection header")
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
