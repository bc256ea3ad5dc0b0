// Package reactor drives the single event loop that accepts connections,
// reads and writes their sockets, and feeds decoded HTTP requests and
// WebSocket frames to the dispatcher — all from one goroutine, per the
// non-blocking multiplexer design. It deliberately avoids net/http's
// goroutine-per-connection listener, instead multiplexing a kernel fd and
// a self-pipe through one poll(2) call, the same raw syscall primitives
// an inotify-based file watcher would use.
package reactor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/eventcore/eventserver/internal/conn"
	"github.com/eventcore/eventserver/internal/dispatch"
	"github.com/eventcore/eventserver/internal/httpmsg"
	"github.com/eventcore/eventserver/internal/metrics"
	"github.com/eventcore/eventserver/internal/model"
	"github.com/eventcore/eventserver/internal/netpoll"
	"github.com/eventcore/eventserver/internal/nsindex"
	"github.com/eventcore/eventserver/internal/queuefile"
	"github.com/eventcore/eventserver/internal/router"
	"github.com/eventcore/eventserver/internal/wsframe"
)

// maxReadPerTick bounds how many bytes the loop reads from a single
// connection before moving to the next one, so one fast producer cannot
// starve the rest of the poll set — the fairness guarantee the design
// calls for.
const maxReadPerTick = 64 * 1024

// Config carries the tunables the reactor needs from the loaded
// configuration, already resolved to durations.
type Config struct {
	Host             string
	Port             int
	IdleTimeout      time.Duration
	PingInterval     time.Duration
	PingTimeout      time.Duration
	MaxFrameBytes    int
	MaxMessageBytes  int
	WriteBufferBytes int
	QueueFile        string
	QueuePollEvery   time.Duration
	CORS             *router.CORSPolicy
}

// Reactor owns the listening socket, the poll set, and every accepted
// connection's state. Every exported method except Bind/Run/Shutdown is
// intended to be called only from the loop goroutine itself (directly, or
// indirectly through a dispatcher handler running synchronously within
// DispatchEvent); Server-facade calls made from other goroutines are
// funneled through the command queue in cmds.go.
type Reactor struct {
	cfg    Config
	log    *slog.Logger
	poller netpoll.Poller
	router *router.Router
	index  *nsindex.Index
	disp   *dispatch.Dispatcher
	mx     *metrics.Metrics

	listener   net.Listener
	listenFile *netFile
	listenFd   int

	conns   map[int]*conn.Conn
	byID    map[model.ClientID]*conn.Conn
	nextID  uint64

	queue *queuefile.Reader

	cmdMu   sync.Mutex
	cmds    []func(*Reactor)
	running bool
	stop    chan struct{}
	stopped chan struct{}
}

// netFile abstracts the *os.File returned by (*net.TCPListener).File so
// tests can stand in a fake without opening real sockets.
type netFile interface {
	Fd() uintptr
	Close() error
}

// New constructs a Reactor. Bind must be called before Run.
func New(cfg Config, log *slog.Logger, r *router.Router, index *nsindex.Index, mx *metrics.Metrics) *Reactor {
	re := &Reactor{
		cfg:     cfg,
		log:     log,
		router:  r,
		index:   index,
		mx:      mx,
		conns:   make(map[int]*conn.Conn),
		byID:    make(map[model.ClientID]*conn.Conn),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	re.disp = dispatch.New(r, log, re)
	re.disp.SetCORS(cfg.CORS)
	return re
}

// Bind opens the listening socket and registers it with the poller.
func (re *Reactor) Bind() error {
	poller, err := netpoll.New()
	if err != nil {
		return fmt.Errorf("reactor: create poller: %w", err)
	}
	re.poller = poller

	addr := fmt.Sprintf("%s:%d", re.cfg.Host, re.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("reactor: listen %s: %w", addr, err)
	}
	re.listener = ln

	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		return fmt.Errorf("reactor: listener is not a TCP listener")
	}
	f, err := tcpLn.File()
	if err != nil {
		return fmt.Errorf("reactor: extract listener fd: %w", err)
	}
	re.listenFile = f
	re.listenFd = int(f.Fd())
	if err := syscall.SetNonblock(re.listenFd, true); err != nil {
		return fmt.Errorf("reactor: set listener nonblocking: %w", err)
	}

	if err := re.poller.Add(re.listenFd, netpoll.EventReadable); err != nil {
		return fmt.Errorf("reactor: register listener: %w", err)
	}

	if re.cfg.QueueFile != "" {
		q, err := queuefile.Open(re.cfg.QueueFile, func(offset int64, raw []byte, err error) {
			re.mx.QueueMalformedLine()
			re.log.Warn("malformed broadcast queue line", slog.Int64("offset", offset), slog.Any("error", err))
		})
		if err != nil {
			return fmt.Errorf("reactor: open broadcast queue: %w", err)
		}
		re.queue = q
	}

	re.log.Info("reactor bound", slog.String("addr", addr))
	return nil
}

// Run drives the event loop until Shutdown is called. It always returns
// nil on a clean shutdown; a poll failure is returned as an error so main
// can exit with the reactor-error status code.
func (re *Reactor) Run() error {
	defer close(re.stopped)
	re.running = true

	pollInterval := re.cfg.PingTimeout
	if pollInterval <= 0 || pollInterval > time.Second {
		pollInterval = time.Second
	}

	lastSweep := time.Now()
	lastQueuePoll := time.Now()

	for {
		select {
		case <-re.stop:
			return re.closeAll()
		default:
		}

		events, err := re.poller.Wait(pollInterval)
		if err != nil {
			return fmt.Errorf("reactor: poll wait: %w", err)
		}

		re.drainCommands()

		for _, ev := range events {
			if ev.Fd == re.listenFd {
				re.acceptAll()
				continue
			}
			c, ok := re.conns[ev.Fd]
			if !ok {
				continue
			}
			if ev.Mask&netpoll.EventError != 0 {
				re.closeConn(c, 1006, "socket error")
				continue
			}
			if ev.Mask&netpoll.EventReadable != 0 {
				re.handleReadable(c)
			}
			if c.State == conn.StateClosed {
				continue
			}
			if ev.Mask&netpoll.EventWritable != 0 {
				re.handleWritable(c)
			}
		}

		now := time.Now()
		if now.Sub(lastSweep) >= time.Second {
			re.sweepTimeouts(now)
			lastSweep = now
		}
		if re.queue != nil && now.Sub(lastQueuePoll) >= re.queuePollInterval() {
			re.pollQueue()
			lastQueuePoll = now
		}
	}
}

func (re *Reactor) queuePollInterval() time.Duration {
	if re.cfg.QueuePollEvery > 0 {
		return re.cfg.QueuePollEvery
	}
	return 200 * time.Millisecond
}

// Shutdown stops the loop and closes every connection. It blocks until Run
// has returned.
func (re *Reactor) Shutdown() {
	if !re.running {
		return
	}
	close(re.stop)
	if re.poller != nil {
		re.poller.Wake()
	}
	<-re.stopped
}

func (re *Reactor) closeAll() error {
	for _, c := range re.conns {
		re.closeConn(c, 1001, "server shutting down")
	}
	if re.listener != nil {
		re.listener.Close()
	}
	if re.listenFile != nil {
		re.listenFile.Close()
	}
	if re.poller != nil {
		re.poller.Close()
	}
	return nil
}

func (re *Reactor) acceptAll() {
	for {
		nfd, sa, err := syscall.Accept(re.listenFd)
		if err != nil {
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
				return
			}
			if err == syscall.EINTR {
				continue
			}
			re.log.Warn("accept failed", slog.Any("error", err))
			return
		}
		syscall.SetNonblock(nfd, true)

		re.nextID++
		id := model.ClientID(re.nextID)
		remote := remoteAddrString(sa)
		now := time.Now()

		traceID := uuid.NewString()
		c := conn.New(id, nfd, remote, re.cfg.WriteBufferBytes, now)
		c.SetAttr(model.AttrRemoteAddr, remote)
		c.SetAttr(model.AttrConnectedAt, now)
		c.SetAttr(model.AttrTraceID, traceID)

		re.conns[nfd] = c
		re.byID[id] = c
		re.poller.Add(nfd, netpoll.EventReadable)
		re.mx.ConnectionAccepted()

		re.log.Debug("connection accepted",
			slog.Uint64("client_id", uint64(id)),
			slog.String("remote_addr", remote),
			slog.String("trace_id", traceID),
		)
	}
}

func remoteAddrString(sa syscall.Sockaddr) string {
	switch addr := sa.(type) {
	case *syscall.SockaddrInet4:
		return fmt.Sprintf("%d.%d.%d.%d:%d", addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3], addr.Port)
	case *syscall.SockaddrInet6:
		return fmt.Sprintf("[%x]:%d", addr.Addr, addr.Port)
	default:
		return "unknown"
	}
}

func (re *Reactor) handleReadable(c *conn.Conn) {
	buf := make([]byte, 16*1024)
	total := 0
	for total < maxReadPerTick {
		n, err := syscall.Read(c.Fd, buf)
		if n > 0 {
			c.ReadBuf = append(c.ReadBuf, buf[:n]...)
			total += n
		}
		if err != nil {
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
				break
			}
			re.closeConn(c, 1006, "read error")
			return
		}
		if n == 0 {
			re.closeConn(c, 1000, "peer closed connection")
			return
		}
		if n < len(buf) {
			break
		}
	}

	c.Touch(time.Now())
	re.processBuffer(c)
}

func (re *Reactor) processBuffer(c *conn.Conn) {
	switch c.State {
	case conn.StateReadingHTTP:
		re.processHTTP(c)
	case conn.StateWSOpen, conn.StateWSClosing:
		re.processFrames(c)
	}
}

func (re *Reactor) processHTTP(c *conn.Conn) {
	req, n, err := httpmsg.Parse(c.ReadBuf)
	if err != nil {
		re.mx.ProtocolError()
		re.writeRaw(c, httpmsg.Serialize(httpmsg.NewResponse(400, []byte(`{"error":"malformed request"}`), "application/json")))
		re.closeConn(c, 1002, "malformed http request")
		return
	}
	if req == nil {
		return // need more bytes
	}
	c.ReadBuf = c.ReadBuf[n:]

	if httpmsg.IsWebSocketUpgrade(req) {
		re.handleUpgrade(c, req)
		return
	}

	resp, _ := re.disp.DispatchHTTP(c.ID, req, re)
	re.writeRaw(c, httpmsg.Serialize(resp))
	re.closeConn(c, 1000, "http response sent")
}

func (re *Reactor) handleUpgrade(c *conn.Conn, req *httpmsg.Request) {
	if err := httpmsg.ValidateHandshake(req); err != nil {
		re.mx.ProtocolError()
		body, _ := json.Marshal(map[string]string{"error": err.Error()})
		re.writeRaw(c, httpmsg.Serialize(httpmsg.NewResponse(400, body, "application/json")))
		re.closeConn(c, 1002, "invalid handshake")
		return
	}
	key := req.Header.Get("Sec-WebSocket-Key")

	hctx := &router.HandshakeContext{Req: req, Facade: re, Attrs: make(map[string]any)}
	result := re.router.RunHandshake(hctx)

	switch result.Action {
	case router.HandshakeReject:
		status := result.Status
		if status == 0 {
			status = 401
		}
		re.mx.ProtocolError()
		re.writeRaw(c, httpmsg.Serialize(httpmsg.NewResponse(status, []byte(`{"error":"handshake rejected"}`), "application/json")))
		re.closeConn(c, 1008, "handshake rejected")
		return
	case router.HandshakeCustomResponse:
		resp := httpmsg.NewResponse(result.Status, result.Body, "")
		resp.Header = result.Header
		re.writeRaw(c, httpmsg.Serialize(resp))
		re.closeConn(c, 1000, "handshake custom response")
		return
	}

	accept := conn.ComputeAcceptKey(key)
	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n\r\n"
	re.writeRaw(c, []byte(resp))

	for k, v := range hctx.Attrs {
		c.SetAttr(k, v)
	}
	c.State = conn.StateWSOpen
	c.Kind = model.ConnWS
	c.Namespace = nsindex.DefaultNamespace
	re.index.JoinNamespace(c.ID, nsindex.DefaultNamespace)

	re.log.Info("websocket handshake complete", slog.Uint64("client_id", uint64(c.ID)), slog.String("remote_addr", c.RemoteAddr))
	re.disp.DispatchEvent(c.ID, c.Namespace, &model.Envelope{Event: "connect"}, re)
}

func (re *Reactor) processFrames(c *conn.Conn) {
	for {
		f, n, err := wsframe.Decode(c.ReadBuf, re.cfg.MaxFrameBytes)
		if err != nil {
			re.mx.ProtocolError()
			code := uint16(1002)
			if me, ok := err.(*model.Error); ok && me.CloseCode != 0 {
				code = me.CloseCode
			}
			re.sendCloseAndClose(c, code, "protocol error")
			return
		}
		if f == nil {
			return
		}
		c.ReadBuf = c.ReadBuf[n:]
		re.mx.FrameDecoded()
		c.Touch(time.Now())

		if f.Opcode.IsControl() {
			re.handleControlFrame(c, f)
			continue
		}

		msg, _, complete, ferr := c.Reassembler.Feed(f)
		if ferr != nil {
			re.mx.ProtocolError()
			re.sendCloseAndClose(c, 1002, "fragmentation error")
			return
		}
		if !complete {
			continue
		}
		if len(msg) > re.cfg.MaxMessageBytes {
			re.sendCloseAndClose(c, 1009, "message too big")
			return
		}

		var env model.Envelope
		if err := json.Unmarshal(msg, &env); err != nil || env.Event == "" {
			re.log.Debug("dropping non-envelope text frame", slog.Uint64("client_id", uint64(c.ID)))
			continue
		}
		re.disp.DispatchEvent(c.ID, c.Namespace, &env, re)
	}
}

func (re *Reactor) handleControlFrame(c *conn.Conn, f *wsframe.Frame) {
	switch f.Opcode {
	case wsframe.OpPing:
		re.queueFrame(c, wsframe.Encode(wsframe.OpPong, f.Payload, true))
	case wsframe.OpPong:
		// liveness only; LastActivity was already touched by the caller.
	case wsframe.OpClose:
		code, _ := wsframe.CloseCode(f.Payload)
		re.sendCloseAndClose(c, code, "client initiated close")
	}
}

