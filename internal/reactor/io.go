package reactor

import (
	"log/slog"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/eventcore/eventserver/internal/conn"
	"github.com/eventcore/eventserver/internal/model"
	"github.com/eventcore/eventserver/internal/netpoll"
	"github.com/eventcore/eventserver/internal/wsframe"
)

// writeRaw queues payload and makes one immediate attempt to drain the
// write buffer, so a response that fits in the socket's send buffer never
// waits for a writable readiness event. If the write buffer would overflow,
// it returns model.ErrBackpressured and leaves the connection open — the
// caller decides what to do about a client that isn't draining.
func (re *Reactor) writeRaw(c *conn.Conn, payload []byte) error {
	if err := c.QueueWrite(payload); err != nil {
		re.mx.Backpressured()
		// Stop reading from this client until flush drains it back to the
		// low-water mark.
		c.ReadPaused = true
		re.poller.Add(c.Fd, netpoll.EventWritable)
		re.log.Warn("backpressured write",
			slog.Uint64("client_id", uint64(c.ID)),
			slog.String("buffered", humanize.Bytes(uint64(len(c.PendingBytes())))),
			slog.String("limit", humanize.Bytes(uint64(c.WriteBufMax))),
		)
		return err
	}
	re.flush(c)
	return nil
}

func (re *Reactor) queueFrame(c *conn.Conn, frame []byte) error {
	return re.writeRaw(c, frame)
}

func (re *Reactor) flush(c *conn.Conn) {
	for c.HasPendingWrite() {
		n, err := syscall.Write(c.Fd, c.PendingBytes())
		if n > 0 {
			c.AdvanceWrite(n)
		}
		if err != nil {
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
				mask := netpoll.EventWritable
				if !c.ReadPaused {
					mask |= netpoll.EventReadable
				}
				re.poller.Add(c.Fd, mask)
				return
			}
			re.closeConn(c, 1006, "write error")
			return
		}
		if n == 0 {
			break
		}
	}

	if c.ReadPaused && c.LowWaterMet() {
		c.ReadPaused = false
	}
	var mask netpoll.EventMask
	if !c.ReadPaused {
		mask = netpoll.EventReadable
	}
	re.poller.Add(c.Fd, mask)

	if c.PendingClose && !c.HasPendingWrite() {
		re.finalizeClose(c)
	}
}

func (re *Reactor) handleWritable(c *conn.Conn) {
	re.flush(c)
}

// sendCloseAndClose sends a close frame (if the connection is still open
// enough to accept one) and transitions to StateWSClosing; the actual fd
// teardown happens once the close frame and anything queued ahead of it
// have drained, via finalizeClose.
func (re *Reactor) sendCloseAndClose(c *conn.Conn, code uint16, reason string) {
	if c.State == conn.StateClosed {
		return
	}
	c.State = conn.StateWSClosing
	c.CloseCode = code
	c.PendingClose = true
	_ = c.QueueWrite(wsframe.EncodeClose(code, reason))
	re.flush(c)
}

// closeConn tears down a connection immediately, without waiting for a
// graceful close handshake — used for protocol violations, socket errors,
// and plain HTTP responses that always close after one reply.
func (re *Reactor) closeConn(c *conn.Conn, code uint16, reason string) {
	if c.State == conn.StateClosed {
		return
	}
	c.CloseCode = code
	re.finalizeClose(c)
}

func (re *Reactor) finalizeClose(c *conn.Conn) {
	if c.State == conn.StateClosed {
		return
	}
	wasWS := c.Kind == model.ConnWS
	c.State = conn.StateClosed

	re.poller.Remove(c.Fd)
	syscall.Close(c.Fd)
	delete(re.conns, c.Fd)
	delete(re.byID, c.ID)

	if wasWS {
		re.index.Remove(c.ID)
	}
	re.mx.ConnectionClosed()

	re.log.Debug("connection closed", slog.Uint64("client_id", uint64(c.ID)), slog.Uint64("close_code", uint64(c.CloseCode)))
}

// sweepTimeouts closes connections that have been idle past IdleTimeout
// (close code 1000). A WebSocket connection idle for PingInterval is pinged,
// and is closed with code 1001 if no traffic arrives within PingTimeout
// after that.
func (re *Reactor) sweepTimeouts(now time.Time) {
	for _, c := range re.conns {
		if c.State == conn.StateClosed {
			continue
		}
		idle := now.Sub(c.LastActivity)

		if c.State == conn.StateWSOpen {
			if re.cfg.PingInterval > 0 && idle >= re.cfg.PingInterval && idle < re.cfg.PingInterval+re.cfg.PingTimeout {
				re.queueFrame(c, wsframe.Encode(wsframe.OpPing, nil, true))
			}
			if re.cfg.PingInterval > 0 && re.cfg.PingTimeout > 0 && idle >= re.cfg.PingInterval+re.cfg.PingTimeout {
				re.sendCloseAndClose(c, 1001, "ping timeout")
				continue
			}
			if re.cfg.IdleTimeout > 0 && idle >= re.cfg.IdleTimeout {
				re.sendCloseAndClose(c, 1000, "idle timeout")
				continue
			}
		} else if re.cfg.IdleTimeout > 0 && idle >= re.cfg.IdleTimeout {
			re.closeConn(c, 1000, "idle timeout")
		}
	}
}

// pollQueue drains the broadcast queue file and fans each record out to
// its resolved targets.
func (re *Reactor) pollQueue() {
	records, err := re.queue.Poll()
	if err != nil {
		re.log.Warn("broadcast queue poll failed", slog.Any("error", err))
		return
	}
	for _, rec := range records {
		re.mx.QueueRecordRead()
		targets := re.index.Targets(rec.Namespace, rec.Room)
		re.disp.Broadcast(targets, &model.Envelope{Event: rec.Event, Data: rec.Data})
	}
}

// SendFrame implements dispatch.Sender: it encodes payload as a single
// text frame and queues it for id, or reports model.ErrUnknownClient if
// id is not currently an open WebSocket connection.
func (re *Reactor) SendFrame(id model.ClientID, payload []byte) error {
	c, ok := re.byID[id]
	if !ok || c.State != conn.StateWSOpen {
		return model.ErrUnknownClient
	}
	return re.writeRaw(c, wsframe.Encode(wsframe.OpText, payload, true))
}
