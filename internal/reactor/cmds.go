package reactor

import (
	"github.com/eventcore/eventserver/internal/model"
)

// Submit enqueues fn to run on the loop goroutine at the start of its next
// tick and wakes the poller so it does not wait for the next timeout. This
// is how Server-facade calls made from arbitrary goroutines (an HTTP
// handler elsewhere, a cron job, a test) reach state the loop exclusively
// owns, without a mutex guarding every field.
func (re *Reactor) Submit(fn func(*Reactor)) {
	re.cmdMu.Lock()
	re.cmds = append(re.cmds, fn)
	re.cmdMu.Unlock()
	if re.poller != nil {
		re.poller.Wake()
	}
}

func (re *Reactor) drainCommands() {
	re.cmdMu.Lock()
	cmds := re.cmds
	re.cmds = nil
	re.cmdMu.Unlock()
	for _, fn := range cmds {
		fn(re)
	}
}

// Send queues payload as a reply envelope to a single client. Safe to call
// from any goroutine.
func (re *Reactor) Send(id model.ClientID, env *model.Envelope) {
	re.Submit(func(re *Reactor) {
		re.disp.Broadcast([]model.ClientID{id}, env)
	})
}

// BroadcastToRoom enqueues env to every client currently in room within
// ns, or the whole namespace when room is empty. Safe to call from any
// goroutine.
func (re *Reactor) BroadcastToRoom(ns, room string, env *model.Envelope) {
	re.Submit(func(re *Reactor) {
		targets := re.index.Targets(ns, room)
		re.disp.Broadcast(targets, env)
	})
}

// JoinRoom adds id to room within ns, implicitly moving it into ns first
// if needed. Safe to call from any goroutine.
func (re *Reactor) JoinRoom(id model.ClientID, ns, room string) {
	re.Submit(func(re *Reactor) {
		re.index.JoinRoom(id, ns, room)
		if c, ok := re.byID[id]; ok {
			c.Namespace = ns
		}
	})
}

// LeaveRoom removes id from room within ns. Safe to call from any
// goroutine.
func (re *Reactor) LeaveRoom(id model.ClientID, ns, room string) {
	re.Submit(func(re *Reactor) {
		re.index.LeaveRoom(id, ns, room)
	})
}

// Disconnect closes id's connection with the given close code. Safe to
// call from any goroutine.
func (re *Reactor) Disconnect(id model.ClientID, code uint16, reason string) {
	re.Submit(func(re *Reactor) {
		if c, ok := re.byID[id]; ok {
			re.sendCloseAndClose(c, code, reason)
		}
	})
}

// snapshot is a point-in-time copy of the fields ClientSnapshot-style
// accessors need, taken on the loop goroutine and handed back over a
// channel to the calling goroutine.
type snapshot struct {
	connected bool
	kind      model.ConnKind
	namespace string
	rooms     []string
	attrs     map[string]any
}

func (re *Reactor) snapshotClient(id model.ClientID) snapshot {
	ch := make(chan snapshot, 1)
	re.Submit(func(re *Reactor) {
		c, ok := re.byID[id]
		if !ok {
			ch <- snapshot{}
			return
		}
		attrs := make(map[string]any, len(c.Attrs))
		for k, v := range c.Attrs {
			attrs[k] = v
		}
		ch <- snapshot{
			connected: true,
			kind:      c.Kind,
			namespace: c.Namespace,
			rooms:     re.index.ClientRooms(id),
			attrs:     attrs,
		}
	})
	return <-ch
}

// IsClientConnected reports whether id names a currently open connection.
// Blocks until the loop goroutine processes the request.
func (re *Reactor) IsClientConnected(id model.ClientID) bool {
	return re.snapshotClient(id).connected
}

// GetClientType returns the negotiated protocol kind for id.
func (re *Reactor) GetClientType(id model.ClientID) model.ConnKind {
	return re.snapshotClient(id).kind
}

// GetClientData returns the value stored under key in id's attribute bag.
func (re *Reactor) GetClientData(id model.ClientID, key string) (any, bool) {
	s := re.snapshotClient(id)
	v, ok := s.attrs[key]
	return v, ok
}

// SetClientData stores value under key in id's attribute bag. Safe to call
// from any goroutine.
func (re *Reactor) SetClientData(id model.ClientID, key string, value any) {
	re.Submit(func(re *Reactor) {
		if c, ok := re.byID[id]; ok {
			c.SetAttr(key, value)
		}
	})
}

// GetClientsInNamespace returns a snapshot of every client in ns.
func (re *Reactor) GetClientsInNamespace(ns string) []model.ClientID {
	ch := make(chan []model.ClientID, 1)
	re.Submit(func(re *Reactor) { ch <- re.index.ClientsInNamespace(ns) })
	return <-ch
}

// GetClientsInRoom returns a snapshot of every client in room within ns.
func (re *Reactor) GetClientsInRoom(ns, room string) []model.ClientID {
	ch := make(chan []model.ClientID, 1)
	re.Submit(func(re *Reactor) { ch <- re.index.ClientsInRoom(ns, room) })
	return <-ch
}

// GetClientCount returns the number of currently open connections.
func (re *Reactor) GetClientCount() int {
	ch := make(chan int, 1)
	re.Submit(func(re *Reactor) { ch <- len(re.byID) })
	return <-ch
}
