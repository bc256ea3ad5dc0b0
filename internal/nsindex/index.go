// Package nsindex implements the namespace/room membership index: the
// bidirectional structure mapping clients to the single namespace they
// currently occupy and the set of rooms they hold within it.
//
// Index is not safe for concurrent use. It is owned exclusively by the
// reactor goroutine, the same way a broadcaster type owns its client map —
// the difference here is that ownership is enforced by single-threaded
// access rather than sync.Map, since every mutation happens inline with
// frame dispatch and the index never needs to be touched from another
// goroutine.
package nsindex

import "github.com/eventcore/eventserver/internal/model"

// DefaultNamespace is the namespace every client joins on connect.
const DefaultNamespace = "/"

type membership struct {
	namespace string
	rooms     map[string]struct{}
}

// Index is the namespace/room membership index described in the data
// model: forward ns -> room -> set<clientId>, plus a per-namespace set of
// clients holding no room, and a reverse clientId -> membership map.
type Index struct {
	// rooms[ns][room] is the set of client ids in that room.
	rooms map[string]map[string]map[model.ClientID]struct{}
	// noRoom[ns] is the set of client ids in ns but in no room.
	noRoom map[string]map[model.ClientID]struct{}
	// reverse[id] tracks id's current namespace and room set.
	reverse map[model.ClientID]*membership
}

// New creates an empty Index.
func New() *Index {
	return &Index{
		rooms:   make(map[string]map[string]map[model.ClientID]struct{}),
		noRoom:  make(map[string]map[model.ClientID]struct{}),
		reverse: make(map[model.ClientID]*membership),
	}
}

// JoinNamespace moves id into ns, leaving whatever namespace (and all of
// its rooms within that namespace) it previously held. Joining the
// namespace it is already in is a no-op.
func (ix *Index) JoinNamespace(id model.ClientID, ns string) {
	if m, ok := ix.reverse[id]; ok {
		if m.namespace == ns {
			return
		}
		ix.leaveCurrentNamespace(id)
	}

	if ix.noRoom[ns] == nil {
		ix.noRoom[ns] = make(map[model.ClientID]struct{})
	}
	ix.noRoom[ns][id] = struct{}{}
	ix.reverse[id] = &membership{namespace: ns, rooms: make(map[string]struct{})}
}

// leaveCurrentNamespace removes id from every room it holds and from its
// current namespace's no-room set, without touching the reverse entry
// itself (the caller replaces or deletes it).
func (ix *Index) leaveCurrentNamespace(id model.ClientID) {
	m, ok := ix.reverse[id]
	if !ok {
		return
	}
	for room := range m.rooms {
		ix.removeFromRoom(id, m.namespace, room)
	}
	if set := ix.noRoom[m.namespace]; set != nil {
		delete(set, id)
	}
}

// JoinRoom adds id to room within ns. If id is not currently in ns, it
// first joins ns implicitly.
func (ix *Index) JoinRoom(id model.ClientID, ns, room string) {
	m, ok := ix.reverse[id]
	if !ok || m.namespace != ns {
		ix.JoinNamespace(id, ns)
		m = ix.reverse[id]
	}

	if _, already := m.rooms[room]; already {
		return
	}

	if set := ix.noRoom[ns]; set != nil {
		delete(set, id)
	}

	if ix.rooms[ns] == nil {
		ix.rooms[ns] = make(map[string]map[model.ClientID]struct{})
	}
	if ix.rooms[ns][room] == nil {
		ix.rooms[ns][room] = make(map[model.ClientID]struct{})
	}
	ix.rooms[ns][room][id] = struct{}{}
	m.rooms[room] = struct{}{}
}

// LeaveRoom removes id from room within ns. It is a no-op if id is not in
// that room. A client leaving its last room becomes a no-room member of
// its namespace again.
func (ix *Index) LeaveRoom(id model.ClientID, ns, room string) {
	m, ok := ix.reverse[id]
	if !ok || m.namespace != ns {
		return
	}
	if _, in := m.rooms[room]; !in {
		return
	}
	ix.removeFromRoom(id, ns, room)
	delete(m.rooms, room)

	if len(m.rooms) == 0 {
		if ix.noRoom[ns] == nil {
			ix.noRoom[ns] = make(map[model.ClientID]struct{})
		}
		ix.noRoom[ns][id] = struct{}{}
	}
}

func (ix *Index) removeFromRoom(id model.ClientID, ns, room string) {
	if set := ix.rooms[ns][room]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(ix.rooms[ns], room)
		}
	}
}

// LeaveAllRooms removes id from every room it holds in its current
// namespace, leaving it as a no-room member of that namespace.
func (ix *Index) LeaveAllRooms(id model.ClientID) {
	m, ok := ix.reverse[id]
	if !ok {
		return
	}
	for room := range m.rooms {
		ix.removeFromRoom(id, m.namespace, room)
	}
	m.rooms = make(map[string]struct{})
	if ix.noRoom[m.namespace] == nil {
		ix.noRoom[m.namespace] = make(map[model.ClientID]struct{})
	}
	ix.noRoom[m.namespace][id] = struct{}{}
}

// Remove deletes id from the index entirely — called on disconnect. It is
// idempotent: removing an id not present is a no-op.
func (ix *Index) Remove(id model.ClientID) {
	m, ok := ix.reverse[id]
	if !ok {
		return
	}
	for room := range m.rooms {
		ix.removeFromRoom(id, m.namespace, room)
	}
	if set := ix.noRoom[m.namespace]; set != nil {
		delete(set, id)
	}
	delete(ix.reverse, id)
}

// ClientsInNamespace returns a snapshot of every client currently in ns:
// the union of every room's membership plus clients holding no room.
// Snapshotting here is what makes Iterate-style fan-out tolerant of joins
// and leaves triggered mid-broadcast by handlers the broadcast itself
// invokes.
func (ix *Index) ClientsInNamespace(ns string) []model.ClientID {
	seen := make(map[model.ClientID]struct{})
	for id := range ix.noRoom[ns] {
		seen[id] = struct{}{}
	}
	for _, set := range ix.rooms[ns] {
		for id := range set {
			seen[id] = struct{}{}
		}
	}
	out := make([]model.ClientID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

// ClientsInRoom returns a snapshot of every client in room within ns.
func (ix *Index) ClientsInRoom(ns, room string) []model.ClientID {
	set := ix.rooms[ns][room]
	out := make([]model.ClientID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// ClientRooms returns the rooms id currently holds, or nil if id is not in
// the index or holds no rooms. It never fails.
func (ix *Index) ClientRooms(id model.ClientID) []string {
	m, ok := ix.reverse[id]
	if !ok || len(m.rooms) == 0 {
		return nil
	}
	out := make([]string, 0, len(m.rooms))
	for r := range m.rooms {
		out = append(out, r)
	}
	return out
}

// ClientNamespace returns id's current namespace and whether id is present
// in the index at all.
func (ix *Index) ClientNamespace(id model.ClientID) (string, bool) {
	m, ok := ix.reverse[id]
	if !ok {
		return "", false
	}
	return m.namespace, true
}

// Targets resolves the fan-out set for a broadcast: every client in ns when
// room is empty, or every client in that room within ns otherwise.
func (ix *Index) Targets(ns, room string) []model.ClientID {
	if room == "" {
		return ix.ClientsInNamespace(ns)
	}
	return ix.ClientsInRoom(ns, room)
}
