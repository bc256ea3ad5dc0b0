package nsindex_test

import (
	"sort"
	"testing"

	"github.com/eventcore/eventserver/internal/model"
	"github.com/eventcore/eventserver/internal/nsindex"
)

func ids(vs ...model.ClientID) []model.ClientID {
	sort.Slice(vs, func(i, j int) bool { return vs[i] < vs[j] })
	return vs
}

func sorted(vs []model.ClientID) []model.ClientID {
	out := append([]model.ClientID(nil), vs...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func equalIDs(t *testing.T, got, want []model.ClientID) {
	t.Helper()
	got, want = sorted(got), sorted(want)
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestJoinRoomImpliesNamespace(t *testing.T) {
	t.Parallel()

	ix := nsindex.New()
	ix.JoinRoom(1, "/chat", "r1")

	ns, ok := ix.ClientNamespace(1)
	if !ok || ns != "/chat" {
		t.Fatalf("namespace = %q ok=%v, want /chat/true", ns, ok)
	}
	equalIDs(t, ix.ClientsInRoom("/chat", "r1"), ids(1))
	if rooms := ix.ClientRooms(1); len(rooms) != 1 || rooms[0] != "r1" {
		t.Errorf("rooms = %v, want [r1]", rooms)
	}
}

func TestJoinNamespaceLeavesPrevious(t *testing.T) {
	t.Parallel()

	ix := nsindex.New()
	ix.JoinRoom(1, "/a", "r1")
	ix.JoinNamespace(1, "/b")

	equalIDs(t, ix.ClientsInRoom("/a", "r1"), nil)
	equalIDs(t, ix.ClientsInNamespace("/a"), nil)
	equalIDs(t, ix.ClientsInNamespace("/b"), ids(1))
	if rooms := ix.ClientRooms(1); rooms != nil {
		t.Errorf("expected no rooms after namespace switch, got %v", rooms)
	}
}

func TestClientsInNamespaceIsUnionOfRoomsAndNoRoom(t *testing.T) {
	t.Parallel()

	ix := nsindex.New()
	ix.JoinNamespace(1, "/ns") // no room
	ix.JoinRoom(2, "/ns", "r1")
	ix.JoinRoom(3, "/ns", "r2")

	equalIDs(t, ix.ClientsInNamespace("/ns"), ids(1, 2, 3))
}

func TestLeaveRoomReturnsToNoRoom(t *testing.T) {
	t.Parallel()

	ix := nsindex.New()
	ix.JoinRoom(1, "/ns", "r1")
	ix.LeaveRoom(1, "/ns", "r1")

	equalIDs(t, ix.ClientsInRoom("/ns", "r1"), nil)
	equalIDs(t, ix.ClientsInNamespace("/ns"), ids(1))
	if rooms := ix.ClientRooms(1); rooms != nil {
		t.Errorf("expected no rooms, got %v", rooms)
	}
}

func TestLeaveAllRoomsKeepsNamespace(t *testing.T) {
	t.Parallel()

	ix := nsindex.New()
	ix.JoinRoom(1, "/ns", "r1")
	ix.JoinRoom(1, "/ns", "r2")
	ix.LeaveAllRooms(1)

	if rooms := ix.ClientRooms(1); rooms != nil {
		t.Errorf("expected no rooms, got %v", rooms)
	}
	ns, ok := ix.ClientNamespace(1)
	if !ok || ns != "/ns" {
		t.Fatalf("expected client to remain in /ns, got %q/%v", ns, ok)
	}
}

func TestRemoveClearsEverything(t *testing.T) {
	t.Parallel()

	ix := nsindex.New()
	ix.JoinRoom(1, "/ns", "r1")
	ix.Remove(1)

	if _, ok := ix.ClientNamespace(1); ok {
		t.Error("expected client to be gone from the index")
	}
	equalIDs(t, ix.ClientsInRoom("/ns", "r1"), nil)
	equalIDs(t, ix.ClientsInNamespace("/ns"), nil)

	// Idempotent: removing again must not panic or corrupt state.
	ix.Remove(1)
}

func TestTargetsResolvesRoomOrNamespace(t *testing.T) {
	t.Parallel()

	ix := nsindex.New()
	ix.JoinRoom(1, "/chat", "r1")
	ix.JoinNamespace(2, "/chat")

	equalIDs(t, ix.Targets("/chat", "r1"), ids(1))
	equalIDs(t, ix.Targets("/chat", ""), ids(1, 2))
}

func TestJoinRoomTwiceIsIdempotent(t *testing.T) {
	t.Parallel()

	ix := nsindex.New()
	ix.JoinRoom(1, "/ns", "r1")
	ix.JoinRoom(1, "/ns", "r1")
	equalIDs(t, ix.ClientsInRoom("/ns", "r1"), ids(1))
	if rooms := ix.ClientRooms(1); len(rooms) != 1 {
		t.Errorf("expected exactly one room entry, got %v", rooms)
	}
}
