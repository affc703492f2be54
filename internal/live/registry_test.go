package live_test

import (
	"slices"
	"testing"

	"autostage/internal/live"
	"autostage/internal/logging"
)

type fakeConn struct {
	accept   bool
	messages []live.Message
	closed   bool
}

func (c *fakeConn) Send(msg live.Message) bool {
	if !c.accept {
		return false
	}
	c.messages = append(c.messages, msg)
	return true
}

func (c *fakeConn) Close() { c.closed = true }

func TestRegisterReplacesPreviousConnection(t *testing.T) {
	registry := live.NewRegistry(logging.NewNop())

	first := &fakeConn{accept: true}
	second := &fakeConn{accept: true}
	registry.Register("owner-1", first)
	registry.Register("owner-1", second)

	if !first.closed {
		t.Fatal("expected replaced connection to be closed")
	}
	if second.closed {
		t.Fatal("replacement connection must stay open")
	}

	registry.Send("owner-1", live.Message{Type: live.TypeProgressUpdate, UploadID: "u1"})
	if len(first.messages) != 0 {
		t.Fatalf("stale connection received %d messages", len(first.messages))
	}
	if len(second.messages) != 1 || second.messages[0].UploadID != "u1" {
		t.Fatalf("unexpected messages on current connection: %#v", second.messages)
	}
}

func TestUnregisterOnlyRemovesCurrentConnection(t *testing.T) {
	registry := live.NewRegistry(logging.NewNop())

	stale := &fakeConn{accept: true}
	current := &fakeConn{accept: true}
	registry.Register("owner-1", stale)
	registry.Register("owner-1", current)

	// A late cleanup from the replaced connection must not evict the new one.
	registry.Unregister("owner-1", stale)
	registry.Send("owner-1", live.Message{Type: live.TypeProgressUpdate})
	if len(current.messages) != 1 {
		t.Fatalf("expected current connection to survive stale unregister, got %d messages", len(current.messages))
	}

	registry.Unregister("owner-1", current)
	registry.Send("owner-1", live.Message{Type: live.TypeProgressUpdate})
	if len(current.messages) != 1 {
		t.Fatal("expected no delivery after unregister")
	}
}

func TestSendNeverBlocksOnRefusingConnection(t *testing.T) {
	registry := live.NewRegistry(logging.NewNop())

	conn := &fakeConn{accept: false}
	registry.Register("owner-1", conn)

	// A connection that refuses delivery just drops the message.
	registry.Send("owner-1", live.Message{Type: live.TypeProgressUpdate})
	if len(conn.messages) != 0 {
		t.Fatalf("refusing connection recorded %d messages", len(conn.messages))
	}

	// No connection at all is equally silent.
	registry.Send("owner-2", live.Message{Type: live.TypeProgressUpdate})
}

func TestConnectedOwners(t *testing.T) {
	registry := live.NewRegistry(logging.NewNop())

	if owners := registry.ConnectedOwners(); len(owners) != 0 {
		t.Fatalf("expected empty registry, got %v", owners)
	}

	a := &fakeConn{accept: true}
	b := &fakeConn{accept: true}
	registry.Register("owner-a", a)
	registry.Register("owner-b", b)

	owners := registry.ConnectedOwners()
	slices.Sort(owners)
	if !slices.Equal(owners, []string{"owner-a", "owner-b"}) {
		t.Fatalf("unexpected owners: %v", owners)
	}

	registry.Unregister("owner-a", a)
	owners = registry.ConnectedOwners()
	if !slices.Equal(owners, []string{"owner-b"}) {
		t.Fatalf("unexpected owners after unregister: %v", owners)
	}
}
