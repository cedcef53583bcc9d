package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

type fakeConn struct {
	mu   sync.Mutex
	msgs []any
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, v)
	return nil
}

func (c *fakeConn) received() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.msgs...)
}

func TestRegisterSupersedes(t *testing.T) {
	r := New(zaptest.NewLogger(t))
	old := &fakeConn{}
	fresh := &fakeConn{}

	r.Register("p1", old)
	r.Register("p1", fresh)
	assert.Equal(t, 1, r.Count())

	r.ToParticipant("p1", "hello")
	assert.Empty(t, old.received())
	assert.Len(t, fresh.received(), 1)

	// Stale unregister from the superseded connection is a no-op.
	r.Unregister("p1", old)
	assert.Equal(t, 1, r.Count())

	r.Unregister("p1", fresh)
	assert.Equal(t, 0, r.Count())
}

func TestSessionBindingsSurviveDisconnect(t *testing.T) {
	r := New(zaptest.NewLogger(t))
	c := &fakeConn{}
	r.Register("p1", c)
	r.Bind("p1", "sess1")

	r.Unregister("p1", c)
	assert.Equal(t, "sess1", r.SessionOf("p1"))

	r.UnbindSession("sess1")
	assert.Equal(t, "", r.SessionOf("p1"))
}

func TestToParticipantsSkipsDisconnected(t *testing.T) {
	r := New(zaptest.NewLogger(t))
	a := &fakeConn{}
	r.Register("a", a)

	r.ToParticipants([]string{"a", "ghost"}, "msg")
	assert.Len(t, a.received(), 1)
}

func TestToSession(t *testing.T) {
	r := New(zaptest.NewLogger(t))
	a, b, c := &fakeConn{}, &fakeConn{}, &fakeConn{}
	r.Register("a", a)
	r.Register("b", b)
	r.Register("c", c)
	r.Bind("a", "s1")
	r.Bind("b", "s1")
	r.Bind("c", "s2")

	r.ToSession("s1", "hello")
	assert.Len(t, a.received(), 1)
	assert.Len(t, b.received(), 1)
	assert.Empty(t, c.received())
}

func TestBroadcast(t *testing.T) {
	r := New(zaptest.NewLogger(t))
	a, b := &fakeConn{}, &fakeConn{}
	r.Register("a", a)
	r.Register("b", b)

	r.Broadcast("all")
	assert.Len(t, a.received(), 1)
	assert.Len(t, b.received(), 1)
}
