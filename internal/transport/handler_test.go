package transport

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mentalmodel-lab/fightcast/internal/event"
	"github.com/mentalmodel-lab/fightcast/internal/phase"
	"github.com/mentalmodel-lab/fightcast/internal/registry"
	"github.com/mentalmodel-lab/fightcast/internal/store"
	"github.com/mentalmodel-lab/fightcast/internal/wire"
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

func TestSessionUpdatedBroadcast(t *testing.T) {
	log := zaptest.NewLogger(t)
	reg := registry.New(log)
	h := NewHandler(reg, nil, nil, nil, Config{}, log)

	a, b := &fakeConn{}, &fakeConn{}
	reg.Register("a", a)
	reg.Register("b", b)

	waitingEnd := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	h.SessionUpdated(event.SessionUpdate{
		SessionID:      "s1",
		Status:         store.StatusRunning,
		Mode:           store.ModeGroup,
		WaitingEndTime: waitingEnd,
	})

	for _, c := range []*fakeConn{a, b} {
		msgs := c.received()
		require.Len(t, msgs, 1)
		su, ok := msgs[0].(wire.SessionUpdate)
		require.True(t, ok)
		assert.Equal(t, "sessionUpdate", su.Type)
		assert.Equal(t, "s1", su.SessionID)
		assert.Equal(t, "running", su.Status)
		assert.Equal(t, "group", su.Mode)
		assert.Equal(t, waitingEnd.UnixMilli(), su.WaitingEndTime)
	}
}

func TestSessionEndedClearsBindings(t *testing.T) {
	log := zaptest.NewLogger(t)
	reg := registry.New(log)
	h := NewHandler(reg, nil, nil, nil, Config{}, log)

	reg.Bind("a", "s1")
	reg.Bind("b", "s1")
	reg.Bind("c", "other")

	h.SessionUpdated(event.SessionUpdate{
		SessionID: "s1",
		Status:    store.StatusEnded,
		Mode:      store.ModeGroup,
	})

	assert.Empty(t, reg.SessionOf("a"))
	assert.Empty(t, reg.SessionOf("b"))
	assert.Equal(t, "other", reg.SessionOf("c"))
}

func TestRequestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{phase.ErrUnknownSession, "no active session"},
		{phase.ErrNotParticipant, "not a participant of this session"},
		{phase.ErrWrongPhase, "confirmation does not match the current phase"},
		{fmt.Errorf("wrapped: %w", phase.ErrWagerOutOfRange), "wager out of range"},
		{fmt.Errorf("something else"), "request failed"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, requestError(tt.err))
	}
}
