// Package transport is the WebSocket edge: it owns connection
// lifecycle, message parsing and rate limiting, and dispatches typed
// messages to the matchmaker, phase coordinator, and result
// aggregator. No experiment logic lives here.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mentalmodel-lab/fightcast/internal/event"
	"github.com/mentalmodel-lab/fightcast/internal/match"
	"github.com/mentalmodel-lab/fightcast/internal/phase"
	"github.com/mentalmodel-lab/fightcast/internal/registry"
	"github.com/mentalmodel-lab/fightcast/internal/results"
	"github.com/mentalmodel-lab/fightcast/internal/store"
	"github.com/mentalmodel-lab/fightcast/internal/wire"
	"github.com/mentalmodel-lab/fightcast/pkg/observability"
)

// Config holds transport parameters.
type Config struct {
	// MessageRate is the per-connection sustained message rate
	// (messages per second). Zero disables limiting.
	MessageRate float64
	// MessageBurst is the per-connection burst allowance.
	MessageBurst int
}

// Handler terminates participant WebSocket connections.
type Handler struct {
	reg *registry.Registry
	mm  *match.Matchmaker
	pc  *phase.Coordinator
	agg *results.Aggregator
	cfg Config
	log *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(reg *registry.Registry, mm *match.Matchmaker, pc *phase.Coordinator, agg *results.Aggregator, cfg Config, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = 10
	}
	return &Handler{reg: reg, mm: mm, pc: pc, agg: agg, cfg: cfg, log: log}
}

// Mount registers the WebSocket route on the app.
func (h *Handler) Mount(app *fiber.App) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(h.serve))
}

// SessionUpdated implements event.Notifier: lifecycle changes are
// announced to every connected participant so waiting-room UIs track
// pool state without polling.
func (h *Handler) SessionUpdated(u event.SessionUpdate) {
	switch u.Status {
	case store.StatusRunning:
		observability.RecordSessionStarted(string(u.Mode))
	case store.StatusEnded:
		// Release the participant bindings so a finished participant's
		// later messages cannot resolve to the dead session.
		h.reg.UnbindSession(u.SessionID)
	}
	h.reg.Broadcast(wire.SessionUpdate{
		Type:           "sessionUpdate",
		SessionID:      u.SessionID,
		Status:         string(u.Status),
		Mode:           string(u.Mode),
		WaitingEndTime: u.WaitingEndTime.UnixMilli(),
	})
}

// conn serializes writes: registry broadcasts, timer-driven phase
// changes, and the read loop's replies all target the same socket.
type conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *conn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// serve is the per-connection read loop.
func (h *Handler) serve(ws *websocket.Conn) {
	c := &conn{ws: ws}
	defer func() { _ = ws.Close() }()

	var limiter *rate.Limiter
	if h.cfg.MessageRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.cfg.MessageRate), h.cfg.MessageBurst)
	}

	var clientID string
	defer func() {
		if clientID != "" {
			h.reg.Unregister(clientID, c)
			h.announceCount()
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("connection closed abnormally", zap.String("client", clientID), zap.Error(err))
			}
			return
		}
		if limiter != nil && !limiter.Allow() {
			h.log.Warn("message rate limit exceeded", zap.String("client", clientID))
			_ = c.WriteJSON(wire.NewError("rate limit exceeded"))
			continue
		}

		var msg wire.Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed input never kills the connection.
			h.log.Warn("malformed message dropped", zap.String("client", clientID), zap.Error(err))
			_ = c.WriteJSON(wire.NewError("malformed message"))
			continue
		}
		if msg.ClientID != "" {
			if clientID == "" && msg.Type != wire.TypeRegister {
				// Accept identity from the first message even if the
				// client skipped an explicit register.
				clientID = msg.ClientID
				h.reg.Register(clientID, c)
				h.announceCount()
			}
		}
		h.dispatch(c, &clientID, &msg)
	}
}

func (h *Handler) dispatch(c *conn, clientID *string, msg *wire.Inbound) {
	ctx := context.Background()
	status := "ok"
	defer func() { observability.RecordMessage(msg.Type, status) }()

	switch msg.Type {
	case wire.TypeRegister:
		if msg.ClientID == "" {
			status = "error"
			_ = c.WriteJSON(wire.NewError("clientID is required"))
			return
		}
		*clientID = msg.ClientID
		h.reg.Register(*clientID, c)
		h.announceCount()
		h.resync(c, *clientID, msg.SessionID)

	case wire.TypeStartSession:
		pid := h.identity(msg, *clientID)
		if pid == "" {
			status = "error"
			_ = c.WriteJSON(wire.NewError("clientID is required"))
			return
		}
		res, err := h.mm.Join(ctx, pid)
		if err != nil {
			status = "error"
			h.log.Error("join failed", zap.String("client", pid), zap.Error(err))
			_ = c.WriteJSON(wire.NewError("could not start session"))
			return
		}
		_ = c.WriteJSON(wire.SessionStarted{
			Type:           "sessionStarted",
			SessionID:      res.SessionID,
			Mode:           string(res.Mode),
			WaitingEndTime: res.WaitingEndTime.UnixMilli(),
		})

	case wire.TypeUpdateWager:
		pid := h.identity(msg, *clientID)
		sid := h.session(msg, pid)
		if err := h.pc.UpdateWager(sid, pid, msg.WagerType, msg.Value); err != nil {
			status = "error"
			_ = c.WriteJSON(wire.NewError(requestError(err)))
			return
		}
		_ = c.WriteJSON(wire.Ack{Type: "wagerUpdated", Message: "wager updated"})

	case wire.TypeConfirmDecision:
		pid := h.identity(msg, *clientID)
		sid := h.session(msg, pid)
		if err := h.pc.Confirm(sid, pid, msg.Phase); err != nil {
			status = "error"
			_ = c.WriteJSON(wire.NewError(requestError(err)))
			return
		}
		_ = c.WriteJSON(wire.Ack{Type: "decisionConfirmed", Message: "decision confirmed"})

	case wire.TypeChat:
		pid := h.identity(msg, *clientID)
		sid := h.session(msg, pid)
		if err := h.pc.Relay(sid, pid, msg.Message, msg.Timestamp); err != nil {
			status = "error"
			_ = c.WriteJSON(wire.NewError(requestError(err)))
		}

	case wire.TypeSendData:
		if msg.Payload == nil {
			status = "error"
			_ = c.WriteJSON(wire.NewError("sendData requires a payload"))
			return
		}
		if err := h.handlePayload(ctx, c, msg, *clientID); err != nil {
			status = "error"
		}

	default:
		status = "error"
		h.log.Warn("unknown message type", zap.String("type", msg.Type), zap.String("client", *clientID))
		_ = c.WriteJSON(wire.NewError("unknown message type"))
	}
}

func (h *Handler) handlePayload(ctx context.Context, c *conn, msg *wire.Inbound, clientID string) error {
	switch msg.Payload.Event {
	case wire.EventTrialData:
		var td wire.TrialData
		if err := json.Unmarshal(msg.Payload.Data, &td); err != nil {
			_ = c.WriteJSON(wire.NewError("malformed trial data"))
			return err
		}
		if td.SessionID == "" {
			td.SessionID = h.session(msg, h.identity(msg, clientID))
		}
		if err := h.agg.RecordTrial(ctx, &td); err != nil {
			observability.RecordSubmission("trial", "error")
			h.log.Error("trial persist failed",
				zap.String("session", td.SessionID),
				zap.String("client", td.ClientID),
				zap.Error(err))
			_ = c.WriteJSON(wire.NewError("could not save trial data"))
			return err
		}
		observability.RecordSubmission("trial", "ok")
		_ = c.WriteJSON(wire.Ack{Type: "dataSent", Message: "trial data saved"})
		return nil

	case wire.EventPreTaskSurvey, wire.EventPostTaskSurvey:
		kind := "preTask"
		if msg.Payload.Event == wire.EventPostTaskSurvey {
			kind = "postTask"
		}
		var sd wire.SurveyData
		if err := json.Unmarshal(msg.Payload.Data, &sd); err != nil {
			_ = c.WriteJSON(wire.NewError("malformed survey data"))
			return err
		}
		if sd.ClientID == "" {
			sd.ClientID = h.identity(msg, clientID)
		}
		sid := h.session(msg, sd.ClientID)
		if err := h.agg.RecordSurvey(ctx, sid, kind, &sd); err != nil {
			observability.RecordSubmission("survey", "error")
			h.log.Error("survey persist failed",
				zap.String("session", sid), zap.String("kind", kind), zap.Error(err))
			_ = c.WriteJSON(wire.NewError("could not save survey"))
			return err
		}
		observability.RecordSubmission("survey", "ok")
		_ = c.WriteJSON(wire.Ack{Type: "dataSent", Message: "survey saved"})
		return nil

	case wire.EventFinishSession:
		var fd wire.FinishData
		if err := json.Unmarshal(msg.Payload.Data, &fd); err != nil {
			_ = c.WriteJSON(wire.NewError("malformed finish request"))
			return err
		}
		pid := fd.ClientID
		if pid == "" {
			pid = h.identity(msg, clientID)
		}
		sid := h.session(msg, pid)
		if err := h.agg.Finish(ctx, sid, pid); err != nil {
			h.log.Error("finish failed",
				zap.String("session", sid), zap.String("client", pid), zap.Error(err))
			_ = c.WriteJSON(wire.NewError("could not finish session"))
			return err
		}
		_ = c.WriteJSON(wire.Ack{Type: "dataSent", Message: "session finish recorded"})
		return nil

	default:
		h.log.Warn("unknown payload event", zap.String("event", msg.Payload.Event))
		_ = c.WriteJSON(wire.NewError("unknown payload event"))
		return errors.New("transport: unknown payload event")
	}
}

// resync replays current state to a (re)connecting participant.
func (h *Handler) resync(c *conn, clientID, sessionID string) {
	sid := sessionID
	if sid == "" {
		sid = h.reg.SessionOf(clientID)
	}
	if sid == "" {
		return
	}
	if r := h.pc.Resync(clientID, sid); r != nil {
		_ = c.WriteJSON(r)
	}
}

// identity resolves the participant behind a message: explicit
// clientID wins, the connection's registered identity is the fallback.
func (h *Handler) identity(msg *wire.Inbound, connClientID string) string {
	if msg.ClientID != "" {
		return msg.ClientID
	}
	return connClientID
}

// session resolves the session a message targets.
func (h *Handler) session(msg *wire.Inbound, clientID string) string {
	if msg.SessionID != "" {
		return msg.SessionID
	}
	return h.reg.SessionOf(clientID)
}

func (h *Handler) announceCount() {
	n := h.reg.Count()
	observability.SetConnections(n)
	h.reg.Broadcast(wire.ParticipantCount{Type: "participantCount", Count: n})
}

// requestError maps engine errors to client-safe text.
func requestError(err error) string {
	switch {
	case errors.Is(err, phase.ErrUnknownSession):
		return "no active session"
	case errors.Is(err, phase.ErrNotParticipant):
		return "not a participant of this session"
	case errors.Is(err, phase.ErrWrongPhase):
		return "confirmation does not match the current phase"
	case errors.Is(err, phase.ErrWagerOutOfRange):
		return "wager out of range"
	default:
		return "request failed"
	}
}
