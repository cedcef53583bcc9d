// Package phase drives running sessions through their timed trial
// phases in lockstep. Each session advances for one of two reasons
// only: every participant confirmed the current phase, or the phase
// timer expired. Late input after either trigger is ignored.
package phase

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mentalmodel-lab/fightcast/internal/clock"
	"github.com/mentalmodel-lab/fightcast/internal/content"
	"github.com/mentalmodel-lab/fightcast/internal/event"
	"github.com/mentalmodel-lab/fightcast/internal/store"
	"github.com/mentalmodel-lab/fightcast/internal/wire"
	"github.com/mentalmodel-lab/fightcast/pkg/observability"
)

// Phase names as seen on the wire.
const (
	PhaseInitial       = "initial"
	PhaseGroupDelib    = "groupDelib"
	PhaseFinalDecision = "finalDecision"
	PhaseResult        = "result"

	SubPhaseWager = "wager"
	SubPhaseChat  = "chat"
)

// Request-invalid errors: reported to the offending connection, never
// fatal to the session.
var (
	ErrUnknownSession  = errors.New("phase: no active session")
	ErrNotParticipant  = errors.New("phase: not a participant of this session")
	ErrWrongPhase      = errors.New("phase: confirmation does not match the current phase")
	ErrWagerOutOfRange = errors.New("phase: wager out of range")
)

// Broadcaster delivers messages to participants. The connection
// registry implements it; delivery to a disconnected participant is a
// silent no-op.
type Broadcaster interface {
	ToParticipant(participantID string, msg any)
	ToParticipants(ids []string, msg any)
}

// Config holds phase timing and wager parameters.
type Config struct {
	// PhaseDuration bounds every phase except the chat sub-phase.
	PhaseDuration time.Duration
	// ChatDuration bounds the group deliberation chat sub-phase.
	ChatDuration time.Duration
	// WagerMin, WagerMax bound accepted wager values (inclusive).
	WagerMin int
	WagerMax int
	// WagerDefault is substituted for participants who never touched
	// the slider when a wager sub-phase times out.
	WagerDefault int
}

// liveSession is the in-memory driver state for one running session.
// It exists only while trials are in progress; the persisted session
// document is the durable record.
type liveSession struct {
	id           string
	mode         store.Mode
	aiMode       string
	participants []string
	trials       []content.Row
	totalTrials  int

	trial      int // 1-based
	phase      string
	subPhase   string
	phaseStart time.Time
	duration   time.Duration

	timer clock.Timer
	gen   uint64 // bumped on every phase entry; stale timer fires no-op

	confirmed       map[string]bool
	wagers          map[string]int // initial wagers this trial (group wager sub-phase)
	lastSlider      map[string]int // most recent slider value per participant
	wagersAnnounced bool
}

// outbound is a message staged under the lock and delivered after it
// is released, so slow writes never extend the critical section.
type outbound struct {
	to  []string // nil means single recipient in `one`
	one string
	msg any
}

// Coordinator multiplexes all live sessions behind one mutex. Sessions
// are independent; the shared lock keeps the implementation simple and
// every per-session mutation single-writer.
type Coordinator struct {
	mu       sync.Mutex
	sessions map[string]*liveSession

	clk clock.Clock
	bc  Broadcaster
	cfg Config
	log *zap.Logger
}

// New creates a Coordinator. Subscribe it to the session event fanout
// so promotions reach Start.
func New(clk clock.Clock, bc Broadcaster, cfg Config, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.WagerMax <= cfg.WagerMin {
		cfg.WagerMin, cfg.WagerMax, cfg.WagerDefault = 0, 4, 2
	}
	return &Coordinator{
		sessions: make(map[string]*liveSession),
		clk:      clk,
		bc:       bc,
		cfg:      cfg,
		log:      log,
	}
}

// SessionUpdated implements event.Notifier: promotions start the phase
// flow, terminal updates tear down any leftover live state.
func (c *Coordinator) SessionUpdated(u event.SessionUpdate) {
	switch u.Status {
	case store.StatusRunning:
		c.start(u)
	case store.StatusEnded:
		c.End(u.SessionID)
	}
}

// start begins driving a freshly promoted session. A session with no
// trial content completes immediately.
func (c *Coordinator) start(u event.SessionUpdate) {
	if u.TrialCount == 0 {
		c.log.Warn("session has no trials, completing immediately",
			zap.String("session", u.SessionID))
		c.bc.ToParticipants(u.Participants, wire.TrialsCompleted{Type: "trialsCompleted"})
		return
	}

	c.mu.Lock()
	if _, ok := c.sessions[u.SessionID]; ok {
		c.mu.Unlock()
		c.log.Warn("duplicate start for live session", zap.String("session", u.SessionID))
		return
	}
	s := &liveSession{
		id:           u.SessionID,
		mode:         u.Mode,
		aiMode:       u.AIMode,
		participants: append([]string(nil), u.Participants...),
		trials:       u.Trials,
		totalTrials:  u.TrialCount,
		trial:        1,
		lastSlider:   make(map[string]int),
	}
	c.sessions[s.id] = s

	var msgs []outbound
	if s.mode == store.ModeGroup {
		msgs = c.enterPhase(s, PhaseGroupDelib, SubPhaseWager)
	} else {
		msgs = c.enterPhase(s, PhaseInitial, "")
	}
	c.mu.Unlock()
	c.flush(msgs)
}

// Confirm records a participant's phase confirmation. Re-confirming is
// a no-op; confirming a phase that is no longer current is a request
// error. When the last participant confirms, the session advances at
// once and the phase timer is cancelled.
func (c *Coordinator) Confirm(sessionID, participantID, phase string) error {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownSession
	}
	if !s.has(participantID) {
		c.mu.Unlock()
		return ErrNotParticipant
	}
	if phase != s.phase {
		c.mu.Unlock()
		return fmt.Errorf("%w: got %q, current %q", ErrWrongPhase, phase, s.phase)
	}
	if s.confirmed[participantID] {
		c.mu.Unlock()
		return nil
	}
	s.confirmed[participantID] = true

	var msgs []outbound
	if len(s.confirmed) == len(s.participants) {
		if s.timer != nil {
			s.timer.Stop()
		}
		observability.RecordPhaseTransition(s.phase, "confirmed")
		msgs = c.advance(s)
	}
	c.mu.Unlock()
	c.flush(msgs)
	return nil
}

// UpdateWager records a slider value. Any in-range update refreshes
// the participant's last-known position (the timeout fallback). During
// a group wager sub-phase an initialWager submission additionally
// locks in the trial wager, relays it to cohort peers, and fires the
// aggregate broadcast once all wagers are in. Aggregate announcement
// is decoupled from phase advancement: confirmations alone move the
// phase forward.
func (c *Coordinator) UpdateWager(sessionID, participantID, wagerType string, value int) error {
	if value < c.cfg.WagerMin || value > c.cfg.WagerMax {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrWagerOutOfRange, value, c.cfg.WagerMin, c.cfg.WagerMax)
	}
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownSession
	}
	if !s.has(participantID) {
		c.mu.Unlock()
		return ErrNotParticipant
	}
	s.lastSlider[participantID] = value

	var msgs []outbound
	if wagerType == "initialWager" && s.mode == store.ModeGroup &&
		s.phase == PhaseGroupDelib && s.subPhase == SubPhaseWager {
		s.wagers[participantID] = value
		for _, pid := range s.participants {
			if pid == participantID {
				continue
			}
			msgs = append(msgs, outbound{one: pid, msg: wire.IndividualWager{
				Type:      "individualWager",
				ClientID:  participantID,
				Wager:     value,
				Timestamp: c.clk.Now().UnixMilli(),
			}})
		}
		if len(s.wagers) == len(s.participants) && !s.wagersAnnounced {
			s.wagersAnnounced = true
			msgs = append(msgs, outbound{to: s.participants, msg: wire.AllWagersSubmitted{
				Type:   "allWagersSubmitted",
				Trial:  s.trial,
				Wagers: copyWagers(s.wagers),
			}})
		}
	}
	c.mu.Unlock()
	c.flush(msgs)
	return nil
}

// Relay forwards a chat line to the other members of the cohort. Chat
// is relayed whenever the session is live; the client gates composing
// to the chat sub-phase.
func (c *Coordinator) Relay(sessionID, participantID, text string, ts int64) error {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownSession
	}
	if !s.has(participantID) {
		c.mu.Unlock()
		return ErrNotParticipant
	}
	var msgs []outbound
	for _, pid := range s.participants {
		if pid == participantID {
			continue
		}
		msgs = append(msgs, outbound{one: pid, msg: wire.ChatRelay{
			Type: "chat", ClientID: participantID, Message: text, Timestamp: ts,
		}})
	}
	c.mu.Unlock()
	c.flush(msgs)
	return nil
}

// Resync rebuilds the current phase state for a reconnecting
// participant. Returns nil when the session is not live (the caller
// falls back to persisted state, or no state at all).
func (c *Coordinator) Resync(participantID, sessionID string) *wire.RejoinSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok || !s.has(participantID) {
		return nil
	}
	remaining := s.duration - c.clk.Now().Sub(s.phaseStart)
	if remaining < 0 {
		remaining = 0
	}
	r := &wire.RejoinSession{
		Type:          "rejoinSession",
		SessionID:     s.id,
		Trial:         s.trial,
		TotalTrials:   s.totalTrials,
		Phase:         s.phase,
		SubPhase:      s.subPhase,
		Mode:          string(s.mode),
		RemainingTime: remaining.Milliseconds(),
	}
	if idx := s.trial - 1; idx >= 0 && idx < len(s.trials) {
		r.TrialData = s.trials[idx]
	}
	if s.phase == PhaseGroupDelib && s.subPhase == SubPhaseWager {
		r.Wagers = copyWagers(s.wagers)
	}
	return r
}

// LiveCount reports how many sessions are currently being driven.
func (c *Coordinator) LiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Active reports whether a session is currently being driven.
func (c *Coordinator) Active(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[sessionID]
	return ok
}

// End tears down a session's live state and cancels its timer. Safe to
// call for sessions that already finished.
func (c *Coordinator) End(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	delete(c.sessions, sessionID)
}

// Close tears down every live session. Used on shutdown so no timer
// goroutines outlive the process.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, s := range c.sessions {
		if s.timer != nil {
			s.timer.Stop()
		}
		delete(c.sessions, id)
	}
}

// enterPhase transitions s into (phase, subPhase): resets per-phase
// state, stages the phaseChange broadcast, and arms the timer. Caller
// holds the lock. A trial index outside the content slice is
// session-fatal: the mismatch between trialCount and content cannot be
// repaired mid-run.
func (c *Coordinator) enterPhase(s *liveSession, phase, subPhase string) []outbound {
	idx := s.trial - 1
	if idx < 0 || idx >= len(s.trials) {
		c.log.Error("trial index out of range, ending session",
			zap.String("session", s.id), zap.Int("trial", s.trial), zap.Int("have", len(s.trials)))
		if s.timer != nil {
			s.timer.Stop()
		}
		delete(c.sessions, s.id)
		return []outbound{{to: s.participants, msg: wire.NewError("session content unavailable")}}
	}

	s.phase = phase
	s.subPhase = subPhase
	s.phaseStart = c.clk.Now()
	s.duration = c.cfg.PhaseDuration
	if subPhase == SubPhaseChat {
		s.duration = c.cfg.ChatDuration
	}
	s.confirmed = make(map[string]bool)
	if phase == PhaseGroupDelib && subPhase == SubPhaseWager {
		s.wagers = make(map[string]int)
		s.wagersAnnounced = false
	}
	s.gen++
	gen := s.gen
	s.timer = c.clk.AfterFunc(s.duration, func() {
		c.onPhaseTimeout(s.id, gen)
	})

	c.log.Info("phase change",
		zap.String("session", s.id),
		zap.Int("trial", s.trial),
		zap.String("phase", phase),
		zap.String("subPhase", subPhase))

	return []outbound{{to: s.participants, msg: wire.PhaseChange{
		Type:        "phaseChange",
		Phase:       phase,
		SubPhase:    subPhase,
		Trial:       s.trial,
		TotalTrials: s.totalTrials,
		StartTime:   s.phaseStart.UnixMilli(),
		Duration:    s.duration.Milliseconds(),
		AIMode:      s.aiMode,
		TrialData:   s.trials[idx],
	}}}
}

// onPhaseTimeout fires when a phase's timer lapses. The generation
// guard makes a fire that raced with an all-confirmed advance (or a
// session teardown) a no-op.
func (c *Coordinator) onPhaseTimeout(sessionID string, gen uint64) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok || s.gen != gen {
		c.mu.Unlock()
		return
	}

	// Auto-confirm everyone who did not act in time; in a wager
	// sub-phase, substitute their last slider position (or the default)
	// as the locked-in wager.
	for _, pid := range s.participants {
		if s.confirmed[pid] {
			continue
		}
		s.confirmed[pid] = true
		if s.mode == store.ModeGroup && s.phase == PhaseGroupDelib && s.subPhase == SubPhaseWager {
			if _, submitted := s.wagers[pid]; !submitted {
				v, touched := s.lastSlider[pid]
				if !touched {
					v = c.cfg.WagerDefault
				}
				s.wagers[pid] = v
			}
		}
	}
	observability.RecordPhaseTransition(s.phase, "timeout")
	msgs := c.advance(s)
	c.mu.Unlock()
	c.flush(msgs)
}

// advance moves s to its next phase according to its mode's flow.
// Caller holds the lock and has stopped (or absorbed) the timer.
func (c *Coordinator) advance(s *liveSession) []outbound {
	var msgs []outbound

	if s.mode == store.ModeGroup && s.phase == PhaseGroupDelib && s.subPhase == SubPhaseWager {
		// The aggregate must be out before chat opens, even if some
		// wagers were timeout-substituted.
		if !s.wagersAnnounced {
			s.wagersAnnounced = true
			msgs = append(msgs, outbound{to: s.participants, msg: wire.AllWagersSubmitted{
				Type:   "allWagersSubmitted",
				Trial:  s.trial,
				Wagers: copyWagers(s.wagers),
			}})
		}
		return append(msgs, c.enterPhase(s, PhaseGroupDelib, SubPhaseChat)...)
	}

	switch s.phase {
	case PhaseInitial:
		return c.enterPhase(s, PhaseFinalDecision, "")
	case PhaseGroupDelib: // chat sub-phase
		return c.enterPhase(s, PhaseFinalDecision, "")
	case PhaseFinalDecision:
		return c.enterPhase(s, PhaseResult, "")
	case PhaseResult:
		if s.trial >= s.totalTrials {
			c.log.Info("all trials completed", zap.String("session", s.id), zap.Int("trials", s.totalTrials))
			if s.timer != nil {
				s.timer.Stop()
			}
			delete(c.sessions, s.id)
			return append(msgs, outbound{to: s.participants, msg: wire.TrialsCompleted{Type: "trialsCompleted"}})
		}
		s.trial++
		if s.mode == store.ModeGroup {
			return c.enterPhase(s, PhaseGroupDelib, SubPhaseWager)
		}
		return c.enterPhase(s, PhaseInitial, "")
	default:
		c.log.Error("unknown phase, ending session",
			zap.String("session", s.id), zap.String("phase", s.phase))
		delete(c.sessions, s.id)
		return append(msgs, outbound{to: s.participants, msg: wire.NewError("internal phase error")})
	}
}

// flush delivers staged messages outside the lock, in stage order.
func (c *Coordinator) flush(msgs []outbound) {
	for _, m := range msgs {
		if m.to != nil {
			c.bc.ToParticipants(m.to, m.msg)
		} else {
			c.bc.ToParticipant(m.one, m.msg)
		}
	}
}

func (s *liveSession) has(participantID string) bool {
	for _, p := range s.participants {
		if p == participantID {
			return true
		}
	}
	return false
}

func copyWagers(w map[string]int) map[string]int {
	out := make(map[string]int, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}
