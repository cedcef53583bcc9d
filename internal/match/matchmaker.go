// Package match pools joining participants into waiting cohorts and
// promotes them to running solo or group sessions, either synchronously
// when a cohort fills or on wait-timer expiry.
package match

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mentalmodel-lab/fightcast/internal/clock"
	"github.com/mentalmodel-lab/fightcast/internal/event"
	"github.com/mentalmodel-lab/fightcast/internal/rotation"
	"github.com/mentalmodel-lab/fightcast/internal/shuffle"
	"github.com/mentalmodel-lab/fightcast/internal/store"
)

// Binder records participant-to-session bindings (the connection
// registry implements it). The matchmaker never talks to transport.
type Binder interface {
	Bind(participantID, sessionID string)
}

// Config holds matchmaking parameters.
type Config struct {
	// WaitingDuration is how long a cohort pools before the timer splits it.
	WaitingDuration time.Duration
	// GroupSize is the cohort capacity that promotes to a group session.
	GroupSize int
}

// JoinResult is returned to the joining participant.
type JoinResult struct {
	SessionID      string
	Mode           store.Mode
	WaitingEndTime time.Time
}

// Matchmaker implements the cohort state machine. All cohort mutation is
// serialized behind a single mutex: no double-promotion, no
// double-counted participant, and every read-then-write against the
// store happens inside the critical section. Timer callbacks re-read the
// session and re-check its status, so a stale fire is a no-op.
type Matchmaker struct {
	mu     sync.Mutex
	st     store.Store
	rot    *rotation.Rotator
	clk    clock.Clock
	rng    *rand.Rand
	events event.Notifier
	binder Binder
	cfg    Config
	log    *zap.Logger
	timers map[string]clock.Timer // waiting session ID -> expiry timer
}

// New creates a Matchmaker.
func New(st store.Store, rot *rotation.Rotator, clk clock.Clock, events event.Notifier, binder Binder, cfg Config, rng *rand.Rand, log *zap.Logger) *Matchmaker {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.GroupSize <= 0 {
		cfg.GroupSize = 3
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Matchmaker{
		st:     st,
		rot:    rot,
		clk:    clk,
		rng:    rng,
		events: events,
		binder: binder,
		cfg:    cfg,
		log:    log,
		timers: make(map[string]clock.Timer),
	}
}

// Join adds a participant to the experiment: grows the current waiting
// cohort, promotes it when full, splits it when its timer has lapsed, or
// creates a fresh cohort.
func (m *Matchmaker) Join(ctx context.Context, participantID string) (*JoinResult, error) {
	if participantID == "" {
		return nil, fmt.Errorf("match: participant ID is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	waiting, err := m.findWaiting(ctx)
	if err != nil {
		return nil, err
	}
	if waiting == nil {
		return m.createWaiting(ctx, participantID, now)
	}

	if waiting.HasParticipant(participantID) {
		// Duplicate start request while still pooled.
		m.binder.Bind(participantID, waiting.ID)
		return &JoinResult{SessionID: waiting.ID, Mode: store.ModeWaiting, WaitingEndTime: waiting.WaitingEndTime}, nil
	}

	elapsed := now.Sub(waiting.CreatedAt)
	if len(waiting.Participants) < m.cfg.GroupSize && elapsed < m.cfg.WaitingDuration {
		waiting.Participants = append(waiting.Participants, participantID)
		if err := m.st.UpdateSession(ctx, waiting.ID, map[string]any{
			store.FieldParticipants: waiting.Participants,
		}); err != nil {
			return nil, fmt.Errorf("match: add participant: %w", err)
		}
		m.binder.Bind(participantID, waiting.ID)
		m.log.Info("participant joined waiting cohort",
			zap.String("participant", participantID),
			zap.String("session", waiting.ID),
			zap.Int("size", len(waiting.Participants)))

		if len(waiting.Participants) == m.cfg.GroupSize {
			if err := m.promote(ctx, waiting, store.ModeGroup, now); err != nil {
				return nil, err
			}
			return &JoinResult{SessionID: waiting.ID, Mode: store.ModeGroup, WaitingEndTime: now}, nil
		}
		return &JoinResult{SessionID: waiting.ID, Mode: store.ModeWaiting, WaitingEndTime: waiting.WaitingEndTime}, nil
	}

	// The cohort's window has lapsed (or it is somehow overfull): split it,
	// then give the newcomer an independent solo session.
	if err := m.split(ctx, waiting, now); err != nil {
		return nil, err
	}
	solo, err := m.createSolo(ctx, participantID, now)
	if err != nil {
		return nil, err
	}
	return &JoinResult{SessionID: solo, Mode: store.ModeSolo, WaitingEndTime: now}, nil
}

// ExpireStale splits every waiting cohort whose deadline has passed but
// has no in-process timer (lost across a restart). Invoked by the janitor.
func (m *Matchmaker) ExpireStale(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	stale, err := m.st.FindSessions(ctx, store.SessionQuery{Status: store.StatusWaiting})
	if err != nil {
		return fmt.Errorf("match: scan waiting sessions: %w", err)
	}
	for _, s := range stale {
		if now.Before(s.WaitingEndTime) {
			continue
		}
		if _, tracked := m.timers[s.ID]; tracked {
			continue // live timer will handle it
		}
		m.log.Info("expiring stale waiting cohort", zap.String("session", s.ID))
		if err := m.split(ctx, s, now); err != nil {
			m.log.Error("stale cohort split failed", zap.String("session", s.ID), zap.Error(err))
		}
	}
	return nil
}

// Close cancels all pending wait timers.
func (m *Matchmaker) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}

func (m *Matchmaker) findWaiting(ctx context.Context) (*store.Session, error) {
	sessions, err := m.st.FindSessions(ctx, store.SessionQuery{Status: store.StatusWaiting, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("match: find waiting session: %w", err)
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return sessions[0], nil
}

func (m *Matchmaker) createWaiting(ctx context.Context, participantID string, now time.Time) (*JoinResult, error) {
	s := &store.Session{
		ID:             uuid.NewString(),
		Mode:           store.ModeWaiting,
		Status:         store.StatusWaiting,
		Participants:   []string{participantID},
		CreatedAt:      now,
		WaitingEndTime: now.Add(m.cfg.WaitingDuration),
		FinishedIDs:    []string{},
	}
	if err := m.st.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("match: create waiting session: %w", err)
	}
	m.binder.Bind(participantID, s.ID)
	m.timers[s.ID] = m.clk.AfterFunc(m.cfg.WaitingDuration, func() {
		m.onWaitTimeout(s.ID)
	})
	m.log.Info("created waiting cohort",
		zap.String("session", s.ID),
		zap.String("participant", participantID),
		zap.Time("waitingEnd", s.WaitingEndTime))
	return &JoinResult{SessionID: s.ID, Mode: store.ModeWaiting, WaitingEndTime: s.WaitingEndTime}, nil
}

// onWaitTimeout fires once, WaitingDuration after cohort creation. The
// cohort may have been promoted or split in the meantime, so its status
// is re-read under the lock before acting.
func (m *Matchmaker) onWaitTimeout(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.timers, sessionID)

	ctx := context.Background()
	s, err := m.st.GetSession(ctx, sessionID)
	if err != nil {
		m.log.Warn("wait timeout on unknown session", zap.String("session", sessionID), zap.Error(err))
		return
	}
	if s.Status != store.StatusWaiting {
		return // promoted while the timer was in flight
	}
	if err := m.split(ctx, s, m.clk.Now()); err != nil {
		m.log.Error("wait timeout split failed", zap.String("session", sessionID), zap.Error(err))
	}
}

// split resolves an expired cohort: a lone participant is promoted to
// solo in place, a full-or-overfull cohort promotes its first GroupSize
// joiners to a group in place, and everyone else gets an independent
// solo session.
func (m *Matchmaker) split(ctx context.Context, s *store.Session, now time.Time) error {
	if t, ok := m.timers[s.ID]; ok {
		t.Stop()
		delete(m.timers, s.ID)
	}

	n := len(s.Participants)
	switch {
	case n == 1:
		return m.promote(ctx, s, store.ModeSolo, now)

	case n >= m.cfg.GroupSize:
		members := s.Participants[:m.cfg.GroupSize]
		extras := s.Participants[m.cfg.GroupSize:]
		if len(extras) > 0 {
			s.Participants = append([]string(nil), members...)
			if err := m.st.UpdateSession(ctx, s.ID, map[string]any{
				store.FieldParticipants: s.Participants,
			}); err != nil {
				return fmt.Errorf("match: trim cohort: %w", err)
			}
		}
		if err := m.promote(ctx, s, store.ModeGroup, now); err != nil {
			return err
		}
		for _, pid := range extras {
			if _, err := m.createSolo(ctx, pid, now); err != nil {
				m.log.Error("solo fallback failed", zap.String("participant", pid), zap.Error(err))
			}
		}
		return nil

	default: // 2 participants: two independent solo sessions
		for _, pid := range s.Participants {
			if _, err := m.createSolo(ctx, pid, now); err != nil {
				m.log.Error("solo fallback failed", zap.String("participant", pid), zap.Error(err))
			}
		}
		if err := m.st.UpdateSession(ctx, s.ID, map[string]any{
			store.FieldStatus:  store.StatusEnded,
			store.FieldEndedAt: now,
		}); err != nil {
			return fmt.Errorf("match: end split cohort: %w", err)
		}
		return nil
	}
}

// createSolo makes a fresh single-participant session and promotes it
// immediately.
func (m *Matchmaker) createSolo(ctx context.Context, participantID string, now time.Time) (string, error) {
	s := &store.Session{
		ID:             uuid.NewString(),
		Mode:           store.ModeSolo,
		Status:         store.StatusWaiting,
		Participants:   []string{participantID},
		CreatedAt:      now,
		WaitingEndTime: now,
		FinishedIDs:    []string{},
	}
	if err := m.st.CreateSession(ctx, s); err != nil {
		return "", fmt.Errorf("match: create solo session: %w", err)
	}
	if err := m.promote(ctx, s, store.ModeSolo, now); err != nil {
		return "", err
	}
	return s.ID, nil
}

// promote moves a session to running: picks an AI mode, loads and
// shuffles its trial content (persisting the order before anything is
// shown), fixes trialCount, and notifies listeners. Content failures
// degrade to trialCount=0 rather than blocking promotion.
func (m *Matchmaker) promote(ctx context.Context, s *store.Session, mode store.Mode, now time.Time) error {
	variant, rows := m.rot.Next(ctx, mode)

	shuffled := rows
	if len(rows) > 0 {
		var err error
		shuffled, _, err = shuffle.AndPersist(ctx, m.st, s.ID, rows, m.rng)
		if err != nil {
			// Without a durable order the content cannot be replayed
			// consistently; run the session exhausted instead.
			m.log.Error("trial order persist failed, degrading session",
				zap.String("session", s.ID), zap.Error(err))
			shuffled = nil
		}
	}

	if err := m.st.UpdateSession(ctx, s.ID, map[string]any{
		store.FieldStatus:         store.StatusRunning,
		store.FieldMode:           mode,
		store.FieldAIMode:         variant,
		store.FieldTrialCount:     len(shuffled),
		store.FieldWaitingEndTime: now,
	}); err != nil {
		return fmt.Errorf("match: promote session: %w", err)
	}

	for _, pid := range s.Participants {
		m.binder.Bind(pid, s.ID)
	}

	m.log.Info("session running",
		zap.String("session", s.ID),
		zap.String("mode", string(mode)),
		zap.String("aiMode", variant),
		zap.Int("trials", len(shuffled)),
		zap.Strings("participants", s.Participants))

	m.events.SessionUpdated(event.SessionUpdate{
		SessionID:      s.ID,
		Status:         store.StatusRunning,
		Mode:           mode,
		Participants:   append([]string(nil), s.Participants...),
		WaitingEndTime: now,
		AIMode:         variant,
		TrialCount:     len(shuffled),
		Trials:         shuffled,
	})
	return nil
}
