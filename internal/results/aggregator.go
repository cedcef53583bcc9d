// Package results persists trial outcomes, surveys, and session
// completion. Writes are idempotent: deterministic document IDs plus
// create-if-absent (solo) and transactional merge (group) make client
// retries safe.
package results

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mentalmodel-lab/fightcast/internal/event"
	"github.com/mentalmodel-lab/fightcast/internal/store"
	"github.com/mentalmodel-lab/fightcast/internal/wire"
)

// ErrUnknownSession is returned when a write names a session the store
// has never seen.
var ErrUnknownSession = errors.New("results: unknown session")

// Aggregator is the single write path for experiment data.
type Aggregator struct {
	st     store.Store
	events event.Notifier
	log    *zap.Logger
}

// New creates an Aggregator.
func New(st store.Store, events event.Notifier, log *zap.Logger) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{st: st, events: events, log: log}
}

// RecordTrial persists one participant's trial outcome. Duplicate
// submissions (same trial, same participant) are acknowledged as
// success without a second write.
func (a *Aggregator) RecordTrial(ctx context.Context, td *wire.TrialData) error {
	if td.ClientID == "" || td.SessionID == "" {
		return fmt.Errorf("results: trial data missing clientID or sessionID")
	}
	sub := store.Submission{
		InitialWager: td.InitialWager,
		FinalWager:   td.FinalWager,
		WalletBefore: td.WalletBefore,
		WalletAfter:  td.WalletAfter,
		Timestamp:    td.Timestamp,
	}

	if td.Mode == store.ModeGroup {
		return a.recordGroupTrial(ctx, td, sub)
	}
	return a.recordSoloTrial(ctx, td, sub)
}

func (a *Aggregator) recordSoloTrial(ctx context.Context, td *wire.TrialData, sub store.Submission) error {
	doc := &store.TrialDocument{
		ID:           store.SoloTrialID(td.TrialNumber, td.ClientID),
		TrialNumber:  td.TrialNumber,
		Mode:         store.ModeSolo,
		FighterData:  td.FighterData,
		AIPrediction: td.AIPrediction,
		AIRationale:  td.AIRationale,
		ClientID:     td.ClientID,
		Submission:   &sub,
	}
	err := a.st.CreateTrial(ctx, td.SessionID, doc)
	if errors.Is(err, store.ErrAlreadyExists) {
		a.log.Info("duplicate solo trial submission ignored",
			zap.String("session", td.SessionID),
			zap.String("trial", doc.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("results: create solo trial: %w", err)
	}
	return nil
}

// recordGroupTrial merges one member's submission into the shared trial
// document under a transaction. The first writer creates the document
// with the trial-level fields and the chat transcript; later writers
// only add their submission. A member who already has a submission in
// the document is a no-op.
func (a *Aggregator) recordGroupTrial(ctx context.Context, td *wire.TrialData, sub store.Submission) error {
	err := a.st.MergeGroupTrial(ctx, td.SessionID, td.TrialNumber,
		func(existing *store.TrialDocument) (*store.TrialDocument, error) {
			if existing == nil {
				return &store.TrialDocument{
					ID:           store.GroupTrialID(td.TrialNumber),
					TrialNumber:  td.TrialNumber,
					Mode:         store.ModeGroup,
					FighterData:  td.FighterData,
					AIPrediction: td.AIPrediction,
					AIRationale:  td.AIRationale,
					Submissions:  map[string]store.Submission{td.ClientID: sub},
					Chat:         dedupeChat(td.ChatMessages),
				}, nil
			}
			if _, dup := existing.Submissions[td.ClientID]; dup {
				a.log.Info("duplicate group trial submission ignored",
					zap.String("session", td.SessionID),
					zap.Int("trial", td.TrialNumber),
					zap.String("participant", td.ClientID))
				return nil, nil // no write
			}
			merged := existing.Clone()
			if merged.Submissions == nil {
				merged.Submissions = make(map[string]store.Submission)
			}
			merged.Submissions[td.ClientID] = sub
			merged.Chat = mergeChat(merged.Chat, td.ChatMessages)
			return merged, nil
		})
	if err != nil {
		return fmt.Errorf("results: merge group trial: %w", err)
	}
	return nil
}

// RecordSurvey stores a pre- or post-task survey. A resubmission
// overwrites; the latest answers win.
func (a *Aggregator) RecordSurvey(ctx context.Context, sessionID, kind string, sd *wire.SurveyData) error {
	if sd.ClientID == "" {
		return fmt.Errorf("results: survey missing clientID")
	}
	doc := &store.SurveyDocument{
		ClientID:    sd.ClientID,
		Answers:     sd.Answers,
		SubmittedAt: time.Now(),
	}
	if err := a.st.PutSurvey(ctx, sessionID, store.SurveyDocID(sd.ClientID, kind), doc); err != nil {
		return fmt.Errorf("results: put survey: %w", err)
	}
	return nil
}

// Finish marks one participant as done with the session. When every
// participant has finished, the session is closed: status flips to
// ended, the end time is recorded, and listeners are notified so live
// state and bindings are released.
func (a *Aggregator) Finish(ctx context.Context, sessionID, participantID string) error {
	s, err := a.st.AppendFinished(ctx, sessionID, participantID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return ErrUnknownSession
		}
		return fmt.Errorf("results: record finish: %w", err)
	}
	if !allFinished(s) {
		return nil
	}
	if s.Status == store.StatusEnded {
		return nil // an earlier finish already closed it
	}
	now := time.Now()
	if err := a.st.UpdateSession(ctx, sessionID, map[string]any{
		store.FieldStatus:  store.StatusEnded,
		store.FieldEndedAt: now,
	}); err != nil {
		return fmt.Errorf("results: end session: %w", err)
	}
	a.log.Info("session ended",
		zap.String("session", sessionID),
		zap.Strings("participants", s.Participants))
	a.events.SessionUpdated(event.SessionUpdate{
		SessionID:    sessionID,
		Status:       store.StatusEnded,
		Mode:         s.Mode,
		Participants: append([]string(nil), s.Participants...),
	})
	return nil
}

func allFinished(s *store.Session) bool {
	if len(s.Participants) == 0 {
		return false
	}
	done := make(map[string]bool, len(s.FinishedIDs))
	for _, id := range s.FinishedIDs {
		done[id] = true
	}
	for _, p := range s.Participants {
		if !done[p] {
			return false
		}
	}
	return true
}

// dedupeChat drops exact duplicates (same sender, same timestamp) from
// a single transcript, preserving order.
func dedupeChat(in []store.ChatMessage) []store.ChatMessage {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]store.ChatMessage, 0, len(in))
	for _, m := range in {
		k := chatKey(m)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, m)
	}
	return out
}

// mergeChat unions a member's transcript into the stored one. Members
// of one cohort see the same chat, so in practice this only fills gaps
// from clients that missed lines while disconnected.
func mergeChat(stored, incoming []store.ChatMessage) []store.ChatMessage {
	if len(incoming) == 0 {
		return stored
	}
	seen := make(map[string]bool, len(stored))
	for _, m := range stored {
		seen[chatKey(m)] = true
	}
	out := stored
	for _, m := range incoming {
		k := chatKey(m)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, m)
	}
	return out
}

func chatKey(m store.ChatMessage) string {
	return fmt.Sprintf("%s|%d", m.Sender, m.Timestamp)
}
