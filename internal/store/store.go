package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors for store operations.
var (
	// ErrSessionNotFound is returned when a session document doesn't exist.
	ErrSessionNotFound = errors.New("store: session not found")
	// ErrSurveyNotFound is returned when a survey document doesn't exist.
	ErrSurveyNotFound = errors.New("store: survey not found")
	// ErrAlreadyExists is returned by CreateTrial when the document ID is taken.
	ErrAlreadyExists = errors.New("store: document already exists")
	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("store: closed")
)

// Session field-update keys accepted by UpdateSession.
const (
	FieldStatus         = "status"
	FieldMode           = "mode"
	FieldAIMode         = "aiMode"
	FieldTrialOrder     = "trialOrder"
	FieldTrialCount     = "trialCount"
	FieldWaitingEndTime = "waitingEndTime"
	FieldEndedAt        = "endedAt"
	FieldParticipants   = "participants"
)

// SessionQuery selects sessions by equality on status or mode.
// Results are ordered by CreatedAt descending.
type SessionQuery struct {
	Status Status
	Mode   Mode
	Limit  int
}

// Store is the document-store abstraction the engine runs against.
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateSession persists a new session document.
	CreateSession(ctx context.Context, s *Session) error

	// GetSession retrieves a session by ID.
	// Returns ErrSessionNotFound if the session doesn't exist.
	GetSession(ctx context.Context, id string) (*Session, error)

	// UpdateSession applies a field update to a session document.
	// Keys are the Field* constants.
	UpdateSession(ctx context.Context, id string, updates map[string]any) error

	// FindSessions returns sessions matching the query, newest first.
	FindSessions(ctx context.Context, q SessionQuery) ([]*Session, error)

	// AppendFinished atomically adds participantID to the session's
	// finished set and returns the updated session.
	AppendFinished(ctx context.Context, id, participantID string) (*Session, error)

	// CreateTrial writes a trial document with its preset ID.
	// Returns ErrAlreadyExists if a document with that ID is present.
	CreateTrial(ctx context.Context, sessionID string, doc *TrialDocument) error

	// MergeGroupTrial runs a transactional read-modify-write against the
	// shared group document for trialNumber. mutate receives the current
	// document (nil on first submission) and returns the document to
	// write; returning (nil, nil) leaves the document unchanged, and
	// returning an error aborts without writing.
	MergeGroupTrial(ctx context.Context, sessionID string, trialNumber int, mutate func(existing *TrialDocument) (*TrialDocument, error)) error

	// ListTrials returns every trial document of a session.
	ListTrials(ctx context.Context, sessionID string) ([]*TrialDocument, error)

	// PutSurvey writes a survey document (last-write-wins).
	PutSurvey(ctx context.Context, sessionID, docID string, doc *SurveyDocument) error

	// GetSurvey retrieves a survey document.
	// Returns ErrSurveyNotFound if absent.
	GetSurvey(ctx context.Context, sessionID, docID string) (*SurveyDocument, error)

	// Close releases resources held by the store.
	Close() error
}

// applySessionUpdates mutates s in place with typed values from a field
// update. Shared by the memory and redis backends; the firestore backend
// maps the same keys to native field updates.
func applySessionUpdates(s *Session, updates map[string]any) error {
	for key, val := range updates {
		switch key {
		case FieldStatus:
			v, ok := val.(Status)
			if !ok {
				return fmt.Errorf("store: field %s: want Status, got %T", key, val)
			}
			s.Status = v
		case FieldMode:
			v, ok := val.(Mode)
			if !ok {
				return fmt.Errorf("store: field %s: want Mode, got %T", key, val)
			}
			s.Mode = v
		case FieldAIMode:
			v, ok := val.(string)
			if !ok {
				return fmt.Errorf("store: field %s: want string, got %T", key, val)
			}
			s.AIMode = v
		case FieldTrialOrder:
			v, ok := val.([]int)
			if !ok {
				return fmt.Errorf("store: field %s: want []int, got %T", key, val)
			}
			s.TrialOrder = append([]int(nil), v...)
		case FieldTrialCount:
			v, ok := val.(int)
			if !ok {
				return fmt.Errorf("store: field %s: want int, got %T", key, val)
			}
			s.TrialCount = v
		case FieldWaitingEndTime:
			v, ok := val.(time.Time)
			if !ok {
				return fmt.Errorf("store: field %s: want time.Time, got %T", key, val)
			}
			s.WaitingEndTime = v
		case FieldEndedAt:
			v, ok := val.(time.Time)
			if !ok {
				return fmt.Errorf("store: field %s: want time.Time, got %T", key, val)
			}
			s.EndedAt = &v
		case FieldParticipants:
			v, ok := val.([]string)
			if !ok {
				return fmt.Errorf("store: field %s: want []string, got %T", key, val)
			}
			s.Participants = append([]string(nil), v...)
		default:
			return fmt.Errorf("store: unknown session field %q", key)
		}
	}
	return nil
}
