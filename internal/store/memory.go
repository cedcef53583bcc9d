package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store used in tests and local development.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	trials   map[string]map[string]*TrialDocument // sessionID -> docID -> doc
	surveys  map[string]map[string]*SurveyDocument
	closed   bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		trials:   make(map[string]map[string]*TrialDocument),
		surveys:  make(map[string]map[string]*SurveyDocument),
	}
}

func (m *MemoryStore) CreateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) UpdateSession(ctx context.Context, id string, updates map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	return applySessionUpdates(s, updates)
}

func (m *MemoryStore) FindSessions(ctx context.Context, q SessionQuery) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []*Session
	for _, s := range m.sessions {
		if q.Status != "" && s.Status != q.Status {
			continue
		}
		if q.Mode != "" && s.Mode != q.Mode {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) AppendFinished(ctx context.Context, id, participantID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	found := false
	for _, fid := range s.FinishedIDs {
		if fid == participantID {
			found = true
			break
		}
	}
	if !found {
		s.FinishedIDs = append(s.FinishedIDs, participantID)
	}
	return s.Clone(), nil
}

func (m *MemoryStore) CreateTrial(ctx context.Context, sessionID string, doc *TrialDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	coll, ok := m.trials[sessionID]
	if !ok {
		coll = make(map[string]*TrialDocument)
		m.trials[sessionID] = coll
	}
	if _, exists := coll[doc.ID]; exists {
		return ErrAlreadyExists
	}
	coll[doc.ID] = doc.Clone()
	return nil
}

func (m *MemoryStore) MergeGroupTrial(ctx context.Context, sessionID string, trialNumber int, mutate func(existing *TrialDocument) (*TrialDocument, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	coll, ok := m.trials[sessionID]
	if !ok {
		coll = make(map[string]*TrialDocument)
		m.trials[sessionID] = coll
	}
	docID := GroupTrialID(trialNumber)
	existing := coll[docID] // nil on first submission
	next, err := mutate(existing.Clone())
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	next.ID = docID
	coll[docID] = next.Clone()
	return nil
}

func (m *MemoryStore) ListTrials(ctx context.Context, sessionID string) ([]*TrialDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	coll := m.trials[sessionID]
	out := make([]*TrialDocument, 0, len(coll))
	for _, doc := range coll {
		out = append(out, doc.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TrialNumber != out[j].TrialNumber {
			return out[i].TrialNumber < out[j].TrialNumber
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) PutSurvey(ctx context.Context, sessionID, docID string, doc *SurveyDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	coll, ok := m.surveys[sessionID]
	if !ok {
		coll = make(map[string]*SurveyDocument)
		m.surveys[sessionID] = coll
	}
	cp := *doc
	coll[docID] = &cp
	return nil
}

func (m *MemoryStore) GetSurvey(ctx context.Context, sessionID, docID string) (*SurveyDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	doc, ok := m.surveys[sessionID][docID]
	if !ok {
		return nil, ErrSurveyNotFound
	}
	cp := *doc
	return &cp, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
