package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	sessionsCollection  = "sessions"
	trialsCollection    = "trials"
	participantDataColl = "participantData"
)

// FirestoreStore implements Store on Google Cloud Firestore.
//
// Layout mirrors the experiment schema: top-level `sessions` documents
// with `trials` and `participantData` sub-collections per session.
// The group-trial merge uses a native Firestore transaction.
type FirestoreStore struct {
	client    *firestore.Client
	projectID string
}

// FirestoreConfig holds Firestore connection configuration.
type FirestoreConfig struct {
	// ProjectID is the GCP project (required).
	ProjectID string
	// CredentialsFile is an optional service-account key path;
	// Application Default Credentials are used otherwise.
	CredentialsFile string
}

// NewFirestoreStore creates a Firestore-backed store.
func NewFirestoreStore(ctx context.Context, cfg FirestoreConfig) (*FirestoreStore, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("store: firestore project ID is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("store: create firestore client: %w", err)
	}
	return &FirestoreStore{client: client, projectID: cfg.ProjectID}, nil
}

func (f *FirestoreStore) sessionRef(id string) *firestore.DocumentRef {
	return f.client.Collection(sessionsCollection).Doc(id)
}

func (f *FirestoreStore) CreateSession(ctx context.Context, s *Session) error {
	if _, err := f.sessionRef(s.ID).Set(ctx, s); err != nil {
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

func (f *FirestoreStore) GetSession(ctx context.Context, id string) (*Session, error) {
	snap, err := f.sessionRef(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	var s Session
	if err := snap.DataTo(&s); err != nil {
		return nil, fmt.Errorf("store: decode session: %w", err)
	}
	return &s, nil
}

func (f *FirestoreStore) UpdateSession(ctx context.Context, id string, updates map[string]any) error {
	fsUpdates := make([]firestore.Update, 0, len(updates))
	for key, val := range updates {
		switch key {
		case FieldStatus, FieldMode, FieldAIMode, FieldTrialOrder,
			FieldTrialCount, FieldWaitingEndTime, FieldEndedAt, FieldParticipants:
			fsUpdates = append(fsUpdates, firestore.Update{Path: key, Value: val})
		default:
			return fmt.Errorf("store: unknown session field %q", key)
		}
	}
	_, err := f.sessionRef(id).Update(ctx, fsUpdates)
	if status.Code(err) == codes.NotFound {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("store: update session: %w", err)
	}
	return nil
}

func (f *FirestoreStore) FindSessions(ctx context.Context, q SessionQuery) ([]*Session, error) {
	query := f.client.Collection(sessionsCollection).Query
	if q.Status != "" {
		query = query.Where("status", "==", string(q.Status))
	}
	if q.Mode != "" {
		query = query.Where("mode", "==", string(q.Mode))
	}
	query = query.OrderBy("createdAt", firestore.Desc)
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []*Session
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("store: query sessions: %w", err)
		}
		var s Session
		if err := snap.DataTo(&s); err != nil {
			return nil, fmt.Errorf("store: decode session: %w", err)
		}
		out = append(out, &s)
	}
	return out, nil
}

func (f *FirestoreStore) AppendFinished(ctx context.Context, id, participantID string) (*Session, error) {
	ref := f.sessionRef(id)
	var result *Session
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		var s Session
		if err := snap.DataTo(&s); err != nil {
			return fmt.Errorf("store: decode session: %w", err)
		}
		present := false
		for _, fid := range s.FinishedIDs {
			if fid == participantID {
				present = true
				break
			}
		}
		if !present {
			s.FinishedIDs = append(s.FinishedIDs, participantID)
			if err := tx.Update(ref, []firestore.Update{
				{Path: "finishedIDs", Value: s.FinishedIDs},
			}); err != nil {
				return err
			}
		}
		result = &s
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("store: append finished: %w", err)
	}
	return result, nil
}

func (f *FirestoreStore) CreateTrial(ctx context.Context, sessionID string, doc *TrialDocument) error {
	ref := f.sessionRef(sessionID).Collection(trialsCollection).Doc(doc.ID)
	_, err := ref.Create(ctx, doc)
	if status.Code(err) == codes.AlreadyExists {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("store: create trial: %w", err)
	}
	return nil
}

func (f *FirestoreStore) MergeGroupTrial(ctx context.Context, sessionID string, trialNumber int, mutate func(existing *TrialDocument) (*TrialDocument, error)) error {
	ref := f.sessionRef(sessionID).Collection(trialsCollection).Doc(GroupTrialID(trialNumber))
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var existing *TrialDocument
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
			// first submission for this trial
		case err != nil:
			return err
		default:
			existing = &TrialDocument{}
			if err := snap.DataTo(existing); err != nil {
				return fmt.Errorf("store: decode trial: %w", err)
			}
		}

		next, err := mutate(existing)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		next.ID = GroupTrialID(trialNumber)
		return tx.Set(ref, next)
	})
	if err != nil {
		return fmt.Errorf("store: merge group trial: %w", err)
	}
	return nil
}

func (f *FirestoreStore) ListTrials(ctx context.Context, sessionID string) ([]*TrialDocument, error) {
	iter := f.sessionRef(sessionID).Collection(trialsCollection).Documents(ctx)
	defer iter.Stop()

	var out []*TrialDocument
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("store: list trials: %w", err)
		}
		var doc TrialDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("store: decode trial: %w", err)
		}
		out = append(out, &doc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TrialNumber != out[j].TrialNumber {
			return out[i].TrialNumber < out[j].TrialNumber
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (f *FirestoreStore) PutSurvey(ctx context.Context, sessionID, docID string, doc *SurveyDocument) error {
	ref := f.sessionRef(sessionID).Collection(participantDataColl).Doc(docID)
	if _, err := ref.Set(ctx, doc); err != nil {
		return fmt.Errorf("store: put survey: %w", err)
	}
	return nil
}

func (f *FirestoreStore) GetSurvey(ctx context.Context, sessionID, docID string) (*SurveyDocument, error) {
	snap, err := f.sessionRef(sessionID).Collection(participantDataColl).Doc(docID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrSurveyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get survey: %w", err)
	}
	var doc SurveyDocument
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("store: decode survey: %w", err)
	}
	return &doc, nil
}

func (f *FirestoreStore) Close() error {
	return f.client.Close()
}
