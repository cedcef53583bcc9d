package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(id string, status Status, mode Mode, createdAt time.Time) *Session {
	return &Session{
		ID:           id,
		Mode:         mode,
		Status:       status,
		Participants: []string{"p1"},
		CreatedAt:    createdAt,
		FinishedIDs:  []string{},
	}
}

func TestMemoryStoreSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	now := time.Now()

	require.NoError(t, st.CreateSession(ctx, newSession("s1", StatusWaiting, ModeWaiting, now)))

	s, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, s.Status)

	require.NoError(t, st.UpdateSession(ctx, "s1", map[string]any{
		FieldStatus:     StatusRunning,
		FieldMode:       ModeSolo,
		FieldAIMode:     "baseline",
		FieldTrialCount: 3,
		FieldTrialOrder: []int{2, 0, 1},
	}))

	s, err = st.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, s.Status)
	assert.Equal(t, ModeSolo, s.Mode)
	assert.Equal(t, "baseline", s.AIMode)
	assert.Equal(t, []int{2, 0, 1}, s.TrialOrder)

	_, err = st.GetSession(ctx, "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	err = st.UpdateSession(ctx, "s1", map[string]any{"bogus": 1})
	assert.Error(t, err)
}

func TestMemoryStoreFindSessionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	base := time.Now()

	require.NoError(t, st.CreateSession(ctx, newSession("old", StatusWaiting, ModeWaiting, base)))
	require.NoError(t, st.CreateSession(ctx, newSession("new", StatusWaiting, ModeWaiting, base.Add(time.Minute))))
	require.NoError(t, st.CreateSession(ctx, newSession("running", StatusRunning, ModeSolo, base.Add(2*time.Minute))))

	found, err := st.FindSessions(ctx, SessionQuery{Status: StatusWaiting})
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "new", found[0].ID)
	assert.Equal(t, "old", found[1].ID)

	found, err = st.FindSessions(ctx, SessionQuery{Status: StatusWaiting, Limit: 1})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "new", found[0].ID)

	found, err = st.FindSessions(ctx, SessionQuery{Mode: ModeSolo})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "running", found[0].ID)
}

func TestMemoryStoreCloneIsolation(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	s := newSession("s1", StatusWaiting, ModeWaiting, time.Now())
	require.NoError(t, st.CreateSession(ctx, s))

	// Mutating the caller's copy must not leak into the store.
	s.Participants[0] = "mutated"

	got, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.Participants[0])

	got.Participants[0] = "also-mutated"
	again, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "p1", again.Participants[0])
}

func TestMemoryStoreAppendFinished(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	s := newSession("s1", StatusRunning, ModeGroup, time.Now())
	s.Participants = []string{"a", "b"}
	require.NoError(t, st.CreateSession(ctx, s))

	got, err := st.AppendFinished(ctx, "s1", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.FinishedIDs)

	// Duplicate finish stays single.
	got, err = st.AppendFinished(ctx, "s1", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.FinishedIDs)

	got, err = st.AppendFinished(ctx, "s1", "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.FinishedIDs)
}

func TestMemoryStoreCreateTrialDuplicate(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	doc := &TrialDocument{
		ID:          SoloTrialID(1, "p1"),
		TrialNumber: 1,
		Mode:        ModeSolo,
		ClientID:    "p1",
		Submission:  &Submission{InitialWager: 2, FinalWager: 3},
	}
	require.NoError(t, st.CreateTrial(ctx, "s1", doc))
	assert.ErrorIs(t, st.CreateTrial(ctx, "s1", doc), ErrAlreadyExists)

	trials, err := st.ListTrials(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, trials, 1)
}

func TestMemoryStoreMergeGroupTrial(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	// First writer creates the document.
	err := st.MergeGroupTrial(ctx, "s1", 1, func(existing *TrialDocument) (*TrialDocument, error) {
		require.Nil(t, existing)
		return &TrialDocument{
			TrialNumber: 1,
			Mode:        ModeGroup,
			Submissions: map[string]Submission{"a": {FinalWager: 3}},
		}, nil
	})
	require.NoError(t, err)

	// Second writer merges.
	err = st.MergeGroupTrial(ctx, "s1", 1, func(existing *TrialDocument) (*TrialDocument, error) {
		require.NotNil(t, existing)
		merged := existing.Clone()
		merged.Submissions["b"] = Submission{FinalWager: 1}
		return merged, nil
	})
	require.NoError(t, err)

	// nil result leaves the document untouched.
	err = st.MergeGroupTrial(ctx, "s1", 1, func(existing *TrialDocument) (*TrialDocument, error) {
		return nil, nil
	})
	require.NoError(t, err)

	trials, err := st.ListTrials(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, trials, 1)
	assert.Equal(t, GroupTrialID(1), trials[0].ID)
	assert.Len(t, trials[0].Submissions, 2)
}

func TestMemoryStoreSurveys(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	docID := SurveyDocID("p1", "preTask")
	require.NoError(t, st.PutSurvey(ctx, "s1", docID, &SurveyDocument{
		ClientID: "p1",
		Answers:  map[string]string{"pretask_Age": "3"},
	}))

	got, err := st.GetSurvey(ctx, "s1", docID)
	require.NoError(t, err)
	assert.Equal(t, "3", got.Answers["pretask_Age"])

	// Last write wins.
	require.NoError(t, st.PutSurvey(ctx, "s1", docID, &SurveyDocument{
		ClientID: "p1",
		Answers:  map[string]string{"pretask_Age": "4"},
	}))
	got, err = st.GetSurvey(ctx, "s1", docID)
	require.NoError(t, err)
	assert.Equal(t, "4", got.Answers["pretask_Age"])

	_, err = st.GetSurvey(ctx, "s1", SurveyDocID("p1", "postTask"))
	assert.ErrorIs(t, err, ErrSurveyNotFound)
}

func TestMemoryStoreClosed(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	require.NoError(t, st.Close())

	assert.ErrorIs(t, st.CreateSession(ctx, newSession("s1", StatusWaiting, ModeWaiting, time.Now())), ErrClosed)
	_, err := st.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, ErrClosed)
}
