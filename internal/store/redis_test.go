package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStoreFromClient(client, "test:")
}

func TestRedisStoreSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newTestRedisStore(t)
	now := time.Now().Truncate(time.Millisecond)

	s := newSession("s1", StatusWaiting, ModeWaiting, now)
	s.WaitingEndTime = now.Add(30 * time.Second)
	require.NoError(t, st.CreateSession(ctx, s))

	got, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, s.Status, got.Status)
	assert.True(t, s.WaitingEndTime.Equal(got.WaitingEndTime))

	_, err = st.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRedisStoreIndexesFollowUpdates(t *testing.T) {
	ctx := context.Background()
	st := newTestRedisStore(t)
	base := time.Now()

	require.NoError(t, st.CreateSession(ctx, newSession("a", StatusWaiting, ModeWaiting, base)))
	require.NoError(t, st.CreateSession(ctx, newSession("b", StatusWaiting, ModeWaiting, base.Add(time.Second))))

	waiting, err := st.FindSessions(ctx, SessionQuery{Status: StatusWaiting})
	require.NoError(t, err)
	require.Len(t, waiting, 2)
	assert.Equal(t, "b", waiting[0].ID) // newest first

	require.NoError(t, st.UpdateSession(ctx, "b", map[string]any{
		FieldStatus: StatusRunning,
		FieldMode:   ModeSolo,
	}))

	waiting, err = st.FindSessions(ctx, SessionQuery{Status: StatusWaiting})
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, "a", waiting[0].ID)

	solo, err := st.FindSessions(ctx, SessionQuery{Mode: ModeSolo})
	require.NoError(t, err)
	require.Len(t, solo, 1)
	assert.Equal(t, "b", solo[0].ID)
}

func TestRedisStoreUpdateMissingSession(t *testing.T) {
	ctx := context.Background()
	st := newTestRedisStore(t)
	err := st.UpdateSession(ctx, "nope", map[string]any{FieldStatus: StatusEnded})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRedisStoreAppendFinished(t *testing.T) {
	ctx := context.Background()
	st := newTestRedisStore(t)
	s := newSession("s1", StatusRunning, ModeGroup, time.Now())
	s.Participants = []string{"a", "b", "c"}
	require.NoError(t, st.CreateSession(ctx, s))

	got, err := st.AppendFinished(ctx, "s1", "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, got.FinishedIDs)

	got, err = st.AppendFinished(ctx, "s1", "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, got.FinishedIDs)
}

func TestRedisStoreCreateTrialDuplicate(t *testing.T) {
	ctx := context.Background()
	st := newTestRedisStore(t)

	doc := &TrialDocument{
		ID:          SoloTrialID(2, "p1"),
		TrialNumber: 2,
		Mode:        ModeSolo,
		ClientID:    "p1",
		Submission:  &Submission{InitialWager: 1, FinalWager: 4},
	}
	require.NoError(t, st.CreateTrial(ctx, "s1", doc))
	assert.ErrorIs(t, st.CreateTrial(ctx, "s1", doc), ErrAlreadyExists)
}

func TestRedisStoreMergeGroupTrial(t *testing.T) {
	ctx := context.Background()
	st := newTestRedisStore(t)

	err := st.MergeGroupTrial(ctx, "s1", 3, func(existing *TrialDocument) (*TrialDocument, error) {
		require.Nil(t, existing)
		return &TrialDocument{
			TrialNumber: 3,
			Mode:        ModeGroup,
			Submissions: map[string]Submission{"a": {FinalWager: 2}},
			Chat:        []ChatMessage{{Sender: "a", Text: "hi", Timestamp: 1}},
		}, nil
	})
	require.NoError(t, err)

	err = st.MergeGroupTrial(ctx, "s1", 3, func(existing *TrialDocument) (*TrialDocument, error) {
		require.NotNil(t, existing)
		merged := existing.Clone()
		merged.Submissions["b"] = Submission{FinalWager: 0}
		return merged, nil
	})
	require.NoError(t, err)

	// Duplicate no-op write.
	err = st.MergeGroupTrial(ctx, "s1", 3, func(existing *TrialDocument) (*TrialDocument, error) {
		return nil, nil
	})
	require.NoError(t, err)

	trials, err := st.ListTrials(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, trials, 1)
	assert.Equal(t, GroupTrialID(3), trials[0].ID)
	assert.Len(t, trials[0].Submissions, 2)
	assert.Len(t, trials[0].Chat, 1)
}

func TestRedisStoreSurveys(t *testing.T) {
	ctx := context.Background()
	st := newTestRedisStore(t)

	docID := SurveyDocID("p1", "postTask")
	require.NoError(t, st.PutSurvey(ctx, "s1", docID, &SurveyDocument{
		ClientID: "p1",
		Answers:  map[string]string{"posttask_Height": "2"},
	}))

	got, err := st.GetSurvey(ctx, "s1", docID)
	require.NoError(t, err)
	assert.Equal(t, "2", got.Answers["posttask_Height"])

	_, err = st.GetSurvey(ctx, "s1", "absent")
	assert.ErrorIs(t, err, ErrSurveyNotFound)
}
