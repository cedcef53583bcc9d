package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mentalmodel-lab/fightcast/internal/store"
)

func readCSV(t *testing.T, buf *bytes.Buffer) (header []string, rows []map[string]string) {
	t.Helper()
	records, err := csv.NewReader(buf).ReadAll()
	require.NoError(t, err)
	require.NotEmpty(t, records)
	header = records[0]
	for _, rec := range records[1:] {
		row := make(map[string]string, len(header))
		for i, h := range header {
			row[h] = rec[i]
		}
		rows = append(rows, row)
	}
	return header, rows
}

func TestWriteRejectsUnknownMode(t *testing.T) {
	e := New(store.NewMemoryStore(), zaptest.NewLogger(t))
	var buf bytes.Buffer
	assert.ErrorIs(t, e.Write(context.Background(), "waiting", &buf), ErrUnknownMode)
	assert.ErrorIs(t, e.Write(context.Background(), "", &buf), ErrUnknownMode)
}

func TestWriteNoSessions(t *testing.T) {
	e := New(store.NewMemoryStore(), zaptest.NewLogger(t))
	var buf bytes.Buffer
	assert.ErrorIs(t, e.Write(context.Background(), "solo", &buf), ErrNoSessions)
}

// A solo session with 2 trials presented in shuffled order [1,0]:
// presentation slot 1 showed original trial 2 and vice versa. The
// export must report columns in original order.
func TestSoloExportRestoresOriginalTrialOrder(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	require.NoError(t, st.CreateSession(ctx, &store.Session{
		ID:           "s1",
		Mode:         store.ModeSolo,
		Status:       store.StatusEnded,
		Participants: []string{"p1"},
		CreatedAt:    time.Now(),
		AIMode:       "baseline",
		TrialOrder:   []int{1, 0},
		TrialCount:   2,
	}))

	// Presented trial 1 (original row 2): wagers 0/1.
	require.NoError(t, st.CreateTrial(ctx, "s1", &store.TrialDocument{
		ID: store.SoloTrialID(1, "p1"), TrialNumber: 1, Mode: store.ModeSolo,
		ClientID:   "p1",
		Submission: &store.Submission{InitialWager: 0, FinalWager: 1, WalletAfter: 11},
	}))
	// Presented trial 2 (original row 1): wagers 3/4.
	require.NoError(t, st.CreateTrial(ctx, "s1", &store.TrialDocument{
		ID: store.SoloTrialID(2, "p1"), TrialNumber: 2, Mode: store.ModeSolo,
		ClientID:   "p1",
		Submission: &store.Submission{InitialWager: 3, FinalWager: 4, WalletAfter: 15},
	}))

	var buf bytes.Buffer
	require.NoError(t, New(st, zaptest.NewLogger(t)).Write(ctx, "solo", &buf))
	_, rows := readCSV(t, &buf)
	require.Len(t, rows, 1)
	row := rows[0]

	assert.Equal(t, "s1", row["sessionID"])
	assert.Equal(t, "p1", row["clientID"])
	assert.Equal(t, "baseline", row["aiMode"])

	// Original trial 1 was shown second (slot 2).
	assert.Equal(t, "3", row["trial1_initialWager"])
	assert.Equal(t, "4", row["trial1_finalWager"])
	assert.Equal(t, "15", row["wallet_after_trial1"])
	// Original trial 2 was shown first (slot 1).
	assert.Equal(t, "0", row["trial2_initialWager"])
	assert.Equal(t, "1", row["trial2_finalWager"])
	assert.Equal(t, "11", row["wallet_after_trial2"])
}

func TestGroupExportAverageAndChangedDirection(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	require.NoError(t, st.CreateSession(ctx, &store.Session{
		ID:           "g1",
		Mode:         store.ModeGroup,
		Status:       store.StatusEnded,
		Participants: []string{"a", "b", "c"},
		CreatedAt:    time.Now(),
		AIMode:       "treatment",
		TrialOrder:   []int{0},
		TrialCount:   1,
	}))

	require.NoError(t, st.CreateTrial(ctx, "g1", &store.TrialDocument{
		ID: store.GroupTrialID(1), TrialNumber: 1, Mode: store.ModeGroup,
		Submissions: map[string]store.Submission{
			"a": {InitialWager: 0, FinalWager: 2, WalletAfter: 12},
			"b": {InitialWager: 4, FinalWager: 3, WalletAfter: 13},
			"c": {InitialWager: 1, FinalWager: 1, WalletAfter: 11},
		},
	}))

	var buf bytes.Buffer
	require.NoError(t, New(st, zaptest.NewLogger(t)).Write(ctx, "group", &buf))
	header, rows := readCSV(t, &buf)
	require.Len(t, rows, 3)

	assert.Contains(t, header, "trial1_groupAvgWager")
	assert.Contains(t, header, "trial1_changedDirection")

	byPid := make(map[string]map[string]string)
	for _, r := range rows {
		byPid[r["clientID"]] = r
	}

	// avg of final wagers = (2+3+1)/3 = 2.00
	assert.Equal(t, "2.00", byPid["a"]["trial1_groupAvgWager"])

	// a: |2-2| < |0-2| -> moved toward the group.
	assert.Equal(t, "true", byPid["a"]["trial1_changedDirection"])
	// b: |3-2| < |4-2| -> moved toward the group.
	assert.Equal(t, "true", byPid["b"]["trial1_changedDirection"])
	// c: |1-2| < |1-2| is false -> no change.
	assert.Equal(t, "false", byPid["c"]["trial1_changedDirection"])
}

func TestExportIncludesSurveyColumns(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	require.NoError(t, st.CreateSession(ctx, &store.Session{
		ID:           "s1",
		Mode:         store.ModeSolo,
		Status:       store.StatusEnded,
		Participants: []string{"p1"},
		CreatedAt:    time.Now(),
		TrialOrder:   []int{0},
		TrialCount:   1,
	}))

	require.NoError(t, st.PutSurvey(ctx, "s1", store.SurveyDocID("p1", "preTask"), &store.SurveyDocument{
		ClientID: "p1",
		Answers:  map[string]string{"pretask_Age": "3", "wins": "5"},
	}))
	require.NoError(t, st.PutSurvey(ctx, "s1", store.SurveyDocID("p1", "postTask"), &store.SurveyDocument{
		ClientID: "p1",
		Answers:  map[string]string{"posttask_Height": "2"},
	}))

	var buf bytes.Buffer
	require.NoError(t, New(st, zaptest.NewLogger(t)).Write(ctx, "solo", &buf))
	_, rows := readCSV(t, &buf)
	require.Len(t, rows, 1)
	row := rows[0]

	assert.Equal(t, "3", row["pretask_Age"])
	// Raw field names from older survey documents still map through.
	assert.Equal(t, "5", row["pretask_CareerWins"])
	assert.Equal(t, "2", row["posttask_Height"])
	// Absent answers are empty, not an error.
	assert.Equal(t, "", row["posttask_Age"])
	// No trial docs at all: empty trial cells.
	assert.Equal(t, "", row["trial1_initialWager"])
}

func TestExportMissingTrialOrderFallsBackToIdentity(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	require.NoError(t, st.CreateSession(ctx, &store.Session{
		ID:           "s1",
		Mode:         store.ModeSolo,
		Status:       store.StatusEnded,
		Participants: []string{"p1"},
		CreatedAt:    time.Now(),
		TrialCount:   1,
	}))
	require.NoError(t, st.CreateTrial(ctx, "s1", &store.TrialDocument{
		ID: store.SoloTrialID(1, "p1"), TrialNumber: 1, Mode: store.ModeSolo,
		ClientID:   "p1",
		Submission: &store.Submission{InitialWager: 2, FinalWager: 2, WalletAfter: 10},
	}))

	var buf bytes.Buffer
	require.NoError(t, New(st, zaptest.NewLogger(t)).Write(ctx, "solo", &buf))
	_, rows := readCSV(t, &buf)
	require.Len(t, rows, 1)
	assert.Equal(t, "2", rows[0]["trial1_initialWager"])
}
