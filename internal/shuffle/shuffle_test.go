package shuffle

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mentalmodel-lab/fightcast/internal/content"
	"github.com/mentalmodel-lab/fightcast/internal/store"
)

func TestPermutationIsValid(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, n := range []int{0, 1, 2, 10, 50} {
		order := Permutation(n, rng)
		require.Len(t, order, n)
		seen := make(map[int]bool, n)
		for _, idx := range order {
			assert.GreaterOrEqual(t, idx, 0)
			assert.Less(t, idx, n)
			assert.False(t, seen[idx], "duplicate index %d for n=%d", idx, n)
			seen[idx] = true
		}
	}
}

func TestApply(t *testing.T) {
	rows := []content.Row{
		{"name": "first"},
		{"name": "second"},
		{"name": "third"},
	}
	out := Apply(rows, []int{2, 0, 1})
	assert.Equal(t, "third", out[0]["name"])
	assert.Equal(t, "first", out[1]["name"])
	assert.Equal(t, "second", out[2]["name"])
}

func TestAndPersistWritesOrderFirst(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateSession(ctx, &store.Session{
		ID:        "s1",
		Mode:      store.ModeSolo,
		Status:    store.StatusWaiting,
		CreatedAt: time.Now(),
	}))

	rows := []content.Row{{"n": "a"}, {"n": "b"}, {"n": "c"}, {"n": "d"}}
	shuffled, order, err := AndPersist(ctx, st, "s1", rows, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	require.Len(t, shuffled, len(rows))
	require.Len(t, order, len(rows))

	s, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, order, s.TrialOrder)

	// Presented row j must be original row order[j].
	for j, idx := range order {
		assert.Equal(t, rows[idx]["n"], shuffled[j]["n"])
	}
}

func TestAndPersistFailsWithoutSession(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	_, _, err := AndPersist(ctx, st, "ghost", []content.Row{{"n": "a"}}, rand.New(rand.NewSource(1)))
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
}
