// Package shuffle randomizes a session's trial order and persists the
// permutation before any trial content is shown. Reconnect logic replays
// the persisted order; regenerating it would desynchronize a rejoining
// client from already-submitted results.
package shuffle

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/mentalmodel-lab/fightcast/internal/content"
	"github.com/mentalmodel-lab/fightcast/internal/store"
)

// Permutation returns an unbiased Fisher-Yates permutation of [0, n).
func Permutation(n int, rng *rand.Rand) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		order[i], order[j] = order[j], order[i]
	}
	return order
}

// Apply reorders rows by the permutation: out[j] = rows[order[j]].
func Apply(rows []content.Row, order []int) []content.Row {
	out := make([]content.Row, len(order))
	for j, idx := range order {
		out[j] = rows[idx]
	}
	return out
}

// AndPersist shuffles the trial rows for a session, records the
// permutation on the session document, and returns the reordered rows.
// The order is durably written before the rows are returned.
func AndPersist(ctx context.Context, st store.Store, sessionID string, rows []content.Row, rng *rand.Rand) ([]content.Row, []int, error) {
	order := Permutation(len(rows), rng)
	if err := st.UpdateSession(ctx, sessionID, map[string]any{
		store.FieldTrialOrder: order,
	}); err != nil {
		return nil, nil, fmt.Errorf("shuffle: persist trial order: %w", err)
	}
	return Apply(rows, order), order, nil
}
