// Package rotation balances AI-mode exposure across sessions: each new
// session of a pool kind gets the variant after the most recently used
// one, wrapping round-robin.
package rotation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mentalmodel-lab/fightcast/internal/content"
	"github.com/mentalmodel-lab/fightcast/internal/store"
)

// VariantUnknown is the sentinel returned when no configured variant has
// loadable content. Sessions assigned it run with zero trials; the caller
// decides whether that is acceptable.
const VariantUnknown = "unknown"

// recentWindow bounds how far back Next scans for the last assigned
// variant. The newest documents of a pool kind can be sessions still
// mid-promotion, which carry no variant yet, so a single-document
// lookup is not enough.
const recentWindow = 10

// ErrNoVariants is configuration-fatal: the process must not start
// without at least one content variant.
var ErrNoVariants = errors.New("rotation: no content variants configured")

// Rotator picks trial-content variants for new sessions.
type Rotator struct {
	variants []string
	loader   *content.Loader
	store    store.Store
	log      *zap.Logger
}

// New validates the variant list against the available content sources.
// An empty list, or a list where every variant lacks a content file,
// is a fatal configuration error.
func New(variants []string, loader *content.Loader, st store.Store, log *zap.Logger) (*Rotator, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if len(variants) == 0 {
		return nil, ErrNoVariants
	}
	usable := 0
	for _, v := range variants {
		if err := loader.Probe(v); err != nil {
			log.Warn("variant has no loadable content", zap.String("variant", v), zap.Error(err))
			continue
		}
		usable++
	}
	if usable == 0 {
		return nil, fmt.Errorf("rotation: none of %d configured variants has content: %w", len(variants), ErrNoVariants)
	}
	return &Rotator{variants: variants, loader: loader, store: st, log: log}, nil
}

// Variants returns the configured variant identifiers in rotation order.
func (r *Rotator) Variants() []string {
	return append([]string(nil), r.variants...)
}

// Next picks the variant for a new session of the given pool kind and
// loads its trial content. The pick round-robins from the variant the
// most recent session of that kind used; the first-ever session gets the
// first configured variant. If the chosen variant's content fails to
// load, the remaining variants are tried in order; if all fail, the
// sentinel VariantUnknown with empty content is returned.
func (r *Rotator) Next(ctx context.Context, poolKind store.Mode) (string, []content.Row) {
	start := 0
	prior, err := r.store.FindSessions(ctx, store.SessionQuery{Mode: poolKind, Limit: recentWindow})
	if err != nil {
		r.log.Warn("could not query prior sessions, defaulting to first variant",
			zap.String("poolKind", string(poolKind)), zap.Error(err))
	} else {
		for _, p := range prior {
			if p.AIMode == "" {
				// Still mid-promotion, no variant assigned yet.
				continue
			}
			for i, v := range r.variants {
				if v == p.AIMode {
					start = (i + 1) % len(r.variants)
					break
				}
			}
			break
		}
	}

	for i := 0; i < len(r.variants); i++ {
		variant := r.variants[(start+i)%len(r.variants)]
		rows, err := r.loader.Load(variant)
		if err != nil {
			r.log.Warn("content load failed, falling back to next variant",
				zap.String("variant", variant), zap.Error(err))
			continue
		}
		return variant, rows
	}

	r.log.Error("all content variants failed to load",
		zap.Strings("variants", r.variants))
	return VariantUnknown, nil
}
