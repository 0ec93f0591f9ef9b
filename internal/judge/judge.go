// Package judge selects one winning submission per closed contract. The
// evaluation engine treats the selector as an opaque ranking function; policy
// lives here.
package judge

import (
	"context"
	"sort"

	"agora/internal/domain"
)

// Selector picks a winner among a contract's submissions. Implementations
// must be deterministic for a fixed submission set and return "" when there
// is nothing to pick (the engine publishes a null-winner result).
type Selector interface {
	Select(ctx context.Context, contract domain.Contract, submissions []domain.Submission, reputation map[string]int) (string, error)
}

// Scorer is the default deterministic policy: highest author reputation wins,
// ties broken by earliest submission, then by submission id. Re-running a
// selection over the same ledger always yields the same winner.
type Scorer struct{}

func (Scorer) Select(_ context.Context, _ domain.Contract, submissions []domain.Submission, reputation map[string]int) (string, error) {
	if len(submissions) == 0 {
		return "", nil
	}
	ranked := make([]domain.Submission, len(submissions))
	copy(ranked, submissions)
	sort.SliceStable(ranked, func(i, j int) bool {
		ri, rj := reputation[ranked[i].AgentID], reputation[ranked[j].AgentID]
		if ri != rj {
			return ri > rj
		}
		if ranked[i].CreatedAt != ranked[j].CreatedAt {
			return ranked[i].CreatedAt < ranked[j].CreatedAt
		}
		return ranked[i].ID < ranked[j].ID
	})
	return ranked[0].ID, nil
}
