// Package placement turns the candidate set derived by the rule base
// into a single node choice under the configured strategy.
package placement

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/example/flock/internal/config"
	"github.com/example/flock/internal/factstore"
	"github.com/example/flock/internal/state"
)

// CandidateSource is the query surface placement needs from the fact
// store.
type CandidateSource interface {
	PlacementCandidates(workloadID string) []factstore.Candidate
}

type Engine struct {
	source   CandidateSource
	strategy string
	rng      *rand.Rand
}

func NewEngine(source CandidateSource, strategy string, seed int64) (*Engine, error) {
	switch strategy {
	case config.StrategySpread, config.StrategyPack, config.StrategyRandom:
	default:
		return nil, fmt.Errorf("unknown placement strategy %q", strategy)
	}
	return &Engine{
		source:   source,
		strategy: strategy,
		rng:      rand.New(rand.NewSource(seed)),
	}, nil
}

// score ranks a candidate by headroom. Memory counts in GB so a node
// with one spare CPU and one with 1024 spare MB weigh the same.
func score(c factstore.Candidate) int64 {
	return c.CPUFree + c.MemFreeMB/1024
}

// Place picks one node for the workload, or ErrNoCandidates when the
// rule base derives none. Spread prefers the emptiest node, pack the
// fullest still-fitting one. Ties break on node id so repeated calls
// against the same facts agree.
func (e *Engine) Place(workloadID string) (string, error) {
	candidates := e.source.PlacementCandidates(workloadID)
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w for workload %s", state.ErrNoCandidates, workloadID)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].NodeID < candidates[j].NodeID })

	switch e.strategy {
	case config.StrategyRandom:
		return candidates[e.rng.Intn(len(candidates))].NodeID, nil
	case config.StrategyPack:
		best := candidates[0]
		for _, c := range candidates[1:] {
			if score(c) < score(best) {
				best = c
			}
		}
		return best.NodeID, nil
	default:
		best := candidates[0]
		for _, c := range candidates[1:] {
			if score(c) > score(best) {
				best = c
			}
		}
		return best.NodeID, nil
	}
}
