// Package pool selects which worker pool receives a routed task and holds
// the slot reservation for it. Selection ordering is priority ascending,
// then load ascending, then name, so a lower-priority-number pool always
// wins and ties break toward the emptier pool.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/basket/crewplane/internal/persistence"
)

// ErrNoPoolAvailable is returned when every candidate pool is inactive,
// full, or filtered out.
var ErrNoPoolAvailable = errors.New("no pool available")

// Selector picks pools from the registry backed by the persistence store.
type Selector struct {
	store  *persistence.Store
	logger *slog.Logger
}

func NewSelector(store *persistence.Store, logger *slog.Logger) *Selector {
	return &Selector{store: store, logger: logger.With("component", "pool_selector")}
}

// SelectPool returns the best candidate pool without reserving a slot.
// roleFilter narrows candidates to one role type; empty means any role.
// A pool is a candidate when it is active and has spare capacity at read
// time. Callers that intend to dispatch should use SelectAndReserve
// instead, which closes the window between selection and commitment.
func (s *Selector) SelectPool(ctx context.Context, roleFilter string) (*persistence.Pool, error) {
	candidates, err := s.candidates(ctx, roleFilter)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoPoolAvailable
	}
	return &candidates[0], nil
}

// SelectAndReserve picks the best pool and atomically reserves a slot in
// it. If the best pool fills up between the read and the reservation, the
// next candidate is tried, so a burst of concurrent dispatches never
// overcommits a pool and never fails while any pool still has room.
func (s *Selector) SelectAndReserve(ctx context.Context, roleFilter string) (*persistence.Pool, error) {
	candidates, err := s.candidates(ctx, roleFilter)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		ok, err := s.store.ReservePoolSlot(ctx, candidates[i].Name)
		if err != nil {
			return nil, fmt.Errorf("reserve slot in %s: %w", candidates[i].Name, err)
		}
		if ok {
			candidates[i].CurrentAgentCount++
			s.logger.Debug("pool slot reserved",
				"pool", candidates[i].Name,
				"role", candidates[i].RoleType,
				"occupancy", candidates[i].CurrentAgentCount,
				"capacity", candidates[i].MaxAgents)
			return &candidates[i], nil
		}
		s.logger.Debug("pool filled before reservation, trying next", "pool", candidates[i].Name)
	}
	return nil, ErrNoPoolAvailable
}

// Release returns a slot to the pool. Safe to call more than once per
// reservation; the store floors occupancy at zero.
func (s *Selector) Release(ctx context.Context, poolName string) error {
	return s.store.ReleasePoolSlot(ctx, poolName)
}

// FindPoolForAgent returns the pool an agent belongs to, or nil when the
// agent is unknown or unassigned.
func (s *Selector) FindPoolForAgent(ctx context.Context, agentID string) (*persistence.Pool, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil || agent.PoolName == "" {
		return nil, nil
	}
	return s.store.GetPool(ctx, agent.PoolName)
}

func (s *Selector) candidates(ctx context.Context, roleFilter string) ([]persistence.Pool, error) {
	pools, err := s.store.ListPools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	var out []persistence.Pool
	for _, p := range pools {
		if !p.IsActive {
			continue
		}
		if roleFilter != "" && p.RoleType != roleFilter {
			continue
		}
		if p.CurrentAgentCount >= p.MaxAgents {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		li, lj := out[i].Load(), out[j].Load()
		if li != lj {
			return li < lj
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}
