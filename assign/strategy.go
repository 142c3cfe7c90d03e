package assign

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/taskfold/taskfold/registry"
	"github.com/taskfold/taskfold/vault"
)

// Candidate is an agent eligible for a task, with the load snapshot the
// engine took when it built the candidate list.
type Candidate struct {
	Agent      *registry.Agent
	OwnedTasks int
}

// Strategy picks one agent from a non-empty candidate list. Candidates
// are pre-filtered: every entry is active, capable, and under capacity.
type Strategy interface {
	Name() string
	Select(task *vault.Task, candidates []Candidate) *registry.Agent
}

// Built-in strategy names.
const (
	StrategyPriorityFirst   = "priority_first"
	StrategyRoundRobin      = "round_robin"
	StrategyLeastLoaded     = "least_loaded"
	StrategyCapabilityMatch = "capability_match"
)

// PriorityFirst assigns to the first eligible candidate. Paired with the
// queue's priority ordering this gives urgent tasks the shortest path to
// an agent.
type PriorityFirst struct{}

func (PriorityFirst) Name() string { return StrategyPriorityFirst }

func (PriorityFirst) Select(task *vault.Task, candidates []Candidate) *registry.Agent {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[0].Agent
}

// RoundRobin rotates through candidates. The rotation index persists
// across calls so successive assignments spread over the fleet even when
// the candidate list is identical each time.
type RoundRobin struct {
	mu   sync.Mutex
	next int
}

func (r *RoundRobin) Name() string { return StrategyRoundRobin }

func (r *RoundRobin) Select(task *vault.Task, candidates []Candidate) *registry.Agent {
	if len(candidates) == 0 {
		return nil
	}
	r.mu.Lock()
	idx := r.next % len(candidates)
	r.next++
	r.mu.Unlock()
	return candidates[idx].Agent
}

// LeastLoaded picks the candidate owning the fewest tasks. Ties go to
// the earliest candidate in the list.
type LeastLoaded struct{}

func (LeastLoaded) Name() string { return StrategyLeastLoaded }

func (LeastLoaded) Select(task *vault.Task, candidates []Candidate) *registry.Agent {
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.OwnedTasks < best.OwnedTasks {
			best = c
		}
	}
	return best.Agent
}

// CapabilityMatch picks the candidate with the fewest declared
// capabilities, keeping broadly-skilled agents free for tasks only they
// can handle. Ties go to the earliest candidate in the list.
type CapabilityMatch struct{}

func (CapabilityMatch) Name() string { return StrategyCapabilityMatch }

func (CapabilityMatch) Select(task *vault.Task, candidates []Candidate) *registry.Agent {
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if len(c.Agent.Capabilities) < len(best.Agent.Capabilities) {
			best = c
		}
	}
	return best.Agent
}

// StrategySet holds the named strategies and the one currently in use.
// The current strategy can be swapped at runtime without touching queued
// tasks.
type StrategySet struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	current    Strategy
	logger     *zap.Logger
}

// NewStrategySet creates a set preloaded with the built-in strategies,
// with priority_first selected.
func NewStrategySet(logger *zap.Logger) *StrategySet {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &StrategySet{
		strategies: make(map[string]Strategy),
		logger:     logger.With(zap.String("component", "strategy_set")),
	}
	for _, st := range []Strategy{
		PriorityFirst{},
		&RoundRobin{},
		LeastLoaded{},
		CapabilityMatch{},
	} {
		s.strategies[st.Name()] = st
	}
	s.current = s.strategies[StrategyPriorityFirst]
	return s
}

// Register adds or replaces a named strategy.
func (s *StrategySet) Register(st Strategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategies[st.Name()] = st
}

// Use switches the current strategy by name.
func (s *StrategySet) Use(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.strategies[name]
	if !ok {
		return fmt.Errorf("unknown assignment strategy %q", name)
	}
	if st != s.current {
		s.logger.Info("assignment strategy switched", zap.String("strategy", name))
	}
	s.current = st
	return nil
}

// Current returns the strategy in use.
func (s *StrategySet) Current() Strategy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}
