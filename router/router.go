// Package router computes which agents are eligible to run a task.
// Eligibility is set-intersection over capability tags: an agent qualifies
// only if its capability set is a superset of the task's required set.
// Ordered routing rules are consulted first and short-circuit the
// capability computation when one matches.
package router

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/taskfold/taskfold/registry"
	"github.com/taskfold/taskfold/vault"
)

// Rule overrides capability matching for tasks its predicate accepts.
// Rules are evaluated in descending Priority order; the first match wins
// and its Targets replace the capability computation entirely.
type Rule struct {
	// Name identifies the rule in logs.
	Name string

	// Priority orders rules, higher first.
	Priority int

	// Matches reports whether the rule applies to the task.
	Matches func(task *vault.Task) bool

	// Targets are the agent ids the rule routes matching tasks to.
	Targets []string
}

// Router filters agents for tasks.
type Router struct {
	registry *registry.Registry
	logger   *zap.Logger

	mu    sync.RWMutex
	rules []Rule
}

// New creates a router over the given registry.
func New(reg *registry.Registry, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		registry: reg,
		logger:   logger.With(zap.String("component", "router")),
	}
}

// SetRules replaces the rule set. Rules are re-sorted by priority; the
// change applies to the next eligibility computation.
func (r *Router) SetRules(rules []Rule) {
	sorted := append([]Rule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	r.mu.Lock()
	r.rules = sorted
	r.mu.Unlock()
}

// EligibleAgents returns the active agents allowed to run the task. With
// no required capabilities every active agent is eligible.
func (r *Router) EligibleAgents(ctx context.Context, task *vault.Task) []*registry.Agent {
	if targets, matched, name := r.matchRule(task); matched {
		agents := make([]*registry.Agent, 0, len(targets))
		for _, id := range targets {
			agent, err := r.registry.Get(ctx, id)
			if err != nil || agent.Status != registry.StatusActive {
				continue
			}
			agents = append(agents, agent)
		}
		r.logger.Debug("routing rule matched",
			zap.String("rule", name),
			zap.String("task_id", task.ID),
			zap.Int("eligible", len(agents)),
		)
		return agents
	}

	active := r.registry.ListActive(ctx)
	if len(task.Capabilities) == 0 {
		return active
	}

	eligible := make([]*registry.Agent, 0, len(active))
	for _, agent := range active {
		if hasAll(agent, task.Capabilities) {
			eligible = append(eligible, agent)
		}
	}
	return eligible
}

// CanHandle is the single-pair form of EligibleAgents. An unknown or
// inactive agent is simply ineligible, never an error.
func (r *Router) CanHandle(ctx context.Context, agentID string, task *vault.Task) bool {
	if targets, matched, _ := r.matchRule(task); matched {
		found := false
		for _, id := range targets {
			if id == agentID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
		agent, err := r.registry.Get(ctx, agentID)
		return err == nil && agent.Status == registry.StatusActive
	}

	agent, err := r.registry.Get(ctx, agentID)
	if err != nil || agent.Status != registry.StatusActive {
		return false
	}
	return hasAll(agent, task.Capabilities)
}

func (r *Router) matchRule(task *vault.Task) ([]string, bool, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rule := range r.rules {
		if rule.Matches != nil && rule.Matches(task) {
			return rule.Targets, true, rule.Name
		}
	}
	return nil, false, ""
}

func hasAll(agent *registry.Agent, required []string) bool {
	for _, tag := range required {
		if !agent.HasCapability(tag) {
			return false
		}
	}
	return true
}
