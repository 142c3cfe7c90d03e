// Package registry tracks the agents known to the engine: their
// capability tags, concurrency limits, liveness and status. Capacity is
// never cached; every check counts the documents currently sitting in the
// agent's owned-tasks folder, so limit changes apply on the next check
// without a restart.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskfold/taskfold/vault"
)

// Errors returned by the registry.
var (
	ErrDuplicateAgent   = errors.New("agent already registered")
	ErrAgentNotFound    = errors.New("agent not found")
	ErrCapacityExceeded = errors.New("agent at capacity")
	ErrAgentNotActive   = errors.New("agent is not active")
)

// Status is the liveness status of an agent. Inactive and unresponsive
// agents are invisible to routing and assignment.
type Status string

const (
	StatusActive       Status = "active"
	StatusInactive     Status = "inactive"
	StatusUnresponsive Status = "unresponsive"
)

// Agent holds the registered metadata for one worker.
type Agent struct {
	ID            string
	Capabilities  []string
	MaxConcurrent int
	// TypeLimits caps concurrent tasks per task type. Types without an
	// entry fall back to the registry-wide default.
	TypeLimits    map[string]int
	Status        Status
	LastHeartbeat time.Time
	RegisteredAt  time.Time
}

// HasCapability reports whether the agent carries the given tag.
// Matching is case-insensitive.
func (a *Agent) HasCapability(tag string) bool {
	for _, c := range a.Capabilities {
		if strings.EqualFold(c, tag) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the agent record.
func (a *Agent) Clone() *Agent {
	c := *a
	if a.Capabilities != nil {
		c.Capabilities = append([]string(nil), a.Capabilities...)
	}
	if a.TypeLimits != nil {
		c.TypeLimits = make(map[string]int, len(a.TypeLimits))
		for k, v := range a.TypeLimits {
			c.TypeLimits[k] = v
		}
	}
	return &c
}

// Limits supplies the registry-wide defaults for agents that do not set
// their own. It is called on every capacity check so hot-reloaded values
// take effect immediately.
type Limits struct {
	// MaxConcurrent is the default global concurrency limit per agent.
	MaxConcurrent int

	// PerType is the default per-type concurrency limit. Zero disables
	// the per-type check for types the agent has no explicit limit for.
	PerType int
}

// Registry is the in-memory agent registry backed by the document store
// for capacity accounting and folder provisioning.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent

	store  vault.Store
	layout vault.Layout
	limits func() Limits
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLimits sets the default-limit source, read fresh on every check.
func WithLimits(limits func() Limits) Option {
	return func(r *Registry) { r.limits = limits }
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a registry over the given store and layout.
func New(store vault.Store, layout vault.Layout, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		agents: make(map[string]*Agent),
		store:  store,
		layout: layout,
		limits: func() Limits { return Limits{MaxConcurrent: 5} },
		logger: logger.With(zap.String("component", "registry")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an agent and provisions its owned-tasks folder. The two
// effects appear together or not at all: if provisioning fails the agent
// is not stored. Returns ErrDuplicateAgent if the id is taken.
func (r *Registry) Register(ctx context.Context, agent *Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent id is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agent.ID]; exists {
		return fmt.Errorf("register %s: %w", agent.ID, ErrDuplicateAgent)
	}

	if err := r.store.EnsureDir(ctx, r.layout.AgentDir(agent.ID)); err != nil {
		return fmt.Errorf("provision folder for %s: %w", agent.ID, err)
	}

	stored := agent.Clone()
	now := r.now()
	stored.RegisteredAt = now
	stored.LastHeartbeat = now
	if stored.Status == "" {
		stored.Status = StatusActive
	}
	r.agents[stored.ID] = stored

	r.logger.Info("agent registered",
		zap.String("agent_id", stored.ID),
		zap.Strings("capabilities", stored.Capabilities),
		zap.Int("max_concurrent", stored.MaxConcurrent),
	)
	return nil
}

// Deregister marks the agent inactive. The registry entry and the agent
// folder are kept; any documents still inside the folder are picked up by
// the abandonment detector.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return fmt.Errorf("deregister %s: %w", agentID, ErrAgentNotFound)
	}
	agent.Status = StatusInactive

	r.logger.Info("agent deregistered", zap.String("agent_id", agentID))
	return nil
}

// RecordHeartbeat updates the agent's liveness timestamp. An unresponsive
// agent flips back to active and becomes eligible for new assignments.
func (r *Registry) RecordHeartbeat(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return fmt.Errorf("heartbeat %s: %w", agentID, ErrAgentNotFound)
	}
	agent.LastHeartbeat = r.now()
	if agent.Status == StatusUnresponsive {
		agent.Status = StatusActive
		r.logger.Info("agent recovered", zap.String("agent_id", agentID))
	}
	return nil
}

// MarkUnresponsive flags an agent whose heartbeats went stale. Used by the
// abandonment detector.
func (r *Registry) MarkUnresponsive(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return fmt.Errorf("mark unresponsive %s: %w", agentID, ErrAgentNotFound)
	}
	if agent.Status == StatusActive {
		agent.Status = StatusUnresponsive
		r.logger.Warn("agent marked unresponsive",
			zap.String("agent_id", agentID),
			zap.Time("last_heartbeat", agent.LastHeartbeat),
		)
	}
	return nil
}

// Get returns a copy of the agent record.
func (r *Registry) Get(ctx context.Context, agentID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return nil, fmt.Errorf("get %s: %w", agentID, ErrAgentNotFound)
	}
	return agent.Clone(), nil
}

// GetStatus returns the agent's status.
func (r *Registry) GetStatus(ctx context.Context, agentID string) (Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return "", fmt.Errorf("status %s: %w", agentID, ErrAgentNotFound)
	}
	return agent.Status, nil
}

// ListActive returns copies of all active agents.
func (r *Registry) ListActive(ctx context.Context) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		if agent.Status == StatusActive {
			out = append(out, agent.Clone())
		}
	}
	return out
}

// GetAgentsByCapability returns active agents carrying the given tag.
func (r *Registry) GetAgentsByCapability(ctx context.Context, tag string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Agent, 0)
	for _, agent := range r.agents {
		if agent.Status == StatusActive && agent.HasCapability(tag) {
			out = append(out, agent.Clone())
		}
	}
	return out
}

// OwnedCount counts the task documents currently inside the agent's
// folder. Always derived live from the store.
func (r *Registry) OwnedCount(ctx context.Context, agentID string) (int, error) {
	names, err := r.store.List(ctx, r.layout.AgentDir(agentID))
	if err != nil {
		return 0, fmt.Errorf("count owned tasks of %s: %w", agentID, err)
	}
	count := 0
	for _, name := range names {
		if strings.HasSuffix(name, ".md") {
			count++
		}
	}
	return count, nil
}

// HasCapacity reports whether the agent can take one more task under its
// global limit.
func (r *Registry) HasCapacity(ctx context.Context, agentID string) (bool, error) {
	r.mu.RLock()
	agent, exists := r.agents[agentID]
	var limit int
	if exists {
		limit = agent.MaxConcurrent
	}
	r.mu.RUnlock()
	if !exists {
		return false, fmt.Errorf("capacity %s: %w", agentID, ErrAgentNotFound)
	}
	if limit <= 0 {
		limit = r.limits().MaxConcurrent
	}
	if limit <= 0 {
		return true, nil
	}

	owned, err := r.OwnedCount(ctx, agentID)
	if err != nil {
		return false, err
	}
	return owned < limit, nil
}

// HasCapacityForType reports whether the agent can take one more task of
// the given type. This reads every owned document to count types, keeping
// the store authoritative.
func (r *Registry) HasCapacityForType(ctx context.Context, agentID, taskType string) (bool, error) {
	ok, err := r.HasCapacity(ctx, agentID)
	if err != nil || !ok {
		return ok, err
	}

	r.mu.RLock()
	agent := r.agents[agentID]
	limit, explicit := agent.TypeLimits[taskType]
	r.mu.RUnlock()
	if !explicit {
		limit = r.limits().PerType
	}
	if limit <= 0 {
		return true, nil
	}

	dir := r.layout.AgentDir(agentID)
	names, err := r.store.List(ctx, dir)
	if err != nil {
		return false, fmt.Errorf("count %s tasks of %s: %w", taskType, agentID, err)
	}
	count := 0
	for _, name := range names {
		if !strings.HasSuffix(name, ".md") {
			continue
		}
		raw, err := r.store.Read(ctx, dir+"/"+name)
		if err != nil {
			// Document moved between List and Read; skip it.
			continue
		}
		task, err := vault.ParseDocument(raw)
		if err != nil {
			continue
		}
		if task.Type == taskType {
			count++
		}
	}
	return count < limit, nil
}
