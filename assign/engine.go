package assign

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/taskfold/taskfold/audit"
	"github.com/taskfold/taskfold/claim"
	"github.com/taskfold/taskfold/internal/metrics"
	"github.com/taskfold/taskfold/registry"
	"github.com/taskfold/taskfold/router"
	"github.com/taskfold/taskfold/vault"
)

var (
	// ErrNoEligibleAgent means no active, capable agent with free
	// capacity could take the task. The task stays queued.
	ErrNoEligibleAgent = errors.New("no eligible agent for task")

	// ErrTaskNotQueued means the task id is not in the queue mirror.
	ErrTaskNotQueued = errors.New("task not queued")
)

// Engine discovers intake documents, mirrors them into the priority
// queue, and assigns them to agents.
type Engine struct {
	store      vault.Store
	layout     vault.Layout
	queue      *Queue
	strategies *StrategySet
	claims     *claim.Manager
	agents     *registry.Registry
	router     *router.Router
	validator  Validator
	sink       audit.Sink
	metrics    *metrics.Collector
	logger     *zap.Logger

	limiter      *rate.Limiter
	pollInterval time.Duration
	subBuffer    int

	mu   sync.Mutex
	subs map[string]chan *vault.Task
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithValidator replaces the default document validator.
func WithValidator(v Validator) EngineOption {
	return func(e *Engine) { e.validator = v }
}

// WithAuditSink sets the audit sink.
func WithAuditSink(s audit.Sink) EngineOption {
	return func(e *Engine) { e.sink = s }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) EngineOption {
	return func(e *Engine) { e.metrics = c }
}

// WithScanLimit throttles folder scans. Zero disables throttling.
func WithScanLimit(perSecond float64, burst int) EngineOption {
	return func(e *Engine) {
		if perSecond > 0 {
			e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithPollInterval sets the Run loop cadence.
func WithPollInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithBroadcastBuffer sets the per-subscriber channel depth for urgent
// task notifications.
func WithBroadcastBuffer(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.subBuffer = n
		}
	}
}

// NewEngine wires an assignment engine.
func NewEngine(
	store vault.Store,
	layout vault.Layout,
	claims *claim.Manager,
	agents *registry.Registry,
	rt *router.Router,
	logger *zap.Logger,
	opts ...EngineOption,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:        store,
		layout:       layout,
		queue:        NewQueue(),
		strategies:   NewStrategySet(logger),
		claims:       claims,
		agents:       agents,
		router:       rt,
		validator:    DocumentValidator{},
		sink:         audit.NopSink{},
		logger:       logger.With(zap.String("component", "assign_engine")),
		pollInterval: 5 * time.Second,
		subBuffer:    8,
		subs:         make(map[string]chan *vault.Task),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Queue exposes the mirror, mainly for inspection endpoints and tests.
func (e *Engine) Queue() *Queue { return e.queue }

// Strategies exposes the strategy set for runtime switching.
func (e *Engine) Strategies() *StrategySet { return e.strategies }

// Scan refreshes the queue mirror from the intake folder. Documents that
// fail validation are quarantined and never queued. Mirror entries whose
// documents disappeared externally are dropped.
func (e *Engine) Scan(ctx context.Context) error {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	names, err := e.store.List(ctx, e.layout.Inbox)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if !strings.HasSuffix(name, ".md") {
			continue
		}
		path := e.layout.Inbox + "/" + name
		raw, err := e.store.Read(ctx, path)
		if errors.Is(err, vault.ErrNotFound) {
			continue // claimed or removed between List and Read
		}
		if err != nil {
			return err
		}

		task, err := e.validator.Validate(name, raw)
		if err != nil {
			e.quarantine(ctx, name, raw, err)
			continue
		}

		fresh := e.queue.Upsert(task)
		seen[task.ID] = true
		if fresh && task.Priority == vault.PriorityCritical {
			e.broadcast(task)
		}
	}

	e.queue.Retain(seen)
	e.metrics.SetQueueDepth(e.queue.Len())
	return nil
}

// quarantine moves an invalid document out of the intake folder so it is
// never re-validated on every scan.
func (e *Engine) quarantine(ctx context.Context, name string, raw []byte, cause error) {
	src := e.layout.Inbox + "/" + name
	dst := e.layout.Malformed + "/" + name
	if err := e.store.Write(ctx, dst, raw); err != nil {
		e.logger.Error("failed to quarantine document",
			zap.String("document", name), zap.Error(err))
		return
	}
	if err := e.store.Remove(ctx, src); err != nil && !errors.Is(err, vault.ErrNotFound) {
		if derr := e.store.Remove(ctx, dst); derr != nil {
			e.logger.Error("quarantine rollback failed",
				zap.String("document", name), zap.Error(derr))
		}
		e.logger.Error("failed to quarantine document",
			zap.String("document", name), zap.Error(err))
		return
	}

	e.metrics.ObserveMalformed()
	e.sink.Record(ctx, audit.Event{
		EventType:         audit.EventMalformed,
		TaskID:            strings.TrimSuffix(name, ".md"),
		SourceFolder:      e.layout.Inbox,
		DestinationFolder: e.layout.Malformed,
		Reason:            cause.Error(),
	})
	e.logger.Warn("quarantined malformed document",
		zap.String("document", name),
		zap.String("reason", cause.Error()),
	)
}

// Subscribe registers an agent for urgent task notifications. The
// returned channel is never closed by the engine before Unsubscribe.
func (e *Engine) Subscribe(agentID string) <-chan *vault.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.subs[agentID]
	if !ok {
		ch = make(chan *vault.Task, e.subBuffer)
		e.subs[agentID] = ch
	}
	return ch
}

// Unsubscribe removes the agent's notification channel.
func (e *Engine) Unsubscribe(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.subs[agentID]; ok {
		delete(e.subs, agentID)
		close(ch)
	}
}

// broadcast offers an urgent task to every subscriber without blocking.
// A subscriber that is not draining its channel misses the notification
// and will still see the task on its next pull.
func (e *Engine) broadcast(task *vault.Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for agentID, ch := range e.subs {
		select {
		case ch <- task.Clone():
		default:
			e.logger.Debug("dropped urgent notification",
				zap.String("agent_id", agentID),
				zap.String("task_id", task.ID),
			)
		}
	}
}

// NextTaskFor is pull-mode assignment: the highest-priority queued task
// the agent can handle is claimed for it. Returns nil without error when
// nothing suitable is queued or the agent is at capacity.
func (e *Engine) NextTaskFor(ctx context.Context, agentID string) (*vault.Task, error) {
	agent, err := e.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.Status != registry.StatusActive {
		return nil, registry.ErrAgentNotActive
	}

	for _, task := range e.queue.Ordered() {
		if !e.router.CanHandle(ctx, agentID, task) {
			continue
		}

		claimed, err := e.claims.Claim(ctx, task.ID, agentID)
		if err == nil {
			e.queue.Remove(task.ID)
			return claimed, nil
		}

		var failure *claim.Failure
		if !errors.As(err, &failure) {
			return nil, err
		}
		switch failure.Reason {
		case claim.ReasonCapacity:
			// The agent is full; further tasks cannot fare better.
			return nil, nil
		case claim.ReasonNotFound:
			e.queue.Remove(task.ID)
		case claim.ReasonLockBusy:
			// Someone else is mid-claim on this task; try the next one.
		default:
			e.logger.Warn("claim attempt failed",
				zap.String("task_id", task.ID),
				zap.String("agent_id", agentID),
				zap.Error(err),
			)
		}
	}
	return nil, nil
}

// AssignTask is push-mode assignment for a single queued task: the
// current strategy picks an agent among eligible candidates, and the
// engine falls through the remaining candidates when the pick's claim
// fails. Returns the assigned agent id.
func (e *Engine) AssignTask(ctx context.Context, taskID string) (string, error) {
	task, ok := e.queue.Get(taskID)
	if !ok {
		return "", ErrTaskNotQueued
	}

	candidates, err := e.candidatesFor(ctx, task)
	if err != nil {
		return "", err
	}

	strategy := e.strategies.Current()
	for len(candidates) > 0 {
		agent := strategy.Select(task, candidates)
		if agent == nil {
			break
		}

		_, err := e.claims.Claim(ctx, task.ID, agent.ID)
		if err == nil {
			e.queue.Remove(task.ID)
			return agent.ID, nil
		}

		var failure *claim.Failure
		if errors.As(err, &failure) && failure.Reason == claim.ReasonNotFound {
			e.queue.Remove(task.ID)
			return "", err
		}
		e.logger.Debug("candidate claim failed, trying next",
			zap.String("task_id", task.ID),
			zap.String("agent_id", agent.ID),
			zap.Error(err),
		)
		candidates = dropCandidate(candidates, agent.ID)
	}
	return "", ErrNoEligibleAgent
}

// Dispatch pushes every queued task it can place, in priority order.
// Returns the number of tasks assigned.
func (e *Engine) Dispatch(ctx context.Context) int {
	assigned := 0
	for _, task := range e.queue.Ordered() {
		agentID, err := e.AssignTask(ctx, task.ID)
		switch {
		case err == nil:
			assigned++
			e.logger.Info("task assigned",
				zap.String("task_id", task.ID),
				zap.String("agent_id", agentID),
				zap.String("priority", string(task.Priority)),
			)
		case errors.Is(err, ErrNoEligibleAgent), errors.Is(err, ErrTaskNotQueued):
			// Stays queued until an agent frees up or registers.
		default:
			e.logger.Warn("dispatch failed",
				zap.String("task_id", task.ID), zap.Error(err))
		}
	}
	return assigned
}

// Run scans and dispatches on the poll interval until the context ends.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		if err := e.Scan(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Error("intake scan failed", zap.Error(err))
		} else {
			e.Dispatch(ctx)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// candidatesFor builds the filtered candidate list for a task: eligible
// per the router, active, and under capacity for the task's type.
func (e *Engine) candidatesFor(ctx context.Context, task *vault.Task) ([]Candidate, error) {
	eligible := e.router.EligibleAgents(ctx, task)
	candidates := make([]Candidate, 0, len(eligible))
	for _, agent := range eligible {
		ok, err := e.agents.HasCapacityForType(ctx, agent.ID, task.Type)
		if err != nil {
			e.logger.Warn("capacity check failed",
				zap.String("agent_id", agent.ID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		owned, err := e.agents.OwnedCount(ctx, agent.ID)
		if err != nil {
			e.logger.Warn("owned-task count failed",
				zap.String("agent_id", agent.ID), zap.Error(err))
			continue
		}
		e.metrics.SetOwnedTasks(agent.ID, owned)
		candidates = append(candidates, Candidate{Agent: agent, OwnedTasks: owned})
	}
	return candidates, nil
}

func dropCandidate(candidates []Candidate, agentID string) []Candidate {
	out := candidates[:0]
	for _, c := range candidates {
		if c.Agent.ID != agentID {
			out = append(out, c)
		}
	}
	return out
}
