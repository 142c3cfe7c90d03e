// Package reclaim returns abandoned tasks to circulation. It sweeps
// owned folders for claims that outlived their timeout, watches agent
// heartbeats, and heals the duplicated-document anomaly a crashed move
// can leave behind.
package reclaim

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/taskfold/taskfold/audit"
	"github.com/taskfold/taskfold/claim"
	"github.com/taskfold/taskfold/registry"
	"github.com/taskfold/taskfold/vault"
)

// Reclaim reasons stamped into returned documents.
const (
	ReasonTimeout      = "timeout"
	ReasonUnresponsive = "agent_unresponsive"
)

// Config tunes the detector. It is read fresh on every sweep so
// hot-reloaded values apply without restart.
type Config struct {
	// SweepInterval is the cadence of the Run loop.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// DefaultTimeout bounds how long a claim may be held when neither
	// the task nor its type sets a timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// TypeTimeouts overrides the default per task type.
	TypeTimeouts map[string]time.Duration `yaml:"type_timeouts"`

	// HeartbeatInterval is the cadence agents are expected to report at.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// MissedHeartbeats is how many intervals may elapse before an agent
	// is declared unresponsive.
	MissedHeartbeats int `yaml:"missed_heartbeats"`

	// LockMaxAge is the staleness threshold for leaked claim locks.
	LockMaxAge time.Duration `yaml:"lock_max_age"`
}

// DefaultConfig returns the standard sweep settings.
func DefaultConfig() Config {
	return Config{
		SweepInterval:     time.Minute,
		DefaultTimeout:    30 * time.Minute,
		HeartbeatInterval: time.Minute,
		MissedHeartbeats:  3,
		LockMaxAge:        5 * time.Minute,
	}
}

// Detector runs the abandonment sweeps.
type Detector struct {
	store  vault.Store
	layout vault.Layout
	agents *registry.Registry
	claims *claim.Manager
	sink   audit.Sink
	logger *zap.Logger

	config func() Config
	now    func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithConfig sets the config source, read fresh on every sweep.
func WithConfig(config func() Config) Option {
	return func(d *Detector) { d.config = config }
}

// WithAuditSink sets the audit sink.
func WithAuditSink(s audit.Sink) Option {
	return func(d *Detector) { d.sink = s }
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// NewDetector wires a detector.
func NewDetector(store vault.Store, layout vault.Layout, agents *registry.Registry, claims *claim.Manager, logger *zap.Logger, opts ...Option) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Detector{
		store:  store,
		layout: layout,
		agents: agents,
		claims: claims,
		sink:   audit.NopSink{},
		logger: logger.With(zap.String("component", "reclaim_detector")),
		config: DefaultConfig,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// timeoutFor resolves the effective claim timeout for a task: the task's
// own value wins, then its type's, then the default.
func timeoutFor(config Config, task *vault.Task) time.Duration {
	if task.Timeout > 0 {
		return task.Timeout.Std()
	}
	if t, ok := config.TypeTimeouts[task.Type]; ok && t > 0 {
		return t
	}
	return config.DefaultTimeout
}

// SweepTimeouts reclaims every owned task whose claim outlived its
// timeout. Iterates the folder hierarchy directly, so claims surviving a
// registry restart are still covered. Returns how many tasks were
// reclaimed.
func (d *Detector) SweepTimeouts(ctx context.Context) (int, error) {
	config := d.config()
	agentDirs, err := d.store.ListDirs(ctx, d.layout.Agents)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, agentID := range agentDirs {
		if err := ctx.Err(); err != nil {
			return reclaimed, err
		}

		names, err := d.store.List(ctx, d.layout.AgentDir(agentID))
		if err != nil {
			return reclaimed, err
		}
		for _, name := range names {
			if !strings.HasSuffix(name, ".md") {
				continue
			}
			raw, err := d.store.Read(ctx, d.layout.AgentDir(agentID)+"/"+name)
			if errors.Is(err, vault.ErrNotFound) {
				continue
			}
			if err != nil {
				return reclaimed, err
			}
			task, err := vault.ParseDocument(raw)
			if err != nil {
				d.logger.Warn("unparsable owned document",
					zap.String("agent_id", agentID),
					zap.String("document", name),
					zap.Error(err),
				)
				continue
			}
			if task.ClaimedAt == nil {
				continue
			}
			if d.now().Sub(*task.ClaimedAt) <= timeoutFor(config, task) {
				continue
			}

			if _, err := d.claims.Reclaim(ctx, task.ID, agentID, ReasonTimeout); err != nil {
				d.logger.Warn("timeout reclaim failed",
					zap.String("task_id", task.ID),
					zap.String("agent_id", agentID),
					zap.Error(err),
				)
				continue
			}
			reclaimed++
		}
	}
	return reclaimed, nil
}

// SweepHeartbeats marks agents that missed too many heartbeats as
// unresponsive and reclaims everything they own. Returns how many tasks
// were reclaimed.
func (d *Detector) SweepHeartbeats(ctx context.Context) (int, error) {
	config := d.config()
	threshold := config.HeartbeatInterval * time.Duration(config.MissedHeartbeats)
	if threshold <= 0 {
		return 0, nil
	}

	reclaimed := 0
	for _, agent := range d.agents.ListActive(ctx) {
		if err := ctx.Err(); err != nil {
			return reclaimed, err
		}
		last := agent.LastHeartbeat
		if last.IsZero() {
			last = agent.RegisteredAt
		}
		if d.now().Sub(last) <= threshold {
			continue
		}

		if err := d.agents.MarkUnresponsive(ctx, agent.ID); err != nil {
			d.logger.Warn("failed to mark agent unresponsive",
				zap.String("agent_id", agent.ID), zap.Error(err))
			continue
		}
		d.logger.Warn("agent unresponsive",
			zap.String("agent_id", agent.ID),
			zap.Time("last_heartbeat", agent.LastHeartbeat),
		)

		n, err := d.reclaimOwned(ctx, agent.ID)
		reclaimed += n
		if err != nil {
			return reclaimed, err
		}
	}
	return reclaimed, nil
}

// reclaimOwned returns every document in the agent's folder to
// circulation.
func (d *Detector) reclaimOwned(ctx context.Context, agentID string) (int, error) {
	names, err := d.store.List(ctx, d.layout.AgentDir(agentID))
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, name := range names {
		if !strings.HasSuffix(name, ".md") {
			continue
		}
		taskID := strings.TrimSuffix(name, ".md")
		if _, err := d.claims.Reclaim(ctx, taskID, agentID, ReasonUnresponsive); err != nil {
			d.logger.Warn("unresponsive-agent reclaim failed",
				zap.String("task_id", taskID),
				zap.String("agent_id", agentID),
				zap.Error(err),
			)
			continue
		}
		reclaimed++
	}
	return reclaimed, nil
}

// Reconcile heals duplicated documents: a task present both in the
// intake folder and in an agent's folder was interrupted mid-move, and
// the owned copy wins because the claim had already been committed to
// it. Returns how many duplicates were removed.
func (d *Detector) Reconcile(ctx context.Context) (int, error) {
	intake, err := d.store.List(ctx, d.layout.Inbox)
	if err != nil {
		return 0, err
	}
	queued := make(map[string]bool, len(intake))
	for _, name := range intake {
		if strings.HasSuffix(name, ".md") {
			queued[name] = true
		}
	}
	if len(queued) == 0 {
		return 0, nil
	}

	agentDirs, err := d.store.ListDirs(ctx, d.layout.Agents)
	if err != nil {
		return 0, err
	}

	healed := 0
	for _, agentID := range agentDirs {
		if err := ctx.Err(); err != nil {
			return healed, err
		}
		names, err := d.store.List(ctx, d.layout.AgentDir(agentID))
		if err != nil {
			return healed, err
		}
		for _, name := range names {
			if !queued[name] {
				continue
			}
			err := d.store.Remove(ctx, d.layout.Inbox+"/"+name)
			if err != nil && !errors.Is(err, vault.ErrNotFound) {
				return healed, err
			}
			healed++
			taskID := strings.TrimSuffix(name, ".md")
			d.sink.Record(ctx, audit.Event{
				EventType:         audit.EventReconciled,
				TaskID:            taskID,
				AgentID:           agentID,
				SourceFolder:      d.layout.Inbox,
				DestinationFolder: d.layout.AgentDir(agentID),
			})
			d.logger.Warn("removed duplicated intake copy",
				zap.String("task_id", taskID),
				zap.String("agent_id", agentID),
			)
		}
	}
	return healed, nil
}

// Sweep runs one full detection cycle.
func (d *Detector) Sweep(ctx context.Context) error {
	config := d.config()
	if _, err := d.Reconcile(ctx); err != nil {
		return err
	}
	if _, err := d.SweepTimeouts(ctx); err != nil {
		return err
	}
	if _, err := d.SweepHeartbeats(ctx); err != nil {
		return err
	}
	if _, err := d.claims.ReleaseStaleLocks(ctx, config.LockMaxAge); err != nil {
		return err
	}
	return nil
}

// Run reconciles once immediately, then sweeps on the configured
// interval until the context ends.
func (d *Detector) Run(ctx context.Context) error {
	if _, err := d.Reconcile(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.logger.Error("startup reconciliation failed", zap.Error(err))
	}

	ticker := time.NewTicker(d.config().SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := d.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Error("abandonment sweep failed", zap.Error(err))
		}
	}
}
