package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskfold/taskfold/audit"
	"github.com/taskfold/taskfold/internal/metrics"
	"github.com/taskfold/taskfold/vault"
)

// Failure reasons surfaced to callers.
const (
	ReasonLockBusy = "lock busy"
	ReasonNotFound = "not found"
	ReasonInvalid  = "invalid document"
	ReasonCapacity = "capacity exceeded"
	ReasonStore    = "store error"
)

// Failure reports why a claim or move could not be committed. The store
// is guaranteed to be in its pre-operation state when a Failure is
// returned, except for the duplicated-document anomaly described in the
// package comment.
type Failure struct {
	TaskID  string
	AgentID string
	Reason  string
	Err     error
}

// Error implements the error interface.
func (f *Failure) Error() string {
	msg := fmt.Sprintf("claim %s for %s: %s", f.TaskID, f.AgentID, f.Reason)
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (f *Failure) Unwrap() error { return f.Err }

// RetryConfig bounds lock acquisition retries. The schedule is fixed:
// attempt k sleeps Backoff[k-1] (clamped to the last entry) before
// retrying.
type RetryConfig struct {
	// Attempts is the total number of acquisition attempts.
	Attempts int `yaml:"attempts"`

	// Backoff is the sleep schedule between attempts.
	Backoff []time.Duration `yaml:"backoff"`
}

// DefaultRetryConfig returns the standard schedule.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts: 3,
		Backoff:  []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, time.Second},
	}
}

// CapacityChecker is the slice of the agent registry the manager needs:
// a live capacity check, performed while the claim lock is held so two
// concurrent claims cannot race an agent past its limit.
type CapacityChecker interface {
	HasCapacityForType(ctx context.Context, agentID, taskType string) (bool, error)
}

// Manager owns every document move that changes a task's state. All moves
// follow the same discipline: write the destination first, then delete
// the source, and undo the destination if the delete fails.
type Manager struct {
	store    vault.Store
	layout   vault.Layout
	locker   Locker
	capacity CapacityChecker
	sink     audit.Sink
	metrics  *metrics.Collector
	logger   *zap.Logger

	retry        func() RetryConfig
	reclaimLimit func() int
	now          func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithCapacityChecker enables the in-lock capacity check.
func WithCapacityChecker(c CapacityChecker) Option {
	return func(m *Manager) { m.capacity = c }
}

// WithAuditSink sets the audit sink.
func WithAuditSink(s audit.Sink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithRetry sets the retry-config source, read fresh on every claim.
func WithRetry(retry func() RetryConfig) Option {
	return func(m *Manager) { m.retry = retry }
}

// WithReclaimLimit sets the reclaim-limit source, read fresh on every
// reclaim.
func WithReclaimLimit(limit func() int) Option {
	return func(m *Manager) { m.reclaimLimit = limit }
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a claim manager.
func NewManager(store vault.Store, layout vault.Layout, locker Locker, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		store:        store,
		layout:       layout,
		locker:       locker,
		sink:         audit.NopSink{},
		logger:       logger.With(zap.String("component", "claim_manager")),
		retry:        DefaultRetryConfig,
		reclaimLimit: func() int { return 3 },
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Claim atomically moves the task from the intake folder to the agent's
// owned folder, stamping claim metadata. Exactly one of N concurrent
// claims for the same task succeeds; the losers get a *Failure and the
// document is untouched by them.
func (m *Manager) Claim(ctx context.Context, taskID, agentID string) (*vault.Task, error) {
	start := m.now()
	task, err := m.claim(ctx, taskID, agentID)
	elapsed := m.now().Sub(start).Seconds()

	if err != nil {
		var failure *Failure
		outcome := "error"
		reason := err.Error()
		if errors.As(err, &failure) {
			outcome = failure.Reason
			reason = failure.Reason
		}
		m.metrics.ObserveClaim(outcome, elapsed)
		m.sink.Record(ctx, audit.Event{
			EventType:    audit.EventClaimFailed,
			TaskID:       taskID,
			AgentID:      agentID,
			SourceFolder: m.layout.Inbox,
			Reason:       reason,
		})
		return nil, err
	}

	m.metrics.ObserveClaim("success", elapsed)
	m.sink.Record(ctx, audit.Event{
		EventType:         audit.EventClaimed,
		TaskID:            taskID,
		AgentID:           agentID,
		SourceFolder:      m.layout.Inbox,
		DestinationFolder: m.layout.AgentDir(agentID),
	})
	m.logger.Info("task claimed",
		zap.String("task_id", taskID),
		zap.String("agent_id", agentID),
	)
	return task, nil
}

func (m *Manager) claim(ctx context.Context, taskID, agentID string) (*vault.Task, error) {
	holder := agentID + ":" + uuid.New().String()
	if err := m.acquireWithRetry(ctx, taskID, holder); err != nil {
		if errors.Is(err, ErrLockHeld) {
			return nil, &Failure{TaskID: taskID, AgentID: agentID, Reason: ReasonLockBusy, Err: err}
		}
		return nil, err
	}
	// The lock is released on every exit path: success, validation
	// failure, or write failure.
	defer func() {
		if err := m.locker.Release(ctx, taskID, holder); err != nil {
			m.logger.Warn("failed to release claim lock",
				zap.String("task_id", taskID), zap.Error(err))
		}
	}()

	src := m.layout.Inbox + "/" + taskID + ".md"
	raw, err := m.store.Read(ctx, src)
	if errors.Is(err, vault.ErrNotFound) {
		return nil, &Failure{TaskID: taskID, AgentID: agentID, Reason: ReasonNotFound, Err: err}
	}
	if err != nil {
		return nil, &Failure{TaskID: taskID, AgentID: agentID, Reason: ReasonStore, Err: err}
	}

	task, err := vault.ParseDocument(raw)
	if err != nil {
		return nil, &Failure{TaskID: taskID, AgentID: agentID, Reason: ReasonInvalid, Err: err}
	}

	if m.capacity != nil {
		ok, err := m.capacity.HasCapacityForType(ctx, agentID, task.Type)
		if err != nil {
			return nil, &Failure{TaskID: taskID, AgentID: agentID, Reason: ReasonStore, Err: err}
		}
		if !ok {
			return nil, &Failure{TaskID: taskID, AgentID: agentID, Reason: ReasonCapacity}
		}
	}

	now := m.now()
	task.ClaimedAt = &now
	task.ClaimedBy = agentID
	task.ReclaimReason = ""
	data, err := vault.MarshalDocument(task)
	if err != nil {
		return nil, &Failure{TaskID: taskID, AgentID: agentID, Reason: ReasonInvalid, Err: err}
	}

	dst := m.layout.AgentDir(agentID) + "/" + task.Filename()
	if err := m.store.Write(ctx, dst, data); err != nil {
		return nil, &Failure{TaskID: taskID, AgentID: agentID, Reason: ReasonStore, Err: err}
	}
	if err := m.store.Remove(ctx, src); err != nil {
		// The intake copy remains authoritative: roll the destination
		// back so the task is not owned and duplicated at once.
		if derr := m.store.Remove(ctx, dst); derr != nil {
			m.logger.Error("claim rollback failed, task duplicated until reconciliation",
				zap.String("task_id", taskID),
				zap.String("agent_id", agentID),
				zap.Error(derr),
			)
		}
		return nil, &Failure{TaskID: taskID, AgentID: agentID, Reason: ReasonStore, Err: err}
	}
	return task, nil
}

// acquireWithRetry tries the lock up to the configured attempt count,
// sleeping the fixed backoff schedule between attempts. Implemented as a
// bounded loop so cancellation stays straightforward.
func (m *Manager) acquireWithRetry(ctx context.Context, taskID, holder string) error {
	cfg := m.retry()
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			idx := attempt - 1
			if idx >= len(cfg.Backoff) {
				idx = len(cfg.Backoff) - 1
			}
			var delay time.Duration
			if idx >= 0 {
				delay = cfg.Backoff[idx]
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := m.locker.Acquire(ctx, taskID, holder)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrLockHeld) {
			return err
		}
		m.metrics.ObserveLockContention()
	}
	return ErrLockHeld
}

// Release performs the inverse move: owned folder back to intake with
// claim metadata stripped. Used for manual reassignment and graceful
// shutdown.
func (m *Manager) Release(ctx context.Context, taskID, agentID string) error {
	err := m.moveFromOwned(ctx, taskID, agentID, m.layout.Inbox, func(task *vault.Task) {
		task.ClearClaim()
	})
	if err != nil {
		return err
	}
	m.sink.Record(ctx, audit.Event{
		EventType:         audit.EventReleased,
		TaskID:            taskID,
		AgentID:           agentID,
		SourceFolder:      m.layout.AgentDir(agentID),
		DestinationFolder: m.layout.Inbox,
	})
	m.logger.Info("task released",
		zap.String("task_id", taskID),
		zap.String("agent_id", agentID),
	)
	return nil
}

// Reclaim returns an owned task to the intake folder after a timeout or
// agent failure, incrementing its reclaim counter. Once the counter
// exceeds the configured limit the task moves to the failed folder
// instead and an alert is raised. Returns true if the task was failed.
func (m *Manager) Reclaim(ctx context.Context, taskID, agentID, reason string) (bool, error) {
	limit := m.reclaimLimit()
	failed := false

	err := m.moveFromOwnedDynamic(ctx, taskID, agentID, func(task *vault.Task) string {
		task.ReclaimCount++
		task.ClearClaim()
		task.ReclaimReason = reason
		if task.ReclaimCount > limit {
			failed = true
			return m.layout.Failed
		}
		return m.layout.Inbox
	})
	if err != nil {
		return false, err
	}

	m.metrics.ObserveReclaim(reason)
	if failed {
		m.sink.Record(ctx, audit.Event{
			EventType:         audit.EventFailed,
			TaskID:            taskID,
			AgentID:           agentID,
			SourceFolder:      m.layout.AgentDir(agentID),
			DestinationFolder: m.layout.Failed,
			Reason:            reason,
		})
		m.logger.Error("task exceeded reclaim limit, moved to failed",
			zap.String("task_id", taskID),
			zap.String("agent_id", agentID),
			zap.Int("reclaim_limit", limit),
			zap.String("reason", reason),
		)
		return true, nil
	}

	m.sink.Record(ctx, audit.Event{
		EventType:         audit.EventReclaimed,
		TaskID:            taskID,
		AgentID:           agentID,
		SourceFolder:      m.layout.AgentDir(agentID),
		DestinationFolder: m.layout.Inbox,
		Reason:            reason,
	})
	m.logger.Warn("task reclaimed",
		zap.String("task_id", taskID),
		zap.String("agent_id", agentID),
		zap.String("reason", reason),
	)
	return false, nil
}

// Complete moves an owned task to its completion destination. An empty
// destination selects the per-type folder from the layout.
func (m *Manager) Complete(ctx context.Context, taskID, agentID, destination string) error {
	var dst string
	err := m.moveFromOwnedDynamic(ctx, taskID, agentID, func(task *vault.Task) string {
		now := m.now()
		task.CompletedAt = &now
		dst = destination
		if dst == "" {
			dst = m.layout.DoneDir(task.Type)
		}
		return dst
	})
	if err != nil {
		return err
	}
	m.sink.Record(ctx, audit.Event{
		EventType:         audit.EventCompleted,
		TaskID:            taskID,
		AgentID:           agentID,
		SourceFolder:      m.layout.AgentDir(agentID),
		DestinationFolder: dst,
	})
	m.logger.Info("task completed",
		zap.String("task_id", taskID),
		zap.String("agent_id", agentID),
		zap.String("destination", dst),
	)
	return nil
}

// ReleaseStaleLocks removes lock markers older than the given age.
func (m *Manager) ReleaseStaleLocks(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := m.locker.Sweep(ctx, olderThan)
	if n > 0 {
		m.metrics.ObserveStaleLocks(n)
	}
	return n, err
}

// moveFromOwned relocates an owned document into dstDir after applying
// rewrite to its metadata.
func (m *Manager) moveFromOwned(ctx context.Context, taskID, agentID, dstDir string, rewrite func(*vault.Task)) error {
	return m.moveFromOwnedDynamic(ctx, taskID, agentID, func(task *vault.Task) string {
		rewrite(task)
		return dstDir
	})
}

// moveFromOwnedDynamic is moveFromOwned with the destination chosen by
// the rewrite step. The move is all-or-nothing: any failure leaves the
// document in the agent's folder with its original metadata.
func (m *Manager) moveFromOwnedDynamic(ctx context.Context, taskID, agentID string, rewrite func(*vault.Task) string) error {
	holder := agentID + ":" + uuid.New().String()
	if err := m.acquireWithRetry(ctx, taskID, holder); err != nil {
		if errors.Is(err, ErrLockHeld) {
			return &Failure{TaskID: taskID, AgentID: agentID, Reason: ReasonLockBusy, Err: err}
		}
		return err
	}
	defer func() {
		if err := m.locker.Release(ctx, taskID, holder); err != nil {
			m.logger.Warn("failed to release claim lock",
				zap.String("task_id", taskID), zap.Error(err))
		}
	}()

	src := m.layout.AgentDir(agentID) + "/" + taskID + ".md"
	raw, err := m.store.Read(ctx, src)
	if errors.Is(err, vault.ErrNotFound) {
		return &Failure{TaskID: taskID, AgentID: agentID, Reason: ReasonNotFound, Err: err}
	}
	if err != nil {
		return &Failure{TaskID: taskID, AgentID: agentID, Reason: ReasonStore, Err: err}
	}

	task, err := vault.ParseDocument(raw)
	if err != nil {
		return &Failure{TaskID: taskID, AgentID: agentID, Reason: ReasonInvalid, Err: err}
	}

	dstDir := rewrite(task)
	data, err := vault.MarshalDocument(task)
	if err != nil {
		return &Failure{TaskID: taskID, AgentID: agentID, Reason: ReasonInvalid, Err: err}
	}

	dst := dstDir + "/" + task.Filename()
	if err := m.store.Write(ctx, dst, data); err != nil {
		return &Failure{TaskID: taskID, AgentID: agentID, Reason: ReasonStore, Err: err}
	}
	if err := m.store.Remove(ctx, src); err != nil {
		if derr := m.store.Remove(ctx, dst); derr != nil {
			m.logger.Error("move rollback failed, task duplicated until reconciliation",
				zap.String("task_id", taskID),
				zap.String("destination", dst),
				zap.Error(derr),
			)
		}
		return &Failure{TaskID: taskID, AgentID: agentID, Reason: ReasonStore, Err: err}
	}
	return nil
}
