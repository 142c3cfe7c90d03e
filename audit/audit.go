// Package audit records task state transitions as an append-only stream
// of JSON events. Sinks are best-effort collaborators: a write failure is
// logged and never blocks or fails the transition that produced it.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event types emitted by the engine.
const (
	EventClaimed         = "claimed"
	EventClaimFailed     = "claim_failed"
	EventReleased        = "released"
	EventReclaimed       = "reclaimed"
	EventFailed          = "failed"
	EventMalformed       = "malformed"
	EventCompleted       = "completed"
	EventReconciled      = "reconciled_duplicate"
	EventAgentRegistered = "agent_registered"
)

// Event is one recorded state transition.
type Event struct {
	ID                string    `json:"id"`
	EventType         string    `json:"event_type"`
	TaskID            string    `json:"task_id,omitempty"`
	AgentID           string    `json:"agent_id,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	SourceFolder      string    `json:"source_folder,omitempty"`
	DestinationFolder string    `json:"destination_folder,omitempty"`
	Reason            string    `json:"reason,omitempty"`
}

// Sink receives events after every successful or failed state transition.
type Sink interface {
	Record(ctx context.Context, event Event)
}

// NopSink discards all events.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(ctx context.Context, event Event) {}

// FileSink appends events as JSON lines to a log file.
type FileSink struct {
	mu     sync.Mutex
	file   *os.File
	logger *zap.Logger
	now    func() time.Time
}

// NewFileSink opens (or creates) the audit log at path.
func NewFileSink(path string, logger *zap.Logger) (*FileSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileSink{
		file:   f,
		logger: logger.With(zap.String("component", "audit")),
		now:    time.Now,
	}, nil
}

// Record appends the event. Failures are logged, never propagated.
func (s *FileSink) Record(ctx context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	line, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("failed to encode audit event", zap.Error(err))
		return
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(line); err != nil {
		s.logger.Warn("failed to write audit event",
			zap.String("event_type", event.EventType),
			zap.String("task_id", event.TaskID),
			zap.Error(err),
		)
	}
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

var (
	_ Sink = (*FileSink)(nil)
	_ Sink = NopSink{}
)
