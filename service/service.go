// Package service is the worker-facing surface of the engine: agents
// register, heartbeat, request work, and report outcomes through it.
package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/taskfold/taskfold/assign"
	"github.com/taskfold/taskfold/audit"
	"github.com/taskfold/taskfold/claim"
	"github.com/taskfold/taskfold/registry"
	"github.com/taskfold/taskfold/vault"
)

// Service ties the registry, assignment engine, and claim manager into
// one API for agents.
type Service struct {
	agents *registry.Registry
	engine *assign.Engine
	claims *claim.Manager
	sink   audit.Sink
	logger *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithAuditSink sets the audit sink.
func WithAuditSink(s audit.Sink) Option {
	return func(svc *Service) { svc.sink = s }
}

// New wires a service.
func New(agents *registry.Registry, engine *assign.Engine, claims *claim.Manager, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &Service{
		agents: agents,
		engine: engine,
		claims: claims,
		sink:   audit.NopSink{},
		logger: logger.With(zap.String("component", "service")),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// RegisterAgent adds an agent to the fleet and provisions its folder.
func (s *Service) RegisterAgent(ctx context.Context, agent *registry.Agent) error {
	if err := s.agents.Register(ctx, agent); err != nil {
		return err
	}
	s.sink.Record(ctx, audit.Event{
		EventType: audit.EventAgentRegistered,
		AgentID:   agent.ID,
	})
	return nil
}

// DeregisterAgent removes the agent from routing. Its folder and any
// owned documents stay; the abandonment sweeps take it from there.
func (s *Service) DeregisterAgent(ctx context.Context, agentID string) error {
	return s.agents.Deregister(ctx, agentID)
}

// ReportHeartbeat records agent liveness.
func (s *Service) ReportHeartbeat(ctx context.Context, agentID string) error {
	return s.agents.RecordHeartbeat(ctx, agentID)
}

// RequestTask claims the best queued task for the agent. Returns nil
// without error when nothing suitable is available. Asking for work also
// counts as a heartbeat.
func (s *Service) RequestTask(ctx context.Context, agentID string) (*vault.Task, error) {
	if err := s.agents.RecordHeartbeat(ctx, agentID); err != nil {
		return nil, err
	}
	return s.engine.NextTaskFor(ctx, agentID)
}

// ReportCompletion moves the agent's task to its completion destination.
// An empty destination selects the per-type folder.
func (s *Service) ReportCompletion(ctx context.Context, agentID, taskID, destination string) error {
	if err := s.agents.RecordHeartbeat(ctx, agentID); err != nil {
		return err
	}
	return s.claims.Complete(ctx, taskID, agentID, destination)
}

// ReleaseTask gives a claimed task back without completing it.
func (s *Service) ReleaseTask(ctx context.Context, agentID, taskID string) error {
	return s.claims.Release(ctx, taskID, agentID)
}

// Notifications subscribes the agent to urgent task broadcasts.
func (s *Service) Notifications(agentID string) <-chan *vault.Task {
	return s.engine.Subscribe(agentID)
}

// StopNotifications tears the subscription down.
func (s *Service) StopNotifications(agentID string) {
	s.engine.Unsubscribe(agentID)
}
