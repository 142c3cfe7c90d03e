package service

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/taskfold/taskfold/assign"
	"github.com/taskfold/taskfold/claim"
	"github.com/taskfold/taskfold/registry"
	"github.com/taskfold/taskfold/router"
	"github.com/taskfold/taskfold/vault"
)

func newTestService(t *testing.T) (*Service, *assign.Engine, *vault.MemStore, vault.Layout) {
	t.Helper()
	store := vault.NewMemStore()
	layout := vault.DefaultLayout()
	ctx := context.Background()
	for _, dir := range layout.BaseDirs() {
		if err := store.EnsureDir(ctx, dir); err != nil {
			t.Fatalf("EnsureDir(%s): %v", dir, err)
		}
	}

	agents := registry.New(store, layout, zap.NewNop())
	rt := router.New(agents, zap.NewNop())
	locker := claim.NewFileLocker(store, layout, zap.NewNop())
	claims := claim.NewManager(store, layout, locker, zap.NewNop(),
		claim.WithCapacityChecker(agents),
		claim.WithRetry(func() claim.RetryConfig {
			return claim.RetryConfig{Attempts: 1}
		}),
	)
	engine := assign.NewEngine(store, layout, claims, agents, rt, zap.NewNop())
	return New(agents, engine, claims, zap.NewNop()), engine, store, layout
}

func addTask(t *testing.T, store vault.Store, layout vault.Layout, task *vault.Task) {
	t.Helper()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	}
	data, err := vault.MarshalDocument(task)
	if err != nil {
		t.Fatalf("MarshalDocument: %v", err)
	}
	if err := store.Write(context.Background(), layout.Inbox+"/"+task.Filename(), data); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestWorkerLifecycle(t *testing.T) {
	svc, engine, store, layout := newTestService(t)
	ctx := context.Background()

	if err := svc.RegisterAgent(ctx, &registry.Agent{ID: "worker", MaxConcurrent: 2}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	addTask(t, store, layout, &vault.Task{ID: "job-1", Type: "report"})
	if err := engine.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	task, err := svc.RequestTask(ctx, "worker")
	if err != nil {
		t.Fatalf("RequestTask: %v", err)
	}
	if task == nil || task.ID != "job-1" {
		t.Fatalf("RequestTask = %+v, want job-1", task)
	}

	if err := svc.ReportHeartbeat(ctx, "worker"); err != nil {
		t.Fatalf("ReportHeartbeat: %v", err)
	}
	if err := svc.ReportCompletion(ctx, "worker", "job-1", ""); err != nil {
		t.Fatalf("ReportCompletion: %v", err)
	}

	if exists, _ := store.Exists(ctx, layout.DoneDir("report")+"/job-1.md"); !exists {
		t.Fatal("completed document not in done folder")
	}
	if exists, _ := store.Exists(ctx, layout.AgentDir("worker")+"/job-1.md"); exists {
		t.Fatal("completed document still owned")
	}
}

func TestRequestTaskNothingQueued(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.RegisterAgent(ctx, &registry.Agent{ID: "worker"}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	task, err := svc.RequestTask(ctx, "worker")
	if err != nil {
		t.Fatalf("RequestTask: %v", err)
	}
	if task != nil {
		t.Fatalf("RequestTask = %+v, want nil", task)
	}
}

func TestRequestTaskUnknownAgent(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	if _, err := svc.RequestTask(context.Background(), "ghost"); err == nil {
		t.Fatal("RequestTask for unknown agent must fail")
	}
}

func TestReleaseTaskReturnsWork(t *testing.T) {
	svc, engine, store, layout := newTestService(t)
	ctx := context.Background()

	if err := svc.RegisterAgent(ctx, &registry.Agent{ID: "worker"}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	addTask(t, store, layout, &vault.Task{ID: "job-1"})
	if err := engine.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if _, err := svc.RequestTask(ctx, "worker"); err != nil {
		t.Fatalf("RequestTask: %v", err)
	}

	if err := svc.ReleaseTask(ctx, "worker", "job-1"); err != nil {
		t.Fatalf("ReleaseTask: %v", err)
	}
	if exists, _ := store.Exists(ctx, layout.Inbox+"/job-1.md"); !exists {
		t.Fatal("released document not back in intake folder")
	}
}

func TestDeregisterStopsAssignment(t *testing.T) {
	svc, engine, store, layout := newTestService(t)
	ctx := context.Background()

	if err := svc.RegisterAgent(ctx, &registry.Agent{ID: "worker"}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if err := svc.DeregisterAgent(ctx, "worker"); err != nil {
		t.Fatalf("DeregisterAgent: %v", err)
	}

	addTask(t, store, layout, &vault.Task{ID: "job-1"})
	if err := engine.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if _, err := svc.RequestTask(ctx, "worker"); err == nil {
		t.Fatal("RequestTask for deregistered agent must fail")
	}
}
