package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/taskfold/taskfold/vault"
)

func newTestRegistry(t *testing.T) (*Registry, *vault.MemStore, vault.Layout) {
	t.Helper()
	store := vault.NewMemStore()
	layout := vault.DefaultLayout()
	reg := New(store, layout, zap.NewNop())
	return reg, store, layout
}

func writeOwnedTask(t *testing.T, store vault.Store, layout vault.Layout, agentID, taskID, taskType string) {
	t.Helper()
	now := time.Now().UTC()
	task := &vault.Task{
		ID:        taskID,
		Priority:  vault.PriorityMedium,
		Type:      taskType,
		CreatedAt: now,
		ClaimedAt: &now,
		ClaimedBy: agentID,
		Body:      "work\n",
	}
	data, err := vault.MarshalDocument(task)
	if err != nil {
		t.Fatalf("MarshalDocument failed: %v", err)
	}
	if err := store.Write(context.Background(), layout.AgentDir(agentID)+"/"+task.Filename(), data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

func TestRegisterProvisionsFolder(t *testing.T) {
	reg, store, layout := newTestRegistry(t)
	ctx := context.Background()

	err := reg.Register(ctx, &Agent{ID: "alice", Capabilities: []string{"email"}})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	dirs, err := store.ListDirs(ctx, layout.Agents)
	if err != nil {
		t.Fatalf("ListDirs failed: %v", err)
	}
	if len(dirs) != 1 || dirs[0] != "alice" {
		t.Errorf("agent folder not provisioned: %v", dirs)
	}

	if err := reg.Register(ctx, &Agent{ID: "alice"}); !errors.Is(err, ErrDuplicateAgent) {
		t.Errorf("expected ErrDuplicateAgent, got %v", err)
	}
}

func TestDeregisterKeepsEntry(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Register(ctx, &Agent{ID: "alice"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := reg.Deregister(ctx, "alice"); err != nil {
		t.Fatalf("Deregister failed: %v", err)
	}

	status, err := reg.GetStatus(ctx, "alice")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status != StatusInactive {
		t.Errorf("expected inactive, got %s", status)
	}
	if active := reg.ListActive(ctx); len(active) != 0 {
		t.Errorf("inactive agent still listed: %v", active)
	}
}

func TestHeartbeatRecoversUnresponsive(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Register(ctx, &Agent{ID: "bob"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := reg.MarkUnresponsive(ctx, "bob"); err != nil {
		t.Fatalf("MarkUnresponsive failed: %v", err)
	}
	if status, _ := reg.GetStatus(ctx, "bob"); status != StatusUnresponsive {
		t.Fatalf("expected unresponsive, got %s", status)
	}

	if err := reg.RecordHeartbeat(ctx, "bob"); err != nil {
		t.Fatalf("RecordHeartbeat failed: %v", err)
	}
	if status, _ := reg.GetStatus(ctx, "bob"); status != StatusActive {
		t.Errorf("heartbeat must restore active, got %s", status)
	}

	if err := reg.RecordHeartbeat(ctx, "ghost"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestHasCapacityCountsLive(t *testing.T) {
	reg, store, layout := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Register(ctx, &Agent{ID: "alice", MaxConcurrent: 2}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ok, err := reg.HasCapacity(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("expected capacity, got %v %v", ok, err)
	}

	writeOwnedTask(t, store, layout, "alice", "t1", "email_reply")
	writeOwnedTask(t, store, layout, "alice", "t2", "email_reply")

	ok, err = reg.HasCapacity(ctx, "alice")
	if err != nil {
		t.Fatalf("HasCapacity failed: %v", err)
	}
	if ok {
		t.Error("agent at limit must have no capacity")
	}

	// Removing a document from the store frees capacity on the next
	// check, with no registry mutation.
	if err := store.Remove(ctx, layout.AgentDir("alice")+"/t1.md"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	ok, err = reg.HasCapacity(ctx, "alice")
	if err != nil || !ok {
		t.Errorf("capacity must be derived live from the store")
	}
}

func TestHasCapacityForType(t *testing.T) {
	reg, store, layout := newTestRegistry(t)
	ctx := context.Background()

	agent := &Agent{
		ID:            "alice",
		MaxConcurrent: 10,
		TypeLimits:    map[string]int{"email_reply": 1},
	}
	if err := reg.Register(ctx, agent); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ok, err := reg.HasCapacityForType(ctx, "alice", "email_reply")
	if err != nil || !ok {
		t.Fatalf("expected type capacity, got %v %v", ok, err)
	}

	writeOwnedTask(t, store, layout, "alice", "t1", "email_reply")

	ok, err = reg.HasCapacityForType(ctx, "alice", "email_reply")
	if err != nil {
		t.Fatalf("HasCapacityForType failed: %v", err)
	}
	if ok {
		t.Error("type limit reached, expected no capacity")
	}

	ok, err = reg.HasCapacityForType(ctx, "alice", "report")
	if err != nil || !ok {
		t.Errorf("other types must be unaffected, got %v %v", ok, err)
	}
}

func TestGetAgentsByCapability(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	must := func(err error) {
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	must(reg.Register(ctx, &Agent{ID: "a", Capabilities: []string{"email", "drafting"}}))
	must(reg.Register(ctx, &Agent{ID: "b", Capabilities: []string{"email"}}))
	must(reg.Register(ctx, &Agent{ID: "c", Capabilities: []string{"reports"}}))
	must(reg.Deregister(ctx, "b"))

	got := reg.GetAgentsByCapability(ctx, "EMAIL")
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("expected only active agent a, got %v", got)
	}
}

func TestDefaultLimits(t *testing.T) {
	store := vault.NewMemStore()
	layout := vault.DefaultLayout()
	limit := 1
	reg := New(store, layout, zap.NewNop(), WithLimits(func() Limits {
		return Limits{MaxConcurrent: limit}
	}))
	ctx := context.Background()

	if err := reg.Register(ctx, &Agent{ID: "alice"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	writeOwnedTask(t, store, layout, "alice", "t1", "email_reply")

	if ok, _ := reg.HasCapacity(ctx, "alice"); ok {
		t.Error("default limit of 1 must be enforced")
	}

	// Raising the limit takes effect on the next check, no restart.
	limit = 2
	if ok, _ := reg.HasCapacity(ctx, "alice"); !ok {
		t.Error("raised limit must apply immediately")
	}
}
