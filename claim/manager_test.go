package claim

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/taskfold/taskfold/vault"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		Attempts: 3,
		Backoff:  []time.Duration{time.Millisecond, 2 * time.Millisecond},
	}
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *vault.MemStore, vault.Layout) {
	t.Helper()
	store := vault.NewMemStore()
	layout := vault.DefaultLayout()
	ctx := context.Background()
	for _, dir := range layout.BaseDirs() {
		if err := store.EnsureDir(ctx, dir); err != nil {
			t.Fatalf("EnsureDir(%s): %v", dir, err)
		}
	}
	locker := NewFileLocker(store, layout, zap.NewNop())
	opts = append([]Option{WithRetry(fastRetry)}, opts...)
	return NewManager(store, layout, locker, zap.NewNop(), opts...), store, layout
}

func seedInboxTask(t *testing.T, store vault.Store, layout vault.Layout, task *vault.Task) []byte {
	t.Helper()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	}
	data, err := vault.MarshalDocument(task)
	if err != nil {
		t.Fatalf("MarshalDocument: %v", err)
	}
	path := layout.Inbox + "/" + task.Filename()
	if err := store.Write(context.Background(), path, data); err != nil {
		t.Fatalf("Write(%s): %v", path, err)
	}
	return data
}

type fixedCapacity struct{ ok bool }

func (f fixedCapacity) HasCapacityForType(ctx context.Context, agentID, taskType string) (bool, error) {
	return f.ok, nil
}

func TestClaimMovesDocument(t *testing.T) {
	mgr, store, layout := newTestManager(t)
	ctx := context.Background()

	body := "# Summarize reports\n\nCollect the weekly numbers.\n"
	seedInboxTask(t, store, layout, &vault.Task{
		ID:       "task-1",
		Priority: vault.PriorityHigh,
		Type:     "report",
		Body:     body,
	})

	task, err := mgr.Claim(ctx, "task-1", "agent-a")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if task.ClaimedBy != "agent-a" || task.ClaimedAt == nil {
		t.Fatalf("claim metadata not stamped: %+v", task)
	}

	if exists, _ := store.Exists(ctx, layout.Inbox+"/task-1.md"); exists {
		t.Fatal("document still in intake folder after claim")
	}
	raw, err := store.Read(ctx, layout.AgentDir("agent-a")+"/task-1.md")
	if err != nil {
		t.Fatalf("read owned document: %v", err)
	}
	owned, err := vault.ParseDocument(raw)
	if err != nil {
		t.Fatalf("parse owned document: %v", err)
	}
	if owned.ClaimedBy != "agent-a" {
		t.Fatalf("owned document claimed_by = %q", owned.ClaimedBy)
	}
	if owned.Body != body {
		t.Fatalf("body not preserved: %q", owned.Body)
	}
	if exists, _ := store.Exists(ctx, layout.LockPath("task-1")); exists {
		t.Fatal("lock not released after successful claim")
	}
}

func TestClaimConcurrentSingleWinner(t *testing.T) {
	mgr, store, layout := newTestManager(t)
	ctx := context.Background()

	seedInboxTask(t, store, layout, &vault.Task{ID: "task-1", Body: "contested\n"})

	agents := []string{"a1", "a2", "a3", "a4", "a5", "a6", "a7", "a8"}
	var wg sync.WaitGroup
	winners := make(chan string, len(agents))
	for _, agentID := range agents {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			if _, err := mgr.Claim(ctx, "task-1", agentID); err == nil {
				winners <- agentID
			} else {
				var failure *Failure
				if !errors.As(err, &failure) {
					t.Errorf("agent %s: unexpected error type: %v", agentID, err)
				}
			}
		}(agentID)
	}
	wg.Wait()
	close(winners)

	var won []string
	for agentID := range winners {
		won = append(won, agentID)
	}
	if len(won) != 1 {
		t.Fatalf("want exactly one winner, got %d: %v", len(won), won)
	}

	// The document exists exactly once, in the winner's folder.
	copies := 0
	for _, agentID := range agents {
		if exists, _ := store.Exists(ctx, layout.AgentDir(agentID)+"/task-1.md"); exists {
			copies++
			if agentID != won[0] {
				t.Errorf("document in loser folder %s", agentID)
			}
		}
	}
	if copies != 1 {
		t.Fatalf("document copies in agent folders = %d", copies)
	}
	if exists, _ := store.Exists(ctx, layout.Inbox+"/task-1.md"); exists {
		t.Fatal("document still in intake folder")
	}
}

func TestClaimCapacityExceeded(t *testing.T) {
	mgr, store, layout := newTestManager(t, WithCapacityChecker(fixedCapacity{ok: false}))
	ctx := context.Background()

	original := seedInboxTask(t, store, layout, &vault.Task{ID: "task-1", Body: "queued\n"})

	_, err := mgr.Claim(ctx, "task-1", "agent-a")
	var failure *Failure
	if !errors.As(err, &failure) || failure.Reason != ReasonCapacity {
		t.Fatalf("want capacity failure, got %v", err)
	}

	// The failed attempt must leave the document byte-identical in place.
	raw, err := store.Read(ctx, layout.Inbox+"/task-1.md")
	if err != nil {
		t.Fatalf("read intake document: %v", err)
	}
	if !bytes.Equal(raw, original) {
		t.Fatal("intake document modified by failed claim")
	}
	if exists, _ := store.Exists(ctx, layout.AgentDir("agent-a")+"/task-1.md"); exists {
		t.Fatal("document copied to agent folder despite capacity failure")
	}
	if exists, _ := store.Exists(ctx, layout.LockPath("task-1")); exists {
		t.Fatal("lock not released after failed claim")
	}
}

func TestClaimUnknownTask(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	_, err := mgr.Claim(context.Background(), "ghost", "agent-a")
	var failure *Failure
	if !errors.As(err, &failure) || failure.Reason != ReasonNotFound {
		t.Fatalf("want not-found failure, got %v", err)
	}
}

func TestClaimInvalidDocument(t *testing.T) {
	mgr, store, layout := newTestManager(t)
	ctx := context.Background()

	if err := store.Write(ctx, layout.Inbox+"/task-1.md", []byte("no metadata block\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	_, err := mgr.Claim(ctx, "task-1", "agent-a")
	var failure *Failure
	if !errors.As(err, &failure) || failure.Reason != ReasonInvalid {
		t.Fatalf("want invalid-document failure, got %v", err)
	}
	if exists, _ := store.Exists(ctx, layout.Inbox+"/task-1.md"); !exists {
		t.Fatal("invalid document removed by claim")
	}
}

func TestReleaseStripsClaim(t *testing.T) {
	mgr, store, layout := newTestManager(t)
	ctx := context.Background()

	body := "release me\n"
	seedInboxTask(t, store, layout, &vault.Task{ID: "task-1", Body: body})
	if _, err := mgr.Claim(ctx, "task-1", "agent-a"); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	if err := mgr.Release(ctx, "task-1", "agent-a"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	raw, err := store.Read(ctx, layout.Inbox+"/task-1.md")
	if err != nil {
		t.Fatalf("read released document: %v", err)
	}
	task, err := vault.ParseDocument(raw)
	if err != nil {
		t.Fatalf("parse released document: %v", err)
	}
	if task.Claimed() {
		t.Fatalf("claim metadata survived release: %+v", task)
	}
	if task.Body != body {
		t.Fatalf("body not preserved: %q", task.Body)
	}
	if exists, _ := store.Exists(ctx, layout.AgentDir("agent-a")+"/task-1.md"); exists {
		t.Fatal("document still in agent folder after release")
	}
}

func TestReclaimReturnsToIntake(t *testing.T) {
	mgr, store, layout := newTestManager(t)
	ctx := context.Background()

	seedInboxTask(t, store, layout, &vault.Task{ID: "task-1", Body: "stalled\n"})
	if _, err := mgr.Claim(ctx, "task-1", "agent-a"); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	failed, err := mgr.Reclaim(ctx, "task-1", "agent-a", "timeout")
	if err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if failed {
		t.Fatal("first reclaim must not fail the task")
	}

	raw, err := store.Read(ctx, layout.Inbox+"/task-1.md")
	if err != nil {
		t.Fatalf("read reclaimed document: %v", err)
	}
	task, err := vault.ParseDocument(raw)
	if err != nil {
		t.Fatalf("parse reclaimed document: %v", err)
	}
	if task.ReclaimCount != 1 {
		t.Fatalf("reclaim_count = %d, want 1", task.ReclaimCount)
	}
	if task.ReclaimReason != "timeout" {
		t.Fatalf("reclaim_reason = %q", task.ReclaimReason)
	}
	if task.Claimed() {
		t.Fatalf("claim metadata survived reclaim: %+v", task)
	}
}

func TestReclaimLimitMovesToFailed(t *testing.T) {
	mgr, store, layout := newTestManager(t)
	ctx := context.Background()

	claimedAt := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	task := &vault.Task{
		ID:           "task-1",
		CreatedAt:    claimedAt,
		ClaimedAt:    &claimedAt,
		ClaimedBy:    "agent-a",
		ReclaimCount: 3,
		Body:         "hopeless\n",
	}
	data, err := vault.MarshalDocument(task)
	if err != nil {
		t.Fatalf("MarshalDocument: %v", err)
	}
	if err := store.Write(ctx, layout.AgentDir("agent-a")+"/task-1.md", data); err != nil {
		t.Fatalf("Write: %v", err)
	}

	failed, err := mgr.Reclaim(ctx, "task-1", "agent-a", "timeout")
	if err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if !failed {
		t.Fatal("fourth reclaim must fail the task")
	}

	raw, err := store.Read(ctx, layout.Failed+"/task-1.md")
	if err != nil {
		t.Fatalf("read failed document: %v", err)
	}
	moved, err := vault.ParseDocument(raw)
	if err != nil {
		t.Fatalf("parse failed document: %v", err)
	}
	if moved.ReclaimCount != 4 {
		t.Fatalf("reclaim_count = %d, want 4", moved.ReclaimCount)
	}
	if exists, _ := store.Exists(ctx, layout.Inbox+"/task-1.md"); exists {
		t.Fatal("failed task also returned to intake folder")
	}
}

func TestCompleteDestinations(t *testing.T) {
	ctx := context.Background()

	t.Run("per type mapping", func(t *testing.T) {
		store := vault.NewMemStore()
		layout := vault.DefaultLayout()
		layout.Destinations = map[string]string{"report": "reports"}
		for _, dir := range layout.BaseDirs() {
			if err := store.EnsureDir(ctx, dir); err != nil {
				t.Fatalf("EnsureDir: %v", err)
			}
		}
		locker := NewFileLocker(store, layout, zap.NewNop())
		mgr := NewManager(store, layout, locker, zap.NewNop(), WithRetry(fastRetry))

		seedInboxTask(t, store, layout, &vault.Task{ID: "task-1", Type: "report", Body: "done\n"})
		if _, err := mgr.Claim(ctx, "task-1", "agent-a"); err != nil {
			t.Fatalf("Claim: %v", err)
		}
		if err := mgr.Complete(ctx, "task-1", "agent-a", ""); err != nil {
			t.Fatalf("Complete: %v", err)
		}

		raw, err := store.Read(ctx, "Done/reports/task-1.md")
		if err != nil {
			t.Fatalf("read completed document: %v", err)
		}
		task, err := vault.ParseDocument(raw)
		if err != nil {
			t.Fatalf("parse completed document: %v", err)
		}
		if task.CompletedAt == nil {
			t.Fatal("completed_at not stamped")
		}
	})

	t.Run("explicit destination", func(t *testing.T) {
		mgr, store, layout := newTestManager(t)
		seedInboxTask(t, store, layout, &vault.Task{ID: "task-2", Body: "done\n"})
		if _, err := mgr.Claim(ctx, "task-2", "agent-a"); err != nil {
			t.Fatalf("Claim: %v", err)
		}
		if err := store.EnsureDir(ctx, "Done/archive"); err != nil {
			t.Fatalf("EnsureDir: %v", err)
		}
		if err := mgr.Complete(ctx, "task-2", "agent-a", "Done/archive"); err != nil {
			t.Fatalf("Complete: %v", err)
		}
		if exists, _ := store.Exists(ctx, "Done/archive/task-2.md"); !exists {
			t.Fatal("document not in explicit destination")
		}
	})

	t.Run("unmapped type falls back", func(t *testing.T) {
		mgr, store, layout := newTestManager(t)
		seedInboxTask(t, store, layout, &vault.Task{ID: "task-3", Type: "oddball", Body: "done\n"})
		if _, err := mgr.Claim(ctx, "task-3", "agent-a"); err != nil {
			t.Fatalf("Claim: %v", err)
		}
		if err := mgr.Complete(ctx, "task-3", "agent-a", ""); err != nil {
			t.Fatalf("Complete: %v", err)
		}
		if exists, _ := store.Exists(ctx, layout.DoneDir("oddball")+"/task-3.md"); !exists {
			t.Fatal("document not in default completion folder")
		}
	})
}

func TestClaimLockBusy(t *testing.T) {
	mgr, store, layout := newTestManager(t, WithRetry(func() RetryConfig {
		return RetryConfig{Attempts: 2, Backoff: []time.Duration{time.Millisecond}}
	}))
	ctx := context.Background()

	seedInboxTask(t, store, layout, &vault.Task{ID: "task-1", Body: "held\n"})

	// A foreign lock blocks every attempt.
	if err := store.CreateExclusive(ctx, layout.LockPath("task-1"), []byte(`{"holder":"other"}`)); err != nil {
		t.Fatalf("CreateExclusive: %v", err)
	}

	_, err := mgr.Claim(ctx, "task-1", "agent-a")
	var failure *Failure
	if !errors.As(err, &failure) || failure.Reason != ReasonLockBusy {
		t.Fatalf("want lock-busy failure, got %v", err)
	}
	if !strings.Contains(failure.Error(), "task-1") {
		t.Fatalf("failure message missing task id: %s", failure.Error())
	}
	if exists, _ := store.Exists(ctx, layout.LockPath("task-1")); !exists {
		t.Fatal("foreign lock removed by failed claimant")
	}
}

func TestClaimContextCancelled(t *testing.T) {
	mgr, store, layout := newTestManager(t, WithRetry(func() RetryConfig {
		return RetryConfig{Attempts: 5, Backoff: []time.Duration{time.Minute}}
	}))
	ctx, cancel := context.WithCancel(context.Background())

	seedInboxTask(t, store, layout, &vault.Task{ID: "task-1", Body: "held\n"})
	if err := store.CreateExclusive(ctx, layout.LockPath("task-1"), []byte(`{"holder":"other"}`)); err != nil {
		t.Fatalf("CreateExclusive: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := mgr.Claim(ctx, "task-1", "agent-a")
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("want context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("claim did not observe cancellation")
	}
}
