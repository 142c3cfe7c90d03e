package router

import (
	"context"
	"sort"
	"testing"

	"go.uber.org/zap"

	"github.com/taskfold/taskfold/registry"
	"github.com/taskfold/taskfold/vault"
)

func setup(t *testing.T) (*Router, *registry.Registry) {
	t.Helper()
	store := vault.NewMemStore()
	reg := registry.New(store, vault.DefaultLayout(), zap.NewNop())
	ctx := context.Background()

	agents := []*registry.Agent{
		{ID: "generalist", Capabilities: []string{"email", "drafting", "reports"}},
		{ID: "mailer", Capabilities: []string{"email"}},
		{ID: "analyst", Capabilities: []string{"reports"}},
	}
	for _, a := range agents {
		if err := reg.Register(ctx, a); err != nil {
			t.Fatalf("Register %s failed: %v", a.ID, err)
		}
	}
	return New(reg, zap.NewNop()), reg
}

func ids(agents []*registry.Agent) []string {
	out := make([]string, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.ID)
	}
	sort.Strings(out)
	return out
}

func TestEligibleAgentsNoCapabilities(t *testing.T) {
	r, _ := setup(t)
	task := &vault.Task{ID: "t1"}

	got := ids(r.EligibleAgents(context.Background(), task))
	if len(got) != 3 {
		t.Errorf("task without requirements must match all active agents, got %v", got)
	}
}

func TestEligibleAgentsSupersetSemantics(t *testing.T) {
	r, _ := setup(t)
	task := &vault.Task{ID: "t1", Capabilities: []string{"email", "drafting"}}

	got := ids(r.EligibleAgents(context.Background(), task))
	// mailer has email but not drafting: single-tag overlap is not enough.
	if len(got) != 1 || got[0] != "generalist" {
		t.Errorf("expected superset match only, got %v", got)
	}
}

func TestEligibleAgentsExcludesInactive(t *testing.T) {
	r, reg := setup(t)
	ctx := context.Background()
	if err := reg.Deregister(ctx, "mailer"); err != nil {
		t.Fatalf("Deregister failed: %v", err)
	}

	task := &vault.Task{ID: "t1", Capabilities: []string{"email"}}
	got := ids(r.EligibleAgents(ctx, task))
	if len(got) != 1 || got[0] != "generalist" {
		t.Errorf("inactive agents must be invisible, got %v", got)
	}
}

func TestRoutingRulesWinByPriority(t *testing.T) {
	r, _ := setup(t)
	ctx := context.Background()

	r.SetRules([]Rule{
		{
			Name:     "reports-to-analyst",
			Priority: 1,
			Matches:  func(task *vault.Task) bool { return task.Type == "report" },
			Targets:  []string{"analyst"},
		},
		{
			Name:     "reports-to-generalist",
			Priority: 10,
			Matches:  func(task *vault.Task) bool { return task.Type == "report" },
			Targets:  []string{"generalist"},
		},
	})

	task := &vault.Task{ID: "t1", Type: "report", Capabilities: []string{"email"}}
	got := ids(r.EligibleAgents(ctx, task))
	if len(got) != 1 || got[0] != "generalist" {
		t.Errorf("higher-priority rule must win, got %v", got)
	}

	// A task no rule matches falls back to capability matching.
	other := &vault.Task{ID: "t2", Type: "chore", Capabilities: []string{"reports"}}
	got = ids(r.EligibleAgents(ctx, other))
	if len(got) != 2 {
		t.Errorf("fallback capability match broken, got %v", got)
	}
}

func TestRuleTargetsFilteredByStatus(t *testing.T) {
	r, reg := setup(t)
	ctx := context.Background()

	r.SetRules([]Rule{{
		Name:     "all-reports",
		Priority: 1,
		Matches:  func(task *vault.Task) bool { return task.Type == "report" },
		Targets:  []string{"analyst", "ghost", "mailer"},
	}})
	if err := reg.Deregister(ctx, "mailer"); err != nil {
		t.Fatalf("Deregister failed: %v", err)
	}

	task := &vault.Task{ID: "t1", Type: "report"}
	got := ids(r.EligibleAgents(ctx, task))
	if len(got) != 1 || got[0] != "analyst" {
		t.Errorf("unknown and inactive targets must be dropped, got %v", got)
	}
}

func TestCanHandle(t *testing.T) {
	r, reg := setup(t)
	ctx := context.Background()

	task := &vault.Task{ID: "t1", Capabilities: []string{"email"}}
	if !r.CanHandle(ctx, "mailer", task) {
		t.Error("mailer must handle email tasks")
	}
	if r.CanHandle(ctx, "analyst", task) {
		t.Error("analyst lacks the email capability")
	}
	if r.CanHandle(ctx, "nobody", task) {
		t.Error("unknown agent must be ineligible, not an error")
	}

	if err := reg.Deregister(ctx, "mailer"); err != nil {
		t.Fatalf("Deregister failed: %v", err)
	}
	if r.CanHandle(ctx, "mailer", task) {
		t.Error("inactive agent must be ineligible")
	}
}
