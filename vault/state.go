package vault

import "path"

// TaskState is the lifecycle state of a task. The state is never stored in
// the document itself; it is fully determined by the folder the document
// resides in.
type TaskState int

const (
	// StateAvailable means the task sits in the intake folder waiting to
	// be claimed.
	StateAvailable TaskState = iota

	// StateClaimed means the task is owned by exactly one agent and lives
	// under that agent's folder.
	StateClaimed

	// StateDone means the task was completed and moved to a completion
	// destination selected by its type.
	StateDone

	// StateFailed means the task exceeded the reclaim limit and requires
	// human attention.
	StateFailed

	// StateMalformed means the document failed validation and was parked
	// out of the assignment path.
	StateMalformed
)

// String returns the state name.
func (s TaskState) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateClaimed:
		return "claimed"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Layout maps task states to directories inside the store. All paths are
// slash-separated and relative to the store root.
type Layout struct {
	// Inbox holds available tasks.
	Inbox string `yaml:"inbox"`

	// Agents is the parent directory of per-agent owned-task folders.
	Agents string `yaml:"agents"`

	// Done is the parent directory of per-type completion destinations.
	Done string `yaml:"done"`

	// DefaultDoneDir is the destination for task types without an explicit
	// mapping in Destinations.
	DefaultDoneDir string `yaml:"default_done_dir"`

	// Destinations maps a task type to its completion subdirectory under
	// Done.
	Destinations map[string]string `yaml:"destinations"`

	// Failed holds tasks that exceeded the reclaim limit.
	Failed string `yaml:"failed"`

	// Malformed holds documents that failed validation.
	Malformed string `yaml:"malformed"`

	// Locks holds ephemeral claim-attempt lock markers.
	Locks string `yaml:"locks"`
}

// DefaultLayout returns the standard folder layout.
func DefaultLayout() Layout {
	return Layout{
		Inbox:          "Inbox",
		Agents:         "Agents",
		Done:           "Done",
		DefaultDoneDir: "misc",
		Failed:         "Failed",
		Malformed:      "Malformed",
		Locks:          ".locks",
	}
}

// Dir returns the directory for a task in the given state. agentID is only
// consulted for StateClaimed, taskType only for StateDone.
func (l Layout) Dir(state TaskState, agentID, taskType string) string {
	switch state {
	case StateClaimed:
		return l.AgentDir(agentID)
	case StateDone:
		return l.DoneDir(taskType)
	case StateFailed:
		return l.Failed
	case StateMalformed:
		return l.Malformed
	default:
		return l.Inbox
	}
}

// AgentDir returns the owned-tasks folder for an agent.
func (l Layout) AgentDir(agentID string) string {
	return path.Join(l.Agents, agentID)
}

// DoneDir returns the completion destination for a task type.
func (l Layout) DoneDir(taskType string) string {
	sub, ok := l.Destinations[taskType]
	if !ok || sub == "" {
		sub = l.DefaultDoneDir
	}
	return path.Join(l.Done, sub)
}

// LockPath returns the lock marker path for a task id.
func (l Layout) LockPath(taskID string) string {
	return path.Join(l.Locks, taskID+".lock")
}

// BaseDirs returns every directory that must exist before the engine runs.
// Per-agent folders are provisioned at registration time and are not
// included.
func (l Layout) BaseDirs() []string {
	return []string{
		l.Inbox,
		l.Agents,
		path.Join(l.Done, l.DefaultDoneDir),
		l.Failed,
		l.Malformed,
		l.Locks,
	}
}
