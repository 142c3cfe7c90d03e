package assign

import (
	"sort"
	"sync"

	"github.com/taskfold/taskfold/vault"
)

// Queue is the in-memory mirror of the intake folder. It never owns task
// state: entries are upserted and dropped to track what a scan observed,
// and ordering is computed on demand.
type Queue struct {
	mu    sync.RWMutex
	tasks map[string]*vault.Task
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{tasks: make(map[string]*vault.Task)}
}

// Upsert adds or refreshes a task. Returns true if the task was not
// present before.
func (q *Queue) Upsert(task *vault.Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, present := q.tasks[task.ID]
	q.tasks[task.ID] = task.Clone()
	return !present
}

// Remove drops a task from the mirror. Returns false if it was absent.
func (q *Queue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, present := q.tasks[taskID]
	delete(q.tasks, taskID)
	return present
}

// Get returns a copy of the task, if mirrored.
func (q *Queue) Get(taskID string) (*vault.Task, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return nil, false
	}
	return task.Clone(), true
}

// Len returns the number of mirrored tasks.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.tasks)
}

// Retain drops every task whose id is not in keep. Used after a scan to
// shed documents that were removed from the folder externally.
func (q *Queue) Retain(keep map[string]bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id := range q.tasks {
		if !keep[id] {
			delete(q.tasks, id)
		}
	}
}

// Ordered returns copies of the mirrored tasks in assignment order:
// priority rank descending, then creation time ascending, with the task
// id as the final tiebreak so the order is deterministic.
func (q *Queue) Ordered() []*vault.Task {
	q.mu.RLock()
	out := make([]*vault.Task, 0, len(q.tasks))
	for _, task := range q.tasks {
		out = append(out, task.Clone())
	}
	q.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
