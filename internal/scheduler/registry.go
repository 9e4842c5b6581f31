package scheduler

import (
	"context"
	"sort"
)

// Task names used by the default schedule.
const (
	TaskRetryPending         = "retry_pending"
	TaskRetryPendingIntraday = "retry_pending_intraday"
	TaskExitInitialize       = "exit_initialize"
	TaskExitMonitor          = "exit_monitor"
	TaskStatusSync           = "status_sync"
	TaskReentryEvaluate      = "reentry_evaluate"
	TaskReconcile            = "reconcile"
)

// Task is one unit of scheduled work for a session.
type Task interface {
	// Name returns the identifier schedule rows refer to.
	Name() string

	// Run performs the work. Returned errors are recorded, never fatal to
	// the scheduler.
	Run(ctx context.Context) error
}

type funcTask struct {
	name string
	fn   func(ctx context.Context) error
}

func (t funcTask) Name() string                  { return t.name }
func (t funcTask) Run(ctx context.Context) error { return t.fn(ctx) }

// NewTask adapts fn into a Task.
func NewTask(name string, fn func(ctx context.Context) error) Task {
	return funcTask{name: name, fn: fn}
}

// Registry holds a named collection of tasks for lookup and enumeration.
type Registry struct {
	tasks map[string]Task
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[string]Task),
	}
}

// Register adds a task, keyed by its Name(). A later task with the same name
// replaces the earlier one.
func (r *Registry) Register(t Task) {
	r.tasks[t.Name()] = t
}

// Get retrieves a task by name. The second return value indicates whether
// the task was found.
func (r *Registry) Get(name string) (Task, bool) {
	t, ok := r.tasks[name]
	return t, ok
}

// List returns a sorted slice of all registered task names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
