package supervisor

import (
	"context"
	"errors"
	"sync"
)

// Task is an extra long-running job started alongside the dispatch loop,
// such as a transport accept loop. Run must return once ctx is cancelled.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// TaskState is the lifecycle state of a supervised task.
type TaskState string

const (
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskCancelled TaskState = "cancelled"
	TaskFailed    TaskState = "failed"
	// TaskAbandoned marks a task that ignored cancellation past the force timeout.
	TaskAbandoned TaskState = "abandoned"
)

// TaskReport describes a supervised task.
type TaskReport struct {
	Name  string
	State TaskState
	Err   error
}

type task struct {
	name string
	pull bool

	mu    sync.Mutex
	state TaskState
	err   error
}

func (t *task) finish(ctx context.Context, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TaskAbandoned {
		return
	}
	switch {
	case ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)):
		t.state = TaskCancelled
	case err != nil:
		t.state = TaskFailed
		t.err = err
	default:
		t.state = TaskCompleted
	}
}

func (t *task) abandon() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TaskRunning {
		return false
	}
	t.state = TaskAbandoned
	return true
}

func (t *task) report() TaskReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskReport{Name: t.name, State: t.state, Err: t.err}
}
