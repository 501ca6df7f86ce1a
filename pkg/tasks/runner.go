package tasks

import (
	"context"
	"fmt"
	"sync"

	"github.com/bishopdynamics/netbootstudio/internal/logger"
	"github.com/bishopdynamics/netbootstudio/pkg/metrics"
)

// Reporter receives status updates as the runner produces them.
type Reporter func(StatusUpdate)

// Runner drives one task through its ordered subtasks, reporting
// progress and honoring stop requests. A runner is single-use.
type Runner struct {
	spec         Spec
	task         Task
	report       Reporter
	descriptions OrderedDescriptions

	mu      sync.Mutex
	current string
	stopped bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner prepares a runner and reports the Initialized status.
func NewRunner(spec Spec, task Task, report Reporter) *Runner {
	r := &Runner{
		spec:         spec,
		task:         task,
		report:       report,
		descriptions: descriptionsOf(task.Subtasks()),
		done:         make(chan struct{}),
	}
	r.reportStatus(StatusInitialized, 0, "Initialized")
	return r
}

// Run executes the task to a terminal status. It blocks until the task
// completes, fails, or is stopped.
func (r *Runner) Run(ctx context.Context) {
	defer close(r.done)
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	alreadyStopped := r.stopped
	r.mu.Unlock()
	defer cancel()
	if alreadyStopped {
		cancel()
	}

	logger.Info("starting task", "task_id", r.spec.ID, "task_type", r.spec.Type)
	r.reportStatus(StatusStarting, 0, "Starting subtasks")

	if missing := r.spec.MissingKeys(r.task.RequiredKeys()); len(missing) > 0 {
		r.fail(fmt.Sprintf("missing required keys in task payload: %v", missing))
		return
	}

	for _, st := range r.task.Subtasks() {
		if ctx.Err() != nil {
			r.fail(StoppedByUser)
			return
		}
		logger.Debug("running subtask", "task_id", r.spec.ID, "subtask", st.Name)
		r.setCurrent(st.Name)
		r.reportStatus(StatusRunning, st.Progress, st.Description)
		if !r.runSubtask(ctx, st) {
			if ctx.Err() != nil {
				r.fail(StoppedByUser)
			} else {
				r.fail(fmt.Sprintf("subtask failed: %s", st.Name))
			}
			return
		}
		logger.Debug("subtask succeeded", "task_id", r.spec.ID, "subtask", st.Name)
	}
	r.complete()
}

// runSubtask executes one subtask, joining it even when a stop request
// interrupts it mid-flight. The subtask's context carries the stop
// signal down to any processes it spawned.
func (r *Runner) runSubtask(ctx context.Context, st Subtask) bool {
	result := make(chan bool, 1)
	go func() { result <- st.Run(ctx) }()
	select {
	case ok := <-result:
		return ok
	case <-ctx.Done():
		r.reportStatus(StatusStopping, 0, "trying to stop task")
		return <-result
	}
}

// Stop requests cancellation. Safe to call at any point in the task's
// life, including before Run.
func (r *Runner) Stop() {
	r.mu.Lock()
	r.stopped = true
	cancel := r.cancel
	r.mu.Unlock()
	logger.Info("stopping task", "task_id", r.spec.ID)
	if cancel != nil {
		cancel()
	}
}

// Done is closed when the task reaches a terminal status.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Finished reports whether the task has reached a terminal status.
func (r *Runner) Finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Task exposes the underlying task for log and cleanup actions.
func (r *Runner) Task() Task {
	return r.task
}

func (r *Runner) complete() {
	logger.Info("completed task", "task_id", r.spec.ID)
	r.reportStatus(StatusComplete, 100, "Success")
	r.countRun(StatusComplete)
	r.cleanup()
}

func (r *Runner) fail(reason string) {
	logger.Error("failed task", "task_id", r.spec.ID, "reason", reason)
	r.reportStatus(StatusFailed, 0, reason)
	r.countRun(StatusFailed)
	r.cleanup()
}

// cleanup releases the task's disposable material. Failure to clean up
// is logged but never affects the already-reported terminal status.
func (r *Runner) cleanup() {
	if err := r.task.Cleanup(); err != nil {
		logger.Error("task cleanup failed", "task_id", r.spec.ID, "error", err)
	}
}

func (r *Runner) countRun(status string) {
	if m := metrics.Core(); m != nil {
		m.TasksRun.WithLabelValues(r.spec.Type, status).Inc()
	}
}

func (r *Runner) setCurrent(name string) {
	r.mu.Lock()
	r.current = name
	r.mu.Unlock()
}

func (r *Runner) reportStatus(status string, progress int, description string) {
	r.mu.Lock()
	current := r.current
	r.mu.Unlock()
	if status == StatusComplete {
		current = ""
	}
	r.report(StatusUpdate{
		TaskID:                  r.spec.ID,
		TaskName:                r.spec.Name,
		TaskDescription:         r.spec.Description,
		TaskType:                r.spec.Type,
		TaskStatus:              status,
		TaskProgress:            progress,
		TaskProgressDescription: description,
		TaskCurrentSubtask:      current,
		TaskSubtaskDescriptions: r.descriptions,
	})
}
