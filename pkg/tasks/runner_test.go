package tasks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTask is a minimal Task for exercising the runner and manager.
type stubTask struct {
	required []string
	subtasks []Subtask
	logFile  string
	cleaned  atomic.Bool
}

func (s *stubTask) RequiredKeys() []string { return s.required }
func (s *stubTask) Subtasks() []Subtask    { return s.subtasks }
func (s *stubTask) LogFile() string        { return s.logFile }
func (s *stubTask) Cleanup() error {
	s.cleaned.Store(true)
	return nil
}

// statusRecorder captures reported updates for inspection.
type statusRecorder struct {
	mu      sync.Mutex
	updates []StatusUpdate
}

func (r *statusRecorder) report(u StatusUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *statusRecorder) list() []StatusUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StatusUpdate(nil), r.updates...)
}

func (r *statusRecorder) last() StatusUpdate {
	list := r.list()
	if len(list) == 0 {
		return StatusUpdate{}
	}
	return list[len(list)-1]
}

func stubSpec(payload map[string]any) Spec {
	return Spec{
		ID:          "task-under-test",
		Type:        "stub",
		Name:        "Stub Task",
		Description: "drives the runner in tests",
		Payload:     payload,
	}
}

func passStep(record *[]string, name string) func(context.Context) bool {
	return func(context.Context) bool {
		*record = append(*record, name)
		return true
	}
}

func TestRunnerCompletes(t *testing.T) {
	rec := &statusRecorder{}
	var ran []string
	task := &stubTask{subtasks: []Subtask{
		{Name: "first", Description: "First step", Progress: 10, Run: passStep(&ran, "first")},
		{Name: "second", Description: "Second step", Progress: 60, Run: passStep(&ran, "second")},
	}}

	r := NewRunner(stubSpec(nil), task, rec.report)
	r.Run(context.Background())

	assert.Equal(t, []string{"first", "second"}, ran)
	assert.True(t, r.Finished())
	assert.True(t, task.cleaned.Load())

	updates := rec.list()
	statuses := make([]string, 0, len(updates))
	for _, u := range updates {
		statuses = append(statuses, u.TaskStatus)
	}
	assert.Equal(t, []string{
		StatusInitialized, StatusStarting, StatusRunning, StatusRunning, StatusComplete,
	}, statuses)

	running := updates[2]
	assert.Equal(t, 10, running.TaskProgress)
	assert.Equal(t, "First step", running.TaskProgressDescription)
	assert.Equal(t, "first", running.TaskCurrentSubtask)

	final := rec.last()
	assert.Equal(t, 100, final.TaskProgress)
	assert.Equal(t, "Success", final.TaskProgressDescription)
	assert.Empty(t, final.TaskCurrentSubtask)

	// every update carries the full ordered step list
	want := OrderedDescriptions{
		{Name: "first", Description: "First step"},
		{Name: "second", Description: "Second step"},
	}
	for _, u := range updates {
		assert.Equal(t, want, u.TaskSubtaskDescriptions)
	}
}

func TestRunnerHaltsOnFailure(t *testing.T) {
	rec := &statusRecorder{}
	var ran []string
	task := &stubTask{subtasks: []Subtask{
		{Name: "breaks", Description: "Breaking", Progress: 10, Run: func(context.Context) bool { return false }},
		{Name: "never", Description: "Never runs", Progress: 50, Run: passStep(&ran, "never")},
	}}

	r := NewRunner(stubSpec(nil), task, rec.report)
	r.Run(context.Background())

	assert.Empty(t, ran)
	assert.True(t, task.cleaned.Load())

	final := rec.last()
	assert.Equal(t, StatusFailed, final.TaskStatus)
	assert.Equal(t, 0, final.TaskProgress)
	assert.Equal(t, "subtask failed: breaks", final.TaskProgressDescription)
}

func TestRunnerChecksRequiredKeys(t *testing.T) {
	rec := &statusRecorder{}
	var ran []string
	task := &stubTask{
		required: []string{"name", "arch"},
		subtasks: []Subtask{
			{Name: "never", Description: "Never runs", Progress: 10, Run: passStep(&ran, "never")},
		},
	}

	r := NewRunner(stubSpec(map[string]any{"name": "present"}), task, rec.report)
	r.Run(context.Background())

	assert.Empty(t, ran)
	final := rec.last()
	assert.Equal(t, StatusFailed, final.TaskStatus)
	assert.Contains(t, final.TaskProgressDescription, "missing required keys")
	assert.Contains(t, final.TaskProgressDescription, "arch")
}

func TestRunnerNoSubtasksCompletes(t *testing.T) {
	rec := &statusRecorder{}
	task := &stubTask{}

	r := NewRunner(stubSpec(nil), task, rec.report)
	r.Run(context.Background())

	final := rec.last()
	assert.Equal(t, StatusComplete, final.TaskStatus)
	assert.Equal(t, 100, final.TaskProgress)
}

func TestRunnerStopCancelsSubtask(t *testing.T) {
	rec := &statusRecorder{}
	started := make(chan struct{})
	task := &stubTask{subtasks: []Subtask{
		{Name: "wait", Description: "Waiting for cancel", Progress: 10, Run: func(ctx context.Context) bool {
			close(started)
			<-ctx.Done()
			return false
		}},
	}}

	r := NewRunner(stubSpec(nil), task, rec.report)
	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()

	<-started
	r.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not stop within the deadline")
	}

	final := rec.last()
	assert.Equal(t, StatusFailed, final.TaskStatus)
	assert.Equal(t, StoppedByUser, final.TaskProgressDescription)
	assert.True(t, task.cleaned.Load())
}

func TestRunnerStopBeforeRun(t *testing.T) {
	rec := &statusRecorder{}
	var ran []string
	task := &stubTask{subtasks: []Subtask{
		{Name: "never", Description: "Never runs", Progress: 10, Run: passStep(&ran, "never")},
	}}

	r := NewRunner(stubSpec(nil), task, rec.report)
	r.Stop()
	r.Run(context.Background())

	assert.Empty(t, ran)
	final := rec.last()
	assert.Equal(t, StatusFailed, final.TaskStatus)
	assert.Equal(t, StoppedByUser, final.TaskProgressDescription)
}

func TestRunnerJoinsInterruptedSubtask(t *testing.T) {
	rec := &statusRecorder{}
	finished := make(chan struct{})
	started := make(chan struct{})
	task := &stubTask{subtasks: []Subtask{
		{Name: "slow", Description: "Winding down slowly", Progress: 10, Run: func(ctx context.Context) bool {
			close(started)
			<-ctx.Done()
			// simulate orderly teardown after the stop signal
			time.Sleep(50 * time.Millisecond)
			close(finished)
			return false
		}},
	}}

	r := NewRunner(stubSpec(nil), task, rec.report)
	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()

	<-started
	r.Stop()
	<-done

	// Run must not return before the subtask does.
	select {
	case <-finished:
	default:
		t.Fatal("runner returned before the subtask finished")
	}
	require.Equal(t, StatusFailed, rec.last().TaskStatus)
}
