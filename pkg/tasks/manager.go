package tasks

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/bishopdynamics/netbootstudio/internal/logger"
	"github.com/bishopdynamics/netbootstudio/pkg/bus"
	"github.com/bishopdynamics/netbootstudio/pkg/message"
)

const (
	// stagingWorkers move requests from the staging queue to the
	// execution queue.
	stagingWorkers = 2
	// execWorkers run tasks; this bounds how many build jobs run at
	// once.
	execWorkers = 4
	// queueDepth bounds both queues. The originals were unbounded,
	// which let a misbehaving caller grow memory without limit.
	queueDepth = 256
)

// Bus is the subset of the bus client the manager needs. Satisfied by
// *bus.Client.
type Bus interface {
	Publish(topic string, m *message.Message) error
	Subscribe(topic string, h bus.Handler) error
}

// Request is a task as the API receives it: a type and its payload.
// Identity is assigned during staging.
type Request struct {
	Type    string         `json:"task_type"`
	Payload map[string]any `json:"task_payload"`
}

// statusEnvelope wraps updates on the status topic so other message
// kinds can share it later.
type statusEnvelope struct {
	TaskStatus StatusUpdate `json:"task_status"`
}

// Manager owns the task queues, the worker pools, and the ordered
// status list the tasks data source publishes.
type Manager struct {
	deps    Deps
	bus     Bus
	sender  string
	catalog map[string]Definition

	staging chan Request
	execq   chan Spec

	mu       sync.Mutex
	statuses []StatusUpdate
	runners  map[string]*Runner

	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

// NewManager builds a manager around the standard catalog.
func NewManager(deps Deps, b Bus) *Manager {
	return &Manager{
		deps:    deps,
		bus:     b,
		sender:  fmt.Sprintf("taskmanager-%s", uuid.NewString()),
		catalog: Catalog(),
		staging: make(chan Request, queueDepth),
		execq:   make(chan Spec, queueDepth),
		runners: make(map[string]*Runner),
		stop:    make(chan struct{}),
	}
}

// Start subscribes for remote status updates and launches the worker
// pools. Workers exit when ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.bus.Subscribe(bus.TopicTaskStatus, m.handleStatusMessage); err != nil {
		return fmt.Errorf("task manager: %w", err)
	}
	logger.Info("starting task workers", "staging", stagingWorkers, "exec", execWorkers)
	for i := 0; i < stagingWorkers; i++ {
		m.wg.Add(1)
		go m.stagingWorker(ctx)
	}
	for i := 0; i < execWorkers; i++ {
		m.wg.Add(1)
		go m.execWorker(ctx)
	}
	return nil
}

// Stop halts the workers and waits for running tasks to wind down.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

// Enqueue stages a task request. The type is resolved later by a
// staging worker; unknown types are dropped there with a log.
func (m *Manager) Enqueue(req Request) error {
	select {
	case m.staging <- req:
		return nil
	default:
		return fmt.Errorf("task staging queue is full")
	}
}

// Statuses returns a copy of the ordered status list.
func (m *Manager) Statuses() []StatusUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StatusUpdate, len(m.statuses))
	copy(out, m.statuses)
	return out
}

// StopTask requests cancellation of a running task.
func (m *Manager) StopTask(taskID string) error {
	r := m.runner(taskID)
	if r == nil {
		return fmt.Errorf("unknown task: %s", taskID)
	}
	r.Stop()
	return nil
}

// ClearTask forgets a finished task: cleans up its material, removes
// its temp directory, and drops it from the status list.
func (m *Manager) ClearTask(taskID string) error {
	m.mu.Lock()
	r, known := m.runners[taskID]
	m.mu.Unlock()
	if known {
		if !r.Finished() {
			return fmt.Errorf("task %s is still running, stop it first", taskID)
		}
		if err := r.Task().Cleanup(); err != nil {
			logger.Error("task cleanup failed during clear", "task_id", taskID, "error", err)
		}
		if err := os.RemoveAll(m.deps.TempRoot(taskID)); err != nil {
			logger.Error("unable to remove task temp directory", "task_id", taskID, "error", err)
		}
		m.mu.Lock()
		delete(m.runners, taskID)
		m.mu.Unlock()
	}
	dropped := m.dropStatus(taskID)
	if !known && !dropped {
		return fmt.Errorf("unknown task: %s", taskID)
	}
	return nil
}

// TaskLog returns the current contents of a task's log file.
func (m *Manager) TaskLog(taskID string) (string, error) {
	r := m.runner(taskID)
	if r == nil {
		return "", fmt.Errorf("unknown task: %s", taskID)
	}
	path := r.Task().LogFile()
	if path == "" {
		return "", fmt.Errorf("task %s keeps no log", taskID)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("unable to read task log: %w", err)
	}
	return string(raw), nil
}

func (m *Manager) runner(taskID string) *Runner {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runners[taskID]
}

func (m *Manager) stagingWorker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case req := <-m.staging:
			m.stage(ctx, req)
		}
	}
}

// stage resolves the request against the catalog, assigns identity,
// and hands it to the execution queue.
func (m *Manager) stage(ctx context.Context, req Request) {
	def, ok := m.catalog[req.Type]
	if !ok {
		logger.Info("Ignoring unrecognized task type", "task_type", req.Type)
		return
	}
	spec := Spec{
		ID:          uuid.NewString(),
		Type:        req.Type,
		Name:        def.Name,
		Description: def.Description,
		Payload:     req.Payload,
	}
	logger.Debug("queueing staged task", "task_id", spec.ID, "task_type", spec.Type)
	select {
	case m.execq <- spec:
		m.reportQueued(spec)
	case <-ctx.Done():
	case <-m.stop:
	}
}

func (m *Manager) execWorker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case spec := <-m.execq:
			m.execute(ctx, spec)
		}
	}
}

// execute instantiates the task, registers its runner, and drives it
// to a terminal status.
func (m *Manager) execute(ctx context.Context, spec Spec) {
	def := m.catalog[spec.Type]
	task, err := def.New(m.deps, spec)
	if err != nil {
		logger.Error("failed to construct task", "task_id", spec.ID, "task_type", spec.Type, "error", err)
		m.record(StatusUpdate{
			TaskID:                  spec.ID,
			TaskName:                spec.Name,
			TaskDescription:         spec.Description,
			TaskType:                spec.Type,
			TaskStatus:              StatusFailed,
			TaskProgress:            0,
			TaskProgressDescription: err.Error(),
		})
		return
	}
	r := NewRunner(spec, task, m.record)
	m.mu.Lock()
	m.runners[spec.ID] = r
	m.mu.Unlock()
	r.Run(ctx)
}

func (m *Manager) reportQueued(spec Spec) {
	m.record(StatusUpdate{
		TaskID:                  spec.ID,
		TaskName:                spec.Name,
		TaskDescription:         spec.Description,
		TaskType:                spec.Type,
		TaskStatus:              StatusQueued,
		TaskProgress:            0,
		TaskProgressDescription: "awaiting worker availability",
	})
}

// record merges an update into the local list and shares it on the
// status topic so other services see the same task table.
func (m *Manager) record(u StatusUpdate) {
	m.merge(u)
	msg, err := message.New(m.sender, bus.TopicTaskStatus, statusEnvelope{TaskStatus: u})
	if err != nil {
		logger.Error("unable to encode task status", "task_id", u.TaskID, "error", err)
		return
	}
	if err := m.bus.Publish(bus.TopicTaskStatus, msg); err != nil {
		logger.Error("unable to publish task status", "task_id", u.TaskID, "error", err)
	}
}

// merge replaces the prior entry for the same task id in place so the
// list keeps its order; unseen ids go to the head. Extra entries with
// the same id are dropped.
func (m *Manager) merge(u StatusUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	next := make([]StatusUpdate, 0, len(m.statuses)+1)
	for _, existing := range m.statuses {
		if existing.TaskID == u.TaskID {
			if found {
				logger.Error("found an additional task with the same id, it will be discarded", "task_id", existing.TaskID)
				continue
			}
			next = append(next, u)
			found = true
			continue
		}
		next = append(next, existing)
	}
	if !found {
		next = append([]StatusUpdate{u}, next...)
	}
	m.statuses = next
}

func (m *Manager) dropStatus(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.statuses {
		if existing.TaskID == taskID {
			m.statuses = append(m.statuses[:i], m.statuses[i+1:]...)
			return true
		}
	}
	return false
}

// handleStatusMessage merges task statuses other services publish.
// Our own publications come back on the same topic and are skipped by
// sender.
func (m *Manager) handleStatusMessage(msg *message.Message) {
	if msg.Sender == m.sender {
		return
	}
	var env statusEnvelope
	if err := msg.Decode(&env); err != nil {
		logger.Error("unable to decode task status message", "error", err)
		return
	}
	if env.TaskStatus.TaskID == "" {
		return
	}
	logger.Debug("merging remote task status", "task_id", env.TaskStatus.TaskID)
	m.merge(env.TaskStatus)
}
