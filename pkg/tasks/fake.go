package tasks

import (
	"context"
	"time"
)

// FakeLongTask pretends to do some work and reports status along the
// way. Useful for exercising the UI and the runner itself.
type FakeLongTask struct{}

// NewFakeLongTask builds the fake task. It ignores its inputs.
func NewFakeLongTask(Deps, Spec) (Task, error) {
	return &FakeLongTask{}, nil
}

func (t *FakeLongTask) RequiredKeys() []string { return nil }

func (t *FakeLongTask) LogFile() string { return "" }

func (t *FakeLongTask) Cleanup() error { return nil }

func (t *FakeLongTask) Subtasks() []Subtask {
	return []Subtask{
		{Name: "prepare_nucleotides", Description: "Preparing Nucleotides", Progress: 10, Run: sleepStep(2 * time.Second)},
		{Name: "reticulate_splines", Description: "Reticulating Splines", Progress: 20, Run: sleepStep(2 * time.Second)},
		{Name: "popularize_actor_pool", Description: "Popularizing Actor Pool", Progress: 30, Run: sleepStep(time.Second)},
		{Name: "energize_stansifram", Description: "Energizing Stanisfram", Progress: 50, Run: sleepStep(2 * time.Second)},
		{Name: "compile_phase_modules", Description: "Compiling Phase Modules", Progress: 70, Run: sleepStep(5 * time.Second)},
		{Name: "verify_files", Description: "Verifying Files", Progress: 90, Run: sleepStep(time.Second)},
	}
}

// sleepStep waits for d unless the task is stopped first.
func sleepStep(d time.Duration) func(ctx context.Context) bool {
	return func(ctx context.Context) bool {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return true
		case <-ctx.Done():
			return false
		}
	}
}
