package tasks

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bishopdynamics/netbootstudio/internal/logger"
)

// killGrace is how long a signalled build process gets to exit before
// it is killed outright.
const killGrace = 10 * time.Second

// BuildLog appends messages and command transcripts to a task's log
// file. Writes create the file (and its directory) on first use so
// tasks can log before their workspace subtask runs.
type BuildLog struct {
	path string
}

// NewBuildLog returns a log writing to path.
func NewBuildLog(path string) *BuildLog {
	return &BuildLog{path: path}
}

// Path returns the log file location.
func (l *BuildLog) Path() string {
	return l.path
}

// Printf appends a formatted message followed by a blank line.
func (l *BuildLog) Printf(format string, args ...any) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		logger.Error("unable to create build log directory", "log", l.path, "error", err)
		return
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		logger.Error("unable to open build log", "log", l.path, "error", err)
		return
	}
	defer f.Close()
	fmt.Fprintf(f, format, args...)
	fmt.Fprint(f, "\n\n")
}

// Errorf records a failure in both the build log and the service log.
func (l *BuildLog) Errorf(format string, args ...any) {
	logger.Error(fmt.Sprintf(format, args...), "log", l.path)
	l.Printf(format, args...)
}

// Shell runs build commands through `sh -c`, capturing combined output
// into the build log. Cancelling the context sends the process SIGTERM
// and kills it after a grace period, so stop requests reach even
// long-blocked compiles.
type Shell struct {
	log *BuildLog
}

// NewShell returns a shell logging to log.
func NewShell(log *BuildLog) *Shell {
	return &Shell{log: log}
}

// Run executes command in dir and logs its combined output. A non-zero
// exit is an error.
func (s *Shell) Run(ctx context.Context, dir, command string) error {
	_, err := s.run(ctx, dir, command)
	return err
}

// Output is Run, additionally returning the combined output for
// callers that parse it.
func (s *Shell) Output(ctx context.Context, dir, command string) (string, error) {
	return s.run(ctx, dir, command)
}

func (s *Shell) run(ctx context.Context, dir, command string) (string, error) {
	s.log.Printf("running command:[%s] %s", dir, command)
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace
	out, err := cmd.CombinedOutput()
	s.log.Printf("%s", out)
	if err != nil {
		return string(out), fmt.Errorf("command failed: %w, check log file: %s", err, s.log.path)
	}
	return string(out), nil
}

// MissingDependencies returns the commands from deps not found on PATH.
func MissingDependencies(deps []string) []string {
	var missing []string
	for _, dep := range deps {
		if _, err := exec.LookPath(dep); err != nil {
			missing = append(missing, dep)
		}
	}
	return missing
}
