// Package tasks implements the long-running job subsystem: a staging
// queue feeding a pool of execution workers, a stoppable runner that
// drives ordered subtasks, and the concrete build tasks (iPXE binaries,
// boot images from ISO or from the network).
package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bishopdynamics/netbootstudio/pkg/config"
)

// Task type names as they appear in create_task payloads.
const (
	TypeFakeLongTask    = "fake_longtask"
	TypeBuildIPXE       = "build_ipxe"
	TypeImageUbuntuWeb  = "image_ubuntu_webinstaller"
	TypeImageWindowsISO = "image_windows_installer_from_iso"
	TypeImageESXISO     = "image_esx_installer_from_iso"
	TypeImageDebianLive = "image_debian_liveimage"
)

// Task status values, in rough lifecycle order.
const (
	StatusQueued      = "Queued"
	StatusInitialized = "Initialized"
	StatusStarting    = "Starting"
	StatusRunning     = "Running"
	StatusStopping    = "Stopping"
	StatusComplete    = "Complete"
	StatusFailed      = "Failed"
)

// StoppedByUser is the failure reason reported when a task was cancelled.
const StoppedByUser = "stopped by user"

// Deps carries what concrete tasks need to do their work.
type Deps struct {
	Config *config.Config
	Paths  config.Paths
}

// TempRoot is the directory a task may scribble in. Cleared along with
// the task itself.
func (d Deps) TempRoot(taskID string) string {
	return filepath.Join(d.Paths.Temp, taskID)
}

// Spec identifies one queued task: the type resolved through the
// catalog plus the caller-supplied payload.
type Spec struct {
	ID          string
	Type        string
	Name        string
	Description string
	Payload     map[string]any
}

// PayloadString returns the named payload value rendered as a string.
// Task payloads arrive as decoded JSON, so values may be any scalar.
func (s Spec) PayloadString(key string) string {
	v, ok := s.Payload[key]
	if !ok {
		return ""
	}
	return fmt.Sprint(v)
}

// PayloadBool interprets the named payload value as a flag. The web UI
// sends flags as the strings "true" and "false".
func (s Spec) PayloadBool(key string) bool {
	return strings.EqualFold(s.PayloadString(key), "true")
}

// PayloadDefault returns the named payload value, or def when the key
// is absent. Older UI versions omit keys newer tasks know about.
func (s Spec) PayloadDefault(key, def string) string {
	if _, ok := s.Payload[key]; !ok {
		return def
	}
	return s.PayloadString(key)
}

// MissingKeys returns the required keys absent from the payload.
func (s Spec) MissingKeys(required []string) []string {
	var missing []string
	for _, key := range required {
		if _, ok := s.Payload[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

// Subtask is one ordered step of a task. Run reports success; on false
// the runner halts the task. Run must honor ctx so stop requests can
// interrupt it.
type Subtask struct {
	Name        string
	Description string
	Progress    int
	Run         func(ctx context.Context) bool
}

// Task is the capability interface concrete tasks implement.
type Task interface {
	// RequiredKeys lists payload keys checked before any subtask runs.
	RequiredKeys() []string
	// Subtasks returns the ordered steps of this run.
	Subtasks() []Subtask
	// LogFile is the path of this task's build log, or "" if the task
	// keeps none.
	LogFile() string
	// Cleanup removes disposable build material. It must leave the log
	// file alone; clearing a task removes that separately.
	Cleanup() error
}

// Definition maps a task type to its friendly identity and constructor.
type Definition struct {
	Name        string
	Description string
	New         func(deps Deps, spec Spec) (Task, error)
}

// Catalog returns the table of known task types.
func Catalog() map[string]Definition {
	return map[string]Definition{
		TypeBuildIPXE: {
			Name:        "Build iPXE",
			Description: "Build an ipxe binary and iso, and another iso without embedded stage1_file",
			New:         NewBuildIPXE,
		},
		TypeFakeLongTask: {
			Name:        "Fake Long Task",
			Description: "a fake long running task that reports status several times",
			New:         NewFakeLongTask,
		},
		TypeImageUbuntuWeb: {
			Name:        "New Ubuntu Webinstaller boot image",
			Description: "Create a new Ubuntu Web installer boot image",
			New:         NewUbuntuWebImage,
		},
		TypeImageWindowsISO: {
			Name:        "New Windows boot image from ISO",
			Description: "Create a new Windows installer boot image from ISO",
			New:         NewWindowsISOImage,
		},
		TypeImageESXISO: {
			Name:        "New VMware ESXi boot image from ISO",
			Description: "Create a new VMware ESXi installer boot image from ISO",
			New:         NewESXISOImage,
		},
		TypeImageDebianLive: {
			Name:        "New Debian Liveimage boot image",
			Description: "Create a new Debian Liveimage boot image",
			New:         NewDebianLiveImage,
		},
	}
}

// StatusUpdate is the wire shape of task progress, published on the
// status topic and mirrored by the tasks data source.
type StatusUpdate struct {
	TaskID                  string              `json:"task_id"`
	TaskName                string              `json:"task_name"`
	TaskDescription         string              `json:"task_description"`
	TaskType                string              `json:"task_type"`
	TaskStatus              string              `json:"task_status"`
	TaskProgress            int                 `json:"task_progress"`
	TaskProgressDescription string              `json:"task_progress_description"`
	TaskCurrentSubtask      string              `json:"task_current_subtask"`
	TaskSubtaskDescriptions OrderedDescriptions `json:"task_subtask_descriptions,omitempty"`
}

// OrderedDescriptions maps subtask names to descriptions while keeping
// declaration order, which the UI uses to render the step list. It
// encodes as a JSON object whose keys appear in order.
type OrderedDescriptions []NamedDescription

// NamedDescription is one entry of an OrderedDescriptions.
type NamedDescription struct {
	Name        string
	Description string
}

// MarshalJSON encodes the list as an object, preserving entry order.
func (d OrderedDescriptions) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, nd := range d {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(nd.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(nd.Description)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object into the list in the order the keys
// appear on the wire.
func (d *OrderedDescriptions) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("subtask descriptions must be an object")
	}
	out := OrderedDescriptions{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("subtask description key must be a string")
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return err
		}
		out = append(out, NamedDescription{Name: key, Description: value})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*d = out
	return nil
}

// descriptionsOf collects the ordered name/description pairs of a
// task's subtasks.
func descriptionsOf(subtasks []Subtask) OrderedDescriptions {
	out := make(OrderedDescriptions, 0, len(subtasks))
	for _, st := range subtasks {
		out = append(out, NamedDescription{Name: st.Name, Description: st.Description})
	}
	return out
}
