package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bishopdynamics/netbootstudio/internal/logger"
	"github.com/bishopdynamics/netbootstudio/pkg/clients"
	"github.com/bishopdynamics/netbootstudio/pkg/message"
	"github.com/bishopdynamics/netbootstudio/pkg/tasks"
)

// missingKeys logs and builds the uniform failure for payloads missing
// required keys.
func missingKeys(endpoint string, payload json.RawMessage) message.Response {
	logger.Error("api call missing needed keys in payload", "endpoint", endpoint, "payload", string(payload))
	return failure("missing needed keys in payload")
}

func (d *Dispatcher) getSettings(context.Context, json.RawMessage) message.Response {
	return success(d.clients.Settings())
}

func (d *Dispatcher) setSettings(_ context.Context, payload json.RawMessage) message.Response {
	var p struct {
		Settings json.RawMessage `json:"settings"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || len(p.Settings) == 0 {
		return missingKeys("set_settings", payload)
	}
	if err := d.clients.SetSettings(p.Settings); err != nil {
		return failure(err.Error())
	}
	return success("Success")
}

func (d *Dispatcher) getClients(ctx context.Context, payload json.RawMessage) message.Response {
	warnExtraKeys(payload)
	return success(d.clients.List(ctx))
}

func (d *Dispatcher) getClient(_ context.Context, payload json.RawMessage) message.Response {
	var p struct {
		MAC string `json:"mac"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.MAC == "" {
		return missingKeys("get_client", payload)
	}
	c, err := d.clients.Get(p.MAC)
	if err != nil {
		return failure(err.Error())
	}
	return success(c)
}

func (d *Dispatcher) setClientConfig(ctx context.Context, payload json.RawMessage) message.Response {
	var p struct {
		MAC    string          `json:"mac"`
		Config *clients.Config `json:"config"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.MAC == "" || p.Config == nil {
		return missingKeys("set_client_config", payload)
	}
	if err := d.clients.SetConfig(ctx, p.MAC, *p.Config); err != nil {
		return failure(err.Error())
	}
	logger.Debug("updated config for client", "mac", p.MAC)
	return success("Success")
}

func (d *Dispatcher) setClientInfo(ctx context.Context, payload json.RawMessage) message.Response {
	var p struct {
		MAC  string        `json:"mac"`
		Info *clients.Info `json:"info"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.MAC == "" || p.Info == nil {
		return missingKeys("set_client_info", payload)
	}
	if err := d.clients.SetInfo(ctx, p.MAC, *p.Info); err != nil {
		return failure(err.Error())
	}
	logger.Debug("updated info for client", "mac", p.MAC)
	return success("Success")
}

func (d *Dispatcher) deleteClient(ctx context.Context, payload json.RawMessage) message.Response {
	var p struct {
		MAC string `json:"mac"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.MAC == "" {
		return missingKeys("delete_client", payload)
	}
	if err := d.clients.Delete(ctx, p.MAC); err != nil {
		return failure(err.Error())
	}
	return success("Success")
}

func (d *Dispatcher) createTask(_ context.Context, payload json.RawMessage) message.Response {
	var req tasks.Request
	if err := json.Unmarshal(payload, &req); err != nil || req.Type == "" {
		return missingKeys("create_task", payload)
	}
	if err := d.tasks.Enqueue(req); err != nil {
		return failure(err.Error())
	}
	return success("Success")
}

func (d *Dispatcher) taskAction(_ context.Context, payload json.RawMessage) message.Response {
	var p struct {
		TaskID string `json:"task_id"`
		Action string `json:"action"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.TaskID == "" || p.Action == "" {
		return missingKeys("task_action", payload)
	}
	switch p.Action {
	case "stop":
		if err := d.tasks.StopTask(p.TaskID); err != nil {
			return failure(err.Error())
		}
		return success("Success")
	case "clear":
		if err := d.tasks.ClearTask(p.TaskID); err != nil {
			return failure(err.Error())
		}
		return success("Success")
	case "log":
		content, err := d.tasks.TaskLog(p.TaskID)
		if err != nil {
			return failure(err.Error())
		}
		return success(content)
	default:
		return failure(fmt.Sprintf("unknown task action: %s", p.Action))
	}
}

// staticGetter serves a value computed once at startup.
func staticGetter(value any) handlerFunc {
	return func(_ context.Context, payload json.RawMessage) message.Response {
		warnExtraKeys(payload)
		return success(value)
	}
}

// Architectures lists the platforms iPXE binaries can be built for. Also
// published as the architectures data source.
func Architectures() []map[string]string {
	return []map[string]string{
		{"name": "amd64", "description": "64-bit x86"},
		{"name": "arm64", "description": "64-bit ARM"},
	}
}

// IPXECommitIDs lists the upstream iPXE revisions offered to the build
// task. Also published as the ipxe_commit_ids data source.
// TODO sample these from the ipxe repo on a slow tick (every few hours)
// instead of pinning them here.
func IPXECommitIDs() []map[string]string {
	return []map[string]string{
		{"commit_id": "f24a279", "name": "Latest Commit (Oct 28, 2021)"},
		{"commit_id": "e6f9054", "name": "Last Stable (Oct 20, 2020)"},
		{"commit_id": "988d2c1", "name": "Latest Tag 1.21.1 (Dec 31, 2020)"},
		{"commit_id": "8f1514a", "name": "Next Latest Tag 1.20.1 (Jan 2, 2020)"},
		{"commit_id": "13a6d17", "name": "Previous one we marked stable in old netbootstudio (Nov 29, 2020)"},
		{"commit_id": "53e9fb5", "name": "Very old Tag v 1.0.0 (Feb 2, 2010)"},
	}
}
