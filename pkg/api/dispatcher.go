// Package api implements the message dispatcher and the HTTPS server in
// front of it. One handler table serves both origins: POST /api bodies
// from the web UI and envelopes arriving on the api_request topic.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/bishopdynamics/netbootstudio/internal/logger"
	"github.com/bishopdynamics/netbootstudio/internal/telemetry"
	"github.com/bishopdynamics/netbootstudio/pkg/bus"
	"github.com/bishopdynamics/netbootstudio/pkg/clients"
	"github.com/bishopdynamics/netbootstudio/pkg/config"
	"github.com/bishopdynamics/netbootstudio/pkg/files"
	"github.com/bishopdynamics/netbootstudio/pkg/message"
	"github.com/bishopdynamics/netbootstudio/pkg/metrics"
	"github.com/bishopdynamics/netbootstudio/pkg/tasks"
)

// Bus is the subset of the bus client the dispatcher needs. Satisfied by
// *bus.Client.
type Bus interface {
	Publish(topic string, m *message.Message) error
	Subscribe(topic string, h bus.Handler) error
}

// handlerFunc processes one endpoint's payload. Handlers never return a
// bare error; they build the uniform response themselves so the reason
// lands in api_payload.error exactly as written.
type handlerFunc func(ctx context.Context, payload json.RawMessage) message.Response

// Dispatcher routes api requests to endpoint handlers. It is safe for
// concurrent use; all mutable state lives behind the managers it wraps.
type Dispatcher struct {
	bus     Bus
	sender  string
	clients *clients.Manager
	tasks   *tasks.Manager
	files   *files.Manager
	roots   *files.Scanner

	handlers map[string]handlerFunc
}

// NewDispatcher wires the handler table over the given managers.
func NewDispatcher(paths config.Paths, b Bus, cm *clients.Manager, tm *tasks.Manager, fm *files.Manager) *Dispatcher {
	d := &Dispatcher{
		bus:     b,
		sender:  fmt.Sprintf("dispatcher-%s", uuid.NewString()),
		clients: cm,
		tasks:   tm,
		files:   fm,
		roots:   files.NewScanner(paths),
	}
	d.handlers = map[string]handlerFunc{
		"get_settings":             d.getSettings,
		"set_settings":             d.setSettings,
		"get_clients":              d.getClients,
		"get_client":               d.getClient,
		"set_client_config":        d.setClientConfig,
		"set_client_info":          d.setClientInfo,
		"delete_client":            d.deleteClient,
		"get_boot_images":          d.listGetter(files.ListBootImages),
		"get_unattended_configs":   d.listGetter(files.ListUnattendedConfigs),
		"get_uboot_scripts":        d.listGetter(files.ListUbootScripts),
		"get_stage1_files":         d.listGetter(files.ListStage1Files),
		"get_stage4":               d.listGetter(files.ListStage4),
		"get_tftp_root":            d.listGetter(files.ListTFTPRoot),
		"get_iso":                  d.listGetter(files.ListISO),
		"get_ipxe_builds":          d.listGetter(files.ListIPXEBuilds),
		"get_wimboot_builds":       d.listGetter(files.ListWimbootBuilds),
		"get_architectures":        staticGetter(Architectures()),
		"get_ipxe_commit_ids":      staticGetter(IPXECommitIDs()),
		"create_task":              d.createTask,
		"task_action":              d.taskAction,
		"get_file":                 d.getFile,
		"save_file":                d.saveFile,
		"delete_boot_image":        d.deleteBootImage,
		"delete_unattended_config": d.deleteListedFile(files.ListUnattendedConfigs),
		"delete_uboot_script":      d.deleteListedFile(files.ListUbootScripts),
		"delete_stage1_file":       d.deleteListedFile(files.ListStage1Files),
		"delete_stage4":            d.deleteListedFile(files.ListStage4),
		"delete_tftp_root":         d.deleteListedFile(files.ListTFTPRoot),
		"delete_iso":               d.deleteListedFile(files.ListISO),
		"delete_ipxe_build":        d.deleteBuildDir(files.ListIPXEBuilds),
		"delete_wimboot_build":     d.deleteBuildDir(files.ListWimbootBuilds),
	}
	return d
}

// Start subscribes the dispatcher to the api_request topic so broker
// callers reach the same handler table the web UI does.
func (d *Dispatcher) Start(ctx context.Context) error {
	return d.bus.Subscribe(bus.TopicAPIRequest, func(msg *message.Message) {
		d.handleBusMessage(ctx, msg)
	})
}

// Dispatch resolves the endpoint and runs its handler. Every response is
// decorated with the request identity before it leaves, success or
// failure.
func (d *Dispatcher) Dispatch(ctx context.Context, req *message.Request) message.Response {
	ctx, span := telemetry.StartSpan(ctx, "api.dispatch", telemetry.Endpoint(req.Endpoint))
	defer span.End()

	var resp message.Response
	label := req.Endpoint
	if h, ok := d.handlers[req.Endpoint]; ok {
		resp = d.run(ctx, h, req)
	} else {
		logger.Error("unrecognized api endpoint", "endpoint", req.Endpoint)
		resp = failure("unrecognized endpoint")
		// keep the metric label space bounded
		label = "unknown"
	}
	if m := metrics.Core(); m != nil {
		m.APIRequests.WithLabelValues(label, strconv.Itoa(resp.Status)).Inc()
	}
	return resp.Decorate(req)
}

// run executes a handler, converting panics into the generic failure the
// caller sees. A broken handler must not take the dispatcher down.
func (d *Dispatcher) run(ctx context.Context, h handlerFunc, req *message.Request) (resp message.Response) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while processing api call", "endpoint", req.Endpoint, "panic", r)
			resp = failure("internal server exception")
		}
	}()
	return h(ctx, req.Payload)
}

// handleBusMessage serves one envelope from the api_request topic. The
// reply keeps the caller's message id so it can match responses to
// requests on the shared api_response topic.
func (d *Dispatcher) handleBusMessage(ctx context.Context, msg *message.Message) {
	var req message.Request
	if err := msg.Decode(&req); err != nil {
		logger.Error("undecodable api request", "sender", msg.Sender, "error", err)
		return
	}
	resp := d.Dispatch(ctx, &req)
	out, err := message.New(d.sender, bus.TopicAPIResponse, resp)
	if err != nil {
		logger.Error("failed to encode api response", "endpoint", req.Endpoint, "error", err)
		return
	}
	out.ID = msg.ID
	if err := d.bus.Publish(bus.TopicAPIResponse, out); err != nil {
		logger.Error("failed to publish api response", "endpoint", req.Endpoint, "error", err)
	}
}

// success wraps a handler result in the uniform 200 shape.
func success(result any) message.Response {
	return message.Success(map[string]any{"result": result})
}

// failure wraps a reason in the uniform 500 shape.
func failure(reason string) message.Response {
	return message.Failure(errors.New(reason))
}

// warnExtraKeys flags payload keys sent to endpoints that take none. The
// request still succeeds; old UI versions are chatty but harmless.
func warnExtraKeys(payload json.RawMessage) {
	if len(payload) == 0 {
		return
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return
	}
	if len(m) > 0 {
		logger.Warn("this endpoint does not take any payload keys")
	}
}
