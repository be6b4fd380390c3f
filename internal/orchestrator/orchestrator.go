package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/KevinKickass/MachineConnect/internal/channel"
	"github.com/KevinKickass/MachineConnect/internal/config"
	"github.com/KevinKickass/MachineConnect/internal/edge"
	"github.com/KevinKickass/MachineConnect/internal/sources"
	"github.com/KevinKickass/MachineConnect/internal/storage"
	"github.com/KevinKickass/MachineConnect/internal/types"
	"go.uber.org/zap"
)

// ConnectionStore persists connection records.
type ConnectionStore interface {
	AddConnection(ctx context.Context, def types.ConnectionDefinition, control types.Control) error
	GetConnection(ctx context.Context, name string) (*storage.Connection, error)
	GetConnectionsByServerName(ctx context.Context, protocol types.Protocol, serverName string) ([]storage.Connection, error)
	UpdateConnection(ctx context.Context, name string, patch storage.ConnectionPatch) error
	DeleteConnection(ctx context.Context, name string) error
}

// DeviceRegistry resolves edge core devices.
type DeviceRegistry interface {
	GetDevice(ctx context.Context, name string) (*types.Device, error)
	UpdateConnectionCount(ctx context.Context, name string, increment bool) error
}

// ComponentManager manages edge components and deployments.
type ComponentManager interface {
	CreateComponent(ctx context.Context, spec edge.ComponentSpec) (string, error)
	DeleteComponent(ctx context.Context, name string) error
	SubmitDeployment(ctx context.Context, req edge.DeploymentRequest) (string, error)
	GetDeploymentStatus(ctx context.Context, deploymentID string) (edge.DeploymentStatus, error)
}

// SourceRegistry manages the OPC UA sources of a gateway.
type SourceRegistry interface {
	GetByName(ctx context.Context, gatewayID, name string) (sources.Source, bool, error)
	Add(ctx context.Context, gatewayID string, def types.ConnectionDefinition) (sources.Source, error)
	AddExisting(ctx context.Context, gatewayID string, src sources.Source) error
	Remove(ctx context.Context, gatewayID, name string) error
}

// CommandPublisher sends job and error messages to devices, fire-and-forget.
type CommandPublisher interface {
	Publish(connectionName string, kind channel.Kind, payload any)
}

// UsageReporter sends anonymous usage metrics, best-effort.
type UsageReporter interface {
	Report(ctx context.Context, data map[string]any)
}

// Instrumentation receives workflow telemetry.
type Instrumentation interface {
	WorkflowFinished(control, protocol string, err error, duration time.Duration)
	DeploymentPolled(status string)
	RollbackStarted(control, protocol string)
}

type Dependencies struct {
	Connections ConnectionStore
	Devices     DeviceRegistry
	Components  ComponentManager
	Sources     SourceRegistry
	Commands    CommandPublisher
	Usage       UsageReporter

	// Optional
	Instruments Instrumentation
}

type workflowFunc func(ctx context.Context, def types.ConnectionDefinition) error

// Orchestrator turns connection definitions into edge component deployments.
// Each Handle call runs one workflow strictly sequentially.
type Orchestrator struct {
	connections ConnectionStore
	devices     DeviceRegistry
	components  ComponentManager
	sources     SourceRegistry
	commands    CommandPublisher
	usage       UsageReporter
	instruments Instrumentation

	cfg    config.OrchestratorConfig
	logger *zap.Logger

	workflows map[types.Control]workflowFunc
	adapters  map[types.Protocol]protocolAdapter
}

func New(deps Dependencies, cfg config.OrchestratorConfig, logger *zap.Logger) *Orchestrator {
	o := &Orchestrator{
		connections: deps.Connections,
		devices:     deps.Devices,
		components:  deps.Components,
		sources:     deps.Sources,
		commands:    deps.Commands,
		usage:       deps.Usage,
		instruments: deps.Instruments,
		cfg:         cfg,
		logger:      logger,
	}
	if o.instruments == nil {
		o.instruments = noopInstruments{}
	}

	o.workflows = map[types.Control]workflowFunc{
		types.ControlDeploy: o.deploy,
		types.ControlUpdate: o.update,
		types.ControlDelete: o.delete,
		types.ControlStart:  o.start,
		types.ControlStop:   o.stop,
	}
	o.adapters = map[types.Protocol]protocolAdapter{
		types.ProtocolOPCDA: &opcDaAdapter{o: o},
		types.ProtocolOPCUA: &opcUaAdapter{o: o},
	}

	return o
}

// Handle runs the workflow selected by def.Control. Unknown controls and
// malformed definitions are rejected before any side effect.
func (o *Orchestrator) Handle(ctx context.Context, def types.ConnectionDefinition) error {
	control, err := types.ParseControl(string(def.Control))
	if err != nil {
		return err
	}
	def.Control = control

	// Delete, start and stop act on the stored definition; the request only names the connection.
	switch control {
	case types.ControlDeploy, types.ControlUpdate:
		if err := def.Validate(); err != nil {
			return err
		}
	default:
		if strings.TrimSpace(def.ConnectionName) == "" {
			return fmt.Errorf("%w: connection name is required", types.ErrInvalidDefinition)
		}
	}

	workflow, ok := o.workflows[control]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrUnsupportedControl, control)
	}

	o.logger.Info("Connection workflow started",
		zap.String("connection", def.ConnectionName),
		zap.String("control", string(control)),
		zap.String("protocol", string(def.Protocol)))

	started := time.Now()
	err = workflow(ctx, def)
	o.instruments.WorkflowFinished(string(control), string(def.Protocol), err, time.Since(started))

	if err != nil {
		o.logger.Error("Connection workflow failed",
			zap.String("connection", def.ConnectionName),
			zap.String("control", string(control)),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err))
		return err
	}

	o.logger.Info("Connection workflow completed",
		zap.String("connection", def.ConnectionName),
		zap.String("control", string(control)),
		zap.Duration("elapsed", time.Since(started)))

	return nil
}

func (o *Orchestrator) adapter(protocol types.Protocol) (protocolAdapter, error) {
	a, ok := o.adapters[protocol]
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrUnsupportedProtocol, protocol)
	}
	return a, nil
}

// run carries the state of one workflow invocation.
type run struct {
	control types.Control
	def     types.ConnectionDefinition
	device  *types.Device
	adapter protocolAdapter
	rb      *rollback
	logger  *zap.Logger
}

func (o *Orchestrator) newRun(control types.Control, def types.ConnectionDefinition, device *types.Device, adapter protocolAdapter) *run {
	logger := o.logger.With(
		zap.String("connection", def.ConnectionName),
		zap.String("control", string(control)),
		zap.String("device", device.DeviceName))

	return &run{
		control: control,
		def:     cloneDefinition(def),
		device:  device,
		adapter: adapter,
		rb:      newRollback(logger),
		logger:  logger,
	}
}

// fail publishes the ERROR message, unwinds the compensation stack and
// returns the error to raise.
func (o *Orchestrator) fail(ctx context.Context, r *run, step string, cause error) error {
	r.logger.Error("Workflow step failed",
		zap.String("step", step),
		zap.Error(cause))

	err := raised(r.control, r.def.ConnectionName, cause)
	o.publishError(r.def.ConnectionName, err.Error())

	o.instruments.RollbackStarted(string(r.control), string(r.def.Protocol))
	r.rb.run(ctx)

	return err
}

func (o *Orchestrator) publishError(connectionName, message string) {
	o.commands.Publish(connectionName, channel.KindError, channel.NewErrorReport(connectionName, message))
}

func (o *Orchestrator) publishStart(def types.ConnectionDefinition) {
	o.commands.Publish(def.ConnectionName, channel.KindJob, channel.StartJob(def))
}

func (o *Orchestrator) publishStop(connectionName string) {
	o.commands.Publish(connectionName, channel.KindJob, channel.NewStopJob(connectionName))
}

// reportUsage sends the anonymous metric of a successful workflow.
func (o *Orchestrator) reportUsage(ctx context.Context, r *run) {
	data := map[string]any{
		"event":    strings.ToUpper(string(r.control)),
		"protocol": strings.ToUpper(string(r.def.Protocol)),
	}
	for k, v := range r.adapter.usageData(r.def) {
		data[k] = v
	}
	o.usage.Report(ctx, data)
}

// deleteComponents removes every component implied by the protocol. Absent
// components are not an error; all names are attempted even if one fails.
func (o *Orchestrator) deleteComponents(ctx context.Context, names []string) error {
	var firstErr error
	for _, name := range names {
		if err := o.components.DeleteComponent(ctx, name); err != nil {
			o.logger.Warn("Failed to delete component",
				zap.String("component", name),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (o *Orchestrator) setControl(ctx context.Context, name string, control types.Control) error {
	return o.connections.UpdateConnection(ctx, name, storage.ConnectionPatch{Control: &control})
}

type noopInstruments struct{}

func (noopInstruments) WorkflowFinished(string, string, error, time.Duration) {}
func (noopInstruments) DeploymentPolled(string)                              {}
func (noopInstruments) RollbackStarted(string, string)                       {}

// cloneDefinition copies the protocol configs so a workflow can amend its
// definition without touching the caller's.
func cloneDefinition(def types.ConnectionDefinition) types.ConnectionDefinition {
	if def.OpcDa != nil {
		da := *def.OpcDa
		da.ListTags = append([]string(nil), def.OpcDa.ListTags...)
		da.Tags = append([]string(nil), def.OpcDa.Tags...)
		def.OpcDa = &da
	}
	if def.OpcUa != nil {
		ua := *def.OpcUa
		ua.Source = append([]byte(nil), def.OpcUa.Source...)
		def.OpcUa = &ua
	}
	return def
}
