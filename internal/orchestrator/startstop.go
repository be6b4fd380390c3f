package orchestrator

import (
	"context"

	"github.com/KevinKickass/MachineConnect/internal/storage"
	"github.com/KevinKickass/MachineConnect/internal/types"
	"go.uber.org/zap"
)

func (o *Orchestrator) start(ctx context.Context, def types.ConnectionDefinition) error {
	return o.toggle(ctx, def, types.ControlStart)
}

func (o *Orchestrator) stop(ctx context.Context, def types.ConnectionDefinition) error {
	return o.toggle(ctx, def, types.ControlStop)
}

// toggle starts or stops a deployed connection without a deployment: an OPC DA
// collector gets a job message, an OPC UA connection gets its source
// registered or removed. A connection already in the target state is left alone.
func (o *Orchestrator) toggle(ctx context.Context, def types.ConnectionDefinition, target types.Control) error {
	existing, err := o.connections.GetConnection(ctx, def.ConnectionName)
	if err != nil {
		o.logger.Error("Failed to load connection",
			zap.String("connection", def.ConnectionName),
			zap.String("control", string(target)),
			zap.Error(err))
		o.publishError(def.ConnectionName, workflowMessages[target])
		return raised(target, def.ConnectionName, err)
	}

	stored := existing.Definition
	stored.ConnectionName = existing.ConnectionName
	stored.Protocol = existing.Protocol

	device, err := o.devices.GetDevice(ctx, stored.GreengrassCoreDeviceName)
	if err != nil {
		return err
	}

	adapter, err := o.adapter(stored.Protocol)
	if err != nil {
		return err
	}
	r := o.newRun(target, stored, device, adapter)

	if existing.Control == target {
		r.logger.Info("Connection already in requested state")
		return nil
	}

	r.def.Control = target
	if target == types.ControlStart {
		err = adapter.start(ctx, r)
	} else {
		err = adapter.stop(ctx, r)
	}
	if err != nil {
		return o.fail(ctx, r, string(target), err)
	}

	if err := o.connections.UpdateConnection(ctx, r.def.ConnectionName, storage.ConnectionPatch{
		Control:    &target,
		Definition: &r.def,
	}); err != nil {
		return o.fail(ctx, r, "write record", err)
	}

	r.logger.Info("Connection state changed")
	o.reportUsage(ctx, r)

	return nil
}
