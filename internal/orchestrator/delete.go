package orchestrator

import (
	"context"

	"github.com/KevinKickass/MachineConnect/internal/edge"
	"github.com/KevinKickass/MachineConnect/internal/types"
	"go.uber.org/zap"
)

// delete removes a connection's components from its device. The record is
// only deleted once the removal deployment has completed, so a failed delete
// can be retried.
func (o *Orchestrator) delete(ctx context.Context, def types.ConnectionDefinition) error {
	existing, err := o.connections.GetConnection(ctx, def.ConnectionName)
	if err != nil {
		o.logger.Error("Failed to load connection for delete",
			zap.String("connection", def.ConnectionName),
			zap.Error(err))
		o.publishError(def.ConnectionName, msgDeleteFailed)
		return raised(types.ControlDelete, def.ConnectionName, err)
	}

	// The stored definition is authoritative for protocol, server name and device.
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
	r := o.newRun(types.ControlDelete, stored, device, adapter)

	// Unwound last: an OPC DA collector is told to stop on any failure.
	r.rb.push("safety stop", func(ctx context.Context) error {
		adapter.deleteFailed(r)
		return nil
	})

	previous := restorableControl(existing.Control)
	running := previous.IsRunning()

	if err := o.setControl(ctx, stored.ConnectionName, types.ControlDelete); err != nil {
		return o.fail(ctx, r, "mark deleting", err)
	}
	r.rb.push("restore control", func(ctx context.Context) error {
		return o.setControl(ctx, stored.ConnectionName, previous)
	})

	if err := adapter.deleteProtocolPart(ctx, r, existing, running); err != nil {
		return o.fail(ctx, r, "protocol", err)
	}

	names := adapter.componentNames(stored.ConnectionName)
	if err := o.deleteComponents(ctx, names); err != nil {
		return o.fail(ctx, r, "delete components", err)
	}

	if err := o.runDeployment(ctx, device, edge.DeploymentRequest{ToRemove: names}); err != nil {
		return o.fail(ctx, r, "deployment", err)
	}

	if err := o.connections.DeleteConnection(ctx, stored.ConnectionName); err != nil {
		return o.fail(ctx, r, "delete record", err)
	}

	// The record is gone; a retry could not fix the counter, so only log.
	if err := o.devices.UpdateConnectionCount(ctx, device.DeviceName, false); err != nil {
		r.logger.Error("Failed to decrement connection count", zap.Error(err))
	}

	if err := adapter.afterDelete(ctx, r); err != nil {
		r.logger.Warn("Failed to stop collector after delete", zap.Error(err))
	}

	r.logger.Info("Connection deleted")
	o.reportUsage(ctx, r)

	return nil
}
