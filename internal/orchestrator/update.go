package orchestrator

import (
	"context"
	"fmt"

	"github.com/KevinKickass/MachineConnect/internal/edge"
	"github.com/KevinKickass/MachineConnect/internal/storage"
	"github.com/KevinKickass/MachineConnect/internal/types"
	"go.uber.org/zap"
)

// update reconfigures the components of an existing connection. The record is
// marked UPDATE while the workflow runs and always returns to its previous
// running state, whether the update succeeds or not.
func (o *Orchestrator) update(ctx context.Context, def types.ConnectionDefinition) error {
	device, err := o.devices.GetDevice(ctx, def.GreengrassCoreDeviceName)
	if err != nil {
		return err
	}

	adapter, err := o.adapter(def.Protocol)
	if err != nil {
		return err
	}
	r := o.newRun(types.ControlUpdate, def, device, adapter)

	existing, err := o.connections.GetConnection(ctx, def.ConnectionName)
	if err != nil {
		return o.fail(ctx, r, "load record", err)
	}
	if existing.Protocol != def.Protocol {
		return fmt.Errorf("%w: connection %s uses %s, not %s",
			types.ErrInvalidDefinition, def.ConnectionName, existing.Protocol, def.Protocol)
	}

	previous := restorableControl(existing.Control)
	if previous != existing.Control {
		r.logger.Warn("Connection was left in an in-flight state",
			zap.String("stored_control", string(existing.Control)),
			zap.String("restoring", string(previous)))
	}
	running := previous.IsRunning()

	if err := o.setControl(ctx, def.ConnectionName, types.ControlUpdate); err != nil {
		return o.fail(ctx, r, "mark updating", err)
	}
	r.rb.push("restore control", func(ctx context.Context) error {
		return o.setControl(ctx, def.ConnectionName, previous)
	})

	// No component or source has been touched if this fails.
	if err := adapter.checkUpdate(ctx, r, existing); err != nil {
		return o.fail(ctx, r, "check", err)
	}

	if err := adapter.updateProtocolPart(ctx, r, existing, running); err != nil {
		return o.fail(ctx, r, "protocol", err)
	}

	reconfigure, err := adapter.reconfiguration(r.def)
	if err != nil {
		return o.fail(ctx, r, "reconfiguration", err)
	}

	if err := o.runDeployment(ctx, device, edge.DeploymentRequest{ToReconfigure: reconfigure}); err != nil {
		return o.fail(ctx, r, "deployment", err)
	}

	r.def.Control = previous
	if err := o.connections.UpdateConnection(ctx, def.ConnectionName, storage.ConnectionPatch{
		Control:    &previous,
		Definition: &r.def,
	}); err != nil {
		return o.fail(ctx, r, "write record", err)
	}

	if err := adapter.afterUpdate(ctx, r, running); err != nil {
		return o.fail(ctx, r, "restart collector", err)
	}

	r.logger.Info("Connection updated", zap.Bool("running", running))
	o.reportUsage(ctx, r)

	return nil
}

// restorableControl is the state a record returns to after a failed or
// finished workflow. Records left in an in-flight state by an interrupted run
// are treated as stopped.
func restorableControl(c types.Control) types.Control {
	if c == types.ControlStart || c == types.ControlStop {
		return c
	}
	return types.ControlStop
}
