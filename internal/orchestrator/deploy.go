package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/KevinKickass/MachineConnect/internal/edge"
	"github.com/KevinKickass/MachineConnect/internal/storage"
	"github.com/KevinKickass/MachineConnect/internal/types"
)

// deploy creates the components of a new connection and deploys them to its
// device. Any failure after the record is written rolls everything back, so
// a failed deploy leaves no record behind.
func (o *Orchestrator) deploy(ctx context.Context, def types.ConnectionDefinition) error {
	// Lookup failures are returned as-is; nothing has been changed yet.
	device, err := o.devices.GetDevice(ctx, def.GreengrassCoreDeviceName)
	if err != nil {
		return err
	}

	adapter, err := o.adapter(def.Protocol)
	if err != nil {
		return err
	}
	r := o.newRun(types.ControlDeploy, def, device, adapter)

	if err := adapter.checkDeploy(ctx, r); err != nil {
		return o.fail(ctx, r, "check", err)
	}

	if err := o.connections.AddConnection(ctx, r.def, types.ControlDeploy); err != nil {
		return o.fail(ctx, r, "add record", err)
	}
	r.rb.push("delete record", func(ctx context.Context) error {
		err := o.connections.DeleteConnection(ctx, r.def.ConnectionName)
		if errors.Is(err, storage.ErrConnectionNotFound) {
			return nil
		}
		return err
	})

	names := adapter.componentNames(r.def.ConnectionName)
	r.rb.push("delete components", func(ctx context.Context) error {
		return o.deleteComponents(ctx, names)
	})

	created, err := adapter.deployProtocolPart(ctx, r)
	if err != nil {
		return o.fail(ctx, r, "protocol", err)
	}

	publisher := edge.Publisher(r.def, o.cfg.ComponentVersion, o.cfg.StreamName, o.cfg.ArtifactBucket)
	if _, err := o.components.CreateComponent(ctx, publisher); err != nil {
		return o.fail(ctx, r, "create publisher", fmt.Errorf("failed to create publisher: %w", err))
	}
	created = append(created, publisher.Name)

	if err := o.runDeployment(ctx, device, edge.DeploymentRequest{ToAdd: created}); err != nil {
		return o.fail(ctx, r, "deployment", err)
	}

	r.def.Control = types.ControlStart
	running := types.ControlStart
	if err := o.connections.UpdateConnection(ctx, r.def.ConnectionName, storage.ConnectionPatch{
		Control:    &running,
		Definition: &r.def,
	}); err != nil {
		return o.fail(ctx, r, "mark started", err)
	}

	if err := o.devices.UpdateConnectionCount(ctx, device.DeviceName, true); err != nil {
		return o.fail(ctx, r, "count connection", err)
	}
	r.rb.push("uncount connection", func(ctx context.Context) error {
		return o.devices.UpdateConnectionCount(ctx, device.DeviceName, false)
	})

	if err := adapter.afterDeploy(ctx, r); err != nil {
		return o.fail(ctx, r, "start collector", err)
	}

	r.logger.Info("Connection deployed")
	o.reportUsage(ctx, r)

	return nil
}
