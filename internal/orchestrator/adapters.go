package orchestrator

import (
	"context"
	"fmt"

	"github.com/KevinKickass/MachineConnect/internal/edge"
	"github.com/KevinKickass/MachineConnect/internal/sources"
	"github.com/KevinKickass/MachineConnect/internal/storage"
	"github.com/KevinKickass/MachineConnect/internal/types"
	"go.uber.org/zap"
)

// protocolAdapter holds everything that differs between OPC DA and OPC UA
// connections: the component set, the collector-or-source step and which
// device messages are sent.
type protocolAdapter interface {
	componentNames(connectionName string) []string

	// checkDeploy runs before anything is written.
	checkDeploy(ctx context.Context, r *run) error
	// deployProtocolPart creates the collector or registers the source and
	// returns the component names it created.
	deployProtocolPart(ctx context.Context, r *run) ([]string, error)
	afterDeploy(ctx context.Context, r *run) error

	checkUpdate(ctx context.Context, r *run, existing *storage.Connection) error
	updateProtocolPart(ctx context.Context, r *run, existing *storage.Connection, running bool) error
	reconfiguration(def types.ConnectionDefinition) (map[string]string, error)
	afterUpdate(ctx context.Context, r *run, running bool) error

	deleteProtocolPart(ctx context.Context, r *run, existing *storage.Connection, running bool) error
	afterDelete(ctx context.Context, r *run) error
	deleteFailed(r *run)

	start(ctx context.Context, r *run) error
	stop(ctx context.Context, r *run) error

	usageData(def types.ConnectionDefinition) map[string]any
}

type opcDaAdapter struct {
	o *Orchestrator
}

func (a *opcDaAdapter) componentNames(connectionName string) []string {
	return []string{edge.CollectorName(connectionName), edge.PublisherName(connectionName)}
}

func (a *opcDaAdapter) checkDeploy(ctx context.Context, r *run) error {
	return nil
}

func (a *opcDaAdapter) deployProtocolPart(ctx context.Context, r *run) ([]string, error) {
	// A collector is now in play; the device may already expect traffic.
	r.rb.push("stop collector", func(ctx context.Context) error {
		a.o.publishStop(r.def.ConnectionName)
		return nil
	})

	spec := edge.Collector(r.def, a.o.cfg.ComponentVersion, a.o.cfg.ArtifactBucket)
	if _, err := a.o.components.CreateComponent(ctx, spec); err != nil {
		return nil, fmt.Errorf("failed to create collector: %w", err)
	}

	return []string{spec.Name}, nil
}

func (a *opcDaAdapter) afterDeploy(ctx context.Context, r *run) error {
	if err := a.o.settle(ctx); err != nil {
		return err
	}
	a.o.publishStart(r.def)
	return nil
}

func (a *opcDaAdapter) checkUpdate(ctx context.Context, r *run, existing *storage.Connection) error {
	return nil
}

func (a *opcDaAdapter) updateProtocolPart(ctx context.Context, r *run, existing *storage.Connection, running bool) error {
	return nil
}

func (a *opcDaAdapter) reconfiguration(def types.ConnectionDefinition) (map[string]string, error) {
	collector, err := edge.SerializedMetadata(edge.KindCollector, def, a.o.cfg.StreamName)
	if err != nil {
		return nil, err
	}
	publisher, err := edge.SerializedMetadata(edge.KindPublisher, def, a.o.cfg.StreamName)
	if err != nil {
		return nil, err
	}

	return map[string]string{
		edge.CollectorName(def.ConnectionName): collector,
		edge.PublisherName(def.ConnectionName): publisher,
	}, nil
}

// afterUpdate restarts a running collector so it picks up the new configuration.
func (a *opcDaAdapter) afterUpdate(ctx context.Context, r *run, running bool) error {
	if !running {
		return nil
	}

	if err := a.o.settle(ctx); err != nil {
		return err
	}
	a.o.publishStop(r.def.ConnectionName)

	if err := a.o.settle(ctx); err != nil {
		return err
	}
	a.o.publishStart(r.def)

	return nil
}

func (a *opcDaAdapter) deleteProtocolPart(ctx context.Context, r *run, existing *storage.Connection, running bool) error {
	return nil
}

func (a *opcDaAdapter) afterDelete(ctx context.Context, r *run) error {
	if err := a.o.settle(ctx); err != nil {
		return err
	}
	a.o.publishStop(r.def.ConnectionName)
	return nil
}

func (a *opcDaAdapter) deleteFailed(r *run) {
	a.o.publishStop(r.def.ConnectionName)
}

func (a *opcDaAdapter) start(ctx context.Context, r *run) error {
	a.o.publishStart(r.def)
	r.rb.push("stop collector", func(ctx context.Context) error {
		a.o.publishStop(r.def.ConnectionName)
		return nil
	})
	return nil
}

func (a *opcDaAdapter) stop(ctx context.Context, r *run) error {
	a.o.publishStop(r.def.ConnectionName)
	r.rb.push("restart collector", func(ctx context.Context) error {
		a.o.publishStart(r.def)
		return nil
	})
	return nil
}

func (a *opcDaAdapter) usageData(def types.ConnectionDefinition) map[string]any {
	if def.OpcDa == nil {
		return nil
	}
	return map[string]any{
		"interval":      def.OpcDa.Interval,
		"iterations":    def.OpcDa.Iterations,
		"numberOfLists": len(def.OpcDa.ListTags),
		"numberOfTags":  len(def.OpcDa.Tags),
	}
}

type opcUaAdapter struct {
	o *Orchestrator
}

func (a *opcUaAdapter) componentNames(connectionName string) []string {
	return []string{edge.PublisherName(connectionName)}
}

// checkServerName fails when another connection already uses serverName.
func (a *opcUaAdapter) checkServerName(ctx context.Context, connectionName, serverName string) error {
	owners, err := a.o.connections.GetConnectionsByServerName(ctx, types.ProtocolOPCUA, serverName)
	if err != nil {
		return fmt.Errorf("failed to check server name: %w", err)
	}

	for _, c := range owners {
		if c.ConnectionName != connectionName {
			return &DuplicatedServerNameError{ServerName: serverName, Owner: c.ConnectionName}
		}
	}

	return nil
}

func (a *opcUaAdapter) checkDeploy(ctx context.Context, r *run) error {
	return a.checkServerName(ctx, r.def.ConnectionName, r.def.ServerName())
}

func (a *opcUaAdapter) deployProtocolPart(ctx context.Context, r *run) ([]string, error) {
	gatewayID := r.device.GatewayID
	serverName := r.def.ServerName()

	r.rb.push("unregister source", func(ctx context.Context) error {
		return a.o.sources.Remove(ctx, gatewayID, serverName)
	})

	src, err := a.o.sources.Add(ctx, gatewayID, r.def)
	if err != nil {
		return nil, fmt.Errorf("failed to register source: %w", err)
	}

	template, err := src.Template()
	if err != nil {
		return nil, err
	}
	r.def.OpcUa.Source = template

	return nil, nil
}

func (a *opcUaAdapter) afterDeploy(ctx context.Context, r *run) error {
	return nil
}

func (a *opcUaAdapter) checkUpdate(ctx context.Context, r *run, existing *storage.Connection) error {
	newName := r.def.ServerName()
	if newName == existing.Definition.ServerName() {
		return nil
	}
	return a.checkServerName(ctx, r.def.ConnectionName, newName)
}

// updateProtocolPart rebuilds the source from the new definition. A running
// connection gets the new source registered before the old one is removed; a
// stopped one only gets its stored template refreshed.
func (a *opcUaAdapter) updateProtocolPart(ctx context.Context, r *run, existing *storage.Connection, running bool) error {
	if len(r.def.OpcUa.Source) == 0 && existing.Definition.OpcUa != nil {
		r.def.OpcUa.Source = existing.Definition.OpcUa.Source
	}

	src, err := sources.BuildSource(r.def, a.o.cfg.StreamName)
	if err != nil {
		return err
	}

	if running {
		gatewayID := r.device.GatewayID
		oldName := existing.Definition.ServerName()
		renamed := oldName != src.Name

		previous, found, err := a.o.sources.GetByName(ctx, gatewayID, oldName)
		if err != nil {
			return fmt.Errorf("failed to read current source: %w", err)
		}

		r.rb.push("restore source", func(ctx context.Context) error {
			if renamed {
				if err := a.o.sources.Remove(ctx, gatewayID, src.Name); err != nil {
					return err
				}
			}
			if !found {
				return nil
			}
			return a.o.sources.AddExisting(ctx, gatewayID, previous)
		})

		if err := a.o.sources.AddExisting(ctx, gatewayID, src); err != nil {
			return fmt.Errorf("failed to register source: %w", err)
		}

		if renamed {
			if err := a.o.sources.Remove(ctx, gatewayID, oldName); err != nil {
				return fmt.Errorf("failed to remove previous source: %w", err)
			}
		}

		r.logger.Info("OPC UA source swapped",
			zap.String("from", oldName),
			zap.String("to", src.Name))
	}

	template, err := src.Template()
	if err != nil {
		return err
	}
	r.def.OpcUa.Source = template

	return nil
}

func (a *opcUaAdapter) reconfiguration(def types.ConnectionDefinition) (map[string]string, error) {
	publisher, err := edge.SerializedMetadata(edge.KindPublisher, def, a.o.cfg.StreamName)
	if err != nil {
		return nil, err
	}
	return map[string]string{edge.PublisherName(def.ConnectionName): publisher}, nil
}

func (a *opcUaAdapter) afterUpdate(ctx context.Context, r *run, running bool) error {
	return nil
}

// deleteProtocolPart unregisters the source of a running connection, looked
// up by the stored server name. Stopped connections have no source.
func (a *opcUaAdapter) deleteProtocolPart(ctx context.Context, r *run, existing *storage.Connection, running bool) error {
	if !running {
		return nil
	}
	return a.removeSource(ctx, r, existing.Definition.ServerName())
}

func (a *opcUaAdapter) afterDelete(ctx context.Context, r *run) error {
	return nil
}

func (a *opcUaAdapter) deleteFailed(r *run) {}

func (a *opcUaAdapter) start(ctx context.Context, r *run) error {
	gatewayID := r.device.GatewayID
	serverName := r.def.ServerName()

	r.rb.push("unregister source", func(ctx context.Context) error {
		return a.o.sources.Remove(ctx, gatewayID, serverName)
	})

	if _, err := a.o.sources.Add(ctx, gatewayID, r.def); err != nil {
		return fmt.Errorf("failed to register source: %w", err)
	}
	return nil
}

func (a *opcUaAdapter) stop(ctx context.Context, r *run) error {
	return a.removeSource(ctx, r, r.def.ServerName())
}

func (a *opcUaAdapter) removeSource(ctx context.Context, r *run, serverName string) error {
	gatewayID := r.device.GatewayID

	previous, found, err := a.o.sources.GetByName(ctx, gatewayID, serverName)
	if err != nil {
		return fmt.Errorf("failed to read current source: %w", err)
	}
	if found {
		r.rb.push("restore source", func(ctx context.Context) error {
			return a.o.sources.AddExisting(ctx, gatewayID, previous)
		})
	}

	if err := a.o.sources.Remove(ctx, gatewayID, serverName); err != nil {
		return fmt.Errorf("failed to unregister source: %w", err)
	}
	return nil
}

func (a *opcUaAdapter) usageData(def types.ConnectionDefinition) map[string]any {
	return nil
}
