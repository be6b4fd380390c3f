package interfaces

import (
	"context"

	"github.com/KevinKickass/MachineConnect/internal/config"
	"github.com/KevinKickass/MachineConnect/internal/storage"
	"github.com/KevinKickass/MachineConnect/internal/types"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State            string `json:"state"`
	ConnectedDevices int    `json:"connected_devices"`
	InflightRequests int    `json:"inflight_requests"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
}

// WorkflowHandler runs one connection request to completion.
type WorkflowHandler interface {
	Handle(ctx context.Context, def types.ConnectionDefinition) error
}

type ConnectionReader interface {
	GetConnection(ctx context.Context, name string) (*storage.Connection, error)
}

type DeviceRegistry interface {
	GetDevice(ctx context.Context, name string) (*types.Device, error)
	SaveDevice(ctx context.Context, device types.Device) error
}

type LifecycleManager interface {
	Config() *config.Config
	Workflows() WorkflowHandler
	Connections() ConnectionReader
	Devices() DeviceRegistry
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
