package storage

import (
	"errors"
	"time"

	"github.com/KevinKickass/MachineConnect/internal/types"
	"github.com/google/uuid"
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrCapabilityNotFound = errors.New("gateway capability not provisioned")
	ErrCapabilityConflict = errors.New("gateway capability was modified concurrently")
)

// Connection is the persisted record of a connection. Control holds the
// current lifecycle state (start, stop, or an in-flight update/delete marker).
type Connection struct {
	ID             uuid.UUID                  `json:"id"`
	ConnectionName string                     `json:"connection_name"`
	Protocol       types.Protocol             `json:"protocol"`
	Control        types.Control              `json:"control"`
	Definition     types.ConnectionDefinition `json:"definition"` // JSONB
	CreatedAt      time.Time                  `json:"created_at"`
	UpdatedAt      time.Time                  `json:"updated_at"`
}

// ConnectionPatch is a partial update. Nil fields are left untouched.
type ConnectionPatch struct {
	Control    *types.Control
	Definition *types.ConnectionDefinition
}

// CapabilityDocument is the JSON configuration of one gateway capability.
// Version is an optimistic concurrency token: writes only succeed against the
// version that was read. Version 0 means the document does not exist yet.
type CapabilityDocument struct {
	GatewayID string    `json:"gateway_id"`
	Namespace string    `json:"namespace"`
	Document  []byte    `json:"document"` // JSONB
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}
