package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/KevinKickass/MachineConnect/internal/types"
	"github.com/jackc/pgx/v5"
)

// SaveDevice registers a device or refreshes its identity. The connection
// counter of an existing device is kept.
func (p *PostgresClient) SaveDevice(ctx context.Context, device types.Device) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO devices (device_name, edge_thing_arn, gateway_id, token_hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_name)
		DO UPDATE SET
			edge_thing_arn = EXCLUDED.edge_thing_arn,
			gateway_id = EXCLUDED.gateway_id,
			token_hash = CASE WHEN EXCLUDED.token_hash = '' THEN devices.token_hash ELSE EXCLUDED.token_hash END,
			updated_at = NOW()
	`, device.DeviceName, device.EdgeThingArn, device.GatewayID, device.TokenHash)
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}

	return nil
}

// GetDevice loads a device record by name.
func (p *PostgresClient) GetDevice(ctx context.Context, name string) (*types.Device, error) {
	var device types.Device
	err := p.pool.QueryRow(ctx, `
		SELECT device_name, edge_thing_arn, gateway_id, connection_count, token_hash
		FROM devices
		WHERE device_name = $1
	`, name).Scan(
		&device.DeviceName,
		&device.EdgeThingArn,
		&device.GatewayID,
		&device.ConnectionCount,
		&device.TokenHash,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
		}
		return nil, fmt.Errorf("failed to load device: %w", err)
	}

	return &device, nil
}

// UpdateConnectionCount increments or decrements the device's connection
// counter. The counter is clamped at zero.
func (p *PostgresClient) UpdateConnectionCount(ctx context.Context, name string, increment bool) error {
	delta := -1
	if increment {
		delta = 1
	}

	result, err := p.pool.Exec(ctx, `
		UPDATE devices
		SET connection_count = GREATEST(connection_count + $2, 0), updated_at = NOW()
		WHERE device_name = $1
	`, name, delta)
	if err != nil {
		return fmt.Errorf("failed to update connection count: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
	}

	return nil
}
