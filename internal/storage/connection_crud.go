package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/KevinKickass/MachineConnect/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// AddConnection inserts a connection record with the given lifecycle state.
func (p *PostgresClient) AddConnection(ctx context.Context, def types.ConnectionDefinition, control types.Control) error {
	defJSON, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO connections (id, connection_name, protocol, control, server_name, greengrass_core_device_name, definition)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New(),
		def.ConnectionName,
		string(def.Protocol),
		string(control),
		def.ServerName(),
		def.GreengrassCoreDeviceName,
		defJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert connection: %w", err)
	}

	return nil
}

// GetConnection loads a connection record by name.
func (p *PostgresClient) GetConnection(ctx context.Context, name string) (*Connection, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, connection_name, protocol, control, definition, created_at, updated_at
		FROM connections
		WHERE connection_name = $1
	`, name)

	conn, err := scanConnection(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrConnectionNotFound, name)
		}
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}

	return conn, nil
}

// GetConnectionsByServerName returns every connection of the protocol that
// uses the server name.
func (p *PostgresClient) GetConnectionsByServerName(ctx context.Context, protocol types.Protocol, serverName string) ([]Connection, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, connection_name, protocol, control, definition, created_at, updated_at
		FROM connections
		WHERE protocol = $1 AND server_name = $2
		ORDER BY connection_name
	`, string(protocol), serverName)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()

	connections := make([]Connection, 0)
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		connections = append(connections, *conn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate connections: %w", err)
	}

	return connections, nil
}

// UpdateConnection applies a partial update to a connection record.
func (p *PostgresClient) UpdateConnection(ctx context.Context, name string, patch ConnectionPatch) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if patch.Definition != nil {
		defJSON, err := json.Marshal(patch.Definition)
		if err != nil {
			return fmt.Errorf("failed to marshal definition: %w", err)
		}

		result, err := tx.Exec(ctx, `
			UPDATE connections
			SET definition = $2, server_name = $3, updated_at = NOW()
			WHERE connection_name = $1
		`, name, defJSON, patch.Definition.ServerName())
		if err != nil {
			return fmt.Errorf("failed to update connection definition: %w", err)
		}
		if result.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrConnectionNotFound, name)
		}
	}

	if patch.Control != nil {
		result, err := tx.Exec(ctx, `
			UPDATE connections
			SET control = $2, updated_at = NOW()
			WHERE connection_name = $1
		`, name, string(*patch.Control))
		if err != nil {
			return fmt.Errorf("failed to update connection control: %w", err)
		}
		if result.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrConnectionNotFound, name)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// DeleteConnection removes a connection record.
func (p *PostgresClient) DeleteConnection(ctx context.Context, name string) error {
	result, err := p.pool.Exec(ctx, `
		DELETE FROM connections
		WHERE connection_name = $1
	`, name)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, name)
	}

	return nil
}

func scanConnection(row pgx.Row) (*Connection, error) {
	var conn Connection
	var protocol, control string
	var defJSON []byte

	err := row.Scan(
		&conn.ID,
		&conn.ConnectionName,
		&protocol,
		&control,
		&defJSON,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(defJSON, &conn.Definition); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
	}

	conn.Protocol = types.Protocol(protocol)
	conn.Control = types.Control(control)

	return &conn, nil
}
