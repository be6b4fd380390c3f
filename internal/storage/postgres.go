package storage

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/KevinKickass/MachineConnect/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

type PostgresClient struct {
	pool *pgxpool.Pool
}

func NewPostgresClient(cfg config.DatabaseConfig) (*PostgresClient, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{pool: pool}, nil
}

// EnsureSchema creates the tables used by the connection store, the device
// registry and the gateway capability documents if they do not exist yet.
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresClient) Close() {
	p.pool.Close()
}

func (p *PostgresClient) Pool() *pgxpool.Pool {
	return p.pool
}
