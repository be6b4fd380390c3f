package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetCapabilityDocument loads the configuration document of a gateway
// capability. ErrCapabilityNotFound is returned when it was never written.
func (p *PostgresClient) GetCapabilityDocument(ctx context.Context, gatewayID, namespace string) (*CapabilityDocument, error) {
	doc := CapabilityDocument{GatewayID: gatewayID, Namespace: namespace}
	err := p.pool.QueryRow(ctx, `
		SELECT document, version, updated_at
		FROM gateway_capabilities
		WHERE gateway_id = $1 AND namespace = $2
	`, gatewayID, namespace).Scan(&doc.Document, &doc.Version, &doc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s (%s)", ErrCapabilityNotFound, gatewayID, namespace)
		}
		return nil, fmt.Errorf("failed to load gateway capability: %w", err)
	}

	return &doc, nil
}

// PutCapabilityDocument writes the document if the stored version still
// equals doc.Version and bumps the version. A lost race returns
// ErrCapabilityConflict; doc.Version is updated on success.
func (p *PostgresClient) PutCapabilityDocument(ctx context.Context, doc *CapabilityDocument) error {
	var (
		newVersion int64
		err        error
	)

	if doc.Version == 0 {
		err = p.pool.QueryRow(ctx, `
			INSERT INTO gateway_capabilities (gateway_id, namespace, document, version)
			VALUES ($1, $2, $3, 1)
			ON CONFLICT (gateway_id, namespace) DO NOTHING
			RETURNING version
		`, doc.GatewayID, doc.Namespace, doc.Document).Scan(&newVersion)
	} else {
		err = p.pool.QueryRow(ctx, `
			UPDATE gateway_capabilities
			SET document = $3, version = version + 1, updated_at = NOW()
			WHERE gateway_id = $1 AND namespace = $2 AND version = $4
			RETURNING version
		`, doc.GatewayID, doc.Namespace, doc.Document, doc.Version).Scan(&newVersion)
	}

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s (%s) at version %d", ErrCapabilityConflict, doc.GatewayID, doc.Namespace, doc.Version)
		}
		return fmt.Errorf("failed to write gateway capability: %w", err)
	}

	doc.Version = newVersion
	return nil
}
