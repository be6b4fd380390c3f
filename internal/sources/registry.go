package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/KevinKickass/MachineConnect/internal/storage"
	"github.com/KevinKickass/MachineConnect/internal/types"
	"go.uber.org/zap"
)

// Namespace of the gateway's OPC UA collector capability.
const Namespace = "iotsitewise:opcuacollector:2"

// CapabilityStore persists gateway capability documents with a version token.
type CapabilityStore interface {
	GetCapabilityDocument(ctx context.Context, gatewayID, namespace string) (*storage.CapabilityDocument, error)
	PutCapabilityDocument(ctx context.Context, doc *storage.CapabilityDocument) error
}

// Registry manages the list of OPC UA sources of a gateway. Every operation
// reads the whole list, changes it in memory and writes it back guarded by the
// version that was read, so a concurrent writer surfaces as
// storage.ErrCapabilityConflict instead of silently losing an update.
type Registry struct {
	store      CapabilityStore
	streamName string
	logger     *zap.Logger
}

func NewRegistry(store CapabilityStore, streamName string, logger *zap.Logger) *Registry {
	return &Registry{
		store:      store,
		streamName: streamName,
		logger:     logger,
	}
}

// capability is one loaded document. Keys other than "sources" are kept as read.
type capability struct {
	doc     *storage.CapabilityDocument
	fields  map[string]json.RawMessage
	sources []Source
}

func (r *Registry) load(ctx context.Context, gatewayID string) (*capability, error) {
	doc, err := r.store.GetCapabilityDocument(ctx, gatewayID, Namespace)
	if err != nil {
		if errors.Is(err, storage.ErrCapabilityNotFound) {
			return &capability{
				doc:    &storage.CapabilityDocument{GatewayID: gatewayID, Namespace: Namespace},
				fields: make(map[string]json.RawMessage),
			}, nil
		}
		return nil, fmt.Errorf("failed to describe gateway capability: %w", err)
	}

	c := &capability{doc: doc, fields: make(map[string]json.RawMessage)}
	if len(doc.Document) > 0 {
		if err := json.Unmarshal(doc.Document, &c.fields); err != nil {
			return nil, fmt.Errorf("failed to decode gateway capability: %w", err)
		}
	}

	if raw, ok := c.fields["sources"]; ok && len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &c.sources); err != nil {
			return nil, fmt.Errorf("failed to decode gateway sources: %w", err)
		}
	}

	return c, nil
}

func (r *Registry) save(ctx context.Context, c *capability) error {
	if c.sources == nil {
		c.sources = []Source{}
	}

	raw, err := json.Marshal(c.sources)
	if err != nil {
		return fmt.Errorf("failed to encode gateway sources: %w", err)
	}
	c.fields["sources"] = raw

	document, err := json.Marshal(c.fields)
	if err != nil {
		return fmt.Errorf("failed to encode gateway capability: %w", err)
	}
	c.doc.Document = document

	if err := r.store.PutCapabilityDocument(ctx, c.doc); err != nil {
		return fmt.Errorf("failed to update gateway capability: %w", err)
	}

	return nil
}

// GetAll returns every source of the gateway; an unprovisioned capability is an empty list.
func (r *Registry) GetAll(ctx context.Context, gatewayID string) ([]Source, error) {
	c, err := r.load(ctx, gatewayID)
	if err != nil {
		return nil, err
	}
	return c.sources, nil
}

// GetByName looks a source up by name. A missing source is reported through
// the boolean, not as an error.
func (r *Registry) GetByName(ctx context.Context, gatewayID, name string) (Source, bool, error) {
	c, err := r.load(ctx, gatewayID)
	if err != nil {
		return Source{}, false, err
	}

	for _, src := range c.sources {
		if src.Name == name {
			return src, true, nil
		}
	}

	return Source{}, false, nil
}

// Add builds the source of an OPC UA connection and registers it, replacing
// an entry with the same name.
func (r *Registry) Add(ctx context.Context, gatewayID string, def types.ConnectionDefinition) (Source, error) {
	src, err := BuildSource(def, r.streamName)
	if err != nil {
		return Source{}, err
	}

	if err := r.AddExisting(ctx, gatewayID, src); err != nil {
		return Source{}, err
	}

	return src, nil
}

// AddExisting registers a previously built source verbatim.
func (r *Registry) AddExisting(ctx context.Context, gatewayID string, src Source) error {
	c, err := r.load(ctx, gatewayID)
	if err != nil {
		return err
	}

	replaced := false
	for i := range c.sources {
		if c.sources[i].Name == src.Name {
			c.sources[i] = src
			replaced = true
			break
		}
	}
	if !replaced {
		c.sources = append(c.sources, src)
	}

	if err := r.save(ctx, c); err != nil {
		return err
	}

	r.logger.Info("OPC UA source registered",
		zap.String("gateway_id", gatewayID),
		zap.String("source", src.Name),
		zap.String("endpoint", src.Endpoint.EndpointURI),
		zap.Bool("replaced", replaced))

	return nil
}

// Remove unregisters a source by name. Removing an absent source is a no-op.
func (r *Registry) Remove(ctx context.Context, gatewayID, name string) error {
	c, err := r.load(ctx, gatewayID)
	if err != nil {
		return err
	}

	kept := make([]Source, 0, len(c.sources))
	for _, src := range c.sources {
		if src.Name != name {
			kept = append(kept, src)
		}
	}

	if len(kept) == len(c.sources) {
		r.logger.Debug("OPC UA source already absent",
			zap.String("gateway_id", gatewayID),
			zap.String("source", name))
		return nil
	}

	c.sources = kept
	if err := r.save(ctx, c); err != nil {
		return err
	}

	r.logger.Info("OPC UA source removed",
		zap.String("gateway_id", gatewayID),
		zap.String("source", name))

	return nil
}
