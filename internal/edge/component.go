package edge

import (
	"fmt"

	"github.com/KevinKickass/MachineConnect/internal/types"
)

const componentPrefix = "m2c2-"

// ComponentKind distinguishes the two edge components of a connection.
type ComponentKind string

const (
	KindCollector ComponentKind = "collector"
	KindPublisher ComponentKind = "publisher"
)

// CollectorName is the OPC DA collector component of a connection.
func CollectorName(connectionName string) string {
	return componentPrefix + connectionName
}

// PublisherName is the publisher component of a connection.
func PublisherName(connectionName string) string {
	return fmt.Sprintf("%s%s-publisher", componentPrefix, connectionName)
}

// ComponentSpec describes a component version to create on the edge runtime.
type ComponentSpec struct {
	Name       string                     `json:"name"`
	Version    string                     `json:"version"`
	Kind       ComponentKind              `json:"kind"`
	Connection types.ConnectionDefinition `json:"-"`

	// Publisher settings
	StreamName     string `json:"-"`
	ArtifactBucket string `json:"-"`
}

// Collector builds the spec of the OPC DA collector of a connection.
func Collector(def types.ConnectionDefinition, version, artifactBucket string) ComponentSpec {
	return ComponentSpec{
		Name:           CollectorName(def.ConnectionName),
		Version:        version,
		Kind:           KindCollector,
		Connection:     def,
		ArtifactBucket: artifactBucket,
	}
}

// Publisher builds the spec of the publisher of a connection.
func Publisher(def types.ConnectionDefinition, version, streamName, artifactBucket string) ComponentSpec {
	return ComponentSpec{
		Name:           PublisherName(def.ConnectionName),
		Version:        version,
		Kind:           KindPublisher,
		Connection:     def,
		StreamName:     streamName,
		ArtifactBucket: artifactBucket,
	}
}
