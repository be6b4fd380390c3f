package sources

import (
	"encoding/json"
	"fmt"

	"github.com/KevinKickass/MachineConnect/internal/types"
)

const (
	SecurityPolicyNone      = "NONE"
	MessageSecurityModeNone = "NONE"
	CertificateTrustAny     = "TrustAny"
	IdentityAnonymous       = "Anonymous"
	DestinationStream       = "StreamManager"

	defaultStreamBufferSize = 10
)

// Source is one named entry of the gateway's OPC UA collector configuration.
// Names are unique across all connections.
type Source struct {
	Name                        string          `json:"name"`
	Endpoint                    Endpoint        `json:"endpoint"`
	MeasurementDataStreamPrefix string          `json:"measurementDataStreamPrefix"`
	Destination                 Destination     `json:"destination"`
	PropertyGroups              json.RawMessage `json:"propertyGroups,omitempty"`
}

type Endpoint struct {
	CertificateTrust    TypedValue       `json:"certificateTrust"`
	EndpointURI         string           `json:"endpointUri"`
	SecurityPolicy      string           `json:"securityPolicy"`
	MessageSecurityMode string           `json:"messageSecurityMode"`
	IdentityProvider    TypedValue       `json:"identityProvider"`
	NodeFilterRules     []NodeFilterRule `json:"nodeFilterRules"`
}

type TypedValue struct {
	Type string `json:"type"`
}

type NodeFilterRule struct {
	Action     string         `json:"action"`
	Definition NodeFilterPath `json:"definition"`
}

type NodeFilterPath struct {
	Type     string `json:"type"`
	RootPath string `json:"rootPath"`
}

type Destination struct {
	Type             string `json:"type"`
	StreamName       string `json:"streamName"`
	StreamBufferSize int    `json:"streamBufferSize"`
}

// EndpointURI composes opc.tcp://{machineIp}[:{port}].
func EndpointURI(cfg *types.OpcUaConfig) string {
	if cfg.Port != nil {
		return fmt.Sprintf("opc.tcp://%s:%d", cfg.MachineIP, *cfg.Port)
	}
	return fmt.Sprintf("opc.tcp://%s", cfg.MachineIP)
}

// BuildSource derives the gateway source of an OPC UA connection. A stored
// opcUa.source template is used as the starting point; name, endpoint URI and
// destination stream always follow the definition, and missing security
// settings default to no security with any certificate trusted.
func BuildSource(def types.ConnectionDefinition, streamName string) (Source, error) {
	if def.OpcUa == nil {
		return Source{}, fmt.Errorf("%w: connection %s has no opcUa configuration", types.ErrInvalidDefinition, def.ConnectionName)
	}

	var src Source
	if len(def.OpcUa.Source) > 0 && string(def.OpcUa.Source) != "null" {
		if err := json.Unmarshal(def.OpcUa.Source, &src); err != nil {
			return Source{}, fmt.Errorf("failed to decode source template: %w", err)
		}
	}

	src.Name = def.OpcUa.ServerName
	src.Endpoint.EndpointURI = EndpointURI(def.OpcUa)

	if src.Endpoint.SecurityPolicy == "" {
		src.Endpoint.SecurityPolicy = SecurityPolicyNone
	}
	if src.Endpoint.MessageSecurityMode == "" {
		src.Endpoint.MessageSecurityMode = MessageSecurityModeNone
	}
	if src.Endpoint.CertificateTrust.Type == "" {
		src.Endpoint.CertificateTrust.Type = CertificateTrustAny
	}
	if src.Endpoint.IdentityProvider.Type == "" {
		src.Endpoint.IdentityProvider.Type = IdentityAnonymous
	}
	if len(src.Endpoint.NodeFilterRules) == 0 {
		src.Endpoint.NodeFilterRules = []NodeFilterRule{{
			Action:     "INCLUDE",
			Definition: NodeFilterPath{Type: "OpcUaRootPath", RootPath: "/"},
		}}
	}

	src.Destination.Type = DestinationStream
	src.Destination.StreamName = streamName
	if src.Destination.StreamBufferSize == 0 {
		src.Destination.StreamBufferSize = defaultStreamBufferSize
	}

	return src, nil
}

// Template serializes the source so it can be stored as opcUa.source.
func (s Source) Template() (json.RawMessage, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal source: %w", err)
	}
	return data, nil
}
