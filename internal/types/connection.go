package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Control is the requested (or, on a stored record, current) lifecycle verb of a connection.
type Control string

const (
	ControlDeploy Control = "deploy"
	ControlUpdate Control = "update"
	ControlDelete Control = "delete"
	ControlStart  Control = "start"
	ControlStop   Control = "stop"
)

// ParseControl accepts the verb in any case ("DEPLOY", "deploy").
func ParseControl(s string) (Control, error) {
	c := Control(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case ControlDeploy, ControlUpdate, ControlDelete, ControlStart, ControlStop:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedControl, s)
	}
}

// UnmarshalJSON keeps the verb as sent; ParseControl decides whether it is known.
func (c *Control) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*c = Control(strings.ToLower(s))
	return nil
}

// IsRunning reports whether a stored connection is actively collecting data.
func (c Control) IsRunning() bool {
	return c == ControlStart
}

type Protocol string

const (
	ProtocolOPCDA Protocol = "opcda"
	ProtocolOPCUA Protocol = "opcua"
)

func (p *Protocol) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*p = Protocol(strings.ToLower(s))
	return nil
}

var (
	ErrUnsupportedControl  = errors.New("unsupported connection control")
	ErrUnsupportedProtocol = errors.New("unsupported connection protocol")
	ErrInvalidDefinition   = errors.New("invalid connection definition")
)

// ConnectionDefinition is a requested change to one connection.
type ConnectionDefinition struct {
	ConnectionName string   `json:"connectionName"`
	Control        Control  `json:"control"`
	Protocol       Protocol `json:"protocol"`

	// Hierarchy metadata
	SiteName    string `json:"siteName,omitempty"`
	Area        string `json:"area,omitempty"`
	Process     string `json:"process,omitempty"`
	MachineName string `json:"machineName,omitempty"`

	// Routing flags
	SendDataToIoTTopic           bool `json:"sendDataToIoTTopic"`
	SendDataToIoTSiteWise        bool `json:"sendDataToIoTSiteWise"`
	SendDataToKinesisDataStreams bool `json:"sendDataToKinesisDataStreams"`
	SendDataToTimestream         bool `json:"sendDataToTimestream"`
	SendDataToHistorian          bool `json:"sendDataToHistorian"`

	GreengrassCoreDeviceName string `json:"greengrassCoreDeviceName"`
	LogLevel                 string `json:"logLevel,omitempty"`

	OpcDa *OpcDaConfig `json:"opcDa,omitempty"`
	OpcUa *OpcUaConfig `json:"opcUa,omitempty"`
}

type OpcDaConfig struct {
	MachineIP  string   `json:"machineIp" yaml:"machineIp"`
	ServerName string   `json:"serverName" yaml:"serverName"`
	Interval   float64  `json:"interval" yaml:"interval"`
	Iterations int      `json:"iterations" yaml:"iterations"`
	ListTags   []string `json:"listTags" yaml:"listTags"`
	Tags       []string `json:"tags" yaml:"tags"`
}

type OpcUaConfig struct {
	MachineIP  string `json:"machineIp"`
	ServerName string `json:"serverName"`
	Port       *int   `json:"port,omitempty"`

	// Source is the gateway source template last written for this connection.
	Source json.RawMessage `json:"source,omitempty"`
}

// Validate checks the shape invariants the orchestrator relies on.
func (d *ConnectionDefinition) Validate() error {
	if strings.TrimSpace(d.ConnectionName) == "" {
		return fmt.Errorf("%w: connection name is required", ErrInvalidDefinition)
	}

	switch d.Protocol {
	case ProtocolOPCDA:
		if d.OpcDa == nil || d.OpcUa != nil {
			return fmt.Errorf("%w: opcDa configuration must be the only protocol configuration for %s", ErrInvalidDefinition, d.Protocol)
		}
	case ProtocolOPCUA:
		if d.OpcUa == nil || d.OpcDa != nil {
			return fmt.Errorf("%w: opcUa configuration must be the only protocol configuration for %s", ErrInvalidDefinition, d.Protocol)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedProtocol, d.Protocol)
	}

	return nil
}

// ServerName returns the protocol-specific server name.
func (d *ConnectionDefinition) ServerName() string {
	switch {
	case d.OpcUa != nil:
		return d.OpcUa.ServerName
	case d.OpcDa != nil:
		return d.OpcDa.ServerName
	default:
		return ""
	}
}
