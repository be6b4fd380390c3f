package types

// Device is an edge gateway host that runs collector/publisher components
// and the OPC UA ingestion gateway.
type Device struct {
	DeviceName   string `json:"device_name"`
	EdgeThingArn string `json:"edge_thing_arn"`
	GatewayID    string `json:"gateway_id"`

	// ConnectionCount is bookkeeping only, never an authoritative count of live components.
	ConnectionCount int `json:"connection_count"`

	// TokenHash is the argon2id hash of the device's command channel token.
	TokenHash string `json:"-"`
}
