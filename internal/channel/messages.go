package channel

import (
	"fmt"
	"time"

	"github.com/KevinKickass/MachineConnect/internal/types"
)

const topicRoot = "m2c2"

// Kind selects the topic family of a command message.
type Kind string

const (
	KindJob   Kind = "job"
	KindError Kind = "error"
)

// Topic is where messages of a kind for one connection are published.
func Topic(kind Kind, connectionName string) string {
	return fmt.Sprintf("%s/%s/%s", topicRoot, kind, connectionName)
}

// MessageType is the envelope type of frames sent to device clients.
type MessageType string

const (
	MessageTypeCommand     MessageType = "command"
	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthFailed  MessageType = "auth_failed"
	MessageTypeSubscribed  MessageType = "subscribed"
	MessageTypeError       MessageType = "error"
)

// Message is one frame on the device websocket.
type Message struct {
	Type      MessageType `json:"type"`
	Topic     string      `json:"topic,omitempty"`
	Kind      Kind        `json:"kind,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data,omitempty"`
}

func NewMessage(msgType MessageType, data any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewCommandMessage(kind Kind, connectionName string, payload any) Message {
	msg := NewMessage(MessageTypeCommand, payload)
	msg.Kind = kind
	msg.Topic = Topic(kind, connectionName)
	return msg
}

// StopJob tells the collector of a connection to stop.
type StopJob struct {
	ConnectionName string        `json:"connectionName"`
	Control        types.Control `json:"control"`
}

// ErrorReport is the failure reason of a connection workflow.
type ErrorReport struct {
	ConnectionName string `json:"connectionName"`
	Message        string `json:"message"`
}

// StartJob carries the full connection definition with control "start".
func StartJob(def types.ConnectionDefinition) types.ConnectionDefinition {
	def.Control = types.ControlStart
	return def
}

func NewStopJob(connectionName string) StopJob {
	return StopJob{ConnectionName: connectionName, Control: types.ControlStop}
}

func NewErrorReport(connectionName, message string) ErrorReport {
	return ErrorReport{ConnectionName: connectionName, Message: message}
}

// inbound frames from device clients
type clientMessage struct {
	Type   string `json:"type"`
	Device string `json:"device,omitempty"`
	Token  string `json:"token,omitempty"`
	Topic  string `json:"topic,omitempty"`
}
