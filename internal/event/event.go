// Package event holds the transient units that flow through the fan-out
// pipeline: decoded inbound platform events and outbound display envelopes.
package event

import (
	"encoding/json"

	"alertbot/internal/value"
)

// Envelope methods viewer clients depend on.
const (
	MethodCustomAlert = "customAlert"
	MethodPing        = "ping"
)

// Inbound is a decoded platform event for one tenant.
type Inbound struct {
	TenantID  string
	EventType string
	Payload   value.Map
}

// Envelope is the wire unit sent to every display connection of a tenant.
type Envelope struct {
	Method string    `json:"method"`
	Data   value.Map `json:"data"`
}

// Encode returns the wire form {"method": ..., "data": {...}}.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Ping is the payload-free keep-alive envelope.
func Ping() Envelope {
	return Envelope{Method: MethodPing, Data: value.Map{}}
}
