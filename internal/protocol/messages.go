// Package protocol defines the frames exchanged between devices, dashboards and the relay.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// Upgrade query parameters selecting the connection role.
const (
	ParamDeviceID  = "deviceId"
	ParamDashboard = "dashboard"
)

// ErrMalformed is returned when a device frame is not a JSON document.
var ErrMalformed = errors.New("malformed JSON payload")

// Presence is sent to dashboards when a device connects or disconnects.
type Presence struct {
	DeviceID  string `json:"deviceId"`
	Connected bool   `json:"connected"`
}

// ControlCommand is forwarded from the control endpoint to a device.
// An absent pump value is omitted from the frame.
type ControlCommand struct {
	Pump json.RawMessage `json:"pump,omitempty"`
}

// StatusResponse is the body of every control endpoint response.
type StatusResponse struct {
	Status string `json:"status"`
}

// Control endpoint status values.
const (
	StatusOK      = "ok"
	StatusOffline = "offline"
	StatusError   = "error"
)

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ISO8601 is the millisecond UTC layout used in health timestamps.
const ISO8601 = "2006-01-02T15:04:05.000Z07:00"

// NewHealthResponse creates a health body stamped with t.
func NewHealthResponse(t time.Time) HealthResponse {
	return HealthResponse{Status: StatusOK, Timestamp: t.UTC().Format(ISO8601)}
}

// EncodePresence marshals a presence frame.
func EncodePresence(deviceID string, connected bool) ([]byte, error) {
	return json.Marshal(Presence{DeviceID: deviceID, Connected: connected})
}

// EncodeControl marshals a control frame.
func EncodeControl(cmd ControlCommand) ([]byte, error) {
	return json.Marshal(cmd)
}

// DecodeTelemetry checks that raw is a single JSON document and returns it
// compacted. The payload itself is opaque to the relay.
func DecodeTelemetry(raw []byte) ([]byte, error) {
	if !json.Valid(raw) {
		return nil, ErrMalformed
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, ErrMalformed
	}
	return buf.Bytes(), nil
}
