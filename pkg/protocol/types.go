// Package protocol holds the hub message vocabulary and the value types
// shared by the control, session and gesture packages.
package protocol

import "encoding/json"

// ConnectionKind tags a transport connection with its role on the hub.
type ConnectionKind string

const (
	ConnectionControl ConnectionKind = "CONTROL"
	ConnectionManual  ConnectionKind = "MANUAL"
	ConnectionAuto    ConnectionKind = "AUTO"
)

// ControlState 描述设备在 hub 上的生命周期状态。
type ControlState string

const (
	StateIdle       ControlState = "IDLE"
	StateActivating ControlState = "ACTIVATING"
	StateActivated  ControlState = "ACTIVATED"
	StateUtilizing  ControlState = "UTILIZING"
	StateError      ControlState = "ERROR"
)

// DeviceIdentity is the static description of the simulated device.
type DeviceIdentity struct {
	UDID            string         `json:"udid"`
	DisplayName     string         `json:"deviceName"`
	Platform        string         `json:"platformName"`
	PlatformVersion string         `json:"platformVersion"`
	Model           string         `json:"modelName"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
	// Message is attached to every status report when non-empty.
	Message string `json:"-"`
}

// Descriptor flattens the identity into the capability object the hub
// expects when a device registers or opens a session.
func (d DeviceIdentity) Descriptor() map[string]any {
	out := make(map[string]any, len(d.Capabilities)+5)
	for k, v := range d.Capabilities {
		out[k] = v
	}
	out["udid"] = d.UDID
	out["deviceName"] = d.DisplayName
	out["platformName"] = d.Platform
	out["platformVersion"] = d.PlatformVersion
	out["modelName"] = d.Model
	return out
}

// AuthContext identifies the device to the hub.
type AuthContext struct {
	Token string `json:"token"`
	UDID  string `json:"udid"`
}

// HubBinding tells which hub serves this device. Raw keeps the original
// payload so transports can read fields this package does not model.
type HubBinding struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Secure bool   `json:"secure,omitempty"`
	Path   string `json:"path,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Point is a single screen coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Segment is a two-point gesture (drag or swipe).
type Segment struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Action is one semantic test action ready for reporting.
type Action struct {
	Type  string `json:"action"`
	Value any    `json:"value"`
}
