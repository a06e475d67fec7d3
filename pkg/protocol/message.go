package protocol

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Hub commands and session events.
const (
	TypeAuth        = "AUTH"
	TypeError       = "ERROR"
	TypeNoop        = "NOOP"
	TypeStartManual = "START_MANUAL"
	TypeStopManual  = "STOP_MANUAL"
	TypeStartAuto   = "START_AUTO"
	TypeStopAuto    = "STOP_AUTO"

	TypeManualBegan = "MANUAL_BEGAN"
	TypeAutoBegan   = "AUTO_BEGAN"
	TypeManualEnded = "MANUAL_ENDED"
	TypeAutoEnded   = "AUTO_ENDED"
)

// Raw interaction events pushed by the hub during a session.
const (
	TypeTouchMove           = "TOUCH_MOVE"
	TypeTouchDown           = "TOUCH_DOWN"
	TypeTouchUp             = "TOUCH_UP"
	TypeZoom                = "ZOOM"
	TypePressButton         = "PRESS_BUTTON"
	TypeDoublePressButton   = "DOUBLE_PRESS_BUTTON"
	TypeLongPressButton     = "LONG_PRESS_BUTTON"
	TypeSimulateGeoLocation = "SIMULATE_GEO_LOCATION"
	TypeTimeZoneSetting     = "TIME_ZONE_SETTING"
)

// Semantic actions produced by gesture classification.
const (
	ActionTap   = "TAP"
	ActionDrag  = "DRAG"
	ActionSwipe = "SWIPE"
)

// Keyboard values that are never recorded.
const (
	KeyDelete = "DELETE"
	KeyEnter  = "ENTER"
	KeyHome   = "HOME"
)

// ErrNotAuthorizedMessage is the error text the hub uses for bad credentials.
const ErrNotAuthorizedMessage = "not-authorized"

// Message is one decoded hub frame: a JSON object with a "type" field.
type Message map[string]any

// NewMessage builds a message of the given type with extra fields.
func NewMessage(msgType string, fields map[string]any) Message {
	msg := make(Message, len(fields)+1)
	for k, v := range fields {
		msg[k] = v
	}
	msg["type"] = msgType
	return msg
}

// ParseMessage decodes a JSON frame. Numbers are kept as float64.
func ParseMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg == nil {
		msg = Message{}
	}
	return msg, nil
}

// Type returns the message type or "".
func (m Message) Type() string {
	return m.String("type")
}

// String returns a string field. Non-string scalars are formatted.
func (m Message) String(key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// Float returns a numeric field and whether it was present and numeric.
func (m Message) Float(key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Has reports whether the key is present.
func (m Message) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Without returns a shallow copy lacking the given keys.
func (m Message) Without(keys ...string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

func (h *HubBinding) UnmarshalJSON(data []byte) error {
	type plain HubBinding
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*h = HubBinding(p)
	h.Raw = append(json.RawMessage(nil), data...)
	return nil
}
