// Package gesture turns the raw interaction events of one session into
// semantic test actions.
//
// Only single-touch gestures are tracked: the classifier keeps one pending
// TOUCH_DOWN point, and a second DOWN before the matching UP replaces it.
// Multi-finger gestures other than ZOOM are not supported.
package gesture

import (
	"sync"
	"time"

	"github.com/httprunner/devicesim/pkg/protocol"
	"github.com/rs/zerolog/log"
)

// DragThreshold separates a DRAG from a SWIPE when the touch moved.
const DragThreshold = 500 * time.Millisecond

var recordableAlways = map[string]struct{}{
	protocol.TypeDoublePressButton:   {},
	protocol.TypeLongPressButton:     {},
	protocol.TypeSimulateGeoLocation: {},
	protocol.TypeTimeZoneSetting:     {},
}

var silentKeys = map[string]struct{}{
	protocol.KeyDelete: {},
	protocol.KeyEnter:  {},
}

// Classifier is stateful per session. It is safe for concurrent use, but
// callers must feed one session's events in arrival order.
type Classifier struct {
	mu        sync.Mutex
	pending   *protocol.Point
	pendingAt time.Time
	zoomInfo  map[string]any
	clock     func() time.Time
}

// New returns a Classifier with no pending touch.
func New() *Classifier {
	return &Classifier{clock: time.Now}
}

// SetZoomInfo stores zoom metadata merged into the next recorded ZOOM.
func (c *Classifier) SetZoomInfo(info map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if info == nil {
		c.zoomInfo = nil
		return
	}
	c.zoomInfo = make(map[string]any, len(info))
	for k, v := range info {
		c.zoomInfo[k] = v
	}
}

// Reset clears the pending touch and zoom metadata.
func (c *Classifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
	c.pendingAt = time.Time{}
	c.zoomInfo = nil
}

// Classify consumes one raw event and returns the action it produces, if any.
func (c *Classifier) Classify(msg protocol.Message) (protocol.Action, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgType := msg.Type()
	switch msgType {
	case protocol.TypeTouchDown:
		x, _ := msg.Float("x")
		y, _ := msg.Float("y")
		c.pending = &protocol.Point{X: x, Y: y}
		c.pendingAt = c.now()
		return protocol.Action{}, false
	case protocol.TypeTouchUp:
		return c.touchUpLocked(msg)
	case protocol.TypeTouchMove:
		return protocol.Action{}, false
	case protocol.TypeZoom:
		return c.zoomLocked(msg)
	case protocol.TypePressButton:
		if _, silent := silentKeys[msg.String("value")]; silent {
			return protocol.Action{}, false
		}
		return protocol.Action{Type: msgType, Value: msg["value"]}, true
	}

	if _, ok := recordableAlways[msgType]; !ok {
		return protocol.Action{}, false
	}
	switch msgType {
	case protocol.TypeSimulateGeoLocation:
		return protocol.Action{Type: msgType, Value: map[string]any{"lat": msg["lat"], "long": msg["long"]}}, true
	case protocol.TypeTimeZoneSetting:
		return protocol.Action{Type: msgType, Value: map[string]any{"timezone": msg["timezone"]}}, true
	default:
		return protocol.Action{Type: msgType, Value: msg["value"]}, true
	}
}

func (c *Classifier) touchUpLocked(msg protocol.Message) (protocol.Action, bool) {
	down := c.pending
	downAt := c.pendingAt
	c.pending = nil
	c.pendingAt = time.Time{}
	if down == nil {
		log.Debug().Interface("message", msg).Msg("touch up without pending touch down, skipped")
		return protocol.Action{}, false
	}

	x, _ := msg.Float("x")
	y, _ := msg.Float("y")
	if x == down.X && y == down.Y {
		return protocol.Action{Type: protocol.ActionTap, Value: *down}, true
	}

	var held time.Duration
	if ms, ok := msg.Float("duration"); ok {
		held = time.Duration(ms * float64(time.Millisecond))
	} else {
		held = c.now().Sub(downAt)
	}
	segment := protocol.Segment{X1: down.X, Y1: down.Y, X2: x, Y2: y}
	if held > DragThreshold {
		return protocol.Action{Type: protocol.ActionDrag, Value: segment}, true
	}
	return protocol.Action{Type: protocol.ActionSwipe, Value: segment}, true
}

func (c *Classifier) zoomLocked(msg protocol.Message) (protocol.Action, bool) {
	if msg.String("touch") != protocol.TypeTouchUp {
		return protocol.Action{}, false
	}
	value := msg.Without("type", "from1", "from2")
	for k, v := range c.zoomInfo {
		value[k] = v
	}
	return protocol.Action{Type: protocol.TypeZoom, Value: value}, true
}

func (c *Classifier) now() time.Time {
	if c.clock != nil {
		return c.clock()
	}
	return time.Now()
}
