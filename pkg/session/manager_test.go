package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/httprunner/devicesim/pkg/protocol"
	"github.com/httprunner/devicesim/pkg/transport"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPoster struct {
	mu      sync.Mutex
	urls    []string
	actions []protocol.Action
}

func (s *stubPoster) CreateCommand(ctx context.Context, sessionURL string, action protocol.Action) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls = append(s.urls, sessionURL)
	s.actions = append(s.actions, action)
	return "cmd", nil
}

func (s *stubPoster) recorded() ([]string, []protocol.Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.urls...), append([]protocol.Action(nil), s.actions...)
}

type stubReporter struct {
	states chan protocol.ControlState
}

func (s *stubReporter) ReportStatus(ctx context.Context, state protocol.ControlState) error {
	s.states <- state
	return nil
}

type fixture struct {
	dialer   *transport.MemoryDialer
	poster   *stubPoster
	reporter *stubReporter
	manager  *Manager

	mu        sync.Mutex
	teardowns int
	ended     []Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		dialer:   &transport.MemoryDialer{},
		poster:   &stubPoster{},
		reporter: &stubReporter{states: make(chan protocol.ControlState, 8)},
	}
	mgr, err := New(Config{
		Dialer:   f.dialer,
		APIURL:   "http://api.local/",
		Poster:   f.poster,
		Reporter: f.reporter,
		BeforeTeardown: func(ctx context.Context) error {
			f.mu.Lock()
			f.teardowns++
			f.mu.Unlock()
			return nil
		},
		OnEnded: func(c Context) {
			f.mu.Lock()
			f.ended = append(f.ended, c)
			f.mu.Unlock()
		},
	})
	require.NoError(t, err)
	f.manager = mgr
	return f
}

func (f *fixture) endedSessions() []Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Context(nil), f.ended...)
}

func testOptions() StartOptions {
	return StartOptions{
		Hub:    protocol.HubBinding{Host: "hub.local", Port: 8080},
		Auth:   protocol.AuthContext{Token: "tok", UDID: "sim-1"},
		Device: protocol.DeviceIdentity{UDID: "sim-1", DisplayName: "Sim 01"},
		Extra:  map[string]any{"timeoutKey": "tk-1"},
	}
}

func waitState(t *testing.T, ch <-chan protocol.ControlState) protocol.ControlState {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status report")
		return ""
	}
}

func TestStartReportsUtilizingAndAnnouncesOptions(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.Start(context.Background(), protocol.ConnectionManual, testOptions()))

	conn := f.dialer.Last(protocol.ConnectionManual)
	require.NotNil(t, conn)
	assert.True(t, conn.Established())
	assert.Equal(t, "hub.local", conn.Hub.Host)
	assert.Equal(t, "tok", conn.Info["token"])
	assert.Equal(t, "sim-1", conn.Info["udid"])
	assert.Equal(t, "tk-1", conn.Info["timeoutKey"])
	assert.Equal(t, protocol.StateUtilizing, waitState(t, f.reporter.states))

	active, ok := f.manager.Active()
	require.True(t, ok)
	assert.Equal(t, protocol.ConnectionManual, active.Kind)
	assert.Empty(t, active.SessionID)
}

func TestBeganDerivesReportingURLAndRecordsInOrder(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.Start(context.Background(), protocol.ConnectionManual, testOptions()))
	conn := f.dialer.Last(protocol.ConnectionManual)

	// dropped: no reporting URL yet
	conn.Deliver(protocol.NewMessage(protocol.TypePressButton, map[string]any{"value": "HOME"}))

	conn.Deliver(protocol.NewMessage(protocol.TypeManualBegan, map[string]any{"sessionId": float64(42)}))
	active, ok := f.manager.Active()
	require.True(t, ok)
	assert.Equal(t, "42", active.SessionID)
	assert.Equal(t, "http://api.local/v1/sessions/42", active.BaseReportingURL)

	conn.Deliver(protocol.NewMessage(protocol.TypeTouchDown, map[string]any{"x": 10.0, "y": 10.0}))
	conn.Deliver(protocol.NewMessage(protocol.TypeTouchUp, map[string]any{"x": 10.0, "y": 10.0, "duration": 50.0}))
	conn.Deliver(protocol.NewMessage(protocol.TypeTouchDown, map[string]any{"x": 10.0, "y": 10.0}))
	conn.Deliver(protocol.NewMessage(protocol.TypeTouchUp, map[string]any{"x": 50.0, "y": 60.0, "duration": 900.0}))

	urls, actions := f.poster.recorded()
	require.Len(t, actions, 2)
	assert.Equal(t, protocol.ActionTap, actions[0].Type)
	assert.Equal(t, protocol.Point{X: 10, Y: 10}, actions[0].Value)
	assert.Equal(t, protocol.ActionDrag, actions[1].Type)
	assert.Equal(t, protocol.Segment{X1: 10, Y1: 10, X2: 50, Y2: 60}, actions[1].Value)
	for _, u := range urls {
		assert.Equal(t, "http://api.local/v1/sessions/42", u)
	}
}

func TestEndedMessageTearsDownOnce(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.Start(context.Background(), protocol.ConnectionAuto, testOptions()))
	conn := f.dialer.Last(protocol.ConnectionAuto)
	conn.Deliver(protocol.NewMessage(protocol.TypeAutoBegan, map[string]any{"sessionId": "7"}))

	conn.Deliver(protocol.NewMessage(protocol.TypeAutoEnded, nil))

	assert.True(t, conn.Dropped())
	assert.Zero(t, conn.ListenerCount())
	_, ok := f.manager.Active()
	assert.False(t, ok)

	require.NoError(t, f.manager.End(context.Background()))
	require.NoError(t, f.manager.End(context.Background()))

	ended := f.endedSessions()
	require.Len(t, ended, 1)
	assert.Equal(t, "7", ended[0].SessionID)
	assert.Equal(t, protocol.ConnectionAuto, ended[0].Kind)
	f.mu.Lock()
	assert.Equal(t, 1, f.teardowns)
	f.mu.Unlock()
}

func TestStartEndsPreviousSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.manager.Start(ctx, protocol.ConnectionManual, testOptions()))
	first := f.dialer.Last(protocol.ConnectionManual)

	require.NoError(t, f.manager.Start(ctx, protocol.ConnectionAuto, testOptions()))
	second := f.dialer.Last(protocol.ConnectionAuto)

	assert.True(t, first.Dropped())
	assert.False(t, second.Dropped())
	require.Len(t, f.endedSessions(), 1)

	// late frames of the old connection are ignored
	first.EmitMessage(protocol.NewMessage(protocol.TypeManualEnded, nil))
	active, ok := f.manager.Active()
	require.True(t, ok)
	assert.Equal(t, protocol.ConnectionAuto, active.Kind)
}

func TestStartEstablishFailure(t *testing.T) {
	f := newFixture(t)
	f.dialer.EstablishErr = []error{errors.New("hub unreachable")}

	err := f.manager.Start(context.Background(), protocol.ConnectionManual, testOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hub unreachable")

	conn := f.dialer.Last(protocol.ConnectionManual)
	assert.True(t, conn.Dropped())
	_, ok := f.manager.Active()
	assert.False(t, ok)
	assert.Empty(t, f.endedSessions())
}

func TestStartRejectsControlKind(t *testing.T) {
	f := newFixture(t)
	err := f.manager.Start(context.Background(), protocol.ConnectionControl, testOptions())
	require.Error(t, err)
	assert.Empty(t, f.dialer.Connections())
}

func TestSetZoomInfoReachesActiveSession(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.manager.SetZoomInfo(map[string]any{"scale": 2.0}), "no session yet")

	require.NoError(t, f.manager.Start(context.Background(), protocol.ConnectionManual, testOptions()))
	waitState(t, f.reporter.states)
	conn := f.dialer.Last(protocol.ConnectionManual)
	conn.Deliver(protocol.NewMessage(protocol.TypeManualBegan, map[string]any{"sessionId": 7.0}))

	require.True(t, f.manager.SetZoomInfo(map[string]any{"scale": 2.0}))
	conn.Deliver(protocol.NewMessage(protocol.TypeZoom, map[string]any{
		"touch": protocol.TypeTouchUp,
		"from1": 1.0,
		"x":     30.0,
	}))

	_, actions := f.poster.recorded()
	require.Len(t, actions, 1)
	assert.Equal(t, protocol.TypeZoom, actions[0].Type)
	value, ok := actions[0].Value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 2.0, value["scale"])
	assert.Equal(t, 30.0, value["x"])
	assert.NotContains(t, value, "from1")
}
