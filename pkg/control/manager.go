// Package control runs the device's persistent control channel to the hub:
// activation, status reporting, command dispatch and reconnection.
package control

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/httprunner/devicesim/internal/safe"
	"github.com/httprunner/devicesim/pkg/hubapi"
	"github.com/httprunner/devicesim/pkg/protocol"
	"github.com/httprunner/devicesim/pkg/recorder"
	"github.com/httprunner/devicesim/pkg/retry"
	"github.com/httprunner/devicesim/pkg/session"
	"github.com/httprunner/devicesim/pkg/storage"
	"github.com/httprunner/devicesim/pkg/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultHubRetryDelay spaces hub lookups and control reconnect attempts.
const DefaultHubRetryDelay = 5 * time.Second

// forwarded from start commands to the session connection.
var sessionOptionKeys = []string{"timeoutKey", "quality", "fps", "deviceMetricCaptureInterval"}

// HubAPI is the subset of the hub REST API used by the control channel.
type HubAPI interface {
	UpdateStatus(ctx context.Context, report hubapi.StatusReport) error
	WhichHub(ctx context.Context) (protocol.HubBinding, error)
}

// Config wires a Manager.
type Config struct {
	Device protocol.DeviceIdentity
	Token  string
	API    HubAPI
	Dialer transport.Dialer
	// APIURL is the hub API root without /v1, used for reporting URLs.
	APIURL string
	Poster recorder.CommandPoster
	Ledger storage.SessionRecorder

	HubRetryDelay time.Duration
}

// Manager 维护控制连接与设备状态，同一时刻最多一条控制连接。
type Manager struct {
	cfg      Config
	auth     protocol.AuthContext
	reporter *statusReporter
	sessions *session.Manager

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu                sync.Mutex
	state             protocol.ControlState
	hub               *protocol.HubBinding
	control           transport.Connection
	reconnecting      bool
	reconnectDisabled bool
	closed            bool

	notAuthorized     chan struct{}
	notAuthorizedOnce sync.Once
	sessionEnded      chan session.Context
}

// New builds an idle Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.API == nil {
		return nil, errors.New("control: hub api is required")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("control: dialer is required")
	}
	if cfg.Device.UDID == "" {
		return nil, errors.New("control: device udid is required")
	}
	if cfg.HubRetryDelay <= 0 {
		cfg.HubRetryDelay = DefaultHubRetryDelay
	}
	lifeCtx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:           cfg,
		auth:          protocol.AuthContext{Token: cfg.Token, UDID: cfg.Device.UDID},
		reporter:      &statusReporter{api: cfg.API, device: cfg.Device},
		lifeCtx:       lifeCtx,
		lifeCancel:    cancel,
		state:         protocol.StateIdle,
		notAuthorized: make(chan struct{}),
		sessionEnded:  make(chan session.Context, 16),
	}
	sessions, err := session.New(session.Config{
		Dialer:         cfg.Dialer,
		APIURL:         cfg.APIURL,
		Poster:         cfg.Poster,
		Reporter:       m.reporter,
		Ledger:         cfg.Ledger,
		BeforeTeardown: m.disconnectControl,
		OnEnded:        m.onSessionEnded,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	m.sessions = sessions
	return m, nil
}

// State returns the current control state.
func (m *Manager) State() protocol.ControlState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the active session, if any.
func (m *Manager) Session() (session.Context, bool) {
	return m.sessions.Active()
}

// SetZoomInfo forwards zoom metadata to the running session.
func (m *Manager) SetZoomInfo(info map[string]any) bool {
	return m.sessions.SetZoomInfo(info)
}

// NotAuthorized is closed once the hub rejects the device credentials.
func (m *Manager) NotAuthorized() <-chan struct{} {
	return m.notAuthorized
}

// SessionEnded receives one value per ended session.
func (m *Manager) SessionEnded() <-chan session.Context {
	return m.sessionEnded
}

// Activate 上报 ACTIVATING，解析 hub 并建立控制连接，成功后上报 ACTIVATED。
// Status reports here are synchronous; a failed report fails activation.
// Connect failures are retried until ctx ends.
func (m *Manager) Activate(ctx context.Context) error {
	m.setState(protocol.StateActivating)
	if err := m.reporter.ReportStatus(ctx, protocol.StateActivating); err != nil {
		return errors.Wrap(err, "control: report ACTIVATING")
	}

	if _, err := m.resolveHub(ctx); err != nil {
		return err
	}
	if err := m.establishWithRetry(ctx); err != nil {
		return errors.Wrap(err, "control: establish control connection")
	}

	m.setState(protocol.StateActivated)
	if err := m.reporter.ReportStatus(ctx, protocol.StateActivated); err != nil {
		return errors.Wrap(err, "control: report ACTIVATED")
	}
	log.Info().Str("udid", m.auth.UDID).Msg("device activated")
	return nil
}

// Close ends any session and drops the control connection. Reconnection
// stops. Safe to call more than once.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.lifeCancel()
	if err := m.sessions.End(ctx); err != nil {
		log.Warn().Err(err).Msg("end session on close failed")
	}
	return m.disconnectControl(ctx)
}

func (m *Manager) resolveHub(ctx context.Context) (protocol.HubBinding, error) {
	hub, err := retry.Do(ctx, retry.Unbounded(), m.cfg.HubRetryDelay,
		func(ctx context.Context, attempt int) (protocol.HubBinding, error) {
			log.Debug().Int("attempt", attempt).Msg("resolving hub")
			hub, err := m.cfg.API.WhichHub(ctx)
			if hubapi.IsStatus(err, http.StatusUnauthorized) {
				return hub, retry.Permanent(err)
			}
			return hub, err
		})
	if err != nil {
		if hubapi.IsStatus(err, http.StatusUnauthorized) {
			m.signalNotAuthorized()
		}
		return protocol.HubBinding{}, errors.Wrap(err, "control: resolve hub")
	}
	m.mu.Lock()
	m.hub = &hub
	m.mu.Unlock()
	log.Info().Str("host", hub.Host).Int("port", hub.Port).Msg("hub resolved")
	return hub, nil
}

func (m *Manager) currentHub() (protocol.HubBinding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hub == nil {
		return protocol.HubBinding{}, false
	}
	return *m.hub, true
}

func (m *Manager) establishControl(ctx context.Context) error {
	hub, ok := m.currentHub()
	if !ok {
		return errors.New("control: hub binding not resolved")
	}
	if err := m.disconnectControl(ctx); err != nil {
		log.Warn().Err(err).Msg("drop previous control connection failed")
	}

	_, running := m.sessions.Active()
	info := transport.Info{
		"runningSession": running,
		"token":          m.auth.Token,
		"udid":           m.auth.UDID,
	}
	conn := m.cfg.Dialer.NewConnection(protocol.ConnectionControl, hub, info)
	conn.Subscribe(transport.Listener{
		OnMessage: func(msg protocol.Message) { m.handleMessage(msg) },
		OnError:   func(err error) { m.onControlError(err) },
		OnStatus: func(status transport.Status) {
			if status == transport.StatusDisconnected {
				m.onControlDisconnected(conn)
			}
		},
	})

	m.mu.Lock()
	m.control = conn
	m.mu.Unlock()

	if err := conn.Establish(ctx); err != nil {
		m.mu.Lock()
		if m.control == conn {
			m.control = nil
		}
		m.mu.Unlock()
		conn.RemoveAllListeners()
		_ = conn.Drop(ctx)
		return err
	}
	log.Info().Str("connection", conn.ID()).Msg("control connection established")
	return nil
}

// establishWithRetry keeps opening the control connection at the hub retry
// delay. Only a not-authorized rejection or ctx ends it.
func (m *Manager) establishWithRetry(ctx context.Context) error {
	return retry.Run(ctx, retry.Unbounded(), m.cfg.HubRetryDelay, func(ctx context.Context, attempt int) error {
		if m.isReconnectDisabled() {
			return retry.Permanent(transport.ErrNotAuthorized)
		}
		err := m.establishControl(ctx)
		if transport.IsNotAuthorized(err) {
			m.signalNotAuthorized()
			return retry.Permanent(err)
		}
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("establish control connection failed, retrying")
		}
		return err
	})
}

// disconnectControl removes listeners before dropping, so our own teardown
// never looks like a connection loss.
func (m *Manager) disconnectControl(ctx context.Context) error {
	m.mu.Lock()
	conn := m.control
	m.control = nil
	m.mu.Unlock()
	if conn == nil {
		return nil
	}
	conn.RemoveAllListeners()
	return errors.Wrap(conn.Drop(ctx), "control: drop control connection")
}

func (m *Manager) handleMessage(msg protocol.Message) {
	log.Debug().Interface("message", msg).Msg("control message")
	err := safe.Call("control "+msg.Type(), func() error {
		switch msg.Type() {
		case protocol.TypeStartAuto:
			return m.startSession(protocol.ConnectionAuto, msg)
		case protocol.TypeStartManual:
			return m.startSession(protocol.ConnectionManual, msg)
		case protocol.TypeStopManual, protocol.TypeStopAuto:
			return m.sessions.End(m.lifeCtx)
		case protocol.TypeNoop:
			return nil
		default:
			log.Debug().Str("type", msg.Type()).Msg("unhandled control message")
			return nil
		}
	})
	if err != nil {
		log.Error().Err(err).Str("type", msg.Type()).Msg("handle control message failed")
	}
}

func (m *Manager) startSession(kind protocol.ConnectionKind, msg protocol.Message) error {
	hub, ok := m.currentHub()
	if !ok {
		return errors.Errorf("control: %s received without hub binding", msg.Type())
	}
	extra := make(map[string]any, len(sessionOptionKeys))
	for _, key := range sessionOptionKeys {
		if v, ok := msg[key]; ok {
			extra[key] = v
		}
	}
	if err := m.sessions.Start(m.lifeCtx, kind, session.StartOptions{
		Hub:    hub,
		Auth:   m.auth,
		Device: m.cfg.Device,
		Extra:  extra,
	}); err != nil {
		return err
	}

	// a session that already ended keeps the IDLE set by onSessionEnded
	m.mu.Lock()
	if _, active := m.sessions.Active(); active && m.state != protocol.StateError {
		m.state = protocol.StateUtilizing
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) onSessionEnded(info session.Context) {
	m.mu.Lock()
	if m.state != protocol.StateError {
		m.state = protocol.StateIdle
	}
	state := m.state
	m.mu.Unlock()
	if state == protocol.StateIdle {
		m.reportDetached(protocol.StateIdle)
	}

	select {
	case m.sessionEnded <- info:
	default:
		log.Warn().Str("session_id", info.SessionID).Msg("session-ended signal dropped, no reader")
	}
}

func (m *Manager) onControlError(err error) {
	log.Error().Err(err).Msg("control connection error")
	if transport.IsNotAuthorized(err) {
		m.signalNotAuthorized()
	}
}

func (m *Manager) signalNotAuthorized() {
	m.notAuthorizedOnce.Do(func() {
		m.mu.Lock()
		m.state = protocol.StateError
		m.reconnectDisabled = true
		m.mu.Unlock()
		log.Error().Str("udid", m.auth.UDID).Msg("hub rejected device credentials")
		close(m.notAuthorized)
		m.reportDetached(protocol.StateError)
	})
}

func (m *Manager) onControlDisconnected(conn transport.Connection) {
	m.mu.Lock()
	if m.control != conn || m.closed || m.reconnectDisabled || m.reconnecting {
		m.mu.Unlock()
		return
	}
	m.control = nil
	m.hub = nil
	m.reconnecting = true
	m.mu.Unlock()

	conn.RemoveAllListeners()
	if err := conn.Drop(m.lifeCtx); err != nil {
		log.Warn().Err(err).Msg("drop lost control connection failed")
	}
	log.Warn().Str("connection", conn.ID()).Msg("control connection lost, reconnecting")
	go m.reconnect()
}

func (m *Manager) reconnect() {
	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()
	err := safe.Call("control reconnect", func() error {
		if _, err := m.resolveHub(m.lifeCtx); err != nil {
			return err
		}
		return m.establishWithRetry(m.lifeCtx)
	})
	if err != nil {
		log.Error().Err(err).Msg("control reconnect aborted")
		return
	}

	m.mu.Lock()
	restored := m.state == protocol.StateActivated || m.state == protocol.StateIdle
	if restored {
		m.state = protocol.StateActivated
	}
	m.mu.Unlock()
	if restored {
		m.reportDetached(protocol.StateActivated)
	}
	log.Info().Msg("control connection restored")
}

func (m *Manager) isReconnectDisabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnectDisabled || m.closed
}

func (m *Manager) setState(state protocol.ControlState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
}

// reportDetached reports without blocking the caller; failures are logged.
func (m *Manager) reportDetached(state protocol.ControlState) {
	go func() {
		err := safe.Call("report "+string(state), func() error {
			return m.reporter.ReportStatus(context.Background(), state)
		})
		if err != nil {
			log.Error().Err(err).Str("state", string(state)).Msg("report device status failed")
		}
	}()
}

type statusReporter struct {
	api    HubAPI
	device protocol.DeviceIdentity
}

func (r *statusReporter) ReportStatus(ctx context.Context, state protocol.ControlState) error {
	return r.api.UpdateStatus(ctx, hubapi.StatusReport{
		DeviceUDID: r.device.UDID,
		State:      state,
		Message:    r.device.Message,
	})
}
