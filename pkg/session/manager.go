// Package session owns the per-session hub connection of a MANUAL or AUTO
// test session and feeds its raw events through gesture classification into
// the action recorder.
package session

import (
	"context"
	"strings"
	"sync"

	"github.com/httprunner/devicesim/internal/safe"
	"github.com/httprunner/devicesim/pkg/gesture"
	"github.com/httprunner/devicesim/pkg/protocol"
	"github.com/httprunner/devicesim/pkg/recorder"
	"github.com/httprunner/devicesim/pkg/storage"
	"github.com/httprunner/devicesim/pkg/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// StatusReporter pushes a device state to the hub.
type StatusReporter interface {
	ReportStatus(ctx context.Context, state protocol.ControlState) error
}

// Context describes the active session. SessionID and BaseReportingURL stay
// empty until the hub announces the session began.
type Context struct {
	SessionID        string
	BaseReportingURL string
	Kind             protocol.ConnectionKind
	ConnectionID     string
}

// StartOptions carry what the session connection announces to the hub.
type StartOptions struct {
	Hub    protocol.HubBinding
	Auth   protocol.AuthContext
	Device protocol.DeviceIdentity
	// Extra holds command fields forwarded as-is, e.g. timeoutKey, quality,
	// fps and deviceMetricCaptureInterval.
	Extra map[string]any
}

// Config wires a Manager.
type Config struct {
	Dialer transport.Dialer
	// APIURL is the hub API root without the /v1 suffix.
	APIURL   string
	Poster   recorder.CommandPoster
	Reporter StatusReporter
	Ledger   storage.SessionRecorder

	// BeforeTeardown runs first when a session ends. The control manager
	// drops its control connection here.
	BeforeTeardown func(ctx context.Context) error
	// OnEnded is called once per ended session, after teardown.
	OnEnded func(Context)
}

// Manager owns zero or one active session.
type Manager struct {
	cfg Config

	startMu sync.Mutex
	mu      sync.Mutex
	current *activeSession
}

type activeSession struct {
	conn       transport.Connection
	classifier *gesture.Classifier
	recorder   *recorder.Recorder
	ledgerID   string

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	info Context

	endOnce sync.Once
}

func (s *activeSession) snapshot() Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// New validates cfg and returns an idle Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("session: dialer is required")
	}
	if cfg.Ledger == nil {
		cfg.Ledger = storage.NoopRecorder{}
	}
	cfg.APIURL = strings.TrimSuffix(strings.TrimSpace(cfg.APIURL), "/")
	return &Manager{cfg: cfg}, nil
}

// Active returns the current session context, if any.
func (m *Manager) Active() (Context, bool) {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil {
		return Context{}, false
	}
	return s.snapshot(), true
}

// SetZoomInfo hands zoom metadata to the active session's classifier; it is
// merged into the next recorded ZOOM. It returns false when no session runs.
func (m *Manager) SetZoomInfo(info map[string]any) bool {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil {
		return false
	}
	s.classifier.SetZoomInfo(info)
	return true
}

// Start opens a session connection of the given kind. A session already
// running is ended first.
func (m *Manager) Start(ctx context.Context, kind protocol.ConnectionKind, opts StartOptions) error {
	if kind != protocol.ConnectionManual && kind != protocol.ConnectionAuto {
		return errors.Errorf("session: unsupported connection kind %q", kind)
	}
	m.startMu.Lock()
	defer m.startMu.Unlock()

	// Replacing a session keeps the control binding alive.
	m.mu.Lock()
	prev := m.current
	m.current = nil
	m.mu.Unlock()
	if prev != nil {
		log.Info().Str("connection", prev.conn.ID()).Msg("ending previous session before start")
		m.teardown(ctx, prev, false)
	}

	conn := m.cfg.Dialer.NewConnection(kind, opts.Hub, connectionInfo(opts))
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &activeSession{
		conn:       conn,
		classifier: gesture.New(),
		recorder:   recorder.New(m.cfg.Poster),
		ctx:        sctx,
		cancel:     cancel,
		info:       Context{Kind: kind, ConnectionID: conn.ID()},
	}
	conn.Subscribe(transport.Listener{
		OnMessage: func(msg protocol.Message) { m.onHubMessage(s, msg) },
		OnError: func(err error) {
			log.Error().Err(err).Str("connection", conn.ID()).Msg("session connection error")
		},
		OnStatus: func(status transport.Status) {
			log.Debug().Str("connection", conn.ID()).Str("status", string(status)).Msg("session connection status")
		},
	})

	m.mu.Lock()
	m.current = s
	m.mu.Unlock()

	ledgerID, err := m.cfg.Ledger.SessionStarted(sctx, opts.Auth.UDID, string(kind))
	if err != nil {
		log.Warn().Err(err).Msg("ledger: record session start failed")
	}
	s.ledgerID = ledgerID

	if err := conn.Establish(ctx); err != nil {
		m.mu.Lock()
		if m.current == s {
			m.current = nil
		}
		m.mu.Unlock()
		s.endOnce.Do(func() {
			conn.RemoveAllListeners()
			if dropErr := conn.Drop(ctx); dropErr != nil {
				log.Warn().Err(dropErr).Msg("drop failed session connection")
			}
			if ledgerErr := m.cfg.Ledger.SessionEnded(sctx, s.ledgerID, err); ledgerErr != nil {
				log.Warn().Err(ledgerErr).Msg("ledger: record session failure failed")
			}
			cancel()
		})
		return errors.Wrapf(err, "session: establish %s connection", kind)
	}

	log.Info().Str("kind", string(kind)).Str("connection", conn.ID()).Msg("session connection established")
	m.reportDetached(protocol.StateUtilizing)
	return nil
}

// End tears down the active session. Calling it with no session is a no-op.
func (m *Manager) End(ctx context.Context) error {
	m.mu.Lock()
	s := m.current
	m.current = nil
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	m.teardown(ctx, s, true)
	return nil
}

// endSession ends s only if it is still the active session.
func (m *Manager) endSession(ctx context.Context, s *activeSession) {
	m.mu.Lock()
	if m.current != s {
		m.mu.Unlock()
		return
	}
	m.current = nil
	m.mu.Unlock()
	m.teardown(ctx, s, true)
}

func (m *Manager) teardown(ctx context.Context, s *activeSession, releaseBinding bool) {
	s.endOnce.Do(func() {
		if releaseBinding && m.cfg.BeforeTeardown != nil {
			if err := safe.Call("session before-teardown", func() error { return m.cfg.BeforeTeardown(ctx) }); err != nil {
				log.Warn().Err(err).Msg("tear down control binding failed")
			}
		}
		s.conn.RemoveAllListeners()
		if err := s.conn.Drop(ctx); err != nil {
			log.Warn().Err(err).Str("connection", s.conn.ID()).Msg("drop session connection failed")
		}
		if err := m.cfg.Ledger.SessionEnded(context.WithoutCancel(ctx), s.ledgerID, nil); err != nil {
			log.Warn().Err(err).Msg("ledger: record session end failed")
		}
		s.cancel()
		s.classifier.Reset()

		info := s.snapshot()
		log.Info().Str("kind", string(info.Kind)).Str("session_id", info.SessionID).Msg("session ended")
		if m.cfg.OnEnded != nil {
			m.cfg.OnEnded(info)
		}
	})
}

// onHubMessage runs on the session connection's read goroutine, one
// message at a time.
func (m *Manager) onHubMessage(s *activeSession, msg protocol.Message) {
	log.Debug().Str("connection", s.conn.ID()).Interface("message", msg).Msg("session message")

	if action, ok := s.classifier.Classify(msg); ok {
		if _, err := s.recorder.Record(s.ctx, action); err != nil {
			log.Error().Err(err).Str("action", action.Type).Msg("record action failed")
		}
	}

	switch msg.Type() {
	case protocol.TypeManualBegan, protocol.TypeAutoBegan:
		m.began(s, msg)
	case protocol.TypeManualEnded, protocol.TypeAutoEnded:
		m.endSession(s.ctx, s)
	}
}

func (m *Manager) began(s *activeSession, msg protocol.Message) {
	sessionID := msg.String("sessionId")
	if sessionID == "" {
		log.Warn().Str("type", msg.Type()).Msg("session began without sessionId")
		return
	}
	baseURL := m.cfg.APIURL + "/v1/sessions/" + sessionID

	s.mu.Lock()
	s.info.SessionID = sessionID
	s.info.BaseReportingURL = baseURL
	s.mu.Unlock()
	s.recorder.SetBaseURL(baseURL)

	if err := m.cfg.Ledger.SessionBegan(s.ctx, s.ledgerID, sessionID); err != nil {
		log.Warn().Err(err).Msg("ledger: record session began failed")
	}
	log.Info().Str("session_id", sessionID).Str("base_url", baseURL).Msg("session began")
}

func (m *Manager) reportDetached(state protocol.ControlState) {
	if m.cfg.Reporter == nil {
		return
	}
	go func() {
		err := safe.Call("report "+string(state), func() error {
			return m.cfg.Reporter.ReportStatus(context.Background(), state)
		})
		if err != nil {
			log.Error().Err(err).Str("state", string(state)).Msg("report device status failed")
		}
	}()
}

func connectionInfo(opts StartOptions) transport.Info {
	info := transport.Info{}
	for k, v := range opts.Extra {
		info[k] = v
	}
	info["token"] = opts.Auth.Token
	info["udid"] = opts.Auth.UDID
	if opts.Device.UDID != "" {
		info["deviceInfo"] = opts.Device.Descriptor()
	}
	return info
}
