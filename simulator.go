package devicesim

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/httprunner/devicesim/internal/config"
	"github.com/httprunner/devicesim/internal/safe"
	"github.com/httprunner/devicesim/pkg/control"
	"github.com/httprunner/devicesim/pkg/hubapi"
	"github.com/httprunner/devicesim/pkg/protocol"
	"github.com/httprunner/devicesim/pkg/proxy"
	"github.com/httprunner/devicesim/pkg/retry"
	"github.com/httprunner/devicesim/pkg/session"
	"github.com/httprunner/devicesim/pkg/storage"
	"github.com/httprunner/devicesim/pkg/transport"
)

// ErrNotAuthorized is returned by the Run methods when the hub rejects the
// device token.
var ErrNotAuthorized = errors.New("devicesim: device not authorized")

// Options build a Simulator. Zero fields fall back to the WebSocket dialer,
// a ledger at Config.LedgerPath and the collected machine info.
type Options struct {
	Config     config.Simulator
	Device     protocol.DeviceIdentity
	Dialer     transport.Dialer
	HTTPClient *http.Client
	Ledger     storage.SessionRecorder
	Machine    *MachineInfo
	// ProxyAllocator overrides proxy.DefaultAllocator.
	ProxyAllocator *proxy.Allocator
}

// Simulator wires registration, the control channel and the local proxy
// for one simulated device.
type Simulator struct {
	cfg     config.Simulator
	device  protocol.DeviceIdentity
	api     *hubapi.Client
	dialer  transport.Dialer
	ledger  storage.SessionRecorder
	machine MachineInfo
	alloc   *proxy.Allocator

	ledgerCloser io.Closer
}

func New(opts Options) (*Simulator, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.RegisterRetryDelay <= 0 {
		cfg.RegisterRetryDelay = config.DefaultRegisterRetryDelay
	}
	if cfg.HubRetryDelay <= 0 {
		cfg.HubRetryDelay = config.DefaultHubRetryDelay
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := cfg.HTTPTimeout
		if timeout <= 0 {
			timeout = config.DefaultHTTPTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	api, err := hubapi.New(cfg.APIBaseURL(), cfg.Token, httpClient)
	if err != nil {
		return nil, err
	}

	device := opts.Device
	if strings.TrimSpace(device.UDID) == "" {
		device = DefaultDevice("")
	}
	s := &Simulator{
		cfg:    cfg,
		device: device,
		api:    api,
		dialer: opts.Dialer,
		ledger: opts.Ledger,
		alloc:  opts.ProxyAllocator,
	}
	if s.dialer == nil {
		s.dialer = &transport.WebSocketDialer{}
	}
	if opts.Machine != nil {
		s.machine = *opts.Machine
	} else {
		s.machine = CollectMachineInfo()
	}
	if s.ledger == nil {
		ledger, err := storage.OpenLedger(cfg.LedgerPath)
		if err != nil {
			return nil, err
		}
		s.ledger = ledger
		if closer, ok := ledger.(io.Closer); ok {
			s.ledgerCloser = closer
		}
	}
	return s, nil
}

// API exposes the hub REST client.
func (s *Simulator) API() *hubapi.Client {
	return s.api
}

// Device returns the simulated identity.
func (s *Simulator) Device() protocol.DeviceIdentity {
	return s.device
}

// Close releases the ledger opened by New.
func (s *Simulator) Close() error {
	if s.ledgerCloser != nil {
		return s.ledgerCloser.Close()
	}
	return nil
}

// Register adds or updates the device on the hub, retrying until it
// succeeds or ctx ends.
func (s *Simulator) Register(ctx context.Context) error {
	reg := hubapi.DeviceRegistration{
		NodeID:       s.cfg.NodeID,
		UDID:         s.device.UDID,
		Capabilities: registrationCapabilities(s.device),
		Machine:      s.machine,
	}
	err := retry.Run(ctx, retry.Unbounded(), s.cfg.RegisterRetryDelay, func(ctx context.Context, attempt int) error {
		err := s.api.UpdateDevice(ctx, reg)
		if hubapi.IsStatus(err, http.StatusUnauthorized) {
			return retry.Permanent(errors.Wrap(ErrNotAuthorized, err.Error()))
		}
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("device registration failed, retrying")
		}
		return err
	})
	if err != nil {
		return errors.Wrap(err, "register device")
	}
	log.Info().Str("udid", s.device.UDID).Str("node_id", s.cfg.NodeID).Msg("device registered")
	return nil
}

// RunProxy serves only the local forward proxy until ctx ends.
func (s *Simulator) RunProxy(ctx context.Context) error {
	px, err := proxy.Start(ctx, proxy.Options{Allocator: s.alloc})
	if err != nil {
		return err
	}
	defer px.Close()
	select {
	case <-ctx.Done():
	case <-px.Done():
	}
	return nil
}

// Serve registers and activates the device, then waits for the first hub
// session to end.
func (s *Simulator) Serve(ctx context.Context) (session.Context, error) {
	rt, err := s.start(ctx)
	if err != nil {
		return session.Context{}, err
	}
	defer rt.shutdown()
	return rt.waitSessionEnded(ctx)
}

// RunManual activates the device and plays a manual session against it
// through the booking API, returning once the session ended.
func (s *Simulator) RunManual(ctx context.Context, deviceID int) (session.Context, error) {
	if deviceID <= 0 {
		deviceID = s.cfg.DeviceID
	}
	tester, err := NewManualTester(ManualTesterConfig{
		Booker:    s.api,
		Dialer:    s.dialer,
		Token:     s.cfg.Token,
		DeviceID:  deviceID,
		StepDelay: s.cfg.ManualStepDelay,
	})
	if err != nil {
		return session.Context{}, err
	}
	rt, err := s.start(ctx)
	if err != nil {
		return session.Context{}, err
	}
	defer rt.shutdown()

	log.Info().Int("device_id", deviceID).Msg("start manual")
	var ended session.Context
	g, gctx := errgroup.WithContext(ctx)
	safe.GroupGo(gctx, g, "manual tester", func(ctx context.Context) error {
		return tester.Run(ctx)
	})
	safe.GroupGo(gctx, g, "session wait", func(ctx context.Context) error {
		info, err := rt.waitSessionEnded(ctx)
		ended = info
		return err
	})
	if err := g.Wait(); err != nil {
		return ended, err
	}
	log.Info().Str("session_id", ended.SessionID).Msg("session ended, exiting")
	return ended, nil
}

// RunAuto activates the device and runs driver. With a nil driver it waits
// for an externally driven AUTO session to end.
func (s *Simulator) RunAuto(ctx context.Context, driver AutomationDriver) error {
	rt, err := s.start(ctx)
	if err != nil {
		return err
	}
	defer rt.shutdown()

	if driver == nil {
		_, err := rt.waitSessionEnded(ctx)
		return err
	}
	target := AutoTarget{Device: s.device, APIURL: s.cfg.APIURL}
	if rt.proxy != nil {
		target.ProxyAddr = rt.proxy.Addr()
	}
	log.Info().Str("udid", s.device.UDID).Msg("start auto")
	if err := safe.Call("automation driver", func() error { return driver.Run(ctx, target) }); err != nil {
		return errors.Wrap(err, "automation driver")
	}
	return nil
}

type activation struct {
	control *control.Manager
	proxy   *proxy.Server
}

func (s *Simulator) start(ctx context.Context) (*activation, error) {
	if err := s.Register(ctx); err != nil {
		return nil, err
	}
	mgr, err := control.New(control.Config{
		Device:        s.device,
		Token:         s.cfg.Token,
		API:           s.api,
		Dialer:        s.dialer,
		APIURL:        s.cfg.APIURL,
		Poster:        s.api,
		Ledger:        s.ledger,
		HubRetryDelay: s.cfg.HubRetryDelay,
	})
	if err != nil {
		return nil, err
	}
	rt := &activation{control: mgr}
	if err := mgr.Activate(ctx); err != nil {
		rt.shutdown()
		if isNotAuthorized(mgr) {
			return nil, errors.Wrap(ErrNotAuthorized, err.Error())
		}
		return nil, err
	}
	if s.cfg.ProxyEnabled {
		px, err := proxy.Start(ctx, proxy.Options{Allocator: s.alloc})
		if err != nil {
			rt.shutdown()
			return nil, err
		}
		rt.proxy = px
	}
	return rt, nil
}

func (rt *activation) waitSessionEnded(ctx context.Context) (session.Context, error) {
	select {
	case info := <-rt.control.SessionEnded():
		return info, nil
	case <-rt.control.NotAuthorized():
		return session.Context{}, ErrNotAuthorized
	case <-ctx.Done():
		return session.Context{}, ctx.Err()
	}
}

func (rt *activation) shutdown() {
	if rt.proxy != nil {
		_ = rt.proxy.Close()
	}
	if err := rt.control.Close(context.Background()); err != nil {
		log.Warn().Err(err).Msg("close control channel failed")
	}
}

func isNotAuthorized(mgr *control.Manager) bool {
	select {
	case <-mgr.NotAuthorized():
		return true
	default:
		return false
	}
}
