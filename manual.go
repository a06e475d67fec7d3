package devicesim

import (
	"context"
	"time"

	"github.com/httprunner/devicesim/pkg/hubapi"
	"github.com/httprunner/devicesim/pkg/protocol"
	"github.com/httprunner/devicesim/pkg/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultManualStepDelay spaces the scripted manual commands.
const DefaultManualStepDelay = 2 * time.Second

// screen projection requested by the viewer
const projectionMedium = "MEDIUM"

// Booker books a manual session on a device. hubapi.Client implements it.
type Booker interface {
	BookSession(ctx context.Context, deviceID int) (*hubapi.Booking, error)
}

// ManualTester plays the tester side of a manual session: it books the
// device, opens a viewer connection and, once the hub confirms
// START_MANUAL, pushes a short command script ending with STOP_MANUAL.
type ManualTester struct {
	booker    Booker
	dialer    transport.Dialer
	token     string
	deviceID  int
	stepDelay time.Duration
}

// ManualTesterConfig wires a ManualTester.
type ManualTesterConfig struct {
	Booker    Booker
	Dialer    transport.Dialer
	Token     string
	DeviceID  int
	StepDelay time.Duration
}

func NewManualTester(cfg ManualTesterConfig) (*ManualTester, error) {
	if cfg.Booker == nil || cfg.Dialer == nil {
		return nil, errors.New("manual tester: booker and dialer are required")
	}
	if cfg.DeviceID <= 0 {
		return nil, errors.Errorf("manual tester: invalid device id %d", cfg.DeviceID)
	}
	if cfg.StepDelay <= 0 {
		cfg.StepDelay = DefaultManualStepDelay
	}
	return &ManualTester{
		booker:    cfg.Booker,
		dialer:    cfg.Dialer,
		token:     cfg.Token,
		deviceID:  cfg.DeviceID,
		stepDelay: cfg.StepDelay,
	}, nil
}

// Script returns the messages sent after START_MANUAL, in order.
func Script() []protocol.Message {
	home := map[string]any{"value": protocol.KeyHome}
	return []protocol.Message{
		protocol.NewMessage(protocol.TypeNoop, nil),
		protocol.NewMessage(protocol.TypePressButton, home),
		protocol.NewMessage(protocol.TypePressButton, home),
		protocol.NewMessage(protocol.TypePressButton, home),
		protocol.NewMessage(protocol.TypeStopManual, nil),
	}
}

// Run books the session and blocks until the script was sent or ctx ends.
func (t *ManualTester) Run(ctx context.Context) error {
	booking, err := t.booker.BookSession(ctx, t.deviceID)
	if err != nil {
		return errors.Wrap(err, "manual tester: book session")
	}
	log.Info().Int("device_id", t.deviceID).Str("hub", booking.Hub.Host).Msg("manual session booked")

	info := transport.Info{
		"token":      t.token,
		"type":       string(protocol.ConnectionManual),
		"projection": projectionMedium,
	}
	if len(booking.Params) > 0 {
		info["params"] = booking.Params
	}
	viewer := t.dialer.NewConnection(protocol.ConnectionManual, booking.Hub, info)

	started := make(chan struct{}, 1)
	viewer.Subscribe(transport.Listener{
		OnMessage: func(msg protocol.Message) {
			log.Debug().Interface("message", msg).Msg("viewer message")
			if msg.Type() == protocol.TypeStartManual {
				select {
				case started <- struct{}{}:
				default:
				}
			}
		},
		OnError: func(err error) {
			log.Error().Err(err).Msg("viewer connection error")
		},
	})
	defer func() {
		viewer.RemoveAllListeners()
		if err := viewer.Drop(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("drop viewer connection failed")
		}
	}()

	if err := viewer.Establish(ctx); err != nil {
		return errors.Wrap(err, "manual tester: open viewer connection")
	}

	select {
	case <-started:
	case <-ctx.Done():
		return ctx.Err()
	}
	return t.play(ctx, viewer)
}

func (t *ManualTester) play(ctx context.Context, viewer transport.Connection) error {
	for i, msg := range Script() {
		if i > 0 {
			timer := time.NewTimer(t.stepDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
		log.Info().Str("type", msg.Type()).Str("value", msg.String("value")).Msg("manual tester send")
		if err := viewer.Send(ctx, msg); err != nil {
			return errors.Wrapf(err, "manual tester: send %s", msg.Type())
		}
	}
	return nil
}
