package devicesim

import (
	"context"

	"github.com/httprunner/devicesim/pkg/protocol"
)

// AutoTarget is what an automation driver needs to reach the device.
type AutoTarget struct {
	Device protocol.DeviceIdentity
	// APIURL is the hub API root the WebDriver endpoint lives under.
	APIURL string
	// ProxyAddr is the local forward proxy, empty when it is disabled.
	ProxyAddr string
}

// AutomationDriver runs an automated test against the hub. WebDriver
// bindings live outside this module.
type AutomationDriver interface {
	Run(ctx context.Context, target AutoTarget) error
}

// AutomationDriverFunc adapts a function to AutomationDriver.
type AutomationDriverFunc func(ctx context.Context, target AutoTarget) error

func (f AutomationDriverFunc) Run(ctx context.Context, target AutoTarget) error {
	return f(ctx, target)
}
