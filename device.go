// Package devicesim simulates a remote-controllable test device on a cloud
// device hub: it registers the device, keeps its control channel alive,
// records the actions of hub sessions and runs a local forward proxy.
package devicesim

import (
	"strings"

	"github.com/httprunner/devicesim/pkg/protocol"
)

// desktopVersion tags registrations made by the simulator.
const desktopVersion = "simulate 1.0"

// DefaultDevice is the identity used when none is configured.
func DefaultDevice(udid string) protocol.DeviceIdentity {
	udid = strings.TrimSpace(udid)
	if udid == "" {
		udid = "devicesim-device"
	}
	return protocol.DeviceIdentity{
		UDID:            udid,
		DisplayName:     "DeviceSim 01",
		Platform:        "iOS",
		PlatformVersion: "10.3.3",
		Model:           "D10AP",
		Capabilities: map[string]any{
			"deviceType":        "iPhone",
			"name":              "iPhone 7",
			"productType":       "iPhone9,1",
			"isEmulator":        false,
			"isHidden":          false,
			"installedBrowsers": []map[string]any{{"name": "safari"}},
			"support": map[string]any{
				"appiumDisabled":                  false,
				"networkTrafficCapturingDisabled": false,
			},
		},
	}
}

// registrationCapabilities is the capability object sent to devices/update.
func registrationCapabilities(device protocol.DeviceIdentity) map[string]any {
	caps := device.Descriptor()
	caps["desktopVersion"] = desktopVersion
	return caps
}
