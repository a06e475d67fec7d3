package devicesim

import (
	"context"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
)

// Version is reported in the registration machine block.
const Version = "1.0.0"

const machineProbeTimeout = 5 * time.Second

// MachineInfo describes the host the simulator runs on. It is sent with the
// device registration.
type MachineInfo struct {
	Hostname string `json:"hostname"`
	Arch     string `json:"arch"`
	Platform string `json:"platform"`
	Type     string `json:"type"`
	NumCPU   int    `json:"cpus"`
	// FreeMem and TotalMem are bytes; Uptime is seconds.
	FreeMem     uint64       `json:"freemem"`
	TotalMem    uint64       `json:"totalmem"`
	Uptime      uint64       `json:"uptime"`
	HostUUID    string       `json:"hostUUID,omitempty"`
	Version     string       `json:"version"`
	BuildNumber string       `json:"buildNumber"`
	Network     *NetworkInfo `json:"network,omitempty"`
}

// NetworkInfo is the first non-loopback IPv4 interface.
type NetworkInfo struct {
	Address  string `json:"address"`
	Netmask  string `json:"netmask"`
	Family   string `json:"family"`
	MAC      string `json:"mac"`
	Internal bool   `json:"internal"`
}

// CollectMachineInfo gathers best-effort host facts; missing pieces stay empty.
func CollectMachineInfo() MachineInfo {
	ctx, cancel := context.WithTimeout(context.Background(), machineProbeTimeout)
	defer cancel()

	hostname, _ := os.Hostname()
	info := MachineInfo{
		Hostname:    hostname,
		Arch:        runtime.GOARCH,
		Platform:    runtime.GOOS,
		Type:        osType(),
		NumCPU:      runtime.NumCPU(),
		Version:     Version,
		BuildNumber: "N/A",
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.FreeMem = vm.Free
		info.TotalMem = vm.Total
	} else {
		log.Debug().Err(err).Msg("read virtual memory failed")
	}
	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		info.Uptime = uptime
	} else {
		log.Debug().Err(err).Msg("read host uptime failed")
	}
	if id, err := host.HostIDWithContext(ctx); err == nil {
		info.HostUUID = strings.TrimSpace(id)
	} else {
		log.Debug().Err(err).Msg("read host id failed")
	}
	if ifaces, err := psnet.InterfacesWithContext(ctx); err == nil {
		info.Network = primaryNetwork(ifaces)
	} else {
		log.Debug().Err(err).Msg("list network interfaces failed")
	}
	return info
}

func osType() string {
	switch runtime.GOOS {
	case "darwin":
		return "Darwin"
	case "linux":
		return "Linux"
	case "windows":
		return "Windows_NT"
	default:
		return runtime.GOOS
	}
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

// primaryNetwork picks the first IPv4 address of an up, non-loopback interface.
func primaryNetwork(ifaces psnet.InterfaceStatList) *NetworkInfo {
	for _, iface := range ifaces {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") {
			continue
		}
		for _, addr := range iface.Addrs {
			ip, ipNet, err := net.ParseCIDR(addr.Addr)
			if err != nil || ip.To4() == nil {
				continue
			}
			return &NetworkInfo{
				Address: ip.String(),
				Netmask: net.IP(ipNet.Mask).String(),
				Family:  "IPv4",
				MAC:     iface.HardwareAddr,
			}
		}
	}
	return nil
}
