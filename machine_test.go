package devicesim

import (
	"encoding/json"
	"runtime"
	"testing"

	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrimaryNetworkSkipsLoopbackAndDown(t *testing.T) {
	ifaces := psnet.InterfaceStatList{
		{Name: "lo", Flags: []string{"up", "loopback"}, Addrs: psnet.InterfaceAddrList{{Addr: "127.0.0.1/8"}}},
		{Name: "eth1", Flags: []string{"broadcast"}, Addrs: psnet.InterfaceAddrList{{Addr: "10.1.1.2/24"}}},
		{
			Name:         "en0",
			Flags:        []string{"up", "broadcast", "multicast"},
			HardwareAddr: "4c:8d:79:ea:96:fe",
			Addrs:        psnet.InterfaceAddrList{{Addr: "fe80::1/64"}, {Addr: "192.168.36.23/24"}},
		},
	}

	got := primaryNetwork(ifaces)
	require.NotNil(t, got)
	assert.Equal(t, NetworkInfo{
		Address: "192.168.36.23",
		Netmask: "255.255.255.0",
		Family:  "IPv4",
		MAC:     "4c:8d:79:ea:96:fe",
	}, *got)
	assert.Nil(t, primaryNetwork(ifaces[:2]))
}

func TestCollectMachineInfo(t *testing.T) {
	info := CollectMachineInfo()
	assert.Equal(t, runtime.GOARCH, info.Arch)
	assert.Equal(t, runtime.GOOS, info.Platform)
	assert.Equal(t, Version, info.Version)
	assert.Positive(t, info.NumCPU)
	if runtime.GOOS == "linux" || runtime.GOOS == "darwin" {
		assert.Positive(t, info.TotalMem)
		assert.LessOrEqual(t, info.FreeMem, info.TotalMem)
	}
}

func TestMachineInfoJSONKeys(t *testing.T) {
	data, err := json.Marshal(MachineInfo{Hostname: "h", FreeMem: 1, TotalMem: 2, Uptime: 3})
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	for _, key := range []string{"hostname", "freemem", "totalmem", "uptime", "version", "buildNumber"} {
		assert.Contains(t, decoded, key)
	}
}
