package proxy

import (
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// Default bounds of the process-wide allocator.
const (
	DefaultPortFloor   = 20000
	DefaultPortCeiling = 60000

	maxPort         = 65535
	reserveHeadroom = 100
)

// ProbeFunc returns count free ports, scanning upward from start.
type ProbeFunc func(start, count int) ([]int, error)

// DefaultAllocator is shared by every proxy started in this process.
var DefaultAllocator = NewAllocator(DefaultPortFloor, DefaultPortCeiling, nil)

// Allocator hands out port ranges that do not collide with concurrent
// allocations. The counter is only touched under mu.
type Allocator struct {
	floor   int
	ceiling int
	probe   ProbeFunc

	mu   sync.Mutex
	next int
}

// NewAllocator builds an allocator starting at floor. A nil probe binds
// 127.0.0.1 to find free ports.
func NewAllocator(floor, ceiling int, probe ProbeFunc) *Allocator {
	if floor <= 0 {
		floor = DefaultPortFloor
	}
	if ceiling <= floor || ceiling > maxPort {
		ceiling = DefaultPortCeiling
	}
	if probe == nil {
		probe = probeLocal
	}
	return &Allocator{floor: floor, ceiling: ceiling, probe: probe, next: floor}
}

// FindPorts reserves the current offset, advances the counter by
// 100+count, probes from the reserved offset and ratchets the counter past
// the highest port the probe returned.
func (a *Allocator) FindPorts(count int) ([]int, error) {
	if count <= 0 {
		return nil, errors.Errorf("proxy: invalid port count %d", count)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	start := a.next
	a.advance(start + reserveHeadroom + count)

	ports, err := a.probe(start, count)
	if err != nil {
		return nil, errors.Wrapf(err, "proxy: probe %d ports from %d", count, start)
	}
	if len(ports) != count {
		return nil, errors.Errorf("proxy: probe returned %d ports, want %d", len(ports), count)
	}
	highest := 0
	for _, p := range ports {
		if p > highest {
			highest = p
		}
	}
	if highest >= a.next && a.next != a.floor {
		a.advance(highest + 1)
	}
	return ports, nil
}

// FindPort is FindPorts(1).
func (a *Allocator) FindPort() (int, error) {
	ports, err := a.FindPorts(1)
	if err != nil {
		return 0, err
	}
	return ports[0], nil
}

func (a *Allocator) advance(to int) {
	if to > a.ceiling {
		to = a.floor
	}
	a.next = to
}

func probeLocal(start, count int) ([]int, error) {
	ports := make([]int, 0, count)
	for port := start; port <= maxPort && len(ports) < count; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			continue
		}
		_ = ln.Close()
		ports = append(ports, port)
	}
	if len(ports) < count {
		return nil, errors.Errorf("only %d free ports above %d", len(ports), start)
	}
	return ports, nil
}
