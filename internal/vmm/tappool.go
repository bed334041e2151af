package vmm

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// TAPDevice is one pre-named network device in the fixed-cardinality pool.
type TAPDevice struct {
	Name    string
	Index   int
	MAC     string
	GuestIP string
	InUse   bool
}

// NetworkConfig is the well-known on-disk file the TAP pool loads when
// present, overriding its built-in defaults.
type NetworkConfig struct {
	BridgeName string `yaml:"bridgeName"`
	Capacity   int    `yaml:"capacity"`
	BaseSubnet string `yaml:"baseSubnet"`
}

const (
	defaultBridgeName = "otus0"
	defaultCapacity   = 64
	tapNamePrefix     = "otustap"
)

// TAPPool is a fixed-cardinality pool of pre-named TAP devices, each given
// its own /30 host-side address and NAT rules when created. Devices are not
// attached to the host bridge; bridgeName is only checked by Verify.
// Allocation is first-free; MAC addresses are deterministic
// functions of device index so repeated allocations are reproducible.
type TAPPool struct {
	mu         sync.Mutex
	devices    []*TAPDevice
	bridgeName string
}

// LoadNetworkConfig reads a YAML network config file if it exists, returning
// nil (not an error) when the file is absent so callers fall back to
// defaults.
func LoadNetworkConfig(path string) (*NetworkConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read network config %s: %w", path, err)
	}
	var cfg NetworkConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse network config %s: %w", path, err)
	}
	return &cfg, nil
}

// NewTAPPool builds a pool of cap pre-named, not-yet-created devices. It
// does not touch the OS — devices are created lazily by StartVM and torn
// down by StopVM; the pool itself only tracks allocation state.
func NewTAPPool(cfg *NetworkConfig) *TAPPool {
	bridge := defaultBridgeName
	capacity := defaultCapacity
	if cfg != nil {
		if cfg.BridgeName != "" {
			bridge = cfg.BridgeName
		}
		if cfg.Capacity > 0 {
			capacity = cfg.Capacity
		}
	}

	devices := make([]*TAPDevice, capacity)
	for i := range devices {
		devices[i] = &TAPDevice{
			Name:    fmt.Sprintf("%s%d", tapNamePrefix, i),
			Index:   i,
			MAC:     deterministicMAC(i),
			GuestIP: guestIPForIndex(i),
		}
	}
	return &TAPPool{devices: devices, bridgeName: bridge}
}

// deterministicMAC derives a locally-administered unicast MAC address from
// a device index: 02:00:00:00:hi:lo, where 02 sets the locally-administered
// bit and clears the multicast bit.
func deterministicMAC(index int) string {
	hi := byte(index >> 8)
	lo := byte(index)
	return fmt.Sprintf("02:00:00:00:%02x:%02x", hi, lo)
}

// guestIPForIndex computes a /30 subnet per device: .0 network, .1 host
// side, .2 guest, .3 broadcast — matching the allocation scheme the rest of
// the networking code (NAT rules, tap bring-up) assumes.
func guestIPForIndex(index int) string {
	third := index / 64
	fourthBase := (index % 64) * 4
	return fmt.Sprintf("172.18.%d.%d", third, fourthBase+2)
}

func hostIPForIndex(index int) string {
	third := index / 64
	fourthBase := (index % 64) * 4
	return fmt.Sprintf("172.18.%d.%d", third, fourthBase+1)
}

// Allocate returns the first free device or fails with ErrNoCapacity.
func (p *TAPPool) Allocate() (*TAPDevice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.devices {
		if !d.InUse {
			d.InUse = true
			return d, nil
		}
	}
	return nil, ErrNoCapacity
}

// Release marks a device free again by name. Unknown names are a no-op —
// callers release defensively during cleanup paths.
func (p *TAPPool) Release(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.devices {
		if d.Name == name {
			d.InUse = false
			return
		}
	}
}

// ErrNoCapacity is returned by Allocate when every device in the pool is in
// use.
var ErrNoCapacity = fmt.Errorf("tap pool: no capacity")

// Verify checks that the bridge exists at the OS level. It does not check
// any tap device, since StartVM creates each one per VM. Failure yields a human-readable remediation string; it is
// not necessarily fatal — the daemon can still run with networking
// disabled.
func (p *TAPPool) Verify() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}
	names := make(map[string]bool, len(ifaces))
	for _, iface := range ifaces {
		names[iface.Name] = true
	}
	if !names[p.bridgeName] {
		return fmt.Sprintf(
			"bridge %q not found; create it with: ip link add %s type bridge && ip link set %s up",
			p.bridgeName, p.bridgeName, p.bridgeName,
		), fmt.Errorf("bridge %s missing", p.bridgeName)
	}
	return "", nil
}

// createTapDevice creates a host tap interface, assigns its host-side IP,
// and brings it up.
func createTapDevice(name string, index int) error {
	if err := runCmd("ip", "tuntap", "add", "dev", name, "mode", "tap"); err != nil {
		return fmt.Errorf("ip tuntap add %s: %w", name, err)
	}
	if err := runCmd("ip", "addr", "add", hostIPForIndex(index)+"/30", "dev", name); err != nil {
		destroyTapDevice(name)
		return fmt.Errorf("ip addr add %s: %w", name, err)
	}
	if err := runCmd("ip", "link", "set", name, "up"); err != nil {
		destroyTapDevice(name)
		return fmt.Errorf("ip link set up %s: %w", name, err)
	}
	return nil
}

func destroyTapDevice(name string) {
	_ = runCmd("ip", "link", "del", name)
}

func setupNAT(tapName string, index int) error {
	src := guestIPForIndex(index) + "/30"
	if err := runCmd("iptables", "-t", "nat", "-A", "POSTROUTING", "-s", src, "-j", "MASQUERADE"); err != nil {
		return fmt.Errorf("iptables MASQUERADE %s: %w", tapName, err)
	}
	if err := runCmd("iptables", "-A", "FORWARD", "-i", tapName, "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("iptables FORWARD in %s: %w", tapName, err)
	}
	if err := runCmd("iptables", "-A", "FORWARD", "-o", tapName, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("iptables FORWARD out %s: %w", tapName, err)
	}
	return nil
}

func removeNAT(tapName string, index int) {
	src := guestIPForIndex(index) + "/30"
	_ = runCmd("iptables", "-t", "nat", "-D", "POSTROUTING", "-s", src, "-j", "MASQUERADE")
	_ = runCmd("iptables", "-D", "FORWARD", "-i", tapName, "-j", "ACCEPT")
	_ = runCmd("iptables", "-D", "FORWARD", "-o", tapName, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT")
}

// cleanupOrphanedTaps removes tap devices left behind by a daemon crash, by
// scanning host interfaces for the pool's naming scheme.
func cleanupOrphanedTaps() {
	ifaces, err := net.Interfaces()
	if err != nil {
		return
	}
	for _, iface := range ifaces {
		if !strings.HasPrefix(iface.Name, tapNamePrefix) {
			continue
		}
		var idx int
		fmt.Sscanf(iface.Name, tapNamePrefix+"%d", &idx)
		removeNAT(iface.Name, idx)
		destroyTapDevice(iface.Name)
	}
}

func runCmd(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	return cmd.Run()
}
