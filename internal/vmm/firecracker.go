package vmm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/otusdev/otusd/internal/config"
	"github.com/otusdev/otusd/internal/rpc"
)

// guestVsockPort is the well-known vsock port the in-guest agent listens on.
const guestVsockPort = 1024

// healthPollAttempts and healthPollInterval bound the "ready" check after
// boot: up to K attempts with a fixed backoff (spec.md §4.3).
const (
	healthPollAttempts = 30
	healthPollInterval = 500 * time.Millisecond
	bootGracePeriod    = 2 * time.Second
)

// FirecrackerVMM implements VMM over Firecracker's unix-socket REST API,
// with TAP+NAT networking and vsock guest transport.
type FirecrackerVMM struct {
	mu        sync.Mutex
	instances map[string]*fcInstance

	firecrackerBin string
	kernelPath     string
	cfg            *config.Config
	taps           *TAPPool
	log            zerolog.Logger
}

type fcInstance struct {
	id     string
	config VMConfig

	cmd  *exec.Cmd
	done chan struct{}

	apiSocket   string
	vsockSocket string

	tap *TAPDevice

	client *rpc.Client

	endpoints []HostEndpoint
}

// NewFirecrackerVMM constructs the backend. TAP networking and iptables
// need root; neither this constructor nor cmd/otusd checks for it.
func NewFirecrackerVMM(cfg *config.Config, log zerolog.Logger) (*FirecrackerVMM, error) {
	cfg.ResolveBinaries()

	fcBin := cfg.FirecrackerBin
	if fcBin == "" {
		return nil, fmt.Errorf("firecracker binary not found")
	}
	if _, err := os.Stat(cfg.KernelPath); err != nil {
		return nil, fmt.Errorf("kernel not found at %s: %w", cfg.KernelPath, err)
	}

	netCfg, err := LoadNetworkConfig(cfg.NetworkConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load network config: %w", err)
	}
	taps := NewTAPPool(netCfg)

	cleanupOrphanedTaps()

	return &FirecrackerVMM{
		instances:      make(map[string]*fcInstance),
		firecrackerBin: fcBin,
		kernelPath:     cfg.KernelPath,
		cfg:            cfg,
		taps:           taps,
		log:            log,
	}, nil
}

func (v *FirecrackerVMM) CreateVM(ctx context.Context, cfg VMConfig) (Handle, error) {
	if cfg.Rootfs.Type != RootFSBlockImage {
		return Handle{}, fmt.Errorf("firecracker backend requires a block-image rootfs, got %s", cfg.Rootfs.Type)
	}

	id := "vm-" + uuid.NewString()
	sockDir := filepath.Join(v.cfg.DataDir, "sockets")

	inst := &fcInstance{
		id:          id,
		config:      cfg,
		done:        make(chan struct{}),
		apiSocket:   filepath.Join(sockDir, fmt.Sprintf("fc-api-%s.sock", id)),
		vsockSocket: filepath.Join(sockDir, fmt.Sprintf("fc-vsock-%s.sock", id)),
	}

	if cfg.Networked {
		tap, err := v.taps.Allocate()
		if err != nil {
			return Handle{}, fmt.Errorf("allocate tap: %w", err)
		}
		inst.tap = tap
		for _, ep := range cfg.ExposePorts {
			inst.endpoints = append(inst.endpoints, HostEndpoint{
				GuestPort:   ep.GuestPort,
				HostPort:    ep.GuestPort,
				Protocol:    ep.Protocol,
				BackendAddr: tap.GuestIP,
			})
		}
	}

	v.mu.Lock()
	v.instances[id] = inst
	v.mu.Unlock()

	return Handle{ID: id}, nil
}

func (v *FirecrackerVMM) StartVM(ctx context.Context, h Handle) (ControlChannel, error) {
	inst, err := v.lookup(h)
	if err != nil {
		return nil, err
	}

	if inst.tap != nil {
		if err := createTapDevice(inst.tap.Name, inst.tap.Index); err != nil {
			v.destroyUnconditionally(inst)
			return nil, fmt.Errorf("create tap %s: %w", inst.tap.Name, err)
		}
		if err := setupNAT(inst.tap.Name, inst.tap.Index); err != nil {
			v.destroyUnconditionally(inst)
			return nil, fmt.Errorf("setup NAT for %s: %w", inst.tap.Name, err)
		}
	}

	os.Remove(inst.vsockSocket)
	os.Remove(inst.apiSocket)

	cmd := exec.Command(v.firecrackerBin, "--api-sock", inst.apiSocket)
	if err := cmd.Start(); err != nil {
		v.destroyUnconditionally(inst)
		return nil, fmt.Errorf("start firecracker: %w", err)
	}
	v.mu.Lock()
	inst.cmd = cmd
	v.mu.Unlock()
	go func() {
		_ = cmd.Wait()
		close(inst.done)
	}()

	if err := waitForSocketFile(inst.apiSocket, 10*time.Second); err != nil {
		v.destroyUnconditionally(inst)
		return nil, fmt.Errorf("firecracker api socket: %w", err)
	}

	client := newFcClient(inst.apiSocket)
	if err := v.configureAndBoot(client, inst); err != nil {
		v.destroyUnconditionally(inst)
		return nil, fmt.Errorf("configure and boot: %w", err)
	}

	time.Sleep(bootGracePeriod)

	conn, err := rpc.DialVsockProxy(ctx, inst.vsockSocket, guestVsockPort)
	if err != nil {
		v.destroyUnconditionally(inst)
		return nil, fmt.Errorf("dial guest vsock: %w", err)
	}
	framer := rpc.NewFramer(conn)
	rpcClient := rpc.NewClient(framer, v.log)

	if err := v.waitHealthy(ctx, rpcClient); err != nil {
		rpcClient.Close()
		v.destroyUnconditionally(inst)
		return nil, fmt.Errorf("guest did not become healthy: %w", err)
	}

	v.mu.Lock()
	inst.client = rpcClient
	v.mu.Unlock()

	return framer, nil
}

func (v *FirecrackerVMM) waitHealthy(ctx context.Context, client *rpc.Client) error {
	var lastErr error
	for attempt := 0; attempt < healthPollAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, healthPollInterval)
		err := client.Call(callCtx, "health", nil, nil)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(healthPollInterval)
	}
	return fmt.Errorf("health check failed after %d attempts: %w", healthPollAttempts, lastErr)
}

func (v *FirecrackerVMM) configureAndBoot(client *fcClient, inst *fcInstance) error {
	cfg := inst.config

	if err := client.put("/boot-source", map[string]any{
		"kernel_image_path": v.kernelPath,
		"boot_args":         v.kernelCmdline(inst),
	}); err != nil {
		return fmt.Errorf("boot-source: %w", err)
	}

	if err := client.put("/drives/rootfs", map[string]any{
		"drive_id":       "rootfs",
		"path_on_host":   cfg.Rootfs.Path,
		"is_root_device": true,
		"is_read_only":   false,
	}); err != nil {
		return fmt.Errorf("drives/rootfs: %w", err)
	}

	if err := client.put("/machine-config", map[string]any{
		"vcpu_count":   cfg.VCPUs,
		"mem_size_mib": cfg.MemoryMB,
	}); err != nil {
		return fmt.Errorf("machine-config: %w", err)
	}

	if err := client.put("/vsock", map[string]any{
		"guest_cid": 3,
		"uds_path":  inst.vsockSocket,
	}); err != nil {
		return fmt.Errorf("vsock: %w", err)
	}

	if inst.tap != nil {
		if err := client.put("/network-interfaces/eth0", map[string]any{
			"iface_id":      "eth0",
			"host_dev_name": inst.tap.Name,
			"guest_mac":     inst.tap.MAC,
		}); err != nil {
			return fmt.Errorf("network-interfaces: %w", err)
		}
	}

	if err := client.put("/actions", map[string]any{
		"action_type": "InstanceStart",
	}); err != nil {
		return fmt.Errorf("InstanceStart: %w", err)
	}
	return nil
}

func (v *FirecrackerVMM) kernelCmdline(inst *fcInstance) string {
	parts := []string{
		"console=ttyS0",
		"reboot=k",
		"panic=1",
		"root=/dev/vda",
		"rw",
		"init=/usr/bin/otus-harness",
		"OTUS_VSOCK_PORT=" + strconv.Itoa(guestVsockPort),
		"OTUS_VSOCK_CID=2",
	}
	if inst.tap != nil {
		parts = append(parts,
			fmt.Sprintf("OTUS_NET_IP=%s/30", inst.tap.GuestIP),
			fmt.Sprintf("OTUS_NET_GW=%s", hostIPForIndex(inst.tap.Index)),
		)
	}
	if inst.config.WorkspacePath != "" {
		parts = append(parts, "OTUS_WORKSPACE=1")
	}
	return strings.Join(parts, " ")
}

func (v *FirecrackerVMM) PauseVM(ctx context.Context, h Handle) error {
	inst, err := v.lookup(h)
	if err != nil {
		return err
	}
	client := newFcClient(inst.apiSocket)
	return client.patch("/vm", map[string]any{"state": "Paused"})
}

func (v *FirecrackerVMM) ResumeVM(ctx context.Context, h Handle) error {
	inst, err := v.lookup(h)
	if err != nil {
		return err
	}
	client := newFcClient(inst.apiSocket)
	return client.patch("/vm", map[string]any{"state": "Resumed"})
}

func (v *FirecrackerVMM) StopVM(ctx context.Context, h Handle) error {
	v.mu.Lock()
	inst, ok := v.instances[h.ID]
	if ok {
		delete(v.instances, h.ID)
	}
	v.mu.Unlock()
	if !ok {
		return nil // idempotent: already stopped or never existed
	}
	v.destroyUnconditionally(inst)
	return nil
}

func (v *FirecrackerVMM) destroyUnconditionally(inst *fcInstance) {
	if inst.client != nil {
		inst.client.Close()
	}
	if inst.cmd != nil && inst.cmd.Process != nil {
		_ = inst.cmd.Process.Kill()
		<-inst.done
	}
	os.Remove(inst.apiSocket)
	os.Remove(inst.vsockSocket)
	if inst.tap != nil {
		removeNAT(inst.tap.Name, inst.tap.Index)
		destroyTapDevice(inst.tap.Name)
		v.taps.Release(inst.tap.Name)
	}
}

func (v *FirecrackerVMM) HostEndpoints(h Handle) ([]HostEndpoint, error) {
	inst, err := v.lookup(h)
	if err != nil {
		return nil, err
	}
	return inst.endpoints, nil
}

func (v *FirecrackerVMM) Capabilities() BackendCaps {
	return BackendCaps{
		Pause:           true,
		PersistentPause: false,
		RootFSType:      RootFSBlockImage,
		Name:            "firecracker",
		NetworkBackend:  "tap",
	}
}

func (v *FirecrackerVMM) lookup(h Handle) (*fcInstance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	inst, ok := v.instances[h.ID]
	if !ok {
		return nil, fmt.Errorf("vm %s not found", h.ID)
	}
	return inst, nil
}

// fcClient is a tiny HTTP client dialed over Firecracker's unix-socket REST
// API.
type fcClient struct {
	http *http.Client
	base string
}

func newFcClient(socketPath string) *fcClient {
	return &fcClient{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return net.DialTimeout("unix", socketPath, 5*time.Second)
				},
			},
			Timeout: 10 * time.Second,
		},
		base: "http://localhost",
	}
}

func (c *fcClient) put(path string, body any) error {
	return c.do(http.MethodPut, path, body)
}

func (c *fcClient) patch(path string, body any) error {
	return c.do(http.MethodPatch, path, body)
}

func (c *fcClient) do(method, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s %s body: %w", method, path, err)
	}
	req, err := http.NewRequest(method, c.base+path, strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, respBody)
	}
	return nil
}

func waitForSocketFile(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("socket %s did not appear within %v", path, timeout)
}
