// Package vmm defines the virtual machine manager interface used to boot
// and destroy the Linux microVMs ("sandboxes") the daemon drives, plus the
// concrete Firecracker-backed implementation and its TAP device pool.
package vmm

import (
	"context"
	"fmt"

	"github.com/otusdev/otusd/internal/rpc"
)

// Handle is an opaque reference to a VM created by a VMM backend.
type Handle struct {
	ID string
}

func (h Handle) String() string { return h.ID }

// RootFSType describes the format of a root filesystem. otusd assumes a
// Firecracker-style backend, which takes a raw block image.
type RootFSType int

const (
	RootFSBlockImage RootFSType = iota
	RootFSDirectory
)

func (t RootFSType) String() string {
	switch t {
	case RootFSBlockImage:
		return "block-image"
	case RootFSDirectory:
		return "directory"
	default:
		return "unknown"
	}
}

// RootFS describes the root filesystem artifact for a VM.
type RootFS struct {
	Type RootFSType
	Path string
}

// PortExpose describes a guest port the caller wants reachable from the
// host.
type PortExpose struct {
	GuestPort int
	Protocol  string
}

// VMConfig describes how to create a VM.
type VMConfig struct {
	Rootfs        RootFS
	MemoryMB      int
	VCPUs         int
	WorkspacePath string
	Networked     bool
	ExposePorts   []PortExpose
}

// HostEndpoint describes how to reach one of a VM's exposed ports: either a
// mapped host port, or — under TAP networking — the guest address to dial
// directly.
type HostEndpoint struct {
	GuestPort   int
	HostPort    int
	Protocol    string
	BackendAddr string
}

// BackendCaps reports what a VMM backend can do.
type BackendCaps struct {
	Pause           bool
	PersistentPause bool
	RootFSType      RootFSType
	Name            string
	NetworkBackend  string
}

func (c BackendCaps) String() string {
	return fmt.Sprintf("backend=%s pause=%v rootfs=%s network=%s",
		c.Name, c.Pause, c.RootFSType, c.NetworkBackend)
}

// ControlChannel is the message-oriented channel between otusd and the
// in-guest agent: one newline-delimited JSON-RPC object per Send/Recv. It is
// exactly the framing internal/rpc provides, reused here so the VMM package
// never has to know about sockets directly.
type ControlChannel = rpc.Framer

// VMM is the virtual machine manager interface; the sandbox manager and VM
// pool call this and never touch the hypervisor directly.
type VMM interface {
	// CreateVM creates (but does not start) a VM, allocating any sockets
	// and TAP devices it will need.
	CreateVM(ctx context.Context, config VMConfig) (Handle, error)

	// StartVM starts a created VM, waits the initialisation grace period,
	// polls guest health up to a fixed number of attempts, and returns a
	// ready ControlChannel. On failure it destroys the VM unconditionally.
	StartVM(ctx context.Context, h Handle) (ControlChannel, error)

	// PauseVM pauses a running VM, retaining RAM, if the backend supports it.
	PauseVM(ctx context.Context, h Handle) error

	// ResumeVM resumes a paused VM.
	ResumeVM(ctx context.Context, h Handle) error

	// StopVM is idempotent: closes the RPC client, terminates the
	// hypervisor process, unlinks sockets, releases the TAP allocation.
	StopVM(ctx context.Context, h Handle) error

	// HostEndpoints returns resolved host endpoints for a VM's exposed
	// ports. Only valid after StartVM succeeds.
	HostEndpoints(h Handle) ([]HostEndpoint, error)

	// Capabilities reports what this backend supports.
	Capabilities() BackendCaps
}
