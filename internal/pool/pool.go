// Package pool implements the VM pool pre-warmer: a background cache of
// fully-booted, health-checked VMs handed out to the sandbox manager so
// start_sandbox does not have to pay a cold boot on the common path.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/otusdev/otusd/internal/vmm"
)

// backoffStart and backoffMax bound the warm-up retry delay after a failed
// boot attempt.
const (
	backoffStart = 1 * time.Second
	backoffMax   = 30 * time.Second
)

// VM is a fully booted sandbox with no owning session, kept warm by the
// pool. It carries everything the sandbox manager needs to adopt it without
// re-dialing the guest.
type VM struct {
	Handle  vmm.Handle
	Channel vmm.ControlChannel
	GuestIP string
}

// Pool holds a target number T of fully-booted, health-checked VMs in an
// available list, refilling asynchronously as they're handed out.
type Pool struct {
	backend vmm.VMM
	newCfg  func() vmm.VMConfig
	target  int
	log     zerolog.Logger

	mu        sync.Mutex
	available []*VM
	refilling bool
	closed    bool
}

// New creates a pool targeting `target` warm VMs, built with newCfg for
// each boot attempt. The VMConfig newCfg returns is used unchanged,
// including whatever WorkspacePath it sets.
func New(backend vmm.VMM, target int, newCfg func() vmm.VMConfig, log zerolog.Logger) *Pool {
	p := &Pool{backend: backend, newCfg: newCfg, target: target, log: log}
	p.triggerRefill()
	return p
}

// Get pops one available VM, or returns (nil, false) if the pool is
// currently empty — the caller should boot one inline. Either way, Get
// asynchronously triggers a refill.
func (p *Pool) Get() (*VM, bool) {
	p.mu.Lock()
	var v *VM
	if len(p.available) > 0 {
		v = p.available[len(p.available)-1]
		p.available = p.available[:len(p.available)-1]
	}
	p.mu.Unlock()

	p.triggerRefill()
	return v, v != nil
}

// triggerRefill starts at most one background warm-up goroutine at a time.
func (p *Pool) triggerRefill() {
	p.mu.Lock()
	if p.closed || p.refilling || len(p.available) >= p.target {
		p.mu.Unlock()
		return
	}
	p.refilling = true
	p.mu.Unlock()

	go p.refillLoop()
}

// refillLoop creates one VM at a time until the available list reaches
// target, backing off on failure.
func (p *Pool) refillLoop() {
	defer func() {
		p.mu.Lock()
		p.refilling = false
		p.mu.Unlock()
	}()

	backoff := backoffStart
	for {
		p.mu.Lock()
		closed := p.closed
		needMore := len(p.available) < p.target
		p.mu.Unlock()
		if closed || !needMore {
			return
		}

		v, err := p.bootOne()
		if err != nil {
			p.log.Warn().Err(err).Msg("pool: warm-up boot failed, backing off")
			time.Sleep(backoff)
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
			continue
		}
		backoff = backoffStart

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = p.backend.StopVM(context.Background(), v.Handle)
			return
		}
		p.available = append(p.available, v)
		p.mu.Unlock()
	}
}

func (p *Pool) bootOne() (*VM, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cfg := p.newCfg()
	handle, err := p.backend.CreateVM(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create vm: %w", err)
	}
	channel, err := p.backend.StartVM(ctx, handle)
	if err != nil {
		_ = p.backend.StopVM(ctx, handle)
		return nil, fmt.Errorf("start vm: %w", err)
	}

	guestIP := ""
	if endpoints, err := p.backend.HostEndpoints(handle); err == nil && len(endpoints) > 0 {
		guestIP = endpoints[0].BackendAddr
	}

	return &VM{Handle: handle, Channel: channel, GuestIP: guestIP}, nil
}

// Shutdown destroys every pool-owned VM and stops further refilling.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	vms := p.available
	p.available = nil
	p.mu.Unlock()

	for _, v := range vms {
		_ = p.backend.StopVM(ctx, v.Handle)
	}
}

// Available reports the current warm-VM count, for /health's vmPool field.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// Target reports the pool's configured size.
func (p *Pool) Target() int {
	return p.target
}
