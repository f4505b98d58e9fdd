package jstransform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// PoolConfig controls the pool of JavaScript VMs backing a transformer.
type PoolConfig struct {
	// MinSize is the number of VMs created up front and kept warm.
	MinSize int

	// MaxSize is the maximum number of live VMs.
	MaxSize int

	// MaxReuseCount is how many executions a VM serves before it is retired.
	MaxReuseCount int

	// IdleTimeout is how long a warm VM above MinSize may sit unused before
	// it is reclaimed. Zero disables reclamation.
	IdleTimeout time.Duration
}

// DefaultPoolConfig returns the pool settings used when none are provided.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinSize:       2,
		MaxSize:       16,
		MaxReuseCount: 1000,
		IdleTimeout:   5 * time.Minute,
	}
}

func (c PoolConfig) validate() error {
	if c.MinSize < 0 {
		return newConfigurationError("pool min size cannot be negative")
	}
	if c.MaxSize < 1 {
		return newConfigurationError("pool max size must be at least 1")
	}
	if c.MaxSize < c.MinSize {
		return newConfigurationError("pool max size cannot be smaller than min size")
	}
	if c.MaxReuseCount < 1 {
		return newConfigurationError("pool max reuse count must be at least 1")
	}
	return nil
}

// PoolStats is a snapshot of pool occupancy.
type PoolStats struct {
	Available int
	Live      int
	Capacity  int
}

type pooledVM struct {
	vm       *goja.Runtime
	reuse    int
	lastUsed time.Time
}

// vmPool hands out sandboxed VMs for script execution. VMs are reset between
// uses and retired after MaxReuseCount executions.
type vmPool struct {
	cfg      PoolConfig
	script   *Config
	registry *utilityRegistry

	idle chan *pooledVM
	done chan struct{}

	mu     sync.Mutex
	live   int
	closed bool
}

func newVMPool(poolCfg PoolConfig, scriptCfg *Config, registry *utilityRegistry) (*vmPool, error) {
	if err := poolCfg.validate(); err != nil {
		return nil, err
	}

	p := &vmPool{
		cfg:      poolCfg,
		script:   scriptCfg,
		registry: registry,
		idle:     make(chan *pooledVM, poolCfg.MaxSize),
		done:     make(chan struct{}),
	}

	for i := 0; i < poolCfg.MinSize; i++ {
		pvm, err := p.reserveAndCreate()
		if err != nil {
			p.close()
			return nil, err
		}
		p.idle <- pvm
	}

	if poolCfg.IdleTimeout > 0 {
		go p.janitor()
	}

	return p, nil
}

// acquire returns a VM, creating one when the pool has headroom and blocking
// on a free VM otherwise.
func (p *vmPool) acquire(ctx context.Context) (*pooledVM, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, newInternalError("vm pool is closed", nil)
	}

	select {
	case pvm := <-p.idle:
		return pvm, nil
	default:
	}

	if pvm, created, err := p.tryCreate(); created {
		return pvm, err
	}

	select {
	case pvm := <-p.idle:
		return pvm, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, newInternalError("vm pool is closed", nil)
	}
}

func (p *vmPool) tryCreate() (*pooledVM, bool, error) {
	p.mu.Lock()
	if p.closed || p.live >= p.cfg.MaxSize {
		p.mu.Unlock()
		return nil, false, nil
	}
	p.live++
	p.mu.Unlock()

	pvm, err := p.createVM()
	if err != nil {
		p.mu.Lock()
		p.live--
		p.mu.Unlock()
		return nil, true, err
	}
	return pvm, true, nil
}

func (p *vmPool) reserveAndCreate() (*pooledVM, error) {
	p.mu.Lock()
	p.live++
	p.mu.Unlock()

	pvm, err := p.createVM()
	if err != nil {
		p.mu.Lock()
		p.live--
		p.mu.Unlock()
		return nil, err
	}
	return pvm, nil
}

// release returns a VM to the pool, retiring it when it is exhausted,
// unhealthy, or cannot be reset.
func (p *vmPool) release(pvm *pooledVM) {
	if pvm == nil {
		return
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	pvm.reuse++
	if closed || pvm.reuse >= p.cfg.MaxReuseCount || !p.isHealthy(pvm) {
		p.destroy(pvm)
		return
	}
	if err := p.resetVM(pvm); err != nil {
		p.destroy(pvm)
		return
	}

	pvm.lastUsed = time.Now()
	select {
	case p.idle <- pvm:
	default:
		p.destroy(pvm)
	}
}

func (p *vmPool) createVM() (*pooledVM, error) {
	vm := goja.New()

	if err := newSandbox(p.script).apply(vm); err != nil {
		return nil, newInternalError("failed to sandbox vm", err)
	}
	if err := p.registry.registerEnabled(vm, p.script); err != nil {
		return nil, newInternalError("failed to register utilities", err)
	}

	return &pooledVM{vm: vm, lastUsed: time.Now()}, nil
}

// globalCleanupScript removes everything scripts attached to the global
// object. Builtins, sandbox guards, and utility globals stay.
const globalCleanupScript = `
	(function() {
		var keep = {
			'Object': true, 'Array': true, 'String': true, 'Number': true,
			'Boolean': true, 'Date': true, 'RegExp': true, 'Math': true,
			'JSON': true, 'Error': true, 'TypeError': true, 'RangeError': true,
			'SyntaxError': true, 'EvalError': true, 'ReferenceError': true,
			'URIError': true, 'parseInt': true, 'parseFloat': true,
			'isNaN': true, 'isFinite': true, 'decodeURI': true,
			'decodeURIComponent': true, 'encodeURI': true,
			'encodeURIComponent': true, 'undefined': true, 'NaN': true,
			'Infinity': true, 'globalThis': true, 'eval': true,
			'Function': true, 'Symbol': true, 'Proxy': true, 'Reflect': true,
			'Promise': true, 'Map': true, 'Set': true, 'WeakMap': true,
			'WeakSet': true, 'ArrayBuffer': true, 'DataView': true,
			'console': true, 'btoa': true, 'atob': true, 'strutil': true,
			'require': true, 'process': true, 'module': true, 'exports': true,
			'Buffer': true, '__dirname': true, '__filename': true,
			'setImmediate': true, 'clearImmediate': true
		};
		var names = Object.getOwnPropertyNames(this);
		for (var i = 0; i < names.length; i++) {
			if (!keep[names[i]]) {
				try { delete this[names[i]]; } catch (e) {}
			}
		}
	})();
`

func (p *vmPool) resetVM(pvm *pooledVM) error {
	pvm.vm.ClearInterrupt()

	if _, err := pvm.vm.RunString(globalCleanupScript); err != nil {
		return fmt.Errorf("failed to reset vm globals: %w", err)
	}
	if err := p.registry.cleanupEnabled(pvm.vm, p.script); err != nil {
		return err
	}
	return nil
}

func (p *vmPool) isHealthy(pvm *pooledVM) bool {
	pvm.vm.ClearInterrupt()
	value, err := pvm.vm.RunString("1 + 1")
	if err != nil {
		return false
	}
	result, ok := value.Export().(int64)
	return ok && result == 2
}

func (p *vmPool) destroy(pvm *pooledVM) {
	p.mu.Lock()
	p.live--
	p.mu.Unlock()
}

func (p *vmPool) janitor() {
	ticker := time.NewTicker(p.cfg.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.done:
			return
		}
	}
}

// reapIdle retires idle VMs beyond MinSize that have not been used within
// IdleTimeout.
func (p *vmPool) reapIdle() {
	var kept []*pooledVM
	for {
		select {
		case pvm := <-p.idle:
			p.mu.Lock()
			expendable := p.live > p.cfg.MinSize
			p.mu.Unlock()

			if expendable && time.Since(pvm.lastUsed) > p.cfg.IdleTimeout {
				p.destroy(pvm)
			} else {
				kept = append(kept, pvm)
			}
		default:
			for _, pvm := range kept {
				p.idle <- pvm
			}
			return
		}
	}
}

func (p *vmPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.done)

	for {
		select {
		case pvm := <-p.idle:
			p.destroy(pvm)
		default:
			return
		}
	}
}

func (p *vmPool) stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Available: len(p.idle),
		Live:      p.live,
		Capacity:  p.cfg.MaxSize,
	}
}
