// Package jstransform executes user-supplied JavaScript as transform
// functions for the alignment engine.
//
// A script runs once per invocation as a function body. It reads the global
// input value and returns an object mapping output channel names to arrays:
//
//	var items = input.labels.orders;
//	return { totals: items.map(function(o) { return o.amount; }) };
//
// input carries sequence, path, itemIndex, and labels. Scripts execute on
// pooled VMs with a sandbox applied, so state does not leak between
// invocations.
package jstransform

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/dop251/goja"

	"github.com/wehubfusion/Arbor/pkg/engine"
	"github.com/wehubfusion/Arbor/pkg/engine/logging"
)

// Transformer owns a compiled script and the VM pool that executes it. It is
// safe for concurrent use; each invocation runs on its own VM.
type Transformer struct {
	cfg     Config
	program *goja.Program
	pool    *vmPool
}

// New creates a transformer with the default pool configuration.
func New(cfg Config, logger logging.Logger) (*Transformer, error) {
	return NewWithPool(cfg, DefaultPoolConfig(), logger)
}

// NewWithPool creates a transformer with explicit pool settings. The script
// is compiled once; VMs are created lazily up to the pool limit.
func NewWithPool(cfg Config, poolCfg PoolConfig, logger logging.Logger) (*Transformer, error) {
	if logger == nil {
		logger = &logging.NoOpLogger{}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	program, err := compile(cfg.Script)
	if err != nil {
		return nil, err
	}

	t := &Transformer{
		cfg:     cfg,
		program: program,
	}

	pool, err := newVMPool(poolCfg, &t.cfg, newUtilityRegistry(logger))
	if err != nil {
		return nil, err
	}
	t.pool = pool

	return t, nil
}

// Compile checks a script for syntax errors without executing it.
func Compile(script string) error {
	_, err := compile(script)
	return err
}

// compile wraps the script as a function body so top-level return works and
// var declarations stay out of the global object.
func compile(script string) (*goja.Program, error) {
	program, err := goja.Compile("transform.js", "(function() {\n"+script+"\n})()", false)
	if err != nil {
		return nil, newSyntaxError(err.Error(), err)
	}
	return program, nil
}

// Transform adapts the transformer to the engine's transform signature.
func (t *Transformer) Transform() engine.Transform[any, any] {
	return func(ctx context.Context, inv engine.Invocation[any]) (map[string][]any, error) {
		return t.Apply(ctx, inv)
	}
}

// Apply executes the script against a single invocation.
func (t *Transformer) Apply(ctx context.Context, inv engine.Invocation[any]) (map[string][]any, error) {
	pvm, err := t.pool.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer t.pool.release(pvm)

	if err := pvm.vm.Set("input", scriptInput(inv)); err != nil {
		return nil, newInternalError("failed to bind script input", err)
	}

	value, err := t.runWithTimeout(ctx, pvm)
	if err != nil {
		return nil, err
	}

	return exportChannels(value)
}

// Close releases the VM pool.
func (t *Transformer) Close() {
	t.pool.close()
}

// Stats reports VM pool occupancy.
func (t *Transformer) Stats() PoolStats {
	return t.pool.stats()
}

// scriptInput builds the input global for one invocation. The path is copied
// so a script cannot mutate the path used for output assembly.
func scriptInput(inv engine.Invocation[any]) map[string]interface{} {
	labels := make(map[string]interface{}, len(inv.Branches))
	for _, branch := range inv.Branches {
		labels[branch.Label] = branch.Items
	}
	return map[string]interface{}{
		"sequence":  inv.Sequence,
		"path":      []int(inv.Path.Clone()),
		"itemIndex": inv.ItemIndex,
		"labels":    labels,
	}
}

// runWithTimeout executes the compiled program, interrupting the VM when the
// configured timeout or the caller's context expires.
func (t *Transformer) runWithTimeout(ctx context.Context, pvm *pooledVM) (goja.Value, error) {
	runCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	done := make(chan struct{})
	watcherExited := make(chan struct{})
	var interrupted atomic.Bool
	go func() {
		defer close(watcherExited)
		select {
		case <-runCtx.Done():
			select {
			case <-done:
				// The run already finished; do not interrupt a VM that may
				// have been handed to another invocation.
			default:
				interrupted.Store(true)
				pvm.vm.Interrupt("execution timeout")
			}
		case <-done:
		}
	}()

	value, err := pvm.vm.RunProgram(t.program)
	close(done)
	// Wait for the watcher so any interrupt it issued happens before the VM
	// is released; resetVM clears it on release.
	<-watcherExited

	if err != nil {
		if interrupted.Load() {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, newTimeoutError(fmt.Sprintf("script exceeded %s", t.cfg.Timeout))
		}
		return nil, parseScriptException(err)
	}

	return value, nil
}

// exportChannels converts the script's return value into the engine's output
// shape. Scalar channel values are wrapped as single-item lists.
func exportChannels(value goja.Value) (map[string][]any, error) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, newRuntimeError("script returned no value; return an object mapping channels to arrays", nil)
	}

	exported := value.Export()
	object, ok := exported.(map[string]interface{})
	if !ok {
		return nil, newRuntimeError(fmt.Sprintf("script must return an object mapping channels to arrays, got %T", exported), nil)
	}

	outputs := make(map[string][]any, len(object))
	for channel, raw := range object {
		switch items := raw.(type) {
		case nil:
			outputs[channel] = []any{}
		case []interface{}:
			outputs[channel] = items
		default:
			outputs[channel] = []any{raw}
		}
	}

	return outputs, nil
}
