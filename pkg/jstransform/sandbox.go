package jstransform

import (
	"fmt"

	"github.com/dop251/goja"
)

// sandbox applies security restrictions to a VM before any script runs on it.
type sandbox struct {
	securityLevel string
	maxStackDepth int
}

func newSandbox(cfg *Config) *sandbox {
	return &sandbox{
		securityLevel: cfg.SecurityLevel,
		maxStackDepth: cfg.MaxStackDepth,
	}
}

// hostGlobals are Node-style globals that must never be reachable from a
// transform script, regardless of security level.
var hostGlobals = []string{
	"require",
	"process",
	"module",
	"exports",
	"Buffer",
	"__dirname",
	"__filename",
	"setImmediate",
	"clearImmediate",
}

func (s *sandbox) apply(vm *goja.Runtime) error {
	vm.SetMaxCallStackSize(s.maxStackDepth)

	for _, name := range hostGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to clear global %s: %w", name, err)
		}
	}

	if s.securityLevel == SecurityLevelStrict {
		if err := s.restrictDynamicCode(vm); err != nil {
			return err
		}
	}

	if s.securityLevel != SecurityLevelPermissive {
		if err := s.freezeBuiltins(vm); err != nil {
			return err
		}
	}

	return nil
}

// restrictDynamicCode replaces eval and the Function constructor with guards
// that throw a security error.
func (s *sandbox) restrictDynamicCode(vm *goja.Runtime) error {
	for _, name := range []string{"eval", "Function"} {
		blocked := name
		guard := func(call goja.FunctionCall) goja.Value {
			panic(vm.ToValue(newSecurityError(fmt.Sprintf(
				"%s is not allowed at security level %s", blocked, s.securityLevel))))
		}
		if err := vm.Set(blocked, guard); err != nil {
			return fmt.Errorf("failed to restrict %s: %w", blocked, err)
		}
	}
	return nil
}

// freezeBuiltins freezes the prototypes of the core builtins so scripts
// cannot poison them for later users of the same VM.
func (s *sandbox) freezeBuiltins(vm *goja.Runtime) error {
	freezeScript := `
		(function() {
			var targets = [Object, Array, String, Number, Boolean, Date, RegExp, Math];
			for (var i = 0; i < targets.length; i++) {
				var t = targets[i];
				if (t && t.prototype) {
					Object.freeze(t.prototype);
				}
				Object.freeze(t);
			}
		})();
	`
	if _, err := vm.RunString(freezeScript); err != nil {
		return fmt.Errorf("failed to freeze builtins: %w", err)
	}
	return nil
}
