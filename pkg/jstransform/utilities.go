package jstransform

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dop251/goja"

	"github.com/wehubfusion/Arbor/pkg/engine/logging"
)

// Utility is a host feature that can be exposed to transform scripts.
type Utility interface {
	// Name returns the unique name of the utility.
	Name() string

	// Register installs the utility in the VM runtime.
	Register(vm *goja.Runtime) error

	// AllowedSecurityLevels returns the security levels that allow this utility.
	AllowedSecurityLevels() []string

	// Cleanup is called when the VM is being reset for reuse.
	Cleanup(vm *goja.Runtime) error
}

// utilityRegistry manages the utilities available to a transformer.
type utilityRegistry struct {
	utilities map[string]Utility
	mu        sync.RWMutex
}

func newUtilityRegistry(logger logging.Logger) *utilityRegistry {
	registry := &utilityRegistry{
		utilities: make(map[string]Utility),
	}

	registry.add(&consoleUtility{logger: logger})
	registry.add(&jsonUtility{})
	registry.add(&encodingUtility{})
	registry.add(&stringsUtility{})

	return registry
}

func (r *utilityRegistry) add(utility Utility) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.utilities[utility.Name()] = utility
}

// registerEnabled installs every enabled utility that the security level
// permits. Unknown names are skipped.
func (r *utilityRegistry) registerEnabled(vm *goja.Runtime, cfg *Config) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range cfg.EnabledUtilities {
		utility, ok := r.utilities[name]
		if !ok {
			continue
		}
		if !allowedAtLevel(utility, cfg.SecurityLevel) {
			continue
		}
		if err := utility.Register(vm); err != nil {
			return fmt.Errorf("failed to register utility %s: %w", name, err)
		}
	}

	return nil
}

func (r *utilityRegistry) cleanupEnabled(vm *goja.Runtime, cfg *Config) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range cfg.EnabledUtilities {
		utility, ok := r.utilities[name]
		if !ok {
			continue
		}
		if err := utility.Cleanup(vm); err != nil {
			return fmt.Errorf("failed to cleanup utility %s: %w", name, err)
		}
	}

	return nil
}

func allowedAtLevel(utility Utility, securityLevel string) bool {
	for _, level := range utility.AllowedSecurityLevels() {
		if level == securityLevel {
			return true
		}
	}
	return false
}

// consoleUtility routes console output from scripts into the host logger.
type consoleUtility struct {
	logger logging.Logger
}

func (u *consoleUtility) Name() string { return "console" }

func (u *consoleUtility) AllowedSecurityLevels() []string {
	return []string{SecurityLevelStandard, SecurityLevelPermissive}
}

func (u *consoleUtility) Register(vm *goja.Runtime) error {
	console := vm.NewObject()

	emit := func(log func(string, ...logging.Field)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			args := make([]interface{}, len(call.Arguments))
			for i, arg := range call.Arguments {
				args[i] = arg.Export()
			}
			log("script console", logging.String("message", fmt.Sprint(args...)))
			return goja.Undefined()
		}
	}

	console.Set("log", emit(u.logger.Debug))
	console.Set("info", emit(u.logger.Debug))
	console.Set("warn", emit(u.logger.Warn))
	console.Set("error", emit(u.logger.Warn))

	return vm.Set("console", console)
}

func (u *consoleUtility) Cleanup(vm *goja.Runtime) error { return nil }

// jsonUtility backs JSON.parse and JSON.stringify with the host JSON codec so
// script output and host output share one canonical encoding.
type jsonUtility struct{}

func (u *jsonUtility) Name() string { return "json" }

func (u *jsonUtility) AllowedSecurityLevels() []string {
	return []string{SecurityLevelStrict, SecurityLevelStandard, SecurityLevelPermissive}
}

func (u *jsonUtility) Register(vm *goja.Runtime) error {
	jsonObj := vm.NewObject()

	jsonObj.Set("parse", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.NewTypeError("JSON.parse requires an argument"))
		}
		var result interface{}
		if err := json.Unmarshal([]byte(call.Argument(0).String()), &result); err != nil {
			panic(vm.NewGoError(fmt.Errorf("JSON.parse error: %w", err)))
		}
		return vm.ToValue(result)
	})

	jsonObj.Set("stringify", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.NewTypeError("JSON.stringify requires an argument"))
		}
		encoded, err := json.Marshal(call.Argument(0).Export())
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("JSON.stringify error: %w", err)))
		}
		return vm.ToValue(string(encoded))
	})

	return vm.Set("JSON", jsonObj)
}

func (u *jsonUtility) Cleanup(vm *goja.Runtime) error { return nil }

// encodingUtility provides btoa and atob for base64 round-trips.
type encodingUtility struct{}

func (u *encodingUtility) Name() string { return "encoding" }

func (u *encodingUtility) AllowedSecurityLevels() []string {
	return []string{SecurityLevelStandard, SecurityLevelPermissive}
}

func (u *encodingUtility) Register(vm *goja.Runtime) error {
	if err := vm.Set("btoa", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.NewTypeError("btoa requires an argument"))
		}
		return vm.ToValue(base64.StdEncoding.EncodeToString([]byte(call.Argument(0).String())))
	}); err != nil {
		return err
	}

	return vm.Set("atob", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.NewTypeError("atob requires an argument"))
		}
		decoded, err := base64.StdEncoding.DecodeString(call.Argument(0).String())
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("atob error: %w", err)))
		}
		return vm.ToValue(string(decoded))
	})
}

func (u *encodingUtility) Cleanup(vm *goja.Runtime) error { return nil }

// stringsUtility exposes Unicode-aware text helpers under the strutil global.
type stringsUtility struct{}

func (u *stringsUtility) Name() string { return "strings" }

func (u *stringsUtility) AllowedSecurityLevels() []string {
	return []string{SecurityLevelStrict, SecurityLevelStandard, SecurityLevelPermissive}
}

func (u *stringsUtility) Register(vm *goja.Runtime) error {
	strutil := vm.NewObject()

	unary := func(fn func(string) string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(fn(call.Argument(0).String()))
		}
	}

	strutil.Set("titleCase", unary(titleCase))
	strutil.Set("capitalize", unary(capitalize))
	strutil.Set("upper", unary(upperCase))
	strutil.Set("lower", unary(lowerCase))

	strutil.Set("trim", func(call goja.FunctionCall) goja.Value {
		cutset := ""
		if len(call.Arguments) > 1 {
			cutset = call.Argument(1).String()
		}
		return vm.ToValue(trimText(call.Argument(0).String(), cutset))
	})

	strutil.Set("split", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(splitText(call.Argument(0).String(), call.Argument(1).String()))
	})

	strutil.Set("join", func(call goja.FunctionCall) goja.Value {
		var parts []string
		if err := vm.ExportTo(call.Argument(0), &parts); err != nil {
			panic(vm.NewTypeError("strutil.join requires an array"))
		}
		return vm.ToValue(joinText(parts, call.Argument(1).String()))
	})

	return vm.Set("strutil", strutil)
}

func (u *stringsUtility) Cleanup(vm *goja.Runtime) error { return nil }
