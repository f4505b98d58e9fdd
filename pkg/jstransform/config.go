package jstransform

import (
	"encoding/json"
	"fmt"
	"time"
)

// Security levels for script execution.
const (
	SecurityLevelStrict     = "strict"
	SecurityLevelStandard   = "standard"
	SecurityLevelPermissive = "permissive"
)

// Config describes a JavaScript transform.
type Config struct {
	// Script is the JavaScript source. It runs as a function body and must
	// return an object mapping output channel names to arrays of items.
	Script string `json:"script"`

	// Timeout is the maximum execution time for a single invocation.
	Timeout time.Duration `json:"timeout,omitempty"`

	// SecurityLevel defines sandbox restrictions (strict, standard, permissive).
	SecurityLevel string `json:"security_level,omitempty"`

	// EnabledUtilities lists the utility modules to expose to the script
	// (console, json, encoding, strings).
	EnabledUtilities []string `json:"enabled_utilities,omitempty"`

	// MaxStackDepth is the maximum call stack depth.
	MaxStackDepth int `json:"max_stack_depth,omitempty"`
}

// DefaultUtilitiesByLevel defines the utilities enabled by default at each
// security level.
var DefaultUtilitiesByLevel = map[string][]string{
	SecurityLevelStrict:     {"json", "strings"},
	SecurityLevelStandard:   {"console", "json", "encoding", "strings"},
	SecurityLevelPermissive: {"console", "json", "encoding", "strings"},
}

// ApplyDefaults sets default values for unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.SecurityLevel == "" {
		c.SecurityLevel = SecurityLevelStandard
	}
	if c.EnabledUtilities == nil {
		c.EnabledUtilities = DefaultUtilitiesByLevel[c.SecurityLevel]
	}
	if c.MaxStackDepth == 0 {
		c.MaxStackDepth = 512
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Script == "" {
		return newConfigurationError("script is required")
	}
	if c.Timeout <= 0 {
		return newConfigurationError("timeout must be positive")
	}
	if c.SecurityLevel != SecurityLevelStrict &&
		c.SecurityLevel != SecurityLevelStandard &&
		c.SecurityLevel != SecurityLevelPermissive {
		return newConfigurationError(fmt.Sprintf("invalid security level: %s", c.SecurityLevel))
	}
	if c.MaxStackDepth <= 0 {
		return newConfigurationError("max stack depth must be positive")
	}
	return nil
}

// UnmarshalJSON accepts the timeout either as nanoseconds or as a duration
// string such as "5s".
func (c *Config) UnmarshalJSON(data []byte) error {
	type alias Config
	aux := &struct {
		Timeout json.RawMessage `json:"timeout,omitempty"`
		*alias
	}{
		alias: (*alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if len(aux.Timeout) == 0 {
		return nil
	}

	var text string
	if err := json.Unmarshal(aux.Timeout, &text); err == nil {
		duration, err := time.ParseDuration(text)
		if err != nil {
			return fmt.Errorf("invalid timeout format: %w", err)
		}
		c.Timeout = duration
		return nil
	}

	var nanos int64
	if err := json.Unmarshal(aux.Timeout, &nanos); err != nil {
		return fmt.Errorf("invalid timeout format: %w", err)
	}
	c.Timeout = time.Duration(nanos)
	return nil
}
