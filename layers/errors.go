package layers

import "fmt"

// ConfigError reports a structural inconsistency detected while building a
// graph: a depth the block arithmetic cannot reproduce, a channel count that a
// group factor does not divide, or mismatched channels at a fusion point.
// It indicates a caller error and is never retried.
type ConfigError struct {
	Op     string // operation or node that rejected the configuration
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Op == "" {
		return "config error: " + e.Reason
	}
	return fmt.Sprintf("config error in %s: %s", e.Op, e.Reason)
}

// NewConfigError formats a ConfigError.
func NewConfigError(op, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// NameCollisionError is returned when two operators resolve to the same
// generated name. It always points at a builder bug.
type NameCollisionError struct {
	Name string
	Kind NodeKind // kind of the node that tried to reuse the name
}

func (e *NameCollisionError) Error() string {
	return fmt.Sprintf("name collision: %s node %q already registered", e.Kind, e.Name)
}
