package architecture

import "github.com/tsawler/go-igc/layers"

// ConfigError and NameCollisionError are the layers error types, re-exported
// so that callers of BuildNetwork can match them without importing layers.
type (
	ConfigError        = layers.ConfigError
	NameCollisionError = layers.NameCollisionError
)

func configError(op, format string, args ...interface{}) error {
	return layers.NewConfigError(op, format, args...)
}
