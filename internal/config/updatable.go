package config

import "log/slog"

// LoggingUpdater defines interface for components that can update logging levels
type LoggingUpdater interface {
	UpdateLevel(level slog.Level) error
}

// ComponentRegistry holds references to updatable components
type ComponentRegistry struct {
	Logging LoggingUpdater
	logger  *slog.Logger
}

// NewComponentRegistry creates a new component registry
func NewComponentRegistry(logger *slog.Logger) *ComponentRegistry {
	if logger == nil {
		logger = slog.Default()
	}

	return &ComponentRegistry{
		logger: logger,
	}
}

// RegisterLogging registers a logging updater
func (r *ComponentRegistry) RegisterLogging(updater LoggingUpdater) {
	r.Logging = updater
}

// ApplyUpdates applies configuration updates to all registered components.
// Settings that are only read at startup are reported as requiring a restart.
func (r *ComponentRegistry) ApplyUpdates(oldConfig, newConfig *Config) {
	if oldConfig == nil || newConfig == nil {
		return
	}

	if oldConfig.Log.Level != newConfig.Log.Level && r.Logging != nil {
		if err := r.Logging.UpdateLevel(newConfig.Log.SlogLevel()); err != nil {
			r.logger.Error("Failed to update log level", "err", err)
		} else {
			r.logger.Info("Log level updated successfully",
				"old", oldConfig.Log.Level,
				"new", newConfig.Log.Level)
		}
	}

	if oldConfig.Cache != newConfig.Cache ||
		oldConfig.Timeout != newConfig.Timeout ||
		oldConfig.Upstream != newConfig.Upstream ||
		oldConfig.API != newConfig.API {
		r.logger.Warn("Startup-only settings changed, restart to apply them")
	}
}
