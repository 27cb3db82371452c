package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a
// *ValidationError listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateAgent(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateSupervisor(cfg, ve)
	validateTimers(cfg, ve)
	validateScheduler(cfg, ve)
	validateGateway(cfg, ve)
	validateJournal(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateAgent(cfg *Config, ve *ValidationError) {
	if strings.TrimSpace(cfg.Agent.Name) == "" {
		ve.Add("agent.name must not be empty")
	}
}

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	validLogFormats = map[string]bool{"text": true, "json": true}
	validExporters  = map[string]bool{"": true, "noop": true, "stdout": true}
)

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q must be one of debug, info, warn, error", cfg.Logger.Level)
	}
	if !validLogFormats[strings.ToLower(cfg.Logger.Format)] {
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !validExporters[cfg.Tracer.Exporter] {
		ve.Add("tracer.exporter %q is not supported", cfg.Tracer.Exporter)
	}
	if cfg.Tracer.SampleRatio < 0 || cfg.Tracer.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio must be within [0, 1]")
	}
}

func validateSupervisor(cfg *Config, ve *ValidationError) {
	s := cfg.Supervisor
	if s.GracePeriod <= 0 {
		ve.Add("supervisor.grace_period must be > 0")
	}
	if s.ForceTimeout <= 0 {
		ve.Add("supervisor.force_timeout must be > 0")
	}
	if s.HandlerYield < 0 {
		ve.Add("supervisor.handler_yield must be >= 0")
	}
	if s.Workers <= 0 {
		ve.Add("supervisor.workers must be > 0")
	}
	if s.Breaker.MaxFailures > 0 && s.Breaker.Timeout <= 0 {
		ve.Add("supervisor.breaker.timeout must be > 0 when the breaker is enabled")
	}
}

func validateTimers(cfg *Config, ve *ValidationError) {
	if cfg.Timers.PoolSize <= 0 {
		ve.Add("timers.pool_size must be > 0")
	}
	if cfg.Timers.Resolution <= 0 {
		ve.Add("timers.resolution must be > 0")
	}
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	seen := make(map[string]bool, len(cfg.Scheduler.Tasks))
	for i, t := range cfg.Scheduler.Tasks {
		if t.Name == "" {
			ve.Add("scheduler.tasks[%d].name is required", i)
		} else if seen[t.Name] {
			ve.Add("scheduler.tasks[%d].name %q is duplicated", i, t.Name)
		}
		seen[t.Name] = true
		if t.Schedule == "" {
			ve.Add("scheduler.tasks[%d].schedule is required", i)
		}
		if t.Event == "" {
			ve.Add("scheduler.tasks[%d].event is required", i)
		}
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	if !g.Enabled {
		return
	}
	if g.Addr == "" {
		ve.Add("gateway.addr is required when gateway is enabled")
	} else if _, _, err := net.SplitHostPort(g.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", g.Addr)
	}
	if len(g.Auth.Tokens) == 0 {
		ve.Add("gateway.auth.tokens must list at least one token when gateway is enabled")
	}
	names := make(map[string]bool, len(g.Auth.Tokens))
	for i, t := range g.Auth.Tokens {
		if t.Token == "" {
			ve.Add("gateway.auth.tokens[%d].token must not be empty", i)
		}
		if t.Name == "" {
			ve.Add("gateway.auth.tokens[%d].name must not be empty", i)
		} else if names[t.Name] {
			ve.Add("gateway.auth.tokens[%d].name %q is duplicated", i, t.Name)
		}
		names[t.Name] = true
	}
	if g.RateLimit.RequestsPerMin < 0 || g.RateLimit.Burst < 0 || g.RateLimit.ConnectsPerMin < 0 {
		ve.Add("gateway.rate_limit values must be >= 0")
	}
	if g.SendBuffer < 0 {
		ve.Add("gateway.send_buffer must be >= 0")
	}
	if g.MaxAwait < 0 {
		ve.Add("gateway.max_await must be >= 0")
	}
}

func validateJournal(cfg *Config, ve *ValidationError) {
	if !cfg.Journal.Enabled {
		return
	}
	if cfg.Journal.Path == "" {
		ve.Add("journal.path is required when journal is enabled")
	}
	if cfg.Journal.MaxEntries < 0 {
		ve.Add("journal.max_entries must be >= 0")
	}
}
