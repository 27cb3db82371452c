package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/moe-serifu-circle/moe-serifu-agent/internal/adapter/journal"
	"github.com/moe-serifu-circle/moe-serifu-agent/internal/infra/config"
	"github.com/moe-serifu-circle/moe-serifu-agent/internal/infra/logger"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

func runDoctor() error {
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)
	return doctor(os.Stdout, cfgPath, cfg, cfgErr)
}

func doctor(out io.Writer, cfgPath string, cfg *config.Config, cfgErr error) error {
	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Data directory", Fn: checkDataDir},
		{Name: "Schedules", Fn: checkSchedules},
		{Name: "Journal", Fn: checkJournal},
		{Name: "Gateway", Fn: checkGateway},
	}

	fmt.Fprintln(out, "msa doctor")
	fmt.Fprintln(out, strings.Repeat("=", 50))

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name
		fmt.Fprintf(out, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(out, "      Fix: %s\n", result.Fix)
		}
		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(out, strings.Repeat("-", 50))
	fmt.Fprintf(out, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile reports a missing file as a warning since defaults apply.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(*config.Config) CheckResult {
		if cfgErr != nil {
			var verr *config.ValidationError
			if errors.As(cfgErr, &verr) {
				return CheckResult{Status: StatusFail, Message: verr.Error(), Fix: "Correct the listed fields in " + cfgPath}
			}
			return CheckResult{Status: StatusFail, Message: cfgErr.Error()}
		}
		if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
			return CheckResult{Status: StatusWarn, Message: cfgPath + " not found, using defaults"}
		}
		return CheckResult{Status: StatusPass, Message: cfgPath}
	}
}

func checkDataDir(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "no config loaded"}
	}
	dir := cfg.Agent.DataDir
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error(), Fix: "Set agent.data_dir to a writable path"}
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return CheckResult{Status: StatusFail, Message: dir + " is not writable", Fix: "Set agent.data_dir to a writable path"}
	}
	f.Close()
	os.Remove(f.Name())
	return CheckResult{Status: StatusPass, Message: dir}
}

func checkSchedules(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "no config loaded"}
	}
	if !cfg.Scheduler.Enabled {
		return CheckResult{Status: StatusWarn, Message: "scheduler disabled, no TimeEvent clock"}
	}
	rt, err := buildRuntime(schedulerOnly(cfg), logger.Discard())
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error(), Fix: "Check scheduler.tasks schedules and event names"}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d schedule(s)", len(rt.scheduler.Names()))}
}

// schedulerOnly copies cfg with every adapter disabled.
func schedulerOnly(cfg *config.Config) *config.Config {
	c := *cfg
	c.Journal.Enabled = false
	c.Gateway.Enabled = false
	return &c
}

func checkJournal(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "no config loaded"}
	}
	if !cfg.Journal.Enabled {
		return CheckResult{Status: StatusPass, Message: "disabled"}
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Journal.Path), 0o700); err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	store, err := journal.Open(cfg.Journal.Path, journal.WithLogger(logger.Discard()))
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error(), Fix: "Check journal.path"}
	}
	defer store.Close()
	n, err := store.Count(context.Background())
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s (%d events)", cfg.Journal.Path, n)}
}

func checkGateway(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "no config loaded"}
	}
	if !cfg.Gateway.Enabled {
		return CheckResult{Status: StatusPass, Message: "disabled"}
	}
	ln, err := net.Listen("tcp", cfg.Gateway.Addr)
	if err != nil {
		return CheckResult{Status: StatusWarn, Message: fmt.Sprintf("%s unavailable: %v", cfg.Gateway.Addr, err), Fix: "Stop the process on that port or change gateway.addr"}
	}
	ln.Close()
	return CheckResult{Status: StatusPass, Message: cfg.Gateway.Addr}
}

