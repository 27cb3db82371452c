package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moe-serifu-circle/moe-serifu-agent/internal/infra/config"
)

func TestCheckConfigFile(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(existing, []byte("agent:\n  name: test\n"), 0o600))

	tests := []struct {
		name string
		path string
		err  error
		want CheckStatus
	}{
		{"missing uses defaults", filepath.Join(dir, "nope.yaml"), nil, StatusWarn},
		{"validation error", existing, &config.ValidationError{Errors: []string{"bad"}}, StatusFail},
		{"load error", existing, errors.New("boom"), StatusFail},
		{"valid", existing, nil, StatusPass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := checkConfigFile(tt.path, tt.err)(nil)
			assert.Equal(t, tt.want, got.Status, got.Message)
		})
	}
}

func TestChecksWithoutConfig(t *testing.T) {
	for _, fn := range []func(*config.Config) CheckResult{checkDataDir, checkSchedules, checkJournal, checkGateway} {
		assert.Equal(t, StatusFail, fn(nil).Status)
	}
}

func TestCheckDataDir(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.DataDir = filepath.Join(cfg.Agent.DataDir, "nested")
	got := checkDataDir(cfg)
	assert.Equal(t, StatusPass, got.Status)
	assert.DirExists(t, cfg.Agent.DataDir)
}

func TestCheckSchedules(t *testing.T) {
	cfg := testConfig(t)
	assert.Equal(t, StatusPass, checkSchedules(cfg).Status)

	cfg.Scheduler.Tasks = []config.ScheduledTaskConfig{{Name: "bad", Schedule: "5m", Event: "NoSuchEvent"}}
	assert.Equal(t, StatusFail, checkSchedules(cfg).Status)

	cfg.Scheduler.Enabled = false
	assert.Equal(t, StatusWarn, checkSchedules(cfg).Status)
}

func TestCheckJournal(t *testing.T) {
	cfg := testConfig(t)
	assert.Equal(t, StatusPass, checkJournal(cfg).Status)

	cfg.Journal.Enabled = true
	got := checkJournal(cfg)
	assert.Equal(t, StatusPass, got.Status)
	assert.Contains(t, got.Message, "(0 events)")
}

func TestCheckGateway(t *testing.T) {
	cfg := testConfig(t)
	assert.Equal(t, StatusPass, checkGateway(cfg).Status)

	cfg.Gateway.Enabled = true
	assert.Equal(t, StatusPass, checkGateway(cfg).Status)
}

func TestDoctorReport(t *testing.T) {
	cfg := testConfig(t)
	var buf bytes.Buffer
	err := doctor(&buf, filepath.Join(t.TempDir(), "config.yaml"), cfg, nil)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Results: 4 passed, 1 warnings, 0 failed")

	buf.Reset()
	err = doctor(&buf, "config.yaml", nil, errors.New("broken"))
	require.Error(t, err)
	assert.Contains(t, buf.String(), "[FAIL] Config file: broken")
}
