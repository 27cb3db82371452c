package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moe-serifu-circle/moe-serifu-agent/internal/domain"
	"github.com/moe-serifu-circle/moe-serifu-agent/internal/infra/config"
	"github.com/moe-serifu-circle/moe-serifu-agent/internal/infra/logger"
	"github.com/moe-serifu-circle/moe-serifu-agent/internal/usecase/lifecycle"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Agent.DataDir = t.TempDir()
	cfg.Journal.Path = filepath.Join(cfg.Agent.DataDir, "journal.db")
	cfg.Supervisor.GracePeriod = 50 * time.Millisecond
	cfg.Supervisor.ForceTimeout = 2 * time.Second
	cfg.Timers.Resolution = 10 * time.Millisecond
	cfg.Gateway.Addr = "127.0.0.1:0"
	cfg.Gateway.Auth.Tokens = []config.TokenConfig{{Token: "secret", Name: "test"}}
	return cfg
}

func TestBuildRuntimeDefaults(t *testing.T) {
	rt, err := buildRuntime(testConfig(t), logger.Discard())
	require.NoError(t, err)

	for _, name := range []string{"TimeEvent", "HeartbeatEvent", "QuitEvent"} {
		_, ok := rt.kinds.Lookup(name)
		assert.True(t, ok, name)
	}
	assert.Equal(t, []string{"clock", "timers"}, rt.scheduler.Names())
	assert.Nil(t, rt.journal)
	assert.Nil(t, rt.gateway)
	require.Len(t, rt.tasks, 1)
	assert.Equal(t, "scheduler", rt.tasks[0].Name)
}

func TestBuildRuntimeScheduledTasks(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.Tasks = []config.ScheduledTaskConfig{
		{Name: "beat", Schedule: "5m", Event: "HeartbeatEvent", Data: map[string]any{"interval_ms": 1000}},
	}
	rt, err := buildRuntime(cfg, logger.Discard())
	require.NoError(t, err)
	assert.Contains(t, rt.scheduler.Names(), "beat")
}

func TestBuildRuntimeUnknownScheduledKind(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.Tasks = []config.ScheduledTaskConfig{
		{Name: "bad", Schedule: "5m", Event: "NoSuchEvent"},
	}
	_, err := buildRuntime(cfg, logger.Discard())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnknownEventKind)
}

func TestBuildRuntimeSchedulerDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.Enabled = false
	rt, err := buildRuntime(cfg, logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, []string{"timers"}, rt.scheduler.Names())
}

func TestRuntimeRunsUntilQuit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Journal.Enabled = true
	cfg.Gateway.Enabled = true

	rt, err := buildRuntime(cfg, logger.Discard())
	require.NoError(t, err)
	require.NotNil(t, rt.journal)
	require.NotNil(t, rt.gateway)

	done := make(chan error, 1)
	go func() { done <- rt.sup.Start(context.Background(), rt.tasks...) }()

	select {
	case <-rt.gateway.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not start")
	}

	tick, err := domain.NewEvent(lifecycle.KindTime, map[string]any{"current_time": 1.0})
	require.NoError(t, err)
	rt.sup.FireEvent(tick)

	assert.Eventually(t, func() bool {
		n, err := rt.journal.Count(context.Background())
		return err == nil && n > 0
	}, 5*time.Second, 10*time.Millisecond)

	quit, err := lifecycle.NewQuit("test")
	require.NoError(t, err)
	rt.sup.FireEvent(quit)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not stop on QuitEvent")
	}
}

func TestPrintKinds(t *testing.T) {
	rt, err := buildRuntime(testConfig(t), logger.Discard())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, printKinds(&buf, rt))
	out := buf.String()
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "QuitEvent")
	assert.Contains(t, out, "system")
}
