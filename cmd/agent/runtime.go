package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/moe-serifu-circle/moe-serifu-agent/internal/adapter/gateway"
	"github.com/moe-serifu-circle/moe-serifu-agent/internal/adapter/journal"
	"github.com/moe-serifu-circle/moe-serifu-agent/internal/domain"
	"github.com/moe-serifu-circle/moe-serifu-agent/internal/infra/config"
	"github.com/moe-serifu-circle/moe-serifu-agent/internal/usecase/eventbus"
	"github.com/moe-serifu-circle/moe-serifu-agent/internal/usecase/lifecycle"
	"github.com/moe-serifu-circle/moe-serifu-agent/internal/usecase/scheduling"
	"github.com/moe-serifu-circle/moe-serifu-agent/internal/usecase/supervisor"
	"github.com/moe-serifu-circle/moe-serifu-agent/internal/usecase/timer"
)

// runtime holds the wired components of a running agent.
type runtime struct {
	kinds     *domain.KindRegistry
	bus       *eventbus.Bus
	sup       *supervisor.Supervisor
	timers    *timer.Manager
	scheduler *scheduling.Scheduler
	journal   *journal.Store
	gateway   *gateway.Server
	tasks     []supervisor.Task
}

// buildRuntime wires the kernel and the optional adapters from cfg. Nothing
// runs until rt.sup.Start.
func buildRuntime(cfg *config.Config, log *slog.Logger) (*runtime, error) {
	kinds, err := domain.NewKindRegistry()
	if err != nil {
		return nil, fmt.Errorf("create kind registry: %w", err)
	}
	bus := eventbus.New(log.With("component", "eventbus"))

	sup := supervisor.New(bus, kinds,
		supervisor.WithLogger(log.With("component", "supervisor")),
		supervisor.WithGracePeriod(cfg.Supervisor.GracePeriod),
		supervisor.WithForceTimeout(cfg.Supervisor.ForceTimeout),
		supervisor.WithHandlerYield(cfg.Supervisor.HandlerYield),
		supervisor.WithWorkers(cfg.Supervisor.Workers),
		supervisor.WithBreaker(supervisor.BreakerSettings{
			MaxFailures: cfg.Supervisor.Breaker.MaxFailures,
			Timeout:     cfg.Supervisor.Breaker.Timeout,
		}),
	)

	timers := timer.NewManager(sup,
		timer.WithPoolSize(cfg.Timers.PoolSize),
		timer.WithLogger(log.With("component", "timers")),
	)
	sup.SetTimers(timers)

	if err := sup.RegisterModule(lifecycle.Module(), cfg.Handlers); err != nil {
		return nil, err
	}

	rt := &runtime{kinds: kinds, bus: bus, sup: sup, timers: timers}

	if err := rt.wireScheduler(cfg, log); err != nil {
		return nil, err
	}
	if cfg.Journal.Enabled {
		if err := rt.wireJournal(cfg, log); err != nil {
			return nil, err
		}
	}
	if cfg.Gateway.Enabled {
		rt.wireGateway(cfg, log)
	}
	return rt, nil
}

// wireScheduler installs the timer tick source and, when enabled, the
// clock and the configured event schedules.
func (rt *runtime) wireScheduler(cfg *config.Config, log *slog.Logger) error {
	s := scheduling.NewScheduler(rt.sup, log.With("component", "scheduler"))
	if err := s.AddTicker("timers", cfg.Timers.Resolution, func() { rt.timers.CheckTimers() }); err != nil {
		return fmt.Errorf("timer ticker: %w", err)
	}

	if cfg.Scheduler.Enabled {
		if cfg.Scheduler.Clock != "" {
			if err := s.AddClock("clock", cfg.Scheduler.Clock, lifecycle.KindTime); err != nil {
				return fmt.Errorf("clock: %w", err)
			}
		}
		for _, t := range cfg.Scheduler.Tasks {
			kind, ok := rt.kinds.Lookup(t.Event)
			if !ok {
				return domain.NewDomainError("scheduler", domain.ErrUnknownEventKind, fmt.Sprintf("task %s: %s", t.Name, t.Event))
			}
			if err := s.AddEventSchedule(t.Name, t.Schedule, kind, t.Data); err != nil {
				return fmt.Errorf("schedule %s: %w", t.Name, err)
			}
		}
	}

	rt.scheduler = s
	rt.tasks = append(rt.tasks, supervisor.Task{
		Name: "scheduler",
		Run: func(ctx context.Context) error {
			if err := s.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return s.Stop()
		},
	})
	return nil
}

func (rt *runtime) wireJournal(cfg *config.Config, log *slog.Logger) error {
	path := cfg.Journal.Path
	if path == "" {
		path = filepath.Join(cfg.Agent.DataDir, "journal.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}
	store, err := journal.Open(path,
		journal.WithMaxEntries(cfg.Journal.MaxEntries),
		journal.WithLogger(log.With("component", "journal")),
	)
	if err != nil {
		return err
	}
	if _, err := store.Subscribe(rt.bus); err != nil {
		store.Close()
		return fmt.Errorf("subscribe journal: %w", err)
	}
	rt.journal = store
	rt.sup.AddShutdownCallback("journal", func() {
		if err := store.Close(); err != nil {
			log.Warn("journal close failed", "error", err)
		}
	})
	return nil
}

func (rt *runtime) wireGateway(cfg *config.Config, log *slog.Logger) {
	gc := cfg.Gateway
	tokens := make([]gateway.TokenEntry, 0, len(gc.Auth.Tokens))
	for _, t := range gc.Auth.Tokens {
		tokens = append(tokens, gateway.TokenEntry{Token: t.Token, Name: t.Name})
	}

	deps := gateway.Deps{
		Bus:    rt.bus,
		Kinds:  rt.kinds,
		Auth:   gateway.NewStaticTokenAuth(tokens),
		Timers: rt.timers,
		Tasks:  rt.sup,
		Logger: log.With("component", "gateway"),
	}
	if rt.journal != nil {
		deps.Journal = rt.journal
	}

	srv := gateway.NewServer(gateway.Config{
		Addr:           gc.Addr,
		RequestsPerMin: gc.RateLimit.RequestsPerMin,
		Burst:          gc.RateLimit.Burst,
		ConnectsPerMin: gc.RateLimit.ConnectsPerMin,
		SendBuffer:     gc.SendBuffer,
		MaxAwait:       gc.MaxAwait,
		AllowedOrigins: gc.AllowedOrigins,
		TrustedProxies: gc.TrustedProxies,
		AgentName:      cfg.Agent.Name,
		Version:        version,
	}, deps)

	rt.gateway = srv
	rt.tasks = append(rt.tasks, supervisor.Task{Name: "gateway", Run: srv.Run})
	if gc.Advertise {
		mdnsLog := log.With("component", "mdns")
		rt.tasks = append(rt.tasks, supervisor.Task{
			Name: "mdns",
			Run: func(ctx context.Context) error {
				return gateway.AdvertiseServer(ctx, srv, cfg.Agent.Name, mdnsLog)
			},
		})
	}
}
