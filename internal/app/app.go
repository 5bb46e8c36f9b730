// Package app wires the agentplane daemon together with fx.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/fentz26/agentplane/internal/agent"
	"github.com/fentz26/agentplane/internal/audit"
	"github.com/fentz26/agentplane/internal/config"
	"github.com/fentz26/agentplane/internal/connectors"
	"github.com/fentz26/agentplane/internal/connectors/localexec"
	"github.com/fentz26/agentplane/internal/controlplane"
	"github.com/fentz26/agentplane/internal/eventbus"
	"github.com/fentz26/agentplane/internal/logging"
	"github.com/fentz26/agentplane/internal/metrics"
	"github.com/fentz26/agentplane/internal/orchestrator"
	"github.com/fentz26/agentplane/internal/scheduler"
	"github.com/fentz26/agentplane/internal/sinks"
	"github.com/fentz26/agentplane/internal/store"
	"github.com/fentz26/agentplane/internal/vendorsync"
)

const shutdownTimeout = 30 * time.Second

// ExtraConnectors are registered with the sync coordinator in addition to
// the configured vendors. The CLI uses it for demo connectors.
type ExtraConnectors []connectors.Connector

// Core provides every component except the HTTP server lifecycle.
func Core(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			newLogger,
			newStore,
			metrics.New,
			newBus,
			newAuditor,
			newScheduler,
			newOrchestrator,
			newCoordinator,
			newService,
		),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		fx.Invoke(attachSinks),
	)
}

// Daemon is Core plus the HTTP API and background workers.
func Daemon(cfg *config.Config, extra ...fx.Option) *fx.App {
	opts := []fx.Option{
		Core(cfg),
		fx.Provide(newServer),
		fx.Invoke(registerHooks),
	}
	opts = append(opts, extra...)
	return fx.New(opts...)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogLevel, cfg.Development)
}

func newStore(lc fx.Lifecycle, cfg *config.Config) (*store.Store, error) {
	st, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return st.Close()
		},
	})
	return st, nil
}

func newBus(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) *eventbus.Bus {
	return eventbus.New(
		eventbus.WithCapacity(cfg.EventBus.HistoryCapacity),
		eventbus.WithLogger(logger),
		eventbus.WithRecorder(m),
	)
}

func newAuditor(st *store.Store, logger *zap.Logger) *audit.PDRWriter {
	return audit.NewPDRWriter(st, logger)
}

func newScheduler(cfg *config.Config, logger *zap.Logger) *scheduler.Scheduler {
	schedCfg := cfg.Scheduler
	return scheduler.New(&schedCfg, scheduler.WithLogger(logger))
}

func newOrchestrator(cfg *config.Config, logger *zap.Logger, bus *eventbus.Bus, sched *scheduler.Scheduler, pdr *audit.PDRWriter, m *metrics.Metrics) (*orchestrator.Orchestrator, error) {
	orchCfg := cfg.Orchestrator
	orch := orchestrator.New(
		orchestrator.WithConfig(&orchCfg),
		orchestrator.WithLogger(logger),
		orchestrator.WithPublisher(bus),
		orchestrator.WithScheduler(sched),
		orchestrator.WithAuditor(pdr),
		orchestrator.WithMetrics(m),
	)

	for _, ac := range cfg.Agents {
		a, err := agent.New(ac, agent.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", ac.Name, err)
		}
		orch.RegisterAgent(a)
	}
	return orch, nil
}

type coordinatorParams struct {
	fx.In

	Config *config.Config
	Logger *zap.Logger
	Store  *store.Store
	Bus    *eventbus.Bus
	PDR    *audit.PDRWriter
	Meter  *metrics.Metrics
	Orch   *orchestrator.Orchestrator
	Extra  ExtraConnectors `optional:"true"`
}

func newCoordinator(p coordinatorParams) *vendorsync.Coordinator {
	syncCfg := p.Config.Sync
	c := vendorsync.New(
		vendorsync.WithConfig(&syncCfg),
		vendorsync.WithLogger(p.Logger),
		vendorsync.WithStorage(p.Store),
		vendorsync.WithPublisher(p.Bus),
		vendorsync.WithAuditor(p.PDR),
		vendorsync.WithMetrics(p.Meter),
	)
	for _, vc := range p.Config.Vendors {
		c.AddConnector(localexec.New(vc, p.Config.AllowedCommands))
	}
	for _, conn := range p.Extra {
		c.AddConnector(conn)
	}
	if n := c.DiscoverAgents(p.Orch); n > 0 {
		p.Logger.Info("affiliate_agents_discovered", zap.Int("count", n))
	}
	return c
}

func newService(orch *orchestrator.Orchestrator, sched *scheduler.Scheduler, bus *eventbus.Bus, coord *vendorsync.Coordinator, st *store.Store, pdr *audit.PDRWriter, logger *zap.Logger) *controlplane.Service {
	return controlplane.NewService(controlplane.Deps{
		Orchestrator: orch,
		Scheduler:    sched,
		Bus:          bus,
		Sync:         coord,
		Store:        st,
		PDR:          pdr,
		Logger:       logger,
	})
}

func newServer(cfg *config.Config, svc *controlplane.Service, logger *zap.Logger) *controlplane.Server {
	return controlplane.NewServer(svc, cfg.Listen, logger)
}

func attachSinks(lc fx.Lifecycle, cfg *config.Config, bus *eventbus.Bus, st *store.Store, logger *zap.Logger) error {
	list := []sinks.Sink{sinks.NewLogSink(logger)}
	if cfg.EventBus.Persist {
		list = append(list, sinks.NewStoreSink(st))
	}

	var kafkaSink *sinks.KafkaSink
	if len(cfg.Kafka.Brokers) > 0 {
		w := sinks.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.WriteTimeout)
		kafkaSink = sinks.NewKafkaSink(w, cfg.Kafka.Topic, sinks.WithKafkaLogger(logger.Named("kafka")))
		list = append(list, kafkaSink)
		logger.Info("kafka_export_enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	if _, err := sinks.Attach(bus, list...); err != nil {
		return err
	}

	if kafkaSink != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return kafkaSink.Close()
			},
		})
	}
	return nil
}

func registerHooks(lc fx.Lifecycle, cfg *config.Config, server *controlplane.Server, sched *scheduler.Scheduler, orch *orchestrator.Orchestrator, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			sched.Start()

			if cfg.AutoStart {
				results := orch.StartAllAgents(ctx)
				logger.Info("agents_auto_started", zap.Int("requested", len(results)), zap.Int("running", len(orch.RunningAgents())))
			}

			go func() {
				if err := server.Start(); err != nil {
					logger.Fatal("http_server_failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting_down")

			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("http_server_shutdown_failed", zap.Error(err))
			}
			orch.StopAllAgents(shutdownCtx)
			sched.Stop()
			return nil
		},
	})
}
