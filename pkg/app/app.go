// Package app assembles a conductor daemon from its configuration
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rizome-dev/conductor/pkg/agent"
	"github.com/rizome-dev/conductor/pkg/config"
	"github.com/rizome-dev/conductor/pkg/logging"
	"github.com/rizome-dev/conductor/pkg/messagequeue"
	"github.com/rizome-dev/conductor/pkg/monitoring"
	"github.com/rizome-dev/conductor/pkg/orchestrator"
	"github.com/rizome-dev/conductor/pkg/runtime"
	"github.com/rizome-dev/conductor/pkg/server"
	"github.com/rizome-dev/conductor/pkg/state"
	"github.com/rizome-dev/conductor/pkg/types"
	"github.com/rizome-dev/conductor/pkg/validation"
)

// App owns every long-lived component of a running daemon
type App struct {
	config       *config.Config
	logger       *logging.Logger
	monitor      *monitoring.Monitor
	store        state.Store
	bridge       *messagequeue.Bridge
	orchestrator *orchestrator.Orchestrator
	server       *server.Server
}

// Option customizes an App before it is started
type Option func(*options)

type options struct {
	logger   *logging.Logger
	runtime  runtime.Runtime
	handlers map[string]registeredHandler
}

type registeredHandler struct {
	handler agent.Handler
	config  types.AgentConfig
}

// WithLogger replaces the logger built from the logging section
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRuntime supplies the container runtime used by declared agents
func WithRuntime(rt runtime.Runtime) Option {
	return func(o *options) { o.runtime = rt }
}

// WithHandler registers an in-process agent alongside the declared ones
func WithHandler(handler agent.Handler, cfg types.AgentConfig) Option {
	return func(o *options) {
		if o.handlers == nil {
			o.handlers = make(map[string]registeredHandler)
		}
		o.handlers[cfg.Type] = registeredHandler{handler: handler, config: cfg}
	}
}

// New builds every component described by cfg. Nothing is started yet;
// on error whatever was already opened is closed again.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (a *App, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a = &App{config: cfg, logger: o.logger}
	defer func() {
		if err != nil {
			a.closeResources(context.Background())
		}
	}()

	if a.logger == nil {
		a.logger, err = logging.NewLogger(&cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}

	a.monitor, err = monitoring.NewMonitor(&cfg.Monitoring, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize monitoring: %w", err)
	}

	a.store, err = state.New(ctx, state.ConfigFrom(cfg.State))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize state store: %w", err)
	}
	a.monitor.RegisterHealthCheck(monitoring.HealthCheckFunc{
		CheckName: "state",
		Fn:        a.store.HealthCheck,
	})

	orchCfg := orchestrator.ConfigFrom(cfg.Orchestrator)
	orchCfg.Store = a.store
	orchCfg.Monitor = a.monitor
	orchCfg.Logger = a.logger
	a.orchestrator, err = orchestrator.New(orchCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	if err := a.registerDeclaredAgents(o.runtime); err != nil {
		return nil, err
	}
	for _, reg := range o.handlers {
		if err := a.orchestrator.RegisterAgent(reg.handler, reg.config); err != nil {
			return nil, fmt.Errorf("failed to register agent %s: %w", reg.config.Type, err)
		}
	}

	if cfg.Events.Sink != "" && cfg.Events.Sink != "none" {
		publisher, err := messagequeue.New(messagequeue.ConfigFrom(cfg.Events))
		if err != nil {
			return nil, fmt.Errorf("failed to create event sink: %w", err)
		}
		a.bridge, err = messagequeue.NewBridge(messagequeue.BridgeConfig{
			Publisher:  publisher,
			Topic:      cfg.Events.Topic,
			BufferSize: cfg.Events.BufferSize,
			Monitor:    a.monitor,
			Logger:     a.logger,
		})
		if err != nil {
			_ = publisher.Close()
			return nil, fmt.Errorf("failed to create event bridge: %w", err)
		}
	}

	if dir := cfg.Orchestrator.WorkflowDir; dir != "" {
		defs, err := orchestrator.LoadDefinitions(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to load workflow definitions: %w", err)
		}
		for _, def := range defs {
			if err := a.orchestrator.RegisterDefinition(def); err != nil {
				return nil, fmt.Errorf("failed to register workflow %s: %w", def.ID, err)
			}
		}
		a.logger.WithFields(map[string]interface{}{"dir": dir, "count": len(defs)}).Info("workflow definitions loaded")
	}

	a.server, err = server.New(server.Config{
		Server:       cfg.Server,
		Security:     cfg.Security,
		Orchestrator: a.orchestrator,
		Monitor:      a.monitor,
		Logger:       a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	return a, nil
}

// registerDeclaredAgents builds a container handler for every enabled agent
// in the config. Without an injected runtime one is created per agent from
// the runtime section, honouring the agent's own runtime override.
func (a *App) registerDeclaredAgents(rt runtime.Runtime) error {
	policy, err := validation.NewPolicy(a.config.Runtime.ImagePolicy)
	if err != nil {
		return fmt.Errorf("failed to build image policy: %w", err)
	}
	if err := policy.ValidateAgents(a.config.Agents); err != nil {
		return err
	}

	for _, spec := range a.config.Agents {
		if !spec.IsEnabled() {
			a.logger.WithField("agent_type", spec.Type).Debug("agent disabled, skipping")
			continue
		}

		agentRuntime := rt
		if agentRuntime == nil {
			rtCfg := runtime.ConfigFrom(a.config.Runtime)
			if spec.Runtime != "" {
				rtCfg.Type = spec.Runtime
			}
			created, err := runtime.New(rtCfg)
			if err != nil {
				return fmt.Errorf("failed to create runtime for agent %s: %w", spec.Type, err)
			}
			agentRuntime = created
		}

		handler, err := agent.NewContainerHandler(agentRuntime, spec, a.logger)
		if err != nil {
			return err
		}
		if err := a.orchestrator.RegisterAgent(handler, agent.ConfigFromSpec(spec)); err != nil {
			return fmt.Errorf("failed to register agent %s: %w", spec.Type, err)
		}
		a.logger.WithFields(map[string]interface{}{
			"agent_type": spec.Type,
			"image":      spec.Image,
			"runtime":    agentRuntime.Name(),
		}).Info("container agent registered")
	}
	return nil
}

// Start brings the daemon up: monitoring, event forwarding, the orchestrator,
// recovery of persisted work and finally the API listeners
func (a *App) Start(ctx context.Context) error {
	if err := a.monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start monitoring: %w", err)
	}
	if a.bridge != nil {
		if err := a.bridge.Attach(a.orchestrator.Events()); err != nil {
			return fmt.Errorf("failed to attach event bridge: %w", err)
		}
	}
	if err := a.orchestrator.Start(); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	if a.config.Orchestrator.RecoverOnStart {
		recovered, err := a.orchestrator.Recover(ctx)
		if err != nil {
			return fmt.Errorf("failed to recover persisted state: %w", err)
		}
		if recovered > 0 {
			a.logger.WithField("count", recovered).Info("recovered persisted tasks")
		}
	}

	if err := a.server.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	a.logger.WithFields(map[string]interface{}{
		"http": a.server.HTTPAddr(),
		"grpc": a.server.GRPCAddr(),
	}).Info("conductor started")
	return nil
}

// Shutdown stops accepting requests, drains the orchestrator and closes
// every resource. Errors are joined so one failure does not skip the rest.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}
	if err := a.orchestrator.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: %w", err))
	}
	if err := a.closeResources(ctx); err != nil {
		errs = append(errs, err)
	}
	a.logger.Info("conductor stopped")
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func (a *App) closeResources(ctx context.Context) error {
	var errs []error
	if a.bridge != nil {
		if err := a.bridge.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("event bridge: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("state store: %w", err))
		}
	}
	if a.monitor != nil {
		if err := a.monitor.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("monitoring: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Run starts the daemon and blocks until ctx is cancelled or SIGINT/SIGTERM
// arrives, then shuts down within the configured timeout
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		_ = a.Shutdown(shutdownCtx)
		return err
	}

	<-ctx.Done()
	a.logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	return a.Shutdown(shutdownCtx)
}

func (a *App) shutdownTimeout() time.Duration {
	if a.config.Server.ShutdownTimeout > 0 {
		return a.config.Server.ShutdownTimeout
	}
	return 30 * time.Second
}

// Orchestrator returns the orchestrator
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

// Server returns the API server
func (a *App) Server() *server.Server {
	return a.server
}

// Logger returns the daemon logger
func (a *App) Logger() *logging.Logger {
	return a.logger
}
