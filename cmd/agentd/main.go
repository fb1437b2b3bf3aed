// Agentd is a coding agent orchestrator with HTTP/SSE and MCP transports.
//
// The daemon drives conversations from a user request through
// clarification, discovery and planning, and executes approved plans
// against the project root file by file.
//
// Configuration is loaded from a YAML file and AGENTD_* environment
// variables. See internal/config for details.
//
// Usage:
//
//	# Start the HTTP daemon
//	agentd -config ~/.config/agentd/config.yaml
//
//	# Serve MCP over stdio only
//	agentd mcp
//
//	# Configure via environment
//	AGENTD_SERVER_ADDR=127.0.0.1:9292 AGENTD_EXECUTION_PROJECT_ROOT=~/src/app agentd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/tmc/langchaingo/embeddings"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/events"
	"github.com/fyrsmithlabs/agentd/internal/fileops"
	agenthttp "github.com/fyrsmithlabs/agentd/internal/http"
	"github.com/fyrsmithlabs/agentd/internal/llm"
	"github.com/fyrsmithlabs/agentd/internal/logging"
	"github.com/fyrsmithlabs/agentd/internal/orchestrator"
	"github.com/fyrsmithlabs/agentd/internal/retrieval"
	"github.com/fyrsmithlabs/agentd/internal/secrets"
	"github.com/fyrsmithlabs/agentd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// mode selects which transports run.
type mode int

const (
	modeDaemon mode = iota
	modeStdio
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to the YAML config file")
	flag.Parse()
	args := flag.Args()

	m := modeDaemon
	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		case "mcp":
			m = modeStdio
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  agentd           Start the agentd daemon\n")
			fmt.Fprintf(os.Stderr, "  agentd mcp       Serve MCP over stdio\n")
			fmt.Fprintf(os.Stderr, "  agentd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	if err := run(ctx, cfg, m); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("agentd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "agentd", "config.yaml")
}

// run starts agentd and blocks until ctx is cancelled.
//
// Startup order:
//  1. Logger and telemetry
//  2. Event transport (in-process broker, optionally NATS)
//  3. File writer, secret scanner, retrieval and model collaborators
//  4. Coordinator and controller
//  5. HTTP server and, when enabled, the MCP stdio server
//
// Shutdown drains the servers within server.shutdown_timeout before the
// controller and transports are closed.
func run(ctx context.Context, cfg *config.Config, m mode) error {
	logger, tel, err := initObservability(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Underlying().Warn("telemetry shutdown failed", zap.Error(err))
		}
		_ = logger.Sync() // Best-effort sync on shutdown
	}()
	zl := logger.Underlying()

	zl.Info("Starting agentd",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.String("project_root", cfg.Execution.ProjectRoot),
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()))

	deps, err := initDependencies(ctx, cfg, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	zl.Info("Dependencies initialized",
		zap.Bool("nats_connected", deps.natsConn != nil),
		zap.Bool("nats_embedded", deps.natsServer != nil),
		zap.Bool("retrieval_enabled", cfg.Retrieval.Enabled))

	ctrl, err := newController(cfg, deps, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize orchestrator: %w", err)
	}
	defer ctrl.Close()

	if m == modeStdio {
		return runStdioServer(ctx, cfg, ctrl, zl)
	}

	srv, err := agenthttp.NewServer(ctrl, deps.source, zl, &agenthttp.Config{
		Addr:      cfg.Server.Addr,
		RateLimit: cfg.Server.RateLimit,
		RateBurst: cfg.Server.RateBurst,
		Heartbeat: agenthttp.DefaultHeartbeat,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}
	srv.Mount("/metrics", promhttp.Handler())

	zl.Info("Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s/health", cfg.Server.Addr)),
		zap.String("api_prefix", "/api/v1"),
		zap.String("metrics_endpoint", "/metrics"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	if cfg.MCP.Enabled {
		g.Go(func() error {
			return runStdioServer(gctx, cfg, ctrl, zl)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// initObservability creates telemetry first so the logger can export
// through its provider.
func initObservability(ctx context.Context, cfg *config.Config) (*logging.Logger, *telemetry.Telemetry, error) {
	bootstrap, err := zap.NewProduction()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize bootstrap logger: %w", err)
	}

	tel, err := telemetry.New(ctx, cfg.Telemetry, version, bootstrap)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logCfg, err := logging.FromConfig(cfg.Logging, tel.IsEnabled())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if tel.Degraded() {
		logger.Warn(ctx, "telemetry degraded, some signals are not exported")
	}
	return logger, tel, nil
}

// dependencies holds all infrastructure dependencies.
type dependencies struct {
	natsServer *natsserver.Server
	natsConn   *nats.Conn
	broker     *events.Broker
	emitter    *events.Emitter
	source     events.Source

	writer    *fileops.Writer
	scanner   *secrets.Scanner
	retriever orchestrator.ContextRetriever
	models    *llm.Collaborators
	logger    *zap.Logger
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.broker != nil {
		d.broker.Close()
	}
	if d.natsConn != nil {
		d.natsConn.Close()
	}
	if d.natsServer != nil {
		d.natsServer.Shutdown()
		d.natsServer.WaitForShutdown()
	}
	if d.logger != nil {
		_ = d.logger.Sync() // Best-effort sync
	}
}

// initDependencies initializes all infrastructure dependencies.
//
// This function:
//  1. Starts the event broker and, when enabled, connects to NATS
//  2. Creates the file writer confined to the project root
//  3. Builds the secret scanner, context retriever and model collaborators
func initDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (deps *dependencies, err error) {
	deps = &dependencies{logger: logger}
	defer func() {
		if err != nil {
			deps.Close()
		}
	}()

	deps.broker = events.NewBroker(cfg.Server.EventHistory)
	deps.emitter = events.NewEmitter(logger, deps.broker)
	deps.source = deps.broker

	if cfg.NATS.Enabled {
		if err := connectNATS(cfg.NATS, deps); err != nil {
			return nil, err
		}
	}

	root, err := filepath.Abs(cfg.Execution.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root %s: %w", cfg.Execution.ProjectRoot, err)
	}
	deps.writer = fileops.NewOSWriter(root, logger)

	deps.scanner, err = secrets.NewScanner(secrets.Config{
		Gitleaks:     cfg.Secrets.Gitleaks,
		AllowPaths:   cfg.Secrets.AllowPaths,
		AllowRegexes: cfg.Secrets.AllowRegexes,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret scanner: %w", err)
	}

	deps.retriever = orchestrator.NoContext{}
	if cfg.Retrieval.Enabled {
		r, err := newRetriever(ctx, cfg, root, logger)
		if err != nil {
			return nil, err
		}
		deps.retriever = r
	}

	deps.models, err = llm.NewCollaborators(cfg.LLM, deps.scanner, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create model collaborators: %w", err)
	}

	return deps, nil
}

// connectNATS dials cfg.URL, or an embedded server when cfg.Embedded is
// set, and fans events out over it. SSE subscribers then read from NATS so
// several daemons can share one event bus.
func connectNATS(cfg config.NATSConfig, deps *dependencies) error {
	url := cfg.URL
	if cfg.Embedded {
		ns, err := natsserver.NewServer(&natsserver.Options{
			Host:   "127.0.0.1",
			Port:   cfg.Port,
			NoLog:  true,
			NoSigs: true,
		})
		if err != nil {
			return fmt.Errorf("failed to create embedded NATS server: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return errors.New("embedded NATS server not ready")
		}
		deps.natsServer = ns
		url = ns.ClientURL()
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait.Duration()),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	deps.natsConn = nc
	deps.logger.Info("Connected to NATS", zap.String("url", url))

	pub, err := events.NewNATSPublisher(nc)
	if err != nil {
		return fmt.Errorf("failed to create NATS publisher: %w", err)
	}
	src, err := events.NewNATSSource(nc, deps.broker, deps.logger)
	if err != nil {
		return fmt.Errorf("failed to create NATS source: %w", err)
	}
	deps.emitter.AddPublisher(pub)
	deps.source = src
	return nil
}

// newRetriever indexes the project root. OpenAI deployments embed with the
// same endpoint; everything else uses the local hashing embedder.
func newRetriever(ctx context.Context, cfg *config.Config, root string, logger *zap.Logger) (*retrieval.Retriever, error) {
	var embedder embeddings.Embedder = retrieval.NewHashEmbedder()
	if cfg.LLM.Provider == llm.ProviderOpenAI {
		e, err := retrieval.NewOpenAIEmbedder(retrieval.OpenAIEmbedderConfig{
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  cfg.LLM.APIKey.Value(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create embedder: %w", err)
		}
		embedder = e
	}

	fsys := afero.NewReadOnlyFs(afero.NewBasePathFs(afero.NewOsFs(), root))
	r, err := retrieval.New(fsys, embedder, retrieval.Config{
		Include:      cfg.Retrieval.Include,
		MaxResults:   cfg.Retrieval.MaxResults,
		MaxFileBytes: cfg.Retrieval.MaxFileBytes,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create retriever: %w", err)
	}

	// Warm the root index; failures only cost latency on the first request.
	if err := r.Index(ctx, ""); err != nil {
		logger.Warn("initial index failed", zap.String("root", root), zap.Error(err))
	}
	return r, nil
}

// newController wires the coordinator and controller from config.
func newController(cfg *config.Config, deps *dependencies, logger *logging.Logger) (*orchestrator.Controller, error) {
	leases := orchestrator.NewLeases()

	coordCfg := orchestrator.CoordinatorConfig{
		ProtectedPaths:  cfg.Execution.ProtectedPaths,
		MaxParallel:     cfg.Execution.MaxParallel,
		GenerateTimeout: cfg.Execution.GenerateTimeout.Duration(),
		WriteTimeout:    cfg.Execution.WriteTimeout.Duration(),
		BlockSecrets:    cfg.Execution.BlockSecrets,
	}
	for _, op := range cfg.Execution.AutoApprove {
		coordCfg.AutoApprove = append(coordCfg.AutoApprove, orchestrator.OperationType(op))
	}

	store := orchestrator.NewMemoryStore()
	coordDeps := orchestrator.CoordinatorDeps{
		Store:     store,
		Writer:    deps.writer,
		Generator: deps.models.Generator,
		Differ:    fileops.NewUnifiedDiff(),
		Emitter:   deps.emitter,
		Leases:    leases,
		Logger:    logger,
	}
	if cfg.Execution.BlockSecrets {
		coordDeps.Scanner = deps.scanner
	}

	coord, err := orchestrator.NewCoordinator(coordDeps, coordCfg)
	if err != nil {
		return nil, err
	}

	return orchestrator.NewController(orchestrator.ControllerDeps{
		Store:       store,
		Classifier:  deps.models.Classifier,
		Retriever:   deps.retriever,
		Planner:     deps.models.Planner,
		Coordinator: coord,
		Emitter:     deps.emitter,
		Leases:      leases,
		Logger:      logger,
	}, orchestrator.ControllerConfig{
		ClarifyThreshold: cfg.Conversation.ClarifyThreshold,
		ClassifyTimeout:  cfg.Conversation.ClassifyTimeout.Duration(),
		RetrieveTimeout:  cfg.Conversation.RetrieveTimeout.Duration(),
		PlanTimeout:      cfg.Conversation.PlanTimeout.Duration(),
		AbandonPhrases:   cfg.Conversation.AbandonPhrases,
	})
}
