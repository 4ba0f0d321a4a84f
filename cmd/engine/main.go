package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/n8n-work/workflow-engine/internal/chatbridge"
	"github.com/n8n-work/workflow-engine/internal/config"
	"github.com/n8n-work/workflow-engine/internal/enginefacade"
	"github.com/n8n-work/workflow-engine/internal/graph"
	"github.com/n8n-work/workflow-engine/internal/models"
	"github.com/n8n-work/workflow-engine/internal/observability"
	"github.com/n8n-work/workflow-engine/internal/state"
	"github.com/n8n-work/workflow-engine/internal/statestore"
	"github.com/n8n-work/workflow-engine/internal/stepkinds"
	"github.com/n8n-work/workflow-engine/internal/storage"
)

const (
	serviceName    = "n8n-work-engine"
	serviceVersion = "0.1.0"
)

func newLogger(environment string) (*zap.Logger, error) {
	if environment == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	root := &cobra.Command{
		Use:   "engine",
		Short: "Workflow execution engine",
	}

	var graphsDir string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, loading manifest-defined graphs from --graphs-dir and serving /metrics and /healthz",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(graphsDir)
		},
	}
	serveCmd.Flags().StringVar(&graphsDir, "graphs-dir", "", "directory of graph manifest JSON files to register at startup")

	registerCmd := &cobra.Command{
		Use:   "register <graph.json>",
		Short: "Validate a graph manifest and report whether it would register cleanly",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegister(args[0])
		},
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect <instance-id>",
		Short: "Print a workflow instance's durable state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(args[0])
		},
	}

	root.AddCommand(serveCmd, registerCmd, inspectCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runRegister performs the offline structural validation described in
// SPEC_FULL.md's CLI section: a manifest referencing business logic that
// only a Go program can supply is still registered programmatically via
// enginefacade.Engine.Register; this command only catches malformed
// manifests (duplicate ids, dangling next-step references, unregistered
// step kinds) before they would be loaded by `serve`.
func runRegister(path string) error {
	manifest, err := models.LoadManifest(path)
	if err != nil {
		return err
	}
	g, err := stepkinds.Build(manifest)
	if err != nil {
		return err
	}
	fmt.Printf("manifest %q is valid: %d steps, initial step %q\n", g.ID, len(g.Steps()), g.InitialStep().ID)
	return nil
}

func runInspect(instanceID string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg.App.Environment)
	if err != nil {
		return err
	}
	defer logger.Sync()

	repo, closeRepo, err := openRepository(cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	inst, err := repo.LoadInstance(context.Background(), instanceID)
	if err != nil {
		return fmt.Errorf("load instance: %w", err)
	}

	fmt.Printf("instance:    %s\n", inst.InstanceID)
	fmt.Printf("graph:       %s v%d\n", inst.GraphID, inst.GraphVersion)
	fmt.Printf("status:      %s\n", inst.Status)
	fmt.Printf("step:        %s\n", inst.CurrentStepID)
	fmt.Printf("updated_at:  %s\n", inst.UpdatedAt.Format(time.RFC3339))

	if inst.Status == state.StatusSuspended {
		if sp, err := repo.LoadSuspension(context.Background(), instanceID); err == nil && sp != nil {
			fmt.Printf("pending prompt (from step %s): %v\n", sp.ProducingStepID, sp.PromptData)
		}
	}
	if inst.TerminalError != nil {
		fmt.Printf("error:       [%s] step=%s attempt=%d: %v\n",
			inst.TerminalError.Kind, inst.TerminalError.StepID, inst.TerminalError.Attempt, inst.TerminalError.Cause)
	}
	return nil
}

func openRepository(cfg *config.Config, logger *zap.Logger) (state.Repository, func(), error) {
	switch cfg.StateStore.Backend {
	case "memory":
		return statestore.NewInMemoryStateRepository(), func() {}, nil
	default:
		repo, err := statestore.NewPostgresStateRepository(cfg.Database.URL, statestore.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres state repository: %w", err)
		}
		return repo, func() { repo.Close() }, nil
	}
}

func runServe(graphsDir string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.App.Environment)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting workflow engine", zap.String("service", serviceName), zap.String("version", serviceVersion))

	shutdownTracing, err := observability.InitTracing(serviceName, serviceVersion, cfg.Observability.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	repo, closeRepo, err := openRepository(cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	var redisClient *redis.Client
	if rc, err := storage.NewRedisClient(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		logger.Warn("redis unavailable, async-handler graphs will fail to register", zap.Error(err))
	} else {
		redisClient = rc
		defer rc.Close()
	}

	engineCfg := enginefacade.DefaultConfig()
	engineCfg.MaxConcurrentPerGraph = cfg.RateLimit.MaxConcurrentPerGraph
	engineCfg.RateLimitPerSecond = cfg.RateLimit.RequestsPerSecond
	engineCfg.RateLimitBurst = cfg.RateLimit.BurstSize
	engineCfg.CircuitBreaker = cfg.CircuitBreaker.ToResilience()

	tagOf := func(v interface{}) graph.TypeTag {
		if _, ok := v.(map[string]interface{}); ok {
			return graph.AnyTag
		}
		return ""
	}

	eng := enginefacade.New(engineCfg, repo, redisClient, logger, tagOf)

	if cfg.MessageQueue.URL != "" {
		bridge, err := chatbridge.NewAMQPChatBridge(cfg.MessageQueue.URL, logger)
		if err != nil {
			logger.Warn("chat bridge unavailable", zap.Error(err))
		} else {
			eng.SetChatStore(bridge)
			defer bridge.Close()
		}
	}

	if graphsDir != "" {
		if err := registerManifests(eng, graphsDir, logger); err != nil {
			return err
		}
	}

	return serveHTTP(cfg.HTTP.Address, logger)
}

func registerManifests(eng *enginefacade.Engine, dir string, logger *zap.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read graphs dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := dir + "/" + entry.Name()
		manifest, err := models.LoadManifest(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		g, err := stepkinds.Build(manifest)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := eng.Register(g); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		logger.Info("registered graph", zap.String("graph_id", g.ID), zap.String("manifest", path))
	}
	return nil
}

func serveHTTP(addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","service":"%s","version":"%s","timestamp":"%s"}`,
			serviceName, serviceVersion, time.Now().UTC().Format(time.RFC3339))
	})

	srv := &http.Server{Addr: addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	}
}
