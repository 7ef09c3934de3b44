package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cuemby/scanorc/internal/api"
	"github.com/cuemby/scanorc/internal/config"
	"github.com/cuemby/scanorc/pkg/log"
	"github.com/cuemby/scanorc/pkg/metrics"
	"github.com/cuemby/scanorc/pkg/orchestrator"
	"github.com/cuemby/scanorc/pkg/pipeline"
	"github.com/cuemby/scanorc/pkg/registry"
	"github.com/cuemby/scanorc/pkg/runtime"
)

// Version information (set via ldflags during build)
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "scanorc",
	Short:   "scanorc - vulnerability scan orchestration service",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("scanorc version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("api-addr", "127.0.0.1:8080", "scanorc API address")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(templateCmd)
	rootCmd.AddCommand(pipelineCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// newStore opens the configured registry backend: Redis when an address
// is set, BoltDB otherwise. Both satisfy registry.Store.
func newStore(cfg *config.Config) (registry.Store, error) {
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return registry.NewRedisStore(rdb), nil
	}
	return registry.NewBoltStore(cfg.BoltPath)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scan dispatcher, template synthesis pipeline, and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		store, err := newStore(cfg)
		if err != nil {
			return fmt.Errorf("open registry store: %w", err)
		}

		rt, err := runtime.NewRuntime(cfg.ContainerdSocket, cfg.TemplateLibraryRoot)
		if err != nil {
			return fmt.Errorf("connect to containerd: %w", err)
		}

		var feed pipeline.CVEFeedClient
		if cfg.CVEFeedURL != "" {
			feed = pipeline.NewHTTPCVEFeedClient(cfg.CVEFeedURL, cfg.CVEFeedAPIKey)
		}
		var generator pipeline.TemplateGenerator
		if cfg.LLMAPIKey != "" {
			generator = pipeline.NewAnthropicGenerator(cfg.LLMAPIKey)
		}

		o, err := orchestrator.New(orchestrator.Deps{
			Config:       cfg,
			Store:        store,
			Runtime:      rt,
			Feed:         feed,
			Generator:    generator,
			ScannerImage: "scanorc/nuclei:latest",
		})
		if err != nil {
			return fmt.Errorf("wire orchestrator: %w", err)
		}
		defer o.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		runErrCh := make(chan error, 1)
		go func() { runErrCh <- o.Run(ctx) }()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Logger.Error().Err(err).Msg("metrics server error")
			}
		}()
		log.Logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")

		apiAddr, _ := cmd.Flags().GetString("api-addr")
		apiSrv := api.NewServer(o)
		apiErrCh := make(chan error, 1)
		go func() {
			if err := apiSrv.Start(apiAddr); err != nil {
				apiErrCh <- err
			}
		}()
		log.Logger.Info().Str("addr", apiAddr).Msg("API endpoint listening")

		select {
		case <-ctx.Done():
			log.Logger.Info().Msg("shutting down")
		case err := <-runErrCh:
			if err != nil {
				log.Logger.Error().Err(err).Msg("scan dispatcher stopped")
			}
		case err := <-apiErrCh:
			log.Logger.Error().Err(err).Msg("API server error")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = apiSrv.Stop(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)

		return nil
	},
}
