package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/drover-io/drover/pkg/action"
	"github.com/drover-io/drover/pkg/api"
	"github.com/drover-io/drover/pkg/config"
	"github.com/drover-io/drover/pkg/events"
	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/metrics"
	"github.com/drover-io/drover/pkg/rollout"
	"github.com/drover-io/drover/pkg/storage"
	"github.com/drover-io/drover/pkg/sweeper"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "Drover - Staged fleet rollout orchestrator",
	Long: `Drover rolls software updates out to large device fleets in
ordered groups, advancing only while each group meets its success
threshold and halting the moment a group trips its error threshold.

A single binary with an embedded store; point devices at the feedback
endpoint and drive campaigns through the management API.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Drover version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rollout orchestration server",
	Long: `Start the management API, the rollout evaluation loop and the
auto-assignment sweeper against the embedded store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		apiAddr, _ := cmd.Flags().GetString("api-addr")

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %v", err)
		}
		// Flags win over the config file.
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		if apiAddr != "" {
			cfg.APIAddr = apiAddr
		}

		log.Init(log.Config{
			Level:      cfg.Log.Level,
			JSONOutput: cfg.Log.JSON,
		})
		logger := log.WithComponent("main")

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}

		broker := events.NewBroker()
		broker.Start()
		machine := action.NewMachine(store, broker)

		orch := rollout.NewOrchestrator(store, machine, broker, cfg.EvaluationInterval.Std())
		orch.Run()
		logger.Info().Dur("interval", cfg.EvaluationInterval.Std()).Msg("evaluation loop started")

		sweep := sweeper.NewSweeper(store, machine, cfg.SweepSchedule)
		if err := sweep.Start(); err != nil {
			return fmt.Errorf("failed to start sweeper: %v", err)
		}
		logger.Info().Str("schedule", cfg.SweepSchedule).Msg("auto-assignment sweeper started")

		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metrics.Handler(),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server error")
			}
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint started")

		apiServer := api.NewServer(store, orch, machine)
		errCh := make(chan error, 1)
		go func() {
			if err := apiServer.Start(cfg.APIAddr); err != nil {
				errCh <- fmt.Errorf("API server error: %v", err)
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			logger.Info().Msg("shutting down")
		case err := <-errCh:
			logger.Error().Err(err).Msg("server error, shutting down")
		}

		sweep.Stop()
		orch.Shutdown()
		apiServer.Stop()
		metricsServer.Close()
		broker.Stop()
		if err := store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %v", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML config file")
	serveCmd.Flags().String("data-dir", "", "Data directory for the embedded store")
	serveCmd.Flags().String("api-addr", "", "Listen address for the management API")
}
