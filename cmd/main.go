package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"objmover/internal/app"
	"objmover/internal/config"
	"objmover/internal/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "objmover",
	Short: "Migrate artifacts between S3-compatible object stores",
	Long: `A concurrent, resumable artifact migration engine with checkpointing,
dual-sided integrity verification, per-endpoint rate limiting, and
retry classification.`,
	RunE: runMigration,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")

	// Source flags
	rootCmd.Flags().String("src-provider", "minio", "Source provider (minio/s3)")
	rootCmd.Flags().String("src-endpoint", "", "Source endpoint")
	rootCmd.Flags().String("src-region", "", "Source region")
	rootCmd.Flags().String("src-access-key", "", "Source access key")
	rootCmd.Flags().String("src-secret-key", "", "Source secret key")
	rootCmd.Flags().String("src-bucket", "", "Source bucket (required)")
	rootCmd.Flags().Bool("src-secure", false, "Use HTTPS for source")

	// Target flags
	rootCmd.Flags().String("dst-provider", "minio", "Target provider (minio/s3)")
	rootCmd.Flags().String("dst-endpoint", "", "Target endpoint")
	rootCmd.Flags().String("dst-region", "", "Target region")
	rootCmd.Flags().String("dst-access-key", "", "Target access key")
	rootCmd.Flags().String("dst-secret-key", "", "Target secret key")
	rootCmd.Flags().String("dst-bucket", "", "Target bucket (required)")
	rootCmd.Flags().Bool("dst-secure", true, "Use HTTPS for target")

	// Migration flags
	rootCmd.Flags().String("prefix", "", "Artifact key prefix filter")
	rootCmd.Flags().String("artifact", "", "Single artifact key")
	rootCmd.Flags().String("strategy", "auto", "Scale strategy (small/medium/large/auto)")
	rootCmd.Flags().Int("concurrency", 0, "Concurrent transfer slots (0 = strategy default)")
	rootCmd.Flags().Int("batch-count", 0, "Artifacts per batch (0 = strategy default)")
	rootCmd.Flags().Int64("batch-bytes", 0, "Bytes per batch (0 = strategy default)")
	rootCmd.Flags().Int("max-retries", 5, "Maximum transfer attempts per artifact")
	rootCmd.Flags().Int("backoff-base-ms", 500, "Initial retry backoff in milliseconds")
	rootCmd.Flags().Float64("backoff-factor", 2.0, "Retry backoff multiplier")
	rootCmd.Flags().Int("backoff-max-ms", 30000, "Retry backoff cap in milliseconds")
	rootCmd.Flags().Float64("rate-limit-source", 0, "Source API tokens per second (0 = unlimited)")
	rootCmd.Flags().Float64("rate-limit-target", 0, "Target API tokens per second (0 = unlimited)")
	rootCmd.Flags().Int("acquire-timeout-ms", 120000, "Rate limiter acquire bound in milliseconds")
	rootCmd.Flags().String("checkpoint", "./checkpoint.db", "Checkpoint database file")
	rootCmd.Flags().String("run-id", "", "Resume the run with this identifier")
	rootCmd.Flags().Bool("dry-run", false, "List artifacts without migrating")
	rootCmd.Flags().Bool("skip-existing", true, "Skip artifacts already present on the target")
	rootCmd.Flags().Bool("show-progress", true, "Show progress display")
	rootCmd.Flags().String("metrics-addr", ":8080", "Metrics listen address (empty to disable)")
	rootCmd.Flags().Int64("spool-threshold", 33554432, "In-memory spool limit per artifact in bytes")
	rootCmd.Flags().String("log-level", "info", "Log level (debug/info/warn/error)")
}

func runMigration(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	controller, err := app.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	defer func() {
		if closeErr := controller.Close(); closeErr != nil {
			log.Error("Error closing controller", zap.Error(closeErr))
		}
	}()

	ctx := context.Background()

	// a signal pauses the run: workers quiesce at step boundaries and the
	// checkpoint store keeps the residual work set for a later resume
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("Received shutdown signal, pausing run...")
		if pauseErr := controller.Pause(); pauseErr != nil {
			log.Warn("Pause request rejected", zap.Error(pauseErr))
		}
	}()

	report, err := controller.Run(ctx)
	if report != nil {
		printReport(report)
	}
	return err
}

func printReport(report *app.Report) {
	fmt.Printf("\nRun %s (%s strategy)\n", report.RunID, report.Strategy)
	fmt.Printf("  artifacts: %d  committed: %d  skipped: %d\n",
		report.TotalArtifacts, report.Committed, report.Skipped)
	fmt.Printf("  failed (retries exhausted): %d  failed (fatal): %d  pending: %d\n",
		report.FailedRetryable, report.FailedFatal, report.Pending)
	fmt.Printf("  elapsed: %s  throughput: %.1f MB/s\n",
		report.Elapsed.Round(0), report.BytesPerSecond/(1024*1024))

	for _, failure := range report.Failures {
		fmt.Printf("  FAILED %s (%s, %d attempts): %s\n",
			failure.Key, failure.State, failure.Attempts, failure.Error)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
