// Plant Controller
// Main entry point for the plant watering controller service
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agsys/plant-controller/internal/clock"
	"github.com/agsys/plant-controller/internal/config"
	"github.com/agsys/plant-controller/internal/logging"
	"github.com/agsys/plant-controller/internal/selftest"
)

const version = "0.3.0"

var (
	configFile string
	envFile    string
	rootCmd    = &cobra.Command{
		Use:   "plant-controller",
		Short: "Plant watering controller",
		Long:  "Reads soil moisture, climate and tank level, publishes them to the backend and runs the watering pumps.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the controller service",
		RunE:  runController,
	}

	selftestCmd = &cobra.Command{
		Use:   "selftest",
		Short: "Run the hardware self-test once and print the report",
		RunE:  runSelfTest,
	}

	clockCmd = &cobra.Command{
		Use:   "clock",
		Short: "Synchronize with NTP and print the local time",
		RunE:  showClock,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Plant Controller v%s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/plant/controller.yaml", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional environment file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(selftestCmd)
	rootCmd.AddCommand(clockCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile, false, envFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := logging.Init(logging.Options{
		Level:       cfg.Logging.Level,
		File:        cfg.Logging.File,
		Development: cfg.Logging.Development,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
	}); err != nil {
		return nil, fmt.Errorf("failed to init logging: %w", err)
	}
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runController(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logging.Sync()
	logger := logging.Named("main")

	a, err := build(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	logger.Info("starting plant controller",
		zap.String("name", cfg.Controller.Name),
		zap.String("version", version),
		zap.Bool("simulate", cfg.Controller.Simulate))

	if err := a.engine.Run(ctx); err != nil {
		return fmt.Errorf("engine stopped: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func runSelfTest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logging.Sync()

	a, err := build(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if err := a.clock.Sync(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	settings, _, err := a.remote.FetchSettings(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: using default settings: %v\n", err)
	}
	settings.Normalize()

	result := a.tester.Run(ctx, selftest.TriggerManual, &settings)
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func showClock(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logging.Sync()

	ctx, cancel := signalContext()
	defer cancel()

	svc := clock.New(clock.NTPSource{Timeout: config.Seconds(cfg.Clock.Timeout)}, cfg.Clock.Servers)
	if err := svc.Sync(ctx); err != nil {
		return err
	}

	ms := svc.NowMillis()
	utc := time.UnixMilli(ms).UTC()
	fmt.Printf("UTC:    %s\n", utc.Format(time.RFC3339))
	fmt.Printf("Local:  %s\n", clock.FormatLocal(ms))
	local := clock.Local(ms)
	fmt.Printf("Offset: %s\n", clock.UTCOffset(local.Year(), int(local.Month()), local.Day(), local.Hour()))
	return nil
}
