package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/corral/pkg/api"
	"github.com/cuemby/corral/pkg/config"
	"github.com/cuemby/corral/pkg/dispatcher"
	"github.com/cuemby/corral/pkg/environment"
	"github.com/cuemby/corral/pkg/errors"
	"github.com/cuemby/corral/pkg/events"
	"github.com/cuemby/corral/pkg/health"
	"github.com/cuemby/corral/pkg/lock"
	"github.com/cuemby/corral/pkg/log"
	"github.com/cuemby/corral/pkg/policy"
	"github.com/cuemby/corral/pkg/profile"
	"github.com/cuemby/corral/pkg/service"
	"github.com/cuemby/corral/pkg/storage"
	"github.com/cuemby/corral/pkg/webhook"
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
	Use:   "corral",
	Short: "Corral - cluster lifecycle orchestration engine",
	Long: `Corral manages clusters of homogeneous nodes: creation, scaling,
policy-governed membership changes and webhooks, all driven through a
durable asynchronous action pipeline. Multiple engine processes may
share one store and split the work between them.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Corral version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	serveCmd.Flags().String("config", "", "Path to the YAML configuration file")
	serveCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	serveCmd.Flags().String("api-addr", ":8778", "API listen address")
	serveCmd.Flags().Int("workers", 0, "Dispatcher worker count (overrides config)")
	serveCmd.Flags().String("webhook-secret", "",
		"Password protecting webhook credentials (or CORRAL_WEBHOOK_SECRET)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration engine",
	Long: `Run one engine process: the API server, the action dispatcher and
the health monitor.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		apiAddr, _ := cmd.Flags().GetString("api-addr")
		workers, _ := cmd.Flags().GetInt("workers")
		secret, _ := cmd.Flags().GetString("webhook-secret")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		if workers > 0 {
			cfg.Workers = workers
		}
		if secret == "" {
			secret = os.Getenv("CORRAL_WEBHOOK_SECRET")
		}
		if secret == "" {
			return fmt.Errorf("a webhook secret is required (--webhook-secret or CORRAL_WEBHOOK_SECRET)")
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})
		return serve(cfg, apiAddr, secret)
	},
}

func serve(cfg *config.Config, apiAddr, secret string) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "corral"
	}
	engineID := fmt.Sprintf("%s-%.8s", hostname, uuid.New().String())
	logger := log.WithEngineID(engineID)

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	// In-memory drivers; deployments with real backends register their
	// own implementations here.
	env := environment.New()
	if err := profile.RegisterContainer(env, profile.NewFakeDriver()); err != nil {
		return err
	}
	if err := policy.RegisterLoadBalancing(env, policy.NewFakeLBDriver()); err != nil {
		return err
	}
	if err := env.Triggers.Register("corral.trigger.alarm@1.0",
		service.TriggerValidator(validateAlarmSpec)); err != nil {
		return err
	}

	codec, err := webhook.NewCodecFromPassword(secret)
	if err != nil {
		return err
	}

	broker := events.NewBroker(store)
	locks := lock.NewManager(store, engineID, cfg.HeartbeatInterval)
	disp := dispatcher.New(store, locks, env, broker, cfg, engineID)
	monitor := health.NewMonitor(store, engineID, cfg.HeartbeatInterval, disp.Notify)
	svc := service.New(store, env, cfg, codec, disp.Notify)
	server := api.NewServer(svc)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("data_dir", cfg.DataDir).
		Str("api_addr", apiAddr).
		Int("workers", cfg.Workers).
		Msg("engine starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return disp.Start(ctx) })
	g.Go(func() error { return monitor.Start(ctx) })
	g.Go(func() error { return server.Start(ctx, apiAddr) })

	err = g.Wait()
	logger.Info().Msg("engine stopped")
	return err
}

func validateAlarmSpec(spec map[string]interface{}) error {
	if len(spec) == 0 {
		return errors.InvalidSpec("trigger spec must not be empty")
	}
	return nil
}
