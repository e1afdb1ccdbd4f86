package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/boristopalov/rtgym/internal/logging"
	"github.com/boristopalov/rtgym/internal/observability"
	"github.com/boristopalov/rtgym/pkg/config"
	"github.com/boristopalov/rtgym/pkg/experiment"
	"github.com/boristopalov/rtgym/pkg/messaging"
)

var version = "dev"

type runFlags struct {
	strategy string
	episodes int
	dryRun   bool
}

func main() {
	for _, envFile := range []string{
		".env",
		"../../.env",
		"../../../.env",
	} {
		if err := godotenv.Load(envFile); err == nil {
			break
		}
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	rootCmd := &cobra.Command{
		Use:          "rtgym",
		Short:        "rtgym runs LLM agents against real-time games under a per-turn thinking budget.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default configs/config.yaml)")

	var flags runFlags
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run episodes with the configured strategy and backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEpisodes(cmd, configPath, flags)
		},
	}
	runCmd.Flags().StringVar(&flags.strategy, "strategy", "", "reactive, planning or hybrid (overrides agent.strategy)")
	runCmd.Flags().IntVar(&flags.episodes, "episodes", 0, "number of episodes (overrides episode.episodes)")
	runCmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "use the scripted backend instead of a provider")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Load and validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			printConfig(cmd, cfg)
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	rootCmd.AddCommand(runCmd, checkCmd, versionCmd)
	return rootCmd
}

func runEpisodes(cmd *cobra.Command, configPath string, flags runFlags) error {
	cfg, err := config.Read(configPath)
	if err != nil {
		return err
	}
	if flags.strategy != "" {
		cfg.Agent.Strategy = flags.strategy
	}
	if flags.episodes > 0 {
		cfg.Episode.Episodes = flags.episodes
	}
	if flags.dryRun {
		cfg.Backend.Kind = config.BackendMock
		cfg.PlannerBackend.Kind = ""
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
		logger.Info("serving metrics", zap.String("addr", cfg.Metrics.Addr))
	}

	if cfg.Tracing.Enabled {
		shutdown, err := observability.InitTracing(ctx, observability.TracingOptions{
			ServiceName: "rtgym",
			Version:     version,
			Exporter:    cfg.Tracing.Exporter,
			Endpoint:    cfg.Tracing.Endpoint,
			Insecure:    cfg.Tracing.Insecure,
			Writer:      cmd.ErrOrStderr(),
		})
		if err != nil {
			return err
		}
		defer func() {
			// ctx is already cancelled on interrupt
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("flushing spans", zap.Error(err))
			}
		}()
		logger.Info("tracing enabled", zap.String("exporter", cfg.Tracing.Exporter))
	}

	deps, err := newRunDeps(ctx, cfg, metrics, logger)
	if err != nil {
		return err
	}
	unit, err := cfg.Unit()
	if err != nil {
		return err
	}

	broker := messaging.NewBroker()
	defer broker.Reset()

	exp := experiment.NewExperiment(deps.newGame, deps.newAgent, experiment.Params{
		Unit:      unit,
		PerTurn:   cfg.Budget.PerTurn,
		MaxTurns:  cfg.Episode.MaxTurns,
		Episodes:  cfg.Episode.Episodes,
		Parallel:  cfg.Episode.Parallel,
		Seed:      cfg.Episode.Seed,
		OutputDir: cfg.Output.Dir,
		Broker:    broker,
		Metrics:   metrics,
		Logger:    logger,
	})
	logger.Info("starting run",
		zap.String("strategy", cfg.Agent.Strategy),
		zap.String("backend", cfg.Backend.Kind),
		zap.String("unit", unit.String()),
		zap.Float64("per_turn", cfg.Budget.PerTurn),
		zap.Int("episodes", cfg.Episode.Episodes),
	)

	summaries, runErr := exp.Run(ctx)
	for _, s := range summaries {
		fmt.Fprintf(cmd.OutOrStdout(), "%s seed=%d turns=%d reward=%.1f done=%t parse_failures=%d provider_failures=%d defaults=%d\n",
			s.Episode, s.Seed, s.Turns, s.TotalReward, s.Done, s.ParseFailures, s.ProviderFailures, s.DefaultActions)
	}
	if errors.Is(runErr, context.Canceled) {
		logger.Warn("run interrupted")
	}
	return runErr
}

func printConfig(cmd *cobra.Command, cfg *config.Config) {
	out := cmd.OutOrStdout()
	planner := cfg.Planner()
	fmt.Fprintf(out, "strategy:   %s\n", cfg.Agent.Strategy)
	fmt.Fprintf(out, "backend:    %s %s %s key=%s\n", cfg.Backend.Kind, cfg.Backend.Model, cfg.Backend.BaseURL, mask(cfg.Backend.APIKey))
	fmt.Fprintf(out, "planner:    %s %s %s key=%s\n", planner.Kind, planner.Model, planner.BaseURL, mask(planner.APIKey))
	fmt.Fprintf(out, "budget:     %v %s per turn, reserve %v\n", cfg.Budget.PerTurn, cfg.Budget.Unit, cfg.Agent.Reserve)
	fmt.Fprintf(out, "stream:     %t, grace %s, idle %s, delimiter %s\n", cfg.Agent.Stream, cfg.Agent.GracePeriod, cfg.Agent.IdleTimeout, cfg.Agent.Delimiter)
	fmt.Fprintf(out, "episodes:   %d x %s, max %d turns, parallel %d, seed %d\n",
		cfg.Episode.Episodes, cfg.Episode.Environment, cfg.Episode.MaxTurns, cfg.Episode.Parallel, cfg.Episode.Seed)
	fmt.Fprintf(out, "output:     %s\n", cfg.Output.Dir)
	if cfg.Tracing.Enabled {
		fmt.Fprintf(out, "tracing:    %s %s\n", cfg.Tracing.Exporter, cfg.Tracing.Endpoint)
	}
}

func mask(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
