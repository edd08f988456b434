// Command benchmark measures synchronisation lag. One client per group, the
// slacker, finishes every cycle late; the others record how long after the
// slacker they see the whole group complete the cycle.
//
// Run one process per client against a shared server, or pass --simulate to
// run every client in this process and act as the experimenter too.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"groupsync"
	"groupsync/internal/core"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	v := viper.New()
	var (
		configPath   string
		logLevel     string
		bots         int
		cycles       int
		cycleLength  time.Duration
		slackerSleep time.Duration
		simulate     bool
	)

	c := &cobra.Command{
		Use:   "benchmark",
		Short: "measure group synchronisation lag",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := core.ConfigureLogger(false, logLevel); err != nil {
				return fmt.Errorf("configuring logger: %w", err)
			}
			logger := core.GetLogger()
			defer logger.Sync()

			if configPath != "" {
				v.SetConfigFile(configPath)
			}
			cfg, err := groupsync.LoadConfig(v)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if !cmd.Flags().Changed("group-size") && !v.IsSet("group_size") {
				cfg.GroupSize = bots
			}
			if len(cfg.Roles) == 0 {
				cfg.Roles = defaultRoles(cfg.GroupSize)
			}
			if cfg.InitialData == nil {
				cfg.InitialData = map[string]any{"round": -1}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			b := &benchmark{
				clock:        clockwork.NewRealClock(),
				logger:       logger,
				cycles:       cycles,
				cycleLength:  cycleLength,
				slackerSleep: slackerSleep,
			}
			if simulate {
				results, err := b.simulate(ctx, cfg, bots)
				if err != nil {
					return err
				}
				report(logger, results)
				return nil
			}
			return runClient(ctx, b, cfg)
		},
	}

	flags := c.Flags()
	flags.StringVar(&configPath, "config", "", "path to a config file")
	flags.StringVar(&logLevel, "log-level", "info", "logging level")
	flags.String("server-uri", "http://localhost:5984", "store address (http(s)://, mongodb://, redis://, mem://)")
	flags.String("database", "psynteract", "database name or key prefix")
	flags.Int("group-size", 4, "clients per group")
	flags.Bool("offline", false, "run against yourself without a server")
	flags.IntVar(&bots, "bots", 4, "number of clients")
	flags.IntVar(&cycles, "cycles", 10, "number of cycles")
	flags.DurationVar(&cycleLength, "cycle-length", 10*time.Second, "cycle length; exceed the slacker sleep plus sync time")
	flags.DurationVar(&slackerSleep, "slacker-sleep", 5*time.Second, "extra time the slacker takes per cycle")
	flags.BoolVar(&simulate, "simulate", false, "run every bot in this process and start the session")

	for key, flag := range map[string]string{
		"server_uri": "server-uri",
		"database":   "database",
		"group_size": "group-size",
		"offline":    "offline",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
	return c
}

func runClient(ctx context.Context, b *benchmark, cfg groupsync.Config) error {
	conn, err := groupsync.Dial(ctx, cfg, groupsync.WithLogger(b.logger))
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	b.logger.Info("Connected", zap.String("client_id", conn.ID()), zap.String("session_id", conn.Session()))
	results, err := b.run(ctx, conn)
	report(b.logger, map[string][]cycleResult{conn.ID(): results})
	return err
}

func report(logger *zap.Logger, results map[string][]cycleResult) {
	for id, rs := range results {
		for _, r := range rs {
			logger.Info("Lag",
				zap.String("client_id", id),
				zap.Int("round", r.Round),
				zap.String("partner", r.Partner),
				zap.Duration("lag", r.Lag))
		}
	}
}
