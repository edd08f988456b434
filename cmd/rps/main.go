// Command rps plays rock-paper-scissors between the clients of a group.
//
// Interactive play reads responses from the terminal. --auto plays at random,
// and --simulate runs a whole pair of automated players in this process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"groupsync"
	"groupsync/internal/core"
	"groupsync/internal/lab"

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
		configPath string
		logLevel   string
		trials     int
		auto       bool
		simulate   bool
		seed       uint64
	)

	c := &cobra.Command{
		Use:   "rps",
		Short: "play rock-paper-scissors with a partner",
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
			if cfg.InitialData == nil {
				cfg.InitialData = map[string]any{"choices": []any{}}
			}
			if seed == 0 {
				seed = uint64(time.Now().UnixNano())
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if simulate {
				scores, err := simulatePair(ctx, cfg, trials, seed, logger)
				if err != nil {
					return err
				}
				for id, s := range scores {
					fmt.Fprintf(cmd.OutOrStdout(), "%s won %d point(s)\n", id, s)
				}
				return nil
			}

			var chooser Chooser = newPromptChooser(cmd.InOrStdin(), cmd.OutOrStdout())
			if auto {
				chooser = newRandomChooser(seed)
			}
			return playOne(ctx, cmd, cfg, &game{trials: trials, chooser: chooser, logger: logger})
		},
	}

	flags := c.Flags()
	flags.StringVar(&configPath, "config", "", "path to a config file")
	flags.StringVar(&logLevel, "log-level", "info", "logging level")
	flags.String("server-uri", "http://localhost:5984", "store address (http(s)://, mongodb://, redis://, mem://)")
	flags.String("database", "psynteract", "database name or key prefix")
	flags.String("design", "stranger", "grouping design")
	flags.Int("group-size", 2, "clients per group")
	flags.Int("groupings-needed", 1, "number of unique groupings")
	flags.Bool("offline", false, "play against yourself without a server")
	flags.IntVar(&trials, "trials", 2, "number of trials")
	flags.BoolVar(&auto, "auto", false, "respond at random instead of reading the terminal")
	flags.BoolVar(&simulate, "simulate", false, "run two automated players in this process")
	flags.Uint64Var(&seed, "seed", 0, "random seed for automated players")

	for key, flag := range map[string]string{
		"server_uri":       "server-uri",
		"database":         "database",
		"design":           "design",
		"group_size":       "group-size",
		"groupings_needed": "groupings-needed",
		"offline":          "offline",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
	return c
}

func playOne(ctx context.Context, cmd *cobra.Command, cfg groupsync.Config, g *game) error {
	conn, err := groupsync.Dial(ctx, cfg, groupsync.WithLogger(g.logger))
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	fmt.Fprintln(cmd.OutOrStdout(), "We're waiting for the experimenter to start the session")
	results, total, err := g.play(ctx, conn)
	for _, r := range results {
		fmt.Fprintf(cmd.OutOrStdout(), "You chose %s and your partner %s. You %s!\n",
			moveNames[r.Response], moveNames[r.PartnerResponse], r.Outcome)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "That's it; thank you for playing! You won %d point(s)\n", total)
	return nil
}

// simulatePair runs two random players against each other and returns each
// client's score.
func simulatePair(ctx context.Context, cfg groupsync.Config, trials int, seed uint64, logger *zap.Logger) (map[string]int, error) {
	var (
		mu     sync.Mutex
		scores = make(map[string]int, 2)
	)
	cfg.ClientName = "player"
	err := lab.Run(ctx, cfg, 2, logger, func(ctx context.Context, i int, conn *groupsync.Connection) error {
		g := &game{trials: trials, chooser: newRandomChooser(seed + uint64(i)), logger: logger}
		_, total, err := g.play(ctx, conn)
		mu.Lock()
		scores[conn.ID()] = total
		mu.Unlock()
		return err
	})
	if err != nil {
		return nil, err
	}
	return scores, nil
}
