// Command controlpanel serves the experimenter API for a grouping database:
// open sessions, start them once clients have joined, record replacements
// and follow a session's changes as server-sent events.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"groupsync"
	"groupsync/internal/core"
	delivery "groupsync/internal/delivery/http"
	"groupsync/internal/delivery/sse"
	"groupsync/internal/usecase"

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
		configPath  string
		logLevel    string
		development bool
		listen      string
	)

	c := &cobra.Command{
		Use:   "controlpanel",
		Short: "serve the experimenter control panel",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := core.ConfigureLogger(development, logLevel); err != nil {
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

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, listen, logger)
		},
	}

	flags := c.Flags()
	flags.StringVar(&configPath, "config", "", "path to a config file")
	flags.StringVar(&logLevel, "log-level", "info", "logging level")
	flags.BoolVar(&development, "development", false, "human readable logs")
	flags.StringVar(&listen, "listen", ":8080", "address to serve on")
	flags.String("server-uri", "http://localhost:5984", "store address (http(s)://, mongodb://, redis://, mem://)")
	flags.String("database", "psynteract", "database name or key prefix")
	flags.Duration("heartbeat", groupsync.DefaultHeartbeat, "keep-alive interval of event streams")

	for key, flag := range map[string]string{
		"server_uri": "server-uri",
		"database":   "database",
		"heartbeat":  "heartbeat",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
	return c
}

func serve(ctx context.Context, cfg groupsync.Config, listen string, logger *zap.Logger) error {
	store, err := groupsync.OpenStore(ctx, cfg.ServerURI, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	sessions := usecase.NewSessionUseCase(store, logger)
	handler := delivery.NewHandler(sessions, store, logger)
	events := sse.NewRouter(store, cfg.Heartbeat, logger)

	server := &http.Server{
		Addr:              listen,
		Handler:           delivery.NewRouter(handler, events, logger).Setup(),
		ReadHeaderTimeout: 10 * time.Second,
		// event streams end with the process context
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Control panel listening",
			zap.String("addr", listen),
			zap.String("server_uri", cfg.ServerURI),
			zap.String("database", cfg.Database))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down control panel...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
		return err
	}
	return nil
}
