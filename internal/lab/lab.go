// Package lab runs a complete session in one process: it opens a session,
// connects every client, starts the session once all of them joined and
// plays each client concurrently.
package lab

import (
	"context"
	"errors"
	"fmt"

	"groupsync"
	"groupsync/internal/usecase"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PlayFunc plays one client's part. i is the client's position in the lab.
type PlayFunc func(ctx context.Context, i int, conn *groupsync.Connection) error

// Run connects clients clients to a new session on cfg.ServerURI, starts the
// session with cfg's design and runs play for each client. The first play
// error cancels the others.
func Run(ctx context.Context, cfg groupsync.Config, clients int, logger *zap.Logger, play PlayFunc) error {
	if clients < 1 {
		return errors.New("at least one client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, err := groupsync.OpenStore(ctx, cfg.ServerURI, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions := usecase.NewSessionUseCase(store, logger)
	session, err := sessions.Create(ctx, "")
	if err != nil {
		return err
	}

	conns := make([]*groupsync.Connection, clients)
	defer func() {
		for _, c := range conns {
			if c != nil {
				_ = c.Close()
			}
		}
	}()

	dial, dialCtx := errgroup.WithContext(ctx)
	for i := range conns {
		i := i
		dial.Go(func() error {
			clientCfg := cfg
			clientCfg.ClientName = fmt.Sprintf("%s-%d", nameOr(cfg.ClientName, "client"), i)
			conn, err := groupsync.Connect(dialCtx, store, clientCfg,
				groupsync.WithLogger(logger),
				groupsync.WithSession(session.ID))
			if err != nil {
				return fmt.Errorf("connecting client %d: %w", i, err)
			}
			conns[i] = conn
			return nil
		})
	}
	if err := dial.Wait(); err != nil {
		return err
	}

	g, playCtx := errgroup.WithContext(ctx)
	for i, conn := range conns {
		i, conn := i, conn
		g.Go(func() error {
			return play(playCtx, i, conn)
		})
	}

	if _, err := sessions.Start(ctx, session.ID, cfg.GroupSize, cfg.GroupingsNeeded, cfg.Roles); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return sessions.Close(context.WithoutCancel(ctx), session.ID)
}

func nameOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}
