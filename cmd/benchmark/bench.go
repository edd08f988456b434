package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"groupsync"
	"groupsync/docstore"
	"groupsync/internal/lab"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	roleNormal  = "normal"
	roleSlacker = "slacker"
)

// benchmark measures how long a group needs to synchronise once its slowest
// member, the slacker, has finished a cycle.
type benchmark struct {
	clock        clockwork.Clock
	logger       *zap.Logger
	cycles       int
	cycleLength  time.Duration
	slackerSleep time.Duration
}

// cycleResult is one client's measurement for one cycle.
type cycleResult struct {
	Round   int
	Partner string
	Lag     time.Duration
}

// untilNextCycle returns the time left until the wall clock is a multiple of
// length.
func untilNextCycle(now time.Time, length time.Duration) time.Duration {
	return length - time.Duration(now.UnixNano()%int64(length))
}

// sync sleeps until the next cycle boundary so every client starts the cycle
// together.
func (b *benchmark) sync(ctx context.Context) error {
	return b.sleep(ctx, untilNextCycle(b.clock.Now(), b.cycleLength))
}

func (b *benchmark) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-b.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sessionRunning(doc docstore.Document) bool {
	return doc.String("status") == "running"
}

func roundReached(round int) func(docstore.Document) bool {
	return func(doc docstore.Document) bool {
		r, ok := doc.Float("data", "round")
		return ok && int(r) >= round
	}
}

// run plays every cycle on conn: the slacker sleeps first, each client pushes
// its round and waits for its partners to reach it.
func (b *benchmark) run(ctx context.Context, conn *groupsync.Connection) ([]cycleResult, error) {
	logger := b.logger.With(zap.String("client_id", conn.ID()))

	reason, err := conn.Wait(ctx, sessionRunning, groupsync.WithScope(groupsync.ScopeSession))
	if err != nil {
		return nil, fmt.Errorf("waiting for session start: %w", err)
	}
	if reason != groupsync.Satisfied {
		return nil, fmt.Errorf("session did not start: %s", reason)
	}

	role, err := conn.CurrentRole(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info("Session running", zap.String("role", role))

	if err := b.sync(ctx); err != nil {
		return nil, err
	}

	results := make([]cycleResult, 0, b.cycles)
	for i := 0; i < b.cycles; i++ {
		start := b.clock.Now()

		if role == roleSlacker {
			if err := b.sleep(ctx, b.slackerSleep); err != nil {
				return results, err
			}
		}

		conn.Data()["round"] = i
		if err := conn.Push(ctx); err != nil {
			return results, fmt.Errorf("pushing round %d: %w", i, err)
		}

		reason, err := conn.Wait(ctx, roundReached(i), groupsync.WithScope(groupsync.ScopePartners))
		if err != nil {
			return results, fmt.Errorf("waiting for round %d: %w", i, err)
		}
		if reason != groupsync.Satisfied {
			return results, fmt.Errorf("round %d: %s", i, reason)
		}

		partners, err := conn.CurrentPartners(ctx)
		if err != nil {
			return results, err
		}
		result := cycleResult{Round: i}
		if len(partners) > 0 {
			if _, err := conn.Get(ctx, partners[0]); err != nil {
				return results, err
			}
			result.Partner = partners[0]
		}
		result.Lag = b.clock.Since(start) - b.slackerSleep
		results = append(results, result)

		logger.Info("Cycle complete",
			zap.Int("round", i),
			zap.Duration("lag", result.Lag))

		if err := b.sync(ctx); err != nil {
			return results, err
		}
	}
	return results, nil
}

// simulate runs bots clients in this process against cfg.ServerURI, creating
// and starting the session itself.
func (b *benchmark) simulate(ctx context.Context, cfg groupsync.Config, bots int) (map[string][]cycleResult, error) {
	var (
		mu      sync.Mutex
		results = make(map[string][]cycleResult, bots)
	)
	cfg.ClientName = "bot"
	err := lab.Run(ctx, cfg, bots, b.logger, func(ctx context.Context, _ int, conn *groupsync.Connection) error {
		r, err := b.run(ctx, conn)
		mu.Lock()
		results[conn.ID()] = r
		mu.Unlock()
		return err
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// defaultRoles gives the last of bots clients the slacker role.
func defaultRoles(bots int) []string {
	roles := make([]string, 0, bots)
	for i := 0; i < bots-1; i++ {
		roles = append(roles, roleNormal)
	}
	return append(roles, roleSlacker)
}
