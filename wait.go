package groupsync

import (
	"context"
	"fmt"
	"time"

	"groupsync/condition"
	"groupsync/docstore"
	"groupsync/replace"

	"go.uber.org/zap"
)

// Scope selects the documents a wait evaluates its predicate against.
type Scope string

const (
	// ScopeSession waits on the session document alone.
	ScopeSession Scope = "session"
	// ScopeClients waits on every client document of the session.
	ScopeClients Scope = "clients"
	// ScopePartners waits on the current partners' documents.
	ScopePartners Scope = "partners"
)

type waitOptions struct {
	scope      Scope
	aggregator condition.Aggregator
	timeout    time.Duration
	heartbeat  time.Duration
}

// WaitOption configures Wait.
type WaitOption func(*waitOptions)

// WithScope sets the documents to wait on. The default is ScopeClients.
func WithScope(scope Scope) WaitOption {
	return func(o *waitOptions) {
		o.scope = scope
	}
}

// WithAggregator combines the per-document results. The default is
// condition.All.
func WithAggregator(agg condition.Aggregator) WaitOption {
	return func(o *waitOptions) {
		o.aggregator = agg
	}
}

// WithTimeout bounds the wait. Zero waits until satisfied or cancelled.
func WithTimeout(d time.Duration) WaitOption {
	return func(o *waitOptions) {
		o.timeout = d
	}
}

// WithHeartbeat overrides the configured feed keep-alive interval.
func WithHeartbeat(d time.Duration) WaitOption {
	return func(o *waitOptions) {
		o.heartbeat = d
	}
}

// Wait blocks until predicate, aggregated over the scope's documents, holds.
//
// It reads the current documents first and returns Satisfied without opening
// a change feed when the condition already holds. Otherwise it follows the
// change feed from the position read before seeding. A timeout returns
// TimedOut and a cancelled ctx returns Cancelled, both with a nil error. Any
// error comes with Failed; a failed feed matches ErrTransport. Offline, Wait
// returns Satisfied immediately without evaluating predicate.
func (c *Connection) Wait(ctx context.Context, predicate condition.Predicate, opts ...WaitOption) (Reason, error) {
	o := waitOptions{
		scope:      ScopeClients,
		aggregator: condition.All,
		heartbeat:  c.cfg.Heartbeat,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.aggregator == nil {
		o.aggregator = condition.All
	}

	if c.cfg.Offline {
		return Satisfied, nil
	}

	logger := c.logger.With(zap.String("scope", string(o.scope)))

	replacements, err := c.Replacements(ctx)
	if err != nil {
		return Failed, err
	}
	resolver := replace.New(replacements)

	since, err := c.store.UpdateSeq(ctx)
	if err != nil {
		return Failed, fmt.Errorf("failed to read update sequence: %w", err)
	}

	tracker, feedType, err := c.seed(ctx, predicate, resolver, o.scope)
	if err != nil {
		return Failed, err
	}

	if tracker.IsSatisfied(o.aggregator) {
		logger.Debug("Wait satisfied on seed", zap.Int("tracked", tracker.Len()))
		return Satisfied, nil
	}

	req := docstore.FeedRequest{
		Filter:    docstore.FilterClients,
		Session:   c.session,
		Type:      feedType,
		Since:     since,
		Heartbeat: o.heartbeat,
		Timeout:   o.timeout,
	}

	start := time.Now()
	result, err := c.consumer.Run(ctx, req,
		func(id string, doc docstore.Document) {
			tracker.Update(id, doc)
		},
		func() bool {
			return tracker.IsSatisfied(o.aggregator)
		})
	if err != nil {
		logger.Warn("Wait failed", zap.String("cursor", result.Cursor), zap.Error(err))
		return Failed, err
	}

	logger.Info("Wait finished",
		zap.Stringer("reason", result.Reason),
		zap.String("cursor", result.Cursor),
		zap.Int("events", result.Events),
		zap.Duration("elapsed", time.Since(start)))
	return result.Reason, nil
}

// seed builds the tracker for scope from the current store state.
func (c *Connection) seed(ctx context.Context, predicate condition.Predicate, resolver *replace.Resolver, scope Scope) (*condition.Tracker, string, error) {
	fetch := func(ctx context.Context, id string) (docstore.Document, error) {
		return c.store.Fetch(ctx, id)
	}
	trackerOpts := []condition.Option{condition.WithLogger(c.logger)}
	if c.cfg.SeedConcurrency > 0 {
		trackerOpts = append(trackerOpts, condition.WithSeedConcurrency(c.cfg.SeedConcurrency))
	}

	switch scope {
	case ScopeSession:
		tracker := condition.NewTracker(predicate, nil, trackerOpts...)
		if err := tracker.Seed(ctx, []string{c.session}, fetch); err != nil {
			return nil, "", err
		}
		return tracker, docstore.TypeSession, nil

	case ScopeClients, ScopePartners:
		rows, err := c.store.Query(ctx, docstore.ViewSessionClients, docstore.QueryParams{Key: c.session})
		if err != nil {
			return nil, "", fmt.Errorf("failed to query session clients: %w", err)
		}
		known := make(map[string]docstore.Document, len(rows))
		ids := make([]string, 0, len(rows))
		for _, row := range rows {
			known[row.ID] = row.Doc
			ids = append(ids, row.ID)
		}

		if scope == ScopePartners {
			session, err := c.sessionDocument(ctx)
			if err != nil {
				return nil, "", err
			}
			partners, err := c.groups.CurrentPartners(session, c.ID())
			if err != nil {
				return nil, "", err
			}
			ids = partners
		}

		tracker := condition.NewTracker(predicate, resolver, trackerOpts...)
		if err := tracker.SeedFrom(ctx, ids, known, fetch); err != nil {
			return nil, "", err
		}
		return tracker, docstore.TypeClient, nil
	}

	return nil, "", fmt.Errorf("unknown wait scope %q", scope)
}
