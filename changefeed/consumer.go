// Package changefeed drives a continuous change feed until a condition holds,
// a deadline passes or the caller cancels.
//
// The feed is at-least-once and unordered across documents. The consumer
// never interprets sequences beyond using the latest one as the resume
// cursor.
package changefeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"groupsync/docstore"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Reason tells why Run returned.
type Reason int

const (
	// Failed is reported with a non-nil error.
	Failed Reason = iota
	// Satisfied means the condition held after an event.
	Satisfied
	// TimedOut means the request's Timeout elapsed first.
	TimedOut
	// Cancelled means the caller's context ended first.
	Cancelled
)

func (r Reason) String() string {
	switch r {
	case Failed:
		return "failed"
	case Satisfied:
		return "satisfied"
	case TimedOut:
		return "timed out"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// ErrTransport wraps failures of the feed connection itself.
var ErrTransport = errors.New("change feed transport failure")

// DefaultResubscribeDelay is the pause before reopening a feed that the
// store ended without delivering anything.
const DefaultResubscribeDelay = 100 * time.Millisecond

// Subscriber opens change feeds. docstore.Store satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, req docstore.FeedRequest) (docstore.Feed, error)
}

// EventFunc receives each document change. doc is nil for deletions.
type EventFunc func(id string, doc docstore.Document)

// ConditionFunc reports whether waiting can stop.
type ConditionFunc func() bool

// Result describes a finished run.
type Result struct {
	Reason  Reason
	Cursor  string
	Events  int
	Markers int
	// Subscriptions counts the feeds opened, including resubscriptions.
	Subscriptions int
}

// Consumer runs change feeds against a Subscriber.
type Consumer struct {
	subscriber       Subscriber
	logger           *zap.Logger
	maxReconnects    int
	reconnectDelay   time.Duration
	resubscribeDelay time.Duration
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithLogger sets the consumer logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithReconnect resumes from the last cursor after a transport failure, up to
// max times with exponential backoff starting at initial. Without it a
// dropped feed fails the run with ErrTransport.
func WithReconnect(max int, initial time.Duration) Option {
	return func(c *Consumer) {
		c.maxReconnects = max
		if initial > 0 {
			c.reconnectDelay = initial
		}
	}
}

// WithResubscribeDelay overrides DefaultResubscribeDelay.
func WithResubscribeDelay(d time.Duration) Option {
	return func(c *Consumer) {
		c.resubscribeDelay = d
	}
}

// NewConsumer creates a consumer.
func NewConsumer(subscriber Subscriber, opts ...Option) *Consumer {
	c := &Consumer{
		subscriber:       subscriber,
		logger:           zap.NewNop(),
		reconnectDelay:   200 * time.Millisecond,
		resubscribeDelay: DefaultResubscribeDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run subscribes with req and feeds every document change to onEvent,
// checking satisfied after each one. Markers only advance the cursor.
//
// req.Timeout bounds the whole run; on expiry the feed is closed and the
// result reason is TimedOut with a nil error. Cancelling ctx yields
// Cancelled. A feed the store ends cleanly is reopened from the cursor. A
// transport failure returns an error wrapping ErrTransport unless
// reconnection is enabled and attempts remain.
func (c *Consumer) Run(ctx context.Context, req docstore.FeedRequest, onEvent EventFunc, satisfied ConditionFunc) (Result, error) {
	if onEvent == nil {
		onEvent = func(string, docstore.Document) {}
	}
	if satisfied == nil {
		satisfied = func() bool { return false }
	}

	runCtx := ctx
	var deadline time.Time
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
		deadline, _ = runCtx.Deadline()
	}

	result := Result{Cursor: req.Since}
	logger := c.logger.With(
		zap.String("session_id", req.Session),
		zap.String("type", req.Type))

	var reconnect backoff.BackOff
	if c.maxReconnects > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = c.reconnectDelay
		exp.MaxElapsedTime = 0
		reconnect = backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.maxReconnects)), runCtx)
	}

	for {
		feedReq := req
		feedReq.Since = result.Cursor
		if !deadline.IsZero() {
			feedReq.Timeout = time.Until(deadline)
		}

		feed, err := c.subscriber.Subscribe(runCtx, feedReq)
		if err == nil {
			result.Subscriptions++
			var done bool
			before := result.Events + result.Markers
			done, err = c.consume(runCtx, feed, &result, onEvent, satisfied)
			_ = feed.Close()
			if done {
				result.Reason = Satisfied
				logger.Debug("Condition satisfied",
					zap.String("cursor", result.Cursor),
					zap.Int("events", result.Events))
				return result, nil
			}
			if errors.Is(err, io.EOF) {
				if reason, ok := stopReason(ctx, runCtx); ok {
					result.Reason = reason
					return result, nil
				}
				logger.Debug("Feed ended, resubscribing", zap.String("cursor", result.Cursor))
				if result.Events+result.Markers == before {
					if err := sleep(runCtx, c.resubscribeDelay); err != nil {
						result.Reason, _ = stopReason(ctx, runCtx)
						return result, nil
					}
				}
				if reconnect != nil {
					reconnect.Reset()
				}
				continue
			}
		}

		if reason, ok := stopReason(ctx, runCtx); ok {
			result.Reason = reason
			return result, nil
		}

		if reconnect != nil {
			delay := reconnect.NextBackOff()
			if delay != backoff.Stop {
				logger.Warn("Change feed dropped, resuming from cursor",
					zap.String("cursor", result.Cursor),
					zap.Duration("delay", delay),
					zap.Error(err))
				if err := sleep(runCtx, delay); err != nil {
					result.Reason, _ = stopReason(ctx, runCtx)
					return result, nil
				}
				continue
			}
		}

		logger.Warn("Change feed failed", zap.String("cursor", result.Cursor), zap.Error(err))
		result.Reason = Failed
		return result, fmt.Errorf("%w: %w", ErrTransport, err)
	}
}

func (c *Consumer) consume(ctx context.Context, feed docstore.Feed, result *Result, onEvent EventFunc, satisfied ConditionFunc) (bool, error) {
	for {
		ev, err := feed.Next(ctx)
		if err != nil {
			return false, err
		}
		if ev.Seq != "" {
			result.Cursor = ev.Seq
		}
		if ev.IsMarker() {
			result.Markers++
			continue
		}

		result.Events++
		c.logger.Debug("Change received",
			zap.String("document_id", ev.ID),
			zap.String("cursor", ev.Seq),
			zap.Bool("deleted", ev.Deleted))

		doc := ev.Doc
		if ev.Deleted {
			doc = nil
		}
		onEvent(ev.ID, doc)
		if satisfied() {
			return true, nil
		}
	}
}

// stopReason maps a finished context to a run outcome.
func stopReason(parent, run context.Context) (Reason, bool) {
	if parent.Err() != nil {
		return Cancelled, true
	}
	if run.Err() != nil {
		return TimedOut, true
	}
	return Failed, false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
