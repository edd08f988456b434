package mongostore

import (
	"time"

	"go.uber.org/zap"
)

// Options represents configuration options for the store.
type Options struct {
	// Collection holds every protocol document, clients and sessions alike.
	Collection string

	// OperationTimeout bounds single reads and writes. Zero leaves them
	// bounded by the caller's context only.
	OperationTimeout time.Duration

	// WatchBatchSize is the change stream batch size. Zero uses the server default.
	WatchBatchSize int32

	// DefaultMaxAwaitTime is used when a feed request has no heartbeat.
	DefaultMaxAwaitTime time.Duration

	Logger *zap.Logger
	Now    func() time.Time
}

// DefaultOptions returns the default store options.
func DefaultOptions() *Options {
	return &Options{
		Collection:          "documents",
		OperationTimeout:    10 * time.Second,
		DefaultMaxAwaitTime: time.Second,
		Logger:              zap.NewNop(),
		Now:                 time.Now,
	}
}

// Option configures a Store.
type Option func(*Options)

// WithCollection overrides the collection name.
func WithCollection(name string) Option {
	return func(o *Options) {
		if name != "" {
			o.Collection = name
		}
	}
}

// WithOperationTimeout bounds single reads and writes.
func WithOperationTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.OperationTimeout = d
	}
}

// WithWatchBatchSize sets the change stream batch size.
func WithWatchBatchSize(n int32) Option {
	return func(o *Options) {
		o.WatchBatchSize = n
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		o.Now = now
	}
}
