// Package condition tracks, per document id, whether the caller's predicate
// holds for the latest version of that document, and aggregates the results.
//
// Tracking is keyed on the ids the caller asked for. When an id has been
// replaced, its state follows the document at the end of its replacement
// chain, so updates arriving under the replacement's id are redirected to
// every tracked id that resolves to it.
//
// A Tracker is not safe for concurrent use; one wait owns it.
package condition

import (
	"context"
	"fmt"
	"sort"

	"groupsync/docstore"
	"groupsync/replace"

	"github.com/jinzhu/copier"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultSeedConcurrency bounds parallel fetches while seeding.
const DefaultSeedConcurrency = 8

// FetchFunc loads the current version of a document.
type FetchFunc func(ctx context.Context, id string) (docstore.Document, error)

// Tracker holds the last evaluated predicate result per tracked id.
type Tracker struct {
	predicate   Predicate
	resolver    *replace.Resolver
	state       map[string]bool
	targets     map[string]string
	concurrency int
	logger      *zap.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the tracker logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithSeedConcurrency bounds parallel fetches while seeding.
func WithSeedConcurrency(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.concurrency = n
		}
	}
}

// NewTracker creates a tracker. A nil predicate is Always; a nil resolver
// disables replacement handling.
func NewTracker(predicate Predicate, resolver *replace.Resolver, opts ...Option) *Tracker {
	if predicate == nil {
		predicate = Always
	}
	if resolver == nil {
		resolver = replace.Disabled()
	}
	t := &Tracker{
		predicate:   predicate,
		resolver:    resolver,
		state:       make(map[string]bool),
		targets:     make(map[string]string),
		concurrency: DefaultSeedConcurrency,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Seed starts tracking ids, fetching each id's replacement target.
func (t *Tracker) Seed(ctx context.Context, ids []string, fetch FetchFunc) error {
	return t.SeedFrom(ctx, ids, nil, fetch)
}

// SeedFrom starts tracking ids. Targets found in known are evaluated
// directly; the rest are fetched concurrently.
func (t *Tracker) SeedFrom(ctx context.Context, ids []string, known map[string]docstore.Document, fetch FetchFunc) error {
	targets := make(map[string]string, len(ids))
	var missing []string
	seen := make(map[string]bool)

	for _, id := range ids {
		target, err := t.resolver.Resolve(id)
		if err != nil {
			return err
		}
		targets[id] = target
		if _, ok := known[target]; !ok && !seen[target] {
			seen[target] = true
			missing = append(missing, target)
		}
	}

	docs := make(map[string]docstore.Document, len(targets))
	for target, doc := range known {
		docs[target] = doc
	}

	if len(missing) > 0 {
		if fetch == nil {
			return fmt.Errorf("no fetcher for %d untracked documents", len(missing))
		}
		fetched := make([]docstore.Document, len(missing))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(t.concurrency)
		for i, target := range missing {
			g.Go(func() error {
				doc, err := fetch(gctx, target)
				if err != nil {
					return fmt.Errorf("failed to fetch %s: %w", target, err)
				}
				fetched[i] = doc
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		for i, target := range missing {
			docs[target] = fetched[i]
		}
	}

	for id, target := range targets {
		t.targets[id] = target
		t.state[id] = t.evaluate(docs[target])
	}

	t.logger.Debug("Tracker seeded",
		zap.Int("tracked", len(t.state)),
		zap.Int("fetched", len(missing)))

	return nil
}

// Update applies a new version of document id to every tracked id that
// resolves to it and reports whether any tracked state was touched. Updates
// for untracked ids, and for tracked ids that have been replaced, are
// ignored. A nil doc (deletion) evaluates to false.
func (t *Tracker) Update(id string, doc docstore.Document) bool {
	touched := false
	for tracked, target := range t.targets {
		if target != id {
			continue
		}
		t.state[tracked] = t.evaluate(doc)
		touched = true
	}
	return touched
}

// IsSatisfied applies agg to the current values, ordered by tracked id.
// A nil agg is All.
func (t *Tracker) IsSatisfied(agg Aggregator) bool {
	if agg == nil {
		agg = All
	}
	return agg(t.Values())
}

// Values returns the current results ordered by tracked id.
func (t *Tracker) Values() []bool {
	ids := t.IDs()
	values := make([]bool, len(ids))
	for i, id := range ids {
		values[i] = t.state[id]
	}
	return values
}

// IDs returns the tracked ids in sorted order.
func (t *Tracker) IDs() []string {
	ids := make([]string, 0, len(t.state))
	for id := range t.state {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// State returns a copy of the per-id results.
func (t *Tracker) State() map[string]bool {
	out := make(map[string]bool, len(t.state))
	_ = copier.Copy(&out, t.state)
	return out
}

// Target returns the document id whose updates drive tracked id.
func (t *Tracker) Target(id string) (string, bool) {
	target, ok := t.targets[id]
	return target, ok
}

// Len returns the number of tracked ids.
func (t *Tracker) Len() int {
	return len(t.state)
}

func (t *Tracker) evaluate(doc docstore.Document) bool {
	if doc == nil {
		return false
	}
	return t.predicate(doc)
}
