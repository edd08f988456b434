package condition

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"groupsync/docstore"
	"groupsync/replace"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hasChoice(doc docstore.Document) bool {
	return doc.String("data", "choice") != ""
}

func choice(c string) docstore.Document {
	return docstore.Document{"data": map[string]any{"choice": c}}
}

func fetcherFor(docs map[string]docstore.Document, calls *int32) FetchFunc {
	return func(ctx context.Context, id string) (docstore.Document, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		doc, ok := docs[id]
		if !ok {
			return nil, docstore.ErrNotFound
		}
		return doc, nil
	}
}

func TestAggregators(t *testing.T) {
	assert.True(t, All(nil), "all over nothing is vacuously true")
	assert.True(t, All([]bool{true, true}))
	assert.False(t, All([]bool{true, false}))

	assert.False(t, Any(nil))
	assert.True(t, Any([]bool{false, true}))

	assert.True(t, AtLeast(2)([]bool{true, false, true}))
	assert.False(t, AtLeast(2)([]bool{true, false}))
	assert.True(t, AtLeast(0)(nil))
}

func TestEmptyTrackerIsSatisfied(t *testing.T) {
	tr := NewTracker(hasChoice, nil)
	assert.Equal(t, 0, tr.Len())
	assert.True(t, tr.IsSatisfied(All))
	assert.True(t, tr.IsSatisfied(nil))
	assert.False(t, tr.IsSatisfied(Any))
}

func TestSeedAndUpdate(t *testing.T) {
	ctx := context.Background()
	docs := map[string]docstore.Document{
		"a": choice("rock"),
		"b": choice(""),
	}

	tr := NewTracker(hasChoice, nil)
	require.NoError(t, tr.Seed(ctx, []string{"a", "b"}, fetcherFor(docs, nil)))
	assert.Equal(t, map[string]bool{"a": true, "b": false}, tr.State())
	tr.State()["b"] = true
	assert.False(t, tr.IsSatisfied(All), "State returns a copy")
	assert.True(t, tr.IsSatisfied(Any))

	t.Run("untracked update is ignored", func(t *testing.T) {
		assert.False(t, tr.Update("zzz", choice("paper")))
		assert.False(t, tr.IsSatisfied(All))
	})

	t.Run("tracked update is reflected", func(t *testing.T) {
		assert.True(t, tr.Update("b", choice("paper")))
		assert.True(t, tr.IsSatisfied(All))
	})

	t.Run("stale value can be overwritten", func(t *testing.T) {
		assert.True(t, tr.Update("a", choice("")))
		assert.False(t, tr.IsSatisfied(All))
	})

	t.Run("deletion evaluates false", func(t *testing.T) {
		assert.True(t, tr.Update("b", nil))
		assert.False(t, tr.State()["b"])
	})
}

func TestSeedFromKnownDocuments(t *testing.T) {
	var calls int32
	known := map[string]docstore.Document{"a": choice("rock")}
	remote := map[string]docstore.Document{"b": choice("scissors")}

	tr := NewTracker(hasChoice, nil)
	require.NoError(t, tr.SeedFrom(context.Background(), []string{"a", "b"}, known, fetcherFor(remote, &calls)))
	assert.Equal(t, int32(1), calls)
	assert.True(t, tr.IsSatisfied(All))
}

func TestSeedFetchError(t *testing.T) {
	tr := NewTracker(hasChoice, nil)
	err := tr.Seed(context.Background(), []string{"missing"}, fetcherFor(nil, nil))
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	err = tr.SeedFrom(context.Background(), []string{"x"}, nil, nil)
	assert.Error(t, err)
}

func TestReplacementRedirect(t *testing.T) {
	ctx := context.Background()
	// a was replaced by b, b later by c
	r := replace.New(replace.Mapping{"a": "b", "b": "c"})
	docs := map[string]docstore.Document{
		"a": choice("stale"),
		"c": choice(""),
		"d": choice(""),
	}

	var calls int32
	tr := NewTracker(hasChoice, r)
	require.NoError(t, tr.Seed(ctx, []string{"a", "d"}, fetcherFor(docs, &calls)))
	assert.Equal(t, int32(2), calls)

	target, ok := tr.Target("a")
	require.True(t, ok)
	assert.Equal(t, "c", target)
	assert.False(t, tr.State()["a"], "a follows its replacement c")

	// updates to the replaced document itself do not count
	assert.False(t, tr.Update("a", choice("rock")))
	assert.False(t, tr.State()["a"])

	// an update for the chain's sink propagates to a
	assert.True(t, tr.Update("c", choice("rock")))
	assert.True(t, tr.State()["a"])

	assert.True(t, tr.Update("d", choice("paper")))
	assert.True(t, tr.IsSatisfied(All))
}

func TestSeedCycle(t *testing.T) {
	r := replace.New(replace.Mapping{"a": "b", "b": "a"})
	tr := NewTracker(hasChoice, r)
	err := tr.Seed(context.Background(), []string{"a"}, fetcherFor(nil, nil))
	assert.True(t, errors.Is(err, replace.ErrCycleExceeded))
	assert.Equal(t, 0, tr.Len())
}

func TestSeedConcurrencyLimit(t *testing.T) {
	var inflight, peak int32
	fetch := func(ctx context.Context, id string) (docstore.Document, error) {
		n := atomic.AddInt32(&inflight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		defer atomic.AddInt32(&inflight, -1)
		return choice("x"), nil
	}

	ids := []string{"a", "b", "c", "d", "e", "f"}
	tr := NewTracker(hasChoice, nil, WithSeedConcurrency(2))
	require.NoError(t, tr.Seed(context.Background(), ids, fetch))
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Equal(t, ids, tr.IDs())
}
