// Package storetest holds the behaviour every store.Saver implementation must share.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/chatgraph/store"
)

// Factory returns a ready, empty saver. The suite calls Setup itself.
type Factory func(t *testing.T) store.Saver

// Run executes the full suite against savers produced by newSaver.
func Run(t *testing.T, newSaver Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Saver)
	}{
		{"SetupIsIdempotent", testSetupIsIdempotent},
		{"GetMissing", testGetMissing},
		{"PutAndGet", testPutAndGet},
		{"UpsertIdempotence", testUpsertIdempotence},
		{"WriteConflictPolicy", testWriteConflictPolicy},
		{"PendingWritesOrder", testPendingWritesOrder},
		{"ListOrdering", testListOrdering},
		{"ListFilters", testListFilters},
		{"ThreadIsolation", testThreadIsolation},
		{"DeleteThread", testDeleteThread},
		{"Close", testClose},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSaver(t)
			require.NoError(t, s.Setup(context.Background()))
			tt.fn(t, s)
		})
	}
}

// PutChain stores n checkpoints in a chain under cfg and returns their ids in creation order.
func PutChain(t *testing.T, s store.Saver, cfg store.Config, n int) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, 0, n)
	cur := cfg
	for i := range n {
		cp := store.NewCheckpoint()
		cp.ChannelValues["step"] = fmt.Sprintf("v%d", i)
		next, err := s.Put(ctx, cur, cp, store.Metadata{"step": i, "source": "loop"}, nil)
		require.NoError(t, err)
		require.Equal(t, cp.ID, next.CheckpointID)
		ids = append(ids, cp.ID)
		cur = next
	}
	return ids
}

func collect(t *testing.T, s store.Saver, cfg *store.Config, opts store.ListOptions) []*store.Tuple {
	t.Helper()
	var out []*store.Tuple
	for tup, err := range s.List(context.Background(), cfg, opts) {
		require.NoError(t, err)
		out = append(out, tup)
	}
	return out
}

func ids(tuples []*store.Tuple) []string {
	out := make([]string, len(tuples))
	for i, tup := range tuples {
		out[i] = tup.Config.CheckpointID
	}
	return out
}

func testSetupIsIdempotent(t *testing.T, s store.Saver) {
	ctx := context.Background()
	require.NoError(t, s.Setup(ctx))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Setup(ctx)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func testGetMissing(t *testing.T, s store.Saver) {
	ctx := context.Background()

	tup, err := s.GetTuple(ctx, store.Config{ThreadID: "nobody"})
	assert.NoError(t, err)
	assert.Nil(t, tup)

	tup, err = s.GetTuple(ctx, store.Config{ThreadID: "nobody", CheckpointID: store.NewCheckpointID()})
	assert.NoError(t, err)
	assert.Nil(t, tup)
}

func testPutAndGet(t *testing.T, s store.Saver) {
	ctx := context.Background()
	cfg := store.Config{ThreadID: "t-put"}
	chain := PutChain(t, s, cfg, 3)

	latest, err := s.GetTuple(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, chain[2], latest.Config.CheckpointID)
	assert.Equal(t, "t-put", latest.Config.ThreadID)
	assert.Equal(t, "", latest.Config.Namespace)
	assert.Equal(t, "v2", latest.Checkpoint.ChannelValues["step"])
	assert.Equal(t, "loop", latest.Metadata["source"])
	require.NotNil(t, latest.ParentConfig)
	assert.Equal(t, chain[1], latest.ParentConfig.CheckpointID)

	first, err := s.GetTuple(ctx, cfg.WithCheckpointID(chain[0]))
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, chain[0], first.Checkpoint.ID)
	assert.Nil(t, first.ParentConfig)
	assert.Empty(t, first.PendingWrites)
}

func testUpsertIdempotence(t *testing.T, s store.Saver) {
	ctx := context.Background()
	cfg := store.Config{ThreadID: "t-upsert"}

	cp := store.NewCheckpoint()
	cp.ChannelValues["x"] = "first"
	_, err := s.Put(ctx, cfg, cp, store.Metadata{"attempt": 1}, nil)
	require.NoError(t, err)

	parent := store.NewCheckpointID()
	cp.ChannelValues["x"] = "second"
	_, err = s.Put(ctx, cfg.WithCheckpointID(parent), cp, store.Metadata{"attempt": 2}, nil)
	require.NoError(t, err)

	all := collect(t, s, &cfg, store.ListOptions{})
	require.Len(t, all, 1)

	tup, err := s.GetTuple(ctx, cfg.WithCheckpointID(cp.ID))
	require.NoError(t, err)
	require.NotNil(t, tup)
	assert.Equal(t, "second", tup.Checkpoint.ChannelValues["x"])
	assert.EqualValues(t, 2, tup.Metadata["attempt"])
	require.NotNil(t, tup.ParentConfig)
	assert.Equal(t, parent, tup.ParentConfig.CheckpointID)
}

func testWriteConflictPolicy(t *testing.T, s store.Saver) {
	ctx := context.Background()
	cfg := store.Config{ThreadID: "t-writes"}
	chain := PutChain(t, s, cfg, 1)
	cpCfg := cfg.WithCheckpointID(chain[0])

	require.NoError(t, s.PutWrites(ctx, cpCfg, []store.Write{{Channel: "messages", Value: "one"}}, "task-1", ""))
	require.NoError(t, s.PutWrites(ctx, cpCfg, []store.Write{{Channel: "messages", Value: "two"}}, "task-1", ""))

	require.NoError(t, s.PutWrites(ctx, cpCfg, []store.Write{{Channel: store.ErrorChannel, Value: "boom-1"}}, "task-1", ""))
	require.NoError(t, s.PutWrites(ctx, cpCfg, []store.Write{{Channel: store.ErrorChannel, Value: "boom-2"}}, "task-1", ""))

	tup, err := s.GetTuple(ctx, cpCfg)
	require.NoError(t, err)
	require.NotNil(t, tup)
	require.Len(t, tup.PendingWrites, 2)

	byChannel := map[string]any{}
	for _, w := range tup.PendingWrites {
		assert.Equal(t, "task-1", w.TaskID)
		byChannel[w.Channel] = w.Value
	}
	assert.Equal(t, "one", byChannel["messages"], "regular channel keeps the first write")
	assert.Equal(t, "boom-2", byChannel[store.ErrorChannel], "reserved channel keeps the last write")

	// The reserved write sorts first because its index is negative.
	assert.Equal(t, store.ErrorChannel, tup.PendingWrites[0].Channel)

	err = s.PutWrites(ctx, cfg, []store.Write{{Channel: "x", Value: 1}}, "task-2", "")
	assert.ErrorIs(t, err, store.ErrCheckpointIDRequired)
}

func testPendingWritesOrder(t *testing.T, s store.Saver) {
	ctx := context.Background()
	cfg := store.Config{ThreadID: "t-order"}
	chain := PutChain(t, s, cfg, 1)
	cpCfg := cfg.WithCheckpointID(chain[0])

	require.NoError(t, s.PutWrites(ctx, cpCfg, []store.Write{
		{Channel: "b", Value: "b0"},
		{Channel: "c", Value: "b1"},
	}, "task-b", ""))
	require.NoError(t, s.PutWrites(ctx, cpCfg, []store.Write{
		{Channel: "a", Value: "a0"},
		{Channel: store.ResumeChannel, Value: "resume"},
		{Channel: "a", Value: "a2"},
	}, "task-a", ""))

	tup, err := s.GetTuple(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, tup)

	var got []string
	for _, w := range tup.PendingWrites {
		got = append(got, fmt.Sprintf("%s/%v", w.TaskID, w.Value))
	}
	assert.Equal(t, []string{"task-a/resume", "task-a/a0", "task-a/a2", "task-b/b0", "task-b/b1"}, got)
}

func testListOrdering(t *testing.T, s store.Saver) {
	cfg := store.Config{ThreadID: "t-list"}
	chain := PutChain(t, s, cfg, 5)

	all := collect(t, s, &cfg, store.ListOptions{})
	assert.Equal(t, []string{chain[4], chain[3], chain[2], chain[1], chain[0]}, ids(all))

	before := cfg.WithCheckpointID(chain[3])
	older := collect(t, s, &cfg, store.ListOptions{Before: &before})
	assert.Equal(t, []string{chain[2], chain[1], chain[0]}, ids(older))

	limited := collect(t, s, &cfg, store.ListOptions{Before: &before, Limit: 2})
	assert.Equal(t, []string{chain[2], chain[1]}, ids(limited))

	// Stopping early must not leak or error.
	count := 0
	for _, err := range s.List(context.Background(), &cfg, store.ListOptions{}) {
		require.NoError(t, err)
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 2, count)
}

func testListFilters(t *testing.T, s store.Saver) {
	ctx := context.Background()
	cfg := store.Config{ThreadID: "t-filter"}
	PutChain(t, s, cfg, 3)

	input := store.NewCheckpoint()
	_, err := s.Put(ctx, cfg, input, store.Metadata{"source": "input", "step": -1}, nil)
	require.NoError(t, err)

	inputs := collect(t, s, &cfg, store.ListOptions{Filter: map[string]any{"source": "input"}})
	assert.Equal(t, []string{input.ID}, ids(inputs))

	steps := collect(t, s, &cfg, store.ListOptions{Filter: map[string]any{"source": "loop", "step": 1}})
	assert.Len(t, steps, 1)

	none := collect(t, s, &cfg, store.ListOptions{Filter: map[string]any{"source": "fork"}})
	assert.Empty(t, none)

	// A nil config spans every thread.
	PutChain(t, s, store.Config{ThreadID: "t-filter-other"}, 1)
	everything := collect(t, s, nil, store.ListOptions{})
	assert.Len(t, everything, 5)
}

func testThreadIsolation(t *testing.T, s store.Saver) {
	ctx := context.Background()
	a := store.Config{ThreadID: "t-iso-a"}
	b := store.Config{ThreadID: "t-iso-b"}
	bSub := store.Config{ThreadID: "t-iso-b", Namespace: "child"}

	PutChain(t, s, a, 2)
	bChain := PutChain(t, s, b, 3)
	subChain := PutChain(t, s, bSub, 1)

	assert.Len(t, collect(t, s, &a, store.ListOptions{}), 2)
	assert.Len(t, collect(t, s, &b, store.ListOptions{}), 3)
	assert.Len(t, collect(t, s, &bSub, store.ListOptions{}), 1)

	latestB, err := s.GetTuple(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, bChain[2], latestB.Config.CheckpointID)

	latestSub, err := s.GetTuple(ctx, bSub)
	require.NoError(t, err)
	assert.Equal(t, subChain[0], latestSub.Config.CheckpointID)
	assert.Equal(t, "child", latestSub.Config.Namespace)

	require.NoError(t, s.DeleteThread(ctx, a.ThreadID))
	assert.Empty(t, collect(t, s, &a, store.ListOptions{}))
	assert.Len(t, collect(t, s, &b, store.ListOptions{}), 3)
}

func testDeleteThread(t *testing.T, s store.Saver) {
	ctx := context.Background()
	root := store.Config{ThreadID: "t-purge"}
	child := store.Config{ThreadID: "t-purge", Namespace: "child"}

	rootChain := PutChain(t, s, root, 2)
	PutChain(t, s, child, 2)
	require.NoError(t, s.PutWrites(ctx, root.WithCheckpointID(rootChain[1]),
		[]store.Write{{Channel: "messages", Value: "pending"}}, "task-1", ""))

	require.NoError(t, s.DeleteThread(ctx, "t-purge"))

	for _, cfg := range []store.Config{root, child} {
		tup, err := s.GetTuple(ctx, cfg)
		assert.NoError(t, err)
		assert.Nil(t, tup)
		assert.Empty(t, collect(t, s, &cfg, store.ListOptions{}))
	}

	// Re-creating the same checkpoint id must not resurrect old writes.
	cp := store.NewCheckpoint()
	cp.ID = rootChain[1]
	_, err := s.Put(ctx, root, cp, nil, nil)
	require.NoError(t, err)
	tup, err := s.GetTuple(ctx, root)
	require.NoError(t, err)
	require.NotNil(t, tup)
	assert.Empty(t, tup.PendingWrites)

	// Deleting an unknown thread is not an error.
	assert.NoError(t, s.DeleteThread(ctx, "never-existed"))
}

func testClose(t *testing.T, s store.Saver) {
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
