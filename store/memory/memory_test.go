package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/chatgraph/store"
	"github.com/smallnest/chatgraph/store/storetest"
)

func TestMemorySaver(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Saver {
		return NewMemorySaver(MemoryOptions{})
	})
}

func TestMemorySaver_ClosedRejectsOperations(t *testing.T) {
	s := NewMemorySaver(MemoryOptions{})
	require.NoError(t, s.Close())

	_, err := s.GetTuple(context.Background(), store.Config{ThreadID: "t"})
	assert.ErrorIs(t, err, store.ErrClosed)

	_, err = s.Put(context.Background(), store.Config{ThreadID: "t"}, store.NewCheckpoint(), nil, nil)
	assert.ErrorIs(t, err, store.ErrClosed)
}

func TestMemorySaver_CustomReservedChannels(t *testing.T) {
	s := NewMemorySaver(MemoryOptions{
		ReservedChannels: store.DefaultReservedChannels().With(map[string]int{"__status__": -10}),
	})
	ctx := context.Background()
	cfg := store.Config{ThreadID: "t"}
	chain := storetest.PutChain(t, s, cfg, 1)
	cpCfg := cfg.WithCheckpointID(chain[0])

	require.NoError(t, s.PutWrites(ctx, cpCfg, []store.Write{{Channel: "__status__", Value: "running"}}, "task", ""))
	require.NoError(t, s.PutWrites(ctx, cpCfg, []store.Write{{Channel: "__status__", Value: "done"}}, "task", ""))

	tup, err := s.GetTuple(ctx, cpCfg)
	require.NoError(t, err)
	require.Len(t, tup.PendingWrites, 1)
	assert.Equal(t, "done", tup.PendingWrites[0].Value)
}

func TestMemorySaver_RequiresThreadID(t *testing.T) {
	s := NewMemorySaver(MemoryOptions{})
	_, err := s.GetTuple(context.Background(), store.Config{})
	assert.ErrorIs(t, err, store.ErrThreadIDRequired)
}

func TestMemorySaver_CancelledContext(t *testing.T) {
	s := NewMemorySaver(MemoryOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Put(ctx, store.Config{ThreadID: "t"}, store.NewCheckpoint(), nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
