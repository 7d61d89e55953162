package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/chatgraph/log"
	"github.com/smallnest/chatgraph/store"
	"github.com/smallnest/chatgraph/store/storetest"
)

func newTestSaver(t *testing.T, opts RedisOptions) (*RedisSaver, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	opts.Addr = mr.Addr()
	opts.Logger = &log.NoOpLogger{}
	s, err := NewRedisSaver(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisSaver(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Saver {
		s, _ := newTestSaver(t, RedisOptions{})
		return s
	})
}

func TestRedisSaver_RequiresAddr(t *testing.T) {
	_, err := NewRedisSaver(RedisOptions{})
	assert.ErrorIs(t, err, store.ErrMissingConnString)
}

func TestRedisSaver_SetupFailsWhenUnreachable(t *testing.T) {
	s, mr := newTestSaver(t, RedisOptions{})
	mr.Close()

	assert.Error(t, s.Setup(context.Background()))
}

func TestRedisSaver_KeyLayout(t *testing.T) {
	s, mr := newTestSaver(t, RedisOptions{Prefix: "test:"})
	ctx := context.Background()
	cfg := store.Config{ThreadID: "thread-1", Namespace: "ns"}

	chain := storetest.PutChain(t, s, cfg, 2)
	require.NoError(t, s.PutWrites(ctx, cfg.WithCheckpointID(chain[1]),
		[]store.Write{{Channel: "messages", Value: "hi"}}, "task-1", ""))

	assert.True(t, mr.Exists("test:threads"))
	assert.True(t, mr.Exists("test:{thread-1}:ns"))
	assert.True(t, mr.Exists("test:{thread-1}:ns:ids"))
	assert.True(t, mr.Exists("test:{thread-1}:ns:cp:"+chain[0]))
	assert.True(t, mr.Exists("test:{thread-1}:ns:writes:"+chain[1]))

	members, err := mr.ZMembers("test:{thread-1}:ns:ids")
	require.NoError(t, err)
	assert.ElementsMatch(t, chain, members)

	require.NoError(t, s.DeleteThread(ctx, "thread-1"))
	assert.False(t, mr.Exists("test:{thread-1}:ns"))
	assert.False(t, mr.Exists("test:{thread-1}:ns:ids"))
	assert.False(t, mr.Exists("test:{thread-1}:ns:cp:"+chain[0]))
	assert.False(t, mr.Exists("test:{thread-1}:ns:writes:"+chain[1]))
}

func TestRedisSaver_DeleteThreadRemovesEveryNamespace(t *testing.T) {
	s, mr := newTestSaver(t, RedisOptions{Prefix: "test:"})
	ctx := context.Background()

	root := storetest.PutChain(t, s, store.Config{ThreadID: "thread-1"}, 2)
	sub := storetest.PutChain(t, s, store.Config{ThreadID: "thread-1", Namespace: "child"}, 1)
	require.NoError(t, s.PutWrites(ctx, store.Config{ThreadID: "thread-1", Namespace: "child", CheckpointID: sub[0]},
		[]store.Write{{Channel: "messages", Value: "hi"}}, "task-1", ""))
	other := storetest.PutChain(t, s, store.Config{ThreadID: "thread-2"}, 1)

	threads, err := mr.Members("test:threads")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"thread-1", "thread-2"}, threads)

	require.NoError(t, s.DeleteThread(ctx, "thread-1"))

	for _, key := range mr.Keys() {
		assert.NotContains(t, key, "{thread-1}")
	}
	threads, err = mr.Members("test:threads")
	require.NoError(t, err)
	assert.Equal(t, []string{"thread-2"}, threads)
	assert.True(t, mr.Exists("test:{thread-2}::cp:"+other[0]))
	assert.False(t, mr.Exists("test:{thread-1}::cp:"+root[1]))

	// The thread can be written again after the purge.
	again := storetest.PutChain(t, s, store.Config{ThreadID: "thread-1"}, 1)
	tup, err := s.GetTuple(ctx, store.Config{ThreadID: "thread-1"})
	require.NoError(t, err)
	require.NotNil(t, tup)
	assert.Equal(t, again[0], tup.Config.CheckpointID)
	assert.Nil(t, tup.ParentConfig)
}

func TestRedisSaver_TTL(t *testing.T) {
	s, mr := newTestSaver(t, RedisOptions{TTL: time.Minute})
	cfg := store.Config{ThreadID: "thread-1"}
	chain := storetest.PutChain(t, s, cfg, 1)

	assert.Equal(t, time.Minute, mr.TTL("chatgraph:{thread-1}::cp:"+chain[0]))

	mr.FastForward(2 * time.Minute)

	tup, err := s.GetTuple(context.Background(), cfg)
	require.NoError(t, err)
	assert.Nil(t, tup)
}

func TestRedisSaver_ClosedRejectsOperations(t *testing.T) {
	s, _ := newTestSaver(t, RedisOptions{})
	require.NoError(t, s.Close())

	_, err := s.GetTuple(context.Background(), store.Config{ThreadID: "t"})
	assert.ErrorIs(t, err, store.ErrClosed)
	assert.ErrorIs(t, s.DeleteThread(context.Background(), "t"), store.ErrClosed)
}
