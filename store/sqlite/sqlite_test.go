package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/chatgraph/log"
	"github.com/smallnest/chatgraph/store"
	"github.com/smallnest/chatgraph/store/storetest"
)

func newTestSaver(t *testing.T, path string) *SqliteSaver {
	t.Helper()
	s, err := NewSqliteSaver(SqliteOptions{Path: path, Logger: &log.NoOpLogger{}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSqliteSaver(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Saver {
		return newTestSaver(t, filepath.Join(t.TempDir(), "checkpoints.db"))
	})
}

func TestSqliteSaver_InMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Saver {
		return newTestSaver(t, ":memory:")
	})
}

func TestSqliteSaver_RequiresPath(t *testing.T) {
	_, err := NewSqliteSaver(SqliteOptions{})
	assert.ErrorIs(t, err, store.ErrMissingConnString)
}

func TestSqliteSaver_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	ctx := context.Background()
	cfg := store.Config{ThreadID: "thread-1"}

	first := newTestSaver(t, path)
	require.NoError(t, first.Setup(ctx))
	chain := storetest.PutChain(t, first, cfg, 3)
	require.NoError(t, first.PutWrites(ctx, cfg.WithCheckpointID(chain[2]),
		[]store.Write{{Channel: "messages", Value: "pending"}}, "task-1", ""))
	require.NoError(t, first.Close())

	second := newTestSaver(t, path)
	require.NoError(t, second.Setup(ctx))

	tup, err := second.GetTuple(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, tup)
	assert.Equal(t, chain[2], tup.Config.CheckpointID)
	assert.Equal(t, chain[1], tup.ParentConfig.CheckpointID)
	assert.Equal(t, "v2", tup.Checkpoint.ChannelValues["step"])
	require.Len(t, tup.PendingWrites, 1)
	assert.Equal(t, "pending", tup.PendingWrites[0].Value)
}

func TestSqliteSaver_CustomTables(t *testing.T) {
	ctx := context.Background()
	s, err := NewSqliteSaver(SqliteOptions{
		Path:             ":memory:",
		CheckpointsTable: "cp",
		WritesTable:      "cp_writes",
		Logger:           &log.NoOpLogger{},
	})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Setup(ctx))

	var n int
	require.NoError(t, s.db.QueryRowContext(ctx,
		"SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name IN ('cp', 'cp_writes')").Scan(&n))
	assert.Equal(t, 2, n)
}

func TestSqliteSaver_FilteredListRespectsLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestSaver(t, ":memory:")
	require.NoError(t, s.Setup(ctx))

	cfg := store.Config{ThreadID: "thread-1"}
	chain := storetest.PutChain(t, s, cfg, 5)

	var got []string
	for tup, err := range s.List(ctx, &cfg, store.ListOptions{
		Filter: map[string]any{"source": "loop"},
		Limit:  2,
	}) {
		require.NoError(t, err)
		got = append(got, tup.Config.CheckpointID)
	}
	assert.Equal(t, []string{chain[4], chain[3]}, got)
}

func TestSqliteSaver_ListReadsInPages(t *testing.T) {
	ctx := context.Background()
	s := newTestSaver(t, ":memory:")
	s.pageSize = 2
	require.NoError(t, s.Setup(ctx))

	cfg := store.Config{ThreadID: "thread-1"}
	chain := storetest.PutChain(t, s, cfg, 5)
	storetest.PutChain(t, s, store.Config{ThreadID: "thread-2"}, 3)

	var got []string
	for tup, err := range s.List(ctx, &cfg, store.ListOptions{}) {
		require.NoError(t, err)
		got = append(got, tup.Config.CheckpointID)

		// The connection is free between pages and rows.
		again, err := s.GetTuple(ctx, tup.Config)
		require.NoError(t, err)
		require.NotNil(t, again)
	}
	assert.Equal(t, []string{chain[4], chain[3], chain[2], chain[1], chain[0]}, got)

	all := 0
	for _, err := range s.List(ctx, nil, store.ListOptions{}) {
		require.NoError(t, err)
		all++
	}
	assert.Equal(t, 8, all)
}

func TestSqliteSaver_FilterRunsInSQL(t *testing.T) {
	ctx := context.Background()
	s := newTestSaver(t, ":memory:")
	s.pageSize = 2
	require.NoError(t, s.Setup(ctx))

	cfg := store.Config{ThreadID: "thread-1"}
	chain := storetest.PutChain(t, s, cfg, 5)

	query, args := s.search(&cfg, store.ListOptions{Filter: map[string]any{"step": 3, "source": "loop"}}, nil, 2)
	assert.Contains(t, query, `json_extract(CAST(metadata AS TEXT), ?) = json_extract(?, '$')`)
	assert.Equal(t, []any{"thread-1", "", `$."source"`, `"loop"`, `$."step"`, "3", 2}, args)

	var got []string
	for tup, err := range s.List(ctx, &cfg, store.ListOptions{Filter: map[string]any{"step": 3}}) {
		require.NoError(t, err)
		got = append(got, tup.Config.CheckpointID)
	}
	assert.Equal(t, []string{chain[3]}, got)
}

func TestMetadataClause(t *testing.T) {
	_, _, ok := metadataClause("nested", map[string]any{"a": 1})
	assert.False(t, ok)
	_, _, ok = metadataClause("list", []int{1})
	assert.False(t, ok)
	_, _, ok = metadataClause("missing", nil)
	assert.False(t, ok)
	_, _, ok = metadataClause(`we"ird`, "x")
	assert.False(t, ok)

	clause, args, ok := metadataClause("done", true)
	require.True(t, ok)
	assert.NotEmpty(t, clause)
	assert.Equal(t, []any{`$."done"`, "true"}, args)
}

func TestSqliteSaver_ClosedRejectsOperations(t *testing.T) {
	s := newTestSaver(t, ":memory:")
	require.NoError(t, s.Close())

	err := s.Setup(context.Background())
	assert.ErrorIs(t, err, store.ErrClosed)

	for _, err := range s.List(context.Background(), nil, store.ListOptions{}) {
		assert.ErrorIs(t, err, store.ErrClosed)
	}
}
