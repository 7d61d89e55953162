package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"

	"github.com/smallnest/chatgraph/log"
	"github.com/smallnest/chatgraph/store"
)

// SqliteSaver implements store.Saver using SQLite
type SqliteSaver struct {
	db *sql.DB

	checkpointsTable string
	writesTable      string

	serde    store.Serializer
	reserved store.ReservedChannels
	logger   log.Logger
	pageSize int

	setupMu   sync.Mutex
	ready     atomic.Bool
	closeOnce sync.Once
	closed    atomic.Bool
}

// SqliteOptions configuration for SQLite connection
type SqliteOptions struct {
	Path             string
	CheckpointsTable string // Default "checkpoints"
	WritesTable      string // Default "writes"

	Serializer       store.Serializer
	ReservedChannels store.ReservedChannels
	Logger           log.Logger
}

var _ store.Saver = (*SqliteSaver)(nil)

// NewSqliteSaver opens the database at opts.Path. Call Setup before use.
func NewSqliteSaver(opts SqliteOptions) (*SqliteSaver, error) {
	if opts.Path == "" {
		return nil, store.ErrMissingConnString
	}
	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}
	// SQLite allows a single writer; one connection also keeps ":memory:"
	// databases alive for the life of the saver.
	db.SetMaxOpenConns(1)

	s := &SqliteSaver{
		db:               db,
		checkpointsTable: opts.CheckpointsTable,
		writesTable:      opts.WritesTable,
		serde:            opts.Serializer,
		reserved:         opts.ReservedChannels,
		logger:           log.OrDefault(opts.Logger),
		pageSize:         listPageSize,
	}
	if s.checkpointsTable == "" {
		s.checkpointsTable = "checkpoints"
	}
	if s.writesTable == "" {
		s.writesTable = "writes"
	}
	if s.serde == nil {
		s.serde = store.NewJSONSerializer(nil)
	}
	if s.reserved == nil {
		s.reserved = store.DefaultReservedChannels()
	}
	return s, nil
}

// Setup creates the necessary tables if they don't exist
func (s *SqliteSaver) Setup(ctx context.Context) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if s.ready.Load() {
		return nil
	}

	s.setupMu.Lock()
	defer s.setupMu.Unlock()
	if s.ready.Load() {
		return nil
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			thread_id TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT NOT NULL,
			parent_checkpoint_id TEXT,
			type TEXT,
			checkpoint BLOB,
			metadata BLOB,
			PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)
		)`, s.checkpointsTable),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_thread_ns ON %s (thread_id, checkpoint_ns)", s.checkpointsTable, s.checkpointsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			thread_id TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			channel TEXT NOT NULL,
			type TEXT,
			value BLOB,
			PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, task_id, idx)
		)`, s.writesTable),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_thread_ns ON %s (thread_id, checkpoint_ns)", s.writesTable, s.writesTable),
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create schema: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.ready.Store(true)
	return nil
}

func (s *SqliteSaver) GetTuple(ctx context.Context, cfg store.Config) (*store.Tuple, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var row *sql.Row
	if cfg.CheckpointID != "" {
		query := fmt.Sprintf(`
			SELECT %s FROM %s
			WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
		`, checkpointColumns, s.checkpointsTable)
		row = s.db.QueryRowContext(ctx, query, cfg.ThreadID, cfg.Namespace, cfg.CheckpointID)
	} else {
		query := fmt.Sprintf(`
			SELECT %s FROM %s
			WHERE thread_id = ? AND checkpoint_ns = ?
			ORDER BY checkpoint_id DESC
			LIMIT 1
		`, checkpointColumns, s.checkpointsTable)
		row = s.db.QueryRowContext(ctx, query, cfg.ThreadID, cfg.Namespace)
	}

	r, err := scanCheckpoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return s.buildTuple(ctx, r)
}

// listPageSize caps the rows read per List query.
const listPageSize = 100

// List yields matching checkpoints newest first, reading one page of rows at
// a time. Scalar metadata filters are applied in SQL and every row is matched
// again after decoding.
func (s *SqliteSaver) List(ctx context.Context, cfg *store.Config, opts store.ListOptions) iter.Seq2[*store.Tuple, error] {
	return func(yield func(*store.Tuple, error) bool) {
		if err := s.check(ctx); err != nil {
			yield(nil, err)
			return
		}

		var after *store.Config
		emitted := 0
		for {
			limit := s.pageSize
			if opts.Limit > 0 && opts.Limit-emitted < limit {
				limit = opts.Limit - emitted
			}

			// The page is drained before pending writes are loaded since the
			// pool holds a single connection.
			query, args := s.search(cfg, opts, after, limit)
			page, err := s.queryCheckpoints(ctx, query, args...)
			if err != nil {
				yield(nil, err)
				return
			}

			for _, r := range page {
				tup, err := s.buildTuple(ctx, r)
				if err != nil {
					yield(nil, err)
					return
				}
				if len(opts.Filter) > 0 && !tup.Metadata.Matches(opts.Filter) {
					continue
				}
				emitted++
				if !yield(tup, nil) {
					return
				}
			}

			if len(page) < limit || (opts.Limit > 0 && emitted >= opts.Limit) {
				return
			}
			last := page[len(page)-1]
			after = &store.Config{ThreadID: last.threadID, Namespace: last.ns, CheckpointID: last.id}
		}
	}
}

// search builds one keyset-ordered page of the List query.
func (s *SqliteSaver) search(cfg *store.Config, opts store.ListOptions, after *store.Config, limit int) (string, []any) {
	var (
		where []string
		args  []any
	)
	if cfg != nil && cfg.ThreadID != "" {
		where = append(where, "thread_id = ?", "checkpoint_ns = ?")
		args = append(args, cfg.ThreadID, cfg.Namespace)
		if cfg.CheckpointID != "" {
			where = append(where, "checkpoint_id = ?")
			args = append(args, cfg.CheckpointID)
		}
	}
	for _, key := range slices.Sorted(maps.Keys(opts.Filter)) {
		if clause, clauseArgs, ok := metadataClause(key, opts.Filter[key]); ok {
			where = append(where, clause)
			args = append(args, clauseArgs...)
		}
	}
	if opts.Before != nil && opts.Before.CheckpointID != "" {
		where = append(where, "checkpoint_id < ?")
		args = append(args, opts.Before.CheckpointID)
	}
	if after != nil {
		where = append(where, "(checkpoint_id, thread_id, checkpoint_ns) < (?, ?, ?)")
		args = append(args, after.CheckpointID, after.ThreadID, after.Namespace)
	}

	query := fmt.Sprintf("SELECT %s FROM %s", checkpointColumns, s.checkpointsTable)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY checkpoint_id DESC, thread_id DESC, checkpoint_ns DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return query, args
}

// metadataClause narrows rows to those whose metadata key holds the scalar
// want. Objects, arrays, nulls and keys that need escaping in a JSON path are
// left to the decoded match.
func metadataClause(key string, want any) (string, []any, bool) {
	if strings.ContainsAny(key, `"\`) {
		return "", nil, false
	}
	data, err := json.Marshal(want)
	if err != nil || len(data) == 0 {
		return "", nil, false
	}
	switch data[0] {
	case '{', '[', 'n':
		return "", nil, false
	}
	return "json_extract(CAST(metadata AS TEXT), ?) = json_extract(?, '$')", []any{`$."` + key + `"`, string(data)}, true
}

func (s *SqliteSaver) Put(ctx context.Context, cfg store.Config, cp *store.Checkpoint, md store.Metadata, _ map[string]int64) (store.Config, error) {
	if err := s.check(ctx); err != nil {
		return store.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return store.Config{}, err
	}

	typ, data, err := s.serde.DumpsTyped(cp)
	if err != nil {
		return store.Config{}, fmt.Errorf("failed to serialize checkpoint: %w", err)
	}
	mdData, err := store.MarshalMetadata(md)
	if err != nil {
		return store.Config{}, err
	}

	var parent sql.NullString
	if cfg.CheckpointID != "" {
		parent = sql.NullString{String: cfg.CheckpointID, Valid: true}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, checkpoint_ns, checkpoint_id) DO UPDATE SET
			parent_checkpoint_id = excluded.parent_checkpoint_id,
			type = excluded.type,
			checkpoint = excluded.checkpoint,
			metadata = excluded.metadata
	`, s.checkpointsTable, checkpointColumns)

	_, err = s.db.ExecContext(ctx, query,
		cfg.ThreadID,
		cfg.Namespace,
		cp.ID,
		parent,
		typ,
		data,
		mdData,
	)
	if err != nil {
		return store.Config{}, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return cfg.WithCheckpointID(cp.ID), nil
}

func (s *SqliteSaver) PutWrites(ctx context.Context, cfg store.Config, writes []store.Write, taskID, _ string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.CheckpointID == "" {
		return store.ErrCheckpointIDRequired
	}

	insert := fmt.Sprintf(`
		INSERT INTO %s (thread_id, checkpoint_ns, checkpoint_id, task_id, idx, channel, type, value)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, checkpoint_ns, checkpoint_id, task_id, idx)
	`, s.writesTable)
	upsert := insert + " DO UPDATE SET channel = excluded.channel, type = excluded.type, value = excluded.value"
	keep := insert + " DO NOTHING"

	resolved := s.reserved.Resolve(writes)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, w := range resolved {
			typ, data, err := s.serde.DumpsTyped(w.Value)
			if err != nil {
				return fmt.Errorf("failed to serialize write for channel %s: %w", w.Channel, err)
			}
			stmt := keep
			if w.Overwrite {
				stmt = upsert
			}
			_, err = tx.ExecContext(ctx, stmt,
				cfg.ThreadID,
				cfg.Namespace,
				cfg.CheckpointID,
				taskID,
				w.Idx,
				w.Channel,
				typ,
				data,
			)
			if err != nil {
				return fmt.Errorf("failed to save write for channel %s: %w", w.Channel, err)
			}
		}
		return nil
	})
}

// DeleteThread removes all checkpoints and writes for a thread
func (s *SqliteSaver) DeleteThread(ctx context.Context, threadID string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE thread_id = ?", s.checkpointsTable), threadID); err != nil {
			return fmt.Errorf("failed to delete checkpoints: %w", err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE thread_id = ?", s.writesTable), threadID); err != nil {
			return fmt.Errorf("failed to delete writes: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Debug("deleted thread %s", threadID)
	return nil
}

// Close closes the database connection
func (s *SqliteSaver) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.db.Close()
	})
	return err
}

func (s *SqliteSaver) check(ctx context.Context) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	return ctx.Err()
}

func (s *SqliteSaver) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const checkpointColumns = "thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, type, checkpoint, metadata"

type checkpointRow struct {
	threadID string
	ns       string
	id       string
	parentID sql.NullString
	typ      sql.NullString
	data     []byte
	metadata []byte
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scanner) (checkpointRow, error) {
	var r checkpointRow
	err := row.Scan(&r.threadID, &r.ns, &r.id, &r.parentID, &r.typ, &r.data, &r.metadata)
	return r, err
}

func (s *SqliteSaver) queryCheckpoints(ctx context.Context, query string, args ...any) ([]checkpointRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []checkpointRow
	for rows.Next() {
		r, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoint rows: %w", err)
	}
	return out, nil
}

func (s *SqliteSaver) buildTuple(ctx context.Context, r checkpointRow) (*store.Tuple, error) {
	cp, err := store.LoadCheckpoint(s.serde, r.typ.String, r.data)
	if err != nil {
		return nil, err
	}
	md, err := store.UnmarshalMetadata(r.metadata)
	if err != nil {
		return nil, err
	}

	cfg := store.Config{ThreadID: r.threadID, Namespace: r.ns, CheckpointID: r.id}
	writes, err := s.pendingWrites(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &store.Tuple{
		Config:        cfg,
		Checkpoint:    cp,
		Metadata:      md,
		ParentConfig:  store.ParentConfig(cfg, r.parentID.String),
		PendingWrites: writes,
	}, nil
}

func (s *SqliteSaver) pendingWrites(ctx context.Context, cfg store.Config) ([]store.PendingWrite, error) {
	query := fmt.Sprintf(`
		SELECT task_id, channel, type, value FROM %s
		WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
		ORDER BY task_id, idx
	`, s.writesTable)
	rows, err := s.db.QueryContext(ctx, query, cfg.ThreadID, cfg.Namespace, cfg.CheckpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending writes: %w", err)
	}
	defer rows.Close()

	var writes []store.PendingWrite
	for rows.Next() {
		var (
			taskID, channel string
			typ             sql.NullString
			data            []byte
		)
		if err := rows.Scan(&taskID, &channel, &typ, &data); err != nil {
			return nil, fmt.Errorf("failed to scan pending write: %w", err)
		}
		v, err := s.serde.LoadsTyped(typ.String, data)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize write for channel %s: %w", channel, err)
		}
		writes = append(writes, store.PendingWrite{TaskID: taskID, Channel: channel, Value: v})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending writes: %w", err)
	}
	return writes, nil
}
