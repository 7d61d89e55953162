package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/smallnest/chatgraph/log"
	"github.com/smallnest/chatgraph/store"
)

// setupLockKey serializes concurrent Setup calls across processes.
const setupLockKey int64 = 0x63686b70

// DBPool defines the interface for database connection pool
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresOptions configuration for Postgres connection
type PostgresOptions struct {
	ConnString string

	CheckpointsTable string // Default "checkpoints"
	WritesTable      string // Default "writes"

	MaxConns int32 // Default 30
	MinConns int32 // Default 1
	// OpTimeout bounds each non-streaming operation, including the wait for a
	// pooled connection. Default 30s.
	OpTimeout time.Duration

	MaxRetries int           // Default 3
	RetryDelay time.Duration // Default 50ms

	Serializer       store.Serializer
	ReservedChannels store.ReservedChannels
	Logger           log.Logger
}

// PostgresSaver implements store.Saver using PostgreSQL
type PostgresSaver struct {
	pool DBPool
	q    queries

	opTimeout  time.Duration
	maxRetries int
	retryDelay time.Duration
	pageSize   int

	serde    store.Serializer
	reserved store.ReservedChannels
	logger   log.Logger
	tracer   trace.Tracer

	setupMu   sync.Mutex
	ready     atomic.Bool
	closeOnce sync.Once
	closed    atomic.Bool
}

var _ store.Saver = (*PostgresSaver)(nil)

// NewPostgresSaver creates a saver with its own connection pool. An empty
// connection string is accepted here and reported by Setup.
func NewPostgresSaver(ctx context.Context, opts PostgresOptions) (*PostgresSaver, error) {
	if opts.ConnString == "" {
		return newSaver(nil, opts), nil
	}

	poolCfg, err := pgxpool.ParseConfig(opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	poolCfg.MaxConns = opts.MaxConns
	if poolCfg.MaxConns <= 0 {
		poolCfg.MaxConns = 30
	}
	poolCfg.MinConns = opts.MinConns
	if poolCfg.MinConns <= 0 {
		poolCfg.MinConns = 1
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return newSaver(pool, opts), nil
}

// NewPostgresSaverWithPool creates a saver on an existing pool.
// Useful for testing with mocks
func NewPostgresSaverWithPool(pool DBPool, opts PostgresOptions) *PostgresSaver {
	return newSaver(pool, opts)
}

func newSaver(pool DBPool, opts PostgresOptions) *PostgresSaver {
	s := &PostgresSaver{
		pool:       pool,
		q:          newQueries(opts.CheckpointsTable, opts.WritesTable),
		opTimeout:  opts.OpTimeout,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		pageSize:   listPageSize,
		serde:      opts.Serializer,
		reserved:   opts.ReservedChannels,
		logger:     log.OrDefault(opts.Logger),
		tracer:     otel.Tracer("github.com/smallnest/chatgraph/store/postgres"),
	}
	if s.opTimeout <= 0 {
		s.opTimeout = 30 * time.Second
	}
	if s.maxRetries <= 0 {
		s.maxRetries = 3
	}
	if s.retryDelay <= 0 {
		s.retryDelay = 50 * time.Millisecond
	}
	if s.serde == nil {
		s.serde = store.NewJSONSerializer(nil)
	}
	if s.reserved == nil {
		s.reserved = store.DefaultReservedChannels()
	}
	return s
}

// Setup creates the tables and indexes if they do not exist. Concurrent
// callers, in this process or others, are serialized by an advisory lock.
func (s *PostgresSaver) Setup(ctx context.Context) error {
	if s.pool == nil {
		return store.ErrMissingConnString
	}
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

	ctx, span := s.tracer.Start(ctx, "postgres.Setup")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	err := s.withRetry(ctx, func() error {
		return s.inTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", setupLockKey); err != nil {
				return fmt.Errorf("failed to acquire setup lock: %w", err)
			}
			for _, stmt := range s.q.schema {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("failed to create schema: %w", err)
				}
			}
			return nil
		})
	})
	if err != nil {
		recordError(span, err)
		return err
	}

	s.ready.Store(true)
	s.logger.Info("postgres checkpoint schema ready (%s, %s)", s.q.checkpoints, s.q.writes)
	return nil
}

func (s *PostgresSaver) GetTuple(ctx context.Context, cfg store.Config) (*store.Tuple, error) {
	if err := s.ensure(ctx); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "postgres.GetTuple", trace.WithAttributes(
		attribute.String("thread_id", cfg.ThreadID),
		attribute.String("checkpoint_ns", cfg.Namespace),
		attribute.String("checkpoint_id", cfg.CheckpointID),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var tup *store.Tuple
	err := s.withRetry(ctx, func() error {
		var row pgx.Row
		if cfg.CheckpointID != "" {
			row = s.pool.QueryRow(ctx, s.q.selectCheckpoint, cfg.ThreadID, cfg.Namespace, cfg.CheckpointID)
		} else {
			row = s.pool.QueryRow(ctx, s.q.selectLatest, cfg.ThreadID, cfg.Namespace)
		}

		r, err := scanCheckpoint(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				tup = nil
				return nil
			}
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}

		tup, err = s.buildTuple(ctx, r)
		return err
	})
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	return tup, nil
}

// listPageSize caps the checkpoints read per List query.
const listPageSize = 100

func (s *PostgresSaver) List(ctx context.Context, cfg *store.Config, opts store.ListOptions) iter.Seq2[*store.Tuple, error] {
	return func(yield func(*store.Tuple, error) bool) {
		if err := s.ensure(ctx); err != nil {
			yield(nil, err)
			return
		}

		ctx, span := s.tracer.Start(ctx, "postgres.List")
		defer span.End()

		var after *store.Config
		remaining := opts.Limit
		for {
			limit := s.pageSize
			if opts.Limit > 0 && remaining < limit {
				limit = remaining
			}

			page, err := s.listPage(ctx, cfg, opts, after, limit)
			if err != nil {
				recordError(span, err)
				yield(nil, err)
				return
			}
			for _, tup := range page {
				if !yield(tup, nil) {
					return
				}
			}

			remaining -= len(page)
			if len(page) < limit || (opts.Limit > 0 && remaining <= 0) {
				return
			}
			after = &page[len(page)-1].Config
		}
	}
}

// listPage loads up to limit checkpoints ordered after the cursor. The
// checkpoint rows are released before pending writes are read, so a page
// never holds more than one pooled connection.
func (s *PostgresSaver) listPage(ctx context.Context, cfg *store.Config, opts store.ListOptions, after *store.Config, limit int) ([]*store.Tuple, error) {
	query, args, err := s.q.search(cfg, opts, after, limit)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var page []checkpointRow
	err = s.withRetry(ctx, func() error {
		page = page[:0]
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to list checkpoints: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			r, err := scanCheckpoint(rows)
			if err != nil {
				return fmt.Errorf("failed to scan checkpoint row: %w", err)
			}
			page = append(page, r)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating checkpoint rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	tuples := make([]*store.Tuple, 0, len(page))
	for _, r := range page {
		tup, err := s.buildTuple(ctx, r)
		if err != nil {
			return nil, err
		}
		tuples = append(tuples, tup)
	}
	return tuples, nil
}

func (s *PostgresSaver) Put(ctx context.Context, cfg store.Config, cp *store.Checkpoint, md store.Metadata, _ map[string]int64) (store.Config, error) {
	if err := s.ensure(ctx); err != nil {
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

	ctx, span := s.tracer.Start(ctx, "postgres.Put", trace.WithAttributes(
		attribute.String("thread_id", cfg.ThreadID),
		attribute.String("checkpoint_id", cp.ID),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	err = s.withRetry(ctx, func() error {
		return s.inTx(ctx, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, s.q.upsertCheckpoint,
				cfg.ThreadID,
				cfg.Namespace,
				cp.ID,
				nullable(cfg.CheckpointID),
				typ,
				data,
				mdData,
			)
			if err != nil {
				return fmt.Errorf("failed to save checkpoint: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		recordError(span, err)
		return store.Config{}, err
	}

	s.logger.Debug("saved checkpoint thread=%s ns=%q id=%s parent=%s", cfg.ThreadID, cfg.Namespace, cp.ID, cfg.CheckpointID)
	return cfg.WithCheckpointID(cp.ID), nil
}

func (s *PostgresSaver) PutWrites(ctx context.Context, cfg store.Config, writes []store.Write, taskID, _ string) error {
	if err := s.ensure(ctx); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.CheckpointID == "" {
		return store.ErrCheckpointIDRequired
	}

	type encodedWrite struct {
		store.IndexedWrite
		typ  string
		data []byte
	}
	resolved := s.reserved.Resolve(writes)
	encoded := make([]encodedWrite, len(resolved))
	for i, w := range resolved {
		typ, data, err := s.serde.DumpsTyped(w.Value)
		if err != nil {
			return fmt.Errorf("failed to serialize write for channel %s: %w", w.Channel, err)
		}
		encoded[i] = encodedWrite{IndexedWrite: w, typ: typ, data: data}
	}

	ctx, span := s.tracer.Start(ctx, "postgres.PutWrites", trace.WithAttributes(
		attribute.String("thread_id", cfg.ThreadID),
		attribute.String("checkpoint_id", cfg.CheckpointID),
		attribute.String("task_id", taskID),
		attribute.Int("writes", len(writes)),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	err := s.withRetry(ctx, func() error {
		return s.inTx(ctx, func(tx pgx.Tx) error {
			for _, w := range encoded {
				stmt := s.q.insertWriteKeep
				if w.Overwrite {
					stmt = s.q.upsertWrite
				}
				_, err := tx.Exec(ctx, stmt,
					cfg.ThreadID,
					cfg.Namespace,
					cfg.CheckpointID,
					taskID,
					w.Idx,
					w.Channel,
					w.typ,
					w.data,
				)
				if err != nil {
					return fmt.Errorf("failed to save write for channel %s: %w", w.Channel, err)
				}
			}
			return nil
		})
	})
	if err != nil {
		recordError(span, err)
		return err
	}
	return nil
}

func (s *PostgresSaver) DeleteThread(ctx context.Context, threadID string) error {
	if err := s.ensure(ctx); err != nil {
		return err
	}

	ctx, span := s.tracer.Start(ctx, "postgres.DeleteThread", trace.WithAttributes(
		attribute.String("thread_id", threadID),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	err := s.withRetry(ctx, func() error {
		return s.inTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, s.q.deleteCheckpoints, threadID); err != nil {
				return fmt.Errorf("failed to delete checkpoints: %w", err)
			}
			if _, err := tx.Exec(ctx, s.q.deleteWrites, threadID); err != nil {
				return fmt.Errorf("failed to delete writes: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		recordError(span, err)
		return err
	}
	s.logger.Info("deleted thread %s", threadID)
	return nil
}

// Close closes the connection pool
func (s *PostgresSaver) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.pool != nil {
			s.pool.Close()
		}
	})
	return nil
}

func (s *PostgresSaver) check(ctx context.Context) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	return ctx.Err()
}

func (s *PostgresSaver) ensure(ctx context.Context) error {
	if s.pool == nil {
		return store.ErrMissingConnString
	}
	return s.check(ctx)
}

func (s *PostgresSaver) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type checkpointRow struct {
	threadID string
	ns       string
	id       string
	parentID *string
	typ      *string
	data     []byte
	metadata []byte
}

func scanCheckpoint(row pgx.Row) (checkpointRow, error) {
	var r checkpointRow
	err := row.Scan(&r.threadID, &r.ns, &r.id, &r.parentID, &r.typ, &r.data, &r.metadata)
	return r, err
}

func (s *PostgresSaver) buildTuple(ctx context.Context, r checkpointRow) (*store.Tuple, error) {
	cp, err := store.LoadCheckpoint(s.serde, deref(r.typ), r.data)
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
		ParentConfig:  store.ParentConfig(cfg, deref(r.parentID)),
		PendingWrites: writes,
	}, nil
}

func (s *PostgresSaver) pendingWrites(ctx context.Context, cfg store.Config) ([]store.PendingWrite, error) {
	rows, err := s.pool.Query(ctx, s.q.selectWrites, cfg.ThreadID, cfg.Namespace, cfg.CheckpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending writes: %w", err)
	}
	defer rows.Close()

	var writes []store.PendingWrite
	for rows.Next() {
		var (
			taskID, channel string
			typ             *string
			data            []byte
		)
		if err := rows.Scan(&taskID, &channel, &typ, &data); err != nil {
			return nil, fmt.Errorf("failed to scan pending write: %w", err)
		}
		v, err := s.serde.LoadsTyped(deref(typ), data)
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

type queries struct {
	checkpoints string
	writes      string
	schema      []string

	selectCheckpoint  string
	selectLatest      string
	selectWrites      string
	upsertCheckpoint  string
	upsertWrite       string
	insertWriteKeep   string
	deleteCheckpoints string
	deleteWrites      string
}

const checkpointColumns = "thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, type, checkpoint, metadata"

func newQueries(checkpoints, writes string) queries {
	if checkpoints == "" {
		checkpoints = "checkpoints"
	}
	if writes == "" {
		writes = "writes"
	}
	insertWrite := fmt.Sprintf("INSERT INTO %s (thread_id, checkpoint_ns, checkpoint_id, task_id, idx, channel, type, value) VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id, task_id, idx)", writes)
	return queries{
		checkpoints: checkpoints,
		writes:      writes,
		schema: []string{
			fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (thread_id TEXT NOT NULL, checkpoint_ns TEXT NOT NULL DEFAULT '', checkpoint_id TEXT NOT NULL, parent_checkpoint_id TEXT, type TEXT, checkpoint BYTEA, metadata BYTEA, PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id))", checkpoints),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_thread_id ON %s (thread_id)", checkpoints, checkpoints),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_thread_ns ON %s (thread_id, checkpoint_ns)", checkpoints, checkpoints),
			fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (thread_id TEXT NOT NULL, checkpoint_ns TEXT NOT NULL DEFAULT '', checkpoint_id TEXT NOT NULL, task_id TEXT NOT NULL, idx BIGINT NOT NULL, channel TEXT NOT NULL, type TEXT, value BYTEA, PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, task_id, idx))", writes),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_thread_id ON %s (thread_id)", writes, writes),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_thread_ns ON %s (thread_id, checkpoint_ns)", writes, writes),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_checkpoint_id ON %s (checkpoint_id)", writes, writes),
		},
		selectCheckpoint:  fmt.Sprintf("SELECT %s FROM %s WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id = $3", checkpointColumns, checkpoints),
		selectLatest:      fmt.Sprintf("SELECT %s FROM %s WHERE thread_id = $1 AND checkpoint_ns = $2 ORDER BY checkpoint_id DESC LIMIT 1", checkpointColumns, checkpoints),
		selectWrites:      fmt.Sprintf("SELECT task_id, channel, type, value FROM %s WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id = $3 ORDER BY task_id, idx", writes),
		upsertCheckpoint:  fmt.Sprintf("INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id) DO UPDATE SET parent_checkpoint_id = EXCLUDED.parent_checkpoint_id, type = EXCLUDED.type, checkpoint = EXCLUDED.checkpoint, metadata = EXCLUDED.metadata", checkpoints, checkpointColumns),
		upsertWrite:       insertWrite + " DO UPDATE SET channel = EXCLUDED.channel, type = EXCLUDED.type, value = EXCLUDED.value",
		insertWriteKeep:   insertWrite + " DO NOTHING",
		deleteCheckpoints: fmt.Sprintf("DELETE FROM %s WHERE thread_id = $1", checkpoints),
		deleteWrites:      fmt.Sprintf("DELETE FROM %s WHERE thread_id = $1", writes),
	}
}

// search builds one page of the List query. Metadata is stored as JSON bytes,
// so the filter is applied with jsonb containment over the decoded column.
// Rows are keyset-ordered so after resumes exactly past the previous page.
func (q queries) search(cfg *store.Config, opts store.ListOptions, after *store.Config, limit int) (string, []any, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if cfg != nil && cfg.ThreadID != "" {
		where = append(where, "thread_id = "+arg(cfg.ThreadID))
		where = append(where, "checkpoint_ns = "+arg(cfg.Namespace))
		if cfg.CheckpointID != "" {
			where = append(where, "checkpoint_id = "+arg(cfg.CheckpointID))
		}
	}
	if len(opts.Filter) > 0 {
		filter, err := json.Marshal(opts.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("failed to marshal metadata filter: %w", err)
		}
		where = append(where, "convert_from(metadata, 'UTF8')::jsonb @> "+arg(string(filter))+"::jsonb")
	}
	if opts.Before != nil && opts.Before.CheckpointID != "" {
		where = append(where, "checkpoint_id < "+arg(opts.Before.CheckpointID))
	}
	if after != nil {
		where = append(where, fmt.Sprintf("(checkpoint_id, thread_id, checkpoint_ns) < (%s, %s, %s)",
			arg(after.CheckpointID), arg(after.ThreadID), arg(after.Namespace)))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s", checkpointColumns, q.checkpoints)
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY checkpoint_id DESC, thread_id DESC, checkpoint_ns DESC")
	if limit > 0 {
		sb.WriteString(" LIMIT " + arg(limit))
	}
	return sb.String(), args, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
