package redis

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallnest/chatgraph/log"
	"github.com/smallnest/chatgraph/store"
)

// RedisSaver implements store.Saver using Redis.
//
// Layout, with {t} the thread id in a hash tag so a thread's keys share a slot:
//
//	<prefix>threads                 SET of thread ids
//	<prefix>{t}:ns                  SET of namespaces used by the thread
//	<prefix>{t}:<ns>:ids            ZSET of checkpoint ids, all scored 0
//	<prefix>{t}:<ns>:cp:<id>        HASH parent, type, checkpoint, metadata
//	<prefix>{t}:<ns>:writes:<id>    HASH "<task>:<idx>" -> encoded write
//
// Put and DeleteThread change the thread index together with the thread's
// own keys, so the saver expects a single Redis node rather than a cluster.
type RedisSaver struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration

	serde    store.Serializer
	reserved store.ReservedChannels
	logger   log.Logger

	closeOnce sync.Once
	closed    atomic.Bool
}

// RedisOptions configuration for Redis connection
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // Key prefix, default "chatgraph:"
	TTL      time.Duration // Expiration for thread keys, default 0 (no expiration)

	Serializer       store.Serializer
	ReservedChannels store.ReservedChannels
	Logger           log.Logger
}

var _ store.Saver = (*RedisSaver)(nil)

// NewRedisSaver creates a saver with its own client
func NewRedisSaver(opts RedisOptions) (*RedisSaver, error) {
	if opts.Addr == "" {
		return nil, store.ErrMissingConnString
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisSaverWithClient(client, opts), nil
}

// NewRedisSaverWithClient creates a saver on an existing client. Close closes the client.
func NewRedisSaverWithClient(client redis.UniversalClient, opts RedisOptions) *RedisSaver {
	s := &RedisSaver{
		client:   client,
		prefix:   opts.Prefix,
		ttl:      opts.TTL,
		serde:    opts.Serializer,
		reserved: opts.ReservedChannels,
		logger:   log.OrDefault(opts.Logger),
	}
	if s.prefix == "" {
		s.prefix = "chatgraph:"
	}
	if s.serde == nil {
		s.serde = store.NewJSONSerializer(nil)
	}
	if s.reserved == nil {
		s.reserved = store.DefaultReservedChannels()
	}
	return s
}

func (s *RedisSaver) threadsKey() string {
	return s.prefix + "threads"
}

// threadPrefix is shared by every key of the thread.
func (s *RedisSaver) threadPrefix(threadID string) string {
	return fmt.Sprintf("%s{%s}:", s.prefix, threadID)
}

func (s *RedisSaver) namespacesKey(threadID string) string {
	return s.threadPrefix(threadID) + "ns"
}

func (s *RedisSaver) idsKey(threadID, ns string) string {
	return s.threadPrefix(threadID) + ns + ":ids"
}

func (s *RedisSaver) checkpointKey(threadID, ns, id string) string {
	return s.threadPrefix(threadID) + ns + ":cp:" + id
}

func (s *RedisSaver) writesKey(threadID, ns, id string) string {
	return s.threadPrefix(threadID) + ns + ":writes:" + id
}

// Setup checks that the server is reachable. Redis needs no schema.
func (s *RedisSaver) Setup(ctx context.Context) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}
	return nil
}

func (s *RedisSaver) GetTuple(ctx context.Context, cfg store.Config) (*store.Tuple, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id := cfg.CheckpointID
	if id == "" {
		ids, err := s.client.ZRevRangeByLex(ctx, s.idsKey(cfg.ThreadID, cfg.Namespace), &redis.ZRangeBy{
			Min:   "-",
			Max:   "+",
			Count: 1,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to find latest checkpoint: %w", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		id = ids[0]
	}
	return s.load(ctx, store.Config{ThreadID: cfg.ThreadID, Namespace: cfg.Namespace, CheckpointID: id})
}

// List yields matching checkpoints newest first. Without a thread id every
// thread and namespace is scanned.
func (s *RedisSaver) List(ctx context.Context, cfg *store.Config, opts store.ListOptions) iter.Seq2[*store.Tuple, error] {
	return func(yield func(*store.Tuple, error) bool) {
		if err := s.check(ctx); err != nil {
			yield(nil, err)
			return
		}

		candidates, err := s.candidates(ctx, cfg, opts)
		if err != nil {
			yield(nil, err)
			return
		}

		emitted := 0
		for _, c := range candidates {
			if opts.Limit > 0 && emitted >= opts.Limit {
				return
			}
			tup, err := s.load(ctx, c)
			if err != nil {
				yield(nil, err)
				return
			}
			// Deleted between the index read and the load.
			if tup == nil {
				continue
			}
			if len(opts.Filter) > 0 && !tup.Metadata.Matches(opts.Filter) {
				continue
			}
			emitted++
			if !yield(tup, nil) {
				return
			}
		}
	}
}

func (s *RedisSaver) candidates(ctx context.Context, cfg *store.Config, opts store.ListOptions) ([]store.Config, error) {
	type scope struct{ threadID, ns string }
	var scopes []scope

	switch {
	case cfg != nil && cfg.ThreadID != "" && cfg.CheckpointID != "":
		return []store.Config{*cfg}, nil
	case cfg != nil && cfg.ThreadID != "":
		scopes = append(scopes, scope{cfg.ThreadID, cfg.Namespace})
	default:
		threads, err := s.client.SMembers(ctx, s.threadsKey()).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list threads: %w", err)
		}
		for _, t := range threads {
			namespaces, err := s.client.SMembers(ctx, s.namespacesKey(t)).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to list namespaces for thread %s: %w", t, err)
			}
			for _, ns := range namespaces {
				scopes = append(scopes, scope{t, ns})
			}
		}
	}

	rng := &redis.ZRangeBy{Min: "-", Max: "+"}
	if opts.Before != nil && opts.Before.CheckpointID != "" {
		rng.Max = "(" + opts.Before.CheckpointID
	}
	if opts.Limit > 0 && len(opts.Filter) == 0 {
		rng.Count = int64(opts.Limit)
	}

	var out []store.Config
	for _, sc := range scopes {
		ids, err := s.client.ZRevRangeByLex(ctx, s.idsKey(sc.threadID, sc.ns), rng).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list checkpoints: %w", err)
		}
		for _, id := range ids {
			out = append(out, store.Config{ThreadID: sc.threadID, Namespace: sc.ns, CheckpointID: id})
		}
	}
	slices.SortStableFunc(out, func(a, b store.Config) int {
		return cmp.Or(
			cmp.Compare(b.CheckpointID, a.CheckpointID),
			cmp.Compare(a.ThreadID, b.ThreadID),
			cmp.Compare(a.Namespace, b.Namespace),
		)
	})
	return out, nil
}

func (s *RedisSaver) Put(ctx context.Context, cfg store.Config, cp *store.Checkpoint, md store.Metadata, _ map[string]int64) (store.Config, error) {
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

	cpKey := s.checkpointKey(cfg.ThreadID, cfg.Namespace, cp.ID)
	idsKey := s.idsKey(cfg.ThreadID, cfg.Namespace)
	nsKey := s.namespacesKey(cfg.ThreadID)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, cpKey,
			"parent", cfg.CheckpointID,
			"type", typ,
			"checkpoint", data,
			"metadata", mdData,
		)
		pipe.ZAdd(ctx, idsKey, redis.Z{Score: 0, Member: cp.ID})
		pipe.SAdd(ctx, nsKey, cfg.Namespace)
		pipe.SAdd(ctx, s.threadsKey(), cfg.ThreadID)
		if s.ttl > 0 {
			pipe.Expire(ctx, cpKey, s.ttl)
			pipe.Expire(ctx, idsKey, s.ttl)
			pipe.Expire(ctx, nsKey, s.ttl)
		}
		return nil
	})
	if err != nil {
		return store.Config{}, fmt.Errorf("failed to save checkpoint to redis: %w", err)
	}
	return cfg.WithCheckpointID(cp.ID), nil
}

type storedWrite struct {
	TaskID  string `json:"task_id"`
	Idx     int    `json:"idx"`
	Channel string `json:"channel"`
	Type    string `json:"type"`
	Value   []byte `json:"value"`
}

func (s *RedisSaver) PutWrites(ctx context.Context, cfg store.Config, writes []store.Write, taskID, _ string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.CheckpointID == "" {
		return store.ErrCheckpointIDRequired
	}

	type fieldWrite struct {
		field     string
		data      []byte
		overwrite bool
	}
	resolved := s.reserved.Resolve(writes)
	fields := make([]fieldWrite, 0, len(resolved))
	for _, w := range resolved {
		typ, data, err := s.serde.DumpsTyped(w.Value)
		if err != nil {
			return fmt.Errorf("failed to serialize write for channel %s: %w", w.Channel, err)
		}
		enc, err := json.Marshal(storedWrite{TaskID: taskID, Idx: w.Idx, Channel: w.Channel, Type: typ, Value: data})
		if err != nil {
			return fmt.Errorf("failed to encode write for channel %s: %w", w.Channel, err)
		}
		fields = append(fields, fieldWrite{
			field:     taskID + ":" + strconv.Itoa(w.Idx),
			data:      enc,
			overwrite: w.Overwrite,
		})
	}

	key := s.writesKey(cfg.ThreadID, cfg.Namespace, cfg.CheckpointID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, f := range fields {
			if f.overwrite {
				pipe.HSet(ctx, key, f.field, f.data)
			} else {
				pipe.HSetNX(ctx, key, f.field, f.data)
			}
		}
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save writes to redis: %w", err)
	}
	return nil
}

// deleteThreadScript removes a thread's namespaces, indexes, checkpoints and
// writes, then drops it from the thread index. Running it as one script keeps
// a concurrent Put either wholly before or wholly after the purge.
//
// KEYS[1] namespaces set, KEYS[2] thread index; ARGV[1] key prefix of the
// thread, ARGV[2] thread id.
var deleteThreadScript = redis.NewScript(`
local removed = 0
for _, ns in ipairs(redis.call('SMEMBERS', KEYS[1])) do
	local base = ARGV[1] .. ns .. ':'
	local ids = base .. 'ids'
	for _, id in ipairs(redis.call('ZRANGE', ids, 0, -1)) do
		removed = removed + redis.call('DEL', base .. 'cp:' .. id, base .. 'writes:' .. id)
	end
	removed = removed + redis.call('DEL', ids)
end
removed = removed + redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[2])
return removed
`)

// DeleteThread removes every key belonging to the thread, in all namespaces.
func (s *RedisSaver) DeleteThread(ctx context.Context, threadID string) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	keys := []string{s.namespacesKey(threadID), s.threadsKey()}
	removed, err := deleteThreadScript.Run(ctx, s.client, keys, s.threadPrefix(threadID), threadID).Int64()
	if err != nil {
		return fmt.Errorf("failed to delete thread %s: %w", threadID, err)
	}
	s.logger.Debug("deleted thread %s (%d keys)", threadID, removed)
	return nil
}

// Close closes the client
func (s *RedisSaver) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.client.Close()
	})
	return err
}

func (s *RedisSaver) check(ctx context.Context) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	return ctx.Err()
}

// load reads one checkpoint with its pending writes; a missing hash yields nil.
func (s *RedisSaver) load(ctx context.Context, cfg store.Config) (*store.Tuple, error) {
	fields, err := s.client.HGetAll(ctx, s.checkpointKey(cfg.ThreadID, cfg.Namespace, cfg.CheckpointID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load checkpoint from redis: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	cp, err := store.LoadCheckpoint(s.serde, fields["type"], []byte(fields["checkpoint"]))
	if err != nil {
		return nil, err
	}
	md, err := store.UnmarshalMetadata([]byte(fields["metadata"]))
	if err != nil {
		return nil, err
	}
	writes, err := s.pendingWrites(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &store.Tuple{
		Config:        cfg,
		Checkpoint:    cp,
		Metadata:      md,
		ParentConfig:  store.ParentConfig(cfg, fields["parent"]),
		PendingWrites: writes,
	}, nil
}

func (s *RedisSaver) pendingWrites(ctx context.Context, cfg store.Config) ([]store.PendingWrite, error) {
	raw, err := s.client.HVals(ctx, s.writesKey(cfg.ThreadID, cfg.Namespace, cfg.CheckpointID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load pending writes: %w", err)
	}

	stored := make([]storedWrite, 0, len(raw))
	for _, r := range raw {
		var w storedWrite
		if err := json.Unmarshal([]byte(r), &w); err != nil {
			return nil, fmt.Errorf("failed to decode pending write: %w", err)
		}
		stored = append(stored, w)
	}
	slices.SortFunc(stored, func(a, b storedWrite) int {
		return cmp.Or(cmp.Compare(a.TaskID, b.TaskID), cmp.Compare(a.Idx, b.Idx))
	})

	var writes []store.PendingWrite
	for _, w := range stored {
		v, err := s.serde.LoadsTyped(w.Type, w.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize write for channel %s: %w", w.Channel, err)
		}
		writes = append(writes, store.PendingWrite{TaskID: w.TaskID, Channel: w.Channel, Value: v})
	}
	return writes, nil
}
