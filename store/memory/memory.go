package memory

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/smallnest/chatgraph/store"
)

type checkpointKey struct {
	threadID string
	ns       string
	id       string
}

type writeKey struct {
	taskID string
	idx    int
}

type storedCheckpoint struct {
	parentID string
	typ      string
	data     []byte
	metadata []byte
}

type storedWrite struct {
	channel string
	typ     string
	data    []byte
}

// MemorySaver implements store.Saver with in-process maps. Values are kept
// serialized so callers never share state with the saver.
type MemorySaver struct {
	mu          sync.RWMutex
	checkpoints map[checkpointKey]storedCheckpoint
	writes      map[checkpointKey]map[writeKey]storedWrite

	serde    store.Serializer
	reserved store.ReservedChannels
	closed   atomic.Bool
}

// MemoryOptions configures a MemorySaver
type MemoryOptions struct {
	Serializer       store.Serializer
	ReservedChannels store.ReservedChannels
}

var _ store.Saver = (*MemorySaver)(nil)

// NewMemorySaver creates an empty in-memory saver
func NewMemorySaver(opts MemoryOptions) *MemorySaver {
	s := &MemorySaver{
		checkpoints: make(map[checkpointKey]storedCheckpoint),
		writes:      make(map[checkpointKey]map[writeKey]storedWrite),
		serde:       opts.Serializer,
		reserved:    opts.ReservedChannels,
	}
	if s.serde == nil {
		s.serde = store.NewJSONSerializer(nil)
	}
	if s.reserved == nil {
		s.reserved = store.DefaultReservedChannels()
	}
	return s
}

// Setup is a no-op for the in-memory saver.
func (s *MemorySaver) Setup(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemorySaver) GetTuple(ctx context.Context, cfg store.Config) (*store.Tuple, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	key := checkpointKey{threadID: cfg.ThreadID, ns: cfg.Namespace, id: cfg.CheckpointID}
	if cfg.CheckpointID == "" {
		for k := range s.checkpoints {
			if k.threadID == cfg.ThreadID && k.ns == cfg.Namespace && k.id > key.id {
				key = k
			}
		}
		if key.id == "" {
			return nil, nil
		}
	}

	stored, ok := s.checkpoints[key]
	if !ok {
		return nil, nil
	}
	return s.tuple(key, stored)
}

func (s *MemorySaver) List(ctx context.Context, cfg *store.Config, opts store.ListOptions) iter.Seq2[*store.Tuple, error] {
	return func(yield func(*store.Tuple, error) bool) {
		if err := s.check(ctx); err != nil {
			yield(nil, err)
			return
		}

		s.mu.RLock()
		keys := make([]checkpointKey, 0, len(s.checkpoints))
		for k := range s.checkpoints {
			if cfg != nil {
				if cfg.ThreadID != "" && k.threadID != cfg.ThreadID {
					continue
				}
				if cfg.ThreadID != "" && k.ns != cfg.Namespace {
					continue
				}
				if cfg.CheckpointID != "" && k.id != cfg.CheckpointID {
					continue
				}
			}
			if opts.Before != nil && opts.Before.CheckpointID != "" && k.id >= opts.Before.CheckpointID {
				continue
			}
			keys = append(keys, k)
		}
		s.mu.RUnlock()

		slices.SortFunc(keys, func(a, b checkpointKey) int {
			return cmp.Or(
				cmp.Compare(b.id, a.id),
				cmp.Compare(a.threadID, b.threadID),
				cmp.Compare(a.ns, b.ns),
			)
		})

		emitted := 0
		for _, k := range keys {
			if opts.Limit > 0 && emitted >= opts.Limit {
				return
			}
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			s.mu.RLock()
			stored, ok := s.checkpoints[k]
			var tup *store.Tuple
			var err error
			if ok {
				tup, err = s.tuple(k, stored)
			}
			s.mu.RUnlock()
			if !ok {
				continue
			}
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
	}
}

func (s *MemorySaver) Put(ctx context.Context, cfg store.Config, cp *store.Checkpoint, md store.Metadata, _ map[string]int64) (store.Config, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	key := checkpointKey{threadID: cfg.ThreadID, ns: cfg.Namespace, id: cp.ID}
	s.checkpoints[key] = storedCheckpoint{
		parentID: cfg.CheckpointID,
		typ:      typ,
		data:     data,
		metadata: mdData,
	}
	return cfg.WithCheckpointID(cp.ID), nil
}

func (s *MemorySaver) PutWrites(ctx context.Context, cfg store.Config, writes []store.Write, taskID, _ string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.CheckpointID == "" {
		return store.ErrCheckpointIDRequired
	}

	resolved := s.reserved.Resolve(writes)
	encoded := make([]storedWrite, len(resolved))
	for i, w := range resolved {
		typ, data, err := s.serde.DumpsTyped(w.Value)
		if err != nil {
			return fmt.Errorf("failed to serialize write for channel %s: %w", w.Channel, err)
		}
		encoded[i] = storedWrite{channel: w.Channel, typ: typ, data: data}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := checkpointKey{threadID: cfg.ThreadID, ns: cfg.Namespace, id: cfg.CheckpointID}
	bucket, ok := s.writes[key]
	if !ok {
		bucket = make(map[writeKey]storedWrite)
		s.writes[key] = bucket
	}
	for i, w := range resolved {
		wk := writeKey{taskID: taskID, idx: w.Idx}
		if _, exists := bucket[wk]; exists && !w.Overwrite {
			continue
		}
		bucket[wk] = encoded[i]
	}
	return nil
}

func (s *MemorySaver) DeleteThread(ctx context.Context, threadID string) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.checkpoints {
		if k.threadID == threadID {
			delete(s.checkpoints, k)
		}
	}
	for k := range s.writes {
		if k.threadID == threadID {
			delete(s.writes, k)
		}
	}
	return nil
}

// Close marks the saver closed. Subsequent operations return store.ErrClosed.
func (s *MemorySaver) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *MemorySaver) check(ctx context.Context) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	return ctx.Err()
}

// tuple must be called with s.mu held.
func (s *MemorySaver) tuple(key checkpointKey, stored storedCheckpoint) (*store.Tuple, error) {
	cp, err := store.LoadCheckpoint(s.serde, stored.typ, stored.data)
	if err != nil {
		return nil, err
	}
	md, err := store.UnmarshalMetadata(stored.metadata)
	if err != nil {
		return nil, err
	}

	cfg := store.Config{ThreadID: key.threadID, Namespace: key.ns, CheckpointID: key.id}
	tup := &store.Tuple{
		Config:       cfg,
		Checkpoint:   cp,
		Metadata:     md,
		ParentConfig: store.ParentConfig(cfg, stored.parentID),
	}

	bucket := s.writes[key]
	wkeys := make([]writeKey, 0, len(bucket))
	for wk := range bucket {
		wkeys = append(wkeys, wk)
	}
	slices.SortFunc(wkeys, func(a, b writeKey) int {
		return cmp.Or(cmp.Compare(a.taskID, b.taskID), cmp.Compare(a.idx, b.idx))
	})
	for _, wk := range wkeys {
		w := bucket[wk]
		v, err := s.serde.LoadsTyped(w.typ, w.data)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize write for channel %s: %w", w.channel, err)
		}
		tup.PendingWrites = append(tup.PendingWrites, store.PendingWrite{TaskID: wk.taskID, Channel: w.channel, Value: v})
	}
	return tup, nil
}
