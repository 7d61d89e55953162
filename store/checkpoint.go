package store

import (
	"context"
	"errors"
	"iter"
	"maps"
	"time"

	"github.com/google/uuid"
)

// DefaultNamespace is the namespace used by callers that do not partition a thread.
const DefaultNamespace = ""

var (
	// ErrMissingConnString is returned by Setup when the store was built without a connection string.
	ErrMissingConnString = errors.New("store: connection string is not set")

	// ErrThreadIDRequired is returned when a config does not carry a thread id.
	ErrThreadIDRequired = errors.New("store: thread id is required")

	// ErrCheckpointIDRequired is returned by PutWrites when the config does not name a checkpoint.
	ErrCheckpointIDRequired = errors.New("store: checkpoint id is required")

	// ErrClosed is returned by operations on a closed saver.
	ErrClosed = errors.New("store: saver is closed")
)

// Config addresses a checkpoint. An empty CheckpointID means "latest".
type Config struct {
	ThreadID     string `json:"thread_id"`
	Namespace    string `json:"checkpoint_ns"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
}

// Validate checks that the config can address a thread.
func (c Config) Validate() error {
	if c.ThreadID == "" {
		return ErrThreadIDRequired
	}
	return nil
}

// WithCheckpointID returns a copy of c pointing at id.
func (c Config) WithCheckpointID(id string) Config {
	c.CheckpointID = id
	return c
}

// Checkpoint is a snapshot of graph channel state at a superstep boundary.
type Checkpoint struct {
	V               int                         `json:"v"`
	ID              string                      `json:"id"`
	TS              time.Time                   `json:"ts"`
	ChannelValues   map[string]any              `json:"channel_values"`
	ChannelVersions map[string]int64            `json:"channel_versions"`
	VersionsSeen    map[string]map[string]int64 `json:"versions_seen"`
	// Next lists the nodes scheduled to run after this checkpoint.
	Next []string `json:"next,omitempty"`
}

// NewCheckpoint returns an empty checkpoint with a fresh id.
func NewCheckpoint() *Checkpoint {
	return &Checkpoint{
		V:               1,
		ID:              NewCheckpointID(),
		TS:              time.Now().UTC(),
		ChannelValues:   make(map[string]any),
		ChannelVersions: make(map[string]int64),
		VersionsSeen:    make(map[string]map[string]int64),
	}
}

// Copy returns a shallow copy of the checkpoint with its own maps.
func (c *Checkpoint) Copy() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.ChannelValues = maps.Clone(c.ChannelValues)
	out.ChannelVersions = maps.Clone(c.ChannelVersions)
	out.VersionsSeen = make(map[string]map[string]int64, len(c.VersionsSeen))
	for k, v := range c.VersionsSeen {
		out.VersionsSeen[k] = maps.Clone(v)
	}
	out.Next = append([]string(nil), c.Next...)
	return &out
}

// NewCheckpointID returns a time-ordered id. Ids created later sort
// lexically after ids created earlier.
func NewCheckpointID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Metadata is free-form information stored next to a checkpoint.
// The graph engine writes "source", "step" and "writes".
type Metadata map[string]any

// Matches reports whether every key in filter is present in m with an equal value.
func (m Metadata) Matches(filter map[string]any) bool {
	for k, want := range filter {
		got, ok := m[k]
		if !ok || !jsonEqual(got, want) {
			return false
		}
	}
	return true
}

// Write is a single (channel, value) pair produced by a task.
type Write struct {
	Channel string
	Value   any
}

// PendingWrite is a write persisted against a checkpoint but not yet applied.
type PendingWrite struct {
	TaskID  string
	Channel string
	Value   any
}

// Tuple bundles a checkpoint with everything needed to resume from it.
type Tuple struct {
	Config        Config
	Checkpoint    *Checkpoint
	Metadata      Metadata
	ParentConfig  *Config
	PendingWrites []PendingWrite
}

// ListOptions narrows a List call.
type ListOptions struct {
	// Filter keeps only checkpoints whose metadata contains every key/value pair.
	Filter map[string]any
	// Before keeps only checkpoints whose id sorts strictly before Before.CheckpointID.
	Before *Config
	// Limit caps the number of results; zero means unlimited.
	Limit int
}

// Saver persists checkpoints and pending writes.
type Saver interface {
	// Setup prepares the backing store. It is idempotent and safe to call concurrently.
	Setup(ctx context.Context) error

	// GetTuple returns the checkpoint addressed by cfg, or the latest one in the
	// thread/namespace when cfg.CheckpointID is empty. It returns (nil, nil) when
	// nothing matches.
	GetTuple(ctx context.Context, cfg Config) (*Tuple, error)

	// List yields checkpoints newest first. A nil cfg lists across all threads.
	List(ctx context.Context, cfg *Config, opts ListOptions) iter.Seq2[*Tuple, error]

	// Put upserts a checkpoint. cfg.CheckpointID becomes the parent of the new
	// checkpoint, and the returned config points at cp.ID.
	Put(ctx context.Context, cfg Config, cp *Checkpoint, md Metadata, newVersions map[string]int64) (Config, error)

	// PutWrites stores the writes a task produced against cfg's checkpoint.
	PutWrites(ctx context.Context, cfg Config, writes []Write, taskID, taskPath string) error

	// DeleteThread removes every checkpoint and write of a thread across all namespaces.
	DeleteThread(ctx context.Context, threadID string) error

	// Close releases resources. Calling it twice is a no-op.
	Close() error
}

// ParentConfig returns the config of cfg's parent, or nil when parentID is empty.
func ParentConfig(cfg Config, parentID string) *Config {
	if parentID == "" {
		return nil
	}
	p := cfg.WithCheckpointID(parentID)
	return &p
}
