// Package store defines the checkpoint persistence contract used by the graph engine.
//
// A checkpoint is addressed by (thread id, namespace, checkpoint id). Checkpoint
// ids are UUIDv7 strings, so "latest" is simply the greatest id in a thread and
// namespace. Each checkpoint records the id of the checkpoint it was derived
// from, which gives every thread a causal chain.
//
// Tasks persist their output as pending writes against the checkpoint they ran
// from. Writes are keyed by (task id, index). Channels listed in
// ReservedChannels always use their fixed negative index and replace earlier
// values; every other channel uses the write's position in the batch and keeps
// the first value stored there.
//
// Backends live in subpackages:
//
//   - store/postgres: PostgreSQL via pgx
//   - store/sqlite: SQLite via mattn/go-sqlite3
//   - store/redis: Redis via go-redis
//   - store/memory: in-process maps, for tests and single-process use
//
// All of them are checked by the shared suite in store/storetest.
package store
