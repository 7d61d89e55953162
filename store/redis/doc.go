// Package redis stores checkpoints and pending writes in Redis.
//
// Each thread's keys carry the thread id as a hash tag, so the multi-key
// transactions used by Put, PutWrites and DeleteThread stay within one slot.
// Checkpoint ids are kept in a sorted set scored 0 and read in lexical order,
// which for the time-ordered ids used here is creation order.
//
//	saver, err := redis.NewRedisSaver(redis.RedisOptions{
//		Addr: "localhost:6379",
//		TTL:  24 * time.Hour, // optional
//	})
//	if err != nil {
//		return err
//	}
//	defer saver.Close()
package redis
