package credits

import (
	"context"
	"hash/fnv"
	"sync"
)

// LockTable hands out one exclusive lock per key.
// Keys are routed to shards so the bookkeeping map is not a single
// contention point; two distinct keys never share a lock.
type LockTable struct {
	shards []*lockShard
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// keyLock is a one-slot semaphore so waiters can give up on ctx.
type keyLock struct {
	sem  chan struct{}
	refs int
}

// NewLockTable creates a lock table with the specified shard count
func NewLockTable(shardCount int) *LockTable {
	if shardCount <= 0 {
		shardCount = 1
	}
	shards := make([]*lockShard, shardCount)
	for i := range shards {
		shards[i] = &lockShard{locks: make(map[string]*keyLock)}
	}
	return &LockTable{shards: shards}
}

// Route calculates the shard for a key using FNV-1a
func (t *LockTable) Route(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(t.shards)))
}

// Acquire blocks until the key's lock is held or ctx is done.
// The returned func releases the lock and must be called exactly once.
func (t *LockTable) Acquire(ctx context.Context, key string) (func(), error) {
	// A done ctx never wins the race against a free slot.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	shard := t.shards[t.Route(key)]

	shard.mu.Lock()
	l, ok := shard.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		shard.locks[key] = l
	}
	l.refs++
	shard.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		shard.drop(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			shard.drop(key, l)
		})
	}, nil
}

// Len returns the number of keys currently held or waited on (for testing)
func (t *LockTable) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}

func (s *lockShard) drop(key string, l *keyLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, key)
	}
}
