package counter

import (
	"context"
	"sync"

	"github.com/spaolacci/murmur3"
)

// MachineCounter tracks the number of non-terminal sessions per kiosk.
// Acquire and the ceiling check are a single atomic step. The in-memory
// implementation serves a single instance; a shared-cache implementation
// satisfies the same interface for multi-instance deployment.
type MachineCounter interface {
	// TryAcquire reserves a session slot for the machine if the current
	// count is below ceiling.
	TryAcquire(ctx context.Context, machineID string, ceiling int) (bool, error)

	// Release frees one slot. Callers must release exactly once per
	// terminalized session.
	Release(ctx context.Context, machineID string) error

	Count(ctx context.Context, machineID string) (int, error)

	// Reset forces the counter to value. Administrative only; used to
	// correct drift against the session store.
	Reset(ctx context.Context, machineID string, value int) error
}

const counterShards = 32

// ShardedCounter is the in-memory MachineCounter, sharded by machine id
// hash to keep contention off a single mutex.
type ShardedCounter struct {
	shards [counterShards]*countShard
}

type countShard struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewShardedCounter() *ShardedCounter {
	c := &ShardedCounter{}
	for i := range c.shards {
		c.shards[i] = &countShard{counts: make(map[string]int)}
	}
	return c
}

func (c *ShardedCounter) shardFor(machineID string) *countShard {
	return c.shards[murmur3.Sum32([]byte(machineID))%counterShards]
}

func (c *ShardedCounter) TryAcquire(_ context.Context, machineID string, ceiling int) (bool, error) {
	shard := c.shardFor(machineID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if shard.counts[machineID] >= ceiling {
		return false, nil
	}
	shard.counts[machineID]++
	return true, nil
}

func (c *ShardedCounter) Release(_ context.Context, machineID string) error {
	shard := c.shardFor(machineID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if shard.counts[machineID] > 0 {
		shard.counts[machineID]--
	}
	if shard.counts[machineID] == 0 {
		delete(shard.counts, machineID)
	}
	return nil
}

func (c *ShardedCounter) Count(_ context.Context, machineID string) (int, error) {
	shard := c.shardFor(machineID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return shard.counts[machineID], nil
}

func (c *ShardedCounter) Reset(_ context.Context, machineID string, value int) error {
	shard := c.shardFor(machineID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if value <= 0 {
		delete(shard.counts, machineID)
		return nil
	}
	shard.counts[machineID] = value
	return nil
}
