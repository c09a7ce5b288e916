package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"vending-service/internal/client"
)

const machineCounterPrefix = "vending_machine_count:"

// tryAcquireScript makes the ceiling check and the increment one atomic
// step across service replicas.
const tryAcquireScript = `
	local key = KEYS[1]
	local ceiling = tonumber(ARGV[1])
	local current = tonumber(redis.call('GET', key) or '0')
	if current >= ceiling then
		return 0
	end
	redis.call('INCR', key)
	return 1
`

const releaseScript = `
	local key = KEYS[1]
	local current = tonumber(redis.call('GET', key) or '0')
	if current > 0 then
		redis.call('DECR', key)
	end
	return 1
`

// MachineCounter is the shared-cache counter.MachineCounter used when
// multiple service instances front the same kiosk fleet.
type MachineCounter struct {
	client *client.RedisClient
}

func NewMachineCounter(redisClient *client.RedisClient) *MachineCounter {
	return &MachineCounter{client: redisClient}
}

func (c *MachineCounter) TryAcquire(ctx context.Context, machineID string, ceiling int) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := c.client.Eval(ctx, tryAcquireScript,
		[]string{machineCounterPrefix + machineID}, ceiling)
	if err != nil {
		return false, fmt.Errorf("failed to acquire machine slot: %w", err)
	}
	acquired, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected result from acquire script")
	}
	return acquired == 1, nil
}

func (c *MachineCounter) Release(ctx context.Context, machineID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := c.client.Eval(ctx, releaseScript,
		[]string{machineCounterPrefix + machineID}); err != nil {
		return fmt.Errorf("failed to release machine slot: %w", err)
	}
	return nil
}

func (c *MachineCounter) Count(ctx context.Context, machineID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	val, err := c.client.Get(ctx, machineCounterPrefix+machineID)
	if err != nil {
		if err == client.ErrKeyNotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read machine counter: %w", err)
	}
	count, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid counter format: %w", err)
	}
	return count, nil
}

func (c *MachineCounter) Reset(ctx context.Context, machineID string, value int) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := machineCounterPrefix + machineID
	if value <= 0 {
		return c.client.Del(ctx, key)
	}
	return c.client.Set(ctx, key, value, 0)
}
