package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// RedisBuffer stores buffer entries as plain Redis strings under a namespace.
// In development mode it runs against an embedded miniredis server.
type RedisBuffer struct {
	server *miniredis.Miniredis // nil when talking to an external Redis
	client *redis.Client
	ns     string

	// operation counters
	readCount  uint64
	writeCount uint64
}

// NewInMemory starts an embedded miniredis and returns a buffer backed by it.
// addr parameter allows specifying the address for miniredis (for testing).
func NewInMemory(namespace string, addr string) (*RedisBuffer, error) {
	s := miniredis.NewMiniRedis()
	if addr != "" {
		if err := s.StartAddr(addr); err != nil {
			return nil, fmt.Errorf("failed to start miniredis at %s: %w", addr, err)
		}
	} else {
		if err := s.Start(); err != nil {
			return nil, fmt.Errorf("failed to start miniredis: %w", err)
		}
	}

	b, err := connect(namespace, s.Addr())
	if err != nil {
		s.Close()
		return nil, err
	}
	b.server = s
	return b, nil
}

// NewRedis connects to an external Redis server.
func NewRedis(namespace string, addr string) (*RedisBuffer, error) {
	return connect(namespace, addr)
}

func connect(namespace, addr string) (*RedisBuffer, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}

	return &RedisBuffer{
		client: client,
		ns:     namespace,
	}, nil
}

func (b *RedisBuffer) key(k string) string {
	return fmt.Sprintf("%s:%s", b.ns, k)
}

// Get returns the value stored under key, or nil if nothing is stored yet.
func (b *RedisBuffer) Get(ctx context.Context, key string) ([]byte, error) {
	atomic.AddUint64(&b.readCount, 1)
	val, err := b.client.Get(ctx, b.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read buffer key %s: %w", key, err)
	}
	return val, nil
}

// Set stores value under key without expiry.
func (b *RedisBuffer) Set(ctx context.Context, key string, value []byte) error {
	if err := b.client.Set(ctx, b.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to write buffer key %s: %w", key, err)
	}
	atomic.AddUint64(&b.writeCount, 1)
	return nil
}

// Stats returns the total number of read and write operations.
func (b *RedisBuffer) Stats() (reads uint64, writes uint64) {
	return atomic.LoadUint64(&b.readCount), atomic.LoadUint64(&b.writeCount)
}

// HealthCheck checks connectivity to Redis.
func (b *RedisBuffer) HealthCheck(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the client and, in development mode, the embedded server.
func (b *RedisBuffer) Close() error {
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}
	if b.server != nil {
		b.server.Close()
	}
	return nil
}
