// Package buffer provides the durable local store that mirrors queue
// contents so pending messages survive a reload or restart.
package buffer

import (
	"context"
)

// Storage is a small key-value contract. Each queue owns its keys
// exclusively; no two queues may share a key.
type Storage interface {
	// Get returns the stored value, or nil with no error if the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set replaces the value stored under key.
	Set(ctx context.Context, key string, value []byte) error

	// HealthCheck verifies the backend is reachable and functioning.
	HealthCheck(ctx context.Context) error

	// Close releases resources.
	Close() error
}
