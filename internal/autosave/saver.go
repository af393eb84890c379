// Package autosave stores small reader-state values (reading position,
// highlights, open panels) through a queue and reads them back.
package autosave

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/clusive/readerqueue/internal/api"
	"github.com/clusive/readerqueue/internal/events"
	"github.com/clusive/readerqueue/internal/queue"
)

// ErrNotFound is returned by Retrieve when nothing has been saved for a key.
var ErrNotFound = errors.New("autosave not found")

// Fetcher reads a saved value from the server.
type Fetcher interface {
	GetAutosave(ctx context.Context, key string) (json.RawMessage, error)
}

// Saver queues autosave values and reads them back.
type Saver struct {
	queue   *queue.Queue
	fetcher Fetcher
	logger  *slog.Logger
}

// New creates a Saver. Retrieve falls back to fetcher when nothing for the
// key is queued.
func New(q *queue.Queue, fetcher Fetcher, logger *slog.Logger) *Saver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Saver{queue: q, fetcher: fetcher, logger: logger.With("component", "autosave")}
}

// Save queues value under key.
func (s *Saver) Save(key string, value json.RawMessage, info *events.ReaderInfo) error {
	msg := events.Autosave(key, value, info)
	if err := events.Validate(msg); err != nil {
		return err
	}
	s.queue.Add(msg)
	return nil
}

// Retrieve returns the newest value saved under key, preferring one still
// waiting in the queue.
func (s *Saver) Retrieve(ctx context.Context, key string) (json.RawMessage, error) {
	env, ok := s.queue.Latest(func(m events.Message) bool {
		return m.Type == events.TypeAutosave && m.Key == key
	})
	if ok {
		return env.Message.Value, nil
	}

	value, err := s.fetcher.GetAutosave(ctx, key)
	if errors.Is(err, api.ErrNotFound) {
		s.logger.Debug("no autosave on server", "key", key)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve autosave %q: %w", key, err)
	}
	if len(value) == 0 || string(value) == "null" {
		return nil, ErrNotFound
	}
	return value, nil
}
