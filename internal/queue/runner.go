package queue

import (
	"context"
	"errors"
	"time"
)

// Start runs the flush loop: every hold length, and whenever RequestFlush is
// called, the queue is emptied. The tick fires even when nothing is pending.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return errors.New("queue already started")
	}
	q.started = true
	q.mu.Unlock()

	q.logger.Info("Starting flush loop",
		"hold_length", q.holdLength,
		"flush_timeout", q.flushTimeout,
	)

	go func() {
		defer close(q.doneCh)

		ticker := time.NewTicker(q.holdLength)
		defer ticker.Stop()

		for {
			select {
			case <-q.stopCh:
				q.logger.Info("Flush loop stopping")
				return
			case <-ctx.Done():
				q.logger.Info("Flush loop context done", "error", ctx.Err())
				return
			case <-ticker.C:
				q.flushOnce(ctx)
			case <-q.flushCh:
				q.flushOnce(ctx)
			}
		}
	}()
	return nil
}

func (q *Queue) flushOnce(ctx context.Context) Result {
	if q.flushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.flushTimeout)
		defer cancel()
	}
	return q.Empty(ctx)
}

// RequestFlush asks the running loop to flush as soon as possible. It never
// blocks; requests made while one is already waiting are merged.
func (q *Queue) RequestFlush() {
	select {
	case q.flushCh <- struct{}{}:
	default:
	}
}

// Stop ends the flush loop and waits for a running flush to return.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	started := q.started
	q.mu.Unlock()
	if !started {
		return nil
	}

	select {
	case <-q.stopCh:
		// already closed
	default:
		close(q.stopCh)
	}

	select {
	case <-q.doneCh:
		q.logger.Info("Flush loop stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
