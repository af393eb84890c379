package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestRunnerFlushesOnTick(t *testing.T) {
	flushed := make(chan []Envelope, 4)
	q, err := New(Options{
		Name:       "ticking",
		HoldLength: 20 * time.Millisecond,
		Logger:     testLogger(),
		Flusher: FlusherFunc(func(ctx context.Context, batch []Envelope) (json.RawMessage, error) {
			flushed <- batch
			return nil, nil
		}),
	})
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if err := q.Start(ctx); err == nil {
		t.Fatal("expected error on second start")
	}

	q.Add(pc("tick"))
	select {
	case batch := <-flushed:
		if got := themes(batch); !equal(got, []string{"tick"}) {
			t.Fatalf("unexpected batch %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for periodic flush")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := q.Stop(stopCtx); err != nil {
		t.Fatalf("failed to stop: %v", err)
	}
	// Second stop is a no-op.
	if err := q.Stop(stopCtx); err != nil {
		t.Fatalf("second stop failed: %v", err)
	}
}

func TestRequestFlushTriggersImmediateFlush(t *testing.T) {
	flushed := make(chan int, 4)
	q, err := New(Options{
		Name:       "on-demand",
		HoldLength: time.Hour,
		Logger:     testLogger(),
		Flusher: FlusherFunc(func(ctx context.Context, batch []Envelope) (json.RawMessage, error) {
			flushed <- len(batch)
			return nil, nil
		}),
	})
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}

	// Requests before Start are merged and never block.
	q.RequestFlush()
	q.RequestFlush()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Add(pc("now"))
	if err := q.Start(ctx); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	select {
	case n := <-flushed:
		if n != 1 {
			t.Fatalf("expected 1 message, got %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for requested flush")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := q.Stop(stopCtx); err != nil {
		t.Fatalf("failed to stop: %v", err)
	}
}

func TestFlushTimeoutBoundsHungRequest(t *testing.T) {
	q, err := New(Options{
		Name:         "hung",
		FlushTimeout: 30 * time.Millisecond,
		Logger:       testLogger(),
		Flusher: FlusherFunc(func(ctx context.Context, batch []Envelope) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	q.Add(pc("stuck"))

	done := make(chan Result, 1)
	go func() { done <- q.flushOnce(context.Background()) }()

	select {
	case res := <-done:
		if res.Outcome != OutcomeFailure {
			t.Fatalf("expected failure, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("flush timeout did not fire")
	}
	if q.IsEmpty() {
		t.Fatal("timed-out batch must be kept")
	}
	// The guard is released so the next flush reaches the flusher again.
	if res := q.flushOnce(context.Background()); res.Outcome != OutcomeFailure {
		t.Fatal("in-flight guard not released after timeout")
	}
}

func TestStopBeforeStart(t *testing.T) {
	q := newTestQueue(t, &recordingFlusher{}, nil)
	if err := q.Stop(context.Background()); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}
