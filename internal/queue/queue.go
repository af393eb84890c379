// Package queue buffers outgoing messages locally and flushes them to the
// server in insertion order, retrying failed batches on the next tick.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/clusive/readerqueue/internal/buffer"
	"github.com/clusive/readerqueue/internal/events"
	"github.com/clusive/readerqueue/internal/logout"
	"github.com/clusive/readerqueue/internal/metrics"
	"github.com/google/uuid"
)

// TimestampFormat is ISO-8601 with millisecond precision.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// DebugHoldLengthKey is a global buffer key; when it holds a positive number
// of milliseconds it overrides every queue's flush interval.
const DebugHoldLengthKey = "debug:holdLength"

// DefaultHoldLength is the flush interval of a plain queue.
const DefaultHoldLength = 60 * time.Second

// Envelope is a message as wrapped at enqueue time. It is never modified
// after creation.
type Envelope struct {
	Message   events.Message `json:"message"`
	Timestamp string         `json:"timestamp"`
	EventID   string         `json:"eventId"`
	Username  string         `json:"username,omitempty"`
}

// Flusher delivers one batch. An empty batch is never passed in.
type Flusher interface {
	Flush(ctx context.Context, batch []Envelope) (json.RawMessage, error)
}

// FlusherFunc adapts a function to Flusher.
type FlusherFunc func(ctx context.Context, batch []Envelope) (json.RawMessage, error)

func (f FlusherFunc) Flush(ctx context.Context, batch []Envelope) (json.RawMessage, error) {
	return f(ctx, batch)
}

// ErrNoIdentity is returned by a Flusher that refuses to send without an
// authenticated user. The batch is kept and no failure is reported.
var ErrNoIdentity = errors.New("no authenticated user")

// Options configures a Queue.
type Options struct {
	// Name is the queue's buffer key. Each queue needs its own.
	Name    string
	Flusher Flusher
	Buffer  buffer.Storage

	// HoldLength is the flush interval; zero means DefaultHoldLength.
	HoldLength time.Duration
	// FlushTimeout bounds each periodic flush; zero means no bound.
	FlushTimeout time.Duration

	// Wrap adjusts each envelope before it is queued.
	Wrap func(*Envelope)

	Coordinator *logout.Coordinator
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Clock       func() time.Time
}

// Queue is an ordered local message buffer. Messages move from pending into
// a sending batch when a flush starts; the batch is dropped on success and
// put back ahead of newer messages on failure.
type Queue struct {
	name         string
	flusher      Flusher
	buf          buffer.Storage
	holdLength   time.Duration
	flushTimeout time.Duration
	wrap         func(*Envelope)
	coordinator  *logout.Coordinator
	logger       *slog.Logger
	metrics      *metrics.Metrics
	clock        func() time.Time

	mu         sync.Mutex
	pending    []Envelope
	sending    []Envelope
	inFlight   bool
	flightDone chan struct{}
	listeners  []func(Result)

	snapshotSeq uint64 // guarded by mu
	writeMu     sync.Mutex
	writtenSeq  uint64 // guarded by writeMu

	flushCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// New creates a queue, restores whatever the buffer holds under its name
// and registers it with the coordinator, if one is given.
func New(opts Options) (*Queue, error) {
	if opts.Name == "" {
		return nil, errors.New("queue name is required")
	}
	if opts.Flusher == nil {
		return nil, errors.New("queue flusher is required")
	}
	if opts.Buffer == nil {
		opts.Buffer = buffer.NewMemory()
	}
	if opts.HoldLength <= 0 {
		opts.HoldLength = DefaultHoldLength
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	q := &Queue{
		name:         opts.Name,
		flusher:      opts.Flusher,
		buf:          opts.Buffer,
		holdLength:   opts.HoldLength,
		flushTimeout: opts.FlushTimeout,
		wrap:         opts.Wrap,
		coordinator:  opts.Coordinator,
		logger:       opts.Logger.With("queue", opts.Name),
		metrics:      opts.Metrics,
		clock:        opts.Clock,
		flushCh:      make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q.restore(ctx)
	q.applyHoldLengthOverride(ctx)

	if q.coordinator != nil {
		q.coordinator.Register(q)
	}
	return q, nil
}

// Name returns the queue's buffer key.
func (q *Queue) Name() string {
	return q.name
}

// HoldLength returns the effective flush interval.
func (q *Queue) HoldLength() time.Duration {
	return q.holdLength
}

func (q *Queue) restore(ctx context.Context) {
	stored, err := Stored(ctx, q.buf, q.name)
	if err != nil {
		q.metrics.BufferError(q.name)
		q.logger.Error("failed to restore local buffer, starting empty", "error", err)
		return
	}
	if len(stored) == 0 {
		return
	}
	q.pending = stored
	q.metrics.Depth(q.name, len(stored))
	q.logger.Info("restored pending messages from local buffer", "messages", len(stored))
}

func (q *Queue) applyHoldLengthOverride(ctx context.Context) {
	raw, err := q.buf.Get(ctx, DebugHoldLengthKey)
	if err != nil || len(raw) == 0 {
		return
	}
	ms, err := strconv.Atoi(string(raw))
	if err != nil || ms <= 0 {
		q.logger.Warn("ignoring invalid hold length override", "value", string(raw))
		return
	}
	q.holdLength = time.Duration(ms) * time.Millisecond
	q.logger.Info("hold length overridden from local buffer", "hold_length", q.holdLength)
}

// Add wraps msg with a timestamp and id, appends it and mirrors the queue to
// the local buffer. It never fails; buffer errors are logged.
func (q *Queue) Add(msg events.Message) {
	env := Envelope{
		Message:   msg,
		Timestamp: q.clock().UTC().Format(TimestampFormat),
		EventID:   uuid.NewString(),
	}
	if q.wrap != nil {
		q.wrap(&env)
	}

	q.mu.Lock()
	q.pending = append(q.pending, env)
	w := q.snapshotLocked()
	q.mu.Unlock()
	q.persist(w)

	q.metrics.Enqueued(q.name)
	q.logger.Debug("message queued", "type", msg.Type, "event_id", env.EventID)
}

// Subscribe registers fn to receive the result of every flush that reached
// the flusher and succeeded or failed.
func (q *Queue) Subscribe(fn func(Result)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, fn)
}

// IsEmpty reports whether nothing is pending and nothing is being sent.
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0 && len(q.sending) == 0
}

// Snapshot returns every unacknowledged envelope in send order: the
// sending batch first, then pending messages.
func (q *Queue) Snapshot() []Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Concat(q.sending, q.pending)
}

// Latest returns the most recently added unacknowledged message for which
// match returns true. Pending messages are newer than the sending batch.
func (q *Queue) Latest(match func(events.Message) bool) (Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, list := range [][]Envelope{q.pending, q.sending} {
		for i := len(list) - 1; i >= 0; i-- {
			if match(list[i].Message) {
				return list[i], true
			}
		}
	}
	return Envelope{}, false
}

// Empty flushes everything pending as one batch. It returns OutcomeInFlight
// without doing anything when a flush is already running, and OutcomeEmpty
// without calling the flusher when there is nothing to send.
func (q *Queue) Empty(ctx context.Context) Result {
	q.mu.Lock()
	if q.inFlight {
		q.mu.Unlock()
		q.metrics.Flush(q.name, string(OutcomeInFlight))
		q.logger.Debug("flush already in flight, skipping")
		return Result{Queue: q.name, Outcome: OutcomeInFlight}
	}
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return Result{Queue: q.name, Outcome: OutcomeEmpty}
	}
	q.sending = q.pending
	q.pending = nil
	q.inFlight = true
	q.flightDone = make(chan struct{})
	batch := slices.Clone(q.sending)
	w := q.snapshotLocked()
	q.mu.Unlock()
	q.persist(w)

	resp, err := q.flusher.Flush(ctx, batch)

	q.mu.Lock()
	res := Result{Queue: q.name, Sent: len(batch)}
	switch {
	case err == nil:
		res.Outcome = OutcomeSuccess
		res.Response = resp
		q.sending = nil
	case errors.Is(err, ErrNoIdentity):
		res.Outcome = OutcomeSkipped
		q.pending = slices.Concat(q.sending, q.pending)
		q.sending = nil
	default:
		res.Outcome = OutcomeFailure
		res.Err = err
		q.pending = slices.Concat(q.sending, q.pending)
		q.sending = nil
	}
	q.inFlight = false
	close(q.flightDone)
	w = q.snapshotLocked()
	listeners := slices.Clone(q.listeners)
	q.mu.Unlock()
	q.persist(w)

	q.metrics.Flush(q.name, string(res.Outcome))
	switch res.Outcome {
	case OutcomeSuccess:
		q.logger.Info("queue flushed", "messages", res.Sent, "response", string(resp))
	case OutcomeSkipped:
		q.logger.Debug("flush skipped without authenticated user", "messages", res.Sent)
		return res
	case OutcomeFailure:
		q.logger.Warn("queue flush failed, batch kept for retry", "messages", res.Sent, "error", err)
	}

	for _, fn := range listeners {
		fn(res)
	}
	return res
}

// LogoutFlush flushes for a logout and reports completion to the
// coordinator whether or not delivery succeeded. A flush already in flight
// is waited for first so its batch is not missed.
func (q *Queue) LogoutFlush(ctx context.Context) {
	defer func() {
		if q.coordinator != nil {
			q.coordinator.Complete(q.name)
		}
	}()

	if q.IsEmpty() {
		q.logger.Debug("queue empty at logout")
		return
	}

	res := q.Empty(ctx)
	if res.Outcome != OutcomeInFlight {
		return
	}

	q.mu.Lock()
	done := q.flightDone
	q.mu.Unlock()
	select {
	case <-done:
	case <-ctx.Done():
		return
	}
	q.Empty(ctx)
}

// bufferWrite is an encoded queue snapshot. seq orders snapshots so an
// older one never overwrites a newer one.
type bufferWrite struct {
	seq  uint64
	data []byte
}

// snapshotLocked encodes sending+pending for the buffer. Caller holds q.mu.
func (q *Queue) snapshotLocked() bufferWrite {
	all := slices.Concat(q.sending, q.pending)
	q.metrics.Depth(q.name, len(all))

	data, err := json.Marshal(all)
	if err != nil {
		q.logger.Error("failed to encode queue for local buffer", "error", err)
		return bufferWrite{}
	}
	q.snapshotSeq++
	return bufferWrite{seq: q.snapshotSeq, data: data}
}

// persist writes w to the buffer unless a newer snapshot got there first.
// It runs without q.mu so a slow buffer does not stall readers.
func (q *Queue) persist(w bufferWrite) {
	if w.data == nil {
		return
	}
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	if w.seq <= q.writtenSeq {
		return
	}
	q.writtenSeq = w.seq

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.buf.Set(ctx, q.name, w.data); err != nil {
		q.metrics.BufferError(q.name)
		q.logger.Error("failed to write local buffer", "error", err)
	}
}
