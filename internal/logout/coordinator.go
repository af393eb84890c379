// Package logout holds every queue's logout flush to one barrier. Navigation
// away from the page is released only after each registered queue has
// reported that its flush finished.
package logout

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/clusive/readerqueue/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// ErrInProgress is returned when Logout is called while an earlier logout
// is still waiting on its queues.
var ErrInProgress = errors.New("logout already in progress")

// Participant is a queue taking part in logout coordination. LogoutFlush
// must call Complete on the coordinator exactly once, whatever the outcome.
type Participant interface {
	Name() string
	LogoutFlush(ctx context.Context)
}

// State is the user-visible phase of a logout.
type State string

const (
	StateSaving     State = "saving"
	StateLoggingOut State = "logging_out"
)

// Status is published to subscribers as a logout progresses.
type Status struct {
	State State
	Text  string
	URL   string
}

// Coordinator counts registered queues and completed flushes for the
// current logout. completedFlushes never exceeds numberOfQueues within one
// logout, and navigation proceeds once they are equal.
type Coordinator struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu               sync.Mutex
	participants     []Participant
	numberOfQueues   int
	completedFlushes int
	expected         int
	active           bool
	proceeded        bool
	aborted          bool
	proceedCh        chan struct{}
	url              string
	listeners        []func(Status)
}

// New creates an empty coordinator. Create one per page/process and pass it
// to every queue.
func New(logger *slog.Logger, m *metrics.Metrics) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{logger: logger, metrics: m}
}

// Register adds a queue to the barrier. Queues register once, at construction.
// A queue registered during a logout takes part from the next one.
func (c *Coordinator) Register(p Participant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.participants = append(c.participants, p)
	c.numberOfQueues++
	c.logger.Debug("queue registered for logout flush", "queue", p.Name(), "queues", c.numberOfQueues)
}

// Subscribe registers fn to receive logout status changes.
func (c *Coordinator) Subscribe(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Counts returns the number of registered queues and the completed flushes
// of the current (or last) logout.
func (c *Coordinator) Counts() (queues int, completed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.numberOfQueues, c.completedFlushes
}

// Proceeded reports whether the current (or last) logout released navigation.
func (c *Coordinator) Proceeded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proceeded
}

// Complete records that the named queue finished its logout flush.
// Calls outside a logout are ignored.
func (c *Coordinator) Complete(name string) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		c.logger.Debug("flush completion outside logout ignored", "queue", name)
		return
	}
	if c.completedFlushes < c.expected {
		c.completedFlushes++
	}
	c.logger.Debug("logout flush complete for queue",
		"queue", name,
		"completed", c.completedFlushes,
		"queues", c.expected,
	)
	status, released := c.checkLocked()
	c.mu.Unlock()

	if released {
		c.publish(status)
	}
}

// checkLocked releases navigation the first time every queue of the current
// logout has completed. With no queues it releases immediately. A logout
// whose context ended is never released.
func (c *Coordinator) checkLocked() (Status, bool) {
	if c.proceeded || c.aborted || c.completedFlushes < c.expected {
		return Status{}, false
	}
	c.proceeded = true
	close(c.proceedCh)
	c.metrics.LogoutCompleted()
	c.logger.Info("all queues flushed, proceeding with logout", "queues", c.expected)
	return Status{State: StateLoggingOut, Text: "Logging out", URL: c.url}, true
}

// Logout intercepts navigation to url: every registered queue flushes
// concurrently and Logout returns once all of them have reported completion.
// A queue whose flush fails still completes; its data stays in the local
// buffer. If ctx ends first, Logout returns ctx.Err() and navigation is
// left to the caller.
func (c *Coordinator) Logout(ctx context.Context, url string) error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return ErrInProgress
	}
	c.active = true
	c.proceeded = false
	c.aborted = false
	c.completedFlushes = 0
	c.proceedCh = make(chan struct{})
	c.url = url
	participants := slices.Clone(c.participants)
	c.expected = len(participants)
	proceedCh := c.proceedCh
	c.mu.Unlock()

	c.logger.Info("logout requested, flushing queues", "queues", len(participants))
	c.publish(Status{State: StateSaving, Text: "Saving changes...", URL: url})

	c.mu.Lock()
	status, released := c.checkLocked()
	c.mu.Unlock()
	if released {
		c.publish(status)
	}

	var g errgroup.Group
	for _, p := range participants {
		g.Go(func() error {
			p.LogoutFlush(ctx)
			return nil
		})
	}

	var err error
	select {
	case <-proceedCh:
	case <-ctx.Done():
		c.mu.Lock()
		if !c.proceeded {
			c.aborted = true
			err = ctx.Err()
		}
		c.mu.Unlock()
		if err != nil {
			c.logger.Warn("logout flush interrupted", "error", err)
		}
	}
	_ = g.Wait()

	c.mu.Lock()
	c.active = false
	c.mu.Unlock()
	return err
}

func (c *Coordinator) publish(s Status) {
	c.mu.Lock()
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
}
