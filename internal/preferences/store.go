// Package preferences is a read-through cache of the reader's preferences.
// Reads prefer changes still waiting in the local queue, then a recent server
// response, and only then go to the network. Writes are queued, never sent
// directly.
package preferences

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/clusive/readerqueue/internal/api"
	"github.com/clusive/readerqueue/internal/events"
	"github.com/clusive/readerqueue/internal/metrics"
	"github.com/clusive/readerqueue/internal/queue"
	"github.com/google/uuid"
)

// DefaultDebounceWindow is how long a server response is reused.
const DefaultDebounceWindow = time.Second

// ErrRequestInFlight is returned by Get while an earlier network read has not
// finished. Callers should retry later; it is not a user-facing error.
var ErrRequestInFlight = errors.New("preference request already in flight")

// Source is the server side of the store.
type Source interface {
	GetPreferences(ctx context.Context) (events.Preferences, error)
	Adopt(ctx context.Context, preset string, eventID string) (events.Preferences, error)
}

// Options configures a Store.
type Options struct {
	// Queue carries preference changes to the server. It should hold only
	// messages this store can read back.
	Queue  *queue.Queue
	Source Source

	DebounceWindow time.Duration
	// Initial is the baseline that the first Set merges over.
	Initial events.Preferences

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   func() time.Time
}

// Store reads and writes one reader's preferences.
type Store struct {
	queue    *queue.Queue
	source   Source
	debounce time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
	clock    func() time.Time

	mu              sync.Mutex
	baseline        events.Preferences
	lastResponse    events.Preferences
	lastRequestTime time.Time
	hasResponse     bool
	inFlight        bool
	listeners       []func(events.Preferences)
}

// New creates a store on top of q.
func New(opts Options) (*Store, error) {
	if opts.Queue == nil {
		return nil, errors.New("preference queue is required")
	}
	if opts.Source == nil {
		return nil, errors.New("preference source is required")
	}
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = DefaultDebounceWindow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	baseline := events.Preferences{}
	maps.Copy(baseline, opts.Initial)

	return &Store{
		queue:    opts.Queue,
		source:   opts.Source,
		debounce: opts.DebounceWindow,
		logger:   opts.Logger.With("component", "preferences"),
		metrics:  opts.Metrics,
		clock:    opts.Clock,
		baseline: baseline,
	}, nil
}

func isPreferenceChange(m events.Message) bool {
	return m.Type == events.TypePreferenceChange
}

// Get returns the reader's current preferences.
//
// A preference change still in the queue wins over anything the server
// says. Otherwise a server response younger than the debounce window is
// reused. Otherwise the server is asked, unless a request is already
// running, in which case ErrRequestInFlight is returned. A 404 from the
// server means nothing is stored yet and yields an empty set.
func (s *Store) Get(ctx context.Context) (events.Preferences, error) {
	if env, ok := s.queue.Latest(isPreferenceChange); ok {
		s.metrics.PreferenceRead("pending")
		return maps.Clone(env.Message.Preferences), nil
	}

	s.mu.Lock()
	if s.hasResponse && s.clock().Sub(s.lastRequestTime) < s.debounce {
		prefs := maps.Clone(s.lastResponse)
		s.mu.Unlock()
		s.metrics.PreferenceRead("cache")
		return prefs, nil
	}
	if s.inFlight {
		s.mu.Unlock()
		s.metrics.PreferenceRead("in_flight")
		return nil, ErrRequestInFlight
	}
	s.inFlight = true
	s.mu.Unlock()

	prefs, err := s.source.GetPreferences(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false

	if errors.Is(err, api.ErrNotFound) {
		s.metrics.PreferenceRead("network")
		s.logger.Debug("no preferences stored on server yet")
		return events.Preferences{}, nil
	}
	if err != nil {
		s.metrics.PreferenceRead("error")
		return nil, fmt.Errorf("failed to read preferences: %w", err)
	}

	if prefs == nil {
		prefs = events.Preferences{}
	}
	s.lastResponse = prefs
	s.lastRequestTime = s.clock()
	s.hasResponse = true
	s.baseline = maps.Clone(prefs)
	s.metrics.PreferenceRead("network")
	return maps.Clone(prefs), nil
}

// Set merges prefs over the current baseline and queues the result as a
// preference change. The merged set becomes the new baseline.
func (s *Store) Set(prefs events.Preferences) events.Preferences {
	s.mu.Lock()
	merged := s.baseline.Merge(prefs)
	s.baseline = merged
	s.mu.Unlock()

	s.queue.Add(events.PreferenceChange(maps.Clone(merged)))
	return maps.Clone(merged)
}

// Adopt asks the server to apply a named preset, merges the preset over the
// current preferences, queues the result and notifies subscribers with the
// preset's values.
func (s *Store) Adopt(ctx context.Context, preset string) (events.Preferences, error) {
	adopted, err := s.source.Adopt(ctx, preset, uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("failed to adopt preset %q: %w", preset, err)
	}

	current, err := s.Get(ctx)
	switch {
	case errors.Is(err, ErrRequestInFlight):
		s.mu.Lock()
		current = maps.Clone(s.baseline)
		s.mu.Unlock()
	case err != nil:
		return nil, err
	}

	merged := current.Merge(adopted)
	s.mu.Lock()
	s.baseline = merged
	listeners := append([]func(events.Preferences){}, s.listeners...)
	s.mu.Unlock()

	s.queue.Add(events.PreferenceChange(maps.Clone(merged)))
	s.logger.Info("preference preset adopted", "preset", preset, "keys", len(adopted))

	for _, fn := range listeners {
		fn(maps.Clone(adopted))
	}
	return maps.Clone(merged), nil
}

// Subscribe registers fn to receive the values of every adopted preset.
func (s *Store) Subscribe(fn func(events.Preferences)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}
