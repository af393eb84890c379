package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/clusive/readerqueue/internal/buffer"
)

// DefaultServerHoldLength is the flush interval of a server-backed queue.
const DefaultServerHoldLength = 20 * time.Second

// LastReturnSuffix names the buffer key holding a queue's last flush record.
const LastReturnSuffix = ":lastReturn"

// Poster sends one flush payload to the server.
type Poster interface {
	PostMessages(ctx context.Context, payload any) (json.RawMessage, error)
}

// DiagnosticRecord is the raw outcome of the last flush, kept for support.
type DiagnosticRecord struct {
	ReturnMessage json.RawMessage `json:"returnMessage"`
	Timestamp     string          `json:"timestamp"`
}

type flushPayload struct {
	Messages []Envelope `json:"messages"`
	Username string     `json:"username"`
}

// ServerFlusher posts batches to the server on behalf of the current user.
type ServerFlusher struct {
	client   Poster
	username func() string
	buf      buffer.Storage
	key      string
	clock    func() time.Time
	logger   *slog.Logger
}

// Flush posts the whole batch as one payload. Without a username it returns
// ErrNoIdentity and makes no request. The raw response or error is written
// to the buffer's diagnostic slot either way.
func (f *ServerFlusher) Flush(ctx context.Context, batch []Envelope) (json.RawMessage, error) {
	user := f.username()
	if user == "" {
		return nil, ErrNoIdentity
	}

	msgs := make([]Envelope, len(batch))
	for i, env := range batch {
		if env.Username == "" {
			env.Username = user
		}
		msgs[i] = env
	}

	resp, err := f.client.PostMessages(ctx, flushPayload{Messages: msgs, Username: user})
	f.record(resp, err)
	if err != nil {
		return nil, fmt.Errorf("failed to post %d messages: %w", len(batch), err)
	}
	return resp, nil
}

func (f *ServerFlusher) record(resp json.RawMessage, flushErr error) {
	rec := DiagnosticRecord{
		ReturnMessage: resp,
		Timestamp:     f.clock().UTC().Format(TimestampFormat),
	}
	if flushErr != nil {
		msg, _ := json.Marshal(flushErr.Error())
		rec.ReturnMessage = msg
	}
	data, err := json.Marshal(rec)
	if err != nil {
		f.logger.Error("failed to encode flush record", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.buf.Set(ctx, f.key+LastReturnSuffix, data); err != nil {
		f.logger.Error("failed to store flush record", "error", err)
	}
}

// ServerOptions configures a server-backed queue. The embedded Flusher is
// ignored and replaced by a ServerFlusher.
type ServerOptions struct {
	Options

	Client Poster
	// Username returns the authenticated user, or "" for anonymous sessions.
	Username func() string
}

// NewServer creates a queue that delivers to the server and attaches the
// current username to every message.
func NewServer(opts ServerOptions) (*Queue, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("server queue %q: client is required", opts.Name)
	}
	if opts.HoldLength <= 0 {
		opts.HoldLength = DefaultServerHoldLength
	}
	if opts.Buffer == nil {
		opts.Buffer = buffer.NewMemory()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	username := opts.Username
	if username == nil {
		username = func() string { return "" }
	}

	opts.Flusher = &ServerFlusher{
		client:   opts.Client,
		username: username,
		buf:      opts.Buffer,
		key:      opts.Name,
		clock:    opts.Clock,
		logger:   opts.Logger.With("queue", opts.Name),
	}

	inner := opts.Wrap
	opts.Wrap = func(env *Envelope) {
		env.Username = username()
		if inner != nil {
			inner(env)
		}
	}
	return New(opts.Options)
}

// LastReturn reads the diagnostic record stored for the named queue.
// It returns nil if no flush has been recorded.
func LastReturn(ctx context.Context, buf buffer.Storage, name string) (*DiagnosticRecord, error) {
	raw, err := buf.Get(ctx, name+LastReturnSuffix)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var rec DiagnosticRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse flush record: %w", err)
	}
	return &rec, nil
}

// Stored reads the envelopes persisted for the named queue.
func Stored(ctx context.Context, buf buffer.Storage, name string) ([]Envelope, error) {
	raw, err := buf.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var stored []Envelope
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("failed to parse stored queue: %w", err)
	}
	return stored, nil
}
