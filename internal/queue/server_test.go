package queue

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clusive/readerqueue/internal/api"
	"github.com/clusive/readerqueue/internal/buffer"
	"github.com/clusive/readerqueue/internal/events"
)

type capturedRequest struct {
	csrf    string
	payload flushPayload
}

type messageServer struct {
	mu       sync.Mutex
	requests []capturedRequest
	status   int
	body     string
}

func (s *messageServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/messagequeue/" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("failed to read body: %v", err)
		}
		var p flushPayload
		if err := json.Unmarshal(body, &p); err != nil {
			t.Errorf("failed to decode payload: %v", err)
		}

		s.mu.Lock()
		s.requests = append(s.requests, capturedRequest{csrf: r.Header.Get(api.CSRFHeader), payload: p})
		status, resp := s.status, s.body
		s.mu.Unlock()

		if status == 0 {
			status = http.StatusOK
		}
		if resp == "" {
			resp = `{"success":1}`
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(resp))
	}
}

func (s *messageServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func newServerQueue(t *testing.T, srv *httptest.Server, buf buffer.Storage, user *atomic.Value) *Queue {
	t.Helper()
	client := api.NewClient(srv.URL, "csrf-abc", api.Endpoints{})
	q, err := NewServer(ServerOptions{
		Options: Options{Name: "event-queue", Buffer: buf, Logger: testLogger()},
		Client:  client,
		Username: func() string {
			s, _ := user.Load().(string)
			return s
		},
	})
	if err != nil {
		t.Fatalf("failed to create server queue: %v", err)
	}
	return q
}

func TestServerQueueDefaults(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	var user atomic.Value
	q := newServerQueue(t, srv, nil, &user)
	if q.HoldLength() != DefaultServerHoldLength {
		t.Fatalf("expected %v hold length, got %v", DefaultServerHoldLength, q.HoldLength())
	}

	if _, err := NewServer(ServerOptions{Options: Options{Name: "no-client"}}); err == nil {
		t.Fatal("expected error without client")
	}
}

func TestServerQueuePostsBatchWithCSRFAndUsername(t *testing.T) {
	ms := &messageServer{}
	srv := httptest.NewServer(ms.handler(t))
	defer srv.Close()

	buf := buffer.NewMemory()
	var user atomic.Value
	user.Store("reader1")
	q := newServerQueue(t, srv, buf, &user)

	q.Add(events.PreferenceChange(events.Preferences{"fontSize": 18}))
	q.Add(events.CaliperEvent("TOOL_USE_EVENT", "tts", nil, &events.ReaderInfo{PublicationID: "pub-1"}))

	res := q.Empty(context.Background())
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %+v", res)
	}
	if ms.count() != 1 {
		t.Fatalf("expected 1 request, got %d", ms.count())
	}

	req := ms.requests[0]
	if req.csrf != "csrf-abc" {
		t.Fatalf("expected CSRF header, got %q", req.csrf)
	}
	if req.payload.Username != "reader1" {
		t.Fatalf("expected payload username reader1, got %q", req.payload.Username)
	}
	if len(req.payload.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(req.payload.Messages))
	}
	for i, env := range req.payload.Messages {
		if env.Username != "reader1" {
			t.Errorf("message %d: expected username reader1, got %q", i, env.Username)
		}
		if env.Timestamp == "" || env.EventID == "" {
			t.Errorf("message %d missing timestamp or event id: %+v", i, env)
		}
	}
	if req.payload.Messages[0].Message.Type != events.TypePreferenceChange ||
		req.payload.Messages[1].Message.Type != events.TypeCaliperEvent {
		t.Fatalf("messages out of order: %+v", req.payload.Messages)
	}

	rec, err := LastReturn(context.Background(), buf, "event-queue")
	if err != nil {
		t.Fatalf("failed to read flush record: %v", err)
	}
	if rec == nil || string(rec.ReturnMessage) != `{"success":1}` {
		t.Fatalf("unexpected flush record %+v", rec)
	}
	if _, err := time.Parse(TimestampFormat, rec.Timestamp); err != nil {
		t.Fatalf("bad flush record timestamp %q: %v", rec.Timestamp, err)
	}
}

func TestServerQueueWithoutUsernameMakesNoRequest(t *testing.T) {
	ms := &messageServer{}
	srv := httptest.NewServer(ms.handler(t))
	defer srv.Close()

	buf := buffer.NewMemory()
	var user atomic.Value
	user.Store("")
	q := newServerQueue(t, srv, buf, &user)

	q.Add(events.CaliperEvent("VIEW_EVENT", "", nil, nil))
	res := q.Empty(context.Background())
	if res.Outcome != OutcomeSkipped {
		t.Fatalf("expected skipped, got %+v", res)
	}
	if ms.count() != 0 {
		t.Fatalf("expected no request, got %d", ms.count())
	}
	if q.IsEmpty() {
		t.Fatal("anonymous messages must be kept")
	}
	if rec, _ := LastReturn(context.Background(), buf, "event-queue"); rec != nil {
		t.Fatalf("expected no flush record, got %+v", rec)
	}

	// Once a user logs in the kept messages go out with the username
	// supplied at send time.
	user.Store("late-reader")
	if res := q.Empty(context.Background()); res.Outcome != OutcomeSuccess {
		t.Fatalf("expected success after login, got %+v", res)
	}
	if got := ms.requests[0].payload.Messages[0].Username; got != "late-reader" {
		t.Fatalf("expected username filled at send time, got %q", got)
	}
}

func TestServerQueueFailureRecordsError(t *testing.T) {
	ms := &messageServer{status: http.StatusInternalServerError, body: "database unavailable"}
	srv := httptest.NewServer(ms.handler(t))
	defer srv.Close()

	buf := buffer.NewMemory()
	var user atomic.Value
	user.Store("reader1")
	q := newServerQueue(t, srv, buf, &user)

	q.Add(events.Autosave("chapter-3", json.RawMessage(`{"pos":12}`), nil))
	res := q.Empty(context.Background())
	if res.Outcome != OutcomeFailure || res.Err == nil {
		t.Fatalf("expected failure, got %+v", res)
	}
	if q.IsEmpty() {
		t.Fatal("failed batch must be kept")
	}

	rec, err := LastReturn(context.Background(), buf, "event-queue")
	if err != nil {
		t.Fatalf("failed to read flush record: %v", err)
	}
	var msg string
	if rec == nil || json.Unmarshal(rec.ReturnMessage, &msg) != nil || msg == "" {
		t.Fatalf("expected error text in flush record, got %+v", rec)
	}
}

func TestLastReturnMissing(t *testing.T) {
	rec, err := LastReturn(context.Background(), buffer.NewMemory(), "nothing")
	if err != nil || rec != nil {
		t.Fatalf("expected nil record, got %+v %v", rec, err)
	}
}
