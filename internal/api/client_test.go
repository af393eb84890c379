package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

// TestPostMessagesSuccess verifies headers, path and the raw acknowledgement
func TestPostMessagesSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/messagequeue/" {
			t.Errorf("expected path /messagequeue/, got %s", r.URL.Path)
		}
		if r.Header.Get(CSRFHeader) != "token-1" {
			t.Errorf("unexpected csrf token: %q", r.Header.Get(CSRFHeader))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type: %s", r.Header.Get("Content-Type"))
		}

		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if payload["username"] != "reader-a" {
			t.Errorf("expected username reader-a, got %v", payload["username"])
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"success":1}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, "token-1", Endpoints{})
	ack, err := client.PostMessages(context.Background(), map[string]any{
		"messages": []any{},
		"username": "reader-a",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(ack) != `{"success":1}` {
		t.Fatalf("unexpected ack: %s", ack)
	}
}

// TestPostMessagesServerError verifies non-2xx is surfaced as StatusError
func TestPostMessagesServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = fmt.Fprint(w, "Internal Server Error")
	}))
	defer server.Close()

	client := NewClient(server.URL, "t", Endpoints{})
	_, err := client.PostMessages(context.Background(), map[string]any{})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", se.StatusCode)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("500 must not be reported as not found")
	}
}

// TestPostMessagesMalformedBody verifies a 2xx without JSON is a failure
func TestPostMessagesMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, "<html>login</html>")
	}))
	defer server.Close()

	client := NewClient(server.URL, "t", Endpoints{})
	if _, err := client.PostMessages(context.Background(), map[string]any{}); err == nil {
		t.Fatal("expected error for non-JSON success body")
	}
}

// TestPostMessagesNetworkError verifies transport failures are returned
func TestPostMessagesNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewClient(url, "t", Endpoints{})
	if _, err := client.PostMessages(context.Background(), map[string]any{}); err == nil {
		t.Fatal("expected error for closed server")
	}
}

func TestGetPreferences(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/account/prefs" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_, _ = fmt.Fprint(w, `{"theme":"sepia","fontSize":1.4}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, "t", Endpoints{})
	prefs, err := client.GetPreferences(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prefs["theme"] != "sepia" || prefs["fontSize"] != 1.4 {
		t.Fatalf("unexpected preferences: %v", prefs)
	}
}

func TestGetPreferencesNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := NewClient(server.URL, "t", Endpoints{})
	_, err := client.GetPreferences(context.Background())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAdoptPayloadFormat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/account/prefs/profile" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get(CSRFHeader) != "tok" {
			t.Errorf("missing csrf token")
		}
		var req AdoptRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.Adopt != "high_contrast" || req.EventID != "evt-1" {
			t.Errorf("unexpected adopt request: %+v", req)
		}
		_, _ = fmt.Fprint(w, `{"theme":"night","fontSize":2}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, "tok", Endpoints{})
	prefs, err := client.Adopt(context.Background(), "high_contrast", "evt-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prefs["theme"] != "night" {
		t.Fatalf("unexpected adopted preferences: %v", prefs)
	}
}

func TestGetAutosave(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/autosave" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("key"); got != "reflection/p 1" {
			t.Errorf("unexpected key %q", got)
		}
		_, _ = fmt.Fprint(w, `{"key":"reflection/p 1","value":{"text":"hi"}}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, "t", Endpoints{})
	val, err := client.GetAutosave(context.Background(), "reflection/p 1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(val) != `{"text":"hi"}` {
		t.Fatalf("unexpected value %s", val)
	}
}

func TestCustomEndpoints(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/custom/queue" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, "t", Endpoints{Messages: "/custom/queue"})
	if _, err := client.PostMessages(context.Background(), map[string]any{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
