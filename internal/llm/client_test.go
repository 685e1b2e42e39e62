package llm

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func discard() *log.Logger { return log.New(io.Discard, "", 0) }

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(ClientConfig{
		BaseURL:      srv.URL,
		DefaultModel: "test-model",
		Retries:      2,
		RetryBackoff: time.Millisecond,
		Logger:       discard(),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestCompleteReturnsFirstChoice(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello"}}]}`))
	})
	out, err := c.Complete(context.Background(), "", "", "hi", 1)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != "hello" {
		t.Fatalf("output = %q", out)
	}
}

func TestCompleteRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	})
	out, err := c.Complete(context.Background(), "", "", "hi", 1)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != "ok" || calls.Load() != 3 {
		t.Fatalf("out=%q calls=%d", out, calls.Load())
	}
}

func TestCompleteDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})
	if _, err := c.Complete(context.Background(), "", "", "hi", 1); err == nil {
		t.Fatalf("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestScorerParsesEmbeddedJSON(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant",` +
			`"content":"Sure, here is my grade: {\"score\": 7.5, \"reasoning\": \"solid progress\"} hope that helps"}}]}`))
	})
	s := NewScorer(c)
	score, reasoning, err := s.Score(context.Background(), "test-model", "rate progress", 10, 1)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score != 7.5 || reasoning != "solid progress" {
		t.Fatalf("score=%v reasoning=%q", score, reasoning)
	}
}

func TestScorerRejectsNonJSON(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"about a seven"}}]}`))
	})
	s := NewScorer(c)
	if _, _, err := s.Score(context.Background(), "test-model", "rate progress", 10, 1); err == nil {
		t.Fatalf("expected parse error")
	}
}
