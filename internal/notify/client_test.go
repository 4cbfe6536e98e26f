package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolConfirmed_OK(t *testing.T) {
	var got Event
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/events" {
			t.Fatalf("path = %s, want /api/events", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Fatalf("content-type = %s, want application/json", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := client.PoolConfirmed(ctx, 7, []int64{1, 2, 3}); err != nil {
		t.Fatalf("PoolConfirmed error: %v", err)
	}

	if got.Type != EventPoolConfirmed {
		t.Fatalf("event type = %s, want %s", got.Type, EventPoolConfirmed)
	}
	if got.PoolID != 7 {
		t.Fatalf("pool id = %d, want 7", got.PoolID)
	}
	if len(got.StudentIDs) != 3 {
		t.Fatalf("student ids = %v, want 3 entries", got.StudentIDs)
	}
}

func TestSeatRefunded_RetriesServerError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.SeatRefunded(ctx, 1, []int64{42}); err != nil {
		t.Fatalf("SeatRefunded error: %v", err)
	}
	if calls.Load() < 2 {
		t.Fatalf("calls = %d, want at least 2", calls.Load())
	}
}

func TestSend_NotConfigured(t *testing.T) {
	client := NewClient("")

	if err := client.PoolConfirmed(context.Background(), 1, []int64{1}); err == nil {
		t.Fatalf("expected error for unconfigured client")
	}
}

func TestSend_BadStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	if err := client.SeatRefunded(context.Background(), 1, []int64{1}); err == nil {
		t.Fatalf("expected error for 404 response")
	}
}
