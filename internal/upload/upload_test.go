package upload

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ZackBotkin/SimQLe/internal/coverage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPayload() Payload {
	return Payload{
		RunID:   "run-1",
		RepoURL: "https://example.com/repo.git",
		Commit:  "abc123",
		Report: coverage.Report{
			Mode:       "count",
			Statements: 10,
			Covered:    8,
			Percent:    80,
		},
	}
}

func TestSendPostsJSONWithToken(t *testing.T) {
	var gotAuth string
	var gotPayload Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	t.Setenv("COVERAGE_TOKEN", "s3cr3t")
	u := New(5*time.Second, discardLogger())
	if err := u.Send(context.Background(), srv.URL, "COVERAGE_TOKEN", testPayload()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotAuth != "Bearer s3cr3t" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotPayload.RunID != "run-1" || gotPayload.Report.Covered != 8 {
		t.Errorf("payload = %+v", gotPayload)
	}
	if gotPayload.Uploader != "simqle-ci" {
		t.Errorf("uploader = %q", gotPayload.Uploader)
	}
}

func TestSendRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u := New(30*time.Second, discardLogger())
	if err := u.Send(context.Background(), srv.URL, "", testPayload()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestSendStopsOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	u := New(30*time.Second, discardLogger())
	if err := u.Send(context.Background(), srv.URL, "", testPayload()); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestSendRejectsEmptyURL(t *testing.T) {
	u := New(time.Second, discardLogger())
	if err := u.Send(context.Background(), "", "", testPayload()); err == nil {
		t.Fatal("expected error")
	}
}
