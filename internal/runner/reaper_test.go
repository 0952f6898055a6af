package runner

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ZackBotkin/SimQLe/internal/domain"
	"github.com/ZackBotkin/SimQLe/internal/repository/memory"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReaperErrorsOutAbandonedRuns(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()

	stale := &domain.Run{ID: "stale-run", Status: domain.StatusRunning, UpdatedAt: time.Now().Add(-3 * time.Hour)}
	fresh := &domain.Run{ID: "fresh-run", Status: domain.StatusRunning, UpdatedAt: time.Now()}
	pending := &domain.Run{ID: "pending-run", Status: domain.StatusPending, UpdatedAt: time.Now().Add(-3 * time.Hour)}
	for _, run := range []*domain.Run{stale, fresh, pending} {
		if err := repo.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	reaper := NewReaper(repo, quietLogger(), time.Minute, time.Hour)
	if reaper == nil {
		t.Fatal("NewReaper returned nil for a positive TTL")
	}
	reaper.reap(ctx)

	got, err := repo.GetRunByID(ctx, "stale-run")
	if err != nil {
		t.Fatalf("GetRunByID: %v", err)
	}
	if got.Status != domain.StatusErrored {
		t.Fatalf("stale run status = %s, want errored", got.Status)
	}
	if !strings.Contains(got.Error, "abandoned") {
		t.Errorf("stale run error = %q, want abandoned message", got.Error)
	}

	for _, id := range []string{"fresh-run", "pending-run"} {
		run, err := repo.GetRunByID(ctx, id)
		if err != nil {
			t.Fatalf("GetRunByID(%s): %v", id, err)
		}
		if run.Status == domain.StatusErrored {
			t.Errorf("run %s was reaped but should not be", id)
		}
	}
}

func TestNewReaperDisabledWithoutTTL(t *testing.T) {
	if r := NewReaper(memory.New(), quietLogger(), time.Minute, 0); r != nil {
		t.Fatal("NewReaper should return nil when no TTL is configured")
	}
	// A nil reaper's Run must be a no-op so callers need no guard.
	var r *Reaper
	r.Run(context.Background())
}
