package run

import (
	"context"
	stdErrors "errors"
	"testing"

	xerrors "AgentHive-Chain/internal/errors"
)

func newPendingRun(id string) *Run {
	return &Run{
		ID:         id,
		AgentID:    "researcher",
		Input:      "hello",
		Status:     StatusPending,
		MaxRetries: 3,
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newPendingRun("run-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, newPendingRun("run-1")); !stdErrors.Is(err, ErrRunConflict) {
		t.Fatalf("duplicate create should conflict, got %v", err)
	}

	r, err := store.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.Status != StatusPending || r.AgentID != "researcher" {
		t.Fatalf("unexpected run: %+v", r)
	}
	if _, err := store.Get(ctx, "ghost"); !stdErrors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newPendingRun("run-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	claimed, err := store.Claim(ctx, "run-1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed run: %+v", claimed)
	}

	if _, err := store.Claim(ctx, "run-1"); !stdErrors.Is(err, ErrRunConflict) {
		t.Fatalf("claiming a running run should conflict, got %v", err)
	}

	if err := store.MarkSucceeded(ctx, "run-1", Result{SessionID: "sess", Reply: "done", Iterations: 2}); err != nil {
		t.Fatalf("MarkSucceeded: %v", err)
	}
	if _, err := store.Claim(ctx, "run-1"); !stdErrors.Is(err, ErrRunCompleted) {
		t.Fatalf("claiming a completed run should report completion, got %v", err)
	}

	r, _ := store.Get(ctx, "run-1")
	if r.Result == nil || r.Result.Reply != "done" || r.SessionID != "sess" {
		t.Fatalf("result not recorded: %+v", r)
	}
}

func TestMemoryStoreRetryExhaustion(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	r := newPendingRun("run-1")
	r.MaxRetries = 2
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := store.Claim(ctx, "run-1"); err != nil {
			t.Fatalf("Claim #%d: %v", i+1, err)
		}
		if err := store.MarkFailed(ctx, "run-1", xerrors.CodeProviderUnavailable, "boom", false); err != nil {
			t.Fatalf("MarkFailed #%d: %v", i+1, err)
		}
	}

	if _, err := store.Claim(ctx, "run-1"); !stdErrors.Is(err, ErrRunExhausted) {
		t.Fatalf("expected exhaustion after max retries, got %v", err)
	}
}

func TestMemoryStoreTerminalFailureBlocksReclaim(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newPendingRun("run-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := store.Claim(ctx, "run-1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := store.MarkFailed(ctx, "run-1", xerrors.CodeProviderRejected, "quota", true); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	if _, err := store.Claim(ctx, "run-1"); !stdErrors.Is(err, ErrRunExhausted) {
		t.Fatalf("terminal failure must block reclaim, got %v", err)
	}
	r, _ := store.Get(ctx, "run-1")
	if r.ErrorCode != string(xerrors.CodeProviderRejected) {
		t.Fatalf("error code = %q", r.ErrorCode)
	}
}

func TestMemoryStoreListAndStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"run-1", "run-2", "run-3"} {
		if err := store.Create(ctx, newPendingRun(id)); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	if _, err := store.Claim(ctx, "run-2"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "run-2", Result{Reply: "ok"}); err != nil {
		t.Fatalf("MarkSucceeded: %v", err)
	}

	pending, err := store.List(ctx, ListOptions{Statuses: []Status{StatusPending}})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 2 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
