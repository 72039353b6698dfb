package convo

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func newSession(t *testing.T, store Store, id string) {
	t.Helper()
	if err := store.CreateSession(context.Background(), &Session{ID: id, AgentID: "helper"}); err != nil {
		t.Fatalf("create session: %v", err)
	}
}

func TestAppendAssignsContiguousSeq(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newSession(t, store, "sess-1")

	for i := 1; i <= 3; i++ {
		seq, err := store.Append(ctx, "sess-1", Message{Role: RoleUser, Content: "msg"})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if seq != int64(i) {
			t.Fatalf("unexpected seq: got %d want %d", seq, i)
		}
	}

	history, err := store.Read(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for i, msg := range history {
		if msg.Seq != int64(i+1) {
			t.Fatalf("history seq gap at %d: %+v", i, history)
		}
	}
}

func TestAppendRejectsStaleSeq(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newSession(t, store, "sess-1")

	if _, err := store.Append(ctx, "sess-1", Message{Seq: 1, Role: RoleUser, Content: "first"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.Append(ctx, "sess-1", Message{Seq: 1, Role: RoleUser, Content: "stale"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := store.Append(ctx, "sess-1", Message{Seq: 5, Role: RoleUser, Content: "gap"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for gap, got %v", err)
	}
}

func TestConcurrentAppendSingleWinner(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newSession(t, store, "sess-1")

	const writers = 16
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			// 所有写入者都竞争序号 1，只应有一个成功。
			_, errs[idx] = store.Append(ctx, "sess-1", Message{Seq: 1, Role: RoleUser, Content: "race"})
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
		} else if !errors.Is(err, ErrConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one winner, got %d", won)
	}
	history, err := store.Read(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected single message, got %d", len(history))
	}
}

func TestAppendWithInvocationRecordsBoth(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newSession(t, store, "sess-1")

	msg := Message{
		Role:       RoleTool,
		ToolResult: "1000",
	}
	inv := ToolInvocation{
		ID:         "inv-1",
		TriggerSeq: 1,
		Tool:       "get_balance",
		Arguments:  map[string]any{"address": "0xabc"},
		Result:     "1000",
		SideEffect: false,
		DurationMs: 12,
	}
	seq, err := store.AppendWithInvocation(ctx, "sess-1", msg, inv)
	if err != nil {
		t.Fatalf("append with invocation: %v", err)
	}
	if seq != 1 {
		t.Fatalf("unexpected seq: %d", seq)
	}

	records, err := store.ListInvocations(ctx, "sess-1")
	if err != nil {
		t.Fatalf("list invocations: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one invocation, got %d", len(records))
	}
	got := records[0]
	if got.SessionID != "sess-1" || got.Tool != "get_balance" || got.CreatedAt == 0 {
		t.Fatalf("unexpected invocation: %+v", got)
	}

	// 存储持有参数副本，调用方的后续修改不应泄漏进去。
	inv.Arguments["address"] = "0xmutated"
	records, _ = store.ListInvocations(ctx, "sess-1")
	if records[0].Arguments["address"] != "0xabc" {
		t.Fatalf("invocation arguments were not isolated: %+v", records[0].Arguments)
	}
}

func TestReadFromSeqAndReplayStability(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newSession(t, store, "sess-1")

	contents := []string{"a", "b", "c", "d"}
	for _, content := range contents {
		if _, err := store.Append(ctx, "sess-1", Message{Role: RoleUser, Content: content}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	tail, err := store.Read(ctx, "sess-1", 3)
	if err != nil {
		t.Fatalf("read from seq: %v", err)
	}
	if len(tail) != 2 || tail[0].Content != "c" || tail[1].Content != "d" {
		t.Fatalf("unexpected tail: %+v", tail)
	}

	first, _ := store.Read(ctx, "sess-1", 0)
	second, _ := store.Read(ctx, "sess-1", 0)
	if len(first) != len(second) {
		t.Fatalf("replay not stable: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Seq != second[i].Seq || first[i].Content != second[i].Content {
			t.Fatalf("replay mismatch at %d", i)
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newSession(t, store, "sess-1")

	if err := store.CreateSession(ctx, &Session{ID: "sess-1"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate session, got %v", err)
	}

	session, err := store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.Status != SessionActive {
		t.Fatalf("new session should be active, got %q", session.Status)
	}

	if err := store.SetSessionStatus(ctx, "sess-1", SessionCompleted); err != nil {
		t.Fatalf("set status: %v", err)
	}
	session, _ = store.GetSession(ctx, "sess-1")
	if session.Status != SessionCompleted {
		t.Fatalf("status not updated: %q", session.Status)
	}

	if err := store.SetSessionStatus(ctx, "sess-1", SessionStatus("bogus")); err == nil {
		t.Fatalf("expected error for invalid status")
	}
	if _, err := store.GetSession(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := store.Read(ctx, "missing", 0); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on read, got %v", err)
	}
}
