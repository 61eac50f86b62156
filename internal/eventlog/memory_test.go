package eventlog

import (
	"context"
	"testing"

	"github.com/obra/lace/pkg/events"
)

func TestMemoryStoreAppendAssignsMonotonicSequence(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	e1, err := store.Append(ctx, "t1", events.TypeUserMessage, events.UserMessageData{Text: "hi"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	e2, err := store.Append(ctx, "t1", events.TypeAgentMessage, events.AgentMessageData{Text: "hello"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if e1.Sequence != 1 || e2.Sequence != 2 {
		t.Fatalf("expected sequences 1,2 got %d,%d", e1.Sequence, e2.Sequence)
	}
}

func TestMemoryStoreAppendDeduplicatesToolResultByCallID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	result := events.ToolResultData{CallID: "call-1", Content: []events.ContentBlock{events.TextBlock("ok")}}
	first, err := store.Append(ctx, "t1", events.TypeToolResult, result)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	duplicate := events.ToolResultData{CallID: "call-1", Content: []events.ContentBlock{events.TextBlock("different")}}
	second, err := store.Append(ctx, "t1", events.TypeToolResult, duplicate)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if second.Sequence != first.Sequence || second.ID != first.ID {
		t.Fatalf("expected the duplicate append to return the existing event unchanged, got %+v vs %+v", first, second)
	}

	all, err := store.Events(ctx, "t1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one TOOL_RESULT event to be stored, got %d", len(all))
	}
}

func TestMemoryStoreEventsAfterFiltersBySequence(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.Append(ctx, "t1", events.TypeUserMessage, events.UserMessageData{Text: "x"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	after, err := store.EventsAfter(ctx, "t1", 1)
	if err != nil {
		t.Fatalf("EventsAfter: %v", err)
	}
	if len(after) != 2 {
		t.Fatalf("expected 2 events after sequence 1, got %d", len(after))
	}
	if after[0].Sequence != 2 || after[1].Sequence != 3 {
		t.Fatalf("unexpected sequences: %+v", after)
	}
}

func TestMemoryStoreExistsEventFindsToolCallByLinearScan(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Append(ctx, "t1", events.TypeToolCall, events.ToolCallData{CallID: "c1", Name: "file_read"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	exists, err := store.ExistsEvent(ctx, "t1", events.TypeToolCall, "c1")
	if err != nil {
		t.Fatalf("ExistsEvent: %v", err)
	}
	if !exists {
		t.Fatal("expected ExistsEvent to find the TOOL_CALL by call_id")
	}

	missing, err := store.ExistsEvent(ctx, "t1", events.TypeToolCall, "c2")
	if err != nil {
		t.Fatalf("ExistsEvent: %v", err)
	}
	if missing {
		t.Fatal("expected ExistsEvent to report false for an unknown call_id")
	}
}

func TestMemoryStoreCreateThreadIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	th := events.Thread{ID: "t1", Metadata: events.ThreadMetadata{Model: "claude"}}
	if err := store.CreateThread(ctx, th); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if err := store.CreateThread(ctx, events.Thread{ID: "t1", Metadata: events.ThreadMetadata{Model: "overwritten"}}); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	got, ok, err := store.GetThread(ctx, "t1")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if !ok {
		t.Fatal("expected thread to exist")
	}
	if got.Metadata.Model != "claude" {
		t.Fatalf("expected the first CreateThread to win, got model %q", got.Metadata.Model)
	}
}

func TestMemoryStoreUpdateThreadMetadataOnUnknownThreadIsNoop(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.UpdateThreadMetadata(ctx, "missing", events.ThreadMetadata{Model: "x"}); err != nil {
		t.Fatalf("UpdateThreadMetadata: %v", err)
	}
	if _, ok, _ := store.GetThread(ctx, "missing"); ok {
		t.Fatal("expected no thread to be created by UpdateThreadMetadata")
	}
}

func TestMemoryStoreAppendAfterCloseReturnsErrClosed(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, err := store.Append(ctx, "t1", events.TypeUserMessage, events.UserMessageData{Text: "hi"})
	if err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
