package thread

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/obra/lace/internal/eventlog"
	"github.com/obra/lace/pkg/events"
)

func TestNewThreadIDMatchesPattern(t *testing.T) {
	id, err := NewThreadID("lace")
	if err != nil {
		t.Fatalf("NewThreadID: %v", err)
	}
	if !events.ThreadIDPattern.MatchString(id) {
		t.Fatalf("generated id %q does not match ThreadIDPattern", id)
	}
}

func TestCreateThreadPersistsAndReturnsDistinctIDs(t *testing.T) {
	mgr := NewManager(eventlog.NewMemoryStore())
	ctx := context.Background()

	t1, err := mgr.CreateThread(ctx, "lace", "sess-1", events.ThreadMetadata{Model: "claude-sonnet"})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	t2, err := mgr.CreateThread(ctx, "lace", "sess-1", events.ThreadMetadata{})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if t1.ID == t2.ID {
		t.Fatal("expected two CreateThread calls to produce distinct ids")
	}

	got, ok, err := mgr.GetThread(ctx, t1.ID)
	if err != nil || !ok {
		t.Fatalf("GetThread: ok=%v err=%v", ok, err)
	}
	if got.Metadata.Model != "claude-sonnet" {
		t.Fatalf("expected persisted metadata, got %+v", got.Metadata)
	}
}

func TestResumeOrCreateWithEmptyIDCreatesNew(t *testing.T) {
	mgr := NewManager(eventlog.NewMemoryStore())
	ctx := context.Background()

	th, resumed, err := mgr.ResumeOrCreate(ctx, "", "lace", "", events.ThreadMetadata{})
	if err != nil {
		t.Fatalf("ResumeOrCreate: %v", err)
	}
	if resumed {
		t.Fatal("expected resumed=false for an empty thread id")
	}
	if th.ID == "" {
		t.Fatal("expected a freshly generated thread id")
	}
}

func TestResumeOrCreateWithUnknownIDReturnsErrUnknownThread(t *testing.T) {
	mgr := NewManager(eventlog.NewMemoryStore())
	ctx := context.Background()

	_, _, err := mgr.ResumeOrCreate(ctx, "lace_20260101_abcdef", "lace", "", events.ThreadMetadata{})
	if !errors.Is(err, ErrUnknownThread) {
		t.Fatalf("expected ErrUnknownThread, got %v", err)
	}
}

func TestResumeOrCreateWithKnownIDResumes(t *testing.T) {
	mgr := NewManager(eventlog.NewMemoryStore())
	ctx := context.Background()

	created, err := mgr.CreateThread(ctx, "lace", "", events.ThreadMetadata{})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	resumedThread, resumed, err := mgr.ResumeOrCreate(ctx, created.ID, "lace", "", events.ThreadMetadata{})
	if err != nil {
		t.Fatalf("ResumeOrCreate: %v", err)
	}
	if !resumed {
		t.Fatal("expected resumed=true for a known thread id")
	}
	if resumedThread.ID != created.ID {
		t.Fatalf("expected the same thread back, got %q want %q", resumedThread.ID, created.ID)
	}
}

func TestAppendAssignsSequenceAndNotifiesListeners(t *testing.T) {
	mgr := NewManager(eventlog.NewMemoryStore())
	ctx := context.Background()

	th, err := mgr.CreateThread(ctx, "lace", "", events.ThreadMetadata{})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	var mu sync.Mutex
	var seen []events.Event
	mgr.Subscribe(ListenerFunc(func(_ events.Thread, e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e)
	}))

	e1, err := mgr.Append(ctx, th.ID, events.TypeUserMessage, events.UserMessageData{Text: "hi"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	e2, err := mgr.Append(ctx, th.ID, events.TypeAgentMessage, events.AgentMessageData{Text: "hello"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if e1.Sequence != 1 || e2.Sequence != 2 {
		t.Fatalf("expected sequences 1,2 got %d,%d", e1.Sequence, e2.Sequence)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("expected 2 listener notifications, got %d", len(seen))
	}
}

func TestCompactAppendsCompactionEventWithRange(t *testing.T) {
	mgr := NewManager(eventlog.NewMemoryStore())
	ctx := context.Background()

	th, err := mgr.CreateThread(ctx, "lace", "", events.ThreadMetadata{})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := mgr.Append(ctx, th.ID, events.TypeUserMessage, events.UserMessageData{Text: "x"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	compaction, err := mgr.Compact(ctx, th.ID, 1, 3, "summary of the conversation so far")
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	data, ok := compaction.Data.(events.CompactionData)
	if !ok {
		t.Fatalf("expected CompactionData, got %T", compaction.Data)
	}
	if data.FirstSequence != 1 || data.LastSequence != 3 {
		t.Fatalf("unexpected compaction range: %+v", data)
	}

	all, err := mgr.Events(ctx, th.ID)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected the replaced events to remain physically present, got %d events", len(all))
	}
}
