package executor

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/obra/lace/internal/approval"
	"github.com/obra/lace/internal/eventlog"
	"github.com/obra/lace/internal/registry"
	"github.com/obra/lace/internal/thread"
	"github.com/obra/lace/pkg/events"
)

type countingTool struct {
	calls int32
}

func (t *countingTool) Name() string        { return "count" }
func (t *countingTool) Description() string { return "" }
func (t *countingTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object"}`)
}
func (t *countingTool) Annotations() registry.Annotations { return registry.Annotations{} }
func (t *countingTool) Execute(ctx context.Context, args json.RawMessage, tc registry.Context) (registry.Result, error) {
	atomic.AddInt32(&t.calls, 1)
	return registry.Result{Content: "ok"}, nil
}

func newFixture(t *testing.T) (*Executor, *thread.Manager, *approval.Broker, events.Thread) {
	t.Helper()
	store := eventlog.NewMemoryStore()
	mgr := thread.NewManager(store)
	th, err := mgr.CreateThread(context.Background(), "lace", "", events.ThreadMetadata{})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	broker := approval.New()
	reg := registry.New()
	ex := New(mgr, reg, broker, DefaultGuard())
	return ex, mgr, broker, th
}

func TestExecutor_AllowOnceExecutesTool(t *testing.T) {
	ex, mgr, broker, th := newFixture(t)
	tool := &countingTool{}
	_ = ex.registry.Register(tool)

	call := events.ToolCallData{CallID: "call-1", Name: "count", Arguments: json.RawMessage(`{}`)}
	if _, err := mgr.Append(context.Background(), th.ID, events.TypeToolCall, call); err != nil {
		t.Fatalf("append tool call: %v", err)
	}

	done := make(chan BatchResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := ex.ExecuteBatch(context.Background(), th.ID, []events.ToolCallData{call}, registry.Context{})
		done <- res
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := ex.SubmitApproval(context.Background(), th.ID, "call-1", events.DecisionAllowOnce); err != nil {
		t.Fatalf("submit approval: %v", err)
	}

	select {
	case res := <-done:
		if err := <-errCh; err != nil {
			t.Fatalf("execute batch: %v", err)
		}
		if res.Denied {
			t.Fatal("expected not denied")
		}
		if len(res.Results) != 1 {
			t.Fatalf("expected 1 result, got %d", len(res.Results))
		}
		if atomic.LoadInt32(&tool.calls) != 1 {
			t.Fatalf("tool executed %d times, want 1", tool.calls)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}

	if broker.IsSessionAllowed(th.ID, "count") {
		t.Fatal("ALLOW_ONCE must not create a session grant")
	}
}

func TestExecutor_DenyAppendsDenialResult(t *testing.T) {
	ex, mgr, _, th := newFixture(t)
	tool := &countingTool{}
	_ = ex.registry.Register(tool)

	call := events.ToolCallData{CallID: "call-1", Name: "count", Arguments: json.RawMessage(`{}`)}
	if _, err := mgr.Append(context.Background(), th.ID, events.TypeToolCall, call); err != nil {
		t.Fatalf("append tool call: %v", err)
	}

	resCh := make(chan BatchResult, 1)
	go func() {
		res, _ := ex.ExecuteBatch(context.Background(), th.ID, []events.ToolCallData{call}, registry.Context{})
		resCh <- res
	}()

	time.Sleep(20 * time.Millisecond)
	if err := ex.SubmitApproval(context.Background(), th.ID, "call-1", events.DecisionDeny); err != nil {
		t.Fatalf("submit approval: %v", err)
	}

	res := <-resCh
	if !res.Denied {
		t.Fatal("expected Denied=true")
	}
	data, ok := res.Results[0].Data.(events.ToolResultData)
	if !ok || !data.IsError || data.Content[0].Text != events.DeniedToolResultContent {
		t.Fatalf("unexpected denial result: %+v", res.Results[0])
	}
	if atomic.LoadInt32(&tool.calls) != 0 {
		t.Fatal("tool must not execute when denied")
	}
}

func TestExecutor_AllowSessionGrantsFutureAutoApproval(t *testing.T) {
	ex, mgr, _, th := newFixture(t)
	tool := &countingTool{}
	_ = ex.registry.Register(tool)

	call1 := events.ToolCallData{CallID: "call-1", Name: "count", Arguments: json.RawMessage(`{}`)}
	mgr.Append(context.Background(), th.ID, events.TypeToolCall, call1)

	resCh := make(chan BatchResult, 1)
	go func() {
		res, _ := ex.ExecuteBatch(context.Background(), th.ID, []events.ToolCallData{call1}, registry.Context{})
		resCh <- res
	}()
	time.Sleep(20 * time.Millisecond)
	ex.SubmitApproval(context.Background(), th.ID, "call-1", events.DecisionAllowSession)
	<-resCh

	if atomic.LoadInt32(&tool.calls) != 1 {
		t.Fatalf("expected 1 execution after first approval, got %d", tool.calls)
	}

	// Second call of the same tool should auto-approve without a submission.
	call2 := events.ToolCallData{CallID: "call-2", Name: "count", Arguments: json.RawMessage(`{}`)}
	mgr.Append(context.Background(), th.ID, events.TypeToolCall, call2)

	res, err := ex.ExecuteBatch(context.Background(), th.ID, []events.ToolCallData{call2}, registry.Context{})
	if err != nil {
		t.Fatalf("execute batch 2: %v", err)
	}
	if res.Denied {
		t.Fatal("expected not denied")
	}
	if atomic.LoadInt32(&tool.calls) != 2 {
		t.Fatalf("expected 2 executions total, got %d", tool.calls)
	}
}

func TestExecutor_DuplicateResultIsNotReexecuted(t *testing.T) {
	ex, mgr, _, th := newFixture(t)
	tool := &countingTool{}
	_ = ex.registry.Register(tool)

	call := events.ToolCallData{CallID: "call-1", Name: "count", Arguments: json.RawMessage(`{}`)}
	mgr.Append(context.Background(), th.ID, events.TypeToolCall, call)
	mgr.Append(context.Background(), th.ID, events.TypeToolResult, events.ToolResultData{
		CallID:  "call-1",
		Content: []events.ContentBlock{events.TextBlock("already done")},
	})

	res, err := ex.ExecuteBatch(context.Background(), th.ID, []events.ToolCallData{call}, registry.Context{})
	if err != nil {
		t.Fatalf("execute batch: %v", err)
	}
	if atomic.LoadInt32(&tool.calls) != 0 {
		t.Fatal("tool must not execute when a result already exists")
	}
	data := res.Results[0].Data.(events.ToolResultData)
	if data.Content[0].Text != "already done" {
		t.Fatalf("expected the existing result to be returned, got %+v", data)
	}
}

func TestExecutor_ConcurrentCallsToSameCallIDRunOnce(t *testing.T) {
	ex, mgr, _, th := newFixture(t)
	tool := &countingTool{}
	_ = ex.registry.Register(tool)

	call := events.ToolCallData{CallID: "call-1", Name: "count", Arguments: json.RawMessage(`{}`)}
	mgr.Append(context.Background(), th.ID, events.TypeToolCall, call)
	mgr.Append(context.Background(), th.ID, events.TypeApprovalResponse, events.ApprovalResponseData{
		CallID: "call-1", Decision: events.DecisionAllowOnce,
	})

	done := make(chan struct{}, 4)
	for i := 0; i < 4; i++ {
		go func() {
			ex.ExecuteBatch(context.Background(), th.ID, []events.ToolCallData{call}, registry.Context{})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
	if atomic.LoadInt32(&tool.calls) != 1 {
		t.Fatalf("tool executed %d times, want exactly 1", tool.calls)
	}
}
