// Package executor implements the Tool Executor: for every TOOL_CALL
// emitted within a turn it resolves (or requests) approval, runs the
// tool body at most once, and appends the resulting TOOL_RESULT. It
// is the second of lace's three defense-in-depth layers against
// duplicate tool execution — the event log's unique index is the
// first, its own per-call_id mutex is the second, and the Message
// Builder's dedup-on-rebuild is the third.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/obra/lace/internal/approval"
	"github.com/obra/lace/internal/registry"
	"github.com/obra/lace/internal/thread"
	"github.com/obra/lace/pkg/events"
)

// Executor runs approved tool calls for a thread, concurrently within
// a batch, serialized per call_id.
type Executor struct {
	threads  *thread.Manager
	registry *registry.Registry
	broker   *approval.Broker
	guard    Guard

	callMu sync.Map // call_id -> *sync.Mutex
}

// New creates an Executor.
func New(threads *thread.Manager, reg *registry.Registry, broker *approval.Broker, guard Guard) *Executor {
	return &Executor{threads: threads, registry: reg, broker: broker, guard: guard}
}

// BatchResult is the outcome of executing every TOOL_CALL in one
// provider response.
type BatchResult struct {
	// Results holds the TOOL_RESULT event appended for each call, in the
	// same order as the calls passed to ExecuteBatch.
	Results []events.Event

	// Denied is true if any call in the batch was denied by the user.
	// Per the batch-failure policy, a denial halts the turn after this
	// batch resolves: the caller must not issue another model request.
	Denied bool
}

// ExecuteBatch runs every call concurrently and waits for all of them.
// A non-denial tool error still produces an is_error TOOL_RESULT and
// does not fail the batch; only an append/bookkeeping failure (event
// log unavailable, cancelled context while appending) is returned as
// an error.
func (e *Executor) ExecuteBatch(ctx context.Context, threadID string, calls []events.ToolCallData, tc registry.Context) (BatchResult, error) {
	results := make([]events.Event, len(calls))
	denied := make([]bool, len(calls))
	errs := make([]error, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call events.ToolCallData) {
			defer wg.Done()
			ev, wasDenied, err := e.executeOne(ctx, threadID, call, tc)
			results[i], denied[i], errs[i] = ev, wasDenied, err
		}(i, call)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return BatchResult{}, err
		}
	}

	anyDenied := false
	for _, d := range denied {
		anyDenied = anyDenied || d
	}
	return BatchResult{Results: results, Denied: anyDenied}, nil
}

func (e *Executor) callLock(callID string) *sync.Mutex {
	v, _ := e.callMu.LoadOrStore(callID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (e *Executor) executeOne(ctx context.Context, threadID string, call events.ToolCallData, tc registry.Context) (events.Event, bool, error) {
	lock := e.callLock(call.CallID)
	lock.Lock()
	defer lock.Unlock()

	// Agent-layer defense 1: a result for this call_id already exists.
	if existing, found, err := e.findResult(ctx, threadID, call.CallID); err != nil {
		return events.Event{}, false, err
	} else if found {
		return existing, false, nil
	}

	decision, err := e.resolveDecision(ctx, threadID, call)
	if err != nil {
		return events.Event{}, false, err
	}

	if decision == events.DecisionDeny {
		ev, err := e.appendResult(ctx, threadID, call.CallID, events.DeniedToolResultContent, true)
		return ev, true, err
	}

	execCtx := ctx
	if tool, ok := e.registry.Get(call.Name); ok {
		if timeout := tool.Annotations().Timeout; timeout > 0 {
			var cancel context.CancelFunc
			execCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}

	res, _ := e.registry.Execute(execCtx, call.Name, call.Arguments, tc)
	content := e.guard.Apply(res.Content)
	ev, err := e.appendResult(ctx, threadID, call.CallID, content, res.IsError)
	return ev, false, err
}

// resolveDecision implements steps 2-3 of the executor algorithm: reuse
// an existing approval response, auto-approve under a standing
// ALLOW_SESSION grant, or request approval and block on the broker.
func (e *Executor) resolveDecision(ctx context.Context, threadID string, call events.ToolCallData) (events.ApprovalDecision, error) {
	if existing, found, err := e.findApprovalResponse(ctx, threadID, call.CallID); err != nil {
		return "", err
	} else if found {
		return existing.Decision, nil
	}

	if e.broker.IsSessionAllowed(threadID, call.Name) {
		if _, err := e.appendApprovalResponse(ctx, threadID, call.CallID, events.DecisionAllowOnce); err != nil {
			return "", err
		}
		return events.DecisionAllowOnce, nil
	}

	if _, err := e.threads.Append(ctx, threadID, events.TypeApprovalRequest, events.ApprovalRequestData{CallID: call.CallID}); err != nil {
		return "", err
	}

	return e.broker.Await(ctx, call.CallID)
}

// SubmitApproval is the external approval contract: it appends a
// TOOL_APPROVAL_RESPONSE event (idempotent — a duplicate submission for
// a call_id that already has one collapses via the event log's unique
// index) and resolves the broker's pending future for call_id, if any.
func (e *Executor) SubmitApproval(ctx context.Context, threadID, callID string, decision events.ApprovalDecision) error {
	toolName, err := e.findToolName(ctx, threadID, callID)
	if err != nil {
		return err
	}

	if _, err := e.appendApprovalResponse(ctx, threadID, callID, decision); err != nil {
		return err
	}

	if err := e.broker.Resolve(threadID, toolName, callID, decision); err != nil && err != approval.ErrUnknownCall {
		return err
	}
	return nil
}

func (e *Executor) appendResult(ctx context.Context, threadID, callID, content string, isError bool) (events.Event, error) {
	return e.threads.Append(ctx, threadID, events.TypeToolResult, events.ToolResultData{
		CallID:  callID,
		Content: []events.ContentBlock{events.TextBlock(content)},
		IsError: isError,
	})
}

func (e *Executor) appendApprovalResponse(ctx context.Context, threadID, callID string, decision events.ApprovalDecision) (events.Event, error) {
	return e.threads.Append(ctx, threadID, events.TypeApprovalResponse, events.ApprovalResponseData{
		CallID:   callID,
		Decision: decision,
	})
}

func (e *Executor) findResult(ctx context.Context, threadID, callID string) (events.Event, bool, error) {
	all, err := e.threads.Events(ctx, threadID)
	if err != nil {
		return events.Event{}, false, err
	}
	for _, ev := range all {
		if ev.Type != events.TypeToolResult {
			continue
		}
		if d, ok := ev.Data.(events.ToolResultData); ok && d.CallID == callID {
			return ev, true, nil
		}
	}
	return events.Event{}, false, nil
}

func (e *Executor) findApprovalResponse(ctx context.Context, threadID, callID string) (events.ApprovalResponseData, bool, error) {
	all, err := e.threads.Events(ctx, threadID)
	if err != nil {
		return events.ApprovalResponseData{}, false, err
	}
	for _, ev := range all {
		if ev.Type != events.TypeApprovalResponse {
			continue
		}
		if d, ok := ev.Data.(events.ApprovalResponseData); ok && d.CallID == callID {
			return d, true, nil
		}
	}
	return events.ApprovalResponseData{}, false, nil
}

func (e *Executor) findToolName(ctx context.Context, threadID, callID string) (string, error) {
	all, err := e.threads.Events(ctx, threadID)
	if err != nil {
		return "", err
	}
	for _, ev := range all {
		if ev.Type != events.TypeToolCall {
			continue
		}
		if d, ok := ev.Data.(events.ToolCallData); ok && d.CallID == callID {
			return d.Name, nil
		}
	}
	return "", fmt.Errorf("executor: no TOOL_CALL found for call_id %q", callID)
}
