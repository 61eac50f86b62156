package agentcore

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/obra/lace/internal/backoff"
	"github.com/obra/lace/internal/messages"
	"github.com/obra/lace/internal/provider"
	"github.com/obra/lace/internal/registry"
	"github.com/obra/lace/pkg/events"
)

// runTurnLoop drives one send_message all the way to idle, then drains
// the message queue strictly after the current turn completes,
// processing each queued message as a fresh turn. It halts immediately
// if Stop is called at any point.
func (a *Agent) runTurnLoop(ctx context.Context, text string) {
	next := text
	for {
		if a.isStopped() {
			return
		}
		a.runSingleTurn(ctx, next)
		if a.isStopped() {
			return
		}
		qmsg, ok := a.queue.Dequeue()
		if !ok {
			return
		}
		a.emit(ctx, Event{Type: EventMessageQueued, QueueLength: a.queue.Len()})
		next = qmsg.Text
	}
}

// runSingleTurn runs steps 1-9 of the turn loop for one user message,
// including every tool-batch round trip it takes until an end_turn, an
// empty tool batch, or a denial.
func (a *Agent) runSingleTurn(parentCtx context.Context, userText string) {
	ctx, cancel := context.WithCancel(parentCtx)
	a.mu.Lock()
	a.turnCancel = cancel
	a.turn++
	turn := a.turn
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.turnCancel = nil
		a.mu.Unlock()
		cancel()
	}()

	if _, err := a.threads.Append(ctx, a.threadID, events.TypeUserMessage, events.UserMessageData{Text: userText}); err != nil {
		a.fail(parentCtx, ErrorKindPersistence, "append user message", err)
		return
	}

	systemPrompt := a.renderSystemPrompt()
	if _, err := a.threads.Append(ctx, a.threadID, events.TypeSystemPrompt, events.SystemPromptData{Text: systemPrompt}); err != nil {
		a.fail(parentCtx, ErrorKindPersistence, "append system prompt", err)
		return
	}

	a.emit(ctx, Event{Type: EventTurnStarted})

	for {
		if ctx.Err() != nil {
			a.finishCancelled(parentCtx)
			return
		}

		evs, err := a.threads.Events(ctx, a.threadID)
		if err != nil {
			a.fail(parentCtx, ErrorKindPersistence, "load events", err)
			return
		}

		a.maybeCompact(ctx, turn)

		evs, err = a.threads.Events(ctx, a.threadID)
		if err != nil {
			a.fail(parentCtx, ErrorKindPersistence, "reload events", err)
			return
		}
		msgs := messages.Build(systemPrompt, evs, a.supportsThinking)

		a.setState(ctx, StateThinking)
		resp, err := a.callProviderWithRetry(ctx, msgs)
		if err != nil {
			if ctx.Err() != nil {
				a.finishCancelled(parentCtx)
				return
			}
			a.fail(parentCtx, ErrorKindProviderProtocol, "provider request failed", err)
			return
		}
		a.mu.Lock()
		a.lastUsage = resp.InputTokens + resp.OutputTokens
		a.mu.Unlock()

		if resp.Text != "" {
			if _, err := a.threads.Append(ctx, a.threadID, events.TypeAgentMessage, events.AgentMessageData{Text: resp.Text}); err != nil {
				a.fail(parentCtx, ErrorKindPersistence, "append agent message", err)
				return
			}
		}

		validCalls := a.filterValidToolCalls(resp.ToolCalls)
		if len(validCalls) == 0 {
			break
		}

		halted, err := a.runToolBatch(ctx, validCalls)
		if err != nil {
			if ctx.Err() != nil {
				a.finishCancelled(parentCtx)
				return
			}
			a.fail(parentCtx, ErrorKindPersistence, "execute tool batch", err)
			return
		}
		if halted {
			break
		}
	}

	a.emit(ctx, Event{Type: EventTurnCompleted})
	a.setState(parentCtx, StateIdle)
}

// maybeCompact checks the token budget and, if warranted and off
// cooldown, runs one compaction pass. Failures are logged, never
// fatal: the turn continues against the uncompacted event log.
func (a *Agent) maybeCompact(ctx context.Context, turn int64) {
	if a.compactor == nil {
		return
	}
	a.mu.Lock()
	used := a.lastUsage
	a.mu.Unlock()

	if !a.compactor.ShouldTrigger(a.budget, used, a.threadID, turn) {
		return
	}

	a.setState(ctx, StateCompacting)
	defer a.setState(ctx, StateThinking)

	a.emit(ctx, Event{Type: EventCompactionStarted})
	ev, triggered, err := a.compactor.Compact(ctx, a.threadID, turn)
	if err != nil {
		slog.Warn("compaction failed, turn continues unmodified", "thread_id", a.threadID, "error", err)
		return
	}
	if !triggered {
		return
	}
	data := ev.Data.(events.CompactionData)
	a.emit(ctx, Event{Type: EventCompactionCompleted, Compaction: &data})
}

// runToolBatch appends a TOOL_CALL event per call, dispatches them to
// the Tool Executor, and reports whether the batch halts the turn
// (a denial) without a follow-up model call.
func (a *Agent) runToolBatch(ctx context.Context, calls []provider.ToolCall) (halted bool, err error) {
	a.setState(ctx, StateToolExecution)

	callData := make([]events.ToolCallData, len(calls))
	for i, c := range calls {
		callData[i] = events.ToolCallData{CallID: c.CallID, Name: c.Name, Arguments: []byte(c.Arguments)}
		if _, err := a.threads.Append(ctx, a.threadID, events.TypeToolCall, callData[i]); err != nil {
			return false, err
		}
		a.emit(ctx, Event{Type: EventToolUseStart, ToolCallID: c.CallID, ToolName: c.Name})
	}

	batch, err := a.executor.ExecuteBatch(ctx, a.threadID, callData, registry.Context{
		WorkingDirectory: a.workingDirectory,
		ToolTempDir:      a.toolTempDir,
		AgentHandle:      a.fileTracker,
	})
	if err != nil {
		return false, err
	}

	for _, rEv := range batch.Results {
		if d, ok := rEv.Data.(events.ToolResultData); ok {
			a.emit(ctx, Event{Type: EventToolUseComplete, ToolCallID: d.CallID, IsError: d.IsError})
		}
	}

	return batch.Denied, nil
}

// filterValidToolCalls drops any tool call whose arguments never
// completed into valid JSON: per the boundary behavior, it is not
// appended as a TOOL_CALL at all, just logged and skipped.
func (a *Agent) filterValidToolCalls(calls []provider.ToolCall) []provider.ToolCall {
	out := make([]provider.ToolCall, 0, len(calls))
	for _, c := range calls {
		if !json.Valid(c.Arguments) {
			slog.Warn("tool call input JSON never completed, dropping",
				"thread_id", a.threadID, "call_id", c.CallID, "tool", c.Name)
			continue
		}
		out = append(out, c)
	}
	return out
}

// finishCancelled records a cancellation marker (using parentCtx, since
// the turn's own context is already done) and returns the agent to
// idle.
func (a *Agent) finishCancelled(parentCtx context.Context) {
	if _, err := a.threads.Append(parentCtx, a.threadID, events.TypeAgentMessage, events.AgentMessageData{Text: "[turn cancelled]"}); err != nil {
		slog.Warn("failed to record cancellation marker", "thread_id", a.threadID, "error", err)
	}
	a.emit(parentCtx, Event{Type: EventTurnCompleted})
	a.setState(parentCtx, StateIdle)
}

// callProviderWithRetry issues the request, preferring streaming,
// retrying transient failures per the provider's backoff policy. Once
// any content has reached the caller for this request, CanRetry always
// refuses further retries to avoid duplicating that content.
func (a *Agent) callProviderWithRetry(ctx context.Context, msgs []provider.Message) (provider.Response, error) {
	req := a.buildRequest(msgs)
	streamedContent := false

	result, err := backoff.RetryWithBackoff(
		ctx,
		a.retryPolicy,
		func(err error) bool { return provider.CanRetry(err, streamedContent) },
		func(attempt int, err error) {
			a.emit(ctx, Event{
				Type:        EventRetryAttempt,
				Attempt:     attempt,
				MaxAttempts: a.retryPolicy.MaxAttempts,
				Err:         err,
			})
		},
		func(attempt int) (provider.Response, error) {
			resp, streamedAny, serr := a.streamTurn(ctx, req)
			if streamedAny {
				streamedContent = true
			}
			return resp, serr
		},
	)
	if err != nil {
		if errors.Is(err, backoff.ErrMaxAttemptsExhausted) {
			a.emit(ctx, Event{
				Type:        EventRetryExhausted,
				Attempt:     result.Attempts,
				MaxAttempts: a.retryPolicy.MaxAttempts,
				Err:         result.LastError,
			})
		}
		return provider.Response{}, err
	}
	return result.Value, nil
}

type pendingToolCall struct {
	name string
	args string
}

// streamTurn consumes one streaming provider response, emitting token
// observables as deltas arrive and buffering the full text to append
// once as a single AGENT_MESSAGE at turn end. It reports whether any
// content reached the caller before an error, if any, occurred.
func (a *Agent) streamTurn(ctx context.Context, req provider.Request) (provider.Response, bool, error) {
	deltas, err := a.provider.CreateStreamingResponse(ctx, req)
	if err != nil {
		return provider.Response{}, false, err
	}
	a.setState(ctx, StateStreaming)

	var textOut, thinkingOut string
	streamedAny := false
	calls := make(map[string]*pendingToolCall)
	var order []string
	var resp provider.Response

	for delta := range deltas {
		switch delta.Kind {
		case provider.DeltaContentText:
			textOut += delta.Text
			streamedAny = true
			a.emit(ctx, Event{Type: EventToken, Text: delta.Text})
		case provider.DeltaThinkingText:
			thinkingOut += delta.Text
			a.emit(ctx, Event{Type: EventThinkingToken, Text: delta.Text})
		case provider.DeltaToolCallStart:
			calls[delta.ToolCallID] = &pendingToolCall{name: delta.ToolName}
			order = append(order, delta.ToolCallID)
		case provider.DeltaToolCallInput:
			if p, ok := calls[delta.ToolCallID]; ok {
				p.args = delta.ArgumentsText
			}
		case provider.DeltaToolCallComplete:
			if p, ok := calls[delta.ToolCallID]; ok {
				p.args = delta.ArgumentsText
				if delta.ToolName != "" {
					p.name = delta.ToolName
				}
				streamedAny = true
			}
		case provider.DeltaMessageEnd:
			resp.InputTokens = delta.InputTokens
			resp.OutputTokens = delta.OutputTokens
		}
		if delta.Err != nil {
			return provider.Response{}, streamedAny, delta.Err
		}
	}

	resp.Text = textOut
	resp.Thinking = thinkingOut
	for _, id := range order {
		p := calls[id]
		resp.ToolCalls = append(resp.ToolCalls, provider.ToolCall{
			CallID:    id,
			Name:      p.name,
			Arguments: json.RawMessage(p.args),
		})
	}
	return resp, streamedAny, nil
}

func (a *Agent) buildRequest(msgs []provider.Message) provider.Request {
	var system string
	filtered := make([]provider.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		filtered = append(filtered, m)
	}

	defs := a.registry.Defs()
	tools := make([]provider.ToolDef, len(defs))
	for i, d := range defs {
		tools[i] = provider.ToolDef{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema}
	}

	a.mu.Lock()
	used := a.lastUsage
	a.mu.Unlock()

	return provider.Request{
		Model:     a.model,
		System:    system,
		Messages:  filtered,
		Tools:     tools,
		MaxTokens: a.budget.Available(used),
	}
}
