package messages

import (
	"reflect"
	"testing"

	"github.com/obra/lace/pkg/events"
)

func seqEvents(types []events.Type, datas []events.Data) []events.Event {
	evs := make([]events.Event, len(types))
	for i := range types {
		evs[i] = events.Event{Sequence: int64(i + 1), Type: types[i], Data: datas[i]}
	}
	return evs
}

func TestBuild_SimpleTurn(t *testing.T) {
	evs := seqEvents(
		[]events.Type{events.TypeUserMessage, events.TypeAgentMessage},
		[]events.Data{
			events.UserMessageData{Text: "hi"},
			events.AgentMessageData{Text: "hello"},
		},
	)
	msgs := Build("you are lace", evs, true)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages (system, user, assistant), got %d", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "you are lace" {
		t.Fatalf("unexpected system message: %+v", msgs[0])
	}
	if msgs[1].Role != "user" || msgs[1].Content != "hi" {
		t.Fatalf("unexpected user message: %+v", msgs[1])
	}
	if msgs[2].Role != "assistant" || msgs[2].Content != "hello" {
		t.Fatalf("unexpected assistant message: %+v", msgs[2])
	}
}

func TestBuild_ToolCallPairsWithResult(t *testing.T) {
	evs := seqEvents(
		[]events.Type{events.TypeUserMessage, events.TypeToolCall, events.TypeApprovalRequest, events.TypeApprovalResponse, events.TypeToolResult},
		[]events.Data{
			events.UserMessageData{Text: "run it"},
			events.ToolCallData{CallID: "c1", Name: "bash", Arguments: []byte(`{}`)},
			events.ApprovalRequestData{CallID: "c1"},
			events.ApprovalResponseData{CallID: "c1", Decision: events.DecisionAllowOnce},
			events.ToolResultData{CallID: "c1", Content: []events.ContentBlock{events.TextBlock("done")}},
		},
	)
	msgs := Build("sys", evs, true)
	if len(msgs) != 4 {
		t.Fatalf("expected system, user, assistant(tool_call), tool(result) = 4 messages, got %d: %+v", len(msgs), msgs)
	}
	if msgs[2].Role != "assistant" || len(msgs[2].ToolCalls) != 1 || msgs[2].ToolCalls[0].CallID != "c1" {
		t.Fatalf("expected assistant tool-call message, got %+v", msgs[2])
	}
	if msgs[3].Role != "tool" || len(msgs[3].ToolResults) != 1 || msgs[3].ToolResults[0].Content != "done" {
		t.Fatalf("expected tool result message, got %+v", msgs[3])
	}
}

func TestBuild_PendingToolCallWithoutResultOmitted(t *testing.T) {
	evs := seqEvents(
		[]events.Type{events.TypeUserMessage, events.TypeToolCall},
		[]events.Data{
			events.UserMessageData{Text: "run it"},
			events.ToolCallData{CallID: "c1", Name: "bash", Arguments: []byte(`{}`)},
		},
	)
	msgs := Build("sys", evs, true)
	if len(msgs) != 2 {
		t.Fatalf("expected only system+user, pending tool call omitted; got %d: %+v", len(msgs), msgs)
	}
}

func TestBuild_DuplicateResultElided(t *testing.T) {
	evs := seqEvents(
		[]events.Type{events.TypeToolCall, events.TypeToolResult, events.TypeToolResult},
		[]events.Data{
			events.ToolCallData{CallID: "c1", Name: "bash", Arguments: []byte(`{}`)},
			events.ToolResultData{CallID: "c1", Content: []events.ContentBlock{events.TextBlock("first")}},
			events.ToolResultData{CallID: "c1", Content: []events.ContentBlock{events.TextBlock("second")}},
		},
	)
	msgs := Build("sys", evs, true)
	var toolMsgs int
	for _, m := range msgs {
		if m.Role == "tool" {
			toolMsgs++
			if len(m.ToolResults) != 1 || m.ToolResults[0].Content != "first" {
				t.Fatalf("expected only the first result to survive, got %+v", m.ToolResults)
			}
		}
	}
	if toolMsgs != 1 {
		t.Fatalf("expected exactly one tool-result message, got %d", toolMsgs)
	}
}

func TestBuild_CompactionSubstitutesRange(t *testing.T) {
	evs := []events.Event{
		{Sequence: 1, Type: events.TypeUserMessage, Data: events.UserMessageData{Text: "turn one"}},
		{Sequence: 2, Type: events.TypeAgentMessage, Data: events.AgentMessageData{Text: "reply one"}},
		{Sequence: 3, Type: events.TypeCompaction, Data: events.CompactionData{
			SummaryText: "condensed", FirstSequence: 1, LastSequence: 2,
		}},
		{Sequence: 4, Type: events.TypeUserMessage, Data: events.UserMessageData{Text: "turn two"}},
	}
	msgs := Build("sys", evs, true)
	if len(msgs) != 3 {
		t.Fatalf("expected system, synthetic summary, user(turn two) = 3, got %d: %+v", len(msgs), msgs)
	}
	if msgs[1].Role != "user" || msgs[1].Content != "[Earlier conversation summarized]\ncondensed" {
		t.Fatalf("unexpected synthetic message: %+v", msgs[1])
	}
	if msgs[2].Content != "turn two" {
		t.Fatalf("expected turn two to survive uncompacted, got %+v", msgs[2])
	}
}

func TestBuild_ThinkStrippedWhenUnsupported(t *testing.T) {
	evs := seqEvents(
		[]events.Type{events.TypeAgentMessage},
		[]events.Data{events.AgentMessageData{Text: "<think>reasoning</think>the answer"}},
	)
	msgs := Build("sys", evs, false)
	if msgs[1].Content != "the answer" {
		t.Fatalf("expected think block stripped, got %q", msgs[1].Content)
	}
}

func TestBuild_ThinkKeptWhenSupported(t *testing.T) {
	evs := seqEvents(
		[]events.Type{events.TypeAgentMessage},
		[]events.Data{events.AgentMessageData{Text: "<think>reasoning</think>the answer"}},
	)
	msgs := Build("sys", evs, true)
	if msgs[1].Content != "<think>reasoning</think>the answer" {
		t.Fatalf("expected think block kept, got %q", msgs[1].Content)
	}
}

func TestBuild_Deterministic(t *testing.T) {
	evs := seqEvents(
		[]events.Type{events.TypeUserMessage, events.TypeAgentMessage},
		[]events.Data{
			events.UserMessageData{Text: "hi"},
			events.AgentMessageData{Text: "hello"},
		},
	)
	a := Build("sys", evs, true)
	b := Build("sys", evs, true)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("non-deterministic output: %+v vs %+v", a, b)
	}
}
