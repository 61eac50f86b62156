// Package messages implements the Message Builder: it rebuilds the
// provider-facing message list from a thread's event log on every
// turn. Rebuilding is deterministic — the same event sequence always
// produces byte-identical messages — because it is a pure function of
// the log, never of any in-memory turn state.
package messages

import (
	"regexp"
	"sort"
	"strings"

	"github.com/obra/lace/internal/provider"
	"github.com/obra/lace/pkg/events"
)

// thinkBlock matches an embedded <think>...</think> span in an
// AGENT_MESSAGE's text, across newlines.
var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

// Build walks evs in sequence order and produces the ordered message
// list a Provider request should carry, per the five-step algorithm:
// system prompt, compaction substitution, user/assistant conversion,
// tool_call/tool_result pairing with duplicate elision, and omission of
// any tool call still awaiting its result.
//
// supportsThinking controls whether an AGENT_MESSAGE's <think> blocks
// are kept (providers that accept a thinking channel) or stripped
// (providers that don't).
func Build(systemPrompt string, evs []events.Event, supportsThinking bool) []provider.Message {
	msgs := []provider.Message{{Role: "system", Content: systemPrompt}}

	resultByCall := make(map[string]events.ToolResultData)
	firstResultSeq := make(map[string]int64)
	for _, ev := range evs {
		if ev.Type != events.TypeToolResult {
			continue
		}
		d, ok := ev.Data.(events.ToolResultData)
		if !ok {
			continue
		}
		if _, seen := resultByCall[d.CallID]; !seen {
			resultByCall[d.CallID] = d
			firstResultSeq[d.CallID] = ev.Sequence
		}
	}

	compactions := compactionRanges(evs)
	emitted := make([]bool, len(compactions))

	var pendingCalls []provider.ToolCall
	var pendingResults []provider.ToolResult

	flushCalls := func() {
		if len(pendingCalls) > 0 {
			msgs = append(msgs, provider.Message{Role: "assistant", ToolCalls: pendingCalls})
			pendingCalls = nil
		}
	}
	flushResults := func() {
		if len(pendingResults) > 0 {
			msgs = append(msgs, provider.Message{Role: "tool", ToolResults: pendingResults})
			pendingResults = nil
		}
	}
	flushAll := func() {
		flushCalls()
		flushResults()
	}

	for _, ev := range evs {
		if ev.Type == events.TypeCompaction {
			continue
		}

		if idx, ok := rangeIndexFor(compactions, ev.Sequence); ok {
			flushAll()
			if !emitted[idx] {
				msgs = append(msgs, syntheticCompactionMessage(compactions[idx].SummaryText))
				emitted[idx] = true
			}
			continue
		}

		switch ev.Type {
		case events.TypeUserMessage:
			flushAll()
			d := ev.Data.(events.UserMessageData)
			msgs = append(msgs, provider.Message{Role: "user", Content: d.Text})

		case events.TypeAgentMessage:
			flushAll()
			d := ev.Data.(events.AgentMessageData)
			msgs = append(msgs, provider.Message{Role: "assistant", Content: renderThinking(d.Text, supportsThinking)})

		case events.TypeToolCall:
			d := ev.Data.(events.ToolCallData)
			if _, hasResult := resultByCall[d.CallID]; !hasResult {
				// Mid-turn: this call hasn't resolved yet. Per the
				// pairing rule, it is not emitted at all.
				continue
			}
			flushResults()
			pendingCalls = append(pendingCalls, provider.ToolCall{
				CallID:    d.CallID,
				Name:      d.Name,
				Arguments: append([]byte(nil), d.Arguments...),
			})

		case events.TypeToolResult:
			d := ev.Data.(events.ToolResultData)
			if firstResultSeq[d.CallID] != ev.Sequence {
				// A later TOOL_RESULT for a call_id already resolved;
				// defense layer 3 against duplicate tool execution.
				continue
			}
			flushCalls()
			pendingResults = append(pendingResults, provider.ToolResult{
				CallID:  d.CallID,
				Content: contentText(d.Content),
				IsError: d.IsError,
			})

		case events.TypeApprovalRequest, events.TypeApprovalResponse, events.TypeSystemPrompt:
			// Approval bookkeeping and prior system-prompt snapshots are
			// not themselves part of the model-facing conversation.
		}
	}

	flushAll()
	return msgs
}

// compactionRange is a resolved [FirstSequence, LastSequence] span a
// COMPACTION event replaces, sorted so earlier ranges are substituted
// first.
type compactionRange struct {
	FirstSequence int64
	LastSequence  int64
	SummaryText   string
}

func compactionRanges(evs []events.Event) []compactionRange {
	var out []compactionRange
	for _, ev := range evs {
		if ev.Type != events.TypeCompaction {
			continue
		}
		d, ok := ev.Data.(events.CompactionData)
		if !ok {
			continue
		}
		out = append(out, compactionRange{
			FirstSequence: d.FirstSequence,
			LastSequence:  d.LastSequence,
			SummaryText:   d.SummaryText,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSequence < out[j].FirstSequence })
	return out
}

func rangeIndexFor(ranges []compactionRange, seq int64) (int, bool) {
	for i, r := range ranges {
		if seq >= r.FirstSequence && seq <= r.LastSequence {
			return i, true
		}
	}
	return 0, false
}

func syntheticCompactionMessage(summary string) provider.Message {
	return provider.Message{
		Role:    "user",
		Content: "[Earlier conversation summarized]\n" + summary,
	}
}

func renderThinking(text string, supportsThinking bool) string {
	if supportsThinking {
		return text
	}
	return strings.TrimSpace(thinkBlock.ReplaceAllString(text, ""))
}

func contentText(blocks []events.ContentBlock) string {
	var b strings.Builder
	for i, block := range blocks {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(block.Text)
	}
	return b.String()
}
