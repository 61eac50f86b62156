package agentcore

import (
	"context"
	"fmt"
	"strings"

	"github.com/obra/lace/internal/provider"
	"github.com/obra/lace/pkg/events"
)

// DefaultSummarizationPrompt is the system prompt used to compress a
// span of events into the text a COMPACTION event carries. Exact
// prompt wording and cut-point selection are intentionally left open
// for callers to override; this is a reasonable default, not a
// mandated one.
const DefaultSummarizationPrompt = "Summarize the conversation events below into a concise paragraph. Preserve every decision, fact, and open question a future turn would need, and omit meta-commentary."

// ProviderSummarizer implements budget.Summarizer over the Provider
// abstraction: it issues a non-streaming completion against a cheaper
// summarization prompt, per spec's "invoke a cheaper summarization pass
// via the provider abstraction."
type ProviderSummarizer struct {
	Provider provider.Provider
	Model    string
	Prompt   string
}

// Summarize implements budget.Summarizer.
func (s ProviderSummarizer) Summarize(ctx context.Context, evs []events.Event) (string, error) {
	prompt := s.Prompt
	if prompt == "" {
		prompt = DefaultSummarizationPrompt
	}
	resp, err := s.Provider.CreateResponse(ctx, provider.Request{
		Model:  s.Model,
		System: prompt,
		Messages: []provider.Message{
			{Role: "user", Content: renderEventsForSummary(evs)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("agentcore: summarize: %w", err)
	}
	return resp.Text, nil
}

func renderEventsForSummary(evs []events.Event) string {
	var b strings.Builder
	for _, ev := range evs {
		switch d := ev.Data.(type) {
		case events.UserMessageData:
			fmt.Fprintf(&b, "User: %s\n", d.Text)
		case events.AgentMessageData:
			fmt.Fprintf(&b, "Assistant: %s\n", d.Text)
		case events.ToolCallData:
			fmt.Fprintf(&b, "Tool call %s(%s)\n", d.Name, string(d.Arguments))
		case events.ToolResultData:
			fmt.Fprintf(&b, "Tool result: %s\n", joinContentBlocks(d.Content))
		}
	}
	return b.String()
}

func joinContentBlocks(blocks []events.ContentBlock) string {
	var b strings.Builder
	for i, block := range blocks {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(block.Text)
	}
	return b.String()
}
