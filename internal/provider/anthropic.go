package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// AnthropicProvider implements Provider against Anthropic's Messages
// API, converting between lace's Request/StreamDelta types and the
// SDK's streaming event union.
type AnthropicProvider struct {
	client       anthropic.Client
	apiKey       string
	defaultModel string
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

var anthropicModels = map[string]ModelInfo{
	"claude-sonnet-4-20250514":  {ID: "claude-sonnet-4-20250514", ContextWindow: 200000, SupportsVision: true, SupportsTools: true},
	"claude-opus-4-20250514":    {ID: "claude-opus-4-20250514", ContextWindow: 200000, SupportsVision: true, SupportsTools: true},
	"claude-3-5-sonnet-20241022": {ID: "claude-3-5-sonnet-20241022", ContextWindow: 200000, SupportsVision: true, SupportsTools: true},
	"claude-3-haiku-20240307":   {ID: "claude-3-haiku-20240307", ContextWindow: 200000, SupportsVision: true, SupportsTools: true},
}

// NewAnthropicProvider creates an AnthropicProvider. It never fails for
// a missing API key: IsConfigured reports that instead, so a lace
// instance can list an unconfigured provider without erroring at
// startup.
func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		apiKey:       cfg.APIKey,
		defaultModel: cfg.DefaultModel,
	}
}

// ProviderInfo implements Provider.
func (p *AnthropicProvider) ProviderInfo() Info {
	return Info{Name: "anthropic", DefaultModel: p.defaultModel}
}

// IsConfigured implements Provider.
func (p *AnthropicProvider) IsConfigured() bool {
	return p.apiKey != ""
}

// ModelInfo implements Provider.
func (p *AnthropicProvider) ModelInfo(model string) (ModelInfo, error) {
	if model == "" {
		model = p.defaultModel
	}
	info, ok := anthropicModels[model]
	if !ok {
		return ModelInfo{}, fmt.Errorf("anthropic: unknown model %q", model)
	}
	return info, nil
}

func (p *AnthropicProvider) model(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func (p *AnthropicProvider) maxTokens(req Request) int64 {
	if req.MaxTokens > 0 {
		return int64(req.MaxTokens)
	}
	return 4096
}

func convertMessages(msgs []Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "user", "tool":
			blocks := []anthropic.ContentBlockParamUnion{}
			if m.Role == "user" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, r := range m.ToolResults {
				content := "(empty)"
				if r.Content != "" {
					content = r.Content
				}
				blocks = append(blocks, anthropic.NewToolResultBlock(r.CallID, content, r.IsError))
			}
			out = append(out, anthropic.NewUserMessage(blocks...))
		case "assistant":
			blocks := []anthropic.ContentBlockParamUnion{}
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &input); err != nil {
						return nil, fmt.Errorf("anthropic: tool call arguments: %w", err)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.CallID, input, tc.Name))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("anthropic: unsupported role %q", m.Role)
		}
	}
	return out, nil
}

func convertTools(defs []ToolDef) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(d.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: tool schema for %s: %w", d.Name, err)
		}
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        d.Name,
				Description: anthropic.String(d.Description),
				InputSchema: schema,
			},
		})
	}
	return out, nil
}

func (p *AnthropicProvider) buildParams(req Request) (anthropic.MessageNewParams, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req)),
		Messages:  messages,
		MaxTokens: p.maxTokens(req),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	if req.EnableThinking {
		budget := int64(req.ThinkingBudgetTokens)
		if budget < 1024 {
			budget = 10000
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}
	return params, nil
}

// CreateResponse implements Provider by draining CreateStreamingResponse.
func (p *AnthropicProvider) CreateResponse(ctx context.Context, req Request) (Response, error) {
	deltas, err := p.CreateStreamingResponse(ctx, req)
	if err != nil {
		return Response{}, err
	}
	var resp Response
	var text, thinking strings.Builder
	var currentCall *ToolCall
	var currentArgs strings.Builder
	for d := range deltas {
		switch d.Kind {
		case DeltaContentText:
			text.WriteString(d.Text)
		case DeltaThinkingText:
			thinking.WriteString(d.Text)
		case DeltaToolCallStart:
			currentCall = &ToolCall{CallID: d.ToolCallID, Name: d.ToolName}
			currentArgs.Reset()
		case DeltaToolCallInput:
			currentArgs.WriteString(d.ArgumentsText)
		case DeltaToolCallComplete:
			if currentCall != nil {
				currentCall.Arguments = json.RawMessage(currentArgs.String())
				resp.ToolCalls = append(resp.ToolCalls, *currentCall)
				currentCall = nil
			}
		case DeltaMessageEnd:
			resp.InputTokens = d.InputTokens
			resp.OutputTokens = d.OutputTokens
			if d.Err != nil {
				return Response{}, d.Err
			}
		}
	}
	resp.Text = text.String()
	resp.Thinking = thinking.String()
	return resp, nil
}

// maxEmptyStreamEvents bounds how many consecutive no-op SSE events a
// stream may emit before lace treats it as malformed and aborts.
const maxEmptyStreamEvents = 300

// CreateStreamingResponse implements Provider.
func (p *AnthropicProvider) CreateStreamingResponse(ctx context.Context, req Request) (<-chan StreamDelta, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, NewProviderError("anthropic", p.model(req), err)
	}

	out := make(chan StreamDelta)
	go func() {
		defer close(out)
		stream := p.client.Messages.NewStreaming(ctx, params)
		p.processStream(stream, out, p.model(req))
	}()
	return out, nil
}

func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- StreamDelta, model string) {
	var inputTokens, outputTokens int
	var inThinking bool
	var toolCallID, toolName string
	var toolInput strings.Builder
	inToolUse := false
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		processed := true

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				inputTokens = int(ms.Message.Usage.InputTokens)
			}
			out <- StreamDelta{Kind: DeltaMessageStart}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "thinking":
				inThinking = true
			case "tool_use":
				toolUse := block.AsToolUse()
				toolCallID, toolName = toolUse.ID, toolUse.Name
				toolInput.Reset()
				inToolUse = true
				out <- StreamDelta{Kind: DeltaToolCallStart, ToolCallID: toolCallID, ToolName: toolName}
			default:
				processed = false
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- StreamDelta{Kind: DeltaContentText, Text: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					out <- StreamDelta{Kind: DeltaThinkingText, Text: delta.Thinking}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
					out <- StreamDelta{Kind: DeltaToolCallInput, ToolCallID: toolCallID, ArgumentsText: delta.PartialJSON}
				}
			default:
				processed = false
			}

		case "content_block_stop":
			switch {
			case inThinking:
				inThinking = false
			case inToolUse:
				out <- StreamDelta{Kind: DeltaToolCallComplete, ToolCallID: toolCallID, ToolName: toolName, ArgumentsText: toolInput.String()}
				inToolUse = false
			default:
				processed = false
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}

		case "message_stop":
			out <- StreamDelta{Kind: DeltaMessageEnd, InputTokens: inputTokens, OutputTokens: outputTokens}
			return

		case "error":
			out <- StreamDelta{Kind: DeltaMessageEnd, Err: NewProviderError("anthropic", model, errors.New("anthropic stream error"))}
			return

		default:
			processed = false
		}

		if processed {
			emptyEvents = 0
		} else if emptyEvents++; emptyEvents >= maxEmptyStreamEvents {
			out <- StreamDelta{Kind: DeltaMessageEnd, Err: NewProviderError("anthropic", model,
				fmt.Errorf("stream appears malformed: %d consecutive empty events", emptyEvents))}
			return
		}
	}

	if err := stream.Err(); err != nil {
		out <- StreamDelta{Kind: DeltaMessageEnd, Err: NewProviderError("anthropic", model, err)}
	}
}
