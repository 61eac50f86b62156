package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements Provider against the Chat Completions
// streaming API.
type OpenAIProvider struct {
	client       *openai.Client
	apiKey       string
	defaultModel string
}

var openaiModels = map[string]ModelInfo{
	"gpt-4o":        {ID: "gpt-4o", ContextWindow: 128000, SupportsVision: true, SupportsTools: true},
	"gpt-4-turbo":   {ID: "gpt-4-turbo", ContextWindow: 128000, SupportsVision: true, SupportsTools: true},
	"gpt-4":         {ID: "gpt-4", ContextWindow: 8192, SupportsTools: true},
	"gpt-3.5-turbo": {ID: "gpt-3.5-turbo", ContextWindow: 16385, SupportsTools: true},
}

// NewOpenAIProvider creates an OpenAIProvider. An empty apiKey is
// accepted so the provider can exist unconfigured.
func NewOpenAIProvider(apiKey, defaultModel string) *OpenAIProvider {
	if defaultModel == "" {
		defaultModel = "gpt-4o"
	}
	p := &OpenAIProvider{apiKey: apiKey, defaultModel: defaultModel}
	if apiKey != "" {
		p.client = openai.NewClient(apiKey)
	}
	return p
}

// ProviderInfo implements Provider.
func (p *OpenAIProvider) ProviderInfo() Info {
	return Info{Name: "openai", DefaultModel: p.defaultModel}
}

// IsConfigured implements Provider.
func (p *OpenAIProvider) IsConfigured() bool {
	return p.client != nil
}

// ModelInfo implements Provider.
func (p *OpenAIProvider) ModelInfo(model string) (ModelInfo, error) {
	if model == "" {
		model = p.defaultModel
	}
	info, ok := openaiModels[model]
	if !ok {
		return ModelInfo{}, fmt.Errorf("openai: unknown model %q", model)
	}
	return info, nil
}

func (p *OpenAIProvider) model(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func convertOpenAIMessages(msgs []Message, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range msgs {
		switch m.Role {
		case "user", "tool":
			if m.Role == "user" {
				out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
			}
			for _, r := range m.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    r.Content,
					ToolCallID: r.CallID,
				})
			}
		case "assistant":
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
			for _, tc := range m.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.CallID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, oaiMsg)
		}
	}
	return out
}

func convertOpenAITools(defs []ToolDef) []openai.Tool {
	out := make([]openai.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  json.RawMessage(d.InputSchema),
			},
		})
	}
	return out
}

// CreateResponse implements Provider by draining CreateStreamingResponse.
func (p *OpenAIProvider) CreateResponse(ctx context.Context, req Request) (Response, error) {
	deltas, err := p.CreateStreamingResponse(ctx, req)
	if err != nil {
		return Response{}, err
	}
	var resp Response
	var text string
	var currentCall *ToolCall
	var currentArgs string
	for d := range deltas {
		switch d.Kind {
		case DeltaContentText:
			text += d.Text
		case DeltaToolCallStart:
			currentCall = &ToolCall{CallID: d.ToolCallID, Name: d.ToolName}
			currentArgs = ""
		case DeltaToolCallInput:
			currentArgs += d.ArgumentsText
		case DeltaToolCallComplete:
			if currentCall != nil {
				currentCall.Arguments = json.RawMessage(currentArgs)
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
	resp.Text = text
	return resp, nil
}

// CreateStreamingResponse implements Provider.
func (p *OpenAIProvider) CreateStreamingResponse(ctx context.Context, req Request) (<-chan StreamDelta, error) {
	if p.client == nil {
		return nil, NewProviderError("openai", p.model(req), errors.New("openai: API key not configured"))
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    p.model(req),
		Messages: convertOpenAIMessages(req.Messages, req.System),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, NewProviderError("openai", p.model(req), err)
	}

	out := make(chan StreamDelta)
	go p.processStream(ctx, stream, out)
	return out, nil
}

type partialToolCall struct {
	callID string
	name   string
	args   string
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- StreamDelta) {
	defer close(out)
	defer stream.Close()

	toolCalls := make(map[int]*partialToolCall)
	started := make(map[int]bool)
	out <- StreamDelta{Kind: DeltaMessageStart}

	for {
		select {
		case <-ctx.Done():
			out <- StreamDelta{Kind: DeltaMessageEnd, Err: ctx.Err()}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.flushToolCalls(toolCalls, out)
				out <- StreamDelta{Kind: DeltaMessageEnd}
				return
			}
			out <- StreamDelta{Kind: DeltaMessageEnd, Err: NewProviderError("openai", "", err)}
			return
		}

		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta

		if delta.Content != "" {
			out <- StreamDelta{Kind: DeltaContentText, Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			current, ok := toolCalls[index]
			if !ok {
				current = &partialToolCall{}
				toolCalls[index] = current
			}
			if tc.ID != "" {
				current.callID = tc.ID
			}
			if tc.Function.Name != "" {
				current.name = tc.Function.Name
			}
			if !started[index] && current.callID != "" && current.name != "" {
				out <- StreamDelta{Kind: DeltaToolCallStart, ToolCallID: current.callID, ToolName: current.name}
				started[index] = true
			}
			if tc.Function.Arguments != "" {
				current.args += tc.Function.Arguments
				out <- StreamDelta{Kind: DeltaToolCallInput, ToolCallID: current.callID, ArgumentsText: tc.Function.Arguments}
			}
		}

		if resp.Choices[0].FinishReason == openai.FinishReasonToolCalls {
			p.flushToolCalls(toolCalls, out)
			toolCalls = make(map[int]*partialToolCall)
			started = make(map[int]bool)
		}
	}
}

func (p *OpenAIProvider) flushToolCalls(toolCalls map[int]*partialToolCall, out chan<- StreamDelta) {
	for _, tc := range toolCalls {
		if tc.callID == "" || tc.name == "" {
			continue
		}
		out <- StreamDelta{Kind: DeltaToolCallComplete, ToolCallID: tc.callID, ToolName: tc.name, ArgumentsText: tc.args}
	}
}
