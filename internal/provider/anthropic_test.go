package provider

import (
	"encoding/json"
	"testing"
)

func TestNewAnthropicProviderIsConfiguredReflectsAPIKey(t *testing.T) {
	unconfigured := NewAnthropicProvider(AnthropicConfig{})
	if unconfigured.IsConfigured() {
		t.Fatal("expected a provider with no API key to report IsConfigured=false")
	}

	configured := NewAnthropicProvider(AnthropicConfig{APIKey: "sk-ant-test"})
	if !configured.IsConfigured() {
		t.Fatal("expected a provider with an API key to report IsConfigured=true")
	}
}

func TestNewAnthropicProviderDefaultsModel(t *testing.T) {
	p := NewAnthropicProvider(AnthropicConfig{})
	if p.ProviderInfo().DefaultModel != "claude-sonnet-4-20250514" {
		t.Fatalf("unexpected default model: %q", p.ProviderInfo().DefaultModel)
	}
}

func TestAnthropicModelInfoUnknownModelErrors(t *testing.T) {
	p := NewAnthropicProvider(AnthropicConfig{})
	if _, err := p.ModelInfo("gpt-4"); err == nil {
		t.Fatal("expected an error for a model unknown to the anthropic provider")
	}
	info, err := p.ModelInfo("claude-opus-4-20250514")
	if err != nil {
		t.Fatalf("ModelInfo: %v", err)
	}
	if info.ContextWindow != 200000 {
		t.Fatalf("unexpected context window: %d", info.ContextWindow)
	}
}

func TestConvertMessagesRejectsUnsupportedRole(t *testing.T) {
	_, err := convertMessages([]Message{{Role: "system", Content: "hi"}})
	if err == nil {
		t.Fatal("expected an error for an unsupported role")
	}
}

func TestConvertMessagesBuildsToolResultBlocks(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "read this file", ToolResults: []ToolResult{{CallID: "c1", Content: "contents", IsError: false}}},
		{Role: "assistant", Content: "ok", ToolCalls: []ToolCall{{CallID: "c2", Name: "file_read", Arguments: json.RawMessage(`{"path":"a.go"}`)}}},
	}
	out, err := convertMessages(msgs)
	if err != nil {
		t.Fatalf("convertMessages: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 converted messages, got %d", len(out))
	}
}

func TestConvertMessagesRejectsInvalidToolCallArguments(t *testing.T) {
	msgs := []Message{
		{Role: "assistant", ToolCalls: []ToolCall{{CallID: "c1", Name: "x", Arguments: json.RawMessage(`{not json`)}}},
	}
	if _, err := convertMessages(msgs); err == nil {
		t.Fatal("expected an error for malformed tool call arguments JSON")
	}
}

func TestConvertToolsRejectsInvalidSchema(t *testing.T) {
	_, err := convertTools([]ToolDef{{Name: "x", InputSchema: json.RawMessage(`not json`)}})
	if err == nil {
		t.Fatal("expected an error for a malformed tool input schema")
	}
}

func TestProviderMaxTokensDefaultsWhenUnset(t *testing.T) {
	p := NewAnthropicProvider(AnthropicConfig{})
	if got := p.maxTokens(Request{}); got != 4096 {
		t.Fatalf("expected default max_tokens 4096, got %d", got)
	}
	if got := p.maxTokens(Request{MaxTokens: 8000}); got != 8000 {
		t.Fatalf("expected the request's MaxTokens to be honored, got %d", got)
	}
}

func TestProviderModelFallsBackToDefault(t *testing.T) {
	p := NewAnthropicProvider(AnthropicConfig{DefaultModel: "claude-opus-4-20250514"})
	if got := p.model(Request{}); got != "claude-opus-4-20250514" {
		t.Fatalf("expected the provider's default model, got %q", got)
	}
	if got := p.model(Request{Model: "claude-3-haiku-20240307"}); got != "claude-3-haiku-20240307" {
		t.Fatalf("expected the request's model override, got %q", got)
	}
}
