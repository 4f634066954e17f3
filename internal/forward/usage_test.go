package forward

import (
	"testing"

	gateway "github.com/autorouter/autorouter/internal"
)

func TestUsageAccumulator_AnthropicStream(t *testing.T) {
	t.Parallel()

	a := NewUsageAccumulator(gateway.CapAnthropicMessages)
	a.ObserveEvent("message_start",
		[]byte(`{"message":{"usage":{"input_tokens":100,"output_tokens":1,"cache_read_input_tokens":40,"cache_creation_input_tokens":10}}}`))
	a.ObserveEvent("content_block_delta", []byte(`{"delta":{"text":"hi"}}`))
	a.ObserveEvent("message_delta", []byte(`{"usage":{"output_tokens":50}}`))

	u := a.Usage()
	if u == nil {
		t.Fatal("no usage accumulated")
	}
	if u.PromptTokens != 100 || u.CompletionTokens != 50 {
		t.Fatalf("tokens = %d/%d, want 100/50", u.PromptTokens, u.CompletionTokens)
	}
	if u.CacheReadTokens != 40 || u.CacheWriteTokens != 10 {
		t.Fatalf("cache = %d/%d, want 40/10", u.CacheReadTokens, u.CacheWriteTokens)
	}
	if u.TotalTokens != 150 {
		t.Fatalf("total = %d, want 150", u.TotalTokens)
	}
}

func TestUsageAccumulator_CodexResponseCompleted(t *testing.T) {
	t.Parallel()

	a := NewUsageAccumulator(gateway.CapCodexResponses)
	a.ObserveEvent("response.output_text.delta", []byte(`{"delta":"x"}`))
	a.ObserveEvent("response.completed",
		[]byte(`{"response":{"usage":{"input_tokens":200,"output_tokens":80,"total_tokens":280,"input_tokens_details":{"cached_tokens":120}}}}`))

	u := a.Usage()
	if u == nil || u.PromptTokens != 200 || u.CompletionTokens != 80 || u.TotalTokens != 280 {
		t.Fatalf("usage = %+v", u)
	}
	if u.CacheReadTokens != 120 {
		t.Fatalf("cached = %d, want 120", u.CacheReadTokens)
	}
}

func TestUsageAccumulator_OpenAIChatChunk(t *testing.T) {
	t.Parallel()

	a := NewUsageAccumulator(gateway.CapOpenAIChat)
	a.ObserveEvent("", []byte(`{"choices":[{"delta":{"content":"x"}}]}`))
	a.ObserveEvent("", []byte(`{"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15,"prompt_tokens_details":{"cached_tokens":4}}}`))

	u := a.Usage()
	if u == nil || u.PromptTokens != 10 || u.CompletionTokens != 5 || u.CacheReadTokens != 4 {
		t.Fatalf("usage = %+v", u)
	}
}

func TestUsageAccumulator_GeminiMetadata(t *testing.T) {
	t.Parallel()

	a := NewUsageAccumulator(gateway.CapGeminiGenerate)
	a.ObserveEvent("", []byte(`{"candidates":[],"usageMetadata":{"promptTokenCount":30,"candidatesTokenCount":12,"totalTokenCount":42,"cachedContentTokenCount":8}}`))

	u := a.Usage()
	if u == nil || u.PromptTokens != 30 || u.CompletionTokens != 12 || u.TotalTokens != 42 || u.CacheReadTokens != 8 {
		t.Fatalf("usage = %+v", u)
	}
}

func TestUsageAccumulator_CodeAssistEnvelope(t *testing.T) {
	t.Parallel()

	a := NewUsageAccumulator(gateway.CapGeminiCodeAssist)
	a.ObserveBody([]byte(`{"response":{"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":3,"totalTokenCount":10}}}`))

	u := a.Usage()
	if u == nil || u.PromptTokens != 7 || u.CompletionTokens != 3 {
		t.Fatalf("usage = %+v", u)
	}
}

func TestUsageAccumulator_NoUsageSeen(t *testing.T) {
	t.Parallel()

	a := NewUsageAccumulator(gateway.CapOpenAIChat)
	a.ObserveEvent("", []byte(`{"choices":[{"delta":{"content":"x"}}]}`))
	if a.Usage() != nil {
		t.Fatal("usage should be nil when no usage event arrived")
	}
}

func TestUsageAccumulator_NonStreamAnthropicBody(t *testing.T) {
	t.Parallel()

	a := NewUsageAccumulator(gateway.CapAnthropicMessages)
	a.ObserveBody([]byte(`{"content":[],"usage":{"input_tokens":11,"output_tokens":22}}`))

	u := a.Usage()
	if u == nil || u.PromptTokens != 11 || u.CompletionTokens != 22 {
		t.Fatalf("usage = %+v", u)
	}
}
