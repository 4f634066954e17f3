package forward

import (
	"github.com/tidwall/gjson"

	gateway "github.com/autorouter/autorouter/internal"
)

// UsageAccumulator folds provider usage events into a single Usage record.
// Streaming providers report usage incrementally (Anthropic splits it across
// message_start and message_delta); the accumulator keeps the latest value
// per field.
type UsageAccumulator struct {
	capability gateway.RouteCapability
	usage      gateway.Usage
	seen       bool
}

// NewUsageAccumulator creates an accumulator for one capability's wire format.
func NewUsageAccumulator(cap gateway.RouteCapability) *UsageAccumulator {
	return &UsageAccumulator{capability: cap}
}

// Usage returns the accumulated usage, nil when no usage event was seen.
func (a *UsageAccumulator) Usage() *gateway.Usage {
	if !a.seen {
		return nil
	}
	u := a.usage
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return &u
}

// ObserveEvent feeds one SSE event into the accumulator.
func (a *UsageAccumulator) ObserveEvent(event string, data []byte) {
	switch a.capability {
	case gateway.CapAnthropicMessages:
		a.observeAnthropic(event, data)
	case gateway.CapCodexResponses:
		if event == "response.completed" || gjson.GetBytes(data, "type").String() == "response.completed" {
			a.fromCodex(gjson.GetBytes(data, "response.usage"))
		}
	case gateway.CapGeminiGenerate, gateway.CapGeminiCodeAssist:
		if meta := geminiUsageMetadata(data); meta.Exists() {
			a.fromGemini(meta)
		}
	default:
		if u := gjson.GetBytes(data, "usage"); u.Exists() && u.IsObject() {
			a.fromOpenAI(u)
		}
	}
}

// ObserveBody parses usage out of a non-streaming JSON response body.
func (a *UsageAccumulator) ObserveBody(body []byte) {
	switch a.capability {
	case gateway.CapAnthropicMessages:
		if u := gjson.GetBytes(body, "usage"); u.Exists() {
			a.fromAnthropic(u)
		}
	case gateway.CapCodexResponses:
		if u := gjson.GetBytes(body, "usage"); u.Exists() {
			a.fromCodex(u)
		}
	case gateway.CapGeminiGenerate, gateway.CapGeminiCodeAssist:
		if meta := geminiUsageMetadata(body); meta.Exists() {
			a.fromGemini(meta)
		}
	default:
		if u := gjson.GetBytes(body, "usage"); u.Exists() {
			a.fromOpenAI(u)
		}
	}
}

func (a *UsageAccumulator) observeAnthropic(event string, data []byte) {
	switch event {
	case "message_start":
		if u := gjson.GetBytes(data, "message.usage"); u.Exists() {
			a.fromAnthropic(u)
		}
	case "message_delta":
		if u := gjson.GetBytes(data, "usage"); u.Exists() {
			a.seen = true
			if v := u.Get("output_tokens"); v.Exists() {
				a.usage.CompletionTokens = int(v.Int())
			}
			if v := u.Get("input_tokens"); v.Exists() {
				a.usage.PromptTokens = int(v.Int())
			}
		}
	}
}

func (a *UsageAccumulator) fromAnthropic(u gjson.Result) {
	a.seen = true
	a.usage.PromptTokens = int(u.Get("input_tokens").Int())
	a.usage.CompletionTokens = int(u.Get("output_tokens").Int())
	a.usage.CacheReadTokens = int(u.Get("cache_read_input_tokens").Int())
	a.usage.CacheWriteTokens = int(u.Get("cache_creation_input_tokens").Int())
}

func (a *UsageAccumulator) fromCodex(u gjson.Result) {
	if !u.Exists() {
		return
	}
	a.seen = true
	a.usage.PromptTokens = int(u.Get("input_tokens").Int())
	a.usage.CompletionTokens = int(u.Get("output_tokens").Int())
	a.usage.TotalTokens = int(u.Get("total_tokens").Int())
	a.usage.CacheReadTokens = int(u.Get("input_tokens_details.cached_tokens").Int())
}

func (a *UsageAccumulator) fromOpenAI(u gjson.Result) {
	a.seen = true
	a.usage.PromptTokens = int(u.Get("prompt_tokens").Int())
	a.usage.CompletionTokens = int(u.Get("completion_tokens").Int())
	a.usage.TotalTokens = int(u.Get("total_tokens").Int())
	a.usage.CacheReadTokens = int(u.Get("prompt_tokens_details.cached_tokens").Int())
}

func (a *UsageAccumulator) fromGemini(meta gjson.Result) {
	a.seen = true
	a.usage.PromptTokens = int(meta.Get("promptTokenCount").Int())
	a.usage.CompletionTokens = int(meta.Get("candidatesTokenCount").Int())
	a.usage.TotalTokens = int(meta.Get("totalTokenCount").Int())
	a.usage.CacheReadTokens = int(meta.Get("cachedContentTokenCount").Int())
}

// geminiUsageMetadata finds usageMetadata at the top level or nested under
// response (code-assist envelope).
func geminiUsageMetadata(data []byte) gjson.Result {
	if m := gjson.GetBytes(data, "usageMetadata"); m.Exists() {
		return m
	}
	return gjson.GetBytes(data, "response.usageMetadata")
}
