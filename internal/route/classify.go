// Package route classifies inbound requests into capabilities, resolves the
// requested model, and filters the registry snapshot down to the candidate
// upstreams a request may be forwarded to.
package route

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/autorouter/autorouter/internal"
)

// Classification is the result of classifying one inbound request.
type Classification struct {
	Capability    gateway.RouteCapability
	Model         string // resolved model after redirects start from this
	OriginalModel string
	Stream        bool
	GeminiAction  string // generateContent / streamGenerateContent / countTokens
}

// CapabilityForPath maps an inbound request path to its wire protocol.
// The mapping is closed: unmatched paths are a protocol error.
func CapabilityForPath(path string) (gateway.RouteCapability, bool) {
	switch {
	case path == "/v1/messages" || strings.HasPrefix(path, "/v1/messages/"):
		return gateway.CapAnthropicMessages, true
	case path == "/v1/responses" || strings.HasPrefix(path, "/v1/responses/"):
		return gateway.CapCodexResponses, true
	case path == "/v1/chat/completions":
		return gateway.CapOpenAIChat, true
	case path == "/v1/completions" || path == "/v1/embeddings":
		return gateway.CapOpenAIExtended, true
	case strings.HasPrefix(path, "/v1beta/models/"):
		return gateway.CapGeminiGenerate, true
	case strings.HasPrefix(path, "/v1internal:"):
		return gateway.CapGeminiCodeAssist, true
	}
	return "", false
}

// Classify determines capability, model and streaming mode for an inbound
// request. Unmatched paths return ErrProtocol.
func Classify(method, path string, body []byte) (Classification, error) {
	cap, ok := CapabilityForPath(path)
	if !ok {
		return Classification{}, fmt.Errorf("%w: unrecognized path %s %s", gateway.ErrProtocol, method, path)
	}

	c := Classification{Capability: cap}
	switch cap {
	case gateway.CapGeminiGenerate:
		model, action, err := parseGeminiPath(path)
		if err != nil {
			return Classification{}, err
		}
		if action == "" && method != http.MethodGet {
			// Only metadata reads (GET /v1beta/models/{model}) may omit the
			// action segment.
			return Classification{}, fmt.Errorf("%w: malformed model path %q", gateway.ErrProtocol, path)
		}
		c.Model = model
		c.GeminiAction = action
		c.Stream = action == "streamGenerateContent"
	case gateway.CapGeminiCodeAssist:
		c.GeminiAction = strings.TrimPrefix(path, "/v1internal:")
		c.Model = gjson.GetBytes(body, "model").String()
		c.Stream = c.GeminiAction == "streamGenerateContent"
	default:
		c.Model = gjson.GetBytes(body, "model").String()
		c.Stream = gjson.GetBytes(body, "stream").Bool()
	}
	c.OriginalModel = c.Model
	return c, nil
}

// parseGeminiPath extracts the model and action from a native Gemini path of
// the form /v1beta/models/{model}:{action}. A path without an action segment
// is returned with action empty; the caller decides whether that is legal.
func parseGeminiPath(path string) (model, action string, err error) {
	rest := strings.TrimPrefix(path, "/v1beta/models/")
	model, action, ok := strings.Cut(rest, ":")
	if !ok {
		model, action = rest, ""
	}
	if model == "" {
		return "", "", fmt.Errorf("%w: malformed model path %q", gateway.ErrProtocol, path)
	}
	return model, action, nil
}
