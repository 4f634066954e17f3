package route

import (
	"errors"
	"testing"

	gateway "github.com/autorouter/autorouter/internal"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		path       string
		body       string
		wantCap    gateway.RouteCapability
		wantModel  string
		wantStream bool
	}{
		{
			name:      "anthropic messages",
			path:      "/v1/messages",
			body:      `{"model":"claude-3-5-sonnet","max_tokens":100}`,
			wantCap:   gateway.CapAnthropicMessages,
			wantModel: "claude-3-5-sonnet",
		},
		{
			name:       "anthropic streaming",
			path:       "/v1/messages",
			body:       `{"model":"claude-3-5-sonnet","stream":true}`,
			wantCap:    gateway.CapAnthropicMessages,
			wantModel:  "claude-3-5-sonnet",
			wantStream: true,
		},
		{
			name:      "codex responses",
			path:      "/v1/responses",
			body:      `{"model":"gpt-5-codex","input":"hi"}`,
			wantCap:   gateway.CapCodexResponses,
			wantModel: "gpt-5-codex",
		},
		{
			name:       "openai chat completions",
			path:       "/v1/chat/completions",
			body:       `{"model":"gpt-4o","stream":true}`,
			wantCap:    gateway.CapOpenAIChat,
			wantModel:  "gpt-4o",
			wantStream: true,
		},
		{
			name:      "openai embeddings",
			path:      "/v1/embeddings",
			body:      `{"model":"text-embedding-3-small","input":"x"}`,
			wantCap:   gateway.CapOpenAIExtended,
			wantModel: "text-embedding-3-small",
		},
		{
			name:      "gemini generate model from path",
			path:      "/v1beta/models/gemini-2.0-flash:generateContent",
			body:      `{"contents":[]}`,
			wantCap:   gateway.CapGeminiGenerate,
			wantModel: "gemini-2.0-flash",
		},
		{
			name:       "gemini stream action",
			path:       "/v1beta/models/gemini-2.0-flash:streamGenerateContent",
			body:       `{"contents":[]}`,
			wantCap:    gateway.CapGeminiGenerate,
			wantModel:  "gemini-2.0-flash",
			wantStream: true,
		},
		{
			name:      "code assist internal",
			path:      "/v1internal:generateContent",
			body:      `{"model":"gemini-2.0-flash","project":"p"}`,
			wantCap:   gateway.CapGeminiCodeAssist,
			wantModel: "gemini-2.0-flash",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, err := Classify("POST", tt.path, []byte(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			if c.Capability != tt.wantCap {
				t.Errorf("capability = %s, want %s", c.Capability, tt.wantCap)
			}
			if c.Model != tt.wantModel {
				t.Errorf("model = %q, want %q", c.Model, tt.wantModel)
			}
			if c.OriginalModel != tt.wantModel {
				t.Errorf("originalModel = %q, want %q", c.OriginalModel, tt.wantModel)
			}
			if c.Stream != tt.wantStream {
				t.Errorf("stream = %v, want %v", c.Stream, tt.wantStream)
			}
		})
	}
}

func TestClassify_UnknownPath(t *testing.T) {
	t.Parallel()

	_, err := Classify("POST", "/v2/surprise", nil)
	if !errors.Is(err, gateway.ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
}

func TestClassify_MalformedGeminiPath(t *testing.T) {
	t.Parallel()

	// POSTs must carry an action segment.
	_, err := Classify("POST", "/v1beta/models/no-action-here", nil)
	if !errors.Is(err, gateway.ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
	if _, err := Classify("POST", "/v1beta/models/", nil); !errors.Is(err, gateway.ErrProtocol) {
		t.Fatalf("empty model: err = %v, want ErrProtocol", err)
	}
}

func TestClassify_GeminiMetadataGet(t *testing.T) {
	t.Parallel()

	// GET /v1beta/models/{model} is a bare metadata read: no action, no
	// stream, model straight from the path.
	c, err := Classify("GET", "/v1beta/models/gemini-2.0-flash", nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.Capability != gateway.CapGeminiGenerate || c.Model != "gemini-2.0-flash" {
		t.Fatalf("classification = %+v", c)
	}
	if c.GeminiAction != "" || c.Stream {
		t.Fatalf("action = %q stream = %v, want bare read", c.GeminiAction, c.Stream)
	}
}
