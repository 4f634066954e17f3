package affinity

import (
	"net/http"
	"testing"

	gateway "github.com/autorouter/autorouter/internal"
)

func TestExtractSessionID_Anthropic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "embedded session uuid",
			body: `{"metadata":{"user_id":"user_abc_session_0f8fad5b-d9cb-469f-a165-70867728950e"}}`,
			want: "0f8fad5b-d9cb-469f-a165-70867728950e",
		},
		{
			name: "uppercase uuid is lowercased",
			body: `{"metadata":{"user_id":"user_abc_session_0F8FAD5B-D9CB-469F-A165-70867728950E"}}`,
			want: "0f8fad5b-d9cb-469f-a165-70867728950e",
		},
		{
			name: "user_id without session",
			body: `{"metadata":{"user_id":"plain-user"}}`,
			want: "",
		},
		{
			name: "no metadata",
			body: `{"model":"claude"}`,
			want: "",
		},
		{
			name: "malformed uuid",
			body: `{"metadata":{"user_id":"x_session_not-a-uuid"}}`,
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ExtractSessionID(gateway.CapAnthropicMessages, http.Header{}, []byte(tt.body))
			if got != tt.want {
				t.Fatalf("session = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractSessionID_Header(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("session_id", "  sess-42  ")

	for _, cap := range []gateway.RouteCapability{
		gateway.CapCodexResponses, gateway.CapOpenAIChat, gateway.CapOpenAIExtended,
	} {
		if got := ExtractSessionID(cap, h, nil); got != "sess-42" {
			t.Fatalf("%s: session = %q, want sess-42", cap, got)
		}
	}
}

func TestExtractSessionID_NoSessionConcept(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("session_id", "sess-42")
	body := []byte(`{"metadata":{"user_id":"x_session_0f8fad5b-d9cb-469f-a165-70867728950e"}}`)

	for _, cap := range []gateway.RouteCapability{
		gateway.CapGeminiGenerate, gateway.CapGeminiCodeAssist,
	} {
		if got := ExtractSessionID(cap, h, body); got != "" {
			t.Fatalf("%s: session = %q, want empty", cap, got)
		}
	}
}
