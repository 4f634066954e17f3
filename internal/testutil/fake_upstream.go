package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

// SSEUpstream starts a fake provider that answers every request with the
// given SSE frames, flushing after each one. The server is closed on test
// cleanup.
func SSEUpstream(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		f, _ := w.(http.Flusher)
		for _, frame := range frames {
			fmt.Fprint(w, frame)
			if f != nil {
				f.Flush()
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// JSONUpstream starts a fake provider that answers every request with a
// fixed status and JSON body.
func JSONUpstream(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// AnthropicStreamFrames builds a minimal valid Anthropic message stream
// carrying the given token counts in its usage events.
func AnthropicStreamFrames(prompt, completion int) []string {
	return []string{
		fmt.Sprintf("event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":%d,\"output_tokens\":1}}}\n\n", prompt),
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"hello\"}}\n\n",
		fmt.Sprintf("event: message_delta\ndata: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":%d}}\n\n", completion),
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
	}
}
