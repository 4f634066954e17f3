package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	gateway "github.com/autorouter/autorouter/internal"
)

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// openAIError is the default error body: {"error":{"message","type","code"}}.
type openAIError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code,omitempty"`
	} `json:"error"`
}

// anthropicError mirrors the Anthropic wire shape:
// {"type":"error","error":{"type","message"}}.
type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// geminiError mirrors the Google wire shape:
// {"error":{"code","message","status"}}.
type geminiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// writeError renders an error body in the shape the capability's clients
// expect, so callers need no gateway awareness. An empty capability falls
// back to the OpenAI shape.
func writeError(w http.ResponseWriter, cap gateway.RouteCapability, status int, msg string) {
	switch cap {
	case gateway.CapAnthropicMessages:
		var e anthropicError
		e.Type = "error"
		e.Error.Type = errorType(status)
		e.Error.Message = msg
		writeJSON(w, status, e)
	case gateway.CapGeminiGenerate, gateway.CapGeminiCodeAssist:
		var e geminiError
		e.Error.Code = status
		e.Error.Message = msg
		e.Error.Status = grpcStatus(status)
		writeJSON(w, status, e)
	default:
		var e openAIError
		e.Error.Message = msg
		e.Error.Type = errorType(status)
		e.Error.Code = status
		writeJSON(w, status, e)
	}
}

func errorType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 500:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}

func grpcStatus(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}

// errorStatus maps gateway sentinel errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrUnauthorized),
		errors.Is(err, gateway.ErrKeyExpired),
		errors.Is(err, gateway.ErrKeyInactive):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrForbidden), errors.Is(err, gateway.ErrNoCandidates):
		return http.StatusForbidden
	case errors.Is(err, gateway.ErrProtocol):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrAllUpstreamsFailed):
		return http.StatusBadGateway
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
