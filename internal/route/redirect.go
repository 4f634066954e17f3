package route

import (
	"strings"

	"github.com/tidwall/sjson"

	gateway "github.com/autorouter/autorouter/internal"
)

// ResolveRedirect returns the model the upstream should receive. Redirects
// apply once at selection time; the original model is preserved for logging.
func ResolveRedirect(u *gateway.Upstream, model string) (string, bool) {
	if u == nil || model == "" {
		return model, false
	}
	if dst, ok := u.ModelRedirects[model]; ok && dst != "" && dst != model {
		return dst, true
	}
	return model, false
}

// RewriteBodyModel substitutes the model field of a JSON request body.
// Used for capabilities that carry the model in the body.
func RewriteBodyModel(body []byte, model string) ([]byte, error) {
	return sjson.SetBytes(body, "model", model)
}

// RewriteGeminiPath substitutes the model segment of a native Gemini path,
// keeping the action suffix.
func RewriteGeminiPath(path, model string) string {
	const prefix = "/v1beta/models/"
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok {
		return path
	}
	_, action, ok := strings.Cut(rest, ":")
	if !ok {
		return path
	}
	return prefix + model + ":" + action
}

// ApplyRedirect rewrites the outbound request for a selected upstream when a
// model redirect matches. Returns the possibly-rewritten body and path plus
// the model actually sent.
func ApplyRedirect(u *gateway.Upstream, c Classification, body []byte, path string) ([]byte, string, string, bool, error) {
	model, applied := ResolveRedirect(u, c.Model)
	if !applied {
		return body, path, c.Model, false, nil
	}
	switch c.Capability {
	case gateway.CapGeminiGenerate:
		return body, RewriteGeminiPath(path, model), model, true, nil
	default:
		rewritten, err := RewriteBodyModel(body, model)
		if err != nil {
			return body, path, c.Model, false, err
		}
		return rewritten, path, model, true, nil
	}
}
