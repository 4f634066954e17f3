package affinity

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/autorouter/autorouter/internal"
)

// anthropicSessionRe matches the session UUID embedded in the Anthropic
// metadata.user_id field, e.g. "..._session_<uuid>".
var anthropicSessionRe = regexp.MustCompile(
	`_session_([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})`)

// ExtractSessionID pulls the session identifier for the given capability:
// Anthropic embeds it in metadata.user_id, the OpenAI-flavored protocols send
// a session_id header, everything else has no session concept.
func ExtractSessionID(cap gateway.RouteCapability, headers http.Header, body []byte) string {
	switch cap {
	case gateway.CapAnthropicMessages:
		userID := gjson.GetBytes(body, "metadata.user_id").String()
		if userID == "" {
			return ""
		}
		m := anthropicSessionRe.FindStringSubmatch(strings.ToLower(userID))
		if m == nil {
			return ""
		}
		return m[1]
	case gateway.CapCodexResponses, gateway.CapOpenAIChat, gateway.CapOpenAIExtended:
		return strings.TrimSpace(headers.Get("session_id"))
	default:
		return ""
	}
}
