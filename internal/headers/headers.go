// Package headers builds the outbound header set for a forward attempt:
// inbound credentials are stripped, provider auth is injected, and
// configured compensation rules fill gaps. Every change is recorded in a
// diff that never contains secret values.
package headers

import (
	"net/http"
	"strings"

	gateway "github.com/autorouter/autorouter/internal"
)

// Diff actions.
const (
	ActionDropped      = "dropped"
	ActionAuthReplaced = "auth_replaced"
	ActionCompensated  = "compensated"
)

// DiffEntry records one header mutation. Values are never included.
type DiffEntry struct {
	Header string `json:"header"`
	Action string `json:"action"`
	Source string `json:"source,omitempty"` // source header for compensations
}

// CompensationRule copies a value from the first present source header into
// targetHeader, either only when the target is missing or always.
type CompensationRule struct {
	Capabilities []gateway.RouteCapability `yaml:"capabilities" json:"capabilities"`
	TargetHeader string                    `yaml:"target_header" json:"target_header"`
	Sources      []string                  `yaml:"sources" json:"sources"`
	Mode         string                    `yaml:"mode" json:"mode"` // missing_only | always
}

func (r CompensationRule) appliesTo(cap gateway.RouteCapability) bool {
	if len(r.Capabilities) == 0 {
		return true
	}
	for _, c := range r.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// alwaysDrop are headers never forwarded upstream regardless of config.
// Host and Content-Length are managed by the transport.
var alwaysDrop = []string{
	"Authorization",
	"X-Api-Key",
	"Cookie",
	"Proxy-Authorization",
	"Host",
	"Content-Length",
}

// Compensator builds outbound headers for forward attempts.
type Compensator struct {
	denyList map[string]struct{}
	rules    []CompensationRule
}

// NewCompensator creates a compensator with an additional operator-configured
// drop list and compensation rules.
func NewCompensator(denyList []string, rules []CompensationRule) *Compensator {
	deny := make(map[string]struct{}, len(denyList))
	for _, h := range denyList {
		deny[http.CanonicalHeaderKey(h)] = struct{}{}
	}
	return &Compensator{denyList: deny, rules: rules}
}

func (c *Compensator) dropped(key string) bool {
	for _, h := range alwaysDrop {
		if key == h {
			return true
		}
	}
	_, ok := c.denyList[key]
	return ok
}

// Build produces the outbound header set for one attempt. secret is the
// upstream's decrypted credential; when empty (e.g. OAuth-authenticated
// upstreams where a transport injects auth) no auth header is written.
func (c *Compensator) Build(inbound http.Header, u *gateway.Upstream, cap gateway.RouteCapability, secret string) (http.Header, []DiffEntry) {
	out := make(http.Header, len(inbound))
	var diff []DiffEntry

	for key, vals := range inbound {
		ck := http.CanonicalHeaderKey(key)
		if c.dropped(ck) {
			diff = append(diff, DiffEntry{Header: ck, Action: ActionDropped})
			continue
		}
		out[ck] = append([]string(nil), vals...)
	}

	if secret != "" {
		header := injectAuth(out, u.ProviderType, secret)
		diff = append(diff, DiffEntry{Header: header, Action: ActionAuthReplaced})
	}

	for _, rule := range c.rules {
		if !rule.appliesTo(cap) {
			continue
		}
		target := http.CanonicalHeaderKey(rule.TargetHeader)
		if rule.Mode != "always" && out.Get(target) != "" {
			continue
		}
		for _, src := range rule.Sources {
			if v := inbound.Get(src); v != "" {
				out.Set(target, v)
				diff = append(diff, DiffEntry{
					Header: target,
					Action: ActionCompensated,
					Source: http.CanonicalHeaderKey(src),
				})
				break
			}
		}
	}

	return out, diff
}

// injectAuth writes the provider-appropriate auth header and returns its name.
func injectAuth(h http.Header, pt gateway.ProviderType, secret string) string {
	switch pt {
	case gateway.ProviderAnthropic:
		h.Set("X-Api-Key", secret)
		return "X-Api-Key"
	case gateway.ProviderGoogle:
		h.Set("X-Goog-Api-Key", secret)
		return "X-Goog-Api-Key"
	default:
		h.Set("Authorization", "Bearer "+secret)
		return "Authorization"
	}
}

// sensitive lists headers whose values must never reach logs.
var sensitive = map[string]struct{}{
	"authorization":             {},
	"x-api-key":                 {},
	"x-goog-api-key":            {},
	"cookie":                    {},
	"set-cookie":                {},
	"proxy-authorization":       {},
	"x-forwarded-authorization": {},
	"session_id":                {},
	"x-codex-turn-metadata":     {},
	"x-codex-beta-features":     {},
}

// Redact returns a copy of h safe for logging: sensitive header values are
// replaced with a fixed marker.
func Redact(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for key, vals := range h {
		if _, ok := sensitive[strings.ToLower(key)]; ok {
			out[key] = []string{"[redacted]"}
			continue
		}
		out[key] = append([]string(nil), vals...)
	}
	return out
}
