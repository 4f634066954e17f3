// Package cloudauth resolves outbound credentials per upstream account.
// Accounts with a stored key decrypt it at forward time; Google-internal
// code assist accounts without one exchange Application Default Credentials
// for a short-lived OAuth2 access token instead.
package cloudauth

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"

	gateway "github.com/autorouter/autorouter/internal"
)

// StaticSource decrypts an upstream's stored credential.
type StaticSource interface {
	UpstreamSecret(u *gateway.Upstream) (string, error)
}

// Resolver picks the credential mechanism for each upstream. The GCP token
// source is built lazily on first use and cached; oauth2.ReuseTokenSource
// handles refresh.
type Resolver struct {
	static StaticSource

	mu        sync.Mutex
	gcp       oauth2.TokenSource
	gcpSource func(ctx context.Context) (oauth2.TokenSource, error)
}

// NewResolver creates a resolver over the given static credential source.
func NewResolver(static StaticSource) *Resolver {
	return &Resolver{static: static, gcpSource: adcTokenSource}
}

// UpstreamSecret returns the bearer credential to inject for u.
func (r *Resolver) UpstreamSecret(u *gateway.Upstream) (string, error) {
	if u.APIKeyEncrypted == "" && u.HasCapability(gateway.CapGeminiCodeAssist) {
		return r.oauthToken()
	}
	return r.static.UpstreamSecret(u)
}

func (r *Resolver) oauthToken() (string, error) {
	r.mu.Lock()
	src := r.gcp
	if src == nil {
		var err error
		src, err = r.gcpSource(context.Background())
		if err != nil {
			r.mu.Unlock()
			return "", err
		}
		r.gcp = src
	}
	r.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("cloudauth: obtain GCP token: %w", err)
	}
	return tok.AccessToken, nil
}
