package cloudauth

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// cloudPlatformScope is the OAuth2 scope the internal code assist API accepts.
const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// adcTokenSource builds a token source from Application Default Credentials.
// Tokens are cached and auto-refreshed by ReuseTokenSource.
func adcTokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	creds, err := google.FindDefaultCredentials(ctx, cloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("cloudauth: find GCP credentials: %w", err)
	}
	return oauth2.ReuseTokenSource(nil, creds.TokenSource), nil
}
