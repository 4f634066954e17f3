// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"context"
	"net/http"

	gateway "github.com/autorouter/autorouter/internal"
)

// FakeAuth authenticates every request as the configured key. A nil Key
// yields a test key scoped to the conventional test upstreams u1..u3.
type FakeAuth struct {
	Key *gateway.APIKey
}

// Authenticate returns the configured key.
func (f *FakeAuth) Authenticate(context.Context, *http.Request) (*gateway.APIKey, error) {
	if f.Key != nil {
		return f.Key, nil
	}
	return &gateway.APIKey{
		ID:                 "key-test",
		Name:               "test",
		IsActive:           true,
		AllowedUpstreamIDs: []string{"u1", "u2", "u3"},
	}, nil
}

// RejectAuth always rejects authentication.
type RejectAuth struct{}

// Authenticate always returns ErrUnauthorized.
func (RejectAuth) Authenticate(context.Context, *http.Request) (*gateway.APIKey, error) {
	return nil, gateway.ErrUnauthorized
}
