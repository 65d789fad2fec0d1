// Package auth supplies bearer tokens for Cloud Storage requests.
package auth

import "context"

// TokenProvider yields an OAuth bearer token for outgoing requests.
// Implementations must be safe for concurrent use.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Static returns the same token forever. Useful for tests and for
// environments where a token is provisioned externally.
type Static struct {
	Value string
}

// Token implements TokenProvider.
func (s Static) Token(ctx context.Context) (string, error) {
	return s.Value, nil
}

// Anonymous is a provider for public buckets: requests carry no token.
var Anonymous TokenProvider = Static{}
