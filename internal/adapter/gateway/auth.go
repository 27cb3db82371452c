package gateway

import (
	"crypto/subtle"

	"github.com/moe-serifu-circle/moe-serifu-agent/internal/domain"
)

// ClientInfo describes an authenticated connection. ID is assigned by the
// server per connection; Name comes from the token.
type ClientInfo struct {
	ID   string
	Name string
}

// Authenticator validates incoming gateway connections.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

// TokenEntry is one accepted token.
type TokenEntry struct {
	Token string
	Name  string
}

type authEntry struct {
	token []byte
	info  ClientInfo
}

// StaticTokenAuth authenticates clients against a fixed token list.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from entries. Blank tokens are
// skipped.
func NewStaticTokenAuth(entries []TokenEntry) *StaticTokenAuth {
	a := &StaticTokenAuth{entries: make([]authEntry, 0, len(entries))}
	for _, e := range entries {
		if e.Token == "" {
			continue
		}
		a.entries = append(a.entries, authEntry{
			token: []byte(e.Token),
			info:  ClientInfo{Name: e.Name},
		})
	}
	return a
}

// Authenticate returns a copy of the client info bound to token.
// Comparison is constant-time.
func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	if token == "" {
		return nil, domain.ErrGatewayAuthFailed
	}
	tokenBytes := []byte(token)
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 {
			info := e.info
			return &info, nil
		}
	}
	return nil, domain.ErrGatewayAuthFailed
}
