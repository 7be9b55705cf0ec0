package identity

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"companion-chat/internal/domain"
)

const (
	HeaderUserID   = "X-User-Id"
	HeaderUserName = "X-User-Name"
	HeaderSecret   = "X-Identity-Secret"
)

// Provider resolves the caller of an inbound request. An unauthenticated
// request yields the zero Identity.
type Provider interface {
	Identify(r *http.Request) domain.Identity
}

// HeaderProvider trusts identity headers set by the fronting authorizer, as
// long as the request also carries the shared secret only that authorizer
// knows.
type HeaderProvider struct {
	secret []byte
}

func NewHeaderProvider(secret string) (*HeaderProvider, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("identity: shared secret must not be empty")
	}
	return &HeaderProvider{secret: []byte(secret)}, nil
}

func (p *HeaderProvider) Identify(r *http.Request) domain.Identity {
	got := []byte(strings.TrimSpace(r.Header.Get(HeaderSecret)))
	if subtle.ConstantTimeCompare(got, p.secret) != 1 {
		return domain.Identity{}
	}
	return domain.Identity{
		ID:          strings.TrimSpace(r.Header.Get(HeaderUserID)),
		DisplayName: strings.TrimSpace(r.Header.Get(HeaderUserName)),
	}
}
