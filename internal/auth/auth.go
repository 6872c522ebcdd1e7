// Package auth resolves request credentials into application identities.
// The application name is the key namespace: every key the service tracks
// belongs to exactly one application, so authentication must be
// deterministic across reconnects or an application loses sight of its own
// keys.
package auth

import (
	"fmt"

	"github.com/Superhepper/parsec/pkg/requests"
)

// Identity names the application a request acts for.
type Identity struct {
	// Application is the namespace key. Empty for anonymous requests,
	// which may only perform operations that touch no key namespace.
	Application string

	// AuthType records which authenticator produced the identity.
	AuthType requests.AuthType
}

// Anonymous reports whether the identity carries no application name.
func (id Identity) Anonymous() bool { return id.Application == "" }

// Authenticator turns one auth type's credentials into an identity.
type Authenticator interface {
	// Type is the wire auth type this authenticator serves.
	Type() requests.AuthType

	// Authenticate resolves the request's raw auth field. peer carries
	// the socket credentials when the transport could resolve them.
	// Failures wrap requests.ErrUnauthenticated.
	Authenticate(auth []byte, peer requests.PeerCredentials) (Identity, error)
}

// Selector routes a request to the authenticator registered for its auth
// type. No-auth requests are always admitted with an anonymous identity;
// the dispatcher rejects namespace operations that arrive without one.
type Selector struct {
	by map[requests.AuthType]Authenticator
}

// NewSelector builds a selector over the configured authenticators. At
// least one is required so the service cannot come up unable to establish
// any identity.
func NewSelector(auths ...Authenticator) (*Selector, error) {
	if len(auths) == 0 {
		return nil, fmt.Errorf("no authenticators configured")
	}
	by := make(map[requests.AuthType]Authenticator, len(auths))
	for _, a := range auths {
		t := a.Type()
		if t == requests.AuthNoAuth {
			return nil, fmt.Errorf("auth type %s is built in and cannot be registered", t)
		}
		if _, dup := by[t]; dup {
			return nil, fmt.Errorf("duplicate authenticator for type %s", t)
		}
		by[t] = a
	}
	return &Selector{by: by}, nil
}

// Authenticate resolves the request's identity. An unregistered auth type
// fails before any credential is inspected.
func (s *Selector) Authenticate(req *requests.Request, peer requests.PeerCredentials) (Identity, error) {
	if req.AuthType == requests.AuthNoAuth {
		return Identity{AuthType: requests.AuthNoAuth}, nil
	}
	a, ok := s.by[req.AuthType]
	if !ok {
		return Identity{}, fmt.Errorf("%w: no authenticator registered for %s", requests.ErrUnauthenticated, req.AuthType)
	}
	return a.Authenticate(req.Auth, peer)
}

// Types lists the registered auth types, for startup logging.
func (s *Selector) Types() []requests.AuthType {
	out := make([]requests.AuthType, 0, len(s.by))
	for t := range s.by {
		out = append(out, t)
	}
	return out
}
