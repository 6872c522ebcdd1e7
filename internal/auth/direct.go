package auth

import (
	"fmt"
	"unicode/utf8"

	"github.com/Superhepper/parsec/pkg/requests"
)

// MaxApplicationNameLen bounds direct application names, matching the bound
// on key names.
const MaxApplicationNameLen = 255

// Direct trusts the auth field as the application name. Suitable only for
// deployments where every local process is equally trusted; the name is
// whatever the caller claims.
type Direct struct{}

// NewDirect returns the direct authenticator.
func NewDirect() Direct { return Direct{} }

func (Direct) Type() requests.AuthType { return requests.AuthDirect }

// Authenticate accepts a bounded, printable UTF-8 application name.
func (Direct) Authenticate(auth []byte, _ requests.PeerCredentials) (Identity, error) {
	switch {
	case len(auth) == 0:
		return Identity{}, fmt.Errorf("%w: direct auth carries no application name", requests.ErrUnauthenticated)
	case len(auth) > MaxApplicationNameLen:
		return Identity{}, fmt.Errorf("%w: application name exceeds %d bytes", requests.ErrUnauthenticated, MaxApplicationNameLen)
	case !utf8.Valid(auth):
		return Identity{}, fmt.Errorf("%w: application name is not valid utf-8", requests.ErrUnauthenticated)
	}
	name := string(auth)
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return Identity{}, fmt.Errorf("%w: application name contains control characters", requests.ErrUnauthenticated)
		}
	}
	return Identity{Application: name, AuthType: requests.AuthDirect}, nil
}
