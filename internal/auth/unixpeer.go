package auth

import (
	"fmt"
	"strconv"

	"github.com/Superhepper/parsec/pkg/requests"
)

// UnixPeer derives the identity from the socket peer's uid as reported by
// the kernel. The auth field carries the uid the client believes it runs
// as, in decimal; a mismatch means the client is confused about its own
// identity (or lying), and either way gets no namespace.
type UnixPeer struct{}

// NewUnixPeer returns the unix peer credential authenticator.
func NewUnixPeer() UnixPeer { return UnixPeer{} }

func (UnixPeer) Type() requests.AuthType { return requests.AuthUnixPeer }

func (UnixPeer) Authenticate(auth []byte, peer requests.PeerCredentials) (Identity, error) {
	if !peer.Resolved {
		return Identity{}, fmt.Errorf("%w: transport carries no peer credentials", requests.ErrUnauthenticated)
	}
	claimed, err := strconv.ParseUint(string(auth), 10, 32)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: auth field is not a decimal uid", requests.ErrUnauthenticated)
	}
	if uint32(claimed) != peer.UID {
		return Identity{}, fmt.Errorf("%w: claimed uid %d does not match socket peer %d", requests.ErrUnauthenticated, claimed, peer.UID)
	}
	return Identity{
		Application: "unix:" + strconv.FormatUint(uint64(peer.UID), 10),
		AuthType:    requests.AuthUnixPeer,
	}, nil
}
