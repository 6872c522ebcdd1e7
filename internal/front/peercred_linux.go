//go:build linux

package front

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/Superhepper/parsec/pkg/requests"
)

// peerCredentials reads SO_PEERCRED once per connection. The kernel reports
// the peer as of connect time, so a process that execs into another uid
// after connecting keeps its original identity for the connection's life.
func peerCredentials(conn net.Conn) requests.PeerCredentials {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return requests.PeerCredentials{}
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return requests.PeerCredentials{}
	}

	var (
		cred    *unix.Ucred
		sockErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil || sockErr != nil || cred == nil {
		return requests.PeerCredentials{}
	}

	return requests.PeerCredentials{
		UID:      cred.Uid,
		GID:      cred.Gid,
		PID:      cred.Pid,
		Resolved: true,
	}
}
