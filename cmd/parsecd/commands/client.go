package commands

import (
	"fmt"
	"net"
	"time"

	"github.com/Superhepper/parsec/pkg/operations"
	"github.com/Superhepper/parsec/pkg/requests"
)

const clientTimeout = 10 * time.Second

// call performs one request against a running service and decodes the
// response body into result. A non-success status becomes an error carrying
// the status name, so commands report the service's own taxonomy.
func call(socket string, req *requests.Request, result any) error {
	conn, err := net.DialTimeout("unix", socket, clientTimeout)
	if err != nil {
		return fmt.Errorf("connect to service at %s: %w (is parsecd running?)", socket, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(clientTimeout))

	if err := req.Write(conn); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	resp, err := requests.ReadResponse(conn)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.Status != requests.StatusSuccess {
		return fmt.Errorf("service answered %s: %s", req.Opcode, resp.Status)
	}
	if result == nil {
		return nil
	}
	return operations.Decode(resp.Body, result)
}

// anonymousReq builds a request for operations that need no identity.
func anonymousReq(op requests.Opcode) *requests.Request {
	return &requests.Request{
		Provider:    requests.ProviderCore,
		AuthType:    requests.AuthNoAuth,
		ContentType: requests.ContentTypeJSON,
		Opcode:      op,
	}
}

// directReq builds a direct-auth request acting for app.
func directReq(op requests.Opcode, app string, payload any) (*requests.Request, error) {
	body, err := operations.Encode(payload)
	if err != nil {
		return nil, err
	}
	return &requests.Request{
		Provider:    requests.ProviderCore,
		AuthType:    requests.AuthDirect,
		ContentType: requests.ContentTypeJSON,
		Opcode:      op,
		Auth:        []byte(app),
		Body:        body,
	}, nil
}
