package requests

import (
	"errors"
	"fmt"
)

// ResponseStatus is the uniform result code carried in every response
// header. Providers and stores fail with their own error types internally;
// everything is translated to one of these before it reaches a client.
type ResponseStatus uint16

const (
	// StatusSuccess indicates the operation completed.
	StatusSuccess ResponseStatus = 0

	// StatusInvalidRequest indicates a malformed request: bad framing,
	// unknown opcode, undecodable body, or invalid parameters.
	StatusInvalidRequest ResponseStatus = 1

	// StatusUnauthenticated indicates the caller's identity could not be
	// resolved from the request credentials.
	StatusUnauthenticated ResponseStatus = 2

	// StatusUnknownProvider indicates the addressed provider is not
	// configured in this deployment.
	StatusUnknownProvider ResponseStatus = 3

	// StatusUnsupportedOperation indicates the provider does not implement
	// the requested operation.
	StatusUnsupportedOperation ResponseStatus = 4

	// StatusUnsupportedAlgorithm indicates the provider cannot perform the
	// requested algorithm, or the requested key attributes exceed its
	// declared capabilities.
	StatusUnsupportedAlgorithm ResponseStatus = 5

	// StatusKeyUsageViolation indicates the key's stored attributes do not
	// permit the requested operation or algorithm.
	StatusKeyUsageViolation ResponseStatus = 6

	// StatusKeyDoesNotExist indicates no active key with the requested name
	// exists in the caller's namespace.
	StatusKeyDoesNotExist ResponseStatus = 7

	// StatusAlreadyExists indicates a live key with the requested name
	// already exists in the caller's namespace.
	StatusAlreadyExists ResponseStatus = 8

	// StatusInvalidKeyMaterial indicates imported key material could not be
	// parsed or does not match the declared attributes.
	StatusInvalidKeyMaterial ResponseStatus = 9

	// StatusProviderBusy indicates the provider backend could not allocate
	// a session right now. Transient; the caller may retry.
	StatusProviderBusy ResponseStatus = 10

	// StatusProviderFault indicates an unrecoverable backend error. Not
	// retryable without operator intervention.
	StatusProviderFault ResponseStatus = 11
)

// Sentinel errors matching the response statuses. Internal components wrap
// these with fmt.Errorf("...: %w", ...) so the dispatcher boundary can
// translate any failure with errors.Is.
var (
	ErrInvalidRequest       = errors.New("invalid request")
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrUnknownProvider      = errors.New("unknown provider")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrKeyUsageViolation    = errors.New("key usage violation")
	ErrKeyDoesNotExist      = errors.New("key does not exist")
	ErrAlreadyExists        = errors.New("key already exists")
	ErrInvalidKeyMaterial   = errors.New("invalid key material")
	ErrProviderBusy         = errors.New("provider busy")
	ErrProviderFault        = errors.New("provider fault")
)

var statusNames = map[ResponseStatus]string{
	StatusSuccess:              "success",
	StatusInvalidRequest:       "invalid-request",
	StatusUnauthenticated:      "unauthenticated",
	StatusUnknownProvider:      "unknown-provider",
	StatusUnsupportedOperation: "unsupported-operation",
	StatusUnsupportedAlgorithm: "unsupported-algorithm",
	StatusKeyUsageViolation:    "key-usage-violation",
	StatusKeyDoesNotExist:      "key-does-not-exist",
	StatusAlreadyExists:        "already-exists",
	StatusInvalidKeyMaterial:   "invalid-key-material",
	StatusProviderBusy:         "provider-busy",
	StatusProviderFault:        "provider-fault",
}

func (s ResponseStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status-%d", uint16(s))
}

// Retryable reports whether a caller may safely repeat the request without
// operator intervention.
func (s ResponseStatus) Retryable() bool {
	return s == StatusProviderBusy
}

// Err returns the sentinel error for a non-success status, or nil for
// StatusSuccess. Clients use it to turn a wire status back into an error
// value they can match with errors.Is.
func (s ResponseStatus) Err() error {
	switch s {
	case StatusSuccess:
		return nil
	case StatusInvalidRequest:
		return ErrInvalidRequest
	case StatusUnauthenticated:
		return ErrUnauthenticated
	case StatusUnknownProvider:
		return ErrUnknownProvider
	case StatusUnsupportedOperation:
		return ErrUnsupportedOperation
	case StatusUnsupportedAlgorithm:
		return ErrUnsupportedAlgorithm
	case StatusKeyUsageViolation:
		return ErrKeyUsageViolation
	case StatusKeyDoesNotExist:
		return ErrKeyDoesNotExist
	case StatusAlreadyExists:
		return ErrAlreadyExists
	case StatusInvalidKeyMaterial:
		return ErrInvalidKeyMaterial
	case StatusProviderBusy:
		return ErrProviderBusy
	default:
		return ErrProviderFault
	}
}

// StatusFromError translates any error produced by authenticators, stores or
// providers into a response status. Unrecognized errors become
// StatusProviderFault so nothing backend-specific leaks to clients.
func StatusFromError(err error) ResponseStatus {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, ErrInvalidRequest):
		return StatusInvalidRequest
	case errors.Is(err, ErrUnauthenticated):
		return StatusUnauthenticated
	case errors.Is(err, ErrUnknownProvider):
		return StatusUnknownProvider
	case errors.Is(err, ErrUnsupportedOperation):
		return StatusUnsupportedOperation
	case errors.Is(err, ErrUnsupportedAlgorithm):
		return StatusUnsupportedAlgorithm
	case errors.Is(err, ErrKeyUsageViolation):
		return StatusKeyUsageViolation
	case errors.Is(err, ErrKeyDoesNotExist):
		return StatusKeyDoesNotExist
	case errors.Is(err, ErrAlreadyExists):
		return StatusAlreadyExists
	case errors.Is(err, ErrInvalidKeyMaterial):
		return StatusInvalidKeyMaterial
	case errors.Is(err, ErrProviderBusy):
		return StatusProviderBusy
	default:
		return StatusProviderFault
	}
}
