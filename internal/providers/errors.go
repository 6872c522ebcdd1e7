package providers

import (
	"fmt"

	"github.com/Superhepper/parsec/pkg/keys"
	"github.com/Superhepper/parsec/pkg/requests"
)

// Classification constructors. Providers build every error they return with
// one of these (or wrap the pkg/requests sentinels directly) so the
// dispatcher boundary translates failures without knowing the backend.

// Fault classifies a backend failure as non-retryable. The underlying error
// is kept in the message only; nothing backend-specific crosses the
// dispatcher boundary as a matchable type.
func Fault(providerName, op string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", requests.ErrProviderFault, providerName, op, err)
}

// Busy classifies a failed session or slot acquisition. Retry-safe: the
// operation had no side effects.
func Busy(providerName, op string) error {
	return fmt.Errorf("%w: %s %s", requests.ErrProviderBusy, providerName, op)
}

// UnsupportedAlgorithm reports an algorithm outside the provider's declared
// capability surface.
func UnsupportedAlgorithm(providerName string, alg keys.Algorithm) error {
	return fmt.Errorf("%w: %s cannot perform %q", requests.ErrUnsupportedAlgorithm, providerName, alg)
}

// UnsupportedKeyType reports a key type the provider cannot hold. Carried
// under the same status as algorithm mismatches.
func UnsupportedKeyType(providerName string, t keys.KeyType) error {
	return fmt.Errorf("%w: %s cannot hold %q keys", requests.ErrUnsupportedAlgorithm, providerName, t)
}

// UnsupportedOperation reports an opcode the provider does not implement.
func UnsupportedOperation(providerName string, op requests.Opcode) error {
	return fmt.Errorf("%w: %s does not implement %s", requests.ErrUnsupportedOperation, providerName, op)
}

// InvalidMaterial reports import material that could not be parsed or does
// not match the declared attributes.
func InvalidMaterial(providerName string, err error) error {
	return fmt.Errorf("%w: %s: %v", requests.ErrInvalidKeyMaterial, providerName, err)
}
