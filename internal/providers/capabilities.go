package providers

import (
	"fmt"

	"github.com/Superhepper/parsec/pkg/keys"
	"github.com/Superhepper/parsec/pkg/requests"
)

// Capabilities declares what a provider can do. The dispatcher checks a
// request against them before invoking the provider, so an unsupported
// opcode or algorithm is rejected without touching the backend.
type Capabilities struct {
	Opcodes    []requests.Opcode `json:"opcodes"`
	Algorithms []keys.Algorithm  `json:"algorithms"`
	KeyTypes   []keys.KeyType    `json:"key_types"`
}

// SupportsOpcode reports whether the provider implements the operation.
func (c Capabilities) SupportsOpcode(op requests.Opcode) bool {
	for _, supported := range c.Opcodes {
		if supported == op {
			return true
		}
	}
	return false
}

// SupportsAlgorithm reports whether the provider can execute the algorithm.
func (c Capabilities) SupportsAlgorithm(alg keys.Algorithm) bool {
	for _, supported := range c.Algorithms {
		if supported == alg {
			return true
		}
	}
	return false
}

// SupportsKeyType reports whether the provider can hold keys of the type.
func (c Capabilities) SupportsKeyType(t keys.KeyType) bool {
	for _, supported := range c.KeyTypes {
		if supported == t {
			return true
		}
	}
	return false
}

// SupportsAttributes checks a creation request against the declared
// surface: the key type and every permitted algorithm must be supported.
// Failures wrap requests.ErrUnsupportedAlgorithm.
func (c Capabilities) SupportsAttributes(attrs keys.Attributes) error {
	if !c.SupportsKeyType(attrs.Type) {
		return fmt.Errorf("%w: key type %q", requests.ErrUnsupportedAlgorithm, attrs.Type)
	}
	for _, alg := range attrs.Algorithms {
		if !c.SupportsAlgorithm(alg) {
			return fmt.Errorf("%w: %q", requests.ErrUnsupportedAlgorithm, alg)
		}
	}
	return nil
}
