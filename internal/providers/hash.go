package providers

import (
	"crypto/sha256"
	"crypto/sha512"

	"github.com/Superhepper/parsec/pkg/keys"
)

// HashBytes computes a bare digest. Shared by the core hash operation and by
// providers that expose hashing without hardware support for it.
func HashBytes(name string, alg keys.Algorithm, data []byte) ([]byte, error) {
	switch alg {
	case keys.AlgorithmSHA256:
		sum := sha256.Sum256(data)
		return sum[:], nil
	case keys.AlgorithmSHA384:
		sum := sha512.Sum384(data)
		return sum[:], nil
	case keys.AlgorithmSHA512:
		sum := sha512.Sum512(data)
		return sum[:], nil
	}
	return nil, UnsupportedAlgorithm(name, alg)
}
