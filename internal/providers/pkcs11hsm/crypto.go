package pkcs11hsm

import (
	"context"
	"encoding/asn1"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/miekg/pkcs11"

	"github.com/Superhepper/parsec/internal/providers"
	"github.com/Superhepper/parsec/pkg/keys"
	"github.com/Superhepper/parsec/pkg/requests"
)

// sha256DigestInfo is the DER prefix turning a SHA-256 digest into the
// DigestInfo structure CKM_RSA_PKCS signs.
var sha256DigestInfo = []byte{
	0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86,
	0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05,
	0x00, 0x04, 0x20,
}

// ulongBytes packs a CK_ULONG for mechanism parameters. CK_ULONG is 8
// native-endian bytes on the LP64 targets this service runs on.
func ulongBytes(v uint) []byte {
	b := make([]byte, 8)
	binary.NativeEndian.PutUint64(b, uint64(v))
	return b
}

// pssSHA256Params is CK_RSA_PKCS_PSS_PARAMS{SHA-256, MGF1-SHA256, salt=32}.
func pssSHA256Params() []byte {
	b := make([]byte, 0, 24)
	b = append(b, ulongBytes(pkcs11.CKM_SHA256)...)
	b = append(b, ulongBytes(pkcs11.CKG_MGF1_SHA256)...)
	b = append(b, ulongBytes(32)...)
	return b
}

func signMechanism(alg keys.Algorithm) []*pkcs11.Mechanism {
	switch alg {
	case keys.AlgorithmECDSASHA256, keys.AlgorithmECDSASHA384:
		return []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)}
	case keys.AlgorithmRSAPSSSHA256:
		return []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_PSS, pssSHA256Params())}
	case keys.AlgorithmRSAPKCS1SHA256:
		return []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)}
	}
	return nil
}

// signInput prepares the token input: CKM_RSA_PKCS wants the full
// DigestInfo, the other mechanisms take the bare digest.
func signInput(alg keys.Algorithm, digest []byte) []byte {
	if alg == keys.AlgorithmRSAPKCS1SHA256 {
		return append(append(make([]byte, 0, len(sha256DigestInfo)+len(digest)), sha256DigestInfo...), digest...)
	}
	return digest
}

func (p *Provider) checkSigning(alg keys.Algorithm, t keys.KeyType, digest []byte) error {
	if !alg.Signing() || !alg.CompatibleWith(t) || !p.Capabilities().SupportsAlgorithm(alg) {
		return providers.UnsupportedAlgorithm(providerName, alg)
	}
	if want := alg.DigestLength(); want != 0 && len(digest) != want {
		return fmt.Errorf("%w: %s expects a %d-byte digest, got %d", requests.ErrInvalidRequest, alg, want, len(digest))
	}
	return nil
}

// Sign runs the token mechanism over the digest. ECDSA signatures come back
// raw r‖s and are re-encoded as ASN.1 DER.
func (p *Provider) Sign(ctx context.Context, ref providers.KeyRef, alg keys.Algorithm, digest []byte) ([]byte, error) {
	if err := p.checkSigning(alg, ref.Attributes.Type, digest); err != nil {
		return nil, err
	}

	var sig []byte
	err := p.withSession("sign", func(sh pkcs11.SessionHandle) error {
		key, err := p.findObject(sh, pkcs11.CKO_PRIVATE_KEY, ref.Handle)
		if err != nil {
			return err
		}
		if err := p.mod.SignInit(sh, signMechanism(alg), key); err != nil {
			return classify("sign", err)
		}
		raw, err := p.mod.Sign(sh, signInput(alg, digest))
		if err != nil {
			return classify("sign", err)
		}
		if alg == keys.AlgorithmECDSASHA256 || alg == keys.AlgorithmECDSASHA384 {
			sig, err = ecdsaRawToDER(raw)
			if err != nil {
				return providers.Fault(providerName, "sign", err)
			}
			return nil
		}
		sig = raw
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// Verify checks the signature on the token. A signature the token rejects,
// or DER the provider cannot even decode, reports (false, nil).
func (p *Provider) Verify(ctx context.Context, ref providers.KeyRef, alg keys.Algorithm, digest, signature []byte) (bool, error) {
	if err := p.checkSigning(alg, ref.Attributes.Type, digest); err != nil {
		return false, err
	}

	tokenSig := signature
	if alg == keys.AlgorithmECDSASHA256 || alg == keys.AlgorithmECDSASHA384 {
		raw, err := ecdsaDERToRaw(signature, ecdsaComponentLen(alg))
		if err != nil {
			return false, nil
		}
		tokenSig = raw
	}

	valid := false
	err := p.withSession("verify", func(sh pkcs11.SessionHandle) error {
		key, err := p.findObject(sh, pkcs11.CKO_PUBLIC_KEY, ref.Handle)
		if err != nil {
			return err
		}
		if err := p.mod.VerifyInit(sh, signMechanism(alg), key); err != nil {
			return classify("verify", err)
		}
		vErr := p.mod.Verify(sh, signInput(alg, digest), tokenSig)
		switch {
		case vErr == nil:
			valid = true
		case isReturnCode(vErr, pkcs11.CKR_SIGNATURE_INVALID),
			isReturnCode(vErr, pkcs11.CKR_SIGNATURE_LEN_RANGE):
			valid = false
		default:
			return classify("verify", vErr)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return valid, nil
}

// Encrypt implements providers.Provider. Data encryption stays with
// providers that hold wrappable material.
func (p *Provider) Encrypt(ctx context.Context, ref providers.KeyRef, alg keys.Algorithm, plaintext []byte) ([]byte, error) {
	return nil, providers.UnsupportedOperation(providerName, requests.OpEncrypt)
}

// Decrypt implements providers.Provider.
func (p *Provider) Decrypt(ctx context.Context, ref providers.KeyRef, alg keys.Algorithm, ciphertext []byte) ([]byte, error) {
	return nil, providers.UnsupportedOperation(providerName, requests.OpDecrypt)
}

// Hash digests on the token.
func (p *Provider) Hash(ctx context.Context, alg keys.Algorithm, data []byte) ([]byte, error) {
	var mech uint
	switch alg {
	case keys.AlgorithmSHA256:
		mech = pkcs11.CKM_SHA256
	case keys.AlgorithmSHA384:
		mech = pkcs11.CKM_SHA384
	case keys.AlgorithmSHA512:
		mech = pkcs11.CKM_SHA512
	default:
		return nil, providers.UnsupportedAlgorithm(providerName, alg)
	}

	var sum []byte
	err := p.withSession("hash", func(sh pkcs11.SessionHandle) error {
		if err := p.mod.DigestInit(sh, []*pkcs11.Mechanism{pkcs11.NewMechanism(mech, nil)}); err != nil {
			return classify("hash", err)
		}
		out, err := p.mod.Digest(sh, data)
		if err != nil {
			return classify("hash", err)
		}
		sum = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sum, nil
}

func ecdsaComponentLen(alg keys.Algorithm) int {
	if alg == keys.AlgorithmECDSASHA384 {
		return 48
	}
	return 32
}

type ecdsaSignature struct {
	R, S *big.Int
}

// ecdsaRawToDER converts the token's fixed-width r‖s into ASN.1 DER.
func ecdsaRawToDER(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return nil, fmt.Errorf("raw ECDSA signature has %d bytes", len(raw))
	}
	half := len(raw) / 2
	return asn1.Marshal(ecdsaSignature{
		R: new(big.Int).SetBytes(raw[:half]),
		S: new(big.Int).SetBytes(raw[half:]),
	})
}

// ecdsaDERToRaw converts ASN.1 DER into fixed-width r‖s for the token.
func ecdsaDERToRaw(der []byte, componentLen int) ([]byte, error) {
	var sig ecdsaSignature
	rest, err := asn1.Unmarshal(der, &sig)
	if err != nil {
		return nil, fmt.Errorf("decode ECDSA signature: %w", err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("ECDSA signature has %d trailing bytes", len(rest))
	}
	r, s := sig.R.Bytes(), sig.S.Bytes()
	if len(r) > componentLen || len(s) > componentLen {
		return nil, fmt.Errorf("ECDSA signature component exceeds %d bytes", componentLen)
	}
	raw := make([]byte, 2*componentLen)
	copy(raw[componentLen-len(r):componentLen], r)
	copy(raw[2*componentLen-len(s):], s)
	return raw, nil
}
