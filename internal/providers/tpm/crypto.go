package tpm

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/google/go-tpm/legacy/tpm2"

	"github.com/Superhepper/parsec/internal/providers"
	"github.com/Superhepper/parsec/pkg/keys"
	"github.com/Superhepper/parsec/pkg/requests"
)

func signScheme(alg keys.Algorithm) *tpm2.SigScheme {
	switch alg {
	case keys.AlgorithmECDSASHA256:
		return &tpm2.SigScheme{Alg: tpm2.AlgECDSA, Hash: tpm2.AlgSHA256}
	case keys.AlgorithmRSAPSSSHA256:
		return &tpm2.SigScheme{Alg: tpm2.AlgRSAPSS, Hash: tpm2.AlgSHA256}
	case keys.AlgorithmRSAPKCS1SHA256:
		return &tpm2.SigScheme{Alg: tpm2.AlgRSASSA, Hash: tpm2.AlgSHA256}
	}
	return nil
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

// Sign loads the wrapped key, signs the digest and flushes the transient
// handle before returning. ECDSA signatures come out as ASN.1 DER.
func (p *Provider) Sign(ctx context.Context, ref providers.KeyRef, alg keys.Algorithm, digest []byte) ([]byte, error) {
	if err := p.checkSigning(alg, ref.Attributes.Type, digest); err != nil {
		return nil, err
	}
	pair, err := decodeHandle(ref.Handle)
	if err != nil {
		return nil, err
	}

	var sig []byte
	err = p.withDevice("sign", func() error {
		key, err := p.cmds.Load(p.primary, pair.Public, pair.Private)
		if err != nil {
			return classify("sign", err)
		}
		defer p.cmds.Flush(key)

		out, err := p.cmds.Sign(key, digest, signScheme(alg))
		if err != nil {
			return classify("sign", err)
		}
		sig, err = encodeSignature(out)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sig, nil
}

type ecdsaSignature struct {
	R, S *big.Int
}

// encodeSignature converts the chip's signature union into the handed-out
// form: ASN.1 DER for ECDSA, the raw block for RSA.
func encodeSignature(sig *tpm2.Signature) ([]byte, error) {
	switch {
	case sig.ECC != nil:
		der, err := asn1.Marshal(ecdsaSignature{R: sig.ECC.R, S: sig.ECC.S})
		if err != nil {
			return nil, providers.Fault(providerName, "sign", err)
		}
		return der, nil
	case sig.RSA != nil:
		return []byte(sig.RSA.Signature), nil
	}
	return nil, providers.Fault(providerName, "sign", fmt.Errorf("signature union carries no member"))
}

// Verify checks the signature in software against the public area in the
// handle, keeping the device free for signing work.
func (p *Provider) Verify(ctx context.Context, ref providers.KeyRef, alg keys.Algorithm, digest, signature []byte) (bool, error) {
	if err := p.checkSigning(alg, ref.Attributes.Type, digest); err != nil {
		return false, err
	}
	key, err := publicKeyFromHandle(ref.Handle)
	if err != nil {
		return false, err
	}

	switch pub := key.(type) {
	case *ecdsa.PublicKey:
		return ecdsa.VerifyASN1(pub, digest, signature), nil
	case *rsa.PublicKey:
		if alg == keys.AlgorithmRSAPSSSHA256 {
			// Most chips salt PSS to the largest size that fits,
			// FIPS parts to the digest size. Auto accepts both.
			opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256}
			return rsa.VerifyPSS(pub, crypto.SHA256, digest, signature, opts) == nil, nil
		}
		return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest, signature) == nil, nil
	}
	return false, providers.Fault(providerName, "verify", fmt.Errorf("public area decodes to %T", key))
}

// Encrypt implements providers.Provider. Signing keys only; data
// encryption stays with providers that hold wrappable material.
func (p *Provider) Encrypt(ctx context.Context, ref providers.KeyRef, alg keys.Algorithm, plaintext []byte) ([]byte, error) {
	return nil, providers.UnsupportedOperation(providerName, requests.OpEncrypt)
}

// Decrypt implements providers.Provider.
func (p *Provider) Decrypt(ctx context.Context, ref providers.KeyRef, alg keys.Algorithm, ciphertext []byte) ([]byte, error) {
	return nil, providers.UnsupportedOperation(providerName, requests.OpDecrypt)
}

// Hash implements providers.Provider. Digest requests route to providers
// that advertise the opcode.
func (p *Provider) Hash(ctx context.Context, alg keys.Algorithm, data []byte) ([]byte, error) {
	return nil, providers.UnsupportedOperation(providerName, requests.OpHash)
}
