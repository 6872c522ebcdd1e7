package tpm

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/json"
	"fmt"

	"github.com/google/go-tpm/legacy/tpm2"

	"github.com/Superhepper/parsec/internal/providers"
	"github.com/Superhepper/parsec/pkg/keys"
	"github.com/Superhepper/parsec/pkg/requests"
)

// blobPair is the provider handle: the wrapped key exactly as the chip
// returned it. The private blob only ever unwraps inside the TPM that
// created it.
type blobPair struct {
	Public  []byte `json:"public"`
	Private []byte `json:"private"`
}

func encodeHandle(public, private []byte) ([]byte, error) {
	handle, err := json.Marshal(blobPair{Public: public, Private: private})
	if err != nil {
		return nil, providers.Fault(providerName, "encode handle", err)
	}
	return handle, nil
}

func decodeHandle(handle []byte) (blobPair, error) {
	var pair blobPair
	if err := json.Unmarshal(handle, &pair); err != nil || len(pair.Public) == 0 || len(pair.Private) == 0 {
		return blobPair{}, fmt.Errorf("%w: handle does not hold a wrapped key pair", requests.ErrKeyDoesNotExist)
	}
	return pair, nil
}

// GenerateKey wraps a new signing key under the primary and returns the
// blob pair as the handle. Nothing stays loaded on the chip.
func (p *Provider) GenerateKey(ctx context.Context, creationID string, attrs keys.Attributes) ([]byte, error) {
	attrs = attrs.WithDefaults()
	if err := p.Capabilities().SupportsAttributes(attrs); err != nil {
		return nil, err
	}
	if attrs.Type == keys.KeyTypeRSA && attrs.Bits != 2048 {
		return nil, fmt.Errorf("%w: tpm provider generates rsa-2048, not rsa-%d",
			requests.ErrUnsupportedAlgorithm, attrs.Bits)
	}

	var public, private []byte
	err := p.withDevice("generate key", func() error {
		var err error
		private, public, err = p.cmds.Create(p.primary, childTemplate(attrs.Type))
		if err != nil {
			return classify("generate key", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	handle, err := encodeHandle(public, private)
	if err != nil {
		return nil, err
	}
	p.log.Debug("tpm provider: wrapped %s key %s", attrs.Type, creationID)
	return handle, nil
}

// childTemplate builds an unrestricted signing key under the primary. The
// template scheme stays null so one RSA key serves both paddings, picked
// per sign command.
func childTemplate(t keys.KeyType) tpm2.Public {
	attrs := tpm2.FlagSign | tpm2.FlagFixedTPM | tpm2.FlagFixedParent |
		tpm2.FlagSensitiveDataOrigin | tpm2.FlagUserWithAuth | tpm2.FlagNoDA
	if t == keys.KeyTypeRSA {
		return tpm2.Public{
			Type:          tpm2.AlgRSA,
			NameAlg:       tpm2.AlgSHA256,
			Attributes:    attrs,
			RSAParameters: &tpm2.RSAParams{KeyBits: 2048},
		}
	}
	return tpm2.Public{
		Type:          tpm2.AlgECC,
		NameAlg:       tpm2.AlgSHA256,
		Attributes:    attrs,
		ECCParameters: &tpm2.ECCParams{CurveID: tpm2.CurveNISTP256},
	}
}

// ImportKey implements providers.Provider. Importing would need a
// duplication session against the primary; external material goes to the
// software provider instead.
func (p *Provider) ImportKey(ctx context.Context, creationID string, material []byte, attrs keys.Attributes) ([]byte, error) {
	return nil, providers.UnsupportedOperation(providerName, requests.OpImportKey)
}

// ExportPublicKey re-encodes the public area carried in the handle as
// PKIX DER. The device is not involved.
func (p *Provider) ExportPublicKey(ctx context.Context, ref providers.KeyRef) ([]byte, error) {
	key, err := publicKeyFromHandle(ref.Handle)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, providers.Fault(providerName, "export public key", err)
	}
	return der, nil
}

// ExportKey implements providers.Provider. The private blob never
// unwraps outside the chip.
func (p *Provider) ExportKey(ctx context.Context, ref providers.KeyRef) ([]byte, error) {
	return nil, providers.UnsupportedOperation(providerName, requests.OpExportKey)
}

// DestroyKey implements providers.Provider. Wrapped keys exist only in
// their blob pairs, so dropping the handle is the destruction and repeat
// destroys have nothing left to do.
func (p *Provider) DestroyKey(ctx context.Context, handle []byte) error {
	return nil
}

// publicKeyFromHandle decodes the public area in the handle into a
// crypto.PublicKey.
func publicKeyFromHandle(handle []byte) (crypto.PublicKey, error) {
	pair, err := decodeHandle(handle)
	if err != nil {
		return nil, err
	}
	area, err := tpm2.DecodePublic(pair.Public)
	if err != nil {
		return nil, providers.Fault(providerName, "decode public area", err)
	}
	key, err := area.Key()
	if err != nil {
		return nil, providers.Fault(providerName, "decode public area", err)
	}
	return key, nil
}
