package pkcs11hsm

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/miekg/pkcs11"

	"github.com/Superhepper/parsec/internal/providers"
	"github.com/Superhepper/parsec/pkg/keys"
	"github.com/Superhepper/parsec/pkg/requests"
)

// DER-encoded curve OIDs for CKA_EC_PARAMS.
var (
	oidP256 = []byte{0x06, 0x08, 0x2a, 0x86, 0x48, 0xce, 0x3d, 0x03, 0x01, 0x07}
	oidP384 = []byte{0x06, 0x05, 0x2b, 0x81, 0x04, 0x00, 0x22}
)

func curveFor(t keys.KeyType) (elliptic.Curve, []byte) {
	if t == keys.KeyTypeECDSAP384 {
		return elliptic.P384(), oidP384
	}
	return elliptic.P256(), oidP256
}

// GenerateKey creates a token key pair addressed by CKA_ID = creation ID.
// Private objects are sensitive and non-extractable.
func (p *Provider) GenerateKey(ctx context.Context, creationID string, attrs keys.Attributes) ([]byte, error) {
	attrs = attrs.WithDefaults()
	if err := p.Capabilities().SupportsAttributes(attrs); err != nil {
		return nil, err
	}

	id := []byte(creationID)
	err := p.withSession("generate key", func(sh pkcs11.SessionHandle) error {
		if attrs.Type == keys.KeyTypeRSA {
			return p.generateRSA(sh, id, creationID, attrs)
		}
		return p.generateECDSA(sh, id, creationID, attrs)
	})
	if err != nil {
		return nil, err
	}

	p.log.Debug("pkcs11 provider: generated %s-%d key pair %s", attrs.Type, attrs.Bits, creationID)
	return id, nil
}

func (p *Provider) generateRSA(sh pkcs11.SessionHandle, id []byte, label string, attrs keys.Attributes) error {
	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_KEY_PAIR_GEN, nil)}
	public := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
		pkcs11.NewAttribute(pkcs11.CKA_VERIFY, attrs.Usage.Verify),
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS_BITS, attrs.Bits),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, []byte{0x01, 0x00, 0x01}),
	}
	private := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, false),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, attrs.Usage.Sign),
	}
	if _, _, err := p.mod.GenerateKeyPair(sh, mech, public, private); err != nil {
		return classify("generate key", err)
	}
	return nil
}

func (p *Provider) generateECDSA(sh pkcs11.SessionHandle, id []byte, label string, attrs keys.Attributes) error {
	_, ecParams := curveFor(attrs.Type)
	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_EC_KEY_PAIR_GEN, nil)}
	public := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
		pkcs11.NewAttribute(pkcs11.CKA_VERIFY, attrs.Usage.Verify),
		pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, ecParams),
	}
	private := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, false),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, attrs.Usage.Sign),
	}
	if _, _, err := p.mod.GenerateKeyPair(sh, mech, public, private); err != nil {
		return classify("generate key", err)
	}
	return nil
}

// ImportKey implements providers.Provider. The token does not accept
// external private material.
func (p *Provider) ImportKey(ctx context.Context, creationID string, material []byte, attrs keys.Attributes) ([]byte, error) {
	return nil, providers.UnsupportedOperation(providerName, requests.OpImportKey)
}

// ExportPublicKey reads the public object's attributes and re-encodes them
// as PKIX DER.
func (p *Provider) ExportPublicKey(ctx context.Context, ref providers.KeyRef) ([]byte, error) {
	var der []byte
	err := p.withSession("export public key", func(sh pkcs11.SessionHandle) error {
		obj, err := p.findObject(sh, pkcs11.CKO_PUBLIC_KEY, ref.Handle)
		if err != nil {
			return err
		}
		pub, err := p.readPublic(sh, obj, ref.Attributes.Type)
		if err != nil {
			return err
		}
		der, err = x509.MarshalPKIXPublicKey(pub)
		if err != nil {
			return providers.Fault(providerName, "export public key", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return der, nil
}

func (p *Provider) readPublic(sh pkcs11.SessionHandle, obj pkcs11.ObjectHandle, t keys.KeyType) (any, error) {
	if t == keys.KeyTypeRSA {
		attrs, err := p.mod.GetAttributeValue(sh, obj, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_MODULUS, nil),
			pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, nil),
		})
		if err != nil {
			return nil, classify("read public key", err)
		}
		n := new(big.Int).SetBytes(attrs[0].Value)
		e := new(big.Int).SetBytes(attrs[1].Value)
		if !e.IsInt64() || e.Int64() <= 0 {
			return nil, providers.Fault(providerName, "read public key",
				fmt.Errorf("implausible RSA exponent %s", e))
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	}

	attrs, err := p.mod.GetAttributeValue(sh, obj, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
	})
	if err != nil {
		return nil, classify("read public key", err)
	}
	curve, _ := curveFor(t)
	return parseECPoint(curve, attrs[0].Value)
}

// parseECPoint decodes CKA_EC_POINT, a DER octet string holding the
// uncompressed point.
func parseECPoint(curve elliptic.Curve, value []byte) (*ecdsa.PublicKey, error) {
	var point []byte
	if _, err := asn1.Unmarshal(value, &point); err != nil {
		return nil, providers.Fault(providerName, "read public key", fmt.Errorf("decode EC point: %w", err))
	}
	byteLen := (curve.Params().BitSize + 7) / 8
	if len(point) != 1+2*byteLen || point[0] != 0x04 {
		return nil, providers.Fault(providerName, "read public key",
			fmt.Errorf("EC point has %d bytes, want uncompressed form", len(point)))
	}
	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(point[1 : 1+byteLen]),
		Y:     new(big.Int).SetBytes(point[1+byteLen:]),
	}, nil
}

// ExportKey implements providers.Provider. Private objects are
// non-extractable.
func (p *Provider) ExportKey(ctx context.Context, ref providers.KeyRef) ([]byte, error) {
	return nil, providers.UnsupportedOperation(providerName, requests.OpExportKey)
}

// DestroyKey removes every object carrying the CKA_ID. Nothing found means
// the destroy already happened, which is a success.
func (p *Provider) DestroyKey(ctx context.Context, handle []byte) error {
	return p.withSession("destroy key", func(sh pkcs11.SessionHandle) error {
		for _, class := range []uint{pkcs11.CKO_PRIVATE_KEY, pkcs11.CKO_PUBLIC_KEY} {
			objs, err := p.findObjects(sh, class, handle)
			if err != nil {
				return err
			}
			for _, obj := range objs {
				if err := p.mod.DestroyObject(sh, obj); err != nil {
					if isReturnCode(err, pkcs11.CKR_OBJECT_HANDLE_INVALID) {
						continue
					}
					return classify("destroy key", err)
				}
			}
		}
		return nil
	})
}

func (p *Provider) findObjects(sh pkcs11.SessionHandle, class uint, id []byte) ([]pkcs11.ObjectHandle, error) {
	temp := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
	}
	if err := p.mod.FindObjectsInit(sh, temp); err != nil {
		return nil, classify("find objects", err)
	}
	objs, _, err := p.mod.FindObjects(sh, 8)
	finalErr := p.mod.FindObjectsFinal(sh)
	if err != nil {
		return nil, classify("find objects", err)
	}
	if finalErr != nil {
		return nil, classify("find objects", finalErr)
	}
	return objs, nil
}

func (p *Provider) findObject(sh pkcs11.SessionHandle, class uint, id []byte) (pkcs11.ObjectHandle, error) {
	objs, err := p.findObjects(sh, class, id)
	if err != nil {
		return 0, err
	}
	if len(objs) == 0 {
		return 0, fmt.Errorf("%w: no token object for %q", requests.ErrKeyDoesNotExist, string(id))
	}
	return objs[0], nil
}
