package tpm_test

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/go-tpm/legacy/tpm2"
	"github.com/google/go-tpm/tpmutil"

	"github.com/Superhepper/parsec/internal/providers/tpm"
)

// fakeTPM implements tpm.Commands over real in-process crypto. Public
// blobs are genuine TPM2B_PUBLIC encodings so the provider's software
// paths decode the same bytes a chip would hand back; private blobs are
// opaque lookup tokens standing in for the wrapped sensitive area.
type fakeTPM struct {
	mu sync.Mutex

	primary tpmutil.Handle
	next    tpmutil.Handle
	wrapped map[string]crypto.Signer
	loaded  map[tpmutil.Handle]crypto.Signer
	loads   int
	flushes int

	createErr error
	manufErr  error

	// createGate, when set, blocks Create until closed. createStarted
	// reports that the gated call holds the device slot.
	createGate    chan struct{}
	createStarted chan struct{}
}

var _ tpm.Commands = (*fakeTPM)(nil)

func newFakeTPM() *fakeTPM {
	return &fakeTPM{
		next:          0x80000100,
		wrapped:       map[string]crypto.Signer{},
		loaded:        map[tpmutil.Handle]crypto.Signer{},
		createStarted: make(chan struct{}, 1),
	}
}

func (f *fakeTPM) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

func (f *fakeTPM) flushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushes
}

func (f *fakeTPM) CreatePrimary(hierarchy tpmutil.Handle, template tpm2.Public) (tpmutil.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if hierarchy != tpm2.HandleOwner {
		return 0, fmt.Errorf("unexpected hierarchy %#x", uint32(hierarchy))
	}
	if template.Type != tpm2.AlgECC || template.Attributes&tpm2.FlagRestricted == 0 {
		return 0, fmt.Errorf("primary template is not a storage key")
	}
	f.primary = 0x80000001
	return f.primary, nil
}

func (f *fakeTPM) Create(parent tpmutil.Handle, template tpm2.Public) ([]byte, []byte, error) {
	if f.createGate != nil {
		select {
		case f.createStarted <- struct{}{}:
		default:
		}
		<-f.createGate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, nil, f.createErr
	}
	if parent != f.primary {
		return nil, nil, fmt.Errorf("unknown parent %#x", uint32(parent))
	}

	var signer crypto.Signer
	var area tpm2.Public
	switch template.Type {
	case tpm2.AlgECC:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		signer = key
		area = tpm2.Public{
			Type:       tpm2.AlgECC,
			NameAlg:    tpm2.AlgSHA256,
			Attributes: template.Attributes,
			ECCParameters: &tpm2.ECCParams{
				CurveID: tpm2.CurveNISTP256,
				Point: tpm2.ECPoint{
					XRaw: padComponent(key.X, 32),
					YRaw: padComponent(key.Y, 32),
				},
			},
		}
	case tpm2.AlgRSA:
		key, err := rsa.GenerateKey(rand.Reader, int(template.RSAParameters.KeyBits))
		if err != nil {
			return nil, nil, err
		}
		signer = key
		area = tpm2.Public{
			Type:       tpm2.AlgRSA,
			NameAlg:    tpm2.AlgSHA256,
			Attributes: template.Attributes,
			RSAParameters: &tpm2.RSAParams{
				KeyBits:    template.RSAParameters.KeyBits,
				ModulusRaw: key.N.Bytes(),
			},
		}
	default:
		return nil, nil, fmt.Errorf("unsupported template type %v", template.Type)
	}

	public, err := area.Encode()
	if err != nil {
		return nil, nil, err
	}
	private := make([]byte, 16)
	if _, err := rand.Read(private); err != nil {
		return nil, nil, err
	}
	f.wrapped[string(private)] = signer
	return private, public, nil
}

func (f *fakeTPM) Load(parent tpmutil.Handle, public, private []byte) (tpmutil.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if parent != f.primary {
		return 0, fmt.Errorf("unknown parent %#x", uint32(parent))
	}
	signer, ok := f.wrapped[string(private)]
	if !ok {
		return 0, fmt.Errorf("private blob fails integrity check")
	}
	handle := f.next
	f.next++
	f.loaded[handle] = signer
	f.loads++
	return handle, nil
}

func (f *fakeTPM) Sign(key tpmutil.Handle, digest []byte, scheme *tpm2.SigScheme) (*tpm2.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	signer, ok := f.loaded[key]
	if !ok {
		return nil, fmt.Errorf("handle %#x is not loaded", uint32(key))
	}
	if scheme == nil || scheme.Hash != tpm2.AlgSHA256 {
		return nil, fmt.Errorf("unexpected sign scheme %+v", scheme)
	}
	if len(digest) != sha256.Size {
		return nil, fmt.Errorf("digest has %d bytes, scheme hash wants %d", len(digest), sha256.Size)
	}

	switch scheme.Alg {
	case tpm2.AlgECDSA:
		priv, ok := signer.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is %T, scheme wants ECC", signer)
		}
		r, s, err := ecdsa.Sign(rand.Reader, priv, digest)
		if err != nil {
			return nil, err
		}
		return &tpm2.Signature{
			Alg: tpm2.AlgECDSA,
			ECC: &tpm2.SignatureECC{HashAlg: tpm2.AlgSHA256, R: r, S: s},
		}, nil
	case tpm2.AlgRSASSA:
		priv, ok := signer.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is %T, scheme wants RSA", signer)
		}
		sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest)
		if err != nil {
			return nil, err
		}
		return &tpm2.Signature{
			Alg: tpm2.AlgRSASSA,
			RSA: &tpm2.SignatureRSA{HashAlg: tpm2.AlgSHA256, Signature: sig},
		}, nil
	case tpm2.AlgRSAPSS:
		priv, ok := signer.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is %T, scheme wants RSA", signer)
		}
		// Chips fill the padded area with the largest salt that fits.
		opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256}
		sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest, opts)
		if err != nil {
			return nil, err
		}
		return &tpm2.Signature{
			Alg: tpm2.AlgRSAPSS,
			RSA: &tpm2.SignatureRSA{HashAlg: tpm2.AlgSHA256, Signature: sig},
		}, nil
	}
	return nil, fmt.Errorf("unsupported sign scheme %v", scheme.Alg)
}

func (f *fakeTPM) Flush(handle tpmutil.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if handle == f.primary {
		return nil
	}
	if _, ok := f.loaded[handle]; !ok {
		return fmt.Errorf("flush of unloaded handle %#x", uint32(handle))
	}
	delete(f.loaded, handle)
	f.flushes++
	return nil
}

func (f *fakeTPM) Manufacturer() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.manufErr != nil {
		return nil, f.manufErr
	}
	return []byte("FAKE"), nil
}

func (f *fakeTPM) Close() error {
	return nil
}

func padComponent(v *big.Int, size int) []byte {
	out := make([]byte, size)
	v.FillBytes(out)
	return out
}
