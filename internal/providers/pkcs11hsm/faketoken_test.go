package pkcs11hsm_test

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/asn1"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/Superhepper/parsec/internal/providers/pkcs11hsm"
)

// fakeToken is an in-memory PKCS#11 token. It honors the object model the
// provider relies on (CKA_ID addressing, class-scoped find, attribute
// reads) and performs real crypto so signature formats are checked for
// real.
type fakeToken struct {
	mu sync.Mutex

	labels map[uint]string
	pin    string // expected CKU_USER PIN, empty accepts any

	loginPIN   string
	loginCalls int

	nextObject pkcs11.ObjectHandle
	objects    map[pkcs11.ObjectHandle]*fakeObject

	nextSession pkcs11.SessionHandle
	sessions    map[pkcs11.SessionHandle]*fakeSession

	// digestGate, when set, blocks Digest until closed. digestStarted
	// reports that a Digest call is in flight.
	digestGate    chan struct{}
	digestStarted chan struct{}
}

type fakeObject struct {
	class  uint
	id     []byte
	label  string
	signer crypto.Signer
	public crypto.PublicKey
}

type fakeSession struct {
	found      []pkcs11.ObjectHandle
	signMech   uint
	signKey    pkcs11.ObjectHandle
	verifyMech uint
	verifyKey  pkcs11.ObjectHandle
	digestMech uint
}

var _ pkcs11hsm.Module = (*fakeToken)(nil)

func newFakeToken(labels ...string) *fakeToken {
	t := &fakeToken{
		labels:   make(map[uint]string),
		objects:  make(map[pkcs11.ObjectHandle]*fakeObject),
		sessions: make(map[pkcs11.SessionHandle]*fakeSession),
	}
	for i, label := range labels {
		t.labels[uint(i)] = label
	}
	return t
}

func (t *fakeToken) objectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.objects)
}

func (t *fakeToken) Initialize() error { return nil }
func (t *fakeToken) Finalize() error   { return nil }
func (t *fakeToken) Destroy()          {}

func (t *fakeToken) GetSlotList(tokenPresent bool) ([]uint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	slots := make([]uint, 0, len(t.labels))
	for i := uint(0); i < uint(len(t.labels)); i++ {
		slots = append(slots, i)
	}
	return slots, nil
}

func (t *fakeToken) GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	label, ok := t.labels[slotID]
	if !ok {
		return pkcs11.TokenInfo{}, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	return pkcs11.TokenInfo{Label: fmt.Sprintf("%-32s", label)}, nil
}

func (t *fakeToken) OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSession++
	t.sessions[t.nextSession] = &fakeSession{}
	return t.nextSession, nil
}

func (t *fakeToken) CloseSession(sh pkcs11.SessionHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sh)
	return nil
}

func (t *fakeToken) Login(sh pkcs11.SessionHandle, userType uint, pin string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loginCalls++
	t.loginPIN = pin
	if t.pin != "" && pin != t.pin {
		return pkcs11.Error(pkcs11.CKR_PIN_INCORRECT)
	}
	return nil
}

func (t *fakeToken) Logout(sh pkcs11.SessionHandle) error { return nil }

func (t *fakeToken) GenerateKeyPair(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, public, private []*pkcs11.Attribute) (pkcs11.ObjectHandle, pkcs11.ObjectHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := templateBytes(private, pkcs11.CKA_ID)
	label := string(templateBytes(private, pkcs11.CKA_LABEL))

	var signer crypto.Signer
	switch m[0].Mechanism {
	case pkcs11.CKM_RSA_PKCS_KEY_PAIR_GEN:
		bits := int(templateUlong(public, pkcs11.CKA_MODULUS_BITS))
		key, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return 0, 0, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
		}
		signer = key
	case pkcs11.CKM_EC_KEY_PAIR_GEN:
		curve := curveFromParams(templateBytes(public, pkcs11.CKA_EC_PARAMS))
		if curve == nil {
			return 0, 0, pkcs11.Error(pkcs11.CKR_MECHANISM_PARAM_INVALID)
		}
		key, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			return 0, 0, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
		}
		signer = key
	default:
		return 0, 0, pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
	}

	t.nextObject++
	pubHandle := t.nextObject
	t.objects[pubHandle] = &fakeObject{
		class:  pkcs11.CKO_PUBLIC_KEY,
		id:     id,
		label:  label,
		public: signer.Public(),
	}
	t.nextObject++
	privHandle := t.nextObject
	t.objects[privHandle] = &fakeObject{
		class:  pkcs11.CKO_PRIVATE_KEY,
		id:     id,
		label:  label,
		signer: signer,
	}
	return pubHandle, privHandle, nil
}

func (t *fakeToken) FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess := t.sessions[sh]
	class := templateUlong(temp, pkcs11.CKA_CLASS)
	id := templateBytes(temp, pkcs11.CKA_ID)
	sess.found = sess.found[:0]
	for handle := pkcs11.ObjectHandle(1); handle <= t.nextObject; handle++ {
		obj, ok := t.objects[handle]
		if ok && obj.class == class && string(obj.id) == string(id) {
			sess.found = append(sess.found, handle)
		}
	}
	return nil
}

func (t *fakeToken) FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess := t.sessions[sh]
	n := len(sess.found)
	if n > max {
		n = max
	}
	out := make([]pkcs11.ObjectHandle, n)
	copy(out, sess.found[:n])
	sess.found = sess.found[n:]
	return out, false, nil
}

func (t *fakeToken) FindObjectsFinal(sh pkcs11.SessionHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[sh].found = nil
	return nil
}

func (t *fakeToken) GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, attrs []*pkcs11.Attribute) ([]*pkcs11.Attribute, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.objects[o]
	if !ok {
		return nil, pkcs11.Error(pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}

	out := make([]*pkcs11.Attribute, 0, len(attrs))
	for _, a := range attrs {
		switch a.Type {
		case pkcs11.CKA_MODULUS:
			pub, ok := obj.public.(*rsa.PublicKey)
			if !ok {
				return nil, pkcs11.Error(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID)
			}
			out = append(out, pkcs11.NewAttribute(a.Type, pub.N.Bytes()))
		case pkcs11.CKA_PUBLIC_EXPONENT:
			pub, ok := obj.public.(*rsa.PublicKey)
			if !ok {
				return nil, pkcs11.Error(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID)
			}
			out = append(out, pkcs11.NewAttribute(a.Type, big.NewInt(int64(pub.E)).Bytes()))
		case pkcs11.CKA_EC_POINT:
			pub, ok := obj.public.(*ecdsa.PublicKey)
			if !ok {
				return nil, pkcs11.Error(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID)
			}
			size := (pub.Curve.Params().BitSize + 7) / 8
			point := make([]byte, 0, 1+2*size)
			point = append(point, 0x04)
			point = append(point, padComponent(pub.X, size)...)
			point = append(point, padComponent(pub.Y, size)...)
			der, err := asn1.Marshal(point)
			if err != nil {
				return nil, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
			}
			out = append(out, pkcs11.NewAttribute(a.Type, der))
		default:
			return nil, pkcs11.Error(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID)
		}
	}
	return out, nil
}

func (t *fakeToken) DestroyObject(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.objects[o]; !ok {
		return pkcs11.Error(pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}
	delete(t.objects, o)
	return nil
}

func (t *fakeToken) SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, key pkcs11.ObjectHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess := t.sessions[sh]
	sess.signMech = m[0].Mechanism
	sess.signKey = key
	return nil
}

func (t *fakeToken) Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error) {
	t.mu.Lock()
	sess := t.sessions[sh]
	obj, ok := t.objects[sess.signKey]
	mech := sess.signMech
	t.mu.Unlock()
	if !ok {
		return nil, pkcs11.Error(pkcs11.CKR_KEY_HANDLE_INVALID)
	}

	switch mech {
	case pkcs11.CKM_ECDSA:
		priv := obj.signer.(*ecdsa.PrivateKey)
		r, s, err := ecdsa.Sign(rand.Reader, priv, message)
		if err != nil {
			return nil, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
		}
		size := (priv.Curve.Params().BitSize + 7) / 8
		return append(padComponent(r, size), padComponent(s, size)...), nil
	case pkcs11.CKM_RSA_PKCS:
		// The caller supplies the full DigestInfo; sign it raw.
		sig, err := rsa.SignPKCS1v15(rand.Reader, obj.signer.(*rsa.PrivateKey), crypto.Hash(0), message)
		if err != nil {
			return nil, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
		}
		return sig, nil
	case pkcs11.CKM_RSA_PKCS_PSS:
		sig, err := rsa.SignPSS(rand.Reader, obj.signer.(*rsa.PrivateKey), crypto.SHA256, message,
			&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
		if err != nil {
			return nil, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
		}
		return sig, nil
	}
	return nil, pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
}

func (t *fakeToken) VerifyInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, key pkcs11.ObjectHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess := t.sessions[sh]
	sess.verifyMech = m[0].Mechanism
	sess.verifyKey = key
	return nil
}

func (t *fakeToken) Verify(sh pkcs11.SessionHandle, data, signature []byte) error {
	t.mu.Lock()
	sess := t.sessions[sh]
	obj, ok := t.objects[sess.verifyKey]
	mech := sess.verifyMech
	t.mu.Unlock()
	if !ok {
		return pkcs11.Error(pkcs11.CKR_KEY_HANDLE_INVALID)
	}

	switch mech {
	case pkcs11.CKM_ECDSA:
		pub := obj.public.(*ecdsa.PublicKey)
		size := (pub.Curve.Params().BitSize + 7) / 8
		if len(signature) != 2*size {
			return pkcs11.Error(pkcs11.CKR_SIGNATURE_LEN_RANGE)
		}
		r := new(big.Int).SetBytes(signature[:size])
		s := new(big.Int).SetBytes(signature[size:])
		if !ecdsa.Verify(pub, data, r, s) {
			return pkcs11.Error(pkcs11.CKR_SIGNATURE_INVALID)
		}
		return nil
	case pkcs11.CKM_RSA_PKCS:
		if err := rsa.VerifyPKCS1v15(obj.public.(*rsa.PublicKey), crypto.Hash(0), data, signature); err != nil {
			return pkcs11.Error(pkcs11.CKR_SIGNATURE_INVALID)
		}
		return nil
	case pkcs11.CKM_RSA_PKCS_PSS:
		err := rsa.VerifyPSS(obj.public.(*rsa.PublicKey), crypto.SHA256, data, signature,
			&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
		if err != nil {
			return pkcs11.Error(pkcs11.CKR_SIGNATURE_INVALID)
		}
		return nil
	}
	return pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
}

func (t *fakeToken) DigestInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[sh].digestMech = m[0].Mechanism
	return nil
}

func (t *fakeToken) Digest(sh pkcs11.SessionHandle, message []byte) ([]byte, error) {
	t.mu.Lock()
	mech := t.sessions[sh].digestMech
	gate := t.digestGate
	started := t.digestStarted
	t.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}

	switch mech {
	case pkcs11.CKM_SHA256:
		sum := sha256.Sum256(message)
		return sum[:], nil
	case pkcs11.CKM_SHA384:
		sum := sha512.Sum384(message)
		return sum[:], nil
	case pkcs11.CKM_SHA512:
		sum := sha512.Sum512(message)
		return sum[:], nil
	}
	return nil, pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
}

func templateBytes(temp []*pkcs11.Attribute, typ uint) []byte {
	for _, a := range temp {
		if a.Type == typ {
			return a.Value
		}
	}
	return nil
}

func templateUlong(temp []*pkcs11.Attribute, typ uint) uint {
	v := templateBytes(temp, typ)
	if len(v) < 8 {
		return 0
	}
	return uint(binary.NativeEndian.Uint64(v))
}

func curveFromParams(params []byte) elliptic.Curve {
	p256 := []byte{0x06, 0x08, 0x2a, 0x86, 0x48, 0xce, 0x3d, 0x03, 0x01, 0x07}
	p384 := []byte{0x06, 0x05, 0x2b, 0x81, 0x04, 0x00, 0x22}
	switch {
	case string(params) == string(p256):
		return elliptic.P256()
	case string(params) == string(p384):
		return elliptic.P384()
	}
	return nil
}

func padComponent(v *big.Int, size int) []byte {
	out := make([]byte, size)
	b := v.Bytes()
	copy(out[size-len(b):], b)
	return out
}
