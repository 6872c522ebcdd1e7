// Package requests defines the wire-level request and response model: the
// fixed frame header, opcodes, provider addresses, authentication types, and
// the uniform response-status taxonomy with its error translation.
//
// A frame is a fixed 24-byte big-endian header, an authentication field, and
// a JSON body. The header carries the addressed provider, the authentication
// type the front end must use, the opcode, and the two field lengths. The
// same header layout is used in both directions; the status field is only
// meaningful in responses.
package requests

import "fmt"

// MagicNumber opens every frame. A stream that does not start with it is
// rejected before anything else is read.
const MagicNumber uint32 = 0x5EC0A710

// WireVersion is the frame layout version this build speaks.
const WireVersion uint8 = 1

// HeaderSize is the encoded size of the frame header in bytes.
const HeaderSize = 24

// DefaultBodyLenLimit caps request body length when the listener
// configuration does not say otherwise.
const DefaultBodyLenLimit = 1 << 20

// MaxAuthLen caps the authentication field length.
const MaxAuthLen = 4096

// ProviderID addresses one configured provider instance. IDs are fixed at
// configuration time and stable across restarts; 0 is reserved for the
// service itself.
type ProviderID uint8

const (
	// ProviderCore addresses the service itself: ping, provider listing,
	// key listing and hashing. It owns no keys.
	ProviderCore ProviderID = 0

	// ProviderSoftware is the in-process software provider.
	ProviderSoftware ProviderID = 1

	// ProviderPKCS11 is the PKCS#11 token/HSM provider.
	ProviderPKCS11 ProviderID = 2

	// ProviderTPM is the TPM provider.
	ProviderTPM ProviderID = 3
)

func (p ProviderID) String() string {
	switch p {
	case ProviderCore:
		return "core"
	case ProviderSoftware:
		return "software"
	case ProviderPKCS11:
		return "pkcs11"
	case ProviderTPM:
		return "tpm"
	}
	return fmt.Sprintf("provider-%d", uint8(p))
}

// AuthType selects which authenticator the front end runs for a request.
type AuthType uint8

const (
	// AuthNoAuth carries no credentials. Only operations that need no key
	// namespace succeed without an identity.
	AuthNoAuth AuthType = 0

	// AuthDirect carries the application name in the auth field.
	AuthDirect AuthType = 1

	// AuthUnixPeer carries the caller's uid in the auth field, checked
	// against the socket's peer credentials.
	AuthUnixPeer AuthType = 2
)

func (a AuthType) String() string {
	switch a {
	case AuthNoAuth:
		return "no-auth"
	case AuthDirect:
		return "direct"
	case AuthUnixPeer:
		return "unix-peer"
	}
	return fmt.Sprintf("auth-%d", uint8(a))
}

// ContentType describes the body encoding.
type ContentType uint8

// ContentTypeJSON is the only body encoding this build accepts.
const ContentTypeJSON ContentType = 1

// Opcode identifies the requested operation.
type Opcode uint32

const (
	OpPing            Opcode = 1
	OpListProviders   Opcode = 2
	OpListKeys        Opcode = 3
	OpGenerateKey     Opcode = 10
	OpImportKey       Opcode = 11
	OpExportPublicKey Opcode = 12
	OpExportKey       Opcode = 13
	OpDestroyKey      Opcode = 14
	OpSign            Opcode = 20
	OpVerify          Opcode = 21
	OpEncrypt         Opcode = 30
	OpDecrypt         Opcode = 31
	OpHash            Opcode = 40
)

var opcodeNames = map[Opcode]string{
	OpPing:            "ping",
	OpListProviders:   "list-providers",
	OpListKeys:        "list-keys",
	OpGenerateKey:     "generate-key",
	OpImportKey:       "import-key",
	OpExportPublicKey: "export-public-key",
	OpExportKey:       "export-key",
	OpDestroyKey:      "destroy-key",
	OpSign:            "sign",
	OpVerify:          "verify",
	OpEncrypt:         "encrypt",
	OpDecrypt:         "decrypt",
	OpHash:            "hash",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("opcode-%d", uint32(o))
}

// Known reports whether the opcode is one this build understands.
func (o Opcode) Known() bool {
	_, ok := opcodeNames[o]
	return ok
}

// Core reports whether the opcode is a service meta-operation that never
// resolves a named key.
func (o Opcode) Core() bool {
	switch o {
	case OpPing, OpListProviders, OpListKeys, OpHash:
		return true
	}
	return false
}

// Creates reports whether the opcode brings a new key mapping into
// existence.
func (o Opcode) Creates() bool {
	return o == OpGenerateKey || o == OpImportKey
}

// Request is one decoded inbound frame.
type Request struct {
	Provider    ProviderID
	AuthType    AuthType
	ContentType ContentType
	Opcode      Opcode

	// Auth is the raw authentication field; its interpretation belongs to
	// the authenticator selected by AuthType.
	Auth []byte

	// Body is the JSON operation payload.
	Body []byte
}

// Response is one outbound frame.
type Response struct {
	Provider    ProviderID
	Opcode      Opcode
	Status      ResponseStatus
	ContentType ContentType
	Body        []byte
}

// RespondTo builds a response frame echoing the request's provider and
// opcode.
func RespondTo(req *Request, status ResponseStatus, body []byte) *Response {
	return &Response{
		Provider:    req.Provider,
		Opcode:      req.Opcode,
		Status:      status,
		ContentType: ContentTypeJSON,
		Body:        body,
	}
}

// PeerCredentials carries transport-level identity material resolved by the
// listener at accept time. Resolved is false on transports that have no
// peer-credential notion.
type PeerCredentials struct {
	UID      uint32
	GID      uint32
	PID      int32
	Resolved bool
}
