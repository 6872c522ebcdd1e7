package requests

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// rawHeader is the exact 24-byte wire layout, big endian. The status field
// is zero in requests; the reserved fields are zero in both directions.
type rawHeader struct {
	Magic       uint32
	Version     uint8
	Provider    uint8
	AuthType    uint8
	ContentType uint8
	Opcode      uint32
	Status      uint16
	Reserved    uint16
	AuthLen     uint16
	Pad         uint16
	BodyLen     uint32
}

// ReadRequest reads one framed request. It returns io.EOF untouched when the
// stream closes cleanly between frames, and an ErrInvalidRequest-wrapped
// error for bad magic, version, content type or oversized fields. bodyLimit
// of zero means DefaultBodyLenLimit.
func ReadRequest(r io.Reader, bodyLimit uint32) (*Request, error) {
	if bodyLimit == 0 {
		bodyLimit = DefaultBodyLenLimit
	}

	var h rawHeader
	if err := binary.Read(r, binary.BigEndian, &h); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: truncated header: %v", ErrInvalidRequest, err)
	}

	if err := checkHeader(&h); err != nil {
		return nil, err
	}
	if h.BodyLen > bodyLimit {
		return nil, fmt.Errorf("%w: body length %d exceeds limit %d", ErrInvalidRequest, h.BodyLen, bodyLimit)
	}

	req := &Request{
		Provider:    ProviderID(h.Provider),
		AuthType:    AuthType(h.AuthType),
		ContentType: ContentType(h.ContentType),
		Opcode:      Opcode(h.Opcode),
	}
	if h.AuthLen > 0 {
		req.Auth = make([]byte, h.AuthLen)
		if _, err := io.ReadFull(r, req.Auth); err != nil {
			return nil, fmt.Errorf("%w: truncated auth field: %v", ErrInvalidRequest, err)
		}
	}
	if h.BodyLen > 0 {
		req.Body = make([]byte, h.BodyLen)
		if _, err := io.ReadFull(r, req.Body); err != nil {
			return nil, fmt.Errorf("%w: truncated body: %v", ErrInvalidRequest, err)
		}
	}
	return req, nil
}

// Write frames the request onto w. Used by clients and tests.
func (r *Request) Write(w io.Writer) error {
	if len(r.Auth) > MaxAuthLen {
		return fmt.Errorf("%w: auth field length %d exceeds %d", ErrInvalidRequest, len(r.Auth), MaxAuthLen)
	}
	h := rawHeader{
		Magic:       MagicNumber,
		Version:     WireVersion,
		Provider:    uint8(r.Provider),
		AuthType:    uint8(r.AuthType),
		ContentType: uint8(r.ContentType),
		Opcode:      uint32(r.Opcode),
		AuthLen:     uint16(len(r.Auth)),
		BodyLen:     uint32(len(r.Body)),
	}
	if err := binary.Write(w, binary.BigEndian, &h); err != nil {
		return fmt.Errorf("write request header: %w", err)
	}
	return writeFields(w, r.Auth, r.Body)
}

// ReadResponse reads one framed response. Used by clients and tests.
func ReadResponse(r io.Reader) (*Response, error) {
	var h rawHeader
	if err := binary.Read(r, binary.BigEndian, &h); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: truncated header: %v", ErrInvalidRequest, err)
	}
	if err := checkHeader(&h); err != nil {
		return nil, err
	}

	resp := &Response{
		Provider:    ProviderID(h.Provider),
		Opcode:      Opcode(h.Opcode),
		Status:      ResponseStatus(h.Status),
		ContentType: ContentType(h.ContentType),
	}
	if h.AuthLen > 0 {
		return nil, fmt.Errorf("%w: response carries an auth field", ErrInvalidRequest)
	}
	if h.BodyLen > 0 {
		resp.Body = make([]byte, h.BodyLen)
		if _, err := io.ReadFull(r, resp.Body); err != nil {
			return nil, fmt.Errorf("%w: truncated body: %v", ErrInvalidRequest, err)
		}
	}
	return resp, nil
}

// Write frames the response onto w.
func (r *Response) Write(w io.Writer) error {
	h := rawHeader{
		Magic:       MagicNumber,
		Version:     WireVersion,
		Provider:    uint8(r.Provider),
		ContentType: uint8(r.ContentType),
		Opcode:      uint32(r.Opcode),
		Status:      uint16(r.Status),
		BodyLen:     uint32(len(r.Body)),
	}
	if err := binary.Write(w, binary.BigEndian, &h); err != nil {
		return fmt.Errorf("write response header: %w", err)
	}
	return writeFields(w, nil, r.Body)
}

func checkHeader(h *rawHeader) error {
	if h.Magic != MagicNumber {
		return fmt.Errorf("%w: bad magic 0x%08X", ErrInvalidRequest, h.Magic)
	}
	if h.Version != WireVersion {
		return fmt.Errorf("%w: unsupported wire version %d", ErrInvalidRequest, h.Version)
	}
	if ContentType(h.ContentType) != ContentTypeJSON {
		return fmt.Errorf("%w: unsupported content type %d", ErrInvalidRequest, h.ContentType)
	}
	if h.AuthLen > MaxAuthLen {
		return fmt.Errorf("%w: auth field length %d exceeds %d", ErrInvalidRequest, h.AuthLen, MaxAuthLen)
	}
	return nil
}

func writeFields(w io.Writer, auth, body []byte) error {
	if len(auth) > 0 {
		if _, err := w.Write(auth); err != nil {
			return fmt.Errorf("write auth field: %w", err)
		}
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("write body: %w", err)
		}
	}
	return nil
}
