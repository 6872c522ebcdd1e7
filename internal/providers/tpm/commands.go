package tpm

import (
	"io"

	"github.com/google/go-tpm/legacy/tpm2"
	"github.com/google/go-tpm/tpmutil"
)

// Commands is the slice of the TPM 2.0 command set this provider issues.
// The provider talks to the chip only through it, so tests substitute a
// fake that never needs a device or a simulator binary.
type Commands interface {
	// CreatePrimary derives a primary key in the given hierarchy and
	// returns its transient handle.
	CreatePrimary(hierarchy tpmutil.Handle, template tpm2.Public) (tpmutil.Handle, error)

	// Create wraps a new key under the parent and returns the private
	// and public blobs. The key itself is not loaded.
	Create(parent tpmutil.Handle, template tpm2.Public) (private, public []byte, err error)

	// Load brings a wrapped blob pair into the TPM and returns the
	// transient handle. Callers must flush it.
	Load(parent tpmutil.Handle, public, private []byte) (tpmutil.Handle, error)

	// Sign signs a digest with a loaded key under the given scheme.
	Sign(key tpmutil.Handle, digest []byte, scheme *tpm2.SigScheme) (*tpm2.Signature, error)

	// Flush releases a transient handle.
	Flush(handle tpmutil.Handle) error

	// Manufacturer reads the TPM_PT_MANUFACTURER property.
	Manufacturer() ([]byte, error)

	// Close releases the device connection.
	Close() error
}

// device issues the commands against an open TPM character device,
// normally the kernel resource manager at /dev/tpmrm0.
type device struct {
	rwc       io.ReadWriteCloser
	ownerAuth string
}

var _ Commands = (*device)(nil)

func (d *device) CreatePrimary(hierarchy tpmutil.Handle, template tpm2.Public) (tpmutil.Handle, error) {
	handle, _, err := tpm2.CreatePrimary(d.rwc, hierarchy, tpm2.PCRSelection{}, d.ownerAuth, "", template)
	return handle, err
}

func (d *device) Create(parent tpmutil.Handle, template tpm2.Public) ([]byte, []byte, error) {
	private, public, _, _, _, err := tpm2.CreateKey(d.rwc, parent, tpm2.PCRSelection{}, "", "", template)
	return private, public, err
}

func (d *device) Load(parent tpmutil.Handle, public, private []byte) (tpmutil.Handle, error) {
	handle, _, err := tpm2.Load(d.rwc, parent, "", public, private)
	return handle, err
}

func (d *device) Sign(key tpmutil.Handle, digest []byte, scheme *tpm2.SigScheme) (*tpm2.Signature, error) {
	return tpm2.Sign(d.rwc, key, "", digest, nil, scheme)
}

func (d *device) Flush(handle tpmutil.Handle) error {
	return tpm2.FlushContext(d.rwc, handle)
}

func (d *device) Manufacturer() ([]byte, error) {
	return tpm2.GetManufacturer(d.rwc)
}

func (d *device) Close() error {
	return d.rwc.Close()
}
