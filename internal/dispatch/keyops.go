package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/Superhepper/parsec/internal/auth"
	"github.com/Superhepper/parsec/internal/keyinfo"
	"github.com/Superhepper/parsec/pkg/keys"
	"github.com/Superhepper/parsec/pkg/operations"
	"github.com/Superhepper/parsec/pkg/requests"
)

// permitted checks the key's own policy. The usage flag must be granted
// and, when the operation names an algorithm, it must be in the key's
// permitted list. Violations wrap requests.ErrKeyUsageViolation; mechanism
// support is the provider's concern, not this check's.
func permitted(entry keyinfo.Entry, usage string, granted bool, alg keys.Algorithm) error {
	if !granted {
		return fmt.Errorf("%w: key %s does not grant %s", requests.ErrKeyUsageViolation, entry.Name, usage)
	}
	if alg != "" && !entry.Attributes.Permits(alg) {
		return fmt.Errorf("%w: key %s does not permit %s", requests.ErrKeyUsageViolation, entry.Name, alg)
	}
	return nil
}

func (d *Dispatcher) sign(ctx context.Context, id uint64, identity auth.Identity, req *requests.Request) ([]byte, error) {
	var op operations.Sign
	if err := operations.Decode(req.Body, &op); err != nil {
		return nil, err
	}
	r, err := d.resolveKey(ctx, id, identity.Application, op.Name, req.Provider, req.Opcode)
	if err != nil {
		return nil, err
	}
	if err := permitted(r.entry, "sign", r.entry.Attributes.Usage.Sign, op.Algorithm); err != nil {
		return nil, err
	}
	stop := d.timeProvider(id, r.info.Name, req.Opcode)
	sig, err := r.prov.Sign(ctx, r.ref, op.Algorithm, op.Digest)
	stop()
	if err != nil {
		return nil, err
	}
	return operations.Encode(operations.SignResult{Signature: sig})
}

func (d *Dispatcher) verify(ctx context.Context, id uint64, identity auth.Identity, req *requests.Request) ([]byte, error) {
	var op operations.Verify
	if err := operations.Decode(req.Body, &op); err != nil {
		return nil, err
	}
	r, err := d.resolveKey(ctx, id, identity.Application, op.Name, req.Provider, req.Opcode)
	if err != nil {
		return nil, err
	}
	if err := permitted(r.entry, "verify", r.entry.Attributes.Usage.Verify, op.Algorithm); err != nil {
		return nil, err
	}
	stop := d.timeProvider(id, r.info.Name, req.Opcode)
	valid, err := r.prov.Verify(ctx, r.ref, op.Algorithm, op.Digest, op.Signature)
	stop()
	if err != nil {
		return nil, err
	}
	return operations.Encode(operations.VerifyResult{Valid: valid})
}

func (d *Dispatcher) encrypt(ctx context.Context, id uint64, identity auth.Identity, req *requests.Request) ([]byte, error) {
	var op operations.Encrypt
	if err := operations.Decode(req.Body, &op); err != nil {
		return nil, err
	}
	r, err := d.resolveKey(ctx, id, identity.Application, op.Name, req.Provider, req.Opcode)
	if err != nil {
		return nil, err
	}
	if err := permitted(r.entry, "encrypt", r.entry.Attributes.Usage.Encrypt, op.Algorithm); err != nil {
		return nil, err
	}
	stop := d.timeProvider(id, r.info.Name, req.Opcode)
	ct, err := r.prov.Encrypt(ctx, r.ref, op.Algorithm, op.Plaintext)
	stop()
	if err != nil {
		return nil, err
	}
	return operations.Encode(operations.EncryptResult{Ciphertext: ct})
}

func (d *Dispatcher) decrypt(ctx context.Context, id uint64, identity auth.Identity, req *requests.Request) ([]byte, error) {
	var op operations.Decrypt
	if err := operations.Decode(req.Body, &op); err != nil {
		return nil, err
	}
	r, err := d.resolveKey(ctx, id, identity.Application, op.Name, req.Provider, req.Opcode)
	if err != nil {
		return nil, err
	}
	if err := permitted(r.entry, "decrypt", r.entry.Attributes.Usage.Decrypt, op.Algorithm); err != nil {
		return nil, err
	}
	stop := d.timeProvider(id, r.info.Name, req.Opcode)
	pt, err := r.prov.Decrypt(ctx, r.ref, op.Algorithm, op.Ciphertext)
	stop()
	if err != nil {
		return nil, err
	}
	return operations.Encode(operations.DecryptResult{Plaintext: pt})
}

// exportPublic returns the public half. No usage flag gates it; a key's
// public part is not a secret.
func (d *Dispatcher) exportPublic(ctx context.Context, id uint64, identity auth.Identity, req *requests.Request) ([]byte, error) {
	var op operations.ExportPublicKey
	if err := operations.Decode(req.Body, &op); err != nil {
		return nil, err
	}
	r, err := d.resolveKey(ctx, id, identity.Application, op.Name, req.Provider, req.Opcode)
	if err != nil {
		return nil, err
	}
	stop := d.timeProvider(id, r.info.Name, req.Opcode)
	pub, err := r.prov.ExportPublicKey(ctx, r.ref)
	stop()
	if err != nil {
		return nil, err
	}
	return operations.Encode(operations.ExportPublicKeyResult{PublicKey: pub})
}

func (d *Dispatcher) exportKey(ctx context.Context, id uint64, identity auth.Identity, req *requests.Request) ([]byte, error) {
	var op operations.ExportKey
	if err := operations.Decode(req.Body, &op); err != nil {
		return nil, err
	}
	r, err := d.resolveKey(ctx, id, identity.Application, op.Name, req.Provider, req.Opcode)
	if err != nil {
		return nil, err
	}
	if err := permitted(r.entry, "export", r.entry.Attributes.Usage.Export, ""); err != nil {
		return nil, err
	}
	stop := d.timeProvider(id, r.info.Name, req.Opcode)
	material, err := r.prov.ExportKey(ctx, r.ref)
	stop()
	if err != nil {
		return nil, err
	}
	return operations.Encode(operations.ExportKeyResult{Material: material})
}

// destroy removes a key under the tombstone discipline. When the name no
// longer resolves but tombstones for it remain, the request re-drives them
// and reports success once the provider side is clean, so a destroy that
// failed half way is safe to repeat.
func (d *Dispatcher) destroy(ctx context.Context, id uint64, identity auth.Identity, req *requests.Request) ([]byte, error) {
	var op operations.DestroyKey
	if err := operations.Decode(req.Body, &op); err != nil {
		return nil, err
	}
	if err := operations.ValidateKeyName(op.Name); err != nil {
		return nil, err
	}
	hint := req.Provider
	if hint == requests.ProviderCore {
		hint = d.registry.DefaultID()
	}
	entry, err := d.store.Find(ctx, identity.Application, op.Name, hint)
	if err != nil {
		if errors.Is(err, requests.ErrKeyDoesNotExist) {
			reaped, rerr := d.reapTombstones(ctx, id, identity.Application, op.Name)
			if rerr != nil {
				return nil, rerr
			}
			if reaped > 0 {
				return operations.Encode(operations.DestroyKeyResult{})
			}
		}
		return nil, err
	}

	prov, err := d.registry.Resolve(entry.Provider)
	if err != nil {
		return nil, err
	}
	info := prov.Describe()

	ts, err := d.store.BeginDestroy(ctx, entry.App, entry.Name, entry.Provider)
	if err != nil {
		return nil, err
	}
	d.log.Debug("req %d: tombstoned %s", id, entry.String())

	stop := d.timeProvider(id, info.Name, req.Opcode)
	err = prov.DestroyKey(ctx, ts.Entry.Handle)
	stop()
	if err != nil {
		d.log.Warn("req %d: provider destroy of %s failed, tombstone %s retained: %v", id, entry.String(), ts.ID, err)
		return nil, err
	}
	if err := d.store.CompleteDestroy(ctx, ts.ID); err != nil {
		return nil, err
	}
	return operations.Encode(operations.DestroyKeyResult{})
}

// reapTombstones completes outstanding destroys for one (app, name) and
// returns how many it finished.
func (d *Dispatcher) reapTombstones(ctx context.Context, id uint64, app, name string) (int, error) {
	tombstones, err := d.store.Tombstones(ctx)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, ts := range tombstones {
		if ts.Entry.App != app || ts.Entry.Name != name {
			continue
		}
		prov, err := d.registry.Resolve(ts.Entry.Provider)
		if err != nil {
			return reaped, err
		}
		if err := prov.DestroyKey(ctx, ts.Entry.Handle); err != nil {
			return reaped, err
		}
		if err := d.store.CompleteDestroy(ctx, ts.ID); err != nil {
			return reaped, err
		}
		d.log.Debug("req %d: completed outstanding destroy of %s", id, ts.Entry.String())
		reaped++
	}
	return reaped, nil
}
