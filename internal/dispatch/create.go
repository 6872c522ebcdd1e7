package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Superhepper/parsec/internal/auth"
	"github.com/Superhepper/parsec/internal/keyinfo"
	"github.com/Superhepper/parsec/internal/providers"
	"github.com/Superhepper/parsec/pkg/keys"
	"github.com/Superhepper/parsec/pkg/operations"
	"github.com/Superhepper/parsec/pkg/requests"
)

// create handles generate-key and import-key. The intent is durable before
// the provider runs, so a crash in between leaves a pending entry that
// Recover reconciles instead of an orphaned provider object nobody can
// name.
func (d *Dispatcher) create(ctx context.Context, id uint64, identity auth.Identity, req *requests.Request) ([]byte, error) {
	var name string
	var attrs keys.Attributes
	var material []byte
	if req.Opcode == requests.OpGenerateKey {
		var op operations.GenerateKey
		if err := operations.Decode(req.Body, &op); err != nil {
			return nil, err
		}
		name, attrs = op.Name, op.Attributes
	} else {
		var op operations.ImportKey
		if err := operations.Decode(req.Body, &op); err != nil {
			return nil, err
		}
		name, attrs, material = op.Name, op.Attributes, op.Material
		defer zeroBytes(material)
	}

	if err := operations.ValidateKeyName(name); err != nil {
		return nil, err
	}
	attrs = attrs.WithDefaults()
	if err := attrs.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", requests.ErrInvalidRequest, err)
	}
	if req.Opcode == requests.OpImportKey && len(material) == 0 {
		return nil, fmt.Errorf("%w: import carries no key material", requests.ErrInvalidKeyMaterial)
	}

	prov, err := d.registry.Resolve(req.Provider)
	if err != nil {
		return nil, err
	}
	info := prov.Describe()
	if !prov.Capabilities().SupportsOpcode(req.Opcode) {
		return nil, providers.UnsupportedOperation(info.Name, req.Opcode)
	}
	if err := prov.Capabilities().SupportsAttributes(attrs); err != nil {
		return nil, err
	}
	d.log.Debug("req %d: resolved create of %s/%s on %s", id, identity.Application, name, info.Name)

	entry := keyinfo.Entry{
		App:        identity.Application,
		Name:       name,
		Provider:   info.ID,
		Attributes: attrs,
		State:      keyinfo.StatePending,
		CreationID: uuid.NewString(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := d.store.Insert(ctx, entry); err != nil {
		return nil, err
	}

	stop := d.timeProvider(id, info.Name, req.Opcode)
	var handle []byte
	if req.Opcode == requests.OpGenerateKey {
		handle, err = prov.GenerateKey(ctx, entry.CreationID, attrs)
	} else {
		handle, err = prov.ImportKey(ctx, entry.CreationID, material, attrs)
	}
	stop()
	if err != nil {
		d.abortCreate(ctx, id, prov, entry, nil, err)
		return nil, err
	}

	if err := d.store.Activate(ctx, entry.App, entry.Name, info.ID, handle); err != nil {
		d.abortCreate(ctx, id, prov, entry, handle, err)
		return nil, err
	}
	d.log.Debug("req %d: key %s active", id, entry.String())

	if req.Opcode == requests.OpGenerateKey {
		return operations.Encode(operations.GenerateKeyResult{})
	}
	return operations.Encode(operations.ImportKeyResult{})
}

// abortCreate unwinds a failed create. The pending intent is always
// released so the name stays retryable. A busy provider has not produced
// anything, so there is no provider-side cleanup to attempt on that path;
// otherwise cleanup goes by handle, or by creation ID when the provider may
// have gotten part way. A cleanup failure can only orphan an object named
// by creation ID, never wedge the key name.
func (d *Dispatcher) abortCreate(ctx context.Context, id uint64, prov providers.Provider, entry keyinfo.Entry, handle []byte, cause error) {
	if handle != nil || !errors.Is(cause, requests.ErrProviderBusy) {
		if handle == nil {
			handle = []byte(entry.CreationID)
		}
		if err := prov.DestroyKey(ctx, handle); err != nil {
			d.log.Warn("req %d: create cleanup for %s left provider object behind: %v", id, entry.String(), err)
		}
	}
	if err := d.store.AbortCreate(ctx, entry.App, entry.Name, entry.Provider); err != nil {
		d.log.Warn("req %d: create intent for %s not released: %v", id, entry.String(), err)
	}
}
