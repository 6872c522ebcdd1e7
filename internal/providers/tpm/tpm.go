// Package tpm implements the provider backed by a TPM 2.0 device. A
// deterministic primary key in the owner hierarchy wraps every key the
// provider creates; the wrapped blob pair is the handle, so nothing stays
// loaded on the chip between operations. Signing loads the blob for a
// single command and flushes it. Verification and public export read the
// public area from the handle in software and never touch the device.
package tpm

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/go-tpm/legacy/tpm2"
	"github.com/google/go-tpm/tpmutil"

	"github.com/Superhepper/parsec/internal/logging"
	"github.com/Superhepper/parsec/internal/providers"
	"github.com/Superhepper/parsec/internal/secretsource"
	"github.com/Superhepper/parsec/pkg/keys"
	"github.com/Superhepper/parsec/pkg/requests"
)

const (
	providerName    = "tpm"
	providerVersion = "1.0.0"

	defaultDevice = "/dev/tpmrm0"
)

// Config selects the device and its hierarchy authorization.
type Config struct {
	// Device is the TPM character device. Empty means the kernel
	// resource manager at /dev/tpmrm0.
	Device string

	// HierarchyAuth resolves the owner hierarchy password. A zero spec
	// means the hierarchy has no password set.
	HierarchyAuth secretsource.Spec
}

// Option adjusts construction.
type Option func(*options)

type options struct {
	commands Commands
}

// WithCommands substitutes the TPM command transport. Tests use it to run
// against a fake chip.
func WithCommands(c Commands) Option {
	return func(o *options) { o.commands = c }
}

// Provider drives one TPM through its primary key. Safe for concurrent
// use; the device slot admits one operation at a time.
type Provider struct {
	cmds    Commands
	primary tpmutil.Handle
	sem     chan struct{}
	log     *logging.Logger
}

var _ providers.Provider = (*Provider)(nil)

// New opens the device and derives the primary key. The same hierarchy
// seed and template yield the same primary on every start, so wrapped
// blobs from earlier runs keep loading.
func New(ctx context.Context, cfg Config, log *logging.Logger, opts ...Option) (*Provider, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cmds := o.commands
	if cmds == nil {
		path := cfg.Device
		if path == "" {
			path = defaultDevice
		}
		var ownerAuth string
		if !cfg.HierarchyAuth.IsZero() {
			auth, err := secretsource.Resolve(cfg.HierarchyAuth)
			if err != nil {
				return nil, fmt.Errorf("resolve TPM hierarchy auth: %w", err)
			}
			ownerAuth = string(auth)
			for i := range auth {
				auth[i] = 0
			}
		}
		rwc, err := tpm2.OpenTPM(path)
		if err != nil {
			return nil, fmt.Errorf("open TPM device %q: %w", path, err)
		}
		cmds = &device{rwc: rwc, ownerAuth: ownerAuth}
	}

	primary, err := cmds.CreatePrimary(tpm2.HandleOwner, primaryTemplate())
	if err != nil {
		cmds.Close()
		return nil, fmt.Errorf("create TPM primary key: %w", err)
	}

	sem := make(chan struct{}, 1)
	sem <- struct{}{}
	p := &Provider{cmds: cmds, primary: primary, sem: sem, log: log}
	p.log.Debug("tpm provider: primary key ready at %#x", uint32(primary))
	return p, nil
}

// primaryTemplate is the storage parent for every wrapped key: a
// restricted ECC decryption key in the standard SRK shape.
func primaryTemplate() tpm2.Public {
	return tpm2.Public{
		Type:       tpm2.AlgECC,
		NameAlg:    tpm2.AlgSHA256,
		Attributes: tpm2.FlagStorageDefault | tpm2.FlagNoDA,
		ECCParameters: &tpm2.ECCParams{
			Symmetric: &tpm2.SymScheme{
				Alg:     tpm2.AlgAES,
				KeyBits: 128,
				Mode:    tpm2.AlgCFB,
			},
			CurveID: tpm2.CurveNISTP256,
			Point: tpm2.ECPoint{
				XRaw: make([]byte, 32),
				YRaw: make([]byte, 32),
			},
		},
	}
}

// withDevice runs fn holding the single device slot. An occupied slot
// reports busy immediately; callers never queue behind the chip.
func (p *Provider) withDevice(op string, fn func() error) error {
	select {
	case <-p.sem:
		defer func() { p.sem <- struct{}{} }()
		return fn()
	default:
		return providers.Busy(providerName, op)
	}
}

// Describe implements providers.Provider.
func (p *Provider) Describe() providers.Info {
	return providers.Info{
		ID:          requests.ProviderTPM,
		Name:        providerName,
		Description: "TPM 2.0 provider, keys wrapped under an owner-hierarchy primary",
		Version:     providerVersion,
	}
}

// Capabilities implements providers.Provider. The chip signs; digesting
// and data encryption stay with other providers.
func (p *Provider) Capabilities() providers.Capabilities {
	return providers.Capabilities{
		Opcodes: []requests.Opcode{
			requests.OpGenerateKey,
			requests.OpExportPublicKey,
			requests.OpDestroyKey,
			requests.OpSign,
			requests.OpVerify,
		},
		Algorithms: []keys.Algorithm{
			keys.AlgorithmECDSASHA256,
			keys.AlgorithmRSAPSSSHA256,
			keys.AlgorithmRSAPKCS1SHA256,
		},
		KeyTypes: []keys.KeyType{
			keys.KeyTypeRSA,
			keys.KeyTypeECDSAP256,
		},
	}
}

// Check implements providers.Provider by reading a capability property.
func (p *Provider) Check(ctx context.Context) error {
	if _, err := p.cmds.Manufacturer(); err != nil {
		return fmt.Errorf("tpm device: %w", err)
	}
	return nil
}

// Close flushes the primary and releases the device.
func (p *Provider) Close() error {
	var firstErr error
	if err := p.cmds.Flush(p.primary); err != nil {
		firstErr = fmt.Errorf("flush TPM primary: %w", err)
	}
	if err := p.cmds.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close TPM device: %w", err)
	}
	return firstErr
}

// classify maps TPM response codes onto the response taxonomy. Transient
// resource warnings become busy; anything unrecognized is a provider
// fault.
func classify(op string, err error) error {
	var warn tpm2.Warning
	if errors.As(err, &warn) {
		switch warn.Code {
		case tpm2.RCRetry, tpm2.RCMemory, tpm2.RCObjectMemory, tpm2.RCSessionMemory:
			return providers.Busy(providerName, op)
		}
	}
	return providers.Fault(providerName, op, err)
}
