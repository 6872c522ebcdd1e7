// Package pkcs11hsm implements the provider backed by a PKCS#11 token.
// Private keys never leave the token: the provider generates key pairs on
// it, signs and verifies through it, and addresses objects by CKA_ID set to
// the creation ID. Sessions are pooled; an exhausted pool reports busy
// rather than queueing, so callers decide whether to retry.
package pkcs11hsm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/miekg/pkcs11"

	dserrors "github.com/Superhepper/parsec/internal/errors"
	"github.com/Superhepper/parsec/internal/logging"
	"github.com/Superhepper/parsec/internal/providers"
	"github.com/Superhepper/parsec/internal/secretsource"
	"github.com/Superhepper/parsec/pkg/keys"
	"github.com/Superhepper/parsec/pkg/requests"
)

const (
	providerName    = "pkcs11"
	providerVersion = "1.0.0"

	defaultMaxSessions = 4
)

// Config selects the token and bounds the session pool.
type Config struct {
	// ModulePath is the PKCS#11 shared library, e.g.
	// /usr/lib/softhsm/libsofthsm2.so.
	ModulePath string

	// TokenLabel picks the slot whose token carries this label. Ignored
	// when SlotID is set.
	TokenLabel string

	// SlotID pins an explicit slot.
	SlotID *uint

	// UserPIN resolves the CKU_USER PIN. A zero spec skips login for
	// tokens that operate without one.
	UserPIN secretsource.Spec

	// MaxSessions bounds the session pool. Zero means the default.
	MaxSessions int
}

// Option adjusts construction.
type Option func(*options)

type options struct {
	module Module
}

// WithModule substitutes the loaded PKCS#11 module. Tests use it to run
// against a fake token.
func WithModule(m Module) Option {
	return func(o *options) { o.module = m }
}

// Provider drives one token. Safe for concurrent use; per-operation state
// lives in pooled sessions.
type Provider struct {
	mod      Module
	slot     uint
	control  pkcs11.SessionHandle
	sessions chan pkcs11.SessionHandle
	log      *logging.Logger
}

var _ providers.Provider = (*Provider)(nil)

// New loads the module, resolves the slot, logs in once on a control
// session and opens the session pool.
func New(ctx context.Context, cfg Config, log *logging.Logger, opts ...Option) (*Provider, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	mod := o.module
	if mod == nil {
		if cfg.ModulePath == "" {
			return nil, dserrors.ConfigError{
				Field:      "providers.pkcs11.module_path",
				Message:    "PKCS#11 module path is required",
				Suggestion: "point module_path at the token's shared library, e.g. /usr/lib/softhsm/libsofthsm2.so",
			}
		}
		ctx := pkcs11.New(cfg.ModulePath)
		if ctx == nil {
			return nil, fmt.Errorf("load PKCS#11 module %q", cfg.ModulePath)
		}
		mod = ctx
	}

	if err := mod.Initialize(); err != nil && !isReturnCode(err, pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED) {
		return nil, fmt.Errorf("initialize PKCS#11 module: %w", err)
	}

	p := &Provider{mod: mod, log: log}
	if err := p.setup(cfg); err != nil {
		mod.Finalize()
		mod.Destroy()
		return nil, err
	}
	return p, nil
}

func (p *Provider) setup(cfg Config) error {
	slot, err := p.resolveSlot(cfg)
	if err != nil {
		return err
	}
	p.slot = slot

	control, err := p.mod.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		return fmt.Errorf("open PKCS#11 session on slot %d: %w", slot, err)
	}
	p.control = control

	if !cfg.UserPIN.IsZero() {
		pin, err := secretsource.Resolve(cfg.UserPIN)
		if err != nil {
			return fmt.Errorf("resolve PKCS#11 user PIN: %w", err)
		}
		err = p.mod.Login(control, pkcs11.CKU_USER, string(pin))
		for i := range pin {
			pin[i] = 0
		}
		if err != nil && !isReturnCode(err, pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
			return fmt.Errorf("PKCS#11 login: %w", err)
		}
	}

	max := cfg.MaxSessions
	if max <= 0 {
		max = defaultMaxSessions
	}
	p.sessions = make(chan pkcs11.SessionHandle, max)
	for i := 0; i < max; i++ {
		sh, err := p.mod.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
		if err != nil {
			return fmt.Errorf("open PKCS#11 session on slot %d: %w", slot, err)
		}
		p.sessions <- sh
	}

	p.log.Debug("pkcs11 provider: token ready on slot %d with %d sessions", slot, max)
	return nil
}

// resolveSlot picks the configured slot, or searches token labels, or takes
// the only token present.
func (p *Provider) resolveSlot(cfg Config) (uint, error) {
	if cfg.SlotID != nil {
		return *cfg.SlotID, nil
	}

	slots, err := p.mod.GetSlotList(true)
	if err != nil {
		return 0, fmt.Errorf("list PKCS#11 slots: %w", err)
	}
	if len(slots) == 0 {
		return 0, errors.New("no PKCS#11 token present")
	}

	if cfg.TokenLabel == "" {
		if len(slots) == 1 {
			return slots[0], nil
		}
		return 0, dserrors.ConfigError{
			Field:      "providers.pkcs11.token_label",
			Message:    fmt.Sprintf("%d tokens present, none selected", len(slots)),
			Suggestion: "set token_label or slot_id to pick one",
		}
	}

	for _, slot := range slots {
		info, err := p.mod.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		if strings.TrimRight(info.Label, " ") == cfg.TokenLabel {
			return slot, nil
		}
	}
	return 0, fmt.Errorf("no PKCS#11 token labelled %q", cfg.TokenLabel)
}

// withSession runs fn with a pooled session. An empty pool reports busy
// immediately; callers never queue behind the token.
func (p *Provider) withSession(op string, fn func(pkcs11.SessionHandle) error) error {
	select {
	case sh := <-p.sessions:
		defer func() { p.sessions <- sh }()
		return fn(sh)
	default:
		return providers.Busy(providerName, op)
	}
}

// Describe implements providers.Provider.
func (p *Provider) Describe() providers.Info {
	return providers.Info{
		ID:          requests.ProviderPKCS11,
		Name:        providerName,
		Description: "PKCS#11 token provider, keys never leave the module",
		Version:     providerVersion,
	}
}

// Capabilities implements providers.Provider. Tokens keep material
// non-extractable, so import and export of private halves are out.
func (p *Provider) Capabilities() providers.Capabilities {
	return providers.Capabilities{
		Opcodes: []requests.Opcode{
			requests.OpGenerateKey,
			requests.OpExportPublicKey,
			requests.OpDestroyKey,
			requests.OpSign,
			requests.OpVerify,
			requests.OpHash,
		},
		Algorithms: []keys.Algorithm{
			keys.AlgorithmECDSASHA256,
			keys.AlgorithmECDSASHA384,
			keys.AlgorithmRSAPSSSHA256,
			keys.AlgorithmRSAPKCS1SHA256,
			keys.AlgorithmSHA256,
			keys.AlgorithmSHA384,
			keys.AlgorithmSHA512,
		},
		KeyTypes: []keys.KeyType{
			keys.KeyTypeRSA,
			keys.KeyTypeECDSAP256,
			keys.KeyTypeECDSAP384,
		},
	}
}

// Check implements providers.Provider by asking the token for its info.
func (p *Provider) Check(ctx context.Context) error {
	if _, err := p.mod.GetTokenInfo(p.slot); err != nil {
		return fmt.Errorf("pkcs11 token: %w", err)
	}
	return nil
}

// Close drains the session pool, logs out and unloads the module.
func (p *Provider) Close() error {
	var firstErr error
	for i := 0; i < cap(p.sessions); i++ {
		select {
		case sh := <-p.sessions:
			if err := p.mod.CloseSession(sh); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("close PKCS#11 session: %w", err)
			}
		default:
		}
	}
	p.mod.Logout(p.control)
	if err := p.mod.CloseSession(p.control); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close PKCS#11 session: %w", err)
	}
	if err := p.mod.Finalize(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("finalize PKCS#11 module: %w", err)
	}
	p.mod.Destroy()
	return firstErr
}

// isReturnCode reports whether err is the given PKCS#11 return value.
func isReturnCode(err error, rv uint) bool {
	var perr pkcs11.Error
	return errors.As(err, &perr) && uint(perr) == rv
}

// classify maps PKCS#11 return values onto the response taxonomy. Anything
// unrecognized is a provider fault.
func classify(op string, err error) error {
	var perr pkcs11.Error
	if errors.As(err, &perr) {
		switch uint(perr) {
		case pkcs11.CKR_OBJECT_HANDLE_INVALID, pkcs11.CKR_KEY_HANDLE_INVALID:
			return fmt.Errorf("%w: token object gone", requests.ErrKeyDoesNotExist)
		case pkcs11.CKR_SESSION_COUNT, pkcs11.CKR_DEVICE_MEMORY:
			return providers.Busy(providerName, op)
		case pkcs11.CKR_MECHANISM_INVALID, pkcs11.CKR_MECHANISM_PARAM_INVALID:
			return fmt.Errorf("%w: token rejected mechanism for %s", requests.ErrUnsupportedAlgorithm, op)
		}
	}
	return providers.Fault(providerName, op, err)
}
