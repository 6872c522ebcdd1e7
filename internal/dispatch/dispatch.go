// Package dispatch executes decoded requests. Each request walks a fixed
// state machine: received, authenticated, resolved, executing, then
// completed or failed, with every transition visible in the debug log under
// a per-request sequence number.
//
// The dispatcher owns the mutation discipline around the key info store. A
// create records a pending intent before the provider is asked to make
// anything; a destroy moves the entry into a tombstone before the provider
// is asked to delete anything. Recover re-drives whatever intents a crash
// left behind, so the store never points at objects that were lost half way
// and never leaks objects the store forgot.
//
// Provider calls run to completion; there is no cancellation primitive and
// a busy provider is reported to the caller rather than retried here.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Superhepper/parsec/internal/auth"
	"github.com/Superhepper/parsec/internal/keyinfo"
	"github.com/Superhepper/parsec/internal/logging"
	"github.com/Superhepper/parsec/internal/metrics"
	"github.com/Superhepper/parsec/internal/providers"
	"github.com/Superhepper/parsec/pkg/operations"
	"github.com/Superhepper/parsec/pkg/requests"
)

// Config wires the dispatcher's collaborators.
type Config struct {
	Registry *providers.Registry
	Store    keyinfo.Manager
	Auth     *auth.Selector
	Metrics  *metrics.RequestMetrics
	Log      *logging.Logger

	// Version is reported in the core provider description.
	Version string
}

// Dispatcher routes authenticated requests to providers and keeps the key
// namespace consistent while doing it.
type Dispatcher struct {
	registry *providers.Registry
	store    keyinfo.Manager
	auth     *auth.Selector
	metrics  *metrics.RequestMetrics
	log      *logging.Logger
	version  string

	seq atomic.Uint64
}

// New builds a dispatcher. Metrics may be nil; recording is then a no-op.
func New(cfg Config) *Dispatcher {
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewRequestMetrics()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	return &Dispatcher{
		registry: cfg.Registry,
		store:    cfg.Store,
		auth:     cfg.Auth,
		metrics:  m,
		log:      cfg.Log,
		version:  version,
	}
}

// Handle processes one request and always produces a response frame. Errors
// never escape; they are translated to a wire status and an empty body.
func (d *Dispatcher) Handle(ctx context.Context, req *requests.Request, peer requests.PeerCredentials) *requests.Response {
	id := d.seq.Add(1)
	started := time.Now()
	d.log.Debug("req %d: received %s addressed to %s", id, req.Opcode, req.Provider)

	body, err := d.serve(ctx, id, req, peer)
	status := requests.StatusFromError(err)
	d.metrics.RecordRequest(req.Opcode.String(), status.String(), time.Since(started).Seconds())

	if err != nil {
		d.observeFailure(id, req, status, err)
		return requests.RespondTo(req, status, nil)
	}
	d.log.Debug("req %d: completed in %s", id, time.Since(started))
	return requests.RespondTo(req, requests.StatusSuccess, body)
}

func (d *Dispatcher) serve(ctx context.Context, id uint64, req *requests.Request, peer requests.PeerCredentials) ([]byte, error) {
	identity, err := d.auth.Authenticate(req, peer)
	if err != nil {
		return nil, err
	}
	if identity.Anonymous() {
		d.log.Debug("req %d: authenticated anonymously", id)
	} else {
		d.log.Debug("req %d: authenticated as %q via %s", id, identity.Application, identity.AuthType)
	}

	if !req.Opcode.Known() {
		return nil, fmt.Errorf("%w: unknown opcode %d", requests.ErrInvalidRequest, uint32(req.Opcode))
	}
	if identity.Anonymous() && opcodeNeedsIdentity(req.Opcode) {
		return nil, fmt.Errorf("%w: %s needs an application identity", requests.ErrUnauthenticated, req.Opcode)
	}

	switch req.Opcode {
	case requests.OpPing:
		return d.ping()
	case requests.OpListProviders:
		return d.listProviders()
	case requests.OpListKeys:
		return d.listKeys(ctx, identity)
	case requests.OpHash:
		return d.hash(ctx, req)
	case requests.OpGenerateKey, requests.OpImportKey:
		return d.create(ctx, id, identity, req)
	case requests.OpDestroyKey:
		return d.destroy(ctx, id, identity, req)
	case requests.OpExportPublicKey:
		return d.exportPublic(ctx, id, identity, req)
	case requests.OpExportKey:
		return d.exportKey(ctx, id, identity, req)
	case requests.OpSign:
		return d.sign(ctx, id, identity, req)
	case requests.OpVerify:
		return d.verify(ctx, id, identity, req)
	case requests.OpEncrypt:
		return d.encrypt(ctx, id, identity, req)
	case requests.OpDecrypt:
		return d.decrypt(ctx, id, identity, req)
	default:
		return nil, fmt.Errorf("%w: opcode %s has no handler", requests.ErrInvalidRequest, req.Opcode)
	}
}

// opcodeNeedsIdentity reports whether the operation touches a key
// namespace. Anonymous callers may only ping, enumerate providers and hash.
func opcodeNeedsIdentity(op requests.Opcode) bool {
	switch op {
	case requests.OpPing, requests.OpListProviders, requests.OpHash:
		return false
	default:
		return true
	}
}

func (d *Dispatcher) observeFailure(id uint64, req *requests.Request, status requests.ResponseStatus, err error) {
	if errors.Is(err, requests.ErrUnauthenticated) {
		d.metrics.RecordAuthFailure(req.AuthType.String())
	}
	if errors.Is(err, keyinfo.ErrStoreCorruption) {
		d.metrics.RecordStoreCorruption()
		d.log.Error("req %d: %v", id, err)
	}
	if status == requests.StatusProviderFault {
		d.log.Warn("req %d: %s failed: %v", id, req.Opcode, err)
		return
	}
	d.log.Debug("req %d: %s failed with %s: %v", id, req.Opcode, status, err)
}

// resolved is a key-using request after namespace resolution: the store
// entry, the provider that holds the object, and the reference handed to
// it.
type resolved struct {
	entry keyinfo.Entry
	prov  providers.Provider
	info  providers.Info
	ref   providers.KeyRef
}

// resolveKey finds the entry a key-using request addresses and checks that
// its provider is configured and implements the operation. The provider
// hint from the header is resolved to a concrete ID before the store
// consults its policy.
func (d *Dispatcher) resolveKey(ctx context.Context, id uint64, app, name string, hint requests.ProviderID, op requests.Opcode) (resolved, error) {
	if err := operations.ValidateKeyName(name); err != nil {
		return resolved{}, err
	}
	if hint == requests.ProviderCore {
		hint = d.registry.DefaultID()
	}
	entry, err := d.store.Find(ctx, app, name, hint)
	if err != nil {
		return resolved{}, err
	}
	prov, err := d.registry.Resolve(entry.Provider)
	if err != nil {
		return resolved{}, err
	}
	info := prov.Describe()
	if !prov.Capabilities().SupportsOpcode(op) {
		return resolved{}, providers.UnsupportedOperation(info.Name, op)
	}
	d.log.Debug("req %d: resolved key %s/%s on %s", id, app, name, info.Name)
	return resolved{
		entry: entry,
		prov:  prov,
		info:  info,
		ref:   providers.KeyRef{Handle: entry.Handle, Attributes: entry.Attributes},
	}, nil
}

// timeProvider marks the transition into execution and returns a stop
// function recording the provider call's latency.
func (d *Dispatcher) timeProvider(id uint64, provider string, op requests.Opcode) func() {
	d.log.Debug("req %d: executing %s on %s", id, op, provider)
	started := time.Now()
	return func() {
		d.metrics.RecordProviderOp(provider, op.String(), time.Since(started).Seconds())
	}
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
