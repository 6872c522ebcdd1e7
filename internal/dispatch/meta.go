package dispatch

import (
	"context"

	"github.com/Superhepper/parsec/internal/auth"
	"github.com/Superhepper/parsec/internal/providers"
	"github.com/Superhepper/parsec/pkg/keys"
	"github.com/Superhepper/parsec/pkg/operations"
	"github.com/Superhepper/parsec/pkg/requests"
)

func (d *Dispatcher) ping() ([]byte, error) {
	return operations.Encode(operations.PingResult{WireVersion: requests.WireVersion})
}

// listProviders reports core first, then the configured providers in
// configuration order, with the deployment default flagged.
func (d *Dispatcher) listProviders() ([]byte, error) {
	provs := d.registry.List()
	out := make([]operations.ProviderDescription, 0, len(provs)+1)
	out = append(out, operations.ProviderDescription{
		ID:          requests.ProviderCore,
		Name:        requests.ProviderCore.String(),
		Description: "service management and request routing",
		Version:     d.version,
		Opcodes: []requests.Opcode{
			requests.OpPing,
			requests.OpListProviders,
			requests.OpListKeys,
			requests.OpHash,
		},
		Algorithms: []keys.Algorithm{
			keys.AlgorithmSHA256,
			keys.AlgorithmSHA384,
			keys.AlgorithmSHA512,
		},
	})
	for _, p := range provs {
		info := p.Describe()
		caps := p.Capabilities()
		out = append(out, operations.ProviderDescription{
			ID:          info.ID,
			Name:        info.Name,
			Description: info.Description,
			Version:     info.Version,
			Default:     info.ID == d.registry.DefaultID(),
			Opcodes:     caps.Opcodes,
			Algorithms:  caps.Algorithms,
			KeyTypes:    caps.KeyTypes,
		})
	}
	return operations.Encode(operations.ListProvidersResult{Providers: out})
}

// listKeys reads a point-in-time snapshot of the caller's namespace.
func (d *Dispatcher) listKeys(ctx context.Context, identity auth.Identity) ([]byte, error) {
	entries, err := d.store.List(ctx, identity.Application)
	if err != nil {
		return nil, err
	}
	out := make([]operations.KeyDescription, 0, len(entries))
	for _, e := range entries {
		out = append(out, operations.KeyDescription{
			Name:       e.Name,
			Provider:   e.Provider,
			Attributes: e.Attributes,
			CreatedAt:  e.CreatedAt,
		})
	}
	return operations.Encode(operations.ListKeysResult{Keys: out})
}

// hash digests in the dispatcher when addressed to core, and in the
// addressed provider otherwise.
func (d *Dispatcher) hash(ctx context.Context, req *requests.Request) ([]byte, error) {
	var op operations.Hash
	if err := operations.Decode(req.Body, &op); err != nil {
		return nil, err
	}
	if req.Provider == requests.ProviderCore {
		sum, err := providers.HashBytes(requests.ProviderCore.String(), op.Algorithm, op.Data)
		if err != nil {
			return nil, err
		}
		return operations.Encode(operations.HashResult{Digest: sum})
	}
	prov, err := d.registry.Resolve(req.Provider)
	if err != nil {
		return nil, err
	}
	info := prov.Describe()
	if !prov.Capabilities().SupportsOpcode(requests.OpHash) {
		return nil, providers.UnsupportedOperation(info.Name, requests.OpHash)
	}
	sum, err := prov.Hash(ctx, op.Algorithm, op.Data)
	if err != nil {
		return nil, err
	}
	return operations.Encode(operations.HashResult{Digest: sum})
}
