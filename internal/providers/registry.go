package providers

import (
	"fmt"

	"github.com/Superhepper/parsec/pkg/requests"
)

// Registry resolves provider addresses to configured instances. Built once
// at startup and immutable afterwards; safe for concurrent use without
// locking.
type Registry struct {
	defaultID requests.ProviderID
	order     []requests.ProviderID
	providers map[requests.ProviderID]Provider
}

// NewRegistry builds a registry over the configured providers. A defaultID
// of zero selects the first provider; otherwise it must name one of them.
// Provider IDs must be unique and nonzero (zero addresses the service
// itself).
func NewRegistry(defaultID requests.ProviderID, provs ...Provider) (*Registry, error) {
	if len(provs) == 0 {
		return nil, fmt.Errorf("at least one provider must be configured")
	}

	r := &Registry{
		providers: make(map[requests.ProviderID]Provider, len(provs)),
	}
	for _, p := range provs {
		id := p.Describe().ID
		if id == requests.ProviderCore {
			return nil, fmt.Errorf("provider %q claims reserved id 0", p.Describe().Name)
		}
		if _, taken := r.providers[id]; taken {
			return nil, fmt.Errorf("provider id %d configured twice", uint8(id))
		}
		r.providers[id] = p
		r.order = append(r.order, id)
	}

	if defaultID == requests.ProviderCore {
		defaultID = r.order[0]
	}
	if _, ok := r.providers[defaultID]; !ok {
		return nil, fmt.Errorf("default provider %s is not configured", defaultID)
	}
	r.defaultID = defaultID
	return r, nil
}

// Resolve returns the provider addressed by id. Zero resolves to the
// deployment default. Unconfigured addresses fail with
// requests.ErrUnknownProvider.
func (r *Registry) Resolve(id requests.ProviderID) (Provider, error) {
	if id == requests.ProviderCore {
		id = r.defaultID
	}
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", requests.ErrUnknownProvider, id)
	}
	return p, nil
}

// Capabilities returns the declared capability surface of the addressed
// provider.
func (r *Registry) Capabilities(id requests.ProviderID) (Capabilities, error) {
	p, err := r.Resolve(id)
	if err != nil {
		return Capabilities{}, err
	}
	return p.Capabilities(), nil
}

// List returns the providers in configuration order.
func (r *Registry) List() []Provider {
	out := make([]Provider, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.providers[id])
	}
	return out
}

// DefaultID returns the provider that serves requests addressed to zero.
func (r *Registry) DefaultID() requests.ProviderID {
	return r.defaultID
}

// Close closes every provider. The first failure is returned; the rest are
// still closed.
func (r *Registry) Close() error {
	var firstErr error
	for _, id := range r.order {
		if err := r.providers[id].Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close provider %s: %w", id, err)
		}
	}
	return firstErr
}
