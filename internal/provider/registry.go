package provider

import "fmt"

// Registry holds the configured back-end singletons and routes operations to
// the right one. Reads route by instance-id prefix; writes use the active
// provider resolved from configuration.
type Registry struct {
	providers map[Kind]Provider
	override  Kind
}

// NewRegistry builds a registry from whichever providers are configured.
// override forces Active() when non-empty.
func NewRegistry(override Kind, providers ...Provider) *Registry {
	m := make(map[Kind]Provider, len(providers))
	for _, p := range providers {
		if p != nil {
			m[p.Kind()] = p
		}
	}
	return &Registry{providers: m, override: override}
}

// ForKind returns the back-end for an explicit provider choice.
func (r *Registry) ForKind(kind Kind) (Provider, error) {
	p, ok := r.providers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, kind)
	}
	return p, nil
}

// ForInstanceID routes by the id's prefix. Unknown shapes map to ErrNotFound
// so callers can hide existence.
func (r *Registry) ForInstanceID(id string) (Provider, error) {
	kind, ok := KindForInstanceID(id)
	if !ok {
		return nil, fmt.Errorf("%w: unrecognized instance id %q", ErrNotFound, id)
	}
	return r.ForKind(kind)
}

// Active returns the provider used for new instances: the configured
// override if set, else LXC when the Proxmox API is configured, else morph.
func (r *Registry) Active() (Provider, error) {
	if r.override != "" {
		return r.ForKind(r.override)
	}
	if p, ok := r.providers[KindPveLxc]; ok {
		return p, nil
	}
	if p, ok := r.providers[KindMorph]; ok {
		return p, nil
	}
	return nil, ErrNotConfigured
}

// Has reports whether a back-end is configured.
func (r *Registry) Has(kind Kind) bool {
	_, ok := r.providers[kind]
	return ok
}
