package providers

import (
	"fmt"
	"sort"
)

// Registry maps provider keys to backends. Built once at boot from
// configuration and read-only afterwards, so lookups need no locking.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds the registry. Nil entries are skipped so a
// local-only deployment simply has no "cloud" key.
func NewRegistry(local, cloud Provider) *Registry {
	r := &Registry{providers: map[string]Provider{}}
	if local != nil {
		r.providers[ProviderLocal] = local
	}
	if cloud != nil {
		r.providers[ProviderCloud] = cloud
	}
	return r
}

// Get returns the provider for a key.
func (r *Registry) Get(key string) (Provider, error) {
	p, ok := r.providers[key]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", key)
	}
	return p, nil
}

// Keys returns the registered provider keys, sorted.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.providers))
	for k := range r.providers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
