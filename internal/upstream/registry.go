package upstream

import (
	"fmt"
	"sort"
	"strings"
)

// CredentialTransportKey selects the transport in Credentials.Extra.
const CredentialTransportKey = "transport"

// Registry picks a Transport per tenant by the credential's transport key,
// falling back to a default.
type Registry struct {
	byName map[string]Transport
	def    string
}

func NewRegistry(defaultName string, transports ...Transport) *Registry {
	r := &Registry{byName: map[string]Transport{}, def: strings.ToLower(strings.TrimSpace(defaultName))}
	for _, t := range transports {
		if t != nil {
			r.byName[strings.ToLower(t.Name())] = t
		}
	}
	return r
}

func (r *Registry) Select(creds Credentials) (Transport, error) {
	name := strings.ToLower(strings.TrimSpace(creds.Get(CredentialTransportKey)))
	if name == "" {
		name = r.def
	}
	t, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown transport %q", ErrTransport, name)
	}
	return t, nil
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
