package opcua

import (
	"context"
	"sort"

	gopcua "github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
)

// Discoverer fetches the endpoints advertised by a server at url. It is
// the "one-shot external helper" spec §1/§6.5 carves discovery out as; the
// default implementation delegates to the real gopcua client, which owns
// the wire codec and transport this package never touches directly.
type Discoverer func(ctx context.Context, url string) ([]*ua.EndpointDescription, error)

// DefaultDiscoverer fetches endpoints using github.com/gopcua/opcua's own
// client, the reference implementation of the UACP/UASC transport this
// package's Channel interface abstracts away.
func DefaultDiscoverer(ctx context.Context, url string) ([]*ua.EndpointDescription, error) {
	eps, err := gopcua.GetEndpoints(ctx, url)
	if err != nil {
		return nil, newOpError(KindChannelOpenFailure, err)
	}
	return eps, nil
}

// SelectEndpoint picks the endpoint with the greatest SecurityLevel,
// breaking ties by input order (spec §6.5, TP8). It returns nil for an
// empty list.
func SelectEndpoint(endpoints []*ua.EndpointDescription) *ua.EndpointDescription {
	if len(endpoints) == 0 {
		return nil
	}
	best := 0
	for i := 1; i < len(endpoints); i++ {
		if endpoints[i].SecurityLevel > endpoints[best].SecurityLevel {
			best = i
		}
	}
	return endpoints[best]
}

// sortedBySecurityLevelDesc is exposed for components that want the full
// ranked list (e.g. diagnostics tooling) rather than just the winner.
func sortedBySecurityLevelDesc(endpoints []*ua.EndpointDescription) []*ua.EndpointDescription {
	out := make([]*ua.EndpointDescription, len(endpoints))
	copy(out, endpoints)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SecurityLevel > out[j].SecurityLevel
	})
	return out
}

// resolveEndpoint implements the "discovery only if the caller supplied a
// URL without an explicit endpoint" rule from spec §4.3.
func resolveEndpoint(ctx context.Context, endpoint *Endpoint, discoveryURL string, discover Discoverer) (*Endpoint, error) {
	if endpoint != nil {
		return endpoint, nil
	}
	if discoveryURL == "" {
		return nil, newOpError(KindConfigurationError, nil)
	}
	if discover == nil {
		discover = DefaultDiscoverer
	}
	eps, err := discover(ctx, discoveryURL)
	if err != nil {
		return nil, err
	}
	chosen := SelectEndpoint(eps)
	if chosen == nil {
		return nil, newOpError(KindChannelOpenFailure, nil)
	}
	return &Endpoint{Description: chosen}, nil
}
