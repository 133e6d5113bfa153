package gateway

import "strings"

// Registry resolves gateways by the name recorded on a payment source.
type Registry struct {
	gateways map[string]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	registry := &Registry{gateways: map[string]Gateway{}}
	for _, gw := range gateways {
		if gw == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(gw.Name()))
		if name == "" {
			continue
		}
		registry.gateways[name] = gw
	}
	return registry
}

func (r *Registry) Exists(name string) bool {
	if r == nil {
		return false
	}
	name = strings.ToLower(strings.TrimSpace(name))
	_, ok := r.gateways[name]
	return ok
}

func (r *Registry) Resolve(name string) (Gateway, error) {
	if r == nil {
		return nil, ErrGatewayNotFound
	}
	name = strings.ToLower(strings.TrimSpace(name))
	gw, ok := r.gateways[name]
	if !ok {
		return nil, ErrGatewayNotFound
	}
	return gw, nil
}
