package arbiter

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultProviderName is used when no provider is configured.
const DefaultProviderName = "stub"

// ProviderSettings carries what the built-in providers need.
type ProviderSettings struct {
	Provider string
	Endpoint string
	Model    string
	APIKey   string
}

// Registry stores arbiters and resolves a default one.
type Registry struct {
	providers       map[string]Arbiter
	defaultProvider string
}

func NewRegistry(defaultProvider string) *Registry {
	normalizedDefault := normalizeProviderName(defaultProvider)
	if normalizedDefault == "" {
		normalizedDefault = DefaultProviderName
	}
	return &Registry{
		providers:       make(map[string]Arbiter),
		defaultProvider: normalizedDefault,
	}
}

// NewRegistryFromSettings registers the stub and, when an endpoint is set,
// the chat arbiter.
func NewRegistryFromSettings(s ProviderSettings) *Registry {
	registry := NewRegistry(s.Provider)
	_ = registry.Register(NewStub())
	if strings.TrimSpace(s.Endpoint) != "" {
		_ = registry.Register(NewChatArbiter(s.Endpoint, s.Model, s.APIKey))
	}
	return registry
}

func (r *Registry) Register(a Arbiter) error {
	if r == nil {
		return fmt.Errorf("registry is nil")
	}
	if a == nil {
		return fmt.Errorf("arbiter is nil")
	}
	name := normalizeProviderName(a.Name())
	if name == "" {
		return fmt.Errorf("arbiter name is required")
	}
	r.providers[name] = a
	return nil
}

// Provider resolves an arbiter by name. Empty names use the default. The
// name "none" resolves to nil, which disables arbitration.
func (r *Registry) Provider(name string) (Arbiter, error) {
	if r == nil {
		return nil, fmt.Errorf("registry is nil")
	}
	resolvedName := normalizeProviderName(name)
	if resolvedName == "" {
		resolvedName = r.defaultProvider
	}
	if resolvedName == "none" || resolvedName == "off" {
		return nil, nil
	}
	if a, ok := r.providers[resolvedName]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("arbiter %q is not registered (available: %s)", resolvedName, strings.Join(r.ProviderNames(), ", "))
}

func (r *Registry) DefaultProvider() string {
	if r == nil {
		return ""
	}
	return r.defaultProvider
}

func (r *Registry) ProviderNames() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeProviderName(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
