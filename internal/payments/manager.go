package payments

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Manager resolves gateways by provider name.
type Manager struct {
	gateways        map[string]Gateway
	defaultProvider string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the provider used when callers do not name one.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = normaliseProvider(provider)
	}
}

// NewManager constructs a Manager over the supplied gateways keyed by Gateway.Name.
func NewManager(gateways []Gateway, opts ...ManagerOption) (*Manager, error) {
	if len(gateways) == 0 {
		return nil, errors.New("payments: at least one gateway is required")
	}
	registered := make(map[string]Gateway, len(gateways))
	for _, gw := range gateways {
		if gw == nil {
			return nil, errors.New("payments: nil gateway registration")
		}
		key := normaliseProvider(gw.Name())
		if key == "" {
			return nil, errors.New("payments: gateway name is required")
		}
		if _, dup := registered[key]; dup {
			return nil, fmt.Errorf("payments: gateway %q registered twice", key)
		}
		registered[key] = gw
	}
	m := &Manager{gateways: registered}
	if len(registered) == 1 {
		for key := range registered {
			m.defaultProvider = key
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.defaultProvider != "" {
		if _, ok := registered[m.defaultProvider]; !ok {
			return nil, fmt.Errorf("%w: default %q", ErrUnsupportedProvider, m.defaultProvider)
		}
	}
	return m, nil
}

// Resolve returns the named gateway, or the default one when provider is blank.
func (m *Manager) Resolve(provider string) (Gateway, error) {
	if m == nil {
		return nil, errors.New("payments: manager is nil")
	}
	key := normaliseProvider(provider)
	if key == "" {
		key = m.defaultProvider
	}
	if gw, ok := m.gateways[key]; ok {
		return gw, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, provider)
}

// DefaultProvider reports the provider used for new pending orders.
func (m *Manager) DefaultProvider() string {
	if m == nil {
		return ""
	}
	return m.defaultProvider
}

// Providers lists registered provider names in lexical order.
func (m *Manager) Providers() []string {
	if m == nil {
		return nil
	}
	names := make([]string, 0, len(m.gateways))
	for name := range m.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normaliseProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
