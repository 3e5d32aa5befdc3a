// Package mode decides how rule verdicts apply to each monitored host.
package mode

import (
	"fmt"
	"strings"
	"sync"
)

// Mode is the filtering mode of a host.
type Mode string

const (
	// Enforce blocks orders denied by the rules.
	Enforce Mode = "enforce"
	// Audit logs denied orders but runs them anyway.
	Audit Mode = "audit"
	// Lockdown blocks every order.
	Lockdown Mode = "lockdown"
)

// Parse converts a configuration value into a Mode.
func Parse(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case Enforce, Audit, Lockdown:
		return m, nil
	case "":
		return Enforce, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Manager holds the global mode and per-host overrides.
type Manager struct {
	mu         sync.RWMutex
	globalMode Mode
	hostModes  map[string]Mode
}

// NewManager creates a manager in enforce mode.
func NewManager() *Manager {
	return &Manager{
		globalMode: Enforce,
		hostModes:  make(map[string]Mode),
	}
}

// FromConfig builds a manager from configuration strings.
func FromConfig(global string, hosts map[string]string) (*Manager, error) {
	m := NewManager()
	g, err := Parse(global)
	if err != nil {
		return nil, err
	}
	m.SetGlobalMode(g)
	for host, value := range hosts {
		hm, err := Parse(value)
		if err != nil {
			return nil, fmt.Errorf("host %s: %w", host, err)
		}
		m.SetHostMode(host, hm)
	}
	return m, nil
}

func (m *Manager) GlobalMode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.globalMode
}

func (m *Manager) SetGlobalMode(mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.globalMode = mode
}

// HostMode returns the override for host, or the global mode.
func (m *Manager) HostMode(host string) Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mode, ok := m.hostModes[strings.ToLower(host)]; ok {
		return mode
	}
	return m.globalMode
}

func (m *Manager) SetHostMode(host string, mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hostModes[strings.ToLower(host)] = mode
}

// HostModes returns a copy of the overrides.
func (m *Manager) HostModes() map[string]Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]Mode, len(m.hostModes))
	for k, v := range m.hostModes {
		result[k] = v
	}
	return result
}

// ShouldBlock applies the host's mode to a rule verdict.
func (m *Manager) ShouldBlock(host string, ruleBlocked bool) bool {
	switch m.HostMode(host) {
	case Audit:
		return false
	case Lockdown:
		return true
	default:
		return ruleBlocked
	}
}

// IsAudit reports whether host is in audit mode.
func (m *Manager) IsAudit(host string) bool {
	return m.HostMode(host) == Audit
}
