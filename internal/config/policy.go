package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/agentland/a2a-gateway/internal/core"
)

// AuthorizationRule requires a minimum access level, and optionally one of a
// set of roles, for a task.
type AuthorizationRule struct {
	Task                string           `yaml:"task"`
	RequiredAccessLevel core.AccessLevel `yaml:"required_access_level"`
	RequiredRoles       []string         `yaml:"required_roles,omitempty"`
}

// QuotaOverride replaces the default HIGH/CRITICAL budget of one agent.
type QuotaOverride struct {
	AgentID  string `yaml:"agent_id"`
	High     int    `yaml:"high"`
	Critical int    `yaml:"critical"`
}

// Policy is the operator-maintained rule file loaded next to the main config.
type Policy struct {
	Rules  []AuthorizationRule `yaml:"authorization_rules"`
	Quotas []QuotaOverride     `yaml:"agent_quotas"`
}

// PolicyManager holds the current policy and reloads it on demand.
type PolicyManager struct {
	path   string
	policy *Policy
	mu     sync.RWMutex
}

// LoadPolicy reads a policy file. A missing file yields an empty policy.
func LoadPolicy(path string) (*Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Policy{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var p Policy
	if err := yaml.NewDecoder(f).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode policy %s: %w", path, err)
	}
	for i, r := range p.Rules {
		if r.Task == "" {
			return nil, fmt.Errorf("policy %s: authorization rule %d has no task", path, i)
		}
		if r.RequiredAccessLevel == 0 {
			p.Rules[i].RequiredAccessLevel = core.AccessPublic
		}
	}
	for i, q := range p.Quotas {
		if q.AgentID == "" || q.High < 0 || q.Critical < 0 {
			return nil, fmt.Errorf("policy %s: invalid quota override %d", path, i)
		}
	}
	return &p, nil
}

func NewPolicyManager(path string) (*PolicyManager, error) {
	p, err := LoadPolicy(path)
	if err != nil {
		return nil, err
	}
	return &PolicyManager{path: path, policy: p}, nil
}

// Get returns the current policy.
func (m *PolicyManager) Get() *Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policy
}

// Reload re-reads the policy file, keeping the previous policy on error.
func (m *PolicyManager) Reload() (*Policy, error) {
	p, err := LoadPolicy(m.path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.policy = p
	m.mu.Unlock()
	return p, nil
}
