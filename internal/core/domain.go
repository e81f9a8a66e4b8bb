package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AccessLevel is the ordered trust tier of an agent or a task requirement.
// Comparison is by rank, never by name.
type AccessLevel int

const (
	AccessPublic AccessLevel = iota + 1
	AccessProtected
	AccessPrivate
	AccessRestricted
)

var accessLevelNames = map[AccessLevel]string{
	AccessPublic:     "public",
	AccessProtected:  "protected",
	AccessPrivate:    "private",
	AccessRestricted: "restricted",
}

func (a AccessLevel) String() string {
	if name, ok := accessLevelNames[a]; ok {
		return name
	}
	return "unknown"
}

// AtLeast reports whether a grants everything required grants.
func (a AccessLevel) AtLeast(required AccessLevel) bool {
	return a >= required
}

// ParseAccessLevel accepts the lowercase or uppercase level name.
func ParseAccessLevel(s string) (AccessLevel, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for level, name := range accessLevelNames {
		if name == want {
			return level, nil
		}
	}
	return 0, fmt.Errorf("unknown access level %q", s)
}

func (a AccessLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *AccessLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	level, err := ParseAccessLevel(s)
	if err != nil {
		return err
	}
	*a = level
	return nil
}

// UnmarshalYAML lets policy files spell levels by name.
func (a *AccessLevel) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	level, err := ParseAccessLevel(s)
	if err != nil {
		return err
	}
	*a = level
	return nil
}

// Priority governs scheduling order. The zero value means "not assigned".
type Priority int

const (
	PriorityBackground Priority = iota + 1
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Priorities lists every level from most to least urgent.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityBackground}

func (p Priority) String() string {
	switch p {
	case PriorityBackground:
		return "BACKGROUND"
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return "UNSET"
	}
}

// Valid reports whether p is one of the five defined levels.
func (p Priority) Valid() bool {
	return p >= PriorityBackground && p <= PriorityCritical
}

// Queued reports whether messages at this level go through the priority queues
// instead of being dispatched inline.
func (p Priority) Queued() bool {
	return p == PriorityHigh || p == PriorityCritical
}

// CredentialType identifies the authentication mechanism of a credential.
type CredentialType string

const (
	CredentialAPIKey    CredentialType = "API_KEY"
	CredentialJWT       CredentialType = "JWT"
	CredentialMutualTLS CredentialType = "MUTUAL_TLS"
	CredentialSession   CredentialType = "SESSION"
	CredentialDNS       CredentialType = "DNS"
)

// Credentials is the proof of identity attached to a message.
type Credentials struct {
	Type     CredentialType         `json:"type"`
	Value    string                 `json:"value"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}
