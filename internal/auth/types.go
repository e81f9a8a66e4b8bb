package auth

import (
	"context"
	"time"

	"github.com/agentland/a2a-gateway/internal/core"
)

// Reason classifies an authentication failure.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonNoCredentials   Reason = "no-credentials"
	ReasonInvalidKey      Reason = "invalid-key"
	ReasonRevoked         Reason = "revoked"
	ReasonExpired         Reason = "expired"
	ReasonBadSignature    Reason = "bad-signature"
	ReasonInvalidClaims   Reason = "invalid-claims"
	ReasonDNSUnverified   Reason = "dns-unverified"
	ReasonUnimplemented   Reason = "unimplemented-mechanism"
	ReasonUnsupportedType Reason = "unsupported-type"
	ReasonNotConfigured   Reason = "not-configured"
)

// Identity is who a credential speaks for.
type Identity struct {
	AgentID     string                 `json:"agentId"`
	AccessLevel core.AccessLevel       `json:"accessLevel"`
	Roles       []string               `json:"roles"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// APIKeyRecord is the persisted form of an API key. Only the SHA-256 of the
// key is stored. Revoked keys stay in the store with Disabled set.
type APIKeyRecord struct {
	KeyHash    string     `json:"keyHash"`
	Identity   Identity   `json:"identity"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	LastUsed   *time.Time `json:"lastUsed,omitempty"`
	UsageCount int64      `json:"usageCount"`
	Disabled   bool       `json:"disabled"`
}

func (r *APIKeyRecord) clone() *APIKeyRecord {
	out := *r
	out.Identity.Roles = append([]string(nil), r.Identity.Roles...)
	return &out
}

// Result is the outcome of authenticating one message.
type Result struct {
	Authenticated bool                   `json:"authenticated"`
	AgentID       string                 `json:"agentId,omitempty"`
	AccessLevel   core.AccessLevel       `json:"accessLevel,omitempty"`
	Roles         []string               `json:"roles,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Reason        Reason                 `json:"reason,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

func failure(reason Reason, msg string) Result {
	return Result{Reason: reason, Error: msg}
}

func success(id Identity) Result {
	return Result{
		Authenticated: true,
		AgentID:       id.AgentID,
		AccessLevel:   id.AccessLevel,
		Roles:         id.Roles,
		Metadata:      id.Metadata,
	}
}

// Authenticator verifies one credential type.
type Authenticator interface {
	Type() core.CredentialType
	Authenticate(ctx context.Context, msg *core.Message) Result
}

// unavailable rejects every credential of its type with a fixed reason.
type unavailable struct {
	typ    core.CredentialType
	reason Reason
	msg    string
}

func (u unavailable) Type() core.CredentialType { return u.typ }

func (u unavailable) Authenticate(context.Context, *core.Message) Result {
	return failure(u.reason, u.msg)
}
