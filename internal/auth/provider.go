// Package auth authenticates agent messages by credential type and issues the
// credentials agents present: API keys, signed tokens and DNS records.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentland/a2a-gateway/internal/core"
	"github.com/agentland/a2a-gateway/internal/metrics"
)

// Config wires the provider. A nil JWT or DNS section leaves that mechanism
// registered but answering "not configured".
type Config struct {
	Store       KeyStore
	JWT         *JWTConfig
	DNS         *DNSConfig
	DNSVerifier DomainVerifier
	Metrics     *metrics.Metrics
}

// Provider dispatches authentication to one Authenticator per credential type.
type Provider struct {
	authenticators map[core.CredentialType]Authenticator

	keys    *apiKeyRegistry
	jwt     *jwtAuthenticator
	dns     *dnsAuthenticator
	metrics *metrics.Metrics
}

func NewProvider(cfg Config) (*Provider, error) {
	if cfg.Store == nil {
		return nil, errors.New("auth: key store is required")
	}

	p := &Provider{
		authenticators: make(map[core.CredentialType]Authenticator),
		keys:           newAPIKeyRegistry(cfg.Store),
		metrics:        cfg.Metrics,
	}
	p.Register(p.keys)

	if cfg.JWT != nil {
		j, err := newJWTAuthenticator(*cfg.JWT)
		if err != nil {
			return nil, err
		}
		p.jwt = j
		p.Register(j)
	} else {
		p.Register(unavailable{core.CredentialJWT, ReasonNotConfigured, ErrJWTNotConfigured.Error()})
	}

	if cfg.DNS != nil && cfg.DNSVerifier != nil {
		p.dns = &dnsAuthenticator{cfg: *cfg.DNS, verifier: cfg.DNSVerifier}
		p.Register(p.dns)
	} else {
		p.Register(unavailable{core.CredentialDNS, ReasonNotConfigured, ErrDNSNotConfigured.Error()})
	}

	p.Register(unavailable{core.CredentialMutualTLS, ReasonUnimplemented, "Mutual TLS authentication not implemented yet"})
	return p, nil
}

// Register installs or replaces the authenticator for its credential type.
func (p *Provider) Register(a Authenticator) {
	p.authenticators[a.Type()] = a
}

// Initialize loads persisted keys and self-tests the configured DNS domain.
// A failed DNS self-test is logged, not returned.
func (p *Provider) Initialize(ctx context.Context) error {
	n, err := p.keys.load(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize API keys: %w", err)
	}
	slog.Info("[AuthProvider] loaded API keys", "count", n)

	if p.dns != nil && p.dns.cfg.Domain != "" {
		res := p.dns.verifier.VerifyDomainAuth(ctx, p.dns.cfg.Domain, p.dns.cfg.AuthToken)
		if res.Verified {
			slog.Info("[AuthProvider] DNS authentication configuration verified", "domain", p.dns.cfg.Domain)
		} else {
			slog.Warn("[AuthProvider] DNS authentication configuration verification failed",
				"domain", p.dns.cfg.Domain, "error", res.Error)
		}
	}
	return nil
}

// Authenticate verifies the message's credentials. It never returns an error;
// failures carry a Reason.
func (p *Provider) Authenticate(ctx context.Context, msg *core.Message) Result {
	if msg.Credentials == nil {
		p.metrics.RecordAuth("none", string(ReasonNoCredentials))
		return failure(ReasonNoCredentials, "No credentials provided")
	}
	typ := msg.Credentials.Type
	a, ok := p.authenticators[typ]
	if !ok {
		p.metrics.RecordAuth(string(typ), string(ReasonUnsupportedType))
		return failure(ReasonUnsupportedType, fmt.Sprintf("Unsupported credential type: %s", typ))
	}
	res := a.Authenticate(ctx, msg)
	p.metrics.RecordAuth(string(typ), string(res.Reason))
	return res
}

// RegisterAPIKey mints a key for agentID, persists its record and returns the
// plaintext key. The plaintext is never stored.
func (p *Provider) RegisterAPIKey(ctx context.Context, agentID string, level core.AccessLevel, roles []string, expiresInDays int, metadata map[string]interface{}) (string, error) {
	key, err := GenerateAPIKey()
	if err != nil {
		return "", err
	}
	if err := p.ImportAPIKey(ctx, key, agentID, level, roles, expiresInDays, metadata); err != nil {
		return "", err
	}
	return key, nil
}

// ImportAPIKey registers a key chosen by the caller.
func (p *Provider) ImportAPIKey(ctx context.Context, key, agentID string, level core.AccessLevel, roles []string, expiresInDays int, metadata map[string]interface{}) error {
	if agentID == "" {
		return errors.New("agent id is required")
	}
	if key == "" {
		return errors.New("api key is required")
	}
	if level == 0 {
		level = core.AccessPublic
	}
	if roles == nil {
		roles = []string{}
	}
	id := Identity{AgentID: agentID, AccessLevel: level, Roles: roles, Metadata: metadata}
	if err := p.keys.register(ctx, key, id, time.Duration(expiresInDays)*24*time.Hour); err != nil {
		return fmt.Errorf("register api key: %w", err)
	}
	slog.Info("[AuthProvider] API key registered", "agent_id", agentID, "access_level", level.String(),
		"roles", roles, "expires_in_days", expiresInDays)
	return nil
}

// RevokeAPIKey disables key. It returns false if the key is unknown.
func (p *Provider) RevokeAPIKey(ctx context.Context, key string) (bool, error) {
	ok, agentID, err := p.keys.revoke(ctx, key)
	if err != nil {
		return ok, fmt.Errorf("revoke api key: %w", err)
	}
	if ok {
		slog.Info("[AuthProvider] API key revoked", "agent_id", agentID)
	}
	return ok, nil
}

// APIKeyRecord returns a copy of the stored record for key.
func (p *Provider) APIKeyRecord(key string) (*APIKeyRecord, bool) {
	return p.keys.record(key)
}

// GenerateJWT signs a token for agentID. A zero expiresIn uses the configured
// default.
func (p *Provider) GenerateJWT(agentID string, level core.AccessLevel, roles []string, expiresIn time.Duration) (string, error) {
	if p.jwt == nil {
		return "", ErrJWTNotConfigured
	}
	if level == 0 {
		level = core.AccessPublic
	}
	token, err := p.jwt.issue(agentID, level, roles, expiresIn)
	if err != nil {
		return "", err
	}
	slog.Info("[AuthProvider] JWT token generated", "agent_id", agentID)
	return token, nil
}

// CreateCredentials builds a credential of the given type for agentID. API
// keys and tokens are minted at PUBLIC level when value is empty; other types
// require a value.
func (p *Provider) CreateCredentials(ctx context.Context, agentID string, typ core.CredentialType, value string) (*core.Credentials, error) {
	if value == "" {
		var err error
		switch typ {
		case core.CredentialAPIKey:
			value, err = p.RegisterAPIKey(ctx, agentID, core.AccessPublic, nil, 0, nil)
		case core.CredentialJWT:
			value, err = p.GenerateJWT(agentID, core.AccessPublic, nil, 0)
		default:
			err = fmt.Errorf("credential value required for type %s", typ)
		}
		if err != nil {
			return nil, err
		}
	}
	return &core.Credentials{Type: typ, Value: value}, nil
}

// VerifyDomainOwnership checks the apex ownership record of domain against the
// configured verification token.
func (p *Provider) VerifyDomainOwnership(ctx context.Context, domain string) (bool, error) {
	if p.dns == nil {
		slog.Warn("[AuthProvider] domain ownership verification failed: DNS verification not configured")
		return false, ErrDNSNotConfigured
	}
	res := p.dns.verifier.VerifyDomainOwnership(ctx, domain, p.dns.cfg.VerificationToken)
	if !res.Verified {
		slog.Warn("[AuthProvider] domain ownership verification failed", "domain", domain, "error", res.Error)
	}
	return res.Verified, nil
}

// GenerateDNSVerificationRecords returns the TXT records an operator must
// publish for domain to authenticate over DNS.
func (p *Provider) GenerateDNSVerificationRecords(domain string) (DNSRecords, error) {
	if p.dns == nil {
		return DNSRecords{}, ErrDNSNotConfigured
	}
	return p.dns.records(domain), nil
}

// KeyCount reports how many key records are held, revoked ones included.
func (p *Provider) KeyCount() int {
	return p.keys.count()
}

// Close waits for background persistence to finish.
func (p *Provider) Close() {
	p.keys.wait()
}
