package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentland/a2a-gateway/internal/core"
	"github.com/agentland/a2a-gateway/internal/dnsverify"
)

var ErrDNSNotConfigured = errors.New("DNS authentication is not configured")

// DomainVerifier is satisfied by *dnsverify.Verifier.
type DomainVerifier interface {
	VerifyDomainAuth(ctx context.Context, domain, expectedToken string) dnsverify.Result
	VerifyDomainOwnership(ctx context.Context, domain, expectedToken string) dnsverify.Result
}

// DNSConfig names the tokens this service expects to find in DNS.
type DNSConfig struct {
	Domain            string // own domain, self-tested on Initialize
	AuthToken         string
	VerificationToken string
}

// DNSRecord is one TXT record an operator must publish.
type DNSRecord struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value"`
	TTL   int    `json:"ttl"`
}

// DNSRecords is the publication bundle for one domain.
type DNSRecords struct {
	Records      []DNSRecord `json:"records"`
	Instructions string      `json:"instructions"`
}

const recommendedRecordTTL = 3600

type dnsAuthenticator struct {
	cfg      DNSConfig
	verifier DomainVerifier
}

func (d *dnsAuthenticator) Type() core.CredentialType { return core.CredentialDNS }

// Authenticate treats the credential value as a domain name.
func (d *dnsAuthenticator) Authenticate(ctx context.Context, msg *core.Message) Result {
	domain := strings.ToLower(strings.TrimSpace(msg.Credentials.Value))
	if domain == "" {
		return failure(ReasonDNSUnverified, "DNS authentication failed: empty domain")
	}

	res := d.verifier.VerifyDomainAuth(ctx, domain, d.cfg.AuthToken)
	if !res.Verified {
		reason := res.Error
		if reason == "" {
			reason = "DNS authentication failed"
		}
		return failure(ReasonDNSUnverified, reason)
	}

	agentID := msg.From
	if agentID == "" {
		agentID = "dns-agent-" + domain
	}
	slog.Info("[AuthProvider] DNS authentication successful", "domain", domain, "agent_id", agentID)

	return success(Identity{
		AgentID:     agentID,
		AccessLevel: core.AccessProtected,
		Roles:       []string{"domain:" + domain},
		Metadata: map[string]interface{}{
			"authenticationType": "dns",
			"verifiedDomain":     domain,
		},
	})
}

func (d *dnsAuthenticator) records(domain string) DNSRecords {
	authValue := fmt.Sprintf("%s; t=%s; d=%s", dnsverify.AuthRecordVersion, d.cfg.AuthToken, domain)
	ownValue := dnsverify.OwnershipMarker + d.cfg.VerificationToken

	instructions := strings.Join([]string{
		"# DNS Verification Records for Agent-to-Agent Communication",
		"",
		"Add the following TXT records to your DNS configuration:",
		"",
		"1. Authentication Record:",
		"Type: TXT",
		"Name: " + dnsverify.AuthRecordPrefix,
		"Value: " + authValue,
		fmt.Sprintf("TTL: %d", recommendedRecordTTL),
		"",
		"2. Domain Verification Record:",
		"Type: TXT",
		"Name: @",
		"Value: " + ownValue,
		fmt.Sprintf("TTL: %d", recommendedRecordTTL),
		"",
		"Once added, allow time for DNS propagation (typically 15 minutes to 24 hours).",
	}, "\n")

	return DNSRecords{
		Records: []DNSRecord{
			{Type: "TXT", Name: dnsverify.AuthRecordPrefix, Value: authValue, TTL: recommendedRecordTTL},
			{Type: "TXT", Name: "@", Value: ownValue, TTL: recommendedRecordTTL},
		},
		Instructions: instructions,
	}
}
