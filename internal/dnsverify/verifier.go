// Package dnsverify proves domain control through TXT records.
//
// Three record families are understood:
//
//	_a2a-auth.<domain>            v=A2A1; t=<token>; d=<domain>
//	<domain>                      agentland-verification=<token>
//	_security-challenge.<domain>  challenge=<token>; domain=<domain>
//
// Lookups race a timeout, and only successful resolutions are cached. No
// lookup failure ever escapes as an error: callers get Verified=false with a
// readable Error instead.
package dnsverify

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/agentland/a2a-gateway/internal/metrics"
)

const (
	AuthRecordPrefix      = "_a2a-auth"
	ChallengeRecordPrefix = "_security-challenge"
	AuthRecordVersion     = "v=A2A1"
	OwnershipMarker       = "agentland-verification="
)

var (
	ErrLookupTimeout = errors.New("DNS resolution timed out")
	ErrNoRecords     = errors.New("no TXT records found")
)

// TXTResolver is the subset of *net.Resolver the verifier needs.
type TXTResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Config tunes the verifier. Zero values take the defaults.
type Config struct {
	Timeout      time.Duration // default 5s
	CacheTTL     time.Duration // default 5m
	DisableCache bool
	Resolver     TXTResolver // default net.DefaultResolver
	Metrics      *metrics.Metrics
}

// Result is the outcome of a verification. Records holds what was seen at the
// queried name so operators can diagnose a mismatch.
type Result struct {
	Verified bool     `json:"verified"`
	Domain   string   `json:"domain"`
	Error    string   `json:"error,omitempty"`
	Records  []string `json:"records,omitempty"`
}

// Challenge is a freshly minted security-challenge token.
type Challenge struct {
	Token        string `json:"token"`
	Instructions string `json:"instructions"`
}

type cacheEntry struct {
	records  []string
	storedAt time.Time
}

// Verifier resolves and caches TXT records.
type Verifier struct {
	resolver TXTResolver
	timeout  time.Duration
	cacheTTL time.Duration
	cacheOn  bool
	metrics  *metrics.Metrics

	mu    sync.RWMutex
	cache map[string]cacheEntry

	now func() time.Time
}

func NewVerifier(cfg Config) *Verifier {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.Resolver == nil {
		cfg.Resolver = net.DefaultResolver
	}
	return &Verifier{
		resolver: cfg.Resolver,
		timeout:  cfg.Timeout,
		cacheTTL: cfg.CacheTTL,
		cacheOn:  !cfg.DisableCache,
		metrics:  cfg.Metrics,
		cache:    make(map[string]cacheEntry),
		now:      time.Now,
	}
}

// VerifyDomainAuth checks _a2a-auth.<domain> for a record carrying the
// version tag, the token and the domain in the same string.
func (v *Verifier) VerifyDomainAuth(ctx context.Context, domain, expectedToken string) Result {
	name := AuthRecordPrefix + "." + domain
	slog.Info("[DNSVerifier] verifying domain authentication", "domain", domain)
	return v.verify(ctx, domain, name, "DNS verification failed", "Authentication token not found or invalid",
		func(record string) bool {
			return strings.Contains(record, AuthRecordVersion) &&
				strings.Contains(record, "t="+expectedToken) &&
				strings.Contains(record, "d="+domain)
		})
}

// VerifyDomainOwnership checks the apex TXT records for the ownership marker.
func (v *Verifier) VerifyDomainOwnership(ctx context.Context, domain, expectedToken string) Result {
	slog.Info("[DNSVerifier] verifying domain ownership", "domain", domain)
	return v.verify(ctx, domain, domain, "Domain ownership verification failed", "Verification token not found or invalid",
		func(record string) bool {
			return strings.Contains(record, OwnershipMarker+expectedToken)
		})
}

// VerifySecurityChallenge checks _security-challenge.<domain> for a record
// naming both the challenge and the domain.
func (v *Verifier) VerifySecurityChallenge(ctx context.Context, domain, challenge string) Result {
	name := ChallengeRecordPrefix + "." + domain
	slog.Info("[DNSVerifier] verifying security challenge", "domain", domain)
	return v.verify(ctx, domain, name, "Security challenge verification failed", "Security challenge not found or invalid",
		func(record string) bool {
			return strings.Contains(record, "challenge="+challenge) &&
				strings.Contains(record, "domain="+domain)
		})
}

// GenerateSecurityChallenge mints a 16-byte random token and the record an
// operator must publish to answer it.
func (v *Verifier) GenerateSecurityChallenge() (Challenge, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return Challenge{}, fmt.Errorf("generate challenge: %w", err)
	}
	token := hex.EncodeToString(buf)
	instructions := strings.Join([]string{
		"To verify domain ownership, add this TXT record to your DNS configuration:",
		"",
		"Record Type: TXT",
		"Name: " + ChallengeRecordPrefix,
		"Value: challenge=" + token + "; domain=YOUR_DOMAIN",
		"TTL: 3600",
		"",
		"Replace YOUR_DOMAIN with your actual domain name.",
	}, "\n")
	return Challenge{Token: token, Instructions: instructions}, nil
}

// ClearCache drops every cached resolution.
func (v *Verifier) ClearCache() {
	v.mu.Lock()
	v.cache = make(map[string]cacheEntry)
	v.mu.Unlock()
	slog.Info("[DNSVerifier] cache cleared")
}

func (v *Verifier) verify(ctx context.Context, domain, name, failPrefix, mismatch string, match func(string) bool) Result {
	records, err := v.lookup(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNoRecords) {
			return Result{Domain: domain, Error: "No TXT records found for: " + name, Records: []string{}}
		}
		return Result{Domain: domain, Error: fmt.Sprintf("%s: %v", failPrefix, err)}
	}

	for _, record := range records {
		if match(record) {
			return Result{Verified: true, Domain: domain, Records: records}
		}
	}
	return Result{Domain: domain, Error: mismatch, Records: records}
}

// lookup returns the TXT strings at name, consulting the cache first. The
// resolver runs under a deadline; on expiry the resolver's context is
// cancelled and ErrLookupTimeout is returned without waiting for it.
func (v *Verifier) lookup(ctx context.Context, name string) ([]string, error) {
	if records, ok := v.cached(name); ok {
		slog.Debug("[DNSVerifier] using cached TXT records", "name", name)
		v.metrics.RecordDNSLookup("cache_hit", 0)
		return records, nil
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	type answer struct {
		records []string
		err     error
	}
	ch := make(chan answer, 1)
	go func() {
		records, err := v.resolver.LookupTXT(ctx, name)
		ch <- answer{records, err}
	}()

	var ans answer
	select {
	case ans = <-ch:
	case <-ctx.Done():
		ans.err = ctx.Err()
	}

	// The resolver may lose the race by returning the context's own error.
	if ans.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		v.metrics.RecordDNSLookup("timeout", time.Since(start))
		slog.Warn("[DNSVerifier] lookup timed out", "name", name, "timeout", v.timeout)
		return nil, fmt.Errorf("%w for %s", ErrLookupTimeout, name)
	}
	if ans.err != nil {
		var dnsErr *net.DNSError
		if errors.As(ans.err, &dnsErr) && dnsErr.IsNotFound {
			v.metrics.RecordDNSLookup("empty", time.Since(start))
			return nil, ErrNoRecords
		}
		v.metrics.RecordDNSLookup("error", time.Since(start))
		slog.Error("[DNSVerifier] failed to resolve TXT records", "name", name, "error", ans.err)
		return nil, ans.err
	}
	if len(ans.records) == 0 {
		v.metrics.RecordDNSLookup("empty", time.Since(start))
		return nil, ErrNoRecords
	}

	v.metrics.RecordDNSLookup("resolved", time.Since(start))
	v.store(name, ans.records)
	return ans.records, nil
}

// cached returns a copy of the live entry for name. A stale entry is dropped.
func (v *Verifier) cached(name string) ([]string, bool) {
	if !v.cacheOn {
		return nil, false
	}
	v.mu.RLock()
	entry, ok := v.cache[name]
	v.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if v.now().Sub(entry.storedAt) >= v.cacheTTL {
		v.mu.Lock()
		if cur, ok := v.cache[name]; ok && cur.storedAt.Equal(entry.storedAt) {
			delete(v.cache, name)
		}
		v.mu.Unlock()
		return nil, false
	}
	return append([]string(nil), entry.records...), true
}

func (v *Verifier) store(name string, records []string) {
	if !v.cacheOn {
		return
	}
	v.mu.Lock()
	v.cache[name] = cacheEntry{records: append([]string(nil), records...), storedAt: v.now()}
	v.mu.Unlock()
}
