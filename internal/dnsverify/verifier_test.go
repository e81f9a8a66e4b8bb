package dnsverify

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResolver serves TXT records from a map and counts lookups per name.
type fakeResolver struct {
	mu      sync.Mutex
	records map[string][]string
	errs    map[string]error
	block   bool
	calls   map[string]int
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		records: map[string][]string{},
		errs:    map[string]error{},
		calls:   map[string]int{},
	}
}

func (f *fakeResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	f.mu.Lock()
	f.calls[name]++
	block := f.block
	recs, err := f.records[name], f.errs[name]
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if recs == nil {
		return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
	}
	return recs, nil
}

func (f *fakeResolver) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func TestVerifyDomainAuth_AcceptsCompleteRecord(t *testing.T) {
	r := newFakeResolver()
	r.records["_a2a-auth.example.org"] = []string{"unrelated", "v=A2A1; t=TOK123; d=example.org"}
	v := NewVerifier(Config{Resolver: r})

	res := v.VerifyDomainAuth(context.Background(), "example.org", "TOK123")
	assert.True(t, res.Verified)
	assert.Empty(t, res.Error)
	assert.Equal(t, "example.org", res.Domain)
	assert.Len(t, res.Records, 2)
}

func TestVerifyDomainAuth_RequiresAllMarkersInOneString(t *testing.T) {
	r := newFakeResolver()
	r.records["_a2a-auth.example.org"] = []string{"v=A2A1; t=TOK123"}
	r.records["_a2a-auth.split.org"] = []string{"v=A2A1; t=TOK123", "d=split.org"}
	v := NewVerifier(Config{Resolver: r})

	res := v.VerifyDomainAuth(context.Background(), "example.org", "TOK123")
	assert.False(t, res.Verified, "record without d= marker must not verify")
	assert.Equal(t, "Authentication token not found or invalid", res.Error)

	res = v.VerifyDomainAuth(context.Background(), "split.org", "TOK123")
	assert.False(t, res.Verified, "markers spread over two strings must not verify")
}

func TestVerifyDomainAuth_NoRecords(t *testing.T) {
	v := NewVerifier(Config{Resolver: newFakeResolver()})
	res := v.VerifyDomainAuth(context.Background(), "missing.org", "T")
	assert.False(t, res.Verified)
	assert.Equal(t, "No TXT records found for: _a2a-auth.missing.org", res.Error)
}

func TestVerifyDomainOwnership(t *testing.T) {
	r := newFakeResolver()
	r.records["example.org"] = []string{"google-site-verification=x", "agentland-verification=abc"}
	v := NewVerifier(Config{Resolver: r})

	assert.True(t, v.VerifyDomainOwnership(context.Background(), "example.org", "abc").Verified)

	res := v.VerifyDomainOwnership(context.Background(), "example.org", "zzz")
	assert.False(t, res.Verified)
	assert.Equal(t, "Verification token not found or invalid", res.Error)
}

func TestVerifySecurityChallenge(t *testing.T) {
	r := newFakeResolver()
	v := NewVerifier(Config{Resolver: r})

	ch, err := v.GenerateSecurityChallenge()
	require.NoError(t, err)
	assert.Len(t, ch.Token, 32)
	assert.Contains(t, ch.Instructions, "challenge="+ch.Token)

	r.records["_security-challenge.example.org"] = []string{"challenge=" + ch.Token + "; domain=example.org"}
	assert.True(t, v.VerifySecurityChallenge(context.Background(), "example.org", ch.Token).Verified)
	assert.False(t, v.VerifySecurityChallenge(context.Background(), "example.org", "other").Verified)
}

func TestLookup_TimeoutIsReportedNotHung(t *testing.T) {
	r := newFakeResolver()
	r.block = true
	v := NewVerifier(Config{Resolver: r, Timeout: 20 * time.Millisecond})

	start := time.Now()
	res := v.VerifyDomainAuth(context.Background(), "slow.org", "T")
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, res.Verified)
	assert.Contains(t, res.Error, "timed out")

	_, err := v.lookup(context.Background(), "_a2a-auth.slow.org")
	assert.ErrorIs(t, err, ErrLookupTimeout)
}

func TestLookup_ResolverErrorsAreNonFatal(t *testing.T) {
	r := newFakeResolver()
	r.errs["_a2a-auth.broken.org"] = errors.New("server misbehaving")
	v := NewVerifier(Config{Resolver: r})

	res := v.VerifyDomainAuth(context.Background(), "broken.org", "T")
	assert.False(t, res.Verified)
	assert.Contains(t, res.Error, "server misbehaving")
}

func TestCache_OnlySuccessfulLookupsAreCached(t *testing.T) {
	r := newFakeResolver()
	v := NewVerifier(Config{Resolver: r, CacheTTL: time.Minute})
	now := time.Now()
	v.now = func() time.Time { return now }

	// Failed lookup: not cached.
	v.VerifyDomainAuth(context.Background(), "example.org", "T")
	v.VerifyDomainAuth(context.Background(), "example.org", "T")
	assert.Equal(t, 2, r.callCount("_a2a-auth.example.org"))

	r.mu.Lock()
	r.records["_a2a-auth.example.org"] = []string{"v=A2A1; t=T; d=example.org"}
	r.mu.Unlock()

	assert.True(t, v.VerifyDomainAuth(context.Background(), "example.org", "T").Verified)
	assert.True(t, v.VerifyDomainAuth(context.Background(), "example.org", "T").Verified)
	assert.Equal(t, 3, r.callCount("_a2a-auth.example.org"), "second success served from cache")

	now = now.Add(2 * time.Minute)
	v.VerifyDomainAuth(context.Background(), "example.org", "T")
	assert.Equal(t, 4, r.callCount("_a2a-auth.example.org"), "expired entry resolved again")

	v.ClearCache()
	v.VerifyDomainAuth(context.Background(), "example.org", "T")
	assert.Equal(t, 5, r.callCount("_a2a-auth.example.org"))
}

func TestCache_Disabled(t *testing.T) {
	r := newFakeResolver()
	r.records["_a2a-auth.example.org"] = []string{"v=A2A1; t=T; d=example.org"}
	v := NewVerifier(Config{Resolver: r, DisableCache: true})

	v.VerifyDomainAuth(context.Background(), "example.org", "T")
	v.VerifyDomainAuth(context.Background(), "example.org", "T")
	assert.Equal(t, 2, r.callCount("_a2a-auth.example.org"))
}

func TestCache_ReturnsCopies(t *testing.T) {
	r := newFakeResolver()
	r.records["_a2a-auth.example.org"] = []string{"v=A2A1; t=T; d=example.org"}
	v := NewVerifier(Config{Resolver: r, CacheTTL: time.Minute})

	first := v.VerifyDomainAuth(context.Background(), "example.org", "T")
	require.True(t, first.Verified)
	first.Records[0] = "tampered"
	r.mu.Lock()
	r.records["_a2a-auth.example.org"][0] = "changed upstream"
	r.mu.Unlock()

	second := v.VerifyDomainAuth(context.Background(), "example.org", "T")
	assert.True(t, second.Verified)
	assert.Equal(t, []string{"v=A2A1; t=T; d=example.org"}, second.Records)
	assert.Equal(t, 1, r.callCount("_a2a-auth.example.org"))
}

func TestCache_StaleEntriesDropped(t *testing.T) {
	r := newFakeResolver()
	r.records["_a2a-auth.example.org"] = []string{"v=A2A1; t=T; d=example.org"}
	v := NewVerifier(Config{Resolver: r, CacheTTL: time.Minute})
	now := time.Now()
	v.now = func() time.Time { return now }

	require.True(t, v.VerifyDomainAuth(context.Background(), "example.org", "T").Verified)
	v.mu.RLock()
	assert.Len(t, v.cache, 1)
	v.mu.RUnlock()

	r.mu.Lock()
	r.errs["_a2a-auth.example.org"] = errors.New("servfail")
	r.mu.Unlock()
	now = now.Add(2 * time.Minute)

	assert.False(t, v.VerifyDomainAuth(context.Background(), "example.org", "T").Verified)
	v.mu.RLock()
	defer v.mu.RUnlock()
	assert.Empty(t, v.cache, "expired entry is swept and the failure is not cached")
}
