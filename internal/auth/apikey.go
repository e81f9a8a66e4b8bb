package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentland/a2a-gateway/internal/core"
)

// APIKeyPrefix marks keys minted by this service.
const APIKeyPrefix = "a2a_"

// GenerateAPIKey returns a prefixed key built from 32 random bytes.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return APIKeyPrefix + hex.EncodeToString(buf), nil
}

// HashAPIKey is the lookup key under which a record is stored.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// apiKeyRegistry owns the in-memory key records and writes them through to a
// KeyStore. Registration and revocation persist synchronously; usage updates
// mark the set dirty and a single background flusher writes them out.
type apiKeyRegistry struct {
	store KeyStore

	mu   sync.RWMutex
	keys map[string]*APIKeyRecord

	saveMu  sync.Mutex
	pending sync.WaitGroup

	flushMu  sync.Mutex
	dirty    bool
	flushing bool

	now func() time.Time
}

func newAPIKeyRegistry(store KeyStore) *apiKeyRegistry {
	return &apiKeyRegistry{
		store: store,
		keys:  make(map[string]*APIKeyRecord),
		now:   time.Now,
	}
}

func (r *apiKeyRegistry) Type() core.CredentialType { return core.CredentialAPIKey }

func (r *apiKeyRegistry) load(ctx context.Context) (int, error) {
	records, err := r.store.Load(ctx)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		r.keys[rec.KeyHash] = rec
	}
	return len(records), nil
}

func (r *apiKeyRegistry) Authenticate(_ context.Context, msg *core.Message) Result {
	hash := HashAPIKey(msg.Credentials.Value)

	r.mu.Lock()
	rec, ok := r.keys[hash]
	if !ok {
		r.mu.Unlock()
		return failure(ReasonInvalidKey, "Invalid API key")
	}
	if rec.Disabled {
		r.mu.Unlock()
		return failure(ReasonRevoked, "API key has been revoked")
	}
	now := r.now()
	if rec.ExpiresAt != nil && rec.ExpiresAt.Before(now) {
		r.mu.Unlock()
		return failure(ReasonExpired, "API key has expired")
	}
	rec.LastUsed = &now
	rec.UsageCount++
	id := rec.Identity
	id.Roles = append([]string(nil), rec.Identity.Roles...)
	r.mu.Unlock()

	r.markUsed()
	return success(id)
}

// markUsed schedules a usage flush. Authentications that land while a flush
// is running are folded into one follow-up write.
func (r *apiKeyRegistry) markUsed() {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	r.dirty = true
	if r.flushing {
		return
	}
	r.flushing = true
	r.pending.Add(1)
	go r.flushUsage()
}

func (r *apiKeyRegistry) flushUsage() {
	defer r.pending.Done()
	for {
		r.flushMu.Lock()
		if !r.dirty {
			r.flushing = false
			r.flushMu.Unlock()
			return
		}
		r.dirty = false
		r.flushMu.Unlock()

		if err := r.persist(context.Background()); err != nil {
			slog.Error("[AuthProvider] failed to persist api key usage", "error", err)
		}
	}
}

func (r *apiKeyRegistry) register(ctx context.Context, key string, id Identity, expiresIn time.Duration) error {
	now := r.now()
	rec := &APIKeyRecord{
		KeyHash:   HashAPIKey(key),
		Identity:  id,
		CreatedAt: now,
	}
	if expiresIn > 0 {
		exp := now.Add(expiresIn)
		rec.ExpiresAt = &exp
	}

	r.mu.Lock()
	if _, exists := r.keys[rec.KeyHash]; exists {
		r.mu.Unlock()
		return fmt.Errorf("api key already registered")
	}
	r.keys[rec.KeyHash] = rec
	r.mu.Unlock()

	if err := r.persist(ctx); err != nil {
		r.mu.Lock()
		if r.keys[rec.KeyHash] == rec {
			delete(r.keys, rec.KeyHash)
		}
		r.mu.Unlock()
		return err
	}
	return nil
}

// revoke disables the key. It reports false if the key was never registered.
func (r *apiKeyRegistry) revoke(ctx context.Context, key string) (bool, string, error) {
	r.mu.Lock()
	rec, ok := r.keys[HashAPIKey(key)]
	if !ok {
		r.mu.Unlock()
		return false, "", nil
	}
	rec.Disabled = true
	agentID := rec.Identity.AgentID
	r.mu.Unlock()

	return true, agentID, r.persist(ctx)
}

// record returns a copy of the record stored for key.
func (r *apiKeyRegistry) record(key string) (*APIKeyRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.keys[HashAPIKey(key)]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

func (r *apiKeyRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

// persist writes a snapshot of every record. Writers are serialized so the
// store always ends with the newest snapshot.
func (r *apiKeyRegistry) persist(ctx context.Context) error {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.RLock()
	snapshot := make([]*APIKeyRecord, 0, len(r.keys))
	for _, rec := range r.keys {
		snapshot = append(snapshot, rec.clone())
	}
	r.mu.RUnlock()
	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].CreatedAt.Equal(snapshot[j].CreatedAt) {
			return snapshot[i].KeyHash < snapshot[j].KeyHash
		}
		return snapshot[i].CreatedAt.Before(snapshot[j].CreatedAt)
	})

	return r.store.Save(ctx, snapshot)
}

func (r *apiKeyRegistry) wait() {
	r.pending.Wait()
}
