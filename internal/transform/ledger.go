package transform

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/fhirbridge/model"
)

// DefaultLedgerTTL is how long a handoff is remembered when no TTL is
// configured.
const DefaultLedgerTTL = 24 * time.Hour

// reservationTTL bounds how long a crashed run can block its ledger key.
const reservationTTL = time.Minute

// Ledger remembers which effects were already handed off to the repository so
// that a caller retrying a run for the same source version does not apply the
// effect twice. The key format is "handoff:{ruleId}:{Type/id}:{lastUpdated}".
type Ledger interface {
	// Check looks up a previous handoff by key. It reports found only when
	// the stored effect hash matches; a different hash means the run now
	// produces another effect and must be handed off again.
	Check(ctx context.Context, key string, effectHash string) (entry *LedgerEntry, found bool, err error)

	// Record saves a handoff under key with a TTL.
	Record(ctx context.Context, key string, effectHash string, entry LedgerEntry, ttl time.Duration) error

	// Reserve claims key for runID until Release or ttl. It reports false
	// when another run holds the reservation, so only one run can hand off
	// between a Check miss and the matching Record.
	Reserve(ctx context.Context, key string, runID string, ttl time.Duration) (bool, error)

	// Release drops the reservation of key if runID still holds it.
	Release(ctx context.Context, key string, runID string) error
}

// reservationKey is where the reservation of a ledger key is stored.
func reservationKey(key string) string { return key + ":lock" }

// LedgerEntry is what the ledger keeps about an applied effect.
type LedgerEntry struct {
	RunID     string              `json:"run_id"`
	Operation model.OperationType `json:"operation"`
	Target    model.ResourceID    `json:"target"`
	AppliedAt time.Time           `json:"applied_at"`
}

// ledgerRecord is the stored value for a ledger key.
type ledgerRecord struct {
	EffectHash string      `json:"effect_hash"`
	Entry      LedgerEntry `json:"entry"`
}

// FormatLedgerKey builds the ledger key of a run. It returns "" when the
// source version is unknown; such runs cannot be told apart from a newer
// version of the same source and bypass the ledger.
func FormatLedgerKey(ruleID string, source model.ResourceID, lastUpdated time.Time) string {
	if lastUpdated.IsZero() || source.IsZero() {
		return ""
	}
	return fmt.Sprintf("handoff:%s:%s:%s", ruleID, source, lastUpdated.UTC().Format(time.RFC3339Nano))
}

// EffectHash hashes the operation and output document of a run. Map keys are
// sorted by encoding/json, so equal documents hash equally.
func EffectHash(op model.OperationRequest, output map[string]any) (string, error) {
	target, _ := op.Target()
	data, err := json.Marshal(struct {
		Operation model.OperationType `json:"operation"`
		Target    model.ResourceID    `json:"target"`
		Output    map[string]any      `json:"output"`
	}{op.Type(), target, output})
	if err != nil {
		return "", fmt.Errorf("hashing effect: %w", err)
	}
	return fmt.Sprintf("%x", sha256.Sum256(data)), nil
}

// --- MemoryLedger ---

// MemoryLedger is an in-memory Ledger with TTL support.
// Suitable for testing and single-instance deployments.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	holds   map[string]memHold
}

type memHold struct {
	runID     string
	expiresAt time.Time
}

type memEntry struct {
	data      ledgerRecord
	expiresAt time.Time
}

// NewMemoryLedger creates a new in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		entries: make(map[string]*memEntry),
		holds:   make(map[string]memHold),
	}
}

// Check looks up a previous handoff.
func (l *MemoryLedger) Check(_ context.Context, key string, effectHash string) (*LedgerEntry, bool, error) {
	l.mu.RLock()
	entry, exists := l.entries[key]
	l.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}

	if time.Now().After(entry.expiresAt) {
		l.mu.Lock()
		// A Record may have replaced the entry between the two locks.
		if cur, ok := l.entries[key]; ok && time.Now().After(cur.expiresAt) {
			delete(l.entries, key)
		}
		l.mu.Unlock()
		return nil, false, nil
	}

	if entry.data.EffectHash != effectHash {
		return nil, false, nil
	}

	result := entry.data.Entry
	return &result, true, nil
}

// Record saves a handoff with TTL.
func (l *MemoryLedger) Record(_ context.Context, key string, effectHash string, entry LedgerEntry, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[key] = &memEntry{
		data: ledgerRecord{
			EffectHash: effectHash,
			Entry:      entry,
		},
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Reserve claims key for runID.
func (l *MemoryLedger) Reserve(_ context.Context, key string, runID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if h, ok := l.holds[key]; ok && now.Before(h.expiresAt) && h.runID != runID {
		return false, nil
	}
	l.holds[key] = memHold{runID: runID, expiresAt: now.Add(ttl)}
	return true, nil
}

// Release drops the reservation of key held by runID.
func (l *MemoryLedger) Release(_ context.Context, key string, runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h, ok := l.holds[key]; ok && h.runID == runID {
		delete(l.holds, key)
	}
	return nil
}

// HealthCheck always succeeds.
func (l *MemoryLedger) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// --- RedisLedger ---

// RedisLedger is a Redis-backed Ledger with TTL, shared by all instances.
type RedisLedger struct {
	client redis.Cmdable
}

// NewRedisLedger creates a new Redis-backed ledger.
func NewRedisLedger(client redis.Cmdable) *RedisLedger {
	return &RedisLedger{client: client}
}

// Check looks up a previous handoff in Redis.
func (l *RedisLedger) Check(ctx context.Context, key string, effectHash string) (*LedgerEntry, bool, error) {
	raw, err := l.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var rec ledgerRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("unmarshal ledger entry %q: %w", key, err)
	}

	if rec.EffectHash != effectHash {
		return nil, false, nil
	}

	return &rec.Entry, true, nil
}

// Record saves a handoff in Redis with TTL.
func (l *RedisLedger) Record(ctx context.Context, key string, effectHash string, entry LedgerEntry, ttl time.Duration) error {
	data, err := json.Marshal(ledgerRecord{
		EffectHash: effectHash,
		Entry:      entry,
	})
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}

	if err := l.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// releaseScript deletes a reservation only when its value is still the
// caller's run id.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Reserve claims key for runID with SET NX.
func (l *RedisLedger) Reserve(ctx context.Context, key string, runID string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, reservationKey(key), runID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", reservationKey(key), err)
	}
	return ok, nil
}

// Release drops the reservation of key if runID still holds it.
func (l *RedisLedger) Release(ctx context.Context, key string, runID string) error {
	if err := releaseScript.Run(ctx, l.client, []string{reservationKey(key)}, runID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release %q: %w", reservationKey(key), err)
	}
	return nil
}

// HealthCheck pings Redis.
func (l *RedisLedger) HealthCheck(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
