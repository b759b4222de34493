package rule

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pitabwire/fhirbridge/model"
)

// ErrNoRuleSet is returned when the store holds no rule set.
var ErrNoRuleSet = errors.New("rule: no rule set stored")

// Schema creates the rule set table.
const Schema = `
CREATE TABLE IF NOT EXISTS rule_sets (
	version    BIGINT PRIMARY KEY,
	checksum   TEXT NOT NULL,
	document   TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PgStore is a PostgreSQL-backed rule configuration store using pgx/v5.
// Each row is a complete YAML rule set document; the highest version is
// the active one.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL rule store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates the rule set table if it does not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create rule_sets: %w", err)
	}
	return nil
}

// Save stores a YAML rule set document under the version it declares.
func (s *PgStore) Save(ctx context.Context, document []byte) (model.RuleSet, error) {
	set, err := Parse(document)
	if err != nil {
		return model.RuleSet{}, fmt.Errorf("parse rule set: %w", err)
	}
	if set.Version <= 0 {
		return model.RuleSet{}, fmt.Errorf("rule set version must be positive, got %d", set.Version)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO rule_sets (version, checksum, document)
		VALUES ($1, $2, $3)`,
		set.Version, fmt.Sprintf("%x", sha256.Sum256(document)), string(document),
	)
	if err != nil {
		return model.RuleSet{}, fmt.Errorf("insert rule set: %w", err)
	}
	return set, nil
}

// LatestVersion returns the highest stored version.
func (s *PgStore) LatestVersion(ctx context.Context) (int64, error) {
	var version *int64
	err := s.pool.QueryRow(ctx, `SELECT max(version) FROM rule_sets`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("query latest version: %w", err)
	}
	if version == nil {
		return 0, ErrNoRuleSet
	}
	return *version, nil
}

// Latest loads the rule set with the highest version.
func (s *PgStore) Latest(ctx context.Context) (model.RuleSet, error) {
	var (
		version  int64
		document string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT version, document
		FROM rule_sets
		ORDER BY version DESC
		LIMIT 1`,
	).Scan(&version, &document)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RuleSet{}, ErrNoRuleSet
	}
	if err != nil {
		return model.RuleSet{}, fmt.Errorf("query rule set: %w", err)
	}

	set, err := Parse([]byte(document))
	if err != nil {
		return model.RuleSet{}, fmt.Errorf("parse rule set %d: %w", version, err)
	}
	set.Version = version
	set.Source = fmt.Sprintf("postgres:rule_sets@%d", version)
	return set, nil
}

// Poll checks for a newer rule set every interval and publishes it into the
// registry until ctx is cancelled. A rejected version is not retried until a
// newer one is stored.
func (s *PgStore) Poll(ctx context.Context, registry *Registry, interval time.Duration, logger *zap.Logger, onReload ReloadFunc) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seen := registry.Version()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		latest, err := s.LatestVersion(ctx)
		if err != nil {
			if !errors.Is(err, ErrNoRuleSet) {
				logger.Error("rule store poll failed", zap.Error(err))
			}
			continue
		}
		if latest <= seen {
			continue
		}
		seen = latest

		set, err := s.Latest(ctx)
		if err == nil {
			var snap *Snapshot
			snap, err = registry.Replace(set)
			if err == nil {
				logger.Info("rules reloaded", zap.Int64("version", snap.Version()), zap.String("source", snap.Source()))
				if onReload != nil {
					onReload(snap, nil)
				}
				continue
			}
		}
		logger.Warn("rule set rejected, keeping previous rule set", zap.Int64("version", latest), zap.Error(err))
		if onReload != nil {
			onReload(nil, err)
		}
	}
}
