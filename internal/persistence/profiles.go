package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ProfileHealth is the router-owned state of one credential profile. The
// credential itself is never stored; CredentialHash detects changes across
// restarts.
type ProfileHealth struct {
	ID             string
	Provider       string
	Health         string
	CooldownUntil  *time.Time
	LastUsedAt     *time.Time
	LastFailedAt   *time.Time
	FailureCount   int
	DisabledReason string
	CredentialHash string
}

func (s *Store) SaveProfileHealth(ctx context.Context, p ProfileHealth) error {
	err := retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO auth_profiles (id, provider, health, cooldown_until, last_used_at, last_failed_at,
				failure_count, disabled_reason, credential_hash, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				provider = excluded.provider,
				health = excluded.health,
				cooldown_until = excluded.cooldown_until,
				last_used_at = excluded.last_used_at,
				last_failed_at = excluded.last_failed_at,
				failure_count = excluded.failure_count,
				disabled_reason = excluded.disabled_reason,
				credential_hash = excluded.credential_hash,
				updated_at = excluded.updated_at;
		`, p.ID, p.Provider, p.Health, nullMillis(p.CooldownUntil), nullMillis(p.LastUsedAt), nullMillis(p.LastFailedAt),
			p.FailureCount, p.DisabledReason, p.CredentialHash, toMillis(time.Now()))
		return err
	})
	if err != nil {
		return fmt.Errorf("save profile health: %w", err)
	}
	return nil
}

// LoadProfileHealth returns persisted health keyed by profile id.
func (s *Store) LoadProfileHealth(ctx context.Context) (map[string]ProfileHealth, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, health, cooldown_until, last_used_at, last_failed_at,
			failure_count, disabled_reason, credential_hash
		FROM auth_profiles;
	`)
	if err != nil {
		return nil, fmt.Errorf("load profile health: %w", err)
	}
	defer rows.Close()
	out := make(map[string]ProfileHealth)
	for rows.Next() {
		var p ProfileHealth
		var cooldown, used, failed sql.NullInt64
		if err := rows.Scan(&p.ID, &p.Provider, &p.Health, &cooldown, &used, &failed,
			&p.FailureCount, &p.DisabledReason, &p.CredentialHash); err != nil {
			return nil, fmt.Errorf("scan profile health: %w", err)
		}
		p.CooldownUntil = fromNullMillis(cooldown)
		p.LastUsedAt = fromNullMillis(used)
		p.LastFailedAt = fromNullMillis(failed)
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (s *Store) DeleteProfileHealth(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM auth_profiles WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete profile health: %w", err)
	}
	return nil
}
