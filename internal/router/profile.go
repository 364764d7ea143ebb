package router

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/taskd/internal/config"
)

// Health is a profile's position in the router state machine.
type Health string

const (
	HealthUnknown  Health = "unknown"
	HealthHealthy  Health = "healthy"
	HealthCooldown Health = "cooldown"
	HealthDisabled Health = "disabled"
)

// Profile is one credential for one provider. Health fields are written only
// by the Router.
type Profile struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Provider       string    `json:"provider"`
	Source         string    `json:"source"`
	Priority       int       `json:"priority"`
	Credential     string    `json:"-"`
	Health         Health    `json:"health"`
	CooldownUntil  time.Time `json:"cooldown_until,omitzero"`
	LastUsedAt     time.Time `json:"last_used_at,omitzero"`
	LastFailedAt   time.Time `json:"last_failed_at,omitzero"`
	FailureCount   int       `json:"failure_count"`
	DisabledReason string    `json:"disabled_reason,omitempty"`
}

// LogValue keeps the credential out of logs.
func (p Profile) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", p.ID),
		slog.String("provider", p.Provider),
		slog.String("source", p.Source),
		slog.String("health", string(p.Health)),
	)
}

func sourceRank(source string) int {
	switch source {
	case config.SourceManual:
		return 0
	case config.SourceEnvironment:
		return 1
	case config.SourceDiscovered:
		return 2
	}
	return 3
}

func credentialHash(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:8])
}

// entry owns one profile's mutable health behind its own mutex.
type entry struct {
	mu             sync.Mutex
	p              Profile
	credHash       string
	configDisabled bool
}

// eligible reports whether the profile may be selected at now, lazily
// reverting an expired cooldown to unknown. Callers hold e.mu.
func (e *entry) eligible(now time.Time) (ok bool, reverted bool) {
	switch e.p.Health {
	case HealthDisabled:
		return false, false
	case HealthCooldown:
		if now.Before(e.p.CooldownUntil) {
			return false, false
		}
		e.p.Health = HealthUnknown
		e.p.CooldownUntil = time.Time{}
		return true, true
	}
	return true, false
}

// less orders candidates for selection: source rank, priority, least
// recently selected, then id.
func less(a, b Profile) bool {
	if ra, rb := sourceRank(a.Source), sourceRank(b.Source); ra != rb {
		return ra < rb
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.LastUsedAt.Equal(b.LastUsedAt) {
		return a.LastUsedAt.Before(b.LastUsedAt)
	}
	return a.ID < b.ID
}
