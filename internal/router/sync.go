package router

import (
	"context"
	"time"

	"github.com/basket/taskd/internal/audit"
	"github.com/basket/taskd/internal/config"
	"github.com/basket/taskd/internal/persistence"
)

const (
	reasonConfigDisabled    = "disabled in configuration"
	reasonMissingCredential = "config: missing credential"
)

// Sync reconciles the registry with the resolved configuration. Profiles
// that are unchanged keep their health; a changed credential resets health
// and re-enables a disabled profile; removed profiles are forgotten. On
// first sight of a profile, persisted health is restored when the stored
// credential hash still matches.
func (r *Router) Sync(ctx context.Context, profiles []config.ResolvedProfile) error {
	var persisted map[string]persistence.ProfileHealth
	if r.opts.Store != nil {
		var err error
		persisted, err = r.opts.Store.LoadProfileHealth(ctx)
		if err != nil {
			r.logger.Warn("load persisted profile health failed", "error", err)
		}
	}

	type change struct {
		p       Profile
		hash    string
		from    Health
		reason  string
		enabled bool
	}
	var changes []change
	var removed []string

	seen := make(map[string]bool, len(profiles))
	r.mu.Lock()
	for _, rp := range profiles {
		seen[rp.ID] = true
		hash := credentialHash(rp.Credential)
		e, ok := r.profiles[rp.ID]
		if ok && e.p.Provider != rp.Provider {
			ok = false
		}
		if !ok {
			e = newEntry(rp, hash, persisted)
			r.profiles[rp.ID] = e
			changes = append(changes, change{p: e.p, hash: hash, from: e.p.Health})
			continue
		}

		e.mu.Lock()
		from := e.p.Health
		credChanged := e.credHash != hash
		wasConfigDisabled := e.configDisabled
		e.p.Name = rp.Name
		e.p.Source = rp.Source
		e.p.Priority = rp.Priority
		e.p.Credential = rp.Credential
		e.credHash = hash
		e.configDisabled = rp.Disabled

		reason := ""
		enabled := false
		switch {
		case rp.Disabled:
			if from != HealthDisabled {
				e.p.Health = HealthDisabled
				e.p.DisabledReason = reasonConfigDisabled
				reason = reasonConfigDisabled
			}
		case rp.Credential == "":
			if from != HealthDisabled {
				e.p.Health = HealthDisabled
				e.p.DisabledReason = reasonMissingCredential
				reason = reasonMissingCredential
			}
		case credChanged || (from == HealthDisabled && wasConfigDisabled):
			e.p.Health = HealthUnknown
			e.p.CooldownUntil = time.Time{}
			e.p.FailureCount = 0
			e.p.DisabledReason = ""
			if from != HealthUnknown {
				reason = "reconfigured"
				enabled = from == HealthDisabled
			}
		}
		p := e.p
		e.mu.Unlock()
		if reason != "" || credChanged {
			changes = append(changes, change{p: p, hash: hash, from: from, reason: reason, enabled: enabled})
		}
	}
	for id := range r.profiles {
		if !seen[id] {
			delete(r.profiles, id)
			removed = append(removed, id)
		}
	}
	r.mu.Unlock()

	for _, c := range changes {
		if c.enabled {
			r.opts.Audit.Record(ctx, audit.ActionProfileEnabled, c.p.ID, string(c.p.Health), c.reason, "config")
		}
		if c.p.Health == HealthDisabled && c.from != HealthDisabled {
			r.opts.Audit.Record(ctx, audit.ActionProfileDisabled, c.p.ID, string(c.p.Health), c.p.DisabledReason, "config")
		}
		if c.reason != "" && c.p.Health != c.from {
			r.transition(c.p, c.from, c.reason)
		}
		r.persist(ctx, c.p, c.hash)
	}
	for _, id := range removed {
		r.logger.Info("profile removed", "profile_id", id)
		if r.opts.Store != nil {
			if err := r.opts.Store.DeleteProfileHealth(ctx, id); err != nil {
				r.logger.Warn("delete profile health failed", "profile_id", id, "error", err)
			}
		}
	}
	return nil
}

func newEntry(rp config.ResolvedProfile, hash string, persisted map[string]persistence.ProfileHealth) *entry {
	e := &entry{
		p: Profile{
			ID:         rp.ID,
			Name:       rp.Name,
			Provider:   rp.Provider,
			Source:     rp.Source,
			Priority:   rp.Priority,
			Credential: rp.Credential,
			Health:     HealthUnknown,
		},
		credHash:       hash,
		configDisabled: rp.Disabled,
	}
	if saved, ok := persisted[rp.ID]; ok && saved.CredentialHash == hash && saved.Provider == rp.Provider {
		e.p.Health = Health(saved.Health)
		e.p.FailureCount = saved.FailureCount
		e.p.DisabledReason = saved.DisabledReason
		if saved.CooldownUntil != nil {
			e.p.CooldownUntil = *saved.CooldownUntil
		}
		if saved.LastUsedAt != nil {
			e.p.LastUsedAt = *saved.LastUsedAt
		}
		if saved.LastFailedAt != nil {
			e.p.LastFailedAt = *saved.LastFailedAt
		}
		// A profile disabled only by configuration comes back when the
		// configuration no longer disables it.
		if e.p.Health == HealthDisabled && e.p.DisabledReason == reasonConfigDisabled && !rp.Disabled {
			e.p.Health = HealthUnknown
			e.p.DisabledReason = ""
		}
	}
	switch {
	case rp.Disabled:
		e.p.Health = HealthDisabled
		e.p.DisabledReason = reasonConfigDisabled
	case rp.Credential == "":
		e.p.Health = HealthDisabled
		e.p.DisabledReason = reasonMissingCredential
	}
	return e
}
