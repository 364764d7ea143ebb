package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const genesisConfig = `# taskd configuration
bind_addr: 127.0.0.1:18790
log_level: info

engine:
  worker_count: 4
  max_wall_clock_seconds: 300
  max_iterations: 25
  max_tool_output_bytes: 4000

router:
  attempt_budget: 4
  max_wait_seconds: 30

approval:
  ttl_seconds: 120

# profiles:
#   - id: primary
#     provider: anthropic
#     credential_env: ANTHROPIC_API_KEY
#     priority: 0
`

// WriteGenesis creates a starter config.yaml when none exists.
func WriteGenesis(homeDir string) error {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create taskd home: %w", err)
	}
	return os.WriteFile(path, []byte(genesisConfig), 0o644)
}

func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o600)
}

// UpsertProfile adds or replaces a manual profile in config.yaml, preserving
// other settings.
func UpsertProfile(homeDir string, p ProfileConfig) error {
	if p.ID == "" || p.Provider == "" {
		return fmt.Errorf("profile id and provider are required")
	}
	if p.Source == "" {
		p.Source = SourceManual
	}
	path := ConfigPath(homeDir)
	raw, err := loadRawConfig(path)
	if err != nil {
		return err
	}
	entry := map[string]interface{}{
		"id":       p.ID,
		"provider": p.Provider,
		"source":   p.Source,
		"priority": p.Priority,
	}
	if p.Name != "" {
		entry["name"] = p.Name
	}
	if p.Credential != "" {
		entry["credential"] = p.Credential
	}
	if p.CredentialEnv != "" {
		entry["credential_env"] = p.CredentialEnv
	}
	if p.Disabled {
		entry["disabled"] = true
	}

	list, _ := raw["profiles"].([]interface{})
	replaced := false
	for i, item := range list {
		m, ok := item.(map[string]interface{})
		if ok && m["id"] == p.ID {
			list[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, entry)
	}
	raw["profiles"] = list
	return saveRawConfig(path, raw)
}

// RemoveProfile deletes a manual profile from config.yaml. Missing ids are
// not an error.
func RemoveProfile(homeDir, id string) error {
	path := ConfigPath(homeDir)
	raw, err := loadRawConfig(path)
	if err != nil {
		return err
	}
	list, _ := raw["profiles"].([]interface{})
	kept := list[:0]
	for _, item := range list {
		if m, ok := item.(map[string]interface{}); ok && m["id"] == id {
			continue
		}
		kept = append(kept, item)
	}
	raw["profiles"] = kept
	return saveRawConfig(path, raw)
}
