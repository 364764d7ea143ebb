package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile sources, in selection preference order.
const (
	SourceManual      = "manual"
	SourceEnvironment = "environment"
	SourceDiscovered  = "discovered"
)

type SchedulerConfig struct {
	TickIntervalSeconds int `yaml:"tick_interval_seconds"`
}

type EngineConfig struct {
	WorkerCount         int    `yaml:"worker_count"`
	MaxWallClockSeconds int    `yaml:"max_wall_clock_seconds"`
	MaxIterations       int    `yaml:"max_iterations"`
	MaxToolOutputBytes  int    `yaml:"max_tool_output_bytes"`
	ToolTimeoutSeconds  int    `yaml:"tool_timeout_seconds"`
	MaxSpawnDepth       int    `yaml:"max_spawn_depth"`
	MaxSpawnFanout      int    `yaml:"max_spawn_fanout"`
	OutputDir           string `yaml:"output_dir"`
	DefaultProvider     string `yaml:"default_provider"`
	DefaultModel        string `yaml:"default_model"`
	SystemPrompt        string `yaml:"system_prompt"`
}

type RouterConfig struct {
	AttemptBudget         int     `yaml:"attempt_budget"`
	BaseBackoffMillis     int     `yaml:"base_backoff_millis"`
	MaxBackoffSeconds     int     `yaml:"max_backoff_seconds"`
	JitterFraction        float64 `yaml:"jitter_fraction"`
	MaxWaitSeconds        int     `yaml:"max_wait_seconds"`
	RequestTimeoutSeconds int     `yaml:"request_timeout_seconds"`
}

type ApprovalConfig struct {
	TTLSeconds           int      `yaml:"ttl_seconds"`
	SweepIntervalSeconds int      `yaml:"sweep_interval_seconds"`
	GatedTools           []string `yaml:"gated_tools"`
}

type EventLogConfig struct {
	Dir               string `yaml:"dir"`
	SegmentMaxRecords int    `yaml:"segment_max_records"`
	NoSync            bool   `yaml:"no_sync"`
}

// ProviderConfig describes an OpenAI-compatible endpoint for one provider name.
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// ProfileConfig is one manually configured credential.
type ProfileConfig struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Provider      string `yaml:"provider"`
	Source        string `yaml:"source"`
	Credential    string `yaml:"credential"`
	CredentialEnv string `yaml:"credential_env"`
	Priority      int    `yaml:"priority"`
	Disabled      bool   `yaml:"disabled"`
}

type ShellConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Workdir        string `yaml:"workdir"`
	Sandbox        bool   `yaml:"sandbox"`
	SandboxImage   string `yaml:"sandbox_image"`
	SandboxMemory  int64  `yaml:"sandbox_memory_mb"`
	SandboxNetwork string `yaml:"sandbox_network"`
}

type ToolsConfig struct {
	Shell ShellConfig `yaml:"shell"`
}

type TelegramConfig struct {
	Token         string `yaml:"token"`
	Enabled       bool   `yaml:"enabled"`
	DefaultChatID int64  `yaml:"default_chat_id"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type GatewayConfig struct {
	AuthToken      string   `yaml:"auth_token"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
	AllowOrigins   []string `yaml:"allow_origins"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// ModelPrice overrides the built-in pricing table for one model.
type ModelPrice struct {
	PromptPer1M     float64 `yaml:"prompt_per_1m"`
	CompletionPer1M float64 `yaml:"completion_per_1m"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr            string `yaml:"bind_addr"`
	LogLevel            string `yaml:"log_level"`
	DBPath              string `yaml:"db_path"`
	DrainTimeoutSeconds int    `yaml:"drain_timeout_seconds"`

	Scheduler SchedulerConfig           `yaml:"scheduler"`
	Engine    EngineConfig              `yaml:"engine"`
	Router    RouterConfig              `yaml:"router"`
	Approval  ApprovalConfig            `yaml:"approval"`
	EventLog  EventLogConfig            `yaml:"event_log"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Profiles  []ProfileConfig           `yaml:"profiles"`
	Tools     ToolsConfig               `yaml:"tools"`
	Notify    NotifyConfig              `yaml:"notify"`
	Gateway   GatewayConfig             `yaml:"gateway"`
	Telemetry TelemetryConfig           `yaml:"telemetry"`
	Pricing   map[string]ModelPrice     `yaml:"pricing"`

	NeedsGenesis bool `yaml:"-"`
}

// ResolvedProfile is a profile with its credential materialized from config,
// environment or a discovered credential file.
type ResolvedProfile struct {
	ID         string
	Name       string
	Provider   string
	Source     string
	Credential string
	Priority   int
	Disabled   bool
}

// providerEnvKeys maps provider names to the environment variables that yield
// environment-sourced profiles.
var providerEnvKeys = map[string][]string{
	"anthropic":  {"ANTHROPIC_API_KEY"},
	"openai":     {"OPENAI_API_KEY"},
	"openrouter": {"OPENROUTER_API_KEY"},
	"google":     {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
}

var defaultProviders = map[string]ProviderConfig{
	"anthropic":  {BaseURL: "https://api.anthropic.com/v1", Model: "claude-sonnet-4-5"},
	"openai":     {BaseURL: "https://api.openai.com/v1", Model: "gpt-4o-mini"},
	"openrouter": {BaseURL: "https://openrouter.ai/api/v1", Model: "openai/gpt-4o-mini"},
	"google":     {BaseURL: "https://generativelanguage.googleapis.com/v1beta/openai", Model: "gemini-2.5-flash"},
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// CredentialsDir holds discovered credential files laid out as
// <provider>/<name>.key.
func CredentialsDir(homeDir string) string {
	return filepath.Join(homeDir, "credentials")
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:18790",
		LogLevel:            "info",
		DrainTimeoutSeconds: 10,
		Scheduler: SchedulerConfig{
			TickIntervalSeconds: 10,
		},
		Engine: EngineConfig{
			WorkerCount:         4,
			MaxWallClockSeconds: 300,
			MaxIterations:       25,
			MaxToolOutputBytes:  4000,
			ToolTimeoutSeconds:  60,
			MaxSpawnDepth:       3,
			MaxSpawnFanout:      4,
			DefaultProvider:     "anthropic",
		},
		Router: RouterConfig{
			AttemptBudget:         4,
			BaseBackoffMillis:     1000,
			MaxBackoffSeconds:     60,
			JitterFraction:        0.2,
			MaxWaitSeconds:        30,
			RequestTimeoutSeconds: 120,
		},
		Approval: ApprovalConfig{
			TTLSeconds:           120,
			SweepIntervalSeconds: 5,
			GatedTools:           []string{"shell", "write_file"},
		},
		Tools: ToolsConfig{
			Shell: ShellConfig{Enabled: true},
		},
		EventLog: EventLogConfig{
			SegmentMaxRecords: 512,
		},
		Gateway: GatewayConfig{
			RateLimitRPS:   10,
			RateLimitBurst: 20,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("TASKD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskd")
}

// Load reads <home>/config.yaml, applies env overrides and defaults, and
// validates the result.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskd home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "taskd.db")
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = def.DrainTimeoutSeconds
	}
	if cfg.Scheduler.TickIntervalSeconds <= 0 {
		cfg.Scheduler.TickIntervalSeconds = def.Scheduler.TickIntervalSeconds
	}

	e := &cfg.Engine
	if e.WorkerCount <= 0 {
		e.WorkerCount = def.Engine.WorkerCount
	}
	if e.MaxWallClockSeconds <= 0 {
		e.MaxWallClockSeconds = def.Engine.MaxWallClockSeconds
	}
	if e.MaxIterations <= 0 {
		e.MaxIterations = def.Engine.MaxIterations
	}
	if e.MaxToolOutputBytes <= 0 {
		e.MaxToolOutputBytes = def.Engine.MaxToolOutputBytes
	}
	if e.ToolTimeoutSeconds <= 0 {
		e.ToolTimeoutSeconds = def.Engine.ToolTimeoutSeconds
	}
	if e.MaxSpawnDepth <= 0 {
		e.MaxSpawnDepth = def.Engine.MaxSpawnDepth
	}
	if e.MaxSpawnFanout <= 0 {
		e.MaxSpawnFanout = def.Engine.MaxSpawnFanout
	}
	if strings.TrimSpace(e.OutputDir) == "" {
		e.OutputDir = filepath.Join(cfg.HomeDir, "outputs")
	}
	if e.DefaultProvider == "" {
		e.DefaultProvider = def.Engine.DefaultProvider
	}

	r := &cfg.Router
	if r.AttemptBudget <= 0 {
		r.AttemptBudget = def.Router.AttemptBudget
	}
	if r.BaseBackoffMillis <= 0 {
		r.BaseBackoffMillis = def.Router.BaseBackoffMillis
	}
	if r.MaxBackoffSeconds <= 0 {
		r.MaxBackoffSeconds = def.Router.MaxBackoffSeconds
	}
	if r.JitterFraction < 0 || r.JitterFraction >= 1 {
		r.JitterFraction = def.Router.JitterFraction
	}
	if r.MaxWaitSeconds < 0 {
		r.MaxWaitSeconds = def.Router.MaxWaitSeconds
	}
	if r.RequestTimeoutSeconds <= 0 {
		r.RequestTimeoutSeconds = def.Router.RequestTimeoutSeconds
	}

	if strings.TrimSpace(cfg.Tools.Shell.Workdir) == "" {
		cfg.Tools.Shell.Workdir = filepath.Join(cfg.HomeDir, "workspace")
	}

	if cfg.Approval.TTLSeconds <= 0 {
		cfg.Approval.TTLSeconds = def.Approval.TTLSeconds
	}
	if cfg.Approval.SweepIntervalSeconds <= 0 {
		cfg.Approval.SweepIntervalSeconds = def.Approval.SweepIntervalSeconds
	}
	if strings.TrimSpace(cfg.EventLog.Dir) == "" {
		cfg.EventLog.Dir = filepath.Join(cfg.HomeDir, "events")
	}
	if cfg.EventLog.SegmentMaxRecords <= 0 {
		cfg.EventLog.SegmentMaxRecords = def.EventLog.SegmentMaxRecords
	}
	if cfg.Gateway.RateLimitRPS <= 0 {
		cfg.Gateway.RateLimitRPS = def.Gateway.RateLimitRPS
	}
	if cfg.Gateway.RateLimitBurst <= 0 {
		cfg.Gateway.RateLimitBurst = def.Gateway.RateLimitBurst
	}

	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	for name, p := range defaultProviders {
		cur, ok := cfg.Providers[name]
		if !ok {
			cfg.Providers[name] = p
			continue
		}
		if cur.BaseURL == "" {
			cur.BaseURL = p.BaseURL
		}
		if cur.Model == "" {
			cur.Model = p.Model
		}
		cfg.Providers[name] = cur
	}
	for i := range cfg.Profiles {
		if cfg.Profiles[i].Source == "" {
			cfg.Profiles[i].Source = SourceManual
		}
		if cfg.Profiles[i].Name == "" {
			cfg.Profiles[i].Name = cfg.Profiles[i].ID
		}
	}
}

// Validate reports every configuration rule violation at once.
// MinToolOutputBytes leaves room for the spill notice plus an excerpt.
const MinToolOutputBytes = 512

func (c Config) Validate() error {
	var errs []error
	if c.Engine.ToolTimeoutSeconds >= c.Engine.MaxWallClockSeconds {
		errs = append(errs, fmt.Errorf("engine.tool_timeout_seconds (%d) must be shorter than engine.max_wall_clock_seconds (%d)",
			c.Engine.ToolTimeoutSeconds, c.Engine.MaxWallClockSeconds))
	}
	if c.Engine.MaxToolOutputBytes < MinToolOutputBytes {
		errs = append(errs, fmt.Errorf("engine.max_tool_output_bytes (%d) must be at least %d",
			c.Engine.MaxToolOutputBytes, MinToolOutputBytes))
	}
	if c.Router.MaxBackoffSeconds*1000 < c.Router.BaseBackoffMillis {
		errs = append(errs, fmt.Errorf("router.max_backoff_seconds must not be below router.base_backoff_millis"))
	}
	seen := make(map[string]bool)
	for i, p := range c.Profiles {
		if strings.TrimSpace(p.ID) == "" {
			errs = append(errs, fmt.Errorf("profiles[%d]: id is required", i))
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("profiles[%d]: duplicate id %q", i, p.ID))
		}
		seen[p.ID] = true
		if strings.TrimSpace(p.Provider) == "" {
			errs = append(errs, fmt.Errorf("profile %q: provider is required", p.ID))
		}
		switch p.Source {
		case SourceManual, SourceEnvironment, SourceDiscovered:
		default:
			errs = append(errs, fmt.Errorf("profile %q: unknown source %q", p.ID, p.Source))
		}
	}
	return errors.Join(errs...)
}

// ResolveProfiles returns every credential the router should know about:
// configured profiles, provider API keys found in the environment, and
// credential files under <home>/credentials. Output is ordered by id.
func (c Config) ResolveProfiles() []ResolvedProfile {
	var out []ResolvedProfile
	seen := make(map[string]bool)
	for _, p := range c.Profiles {
		cred := p.Credential
		if p.CredentialEnv != "" {
			if v := os.Getenv(p.CredentialEnv); v != "" {
				cred = v
			}
		}
		out = append(out, ResolvedProfile{
			ID:         p.ID,
			Name:       p.Name,
			Provider:   p.Provider,
			Source:     p.Source,
			Credential: cred,
			Priority:   p.Priority,
			Disabled:   p.Disabled,
		})
		seen[p.ID] = true
	}

	for provider, keys := range providerEnvKeys {
		for _, key := range keys {
			v := os.Getenv(key)
			if v == "" {
				continue
			}
			id := "env-" + strings.ToLower(key)
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, ResolvedProfile{
				ID:         id,
				Name:       key,
				Provider:   provider,
				Source:     SourceEnvironment,
				Credential: v,
			})
		}
	}

	for _, p := range discoverCredentialFiles(CredentialsDir(c.HomeDir)) {
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func discoverCredentialFiles(dir string) []ResolvedProfile {
	matches, err := filepath.Glob(filepath.Join(dir, "*", "*.key"))
	if err != nil {
		return nil
	}
	var out []ResolvedProfile
	for _, path := range matches {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		cred := strings.TrimSpace(string(raw))
		if cred == "" {
			continue
		}
		provider := filepath.Base(filepath.Dir(path))
		name := strings.TrimSuffix(filepath.Base(path), ".key")
		out = append(out, ResolvedProfile{
			ID:         "disc-" + provider + "-" + name,
			Name:       name,
			Provider:   provider,
			Source:     SourceDiscovered,
			Credential: cred,
		})
	}
	return out
}

// Fingerprint returns a stable hash of the settings that change runtime
// behaviour. Credentials are excluded.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|workers=%d|wall=%d|iter=%d|out=%d|budget=%d|ttl=%d|profiles=%d",
		c.BindAddr, c.LogLevel, c.Engine.WorkerCount, c.Engine.MaxWallClockSeconds, c.Engine.MaxIterations,
		c.Engine.MaxToolOutputBytes, c.Router.AttemptBudget, c.Approval.TTLSeconds, len(c.Profiles))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKD_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TASKD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKD_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	envInt("TASKD_WORKER_COUNT", &cfg.Engine.WorkerCount)
	envInt("TASKD_MAX_ITERATIONS", &cfg.Engine.MaxIterations)
	envInt("TASKD_MAX_WALL_CLOCK_SECONDS", &cfg.Engine.MaxWallClockSeconds)
	envInt("TASKD_MAX_TOOL_OUTPUT_BYTES", &cfg.Engine.MaxToolOutputBytes)
	envInt("TASKD_TICK_INTERVAL_SECONDS", &cfg.Scheduler.TickIntervalSeconds)
	envInt("TASKD_APPROVAL_TTL_SECONDS", &cfg.Approval.TTLSeconds)
	envInt("TASKD_DRAIN_TIMEOUT_SECONDS", &cfg.DrainTimeoutSeconds)
	if raw := os.Getenv("TASKD_GATEWAY_TOKEN"); raw != "" {
		cfg.Gateway.AuthToken = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Notify.Telegram.Token = raw
	}
}

func envInt(name string, dst *int) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	if v, err := strconv.Atoi(raw); err == nil {
		*dst = v
	}
}
