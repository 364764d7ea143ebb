// Package doctor runs offline diagnostics against a taskd installation.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/basket/taskd/internal/config"
	"github.com/basket/taskd/internal/persistence"
	"github.com/basket/taskd/internal/tools"
)

const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Options adjusts which checks run. The zero value runs everything.
type Options struct {
	// LoadErr is the error config.Load returned, if any.
	LoadErr error
	// SkipNetwork disables DNS lookups of provider endpoints.
	SkipNetwork bool
	// Resolver defaults to net.DefaultResolver.
	Resolver interface {
		LookupHost(ctx context.Context, host string) ([]string, error)
	}
}

type check func(context.Context, *config.Config, Options) CheckResult

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string, opts Options) Diagnosis {
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []check{
		checkConfig,
		checkProfiles,
		checkDatabase,
		checkPermissions,
		checkSandbox,
		checkGatewayPort,
		checkNetwork,
	}
	for _, c := range checks {
		d.Results = append(d.Results, c(ctx, cfg, opts))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config, opts Options) CheckResult {
	if opts.LoadErr != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration invalid", Detail: opts.LoadErr.Error()}
	}
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing; defaults in use",
			Detail: "Run `taskd serve` once to write a starter config"}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

func checkProfiles(_ context.Context, cfg *config.Config, _ Options) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Profiles", Status: StatusSkip, Message: "Config missing"}
	}
	perProvider := make(map[string]int)
	usable := 0
	for _, p := range cfg.ResolveProfiles() {
		if p.Disabled || p.Credential == "" {
			continue
		}
		perProvider[p.Provider]++
		usable++
	}
	if usable == 0 {
		return CheckResult{
			Name:    "Profiles",
			Status:  StatusFail,
			Message: "No usable auth profile",
			Detail:  "Set ANTHROPIC_API_KEY or another provider key, or add profiles to config.yaml",
		}
	}
	parts := make([]string, 0, len(perProvider))
	for p, n := range perProvider {
		parts = append(parts, fmt.Sprintf("%s=%d", p, n))
	}
	sort.Strings(parts)
	detail := strings.Join(parts, ", ")
	if def := cfg.Engine.DefaultProvider; perProvider[def] == 0 {
		return CheckResult{Name: "Profiles", Status: StatusWarn,
			Message: fmt.Sprintf("No profile for default provider %q", def), Detail: detail}
	}
	return CheckResult{Name: "Profiles", Status: StatusPass, Message: fmt.Sprintf("%d usable profiles", usable), Detail: detail}
}

func checkDatabase(ctx context.Context, cfg *config.Config, _ Options) CheckResult {
	if cfg == nil || cfg.DBPath == "" {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	version, checksum, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	counts, err := store.TaskCounts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: fmt.Sprintf("Schema v%d, %d tasks", version, total),
		Detail:  checksum,
	}
}

func checkPermissions(_ context.Context, cfg *config.Config, _ Options) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	dirs := []string{cfg.HomeDir, cfg.Engine.OutputDir, cfg.EventLog.Dir}
	if cfg.Tools.Shell.Enabled {
		dirs = append(dirs, cfg.Tools.Shell.Workdir)
	}
	var bad []string
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := writable(dir); err != nil {
			bad = append(bad, fmt.Sprintf("%s: %v", dir, err))
		}
	}
	if len(bad) > 0 {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: "Directories not writable", Detail: strings.Join(bad, "; ")}
	}
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: fmt.Sprintf("%d directories writable", len(dirs))}
}

func writable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return err
	}
	return os.Remove(probe)
}

func checkSandbox(ctx context.Context, cfg *config.Config, _ Options) CheckResult {
	if cfg == nil || !cfg.Tools.Shell.Enabled || !cfg.Tools.Shell.Sandbox {
		return CheckResult{Name: "Sandbox", Status: StatusSkip, Message: "Docker sandbox disabled"}
	}
	sb, err := tools.NewDockerSandbox(tools.SandboxOptions{
		Image:     cfg.Tools.Shell.SandboxImage,
		MemoryMB:  cfg.Tools.Shell.SandboxMemory,
		Network:   cfg.Tools.Shell.SandboxNetwork,
		Workspace: cfg.Tools.Shell.Workdir,
	})
	if err != nil {
		return CheckResult{Name: "Sandbox", Status: StatusFail, Message: err.Error()}
	}
	defer sb.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sb.Ping(pingCtx); err != nil {
		return CheckResult{Name: "Sandbox", Status: StatusFail, Message: "Docker daemon unreachable", Detail: err.Error()}
	}
	return CheckResult{Name: "Sandbox", Status: StatusPass, Message: "Docker daemon reachable"}
}

func checkGatewayPort(_ context.Context, cfg *config.Config, _ Options) CheckResult {
	if cfg == nil || cfg.BindAddr == "" {
		return CheckResult{Name: "Gateway", Status: StatusSkip, Message: "Config missing"}
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && strings.Contains(err.Error(), "address already in use") {
			return CheckResult{Name: "Gateway", Status: StatusWarn,
				Message: fmt.Sprintf("%s already bound", cfg.BindAddr), Detail: "A daemon may already be running; try `taskd status`"}
		}
		return CheckResult{Name: "Gateway", Status: StatusFail, Message: fmt.Sprintf("Cannot bind %s", cfg.BindAddr), Detail: err.Error()}
	}
	_ = ln.Close()
	msg := fmt.Sprintf("%s available", cfg.BindAddr)
	if cfg.Gateway.AuthToken == "" && !loopback(cfg.BindAddr) {
		return CheckResult{Name: "Gateway", Status: StatusWarn, Message: msg, Detail: "Non-loopback bind without gateway.auth_token"}
	}
	return CheckResult{Name: "Gateway", Status: StatusPass, Message: msg}
}

func loopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func checkNetwork(ctx context.Context, cfg *config.Config, opts Options) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	if opts.SkipNetwork {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Skipped"}
	}

	// Only providers that have a credential are worth resolving.
	wanted := make(map[string]bool)
	for _, p := range cfg.ResolveProfiles() {
		if !p.Disabled && p.Credential != "" {
			wanted[p.Provider] = true
		}
	}
	if len(wanted) == 0 {
		wanted[cfg.Engine.DefaultProvider] = true
	}
	providers := make([]string, 0, len(wanted))
	for p := range wanted {
		providers = append(providers, p)
	}
	sort.Strings(providers)

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var ok, failed []string
	for _, name := range providers {
		pc, found := cfg.Providers[name]
		if !found || pc.BaseURL == "" {
			failed = append(failed, name+": no base_url")
			continue
		}
		u, err := url.Parse(pc.BaseURL)
		if err != nil || u.Hostname() == "" {
			failed = append(failed, name+": bad base_url")
			continue
		}
		start := time.Now()
		if _, err := opts.Resolver.LookupHost(lookupCtx, u.Hostname()); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", u.Hostname(), err))
			continue
		}
		ok = append(ok, fmt.Sprintf("%s (%dms)", u.Hostname(), time.Since(start).Milliseconds()))
	}
	if len(failed) > 0 {
		return CheckResult{Name: "Network", Status: StatusFail,
			Message: fmt.Sprintf("%d of %d provider endpoints unresolved", len(failed), len(providers)),
			Detail:  strings.Join(failed, "; ")}
	}
	return CheckResult{Name: "Network", Status: StatusPass,
		Message: fmt.Sprintf("Resolved %d provider endpoints", len(ok)), Detail: strings.Join(ok, ", ")}
}
