package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/taskd/internal/approval"
	"github.com/basket/taskd/internal/audit"
	"github.com/basket/taskd/internal/bus"
	"github.com/basket/taskd/internal/config"
	"github.com/basket/taskd/internal/engine"
	"github.com/basket/taskd/internal/eventlog"
	"github.com/basket/taskd/internal/gateway"
	"github.com/basket/taskd/internal/metrics"
	"github.com/basket/taskd/internal/notify"
	"github.com/basket/taskd/internal/otel"
	"github.com/basket/taskd/internal/persistence"
	"github.com/basket/taskd/internal/pricing"
	"github.com/basket/taskd/internal/router"
	"github.com/basket/taskd/internal/scheduler"
	"github.com/basket/taskd/internal/telemetry"
	"github.com/basket/taskd/internal/tools"
)

func newServeCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon in the foreground",
		Long:  "Starts the scheduler, execution engine, approval gate and HTTP gateway.\nSIGINT or SIGTERM stops intake and drains running executions.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), quiet)
		},
	}
	cmd.Flags().BoolVar(&quiet, "quiet", false, "log to <home>/logs/system.jsonl only")
	return cmd
}

// startupError is a fatal startup failure tagged with a stable reason code.
type startupError struct {
	code string
	err  error
}

func (e *startupError) Error() string { return e.code + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

// daemon holds the long-lived components so shutdown can reach them.
type daemon struct {
	cfg    config.Config
	logger *slog.Logger

	store  *persistence.Store
	router *router.Router
	gate   *approval.Gate
	engine *engine.Engine
	sched  *scheduler.Scheduler
}

func runServe(ctx context.Context, quiet bool) (err error) {
	cfg, err := config.Load()
	if err != nil {
		return &startupError{"E_CONFIG_LOAD", err}
	}
	if cfg.NeedsGenesis {
		if err := config.WriteGenesis(cfg.HomeDir); err != nil {
			return &startupError{"E_GENESIS_WRITE", err}
		}
		if cfg, err = config.LoadFrom(cfg.HomeDir); err != nil {
			return &startupError{"E_CONFIG_LOAD", err}
		}
	}

	trail, err := audit.Open(cfg.HomeDir)
	if err != nil {
		return &startupError{"E_AUDIT_OPEN", err}
	}
	defer trail.Close()

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return &startupError{"E_LOGGER_INIT", err}
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	fail := func(code string, err error) error {
		trail.Record(ctx, "runtime.startup", code, "fatal", err.Error(), "taskd")
		logger.Error("startup failure", "reason_code", code, "error", err)
		return &startupError{code, err}
	}

	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())
	if cfg.Gateway.AuthToken == "" && !isLoopback(cfg.BindAddr) {
		logger.Warn("gateway bound beyond loopback without an auth token", "bind_addr", cfg.BindAddr)
	}

	prov, err := otel.Init(ctx, otel.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fail("E_OTEL_INIT", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = prov.Shutdown(sctx)
	}()
	om, err := otel.NewMetrics(prov.Meter)
	if err != nil {
		return fail("E_OTEL_INIT", err)
	}

	eventBus := bus.New()

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return fail("E_DB_OPEN", err)
	}
	defer store.Close()
	trail.SetDB(store.DB())
	logger.Info("startup phase", "phase", "db_opened", "path", cfg.DBPath)

	events, err := eventlog.Open(eventlog.Options{
		Dir:               cfg.EventLog.Dir,
		SegmentMaxRecords: cfg.EventLog.SegmentMaxRecords,
		NoSync:            cfg.EventLog.NoSync,
		Bus:               eventBus,
		Logger:            logger,
	})
	if err != nil {
		return fail("E_EVENTLOG_OPEN", err)
	}
	defer events.Close()

	ropts := router.OptionsFromConfig(cfg.Router)
	ropts.Store = store
	ropts.Bus = eventBus
	ropts.Audit = trail
	ropts.Metrics = om
	ropts.Tracer = prov.Tracer
	ropts.Logger = logger
	rt := router.New(ropts)
	registerProviders(rt, cfg)
	if err := rt.Sync(ctx, cfg.ResolveProfiles()); err != nil {
		return fail("E_PROFILE_SYNC", err)
	}
	if len(rt.Snapshot()) == 0 {
		logger.Warn("no auth profiles configured; executions will fail with no_profile until one is added")
	}

	gate, err := approval.New(approval.Options{
		TTL:           time.Duration(cfg.Approval.TTLSeconds) * time.Second,
		SweepInterval: time.Duration(cfg.Approval.SweepIntervalSeconds) * time.Second,
		Store:         store,
		Bus:           eventBus,
		Audit:         trail,
		Metrics:       om,
		Logger:        logger,
	})
	if err != nil {
		return fail("E_APPROVAL_INIT", err)
	}

	registry, toolCloser, err := tools.Builtins(ctx, cfg.Tools, cfg.Approval.GatedTools, logger)
	if err != nil {
		return fail("E_TOOLS_INIT", err)
	}
	defer toolCloser.Close()

	var sched *scheduler.Scheduler
	runner := engine.NewRunner(engine.RunnerOptions{
		Config:   engine.ConfigFrom(cfg.Engine),
		Router:   rt,
		Tools:    registry,
		Approval: gate,
		Events:   events,
		Pricing:  pricing.NewTable(cfg.Pricing),
		Metrics:  om,
		Tracer:   prov.Tracer,
		Logger:   logger,
		Progress: func(ctx context.Context, id string, iterations int, tokens int64, cost float64) {
			sched.Progress(ctx, id, iterations, tokens, cost)
		},
	})
	eng := engine.New(runner, eventBus, logger)
	sched = scheduler.New(scheduler.Options{
		Store:    store,
		Engine:   eng,
		Events:   events,
		Bus:      eventBus,
		Metrics:  om,
		Logger:   logger,
		Interval: time.Duration(cfg.Scheduler.TickIntervalSeconds) * time.Second,
	})
	eng.SetFinishFunc(sched.OnExecutionFinished)

	// Executions left running by a crash can never finish; close them
	// before the first tick so their tasks become eligible again.
	if n, err := sched.Recover(ctx); err != nil {
		return fail("E_RECOVERY", err)
	} else if n > 0 {
		logger.Warn("recovered stale executions", "count", n)
	}

	d := &daemon{cfg: cfg, logger: logger, store: store,
		router: rt, gate: gate, engine: eng, sched: sched}

	collector := metrics.New("taskd")
	d.registerGauges(collector)
	go collector.Watch(ctx, eventBus)

	go gate.Run(ctx)
	d.startNotifier(ctx, eventBus)

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		return fail("E_CONFIG_WATCHER_START", err)
	}
	go d.watchConfig(ctx, confWatcher)

	gw := gateway.New(gateway.Config{
		Store:          store,
		Scheduler:      sched,
		Events:         events,
		Gate:           gate,
		Engine:         eng,
		Profiles:       rt,
		Metrics:        collector,
		Tracer:         prov.Tracer,
		Logger:         logger,
		AuthToken:      cfg.Gateway.AuthToken,
		RateLimitRPS:   cfg.Gateway.RateLimitRPS,
		RateLimitBurst: cfg.Gateway.RateLimitBurst,
		AllowOrigins:   cfg.Gateway.AllowOrigins,
	})
	gw.StartEviction(ctx)

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr))
		}
		return fail("E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sched.Start(ctx)
	logger.Info("startup phase", "phase", "scheduler_started", "workers", cfg.Engine.WorkerCount)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err = <-serverErr:
		logger.Error("gateway server error", "error", err)
	}
	d.shutdown(server)
	return err
}

// shutdown stops intake first, then drains executions so their terminal
// state is persisted before the store closes.
func (d *daemon) shutdown(server *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	d.sched.Stop()

	drainTimeout := time.Duration(d.cfg.DrainTimeoutSeconds) * time.Second
	if err := d.engine.Drain(drainTimeout); err != nil {
		d.logger.Warn("drain timed out; in-flight executions were cancelled", "timeout", drainTimeout.String(), "error", err)
	}
	d.logger.Info("shutdown complete")
}

// registerProviders installs an OpenAI-compatible client per configured
// provider. Re-registering replaces the previous client.
func registerProviders(rt *router.Router, cfg config.Config) {
	timeout := time.Duration(cfg.Router.RequestTimeoutSeconds) * time.Second
	for name, pc := range cfg.Providers {
		rt.SetClient(name, router.NewHTTPClient(name, pc.BaseURL, pc.Model, timeout))
	}
}

func (d *daemon) registerGauges(c *metrics.Collector) {
	c.GaugeFunc("taskd", "executions_active", "Executions currently holding a worker",
		func() float64 { return float64(d.engine.Status().Active) })
	c.GaugeFunc("taskd", "executions_queued", "Executions waiting for a worker",
		func() float64 { return float64(d.engine.Status().Queued) })
	c.GaugeFunc("taskd", "profiles_healthy", "Auth profiles currently selectable",
		func() float64 { return float64(d.router.HealthCounts()[router.HealthHealthy]) })
	c.GaugeFunc("taskd", "profiles_cooldown", "Auth profiles cooling down",
		func() float64 { return float64(d.router.HealthCounts()[router.HealthCooldown]) })
	c.GaugeFunc("taskd", "approvals_pending", "Approval requests awaiting a decision",
		func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			reqs, err := d.gate.List(ctx, persistence.ApprovalPending, 0)
			if err != nil {
				return 0
			}
			return float64(len(reqs))
		})
}

func (d *daemon) startNotifier(ctx context.Context, b *bus.Bus) {
	tc := d.cfg.Notify.Telegram
	if !tc.Enabled {
		return
	}
	if tc.Token == "" {
		d.logger.Warn("telegram notifications enabled but token is missing")
		return
	}
	tg, err := notify.NewTelegram(tc.Token, tc.DefaultChatID, d.logger)
	if err != nil {
		d.logger.Error("telegram notifications disabled", "error", err)
		return
	}
	n := notify.New(notify.Options{
		Bus:           b,
		Store:         d.store,
		Messenger:     tg,
		DefaultChatID: tc.DefaultChatID,
		Logger:        d.logger,
	})
	go n.Run(ctx)
	go func() {
		if err := tg.Listen(ctx, d.gate); err != nil && ctx.Err() == nil {
			d.logger.Error("telegram listener stopped", "error", err)
		}
	}()
}

// watchConfig applies config.yaml and credential changes that are safe to
// take live: profiles, provider endpoints and the approval TTL. Everything
// else needs a restart.
func (d *daemon) watchConfig(ctx context.Context, w *config.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			d.logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			next, err := config.LoadFrom(d.cfg.HomeDir)
			if err != nil {
				d.logger.Error("config reload rejected; retaining previous settings", "error", err)
				continue
			}
			registerProviders(d.router, next)
			if err := d.router.Sync(ctx, next.ResolveProfiles()); err != nil {
				d.logger.Error("profile sync failed", "error", err)
				continue
			}
			d.gate.SetTTL(time.Duration(next.Approval.TTLSeconds) * time.Second)
			if next.Fingerprint() != d.cfg.Fingerprint() {
				d.logger.Warn("config changed settings that apply on restart", "fingerprint", next.Fingerprint())
			}
			d.logger.Info("config hot-reloaded", "profiles", len(d.router.Snapshot()))
		}
	}
}

func isLoopback(addr string) bool {
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

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

var execCommandFunc = exec.Command

func execCommand(name string, args ...string) (string, error) {
	out, err := execCommandFunc(name, args...).Output()
	return string(out), err
}
