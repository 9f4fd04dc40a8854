package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/HakAl/relayview/internal/abort"
	"github.com/HakAl/relayview/internal/config"
	"github.com/HakAl/relayview/internal/console"
	"github.com/HakAl/relayview/internal/metrics"
	"github.com/HakAl/relayview/internal/proxy"
	"github.com/HakAl/relayview/internal/redact"
	"github.com/HakAl/relayview/internal/store"
	"github.com/HakAl/relayview/internal/target"
	"github.com/HakAl/relayview/internal/task"
	"github.com/HakAl/relayview/internal/ws"
)

// app is one run of the proxy: listener, live view and the optional
// history and admin listeners.
type app struct {
	cfg    *config.Config
	out    console.Writer
	live   bool
	stderr io.Writer

	// ready, when set, is called with the proxy and admin addresses once
	// both are listening.
	ready func(proxyAddr, adminAddr net.Addr)
}

// run serves until ctx is cancelled. Teardown order: stop accepting, fire
// the shutdown scope, wait for relays, force-close what is left in the
// registry, draw the final frame, then stop the history and admin
// workers.
func (a *app) run(ctx context.Context) error {
	level, err := config.ParseLevel(a.cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	listenAddr := a.cfg.Proxy.ListenAddr()
	listenPort, err := portOf(listenAddr)
	if err != nil {
		return &ActionableError{
			What:  "Invalid listen address",
			Cause: err,
			Fix:   "Use host:port, e.g. --listen localhost:8080, or --port 8080",
		}
	}

	origin, err := a.resolveTarget(listenPort)
	if err != nil {
		return err
	}

	m := metrics.New(nil)
	var hooks []task.Hooks
	hooks = append(hooks, task.Hooks{
		OnStart:    func(t *task.Task) { m.TaskStarted(string(t.Kind())) },
		OnComplete: func(t *task.Task) { m.TaskCompleted(string(t.Kind())) },
	})

	// Background workers outlive the relays so late completions are
	// still broadcast and recorded.
	bgCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	defer stopBackground()
	var bg sync.WaitGroup

	var hub *ws.Hub
	if a.cfg.Admin.Listen != "" {
		hub = ws.NewHub(logger.With("component", "events"))
		hooks = append(hooks, task.Hooks{
			OnStart:    hub.TaskStarted,
			OnUpdate:   hub.TaskUpdated,
			OnComplete: hub.TaskCompleted,
		})
	}

	var (
		st        *store.SQLiteStore
		recorder  *store.Recorder
		scheduler *store.Scheduler
	)
	if a.cfg.History.Enabled {
		ttl := time.Duration(a.cfg.History.TTLDays) * 24 * time.Hour
		st, err = store.NewSQLiteStore(a.cfg.History.DBPath, ttl)
		if err != nil {
			return historyError(a.cfg.History.DBPath, err)
		}
		defer st.Close()
		redactor, err := redact.New(&a.cfg.Redaction)
		if err != nil {
			return fmt.Errorf("creating redactor: %w", err)
		}
		recorder = store.NewRecorder(st, a.cfg.History.Buffer, logger)
		recorder.SetScrubber(redactor.Record)
		scheduler = store.NewScheduler(st, a.cfg.History.PruneSchedule, logger)
		hooks = append(hooks, task.Hooks{OnComplete: recorder.Record})
	}

	registry := task.NewRegistry(task.RegistryConfig{Hooks: chainHooks(hooks...)})
	shutdown := abort.New(nil)

	p, err := proxy.New(proxy.Config{
		Listen:             listenAddr,
		Target:             origin,
		InsecureSkipVerify: a.cfg.Target.InsecureSkipVerify,
		Registry:           registry,
		Shutdown:           shutdown,
		Metrics:            m,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("creating proxy: %w", err)
	}

	ln, err := p.Listen()
	if err != nil {
		return listenError(listenAddr, err)
	}

	var admin *http.Server
	var adminAddr net.Addr
	if hub != nil {
		adminLn, err := net.Listen("tcp", a.cfg.Admin.Listen)
		if err != nil {
			ln.Close()
			return listenError(a.cfg.Admin.Listen, err)
		}
		adminAddr = adminLn.Addr()
		admin = &http.Server{
			Handler:           adminHandler(m, hub),
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelDebug),
		}
		bg.Add(2)
		go func() {
			defer bg.Done()
			hub.Run(bgCtx)
		}()
		go func() {
			defer bg.Done()
			if err := admin.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin server error", "error", err)
			}
		}()
		logger.Info("admin listening", "addr", adminAddr.String())
	}

	if recorder != nil {
		bg.Add(1)
		go func() {
			defer bg.Done()
			recorder.Run(bgCtx)
		}()
		if err := scheduler.Start(bgCtx); err != nil {
			logger.Error("failed to start history pruning", "error", err)
		} else {
			scheduler.Prune(bgCtx)
		}
	}

	renderCtx, stopRender := context.WithCancel(context.Background())
	renderDone := make(chan struct{})
	renderer := task.NewRenderer(task.RendererConfig{
		Registry: registry,
		Out:      a.out,
		Interval: a.cfg.Render.Interval(),
		Live:     a.live,
		Header:   fmt.Sprintf("listening on %d", ln.Addr().(*net.TCPAddr).Port),
		Footer:   "server stopped",
		Logger:   logger.With("component", "render"),
	})
	go func() {
		defer close(renderDone)
		renderer.Run(renderCtx)
	}()

	if a.ready != nil {
		a.ready(ln.Addr(), adminAddr)
	}

	serveErr := p.ServeListener(ctx, ln)

	if n := registry.CloseAll(task.Closed(0, "server stopped")); n > 0 {
		logger.Debug("closed remaining tasks", "count", n)
	}
	stopRender()
	<-renderDone

	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := admin.Shutdown(shutdownCtx); err != nil {
			admin.Close()
		}
		cancel()
	}
	stopBackground()
	bg.Wait()
	if scheduler != nil {
		scheduler.Stop()
	}
	if recorder != nil && recorder.Dropped() > 0 {
		logger.Warn("history records dropped", "count", recorder.Dropped())
	}

	return serveErr
}

// resolveTarget resolves the configured target against the listen port.
func (a *app) resolveTarget(listenPort int) (*url.URL, error) {
	raw := a.cfg.Target.URL
	if raw == "" {
		return nil, &ActionableError{What: "No target", Cause: errNoTarget, Fix: noTargetFix()}
	}
	origin, err := target.Resolve(raw, listenPort)
	switch {
	case errors.Is(err, target.ErrSameOrigin):
		return nil, &ActionableError{
			What:  "Target points back at the proxy",
			Cause: err,
			Fix:   sameOriginFix(listenPort),
		}
	case err != nil:
		return nil, &ActionableError{
			What:  "Invalid target",
			Cause: err,
			Fix:   invalidTargetFix(raw),
		}
	}
	return origin, nil
}

// adminHandler serves metrics, the task event feed and a health check.
func adminHandler(m *metrics.Collector, hub *ws.Hub) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	mux.Handle("GET /events", hub.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","observers":%d}`, hub.ClientCount())
	})
	return mux
}

// chainHooks calls every non-nil hook of hs in order.
func chainHooks(hs ...task.Hooks) task.Hooks {
	var starts, updates, completes []func(*task.Task)
	for _, h := range hs {
		if h.OnStart != nil {
			starts = append(starts, h.OnStart)
		}
		if h.OnUpdate != nil {
			updates = append(updates, h.OnUpdate)
		}
		if h.OnComplete != nil {
			completes = append(completes, h.OnComplete)
		}
	}
	return task.Hooks{
		OnStart:    fanOut(starts),
		OnUpdate:   fanOut(updates),
		OnComplete: fanOut(completes),
	}
}

func fanOut(fns []func(*task.Task)) func(*task.Task) {
	if len(fns) == 0 {
		return nil
	}
	return func(t *task.Task) {
		for _, fn := range fns {
			fn(t)
		}
	}
}

// portOf returns the numeric port of a host:port listen address.
func portOf(addr string) (int, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return 0, fmt.Errorf("invalid port %q", port)
	}
	return n, nil
}

func listenError(addr string, err error) error {
	if isAddrInUse(err) {
		return &ActionableError{What: "Port binding failed", Cause: err, Fix: portInUseFix(addr)}
	}
	return &ActionableError{
		What:  "Cannot listen on " + addr,
		Cause: err,
		Fix:   "Check the address is valid for this machine, e.g. localhost:8080",
	}
}

func historyError(dbPath string, err error) error {
	if isDBLocked(err) {
		return &ActionableError{What: "History database is locked", Cause: err, Fix: dbLockedFix(dbPath)}
	}
	return &ActionableError{What: "Failed to open history database", Cause: err, Fix: dbPathFix(dbPath)}
}
