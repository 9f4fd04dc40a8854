// Package proxy implements the reverse proxy that relays HTTP requests and
// WebSocket sessions to a single upstream target.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HakAl/relayview/internal/abort"
	"github.com/HakAl/relayview/internal/console"
	"github.com/HakAl/relayview/internal/metrics"
	"github.com/HakAl/relayview/internal/task"
)

// Config configures a Proxy.
type Config struct {
	// Listen is the inbound address, e.g. ":8080".
	Listen string
	// Target is the resolved upstream origin.
	Target *url.URL
	// InsecureSkipVerify disables upstream TLS verification.
	InsecureSkipVerify bool

	Registry *task.Registry
	// Shutdown is the process-wide scope. Every relay derives its own
	// scope from it. When nil the proxy creates one.
	Shutdown *abort.Scope
	Metrics  *metrics.Collector
	Logger   *slog.Logger
}

// Proxy relays inbound connections to the target.
type Proxy struct {
	target   *url.URL
	logger   *slog.Logger
	registry *task.Registry
	shutdown *abort.Scope
	metrics  *metrics.Collector

	server   *http.Server
	client   *http.Client
	dialer   *websocket.Dialer
	upgrader websocket.Upgrader

	// relays tracks handlers and socket pumps, including hijacked
	// connections the http.Server no longer sees.
	relays sync.WaitGroup
}

// New creates a new Proxy with the given configuration.
func New(cfg Config) (*Proxy, error) {
	if cfg.Target == nil {
		return nil, fmt.Errorf("target is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	shutdown := cfg.Shutdown
	if shutdown == nil {
		shutdown = abort.New(context.Background())
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       tlsConfig,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		// Bodies are relayed as-is; the transport must not add
		// Accept-Encoding and decompress behind the client's back.
		DisableCompression: true,
		// HTTP/1.1 only.
		TLSNextProto: map[string]func(string, *tls.Conn) http.RoundTripper{},
	}

	client := &http.Client{
		Transport: transport,
		// Don't follow redirects - let the client handle them
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 0, // No timeout - streaming responses can be long
	}

	p := &Proxy{
		target:   cfg.Target,
		logger:   logger.With("component", "proxy"),
		registry: cfg.Registry,
		shutdown: shutdown,
		metrics:  cfg.Metrics,
		client:   client,
		dialer: &websocket.Dialer{
			TLSClientConfig: tlsConfig,
		},
		upgrader: websocket.Upgrader{
			// The target enforces its own origin policy against the
			// rewritten Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	p.server = &http.Server{
		Addr:         cfg.Listen,
		Handler:      p,
		ReadTimeout:  0, // No timeout for streaming
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelDebug),
		// Disable HTTP/2 on TLS listeners.
		TLSNextProto: map[string]func(*http.Server, *tls.Conn, http.Handler){},
	}
	// Runs after the listeners are closed: stop accepting, then fire.
	p.server.RegisterOnShutdown(func() {
		p.shutdown.Fire(abort.ErrShutdown)
	})

	return p, nil
}

// Listen opens the inbound listener.
func (p *Proxy) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", p.server.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	return ln, nil
}

// ServeListener serves on ln until ctx is cancelled. On cancellation it
// stops accepting, fires the shutdown scope so every relay aborts, and
// returns once all relays have finished.
func (p *Proxy) ServeListener(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.server.Serve(ln)
	}()

	p.logger.Info("proxy listening", "addr", ln.Addr().String(), "target", p.target.String())

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("serve: %w", err)
		}
		p.shutdown.Fire(abort.ErrShutdown)
	case <-ctx.Done():
		p.logger.Info("shutting down proxy")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := p.server.Shutdown(shutdownCtx); err != nil {
			p.logger.Warn("shutdown error", "error", err)
			p.server.Close()
		}
		cancel()
		<-errCh
	}

	p.relays.Wait()
	return serveErr
}

// ServeHTTP handles incoming HTTP requests.
// This implements the http.Handler interface.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.relays.Add(1)
	defer p.relays.Done()

	if websocket.IsWebSocketUpgrade(r) {
		p.handleWebSocket(w, r)
		return
	}
	p.handleHTTP(w, r)
}

// rewriteHeaders points Origin, when present, at the target host. Go
// carries Host on the request rather than in the header map, so callers
// set that separately.
func (p *Proxy) rewriteHeaders(h http.Header) {
	if h.Get("Origin") != "" {
		h.Set("Origin", p.target.Host)
	}
}

// copyHeaders copies headers from src to dst.
func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

// stripHeaders removes the named headers.
func stripHeaders(h http.Header, names ...string) {
	for _, name := range names {
		h.Del(name)
	}
}

// StatusColor maps a status code to its display color by leading digit.
// Codes outside 100-599 get the default color.
func StatusColor(status int) console.Color {
	switch status / 100 {
	case 1:
		return console.BlueBright
	case 2, 3:
		return console.GreenBright
	case 4, 5:
		return console.RedBright
	default:
		return console.Default
	}
}
