package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/HakAl/relayview/internal/abort"
	"github.com/HakAl/relayview/internal/console"
	"github.com/HakAl/relayview/internal/metrics"
	"github.com/HakAl/relayview/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// harness runs a Proxy on a random port in front of target and collects
// completed tasks.
type harness struct {
	proxy     *Proxy
	registry  *task.Registry
	metrics   *metrics.Collector
	addr      string
	completed chan *task.Task
	cancel    context.CancelFunc
	served    chan error

	stopOnce sync.Once
	stopErr  error
}

func startProxy(t *testing.T, targetURL string) *harness {
	t.Helper()

	u, err := url.Parse(targetURL)
	if err != nil {
		t.Fatalf("parse target: %v", err)
	}

	h := &harness{
		completed: make(chan *task.Task, 64),
		metrics:   metrics.New(prometheus.NewRegistry()),
		served:    make(chan error, 1),
	}
	h.registry = task.NewRegistry(task.RegistryConfig{Hooks: task.Hooks{
		OnComplete: func(tk *task.Task) { h.completed <- tk },
	}})

	p, err := New(Config{
		Target:   u,
		Registry: h.registry,
		Shutdown: abort.New(context.Background()),
		Metrics:  h.metrics,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.proxy = p

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	h.addr = ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.served <- p.ServeListener(ctx, ln) }()
	t.Cleanup(func() { _ = h.stop() })
	return h
}

func (h *harness) url(path string) string {
	return "http://" + h.addr + path
}

// stop shuts the proxy down and waits for every relay. It returns the
// ServeListener error, or an error if the proxy did not stop in time.
func (h *harness) stop() error {
	h.stopOnce.Do(func() {
		h.cancel()
		select {
		case h.stopErr = <-h.served:
		case <-time.After(5 * time.Second):
			h.stopErr = errors.New("proxy did not stop")
		}
	})
	return h.stopErr
}

func (h *harness) waitTask(t *testing.T) *task.Task {
	t.Helper()
	select {
	case tk := <-h.completed:
		return tk
	case <-time.After(5 * time.Second):
		t.Fatal("no task completed")
		return nil
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	reg := task.NewRegistry(task.RegistryConfig{})
	u, _ := url.Parse("http://127.0.0.1:3000")

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Target: u, Registry: reg}, false},
		{"missing target", Config{Registry: reg}, true},
		{"missing registry", Config{Target: u}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && p == nil {
				t.Error("New() returned nil proxy")
			}
		})
	}
}

func TestCopyHeaders(t *testing.T) {
	t.Parallel()

	src := http.Header{
		"Content-Type": {"application/json"},
		"X-Multi":      {"a", "b"},
	}
	dst := http.Header{}
	copyHeaders(dst, src)

	if dst.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", dst.Get("Content-Type"))
	}
	if got := dst.Values("X-Multi"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("X-Multi = %v", got)
	}
}

func TestStatusColor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   console.Color
	}{
		{101, console.BlueBright},
		{200, console.GreenBright},
		{304, console.GreenBright},
		{404, console.RedBright},
		{503, console.RedBright},
		{0, console.Default},
		{99, console.Default},
		{600, console.Default},
	}
	for _, tt := range tests {
		if got := StatusColor(tt.status); got != tt.want {
			t.Errorf("StatusColor(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestProxy_RelaysRequest(t *testing.T) {
	t.Parallel()

	type seen struct {
		method, uri, host, origin, custom string
		body                              []byte
	}
	got := make(chan seen, 1)
	payload := []byte{0x00, 0xff, 0x10, '\r', '\n', 0x80}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- seen{
			method: r.Method,
			uri:    r.RequestURI,
			host:   r.Host,
			origin: r.Header.Get("Origin"),
			custom: r.Header.Get("X-Custom"),
			body:   body,
		}
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(payload)
	}))
	defer upstream.Close()

	h := startProxy(t, upstream.URL)
	targetHost := strings.TrimPrefix(upstream.URL, "http://")

	req, _ := http.NewRequest(http.MethodPost, h.url("/api/items?q=a%2Fb&x=1"), bytes.NewReader([]byte("hello")))
	req.Header.Set("Origin", "http://"+h.addr)
	req.Header.Set("X-Custom", "kept")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201", resp.StatusCode)
	}
	if resp.Header.Get("X-Upstream") != "yes" {
		t.Error("upstream response header not relayed")
	}
	if !bytes.Equal(body, payload) {
		t.Errorf("body = %v, want %v", body, payload)
	}

	s := <-got
	if s.method != http.MethodPost || s.uri != "/api/items?q=a%2Fb&x=1" {
		t.Errorf("upstream saw %s %s", s.method, s.uri)
	}
	if s.host != targetHost {
		t.Errorf("Host = %q, want %q", s.host, targetHost)
	}
	if s.origin != targetHost {
		t.Errorf("Origin = %q, want %q", s.origin, targetHost)
	}
	if s.custom != "kept" || string(s.body) != "hello" {
		t.Errorf("upstream saw custom=%q body=%q", s.custom, s.body)
	}

	tk := h.waitTask(t)
	if tk.Label() != "POST /api/items?q=a%2Fb&x=1" {
		t.Errorf("label = %q", tk.Label())
	}
	o := tk.Outcome()
	if o.Kind != task.OutcomeSuccess || o.Status != http.StatusCreated || o.Color != console.GreenBright {
		t.Errorf("outcome = %+v", o)
	}
	if tk.Status() != "201" {
		t.Errorf("status text = %q, want 201", tk.Status())
	}
}

func TestProxy_DoesNotAddUserAgent(t *testing.T) {
	t.Parallel()

	agents := make(chan []string, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agents <- r.Header.Values("User-Agent")
	}))
	defer upstream.Close()

	h := startProxy(t, upstream.URL)

	req, _ := http.NewRequest(http.MethodGet, h.url("/"), nil)
	req.Header.Set("User-Agent", "") // the client sends none
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()

	if got := <-agents; len(got) != 0 {
		t.Errorf("upstream saw User-Agent %v, want none", got)
	}

	req, _ = http.NewRequest(http.MethodGet, h.url("/"), nil)
	req.Header.Set("User-Agent", "curl/8.0")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()

	if got := <-agents; len(got) != 1 || got[0] != "curl/8.0" {
		t.Errorf("upstream saw User-Agent %v, want [curl/8.0]", got)
	}
}

func TestProxy_ForwardsErrorStatus(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing", http.StatusNotFound)
	}))
	defer upstream.Close()

	h := startProxy(t, upstream.URL)

	resp, err := http.Get(h.url("/nope"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}

	o := h.waitTask(t).Outcome()
	if o.Kind != task.OutcomeSuccess || o.Status != 404 || o.Color != console.RedBright {
		t.Errorf("outcome = %+v", o)
	}
}

func TestProxy_UpstreamDown(t *testing.T) {
	t.Parallel()

	// Reserve a port and release it so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	dead := "http://" + ln.Addr().String()
	ln.Close()

	h := startProxy(t, dead)

	resp, err := http.Get(h.url("/health"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	if len(body) == 0 {
		t.Error("502 response should describe the error")
	}

	tk := h.waitTask(t)
	if tk.Outcome().Kind != task.OutcomeUpstreamError {
		t.Errorf("outcome = %v, want upstream_error", tk.Outcome().Kind)
	}
	if got := relayErrorCount(t, h, metrics.ErrUpstream); got != 1 {
		t.Errorf("upstream errors = %v, want 1", got)
	}
}

func TestProxy_ClientDisconnectMidStream(t *testing.T) {
	t.Parallel()

	upstreamDone := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(upstreamDone)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "data: first\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer upstream.Close()

	h := startProxy(t, upstream.URL)

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, h.url("/events"), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	buf := make([]byte, len("data: first\n\n"))
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		t.Fatalf("read first event: %v", err)
	}
	cancel()
	resp.Body.Close()

	tk := h.waitTask(t)
	if tk.Outcome().Kind != task.OutcomeClientAbort {
		t.Errorf("outcome = %v, want client_abort", tk.Outcome().Kind)
	}
	if tk.Status() != "aborted by client" {
		t.Errorf("status = %q", tk.Status())
	}

	select {
	case <-upstreamDone:
	case <-time.After(5 * time.Second):
		t.Fatal("outbound request was not cancelled")
	}
	if got := relayErrorCount(t, h, metrics.ErrUpstream); got != 0 {
		t.Errorf("upstream errors = %v, want 0", got)
	}
}

func TestProxy_ShutdownAbortsInFlightRequest(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer upstream.Close()

	h := startProxy(t, upstream.URL)

	go func() {
		resp, err := http.Get(h.url("/slow"))
		if err == nil {
			resp.Body.Close()
		}
	}()
	<-started

	if err := h.stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	tk := h.waitTask(t)
	o := tk.Outcome()
	if o.Kind != task.OutcomeClosed || o.Text != "server stopped" {
		t.Errorf("outcome = %+v, want closed by shutdown", o)
	}
}

// relayErrorCount reads relayview_relay_errors_total{type=kind}.
func relayErrorCount(t *testing.T, h *harness, kind string) float64 {
	t.Helper()
	families, err := h.metrics.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "relayview_relay_errors_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "type" && l.GetValue() == kind {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
