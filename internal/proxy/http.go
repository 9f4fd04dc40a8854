package proxy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/HakAl/relayview/internal/abort"
	"github.com/HakAl/relayview/internal/metrics"
	"github.com/HakAl/relayview/internal/target"
	"github.com/HakAl/relayview/internal/task"
)

// handleHTTP relays one request/response pair.
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	t := p.registry.Start(task.KindHTTP, r.Method+" "+r.RequestURI)
	started := time.Now()

	scope := p.shutdown.Child()
	unbind := scope.Bind(r.Context(), abort.ErrClientClosed)
	defer func() {
		unbind()
		scope.Fire(abort.ErrReleased)
	}()

	outURL := target.RequestURL(p.target, r.URL.RequestURI())
	outReq, err := http.NewRequestWithContext(scope.Context(), r.Method, outURL.String(), r.Body)
	if err != nil {
		p.logger.Debug("failed to create request", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		t.Fail(err)
		return
	}
	outReq.ContentLength = r.ContentLength
	if r.ContentLength == 0 {
		outReq.Body = http.NoBody
	}

	copyHeaders(outReq.Header, r.Header)
	outReq.Host = p.target.Host
	p.rewriteHeaders(outReq.Header)
	if _, ok := outReq.Header["User-Agent"]; !ok {
		// Keep the transport from adding its own.
		outReq.Header.Set("User-Agent", "")
	}

	resp, err := p.client.Do(outReq)
	if err != nil {
		p.finishError(w, r, t, scope, err, false, false, started)
		return
	}
	defer resp.Body.Close()

	color := StatusColor(resp.StatusCode)
	t.Update(color, fmt.Sprintf("%d - writing response", resp.StatusCode))

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	cw := newClientWriter(w)
	if _, err := io.Copy(cw, resp.Body); err != nil {
		p.finishError(w, r, t, scope, err, true, cw.err != nil, started)
		return
	}

	if t.Succeed(resp.StatusCode, color) {
		p.metrics.ObserveRequest(r.Method, resp.StatusCode, time.Since(started))
	}
}

// finishError completes t after a failed exchange. A failed write to the
// client, or a scope fired by the client, is a client abort; shutdown is
// a forced close answered with 503; anything else is an upstream error,
// answered with 502. Neither status is sent once the response has started.
func (p *Proxy) finishError(w http.ResponseWriter, r *http.Request, t *task.Task, scope *abort.Scope, err error, headersSent, clientWrite bool, started time.Time) {
	status := 0
	switch {
	case clientWrite:
		t.Abort()
		p.metrics.RelayError(metrics.ErrWrite)
	case scope.Fired() && abort.IsShutdown(scope.Cause()):
		t.Complete(task.Closed(0, "server stopped"))
		if !headersSent {
			status = http.StatusServiceUnavailable
			http.Error(w, "server stopped", status)
		}
	case scope.Fired():
		t.Abort()
	default:
		p.logger.Debug("upstream error", "method", r.Method, "uri", r.RequestURI, "error", err)
		t.Fail(err)
		p.metrics.RelayError(metrics.ErrUpstream)
		if !headersSent {
			status = http.StatusBadGateway
			http.Error(w, err.Error(), status)
		}
	}
	p.metrics.ObserveRequest(r.Method, status, time.Since(started))
}

// clientWriter flushes after every write so streamed bodies reach the
// client as they arrive, and remembers the first write error.
type clientWriter struct {
	w   io.Writer
	rc  *http.ResponseController
	err error
}

func newClientWriter(w http.ResponseWriter) *clientWriter {
	return &clientWriter{w: w, rc: http.NewResponseController(w)}
}

func (c *clientWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	if err == nil {
		if ferr := c.rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
			err = ferr
		}
	}
	if err != nil && c.err == nil {
		c.err = err
	}
	return n, err
}
