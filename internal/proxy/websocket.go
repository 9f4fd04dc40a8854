package proxy

import (
	"errors"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/HakAl/relayview/internal/abort"
	"github.com/HakAl/relayview/internal/console"
	"github.com/HakAl/relayview/internal/metrics"
	"github.com/HakAl/relayview/internal/queue"
	"github.com/HakAl/relayview/internal/target"
	"github.com/HakAl/relayview/internal/task"
)

// CloseUpstreamAbnormal is sent to the client in place of a target close
// code that cannot appear on the wire (1005, 1006, 1015).
const CloseUpstreamAbnormal = 4006

// maxCloseReason is the largest close reason that fits in a control frame.
const maxCloseReason = 123

const closeWriteTimeout = time.Second

// handshakeHeaders are generated by the dialer for the outbound handshake.
var handshakeHeaders = []string{
	"Upgrade",
	"Connection",
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
}

// wsRelay is one client socket paired with one target socket.
type wsRelay struct {
	p       *Proxy
	task    *task.Task
	scope   *abort.Scope
	inbound *websocket.Conn
	pending *queue.Pending

	mu       sync.Mutex
	outbound *websocket.Conn

	inOnce  sync.Once
	outOnce sync.Once
}

// handleWebSocket upgrades the client connection, dials the target and
// relays messages both ways until either side closes.
func (p *Proxy) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Clone()
	stripHeaders(header, handshakeHeaders...)
	header.Set("Host", p.target.Host)
	p.rewriteHeaders(header)

	// Accept the first requested subprotocol; the target gets the full list.
	var respHeader http.Header
	if protocols := websocket.Subprotocols(r); len(protocols) > 0 {
		respHeader = http.Header{"Sec-Websocket-Protocol": {protocols[0]}}
	}

	inbound, err := p.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		p.logger.Debug("failed to upgrade connection", "error", err)
		return
	}

	t := p.registry.Start(task.KindWebSocket, "ws: "+r.RequestURI)
	t.Update(console.Default, "proxying socket")

	rl := &wsRelay{
		p:       p,
		task:    t,
		scope:   p.shutdown.Child(),
		inbound: inbound,
		pending: queue.New(),
	}
	detach := rl.scope.OnFire(func(cause error) {
		if abort.IsShutdown(cause) {
			rl.task.Complete(task.Closed(websocket.CloseGoingAway, "closed by client"))
			rl.closeOutbound(websocket.CloseGoingAway)
			rl.closeInbound(websocket.CloseGoingAway, "server stopped")
		}
	})

	outDone := make(chan struct{})
	p.relays.Add(1)
	go func() {
		defer p.relays.Done()
		defer close(outDone)
		rl.runOutbound(target.WebSocketURL(p.target, r.URL.RequestURI()).String(), header)
	}()

	rl.runInbound()
	<-outDone

	detach()
	rl.scope.Fire(abort.ErrReleased)
	p.metrics.ObserveSession(t.Outcome().Kind.String())
}

// runInbound forwards client messages through the pending queue until the
// client socket fails or closes.
func (rl *wsRelay) runInbound() {
	for {
		mt, data, err := rl.inbound.ReadMessage()
		if err != nil {
			rl.clientClosed(err)
			return
		}
		err = rl.pending.Push(queue.Frame{Data: data, Binary: mt == websocket.BinaryMessage})
		if err != nil && !errors.Is(err, queue.ErrClosed) {
			rl.fail(err, metrics.ErrUpstream)
		}
	}
}

// runOutbound dials the target, flushes the pending queue and forwards
// target messages to the client.
func (rl *wsRelay) runOutbound(url string, header http.Header) {
	conn, resp, err := rl.p.dialer.DialContext(rl.scope.Context(), url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if !rl.scope.Fired() {
			rl.fail(err, metrics.ErrDial)
		}
		return
	}
	defer conn.Close()

	rl.mu.Lock()
	if rl.scope.Fired() {
		rl.mu.Unlock()
		return
	}
	rl.outbound = conn
	rl.mu.Unlock()

	rl.task.Update(console.Green, "socket open")

	err = rl.pending.Open(func(f queue.Frame) error {
		mt := websocket.TextMessage
		if f.Binary {
			mt = websocket.BinaryMessage
		}
		if err := conn.WriteMessage(mt, f.Data); err != nil {
			return err
		}
		rl.p.metrics.Frame(metrics.Inbound)
		return nil
	})
	if err != nil && !errors.Is(err, queue.ErrClosed) {
		rl.fail(err, metrics.ErrUpstream)
		return
	}

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			rl.targetClosed(err)
			return
		}
		if err := rl.inbound.WriteMessage(mt, data); err != nil {
			rl.clientClosed(err)
			return
		}
		rl.p.metrics.Frame(metrics.Outbound)
	}
}

// clientClosed handles the end of the client socket: the target socket is
// closed and the task completes as closed by client unless the target
// already completed it.
func (rl *wsRelay) clientClosed(err error) {
	rl.scope.Fire(abort.ErrClientClosed)

	code := websocket.CloseNormalClosure
	var ce *websocket.CloseError
	if errors.As(err, &ce) && sendable(ce.Code) {
		code = ce.Code
	}
	rl.task.Complete(task.Closed(code, "closed by client"))
	rl.closeOutbound(code)
	rl.closeInbound(code, "")
}

// targetClosed handles the end of the target socket.
func (rl *wsRelay) targetClosed(err error) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code, reason := translateClose(ce.Code, ce.Text)
		rl.task.Complete(task.Closed(ce.Code, "closed by server"))
		rl.closeInbound(code, reason)
		return
	}
	if rl.scope.Fired() {
		// Closed from our side.
		return
	}
	rl.fail(err, metrics.ErrUpstream)
}

// fail records an outbound error and closes the client with 1011.
func (rl *wsRelay) fail(err error, kind string) {
	rl.scope.Fire(err)
	if rl.task.Fail(err) {
		rl.p.metrics.RelayError(kind)
		rl.p.logger.Debug("websocket relay error", "label", rl.task.Label(), "error", err)
	}
	rl.closeInbound(websocket.CloseInternalServerErr, err.Error())
	rl.closeOutbound(websocket.CloseNormalClosure)
}

// closeInbound sends a close frame to the client and closes its socket.
// Only the first call has an effect.
func (rl *wsRelay) closeInbound(code int, reason string) {
	rl.inOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, truncateReason(reason))
		_ = rl.inbound.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
		rl.inbound.Close()
	})
}

// closeOutbound stops the pending queue and closes the target socket if it
// is open. Callers fire the scope first so a dial still in flight is
// abandoned rather than published.
func (rl *wsRelay) closeOutbound(code int) {
	rl.outOnce.Do(func() {
		rl.pending.Close()

		rl.mu.Lock()
		conn := rl.outbound
		rl.mu.Unlock()
		if conn == nil {
			return
		}
		msg := websocket.FormatCloseMessage(code, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
		conn.Close()
	})
}

// translateClose maps a target close code to the one sent to the client.
func translateClose(code int, reason string) (int, string) {
	switch code {
	case websocket.CloseNoStatusReceived:
		return CloseUpstreamAbnormal, "target closed without a status code"
	case websocket.CloseAbnormalClosure:
		return CloseUpstreamAbnormal, "target connection closed abnormally"
	case websocket.CloseTLSHandshake:
		return CloseUpstreamAbnormal, "target TLS handshake failed"
	}
	return code, reason
}

// sendable reports whether code may appear in a close frame.
func sendable(code int) bool {
	switch code {
	case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		return false
	}
	return true
}

// truncateReason cuts s to the close reason limit on a rune boundary.
func truncateReason(s string) string {
	if len(s) <= maxCloseReason {
		return s
	}
	s = s[:maxCloseReason]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
