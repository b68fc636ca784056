package channel

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/velonet/internal/protocol"
	"github.com/1ureka/velonet/internal/util"
)

const (
	wsBatchSize   = 64 * 1024
	wsReadLimit   = 2 * wsBatchSize
	wsCloseWait   = time.Second
	wsHandshakeTO = 10 * time.Second
)

// WebSocket is a channel over a websocket connection. Each binary message
// carries a batch of whole frames; a message that does not parse completely
// is a protocol violation, since the transport is reliable.
type WebSocket struct {
	*pipe
	conn *websocket.Conn
}

// NewWebSocket wraps an established websocket connection.
func NewWebSocket(conn *websocket.Conn, opts Options) *WebSocket {
	conn.SetReadLimit(wsReadLimit)
	w := &WebSocket{
		pipe: newPipe(KindWebSocket, conn.RemoteAddr().String(), opts),
		conn: conn,
	}
	go w.readLoop()
	go w.writeLoop()
	return w
}

// DialWebSocket connects to a ws:// or wss:// url.
func DialWebSocket(ctx context.Context, url string, opts Options) (*WebSocket, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTO}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocket(conn, opts), nil
}

func (w *WebSocket) readLoop() {
	var dec decoder
	for {
		typ, data, err := w.conn.ReadMessage()
		if err != nil {
			w.finishRead(protocol.Failure(err))
			return
		}
		if typ != websocket.BinaryMessage {
			w.conn.Close()
			w.finishRead(protocol.Violation("unexpected websocket message type %d", typ))
			return
		}
		frames, used, derr := dec.decode(data)
		for _, d := range frames {
			if !w.deliver(d.frame, d.size) {
				w.finishRead(nil)
				return
			}
		}
		if len(frames) > 0 {
			w.wake()
		}
		if derr == nil && used < len(data) {
			derr = protocol.Violation("websocket message ends inside a frame")
		}
		if derr != nil {
			w.conn.Close()
			w.finishRead(derr)
			return
		}
	}
}

func (w *WebSocket) writeLoop() {
	defer w.conn.Close()

	enc := encoder{preamble: w.opts.Preamble}
	var msg, scratch []byte
	flush := func() bool {
		if len(msg) == 0 {
			return true
		}
		if err := w.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			w.finishRead(protocol.Failure(err))
			return false
		}
		msg = msg[:0]
		return true
	}

	for {
		batch := w.nextBatch(writeBatch)
		if batch == nil {
			_ = w.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsCloseWait))
			return
		}
		for _, f := range batch {
			scratch = enc.append(scratch[:0], f)
			if len(msg)+len(scratch) > wsBatchSize && !flush() {
				return
			}
			msg = append(msg, scratch...)
			w.sent(f, len(scratch))
		}
		if !flush() {
			return
		}
		w.writable()
	}
}

// Close sends what is queued, then a close message.
func (w *WebSocket) Close() error {
	if w.markClosing() {
		_ = w.conn.SetWriteDeadline(time.Now().Add(closeLinger))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Accepting side
// ---------------------------------------------------------------------------

// WebSocketListener is an http.Handler that upgrades requests into channels.
type WebSocketListener struct {
	upgrader  websocket.Upgrader
	opts      Options
	accept    chan *WebSocket
	closed    chan struct{}
	closeOnce sync.Once
}

func NewWebSocketListener(opts Options) *WebSocketListener {
	return &WebSocketListener{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		opts:   opts,
		accept: make(chan *WebSocket, 64),
		closed: make(chan struct{}),
	}
}

func (l *WebSocketListener) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	select {
	case <-l.closed:
		http.Error(rw, "listener closed", http.StatusServiceUnavailable)
		return
	default:
	}
	conn, err := l.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		util.LogWarning("websocket upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	ch := NewWebSocket(conn, l.opts)
	select {
	case l.accept <- ch:
	case <-l.closed:
		ch.Close()
	case <-r.Context().Done():
		ch.Close()
	}
}

func (l *WebSocketListener) Accept(ctx context.Context) (*WebSocket, error) {
	select {
	case ch := <-l.accept:
		return ch, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *WebSocketListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}
