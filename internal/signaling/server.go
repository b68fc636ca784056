package signaling

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/velonet/internal/channel"
	"github.com/1ureka/velonet/internal/util"
)

// OpenTimeout bounds how long a peer may take from the first signaling
// message until its DataChannel is open.
const OpenTimeout = 30 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Listener accepts WebRTC channels. Peers reach it over WebSocket at /ws,
// authenticating with ?pin=, and send an offer; the listener answers.
type Listener struct {
	pin        string
	iceServers []string
	opts       channel.Options

	ln     net.Listener
	srv    *http.Server
	accept chan *channel.WebRTC

	closed    chan struct{}
	closeOnce sync.Once
}

// Listen starts the signaling endpoint on addr. An empty pin disables the check.
func Listen(addr, pin string, iceServers []string, opts channel.Options) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start signaling server: %w", err)
	}
	l := &Listener{
		pin:        pin,
		iceServers: iceServers,
		opts:       opts,
		ln:         ln,
		accept:     make(chan *channel.WebRTC, 16),
		closed:     make(chan struct{}),
	}

	r := mux.NewRouter()
	r.Handle("/ws", l).Methods(http.MethodGet)
	l.srv = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("signaling server: %v", err)
		}
	}()
	return l, nil
}

// Addr is the address the signaling endpoint listens on.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// ServeHTTP runs one signaling exchange as the answering side.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if l.pin != "" && subtle.ConstantTimeCompare([]byte(r.URL.Query().Get("pin")), []byte(l.pin)) != 1 {
		http.Error(w, "Invalid PIN", http.StatusUnauthorized)
		return
	}
	select {
	case <-l.closed:
		http.Error(w, "listener closed", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogWarning("signaling upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	ch, err := l.answer(conn)
	if err != nil {
		util.LogWarning("signaling with %s: %v", r.RemoteAddr, err)
		return
	}
	select {
	case l.accept <- ch:
	case <-l.closed:
		ch.Close()
	}
}

func (l *Listener) answer(conn *websocket.Conn) (*channel.WebRTC, error) {
	pc, err := channel.NewPeerConnection(l.iceServers)
	if err != nil {
		return nil, err
	}
	dcs := make(chan *webrtc.DataChannel, 1)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		select {
		case dcs <- dc:
		default:
		}
	})

	ex := newExchange(conn, pc)
	failed := make(chan error, 1)
	go func() { failed <- ex.watch(false) }()

	timeout := time.NewTimer(OpenTimeout)
	defer timeout.Stop()

	var ch *channel.WebRTC
	for {
		var opened <-chan struct{}
		if ch != nil {
			opened = ch.Opened()
		}
		select {
		case dc := <-dcs:
			ch = channel.NewWebRTC(pc, dc, l.opts)
		case <-opened:
			return ch, nil
		case err := <-failed:
			closeAll(pc, ch)
			return nil, err
		case <-timeout.C:
			closeAll(pc, ch)
			return nil, errors.New("signaling: datachannel did not open in time")
		case <-l.closed:
			closeAll(pc, ch)
			return nil, channel.ErrListenerClosed
		}
	}
}

// Accept waits for the next channel whose DataChannel is open.
func (l *Listener) Accept(ctx context.Context) (*channel.WebRTC, error) {
	select {
	case ch := <-l.accept:
		return ch, nil
	case <-l.closed:
		return nil, channel.ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the signaling endpoint. Channels already accepted stay up.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.srv.Close()
	})
	return err
}

func closeAll(pc *webrtc.PeerConnection, ch *channel.WebRTC) {
	if ch != nil {
		ch.Close()
		return
	}
	_ = pc.Close()
}
