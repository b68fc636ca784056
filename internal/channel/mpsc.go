package channel

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"

	"github.com/1ureka/velonet/internal/protocol"
	"github.com/1ureka/velonet/internal/util"
)

// MPSC is an in-process channel. Frames are handed over as values without
// being serialized; ordering and backpressure match the network transports: a
// full peer inbox makes Write return ErrWouldBlock, and draining it wakes the
// writer.
type MPSC struct {
	id     xid.ID
	remote string
	opts   Options
	inbox  chan protocol.Frame
	peer   *MPSC

	waker     atomic.Pointer[func()]
	wantWrite atomic.Bool

	closing   chan struct{}
	closeOnce sync.Once
}

// NewMPSCPair returns two connected ends.
func NewMPSCPair(opts Options) (*MPSC, *MPSC) {
	opts = opts.withDefaults()
	a := &MPSC{id: xid.New(), opts: opts, inbox: make(chan protocol.Frame, opts.InboxSize), closing: make(chan struct{})}
	b := &MPSC{id: xid.New(), opts: opts, inbox: make(chan protocol.Frame, opts.InboxSize), closing: make(chan struct{})}
	a.peer, b.peer = b, a
	a.remote = "mpsc:" + b.id.String()
	b.remote = "mpsc:" + a.id.String()
	return a, b
}

func (m *MPSC) ID() xid.ID         { return m.id }
func (m *MPSC) Kind() Kind         { return KindMPSC }
func (m *MPSC) RemoteAddr() string { return m.remote }

func (m *MPSC) SetWaker(w func()) {
	if w == nil {
		m.waker.Store(nil)
		return
	}
	m.waker.Store(&w)
}

func (m *MPSC) wake() {
	if w := m.waker.Load(); w != nil {
		(*w)()
	}
}

func closed(c chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}

func (m *MPSC) Read() ([]protocol.Frame, error) {
	var frames []protocol.Frame
drain:
	for {
		select {
		case f := <-m.inbox:
			frames = append(frames, f)
		default:
			break drain
		}
	}
	if len(frames) > 0 {
		size := 0
		for _, f := range frames {
			n := protocol.EncodedSize(f)
			size += n
			m.opts.Observer.FrameReceived(KindMPSC, f.Kind(), n)
		}
		util.Stats.AddRecv(len(frames), size)
		if m.peer.wantWrite.CompareAndSwap(true, false) {
			m.peer.wake()
		}
		return frames, nil
	}
	if closed(m.closing) {
		return nil, protocol.Failure(ErrClosed)
	}
	if closed(m.peer.closing) {
		// the peer may have written right before closing
		if len(m.inbox) > 0 {
			return m.Read()
		}
		return nil, protocol.Failure(io.EOF)
	}
	return nil, nil
}

func (m *MPSC) Write(f protocol.Frame) error {
	if closed(m.closing) {
		return ErrClosed
	}
	if closed(m.peer.closing) {
		return protocol.Failure(io.ErrClosedPipe)
	}
	select {
	case m.peer.inbox <- f:
	default:
		m.wantWrite.Store(true)
		select {
		case m.peer.inbox <- f:
		default:
			return ErrWouldBlock
		}
	}
	n := protocol.EncodedSize(f)
	m.opts.Observer.FrameSent(KindMPSC, f.Kind(), n)
	util.Stats.AddSent(1, n)
	m.peer.wake()
	return nil
}

// Close ends this side. Frames already written stay readable by the peer.
func (m *MPSC) Close() error {
	m.closeOnce.Do(func() {
		close(m.closing)
		m.peer.wake()
	})
	return nil
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// MPSCRegistry lets in-process listeners be found by a numeric address.
// Networks that should reach each other must share one registry.
type MPSCRegistry struct {
	mu        sync.Mutex
	listeners map[uint64]*MPSCListener
}

func NewMPSCRegistry() *MPSCRegistry {
	return &MPSCRegistry{listeners: make(map[uint64]*MPSCListener)}
}

// MPSCListener accepts in-process connections on one address.
type MPSCListener struct {
	reg       *MPSCRegistry
	addr      uint64
	opts      Options
	accept    chan *MPSC
	closed    chan struct{}
	closeOnce sync.Once
}

// Listen claims addr.
func (r *MPSCRegistry) Listen(addr uint64, opts Options) (*MPSCListener, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.listeners[addr]; taken {
		return nil, fmt.Errorf("mpsc address %d already in use", addr)
	}
	l := &MPSCListener{
		reg:    r,
		addr:   addr,
		opts:   opts,
		accept: make(chan *MPSC, 16),
		closed: make(chan struct{}),
	}
	r.listeners[addr] = l
	return l, nil
}

// Dial connects to the listener on addr and returns the local end.
func (r *MPSCRegistry) Dial(ctx context.Context, addr uint64, opts Options) (*MPSC, error) {
	r.mu.Lock()
	l, ok := r.listeners[addr]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("mpsc address %d: connection refused", addr)
	}
	local, remote := NewMPSCPair(opts)
	select {
	case l.accept <- remote:
		return local, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *MPSCListener) Addr() uint64 { return l.addr }

func (l *MPSCListener) Accept(ctx context.Context) (*MPSC, error) {
	select {
	case m := <-l.accept:
		return m, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases the address.
func (l *MPSCListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.reg.mu.Lock()
		delete(l.reg.listeners, l.addr)
		l.reg.mu.Unlock()
	})
	return nil
}
