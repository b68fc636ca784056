package channel

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/1ureka/velonet/internal/protocol"
	"github.com/1ureka/velonet/internal/util"
)

const maxDatagram = 64 * 1024

// garbage datagrams come from the remote, so their logging is throttled
var udpDropLog = util.NewThrottledLogger(time.Second, 5)

// UDP is a channel over datagrams. Each datagram carries one or more whole
// frames. A datagram that cannot be parsed to the end is dropped from the
// first bad byte on; this never fails the channel, since corruption is not
// distinguishable from loss.
type UDP struct {
	*pipe
	datagrams chan []byte
	send      func([]byte) error
	release   func() error
}

func newUDP(remote string, opts Options, send func([]byte) error, release func() error) *UDP {
	u := &UDP{
		pipe:    newPipe(KindUDP, remote, opts),
		send:    send,
		release: release,
	}
	u.datagrams = make(chan []byte, u.opts.InboxSize)
	go u.decodeLoop()
	go u.writeLoop()
	return u
}

// DialUDP creates a channel to addr over a connected UDP socket.
func DialUDP(ctx context.Context, addr string, opts Options) (*UDP, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, err
	}
	u := newUDP(conn.RemoteAddr().String(), opts, func(b []byte) error {
		_, err := conn.Write(b)
		return err
	}, conn.Close)
	go u.receiveLoop(conn)
	return u, nil
}

// receiveLoop feeds datagrams from a connected socket.
func (u *UDP) receiveLoop(conn net.Conn) {
	buf := make([]byte, maxDatagram)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			u.finishRead(protocol.Failure(err))
			return
		}
		dg := make([]byte, n)
		copy(dg, buf[:n])
		select {
		case u.datagrams <- dg:
		case <-u.closing:
			return
		}
	}
}

// feed offers a datagram without blocking; a full queue drops it.
func (u *UDP) feed(dg []byte) {
	select {
	case u.datagrams <- dg:
	default:
		u.opts.Observer.FrameDropped(KindUDP)
		udpDropLog.Warn("udp %s: receive queue full, datagram dropped", u.remote)
	}
}

func (u *UDP) decodeLoop() {
	var dec decoder
	for {
		select {
		case dg := <-u.datagrams:
			frames, used, err := dec.decode(dg)
			for _, d := range frames {
				if !u.deliver(d.frame, d.size) {
					return
				}
			}
			if len(frames) > 0 {
				u.wake()
			}
			if used < len(dg) {
				u.opts.Observer.FrameDropped(KindUDP)
				if err == nil {
					err = protocol.ErrShortFrame
				}
				udpDropLog.Warn("udp %s: dropped %d undecodable bytes: %v", u.remote, len(dg)-used, err)
			}
		case <-u.closing:
			return
		}
	}
}

func (u *UDP) writeLoop() {
	defer func() {
		if err := u.release(); err != nil {
			util.LogDebug("udp %s: release: %v", u.remote, err)
		}
		u.finishRead(protocol.Failure(ErrClosed))
	}()

	enc := encoder{preamble: u.opts.Preamble}
	var dg, scratch []byte
	for {
		batch := u.nextBatch(writeBatch)
		if batch == nil {
			return
		}
		dg = dg[:0]
		for _, f := range batch {
			scratch = enc.append(scratch[:0], f)
			if len(dg) > 0 && len(dg)+len(scratch) > u.opts.DatagramSize {
				if err := u.send(dg); err != nil {
					u.finishRead(protocol.Failure(err))
					return
				}
				dg = dg[:0]
			}
			dg = append(dg, scratch...)
			u.sent(f, len(scratch))
		}
		if err := u.send(dg); err != nil {
			u.finishRead(protocol.Failure(err))
			return
		}
		u.writable()
	}
}

// Close sends what is queued and releases the socket or listener session.
func (u *UDP) Close() error {
	u.markClosing()
	return nil
}

// ---------------------------------------------------------------------------
// Listener
// ---------------------------------------------------------------------------

// ErrListenerClosed is returned by Accept after Close.
var ErrListenerClosed = errors.New("channel: listener closed")

// UDPListener demultiplexes one UDP socket into a channel per remote address.
type UDPListener struct {
	conn *net.UDPConn
	opts Options

	mu       sync.Mutex
	sessions map[string]*UDP

	accept    chan *UDP
	closed    chan struct{}
	closeOnce sync.Once
}

// ListenUDP binds addr.
func ListenUDP(addr string, opts Options) (*UDPListener, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, err
	}
	l := &UDPListener{
		conn:     conn,
		opts:     opts,
		sessions: make(map[string]*UDP),
		accept:   make(chan *UDP, 64),
		closed:   make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

func (l *UDPListener) Addr() net.Addr { return l.conn.LocalAddr() }

// Accept returns the channel of the next new remote address.
func (l *UDPListener) Accept(ctx context.Context) (*UDP, error) {
	select {
	case u := <-l.accept:
		return u, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *UDPListener) readLoop() {
	buf := make([]byte, maxDatagram)
	for {
		n, raddr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			l.Close()
			return
		}
		dg := make([]byte, n)
		copy(dg, buf[:n])

		key := raddr.String()
		l.mu.Lock()
		u, ok := l.sessions[key]
		if !ok {
			u = l.newSession(raddr)
			select {
			case l.accept <- u:
				l.sessions[key] = u
			default:
				util.LogWarning("udp listener: accept backlog full, ignoring %s", key)
				u.Close()
				u = nil
			}
		}
		l.mu.Unlock()

		if u != nil {
			u.feed(dg)
		}
	}
}

func (l *UDPListener) newSession(raddr *net.UDPAddr) *UDP {
	key := raddr.String()
	var u *UDP
	u = newUDP(key, l.opts, func(b []byte) error {
		_, err := l.conn.WriteToUDP(b, raddr)
		return err
	}, func() error {
		l.mu.Lock()
		if l.sessions[key] == u {
			delete(l.sessions, key)
		}
		l.mu.Unlock()
		return nil
	})
	return u
}

// Close stops accepting and closes the socket; open sessions fail.
func (l *UDPListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.conn.Close()

		l.mu.Lock()
		sessions := make([]*UDP, 0, len(l.sessions))
		for _, u := range l.sessions {
			sessions = append(sessions, u)
		}
		l.mu.Unlock()
		for _, u := range sessions {
			u.finishRead(protocol.Failure(net.ErrClosed))
			u.Close()
		}
	})
	return err
}
