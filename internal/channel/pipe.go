package channel

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"

	"github.com/1ureka/velonet/internal/protocol"
	"github.com/1ureka/velonet/internal/util"
)

// pipe is the machinery shared by the goroutine-backed transports: a reader
// goroutine fills inbox, a writer goroutine drains outbox, and Read/Write only
// touch the buffers.
type pipe struct {
	id     xid.ID
	kind   Kind
	remote string
	opts   Options

	inbox  chan protocol.Frame
	outbox chan protocol.Frame

	waker     atomic.Pointer[func()]
	wantWrite atomic.Bool

	closing   chan struct{} // closed by Close
	closeOnce sync.Once

	readDone chan struct{} // closed when the reader stops; readErr is set before
	readOnce sync.Once
	readErr  error
}

func newPipe(kind Kind, remote string, opts Options) *pipe {
	opts = opts.withDefaults()
	return &pipe{
		id:       xid.New(),
		kind:     kind,
		remote:   remote,
		opts:     opts,
		inbox:    make(chan protocol.Frame, opts.InboxSize),
		outbox:   make(chan protocol.Frame, opts.OutboxSize),
		closing:  make(chan struct{}),
		readDone: make(chan struct{}),
	}
}

func (p *pipe) ID() xid.ID         { return p.id }
func (p *pipe) Kind() Kind         { return p.kind }
func (p *pipe) RemoteAddr() string { return p.remote }

func (p *pipe) SetWaker(w func()) {
	if w == nil {
		p.waker.Store(nil)
		return
	}
	p.waker.Store(&w)
}

func (p *pipe) wake() {
	if w := p.waker.Load(); w != nil {
		(*w)()
	}
}

// Read drains whatever the reader goroutine has decoded so far.
func (p *pipe) Read() ([]protocol.Frame, error) {
	frames := p.drain()
	if len(frames) > 0 {
		return frames, nil
	}
	select {
	case <-p.readDone:
		// the reader may have queued its last frames just before stopping
		if frames = p.drain(); len(frames) > 0 {
			return frames, nil
		}
		return nil, p.readErr
	default:
		return nil, nil
	}
}

func (p *pipe) drain() []protocol.Frame {
	var frames []protocol.Frame
	for {
		select {
		case f := <-p.inbox:
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

// Write queues f for the writer goroutine.
func (p *pipe) Write(f protocol.Frame) error {
	select {
	case <-p.closing:
		return ErrClosed
	default:
	}
	select {
	case p.outbox <- f:
		return nil
	default:
	}
	p.wantWrite.Store(true)
	// the writer may have made room between the failed send and the flag
	select {
	case p.outbox <- f:
		return nil
	default:
		return ErrWouldBlock
	}
}

// deliver hands a decoded frame to Read, blocking while the inbox is full.
// It returns false once the channel is closing.
func (p *pipe) deliver(f protocol.Frame, size int) bool {
	p.opts.Observer.FrameReceived(p.kind, f.Kind(), size)
	util.Stats.AddRecv(1, size)
	select {
	case p.inbox <- f:
		return true
	default:
	}
	p.wake()
	select {
	case p.inbox <- f:
		return true
	case <-p.closing:
		return false
	}
}

// finishRead records the reader's terminal error and wakes the owner.
func (p *pipe) finishRead(err error) {
	p.readOnce.Do(func() {
		select {
		case <-p.closing:
			err = protocol.Failure(ErrClosed)
		default:
		}
		p.readErr = err
		close(p.readDone)
	})
	p.wake()
}

// sent does the accounting for a frame the writer pushed out.
func (p *pipe) sent(f protocol.Frame, size int) {
	p.opts.Observer.FrameSent(p.kind, f.Kind(), size)
	util.Stats.AddSent(1, size)
}

// writable wakes the owner if a Write was refused since the last batch.
func (p *pipe) writable() {
	if p.wantWrite.CompareAndSwap(true, false) {
		p.wake()
	}
}

// nextBatch blocks for one outgoing frame and then collects whatever else is
// queued, up to max. It returns nil once the channel is closing and the outbox
// is empty.
func (p *pipe) nextBatch(max int) []protocol.Frame {
	var batch []protocol.Frame
	select {
	case f := <-p.outbox:
		batch = append(batch, f)
	case <-p.closing:
		select {
		case f := <-p.outbox:
			batch = append(batch, f)
		default:
			return nil
		}
	}
	for len(batch) < max {
		select {
		case f := <-p.outbox:
			batch = append(batch, f)
		default:
			return batch
		}
	}
	return batch
}

// markClosing starts a graceful close: the writer flushes what is queued and
// then tears the transport down. It reports whether this call did the marking.
func (p *pipe) markClosing() bool {
	first := false
	p.closeOnce.Do(func() {
		close(p.closing)
		first = true
	})
	return first
}

func (p *pipe) isClosing() bool {
	select {
	case <-p.closing:
		return true
	default:
		return false
	}
}

// ---------------------------------------------------------------------------
// Frame decoding shared by the byte-oriented transports
// ---------------------------------------------------------------------------

// decoder turns a byte stream into frames. The very first frame may arrive as
// a legacy preamble, which is translated into its Handshake frame.
type decoder struct {
	started bool
}

type decoded struct {
	frame protocol.Frame
	size  int
}

// decode parses every complete frame at the front of buf. It returns the
// frames, how many bytes they used, and a Violated error if buf holds bytes
// that cannot start a frame.
func (d *decoder) decode(buf []byte) ([]decoded, int, error) {
	var out []decoded
	used := 0
	for used < len(buf) {
		rest := buf[used:]
		if !d.started && protocol.IsPreamble(rest) {
			pre, err := protocol.DecodePreamble(rest)
			if errors.Is(err, protocol.ErrShortFrame) {
				break
			}
			if err != nil {
				return out, used, protocol.Violation("bad preamble: %w", err)
			}
			util.LogDebug("legacy preamble from peer %016x (version %s)", pre.ID, pre.Version)
			d.started = true
			out = append(out, decoded{pre.Handshake(), protocol.PreambleSize})
			used += protocol.PreambleSize
			continue
		}
		f, n, err := protocol.Decode(rest)
		if errors.Is(err, protocol.ErrShortFrame) {
			break
		}
		if err != nil {
			return out, used, protocol.Violation("%w", err)
		}
		d.started = true
		out = append(out, decoded{f, n})
		used += n
	}
	return out, used, nil
}

// encoder serializes outgoing frames, writing the first Handshake as a legacy
// preamble when configured to.
type encoder struct {
	preamble *uint64
}

func (e *encoder) append(dst []byte, f protocol.Frame) []byte {
	if e.preamble != nil {
		if h, ok := f.(protocol.Handshake); ok {
			p := protocol.Preamble{MagicNumber: h.MagicNumber, Version: h.Version, ID: *e.preamble}
			e.preamble = nil
			b := protocol.EncodePreamble(p)
			return append(dst, b[:]...)
		}
	}
	return protocol.Append(dst, f)
}
