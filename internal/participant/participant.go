// Package participant holds the state of one remote endpoint as seen by the
// worker that drives it, and the process-wide table of known participants.
package participant

import (
	"errors"
	"fmt"

	"github.com/1ureka/velonet/internal/config"
	"github.com/1ureka/velonet/internal/handshake"
	"github.com/1ureka/velonet/internal/protocol"
	"github.com/1ureka/velonet/internal/stream"
	"github.com/1ureka/velonet/internal/util"
)

var (
	// ErrUnknownStream is returned for operations on a stream that is not open.
	ErrUnknownStream = errors.New("participant: unknown stream")
	// ErrStreamExists is returned when opening a sid that is already in use.
	ErrStreamExists = errors.New("participant: stream already open")
	// ErrShutdown is returned by Handle when the remote sent Shutdown on the channel.
	ErrShutdown = errors.New("participant: remote shut down")
	// ErrDropped is returned by HandleLossy for a frame that was discarded
	// because an earlier frame it depends on was lost.
	ErrDropped = errors.New("participant: frame dropped")
)

// EventKind tells what an Event reports.
type EventKind int

const (
	StreamOpened EventKind = iota
	StreamClosed
	MessageReceived
)

func (k EventKind) String() string {
	switch k {
	case StreamOpened:
		return "stream_opened"
	case StreamClosed:
		return "stream_closed"
	case MessageReceived:
		return "message_received"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is something the application must learn about. Events are produced
// in the order their causing frames arrived.
type Event struct {
	Kind     EventKind
	Sid      protocol.Sid
	Prio     protocol.Prio
	Promises protocol.Promises
	Remote   bool // StreamOpened/StreamClosed: the peer initiated it
	Message  stream.IncomingMessage
}

// Participant is one remote endpoint. It is owned by exactly one worker and
// is not safe for concurrent use.
type Participant struct {
	pid   protocol.Pid
	local protocol.SidRange // sids this side opens; the peer must not use them
	mids  *stream.IDPool[protocol.Mid]

	streams util.SortedVec[protocol.Sid, *stream.Stream]
	reasm   *stream.Reassembler
	sched   *stream.Scheduler

	control []protocol.Frame
	events  []Event

	// Frames for streams closed here may still be in flight from the peer.
	closed  map[protocol.Sid]struct{}
	dropped map[protocol.Mid]uint64 // bytes still expected per discarded message
}

// New creates the participant state for a completed handshake.
func New(res handshake.Result, limits config.Network) *Participant {
	chunk := limits.FragmentSize
	if chunk <= 0 || chunk > protocol.MaxChunkSize {
		chunk = protocol.MaxChunkSize
	}
	return &Participant{
		pid:     res.Pid,
		local:   res.StreamIDs,
		mids:    stream.MidPool(res.MsgIDs),
		reasm:   stream.NewReassembler(limits.MaxMessageSize),
		sched:   stream.NewScheduler(chunk),
		closed:  make(map[protocol.Sid]struct{}),
		dropped: make(map[protocol.Mid]uint64),
	}
}

func (p *Participant) Pid() protocol.Pid { return p.pid }

// Streams returns the open sids in ascending order.
func (p *Participant) Streams() []protocol.Sid { return p.streams.Keys() }

// Stream returns the open stream sid.
func (p *Participant) Stream(sid protocol.Sid) (*stream.Stream, bool) {
	return p.streams.Get(sid)
}

// OpenStream registers a locally opened stream and queues its announcement.
func (p *Participant) OpenStream(sid protocol.Sid, prio protocol.Prio, promises protocol.Promises) error {
	if !p.local.Contains(sid) {
		return fmt.Errorf("participant: sid %d outside local range [%d, %d)", sid, p.local.Start, p.local.End)
	}
	if _, ok := p.streams.Get(sid); ok {
		return ErrStreamExists
	}
	s := stream.New(sid, prio, promises)
	p.streams.Insert(sid, s)
	p.control = append(p.control, s.OpenFrame())
	p.events = append(p.events, Event{Kind: StreamOpened, Sid: sid, Prio: s.Prio, Promises: promises})
	return nil
}

// CloseStream closes a stream from this side. Unsent messages are dropped.
func (p *Participant) CloseStream(sid protocol.Sid) error {
	if _, ok := p.streams.Get(sid); !ok {
		return ErrUnknownStream
	}
	p.teardown(sid, false)
	p.control = append(p.control, protocol.CloseStream{Sid: sid})
	return nil
}

// Send queues payload on sid. The payload is not copied.
func (p *Participant) Send(sid protocol.Sid, payload []byte) (protocol.Mid, error) {
	s, ok := p.streams.Get(sid)
	if !ok {
		return 0, ErrUnknownStream
	}
	mid, err := p.mids.Next()
	if err != nil {
		return 0, err
	}
	p.sched.Enqueue(s.Prio, stream.NewOutgoing(mid, sid, payload))
	s.CountSent()
	return mid, nil
}

// Shutdown tears down every stream without announcing the closures; the
// caller sends Shutdown on each channel instead.
func (p *Participant) Shutdown() {
	for _, sid := range p.streams.Keys() {
		p.teardown(sid, true)
	}
	p.control = p.control[:0]
}

// Handle applies one frame received on any of the participant's channels. A
// returned *protocol.ProtocolError is terminal for that channel; ErrShutdown
// means the peer closed it.
func (p *Participant) Handle(f protocol.Frame) error {
	return f.Visit(inbound{p: p})
}

// HandleLossy is Handle for a channel that may lose frames. A frame that
// refers to a lost one, such as Data whose header never arrived, is
// discarded with ErrDropped and the channel stays usable.
func (p *Participant) HandleLossy(f protocol.Frame) error {
	return f.Visit(inbound{p: p, lossy: true})
}

// Outgoing appends the frames to write next: pending stream announcements
// first, then at most n scheduled data frames.
func (p *Participant) Outgoing(dst []protocol.Frame, n int) []protocol.Frame {
	dst = append(dst, p.control...)
	clear(p.control)
	p.control = p.control[:0]
	return p.sched.Fill(dst, n)
}

// HasOutgoing reports whether Outgoing would return anything.
func (p *Participant) HasOutgoing() bool {
	return len(p.control) > 0 || !p.sched.Empty()
}

// TakeEvents returns and clears the pending events.
func (p *Participant) TakeEvents() []Event {
	ev := p.events
	p.events = nil
	return ev
}

// teardown removes sid and everything queued for it.
func (p *Participant) teardown(sid protocol.Sid, remote bool) {
	s, ok := p.streams.Delete(sid)
	if !ok {
		return
	}
	p.sched.DropStream(sid)
	for mid, left := range p.reasm.DropStream(sid) {
		p.dropped[mid] = left
	}
	if !remote {
		p.closed[sid] = struct{}{}
	}
	sent, recv := s.Counts()
	util.LogDebug("participant %s: stream %d closed (sent %d, received %d)", p.pid.Short(), sid, sent, recv)
	p.events = append(p.events, Event{Kind: StreamClosed, Sid: sid, Prio: s.Prio, Promises: s.Promises, Remote: remote})
}

func (p *Participant) deliver(m *stream.IncomingMessage) {
	if m == nil {
		return
	}
	s, ok := p.streams.Get(m.Sid)
	if !ok {
		return
	}
	s.CountReceived()
	p.events = append(p.events, Event{Kind: MessageReceived, Sid: m.Sid, Prio: s.Prio, Promises: s.Promises, Message: *m})
}

// inbound dispatches frames received after the handshake.
type inbound struct {
	p     *Participant
	lossy bool
}

func (in inbound) OnHandshake(protocol.Handshake) error {
	return protocol.Violation("handshake after the channel was established")
}

func (in inbound) OnConfigure(protocol.Configure) error {
	return protocol.Violation("configure after the channel was established")
}

func (in inbound) OnParticipantID(protocol.ParticipantID) error {
	return protocol.Violation("participant id after the channel was established")
}

func (in inbound) OnOpenStream(f protocol.OpenStream) error {
	p := in.p
	if p.local.Contains(f.Sid) {
		return protocol.Violation("peer opened stream %d from our range", f.Sid)
	}
	if _, ok := p.streams.Get(f.Sid); ok {
		return protocol.Violation("peer opened stream %d twice", f.Sid)
	}
	s := stream.New(f.Sid, f.Prio, f.Promises)
	p.streams.Insert(f.Sid, s)
	p.events = append(p.events, Event{Kind: StreamOpened, Sid: f.Sid, Prio: s.Prio, Promises: f.Promises, Remote: true})
	return nil
}

func (in inbound) OnCloseStream(f protocol.CloseStream) error {
	p := in.p
	if _, ok := p.closed[f.Sid]; ok {
		// both sides closed it
		delete(p.closed, f.Sid)
		return nil
	}
	if _, ok := p.streams.Get(f.Sid); !ok {
		if in.lossy {
			return fmt.Errorf("%w: close of unknown stream %d", ErrDropped, f.Sid)
		}
		return protocol.Violation("peer closed stream %d that was never opened", f.Sid)
	}
	p.teardown(f.Sid, true)
	return nil
}

func (in inbound) OnDataHeader(f protocol.DataHeader) error {
	p := in.p
	if _, ok := p.streams.Get(f.Sid); !ok {
		if _, closed := p.closed[f.Sid]; closed {
			if f.Length > 0 {
				p.dropped[f.Mid] = f.Length
			}
			return nil
		}
		if in.lossy {
			return fmt.Errorf("%w: message %d on unknown stream %d", ErrDropped, f.Mid, f.Sid)
		}
		return protocol.Violation("message %d on unknown stream %d", f.Mid, f.Sid)
	}
	if in.lossy {
		// the rest of an earlier copy was lost; start over
		if left, ok := p.reasm.Discard(f.Mid); ok {
			util.LogDebug("participant %s: message %d restarted, %d bytes of the partial lost", p.pid.Short(), f.Mid, left)
		}
	}
	m, err := p.reasm.Header(f)
	if err != nil {
		return err
	}
	p.deliver(m)
	return nil
}

func (in inbound) OnData(f protocol.Data) error {
	p := in.p
	if left, ok := p.dropped[f.ID]; ok {
		n := uint64(len(f.Data))
		if n >= left {
			delete(p.dropped, f.ID)
		} else {
			p.dropped[f.ID] = left - n
		}
		return nil
	}
	if in.lossy {
		next, ok := p.reasm.Next(f.ID)
		if !ok {
			return fmt.Errorf("%w: data for unknown message %d", ErrDropped, f.ID)
		}
		if f.Start != next {
			p.reasm.Discard(f.ID)
			return fmt.Errorf("%w: message %d lost bytes [%d, %d)", ErrDropped, f.ID, next, f.Start)
		}
	}
	m, err := p.reasm.Feed(f)
	if err != nil {
		return err
	}
	p.deliver(m)
	return nil
}

func (in inbound) OnShutdown(protocol.Shutdown) error { return ErrShutdown }

func (in inbound) OnRaw(f protocol.Raw) error {
	util.LogWarning("participant %s: peer says %q", in.p.pid.Short(), f.Bytes)
	return nil
}
