package network

import (
	"context"
	"fmt"
	"sync"

	"github.com/1ureka/velonet/internal/channel"
	"github.com/1ureka/velonet/internal/protocol"
	"github.com/1ureka/velonet/internal/stream"
	"github.com/1ureka/velonet/internal/util"
	"github.com/1ureka/velonet/internal/worker"
)

// Participant is a connected remote endpoint. It is safe for concurrent use.
type Participant struct {
	n          *Network
	pid        protocol.Pid
	kind       channel.Kind
	remoteAddr string
	sids       *stream.IDPool[protocol.Sid]

	opened *util.Mailbox[*Stream]
	done   chan struct{}

	mu      sync.Mutex
	streams map[protocol.Sid]*Stream
	err     error
}

func newParticipant(n *Network, m worker.Connected) *Participant {
	return &Participant{
		n:          n,
		pid:        m.Pid,
		kind:       m.Kind,
		remoteAddr: m.RemoteAddr,
		sids:       m.Sids,
		opened:     util.NewMailbox[*Stream](),
		done:       make(chan struct{}),
		streams:    make(map[protocol.Sid]*Stream),
	}
}

func (p *Participant) Pid() protocol.Pid { return p.pid }

// RemoteAddr is the address of the channel the participant first connected on.
func (p *Participant) RemoteAddr() string { return p.remoteAddr }

// Kind is the transport of the first channel.
func (p *Participant) Kind() channel.Kind { return p.kind }

// Done is closed once the participant is disconnected.
func (p *Participant) Done() <-chan struct{} { return p.done }

// Err tells why the participant disconnected: nil while connected, and
// ErrDisconnected wrapping the cause afterwards.
func (p *Participant) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// OpenStream opens a stream to the participant. Priority 0 is the most
// favoured; values above the last level are clamped.
func (p *Participant) OpenStream(prio protocol.Prio, promises protocol.Promises) (*Stream, error) {
	if err := p.Err(); err != nil {
		return nil, err
	}
	sid, err := p.sids.Next()
	if err != nil {
		return nil, err
	}
	if prio >= protocol.PrioLevels {
		prio = protocol.PrioLevels - 1
	}
	s := p.register(sid, prio, promises)
	if !p.n.hub.Route(p.pid, worker.OpenStream{Pid: p.pid, Sid: sid, Prio: prio, Promises: promises}) {
		p.forget(sid)
		return nil, ErrDisconnected
	}
	return s, nil
}

// Opened waits for the next stream the participant opened.
func (p *Participant) Opened(ctx context.Context) (*Stream, error) {
	s, ok, err := p.opened.Pop(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, p.Err()
	}
	return s, nil
}

// Disconnect sends Shutdown on every channel of the participant and waits
// until the worker forgot it.
func (p *Participant) Disconnect(ctx context.Context) error {
	if !p.n.hub.Route(p.pid, worker.Disconnect{Pid: p.pid}) {
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Participant) register(sid protocol.Sid, prio protocol.Prio, promises protocol.Promises) *Stream {
	s := newStream(p, sid, prio, promises)
	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		s.finish(p.err)
		return s
	}
	p.streams[sid] = s
	p.mu.Unlock()
	return s
}

func (p *Participant) forget(sid protocol.Sid) {
	p.mu.Lock()
	delete(p.streams, sid)
	p.mu.Unlock()
}

func (p *Participant) lookup(sid protocol.Sid) *Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streams[sid]
}

func (p *Participant) receive(sid protocol.Sid, payload []byte) {
	if s := p.lookup(sid); s != nil {
		s.inbox.Push(payload)
	}
}

func (p *Participant) streamClosed(sid protocol.Sid, cause error) {
	p.mu.Lock()
	s := p.streams[sid]
	delete(p.streams, sid)
	p.mu.Unlock()
	if s == nil {
		return
	}
	if cause != nil {
		s.finish(fmt.Errorf("%w: %w", ErrStreamClosed, cause))
		return
	}
	s.finish(ErrStreamClosed)
}

func (p *Participant) disconnected(cause error) {
	err := ErrDisconnected
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrDisconnected, cause)
	}

	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return
	}
	p.err = err
	streams := p.streams
	p.streams = make(map[protocol.Sid]*Stream)
	p.mu.Unlock()

	for _, s := range streams {
		s.finish(err)
	}
	p.opened.Close()
	close(p.done)
}
