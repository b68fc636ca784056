package network

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/1ureka/velonet/internal/protocol"
	"github.com/1ureka/velonet/internal/util"
	"github.com/1ureka/velonet/internal/worker"
)

// Stream is one ordered message flow to a participant. Messages are
// delivered whole and in the order they were sent.
type Stream struct {
	p        *Participant
	sid      protocol.Sid
	prio     protocol.Prio
	promises protocol.Promises
	inbox    *util.Mailbox[[]byte]

	mu  sync.Mutex
	err error // set once the stream is closed
}

func newStream(p *Participant, sid protocol.Sid, prio protocol.Prio, promises protocol.Promises) *Stream {
	return &Stream{p: p, sid: sid, prio: prio, promises: promises, inbox: util.NewMailbox[[]byte]()}
}

func (s *Stream) Sid() protocol.Sid           { return s.sid }
func (s *Stream) Prio() protocol.Prio         { return s.prio }
func (s *Stream) Promises() protocol.Promises { return s.promises }

// Participant is the remote end of the stream.
func (s *Stream) Participant() *Participant { return s.p }

func (s *Stream) closedErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// finish marks the stream closed. Messages already received stay readable.
func (s *Stream) finish(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.inbox.Close()
}

// Send queues one message. payload may be reused once Send returns.
func (s *Stream) Send(payload []byte) error {
	if err := s.closedErr(); err != nil {
		return err
	}
	var data []byte
	if s.promises.Has(protocol.PromiseCompressed) {
		var err error
		if data, err = compress(payload); err != nil {
			return err
		}
	} else {
		data = slices.Clone(payload)
	}
	if uint64(len(data)) > s.p.n.cfg.MaxMessageSize {
		return fmt.Errorf("network: message of %d bytes exceeds %d", len(data), s.p.n.cfg.MaxMessageSize)
	}
	if !s.p.n.hub.Route(s.p.pid, worker.Send{Pid: s.p.pid, Sid: s.sid, Payload: data}) {
		return ErrDisconnected
	}
	return nil
}

// Recv waits for the next message. After the stream closed, the messages
// received before are still returned, then the close reason.
func (s *Stream) Recv(ctx context.Context) ([]byte, error) {
	data, ok, err := s.inbox.Pop(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.closedErr()
	}
	if s.promises.Has(protocol.PromiseCompressed) {
		return decompress(data, s.p.n.cfg.MaxMessageSize)
	}
	return data, nil
}

// Close closes the stream on both sides. Messages not yet sent are dropped.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return nil
	}
	s.err = ErrStreamClosed
	s.mu.Unlock()
	s.inbox.Close()

	s.p.forget(s.sid)
	s.p.n.hub.Route(s.p.pid, worker.CloseStream{Pid: s.p.pid, Sid: s.sid})
	return nil
}
