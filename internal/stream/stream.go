// Package stream holds the per-stream state a worker keeps: message
// fragmentation and reassembly, the priority scheduler that interleaves
// streams on a channel, and id allocation.
package stream

import (
	"github.com/1ureka/velonet/internal/protocol"
)

// OutgoingMessage is a payload queued for sending, with its fragmentation cursor.
type OutgoingMessage struct {
	Mid     protocol.Mid
	Sid     protocol.Sid
	Payload []byte

	headerSent bool
	offset     int
}

// IncomingMessage is a fully reassembled payload.
type IncomingMessage struct {
	Mid     protocol.Mid
	Sid     protocol.Sid
	Payload []byte
}

// Stream is one logical conversation. Prio and Promises never change after
// the stream was opened. Outgoing messages live in the Scheduler.
type Stream struct {
	Sid      protocol.Sid
	Prio     protocol.Prio
	Promises protocol.Promises

	sent     uint64
	received uint64
}

func New(sid protocol.Sid, prio protocol.Prio, promises protocol.Promises) *Stream {
	if prio >= protocol.PrioLevels {
		prio = protocol.PrioLevels - 1
	}
	return &Stream{Sid: sid, Prio: prio, Promises: promises}
}

// OpenFrame returns the frame that announces s to the peer.
func (s *Stream) OpenFrame() protocol.OpenStream {
	return protocol.OpenStream{Sid: s.Sid, Prio: s.Prio, Promises: s.Promises}
}

// CountSent records one message handed to the scheduler.
func (s *Stream) CountSent() { s.sent++ }

// CountReceived records one completed incoming message.
func (s *Stream) CountReceived() { s.received++ }

// Counts returns how many messages went each way on s.
func (s *Stream) Counts() (sent, received uint64) { return s.sent, s.received }
