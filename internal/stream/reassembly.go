package stream

import (
	"github.com/1ureka/velonet/internal/protocol"
)

// initialReserve bounds what a DataHeader alone can make us allocate; the
// buffer grows as Data frames actually arrive.
const initialReserve = 1 << 20

type pending struct {
	sid    protocol.Sid
	length uint64
	buf    []byte
}

// Reassembler rebuilds messages from DataHeader and Data frames, keyed by Mid.
// It is owned by one worker goroutine and needs no locking.
type Reassembler struct {
	maxSize uint64
	pending map[protocol.Mid]*pending
}

// NewReassembler rejects any message announced larger than maxSize.
func NewReassembler(maxSize uint64) *Reassembler {
	return &Reassembler{maxSize: maxSize, pending: make(map[protocol.Mid]*pending)}
}

// Header registers an announced message. A zero-length message is complete
// immediately and returned.
func (r *Reassembler) Header(h protocol.DataHeader) (*IncomingMessage, error) {
	if h.Length > r.maxSize {
		return nil, protocol.Violation("message %d announces %d bytes, cap is %d", h.Mid, h.Length, r.maxSize)
	}
	if _, dup := r.pending[h.Mid]; dup {
		return nil, protocol.Violation("second header for message %d", h.Mid)
	}
	if h.Length == 0 {
		return &IncomingMessage{Mid: h.Mid, Sid: h.Sid, Payload: []byte{}}, nil
	}
	r.pending[h.Mid] = &pending{
		sid:    h.Sid,
		length: h.Length,
		buf:    make([]byte, 0, min(h.Length, initialReserve)),
	}
	return nil, nil
}

// Feed adds one Data frame. Chunks must arrive in order and back to back:
// each one starts where the previous ended. It returns the message once its
// last byte arrived.
func (r *Reassembler) Feed(d protocol.Data) (*IncomingMessage, error) {
	p, ok := r.pending[d.ID]
	if !ok {
		return nil, protocol.Violation("data for unknown message %d", d.ID)
	}
	n := uint64(len(d.Data))
	if d.Start > p.length || n > p.length-d.Start {
		return nil, protocol.Violation("data [%d, %d) overflows message %d of %d bytes", d.Start, d.Start+n, d.ID, p.length)
	}
	if next := uint64(len(p.buf)); d.Start != next {
		return nil, protocol.Violation("data for message %d starts at %d, expected %d", d.ID, d.Start, next)
	}

	p.buf = append(p.buf, d.Data...)
	if uint64(len(p.buf)) < p.length {
		return nil, nil
	}
	delete(r.pending, d.ID)
	if uint64(len(p.buf)) != p.length {
		return nil, protocol.Violation("message %d reassembled to %d bytes, announced %d", d.ID, len(p.buf), p.length)
	}
	return &IncomingMessage{Mid: d.ID, Sid: p.sid, Payload: p.buf}, nil
}

// Next returns the offset the next Data frame of mid must start at.
func (r *Reassembler) Next(mid protocol.Mid) (uint64, bool) {
	p, ok := r.pending[mid]
	if !ok {
		return 0, false
	}
	return uint64(len(p.buf)), true
}

// Discard forgets the partial message mid and returns how many announced
// bytes never arrived.
func (r *Reassembler) Discard(mid protocol.Mid) (uint64, bool) {
	p, ok := r.pending[mid]
	if !ok {
		return 0, false
	}
	delete(r.pending, mid)
	return p.length - uint64(len(p.buf)), true
}

// DropStream forgets every partial message of sid and returns, per message,
// how many announced bytes never arrived.
func (r *Reassembler) DropStream(sid protocol.Sid) map[protocol.Mid]uint64 {
	var dropped map[protocol.Mid]uint64
	for mid, p := range r.pending {
		if p.sid != sid {
			continue
		}
		if dropped == nil {
			dropped = make(map[protocol.Mid]uint64)
		}
		dropped[mid] = p.length - uint64(len(p.buf))
		delete(r.pending, mid)
	}
	return dropped
}

// Pending returns the number of partially received messages.
func (r *Reassembler) Pending() int { return len(r.pending) }
