package stream

import (
	"errors"
	"sync/atomic"

	"github.com/1ureka/velonet/internal/protocol"
)

// ErrExhausted is returned when a pool has handed out every id in its range.
var ErrExhausted = errors.New("stream: id pool exhausted")

// IDPool hands out increasing ids from a half-open range. It is safe for
// concurrent use, so stream ids can be reserved by application goroutines
// before the owning worker learns about the stream.
type IDPool[T ~uint32 | ~uint64] struct {
	next atomic.Uint64
	end  uint64
}

// NewIDPool returns a pool over [start, end).
func NewIDPool[T ~uint32 | ~uint64](start, end T) *IDPool[T] {
	p := &IDPool[T]{end: uint64(end)}
	p.next.Store(uint64(start))
	return p
}

// SidPool builds a stream id pool from a negotiated range.
func SidPool(r protocol.SidRange) *IDPool[protocol.Sid] {
	return NewIDPool(r.Start, r.End)
}

// MidPool builds a message id pool from a negotiated range.
func MidPool(r protocol.MidRange) *IDPool[protocol.Mid] {
	return NewIDPool(r.Start, r.End)
}

// Next returns the next id.
func (p *IDPool[T]) Next() (T, error) {
	for {
		cur := p.next.Load()
		if cur >= p.end {
			return 0, ErrExhausted
		}
		if p.next.CompareAndSwap(cur, cur+1) {
			return T(cur), nil
		}
	}
}
