package stream

import (
	"math"
	"math/bits"

	"github.com/1ureka/velonet/internal/protocol"
)

// prioCost is what a level pays per emitted frame. Every five levels the cost
// doubles, so prio 5 gets half the frames of prio 0 when both are busy.
var prioCost = [protocol.PrioLevels]uint64{
	100, 115, 132, 152, 174, 200, 230, 264, 303, 348, 400, 459, 528, 606, 696, 800, 919, 1056,
	1213, 1393, 1600, 1838, 2111, 2425, 2786, 3200, 3676, 4222, 4850, 5572, 6400, 7352, 8445,
	9701, 11143, 12800, 14703, 16890, 19401, 22286, 25600, 29407, 33779, 38802, 44572, 51200,
	58813, 67559, 77605, 89144, 102400, 117627, 135118, 155209, 178289, 204800, 235253, 270235,
	310419, 356578, 409600, 470507, 540470, 620838,
}

// Scheduler interleaves the outgoing messages of all streams of a participant.
// Each queued level accumulates points as it emits frames; the level with the
// fewest points goes next and ties go to the lower level. Messages within one
// level are sent one after another, so a stream's messages never interleave.
type Scheduler struct {
	chunk  int
	points [protocol.PrioLevels]uint64
	queues [protocol.PrioLevels][]*OutgoingMessage
	queued uint64 // bit p set when queues[p] is non-empty
	frames int
}

// NewScheduler emits Data frames carrying at most chunk bytes.
func NewScheduler(chunk int) *Scheduler {
	if chunk < 1 {
		chunk = 1
	}
	return &Scheduler{chunk: chunk}
}

// Enqueue appends m to the queue of prio.
func (s *Scheduler) Enqueue(prio protocol.Prio, m *OutgoingMessage) {
	p := min(int(prio), protocol.PrioLevels-1)
	if s.queued&(1<<p) == 0 {
		// an idle level rejoins at the current minimum
		s.points[p] = s.minPoints()
		s.queued |= 1 << p
	}
	s.queues[p] = append(s.queues[p], m)
	s.frames += 1 + (len(m.Payload)+s.chunk-1)/s.chunk
}

func (s *Scheduler) minPoints() uint64 {
	if s.queued == 0 {
		return 0
	}
	low := uint64(math.MaxUint64)
	for q := s.queued; q != 0; q &= q - 1 {
		low = min(low, s.points[bits.TrailingZeros64(q)])
	}
	return low
}

func (s *Scheduler) nextPrio() int {
	best, low := -1, uint64(math.MaxUint64)
	for q := s.queued; q != 0; q &= q - 1 {
		p := bits.TrailingZeros64(q)
		if s.points[p] < low {
			best, low = p, s.points[p]
		}
	}
	return best
}

// Next returns the next frame to put on the wire.
func (s *Scheduler) Next() (protocol.Frame, bool) {
	p := s.nextPrio()
	if p < 0 {
		return nil, false
	}
	m := s.queues[p][0]
	f := m.NextFrame(s.chunk)
	s.points[p] += prioCost[p]
	s.frames--
	if m.Done() {
		s.queues[p][0] = nil
		s.queues[p] = s.queues[p][1:]
		if len(s.queues[p]) == 0 {
			s.queues[p] = nil
			s.queued &^= 1 << p
		}
	}
	return f, true
}

// Fill appends up to n frames to dst.
func (s *Scheduler) Fill(dst []protocol.Frame, n int) []protocol.Frame {
	for ; n > 0; n-- {
		f, ok := s.Next()
		if !ok {
			break
		}
		dst = append(dst, f)
	}
	return dst
}

// DropStream discards every queued message of sid, including one that is
// partially sent. It returns how many messages were dropped.
func (s *Scheduler) DropStream(sid protocol.Sid) int {
	dropped := 0
	for q := s.queued; q != 0; q &= q - 1 {
		p := bits.TrailingZeros64(q)
		kept := s.queues[p][:0]
		for _, m := range s.queues[p] {
			if m.Sid == sid {
				dropped++
				s.frames -= m.remainingFrames(s.chunk)
				continue
			}
			kept = append(kept, m)
		}
		clear(s.queues[p][len(kept):])
		s.queues[p] = kept
		if len(kept) == 0 {
			s.queues[p] = nil
			s.queued &^= 1 << p
		}
	}
	return dropped
}

// Empty reports whether nothing is queued.
func (s *Scheduler) Empty() bool { return s.queued == 0 }

// Frames returns how many frames are still to be produced.
func (s *Scheduler) Frames() int { return s.frames }

func (m *OutgoingMessage) remainingFrames(chunk int) int {
	n := (len(m.Payload) - m.offset + chunk - 1) / chunk
	if !m.headerSent {
		n++
	}
	return n
}
