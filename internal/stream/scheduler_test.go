package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/velonet/internal/protocol"
)

func drainAll(s *Scheduler) []protocol.Frame {
	var out []protocol.Frame
	for {
		f, ok := s.Next()
		if !ok {
			return out
		}
		out = append(out, f)
	}
}

func sidOf(f protocol.Frame) protocol.Sid {
	switch f := f.(type) {
	case protocol.DataHeader:
		return f.Sid
	case protocol.Data:
		return protocol.Sid(f.ID >> 32) // tests encode the sid in the upper bits of the mid
	}
	return 0
}

// TestSchedulerKeepsStreamOrder verifies that the messages of one stream come
// out whole and in the order they were queued.
func TestSchedulerKeepsStreamOrder(t *testing.T) {
	s := NewScheduler(100)
	var want []protocol.Frame
	for i := 1; i <= 5; i++ {
		payload := makeTestData(i*150, byte(i))
		s.Enqueue(3, NewOutgoing(protocol.Mid(i), 1, payload))
		want = append(want, Fragment(protocol.Mid(i), 1, payload, 100)...)
	}
	assert.Equal(t, len(want), s.Frames())
	assert.Equal(t, want, drainAll(s))
	assert.True(t, s.Empty())
	assert.Zero(t, s.Frames())
}

// TestSchedulerFavorsLowerPrio checks the throughput split between two busy
// levels: prio 5 costs twice as much per frame as prio 0.
func TestSchedulerFavorsLowerPrio(t *testing.T) {
	s := NewScheduler(10)
	s.Enqueue(5, NewOutgoing(5<<32, 5, make([]byte, 100000)))
	s.Enqueue(0, NewOutgoing(0, 0, make([]byte, 100000)))

	counts := map[protocol.Sid]int{}
	for _, f := range s.Fill(nil, 3000) {
		counts[sidOf(f)]++
	}
	assert.InDelta(t, 2000, counts[0], 10)
	assert.InDelta(t, 1000, counts[5], 10)
}

// TestSchedulerTieGoesToLowerPrio verifies tie breaking.
func TestSchedulerTieGoesToLowerPrio(t *testing.T) {
	s := NewScheduler(10)
	s.Enqueue(9, NewOutgoing(9<<32, 9, nil))
	s.Enqueue(2, NewOutgoing(2<<32, 2, nil))

	f, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, protocol.Sid(2), sidOf(f))
	f, ok = s.Next()
	require.True(t, ok)
	assert.Equal(t, protocol.Sid(9), sidOf(f))
	_, ok = s.Next()
	assert.False(t, ok)
}

// TestSchedulerIdleLevelRejoins verifies that a level queued late does not
// monopolize the wire with the points it had while idle.
func TestSchedulerIdleLevelRejoins(t *testing.T) {
	s := NewScheduler(10)
	s.Enqueue(0, NewOutgoing(0, 0, make([]byte, 10000)))
	s.Fill(nil, 500)

	s.Enqueue(1, NewOutgoing(1<<32, 1, make([]byte, 10000)))
	counts := map[protocol.Sid]int{}
	for _, f := range s.Fill(nil, 200) {
		counts[sidOf(f)]++
	}
	assert.Greater(t, counts[0], counts[1])
	assert.Greater(t, counts[1], 50)
}

// TestSchedulerDropStream verifies that closing a stream drops its queued and
// partially sent messages but nobody else's.
func TestSchedulerDropStream(t *testing.T) {
	s := NewScheduler(10)
	s.Enqueue(0, NewOutgoing(1<<32, 1, make([]byte, 100)))
	s.Enqueue(0, NewOutgoing(2<<32, 2, make([]byte, 100)))
	s.Enqueue(0, NewOutgoing(1<<32+1, 1, make([]byte, 100)))
	s.Fill(nil, 3) // header and two chunks of the first message

	assert.Equal(t, 2, s.DropStream(1))
	rest := drainAll(s)
	require.Len(t, rest, 11)
	for _, f := range rest {
		assert.Equal(t, protocol.Sid(2), sidOf(f))
	}
	assert.Zero(t, s.Frames())
	assert.True(t, s.Empty())
}
