package handshake

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/velonet/internal/protocol"
)

// pump delivers frames between two machines until neither has anything left
// to say, returning the first error either side produced.
func pump(t *testing.T, a, b *Machine) (errA, errB error) {
	t.Helper()
	toB := a.Start()
	toA := b.Start()
	for i := 0; i < 16 && (len(toA) > 0 || len(toB) > 0); i++ {
		var nextA, nextB []protocol.Frame
		for _, f := range toB {
			out, err := b.Handle(f)
			nextA = append(nextA, out...)
			if err != nil && errB == nil {
				errB = err
			}
		}
		for _, f := range toA {
			out, err := a.Handle(f)
			nextB = append(nextB, out...)
			if err != nil && errA == nil {
				errA = err
			}
		}
		toA, toB = nextA, nextB
	}
	return errA, errB
}

// TestHandshakeSuccess verifies that both sides learn each other's Pid and get
// disjoint id pools.
func TestHandshakeSuccess(t *testing.T) {
	pidA, pidB := protocol.NewPid(), protocol.NewPid()
	a := New(Initiator, pidA)
	b := New(Responder, pidB)

	errA, errB := pump(t, a, b)
	require.NoError(t, errA)
	require.NoError(t, errB)
	require.True(t, a.Done())
	require.True(t, b.Done())

	ra, rb := a.Result(), b.Result()
	assert.Equal(t, pidB, ra.Pid)
	assert.Equal(t, pidA, rb.Pid)

	assert.False(t, ra.StreamIDs.Contains(rb.StreamIDs.Start))
	assert.False(t, rb.StreamIDs.Contains(ra.StreamIDs.Start))
	assert.False(t, ra.MsgIDs.Contains(rb.MsgIDs.Start))
	assert.False(t, ra.StreamIDs.Empty())
	assert.False(t, rb.MsgIDs.Empty())
}

// TestHandshakeFrameOrder pins the sequence of frames each side emits.
func TestHandshakeFrameOrder(t *testing.T) {
	a := New(Initiator, protocol.NewPid())
	b := New(Responder, protocol.NewPid())

	start := a.Start()
	require.Len(t, start, 1)
	assert.Equal(t, protocol.KindHandshake, start[0].Kind())
	assert.Empty(t, b.Start())

	out, err := b.Handle(start[0])
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, protocol.KindHandshake, out[0].Kind())

	out, err = a.Handle(out[0])
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, protocol.KindConfigure, out[0].Kind())
	assert.Equal(t, protocol.KindParticipantID, out[1].Kind())

	reply, err := b.Handle(out[0])
	require.NoError(t, err)
	assert.Empty(t, reply)
	reply, err = b.Handle(out[1])
	require.NoError(t, err)
	require.Len(t, reply, 1)
	assert.Equal(t, protocol.KindParticipantID, reply[0].Kind())
	assert.True(t, b.Done())

	_, err = a.Handle(reply[0])
	require.NoError(t, err)
	assert.True(t, a.Done())
}

// TestHandshakeRejectsBadPeers covers the failure taxonomy.
func TestHandshakeRejectsBadPeers(t *testing.T) {
	badMagic := protocol.NewHandshake()
	badMagic.MagicNumber = [7]byte{'V', 'E', 'L', 'O', 'R', 'E', 'X'}
	badVersion := protocol.NewHandshake()
	badVersion.Version.Major++

	testCases := []struct {
		name     string
		role     Role
		frames   []protocol.Frame
		want     error
		rejectTo bool // expect Raw + Shutdown queued for the peer
	}{
		{"wrong magic", Responder, []protocol.Frame{badMagic}, protocol.ErrWrongMagicNumber, true},
		{"wrong version", Responder, []protocol.Frame{badVersion}, protocol.ErrWrongVersion, true},
		{"data before handshake", Responder, []protocol.Frame{protocol.DataHeader{Mid: 1, Sid: 1, Length: 1}}, protocol.ErrNotHandshake, false},
		{"id before handshake", Responder, []protocol.Frame{protocol.ParticipantID{Pid: protocol.NewPid()}}, protocol.ErrNotHandshake, false},
		{"raw before handshake", Responder, []protocol.Frame{protocol.Raw{Bytes: []byte("hello")}}, protocol.ErrNotHandshake, false},
		{"second handshake", Responder, []protocol.Frame{protocol.NewHandshake(), protocol.NewHandshake()}, protocol.ErrNotID, false},
		{"id before configure", Responder, []protocol.Frame{protocol.NewHandshake(), protocol.ParticipantID{Pid: protocol.NewPid()}}, protocol.ErrNotID, false},
		{"stream before id", Initiator, []protocol.Frame{protocol.NewHandshake(), protocol.OpenStream{Sid: 1}}, protocol.ErrNotID, false},
		{"shutdown midway", Initiator, []protocol.Frame{protocol.NewHandshake(), protocol.Shutdown{}}, protocol.ErrNotID, false},
		{"empty pool", Responder, []protocol.Frame{protocol.NewHandshake(), protocol.Configure{}}, protocol.ErrInitCustom, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := New(tc.role, protocol.NewPid())
			m.Start()

			var out []protocol.Frame
			var err error
			for _, f := range tc.frames {
				out, err = m.Handle(f)
				if err != nil {
					break
				}
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.False(t, m.Done())

			if tc.rejectTo {
				require.Len(t, out, 2)
				assert.Equal(t, protocol.KindRaw, out[0].Kind())
				assert.Equal(t, protocol.KindShutdown, out[1].Kind())
			}

			// once failed, always failed
			_, again := m.Handle(protocol.NewHandshake())
			assert.Equal(t, err, again)
		})
	}
}

// TestHandshakeSelfConnect verifies that a participant cannot connect to itself.
func TestHandshakeSelfConnect(t *testing.T) {
	pid := protocol.NewPid()
	errA, errB := pump(t, New(Initiator, pid), New(Responder, pid))
	assert.ErrorIs(t, errB, protocol.ErrInitCustom)
	_ = errA
}

// TestHandshakeAfterDone verifies that a completed machine refuses frames.
func TestHandshakeAfterDone(t *testing.T) {
	a := New(Initiator, protocol.NewPid())
	b := New(Responder, protocol.NewPid())
	_, _ = pump(t, a, b)
	require.True(t, a.Done())

	_, err := a.Handle(protocol.OpenStream{Sid: 1})
	assert.ErrorIs(t, err, protocol.ErrInitCustom)
}
