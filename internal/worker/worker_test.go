package worker

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/velonet/internal/channel"
	"github.com/1ureka/velonet/internal/config"
	"github.com/1ureka/velonet/internal/handshake"
	"github.com/1ureka/velonet/internal/protocol"
)

const waitFor = 5 * time.Second

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func testConfig() config.Network {
	n := config.Default().Network
	n.FragmentSize = 1024
	n.PollInterval = 20 * time.Millisecond
	return n
}

func newController(t *testing.T, hub *Hub) *Controller {
	t.Helper()
	c := New(hub)
	t.Cleanup(func() { c.Close() })
	return c
}

// next returns the next report of type T, skipping others.
func next[T RtrnMsg](t *testing.T, c *Controller) T {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case m, ok := <-c.Returns():
			require.True(t, ok, "returns closed")
			if v, ok := m.(T); ok {
				return v
			}
		case <-timeout:
			var zero T
			t.Fatalf("no %T within %s", zero, waitFor)
			return zero
		}
	}
}

// until collects reports up to and including the first one of type T.
func until[T RtrnMsg](t *testing.T, c *Controller) []RtrnMsg {
	t.Helper()
	var seen []RtrnMsg
	timeout := time.After(waitFor)
	for {
		select {
		case m, ok := <-c.Returns():
			require.True(t, ok, "returns closed")
			seen = append(seen, m)
			if _, ok := m.(T); ok {
				return seen
			}
		case <-timeout:
			var zero T
			t.Fatalf("no %T within %s", zero, waitFor)
			return seen
		}
	}
}

// connect links two controllers over an in-process channel pair.
func connect(t *testing.T, a, b *Controller, opts channel.Options) (Connected, Connected) {
	t.Helper()
	ca, cb := channel.NewMPSCPair(opts)
	require.True(t, a.Send(Register{Channel: ca, Role: handshake.Initiator}))
	require.True(t, b.Send(Register{Channel: cb, Role: handshake.Responder}))
	return next[Connected](t, a), next[Connected](t, b)
}

// readFrames polls ch until n frames arrived.
func readFrames(t *testing.T, ch channel.Channel, n int) []protocol.Frame {
	t.Helper()
	var got []protocol.Frame
	deadline := time.Now().Add(waitFor)
	for len(got) < n {
		frames, err := ch.Read()
		require.NoError(t, err)
		got = append(got, frames...)
		if len(frames) == 0 {
			require.True(t, time.Now().Before(deadline), "got %d of %d frames", len(got), n)
			time.Sleep(time.Millisecond)
		}
	}
	return got
}

// frameCounter counts frames by kind as the channel writes them.
type frameCounter struct {
	mu   sync.Mutex
	sent map[protocol.FrameKind]int
}

func newFrameCounter() *frameCounter {
	return &frameCounter{sent: make(map[protocol.FrameKind]int)}
}

func (c *frameCounter) FrameSent(_ channel.Kind, f protocol.FrameKind, _ int) {
	c.mu.Lock()
	c.sent[f]++
	c.mu.Unlock()
}

func (c *frameCounter) FrameReceived(channel.Kind, protocol.FrameKind, int) {}
func (c *frameCounter) FrameDropped(channel.Kind)                           {}

func (c *frameCounter) count(f protocol.FrameKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[f]
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestMPSCTenKilobyteMessage(t *testing.T) {
	hubA := NewHub(protocol.NewPid(), testConfig(), nil)
	hubB := NewHub(protocol.NewPid(), testConfig(), nil)
	a, b := newController(t, hubA), newController(t, hubB)

	counter := newFrameCounter()
	opts := channel.DefaultOptions()
	opts.Observer = counter
	atA, atB := connect(t, a, b, opts)
	assert.Equal(t, hubB.Local(), atA.Pid)
	assert.Equal(t, hubA.Local(), atB.Pid)
	assert.False(t, atA.Joined)

	sid, err := atA.Sids.Next()
	require.NoError(t, err)
	payload := make([]byte, 10*1024)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	require.True(t, a.Send(OpenStream{Pid: atA.Pid, Sid: sid, Prio: 0, Promises: protocol.PromiseOrdered}))
	require.True(t, a.Send(Send{Pid: atA.Pid, Sid: sid, Payload: payload}))

	opened := next[OpenedStream](t, b)
	assert.Equal(t, sid, opened.Sid)
	assert.True(t, opened.Remote)
	assert.Equal(t, protocol.PromiseOrdered, opened.Promises)

	got := next[Receive](t, b)
	assert.Equal(t, sid, got.Sid)
	assert.True(t, bytes.Equal(payload, got.Payload))

	assert.Equal(t, 1, counter.count(protocol.KindDataHeader))
	assert.Equal(t, 10, counter.count(protocol.KindData))
}

func TestOrderOnOneStream(t *testing.T) {
	a := newController(t, NewHub(protocol.NewPid(), testConfig(), nil))
	b := newController(t, NewHub(protocol.NewPid(), testConfig(), nil))
	atA, _ := connect(t, a, b, channel.Options{InboxSize: 4, OutboxSize: 4})

	sid, err := atA.Sids.Next()
	require.NoError(t, err)
	require.True(t, a.Send(OpenStream{Pid: atA.Pid, Sid: sid, Prio: 3}))
	const n = 50
	for i := range n {
		require.True(t, a.Send(Send{Pid: atA.Pid, Sid: sid, Payload: bytes.Repeat([]byte{byte(i)}, 1+i*97)}))
	}
	for i := range n {
		got := next[Receive](t, b)
		require.Len(t, got.Payload, 1+i*97)
		assert.Equal(t, byte(i), got.Payload[0])
	}
}

func TestBothDirections(t *testing.T) {
	a := newController(t, NewHub(protocol.NewPid(), testConfig(), nil))
	b := newController(t, NewHub(protocol.NewPid(), testConfig(), nil))
	atA, atB := connect(t, a, b, channel.DefaultOptions())

	sid, err := atB.Sids.Next()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, uint32(sid), uint32(1<<31), "responder sids come from the upper half")
	require.True(t, b.Send(OpenStream{Pid: atB.Pid, Sid: sid, Prio: 1}))
	require.True(t, b.Send(Send{Pid: atB.Pid, Sid: sid, Payload: []byte("ping")}))

	got := next[Receive](t, a)
	assert.Equal(t, "ping", string(got.Payload))
	require.True(t, a.Send(Send{Pid: atA.Pid, Sid: sid, Payload: []byte("pong")}))
	assert.Equal(t, "pong", string(next[Receive](t, b).Payload))

	require.True(t, a.Send(CloseStream{Pid: atA.Pid, Sid: sid}))
	closed := next[ClosedStream](t, b)
	assert.Equal(t, sid, closed.Sid)
	assert.True(t, closed.Remote)
}

func TestViolationClosesChannel(t *testing.T) {
	w := newController(t, NewHub(protocol.NewPid(), testConfig(), nil))
	peer, ch := channel.NewMPSCPair(channel.DefaultOptions())
	require.True(t, w.Send(Register{Channel: ch, Role: handshake.Responder}))

	pid := protocol.NewPid()
	require.NoError(t, peer.Write(protocol.NewHandshake()))
	assert.Equal(t, protocol.KindHandshake, readFrames(t, peer, 1)[0].Kind())
	require.NoError(t, peer.Write(protocol.Configure{
		StreamIDs: protocol.SidRange{Start: 1 << 31, End: 1<<32 - 1},
		MsgIDs:    protocol.MidRange{Start: 1 << 63, End: 1<<64 - 1},
	}))
	require.NoError(t, peer.Write(protocol.ParticipantID{Pid: pid}))
	reply := readFrames(t, peer, 1)[0]
	require.IsType(t, protocol.ParticipantID{}, reply)

	connected := next[Connected](t, w)
	assert.Equal(t, pid, connected.Pid)

	// data for a message that was never announced, then a valid frame
	require.NoError(t, peer.Write(protocol.Data{ID: 99, Data: []byte("x")}))
	_ = peer.Write(protocol.OpenStream{Sid: 5}) // may already see the channel closed

	seen := until[ParticipantDisconnected](t, w)
	for _, m := range seen {
		_, opened := m.(OpenedStream)
		assert.False(t, opened, "frames after a violation must not be processed")
	}
	gone := seen[len(seen)-1].(ParticipantDisconnected)
	assert.Equal(t, pid, gone.Pid)
	assert.ErrorIs(t, gone.Err, protocol.ErrViolated)

	_, _, ok := w.w.hub.Table().Lookup(pid)
	assert.False(t, ok)
	assert.Eventually(t, func() bool {
		return peer.Write(protocol.OpenStream{Sid: 6}) != nil
	}, waitFor, time.Millisecond)
}

// datagramChannel reports itself as UDP so the worker treats it as lossy.
type datagramChannel struct{ channel.Channel }

func (datagramChannel) Kind() channel.Kind { return channel.KindUDP }

// dropCounter counts frames the worker discarded.
type dropCounter struct {
	nopObserver
	mu      sync.Mutex
	dropped map[channel.Kind]int
}

func (d *dropCounter) FrameDropped(k channel.Kind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dropped == nil {
		d.dropped = make(map[channel.Kind]int)
	}
	d.dropped[k]++
}

func (d *dropCounter) count(k channel.Kind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped[k]
}

func TestLostHeaderKeepsDatagramChannel(t *testing.T) {
	obs := &dropCounter{}
	w := newController(t, NewHub(protocol.NewPid(), testConfig(), obs))
	peer, ch := channel.NewMPSCPair(channel.DefaultOptions())
	require.True(t, w.Send(Register{Channel: datagramChannel{ch}, Role: handshake.Responder}))

	pid := protocol.NewPid()
	require.NoError(t, peer.Write(protocol.NewHandshake()))
	assert.Equal(t, protocol.KindHandshake, readFrames(t, peer, 1)[0].Kind())
	require.NoError(t, peer.Write(protocol.Configure{
		StreamIDs: protocol.SidRange{Start: 1 << 31, End: 1<<32 - 1},
		MsgIDs:    protocol.MidRange{Start: 1 << 63, End: 1<<64 - 1},
	}))
	require.NoError(t, peer.Write(protocol.ParticipantID{Pid: pid}))
	require.IsType(t, protocol.ParticipantID{}, readFrames(t, peer, 1)[0])
	connected := next[Connected](t, w)
	assert.Equal(t, channel.KindUDP, connected.Kind)

	require.NoError(t, peer.Write(protocol.OpenStream{Sid: 5}))
	// the header of message 98 was lost; only its data arrives
	require.NoError(t, peer.Write(protocol.Data{ID: 98, Data: []byte("orphan")}))
	require.NoError(t, peer.Write(protocol.DataHeader{Mid: 99, Sid: 5, Length: 5}))
	require.NoError(t, peer.Write(protocol.Data{ID: 99, Data: []byte("hello")}))

	seen := until[Receive](t, w)
	for _, m := range seen {
		_, gone := m.(ParticipantDisconnected)
		assert.False(t, gone, "a lost header must not close the channel")
	}
	got := seen[len(seen)-1].(Receive)
	assert.Equal(t, protocol.Mid(99), got.Mid)
	assert.Equal(t, "hello", string(got.Payload))
	assert.Equal(t, 1, obs.count(channel.KindUDP))

	_, _, ok := w.w.hub.Table().Lookup(pid)
	assert.True(t, ok)
}

func TestHandshakeRejection(t *testing.T) {
	w := newController(t, NewHub(protocol.NewPid(), testConfig(), nil))
	peer, ch := channel.NewMPSCPair(channel.DefaultOptions())
	require.True(t, w.Send(Register{Channel: ch, Role: handshake.Responder}))

	bad := protocol.NewHandshake()
	bad.Version.Minor++
	require.NoError(t, peer.Write(bad))

	failed := next[HandshakeFailed](t, w)
	assert.ErrorIs(t, failed.Err, protocol.ErrWrongVersion)
	assert.Equal(t, ch.ID(), failed.Cid)

	frames := readFrames(t, peer, 2)
	assert.IsType(t, protocol.Raw{}, frames[0])
	assert.IsType(t, protocol.Shutdown{}, frames[1])
	assert.Equal(t, 0, w.w.hub.Table().Len())
}

func TestHandshakeTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 50 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	w := newController(t, NewHub(protocol.NewPid(), cfg, nil))
	_, ch := channel.NewMPSCPair(channel.DefaultOptions())
	require.True(t, w.Send(Register{Channel: ch, Role: handshake.Responder}))

	failed := next[HandshakeFailed](t, w)
	assert.ErrorIs(t, failed.Err, protocol.ErrInitCustom)
	assert.ErrorIs(t, failed.Err, errHandshakeTimeout)
}

func TestSelfConnectRejected(t *testing.T) {
	hub := NewHub(protocol.NewPid(), testConfig(), nil)
	a, b := newController(t, hub), newController(t, hub)
	ca, cb := channel.NewMPSCPair(channel.DefaultOptions())
	require.True(t, a.Send(Register{Channel: ca, Role: handshake.Initiator}))
	require.True(t, b.Send(Register{Channel: cb, Role: handshake.Responder}))

	failed := next[HandshakeFailed](t, b)
	assert.ErrorIs(t, failed.Err, protocol.ErrInitCustom)
}

func TestSecondChannelJoinsOwner(t *testing.T) {
	a := newController(t, NewHub(protocol.NewPid(), testConfig(), nil))
	hubB := NewHub(protocol.NewPid(), testConfig(), nil)
	b0, b1 := newController(t, hubB), newController(t, hubB)

	atA, first := connect(t, a, b0, channel.DefaultOptions())
	assert.False(t, first.Joined)

	ca, cb := channel.NewMPSCPair(channel.DefaultOptions())
	require.True(t, a.Send(Register{Channel: ca, Role: handshake.Initiator}))
	require.True(t, b1.Send(Register{Channel: cb, Role: handshake.Responder}))

	assert.True(t, next[Connected](t, a).Joined)
	joined := next[Connected](t, b0)
	assert.True(t, joined.Joined)
	assert.Equal(t, first.Pid, joined.Pid)

	e, _, ok := hubB.Table().Lookup(first.Pid)
	require.True(t, ok)
	assert.Equal(t, b0.ID(), e.Owner)

	// traffic still flows after the join
	sid, err := atA.Sids.Next()
	require.NoError(t, err)
	require.True(t, a.Send(OpenStream{Pid: atA.Pid, Sid: sid}))
	require.True(t, a.Send(Send{Pid: atA.Pid, Sid: sid, Payload: []byte("hi")}))
	assert.Equal(t, "hi", string(next[Receive](t, b0).Payload))
}

func TestMigrate(t *testing.T) {
	hubA := NewHub(protocol.NewPid(), testConfig(), nil)
	a0, a1 := newController(t, hubA), newController(t, hubA)
	b := newController(t, NewHub(protocol.NewPid(), testConfig(), nil))
	atA, atB := connect(t, a0, b, channel.DefaultOptions())

	sid, err := atB.Sids.Next()
	require.NoError(t, err)
	require.True(t, b.Send(OpenStream{Pid: atB.Pid, Sid: sid}))
	next[OpenedStream](t, a0)

	require.True(t, a0.Migrate(atA.Pid, a1.ID()))
	require.Eventually(t, func() bool {
		e, _, ok := hubA.Table().Lookup(atA.Pid)
		return ok && e.Owner == a1.ID()
	}, waitFor, time.Millisecond)

	require.True(t, b.Send(Send{Pid: atB.Pid, Sid: sid, Payload: []byte("after")}))
	assert.Equal(t, "after", string(next[Receive](t, a1).Payload))

	// a request sent to the old owner is forwarded
	require.True(t, a0.Send(Send{Pid: atA.Pid, Sid: sid, Payload: []byte("back")}))
	assert.Equal(t, "back", string(next[Receive](t, b).Payload))
}

func TestDisconnectAndClose(t *testing.T) {
	a := newController(t, NewHub(protocol.NewPid(), testConfig(), nil))
	b := newController(t, NewHub(protocol.NewPid(), testConfig(), nil))
	atA, _ := connect(t, a, b, channel.DefaultOptions())

	require.True(t, a.Send(Disconnect{Pid: atA.Pid}))
	assert.NoError(t, next[ParticipantDisconnected](t, a).Err)
	assert.NoError(t, next[ParticipantDisconnected](t, b).Err, "a remote Shutdown is a clean disconnect")

	atA, _ = connect(t, a, b, channel.DefaultOptions())
	require.NoError(t, a.Close())
	assert.Equal(t, ShutdownRequested, a.State())
	assert.ErrorIs(t, next[ParticipantDisconnected](t, a).Err, ErrStopped)
	assert.Equal(t, atA.Pid, next[ParticipantDisconnected](t, b).Pid)
	assert.False(t, a.Send(Disconnect{Pid: atA.Pid}))
	assert.False(t, b.Send(Shutdown{}))
}

func TestLoadRatio(t *testing.T) {
	c := newController(t, NewHub(protocol.NewPid(), testConfig(), nil))
	require.Eventually(t, func() bool { return c.Load().Waiting > 0 }, waitFor, time.Millisecond)
	r := c.LoadRatio()
	assert.GreaterOrEqual(t, r, float32(0))
	assert.LessOrEqual(t, r, float32(1))
}
