package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/velonet/internal/channel"
	"github.com/1ureka/velonet/internal/config"
	"github.com/1ureka/velonet/internal/metrics"
	"github.com/1ureka/velonet/internal/protocol"
)

func testConfig() config.Network {
	cfg := config.Default().Network
	cfg.Workers = 2
	cfg.FragmentSize = 1024
	cfg.PollInterval = 20 * time.Millisecond
	cfg.HandshakeTimeout = 2 * time.Second
	return cfg
}

func newNetwork(t *testing.T, cfg config.Network, opts ...Option) *Network {
	t.Helper()
	n := New(cfg, opts...)
	t.Cleanup(func() { n.Close() })
	return n
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// link connects a client network to a server network listening on addr and
// returns both ends of the participant.
func link(t *testing.T, server, client *Network, addr string) (*Participant, *Participant) {
	t.Helper()
	ctx := testContext(t)
	bound, err := server.Listen(addr)
	require.NoError(t, err)

	remote, err := client.Connect(ctx, bound.String())
	require.NoError(t, err)
	local, err := server.Accept(ctx)
	require.NoError(t, err)

	assert.Equal(t, server.Pid(), remote.Pid())
	assert.Equal(t, client.Pid(), local.Pid())
	return local, remote
}

func mpscPair(t *testing.T, opts ...Option) (server, client *Network, atServer, atClient *Participant) {
	t.Helper()
	reg := channel.NewMPSCRegistry()
	server = newNetwork(t, testConfig(), append(opts, WithRegistry(reg))...)
	client = newNetwork(t, testConfig(), WithRegistry(reg))
	atServer, atClient = link(t, server, client, "mpsc://7")
	return server, client, atServer, atClient
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in   string
		want Address
		str  string
	}{
		{"tcp://127.0.0.1:14004", Address{Scheme: SchemeTCP, Host: "127.0.0.1:14004"}, "tcp://127.0.0.1:14004"},
		{"udp://[::1]:9000", Address{Scheme: SchemeUDP, Host: "[::1]:9000"}, "udp://[::1]:9000"},
		{"mpsc://42", Address{Scheme: SchemeMPSC, ID: 42}, "mpsc://42"},
		{"ws://localhost:8080/net", Address{Scheme: SchemeWebSocket, Host: "localhost:8080", Path: "/net"}, "ws://localhost:8080/net"},
		{"ws://localhost:8080", Address{Scheme: SchemeWebSocket, Host: "localhost:8080", Path: "/"}, "ws://localhost:8080/"},
		{"webrtc+ws://host:7000?pin=1234", Address{Scheme: SchemeWebRTC, Host: "host:7000", Path: "/ws", RawQuery: "pin=1234"}, "webrtc+ws://host:7000/ws?pin=1234"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			a, err := ParseAddress(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, a)
			assert.Equal(t, tt.str, a.String())
		})
	}

	for _, bad := range []string{"tcp://nohost", "mpsc://abc", "quic://1.2.3.4:5", "ws://", "::"} {
		t.Run("invalid "+bad, func(t *testing.T) {
			_, err := ParseAddress(bad)
			assert.Error(t, err)
		})
	}
	assert.Equal(t, "1234", Address{RawQuery: "pin=1234"}.pin())
}

func TestMPSCEcho(t *testing.T) {
	_, _, atServer, atClient := mpscPair(t)
	ctx := testContext(t)

	s, err := atClient.OpenStream(0, protocol.PromiseOrdered)
	require.NoError(t, err)
	msg := bytes.Repeat([]byte{0xAB}, 10*1024)
	require.NoError(t, s.Send(msg))

	in, err := atServer.Opened(ctx)
	require.NoError(t, err)
	assert.Equal(t, s.Sid(), in.Sid())
	assert.Equal(t, protocol.PromiseOrdered, in.Promises())

	got, err := in.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, msg, got)

	require.NoError(t, in.Send([]byte("pong")))
	got, err = s.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), got)
}

func TestSendOrder(t *testing.T) {
	_, _, atServer, atClient := mpscPair(t)
	ctx := testContext(t)

	s, err := atClient.OpenStream(3, 0)
	require.NoError(t, err)
	for i := range 100 {
		require.NoError(t, s.Send([]byte(fmt.Sprintf("msg-%03d", i))))
	}
	in, err := atServer.Opened(ctx)
	require.NoError(t, err)
	for i := range 100 {
		got, err := in.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("msg-%03d", i), string(got))
	}
}

func TestSendBufferReusable(t *testing.T) {
	_, _, atServer, atClient := mpscPair(t)
	ctx := testContext(t)

	s, err := atClient.OpenStream(0, 0)
	require.NoError(t, err)
	buf := []byte("first")
	require.NoError(t, s.Send(buf))
	copy(buf, "XXXXX")

	in, err := atServer.Opened(ctx)
	require.NoError(t, err)
	got, err := in.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))
}

func TestCompressedStream(t *testing.T) {
	_, _, atServer, atClient := mpscPair(t)
	ctx := testContext(t)

	s, err := atClient.OpenStream(1, protocol.PromiseCompressed|protocol.PromiseOrdered)
	require.NoError(t, err)
	msg := bytes.Repeat([]byte("velonet "), 8192)
	require.NoError(t, s.Send(msg))

	in, err := atServer.Opened(ctx)
	require.NoError(t, err)
	got, err := in.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestCompressRoundTrip(t *testing.T) {
	msg := bytes.Repeat([]byte{1, 2, 3, 4}, 1000)
	z, err := compress(msg)
	require.NoError(t, err)
	assert.Less(t, len(z), len(msg))

	got, err := decompress(z, uint64(len(msg)))
	require.NoError(t, err)
	assert.Equal(t, msg, got)

	_, err = decompress(z, uint64(len(msg)-1))
	assert.Error(t, err)
	_, err = decompress([]byte("not lz4"), 1024)
	assert.Error(t, err)
}

func TestStreamCloseSeenByPeer(t *testing.T) {
	_, _, atServer, atClient := mpscPair(t)
	ctx := testContext(t)

	s, err := atClient.OpenStream(0, 0)
	require.NoError(t, err)
	require.NoError(t, s.Send([]byte("last words")))
	in, err := atServer.Opened(ctx)
	require.NoError(t, err)

	// the message is delivered before the close
	got, err := in.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "last words", string(got))

	require.NoError(t, s.Close())
	_, err = in.Recv(ctx)
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.ErrorIs(t, in.Send([]byte("x")), ErrStreamClosed)
	assert.ErrorIs(t, s.Send([]byte("x")), ErrStreamClosed)
	assert.NoError(t, s.Close())
}

func TestDisconnect(t *testing.T) {
	_, _, atServer, atClient := mpscPair(t)
	ctx := testContext(t)

	s, err := atClient.OpenStream(0, 0)
	require.NoError(t, err)
	require.NoError(t, s.Send([]byte("hi")))
	in, err := atServer.Opened(ctx)
	require.NoError(t, err)
	_, err = in.Recv(ctx)
	require.NoError(t, err)

	require.NoError(t, atClient.Disconnect(ctx))
	assert.ErrorIs(t, atClient.Err(), ErrDisconnected)
	assert.ErrorIs(t, s.Send([]byte("x")), ErrDisconnected)
	_, err = atClient.OpenStream(0, 0)
	assert.ErrorIs(t, err, ErrDisconnected)

	select {
	case <-atServer.Done():
	case <-ctx.Done():
		t.Fatal("server side did not see the shutdown")
	}
	_, err = in.Recv(ctx)
	assert.ErrorIs(t, err, ErrDisconnected)
	_, err = atServer.Opened(ctx)
	assert.ErrorIs(t, err, ErrDisconnected)

	// disconnecting twice is harmless
	assert.NoError(t, atClient.Disconnect(ctx))
}

func TestConnectRefused(t *testing.T) {
	n := newNetwork(t, testConfig())
	_, err := n.Connect(testContext(t), "mpsc://99")
	assert.Error(t, err)
	_, err = n.Connect(testContext(t), "bogus://x")
	assert.Error(t, err)
}

func TestCloseNetwork(t *testing.T) {
	server, client, atServer, _ := mpscPair(t)
	ctx := testContext(t)

	require.NoError(t, client.Close())
	select {
	case <-atServer.Done():
	case <-ctx.Done():
		t.Fatal("server side did not see the shutdown")
	}

	require.NoError(t, server.Close())
	_, err := server.Accept(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = server.Listen("mpsc://8")
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, server.Close())
}

func TestAcceptHonoursContext(t *testing.T) {
	n := newNetwork(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := n.Accept(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestMigrate(t *testing.T) {
	server, _, atServer, atClient := mpscPair(t)
	ctx := testContext(t)

	e, _, ok := server.hub.Table().Lookup(atServer.Pid())
	require.True(t, ok)
	to := 1 - e.Owner
	require.True(t, server.Migrate(atServer.Pid(), to))
	assert.False(t, server.Migrate(atServer.Pid(), 5))

	s, err := atClient.OpenStream(0, 0)
	require.NoError(t, err)
	require.NoError(t, s.Send([]byte("after move")))
	in, err := atServer.Opened(ctx)
	require.NoError(t, err)
	got, err := in.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "after move", string(got))

	e, _, ok = server.hub.Table().Lookup(atServer.Pid())
	require.True(t, ok)
	assert.Equal(t, to, e.Owner)
}

func TestTransports(t *testing.T) {
	tests := []struct {
		name   string
		addr   string
		legacy bool
	}{
		{"tcp", "tcp://127.0.0.1:0", false},
		{"tcp legacy preamble", "tcp://127.0.0.1:0", true},
		{"udp", "udp://127.0.0.1:0", false},
		{"websocket", "ws://127.0.0.1:0/net", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.LegacyPreamble = tt.legacy
			server := newNetwork(t, cfg)
			client := newNetwork(t, cfg)
			atServer, atClient := link(t, server, client, tt.addr)
			ctx := testContext(t)

			s, err := atClient.OpenStream(0, protocol.PromiseOrdered)
			require.NoError(t, err)
			msg := bytes.Repeat([]byte("0123456789"), 300)
			require.NoError(t, s.Send(msg))

			in, err := atServer.Opened(ctx)
			require.NoError(t, err)
			got, err := in.Recv(ctx)
			require.NoError(t, err)
			assert.Equal(t, msg, got)

			require.NoError(t, in.Send([]byte("ack")))
			got, err = s.Recv(ctx)
			require.NoError(t, err)
			assert.Equal(t, "ack", string(got))
		})
	}
}

func TestSecondConnectJoins(t *testing.T) {
	reg := channel.NewMPSCRegistry()
	server := newNetwork(t, testConfig(), WithRegistry(reg))
	client := newNetwork(t, testConfig(), WithRegistry(reg))
	atServer, atClient := link(t, server, client, "mpsc://11")
	ctx := testContext(t)

	again, err := client.Connect(ctx, "mpsc://11")
	require.NoError(t, err)
	assert.Same(t, atClient, again)

	s, err := again.OpenStream(0, 0)
	require.NoError(t, err)
	require.NoError(t, s.Send([]byte("two channels")))
	in, err := atServer.Opened(ctx)
	require.NoError(t, err)
	got, err := in.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "two channels", string(got))
}

func TestMetricsObserved(t *testing.T) {
	m := metrics.New()
	_, _, atServer, atClient := mpscPair(t, WithMetrics(m))
	ctx := testContext(t)

	s, err := atServer.OpenStream(0, 0)
	require.NoError(t, err)
	require.NoError(t, s.Send([]byte("counted")))
	in, err := atClient.Opened(ctx)
	require.NoError(t, err)
	_, err = in.Recv(ctx)
	require.NoError(t, err)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.Positive(t, sum(families, "velonet_frames_sent_total"))
	assert.Equal(t, 1.0, sum(families, "velonet_participants"))
	assert.NotEmpty(t, m.Loads())
}

func sum(families []*dto.MetricFamily, name string) float64 {
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			switch {
			case m.Counter != nil:
				total += m.Counter.GetValue()
			case m.Gauge != nil:
				total += m.Gauge.GetValue()
			}
		}
	}
	return total
}

func TestWebRTCListenGeneratesPIN(t *testing.T) {
	n := newNetwork(t, testConfig())
	bound, err := n.Listen("webrtc+ws://127.0.0.1:0")
	require.NoError(t, err)
	assert.Equal(t, SchemeWebRTC, bound.Scheme)
	assert.Equal(t, "/ws", bound.Path)
	assert.Len(t, bound.pin(), 6)

	kept, err := n.Listen("webrtc+ws://127.0.0.1:0?pin=4321")
	require.NoError(t, err)
	assert.Equal(t, "4321", kept.pin())
}

func TestWebRTCTransport(t *testing.T) {
	if testing.Short() {
		t.Skip("needs ICE over loopback")
	}
	cfg := testConfig()
	cfg.ICEServers = nil
	server := newNetwork(t, cfg)
	client := newNetwork(t, cfg)
	atServer, atClient := link(t, server, client, "webrtc+ws://127.0.0.1:0")
	ctx := testContext(t)

	s, err := atClient.OpenStream(0, protocol.PromiseOrdered)
	require.NoError(t, err)
	require.NoError(t, s.Send([]byte("over a datachannel")))
	in, err := atServer.Opened(ctx)
	require.NoError(t, err)
	got, err := in.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "over a datachannel", string(got))
	assert.Equal(t, channel.KindWebRTC, atClient.Kind())
}
