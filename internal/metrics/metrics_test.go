package metrics

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/velonet/internal/channel"
	"github.com/1ureka/velonet/internal/protocol"
	"github.com/1ureka/velonet/internal/worker"
)

var (
	_ channel.Observer = (*Metrics)(nil)
	_ worker.Observer  = (*Metrics)(nil)
)

func TestCounters(t *testing.T) {
	m := New()
	m.FrameSent(channel.KindTCP, protocol.KindData, 100)
	m.FrameSent(channel.KindUDP, protocol.KindData, 50)
	m.FrameSent(channel.KindTCP, protocol.KindDataHeader, 20)
	m.FrameReceived(channel.KindMPSC, protocol.KindOpenStream, 8)
	m.FrameDropped(channel.KindUDP)
	m.HandshakeFailed("wrong_version")
	m.ChannelViolated()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.framesSent.WithLabelValues(protocol.KindData.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesSent.WithLabelValues(protocol.KindDataHeader.String())))
	assert.Equal(t, 170.0, testutil.ToFloat64(m.bytesSent))
	assert.Equal(t, 8.0, testutil.ToFloat64(m.bytesReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.udpDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handshakeFailures.WithLabelValues("wrong_version")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.violations))
}

func TestGauges(t *testing.T) {
	m := New()
	m.ChannelOpened(channel.KindTCP)
	m.ChannelOpened(channel.KindTCP)
	m.ChannelClosed(channel.KindTCP)
	m.ParticipantConnected()
	m.WorkerLoad(1, 0.25)
	m.WorkerLoad(0, 0.5)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.channels.WithLabelValues("tcp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.participants))
	assert.Equal(t, 0.25, testutil.ToFloat64(m.workerLoad.WithLabelValues("1")))
	assert.Equal(t, []WorkerLoadEntry{{Worker: 0, Ratio: 0.5}, {Worker: 1, Ratio: 0.25}}, m.Loads())

	m.ParticipantDisconnected()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.participants))
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.ChannelViolated()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.violations))
}

func TestRouter(t *testing.T) {
	m := New()
	m.FrameSent(channel.KindTCP, protocol.KindShutdown, 1)
	m.WorkerLoad(0, 0.125)
	srv := httptest.NewServer(m.Router())
	defer srv.Close()

	tests := []struct {
		path  string
		check func(t *testing.T, body string)
	}{
		{"/metrics", func(t *testing.T, body string) {
			assert.Contains(t, body, "velonet_frames_sent_total")
			assert.Contains(t, body, "velonet_worker_load_ratio")
		}},
		{"/api/load", func(t *testing.T, body string) {
			var loads []WorkerLoadEntry
			require.NoError(t, json.Unmarshal([]byte(body), &loads))
			assert.Equal(t, []WorkerLoadEntry{{Worker: 0, Ratio: 0.125}}, loads)
		}},
		{"/api/resource", func(t *testing.T, body string) {
			var rsp resourceRsp
			require.NoError(t, json.Unmarshal([]byte(body), &rsp))
			assert.Greater(t, rsp.MemorySize, uint64(0))
		}},
	}
	for _, tc := range tests {
		t.Run(strings.TrimPrefix(tc.path, "/"), func(t *testing.T) {
			resp, err := http.Get(srv.URL + tc.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, http.StatusOK, resp.StatusCode)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			tc.check(t, string(body))
		})
	}

	resp, err := http.Post(srv.URL+"/api/load", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServe(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	addrs := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx, "127.0.0.1:0", func(a net.Addr) { addrs <- a }) }()

	addr := <-addrs
	resp, err := http.Get("http://" + addr.String() + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
