package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/velonet/internal/channel"
)

// Dial signals over the WebSocket at url as the offering side and returns
// the channel once its DataChannel is open. The url carries the PIN as a
// query parameter, e.g.:
//
//	ws://example.com:7000/ws?pin=1234
func Dial(ctx context.Context, url string, iceServers []string, opts channel.Options) (*channel.WebRTC, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signaling server: %w", err)
	}
	defer conn.Close()

	pc, err := channel.NewPeerConnection(iceServers)
	if err != nil {
		return nil, err
	}
	dc, err := channel.CreateDataChannel(pc)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	ch := channel.NewWebRTC(pc, dc, opts)

	ex := newExchange(conn, pc)
	if err := ex.sendOffer(); err != nil {
		ch.Close()
		return nil, err
	}
	failed := make(chan error, 1)
	go func() { failed <- ex.watch(true) }()

	timeout := time.NewTimer(OpenTimeout)
	defer timeout.Stop()

	select {
	case <-ch.Opened():
		return ch, nil
	case err := <-failed:
		ch.Close()
		return nil, err
	case <-timeout.C:
		ch.Close()
		return nil, errors.New("signaling: datachannel did not open in time")
	case <-ctx.Done():
		ch.Close()
		return nil, ctx.Err()
	}
}
