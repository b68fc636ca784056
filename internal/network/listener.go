package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"

	"github.com/1ureka/velonet/internal/channel"
	"github.com/1ureka/velonet/internal/signaling"
	"github.com/1ureka/velonet/internal/util"
)

// listener turns one listen address into a source of unhandshaken channels.
type listener struct {
	addr   Address
	accept func(ctx context.Context) (channel.Channel, error)
	close  func() error
}

func (n *Network) listen(a Address) (*listener, error) {
	switch a.Scheme {
	case SchemeTCP:
		ln, err := net.Listen("tcp", a.Host)
		if err != nil {
			return nil, err
		}
		a.Host = ln.Addr().String()
		return &listener{
			addr: a,
			accept: func(context.Context) (channel.Channel, error) {
				conn, err := ln.Accept()
				if err != nil {
					return nil, err
				}
				return channel.NewTCP(conn, n.opts), nil
			},
			close: ln.Close,
		}, nil

	case SchemeUDP:
		ul, err := channel.ListenUDP(a.Host, n.opts)
		if err != nil {
			return nil, err
		}
		a.Host = ul.Addr().String()
		return &listener{
			addr: a,
			accept: func(ctx context.Context) (channel.Channel, error) {
				ch, err := ul.Accept(ctx)
				if err != nil {
					return nil, err
				}
				return ch, nil
			},
			close: ul.Close,
		}, nil

	case SchemeMPSC:
		ml, err := n.registry.Listen(a.ID, n.opts)
		if err != nil {
			return nil, err
		}
		return &listener{
			addr: a,
			accept: func(ctx context.Context) (channel.Channel, error) {
				ch, err := ml.Accept(ctx)
				if err != nil {
					return nil, err
				}
				return ch, nil
			},
			close: ml.Close,
		}, nil

	case SchemeWebSocket:
		ln, err := net.Listen("tcp", a.Host)
		if err != nil {
			return nil, err
		}
		a.Host = ln.Addr().String()
		wl := channel.NewWebSocketListener(n.opts)
		r := mux.NewRouter()
		r.Handle(a.Path, wl).Methods(http.MethodGet)
		srv := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				util.LogError("websocket listener %s: %v", a, err)
			}
		}()
		return &listener{
			addr: a,
			accept: func(ctx context.Context) (channel.Channel, error) {
				ch, err := wl.Accept(ctx)
				if err != nil {
					return nil, err
				}
				return ch, nil
			},
			close: func() error {
				return errors.Join(wl.Close(), srv.Close())
			},
		}, nil

	case SchemeWebRTC:
		pin := a.pin()
		if pin == "" {
			pin = signaling.NewPIN()
		}
		sl, err := signaling.Listen(a.Host, pin, n.cfg.ICEServers, n.opts)
		if err != nil {
			return nil, err
		}
		a.Host = sl.Addr().String()
		a.Path = signalingPath
		a.RawQuery = url.Values{"pin": {pin}}.Encode()
		return &listener{
			addr: a,
			accept: func(ctx context.Context) (channel.Channel, error) {
				ch, err := sl.Accept(ctx)
				if err != nil {
					return nil, err
				}
				return ch, nil
			},
			close: sl.Close,
		}, nil
	}
	return nil, fmt.Errorf("network: cannot listen on %s", a)
}

func (n *Network) dial(ctx context.Context, a Address) (channel.Channel, error) {
	switch a.Scheme {
	case SchemeTCP:
		ch, err := channel.DialTCP(ctx, a.Host, n.opts)
		if err != nil {
			return nil, err
		}
		return ch, nil
	case SchemeUDP:
		ch, err := channel.DialUDP(ctx, a.Host, n.opts)
		if err != nil {
			return nil, err
		}
		return ch, nil
	case SchemeMPSC:
		ch, err := n.registry.Dial(ctx, a.ID, n.opts)
		if err != nil {
			return nil, err
		}
		return ch, nil
	case SchemeWebSocket:
		ch, err := channel.DialWebSocket(ctx, a.socketURL(), n.opts)
		if err != nil {
			return nil, err
		}
		return ch, nil
	case SchemeWebRTC:
		ch, err := signaling.Dial(ctx, a.socketURL(), n.cfg.ICEServers, n.opts)
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
	return nil, fmt.Errorf("network: cannot connect to %s", a)
}
