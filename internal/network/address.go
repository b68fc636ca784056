package network

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// Scheme names the transport an address is reached over.
type Scheme string

const (
	SchemeTCP       Scheme = "tcp"
	SchemeUDP       Scheme = "udp"
	SchemeMPSC      Scheme = "mpsc"
	SchemeWebSocket Scheme = "ws"
	SchemeWebRTC    Scheme = "webrtc+ws" // DataChannel, signaled over a websocket
)

// signalingPath is where a webrtc+ws listener serves its signaling socket.
const signalingPath = "/ws"

// Address is a parsed listen or connect address, e.g. tcp://127.0.0.1:14004,
// mpsc://7, ws://host:8080/net or webrtc+ws://host:7000/ws?pin=1234.
type Address struct {
	Scheme   Scheme
	Host     string // host:port; unused for mpsc
	ID       uint64 // mpsc only
	Path     string // ws and webrtc+ws only
	RawQuery string // ws and webrtc+ws only
}

// ParseAddress parses s into an Address.
func ParseAddress(s string) (Address, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Address{}, fmt.Errorf("network: address %q: %w", s, err)
	}
	a := Address{Scheme: Scheme(u.Scheme)}
	switch a.Scheme {
	case SchemeMPSC:
		id, err := strconv.ParseUint(u.Host, 10, 64)
		if err != nil {
			return Address{}, fmt.Errorf("network: address %q: mpsc id: %w", s, err)
		}
		a.ID = id
		return a, nil

	case SchemeTCP, SchemeUDP:
		if _, _, err := net.SplitHostPort(u.Host); err != nil {
			return Address{}, fmt.Errorf("network: address %q: %w", s, err)
		}
		a.Host = u.Host
		return a, nil

	case SchemeWebSocket, SchemeWebRTC:
		if u.Host == "" {
			return Address{}, fmt.Errorf("network: address %q: missing host", s)
		}
		a.Host = u.Host
		a.Path = u.Path
		a.RawQuery = u.RawQuery
		if a.Path == "" {
			a.Path = "/"
			if a.Scheme == SchemeWebRTC {
				a.Path = signalingPath
			}
		}
		return a, nil
	}
	return Address{}, fmt.Errorf("network: address %q: unsupported scheme %q", s, u.Scheme)
}

func (a Address) String() string {
	switch a.Scheme {
	case SchemeMPSC:
		return fmt.Sprintf("mpsc://%d", a.ID)
	case SchemeWebSocket, SchemeWebRTC:
		u := url.URL{Scheme: string(a.Scheme), Host: a.Host, Path: a.Path, RawQuery: a.RawQuery}
		return u.String()
	}
	return string(a.Scheme) + "://" + a.Host
}

// socketURL is the ws:// url a websocket or signaling dial goes to.
func (a Address) socketURL() string {
	u := url.URL{Scheme: "ws", Host: a.Host, Path: a.Path, RawQuery: a.RawQuery}
	return u.String()
}

func (a Address) pin() string {
	q, err := url.ParseQuery(a.RawQuery)
	if err != nil {
		return ""
	}
	return q.Get("pin")
}
