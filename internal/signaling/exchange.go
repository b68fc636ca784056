package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/velonet/internal/util"
)

var errUnexpectedMessage = errors.New("signaling: unexpected message")

// exchange runs one side of the SDP/ICE exchange over a WebSocket.
// Local candidates are held back until our session description went out, so
// the peer never sees a candidate before the description it belongs to.
type exchange struct {
	pc   *webrtc.PeerConnection
	conn *websocket.Conn

	mu        sync.Mutex
	described bool
	held      []Message
}

func newExchange(conn *websocket.Conn, pc *webrtc.PeerConnection) *exchange {
	e := &exchange{pc: pc, conn: conn}
	pc.OnICECandidate(e.onCandidate)
	return e
}

func (e *exchange) onCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	data, err := json.Marshal(c.ToJSON())
	if err != nil {
		return
	}
	msg := Message{Type: MsgTypeCandidate, Candidate: string(data)}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.described {
		e.held = append(e.held, msg)
		return
	}
	// best effort: the socket is closed as soon as the DataChannel opens
	if err := e.conn.WriteJSON(msg); err != nil {
		util.LogDebug("signaling: send candidate: %v", err)
	}
}

// describe sends our session description, then any held candidates.
func (e *exchange) describe(t MessageType, sdp string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.conn.WriteJSON(Message{Type: t, SDP: sdp}); err != nil {
		return fmt.Errorf("signaling: send %s: %w", t, err)
	}
	e.described = true
	for _, msg := range e.held {
		if err := e.conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("signaling: send candidate: %w", err)
		}
	}
	e.held = nil
	return nil
}

// sendOffer creates an SDP offer, sets it as local description, and sends it.
func (e *exchange) sendOffer() error {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	return e.describe(MsgTypeOffer, offer.SDP)
}

// sendAnswer creates an SDP answer, sets it as local description, and sends it.
func (e *exchange) sendAnswer() error {
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return err
	}
	return e.describe(MsgTypeAnswer, answer.SDP)
}

// watch applies incoming messages until the socket fails. The offering side
// accepts an answer, the answering side an offer; both accept candidates.
func (e *exchange) watch(offering bool) error {
	for {
		var msg Message
		if err := e.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("signaling: read: %w", err)
		}

		switch msg.Type {
		case MsgTypeOffer:
			if offering {
				return fmt.Errorf("%w: offer", errUnexpectedMessage)
			}
			if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeOffer, SDP: msg.SDP,
			}); err != nil {
				return err
			}
			if err := e.sendAnswer(); err != nil {
				return err
			}

		case MsgTypeAnswer:
			if !offering {
				return fmt.Errorf("%w: answer", errUnexpectedMessage)
			}
			if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeAnswer, SDP: msg.SDP,
			}); err != nil {
				return err
			}

		case MsgTypeCandidate:
			var init webrtc.ICECandidateInit
			if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
				return fmt.Errorf("signaling: parse ICE candidate: %w", err)
			}
			if err := e.pc.AddICECandidate(init); err != nil {
				return err
			}

		default:
			return fmt.Errorf("%w: %q", errUnexpectedMessage, msg.Type)
		}
	}
}
