// Package hub is the realtime surface: websocket connections, rooms,
// presence, chat fan-out and live media signaling.
package hub

import (
	"encoding/json"
	"strings"
)

// Inbound frame types.
const (
	FrameJoinRoom       = "join_room"
	FrameLeaveRoom      = "leave_room"
	FrameSendMessage    = "send_message"
	FrameUpdateLocation = "update_location"
	FrameTyping         = "typing"
	FramePing           = "ping"
	FrameLiveStart      = "live_start"
	FrameLiveStop       = "live_stop"
	FrameLiveStatus     = "live_status"
	FrameCallInitiate   = "call_initiate"
	FrameCallAccept     = "call_accept"
	FrameCallReject     = "call_reject"
	FrameCallHangup     = "call_hangup"
	FrameOffer          = "offer"
	FrameAnswer         = "answer"
	FrameICECandidate   = "ice_candidate"
)

// Outbound frame types.
const (
	FrameConnected         = "connected"
	FrameJoinedRoom        = "joined_room"
	FrameLeftRoom          = "left_room"
	FrameMessage           = "message"
	FrameUserJoined        = "user_joined"
	FrameUserLeft          = "user_left"
	FramePresenceUpdate    = "presence_update"
	FrameLocationUpdated   = "location_updated"
	FramePong              = "pong"
	FrameError             = "error"
	FrameLivePeers         = "live_peers"
	FrameLivePeerJoined    = "live_peer_joined"
	FrameLivePeerLeft      = "live_peer_left"
	FrameIncomingCall      = "incoming_call"
	FrameCallInitiated     = "call_initiated"
	FrameCallAccepted      = "call_accepted"
	FrameCallRejected      = "call_rejected"
	FrameCallStarted       = "call_started"
	FrameCallEnded         = "call_ended"
	FrameBiomeMarketUpdate = "biome_market_update"
	FrameReadReceipt       = "read_receipt"
)

// Frame is the wire envelope in both directions. Data stays raw inbound so
// each handler decodes its own payload; outbound frames are built with
// NewFrame.
type Frame struct {
	Type string          `json:"type"`
	Ref  string          `json:"ref,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewFrame builds an outbound frame, marshalling data into the envelope.
// A marshal failure downgrades to an empty payload rather than dropping
// the frame.
func NewFrame(frameType string, data interface{}) *Frame {
	f := &Frame{Type: frameType}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			f.Data = raw
		}
	}
	return f
}

// WithRef echoes an inbound frame's correlation ref.
func (f *Frame) WithRef(ref string) *Frame {
	f.Ref = ref
	return f
}

// Critical reports whether the frame must never be dropped from a full
// send queue: errors, call signaling and the connect handshake.
func (f *Frame) Critical() bool {
	switch {
	case f.Type == FrameError, f.Type == FrameConnected, f.Type == FrameIncomingCall:
		return true
	case strings.HasPrefix(f.Type, "call_"):
		return true
	}
	return false
}

// errorData is the payload of an error frame.
type errorData struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// ErrorFrame builds an error frame echoing ref.
func ErrorFrame(code, detail, ref string) *Frame {
	return NewFrame(FrameError, errorData{Code: code, Detail: detail}).WithRef(ref)
}
