package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	callRinging = "ringing"
	callActive  = "active"
)

type call struct {
	ID        string
	CallerID  string
	CalleeID  string
	State     string
	ringTimer *time.Timer
}

// callRegistry tracks 1:1 calls. A user holds at most one call at a time,
// ringing or active.
type callRegistry struct {
	hub         *Hub
	ringTimeout time.Duration

	mu     sync.Mutex
	calls  map[string]*call
	byUser map[string]string // user id -> call id
}

func newCallRegistry(h *Hub, ringTimeout time.Duration) *callRegistry {
	return &callRegistry{
		hub:         h,
		ringTimeout: ringTimeout,
		calls:       make(map[string]*call),
		byUser:      make(map[string]string),
	}
}

type callInitiateData struct {
	CalleeUserID string `json:"callee_user_id"`
}

type callRefData struct {
	CallID string `json:"call_id"`
}

// handleInitiate rings another user. Either party already being in a call
// is busy.
func (r *callRegistry) handleInitiate(c *Client, f *Frame) {
	var data callInitiateData
	if !r.hub.decode(c, f, &data) {
		return
	}
	if data.CalleeUserID == "" || data.CalleeUserID == c.UserID {
		c.Send(ErrorFrame("VALIDATION", "cannot call yourself", f.Ref))
		return
	}
	if !r.hub.presence.IsOnline(data.CalleeUserID) {
		c.Send(ErrorFrame("NOT_FOUND", "callee is offline", f.Ref))
		return
	}

	r.mu.Lock()
	if _, busy := r.byUser[c.UserID]; busy {
		r.mu.Unlock()
		c.Send(ErrorFrame("CONFLICT", "already in a call", f.Ref))
		return
	}
	if _, busy := r.byUser[data.CalleeUserID]; busy {
		r.mu.Unlock()
		c.Send(ErrorFrame("CONFLICT", "callee is busy", f.Ref))
		return
	}

	cl := &call{
		ID:       uuid.New().String(),
		CallerID: c.UserID,
		CalleeID: data.CalleeUserID,
		State:    callRinging,
	}
	cl.ringTimer = time.AfterFunc(r.ringTimeout, func() {
		r.timeout(cl.ID)
	})
	r.calls[cl.ID] = cl
	r.byUser[cl.CallerID] = cl.ID
	r.byUser[cl.CalleeID] = cl.ID
	r.mu.Unlock()

	c.Send(NewFrame(FrameCallInitiated, map[string]string{
		"call_id":        cl.ID,
		"callee_user_id": cl.CalleeID,
	}).WithRef(f.Ref))

	r.hub.SendToUser(cl.CalleeID, NewFrame(FrameIncomingCall, map[string]string{
		"call_id":        cl.ID,
		"caller_user_id": cl.CallerID,
	}))
}

// handleAccept answers a ringing call. Callee only.
func (r *callRegistry) handleAccept(c *Client, f *Frame) {
	var data callRefData
	if !r.hub.decode(c, f, &data) {
		return
	}

	r.mu.Lock()
	cl, ok := r.calls[data.CallID]
	if !ok || cl.CalleeID != c.UserID {
		r.mu.Unlock()
		c.Send(ErrorFrame("NOT_FOUND", "no such ringing call", f.Ref))
		return
	}
	if cl.State != callRinging {
		r.mu.Unlock()
		c.Send(ErrorFrame("CONFLICT", "call is not ringing", f.Ref))
		return
	}
	cl.State = callActive
	cl.ringTimer.Stop()
	r.mu.Unlock()

	started := map[string]string{
		"call_id":        cl.ID,
		"caller_user_id": cl.CallerID,
		"callee_user_id": cl.CalleeID,
	}
	r.hub.SendToUser(cl.CallerID, NewFrame(FrameCallAccepted, started))
	r.hub.SendToUser(cl.CallerID, NewFrame(FrameCallStarted, started))
	r.hub.SendToUser(cl.CalleeID, NewFrame(FrameCallStarted, started).WithRef(f.Ref))
}

// handleReject declines a ringing call. Callee only; the caller learns via
// call_rejected.
func (r *callRegistry) handleReject(c *Client, f *Frame) {
	var data callRefData
	if !r.hub.decode(c, f, &data) {
		return
	}

	r.mu.Lock()
	cl, ok := r.calls[data.CallID]
	if !ok || cl.CalleeID != c.UserID || cl.State != callRinging {
		r.mu.Unlock()
		c.Send(ErrorFrame("NOT_FOUND", "no such ringing call", f.Ref))
		return
	}
	r.removeLocked(cl)
	r.mu.Unlock()

	r.hub.SendToUser(cl.CallerID, NewFrame(FrameCallRejected, map[string]string{
		"call_id": cl.ID,
	}))
}

// handleHangup ends a call from either side, in any state.
func (r *callRegistry) handleHangup(c *Client, f *Frame) {
	var data callRefData
	if !r.hub.decode(c, f, &data) {
		return
	}

	r.mu.Lock()
	cl, ok := r.calls[data.CallID]
	if !ok || (cl.CallerID != c.UserID && cl.CalleeID != c.UserID) {
		r.mu.Unlock()
		c.Send(ErrorFrame("NOT_FOUND", "no such call", f.Ref))
		return
	}
	r.removeLocked(cl)
	r.mu.Unlock()

	endedData := map[string]string{
		"call_id": cl.ID,
		"reason":  "hangup",
	}
	r.hub.SendToUser(r.otherParty(cl, c.UserID), NewFrame(FrameCallEnded, endedData))
	c.Send(NewFrame(FrameCallEnded, endedData).WithRef(f.Ref))
}

// timeout fires when a call rings past the deadline unanswered.
func (r *callRegistry) timeout(callID string) {
	r.mu.Lock()
	cl, ok := r.calls[callID]
	if !ok || cl.State != callRinging {
		r.mu.Unlock()
		return
	}
	r.removeLocked(cl)
	r.mu.Unlock()

	ended := NewFrame(FrameCallEnded, map[string]string{
		"call_id": cl.ID,
		"reason":  "timeout",
	})
	r.hub.SendToUser(cl.CallerID, ended)
	r.hub.SendToUser(cl.CalleeID, ended)
}

// endForUser terminates the user's call, if any, notifying the other party.
// Used when a user's presence fully expires.
func (r *callRegistry) endForUser(userID, reason string) {
	r.mu.Lock()
	callID, ok := r.byUser[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	cl := r.calls[callID]
	r.removeLocked(cl)
	r.mu.Unlock()

	r.hub.SendToUser(r.otherParty(cl, userID), NewFrame(FrameCallEnded, map[string]string{
		"call_id": cl.ID,
		"reason":  reason,
	}))
}

func (r *callRegistry) removeLocked(cl *call) {
	cl.ringTimer.Stop()
	delete(r.calls, cl.ID)
	delete(r.byUser, cl.CallerID)
	delete(r.byUser, cl.CalleeID)
}

func (r *callRegistry) otherParty(cl *call, userID string) string {
	if cl.CallerID == userID {
		return cl.CalleeID
	}
	return cl.CallerID
}
