package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/parcelworld/parcel/internal/cache"
	"github.com/parcelworld/parcel/internal/database"
	"github.com/parcelworld/parcel/internal/domain"
	"github.com/parcelworld/parcel/internal/events"
	"github.com/parcelworld/parcel/internal/modules/chat"
	"github.com/parcelworld/parcel/internal/modules/lands"
	ptesting "github.com/parcelworld/parcel/internal/testing"
)

// stubVerifier accepts any non-empty token as the user id itself.
type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("empty token")
	}
	return token, nil
}

// stubAttention records attention calls.
type stubAttention struct {
	mu    sync.Mutex
	calls []attentionCall
}

type attentionCall struct {
	userID string
	biome  domain.Biome
	weight float64
}

func (a *stubAttention) TrackAttention(userID string, biome domain.Biome, weight float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, attentionCall{userID: userID, biome: biome, weight: weight})
	return nil
}

func (a *stubAttention) snapshot() []attentionCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]attentionCall(nil), a.calls...)
}

type hubFixture struct {
	hub       *Hub
	server    *httptest.Server
	worldDB   *database.DB
	attention *stubAttention
}

func setupHub(t *testing.T) *hubFixture {
	t.Helper()
	return setupHubWithConfig(t, Config{
		HeartbeatInterval: 30 * time.Second,
		OfflineGrace:      50 * time.Millisecond,
		SendQueueSize:     64,
		ValidationStrikes: 3,
		StrikeWindow:      time.Minute,
		NearbyRadius:      5,
		CallRingTimeout:   200 * time.Millisecond,
	})
}

func setupHubWithConfig(t *testing.T, cfg Config) *hubFixture {
	t.Helper()

	worldDB := ptesting.NewTestDB(t, "world")
	chatDB := ptesting.NewTestDB(t, "chat")
	cacheDB := ptesting.NewTestDB(t, "cache")
	log := ptesting.SilentLogger()

	presence := NewPresence(cache.NewLastSeenStore(cacheDB.Conn()), log)
	landsRepo := lands.NewRepository(worldDB.Conn(), log)
	eventManager := events.NewManager(events.NewBus(log), log)

	chatSvc := chat.NewService(
		chat.NewRepository(chatDB.Conn(), log),
		landsRepo,
		presence,
		eventManager,
		chat.Config{HistoryLimit: 100, Retention: 720 * time.Hour, TombstoneAge: 48 * time.Hour},
		log,
	)

	attention := &stubAttention{}
	h := New(stubVerifier{}, presence, chatSvc, landsRepo, attention, eventManager, cfg, log)
	chatSvc.SetNotifier(h)

	server := httptest.NewServer(http.HandlerFunc(h.HandleConnect))
	t.Cleanup(server.Close)

	return &hubFixture{hub: h, server: server, worldDB: worldDB, attention: attention}
}

// wsConn wraps one client connection for tests.
type wsConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func (f *hubFixture) dial(t *testing.T, userID string) *wsConn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := strings.Replace(f.server.URL, "http", "ws", 1) + "/?token=" + userID
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	c := &wsConn{t: t, conn: conn}
	connected := c.read()
	require.Equal(t, FrameConnected, connected.Type)
	return c
}

func (c *wsConn) send(frameType, ref string, data interface{}) {
	c.t.Helper()

	f := NewFrame(frameType, data)
	f.Ref = ref
	payload, err := json.Marshal(f)
	require.NoError(c.t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageText, payload))
}

func (c *wsConn) read() *Frame {
	c.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, data, err := c.conn.Read(ctx)
	require.NoError(c.t, err)

	var f Frame
	require.NoError(c.t, json.Unmarshal(data, &f))
	return &f
}

// readUntil skips frames until one of the given type arrives.
func (c *wsConn) readUntil(frameType string) *Frame {
	c.t.Helper()
	for i := 0; i < 20; i++ {
		f := c.read()
		if f.Type == frameType {
			return f
		}
	}
	c.t.Fatalf("never received frame %s", frameType)
	return nil
}

func (c *wsConn) data(f *Frame) map[string]interface{} {
	c.t.Helper()
	var m map[string]interface{}
	require.NoError(c.t, json.Unmarshal(f.Data, &m))
	return m
}

// sync round-trips a ping to prove everything queued before it was
// delivered.
func (c *wsConn) sync() {
	c.t.Helper()
	c.send(FramePing, "sync", nil)
	f := c.readUntil(FramePong)
	require.Equal(c.t, "sync", f.Ref)
}

func TestConnectRejectsBadToken(t *testing.T) {
	f := setupHub(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := strings.Replace(f.server.URL, "http", "ws", 1) + "/?token="
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err, "upgrade succeeds, rejection rides the close frame")

	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusCode(4001), websocket.CloseStatus(err))
}

func TestPingPongEchoesRef(t *testing.T) {
	f := setupHub(t)
	alice := f.dial(t, "alice")

	alice.send(FramePing, "r1", nil)
	pong := alice.read()
	assert.Equal(t, FramePong, pong.Type)
	assert.Equal(t, "r1", pong.Ref)
}

func TestJoinRoomAndLandMessageFanout(t *testing.T) {
	f := setupHub(t)

	owner := ptesting.CreateUser(t, f.worldDB, "owner", 0)
	land := ptesting.CreateLand(t, f.worldDB, owner.ID, 3, 4, domain.BiomeForest)

	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	room := LandRoom(3, 4)
	alice.send(FrameJoinRoom, "j1", map[string]string{"room": room})
	joined := alice.read()
	require.Equal(t, FrameJoinedRoom, joined.Type)
	assert.Equal(t, "j1", joined.Ref)

	bob.send(FrameJoinRoom, "j2", map[string]string{"room": room})
	require.Equal(t, FrameJoinedRoom, bob.read().Type)

	// Alice learns bob arrived.
	userJoined := alice.readUntil(FrameUserJoined)
	assert.Equal(t, "bob", alice.data(userJoined)["user_id"])

	// Alice stands on the land so her message is accepted.
	alice.send(FrameUpdateLocation, "", map[string]int{"x": 3, "y": 4})
	alice.readUntil(FrameLocationUpdated)

	alice.send(FrameSendMessage, "m1", map[string]string{
		"land_id": land.ID,
		"body":    "hello land",
	})

	// Sender sees the room broadcast first, then the ack carrying the ref.
	broadcast := alice.readUntil(FrameMessage)
	assert.Empty(t, broadcast.Ref)
	ack := alice.readUntil(FrameMessage)
	assert.Equal(t, "m1", ack.Ref)

	msg := bob.readUntil(FrameMessage)
	var stored domain.ChatMessage
	require.NoError(t, json.Unmarshal(msg.Data, &stored))
	assert.Equal(t, "hello land", stored.Body)
	assert.Equal(t, "alice", stored.SenderID)
}

func TestJoinSessionRoomRequiresMembership(t *testing.T) {
	f := setupHub(t)

	mallory := f.dial(t, "mallory")

	// A random uuid is neither a land room, a biome room, nor a session
	// mallory belongs to.
	mallory.send(FrameJoinRoom, "j1", map[string]string{
		"room": "2f1d9a58-0000-4000-8000-000000000000",
	})
	errFrame := mallory.read()
	require.Equal(t, FrameError, errFrame.Type)
	assert.Equal(t, "PERMISSION_DENIED", mallory.data(errFrame)["code"])
}

func TestUpdateLocationMigratesRoomsAndTracksAttention(t *testing.T) {
	f := setupHub(t)

	owner := ptesting.CreateUser(t, f.worldDB, "owner", 0)
	ptesting.CreateLand(t, f.worldDB, owner.ID, 1, 1, domain.BiomeForest)
	ptesting.CreateLand(t, f.worldDB, owner.ID, 2, 2, domain.BiomeDesert)

	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	bob.send(FrameJoinRoom, "", map[string]string{"room": LandRoom(1, 1)})
	require.Equal(t, FrameJoinedRoom, bob.read().Type)

	alice.send(FrameUpdateLocation, "l1", map[string]int{"x": 1, "y": 1})
	assert.Equal(t, "l1", alice.readUntil(FrameLocationUpdated).Ref)
	bob.readUntil(FrameUserJoined)

	// Moving lands leaves the old room behind.
	alice.send(FrameUpdateLocation, "l2", map[string]int{"x": 2, "y": 2})
	alice.readUntil(FrameLocationUpdated)

	left := bob.readUntil(FrameUserLeft)
	assert.Equal(t, "alice", bob.data(left)["user_id"])
	assert.Equal(t, LandRoom(1, 1), bob.data(left)["room"])

	calls := f.attention.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, domain.BiomeForest, calls[0].biome)
	assert.Equal(t, domain.BiomeDesert, calls[1].biome)
	assert.Equal(t, 1.0, calls[0].weight)
}

func TestCallLifecycle(t *testing.T) {
	f := setupHub(t)

	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")
	carol := f.dial(t, "carol")

	// Self-calls are rejected outright.
	alice.send(FrameCallInitiate, "c0", map[string]string{"callee_user_id": "alice"})
	errFrame := alice.read()
	require.Equal(t, FrameError, errFrame.Type)
	assert.Equal(t, "VALIDATION", alice.data(errFrame)["code"])

	// Ring bob.
	alice.send(FrameCallInitiate, "c1", map[string]string{"callee_user_id": "bob"})
	initiated := alice.read()
	require.Equal(t, FrameCallInitiated, initiated.Type)
	callID := alice.data(initiated)["call_id"].(string)

	incoming := bob.read()
	require.Equal(t, FrameIncomingCall, incoming.Type)
	assert.Equal(t, callID, bob.data(incoming)["call_id"])
	assert.Equal(t, "alice", bob.data(incoming)["caller_user_id"])

	// Both parties ring as busy to a third caller.
	carol.send(FrameCallInitiate, "c2", map[string]string{"callee_user_id": "alice"})
	busy := carol.read()
	require.Equal(t, FrameError, busy.Type)
	assert.Equal(t, "CONFLICT", carol.data(busy)["code"])

	// Accept connects both sides.
	bob.send(FrameCallAccept, "c3", map[string]string{"call_id": callID})
	assert.Equal(t, FrameCallAccepted, alice.read().Type)
	assert.Equal(t, FrameCallStarted, alice.read().Type)
	assert.Equal(t, FrameCallStarted, bob.read().Type)

	// Signaling relays with the sender's identity attached.
	alice.send(FrameOffer, "", map[string]interface{}{
		"target_user_id": "bob",
		"sdp":            "v=0",
	})
	offer := bob.read()
	require.Equal(t, FrameOffer, offer.Type)
	assert.Equal(t, "alice", bob.data(offer)["from_user_id"])
	assert.Equal(t, "v=0", bob.data(offer)["sdp"])
	assert.NotContains(t, bob.data(offer), "target_user_id")

	// Hangup ends it for both.
	alice.send(FrameCallHangup, "c4", map[string]string{"call_id": callID})
	aliceEnded := alice.read()
	require.Equal(t, FrameCallEnded, aliceEnded.Type)
	assert.Equal(t, "hangup", alice.data(aliceEnded)["reason"])

	bobEnded := bob.read()
	require.Equal(t, FrameCallEnded, bobEnded.Type)

	// A rejected call tells the caller.
	alice.send(FrameCallInitiate, "c5", map[string]string{"callee_user_id": "bob"})
	initiated = alice.read()
	callID = alice.data(initiated)["call_id"].(string)
	require.Equal(t, FrameIncomingCall, bob.read().Type)

	bob.send(FrameCallReject, "c6", map[string]string{"call_id": callID})
	rejected := alice.read()
	require.Equal(t, FrameCallRejected, rejected.Type)
	assert.Equal(t, callID, alice.data(rejected)["call_id"])
}

func TestCallRingTimeout(t *testing.T) {
	f := setupHub(t)

	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	alice.send(FrameCallInitiate, "c1", map[string]string{"callee_user_id": "bob"})
	require.Equal(t, FrameCallInitiated, alice.read().Type)
	require.Equal(t, FrameIncomingCall, bob.read().Type)

	// Nobody answers; the 200ms test ring timeout ends it on both sides.
	aliceEnded := alice.readUntil(FrameCallEnded)
	assert.Equal(t, "timeout", alice.data(aliceEnded)["reason"])

	bobEnded := bob.readUntil(FrameCallEnded)
	assert.Equal(t, "timeout", bob.data(bobEnded)["reason"])

	// The line is free again.
	alice.send(FrameCallInitiate, "c2", map[string]string{"callee_user_id": "bob"})
	assert.Equal(t, FrameCallInitiated, alice.read().Type)
}

func TestLiveBroadcastNotifiesOnlyRoomMembers(t *testing.T) {
	f := setupHub(t)

	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")
	carol := f.dial(t, "carol")

	room := LandRoom(1, 1)
	for _, c := range []*wsConn{alice, bob} {
		c.send(FrameJoinRoom, "", map[string]string{"room": room})
		require.Equal(t, FrameJoinedRoom, c.readUntil(FrameJoinedRoom).Type)
	}
	alice.readUntil(FrameUserJoined)

	carol.send(FrameJoinRoom, "", map[string]string{"room": LandRoom(9, 9)})
	require.Equal(t, FrameJoinedRoom, carol.read().Type)

	// An unknown media type never reaches the registry.
	alice.send(FrameLiveStart, "l0", map[string]string{"room": room, "media": "hologram"})
	invalid := alice.read()
	require.Equal(t, FrameError, invalid.Type)
	assert.Equal(t, "VALIDATION", alice.data(invalid)["code"])

	// Going live answers with the (empty) peer list and notifies co-members
	// of the media type.
	alice.send(FrameLiveStart, "l1", map[string]string{"room": room, "media": "audio"})
	peers := alice.read()
	require.Equal(t, FrameLivePeers, peers.Type)
	assert.Equal(t, "l1", peers.Ref)

	joined := bob.readUntil(FrameLivePeerJoined)
	assert.Equal(t, "alice", bob.data(joined)["user_id"])
	assert.Equal(t, "audio", bob.data(joined)["media"])

	// Carol is in a different room and hears nothing.
	carol.sync()

	// Status from bob lists alice with her media, not bob.
	bob.send(FrameLiveStatus, "l2", map[string]string{"room": room})
	status := bob.readUntil(FrameLivePeers)
	var statusData struct {
		Peers []map[string]string `json:"peers"`
	}
	require.NoError(t, json.Unmarshal(status.Data, &statusData))
	require.Len(t, statusData.Peers, 1)
	assert.Equal(t, "alice", statusData.Peers[0]["user_id"])
	assert.Equal(t, "audio", statusData.Peers[0]["media"])

	// Going live outside your room is denied.
	carol.send(FrameLiveStart, "l3", map[string]string{"room": room, "media": "video"})
	denied := carol.read()
	require.Equal(t, FrameError, denied.Type)
	assert.Equal(t, "PERMISSION_DENIED", carol.data(denied)["code"])

	// Stop notifies the room.
	alice.send(FrameLiveStop, "l4", map[string]string{"room": room})
	left := bob.readUntil(FrameLivePeerLeft)
	assert.Equal(t, "alice", bob.data(left)["user_id"])
}

func TestIdleConnectionClosesAfterHeartbeatInterval(t *testing.T) {
	f := setupHubWithConfig(t, Config{
		HeartbeatInterval: 150 * time.Millisecond,
		OfflineGrace:      50 * time.Millisecond,
		SendQueueSize:     64,
		ValidationStrikes: 3,
		StrikeWindow:      time.Minute,
		NearbyRadius:      5,
		CallRingTimeout:   time.Minute,
	})
	alice := f.dial(t, "alice")

	// Send nothing after connect; the missed heartbeat closes the socket.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := alice.conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestUnknownFramesStrikeOut(t *testing.T) {
	f := setupHub(t)
	alice := f.dial(t, "alice")

	// Two strikes produce error frames; the third closes the socket.
	for i := 0; i < 2; i++ {
		alice.send("bogus", "", nil)
		errFrame := alice.read()
		require.Equal(t, FrameError, errFrame.Type)
	}

	alice.send("bogus", "", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := alice.conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestOfflineGraceAndPresence(t *testing.T) {
	f := setupHub(t)

	alice := f.dial(t, "alice")
	alice.send(FrameUpdateLocation, "", map[string]int{"x": 7, "y": 8})
	alice.readUntil(FrameLocationUpdated)

	require.True(t, f.hub.Presence().IsOnline("alice"))

	_ = alice.conn.Close(websocket.StatusNormalClosure, "")

	// Still online inside the grace window.
	assert.Eventually(t, func() bool {
		return !f.hub.Presence().IsOnline("alice")
	}, time.Second, 10*time.Millisecond, "grace expiry flips the user offline")

	// Location survives via the durable last-seen record.
	x, y, ok := f.hub.Presence().Location("alice")
	require.True(t, ok)
	assert.Equal(t, 7, x)
	assert.Equal(t, 8, y)
}

func TestSendQueueEvictsOldestNonCritical(t *testing.T) {
	q := newSendQueue(3)

	require.True(t, q.Push(NewFrame(FramePong, nil)))
	require.True(t, q.Push(NewFrame(FrameMessage, nil)))
	require.True(t, q.Push(NewFrame(FrameTyping, nil)))

	// Overflow drops the oldest non-critical frame, keeping the newcomer.
	require.True(t, q.Push(NewFrame(FrameLocationUpdated, nil)))

	first, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, FrameMessage, first.Type, "the oldest pong was evicted")
}

func TestSendQueueKeepsCriticalFrames(t *testing.T) {
	q := newSendQueue(2)

	require.True(t, q.Push(ErrorFrame("VALIDATION", "x", "")))
	require.True(t, q.Push(NewFrame(FrameIncomingCall, nil)))

	// A saturated-critical queue refuses non-critical newcomers but still
	// accepts critical ones.
	assert.False(t, q.Push(NewFrame(FramePong, nil)))
	assert.True(t, q.Push(NewFrame(FrameCallEnded, nil)))

	types := []string{}
	for i := 0; i < 3; i++ {
		f, ok := q.Pop()
		require.True(t, ok)
		types = append(types, f.Type)
	}
	assert.Equal(t, []string{FrameError, FrameIncomingCall, FrameCallEnded}, types)
}

func TestFrameCritical(t *testing.T) {
	assert.True(t, ErrorFrame("X", "y", "").Critical())
	assert.True(t, NewFrame(FrameConnected, nil).Critical())
	assert.True(t, NewFrame(FrameIncomingCall, nil).Critical())
	assert.True(t, NewFrame(FrameCallEnded, nil).Critical())
	assert.False(t, NewFrame(FrameMessage, nil).Critical())
	assert.False(t, NewFrame(FramePong, nil).Critical())
}
