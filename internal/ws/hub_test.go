package ws

import (
	"encoding/json"
	"testing"

	"oasis/internal/types"
)

// testClient builds an authenticated client without a transport. Messages
// accumulate in the send buffer.
func testClient(h *Hub, userID types.ID, userType string) *Client {
	c := newClient(h, nil)
	c.Authenticate(userID, userType)
	return c
}

func drain(c *Client) [][]byte {
	var msgs [][]byte
	for {
		select {
		case msg := <-c.send:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func TestAuthenticateJoinsDefaultRooms(t *testing.T) {
	h := NewHub()
	driver := testClient(h, "driver-1", UserTypeDriver)
	admin := testClient(h, "admin-1", UserTypeAdmin)
	testClient(h, "passenger-1", UserTypePassenger)

	if !h.IsUserOnline("driver-1") || !h.IsUserOnline("admin-1") {
		t.Fatal("authenticated users not online")
	}
	if h.ActiveConnections() != 3 {
		t.Fatalf("active connections = %d, want 3", h.ActiveConnections())
	}

	h.EmitToRoom(RoomDrivers, "test", nil)
	if len(drain(driver)) != 1 {
		t.Fatal("driver not in drivers room")
	}
	h.BroadcastToAdmins("test", nil)
	if len(drain(admin)) != 1 {
		t.Fatal("admin not in admins room")
	}
}

func TestAuthenticateOnlyOnce(t *testing.T) {
	h := NewHub()
	c := testClient(h, "user-1", UserTypePassenger)
	c.Authenticate("user-2", UserTypeAdmin)

	if c.UserID != "user-1" || c.UserType != UserTypePassenger {
		t.Fatalf("identity changed on second authenticate: %s/%s", c.UserID, c.UserType)
	}
	if h.IsUserOnline("user-2") {
		t.Fatal("second identity registered")
	}
}

func TestReconnectReplacesPriorConnection(t *testing.T) {
	h := NewHub()
	first := testClient(h, "user-1", UserTypePassenger)
	h.JoinRoom(first, RideRoom("ride-1"))

	second := testClient(h, "user-1", UserTypePassenger)

	if h.ActiveConnections() != 1 {
		t.Fatalf("active connections = %d, want 1", h.ActiveConnections())
	}

	// The replaced transport is out of every room and its send channel is
	// closed; the new one receives user-targeted sends.
	h.EmitToUser("user-1", "test", nil)
	if len(drain(second)) != 1 {
		t.Fatal("new connection did not receive targeted send")
	}
	if _, open := <-first.send; open {
		t.Fatal("replaced connection send channel still open")
	}

	h.EmitToRoom(RideRoom("ride-1"), "test", nil)
	if len(drain(second)) != 0 {
		t.Fatal("ride room membership leaked to the new connection")
	}
}

func TestEmitToRoomReachesMembersOnly(t *testing.T) {
	h := NewHub()
	inRide := testClient(h, "passenger-1", UserTypePassenger)
	outside := testClient(h, "passenger-2", UserTypePassenger)
	h.JoinRoom(inRide, RideRoom("ride-1"))

	h.EmitToRoom(RideRoom("ride-1"), "driver-location", map[string]float64{"lat": -12.04})

	if len(drain(inRide)) != 1 {
		t.Fatal("room member missed broadcast")
	}
	if len(drain(outside)) != 0 {
		t.Fatal("non-member received room broadcast")
	}

	h.LeaveRoom(inRide, RideRoom("ride-1"))
	h.EmitToRoom(RideRoom("ride-1"), "driver-location", nil)
	if len(drain(inRide)) != 0 {
		t.Fatal("broadcast after leaving the room")
	}
}

func TestSlowConsumerDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub()
	c := testClient(h, "passenger-1", UserTypePassenger)
	h.JoinRoom(c, RideRoom("ride-1"))

	// Fill the buffer past capacity; EmitToRoom must return without
	// blocking and simply drop the overflow.
	for i := 0; i < sendBuffer+10; i++ {
		h.EmitToRoom(RideRoom("ride-1"), "driver-location", i)
	}
	if got := len(drain(c)); got != sendBuffer {
		t.Fatalf("buffered messages = %d, want %d", got, sendBuffer)
	}
}

func TestRemoveRunsDriverOfflineHook(t *testing.T) {
	h := NewHub()
	var offline []types.ID
	h.SetDriverOfflineHook(func(id types.ID) { offline = append(offline, id) })

	driver := testClient(h, "driver-1", UserTypeDriver)
	passenger := testClient(h, "passenger-1", UserTypePassenger)

	h.remove(passenger)
	h.remove(driver)

	if len(offline) != 1 || offline[0] != "driver-1" {
		t.Fatalf("offline hook calls = %v, want [driver-1]", offline)
	}
	if h.IsUserOnline("driver-1") {
		t.Fatal("removed driver still online")
	}
}

func TestEnvelopeShape(t *testing.T) {
	msg, err := Envelope("tracking_started", map[string]string{"session_id": "s1"})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	var decoded struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Event != "tracking_started" || len(decoded.Data) == 0 {
		t.Fatalf("unexpected envelope: %s", msg)
	}
}
