package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalmesh/gateway/internal/v1/types"
)

type mockSender struct {
	mu     sync.Mutex
	id     types.SocketIDType
	frames []*types.Frame
}

func (m *mockSender) SocketID() types.SocketIDType  { return m.id }
func (m *mockSender) SendVolatile(f *types.Frame)   { m.Send(f) }
func (m *mockSender) Close(string)                  {}
func (m *mockSender) Send(f *types.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, f)
}

func (m *mockSender) frameCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []string
	data   []any
	err    error
}

func (p *capturePublisher) PublishBroadcast(_ context.Context, event string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	p.data = append(p.data, data)
	return nil
}

type fixture struct {
	manager *Manager
	senders map[types.SocketIDType]*mockSender
	pub     *capturePublisher
}

func newFixture() *fixture {
	f := &fixture{
		senders: make(map[types.SocketIDType]*mockSender),
		pub:     &capturePublisher{},
	}
	resolver := func(id types.SocketIDType) (types.Sender, bool) {
		s, ok := f.senders[id]
		return s, ok
	}
	f.manager = New(resolver, f.pub, nil)
	return f
}

func (f *fixture) addSender(id types.SocketIDType) *mockSender {
	s := &mockSender{id: id}
	f.senders[id] = s
	return s
}

func TestNamespaceHelpers(t *testing.T) {
	assert.Equal(t, types.RoomNameType("user:u1"), UserRoom("u1"))
	assert.Equal(t, types.RoomNameType("group:general"), GroupRoom("general"))
	assert.Equal(t, types.RoomNameType("system:announcements"), SystemRoom("announcements"))
}

func TestAddToRoom_CreatesRoom(t *testing.T) {
	f := newFixture()
	f.addSender("sock_1")

	f.manager.AddToRoom("sock_1", "group:general", types.RoomTypeGroup)

	assert.True(t, f.manager.Exists("group:general"))
	details, ok := f.manager.GetRoomDetails("group:general")
	require.True(t, ok)
	assert.Equal(t, types.RoomTypeGroup, details.Type)
	assert.Contains(t, details.Members, "sock_1")
}

func TestAddToRoom_DefaultType(t *testing.T) {
	f := newFixture()
	f.manager.AddToRoom("sock_1", "whatever", "")

	details, _ := f.manager.GetRoomDetails("whatever")
	assert.Equal(t, types.RoomTypeGroup, details.Type)
}

func TestRemoveFromRoom_DeletesEmptyRoom(t *testing.T) {
	f := newFixture()
	f.manager.AddToRoom("sock_1", "group:general", types.RoomTypeGroup)
	f.manager.RemoveFromRoom("sock_1", "group:general")

	assert.False(t, f.manager.Exists("group:general"))
	assert.Equal(t, 0, f.manager.Count())
}

func TestRemoveFromRoom_SystemRoomPersistsEmpty(t *testing.T) {
	f := newFixture()
	room := f.manager.CreateSystemRoom("announcements", nil)
	f.manager.AddToRoom("sock_1", room, types.RoomTypeSystem)
	f.manager.RemoveFromRoom("sock_1", room)

	assert.True(t, f.manager.Exists(room))
}

func TestAddRemove_RoundTrip(t *testing.T) {
	f := newFixture()
	f.manager.AddToRoom("sock_1", "group:general", types.RoomTypeGroup)
	f.manager.RemoveFromRoom("sock_1", "group:general")

	// State is as if neither call happened.
	assert.Equal(t, 0, f.manager.Count())
	assert.Empty(t, f.manager.RoomsForSocket("sock_1"))
}

func TestLeaveAllRooms(t *testing.T) {
	f := newFixture()
	f.manager.AddToRoom("sock_1", "group:a", types.RoomTypeGroup)
	f.manager.AddToRoom("sock_1", "group:b", types.RoomTypeGroup)
	f.manager.AddToRoom("sock_2", "group:b", types.RoomTypeGroup)

	left := f.manager.LeaveAllRooms("sock_1")

	assert.ElementsMatch(t, []types.RoomNameType{"group:a", "group:b"}, left)
	assert.False(t, f.manager.Exists("group:a"))
	assert.True(t, f.manager.Exists("group:b"))
}

func TestMembershipHook(t *testing.T) {
	f := newFixture()

	type event struct {
		socket types.SocketIDType
		room   types.RoomNameType
		joined bool
	}
	var events []event
	f.manager.SetMembershipHook(func(s types.SocketIDType, r types.RoomNameType, joined bool) {
		events = append(events, event{s, r, joined})
	})

	f.manager.AddToRoom("sock_1", "group:a", types.RoomTypeGroup)
	f.manager.RemoveFromRoom("sock_1", "group:a")

	require.Len(t, events, 2)
	assert.Equal(t, event{"sock_1", "group:a", true}, events[0])
	assert.Equal(t, event{"sock_1", "group:a", false}, events[1])
}

func TestBroadcastToRoom_DeliversAndPublishes(t *testing.T) {
	f := newFixture()
	s1 := f.addSender("sock_1")
	s2 := f.addSender("sock_2")
	f.addSender("sock_3") // not in the room

	f.manager.AddToRoom("sock_1", "group:general", types.RoomTypeGroup)
	f.manager.AddToRoom("sock_2", "group:general", types.RoomTypeGroup)

	delivered, published := f.manager.BroadcastToRoom(context.Background(), "group:general", "chat", map[string]string{"text": "hi"}, false)

	assert.Equal(t, 2, delivered)
	assert.True(t, published)
	assert.Equal(t, 1, s1.frameCount())
	assert.Equal(t, 1, s2.frameCount())
	assert.Equal(t, "chat", s1.frames[0].Event)

	require.Len(t, f.pub.events, 1)
	assert.Equal(t, "broadcast", f.pub.events[0])
	rb, ok := f.pub.data[0].(RemoteBroadcast)
	require.True(t, ok)
	assert.Equal(t, "group:general", rb.Room)
	assert.Equal(t, "chat", rb.Event)
	assert.JSONEq(t, `{"text":"hi"}`, string(rb.Payload))
}

func TestBroadcastToRoom_PublishFailure(t *testing.T) {
	f := newFixture()
	s1 := f.addSender("sock_1")
	f.manager.AddToRoom("sock_1", "group:general", types.RoomTypeGroup)
	f.pub.err = errors.New("bus down")

	delivered, published := f.manager.BroadcastToRoom(context.Background(), "group:general", "chat", map[string]string{"text": "hi"}, false)

	// Local delivery still happens, but the caller learns the fleet did not.
	assert.Equal(t, 1, delivered)
	assert.False(t, published)
	assert.Equal(t, 1, s1.frameCount())
}

func TestBroadcastToRoom_NoPublisher(t *testing.T) {
	f := newFixture()
	f.manager.publisher = nil
	f.addSender("sock_1")
	f.manager.AddToRoom("sock_1", "group:general", types.RoomTypeGroup)

	delivered, published := f.manager.BroadcastToRoom(context.Background(), "group:general", "chat", nil, false)
	assert.Equal(t, 1, delivered)
	assert.False(t, published)
}

func TestBroadcastToRoomLocal_DoesNotPublish(t *testing.T) {
	f := newFixture()
	s1 := f.addSender("sock_1")
	f.manager.AddToRoom("sock_1", "group:general", types.RoomTypeGroup)

	delivered := f.manager.BroadcastToRoomLocal(context.Background(), "group:general", "chat", json.RawMessage(`{"text":"hi"}`), false)

	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, s1.frameCount())
	assert.Empty(t, f.pub.events)
}

func TestBroadcastToRoom_UnknownRoom(t *testing.T) {
	f := newFixture()
	delivered := f.manager.BroadcastToRoomLocal(context.Background(), "group:absent", "chat", nil, false)
	assert.Equal(t, 0, delivered)
}

func TestGetRoomsByType(t *testing.T) {
	f := newFixture()
	f.manager.AddToRoom("sock_1", UserRoom("u1"), types.RoomTypeUser)
	f.manager.AddToRoom("sock_1", "group:a", types.RoomTypeGroup)
	f.manager.CreateSystemRoom("announcements", nil)

	assert.Len(t, f.manager.GetRoomsByType(types.RoomTypeUser), 1)
	assert.Len(t, f.manager.GetRoomsByType(types.RoomTypeGroup), 1)
	assert.Len(t, f.manager.GetRoomsByType(types.RoomTypeSystem), 1)
}

func TestCreateSystemRoom_Idempotent(t *testing.T) {
	f := newFixture()
	room := f.manager.CreateSystemRoom("announcements", map[string]any{"v": 1})
	f.manager.AddToRoom("sock_1", room, types.RoomTypeSystem)

	again := f.manager.CreateSystemRoom("announcements", map[string]any{"v": 2})
	assert.Equal(t, room, again)

	details, _ := f.manager.GetRoomDetails(room)
	assert.Contains(t, details.Members, "sock_1")
	assert.Equal(t, 2, details.Metadata["v"])
}

func TestSetMetadata(t *testing.T) {
	f := newFixture()
	f.manager.AddToRoom("sock_1", "group:a", types.RoomTypeGroup)

	assert.True(t, f.manager.SetMetadata("group:a", map[string]any{"topic": "go"}))
	assert.False(t, f.manager.SetMetadata("group:absent", nil))

	details, _ := f.manager.GetRoomDetails("group:a")
	assert.Equal(t, "go", details.Metadata["topic"])
}

func TestRoomsForSocket(t *testing.T) {
	f := newFixture()
	f.manager.AddToRoom("sock_1", "group:a", types.RoomTypeGroup)
	f.manager.AddToRoom("sock_1", "group:b", types.RoomTypeGroup)

	assert.ElementsMatch(t, []types.RoomNameType{"group:a", "group:b"}, f.manager.RoomsForSocket("sock_1"))
}
