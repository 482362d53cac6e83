package coordinator

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

type recordedEvent struct {
	event   string
	payload any
}

type fakeSession struct {
	id     string
	mu     sync.Mutex
	events []recordedEvent
	closed bool
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id}
}

func (f *fakeSession) ID() string { return f.id }

func (f *fakeSession) Send(event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{event: event, payload: payload})
}

func (f *fakeSession) Close(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSession) has(event string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.event == event {
			return true
		}
	}
	return false
}

func (f *fakeSession) last(event string) (recordedEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].event == event {
			return f.events[i], true
		}
	}
	return recordedEvent{}, false
}

func joinPayload(t *testing.T, roomID, displayName string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(JoinRoomPayload{RoomID: roomID, DisplayName: displayName})
	if err != nil {
		t.Fatalf("marshal join payload: %v", err)
	}
	return b
}

func timePayload(t *testing.T, sec float64) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(TimePayload{Time: sec})
	if err != nil {
		t.Fatalf("marshal time payload: %v", err)
	}
	return b
}

// waitFor polls until cond() is true or the timeout elapses, to synchronize
// with the coordinator's asynchronous per-room actor goroutines.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func joinAndWaitHost(t *testing.T, c *Coordinator, sess *fakeSession, roomID, displayName string) {
	t.Helper()
	c.Connect(sess, displayName)
	// Back-date connectedAt so the post-connect grace delay does not apply.
	c.mu.Lock()
	c.conns[sess.id].connectedAt = time.Now().Add(-2 * time.Second)
	c.mu.Unlock()
	c.Dispatch(sess.id, EventJoinRoom, joinPayload(t, roomID, displayName))
	waitFor(t, func() bool { return sess.has(EventHostAssigned) })
}

func TestFirstJoinerBecomesHost(t *testing.T) {
	c := New(nil, nil)
	sess := newFakeSession("s1")
	joinAndWaitHost(t, c, sess, "ROOM01", "alice")

	ev, ok := sess.last(EventHostAssigned)
	if !ok {
		t.Fatal("expected host-assigned event")
	}
	payload := ev.payload.(HostAssignedPayload)
	if !payload.IsHost {
		t.Fatal("expected first joiner to be host")
	}
}

// TestJoinEventOrder asserts that a joining session always receives
// host-assigned strictly before sync-state, which must itself precede the
// rest of the join protocol (sync-time/play and the user-list/chat replay
// that follow it). The deferred half of the join protocol runs 50ms after
// host-assigned, so the first joiner's own deferred half is let finish
// before the second join; otherwise its user-list broadcast reaches the
// second joiner ahead of that joiner's sync-state.
func TestJoinEventOrder(t *testing.T) {
	c := New(nil, nil)
	s1 := newFakeSession("s1")
	joinAndWaitHost(t, c, s1, "ROOM09", "alice")
	waitFor(t, func() bool { return s1.has(EventUserListUpdated) })

	s2 := newFakeSession("s2")
	joinAndWaitHost(t, c, s2, "ROOM09", "bob")
	waitFor(t, func() bool { return s2.has(EventUserListUpdated) })

	s2.mu.Lock()
	var order []string
	for _, ev := range s2.events {
		order = append(order, ev.event)
	}
	s2.mu.Unlock()

	indexOf := func(event string) int {
		for i, e := range order {
			if e == event {
				return i
			}
		}
		return -1
	}

	hostAssigned := indexOf(EventHostAssigned)
	syncState := indexOf(EventSyncState)
	userListUpdated := indexOf(EventUserListUpdated)

	if hostAssigned == -1 || syncState == -1 || userListUpdated == -1 {
		t.Fatalf("expected host-assigned, sync-state and user-list-updated all present, got %v", order)
	}
	if !(hostAssigned < syncState && syncState < userListUpdated) {
		t.Fatalf("expected host-assigned < sync-state < user-list-updated, got order %v", order)
	}
}

func TestSecondJoinerIsNotHost(t *testing.T) {
	c := New(nil, nil)
	s1 := newFakeSession("s1")
	s2 := newFakeSession("s2")
	joinAndWaitHost(t, c, s1, "ROOM02", "alice")
	joinAndWaitHost(t, c, s2, "ROOM02", "bob")

	ev, _ := s2.last(EventHostAssigned)
	if ev.payload.(HostAssignedPayload).IsHost {
		t.Fatal("expected second joiner to not be host")
	}
}

func TestNonHostPlaybackEventDropped(t *testing.T) {
	c := New(nil, nil)
	s1 := newFakeSession("s1")
	s2 := newFakeSession("s2")
	joinAndWaitHost(t, c, s1, "ROOM03", "alice")
	joinAndWaitHost(t, c, s2, "ROOM03", "bob")

	c.Dispatch(s2.id, EventHostPlay, timePayload(t, 42))
	time.Sleep(50 * time.Millisecond)

	if s1.has(EventServerPlay) {
		t.Fatal("non-host play event should have been dropped")
	}
}

func TestHostPlayBroadcastsToOthersNotSelf(t *testing.T) {
	c := New(nil, nil)
	s1 := newFakeSession("s1")
	s2 := newFakeSession("s2")
	joinAndWaitHost(t, c, s1, "ROOM04", "alice")
	joinAndWaitHost(t, c, s2, "ROOM04", "bob")

	c.Dispatch(s1.id, EventHostPlay, timePayload(t, 10))
	waitFor(t, func() bool { return s2.has(EventServerPlay) })

	if s1.has(EventServerPlay) {
		t.Fatal("host should not receive echo of its own play event")
	}
}

func TestChatFromNonMemberReturnsError(t *testing.T) {
	c := New(nil, nil)
	s1 := newFakeSession("s1")
	c.Connect(s1, "alice")

	body, _ := json.Marshal(ChatMessagePayload{Body: "hi"})
	c.Dispatch(s1.id, EventChatMessage, body)

	ev, ok := s1.last(EventError)
	if !ok {
		t.Fatal("expected error event for chat from non-member")
	}
	if ev.payload.(ErrorPayload).Message != "not joined to a room" {
		t.Fatalf("unexpected error message: %v", ev.payload)
	}
}

func TestChangeVideoWithEmptyURLClearsVideo(t *testing.T) {
	c := New(nil, nil)
	s1 := newFakeSession("s1")
	joinAndWaitHost(t, c, s1, "ROOM05", "alice")

	setBody, _ := json.Marshal(ChangeVideoPayload{URL: "https://example.com/a.mp4", Title: "A"})
	c.Dispatch(s1.id, EventHostChangeVideo, setBody)
	waitFor(t, func() bool {
		ev, ok := s1.last(EventServerChangeVideo)
		return ok && ev.payload.(ChangeVideoPayload).URL != ""
	})

	clearBody, _ := json.Marshal(ChangeVideoPayload{URL: "", Title: ""})
	c.Dispatch(s1.id, EventHostChangeVideo, clearBody)
	waitFor(t, func() bool {
		ev, ok := s1.last(EventServerChangeVideo)
		return ok && ev.payload.(ChangeVideoPayload).URL == "" && ev.payload.(ChangeVideoPayload).Title == ""
	})
}

func TestHostSuccessionOnDisconnect(t *testing.T) {
	c := New(nil, nil)
	s1 := newFakeSession("s1")
	s2 := newFakeSession("s2")
	joinAndWaitHost(t, c, s1, "ROOM06", "alice")
	joinAndWaitHost(t, c, s2, "ROOM06", "bob")

	c.Disconnect(s1.id)
	waitFor(t, func() bool {
		ev, ok := s2.last(EventHostAssigned)
		return ok && ev.payload.(HostAssignedPayload).IsHost
	})
}

func TestDuplicateDisplayNameRejected(t *testing.T) {
	c := New(nil, nil)
	s1 := newFakeSession("s1")
	s2 := newFakeSession("s2")
	joinAndWaitHost(t, c, s1, "ROOM07", "alice")

	c.Connect(s2, "alice")
	c.mu.Lock()
	c.conns[s2.id].connectedAt = time.Now().Add(-2 * time.Second)
	c.mu.Unlock()
	c.Dispatch(s2.id, EventJoinRoom, joinPayload(t, "ROOM07", "alice"))

	waitFor(t, func() bool {
		ev, ok := s2.last(EventError)
		return ok && ev.payload.(ErrorPayload).Message == "Already connected"
	})
}

func TestJoinRateLimitExceeded(t *testing.T) {
	c := New(nil, nil)
	s1 := newFakeSession("s1")
	c.Connect(s1, "alice")
	c.mu.Lock()
	c.conns[s1.id].connectedAt = time.Now().Add(-2 * time.Second)
	c.mu.Unlock()

	for i := 0; i < joinRateLimitAttempts; i++ {
		c.Dispatch(s1.id, EventJoinRoom, joinPayload(t, "ROOM08", "alice"))
	}
	// drain async host-assigned from the first successful join
	waitFor(t, func() bool { return s1.has(EventHostAssigned) })

	c.Dispatch(s1.id, EventJoinRoom, joinPayload(t, "ROOM08", "alice"))
	waitFor(t, func() bool {
		ev, ok := s1.last(EventError)
		return ok && ev.payload.(ErrorPayload).Message == "Too many join attempts. Please wait."
	})
}
