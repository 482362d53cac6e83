package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/watchparty/server/internal/v1/bus"
	"github.com/watchparty/server/internal/v1/metrics"
	"go.uber.org/zap"
)

const (
	eventDisconnect = "_disconnect"  // internal-only roomEvent kind, never sent over the wire
	eventJoinSync   = "_join_sync"   // internal-only: the deferred half of the join protocol
	eventRemoteBus  = "_remote_bus"  // internal-only: an event relayed in from another instance
)

// roomEvent is the tagged union flowing through an activeRoom's inbox. Every
// inbound event — including join and the internal disconnect signal — is
// funneled through this channel so room mutation is structurally serialized.
type roomEvent struct {
	kind      string
	sessionID string
	payload   json.RawMessage
}

type roomMember struct {
	sessionID   string
	displayName string
	isHost      bool
	joinedAt    time.Time
	handle      SessionHandle
}

// activeRoom is the single authority for one room's live state. All fields
// below this comment are owned exclusively by the goroutine running run();
// nothing outside that goroutine may read or write them.
type activeRoom struct {
	coord  *Coordinator
	roomID string
	inbox  chan roomEvent

	members       map[string]*roomMember
	hostSessionID string

	currentVideoURL   string
	currentVideoTitle string
	lastKnownTime     float64
	lastKnownState    PlaybackState
	hostDisplayName   string

	justCreated bool // true only while processing the very first join

	ticker   *time.Ticker
	tickerOn bool
	stop     chan struct{}

	logger *zap.Logger
}

// newActiveRoom loads-or-creates the durable Room row (best-effort — store
// failure still produces a usable in-memory-only room) and returns an
// activeRoom ready to run. This is the only place the coordinator itself
// creates a Room row; the REST room-creation handler creates rows too.
func (c *Coordinator) newActiveRoom(roomID string) *activeRoom {
	r := &activeRoom{
		coord:          c,
		roomID:         roomID,
		inbox:          make(chan roomEvent, 256),
		members:        make(map[string]*roomMember),
		lastKnownState: StatePaused,
		stop:           make(chan struct{}),
		logger:         c.logger.With(zap.String("room_id", roomID)),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	room, err := c.roomStore.GetByID(ctx, roomID)
	switch {
	case err == nil:
		r.hostDisplayName = room.HostDisplayName
		r.currentVideoURL = room.CurrentVideoURL
		r.currentVideoTitle = room.CurrentVideoTitle
		r.lastKnownTime = room.LastKnownTime
		if room.LastKnownState != "" {
			r.lastKnownState = room.LastKnownState
		}
	case err == ErrRoomNotFound:
		r.justCreated = true
		newRoom := &Room{
			RoomID:         roomID,
			LastKnownState: StatePaused,
			CreatedAt:      time.Now().UTC(),
			UpdatedAt:      time.Now().UTC(),
		}
		if cerr := c.roomStore.Create(ctx, newRoom); cerr != nil {
			metrics.StoreFailures.WithLabelValues("room", "create").Inc()
			r.logger.Warn("room store create failed, continuing in-memory", zap.Error(cerr))
		}
	default:
		r.justCreated = true
		metrics.StoreFailures.WithLabelValues("room", "get").Inc()
		r.logger.Warn("room store lookup failed, continuing in-memory", zap.Error(err))
	}

	return r
}

// getOrCreateRoomActor returns the live actor for roomID, starting it if
// this is the first reference to that room in this process.
func (c *Coordinator) getOrCreateRoomActor(roomID string) *activeRoom {
	c.mu.RLock()
	if r, ok := c.rooms[roomID]; ok {
		c.mu.RUnlock()
		return r
	}
	c.mu.RUnlock()

	c.mu.Lock()
	if r, ok := c.rooms[roomID]; ok {
		c.mu.Unlock()
		return r
	}
	room := c.newActiveRoom(roomID)
	c.rooms[roomID] = room
	c.mu.Unlock()

	go room.run()
	return room
}

func (c *Coordinator) handleJoinRoom(conn *connection, sessionID string, raw json.RawMessage) {
	var payload JoinRoomPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		conn.handle.Send(EventError, ErrorPayload{Message: "malformed join-room payload"})
		return
	}

	if !c.joinLimiter.Allow(sessionID) {
		conn.handle.Send(EventError, ErrorPayload{Message: "Too many join attempts. Please wait."})
		return
	}

	room := c.getOrCreateRoomActor(payload.RoomID)
	room.inbox <- roomEvent{
		kind:      EventJoinRoom,
		sessionID: sessionID,
		payload:   raw,
	}
}

// run is the activeRoom's actor loop: the only goroutine that ever mutates
// this room's state. It exits (and deregisters itself) once the room empties
// and stays empty through the teardown path.
func (r *activeRoom) run() {
	subCtx, subCancel := context.WithCancel(context.Background())
	defer subCancel()
	r.subscribeToBus(subCtx)

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("room actor panic recovered", zap.Any("panic", rec))
		}
		r.stopSyncTicker()
		r.coord.dropRoom(r.roomID)
	}()

	for ev := range r.inbox {
		if !r.handle(ev) {
			return
		}
	}
}

// subscribeToBus relays events published by other instances into this room's
// local members. A no-op when the coordinator has no bus, or the bus doesn't
// support subscribing (e.g. a BusService test double that only implements
// Publish).
func (r *activeRoom) subscribeToBus(ctx context.Context) {
	if r.coord.bus == nil {
		return
	}
	sub, ok := r.coord.bus.(subscribableBus)
	if !ok {
		return
	}
	selfID := sub.InstanceID()
	sub.Subscribe(ctx, r.roomID, nil, func(msg bus.PubSubPayload) {
		if msg.InstanceID != "" && msg.InstanceID == selfID {
			return // our own publish, already applied to local members
		}
		envelope, err := json.Marshal(remoteBusEnvelope{Event: msg.Event, Payload: msg.Payload})
		if err != nil {
			return
		}
		select {
		case r.inbox <- roomEvent{kind: eventRemoteBus, payload: envelope}:
		default:
			r.logger.Warn("dropping remote bus event, room inbox full", zap.String("event", msg.Event))
		}
	})
}

// handle processes one event and reports whether the room actor should keep
// running. It returns false exactly once: when a disconnect empties the
// room. The inbox channel itself is never closed here — other goroutines
// may still (harmlessly) hold a reference to this now-retired actor via a
// racing getOrCreateRoomActor lookup; dropRoom removes it from the registry
// so the next reference creates a fresh actor instead.
func (r *activeRoom) handle(ev roomEvent) bool {
	switch ev.kind {
	case EventJoinRoom:
		r.handleJoin(ev.sessionID, ev.payload)
	case EventHostPlay:
		r.handleHostPlayback(ev.sessionID, ev.payload, EventServerPlay, StatePlaying, true)
	case EventHostPause:
		r.handleHostPlayback(ev.sessionID, ev.payload, EventServerPause, StatePaused, true)
	case EventHostSeek:
		r.handleHostSeek(ev.sessionID, ev.payload)
	case EventHostChangeVideo:
		r.handleChangeVideo(ev.sessionID, ev.payload)
	case EventHostReportTime:
		r.handleReportTime(ev.sessionID, ev.payload)
	case EventClientReqSync:
		r.handleRequestSync(ev.sessionID)
	case EventRequestUserList:
		r.handleRequestUserList(ev.sessionID)
	case EventChatMessage:
		r.handleChatMessage(ev.sessionID, ev.payload)
	case eventDisconnect:
		return r.handleDisconnect(ev.sessionID)
	case eventJoinSync:
		r.completeJoin(ev.sessionID)
	case eventRemoteBus:
		r.handleRemoteBusMessage(ev.payload)
	case tickEventKind:
		r.handleSyncTick()
	}
	return true
}

// remoteBusEnvelope is the shape relayed through the inbox for an event
// received from another instance over the bus.
type remoteBusEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// handleRemoteBusMessage applies an event published by another instance to
// this room's locally connected members. It never republishes to the bus —
// doing so would bounce the event between instances forever.
func (r *activeRoom) handleRemoteBusMessage(raw json.RawMessage) {
	var env remoteBusEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}
	for _, m := range r.members {
		m.handle.Send(env.Event, env.Payload)
	}
}

// --- join ---

func (r *activeRoom) handleJoin(sessionID string, raw json.RawMessage) {
	var payload JoinRoomPayload
	_ = json.Unmarshal(raw, &payload)

	r.coord.mu.RLock()
	conn, ok := r.coord.conns[sessionID]
	r.coord.mu.RUnlock()
	if !ok {
		return // session vanished before we processed its join
	}

	displayName := payload.DisplayName
	if displayName == "" {
		displayName = conn.displayName
	}

	if _, already := r.members[sessionID]; already {
		return // no-op: this session is already in this room
	}

	if since := time.Since(conn.connectedAt); since < postConnectGrace {
		remaining := postConnectGrace - since
		time.AfterFunc(remaining, func() {
			r.inbox <- roomEvent{kind: EventJoinRoom, sessionID: sessionID, payload: raw}
		})
		return
	}

	for _, m := range r.members {
		if m.displayName == displayName {
			conn.handle.Send(EventError, ErrorPayload{Message: "Already connected"})
			return
		}
	}

	isHost := false
	switch {
	case r.justCreated:
		isHost = true
		metrics.HostElections.WithLabelValues("created").Inc()
	case r.hostDisplayName != "" && r.hostDisplayName == displayName:
		isHost = true
		metrics.HostElections.WithLabelValues("reclaimed").Inc()
	case r.hostSessionID == "":
		isHost = true
		metrics.HostElections.WithLabelValues("fallback").Inc()
	}
	r.justCreated = false

	member := &roomMember{
		sessionID:   sessionID,
		displayName: displayName,
		isHost:      isHost,
		joinedAt:    time.Now(),
		handle:      conn.handle,
	}
	r.members[sessionID] = member
	if isHost {
		r.hostSessionID = sessionID
		r.hostDisplayName = displayName
		r.persistPatch(RoomPatch{HostDisplayName: &displayName})
	}

	r.coord.bindSession(sessionID, r.roomID)
	metrics.RoomMembers.WithLabelValues(r.roomID).Set(float64(len(r.members)))

	member.handle.Send(EventHostAssigned, HostAssignedPayload{IsHost: isHost})

	// The rest of the join protocol (sync-state onward) must reach the
	// joiner strictly after host-assigned. Re-enqueuing onto this room's own
	// inbox — rather than sending straight from the timer goroutine — keeps
	// every subsequent send in the same actor-serialized order they're
	// written in below, instead of racing the synchronous broadcasts that
	// used to run immediately after scheduling the delayed send.
	time.AfterFunc(50*time.Millisecond, func() {
		r.inbox <- roomEvent{kind: eventJoinSync, sessionID: sessionID}
	})

	r.startSyncTickerIfNeeded()
}

// completeJoin sends the deferred half of the join protocol: sync-state to
// the joiner, then the room's current playback state, then membership/chat
// catch-up. Runs on the room actor goroutine, ≥ 50ms after host-assigned.
func (r *activeRoom) completeJoin(sessionID string) {
	member, ok := r.members[sessionID]
	if !ok {
		return // session left before its deferred sync fired
	}

	member.handle.Send(EventSyncState, SyncStatePayload{
		URL:   r.currentVideoURL,
		Title: r.currentVideoTitle,
		Time:  r.lastKnownTime,
		State: r.lastKnownState,
	})

	if r.currentVideoURL != "" {
		r.broadcastAll(EventServerSyncTime, TimePayload{Time: r.lastKnownTime})
		if r.lastKnownState == StatePlaying {
			r.broadcastAll(EventServerPlay, TimePayload{Time: r.lastKnownTime})
		} else {
			r.broadcastAll(EventServerPause, TimePayload{Time: r.lastKnownTime})
		}
	}

	r.broadcastOthers(sessionID, EventUserJoined, UserJoinedPayload{DisplayName: member.displayName})
	r.broadcastUserList()
	r.replayChatHistory(member)
}

func (r *activeRoom) replayChatHistory(member *roomMember) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msgs, err := r.coord.messageStore.ListByRoom(ctx, r.roomID, chatReplayLimit)
	if err != nil {
		metrics.StoreFailures.WithLabelValues("message", "list").Inc()
		r.logger.Warn("chat replay failed", zap.Error(err))
		return
	}
	for _, m := range msgs {
		member.handle.Send(EventNewChatMessage, NewChatMessagePayload{
			Author:    m.Author,
			Body:      m.Body,
			Timestamp: m.Timestamp.UnixMilli(),
		})
	}
}

// --- host playback controls ---

func (r *activeRoom) handleHostPlayback(sessionID string, raw json.RawMessage, outEvent string, state PlaybackState, toOthersOnly bool) {
	if !r.isHost(sessionID) {
		return
	}
	var payload TimePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}
	r.lastKnownTime = payload.Time
	r.lastKnownState = state
	t, s := payload.Time, state
	r.persistPatch(RoomPatch{LastKnownTime: &t, LastKnownState: &s})

	if toOthersOnly {
		r.broadcastOthers(sessionID, outEvent, TimePayload{Time: payload.Time})
	} else {
		r.broadcastAll(outEvent, TimePayload{Time: payload.Time})
	}
}

func (r *activeRoom) handleHostSeek(sessionID string, raw json.RawMessage) {
	if !r.isHost(sessionID) {
		return
	}
	var payload TimePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}
	r.lastKnownTime = payload.Time
	t := payload.Time
	r.persistPatch(RoomPatch{LastKnownTime: &t})
	r.broadcastOthers(sessionID, EventServerSeek, TimePayload{Time: payload.Time})
}

func (r *activeRoom) handleChangeVideo(sessionID string, raw json.RawMessage) {
	if !r.isHost(sessionID) {
		return
	}
	var payload ChangeVideoPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}
	// An empty URL is a deliberate "clear the current video" action, not an
	// error — it still resets position/state like any other video change.
	r.currentVideoURL = payload.URL
	r.currentVideoTitle = payload.Title
	r.lastKnownTime = 0
	r.lastKnownState = StatePaused

	url, title, t, state := payload.URL, payload.Title, 0.0, StatePaused
	r.persistPatch(RoomPatch{
		CurrentVideoURL:   &url,
		CurrentVideoTitle: &title,
		LastKnownTime:     &t,
		LastKnownState:    &state,
	})

	r.broadcastAll(EventServerChangeVideo, ChangeVideoPayload{URL: payload.URL, Title: payload.Title})
}

func (r *activeRoom) handleReportTime(sessionID string, raw json.RawMessage) {
	if !r.isHost(sessionID) {
		return
	}
	var payload TimePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}
	r.lastKnownTime = payload.Time
	t := payload.Time
	r.persistPatch(RoomPatch{LastKnownTime: &t})
	metrics.SyncTickDrift.WithLabelValues(r.roomID).Set(payload.Time)
	r.broadcastAll(EventServerSyncTime, TimePayload{Time: payload.Time})
}

// --- read-only requests ---

func (r *activeRoom) handleRequestSync(sessionID string) {
	member, ok := r.members[sessionID]
	if !ok {
		return
	}
	member.handle.Send(EventSyncState, SyncStatePayload{
		URL:   r.currentVideoURL,
		Title: r.currentVideoTitle,
		Time:  r.lastKnownTime,
		State: r.lastKnownState,
	})
}

func (r *activeRoom) handleRequestUserList(sessionID string) {
	member, ok := r.members[sessionID]
	if !ok {
		return
	}
	member.handle.Send(EventUserListUpdated, UserListUpdatedPayload{Users: r.memberList()})
}

// --- chat ---

func (r *activeRoom) handleChatMessage(sessionID string, raw json.RawMessage) {
	member, ok := r.members[sessionID]
	if !ok {
		return
	}
	var payload ChatMessagePayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Body == "" {
		return
	}

	msg := Message{
		RoomID:    r.roomID,
		Author:    member.displayName,
		Body:      payload.Body,
		Timestamp: time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := r.coord.messageStore.Append(ctx, msg); err != nil {
		metrics.StoreFailures.WithLabelValues("message", "append").Inc()
		r.logger.Warn("chat persist failed", zap.Error(err))
	}
	cancel()

	r.broadcastAll(EventNewChatMessage, NewChatMessagePayload{
		Author:    msg.Author,
		Body:      msg.Body,
		Timestamp: msg.Timestamp.UnixMilli(),
	})
}

// --- disconnect / host succession ---

// handleDisconnect returns false when the room has become empty and its
// actor should stop; true otherwise.
func (r *activeRoom) handleDisconnect(sessionID string) bool {
	member, ok := r.members[sessionID]
	if !ok {
		return true
	}
	delete(r.members, sessionID)
	metrics.RoomMembers.WithLabelValues(r.roomID).Set(float64(len(r.members)))

	wasHost := member.isHost
	if wasHost {
		r.hostSessionID = ""
		var next *roomMember
		for _, m := range r.members {
			if next == nil || m.joinedAt.Before(next.joinedAt) {
				next = m
			}
		}
		if next != nil {
			next.isHost = true
			r.hostSessionID = next.sessionID
			r.hostDisplayName = next.displayName
			next.handle.Send(EventHostAssigned, HostAssignedPayload{IsHost: true})
			hostName := next.displayName
			r.persistPatch(RoomPatch{HostDisplayName: &hostName})
			metrics.HostElections.WithLabelValues("succession").Inc()
		}
	}

	if len(r.members) == 0 {
		r.stopSyncTicker()
		metrics.RoomMembers.DeleteLabelValues(r.roomID)
		metrics.SyncTickDrift.DeleteLabelValues(r.roomID)
		return false
	}

	r.broadcastAll(EventUserLeft, UserLeftPayload{DisplayName: member.displayName})
	r.broadcastUserList()
	return true
}

// --- sync ticker ---

const tickEventKind = "_sync-tick"

func (r *activeRoom) startSyncTickerIfNeeded() {
	if r.tickerOn {
		return
	}
	r.tickerOn = true
	r.ticker = time.NewTicker(syncTickInterval)
	go func(ticker *time.Ticker, stop chan struct{}, inbox chan roomEvent) {
		for {
			select {
			case <-ticker.C:
				select {
				case inbox <- roomEvent{kind: tickEventKind}:
				default:
				}
			case <-stop:
				return
			}
		}
	}(r.ticker, r.stop, r.inbox)
}

func (r *activeRoom) stopSyncTicker() {
	if !r.tickerOn {
		return
	}
	r.tickerOn = false
	r.ticker.Stop()
	close(r.stop)
}

func (r *activeRoom) handleSyncTick() {
	if r.hostSessionID == "" {
		return
	}
	host, ok := r.members[r.hostSessionID]
	if !ok {
		return
	}
	host.handle.Send(EventServerReqHostTime, nil)
}

// --- helpers ---

func (r *activeRoom) isHost(sessionID string) bool {
	m, ok := r.members[sessionID]
	return ok && m.isHost
}

func (r *activeRoom) memberList() []MemberInfo {
	out := make([]MemberInfo, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, MemberInfo{DisplayName: m.displayName, IsHost: m.isHost})
	}
	return out
}

func (r *activeRoom) broadcastAll(event string, payload any) {
	for _, m := range r.members {
		m.handle.Send(event, payload)
	}
	r.publishToBus(event, payload, "")
}

func (r *activeRoom) broadcastOthers(exceptSessionID, event string, payload any) {
	for sid, m := range r.members {
		if sid == exceptSessionID {
			continue
		}
		m.handle.Send(event, payload)
	}
	r.publishToBus(event, payload, exceptSessionID)
}

func (r *activeRoom) broadcastUserList() {
	r.broadcastAll(EventUserListUpdated, UserListUpdatedPayload{Users: r.memberList()})
}

// publishToBus republishes a broadcast on the cross-instance pub/sub bus so
// other instances behind a load balancer relay it to their own locally
// connected sessions for this room. Fire-and-forget: never blocks or fails
// the local broadcast.
func (r *activeRoom) publishToBus(event string, payload any, senderID string) {
	if r.coord.bus == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.coord.bus.Publish(ctx, r.roomID, event, payload, senderID, nil); err != nil {
			r.logger.Debug("bus publish failed", zap.Error(err))
		}
	}()
}

func (r *activeRoom) persistPatch(patch RoomPatch) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.coord.roomStore.Update(ctx, r.roomID, patch); err != nil {
		metrics.StoreFailures.WithLabelValues("room", "update").Inc()
		r.logger.Warn("room store update failed", zap.Error(err))
	}
}
