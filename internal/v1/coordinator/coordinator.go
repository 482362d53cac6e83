package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/watchparty/server/internal/v1/bus"
	"go.uber.org/zap"
)

// SessionHandle is the coordinator's view of a connected gateway session: a
// way to push a named event back down that session's transport without the
// coordinator knowing anything about websockets. The gateway's session type
// implements this.
type SessionHandle interface {
	ID() string
	// Send delivers event/payload to this session. Implementations must be
	// non-blocking (bounded outbox, drop-on-overflow) so a slow peer never
	// stalls the room's actor goroutine.
	Send(event string, payload any)
	// Close terminates the underlying transport with reason, used when the
	// gateway itself needs to drop a session (not used by normal room flow).
	Close(reason string)
}

// BusService is the subset of the ambient Redis pub/sub bus the coordinator
// needs for cross-instance fan-out. *bus.Service satisfies this directly.
type BusService interface {
	Publish(ctx context.Context, roomID string, event string, payload any, senderID string, roles []string) error
}

// subscribableBus is the extra surface *bus.Service offers beyond BusService:
// a per-room subscription plus an identity subscribers use to ignore their
// own publishes. Detected with a type assertion so a BusService test double
// that only implements Publish still works without a Subscribe method.
type subscribableBus interface {
	Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(bus.PubSubPayload))
	InstanceID() string
}

const (
	joinRateLimitAttempts = 5
	joinRateLimitWindow   = 15 * time.Second
	postConnectGrace      = 1 * time.Second
	syncTickInterval      = 10 * time.Second
	chatReplayLimit       = 50
)

// connection tracks a session between gateway accept and transport close,
// independent of whether it has joined a room yet.
type connection struct {
	handle      SessionHandle
	displayName string
	connectedAt time.Time
	roomID      string // empty until join-room succeeds
}

// Coordinator owns every active room in this process. It is the single
// authority consulted by the gateway for every inbound event.
type Coordinator struct {
	mu    sync.RWMutex
	rooms map[string]*activeRoom
	conns map[string]*connection

	roomStore    RoomStore
	messageStore MessageStore
	bus          BusService
	logger       *zap.Logger

	joinLimiter *joinRateLimiter
}

// Option configures a Coordinator at construction time.
type Option func(*Coordinator)

func WithBus(bus BusService) Option {
	return func(c *Coordinator) { c.bus = bus }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// New constructs a Coordinator. roomStore/messageStore default to in-memory
// implementations when nil.
func New(roomStore RoomStore, messageStore MessageStore, opts ...Option) *Coordinator {
	if roomStore == nil {
		roomStore = NewMemRoomStore()
	}
	if messageStore == nil {
		messageStore = NewMemMessageStore(chatReplayLimit * 4)
	}

	c := &Coordinator{
		rooms:        make(map[string]*activeRoom),
		conns:        make(map[string]*connection),
		roomStore:    roomStore,
		messageStore: messageStore,
		logger:       zap.NewNop(),
		joinLimiter:  newJoinRateLimiter(joinRateLimitAttempts, joinRateLimitWindow),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect registers a freshly-accepted session. It must be called exactly
// once per session, before any Dispatch call for that session's id.
func (c *Coordinator) Connect(handle SessionHandle, displayName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[handle.ID()] = &connection{
		handle:      handle,
		displayName: displayName,
		connectedAt: time.Now(),
	}
}

// Disconnect tears down a session: if it was bound to a room, the room's
// actor runs host succession / member removal; the connection entry is
// then dropped.
func (c *Coordinator) Disconnect(sessionID string) {
	c.mu.Lock()
	conn, ok := c.conns[sessionID]
	if ok {
		delete(c.conns, sessionID)
	}
	c.mu.Unlock()

	c.joinLimiter.forget(sessionID)

	if !ok || conn.roomID == "" {
		return
	}

	room := c.getRoom(conn.roomID)
	if room == nil {
		return
	}
	room.inbox <- roomEvent{kind: eventDisconnect, sessionID: sessionID}
}

// Dispatch routes one inbound event from a session into the appropriate
// room actor (or handles join-room, which may create the room actor).
func (c *Coordinator) Dispatch(sessionID string, event string, payload json.RawMessage) {
	c.mu.RLock()
	conn, ok := c.conns[sessionID]
	c.mu.RUnlock()
	if !ok {
		return // session already gone (race with Disconnect)
	}

	if event == EventJoinRoom {
		c.handleJoinRoom(conn, sessionID, payload)
		return
	}

	if conn.roomID == "" {
		if event == EventChatMessage {
			conn.handle.Send(EventError, ErrorPayload{Message: "not joined to a room"})
		}
		return
	}

	room := c.getRoom(conn.roomID)
	if room == nil {
		return
	}
	room.inbox <- roomEvent{kind: event, sessionID: sessionID, payload: payload}
}

func (c *Coordinator) getRoom(roomID string) *activeRoom {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rooms[roomID]
}

// bindSession is called by an activeRoom once a join succeeds, recording
// which room a connection now belongs to so future Dispatch calls route
// correctly.
func (c *Coordinator) bindSession(sessionID, roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[sessionID]; ok {
		conn.roomID = roomID
	}
}

// dropRoom removes a torn-down room from the registry. Called by an
// activeRoom's own goroutine right before it exits.
func (c *Coordinator) dropRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomID)
}
