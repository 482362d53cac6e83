package coordinator

import (
	"context"
	"errors"
)

// ErrRoomNotFound is returned by RoomStore.GetByID when no row matches.
var ErrRoomNotFound = errors.New("coordinator: room not found")

// RoomPatch carries a partial update to a Room row. Nil fields are left
// unchanged.
type RoomPatch struct {
	HostDisplayName   *string
	CurrentVideoURL   *string
	CurrentVideoTitle *string
	LastKnownTime     *float64
	LastKnownState    *PlaybackState
}

// RoomStore persists Room rows. Implementations must return ErrRoomNotFound
// from GetByID/Update when the id is unknown. The coordinator tolerates
// store failures: it logs and counts them but keeps advancing in-memory
// state (see activeRoom).
type RoomStore interface {
	Create(ctx context.Context, room *Room) error
	GetByID(ctx context.Context, roomID string) (*Room, error)
	Update(ctx context.Context, roomID string, patch RoomPatch) error
}

// MessageStore persists chat history, append-only.
type MessageStore interface {
	Append(ctx context.Context, msg Message) error
	ListByRoom(ctx context.Context, roomID string, limit int) ([]Message, error)
}
