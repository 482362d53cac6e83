package coordinator

import (
	"context"
	"crypto/rand"
)

const roomIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
const roomIDLength = 6

// NewRoomID generates a 6-character uppercase-alphanumeric room id, the
// shared-link-friendly format decided for this service (see DESIGN.md).
// It is collision-checked against store before being handed back to the
// caller (typically the REST room-creation handler).
func NewRoomID(ctx context.Context, store RoomStore) (string, error) {
	for {
		id, err := randomRoomID()
		if err != nil {
			return "", err
		}
		if _, err := store.GetByID(ctx, id); err == ErrRoomNotFound {
			return id, nil
		}
	}
}

func randomRoomID() (string, error) {
	buf := make([]byte, roomIDLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, roomIDLength)
	for i, b := range buf {
		out[i] = roomIDAlphabet[int(b)%len(roomIDAlphabet)]
	}
	return string(out), nil
}
