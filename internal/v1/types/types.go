package types

import (
	"encoding/json"
	"errors"
)

// --- Core Domain Types ---

// SocketIDType is the server-assigned opaque identifier for one connection.
type SocketIDType string

// UserIDType identifies a logical principal; one user may hold many sockets.
type UserIDType string

// RoomNameType is the opaque name of a room.
type RoomNameType string

// RoomType classifies a room's lifecycle rules.
type RoomType string

const (
	RoomTypeUser   RoomType = "user"   // Auto-created per registered user
	RoomTypeGroup  RoomType = "group"  // Named client-joinable groups
	RoomTypeSystem RoomType = "system" // Server-owned, persists while empty
	RoomTypeOther  RoomType = "other"  // Anything else
)

// Frame is the wire envelope for every socket message, both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals data into a Frame. Marshal failures return an error
// rather than a half-built frame so the caller can surface them.
func NewFrame(event string, data any) (*Frame, error) {
	if event == "" {
		return nil, errors.New("frame event cannot be empty")
	}
	if data == nil {
		return &Frame{Event: event}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{Event: event, Data: raw}, nil
}

// Encode serializes the frame for the socket transport.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// --- Shared Interfaces ---

// Claims is the verified identity extracted from a credential.
type Claims struct {
	UserID    string `json:"userId"`
	Subject   string `json:"sub"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
}

// Principal returns the effective user id: userId when present, else sub.
func (c *Claims) Principal() UserIDType {
	if c.UserID != "" {
		return UserIDType(c.UserID)
	}
	return UserIDType(c.Subject)
}

// TokenValidator verifies a raw credential and extracts its claims.
type TokenValidator interface {
	ValidateToken(tokenString string) (*Claims, error)
}

// Sender is the narrow view of a socket that registry and rooms need.
// Volatile sends may be dropped on backpressure; non-volatile sends log a
// delivery failure but never block.
type Sender interface {
	SocketID() SocketIDType
	Send(frame *Frame)
	SendVolatile(frame *Frame)
	Close(reason string)
}
