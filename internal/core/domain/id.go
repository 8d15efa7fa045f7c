package domain

import (
	"github.com/google/uuid"
)

// UserID is the opaque identity the relay addresses peers by.
type UserID string

func (id UserID) String() string {
	return string(id)
}

type CallID string

func NewCallID() CallID {
	return CallID(uuid.New().String())
}

func (id CallID) String() string {
	return string(id)
}
