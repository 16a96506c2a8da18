// internal/types/ids.go
package types

import (
	"github.com/google/uuid"
)

type MessageID string
type CycleID string

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

func NewCycleID() CycleID {
	return CycleID(uuid.New().String())
}
