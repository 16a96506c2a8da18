package chat

import (
	"time"

	"github.com/user/morgan/internal/attachment"
	"github.com/user/morgan/internal/reconciler"
	"github.com/user/morgan/internal/types"
)

// CycleStatus represents the lifecycle state of a Cycle.
type CycleStatus string

const (
	CycleQueued   CycleStatus = "queued"
	CycleRunning  CycleStatus = "running"
	CycleComplete CycleStatus = "complete"
	CycleFailed   CycleStatus = "failed"
)

// Input is one user turn. Attachment, when set, is sent as is;
// otherwise AttachmentPath is read and encoded.
type Input struct {
	Text           string
	AttachmentPath string
	Attachment     *attachment.File
}

// Cycle tracks a single request: from the user message being submitted
// until the stream ends or fails.
type Cycle struct {
	ID        types.CycleID
	Input     Input
	Status    CycleStatus
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	Outcome   reconciler.Outcome
	// Dropped counts malformed frames skipped by the decoder.
	Dropped int
	Err     error
}

func newCycle(in Input) *Cycle {
	return &Cycle{
		ID:        types.NewCycleID(),
		Input:     in,
		Status:    CycleQueued,
		CreatedAt: time.Now(),
	}
}

func (c *Cycle) start() {
	now := time.Now()
	c.StartedAt = &now
	c.Status = CycleRunning
}

func (c *Cycle) end(err error) {
	now := time.Now()
	c.EndedAt = &now
	c.Err = err
	if err != nil {
		c.Status = CycleFailed
		return
	}
	c.Status = CycleComplete
}

// Duration is the time between start and end, or zero if the cycle never
// reached the backend.
func (c *Cycle) Duration() time.Duration {
	if c.StartedAt == nil || c.EndedAt == nil {
		return 0
	}
	return c.EndedAt.Sub(*c.StartedAt)
}
