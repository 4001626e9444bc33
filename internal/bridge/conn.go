package bridge

import (
	"math/rand"
	"time"
)

// Command types sent from the bridge to an instance
const (
	CommandTaskDispatch     = "task_dispatch"
	CommandTaskResume       = "task_resume"
	CommandTaskCancel       = "task_cancel"
	CommandApprovalResolved = "approval_resolved"
	CommandContextProvided  = "context_provided"
)

// Command is one instruction for an instance. Epoch is stamped at send time
// with the connection epoch the command was issued under; a command carrying
// a stale epoch is dropped instead of delivered.
type Command struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id,omitempty"`
	Data   any    `json:"data,omitempty"`
	Epoch  uint64 `json:"-"`
}

// InstanceConn is one live connection to an instance. Implementations wrap
// the actual transport session.
type InstanceConn interface {
	Send(cmd *Command) error
	Close() error
}

// connState tracks one instance's connection and the commands waiting for it
type connState struct {
	conn    InstanceConn
	epoch   uint64
	pending []*Command
}

// Backoff produces jittered exponential delays for retry loops
type Backoff struct {
	base time.Duration
	max  time.Duration
	next time.Duration
}

// NewBackoff creates a backoff starting at base and capped at max
func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{base: base, max: max, next: base}
}

// Next returns the delay to wait before the next attempt. Each call doubles
// the delay up to the cap, with up to 25% random jitter added.
func (b *Backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// Reset restarts the backoff from its base delay
func (b *Backoff) Reset() {
	b.next = b.base
}
