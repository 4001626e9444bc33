package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind identifies an event type on the bridge wire
type Kind string

// Event kinds. The set is closed: decoding rejects anything else so a newer
// worker cannot desynchronize an older backend undetected.
const (
	KindTaskStarted        Kind = "task_started"
	KindStepProgress       Kind = "step_progress"
	KindScreenshotCaptured Kind = "screenshot_captured"
	KindToolCallRequested  Kind = "tool_call_requested"
	KindToolCallResult     Kind = "tool_call_result"
	KindApprovalRequest    Kind = "approval_request"
	KindApprovalResolved   Kind = "approval_resolved"
	KindContextRequest     Kind = "context_request"
	KindContextProvided    Kind = "context_provided"
	KindHeartbeat          Kind = "heartbeat"
	KindLog                Kind = "log"
	KindError              Kind = "error"
	KindTaskCompleted      Kind = "task_completed"
	KindTaskFailed         Kind = "task_failed"
	KindTaskCancelled      Kind = "task_cancelled"
)

var validKinds = map[Kind]struct{}{
	KindTaskStarted:        {},
	KindStepProgress:       {},
	KindScreenshotCaptured: {},
	KindToolCallRequested:  {},
	KindToolCallResult:     {},
	KindApprovalRequest:    {},
	KindApprovalResolved:   {},
	KindContextRequest:     {},
	KindContextProvided:    {},
	KindHeartbeat:          {},
	KindLog:                {},
	KindError:              {},
	KindTaskCompleted:      {},
	KindTaskFailed:         {},
	KindTaskCancelled:      {},
}

// MaxPayloadBytes bounds a single envelope payload. Large content
// (screenshots, downloads) must be passed by artifact reference instead.
const MaxPayloadBytes = 1 << 20

// Protocol-level errors
var (
	ErrUnknownEventKind = errors.New("unknown event kind")
	ErrMalformedPayload = errors.New("malformed event payload")
	ErrPayloadTooLarge  = errors.New("event payload too large")
	ErrMissingTaskID    = errors.New("missing task_id")
)

// Envelope is the wire format for a single event. Sequence is assigned by
// the bridge at receipt, never trusted from the worker.
type Envelope struct {
	TaskID    string          `json:"task_id"`
	Sequence  int64           `json:"sequence"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ValidKind reports whether k belongs to the closed kind set
func ValidKind(k Kind) bool {
	_, ok := validKinds[k]
	return ok
}

// Decode parses and validates a wire envelope
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.TaskID == "" {
		return nil, ErrMissingTaskID
	}
	if !ValidKind(env.Kind) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventKind, env.Kind)
	}
	if len(env.Payload) > MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(env.Payload))
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	return &env, nil
}

// Encode serializes the envelope for the wire
func (e *Envelope) Encode() ([]byte, error) {
	if !ValidKind(e.Kind) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventKind, e.Kind)
	}
	if len(e.Payload) > MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(e.Payload))
	}
	return json.Marshal(e)
}

// New builds an envelope with a marshaled payload. Sequence is left zero
// for the bridge to assign.
func New(taskID string, kind Kind, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	if len(raw) > MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(raw))
	}
	return &Envelope{
		TaskID:    taskID,
		Kind:      kind,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// DecodePayload unmarshals the payload into the typed struct for the kind
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}
