package task

import (
	"time"

	"go_bridge/internal/model"
	"go_bridge/internal/protocol"
)

// ArtifactRef points at stored task output; the bridge never inlines blobs
type ArtifactRef struct {
	Path    string `json:"path"`
	Kind    string `json:"kind"` // screenshot, download, report
	Caption string `json:"caption,omitempty"`
}

// State is the live, fold-derived view of one task. It is always the result
// of reducing the task's persisted events in sequence order; handlers never
// mutate it directly.
type State struct {
	TaskID         string
	Status         string
	PrevStatus     string // status before a disconnect, restored on reconnect
	Checklist      []protocol.ChecklistStep
	Artifacts      []ArtifactRef
	SequenceCursor int64
	Result         string
	LastError      string
	StartedAt      *time.Time
	TerminalAt     *time.Time
}

// NewState seeds a state for a freshly created task
func NewState(taskID string, checklist []protocol.ChecklistStep) State {
	return State{
		TaskID:    taskID,
		Status:    model.TaskStatusCreated,
		Checklist: checklist,
	}
}

// Terminal reports whether the state can no longer change
func (s *State) Terminal() bool {
	switch s.Status {
	case model.TaskStatusCompleted, model.TaskStatusFailed, model.TaskStatusCancelled:
		return true
	}
	return false
}

// Progress returns completed and total checklist step counts
func (s *State) Progress() (done, total int) {
	for _, step := range s.Checklist {
		if step.Done {
			done++
		}
	}
	return done, len(s.Checklist)
}

// Outcome describes what Apply did with an event
type Outcome struct {
	Applied   bool  // the cursor advanced and the event was folded in
	Discarded bool  // duplicate sequence or post-terminal event, state unchanged
	Fatal     bool  // a load-bearing payload was malformed, task failed
	Err       error // non-nil for malformed payloads, fatal or not
}

// Apply folds one sequenced event into the state. It is a pure function:
// the same state and event always produce the same result, so replaying the
// persisted stream reconstructs the live state exactly.
//
// Idempotence: events with sequence <= cursor are discarded. Terminal
// immutability: once completed/failed/cancelled, every later event is
// discarded and never re-opens the task.
func Apply(s State, env *protocol.Envelope) (State, Outcome) {
	if env.Sequence <= s.SequenceCursor {
		return s, Outcome{Discarded: true}
	}
	if s.Terminal() {
		return s, Outcome{Discarded: true}
	}

	if err := protocol.ValidatePayload(env); err != nil {
		s.SequenceCursor = env.Sequence
		if env.Kind == protocol.KindTaskStarted || protocol.Terminal(env.Kind) {
			// Cannot safely continue without a valid start/end marker.
			s.Status = model.TaskStatusFailed
			s.LastError = "malformed " + string(env.Kind) + " payload"
			ts := env.Timestamp
			s.TerminalAt = &ts
			return s, Outcome{Applied: true, Fatal: true, Err: err}
		}
		// Recoverable: the router records an error event, the task continues.
		return s, Outcome{Applied: true, Err: err}
	}

	s.SequenceCursor = env.Sequence

	switch env.Kind {
	case protocol.KindTaskStarted:
		var p protocol.TaskStartedPayload
		_ = env.DecodePayload(&p)
		if len(p.Steps) > 0 {
			s.Checklist = p.Steps
		}
		if s.StartedAt == nil {
			ts := env.Timestamp
			s.StartedAt = &ts
		}
		s.Status = model.TaskStatusRunning

	case protocol.KindStepProgress:
		var p protocol.StepProgressPayload
		_ = env.DecodePayload(&p)
		if p.Status == "completed" {
			for i := range s.Checklist {
				if s.Checklist[i].Index == p.StepIndex {
					s.Checklist[i].Done = true
					break
				}
			}
		}

	case protocol.KindScreenshotCaptured:
		var p protocol.ScreenshotCapturedPayload
		_ = env.DecodePayload(&p)
		s.Artifacts = append(s.Artifacts, ArtifactRef{
			Path:    p.ArtifactPath,
			Kind:    "screenshot",
			Caption: p.Caption,
		})

	case protocol.KindToolCallRequested, protocol.KindToolCallResult:
		// Interception and invocation happen in the router; the fold only
		// records that they occurred.

	case protocol.KindApprovalRequest:
		s.Status = model.TaskStatusAwaitingApproval

	case protocol.KindApprovalResolved:
		var p protocol.ApprovalResolvedPayload
		_ = env.DecodePayload(&p)
		switch {
		case p.Approved:
			if s.Status == model.TaskStatusAwaitingApproval {
				s.Status = model.TaskStatusRunning
			}
		case p.TimedOut && p.Retry:
			// A narrowed re-ask follows; stay gated.
		default:
			s.Status = model.TaskStatusCancelled
			s.LastError = deniedReason(p)
			ts := env.Timestamp
			s.TerminalAt = &ts
		}

	case protocol.KindContextRequest:
		s.Status = model.TaskStatusPaused

	case protocol.KindContextProvided:
		if s.Status == model.TaskStatusPaused {
			s.Status = model.TaskStatusRunning
		}

	case protocol.KindHeartbeat, protocol.KindLog:
		// Liveness and log lines carry no state transition.

	case protocol.KindError:
		var p protocol.ErrorPayload
		_ = env.DecodePayload(&p)
		switch p.Code {
		case protocol.ErrCodeInstanceDisconnected:
			if s.Status != model.TaskStatusConnecting {
				s.PrevStatus = s.Status
			}
			s.Status = model.TaskStatusConnecting
		case protocol.ErrCodeInstanceReconnected:
			if s.Status == model.TaskStatusConnecting && s.StartedAt != nil {
				if s.PrevStatus != "" && s.PrevStatus != model.TaskStatusCreated {
					s.Status = s.PrevStatus
				} else {
					s.Status = model.TaskStatusRunning
				}
				s.PrevStatus = ""
			}
		case protocol.ErrCodeInstanceUnreachable:
			s.Status = model.TaskStatusFailed
			s.LastError = protocol.ErrCodeInstanceUnreachable
			ts := env.Timestamp
			s.TerminalAt = &ts
		default:
			s.LastError = p.Message
		}

	case protocol.KindTaskCompleted:
		var p protocol.TaskCompletedPayload
		_ = env.DecodePayload(&p)
		s.Status = model.TaskStatusCompleted
		s.Result = p.Result
		ts := env.Timestamp
		s.TerminalAt = &ts

	case protocol.KindTaskFailed:
		var p protocol.TaskFailedPayload
		_ = env.DecodePayload(&p)
		s.Status = model.TaskStatusFailed
		s.LastError = p.Message
		ts := env.Timestamp
		s.TerminalAt = &ts

	case protocol.KindTaskCancelled:
		var p protocol.TaskCancelledPayload
		_ = env.DecodePayload(&p)
		s.Status = model.TaskStatusCancelled
		if p.Reason != "" {
			s.LastError = p.Reason
		}
		ts := env.Timestamp
		s.TerminalAt = &ts
	}

	return s, Outcome{Applied: true}
}

func deniedReason(p protocol.ApprovalResolvedPayload) string {
	if p.TimedOut {
		return "approval timed out"
	}
	if p.Reason != "" {
		return p.Reason
	}
	return "approval denied"
}

// Reduce folds an ordered event stream into a state, starting from the
// seeded checklist. It is the replay counterpart of live Apply calls.
func Reduce(taskID string, checklist []protocol.ChecklistStep, events []*protocol.Envelope) State {
	s := NewState(taskID, checklist)
	for _, env := range events {
		s, _ = Apply(s, env)
	}
	return s
}
