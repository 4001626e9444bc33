package protocol

import (
	"encoding/json"
	"fmt"
)

// ChecklistStep describes one step of a task's execution plan
type ChecklistStep struct {
	Index       int    `json:"index"`
	Description string `json:"description"`
	Done        bool   `json:"done"`
}

// TaskStartedPayload marks the worker accepting a task. Its checklist, when
// present, replaces the one seeded at creation.
type TaskStartedPayload struct {
	Description string          `json:"description,omitempty"`
	Steps       []ChecklistStep `json:"steps,omitempty"`
}

// StepProgressPayload reports progress on one checklist step
type StepProgressPayload struct {
	StepIndex int    `json:"step_index"`
	Status    string `json:"status"` // running, completed, failed, skipped
	Detail    string `json:"detail,omitempty"`
}

// ScreenshotCapturedPayload carries a screenshot by storage reference only
type ScreenshotCapturedPayload struct {
	ArtifactPath string `json:"artifact_path"`
	Caption      string `json:"caption,omitempty"`
	StepIndex    int    `json:"step_index,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
}

// ToolCallRequestedPayload is the worker asking to invoke a registered tool.
// RequiresApproval and RiskLevel are worker-reported and re-validated by the
// backend policy engine before anything proceeds.
type ToolCallRequestedPayload struct {
	ToolCallID        string          `json:"tool_call_id"`
	ServerID          string          `json:"server_id,omitempty"`
	ToolName          string          `json:"tool_name"`
	Arguments         json.RawMessage `json:"arguments,omitempty"`
	ActionDescription string          `json:"action_description,omitempty"`
	RiskLevel         string          `json:"risk_level,omitempty"`
	RequiresApproval  bool            `json:"requires_approval,omitempty"`
}

// ToolCallResultPayload records the outcome of a tool invocation
type ToolCallResultPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}

// ApprovalRequestPayload announces a pending approval gate to subscribers
type ApprovalRequestPayload struct {
	RequestID         string `json:"request_id"`
	ToolCallID        string `json:"tool_call_id,omitempty"`
	ToolName          string `json:"tool_name,omitempty"`
	ActionDescription string `json:"action_description"`
	RiskLevel         string `json:"risk_level"`
	Narrowed          bool   `json:"narrowed,omitempty"`
}

// ApprovalResolvedPayload records the decision on an approval gate. Retry
// marks a timed-out request that will be re-asked with a narrowed action
// instead of cancelling the task.
type ApprovalResolvedPayload struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
	TimedOut  bool   `json:"timed_out,omitempty"`
	Retry     bool   `json:"retry,omitempty"`
	Resolver  string `json:"resolver,omitempty"` // principal or "policy"
	Reason    string `json:"reason,omitempty"`
}

// ContextRequestPayload is the worker asking the user for clarification
type ContextRequestPayload struct {
	RequestID   string `json:"request_id"`
	Question    string `json:"question"`
	ContextType string `json:"context_type,omitempty"` // clarification, credentials, file, url
}

// ContextProvidedPayload carries the user's answer back to the worker
type ContextProvidedPayload struct {
	RequestID string `json:"request_id"`
	Response  string `json:"response"`
}

// HeartbeatPayload is a liveness signal from the worker
type HeartbeatPayload struct {
	UptimeSec int64 `json:"uptime_sec,omitempty"`
}

// LogPayload records a worker-side log line on the task
type LogPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Source  string `json:"source,omitempty"` // browser, shell, bridge
}

// Error codes used by bridge-synthesized error events
const (
	ErrCodeInstanceDisconnected = "instance_disconnected"
	ErrCodeInstanceReconnected  = "instance_reconnected"
	ErrCodeInstanceUnreachable  = "instance_unreachable"
	ErrCodeUnknownTool          = "unknown_tool"
	ErrCodeToolDisabled         = "tool_disabled"
	ErrCodeMalformedPayload     = "malformed_payload"
	ErrCodeDuplicateApproval    = "duplicate_approval_request"
	ErrCodeToolInvokeFailed     = "tool_invoke_failed"
)

// ErrorPayload records a recoverable error on the task
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// TaskCompletedPayload is the worker's terminal success marker
type TaskCompletedPayload struct {
	Result         string `json:"result"`
	StepsCompleted int    `json:"steps_completed,omitempty"`
	TotalSteps     int    `json:"total_steps,omitempty"`
}

// TaskFailedPayload is the worker's terminal failure marker
type TaskFailedPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// TaskCancelledPayload records a cancellation, by user or by the bridge
type TaskCancelledPayload struct {
	CancelledBy string `json:"cancelled_by"` // principal or "system"
	Reason      string `json:"reason,omitempty"`
}

// ValidatePayload checks that the payload parses as the typed struct for the
// kind and that load-bearing fields are present. Start/terminal markers are
// strict; everything else tolerates missing optional fields.
func ValidatePayload(env *Envelope) error {
	switch env.Kind {
	case KindTaskStarted:
		var p TaskStartedPayload
		return env.DecodePayload(&p)
	case KindStepProgress:
		var p StepProgressPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		if p.StepIndex < 0 {
			return fmt.Errorf("%w: negative step_index", ErrMalformedPayload)
		}
		return nil
	case KindScreenshotCaptured:
		var p ScreenshotCapturedPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		if p.ArtifactPath == "" {
			return fmt.Errorf("%w: screenshot without artifact_path", ErrMalformedPayload)
		}
		return nil
	case KindToolCallRequested:
		var p ToolCallRequestedPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		if p.ToolName == "" {
			return fmt.Errorf("%w: tool call without tool_name", ErrMalformedPayload)
		}
		return nil
	case KindToolCallResult:
		var p ToolCallResultPayload
		return env.DecodePayload(&p)
	case KindApprovalRequest:
		var p ApprovalRequestPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		if p.RequestID == "" {
			return fmt.Errorf("%w: approval request without request_id", ErrMalformedPayload)
		}
		return nil
	case KindApprovalResolved:
		var p ApprovalResolvedPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		if p.RequestID == "" {
			return fmt.Errorf("%w: approval resolution without request_id", ErrMalformedPayload)
		}
		return nil
	case KindContextRequest:
		var p ContextRequestPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		if p.RequestID == "" || p.Question == "" {
			return fmt.Errorf("%w: incomplete context request", ErrMalformedPayload)
		}
		return nil
	case KindContextProvided:
		var p ContextProvidedPayload
		return env.DecodePayload(&p)
	case KindHeartbeat:
		var p HeartbeatPayload
		return env.DecodePayload(&p)
	case KindLog:
		var p LogPayload
		return env.DecodePayload(&p)
	case KindError:
		var p ErrorPayload
		return env.DecodePayload(&p)
	case KindTaskCompleted:
		var p TaskCompletedPayload
		return env.DecodePayload(&p)
	case KindTaskFailed:
		var p TaskFailedPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		if p.Message == "" {
			return fmt.Errorf("%w: task_failed without message", ErrMalformedPayload)
		}
		return nil
	case KindTaskCancelled:
		var p TaskCancelledPayload
		return env.DecodePayload(&p)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEventKind, env.Kind)
	}
}

// Terminal reports whether the kind ends a task
func Terminal(k Kind) bool {
	switch k {
	case KindTaskCompleted, KindTaskFailed, KindTaskCancelled:
		return true
	}
	return false
}
