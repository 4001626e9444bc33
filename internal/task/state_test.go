package task

import (
	"encoding/json"
	"testing"
	"time"

	"go_bridge/internal/model"
	"go_bridge/internal/protocol"
)

func mustEnvelope(t *testing.T, taskID string, seq int64, kind protocol.Kind, payload any) *protocol.Envelope {
	t.Helper()
	env, err := protocol.New(taskID, kind, payload)
	if err != nil {
		t.Fatalf("failed to build envelope: %v", err)
	}
	env.Sequence = seq
	env.Timestamp = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Second)
	return env
}

func seedChecklist() []protocol.ChecklistStep {
	return []protocol.ChecklistStep{
		{Index: 0, Description: "open the site"},
		{Index: 1, Description: "fill the form"},
		{Index: 2, Description: "submit"},
	}
}

func TestApply_LifecycleScenario(t *testing.T) {
	// Scenario: started, three steps of progress, approval gate, approval,
	// completion. Mirrors a DEFAULT-profile run hitting a medium-risk action.
	st := NewState("t-1", seedChecklist())
	if st.Status != model.TaskStatusCreated {
		t.Fatalf("Expected created, got %s", st.Status)
	}

	var out Outcome
	st, out = Apply(st, mustEnvelope(t, "t-1", 1, protocol.KindTaskStarted, protocol.TaskStartedPayload{}))
	if !out.Applied || st.Status != model.TaskStatusRunning {
		t.Fatalf("Expected running after task_started, got %s (outcome %+v)", st.Status, out)
	}
	if st.StartedAt == nil {
		t.Error("Expected StartedAt to be set")
	}

	for i := 0; i < 3; i++ {
		st, _ = Apply(st, mustEnvelope(t, "t-1", int64(2+i), protocol.KindStepProgress,
			protocol.StepProgressPayload{StepIndex: i, Status: "completed"}))
	}
	if done, total := st.Progress(); done != 3 || total != 3 {
		t.Errorf("Expected 3/3 steps done, got %d/%d", done, total)
	}
	if st.Status != model.TaskStatusRunning {
		t.Errorf("Progress events must not change status, got %s", st.Status)
	}

	st, _ = Apply(st, mustEnvelope(t, "t-1", 5, protocol.KindApprovalRequest,
		protocol.ApprovalRequestPayload{RequestID: "a-1", ActionDescription: "submit the form", RiskLevel: "medium"}))
	if st.Status != model.TaskStatusAwaitingApproval {
		t.Fatalf("Expected awaiting_approval, got %s", st.Status)
	}

	st, _ = Apply(st, mustEnvelope(t, "t-1", 6, protocol.KindApprovalResolved,
		protocol.ApprovalResolvedPayload{RequestID: "a-1", Approved: true, Resolver: "alice"}))
	if st.Status != model.TaskStatusRunning {
		t.Fatalf("Expected running after approval, got %s", st.Status)
	}

	st, _ = Apply(st, mustEnvelope(t, "t-1", 7, protocol.KindTaskCompleted,
		protocol.TaskCompletedPayload{Result: "form submitted"}))
	if st.Status != model.TaskStatusCompleted {
		t.Fatalf("Expected completed, got %s", st.Status)
	}
	if st.Result != "form submitted" {
		t.Errorf("Expected result recorded, got %q", st.Result)
	}
	if st.TerminalAt == nil {
		t.Error("Expected TerminalAt to be set")
	}
}

func TestApply_DuplicateSequenceIsNoOp(t *testing.T) {
	st := NewState("t-1", seedChecklist())
	st, _ = Apply(st, mustEnvelope(t, "t-1", 1, protocol.KindTaskStarted, protocol.TaskStartedPayload{}))

	progress := mustEnvelope(t, "t-1", 2, protocol.KindStepProgress,
		protocol.StepProgressPayload{StepIndex: 0, Status: "completed"})
	st, _ = Apply(st, progress)

	done, _ := st.Progress()
	if done != 1 {
		t.Fatalf("Expected 1 step done, got %d", done)
	}

	// Re-applying the same sequence must not double-count.
	st2, out := Apply(st, progress)
	if !out.Discarded {
		t.Error("Expected duplicate to be discarded")
	}
	if done2, _ := st2.Progress(); done2 != 1 {
		t.Errorf("Duplicate apply double-counted progress: %d", done2)
	}
	if st2.SequenceCursor != st.SequenceCursor {
		t.Errorf("Duplicate apply moved the cursor: %d -> %d", st.SequenceCursor, st2.SequenceCursor)
	}
}

func TestApply_TerminalImmutability(t *testing.T) {
	st := NewState("t-1", nil)
	st, _ = Apply(st, mustEnvelope(t, "t-1", 1, protocol.KindTaskStarted, protocol.TaskStartedPayload{}))
	st, _ = Apply(st, mustEnvelope(t, "t-1", 2, protocol.KindTaskFailed,
		protocol.TaskFailedPayload{Message: "instance_unreachable"}))
	if st.Status != model.TaskStatusFailed {
		t.Fatalf("Expected failed, got %s", st.Status)
	}

	// Late events after a terminal state never re-open the task.
	late := []*protocol.Envelope{
		mustEnvelope(t, "t-1", 3, protocol.KindTaskStarted, protocol.TaskStartedPayload{}),
		mustEnvelope(t, "t-1", 4, protocol.KindStepProgress, protocol.StepProgressPayload{StepIndex: 0, Status: "completed"}),
		mustEnvelope(t, "t-1", 5, protocol.KindTaskCompleted, protocol.TaskCompletedPayload{Result: "too late"}),
	}
	for _, env := range late {
		var out Outcome
		st, out = Apply(st, env)
		if !out.Discarded {
			t.Errorf("Expected %s after terminal to be discarded", env.Kind)
		}
	}
	if st.Status != model.TaskStatusFailed {
		t.Errorf("Terminal status changed to %s", st.Status)
	}
	if st.Result != "" {
		t.Errorf("Late completion leaked a result: %q", st.Result)
	}
}

func TestApply_DisconnectGraceFailure(t *testing.T) {
	// Scenario: instance goes silent mid-run; the bridge records the
	// disconnect and, after the grace period, unreachability.
	st := NewState("t-1", seedChecklist())
	st, _ = Apply(st, mustEnvelope(t, "t-1", 1, protocol.KindTaskStarted, protocol.TaskStartedPayload{}))

	st, _ = Apply(st, mustEnvelope(t, "t-1", 2, protocol.KindError,
		protocol.ErrorPayload{Code: protocol.ErrCodeInstanceDisconnected, Message: "connection lost"}))
	if st.Status != model.TaskStatusConnecting {
		t.Fatalf("Expected connecting after disconnect, got %s", st.Status)
	}
	if st.PrevStatus != model.TaskStatusRunning {
		t.Errorf("Expected previous status preserved, got %s", st.PrevStatus)
	}

	st, _ = Apply(st, mustEnvelope(t, "t-1", 3, protocol.KindError,
		protocol.ErrorPayload{Code: protocol.ErrCodeInstanceUnreachable, Message: "grace period exceeded"}))
	if st.Status != model.TaskStatusFailed {
		t.Fatalf("Expected failed after grace expiry, got %s", st.Status)
	}
	if st.LastError != protocol.ErrCodeInstanceUnreachable {
		t.Errorf("Expected instance_unreachable reason, got %q", st.LastError)
	}
}

func TestApply_ReconnectRestoresStatus(t *testing.T) {
	st := NewState("t-1", nil)
	st, _ = Apply(st, mustEnvelope(t, "t-1", 1, protocol.KindTaskStarted, protocol.TaskStartedPayload{}))
	st, _ = Apply(st, mustEnvelope(t, "t-1", 2, protocol.KindApprovalRequest,
		protocol.ApprovalRequestPayload{RequestID: "a-1", ActionDescription: "x", RiskLevel: "high"}))
	st, _ = Apply(st, mustEnvelope(t, "t-1", 3, protocol.KindError,
		protocol.ErrorPayload{Code: protocol.ErrCodeInstanceDisconnected}))
	if st.Status != model.TaskStatusConnecting {
		t.Fatalf("Expected connecting, got %s", st.Status)
	}

	st, _ = Apply(st, mustEnvelope(t, "t-1", 4, protocol.KindError,
		protocol.ErrorPayload{Code: protocol.ErrCodeInstanceReconnected}))
	if st.Status != model.TaskStatusAwaitingApproval {
		t.Errorf("Expected awaiting_approval restored after reconnect, got %s", st.Status)
	}
}

func TestApply_ContextPause(t *testing.T) {
	st := NewState("t-1", nil)
	st, _ = Apply(st, mustEnvelope(t, "t-1", 1, protocol.KindTaskStarted, protocol.TaskStartedPayload{}))
	st, _ = Apply(st, mustEnvelope(t, "t-1", 2, protocol.KindContextRequest,
		protocol.ContextRequestPayload{RequestID: "c-1", Question: "which account?"}))
	if st.Status != model.TaskStatusPaused {
		t.Fatalf("Expected paused, got %s", st.Status)
	}
	st, _ = Apply(st, mustEnvelope(t, "t-1", 3, protocol.KindContextProvided,
		protocol.ContextProvidedPayload{RequestID: "c-1", Response: "the work account"}))
	if st.Status != model.TaskStatusRunning {
		t.Errorf("Expected running after context provided, got %s", st.Status)
	}
}

func TestApply_DeniedApprovalCancels(t *testing.T) {
	st := NewState("t-1", nil)
	st, _ = Apply(st, mustEnvelope(t, "t-1", 1, protocol.KindTaskStarted, protocol.TaskStartedPayload{}))
	st, _ = Apply(st, mustEnvelope(t, "t-1", 2, protocol.KindApprovalRequest,
		protocol.ApprovalRequestPayload{RequestID: "a-1", ActionDescription: "wipe dir", RiskLevel: "high"}))
	st, _ = Apply(st, mustEnvelope(t, "t-1", 3, protocol.KindApprovalResolved,
		protocol.ApprovalResolvedPayload{RequestID: "a-1", Approved: false, Resolver: "alice", Reason: "too risky"}))
	if st.Status != model.TaskStatusCancelled {
		t.Fatalf("Expected cancelled after denial, got %s", st.Status)
	}
	if st.LastError != "too risky" {
		t.Errorf("Expected denial reason recorded, got %q", st.LastError)
	}
}

func TestApply_TimedOutWithRetryStaysGated(t *testing.T) {
	st := NewState("t-1", nil)
	st, _ = Apply(st, mustEnvelope(t, "t-1", 1, protocol.KindTaskStarted, protocol.TaskStartedPayload{}))
	st, _ = Apply(st, mustEnvelope(t, "t-1", 2, protocol.KindApprovalRequest,
		protocol.ApprovalRequestPayload{RequestID: "a-1", ActionDescription: "submit order", RiskLevel: "medium"}))

	// DEFAULT policy: first timeout re-asks with a narrowed action.
	st, _ = Apply(st, mustEnvelope(t, "t-1", 3, protocol.KindApprovalResolved,
		protocol.ApprovalResolvedPayload{RequestID: "a-1", Approved: false, TimedOut: true, Retry: true, Resolver: "policy"}))
	if st.Status != model.TaskStatusAwaitingApproval {
		t.Fatalf("Expected still awaiting after retry timeout, got %s", st.Status)
	}

	st, _ = Apply(st, mustEnvelope(t, "t-1", 4, protocol.KindApprovalRequest,
		protocol.ApprovalRequestPayload{RequestID: "a-2", ActionDescription: "submit order (read-only preview)", RiskLevel: "medium", Narrowed: true}))
	st, _ = Apply(st, mustEnvelope(t, "t-1", 5, protocol.KindApprovalResolved,
		protocol.ApprovalResolvedPayload{RequestID: "a-2", Approved: false, TimedOut: true, Resolver: "policy"}))
	if st.Status != model.TaskStatusCancelled {
		t.Fatalf("Expected cancelled after second timeout, got %s", st.Status)
	}
}

func TestApply_MalformedStartFailsTask(t *testing.T) {
	st := NewState("t-1", nil)
	env := &protocol.Envelope{
		TaskID:    "t-1",
		Sequence:  1,
		Kind:      protocol.KindTaskStarted,
		Payload:   json.RawMessage(`[1,2,3]`),
		Timestamp: time.Now().UTC(),
	}
	st, out := Apply(st, env)
	if !out.Fatal {
		t.Error("Expected fatal outcome for malformed task_started")
	}
	if st.Status != model.TaskStatusFailed {
		t.Errorf("Expected failed, got %s", st.Status)
	}
}

func TestApply_MalformedProgressIsRecoverable(t *testing.T) {
	st := NewState("t-1", seedChecklist())
	st, _ = Apply(st, mustEnvelope(t, "t-1", 1, protocol.KindTaskStarted, protocol.TaskStartedPayload{}))

	env := &protocol.Envelope{
		TaskID:    "t-1",
		Sequence:  2,
		Kind:      protocol.KindScreenshotCaptured,
		Payload:   json.RawMessage(`{"caption":"no path"}`),
		Timestamp: time.Now().UTC(),
	}
	st, out := Apply(st, env)
	if out.Fatal {
		t.Error("Malformed screenshot payload must not be fatal")
	}
	if out.Err == nil {
		t.Error("Expected a payload error to be reported")
	}
	if st.Status != model.TaskStatusRunning {
		t.Errorf("Task should continue running, got %s", st.Status)
	}
	if st.SequenceCursor != 2 {
		t.Errorf("Cursor must advance past the bad event, got %d", st.SequenceCursor)
	}
}

func TestReduce_MatchesLiveApplication(t *testing.T) {
	// Event-sourcing consistency: replaying the stream reconstructs the
	// same final status, checklist and artifacts as live application.
	events := []*protocol.Envelope{
		mustEnvelope(t, "t-1", 1, protocol.KindTaskStarted, protocol.TaskStartedPayload{}),
		mustEnvelope(t, "t-1", 2, protocol.KindStepProgress, protocol.StepProgressPayload{StepIndex: 0, Status: "completed"}),
		mustEnvelope(t, "t-1", 3, protocol.KindScreenshotCaptured, protocol.ScreenshotCapturedPayload{ArtifactPath: "/a/1.png"}),
		mustEnvelope(t, "t-1", 4, protocol.KindApprovalRequest, protocol.ApprovalRequestPayload{RequestID: "a-1", ActionDescription: "x", RiskLevel: "medium"}),
		mustEnvelope(t, "t-1", 5, protocol.KindApprovalResolved, protocol.ApprovalResolvedPayload{RequestID: "a-1", Approved: true}),
		mustEnvelope(t, "t-1", 6, protocol.KindStepProgress, protocol.StepProgressPayload{StepIndex: 1, Status: "completed"}),
		mustEnvelope(t, "t-1", 7, protocol.KindTaskCompleted, protocol.TaskCompletedPayload{Result: "done"}),
	}

	live := NewState("t-1", seedChecklist())
	for _, env := range events {
		live, _ = Apply(live, env)
	}

	replayed := Reduce("t-1", seedChecklist(), events)

	if live.Status != replayed.Status {
		t.Errorf("Status diverged: live=%s replayed=%s", live.Status, replayed.Status)
	}
	if live.SequenceCursor != replayed.SequenceCursor {
		t.Errorf("Cursor diverged: live=%d replayed=%d", live.SequenceCursor, replayed.SequenceCursor)
	}
	liveDone, _ := live.Progress()
	replayDone, _ := replayed.Progress()
	if liveDone != replayDone {
		t.Errorf("Checklist diverged: live=%d replayed=%d", liveDone, replayDone)
	}
	if len(live.Artifacts) != len(replayed.Artifacts) {
		t.Errorf("Artifacts diverged: live=%d replayed=%d", len(live.Artifacts), len(replayed.Artifacts))
	}
}

func TestMemoryStore_EventOrdering(t *testing.T) {
	s := NewMemoryStore()
	if err := s.CreateTask(&model.Task{ID: "t-1", InstanceID: "vm-1", Status: model.TaskStatusRunning}); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	for seq := int64(1); seq <= 5; seq++ {
		env := mustEnvelope(t, "t-1", seq, protocol.KindHeartbeat, protocol.HeartbeatPayload{})
		if err := s.AppendEvent(RecordFromEnvelope(env)); err != nil {
			t.Fatalf("AppendEvent(%d) failed: %v", seq, err)
		}
	}

	// Duplicate sequence rejected
	dup := mustEnvelope(t, "t-1", 3, protocol.KindHeartbeat, protocol.HeartbeatPayload{})
	if err := s.AppendEvent(RecordFromEnvelope(dup)); err != ErrDuplicateEvent {
		t.Errorf("Expected ErrDuplicateEvent, got %v", err)
	}

	events, err := s.ListEvents("t-1", 2, 0)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events after seq 2, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Sequence != int64(3+i) {
			t.Errorf("Out of order: position %d has sequence %d", i, ev.Sequence)
		}
	}

	latest, err := s.LatestSequence("t-1")
	if err != nil || latest != 5 {
		t.Errorf("LatestSequence = %d, %v; want 5", latest, err)
	}
}
