package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"go_bridge/internal/model"
	"go_bridge/internal/policy"
	"go_bridge/internal/protocol"
	"go_bridge/internal/task"
	"go_bridge/internal/tools"
)

// taskRuntime is the in-memory side of one task: its folded state, the next
// sequence to assign, and the live subscribers. All event handling for a task
// happens under its mutex, which is what makes replay-then-live subscription
// gapless.
type taskRuntime struct {
	mu         sync.Mutex
	state      task.State
	profile    policy.Profile
	instanceID string
	lastSeq    int64 // highest sequence assigned, >= state.SequenceCursor
	subs       map[string]chan *protocol.Envelope
}

// runtime returns the task's runtime, loading it from the store on first use
func (b *Bridge) runtime(taskID string) (*taskRuntime, error) {
	b.mu.Lock()
	if rt, ok := b.runtimes[taskID]; ok {
		b.mu.Unlock()
		return rt, nil
	}
	b.mu.Unlock()

	t, err := b.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	recs, err := b.store.ListEvents(taskID, 0, 0)
	if err != nil {
		return nil, err
	}

	var checklist []protocol.ChecklistStep
	if len(t.Checklist) > 0 {
		_ = json.Unmarshal(t.Checklist, &checklist)
	}
	events := make([]*protocol.Envelope, 0, len(recs))
	for _, rec := range recs {
		events = append(events, task.EnvelopeFromRecord(rec))
	}
	st := task.Reduce(taskID, checklist, events)
	if st.Status == model.TaskStatusCreated && t.Status == model.TaskStatusConnecting {
		// Dispatch happened before any event arrived.
		st.Status = model.TaskStatusConnecting
	}

	var lastSeq int64
	if len(events) > 0 {
		lastSeq = events[len(events)-1].Sequence
	}

	rt := &taskRuntime{
		state:      st,
		profile:    policy.ParseProfile(string(t.PolicyProfile)),
		instanceID: t.InstanceID,
		lastSeq:    lastSeq,
		subs:       make(map[string]chan *protocol.Envelope),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.runtimes[taskID]; ok {
		return existing, nil
	}
	b.runtimes[taskID] = rt
	return rt, nil
}

// HandleInstanceEvent processes one event reported by an instance. The bridge
// owns sequence assignment: whatever sequence the instance sent is replaced
// with the next one in the task's stream before persisting and folding.
func (b *Bridge) HandleInstanceEvent(instanceID string, epoch uint64, env *protocol.Envelope) error {
	if !b.registry.ValidEpoch(instanceID, epoch) {
		b.logger.Warnf("Dropping event %s for task %s from stale epoch %d of instance %s",
			env.Kind, env.TaskID, epoch, instanceID)
		return nil
	}

	if env.Kind == protocol.KindHeartbeat {
		if err := b.registry.Heartbeat(instanceID); err != nil {
			b.logger.Warnf("Heartbeat from unregistered instance %s", instanceID)
		}
	}

	rt, err := b.runtime(env.TaskID)
	if err != nil {
		return err
	}
	if rt.instanceID != instanceID {
		b.logger.Warnf("Instance %s reported event for task %s bound to %s, dropping",
			instanceID, env.TaskID, rt.instanceID)
		return nil
	}

	rt.mu.Lock()
	out, err := b.append(rt, env)
	if err != nil {
		rt.mu.Unlock()
		return err
	}
	if out.Err != nil && !out.Fatal {
		// Record the bad payload on the stream; the task keeps running.
		b.appendSynthetic(rt, env.TaskID, protocol.KindError, protocol.ErrorPayload{
			Code:    protocol.ErrCodeMalformedPayload,
			Message: out.Err.Error(),
		})
	}
	if err := b.store.SaveProjection(env.TaskID, rt.state); err != nil {
		b.logger.Errorf("Failed to save projection for task %s: %v", env.TaskID, err)
	}
	terminal := model.TerminalStatus(rt.state.Status)
	rt.mu.Unlock()

	if terminal {
		b.closeOpenApproval(env.TaskID, "task finished before a decision")
		return nil
	}
	if out.Applied && out.Err == nil && env.Kind == protocol.KindToolCallRequested {
		b.interceptToolCall(rt, env)
	}
	return nil
}

// append assigns the next sequence, persists the event, folds it and fans it
// out. Caller holds rt.mu.
func (b *Bridge) append(rt *taskRuntime, env *protocol.Envelope) (task.Outcome, error) {
	env.Sequence = rt.lastSeq + 1
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if err := b.store.AppendEvent(task.RecordFromEnvelope(env)); err != nil {
		if errors.Is(err, task.ErrDuplicateEvent) {
			// Another writer raced us; resync from storage.
			latest, lerr := b.store.LatestSequence(env.TaskID)
			if lerr != nil {
				return task.Outcome{}, lerr
			}
			rt.lastSeq = latest
			env.Sequence = rt.lastSeq + 1
			if err := b.store.AppendEvent(task.RecordFromEnvelope(env)); err != nil {
				return task.Outcome{}, err
			}
		} else {
			return task.Outcome{}, err
		}
	}
	rt.lastSeq = env.Sequence

	var out task.Outcome
	rt.state, out = task.Apply(rt.state, env)
	b.fanOut(rt, env)
	return out, nil
}

// appendSynthetic appends a bridge-originated event. Caller holds rt.mu.
// Errors are logged, not returned; a failed synthetic write must not take
// down the event path.
func (b *Bridge) appendSynthetic(rt *taskRuntime, taskID string, kind protocol.Kind, payload any) {
	env, err := protocol.New(taskID, kind, payload)
	if err != nil {
		b.logger.Errorf("Failed to build %s event for task %s: %v", kind, taskID, err)
		return
	}
	if _, err := b.append(rt, env); err != nil {
		b.logger.Errorf("Failed to append %s event for task %s: %v", kind, taskID, err)
	}
}

// Inject appends a bridge-originated event to a task's stream and saves the
// projection. Used by the service layer and the janitor.
func (b *Bridge) Inject(taskID string, kind protocol.Kind, payload any) error {
	rt, err := b.runtime(taskID)
	if err != nil {
		return err
	}
	env, err := protocol.New(taskID, kind, payload)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	if _, err := b.append(rt, env); err != nil {
		rt.mu.Unlock()
		return err
	}
	saveErr := b.store.SaveProjection(taskID, rt.state)
	terminal := model.TerminalStatus(rt.state.Status)
	rt.mu.Unlock()

	if terminal {
		b.closeOpenApproval(taskID, "task finished before a decision")
	}
	return saveErr
}

// fanOut delivers an event to all live subscribers. A subscriber whose
// buffer is full gets evicted rather than blocking the event path.
// Caller holds rt.mu.
func (b *Bridge) fanOut(rt *taskRuntime, env *protocol.Envelope) {
	for id, ch := range rt.subs {
		select {
		case ch <- env:
		default:
			b.logger.Warnf("Evicting slow subscriber %s of task %s", id, env.TaskID)
			delete(rt.subs, id)
			close(ch)
		}
	}
}

// Subscription is one live event feed for a task
type Subscription struct {
	ID     string
	Replay []*protocol.Envelope
	Live   <-chan *protocol.Envelope
	cancel func()
}

// Close detaches the subscriber
func (s *Subscription) Close() {
	s.cancel()
}

// Subscribe attaches a subscriber to a task's event stream. Events with
// sequence > afterSeq that are already persisted come back in Replay; every
// later event arrives on Live. Replay snapshot and live registration happen
// under the task lock, so no event is missed or duplicated across the
// boundary.
func (b *Bridge) Subscribe(taskID string, afterSeq int64) (*Subscription, error) {
	rt, err := b.runtime(taskID)
	if err != nil {
		return nil, err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	recs, err := b.store.ListEvents(taskID, afterSeq, 0)
	if err != nil {
		return nil, err
	}
	replay := make([]*protocol.Envelope, 0, len(recs))
	for _, rec := range recs {
		replay = append(replay, task.EnvelopeFromRecord(rec))
	}

	id := uuid.NewString()
	ch := make(chan *protocol.Envelope, b.cfg.SubscriberBuffer)
	rt.subs[id] = ch

	return &Subscription{
		ID:     id,
		Replay: replay,
		Live:   ch,
		cancel: func() {
			rt.mu.Lock()
			defer rt.mu.Unlock()
			if c, ok := rt.subs[id]; ok {
				delete(rt.subs, id)
				close(c)
			}
		},
	}, nil
}

// interceptToolCall runs the policy gate for a tool call the instance asked
// for. Allowed calls are invoked right away; gated ones open an approval
// request; denied ones come back as an error result.
func (b *Bridge) interceptToolCall(rt *taskRuntime, env *protocol.Envelope) {
	var p protocol.ToolCallRequestedPayload
	if err := env.DecodePayload(&p); err != nil {
		return
	}
	taskID := env.TaskID

	srv, tool, err := b.tools.Resolve(p.ServerID, p.ToolName)
	if err != nil {
		code := protocol.ErrCodeUnknownTool
		if errors.Is(err, tools.ErrToolDisabled) {
			code = protocol.ErrCodeToolDisabled
		}
		b.failToolCall(rt, taskID, p, code, err.Error())
		return
	}

	action := policy.Action{
		ToolName:    p.ToolName,
		RiskLevel:   policy.ParseRiskLevel(p.RiskLevel),
		Description: p.ActionDescription,
	}
	// The worker may flag the call itself; the policy engine has the final
	// say and can only tighten, never loosen.
	decision := b.policy.Decide(rt.profile, action)
	if decision == policy.Allow && p.RequiresApproval {
		decision = policy.RequireApproval
	}

	switch decision {
	case policy.RequireApproval:
		b.openApproval(rt, taskID, p, action)
	case policy.Allow:
		go b.invokeTool(taskID, srv, tool, p)
	}
}

// failToolCall records a failed tool call as error + result events.
// Takes rt.mu.
func (b *Bridge) failToolCall(rt *taskRuntime, taskID string, p protocol.ToolCallRequestedPayload, code, msg string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	b.appendSynthetic(rt, taskID, protocol.KindError, protocol.ErrorPayload{Code: code, Message: msg})
	b.appendSynthetic(rt, taskID, protocol.KindToolCallResult, protocol.ToolCallResultPayload{
		ToolCallID: p.ToolCallID,
		ToolName:   p.ToolName,
		Error:      msg,
	})
	if err := b.store.SaveProjection(taskID, rt.state); err != nil {
		b.logger.Errorf("Failed to save projection for task %s: %v", taskID, err)
	}
}

// openApproval creates the approval request for a gated tool call. A task
// has at most one open request; a second ask while one is pending is
// answered with an error result instead.
func (b *Bridge) openApproval(rt *taskRuntime, taskID string, p protocol.ToolCallRequestedPayload, action policy.Action) {
	open, err := b.store.OpenApproval(taskID)
	if err != nil {
		b.logger.Errorf("Failed to query open approval for task %s: %v", taskID, err)
		return
	}
	if open != nil {
		b.failToolCall(rt, taskID, p, protocol.ErrCodeDuplicateApproval,
			"an approval request is already pending for this task")
		return
	}

	req := &model.ApprovalRequest{
		ID:                uuid.NewString(),
		TaskID:            taskID,
		ToolCallID:        p.ToolCallID,
		ToolName:          p.ToolName,
		ActionDescription: action.Description,
		Parameters:        datatypes.JSON(p.Arguments),
		RiskLevel:         string(action.RiskLevel),
		Status:            model.ApprovalStatusPending,
		RequestedAt:       time.Now().UTC(),
	}
	if req.ActionDescription == "" {
		req.ActionDescription = "invoke tool " + p.ToolName
	}
	if err := b.store.CreateApproval(req); err != nil {
		b.logger.Errorf("Failed to create approval request for task %s: %v", taskID, err)
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	b.appendSynthetic(rt, taskID, protocol.KindApprovalRequest, protocol.ApprovalRequestPayload{
		RequestID:         req.ID,
		ToolCallID:        req.ToolCallID,
		ToolName:          req.ToolName,
		ActionDescription: req.ActionDescription,
		RiskLevel:         string(req.RiskLevel),
	})
	if err := b.store.SaveProjection(taskID, rt.state); err != nil {
		b.logger.Errorf("Failed to save projection for task %s: %v", taskID, err)
	}
}

// invokeTool calls a registered tool server and records the result on the
// task's stream. Runs in its own goroutine.
func (b *Bridge) invokeTool(taskID string, srv *model.ToolServer, tool *model.Tool, p protocol.ToolCallRequestedPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ToolInvokeTimeout)
	defer cancel()

	started := time.Now()
	result, err := b.invoker.Invoke(ctx, srv, tool, taskID, p.Arguments)
	payload := protocol.ToolCallResultPayload{
		ToolCallID: p.ToolCallID,
		ToolName:   p.ToolName,
		DurationMs: time.Since(started).Milliseconds(),
	}
	if err != nil {
		payload.Error = err.Error()
	} else {
		payload.Result = result
	}
	if err := b.Inject(taskID, protocol.KindToolCallResult, payload); err != nil {
		b.logger.Errorf("Failed to record tool result for task %s: %v", taskID, err)
	}
}
