package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"go_bridge/internal/model"
	"go_bridge/internal/policy"
	"go_bridge/internal/protocol"
	"go_bridge/internal/registry"
	"go_bridge/internal/task"
	"go_bridge/internal/tools"
)

// Service errors
var (
	ErrApprovalClosed = errors.New("approval request already resolved")
	ErrTaskTerminal   = errors.New("task already finished")
	ErrNotPaused      = errors.New("task is not waiting for context")
)

// Config tunes the bridge's timing behavior
type Config struct {
	// DisconnectGrace is how long a disconnected instance may stay silent
	// before its active tasks fail as unreachable.
	DisconnectGrace time.Duration
	// CancelGrace is how long a cancelled task's worker gets to acknowledge
	// before the bridge finalizes the cancellation itself.
	CancelGrace time.Duration
	// ToolInvokeTimeout bounds one registered tool invocation.
	ToolInvokeTimeout time.Duration
	// SubscriberBuffer is the per-subscriber event channel capacity.
	SubscriberBuffer int
	// MaxPendingCommands bounds the per-instance command buffer held while
	// the instance is disconnected. Oldest commands are dropped first.
	MaxPendingCommands int
	// WakeBackoffBase and WakeBackoffMax bound the delays between wake
	// attempts toward a disconnected instance.
	WakeBackoffBase time.Duration
	WakeBackoffMax  time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		DisconnectGrace:    120 * time.Second,
		CancelGrace:        10 * time.Second,
		ToolInvokeTimeout:  30 * time.Second,
		SubscriberBuffer:   64,
		MaxPendingCommands: 256,
		WakeBackoffBase:    time.Second,
		WakeBackoffMax:     30 * time.Second,
	}
}

// Bridge connects the control plane to remote automation instances. It owns
// the per-task event streams, the policy gate on tool calls, and command
// delivery back to instances.
type Bridge struct {
	store    task.Store
	registry *registry.Registry
	tools    *tools.Registry
	invoker  tools.Invoker
	policy   *policy.Engine
	logger   *logrus.Entry
	cfg      Config
	waker    Waker

	mu          sync.Mutex
	conns       map[string]*connState
	runtimes    map[string]*taskRuntime
	graceTimers map[string]*time.Timer // instance id -> disconnect grace
	wakeCancels map[string]context.CancelFunc
}

// New creates a bridge
func New(store task.Store, reg *registry.Registry, toolReg *tools.Registry, invoker tools.Invoker, eng *policy.Engine, logger *logrus.Logger, cfg Config) *Bridge {
	def := DefaultConfig()
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = def.DisconnectGrace
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = def.CancelGrace
	}
	if cfg.ToolInvokeTimeout <= 0 {
		cfg.ToolInvokeTimeout = def.ToolInvokeTimeout
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}
	if cfg.MaxPendingCommands <= 0 {
		cfg.MaxPendingCommands = def.MaxPendingCommands
	}
	if cfg.WakeBackoffBase <= 0 {
		cfg.WakeBackoffBase = def.WakeBackoffBase
	}
	if cfg.WakeBackoffMax <= 0 {
		cfg.WakeBackoffMax = def.WakeBackoffMax
	}
	return &Bridge{
		store:       store,
		registry:    reg,
		tools:       toolReg,
		invoker:     invoker,
		policy:      eng,
		logger:      logger.WithField("component", "bridge"),
		cfg:         cfg,
		conns:       make(map[string]*connState),
		runtimes:    make(map[string]*taskRuntime),
		graceTimers: make(map[string]*time.Timer),
		wakeCancels: make(map[string]context.CancelFunc),
	}
}

// CreateTaskRequest describes a new task
type CreateTaskRequest struct {
	OwnerPrincipal    string
	Description       string
	Checklist         []protocol.ChecklistStep
	PolicyProfile     string
	Capability        string
	MaxRuntimeMinutes int
}

// CreateTask picks an available instance, persists the task and dispatches
// it. The task starts in CREATED and moves to CONNECTING once the dispatch
// command is on its way.
func (b *Bridge) CreateTask(req CreateTaskRequest) (*model.Task, error) {
	inst, err := b.registry.FindAvailable(req.Capability)
	if err != nil {
		return nil, err
	}

	profile := policy.ParseProfile(req.PolicyProfile)
	checklist, err := json.Marshal(req.Checklist)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checklist: %w", err)
	}

	t := &model.Task{
		ID:                uuid.NewString(),
		OwnerPrincipal:    req.OwnerPrincipal,
		InstanceID:        inst.ID,
		Description:       req.Description,
		PolicyProfile:     string(profile),
		Status:            model.TaskStatusCreated,
		Checklist:         datatypes.JSON(checklist),
		MaxRuntimeMinutes: req.MaxRuntimeMinutes,
	}
	if err := b.store.CreateTask(t); err != nil {
		return nil, err
	}

	rt := &taskRuntime{
		state:      task.NewState(t.ID, req.Checklist),
		profile:    profile,
		instanceID: inst.ID,
		subs:       make(map[string]chan *protocol.Envelope),
	}
	b.mu.Lock()
	b.runtimes[t.ID] = rt
	b.mu.Unlock()

	b.sendCommand(inst.ID, &Command{
		Type:   CommandTaskDispatch,
		TaskID: t.ID,
		Data: map[string]any{
			"description":    req.Description,
			"checklist":      req.Checklist,
			"policy_profile": string(profile),
		},
	})

	// CONNECTING is the only transition set outside the fold: it marks the
	// dispatch itself, before the instance has produced any event.
	rt.mu.Lock()
	rt.state.Status = model.TaskStatusConnecting
	err = b.store.SaveProjection(t.ID, rt.state)
	rt.mu.Unlock()
	if err != nil {
		b.logger.Errorf("Failed to mark task %s connecting: %v", t.ID, err)
	}
	t.Status = model.TaskStatusConnecting
	return t, nil
}

// sendCommand delivers a command to an instance, or buffers it while the
// instance is disconnected. Buffered commands flush on reconnect.
func (b *Bridge) sendCommand(instanceID string, cmd *Command) {
	b.mu.Lock()
	cs, ok := b.conns[instanceID]
	if !ok {
		cs = &connState{}
		b.conns[instanceID] = cs
	}
	if cs.conn == nil {
		cs.pending = append(cs.pending, cmd)
		if len(cs.pending) > b.cfg.MaxPendingCommands {
			dropped := cs.pending[0]
			cs.pending = cs.pending[1:]
			b.logger.Warnf("Command buffer full for instance %s, dropping %s", instanceID, dropped.Type)
		}
		b.mu.Unlock()
		return
	}
	conn, epoch := cs.conn, cs.epoch
	b.mu.Unlock()

	if !b.registry.ValidEpoch(instanceID, epoch) {
		b.logger.Warnf("Dropping %s command for instance %s: stale epoch %d", cmd.Type, instanceID, epoch)
		return
	}
	cmd.Epoch = epoch
	if err := conn.Send(cmd); err != nil {
		b.logger.Errorf("Failed to send %s to instance %s: %v", cmd.Type, instanceID, err)
	}
}

// HandleInstanceConnect binds a fresh connection to an instance and returns
// the connection epoch it holds. Any previous connection is superseded:
// commands in flight under older epochs are dropped at send time.
func (b *Bridge) HandleInstanceConnect(instanceID string, conn InstanceConn) (uint64, error) {
	epoch, err := b.registry.ClaimEpoch(instanceID)
	if err != nil {
		return 0, err
	}
	if err := b.registry.MarkOnline(instanceID); err != nil {
		return 0, err
	}
	b.stopWakeLoop(instanceID)

	b.mu.Lock()
	if timer, ok := b.graceTimers[instanceID]; ok {
		timer.Stop()
		delete(b.graceTimers, instanceID)
	}
	cs, ok := b.conns[instanceID]
	if !ok {
		cs = &connState{}
		b.conns[instanceID] = cs
	}
	if cs.conn != nil {
		_ = cs.conn.Close()
	}
	cs.conn = conn
	cs.epoch = epoch
	pending := cs.pending
	cs.pending = nil
	b.mu.Unlock()

	b.logger.Infof("Instance %s connected with epoch %d, %d buffered commands", instanceID, epoch, len(pending))

	active, err := b.store.ActiveTasksByInstance(instanceID)
	if err != nil {
		b.logger.Errorf("Failed to list active tasks for instance %s: %v", instanceID, err)
		active = nil
	}

	// Restore every interrupted task and ask the worker to resend whatever
	// the bridge has not recorded yet.
	for _, t := range active {
		if t.StartedAt != nil {
			if err := b.Inject(t.ID, protocol.KindError, protocol.ErrorPayload{
				Code:    protocol.ErrCodeInstanceReconnected,
				Message: "instance reconnected",
			}); err != nil {
				b.logger.Errorf("Failed to record reconnect on task %s: %v", t.ID, err)
			}
		}
		latest, err := b.store.LatestSequence(t.ID)
		if err != nil {
			b.logger.Errorf("Failed to read latest sequence for task %s: %v", t.ID, err)
			continue
		}
		b.sendCommand(instanceID, &Command{
			Type:   CommandTaskResume,
			TaskID: t.ID,
			Data:   map[string]any{"last_sequence": latest},
		})
	}

	for _, cmd := range pending {
		if b.taskFinished(cmd.TaskID) {
			continue
		}
		b.sendCommand(instanceID, cmd)
	}
	return epoch, nil
}

func (b *Bridge) taskFinished(taskID string) bool {
	if taskID == "" {
		return false
	}
	t, err := b.store.GetTask(taskID)
	if err != nil {
		return false
	}
	return t.IsTerminal()
}

// HandleInstanceDisconnect records a dropped connection. Active tasks move
// to CONNECTING; if the instance stays away past the grace period they fail
// as unreachable.
func (b *Bridge) HandleInstanceDisconnect(instanceID string) {
	b.handleDisconnect(instanceID, true)
}

// HandleInstanceLost handles an instance that went silent without a clean
// disconnect, after the heartbeat sweeper already marked it offline. The
// registry status is left alone; only the task side runs.
func (b *Bridge) HandleInstanceLost(instanceID string) {
	b.handleDisconnect(instanceID, false)
}

func (b *Bridge) handleDisconnect(instanceID string, markConnecting bool) {
	if markConnecting {
		if err := b.registry.MarkConnecting(instanceID); err != nil {
			b.logger.Warnf("Disconnect from unregistered instance %s", instanceID)
			return
		}
	} else if _, err := b.registry.Get(instanceID); err != nil {
		b.logger.Warnf("Disconnect from unregistered instance %s", instanceID)
		return
	}

	b.mu.Lock()
	if cs, ok := b.conns[instanceID]; ok {
		cs.conn = nil
	}
	b.mu.Unlock()

	b.logger.Infof("Instance %s disconnected, grace period %s", instanceID, b.cfg.DisconnectGrace)

	active, err := b.store.ActiveTasksByInstance(instanceID)
	if err != nil {
		b.logger.Errorf("Failed to list active tasks for instance %s: %v", instanceID, err)
	}
	for _, t := range active {
		if err := b.Inject(t.ID, protocol.KindError, protocol.ErrorPayload{
			Code:    protocol.ErrCodeInstanceDisconnected,
			Message: "instance connection lost",
		}); err != nil {
			b.logger.Errorf("Failed to record disconnect on task %s: %v", t.ID, err)
		}
	}

	b.mu.Lock()
	if timer, ok := b.graceTimers[instanceID]; ok {
		timer.Stop()
	}
	b.graceTimers[instanceID] = time.AfterFunc(b.cfg.DisconnectGrace, func() {
		b.expireInstance(instanceID)
	})
	b.mu.Unlock()

	b.startWakeLoop(instanceID)
}

// expireInstance fails an instance's active tasks after the disconnect grace
// period ran out without a reconnect.
func (b *Bridge) expireInstance(instanceID string) {
	b.mu.Lock()
	delete(b.graceTimers, instanceID)
	b.mu.Unlock()
	b.stopWakeLoop(instanceID)

	if err := b.registry.MarkOffline(instanceID); err != nil {
		return
	}
	b.logger.Warnf("Instance %s unreachable past grace period, failing active tasks", instanceID)

	active, err := b.store.ActiveTasksByInstance(instanceID)
	if err != nil {
		b.logger.Errorf("Failed to list active tasks for instance %s: %v", instanceID, err)
		return
	}
	for _, t := range active {
		if err := b.Inject(t.ID, protocol.KindError, protocol.ErrorPayload{
			Code:    protocol.ErrCodeInstanceUnreachable,
			Message: "instance unreachable past grace period",
		}); err != nil {
			b.logger.Errorf("Failed to fail task %s: %v", t.ID, err)
		}
	}
}

// CancelTask asks the worker to stop a task. If the worker does not confirm
// within the cancel grace period the bridge finalizes the cancellation.
func (b *Bridge) CancelTask(taskID, principal, reason string) error {
	t, err := b.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if t.IsTerminal() {
		return ErrTaskTerminal
	}

	// An open approval gate is moot once cancellation is underway.
	b.closeOpenApproval(taskID, "task cancelled")

	b.sendCommand(t.InstanceID, &Command{
		Type:   CommandTaskCancel,
		TaskID: taskID,
		Data:   map[string]any{"reason": reason},
	})

	time.AfterFunc(b.cfg.CancelGrace, func() {
		cur, err := b.store.GetTask(taskID)
		if err != nil || cur.IsTerminal() {
			return
		}
		if err := b.Inject(taskID, protocol.KindTaskCancelled, protocol.TaskCancelledPayload{
			CancelledBy: principal,
			Reason:      reason,
		}); err != nil {
			b.logger.Errorf("Failed to finalize cancel of task %s: %v", taskID, err)
		}
	})
	return nil
}

// ProvideContext answers a paused task's context request and resumes it
func (b *Bridge) ProvideContext(taskID, requestID, response string) error {
	rt, err := b.runtime(taskID)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	paused := rt.state.Status == model.TaskStatusPaused
	instanceID := rt.instanceID
	rt.mu.Unlock()
	if !paused {
		return ErrNotPaused
	}

	payload := protocol.ContextProvidedPayload{RequestID: requestID, Response: response}
	if err := b.Inject(taskID, protocol.KindContextProvided, payload); err != nil {
		return err
	}
	b.sendCommand(instanceID, &Command{
		Type:   CommandContextProvided,
		TaskID: taskID,
		Data:   payload,
	})
	return nil
}

// closeOpenApproval closes a task's pending approval request once the task
// can no longer act on a decision. Nobody resolved it, so it is recorded as
// cancelled rather than approved or denied.
func (b *Bridge) closeOpenApproval(taskID, reason string) {
	req, err := b.store.OpenApproval(taskID)
	if err != nil {
		b.logger.Errorf("Failed to query open approval for task %s: %v", taskID, err)
		return
	}
	if req == nil {
		return
	}
	now := time.Now().UTC()
	req.Status = model.ApprovalStatusCancelled
	req.ResolvedAt = &now
	req.ResolverPrincipal = "system"
	req.Reason = reason
	if err := b.store.UpdateApproval(req); err != nil {
		b.logger.Errorf("Failed to close approval %s for task %s: %v", req.ID, taskID, err)
		return
	}
	b.logger.Infof("Closed approval %s on task %s: %s", req.ID, taskID, reason)
}

// ResolveApproval applies a human decision to a pending approval request.
// The decision is recorded on the task's stream and relayed to the worker;
// approvals of calls on registered tool servers also trigger the invocation.
func (b *Bridge) ResolveApproval(requestID, principal string, approved bool, reason string) error {
	req, err := b.store.GetApproval(requestID)
	if err != nil {
		return err
	}
	if !req.Open() {
		return ErrApprovalClosed
	}
	t, err := b.store.GetTask(req.TaskID)
	if err != nil {
		return err
	}
	if t.IsTerminal() {
		return ErrTaskTerminal
	}

	now := time.Now().UTC()
	if approved {
		req.Status = model.ApprovalStatusApproved
	} else {
		req.Status = model.ApprovalStatusDenied
	}
	req.ResolvedAt = &now
	req.ResolverPrincipal = principal
	req.Reason = reason
	if err := b.store.UpdateApproval(req); err != nil {
		return err
	}

	payload := protocol.ApprovalResolvedPayload{
		RequestID: requestID,
		Approved:  approved,
		Resolver:  principal,
		Reason:    reason,
	}
	if err := b.Inject(req.TaskID, protocol.KindApprovalResolved, payload); err != nil {
		return err
	}

	rt, err := b.runtime(req.TaskID)
	if err != nil {
		return err
	}
	b.sendCommand(rt.instanceID, &Command{
		Type:   CommandApprovalResolved,
		TaskID: req.TaskID,
		Data:   payload,
	})

	if approved && req.ToolCallID != "" {
		srv, tool, err := b.tools.Resolve("", req.ToolName)
		if err == nil {
			go b.invokeTool(req.TaskID, srv, tool, protocol.ToolCallRequestedPayload{
				ToolCallID: req.ToolCallID,
				ToolName:   req.ToolName,
				Arguments:  json.RawMessage(req.Parameters),
			})
		}
	}
	return nil
}

// GetTask returns the stored task row
func (b *Bridge) GetTask(taskID string) (*model.Task, error) {
	return b.store.GetTask(taskID)
}

// ListEvents returns a task's persisted events after the given sequence
func (b *Bridge) ListEvents(taskID string, afterSeq int64, limit int) ([]*protocol.Envelope, error) {
	if _, err := b.store.GetTask(taskID); err != nil {
		return nil, err
	}
	recs, err := b.store.ListEvents(taskID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*protocol.Envelope, 0, len(recs))
	for _, rec := range recs {
		out = append(out, task.EnvelopeFromRecord(rec))
	}
	return out, nil
}

// OpenApprovalForTask returns the task's pending approval request, if any
func (b *Bridge) OpenApprovalForTask(taskID string) (*model.ApprovalRequest, error) {
	return b.store.OpenApproval(taskID)
}

// ListOpenApprovals returns all pending approval requests
func (b *Bridge) ListOpenApprovals() ([]*model.ApprovalRequest, error) {
	return b.store.ListOpenApprovals()
}
