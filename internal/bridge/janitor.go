package bridge

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"go_bridge/internal/model"
	"go_bridge/internal/policy"
	"go_bridge/internal/protocol"
)

// Janitor enforces the time limits the event path cannot: approval requests
// that nobody answered and tasks that ran past their runtime budget.
type Janitor struct {
	ctx    context.Context
	cancel context.CancelFunc
	bridge *Bridge
	logger *logrus.Entry

	interval       time.Duration
	timeouts       map[policy.Profile]time.Duration
	retryOnTimeout bool
}

// JanitorConfig holds the janitor's dependencies and tuning
type JanitorConfig struct {
	Bridge      *Bridge
	Logger      *logrus.Logger
	IntervalSec int
	// Per-profile approval timeouts in seconds. Zero disables the timeout
	// for that profile, leaving its requests open until someone decides.
	StrictTimeoutSec     int
	DefaultTimeoutSec    int
	UnattendedTimeoutSec int
	// RetryOnTimeout re-asks once with a narrowed action under the DEFAULT
	// profile instead of cancelling on the first timeout.
	RetryOnTimeout bool
}

// NewJanitor creates the timeout worker
func NewJanitor(cfg JanitorConfig) *Janitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Janitor{
		ctx:    ctx,
		cancel: cancel,
		bridge: cfg.Bridge,
		logger: cfg.Logger.WithField("component", "janitor"),
		interval: time.Duration(cfg.IntervalSec) * time.Second,
		timeouts: map[policy.Profile]time.Duration{
			policy.ProfileStrict:     time.Duration(cfg.StrictTimeoutSec) * time.Second,
			policy.ProfileDefault:    time.Duration(cfg.DefaultTimeoutSec) * time.Second,
			policy.ProfileUnattended: time.Duration(cfg.UnattendedTimeoutSec) * time.Second,
		},
		retryOnTimeout: cfg.RetryOnTimeout,
	}
}

// Start begins the periodic sweeps
func (j *Janitor) Start() {
	j.logger.Info("Starting janitor...")
	ticker := time.NewTicker(j.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				j.sweepApprovals()
				j.sweepRuntimes()
			case <-j.ctx.Done():
				j.logger.Info("Stopping janitor...")
				return
			}
		}
	}()
}

// Stop gracefully stops the janitor
func (j *Janitor) Stop() {
	j.cancel()
}

func (j *Janitor) sweepApprovals() {
	open, err := j.bridge.store.ListOpenApprovals()
	if err != nil {
		j.logger.Errorf("Failed to list open approvals: %v", err)
		return
	}
	now := time.Now().UTC()
	for _, req := range open {
		t, err := j.bridge.store.GetTask(req.TaskID)
		if err != nil {
			j.logger.Errorf("Failed to load task %s for approval %s: %v", req.TaskID, req.ID, err)
			continue
		}
		// A request left open on a finished task cannot be acted on anymore.
		if t.IsTerminal() {
			j.bridge.closeOpenApproval(req.TaskID, "task finished before a decision")
			continue
		}
		timeout := j.timeouts[policy.ParseProfile(t.PolicyProfile)]
		if timeout <= 0 || now.Sub(req.RequestedAt) < timeout {
			continue
		}
		j.timeoutApproval(t, req, now)
	}
}

func (j *Janitor) timeoutApproval(t *model.Task, req *model.ApprovalRequest, now time.Time) {
	req.Status = model.ApprovalStatusTimedOut
	req.ResolvedAt = &now
	req.ResolverPrincipal = "policy"
	if err := j.bridge.store.UpdateApproval(req); err != nil {
		j.logger.Errorf("Failed to close approval %s: %v", req.ID, err)
		return
	}

	retry := j.retryOnTimeout &&
		policy.ParseProfile(t.PolicyProfile) == policy.ProfileDefault &&
		!req.Retried

	if err := j.bridge.Inject(req.TaskID, protocol.KindApprovalResolved, protocol.ApprovalResolvedPayload{
		RequestID: req.ID,
		Approved:  false,
		TimedOut:  true,
		Retry:     retry,
		Resolver:  "policy",
	}); err != nil {
		j.logger.Errorf("Failed to record approval timeout on task %s: %v", req.TaskID, err)
		return
	}

	if !retry {
		j.logger.Infof("Approval %s on task %s timed out, task cancelled", req.ID, req.TaskID)
		return
	}

	// Re-ask once with a narrowed action before giving up.
	next := &model.ApprovalRequest{
		ID:                uuid.NewString(),
		TaskID:            req.TaskID,
		ToolCallID:        req.ToolCallID,
		ToolName:          req.ToolName,
		ActionDescription: req.ActionDescription + " (narrowed scope)",
		Parameters:        req.Parameters,
		RiskLevel:         req.RiskLevel,
		Status:            model.ApprovalStatusPending,
		Retried:           true,
		RequestedAt:       now,
	}
	if err := j.bridge.store.CreateApproval(next); err != nil {
		j.logger.Errorf("Failed to create narrowed approval for task %s: %v", req.TaskID, err)
		return
	}
	if err := j.bridge.Inject(req.TaskID, protocol.KindApprovalRequest, protocol.ApprovalRequestPayload{
		RequestID:         next.ID,
		ToolCallID:        next.ToolCallID,
		ToolName:          next.ToolName,
		ActionDescription: next.ActionDescription,
		RiskLevel:         next.RiskLevel,
		Narrowed:          true,
	}); err != nil {
		j.logger.Errorf("Failed to record narrowed approval on task %s: %v", req.TaskID, err)
	}
	j.logger.Infof("Approval %s on task %s timed out, re-asking as %s", req.ID, req.TaskID, next.ID)
}

func (j *Janitor) sweepRuntimes() {
	now := time.Now()
	for _, inst := range j.bridge.registry.List() {
		active, err := j.bridge.store.ActiveTasksByInstance(inst.ID)
		if err != nil {
			j.logger.Errorf("Failed to list active tasks for instance %s: %v", inst.ID, err)
			continue
		}
		for _, t := range active {
			if t.StartedAt == nil || t.MaxRuntimeMinutes <= 0 {
				continue
			}
			deadline := t.StartedAt.Add(time.Duration(t.MaxRuntimeMinutes) * time.Minute)
			if now.Before(deadline) {
				continue
			}
			j.logger.Warnf("Task %s exceeded its %dm runtime budget, cancelling", t.ID, t.MaxRuntimeMinutes)
			if err := j.bridge.CancelTask(t.ID, "system", "max runtime exceeded"); err != nil {
				j.logger.Errorf("Failed to cancel task %s: %v", t.ID, err)
			}
		}
	}
}
