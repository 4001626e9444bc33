package registry

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"go_bridge/internal/model"
)

// Sweeper watches heartbeats and marks silent instances offline
type Sweeper struct {
	ctx       context.Context
	cancel    context.CancelFunc
	registry  *Registry
	logger    *logrus.Entry
	interval  time.Duration
	timeout   time.Duration
	onOffline func(instanceID string)
}

// SweeperConfig holds the sweeper's dependencies and tuning
type SweeperConfig struct {
	Registry    *Registry
	Logger      *logrus.Logger
	IntervalSec int
	TimeoutSec  int
	// OnOffline fires once per instance transition to offline, outside the
	// registry lock.
	OnOffline func(instanceID string)
}

// NewSweeper creates a heartbeat sweeper
func NewSweeper(cfg SweeperConfig) *Sweeper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		ctx:       ctx,
		cancel:    cancel,
		registry:  cfg.Registry,
		logger:    cfg.Logger.WithField("component", "heartbeat-sweeper"),
		interval:  time.Duration(cfg.IntervalSec) * time.Second,
		timeout:   time.Duration(cfg.TimeoutSec) * time.Second,
		onOffline: cfg.OnOffline,
	}
}

// Start begins the periodic sweeps
func (s *Sweeper) Start() {
	s.logger.Info("Starting heartbeat sweeper...")
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.ctx.Done():
				s.logger.Info("Stopping heartbeat sweeper...")
				return
			}
		}
	}()
}

// Stop gracefully stops the sweeper
func (s *Sweeper) Stop() {
	s.cancel()
}

func (s *Sweeper) sweep() {
	now := time.Now()
	for _, e := range s.registry.List() {
		if e.Status != model.InstanceStatusOnline && e.Status != model.InstanceStatusDegraded {
			continue
		}
		silence := now.Sub(e.LastHeartbeat())
		if silence < s.timeout {
			continue
		}

		s.logger.Warnf("Instance %s silent for %s, marking offline", e.ID, silence.Round(time.Second))
		if err := s.registry.MarkOffline(e.ID); err != nil {
			s.logger.Errorf("Failed to mark instance %s offline: %v", e.ID, err)
			continue
		}
		if s.onOffline != nil {
			s.onOffline(e.ID)
		}
	}
}
