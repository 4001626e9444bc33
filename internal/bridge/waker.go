package bridge

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Waker nudges a disconnected instance at its last known address so it
// phones home again instead of waiting for its own retry schedule.
type Waker interface {
	Wake(ctx context.Context, addr string) error
}

// HTTPWaker wakes instances with a plain POST to their wake endpoint
type HTTPWaker struct {
	client *http.Client
}

// NewHTTPWaker creates a waker with the given per-attempt timeout
func NewHTTPWaker(client *http.Client) *HTTPWaker {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPWaker{client: client}
}

func (w *HTTPWaker) Wake(ctx context.Context, addr string) error {
	url := strings.TrimRight(addr, "/") + "/wake"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build wake request: %w", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("wake returned status %d", resp.StatusCode)
	}
	return nil
}

// SetWaker enables outbound wake attempts toward disconnected instances.
// Without one the bridge just waits out the grace period.
func (b *Bridge) SetWaker(w Waker) {
	b.waker = w
}

// wakeLoop retries the instance's wake endpoint with jittered exponential
// backoff until the context is cancelled by a reconnect or grace expiry.
func (b *Bridge) wakeLoop(ctx context.Context, instanceID, addr string) {
	backoff := NewBackoff(b.cfg.WakeBackoffBase, b.cfg.WakeBackoffMax)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff.Next()):
		}
		if err := b.waker.Wake(ctx, addr); err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Debugf("Wake attempt for instance %s failed: %v", instanceID, err)
		}
	}
}

// startWakeLoop begins waking a disconnected instance. No-op without a waker
// or a known address.
func (b *Bridge) startWakeLoop(instanceID string) {
	if b.waker == nil {
		return
	}
	entry, err := b.registry.Get(instanceID)
	if err != nil || entry.Address == "" {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	if old, ok := b.wakeCancels[instanceID]; ok {
		old()
	}
	b.wakeCancels[instanceID] = cancel
	b.mu.Unlock()

	go b.wakeLoop(ctx, instanceID, entry.Address)
}

// stopWakeLoop cancels any running wake loop for the instance
func (b *Bridge) stopWakeLoop(instanceID string) {
	b.mu.Lock()
	cancel, ok := b.wakeCancels[instanceID]
	if ok {
		delete(b.wakeCancels, instanceID)
	}
	b.mu.Unlock()
	if ok {
		cancel()
	}
}
