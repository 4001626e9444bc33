package registry

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"go_bridge/internal/model"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("component", "test")
}

func newInstance(id, name string, caps string) *model.Instance {
	return &model.Instance{
		ID:           id,
		Name:         name,
		Capabilities: datatypes.JSON(caps),
	}
}

func TestRegister_DuplicateName(t *testing.T) {
	r := New(nil)
	if err := r.Register(newInstance("vm-1", "worker-a", `["browser"]`)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(newInstance("vm-2", "worker-a", `["browser"]`)); err != ErrNameTaken {
		t.Errorf("Expected ErrNameTaken, got %v", err)
	}
	// Re-registering the same instance is fine
	if err := r.Register(newInstance("vm-1", "worker-a", `["browser","shell"]`)); err != nil {
		t.Errorf("Re-register failed: %v", err)
	}
}

func TestFindAvailable_OnlyOnlineWithCapability(t *testing.T) {
	r := New(nil)
	r.Register(newInstance("vm-1", "worker-a", `["browser"]`))
	r.Register(newInstance("vm-2", "worker-b", `["shell"]`))

	if _, err := r.FindAvailable("browser"); err != ErrNoInstanceAvailable {
		t.Errorf("Expected no instance while all offline, got %v", err)
	}

	r.MarkOnline("vm-1")
	r.MarkOnline("vm-2")

	e, err := r.FindAvailable("browser")
	if err != nil {
		t.Fatalf("FindAvailable failed: %v", err)
	}
	if e.ID != "vm-1" {
		t.Errorf("Expected vm-1 for browser capability, got %s", e.ID)
	}

	if _, err := r.FindAvailable("gpu"); err != ErrNoInstanceAvailable {
		t.Errorf("Expected no instance for unknown capability, got %v", err)
	}
}

func TestFindAvailable_LeastRecentlyAssigned(t *testing.T) {
	r := New(nil)
	r.Register(newInstance("vm-1", "worker-a", `["browser"]`))
	r.Register(newInstance("vm-2", "worker-b", `["browser"]`))
	r.MarkOnline("vm-1")
	r.MarkOnline("vm-2")

	first, _ := r.FindAvailable("browser")
	second, _ := r.FindAvailable("browser")
	if first.ID == second.ID {
		t.Errorf("Expected assignment to rotate, got %s twice", first.ID)
	}

	third, _ := r.FindAvailable("browser")
	if third.ID != first.ID {
		t.Errorf("Expected rotation back to %s, got %s", first.ID, third.ID)
	}
}

func TestClaimEpoch_Monotonic(t *testing.T) {
	r := New(nil)
	r.Register(newInstance("vm-1", "worker-a", `[]`))

	e1, err := r.ClaimEpoch("vm-1")
	if err != nil {
		t.Fatalf("ClaimEpoch failed: %v", err)
	}
	e2, _ := r.ClaimEpoch("vm-1")
	if e2 != e1+1 {
		t.Errorf("Expected epoch to advance by one, got %d then %d", e1, e2)
	}

	if r.ValidEpoch("vm-1", e1) {
		t.Error("Old epoch must not validate after a new claim")
	}
	if !r.ValidEpoch("vm-1", e2) {
		t.Error("Current epoch must validate")
	}
	if r.ValidEpoch("vm-9", e2) {
		t.Error("Unknown instance must not validate any epoch")
	}
}

func TestHeartbeat_RecoversDegraded(t *testing.T) {
	r := New(nil)
	r.Register(newInstance("vm-1", "worker-a", `[]`))
	r.MarkOnline("vm-1")
	r.MarkDegraded("vm-1")

	if err := r.Heartbeat("vm-1"); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	e, _ := r.Get("vm-1")
	if e.Status != model.InstanceStatusOnline {
		t.Errorf("Expected heartbeat to recover degraded instance, got %s", e.Status)
	}
	if time.Since(e.LastHeartbeat()) > time.Second {
		t.Error("Expected heartbeat timestamp to be refreshed")
	}
}

func TestSweeper_MarksSilentInstancesOffline(t *testing.T) {
	r := New(nil)
	r.Register(newInstance("vm-1", "worker-a", `[]`))
	r.Register(newInstance("vm-2", "worker-b", `[]`))
	r.MarkOnline("vm-1")
	r.MarkOnline("vm-2")
	r.Heartbeat("vm-2")

	// Age vm-1's heartbeat past the timeout
	r.mu.Lock()
	r.entries["vm-1"].lastHeartbeat = time.Now().Add(-2 * time.Minute)
	r.mu.Unlock()

	var gone []string
	s := &Sweeper{
		registry:  r,
		timeout:   30 * time.Second,
		onOffline: func(id string) { gone = append(gone, id) },
	}
	s.logger = testLogger()
	s.sweep()

	e1, _ := r.Get("vm-1")
	if e1.Status != model.InstanceStatusOffline {
		t.Errorf("Expected vm-1 offline, got %s", e1.Status)
	}
	e2, _ := r.Get("vm-2")
	if e2.Status != model.InstanceStatusOnline {
		t.Errorf("Expected vm-2 still online, got %s", e2.Status)
	}
	if len(gone) != 1 || gone[0] != "vm-1" {
		t.Errorf("Expected offline callback for vm-1 only, got %v", gone)
	}
}
