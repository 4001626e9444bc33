package registry

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"go_bridge/internal/model"
)

// Registry errors
var (
	ErrInstanceNotFound    = errors.New("instance not found")
	ErrNoInstanceAvailable = errors.New("no instance available")
	ErrNameTaken           = errors.New("instance name already registered")
)

// Entry is the live view of one registered instance. The connection epoch is
// read and claimed atomically so stale sessions can be fenced without holding
// the registry lock.
type Entry struct {
	ID           string
	Name         string
	Address      string
	Capabilities []string
	Status       model.InstanceStatus

	epoch          uint64
	lastHeartbeat  time.Time
	lastAssignedAt time.Time
}

// Epoch returns the current connection epoch
func (e *Entry) Epoch() uint64 {
	return atomic.LoadUint64(&e.epoch)
}

// LastHeartbeat returns the time of the last liveness signal
func (e *Entry) LastHeartbeat() time.Time {
	return e.lastHeartbeat
}

// HasCapability reports whether the instance advertises a capability
func (e *Entry) HasCapability(cap string) bool {
	if cap == "" {
		return true
	}
	for _, c := range e.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Persister writes registry status changes back to durable storage. It is
// optional; a nil persister keeps the registry purely in-memory.
type Persister interface {
	SaveInstanceStatus(id string, status model.InstanceStatus, heartbeatAt *time.Time) error
	SaveInstanceEpoch(id string, epoch uint64) error
}

// Registry tracks which instances exist, whether they are reachable, and
// which connection epoch is current for each.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*Entry
	byName    map[string]string // name -> id
	persister Persister
}

// New creates an empty registry
func New(p Persister) *Registry {
	return &Registry{
		entries:   make(map[string]*Entry),
		byName:    make(map[string]string),
		persister: p,
	}
}

// Register adds an instance to the registry, starting offline. Names are
// unique across instances.
func (r *Registry) Register(inst *model.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byName[inst.Name]; ok && id != inst.ID {
		return ErrNameTaken
	}

	var caps []string
	if len(inst.Capabilities) > 0 {
		_ = json.Unmarshal(inst.Capabilities, &caps)
	}

	e := &Entry{
		ID:           inst.ID,
		Name:         inst.Name,
		Address:      inst.Address,
		Capabilities: caps,
		Status:       model.InstanceStatusOffline,
		epoch:        inst.ConnectionEpoch,
	}
	if inst.LastHeartbeatAt != nil {
		e.lastHeartbeat = *inst.LastHeartbeatAt
	}
	r.entries[inst.ID] = e
	r.byName[inst.Name] = inst.ID
	return nil
}

// Get returns a snapshot of one entry
func (r *Registry) Get(id string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	cp := *e
	return &cp, nil
}

// List returns snapshots of all entries
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// ClaimEpoch advances the instance's connection epoch and returns the new
// value. Exactly one physical connection holds the current epoch; commands
// tagged with an older epoch are dropped by the sender.
func (r *Registry) ClaimEpoch(id string) (uint64, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return 0, ErrInstanceNotFound
	}

	var next uint64
	for {
		cur := atomic.LoadUint64(&e.epoch)
		next = cur + 1
		if atomic.CompareAndSwapUint64(&e.epoch, cur, next) {
			break
		}
	}
	if r.persister != nil {
		if err := r.persister.SaveInstanceEpoch(id, next); err != nil {
			return next, err
		}
	}
	return next, nil
}

// ValidEpoch reports whether the given epoch is still the instance's current one
func (r *Registry) ValidEpoch(id string, epoch uint64) bool {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return atomic.LoadUint64(&e.epoch) == epoch
}

// MarkOnline records a successful connection and refreshes the heartbeat
func (r *Registry) MarkOnline(id string) error {
	return r.setStatus(id, model.InstanceStatusOnline, true)
}

// MarkConnecting records a connection attempt in progress
func (r *Registry) MarkConnecting(id string) error {
	return r.setStatus(id, model.InstanceStatusConnecting, false)
}

// MarkOffline records a lost connection
func (r *Registry) MarkOffline(id string) error {
	return r.setStatus(id, model.InstanceStatusOffline, false)
}

// MarkDegraded records a reachable but unhealthy instance
func (r *Registry) MarkDegraded(id string) error {
	return r.setStatus(id, model.InstanceStatusDegraded, false)
}

func (r *Registry) setStatus(id string, status model.InstanceStatus, touchHeartbeat bool) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return ErrInstanceNotFound
	}
	e.Status = status
	var hb *time.Time
	if touchHeartbeat {
		now := time.Now()
		e.lastHeartbeat = now
		hb = &now
	}
	r.mu.Unlock()

	if r.persister != nil {
		return r.persister.SaveInstanceStatus(id, status, hb)
	}
	return nil
}

// Heartbeat refreshes the instance's liveness timestamp
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return ErrInstanceNotFound
	}
	now := time.Now()
	e.lastHeartbeat = now
	if e.Status == model.InstanceStatusDegraded {
		e.Status = model.InstanceStatusOnline
	}
	r.mu.Unlock()
	return nil
}

// FindAvailable picks an online instance advertising the capability,
// least-recently-assigned first. Returns ErrNoInstanceAvailable when no
// online instance matches.
func (r *Registry) FindAvailable(capability string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *Entry
	for _, e := range r.entries {
		if e.Status != model.InstanceStatusOnline {
			continue
		}
		if !e.HasCapability(capability) {
			continue
		}
		if best == nil || e.lastAssignedAt.Before(best.lastAssignedAt) {
			best = e
		}
	}
	if best == nil {
		return nil, ErrNoInstanceAvailable
	}
	best.lastAssignedAt = time.Now()
	cp := *best
	return &cp, nil
}

// GormPersister writes registry changes to the instances table
type GormPersister struct {
	db *gorm.DB
}

// NewGormPersister creates a persister on the given database handle
func NewGormPersister(db *gorm.DB) *GormPersister {
	return &GormPersister{db: db}
}

// SaveInstanceStatus updates the stored status and optionally the heartbeat time
func (p *GormPersister) SaveInstanceStatus(id string, status model.InstanceStatus, heartbeatAt *time.Time) error {
	updates := map[string]interface{}{"status": status}
	if heartbeatAt != nil {
		updates["last_heartbeat_at"] = heartbeatAt
	}
	return p.db.Model(&model.Instance{}).Where("id = ?", id).Updates(updates).Error
}

// SaveInstanceEpoch updates the stored connection epoch
func (p *GormPersister) SaveInstanceEpoch(id string, epoch uint64) error {
	return p.db.Model(&model.Instance{}).Where("id = ?", id).
		Update("connection_epoch", epoch).Error
}

// LoadAll seeds a registry from all stored instances. Stored online status is
// not trusted across restarts; every instance starts offline until it phones
// home again.
func LoadAll(db *gorm.DB, r *Registry) error {
	var instances []model.Instance
	if err := db.Find(&instances).Error; err != nil {
		return err
	}
	for i := range instances {
		if err := r.Register(&instances[i]); err != nil {
			return err
		}
	}
	return nil
}
