// The in-memory instance registry: every battle and arena the server is
// currently hosting, with forward-only state transitions and the rule
// stamp frozen at creation.

package game

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"tilemud/internal/models"
)

// ErrBadTransition is returned for a state change the machine forbids.
var ErrBadTransition = errors.New("game: invalid instance state transition")

// ErrInstanceNotFound is returned for unknown instance ids.
var ErrInstanceNotFound = errors.New("game: instance not found")

// InstanceRegistry tracks the live instance records. It satisfies the
// admission controller's InstanceDirectory.
type InstanceRegistry struct {
	mu        sync.RWMutex
	instances map[string]*models.Instance
	nowFn     func() time.Time
}

// NewInstanceRegistry creates an empty registry.
func NewInstanceRegistry() *InstanceRegistry {
	return &InstanceRegistry{
		instances: make(map[string]*models.Instance),
		nowFn:     time.Now,
	}
}

// Create registers a new pending instance carrying the active rule stamp
// of its mode.
func (r *InstanceRegistry) Create(req models.CreateInstanceRequest, stamp models.RuleVersionStamp, region string) models.Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst := &models.Instance{
		InstanceID: uuid.NewString(),
		Mode:       req.Mode,
		State:      models.InstancePending,
		Tier:       req.Tier,
		Capacity:   models.CapacityFor(req.Mode, req.Tier, req.Large),
		RuleStamp:  stamp,
		ShardKey:   uuid.NewString()[:8],
		Region:     region,
		CreatedAt:  r.nowFn().UTC(),
	}
	r.instances[inst.InstanceID] = inst
	return *inst
}

// GetInstance returns a copy of an instance record.
func (r *InstanceRegistry) GetInstance(instanceID string) (models.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[instanceID]
	if !ok {
		return models.Instance{}, false
	}
	return *inst, true
}

// List returns copies of every tracked instance.
func (r *InstanceRegistry) List() []models.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, *inst)
	}
	return out
}

// Start moves an instance to active and stamps its start time.
func (r *InstanceRegistry) Start(instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[instanceID]
	if !ok {
		return ErrInstanceNotFound
	}
	if inst.State != models.InstancePending {
		return ErrBadTransition
	}
	inst.State = models.InstanceActive
	inst.StartedAt = r.nowFn().UTC()
	return nil
}

// Finish moves an active instance to its terminal state. Transitions are
// forward-only; a terminal instance stays terminal.
func (r *InstanceRegistry) Finish(instanceID string, state models.InstanceState) error {
	if state != models.InstanceResolved && state != models.InstanceAborted {
		return ErrBadTransition
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[instanceID]
	if !ok {
		return ErrInstanceNotFound
	}
	if inst.State == models.InstanceResolved || inst.State == models.InstanceAborted {
		return ErrBadTransition
	}
	inst.State = state
	return nil
}

// RecordHumans raises the initial human count high-water mark used by
// quorum percentage computation.
func (r *InstanceRegistry) RecordHumans(instanceID string, humans int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[instanceID]; ok && humans > inst.InitialHumanCount {
		inst.InitialHumanCount = humans
	}
}
