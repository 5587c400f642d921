// Package rules fronts the append-only rule-config store with a small
// read-mostly cache and mints the immutable version stamps carried by
// instances and replays.
package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tilemud/internal/database"
	"tilemud/internal/models"
)

// ErrBadVersion is returned when a version string is not plain semver.
var ErrBadVersion = errors.New("rules: version is not semver")

// ErrNoActiveConfig is returned when a stamp is requested for a type that
// has no active configuration.
var ErrNoActiveConfig = errors.New("rules: no active config for type")

// Registry manages versioned rule configurations.
type Registry struct {
	db *database.DB

	mu     sync.Mutex
	active map[models.RuleType]*models.RuleConfig

	nowFn func() time.Time
}

// NewRegistry creates the registry over the database store.
func NewRegistry(db *database.DB) *Registry {
	return &Registry{
		db:     db,
		active: make(map[models.RuleType]*models.RuleConfig),
		nowFn:  time.Now,
	}
}

// Create appends a new immutable config record. The checksum is the
// sha-256 of the raw config payload; nothing about the record can change
// after this call.
func (r *Registry) Create(req models.CreateRuleConfigRequest, actorID string) (*models.RuleConfig, error) {
	if err := validateSemver(req.Version); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(req.Config)
	rc := &models.RuleConfig{
		ID:        uuid.NewString(),
		Type:      req.Type,
		Version:   req.Version,
		Config:    req.Config,
		IsActive:  false,
		CreatedAt: r.nowFn().UTC(),
		CreatedBy: actorID,
		Checksum:  hex.EncodeToString(sum[:]),
	}
	if err := r.db.InsertRuleConfig(rc); err != nil {
		return nil, err
	}
	if err := r.db.InsertAuditEntry(actorID, "rule_config.create", rc.ID, nil); err != nil {
		log.Printf("[RULES] Failed to audit config creation %s: %v", rc.ID, err)
	}
	log.Printf("[RULES] Registered %s config %s version %s.", rc.Type, rc.ID, rc.Version)
	return rc, nil
}

// Activate atomically swaps the active config of the target's type and
// invalidates the cache for it.
func (r *Registry) Activate(id, actorID string) error {
	if err := r.db.ActivateRuleConfig(id, actorID); err != nil {
		return err
	}
	rc, err := r.db.GetRuleConfig(id)
	if err != nil || rc == nil {
		r.invalidateAll()
		return err
	}
	r.mu.Lock()
	r.active[rc.Type] = rc
	r.mu.Unlock()
	log.Printf("[RULES] Activated %s config %s version %s.", rc.Type, rc.ID, rc.Version)
	return nil
}

// Deactivate clears the active flag; stamps already emitted stay intact.
func (r *Registry) Deactivate(id, actorID string) error {
	rc, err := r.db.GetRuleConfig(id)
	if err != nil {
		return err
	}
	if err := r.db.DeactivateRuleConfig(id, actorID); err != nil {
		return err
	}
	if rc != nil {
		r.mu.Lock()
		if cached, ok := r.active[rc.Type]; ok && cached.ID == id {
			delete(r.active, rc.Type)
		}
		r.mu.Unlock()
	}
	return nil
}

// Get retrieves one config record by id.
func (r *Registry) Get(id string) (*models.RuleConfig, error) {
	return r.db.GetRuleConfig(id)
}

// List lists all configs of a type, newest first.
func (r *Registry) List(ruleType models.RuleType) ([]models.RuleConfig, error) {
	return r.db.ListRuleConfigs(ruleType)
}

// Active returns the active config of a type, consulting the cache first.
func (r *Registry) Active(ruleType models.RuleType) (*models.RuleConfig, error) {
	r.mu.Lock()
	if rc, ok := r.active[ruleType]; ok {
		r.mu.Unlock()
		return rc, nil
	}
	r.mu.Unlock()

	rc, err := r.db.GetActiveRuleConfig(ruleType)
	if err != nil {
		return nil, err
	}
	if rc != nil {
		r.mu.Lock()
		r.active[ruleType] = rc
		r.mu.Unlock()
	}
	return rc, nil
}

// StampFor snapshots the active config of a type into the immutable stamp
// attached to a new instance or replay.
func (r *Registry) StampFor(ruleType models.RuleType) (models.RuleVersionStamp, error) {
	rc, err := r.Active(ruleType)
	if err != nil {
		return models.RuleVersionStamp{}, err
	}
	if rc == nil {
		return models.RuleVersionStamp{}, fmt.Errorf("%w: %s", ErrNoActiveConfig, ruleType)
	}
	return models.RuleVersionStamp{
		Type:      rc.Type,
		ID:        rc.ID,
		Version:   rc.Version,
		Checksum:  rc.Checksum,
		StampedAt: r.nowFn().UTC(),
	}, nil
}

func (r *Registry) invalidateAll() {
	r.mu.Lock()
	r.active = make(map[models.RuleType]*models.RuleConfig)
	r.mu.Unlock()
}

// validateSemver accepts plain MAJOR.MINOR.PATCH version strings.
func validateSemver(v string) error {
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return fmt.Errorf("%w: %q", ErrBadVersion, v)
	}
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("%w: %q", ErrBadVersion, v)
		}
		if _, err := strconv.Atoi(p); err != nil {
			return fmt.Errorf("%w: %q", ErrBadVersion, v)
		}
	}
	return nil
}
