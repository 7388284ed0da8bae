package profile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prismhq/prism/internal/modelmapping"
	log "github.com/sirupsen/logrus"
)

// Persister stores profiles durably.
type Persister interface {
	LoadAllProfiles(ctx context.Context) ([]Profile, error)
	SaveProfile(ctx context.Context, p Profile) error
	DeleteProfile(ctx context.Context, id string) error
	// ActivateProfile marks id active and every other profile inactive in one transaction.
	ActivateProfile(ctx context.Context, id string) error
}

// Active is an immutable snapshot of the active profile and its compiled mapping table.
type Active struct {
	Profile Profile
	Table   *modelmapping.Table
}

// Store keeps profiles in memory, writes through to a Persister and tracks the active profile.
type Store struct {
	persister Persister
	nowFn     func() time.Time
	newID     func() string

	mu       sync.Mutex // serializes writers
	profiles []Profile  // ordered by creation
	tables   map[string]*modelmapping.Table
	active   atomic.Pointer[Active]
}

// NewStore constructs an empty store. Call Load to populate it.
func NewStore(persister Persister) *Store {
	return &Store{
		persister: persister,
		nowFn:     time.Now,
		newID:     uuid.NewString,
		tables:    make(map[string]*modelmapping.Table),
	}
}

// Load replaces in-memory state with the persisted profiles.
func (s *Store) Load(ctx context.Context) error {
	if s == nil || s.persister == nil {
		return fmt.Errorf("profile: store not initialized")
	}
	rows, errLoad := s.persister.LoadAllProfiles(ctx)
	if errLoad != nil {
		return fmt.Errorf("profile: load: %w", errLoad)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	profiles := make([]Profile, 0, len(rows))
	tables := make(map[string]*modelmapping.Table, len(rows))
	var active *Active
	for _, row := range rows {
		p := row.Clone()
		table, errNormalize := normalize(&p)
		if errNormalize != nil {
			// Keep the profile editable but resolve it as passthrough until fixed.
			log.WithError(errNormalize).Warnf("profile: stored profile %s is invalid, resolving as passthrough", row.ID)
			p = row.Clone()
			table, _ = modelmapping.Compile(modelmapping.ModePassthrough, "", nil)
		}
		if p.IsActive {
			if active != nil {
				log.Warnf("profile: multiple active profiles stored, keeping %s", active.Profile.ID)
				p.IsActive = false
			} else {
				active = &Active{Profile: p.Clone(), Table: table}
			}
		}
		profiles = append(profiles, p)
		tables[p.ID] = table
	}
	s.profiles = profiles
	s.tables = tables
	s.active.Store(active)
	return nil
}

// List returns copies of all profiles in creation order.
func (s *Store) List() []Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p.Clone())
	}
	return out
}

// Get returns a copy of the profile with id.
func (s *Store) Get(id string) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOf(id)
	if idx < 0 {
		return Profile{}, ErrNotFound
	}
	return s.profiles[idx].Clone(), nil
}

// Create validates p, assigns an id and persists it. New profiles start inactive.
func (s *Store) Create(ctx context.Context, p Profile) (string, error) {
	candidate := p.Clone()
	table, errNormalize := normalize(&candidate)
	if errNormalize != nil {
		return "", errNormalize
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn().UnixMilli()
	candidate.ID = s.newID()
	candidate.IsActive = false
	candidate.CreatedAt = now
	candidate.UpdatedAt = now
	if errSave := s.persister.SaveProfile(ctx, candidate); errSave != nil {
		return "", fmt.Errorf("profile: save: %w", errSave)
	}
	s.profiles = append(s.profiles, candidate)
	s.tables[candidate.ID] = table
	return candidate.ID, nil
}

// Update replaces the editable fields of profile id. Id, active flag and creation time are kept.
func (s *Store) Update(ctx context.Context, id string, p Profile) error {
	candidate := p.Clone()
	table, errNormalize := normalize(&candidate)
	if errNormalize != nil {
		return errNormalize
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return ErrNotFound
	}
	existing := s.profiles[idx]
	candidate.ID = existing.ID
	candidate.IsActive = existing.IsActive
	candidate.CreatedAt = existing.CreatedAt
	candidate.UpdatedAt = s.nowFn().UnixMilli()
	if errSave := s.persister.SaveProfile(ctx, candidate); errSave != nil {
		return fmt.Errorf("profile: save: %w", errSave)
	}
	s.profiles[idx] = candidate
	s.tables[id] = table
	if candidate.IsActive {
		s.active.Store(&Active{Profile: candidate.Clone(), Table: table})
	}
	return nil
}

// Delete removes profile id. Deleting the active profile leaves no profile active.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return ErrNotFound
	}
	if errDelete := s.persister.DeleteProfile(ctx, id); errDelete != nil {
		if errors.Is(errDelete, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("profile: delete: %w", errDelete)
	}
	wasActive := s.profiles[idx].IsActive
	s.profiles = append(s.profiles[:idx:idx], s.profiles[idx+1:]...)
	delete(s.tables, id)
	if wasActive {
		s.active.Store(nil)
	}
	return nil
}

// Activate makes id the single active profile. Memory changes only after the persister commits.
func (s *Store) Activate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return &ActivationError{ID: id, Err: ErrNotFound}
	}
	if errActivate := s.persister.ActivateProfile(ctx, id); errActivate != nil {
		return &ActivationError{ID: id, Err: errActivate}
	}
	for i := range s.profiles {
		s.profiles[i].IsActive = i == idx
	}
	s.active.Store(&Active{Profile: s.profiles[idx].Clone(), Table: s.tables[id]})
	return nil
}

// Active returns the active profile snapshot, or nil when none is active.
// It never blocks on writers.
func (s *Store) Active() *Active {
	if s == nil {
		return nil
	}
	return s.active.Load()
}

// Resolve maps a declared model through the active profile.
func (s *Store) Resolve(model string) modelmapping.Result {
	active := s.Active()
	if active == nil {
		return modelmapping.Resolve(nil, model)
	}
	return modelmapping.Resolve(active.Table, model)
}

func (s *Store) indexOf(id string) int {
	for i := range s.profiles {
		if s.profiles[i].ID == id {
			return i
		}
	}
	return -1
}
