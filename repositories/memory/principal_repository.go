package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zari-lab/labdata/models"
	"github.com/zari-lab/labdata/repositories"
)

// PrincipalRepository keeps principals in a map guarded by an RWMutex
type PrincipalRepository struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]*models.Principal
}

// NewPrincipalRepository creates an empty principal repository
func NewPrincipalRepository() *PrincipalRepository {
	return &PrincipalRepository{byID: make(map[uuid.UUID]*models.Principal)}
}

func (r *PrincipalRepository) Create(_ context.Context, p *models.Principal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.byID {
		if existing.ID == p.ID || existing.Email == p.Email || existing.Username == p.Username {
			return fmt.Errorf("principal %s: %w", p.Email, repositories.ErrDuplicate)
		}
	}
	r.byID[p.ID] = copyPrincipal(p)
	return nil
}

func (r *PrincipalRepository) GetByID(_ context.Context, id uuid.UUID) (*models.Principal, error) {
	return r.find(func(p *models.Principal) bool { return p.ID == id }, id.String())
}

func (r *PrincipalRepository) GetByEmail(_ context.Context, email string) (*models.Principal, error) {
	return r.find(func(p *models.Principal) bool { return p.Email == email }, email)
}

func (r *PrincipalRepository) GetByUsername(_ context.Context, username string) (*models.Principal, error) {
	return r.find(func(p *models.Principal) bool { return p.Username == username }, username)
}

func (r *PrincipalRepository) find(match func(*models.Principal) bool, key string) (*models.Principal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.byID {
		if match(p) {
			return copyPrincipal(p), nil
		}
	}
	return nil, fmt.Errorf("principal %s: %w", key, repositories.ErrNotFound)
}

func (r *PrincipalRepository) List(_ context.Context) ([]*models.Principal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Principal, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, copyPrincipal(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (r *PrincipalRepository) MarkLoggedIn(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return r.mutate(id, func(p *models.Principal) error {
		t := at
		p.Status = true
		p.LoginTime = &t
		visited := at
		p.LastVisited = &visited
		return nil
	})
}

func (r *PrincipalRepository) MarkLoggedOut(_ context.Context, id uuid.UUID, elapsedSeconds float64) (bool, error) {
	if elapsedSeconds < 0 {
		elapsedSeconds = 0
	}
	return r.mutate(id, func(p *models.Principal) error {
		if !p.Status {
			return errNotApplied
		}
		p.Status = false
		p.LoginTime = nil
		p.SessionDuration += elapsedSeconds
		return nil
	})
}

func (r *PrincipalRepository) UpdateFields(_ context.Context, id uuid.UUID, fields map[string]any) (bool, error) {
	if len(fields) == 0 {
		return false, nil
	}
	for k := range fields {
		if !updatable(k) {
			return false, fmt.Errorf("field %q cannot be updated", k)
		}
	}
	return r.mutate(id, func(p *models.Principal) error {
		for k, v := range fields {
			if err := setPrincipalField(p, k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *PrincipalRepository) SetPasswordHash(_ context.Context, email, hash string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.byID {
		if p.Email == email {
			p.PasswordHash = hash
			return true, nil
		}
	}
	return false, nil
}

// mutate applies fn to a copy and stores it only if fn succeeds
// errNotApplied makes mutate leave the record untouched and report applied=false
var errNotApplied = errors.New("update not applied")

func (r *PrincipalRepository) mutate(id uuid.UUID, fn func(*models.Principal) error) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byID[id]
	if !ok {
		return false, nil
	}
	next := copyPrincipal(current)
	if err := fn(next); err != nil {
		if errors.Is(err, errNotApplied) {
			return false, nil
		}
		return false, err
	}
	r.byID[id] = next
	return true, nil
}

func updatable(field string) bool {
	for _, f := range repositories.PrincipalUpdatableFields {
		if f == field {
			return true
		}
	}
	return false
}

func setPrincipalField(p *models.Principal, field string, value any) error {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case models.Role:
		s = string(v)
	default:
		return fmt.Errorf("field %q expects a string, got %T", field, value)
	}

	switch field {
	case "first_name":
		p.FirstName = s
	case "last_name":
		p.LastName = s
	case "phone_number":
		p.PhoneNumber = s
	case "nationality":
		p.Nationality = s
	case "profession":
		p.Profession = s
	case "role":
		p.Role = models.Role(s)
	}
	return nil
}

func copyPrincipal(p *models.Principal) *models.Principal {
	c := *p
	if p.LoginTime != nil {
		t := *p.LoginTime
		c.LoginTime = &t
	}
	if p.LastVisited != nil {
		t := *p.LastVisited
		c.LastVisited = &t
	}
	return &c
}

// PendingPrincipalRepository keeps registrations awaiting approval
type PendingPrincipalRepository struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]*models.PendingPrincipal
}

// NewPendingPrincipalRepository creates an empty pending repository
func NewPendingPrincipalRepository() *PendingPrincipalRepository {
	return &PendingPrincipalRepository{byID: make(map[uuid.UUID]*models.PendingPrincipal)}
}

func (r *PendingPrincipalRepository) Create(_ context.Context, p *models.PendingPrincipal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.byID {
		if existing.ID == p.ID || existing.Email == p.Email || existing.Username == p.Username {
			return fmt.Errorf("pending principal %s: %w", p.Email, repositories.ErrDuplicate)
		}
	}
	c := *p
	r.byID[p.ID] = &c
	return nil
}

func (r *PendingPrincipalRepository) GetByID(_ context.Context, id uuid.UUID) (*models.PendingPrincipal, error) {
	return r.find(func(p *models.PendingPrincipal) bool { return p.ID == id }, id.String())
}

func (r *PendingPrincipalRepository) GetByEmail(_ context.Context, email string) (*models.PendingPrincipal, error) {
	return r.find(func(p *models.PendingPrincipal) bool { return p.Email == email }, email)
}

func (r *PendingPrincipalRepository) GetByUsername(_ context.Context, username string) (*models.PendingPrincipal, error) {
	return r.find(func(p *models.PendingPrincipal) bool { return p.Username == username }, username)
}

func (r *PendingPrincipalRepository) find(match func(*models.PendingPrincipal) bool, key string) (*models.PendingPrincipal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.byID {
		if match(p) {
			c := *p
			return &c, nil
		}
	}
	return nil, fmt.Errorf("pending principal %s: %w", key, repositories.ErrNotFound)
}

func (r *PendingPrincipalRepository) List(_ context.Context) ([]*models.PendingPrincipal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.PendingPrincipal, 0, len(r.byID))
	for _, p := range r.byID {
		c := *p
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmissionTime.Before(out[j].SubmissionTime)
	})
	return out, nil
}

func (r *PendingPrincipalRepository) Delete(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; !ok {
		return false, nil
	}
	delete(r.byID, id)
	return true, nil
}
