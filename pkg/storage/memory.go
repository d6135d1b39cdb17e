package storage

import (
	"context"
	"sync"

	"github.com/polisai/fleetpolicy/pkg/domain"
)

// MemoryStore is an in-memory implementation of Store. Used by tests and by
// deployments that opt out of persistence.
type MemoryStore struct {
	mu       sync.RWMutex
	admins   map[int32]map[string]*domain.Admin
	policies map[int32]map[string]map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		admins:   make(map[int32]map[string]*domain.Admin),
		policies: make(map[int32]map[string]map[string]string),
	}
}

// UpsertAdmin inserts or replaces the administrator's record.
func (s *MemoryStore) UpsertAdmin(_ context.Context, admin *domain.Admin) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scoped, ok := s.admins[admin.Scope]
	if !ok {
		scoped = make(map[string]*domain.Admin)
		s.admins[admin.Scope] = scoped
	}
	scoped[admin.Identity.BundleName] = admin.Clone()
	return nil
}

// DeleteAdmin removes the administrator's record.
func (s *MemoryStore) DeleteAdmin(_ context.Context, scope int32, bundleName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scoped, ok := s.admins[scope]
	if !ok {
		return ErrNotFound
	}
	if _, ok := scoped[bundleName]; !ok {
		return ErrNotFound
	}
	delete(scoped, bundleName)
	if len(scoped) == 0 {
		delete(s.admins, scope)
	}
	return nil
}

// UpdateEntInfo rewrites the enterprise-info fields.
func (s *MemoryStore) UpdateEntInfo(_ context.Context, scope int32, bundleName string, info domain.EntInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	admin, err := s.lookupLocked(scope, bundleName)
	if err != nil {
		return err
	}
	admin.EntInfo = info
	return nil
}

// UpdateEvents rewrites the subscribed-events field.
func (s *MemoryStore) UpdateEvents(_ context.Context, scope int32, bundleName string, events []domain.ManagedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	admin, err := s.lookupLocked(scope, bundleName)
	if err != nil {
		return err
	}
	admin.Events = append([]domain.ManagedEvent(nil), events...)
	return nil
}

func (s *MemoryStore) lookupLocked(scope int32, bundleName string) (*domain.Admin, error) {
	scoped, ok := s.admins[scope]
	if !ok {
		return nil, ErrNotFound
	}
	admin, ok := scoped[bundleName]
	if !ok {
		return nil, ErrNotFound
	}
	return admin, nil
}

// QueryAllAdmins scans every administrator grouped by scope.
func (s *MemoryStore) QueryAllAdmins(_ context.Context) (map[int32][]*domain.Admin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int32][]*domain.Admin, len(s.admins))
	for scope, scoped := range s.admins {
		for _, admin := range scoped {
			out[scope] = append(out[scope], admin.Clone())
		}
	}
	return out, nil
}

// UpsertPolicyValue inserts or replaces one policy value row.
func (s *MemoryStore) UpsertPolicyValue(_ context.Context, scope int32, policyName, adminName, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scoped, ok := s.policies[scope]
	if !ok {
		scoped = make(map[string]map[string]string)
		s.policies[scope] = scoped
	}
	record, ok := scoped[policyName]
	if !ok {
		record = make(map[string]string)
		scoped[policyName] = record
	}
	record[adminName] = value
	return nil
}

// DeletePolicyValue removes one policy value row.
func (s *MemoryStore) DeletePolicyValue(_ context.Context, scope int32, policyName, adminName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.policies[scope][policyName]
	if !ok {
		return ErrNotFound
	}
	if _, ok := record[adminName]; !ok {
		return ErrNotFound
	}
	delete(record, adminName)
	s.pruneLocked(scope, policyName)
	return nil
}

// DeletePolicy removes every row of the policy in the scope.
func (s *MemoryStore) DeletePolicy(_ context.Context, scope int32, policyName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scoped, ok := s.policies[scope]
	if !ok {
		return ErrNotFound
	}
	if _, ok := scoped[policyName]; !ok {
		return ErrNotFound
	}
	delete(scoped, policyName)
	if len(scoped) == 0 {
		delete(s.policies, scope)
	}
	return nil
}

func (s *MemoryStore) pruneLocked(scope int32, policyName string) {
	if len(s.policies[scope][policyName]) == 0 {
		delete(s.policies[scope], policyName)
	}
	if len(s.policies[scope]) == 0 {
		delete(s.policies, scope)
	}
}

// QueryAllPolicies scans every policy row grouped by scope and policy name.
func (s *MemoryStore) QueryAllPolicies(_ context.Context) (map[int32]map[string]map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int32]map[string]map[string]string, len(s.policies))
	for scope, scoped := range s.policies {
		out[scope] = make(map[string]map[string]string, len(scoped))
		for name, record := range scoped {
			cp := make(map[string]string, len(record))
			for admin, value := range record {
				cp[admin] = value
			}
			out[scope][name] = cp
		}
	}
	return out, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
