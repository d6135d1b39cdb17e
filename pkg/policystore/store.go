// Package policystore owns the per-scope policy records: every
// administrator's raw contribution plus the single merged value for
// policies that combine across administrators. The store is
// merge-agnostic; it persists whatever merged value the owning plugin
// computed.
package policystore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/polisai/fleetpolicy/pkg/storage"
)

// ErrPolicyNotFound is returned when a scope holds no record for the
// requested policy. A deleted record reads as not-found, never as an empty
// merged value.
var ErrPolicyNotFound = errors.New("policystore: policy not found")

type record struct {
	perAdmin  map[string]string
	merged    string
	hasMerged bool
}

// Store keeps the in-memory policy records mirrored to the storage
// adapter.
type Store struct {
	mu      sync.RWMutex
	records map[int32]map[string]*record
	store   storage.PolicyStore
	logger  *slog.Logger
}

// New restores the store from the storage adapter. Rows under the
// merged-value key become the record's merged value.
func New(ctx context.Context, store storage.PolicyStore, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	persisted, err := store.QueryAllPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore policies: %w", err)
	}
	records := make(map[int32]map[string]*record, len(persisted))
	for scope, scoped := range persisted {
		records[scope] = make(map[string]*record, len(scoped))
		for name, rows := range scoped {
			rec := &record{perAdmin: make(map[string]string)}
			for admin, value := range rows {
				if admin == storage.MergedValueKey {
					rec.merged = value
					rec.hasMerged = true
					continue
				}
				rec.perAdmin[admin] = value
			}
			records[scope][name] = rec
		}
	}
	logger.Info("policy store restored", "scopes", len(records))
	return &Store{records: records, store: store, logger: logger}, nil
}

// GetMerged returns the merged value for the policy in the scope.
func (s *Store) GetMerged(scope int32, policyName string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[scope][policyName]
	if !ok || !rec.hasMerged {
		return "", ErrPolicyNotFound
	}
	return rec.merged, nil
}

// GetAdminValue returns the administrator's raw contribution, empty when
// absent.
func (s *Store) GetAdminValue(scope int32, policyName, adminName string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[scope][policyName]
	if !ok {
		return ""
	}
	return rec.perAdmin[adminName]
}

// SetRaw upserts the administrator's contribution and the merged value.
// An empty rawValue removes the contribution; once the per-administrator
// map is empty the whole record, merged value included, is deleted. An
// empty mergedValue drops the stored merged value.
func (s *Store) SetRaw(ctx context.Context, scope int32, policyName, adminName, rawValue, mergedValue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scoped, ok := s.records[scope]
	if !ok {
		scoped = make(map[string]*record)
		s.records[scope] = scoped
	}
	rec, ok := scoped[policyName]
	if !ok {
		if rawValue == "" && mergedValue == "" {
			return nil
		}
		rec = &record{perAdmin: make(map[string]string)}
		scoped[policyName] = rec
	}

	if rawValue == "" {
		if _, held := rec.perAdmin[adminName]; held {
			if err := s.store.DeletePolicyValue(ctx, scope, policyName, adminName); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("remove contribution of %s to %s: %w", adminName, policyName, err)
			}
			delete(rec.perAdmin, adminName)
		}
	} else {
		if err := s.store.UpsertPolicyValue(ctx, scope, policyName, adminName, rawValue); err != nil {
			return fmt.Errorf("store contribution of %s to %s: %w", adminName, policyName, err)
		}
		rec.perAdmin[adminName] = rawValue
	}

	if len(rec.perAdmin) == 0 {
		if err := s.store.DeletePolicy(ctx, scope, policyName); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("delete policy %s: %w", policyName, err)
		}
		delete(scoped, policyName)
		if len(scoped) == 0 {
			delete(s.records, scope)
		}
		return nil
	}

	if mergedValue == "" {
		if rec.hasMerged {
			if err := s.store.DeletePolicyValue(ctx, scope, policyName, storage.MergedValueKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("drop merged value of %s: %w", policyName, err)
			}
			rec.merged = ""
			rec.hasMerged = false
		}
		return nil
	}

	if err := s.store.UpsertPolicyValue(ctx, scope, policyName, storage.MergedValueKey, mergedValue); err != nil {
		return fmt.Errorf("store merged value of %s: %w", policyName, err)
	}
	rec.merged = mergedValue
	rec.hasMerged = true
	return nil
}

// AllPoliciesFor returns every policy the administrator contributes to in
// the scope, mapped to the raw contribution. Used to unwind an
// administrator before removal.
func (s *Store) AllPoliciesFor(scope int32, adminName string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string)
	for name, rec := range s.records[scope] {
		if value, ok := rec.perAdmin[adminName]; ok {
			out[name] = value
		}
	}
	return out
}

// AdminsHolding returns the raw contributions of every administrator
// holding the policy in the scope.
func (s *Store) AdminsHolding(scope int32, policyName string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[scope][policyName]
	if !ok {
		return map[string]string{}
	}
	out := make(map[string]string, len(rec.perAdmin))
	for admin, value := range rec.perAdmin {
		out[admin] = value
	}
	return out
}

// CountByScope returns the number of policy records held per scope.
func (s *Store) CountByScope() map[int32]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int32]int, len(s.records))
	for scope, scoped := range s.records {
		out[scope] = len(scoped)
	}
	return out
}

// Scopes returns every scope currently holding policy records, ascending.
// The super-administrator removal path walks these.
func (s *Store) Scopes() []int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scopes := make([]int32, 0, len(s.records))
	for scope := range s.records {
		scopes = append(scopes, scope)
	}
	sort.Slice(scopes, func(i, j int) bool { return scopes[i] < scopes[j] })
	return scopes
}
