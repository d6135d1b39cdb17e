// Package adminreg owns the per-scope sets of registered administrators
// and enforces the registration invariants: at most one super
// administrator device-wide, bound to the default scope; a bundle keeps
// its class name across registrations; roles never change.
package adminreg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/polisai/fleetpolicy/pkg/domain"
	"github.com/polisai/fleetpolicy/pkg/storage"
)

// Distinguishable enable failures.
var (
	// ErrComponentMismatch: the bundle is already registered with a
	// different class name.
	ErrComponentMismatch = errors.New("adminreg: bundle already registered with a different class name")
	// ErrRoleConflict: the request would change an administrator's role
	// or bind a super administrator outside the default scope.
	ErrRoleConflict = errors.New("adminreg: administrator role conflict")
	// ErrDuplicateSuper: another super administrator already exists.
	ErrDuplicateSuper = errors.New("adminreg: a super administrator already exists")
	// ErrUnknownAdmin: no administrator with that identity in the scope.
	ErrUnknownAdmin = errors.New("adminreg: administrator not registered")
)

// Registry tracks registered administrators per scope and persists every
// mutation through the storage adapter.
type Registry struct {
	mu     sync.RWMutex
	admins map[int32]map[string]*domain.Admin
	store  storage.AdminStore
	logger *slog.Logger
}

// New restores the registry from the storage adapter. Every persisted
// scope is loaded before the registry serves requests.
func New(ctx context.Context, store storage.AdminStore, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	persisted, err := store.QueryAllAdmins(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore administrators: %w", err)
	}
	admins := make(map[int32]map[string]*domain.Admin, len(persisted))
	total := 0
	for scope, list := range persisted {
		scoped := make(map[string]*domain.Admin, len(list))
		for _, admin := range list {
			scoped[admin.Identity.BundleName] = admin.Clone()
			total++
		}
		admins[scope] = scoped
	}
	logger.Info("administrator registry restored", "scopes", len(admins), "admins", total)
	return &Registry{admins: admins, store: store, logger: logger}, nil
}

// Enable registers (or re-registers) an administrator after validating the
// invariants. Re-registering refreshes role, enterprise info, and granted
// permissions while preserving the event subscriptions.
func (r *Registry) Enable(ctx context.Context, admin *domain.Admin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.verifyEnableLocked(admin.Identity, admin.Type, admin.Scope); err != nil {
		return err
	}

	record := admin.Clone()
	if existing := r.lookupLocked(admin.Scope, admin.Identity.BundleName); existing != nil {
		record.Events = append([]domain.ManagedEvent(nil), existing.Events...)
	}
	if err := r.store.UpsertAdmin(ctx, record); err != nil {
		return fmt.Errorf("persist administrator %s: %w", admin.Identity, err)
	}

	scoped, ok := r.admins[admin.Scope]
	if !ok {
		scoped = make(map[string]*domain.Admin)
		r.admins[admin.Scope] = scoped
	}
	scoped[admin.Identity.BundleName] = record
	r.logger.Info("administrator enabled",
		"bundle", admin.Identity.BundleName,
		"type", admin.Type.String(),
		"scope", admin.Scope)
	return nil
}

func (r *Registry) verifyEnableLocked(id domain.Identity, t domain.AdminType, scope int32) error {
	// An existing super administrator can only be re-enabled as itself.
	if super := r.superLocked(); super != nil && super.Identity.BundleName == id.BundleName {
		if t != domain.AdminSuper || scope != domain.DefaultScope {
			return ErrRoleConflict
		}
	}

	existing := r.lookupLocked(scope, id.BundleName)
	if t == domain.AdminSuper {
		if scope != domain.DefaultScope {
			return ErrRoleConflict
		}
		if super := r.superLocked(); super != nil && super.Identity.BundleName != id.BundleName {
			return ErrDuplicateSuper
		}
		if existing != nil && existing.Type != domain.AdminSuper {
			return ErrRoleConflict
		}
	}

	if existing == nil {
		return nil
	}
	if existing.Identity.ClassName != id.ClassName {
		return ErrComponentMismatch
	}
	if existing.Type == domain.AdminSuper && t == domain.AdminNormal {
		return ErrRoleConflict
	}
	return nil
}

// Disable removes the administrator from the scope.
func (r *Registry) Disable(ctx context.Context, scope int32, bundleName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lookupLocked(scope, bundleName) == nil {
		return ErrUnknownAdmin
	}
	if err := r.store.DeleteAdmin(ctx, scope, bundleName); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("remove administrator %s: %w", bundleName, err)
	}
	delete(r.admins[scope], bundleName)
	if len(r.admins[scope]) == 0 {
		delete(r.admins, scope)
	}
	r.logger.Info("administrator disabled", "bundle", bundleName, "scope", scope)
	return nil
}

// Get returns a snapshot of the administrator, or nil when absent.
func (r *Registry) Get(scope int32, bundleName string) *domain.Admin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupLocked(scope, bundleName).Clone()
}

// Super returns a snapshot of the super administrator, or nil.
func (r *Registry) Super() *domain.Admin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.superLocked().Clone()
}

// HasSuperAdmin reports whether a super administrator exists.
func (r *Registry) HasSuperAdmin() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.superLocked() != nil
}

// IsSuperAdmin reports whether bundleName is the super administrator.
func (r *Registry) IsSuperAdmin(bundleName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	super := r.superLocked()
	return super != nil && super.Identity.BundleName == bundleName
}

// AnyAdminExists reports whether any administrator remains in any scope.
func (r *Registry) AnyAdminExists() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, scoped := range r.admins {
		if len(scoped) > 0 {
			return true
		}
	}
	return false
}

// CountByType returns how many administrators of type t exist across all
// scopes.
func (r *Registry) CountByType(t domain.AdminType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, scoped := range r.admins {
		for _, admin := range scoped {
			if admin.Type == t {
				count++
			}
		}
	}
	return count
}

// ListByType returns the bundle names of administrators of type t in the
// scope, sorted for deterministic fan-out.
func (r *Registry) ListByType(t domain.AdminType, scope int32) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for _, admin := range r.admins[scope] {
		if admin.Type == t {
			names = append(names, admin.Identity.BundleName)
		}
	}
	sort.Strings(names)
	return names
}

// ListByScope returns snapshots of every administrator in the scope.
func (r *Registry) ListByScope(scope int32) []*domain.Admin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Admin, 0, len(r.admins[scope]))
	for _, admin := range r.admins[scope] {
		out = append(out, admin.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity.BundleName < out[j].Identity.BundleName
	})
	return out
}

// ListBySubscribedEvent returns, per scope, the administrators subscribed
// to event.
func (r *Registry) ListBySubscribedEvent(event domain.ManagedEvent) map[int32][]*domain.Admin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[int32][]*domain.Admin)
	for scope, scoped := range r.admins {
		for _, admin := range scoped {
			if admin.SubscribesTo(event) {
				out[scope] = append(out[scope], admin.Clone())
			}
		}
	}
	for _, list := range out {
		sort.Slice(list, func(i, j int) bool {
			return list[i].Identity.BundleName < list[j].Identity.BundleName
		})
	}
	return out
}

// AnyWantsAppState reports whether any administrator in any scope is
// subscribed to an app-state event.
func (r *Registry) AnyWantsAppState() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, scoped := range r.admins {
		for _, admin := range scoped {
			if admin.WantsAppState() {
				return true
			}
		}
	}
	return false
}

// EntInfo returns the administrator's enterprise info.
func (r *Registry) EntInfo(scope int32, bundleName string) (domain.EntInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	admin := r.lookupLocked(scope, bundleName)
	if admin == nil {
		return domain.EntInfo{}, ErrUnknownAdmin
	}
	return admin.EntInfo, nil
}

// SetEntInfo updates and persists the administrator's enterprise info.
func (r *Registry) SetEntInfo(ctx context.Context, scope int32, bundleName string, info domain.EntInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	admin := r.lookupLocked(scope, bundleName)
	if admin == nil {
		return ErrUnknownAdmin
	}
	if err := r.store.UpdateEntInfo(ctx, scope, bundleName, info); err != nil {
		return fmt.Errorf("persist enterprise info for %s: %w", bundleName, err)
	}
	admin.EntInfo = info
	return nil
}

// AddEvents merges events into the administrator's subscription set and
// persists the result.
func (r *Registry) AddEvents(ctx context.Context, scope int32, bundleName string, events []domain.ManagedEvent) error {
	return r.updateEvents(ctx, scope, bundleName, func(current []domain.ManagedEvent) []domain.ManagedEvent {
		merged := append([]domain.ManagedEvent(nil), current...)
		for _, e := range events {
			if !containsEvent(merged, e) {
				merged = append(merged, e)
			}
		}
		return merged
	})
}

// RemoveEvents drops events from the administrator's subscription set and
// persists the result.
func (r *Registry) RemoveEvents(ctx context.Context, scope int32, bundleName string, events []domain.ManagedEvent) error {
	return r.updateEvents(ctx, scope, bundleName, func(current []domain.ManagedEvent) []domain.ManagedEvent {
		var kept []domain.ManagedEvent
		for _, e := range current {
			if !containsEvent(events, e) {
				kept = append(kept, e)
			}
		}
		return kept
	})
}

func (r *Registry) updateEvents(ctx context.Context, scope int32, bundleName string, apply func([]domain.ManagedEvent) []domain.ManagedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	admin := r.lookupLocked(scope, bundleName)
	if admin == nil {
		return ErrUnknownAdmin
	}
	updated := apply(admin.Events)
	if err := r.store.UpdateEvents(ctx, scope, bundleName, updated); err != nil {
		return fmt.Errorf("persist event subscriptions for %s: %w", bundleName, err)
	}
	admin.Events = updated
	return nil
}

func containsEvent(events []domain.ManagedEvent, e domain.ManagedEvent) bool {
	for _, x := range events {
		if x == e {
			return true
		}
	}
	return false
}

func (r *Registry) lookupLocked(scope int32, bundleName string) *domain.Admin {
	return r.admins[scope][bundleName]
}

func (r *Registry) superLocked() *domain.Admin {
	for _, admin := range r.admins[domain.DefaultScope] {
		if admin.Type == domain.AdminSuper {
			return admin
		}
	}
	return nil
}
