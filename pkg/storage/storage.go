// Package storage defines the row-store contract the registries persist
// through, plus an in-memory implementation. The engine only requires
// insert-or-replace, predicate update, predicate delete, and a full scan
// grouped by scope; anything satisfying that contract can back it.
package storage

import (
	"context"
	"errors"

	"github.com/polisai/fleetpolicy/pkg/domain"
)

// ErrNotFound is returned when a predicate matches no stored row.
var ErrNotFound = errors.New("storage: row not found")

// MergedValueKey is the admin-name column value that marks a policy row as
// holding the merged value rather than one administrator's contribution.
const MergedValueKey = ""

// AdminStore persists administrator records keyed by (scope, bundle name).
type AdminStore interface {
	// UpsertAdmin inserts or fully replaces the administrator's row.
	UpsertAdmin(ctx context.Context, admin *domain.Admin) error
	// DeleteAdmin removes the administrator's row.
	DeleteAdmin(ctx context.Context, scope int32, bundleName string) error
	// UpdateEntInfo rewrites only the enterprise-info columns.
	UpdateEntInfo(ctx context.Context, scope int32, bundleName string, info domain.EntInfo) error
	// UpdateEvents rewrites only the subscribed-events column.
	UpdateEvents(ctx context.Context, scope int32, bundleName string, events []domain.ManagedEvent) error
	// QueryAllAdmins scans every administrator row grouped by scope.
	QueryAllAdmins(ctx context.Context) (map[int32][]*domain.Admin, error)
}

// PolicyStore persists policy values keyed by (scope, policy name,
// admin name). The MergedValueKey admin name holds the merged value.
type PolicyStore interface {
	UpsertPolicyValue(ctx context.Context, scope int32, policyName, adminName, value string) error
	DeletePolicyValue(ctx context.Context, scope int32, policyName, adminName string) error
	// DeletePolicy removes every row of the policy in the scope.
	DeletePolicy(ctx context.Context, scope int32, policyName string) error
	// QueryAllPolicies scans every policy row, grouped scope → policy
	// name → admin name → value.
	QueryAllPolicies(ctx context.Context) (map[int32]map[string]map[string]string, error)
}

// Store is the full adapter contract.
type Store interface {
	AdminStore
	PolicyStore
	Close() error
}
