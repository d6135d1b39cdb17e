// Package authz decides whether a caller may reach the administration
// surface. Every externally reachable operation verifies the calling
// process before any state is touched.
package authz

import "context"

// Caller describes the process invoking an administration operation.
type Caller struct {
	// UID is the calling process's user id.
	UID int32
	// BundleName is the component the call originates from, when known.
	BundleName string
	// Permissions are the grants the platform attached to the caller.
	Permissions []string
	// System marks callers allowed to use system-level operations.
	System bool
}

// Authorizer answers the two questions the administration engine asks
// about a caller.
type Authorizer interface {
	// Verify reports whether the caller holds the named platform
	// permission.
	Verify(ctx context.Context, caller Caller, permission string) (bool, error)
	// Privileged reports whether the caller may invoke system-level
	// operations at all.
	Privileged(ctx context.Context, caller Caller) (bool, error)
}

// Static authorizes from the grants carried on the caller itself. It is
// the zero-infrastructure fallback when no decision engine is configured.
type Static struct{}

func (Static) Verify(_ context.Context, caller Caller, permission string) (bool, error) {
	for _, granted := range caller.Permissions {
		if granted == permission {
			return true, nil
		}
	}
	return false, nil
}

func (Static) Privileged(_ context.Context, caller Caller) (bool, error) {
	return caller.System, nil
}
