package engine

import (
	"context"
	"fmt"
	"io"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"github.com/polisai/fleetpolicy/pkg/authz"
	"github.com/polisai/fleetpolicy/pkg/domain"
)

// GetEnterpriseInfo returns the enterprise metadata attached to an enabled
// administrator.
func (e *Engine) GetEnterpriseInfo(ctx context.Context, bundleName string, scope int32) (domain.EntInfo, error) {
	_, span := e.startSpan(ctx, "engine.get_enterprise_info",
		attribute.String("admin.bundle", bundleName),
	)
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	info, err := e.admins.EntInfo(scope, bundleName)
	if err != nil {
		return domain.EntInfo{}, domain.Errorf(domain.CodeAdminInactive, "administrator %s is not enabled in scope %d", bundleName, scope)
	}
	return info, nil
}

// SetEnterpriseInfo updates an administrator's enterprise metadata. The
// caller must hold the dedicated permission and be the administrator's own
// process.
func (e *Engine) SetEnterpriseInfo(ctx context.Context, caller authz.Caller, bundleName string, scope int32, info domain.EntInfo) (err error) {
	ctx, span := e.startSpan(ctx, "engine.set_enterprise_info",
		attribute.String("admin.bundle", bundleName),
	)
	defer span.End()
	timer := e.metrics.NewOperationTimer("set_enterprise_info")
	defer func() { timer.Done(err) }()

	granted, verr := e.authz.Verify(ctx, caller, PermSetEnterpriseInfo)
	if verr != nil {
		return domain.WrapError(domain.CodeSystemAbnormal, verr)
	}
	if !granted {
		return domain.Errorf(domain.CodePermissionDenied, "caller %d lacks %s", caller.UID, PermSetEnterpriseInfo)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.admins.Get(scope, bundleName) == nil {
		return domain.Errorf(domain.CodeAdminInactive, "administrator %s is not enabled in scope %d", bundleName, scope)
	}
	owner, oerr := e.bundles.OwnerOfUID(ctx, caller.UID)
	if oerr != nil || owner != bundleName {
		return domain.Errorf(domain.CodePermissionDenied, "caller %d does not own %s", caller.UID, bundleName)
	}

	if rerr := e.admins.SetEntInfo(ctx, scope, bundleName, info); rerr != nil {
		return domain.WrapError(domain.CodeSystemAbnormal, rerr)
	}
	return nil
}

// IsSuperAdmin reports whether the bundle is the device-wide super
// administrator.
func (e *Engine) IsSuperAdmin(bundleName string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.admins.IsSuperAdmin(bundleName)
}

// IsAdminEnabled reports whether the bundle is enabled in the scope.
func (e *Engine) IsAdminEnabled(bundleName string, scope int32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.admins.Get(scope, bundleName) != nil
}

// EnabledAdmins returns the bundle names enabled in the scope, filtered by
// type. The normal query also includes the super administrator; the
// unknown filter returns everything.
func (e *Engine) EnabledAdmins(t domain.AdminType, scope int32) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var names []string
	switch t {
	case domain.AdminSuper:
		names = e.admins.ListByType(domain.AdminSuper, scope)
	case domain.AdminNormal:
		names = e.admins.ListByType(domain.AdminNormal, scope)
		names = append(names, e.admins.ListByType(domain.AdminSuper, scope)...)
	default:
		for _, admin := range e.admins.ListByScope(scope) {
			names = append(names, admin.Identity.BundleName)
		}
	}
	sort.Strings(names)
	return names
}

// Dump writes a human-readable listing of the enabled administrators and
// their policy holdings, one scope per block.
func (e *Engine) Dump(w io.Writer) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	recordCounts := e.policies.CountByScope()
	for _, scope := range e.scopesWithDefaultLocked() {
		admins := e.admins.ListByScope(scope)
		if len(admins) == 0 && recordCounts[scope] == 0 {
			continue
		}
		if _, err := fmt.Fprintf(w, "scope %d:\n", scope); err != nil {
			return err
		}
		for _, admin := range admins {
			if _, err := fmt.Fprintf(w, "  %s (%s) ent=%q perms=%d events=%d\n",
				admin.Identity.String(), admin.Type.String(), admin.EntInfo.Name,
				len(admin.Permissions), len(admin.Events)); err != nil {
				return err
			}
			held := e.policies.AllPoliciesFor(scope, admin.Identity.BundleName)
			names := make([]string, 0, len(held))
			for name := range held {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				if _, err := fmt.Fprintf(w, "    policy %s = %s\n", name, held[name]); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
