// Package engine orchestrates the administrator lifecycle and policy
// dispatch. Every externally reachable operation authorizes the caller,
// enforces the registration invariants, and serializes against one
// process-wide mutex so the admin and policy state is consistent at every
// observation point.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/fleetpolicy/pkg/adminreg"
	"github.com/polisai/fleetpolicy/pkg/authz"
	"github.com/polisai/fleetpolicy/pkg/domain"
	"github.com/polisai/fleetpolicy/pkg/plugin"
	"github.com/polisai/fleetpolicy/pkg/policystore"
)

// Permissions gating the engine's own surface, distinct from the per-policy
// permissions each plugin declares.
const (
	PermManageAdmin       = "fleet.permission.MANAGE_DEVICE_ADMIN"
	PermSetEnterpriseInfo = "fleet.permission.SET_ENTERPRISE_INFO"
)

// Options wires the engine's collaborators. Admins, Permissions, Policies,
// Plugins, Bundles and Accounts are required; the rest default to inert
// implementations.
type Options struct {
	Admins      *adminreg.Registry
	Permissions *adminreg.PermissionRegistry
	Policies    *policystore.Store
	Plugins     *plugin.Registry
	Bundles     BundleInfoProvider
	Accounts    AccountProvider

	Authorizer  authz.Authorizer
	Broker      ConnectionBroker
	Flag        FeatureFlag
	AppObserver AppStateObserver
	Metrics     *Metrics
	Logger      *slog.Logger
}

// Engine composes the admin registry, policy store and plugin registry
// behind the operations the transport layer invokes.
type Engine struct {
	mu sync.Mutex

	admins   *adminreg.Registry
	perms    *adminreg.PermissionRegistry
	policies *policystore.Store
	plugins  *plugin.Registry
	authz    authz.Authorizer
	bundles  BundleInfoProvider
	accounts AccountProvider
	broker   ConnectionBroker
	flag     FeatureFlag

	observer AppStateObserver
	observed bool

	metrics *Metrics
	logger  *slog.Logger

	// Scopes currently carried by the policies-held gauge, so labels for
	// emptied scopes can be zeroed instead of going stale.
	gaugedScopes map[int32]struct{}
}

// New validates the wiring and returns a ready engine. Administrators
// restored from storage keep their managed-event subscriptions, so the
// app-state observer is re-attached here when any of them wants
// APP_START/APP_STOP.
func New(ctx context.Context, opts Options) (*Engine, error) {
	switch {
	case opts.Admins == nil:
		return nil, errors.New("engine requires an admin registry")
	case opts.Permissions == nil:
		return nil, errors.New("engine requires a permission registry")
	case opts.Policies == nil:
		return nil, errors.New("engine requires a policy store")
	case opts.Plugins == nil:
		return nil, errors.New("engine requires a plugin registry")
	case opts.Bundles == nil:
		return nil, errors.New("engine requires a bundle info provider")
	case opts.Accounts == nil:
		return nil, errors.New("engine requires an account provider")
	}

	e := &Engine{
		admins:   opts.Admins,
		perms:    opts.Permissions,
		policies: opts.Policies,
		plugins:  opts.Plugins,
		authz:    opts.Authorizer,
		bundles:  opts.Bundles,
		accounts: opts.Accounts,
		broker:   opts.Broker,
		flag:     opts.Flag,
		observer: opts.AppObserver,
		metrics:  opts.Metrics,
		logger:   opts.Logger,

		gaugedScopes: make(map[int32]struct{}),
	}
	if e.authz == nil {
		e.authz = authz.Static{}
	}
	if e.broker == nil {
		e.broker = noopBroker{}
	}
	if e.flag == nil {
		e.flag = noopFlag{}
	}
	if e.observer == nil {
		e.observer = noopObserver{}
	}
	if e.metrics == nil {
		e.metrics = NewMetrics()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.updateAdminGauges()
	e.ensureObserverLocked(ctx)
	return e, nil
}

// Metrics returns the engine's metrics instance for exposure.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// EnableAdmin registers (or re-registers) an administrator component in
// the scope. All registration invariants are checked before any state
// changes; a rejected enable leaves nothing behind.
func (e *Engine) EnableAdmin(ctx context.Context, caller authz.Caller, id domain.Identity, info domain.EntInfo, t domain.AdminType, scope int32) (err error) {
	ctx, span := e.startSpan(ctx, "engine.enable_admin",
		attribute.String("admin.bundle", id.BundleName),
		attribute.Int("admin.scope", int(scope)),
	)
	defer span.End()
	timer := e.metrics.NewOperationTimer("enable_admin")
	defer func() { timer.Done(err) }()

	if err = e.authorizeAdminManagement(ctx, caller); err != nil {
		return err
	}
	if t != domain.AdminNormal && t != domain.AdminSuper {
		return domain.Errorf(domain.CodeParamError, "unknown admin type %d", t)
	}
	exists, aerr := e.accounts.AccountExists(ctx, scope)
	if aerr != nil {
		return domain.WrapError(domain.CodeSystemAbnormal, aerr)
	}
	if !exists {
		return domain.Errorf(domain.CodeParamError, "user scope %d does not exist", scope)
	}

	component, cerr := e.bundles.ResolveAdminComponent(ctx, id, scope)
	if cerr != nil {
		return domain.WrapError(domain.CodeComponentInvalid, cerr)
	}
	if id.ClassName != "" && id.ClassName != component.Identity.ClassName {
		return domain.Errorf(domain.CodeComponentInvalid, "component %s does not declare class %s", id.BundleName, id.ClassName)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	granted, gerr := e.perms.Grant(component.RequestedPermissions, t)
	if gerr != nil {
		return domain.WrapError(domain.CodeEnableAdminFailed, gerr)
	}

	admin := &domain.Admin{
		Identity:    component.Identity,
		Type:        t,
		EntInfo:     info,
		Permissions: granted,
		Scope:       scope,
	}
	if rerr := e.admins.Enable(ctx, admin); rerr != nil {
		return domain.WrapError(domain.CodeEnableAdminFailed, rerr)
	}

	if ferr := e.flag.SetAdminPresent(ctx, true); ferr != nil {
		e.logger.Warn("setting admin-present flag failed", "error", ferr)
	}
	e.updateAdminGauges()

	e.logger.Info("administrator enabled",
		"bundle", component.Identity.BundleName,
		"type", t.String(),
		"scope", scope,
	)
	e.notify(Notification{Admin: component.Identity.BundleName, Scope: scope, Command: CommandAdminEnabled})
	return nil
}

// DisableAdmin removes a normal administrator from the scope after
// unwinding every policy it contributes to. Super administrators must go
// through DisableSuperAdmin.
func (e *Engine) DisableAdmin(ctx context.Context, caller authz.Caller, bundleName string, scope int32) (err error) {
	ctx, span := e.startSpan(ctx, "engine.disable_admin",
		attribute.String("admin.bundle", bundleName),
		attribute.Int("admin.scope", int(scope)),
	)
	defer span.End()
	timer := e.metrics.NewOperationTimer("disable_admin")
	defer func() { timer.Done(err) }()

	if err = e.authorizeAdminManagement(ctx, caller); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	admin := e.admins.Get(scope, bundleName)
	if admin == nil {
		return domain.Errorf(domain.CodeDisableAdminFailed, "administrator %s is not enabled in scope %d", bundleName, scope)
	}
	if admin.Type != domain.AdminNormal {
		return domain.Errorf(domain.CodeDisableAdminFailed, "%s is the super administrator", bundleName)
	}

	if err = e.unwindAdminPoliciesLocked(ctx, scope, bundleName); err != nil {
		return err
	}
	if rerr := e.admins.Disable(ctx, scope, bundleName); rerr != nil {
		return domain.WrapError(domain.CodeDisableAdminFailed, rerr)
	}
	e.afterAdminRemovedLocked(ctx, bundleName, scope)
	return nil
}

// DisableSuperAdmin removes the super administrator device-wide. Every
// scope that holds policy records is unwound, not only the default scope.
// The caller must hold the management permission; the super
// administrator's own process gets no shortcut.
func (e *Engine) DisableSuperAdmin(ctx context.Context, caller authz.Caller, bundleName string) (err error) {
	ctx, span := e.startSpan(ctx, "engine.disable_super_admin",
		attribute.String("admin.bundle", bundleName),
	)
	defer span.End()
	timer := e.metrics.NewOperationTimer("disable_super_admin")
	defer func() { timer.Done(err) }()

	if err = e.authorizeAdminManagement(ctx, caller); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.admins.IsSuperAdmin(bundleName) {
		return domain.Errorf(domain.CodeDisableAdminFailed, "%s is not the super administrator", bundleName)
	}

	for _, scope := range e.scopesWithDefaultLocked() {
		if err = e.unwindAdminPoliciesLocked(ctx, scope, bundleName); err != nil {
			return err
		}
	}
	if rerr := e.admins.Disable(ctx, domain.DefaultScope, bundleName); rerr != nil {
		return domain.WrapError(domain.CodeDisableAdminFailed, rerr)
	}
	e.afterAdminRemovedLocked(ctx, bundleName, domain.DefaultScope)
	return nil
}

// OnUserRemoved reacts to an OS account being deleted: every administrator
// registered in that scope is disabled and every policy record in the
// scope, including the super administrator's contributions, is unwound.
func (e *Engine) OnUserRemoved(ctx context.Context, scope int32) (err error) {
	ctx, span := e.startSpan(ctx, "engine.on_user_removed",
		attribute.Int("admin.scope", int(scope)),
	)
	defer span.End()
	timer := e.metrics.NewOperationTimer("on_user_removed")
	defer func() { timer.Done(err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, admin := range e.admins.ListByScope(scope) {
		name := admin.Identity.BundleName
		if err = e.unwindAdminPoliciesLocked(ctx, scope, name); err != nil {
			return err
		}
		if admin.Type != domain.AdminNormal {
			continue
		}
		if rerr := e.admins.Disable(ctx, scope, name); rerr != nil {
			return domain.WrapError(domain.CodeDisableAdminFailed, rerr)
		}
		e.afterAdminRemovedLocked(ctx, name, scope)
	}

	// The super administrator lives in the default scope but may hold
	// policies in the removed one.
	if super := e.admins.Super(); super != nil && scope != domain.DefaultScope {
		if err = e.unwindAdminPoliciesLocked(ctx, scope, super.Identity.BundleName); err != nil {
			return err
		}
	}
	return nil
}

// unwindAdminPoliciesLocked removes the administrator's contribution from
// every policy it holds in the scope and recomputes or deletes the merged
// value. The order is deterministic and each step is idempotent, so a
// failed disable can simply be retried.
func (e *Engine) unwindAdminPoliciesLocked(ctx context.Context, scope int32, adminName string) error {
	held := e.policies.AllPoliciesFor(scope, adminName)
	names := make([]string, 0, len(held))
	for name := range held {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p, ok := e.plugins.ResolveName(name)
		if !ok {
			return domain.Errorf(domain.CodeDisableAdminFailed, "no plugin registered for stored policy %s", name)
		}
		raw := held[name]
		if perr := p.OnAdminRemove(adminName, raw, scope); perr != nil {
			return domain.WrapError(domain.CodeDisableAdminFailed, perr)
		}

		remaining := e.policies.AdminsHolding(scope, name)
		delete(remaining, adminName)
		merged := ""
		if p.NeedSave() && len(remaining) > 0 {
			var merr error
			if merged, merr = p.Merge(remaining); merr != nil {
				return domain.WrapError(domain.CodeDisableAdminFailed, merr)
			}
		}
		if serr := e.policies.SetRaw(ctx, scope, name, adminName, "", merged); serr != nil {
			return domain.WrapError(domain.CodeSystemAbnormal, serr)
		}
		p.OnAdminRemoveDone(adminName, raw, scope)
	}
	return nil
}

func (e *Engine) afterAdminRemovedLocked(ctx context.Context, bundleName string, scope int32) {
	if !e.admins.AnyAdminExists() {
		if ferr := e.flag.SetAdminPresent(ctx, false); ferr != nil {
			e.logger.Warn("clearing admin-present flag failed", "error", ferr)
		}
	}
	e.teardownObserverLocked(ctx)
	e.updateAdminGauges()

	e.logger.Info("administrator disabled", "bundle", bundleName, "scope", scope)
	e.notify(Notification{Admin: bundleName, Scope: scope, Command: CommandAdminDisabled})
}

// scopesWithDefaultLocked returns every scope holding policy records plus
// the default scope, ascending.
func (e *Engine) scopesWithDefaultLocked() []int32 {
	scopes := e.policies.Scopes()
	for _, scope := range scopes {
		if scope == domain.DefaultScope {
			return scopes
		}
	}
	scopes = append(scopes, domain.DefaultScope)
	sort.Slice(scopes, func(i, j int) bool { return scopes[i] < scopes[j] })
	return scopes
}

func (e *Engine) authorizeAdminManagement(ctx context.Context, caller authz.Caller) error {
	privileged, err := e.authz.Privileged(ctx, caller)
	if err != nil {
		return domain.WrapError(domain.CodeSystemAbnormal, err)
	}
	if privileged {
		return nil
	}
	granted, err := e.authz.Verify(ctx, caller, PermManageAdmin)
	if err != nil {
		return domain.WrapError(domain.CodeSystemAbnormal, err)
	}
	if !granted {
		return domain.Errorf(domain.CodePermissionDenied, "caller %d lacks %s", caller.UID, PermManageAdmin)
	}
	return nil
}

func (e *Engine) notify(n Notification) {
	n.ID = uuid.NewString()
	e.metrics.RecordNotification(n.Command.String())
	e.broker.Notify(n)
}

func (e *Engine) updateAdminGauges() {
	e.metrics.SetAdminsActive(domain.AdminNormal.String(), e.admins.CountByType(domain.AdminNormal))
	e.metrics.SetAdminsActive(domain.AdminSuper.String(), e.admins.CountByType(domain.AdminSuper))

	counts := e.policies.CountByScope()
	for scope := range e.gaugedScopes {
		if _, ok := counts[scope]; !ok {
			e.metrics.SetPoliciesHeld(scope, 0)
			delete(e.gaugedScopes, scope)
		}
	}
	for scope, count := range counts {
		e.metrics.SetPoliciesHeld(scope, count)
		e.gaugedScopes[scope] = struct{}{}
	}
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer("fleetpolicy.engine")
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// activeScope reports whether scope is one of the currently active OS
// users.
func (e *Engine) activeScope(ctx context.Context, scope int32) (bool, error) {
	active, err := e.accounts.ActiveUserIDs(ctx)
	if err != nil {
		return false, fmt.Errorf("query active users: %w", err)
	}
	for _, id := range active {
		if id == scope {
			return true, nil
		}
	}
	return false, nil
}
