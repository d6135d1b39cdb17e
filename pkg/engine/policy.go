package engine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/polisai/fleetpolicy/pkg/authz"
	"github.com/polisai/fleetpolicy/pkg/domain"
	"github.com/polisai/fleetpolicy/pkg/plugin"
	"github.com/polisai/fleetpolicy/pkg/policystore"
)

// HandleDevicePolicy applies a SET operation. key is the combined
// operation code; adminName names the administrator issuing the change.
//
// A normal administrator may only mutate policy in a currently active user
// session; the super administrator may mutate any scope.
func (e *Engine) HandleDevicePolicy(ctx context.Context, caller authz.Caller, key uint32, adminName string, scope int32, payload []byte) (err error) {
	ctx, span := e.startSpan(ctx, "engine.handle_device_policy",
		attribute.Int("policy.key", int(key)),
		attribute.String("admin.bundle", adminName),
		attribute.Int("admin.scope", int(scope)),
	)
	defer span.End()
	timer := e.metrics.NewOperationTimer("set_policy")
	defer func() { timer.Done(err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	admin := e.adminForPolicyLocked(scope, adminName)
	if admin == nil {
		return domain.Errorf(domain.CodeAdminInactive, "administrator %s is not enabled in scope %d", adminName, scope)
	}

	p, op, ok := e.plugins.Resolve(key)
	if !ok || op != plugin.OperateSet {
		return domain.Errorf(domain.CodeInterfaceUnsupported, "no set handler for operation code %d", key)
	}
	span.SetAttributes(attribute.String("policy.name", p.Name()))

	setPerm := p.Permission(plugin.OperateSet)
	if !admin.HasPermission(setPerm) {
		return domain.Errorf(domain.CodeAdminPermissionDenied, "administrator %s lacks %s", adminName, setPerm)
	}
	if admin.Type != domain.AdminSuper {
		active, aerr := e.activeScope(ctx, scope)
		if aerr != nil {
			return domain.WrapError(domain.CodeSystemAbnormal, aerr)
		}
		if !active {
			return domain.Errorf(domain.CodeAdminPermissionDenied, "scope %d is not an active user session", scope)
		}
	}

	granted, verr := e.authz.Verify(ctx, caller, setPerm)
	if verr != nil {
		return domain.WrapError(domain.CodeSystemAbnormal, verr)
	}
	if !granted {
		return domain.Errorf(domain.CodePermissionDenied, "caller %d lacks %s", caller.UID, setPerm)
	}

	current := e.policies.GetAdminValue(scope, p.Name(), adminName)
	value, changed, perr := p.OnSet(payload, current, scope)
	if perr != nil {
		// Plugin errors carry their own codes and reach the caller
		// untouched. Nothing has been stored at this point.
		return perr
	}

	globalChanged := false
	if p.NeedSave() && changed {
		holders := e.policies.AdminsHolding(scope, p.Name())
		if value == "" {
			delete(holders, adminName)
		} else {
			holders[adminName] = value
		}

		merged := ""
		if len(holders) > 0 {
			var merr error
			if merged, merr = p.Merge(holders); merr != nil {
				return domain.WrapError(domain.CodeSystemAbnormal, merr)
			}
		}

		prev, gerr := e.policies.GetMerged(scope, p.Name())
		switch {
		case gerr == nil:
			globalChanged = merged != prev
		default:
			globalChanged = merged != ""
		}

		if serr := e.policies.SetRaw(ctx, scope, p.Name(), adminName, value, merged); serr != nil {
			return domain.WrapError(domain.CodeSystemAbnormal, serr)
		}
		e.updateAdminGauges()
	}

	p.OnSetDone(adminName, globalChanged, scope)
	e.logger.Info("policy set",
		"policy", p.Name(),
		"bundle", adminName,
		"scope", scope,
		"merged_changed", globalChanged,
	)
	return nil
}

// GetDevicePolicy answers a GET operation. With adminName set the reply is
// derived from that administrator's own contribution; with it empty the
// merged value is used. An unknown operation code fails before any admin
// or policy state is consulted.
func (e *Engine) GetDevicePolicy(ctx context.Context, caller authz.Caller, key uint32, adminName string, scope int32) (reply []byte, err error) {
	ctx, span := e.startSpan(ctx, "engine.get_device_policy",
		attribute.Int("policy.key", int(key)),
		attribute.Int("admin.scope", int(scope)),
	)
	defer span.End()
	timer := e.metrics.NewOperationTimer("get_policy")
	defer func() { timer.Done(err) }()

	p, op, ok := e.plugins.Resolve(key)
	if !ok || op != plugin.OperateGet {
		return nil, domain.Errorf(domain.CodeInterfaceUnsupported, "no get handler for operation code %d", key)
	}
	span.SetAttributes(attribute.String("policy.name", p.Name()))

	e.mu.Lock()
	defer e.mu.Unlock()

	getPerm := p.Permission(plugin.OperateGet)
	if adminName != "" {
		admin := e.adminForPolicyLocked(scope, adminName)
		if admin == nil {
			return nil, domain.Errorf(domain.CodeAdminInactive, "administrator %s is not enabled in scope %d", adminName, scope)
		}
		if getPerm != "" && !admin.HasPermission(getPerm) {
			return nil, domain.Errorf(domain.CodeAdminPermissionDenied, "administrator %s lacks %s", adminName, getPerm)
		}
	}
	if getPerm != "" {
		granted, verr := e.authz.Verify(ctx, caller, getPerm)
		if verr != nil {
			return nil, domain.WrapError(domain.CodeSystemAbnormal, verr)
		}
		if !granted {
			return nil, domain.Errorf(domain.CodePermissionDenied, "caller %d lacks %s", caller.UID, getPerm)
		}
	}

	current := ""
	if p.NeedSave() {
		if adminName != "" {
			current = e.policies.GetAdminValue(scope, p.Name(), adminName)
		} else {
			merged, gerr := e.policies.GetMerged(scope, p.Name())
			if gerr != nil {
				return nil, domain.WrapError(domain.CodeParamError, policystore.ErrPolicyNotFound)
			}
			current = merged
		}
	}
	return p.OnGet(current, scope)
}

// adminForPolicyLocked resolves the administrator acting on the scope. The
// super administrator is registered only in the default scope but acts on
// every scope, so the lookup falls back to it by name.
func (e *Engine) adminForPolicyLocked(scope int32, adminName string) *domain.Admin {
	if admin := e.admins.Get(scope, adminName); admin != nil {
		return admin
	}
	if super := e.admins.Super(); super != nil && super.Identity.BundleName == adminName {
		return super
	}
	return nil
}
