package engine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/polisai/fleetpolicy/pkg/authz"
	"github.com/polisai/fleetpolicy/pkg/domain"
)

// SubscribeManagedEvent adds events to an administrator's subscription
// set. Only the administrator's own component may change its subscriptions.
func (e *Engine) SubscribeManagedEvent(ctx context.Context, caller authz.Caller, bundleName string, scope int32, events []uint32) (err error) {
	ctx, span := e.startSpan(ctx, "engine.subscribe_managed_event",
		attribute.String("admin.bundle", bundleName),
		attribute.Int("admin.scope", int(scope)),
	)
	defer span.End()
	timer := e.metrics.NewOperationTimer("subscribe_managed_event")
	defer func() { timer.Done(err) }()

	return e.updateManagedEvents(ctx, caller, bundleName, scope, events, true)
}

// UnsubscribeManagedEvent removes events from an administrator's
// subscription set.
func (e *Engine) UnsubscribeManagedEvent(ctx context.Context, caller authz.Caller, bundleName string, scope int32, events []uint32) (err error) {
	ctx, span := e.startSpan(ctx, "engine.unsubscribe_managed_event",
		attribute.String("admin.bundle", bundleName),
		attribute.Int("admin.scope", int(scope)),
	)
	defer span.End()
	timer := e.metrics.NewOperationTimer("unsubscribe_managed_event")
	defer func() { timer.Done(err) }()

	return e.updateManagedEvents(ctx, caller, bundleName, scope, events, false)
}

func (e *Engine) updateManagedEvents(ctx context.Context, caller authz.Caller, bundleName string, scope int32, events []uint32, subscribe bool) error {
	if len(events) == 0 {
		return domain.Errorf(domain.CodeManagedEventsInvalid, "empty event set")
	}
	typed := make([]domain.ManagedEvent, 0, len(events))
	for _, raw := range events {
		if !domain.ValidManagedEvent(raw) {
			return domain.Errorf(domain.CodeManagedEventsInvalid, "unknown managed event %d", raw)
		}
		typed = append(typed, domain.ManagedEvent(raw))
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

	if subscribe {
		if rerr := e.admins.AddEvents(ctx, scope, bundleName, typed); rerr != nil {
			return domain.WrapError(domain.CodeSystemAbnormal, rerr)
		}
		e.ensureObserverLocked(ctx)
		return nil
	}

	if rerr := e.admins.RemoveEvents(ctx, scope, bundleName, typed); rerr != nil {
		return domain.WrapError(domain.CodeSystemAbnormal, rerr)
	}
	e.teardownObserverLocked(ctx)
	return nil
}

// ensureObserverLocked subscribes the app-state observer once the first
// administrator shows interest in APP_START/APP_STOP.
func (e *Engine) ensureObserverLocked(ctx context.Context) {
	if e.observed || !e.admins.AnyWantsAppState() {
		return
	}
	if err := e.observer.Subscribe(ctx); err != nil {
		e.logger.Warn("subscribing app-state observer failed", "error", err)
		return
	}
	e.observed = true
}

// teardownObserverLocked drops the observer subscription once no
// administrator wants app-state events anymore.
func (e *Engine) teardownObserverLocked(ctx context.Context) {
	if !e.observed || e.admins.AnyWantsAppState() {
		return
	}
	if err := e.observer.Unsubscribe(ctx); err != nil {
		e.logger.Warn("unsubscribing app-state observer failed", "error", err)
		return
	}
	e.observed = false
}

// NotifyBundleEvent fans a bundle lifecycle event out to every subscribed
// administrator.
func (e *Engine) NotifyBundleEvent(ctx context.Context, event domain.ManagedEvent, bundleName string) (err error) {
	_, span := e.startSpan(ctx, "engine.notify_bundle_event",
		attribute.Int("event", int(event)),
		attribute.String("bundle", bundleName),
	)
	defer span.End()
	timer := e.metrics.NewOperationTimer("notify_bundle_event")
	defer func() { timer.Done(err) }()

	switch event {
	case domain.EventBundleAdded, domain.EventBundleRemoved:
	default:
		return domain.Errorf(domain.CodeManagedEventsInvalid, "event %d is not a bundle event", event)
	}
	e.fanOutEvent(event, bundleName)
	return nil
}

// NotifyAppState fans an application start/stop event out to every
// subscribed administrator. Invoked by the app-state observer wiring.
func (e *Engine) NotifyAppState(ctx context.Context, event domain.ManagedEvent, bundleName string) (err error) {
	_, span := e.startSpan(ctx, "engine.notify_app_state",
		attribute.Int("event", int(event)),
		attribute.String("bundle", bundleName),
	)
	defer span.End()
	timer := e.metrics.NewOperationTimer("notify_app_state")
	defer func() { timer.Done(err) }()

	if !event.IsAppState() {
		return domain.Errorf(domain.CodeManagedEventsInvalid, "event %d is not an app-state event", event)
	}
	e.fanOutEvent(event, bundleName)
	return nil
}

func (e *Engine) fanOutEvent(event domain.ManagedEvent, subject string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for scope, admins := range e.admins.ListBySubscribedEvent(event) {
		for _, admin := range admins {
			e.notify(Notification{
				Admin:   admin.Identity.BundleName,
				Scope:   scope,
				Command: CommandManagedEvent,
				Event:   event,
				Subject: subject,
			})
		}
	}
}
