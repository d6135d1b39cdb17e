package engine

import (
	"context"

	"github.com/polisai/fleetpolicy/pkg/domain"
)

// ComponentInfo is what the platform declares about an admin-capable
// component.
type ComponentInfo struct {
	Identity domain.Identity
	// RequestedPermissions are the permissions the component declares it
	// wants. The engine intersects them against the permission registry.
	RequestedPermissions []string
}

// BundleInfoProvider resolves component declarations from the platform's
// package manager.
type BundleInfoProvider interface {
	// ResolveAdminComponent resolves the identity to an admin-capable
	// component in the scope. Returns an error when the bundle does not
	// exist or does not expose an administration component.
	ResolveAdminComponent(ctx context.Context, id domain.Identity, scope int32) (ComponentInfo, error)
	// OwnerOfUID returns the bundle name owning the process uid.
	OwnerOfUID(ctx context.Context, uid int32) (string, error)
}

// AccountProvider answers OS user-account questions.
type AccountProvider interface {
	ActiveUserIDs(ctx context.Context) ([]int32, error)
	AccountExists(ctx context.Context, scope int32) (bool, error)
}

// Command tags what a broker notification is about.
type Command uint32

const (
	CommandAdminEnabled Command = iota
	CommandAdminDisabled
	CommandManagedEvent
)

func (c Command) String() string {
	switch c {
	case CommandAdminEnabled:
		return "admin_enabled"
	case CommandAdminDisabled:
		return "admin_disabled"
	case CommandManagedEvent:
		return "managed_event"
	default:
		return "unknown"
	}
}

// Notification is the fire-and-forget message delivered to an
// administrator's component.
type Notification struct {
	// ID correlates the notification in logs; one uuid per delivery.
	ID      string
	Admin   string
	Scope   int32
	Command Command
	// Event and Subject are set only for CommandManagedEvent.
	Event   domain.ManagedEvent
	Subject string
}

// ConnectionBroker delivers notifications to administrator components.
// Delivery failures are the broker's problem; the engine never observes
// them.
type ConnectionBroker interface {
	Notify(n Notification)
}

// FeatureFlag exposes the device-wide "an administrator is present" flag.
type FeatureFlag interface {
	SetAdminPresent(ctx context.Context, present bool) error
}

// AppStateObserver is the platform's application-lifecycle feed. The
// engine subscribes while at least one administrator wants APP_START or
// APP_STOP events.
type AppStateObserver interface {
	Subscribe(ctx context.Context) error
	Unsubscribe(ctx context.Context) error
}

type noopBroker struct{}

func (noopBroker) Notify(Notification) {}

type noopFlag struct{}

func (noopFlag) SetAdminPresent(context.Context, bool) error { return nil }

type noopObserver struct{}

func (noopObserver) Subscribe(context.Context) error   { return nil }
func (noopObserver) Unsubscribe(context.Context) error { return nil }
