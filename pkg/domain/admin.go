package domain

// DefaultScope is the primary OS user account. The super administrator is
// always bound to it.
const DefaultScope int32 = 100

// AdminType classifies an administrator.
type AdminType int32

const (
	// AdminNormal manages policy inside a single user scope.
	AdminNormal AdminType = 0
	// AdminSuper manages policy device-wide. At most one exists.
	AdminSuper AdminType = 1
	// AdminUnknown is the zero filter value for queries.
	AdminUnknown AdminType = -1
)

func (t AdminType) String() string {
	switch t {
	case AdminNormal:
		return "normal"
	case AdminSuper:
		return "super"
	default:
		return "unknown"
	}
}

// Identity names the component an administrator registers as: the bundle it
// ships in plus the class inside the bundle. Within a scope the bundle name
// is the unique key; the class name must stay stable across registrations.
type Identity struct {
	BundleName string
	ClassName  string
}

func (id Identity) String() string {
	return id.BundleName + "/" + id.ClassName
}

// EntInfo carries the enterprise metadata attached to an administrator.
type EntInfo struct {
	Name        string
	Description string
}

// ManagedEvent is a lifecycle notification category an administrator may
// subscribe to. Values are a stable external contract.
type ManagedEvent uint32

const (
	EventBundleAdded   ManagedEvent = 0
	EventBundleRemoved ManagedEvent = 1
	EventAppStart      ManagedEvent = 2
	EventAppStop       ManagedEvent = 3
)

// ValidManagedEvent reports whether v is a recognized event value.
func ValidManagedEvent(v uint32) bool {
	switch ManagedEvent(v) {
	case EventBundleAdded, EventBundleRemoved, EventAppStart, EventAppStop:
		return true
	default:
		return false
	}
}

// IsAppState reports whether the event requires the application-lifecycle
// observer subscription.
func (e ManagedEvent) IsAppState() bool {
	return e == EventAppStart || e == EventAppStop
}

// Admin is a registered administrator. Instances handed out by the registry
// are snapshots; mutating one does not affect stored state.
type Admin struct {
	Identity    Identity
	Type        AdminType
	EntInfo     EntInfo
	Permissions []string
	Events      []ManagedEvent
	Scope       int32
}

// HasPermission reports whether the administrator was granted name.
func (a *Admin) HasPermission(name string) bool {
	for _, p := range a.Permissions {
		if p == name {
			return true
		}
	}
	return false
}

// SubscribesTo reports whether the administrator subscribed to event.
func (a *Admin) SubscribesTo(event ManagedEvent) bool {
	for _, e := range a.Events {
		if e == event {
			return true
		}
	}
	return false
}

// WantsAppState reports whether any subscribed event needs the app-state
// observer.
func (a *Admin) WantsAppState() bool {
	for _, e := range a.Events {
		if e.IsAppState() {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the administrator.
func (a *Admin) Clone() *Admin {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Permissions = append([]string(nil), a.Permissions...)
	cp.Events = append([]ManagedEvent(nil), a.Events...)
	return &cp
}
