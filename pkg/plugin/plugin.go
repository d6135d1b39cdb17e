// Package plugin defines the capability contract behind each device policy
// and the registry that routes operation codes to implementations.
package plugin

// OperateType distinguishes the two halves of a policy's surface.
type OperateType uint32

const (
	// OperateGet reads policy state.
	OperateGet OperateType = 0
	// OperateSet mutates policy state.
	OperateSet OperateType = 1
)

func (t OperateType) String() string {
	if t == OperateSet {
		return "set"
	}
	return "get"
}

// Plugin is the capability bundle behind one named policy. Implementations
// are pure value transforms: they never touch the policy store directly,
// the engine persists whatever they return.
type Plugin interface {
	// Name is the unique policy name used for name-based lookups.
	Name() string
	// Code is the stable numeric policy code used for dispatch.
	Code() uint32
	// Permission returns the permission required for op.
	Permission(op OperateType) string
	// NeedSave reports whether the policy stores per-admin values and a
	// combined value. SET-only action policies return false.
	NeedSave() bool

	// OnSet applies payload on top of the administrator's current raw
	// value and returns the new raw value plus whether it changed.
	OnSet(payload []byte, current string, scope int32) (value string, changed bool, err error)
	// OnGet encodes a reply from the stored value (per-admin or merged,
	// the engine decides which to pass).
	OnGet(current string, scope int32) ([]byte, error)
	// Merge folds the raw values of all current holders into the single
	// effective value. Keys are administrator bundle names.
	Merge(values map[string]string) (string, error)

	// OnSetDone runs after a successful SET has been persisted.
	// globalChanged reports whether the merged value changed.
	OnSetDone(admin string, globalChanged bool, scope int32)
	// OnAdminRemove unwinds the administrator's contribution before the
	// record is dropped. It must be idempotent: unwinding an absent
	// contribution is a no-op.
	OnAdminRemove(admin string, value string, scope int32) error
	// OnAdminRemoveDone runs after the contribution has been dropped and
	// the merged value recomputed.
	OnAdminRemoveDone(admin string, value string, scope int32)
}
