// Package plugins holds the closed set of built-in device-policy plugins.
//
// Each plugin is a pure transform over JSON-encoded values: the engine
// loads the administrator's current raw value, hands it to the plugin
// together with the request payload, and persists whatever comes back.
// Stored values are decoded strictly; a value that does not parse is
// surfaced as an error rather than silently dropped.
package plugins

import (
	"fmt"

	"github.com/polisai/fleetpolicy/pkg/plugin"
)

// Stable policy codes. External contract, do not renumber.
const (
	CodeSetDateTime               uint32 = 1001
	CodeDisallowModifyDateTime    uint32 = 1002
	CodeDisabledNetworkInterfaces uint32 = 1003
	CodeInstallAllowlist          uint32 = 1004
)

// Permissions granted to administrators for the built-in policies.
const (
	PermSetDateTime      = "fleet.permission.SET_DATETIME"
	PermDisableNetwork   = "fleet.permission.DISABLE_NETWORK_INTERFACE"
	PermManageInstall    = "fleet.permission.MANAGE_INSTALL_POLICY"
	PermEnterpriseDevice = "fleet.permission.ENTERPRISE_DEVICE_SETTINGS"
)

// Clock applies a datetime change on the device. Collaborator for the
// set_datetime plugin.
type Clock interface {
	SetTime(epochMillis int64) error
}

// Default returns the built-in plugin set. clock may be nil, in which case
// set_datetime rejects requests with an error.
func Default(clock Clock) []plugin.Plugin {
	return []plugin.Plugin{
		NewSetDateTime(clock),
		NewDisallowModifyDateTime(),
		NewDisabledNetworkInterfaces(),
		NewInstallAllowlist(),
	}
}

// base carries the descriptor fields shared by every built-in plugin and
// no-op lifecycle hooks that individual plugins override as needed.
type base struct {
	name     string
	code     uint32
	getPerm  string
	setPerm  string
	needSave bool
}

func (b base) Name() string   { return b.name }
func (b base) Code() uint32   { return b.code }
func (b base) NeedSave() bool { return b.needSave }

func (b base) Permission(op plugin.OperateType) string {
	if op == plugin.OperateSet {
		return b.setPerm
	}
	return b.getPerm
}

func (b base) OnSetDone(string, bool, int32)          {}
func (b base) OnAdminRemove(string, string, int32) error { return nil }
func (b base) OnAdminRemoveDone(string, string, int32)   {}

func decodeErr(policy string, err error) error {
	return fmt.Errorf("policy %s: decode stored value: %w", policy, err)
}
