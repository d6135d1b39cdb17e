package plugins

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/polisai/fleetpolicy/pkg/domain"
	"github.com/polisai/fleetpolicy/pkg/plugin"
)

// SetDateTime is the SET-only action policy that pushes a wall-clock change
// to the device. It stores no state.
type SetDateTime struct {
	base
	clock Clock
}

// NewSetDateTime builds the set_datetime plugin around clock.
func NewSetDateTime(clock Clock) *SetDateTime {
	return &SetDateTime{
		base: base{
			name:    "set_datetime",
			code:    CodeSetDateTime,
			getPerm: PermSetDateTime,
			setPerm: PermSetDateTime,
		},
		clock: clock,
	}
}

type setDateTimeRequest struct {
	TimeMillis int64 `json:"time_ms"`
}

// OnSet applies the requested time through the clock collaborator. The
// returned value is empty: nothing is persisted for an action policy.
func (p *SetDateTime) OnSet(payload []byte, _ string, _ int32) (string, bool, error) {
	var req setDateTimeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", false, domain.WrapError(domain.CodeParamError, err)
	}
	if req.TimeMillis <= 0 {
		return "", false, domain.Errorf(domain.CodeParamError, "set_datetime: time_ms must be positive, got %d", req.TimeMillis)
	}
	if p.clock == nil {
		return "", false, domain.Errorf(domain.CodeSystemAbnormal, "set_datetime: no clock service available")
	}
	if err := p.clock.SetTime(req.TimeMillis); err != nil {
		return "", false, domain.WrapError(domain.CodeSystemAbnormal, err)
	}
	return "", false, nil
}

// OnGet is unsupported: there is nothing to read back.
func (p *SetDateTime) OnGet(string, int32) ([]byte, error) {
	return nil, domain.NewError(domain.CodeInterfaceUnsupported)
}

// Merge is never reached for a policy that stores nothing.
func (p *SetDateTime) Merge(map[string]string) (string, error) {
	return "", errors.New("set_datetime: merge not supported")
}

// DisallowModifyDateTime is the boolean policy that locks the device clock.
// The merged value is the OR across all holders: the clock stays locked as
// long as any administrator disallows changes.
type DisallowModifyDateTime struct {
	base
}

// NewDisallowModifyDateTime builds the disallow_modify_datetime plugin.
func NewDisallowModifyDateTime() *DisallowModifyDateTime {
	return &DisallowModifyDateTime{
		base: base{
			name:     "disallow_modify_datetime",
			code:     CodeDisallowModifyDateTime,
			getPerm:  PermSetDateTime,
			setPerm:  PermSetDateTime,
			needSave: true,
		},
	}
}

func decodeBool(policy, raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	var v bool
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return false, decodeErr(policy, err)
	}
	return v, nil
}

// OnSet stores the requested boolean for the administrator.
func (p *DisallowModifyDateTime) OnSet(payload []byte, current string, _ int32) (string, bool, error) {
	var req bool
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", false, domain.WrapError(domain.CodeParamError, err)
	}
	old, err := decodeBool(p.name, current)
	if err != nil {
		return "", false, domain.WrapError(domain.CodeSystemAbnormal, err)
	}
	value := fmt.Sprintf("%t", req)
	return value, current == "" || old != req, nil
}

// OnGet replies with the stored boolean; an absent value reads as false.
func (p *DisallowModifyDateTime) OnGet(current string, _ int32) ([]byte, error) {
	v, err := decodeBool(p.name, current)
	if err != nil {
		return nil, domain.WrapError(domain.CodeSystemAbnormal, err)
	}
	return json.Marshal(v)
}

// Merge ORs the holders' values.
func (p *DisallowModifyDateTime) Merge(values map[string]string) (string, error) {
	if len(values) == 0 {
		return "", nil
	}
	merged := false
	for _, raw := range values {
		v, err := decodeBool(p.name, raw)
		if err != nil {
			return "", err
		}
		merged = merged || v
	}
	return fmt.Sprintf("%t", merged), nil
}

var _ plugin.Plugin = (*SetDateTime)(nil)
var _ plugin.Plugin = (*DisallowModifyDateTime)(nil)
