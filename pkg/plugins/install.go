package plugins

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/polisai/fleetpolicy/pkg/domain"
	"github.com/polisai/fleetpolicy/pkg/plugin"
)

// InstallAllowlist stores, per administrator, the list of bundle names the
// administrator allows to be installed. The merged value is the ordered
// union across holders (holders visited in bundle-name order, duplicates
// dropped, first occurrence wins).
type InstallAllowlist struct {
	base
}

// NewInstallAllowlist builds the install_allowlist plugin.
func NewInstallAllowlist() *InstallAllowlist {
	return &InstallAllowlist{
		base: base{
			name:     "install_allowlist",
			code:     CodeInstallAllowlist,
			getPerm:  PermManageInstall,
			setPerm:  PermManageInstall,
			needSave: true,
		},
	}
}

func decodeList(policy, raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, decodeErr(policy, err)
	}
	return list, nil
}

func encodeList(list []string) (string, error) {
	data, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// OnSet replaces the administrator's allowlist with the payload,
// deduplicated in request order. An empty list clears the contribution.
func (p *InstallAllowlist) OnSet(payload []byte, current string, _ int32) (string, bool, error) {
	var req []string
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", false, domain.WrapError(domain.CodeParamError, err)
	}
	seen := make(map[string]struct{}, len(req))
	deduped := make([]string, 0, len(req))
	for _, bundle := range req {
		if strings.TrimSpace(bundle) == "" {
			return "", false, domain.Errorf(domain.CodeParamError, "%s: empty bundle name", p.name)
		}
		if _, ok := seen[bundle]; ok {
			continue
		}
		seen[bundle] = struct{}{}
		deduped = append(deduped, bundle)
	}
	if len(deduped) == 0 {
		return "", current != "", nil
	}
	value, err := encodeList(deduped)
	if err != nil {
		return "", false, domain.WrapError(domain.CodeSystemAbnormal, err)
	}
	return value, value != current, nil
}

// OnGet replies with the stored list; an absent value reads as empty.
func (p *InstallAllowlist) OnGet(current string, _ int32) ([]byte, error) {
	list, err := decodeList(p.name, current)
	if err != nil {
		return nil, domain.WrapError(domain.CodeSystemAbnormal, err)
	}
	if list == nil {
		list = []string{}
	}
	return json.Marshal(list)
}

// Merge unions the holders' lists, visiting holders in bundle-name order so
// the result is deterministic.
func (p *InstallAllowlist) Merge(values map[string]string) (string, error) {
	if len(values) == 0 {
		return "", nil
	}
	holders := make([]string, 0, len(values))
	for admin := range values {
		holders = append(holders, admin)
	}
	sort.Strings(holders)

	seen := make(map[string]struct{})
	var merged []string
	for _, admin := range holders {
		list, err := decodeList(p.name, values[admin])
		if err != nil {
			return "", err
		}
		for _, bundle := range list {
			if _, ok := seen[bundle]; ok {
				continue
			}
			seen[bundle] = struct{}{}
			merged = append(merged, bundle)
		}
	}
	if len(merged) == 0 {
		return "", nil
	}
	return encodeList(merged)
}

var _ plugin.Plugin = (*InstallAllowlist)(nil)
