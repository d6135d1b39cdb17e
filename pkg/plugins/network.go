package plugins

import (
	"encoding/json"
	"strings"

	"github.com/polisai/fleetpolicy/pkg/domain"
	"github.com/polisai/fleetpolicy/pkg/plugin"
)

// DisabledNetworkInterfaces stores, per administrator, a map from network
// interface name to the reason it is disabled. The merged value is the key
// union across all holders; when two administrators disable the same
// interface the lexicographically smaller reason wins so the merge stays
// deterministic.
type DisabledNetworkInterfaces struct {
	base
}

// NewDisabledNetworkInterfaces builds the disabled_network_interfaces plugin.
func NewDisabledNetworkInterfaces() *DisabledNetworkInterfaces {
	return &DisabledNetworkInterfaces{
		base: base{
			name:     "disabled_network_interfaces",
			code:     CodeDisabledNetworkInterfaces,
			getPerm:  PermDisableNetwork,
			setPerm:  PermDisableNetwork,
			needSave: true,
		},
	}
}

func decodeIfaceMap(policy, raw string) (map[string]string, error) {
	if raw == "" {
		return map[string]string{}, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, decodeErr(policy, err)
	}
	return m, nil
}

func encodeIfaceMap(m map[string]string) (string, error) {
	// encoding/json sorts map keys, so equal maps encode identically.
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// OnSet replaces the administrator's interface map with the payload. An
// empty map clears the contribution.
func (p *DisabledNetworkInterfaces) OnSet(payload []byte, current string, _ int32) (string, bool, error) {
	var req map[string]string
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", false, domain.WrapError(domain.CodeParamError, err)
	}
	for iface := range req {
		if strings.TrimSpace(iface) == "" {
			return "", false, domain.Errorf(domain.CodeParamError, "%s: empty interface name", p.name)
		}
	}
	value, err := encodeIfaceMap(req)
	if err != nil {
		return "", false, domain.WrapError(domain.CodeSystemAbnormal, err)
	}
	if len(req) == 0 {
		// Removal request: report changed only if something was stored.
		return "", current != "", nil
	}
	return value, value != current, nil
}

// OnGet replies with the stored map (per-admin or merged).
func (p *DisabledNetworkInterfaces) OnGet(current string, _ int32) ([]byte, error) {
	m, err := decodeIfaceMap(p.name, current)
	if err != nil {
		return nil, domain.WrapError(domain.CodeSystemAbnormal, err)
	}
	return json.Marshal(m)
}

// Merge unions the holders' maps.
func (p *DisabledNetworkInterfaces) Merge(values map[string]string) (string, error) {
	if len(values) == 0 {
		return "", nil
	}
	merged := make(map[string]string)
	for _, raw := range values {
		m, err := decodeIfaceMap(p.name, raw)
		if err != nil {
			return "", err
		}
		for iface, reason := range m {
			if existing, ok := merged[iface]; !ok || reason < existing {
				merged[iface] = reason
			}
		}
	}
	if len(merged) == 0 {
		return "", nil
	}
	return encodeIfaceMap(merged)
}

var _ plugin.Plugin = (*DisabledNetworkInterfaces)(nil)
