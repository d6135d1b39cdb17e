package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/fleetpolicy/pkg/adminreg"
	"github.com/polisai/fleetpolicy/pkg/authz"
	"github.com/polisai/fleetpolicy/pkg/domain"
	"github.com/polisai/fleetpolicy/pkg/plugin"
	"github.com/polisai/fleetpolicy/pkg/plugins"
	"github.com/polisai/fleetpolicy/pkg/policystore"
	"github.com/polisai/fleetpolicy/pkg/storage"
)

const (
	superBundle = "com.acme.super"
	mdmBundle   = "com.acme.mdm"
	otherBundle = "com.acme.other"
	bareBundle  = "com.acme.bare"

	superUID int32 = 10000
	mdmUID   int32 = 10001
	otherUID int32 = 10002
)

type testClock struct {
	set []int64
}

func (c *testClock) SetTime(epochMillis int64) error {
	c.set = append(c.set, epochMillis)
	return nil
}

type fakeBundles struct {
	components map[string]ComponentInfo
	owners     map[int32]string
}

func (f *fakeBundles) ResolveAdminComponent(_ context.Context, id domain.Identity, _ int32) (ComponentInfo, error) {
	component, ok := f.components[id.BundleName]
	if !ok {
		return ComponentInfo{}, fmt.Errorf("bundle %s is not installed", id.BundleName)
	}
	return component, nil
}

func (f *fakeBundles) OwnerOfUID(_ context.Context, uid int32) (string, error) {
	owner, ok := f.owners[uid]
	if !ok {
		return "", fmt.Errorf("uid %d is not a bundle process", uid)
	}
	return owner, nil
}

type fakeAccounts struct {
	users  []int32
	active []int32
}

func (f *fakeAccounts) ActiveUserIDs(context.Context) ([]int32, error) {
	return f.active, nil
}

func (f *fakeAccounts) AccountExists(_ context.Context, scope int32) (bool, error) {
	for _, id := range f.users {
		if id == scope {
			return true, nil
		}
	}
	return false, nil
}

type recordBroker struct {
	notes []Notification
}

func (b *recordBroker) Notify(n Notification) {
	b.notes = append(b.notes, n)
}

func (b *recordBroker) byCommand(c Command) []Notification {
	var out []Notification
	for _, n := range b.notes {
		if n.Command == c {
			out = append(out, n)
		}
	}
	return out
}

type fakeFlag struct {
	present bool
}

func (f *fakeFlag) SetAdminPresent(_ context.Context, present bool) error {
	f.present = present
	return nil
}

type fakeObserver struct {
	subscribed bool
	subs       int
	unsubs     int
}

func (o *fakeObserver) Subscribe(context.Context) error {
	o.subs++
	o.subscribed = true
	return nil
}

func (o *fakeObserver) Unsubscribe(context.Context) error {
	o.unsubs++
	o.subscribed = false
	return nil
}

type harness struct {
	eng      *Engine
	clock    *testClock
	broker   *recordBroker
	flag     *fakeFlag
	observer *fakeObserver
	bundles  *fakeBundles
	accounts *fakeAccounts
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h, err := buildHarness()
	require.NoError(t, err)
	return h
}

func buildHarness() (*harness, error) {
	return buildHarnessOn(storage.NewMemoryStore())
}

// buildHarnessOn assembles an engine over an existing backing store, so
// tests can model a daemon restart by rebuilding on the same store.
func buildHarnessOn(store storage.Store) (*harness, error) {
	ctx := context.Background()

	admins, err := adminreg.New(ctx, store, nil)
	if err != nil {
		return nil, err
	}
	policies, err := policystore.New(ctx, store, nil)
	if err != nil {
		return nil, err
	}

	clock := &testClock{}
	registry, err := plugin.NewRegistry(plugins.Default(clock)...)
	if err != nil {
		return nil, err
	}

	perms := adminreg.NewPermissionRegistry(map[string]adminreg.PermissionGrade{
		plugins.PermSetDateTime:      adminreg.GradeNormal,
		plugins.PermManageInstall:    adminreg.GradeNormal,
		plugins.PermEnterpriseDevice: adminreg.GradeNormal,
		plugins.PermDisableNetwork:   adminreg.GradeSuper,
	})

	bundles := &fakeBundles{
		components: map[string]ComponentInfo{
			superBundle: {
				Identity: domain.Identity{BundleName: superBundle, ClassName: "Receiver"},
				RequestedPermissions: []string{
					plugins.PermSetDateTime,
					plugins.PermManageInstall,
					plugins.PermDisableNetwork,
				},
			},
			mdmBundle: {
				Identity:             domain.Identity{BundleName: mdmBundle, ClassName: "Receiver"},
				RequestedPermissions: []string{plugins.PermSetDateTime, plugins.PermManageInstall},
			},
			otherBundle: {
				Identity:             domain.Identity{BundleName: otherBundle, ClassName: "Receiver"},
				RequestedPermissions: []string{plugins.PermSetDateTime, plugins.PermManageInstall},
			},
			bareBundle: {
				Identity: domain.Identity{BundleName: bareBundle, ClassName: "Receiver"},
			},
		},
		owners: map[int32]string{
			superUID: superBundle,
			mdmUID:   mdmBundle,
			otherUID: otherBundle,
		},
	}
	accounts := &fakeAccounts{users: []int32{100, 101}, active: []int32{100}}
	broker := &recordBroker{}
	flag := &fakeFlag{}
	observer := &fakeObserver{}

	eng, err := New(ctx, Options{
		Admins:      admins,
		Permissions: perms,
		Policies:    policies,
		Plugins:     registry,
		Bundles:     bundles,
		Accounts:    accounts,
		Broker:      broker,
		Flag:        flag,
		AppObserver: observer,
	})
	if err != nil {
		return nil, err
	}

	return &harness{
		eng:      eng,
		clock:    clock,
		broker:   broker,
		flag:     flag,
		observer: observer,
		bundles:  bundles,
		accounts: accounts,
	}, nil
}

func systemCaller(perms ...string) authz.Caller {
	return authz.Caller{UID: 1, System: true, Permissions: perms}
}

func bundleCaller(uid int32, perms ...string) authz.Caller {
	return authz.Caller{UID: uid, Permissions: perms}
}

func (h *harness) enable(t *testing.T, bundle string, typ domain.AdminType, scope int32) {
	t.Helper()
	err := h.eng.EnableAdmin(context.Background(), systemCaller(),
		domain.Identity{BundleName: bundle}, domain.EntInfo{}, typ, scope)
	require.NoError(t, err)
}

func TestEnableAdmin(t *testing.T) {
	h := newHarness(t)

	h.enable(t, mdmBundle, domain.AdminNormal, 100)

	assert.True(t, h.eng.IsAdminEnabled(mdmBundle, 100))
	assert.False(t, h.eng.IsAdminEnabled(mdmBundle, 101))
	assert.True(t, h.flag.present)

	notes := h.broker.byCommand(CommandAdminEnabled)
	require.Len(t, notes, 1)
	assert.Equal(t, mdmBundle, notes[0].Admin)
	assert.NotEmpty(t, notes[0].ID)
}

func TestEnableAdminRequiresManagement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := domain.Identity{BundleName: mdmBundle}

	err := h.eng.EnableAdmin(ctx, bundleCaller(mdmUID), id, domain.EntInfo{}, domain.AdminNormal, 100)
	assert.Equal(t, domain.CodePermissionDenied, domain.CodeOf(err))

	err = h.eng.EnableAdmin(ctx, bundleCaller(mdmUID, PermManageAdmin), id, domain.EntInfo{}, domain.AdminNormal, 100)
	assert.NoError(t, err)
}

func TestEnableAdminValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	caller := systemCaller()

	err := h.eng.EnableAdmin(ctx, caller, domain.Identity{BundleName: mdmBundle}, domain.EntInfo{}, domain.AdminUnknown, 100)
	assert.Equal(t, domain.CodeParamError, domain.CodeOf(err))

	err = h.eng.EnableAdmin(ctx, caller, domain.Identity{BundleName: mdmBundle}, domain.EntInfo{}, domain.AdminNormal, 999)
	assert.Equal(t, domain.CodeParamError, domain.CodeOf(err))

	err = h.eng.EnableAdmin(ctx, caller, domain.Identity{BundleName: "com.missing"}, domain.EntInfo{}, domain.AdminNormal, 100)
	assert.Equal(t, domain.CodeComponentInvalid, domain.CodeOf(err))

	err = h.eng.EnableAdmin(ctx, caller, domain.Identity{BundleName: mdmBundle, ClassName: "WrongReceiver"}, domain.EntInfo{}, domain.AdminNormal, 100)
	assert.Equal(t, domain.CodeComponentInvalid, domain.CodeOf(err))

	assert.False(t, h.eng.IsAdminEnabled(mdmBundle, 100))
	assert.False(t, h.flag.present)
}

func TestSuperCannotReenableAsNormal(t *testing.T) {
	h := newHarness(t)
	h.enable(t, superBundle, domain.AdminSuper, domain.DefaultScope)

	err := h.eng.EnableAdmin(context.Background(), systemCaller(),
		domain.Identity{BundleName: superBundle}, domain.EntInfo{}, domain.AdminNormal, domain.DefaultScope)
	assert.Equal(t, domain.CodeEnableAdminFailed, domain.CodeOf(err))
	assert.ErrorIs(t, err, adminreg.ErrRoleConflict)

	// Still the super administrator.
	assert.True(t, h.eng.IsSuperAdmin(superBundle))
}

func TestNormalAdminDeniedSuperGradePermission(t *testing.T) {
	h := newHarness(t)

	// The component requests a super-grade permission.
	err := h.eng.EnableAdmin(context.Background(), systemCaller(),
		domain.Identity{BundleName: superBundle}, domain.EntInfo{}, domain.AdminNormal, 100)
	assert.Equal(t, domain.CodeEnableAdminFailed, domain.CodeOf(err))
	assert.ErrorIs(t, err, adminreg.ErrPermissionGrade)
	assert.False(t, h.eng.IsAdminEnabled(superBundle, 100))
}

func TestDisableAdminRejectsSuper(t *testing.T) {
	h := newHarness(t)
	h.enable(t, superBundle, domain.AdminSuper, domain.DefaultScope)

	err := h.eng.DisableAdmin(context.Background(), systemCaller(), superBundle, domain.DefaultScope)
	assert.Equal(t, domain.CodeDisableAdminFailed, domain.CodeOf(err))
	assert.True(t, h.eng.IsSuperAdmin(superBundle))
}

func TestDisableAdminClearsFlagWhenLastLeaves(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enable(t, mdmBundle, domain.AdminNormal, 100)
	h.enable(t, otherBundle, domain.AdminNormal, 100)

	require.NoError(t, h.eng.DisableAdmin(ctx, systemCaller(), mdmBundle, 100))
	assert.True(t, h.flag.present)

	require.NoError(t, h.eng.DisableAdmin(ctx, systemCaller(), otherBundle, 100))
	assert.False(t, h.flag.present)

	assert.Len(t, h.broker.byCommand(CommandAdminDisabled), 2)
}

func TestDisableAdminUnknown(t *testing.T) {
	h := newHarness(t)

	err := h.eng.DisableAdmin(context.Background(), systemCaller(), mdmBundle, 100)
	assert.Equal(t, domain.CodeDisableAdminFailed, domain.CodeOf(err))
}

func TestDisableSuperAdminRequiresManagement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enable(t, superBundle, domain.AdminSuper, domain.DefaultScope)

	// The super administrator's own process gets no shortcut: without the
	// management permission even a UID match is rejected.
	err := h.eng.DisableSuperAdmin(ctx, bundleCaller(superUID), superBundle)
	assert.Equal(t, domain.CodePermissionDenied, domain.CodeOf(err))
	assert.True(t, h.eng.IsSuperAdmin(superBundle))

	err = h.eng.DisableSuperAdmin(ctx, bundleCaller(mdmUID), superBundle)
	assert.Equal(t, domain.CodePermissionDenied, domain.CodeOf(err))
	assert.True(t, h.eng.IsSuperAdmin(superBundle))

	require.NoError(t, h.eng.DisableSuperAdmin(ctx, bundleCaller(superUID, PermManageAdmin), superBundle))
	assert.False(t, h.eng.IsSuperAdmin(superBundle))
}

func TestDisableSuperAdminRejectsNormal(t *testing.T) {
	h := newHarness(t)
	h.enable(t, mdmBundle, domain.AdminNormal, 100)

	err := h.eng.DisableSuperAdmin(context.Background(), systemCaller(), mdmBundle)
	assert.Equal(t, domain.CodeDisableAdminFailed, domain.CodeOf(err))
}

func TestEnabledAdmins(t *testing.T) {
	h := newHarness(t)
	h.enable(t, superBundle, domain.AdminSuper, domain.DefaultScope)
	h.enable(t, mdmBundle, domain.AdminNormal, 100)
	h.enable(t, otherBundle, domain.AdminNormal, 100)

	assert.Equal(t, []string{superBundle}, h.eng.EnabledAdmins(domain.AdminSuper, 100))
	// The normal listing includes the super administrator.
	assert.Equal(t, []string{mdmBundle, otherBundle, superBundle}, h.eng.EnabledAdmins(domain.AdminNormal, 100))
	assert.Equal(t, []string{mdmBundle, otherBundle, superBundle}, h.eng.EnabledAdmins(domain.AdminUnknown, 100))
	assert.Empty(t, h.eng.EnabledAdmins(domain.AdminNormal, 101))
}

func TestEnterpriseInfo(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.eng.GetEnterpriseInfo(ctx, mdmBundle, 100)
	assert.Equal(t, domain.CodeAdminInactive, domain.CodeOf(err))

	h.enable(t, mdmBundle, domain.AdminNormal, 100)
	info := domain.EntInfo{Name: "Acme", Description: "device fleet"}

	// Without the dedicated permission.
	err = h.eng.SetEnterpriseInfo(ctx, bundleCaller(mdmUID), mdmBundle, 100, info)
	assert.Equal(t, domain.CodePermissionDenied, domain.CodeOf(err))

	// With the permission but from a foreign process.
	err = h.eng.SetEnterpriseInfo(ctx, bundleCaller(otherUID, PermSetEnterpriseInfo), mdmBundle, 100, info)
	assert.Equal(t, domain.CodePermissionDenied, domain.CodeOf(err))

	require.NoError(t, h.eng.SetEnterpriseInfo(ctx, bundleCaller(mdmUID, PermSetEnterpriseInfo), mdmBundle, 100, info))

	got, err := h.eng.GetEnterpriseInfo(ctx, mdmBundle, 100)
	require.NoError(t, err)
	assert.Equal(t, info, got)
}

func TestOnUserRemoved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enable(t, superBundle, domain.AdminSuper, domain.DefaultScope)
	h.enable(t, mdmBundle, domain.AdminNormal, 101)

	setKey := plugin.Key(plugin.OperateSet, plugins.CodeInstallAllowlist)
	require.NoError(t, h.eng.HandleDevicePolicy(ctx, bundleCaller(superUID, plugins.PermManageInstall), setKey, superBundle, 101, []byte(`["s"]`)))
	h.accounts.active = []int32{100, 101}
	require.NoError(t, h.eng.HandleDevicePolicy(ctx, bundleCaller(mdmUID, plugins.PermManageInstall), setKey, mdmBundle, 101, []byte(`["m"]`)))

	require.NoError(t, h.eng.OnUserRemoved(ctx, 101))

	assert.False(t, h.eng.IsAdminEnabled(mdmBundle, 101))
	assert.True(t, h.eng.IsSuperAdmin(superBundle))

	getKey := plugin.Key(plugin.OperateGet, plugins.CodeInstallAllowlist)
	_, err := h.eng.GetDevicePolicy(ctx, systemCaller(plugins.PermManageInstall), getKey, "", 101)
	assert.Equal(t, domain.CodeParamError, domain.CodeOf(err))
	assert.ErrorIs(t, err, policystore.ErrPolicyNotFound)
}

func TestDump(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enable(t, mdmBundle, domain.AdminNormal, 100)

	setKey := plugin.Key(plugin.OperateSet, plugins.CodeInstallAllowlist)
	require.NoError(t, h.eng.HandleDevicePolicy(ctx, bundleCaller(mdmUID, plugins.PermManageInstall), setKey, mdmBundle, 100, []byte(`["x"]`)))

	var out strings.Builder
	require.NoError(t, h.eng.Dump(&out))
	assert.Contains(t, out.String(), "scope 100:")
	assert.Contains(t, out.String(), mdmBundle)
	assert.Contains(t, out.String(), "install_allowlist")
}

func TestPolicyGaugeZeroedWhenScopeEmpties(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enable(t, mdmBundle, domain.AdminNormal, 100)

	setKey := plugin.Key(plugin.OperateSet, plugins.CodeInstallAllowlist)
	require.NoError(t, h.eng.HandleDevicePolicy(ctx, bundleCaller(mdmUID, plugins.PermManageInstall), setKey, mdmBundle, 100, []byte(`["x"]`)))

	gauge := h.eng.metrics.policiesHeld
	assert.Equal(t, 1.0, testutil.ToFloat64(gauge.WithLabelValues("100")))

	// Disabling the last holder empties the scope; the gauge drops to zero
	// instead of keeping the stale last count.
	require.NoError(t, h.eng.DisableAdmin(ctx, systemCaller(), mdmBundle, 100))
	assert.Equal(t, 0.0, testutil.ToFloat64(gauge.WithLabelValues("100")))
}

func TestNewRejectsMissingCollaborators(t *testing.T) {
	_, err := New(context.Background(), Options{})
	assert.Error(t, err)
}
