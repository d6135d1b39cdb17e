package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDefaultEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(context.Background(), EngineOptions{
		Modules: map[string]string{"fleet_authz.rego": DefaultModule},
	})
	require.NoError(t, err)
	return engine
}

func TestEngineVerify(t *testing.T) {
	engine := newDefaultEngine(t)
	ctx := context.Background()

	caller := Caller{UID: 10001, Permissions: []string{"fleet.permission.SET_DATETIME"}}

	granted, err := engine.Verify(ctx, caller, "fleet.permission.SET_DATETIME")
	require.NoError(t, err)
	assert.True(t, granted)

	granted, err = engine.Verify(ctx, caller, "fleet.permission.MANAGE_INSTALL_POLICY")
	require.NoError(t, err)
	assert.False(t, granted)

	granted, err = engine.Verify(ctx, Caller{UID: 10001}, "fleet.permission.SET_DATETIME")
	require.NoError(t, err)
	assert.False(t, granted)
}

func TestEnginePrivileged(t *testing.T) {
	engine := newDefaultEngine(t)
	ctx := context.Background()

	privileged, err := engine.Privileged(ctx, Caller{UID: 1, System: true})
	require.NoError(t, err)
	assert.True(t, privileged)

	privileged, err = engine.Privileged(ctx, Caller{UID: 10001})
	require.NoError(t, err)
	assert.False(t, privileged)
}

func TestEngineCustomModule(t *testing.T) {
	const module = `package fleet.authz

import rego.v1

default allow := false

allow if input.caller.bundle_name == "com.acme.trusted"

default privileged := false
`
	engine, err := NewEngine(context.Background(), EngineOptions{
		Modules: map[string]string{"custom.rego": module},
	})
	require.NoError(t, err)

	granted, err := engine.Verify(context.Background(), Caller{BundleName: "com.acme.trusted"}, "anything")
	require.NoError(t, err)
	assert.True(t, granted)

	granted, err = engine.Verify(context.Background(), Caller{BundleName: "com.acme.other"}, "anything")
	require.NoError(t, err)
	assert.False(t, granted)
}

func TestEngineRejectsBadModule(t *testing.T) {
	_, err := NewEngine(context.Background(), EngineOptions{
		Modules: map[string]string{"broken.rego": "package fleet.authz\n\nallow if {"},
	})
	assert.Error(t, err)
}

func TestEngineRequiresModules(t *testing.T) {
	_, err := NewEngine(context.Background(), EngineOptions{})
	assert.Error(t, err)
}

func TestEngineDecisionCache(t *testing.T) {
	engine := newDefaultEngine(t)
	ctx := context.Background()
	caller := Caller{UID: 10001, Permissions: []string{"p"}}

	granted, err := engine.Verify(ctx, caller, "p")
	require.NoError(t, err)
	assert.True(t, granted)

	// A cached decision is keyed on the full caller, not just the uid.
	granted, err = engine.Verify(ctx, Caller{UID: 10001}, "p")
	require.NoError(t, err)
	assert.False(t, granted)

	engine.FlushCache()
	granted, err = engine.Verify(ctx, caller, "p")
	require.NoError(t, err)
	assert.True(t, granted)
}

func TestDecisionCacheEviction(t *testing.T) {
	cache := newDecisionCache(2)
	cache.Add("a", true)
	cache.Add("b", false)
	cache.Add("c", true)

	_, ok := cache.Get("a")
	assert.False(t, ok, "oldest entry should have been evicted")

	value, ok := cache.Get("b")
	require.True(t, ok)
	assert.False(t, value)
}

func TestStaticAuthorizer(t *testing.T) {
	ctx := context.Background()

	granted, err := Static{}.Verify(ctx, Caller{Permissions: []string{"p"}}, "p")
	require.NoError(t, err)
	assert.True(t, granted)

	granted, err = Static{}.Verify(ctx, Caller{}, "p")
	require.NoError(t, err)
	assert.False(t, granted)

	privileged, err := Static{}.Privileged(ctx, Caller{System: true})
	require.NoError(t, err)
	assert.True(t, privileged)
}
