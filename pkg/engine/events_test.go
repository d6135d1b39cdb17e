package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/fleetpolicy/pkg/domain"
	"github.com/polisai/fleetpolicy/pkg/storage"
)

func TestSubscribeManagedEventValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enable(t, mdmBundle, domain.AdminNormal, 100)
	caller := bundleCaller(mdmUID)

	// An empty event set is rejected and nothing changes.
	err := h.eng.SubscribeManagedEvent(ctx, caller, mdmBundle, 100, nil)
	assert.Equal(t, domain.CodeManagedEventsInvalid, domain.CodeOf(err))

	// So is a set containing an unknown value.
	err = h.eng.SubscribeManagedEvent(ctx, caller, mdmBundle, 100, []uint32{0, 99})
	assert.Equal(t, domain.CodeManagedEventsInvalid, domain.CodeOf(err))

	require.NoError(t, h.eng.NotifyBundleEvent(ctx, domain.EventBundleAdded, "com.some.app"))
	assert.Empty(t, h.broker.byCommand(CommandManagedEvent))
}

func TestSubscribeManagedEventChecks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	events := []uint32{uint32(domain.EventBundleAdded)}

	// Administrator not enabled.
	err := h.eng.SubscribeManagedEvent(ctx, bundleCaller(mdmUID), mdmBundle, 100, events)
	assert.Equal(t, domain.CodeAdminInactive, domain.CodeOf(err))

	// A foreign process may not change another component's subscriptions.
	h.enable(t, mdmBundle, domain.AdminNormal, 100)
	err = h.eng.SubscribeManagedEvent(ctx, bundleCaller(otherUID), mdmBundle, 100, events)
	assert.Equal(t, domain.CodePermissionDenied, domain.CodeOf(err))

	require.NoError(t, h.eng.SubscribeManagedEvent(ctx, bundleCaller(mdmUID), mdmBundle, 100, events))
}

func TestBundleEventFanOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enable(t, mdmBundle, domain.AdminNormal, 100)
	h.enable(t, otherBundle, domain.AdminNormal, 100)

	require.NoError(t, h.eng.SubscribeManagedEvent(ctx, bundleCaller(mdmUID), mdmBundle, 100,
		[]uint32{uint32(domain.EventBundleAdded), uint32(domain.EventBundleRemoved)}))
	require.NoError(t, h.eng.SubscribeManagedEvent(ctx, bundleCaller(otherUID), otherBundle, 100,
		[]uint32{uint32(domain.EventBundleRemoved)}))

	require.NoError(t, h.eng.NotifyBundleEvent(ctx, domain.EventBundleAdded, "com.some.app"))

	notes := h.broker.byCommand(CommandManagedEvent)
	require.Len(t, notes, 1)
	assert.Equal(t, mdmBundle, notes[0].Admin)
	assert.Equal(t, domain.EventBundleAdded, notes[0].Event)
	assert.Equal(t, "com.some.app", notes[0].Subject)

	require.NoError(t, h.eng.NotifyBundleEvent(ctx, domain.EventBundleRemoved, "com.some.app"))
	assert.Len(t, h.broker.byCommand(CommandManagedEvent), 3)

	// App-state events are not bundle events.
	err := h.eng.NotifyBundleEvent(ctx, domain.EventAppStart, "com.some.app")
	assert.Equal(t, domain.CodeManagedEventsInvalid, domain.CodeOf(err))
}

func TestNotifyAppStateRejectsBundleEvents(t *testing.T) {
	h := newHarness(t)

	err := h.eng.NotifyAppState(context.Background(), domain.EventBundleAdded, "com.some.app")
	assert.Equal(t, domain.CodeManagedEventsInvalid, domain.CodeOf(err))
}

func TestAppStateObserverLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enable(t, mdmBundle, domain.AdminNormal, 100)
	h.enable(t, otherBundle, domain.AdminNormal, 100)

	appStart := []uint32{uint32(domain.EventAppStart)}
	appStop := []uint32{uint32(domain.EventAppStop)}

	// First interested administrator attaches the observer, the second does
	// not attach it again.
	require.NoError(t, h.eng.SubscribeManagedEvent(ctx, bundleCaller(mdmUID), mdmBundle, 100, appStart))
	assert.True(t, h.observer.subscribed)
	require.NoError(t, h.eng.SubscribeManagedEvent(ctx, bundleCaller(otherUID), otherBundle, 100, appStop))
	assert.Equal(t, 1, h.observer.subs)

	// The observer stays attached while anyone is interested.
	require.NoError(t, h.eng.UnsubscribeManagedEvent(ctx, bundleCaller(mdmUID), mdmBundle, 100, appStart))
	assert.True(t, h.observer.subscribed)

	require.NoError(t, h.eng.UnsubscribeManagedEvent(ctx, bundleCaller(otherUID), otherBundle, 100, appStop))
	assert.False(t, h.observer.subscribed)
	assert.Equal(t, 1, h.observer.unsubs)
}

func TestObserverDetachesWhenAdminDisabled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enable(t, mdmBundle, domain.AdminNormal, 100)

	require.NoError(t, h.eng.SubscribeManagedEvent(ctx, bundleCaller(mdmUID), mdmBundle, 100,
		[]uint32{uint32(domain.EventAppStart)}))
	assert.True(t, h.observer.subscribed)

	require.NoError(t, h.eng.DisableAdmin(ctx, systemCaller(), mdmBundle, 100))
	assert.False(t, h.observer.subscribed)
}

func TestObserverReattachesAfterRestart(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	appStart := []uint32{uint32(domain.EventAppStart)}

	first, err := buildHarnessOn(store)
	require.NoError(t, err)
	first.enable(t, mdmBundle, domain.AdminNormal, 100)
	require.NoError(t, first.eng.SubscribeManagedEvent(ctx, bundleCaller(mdmUID), mdmBundle, 100, appStart))
	require.True(t, first.observer.subscribed)

	// A rebuilt engine restores the subscription from storage and attaches
	// its observer at construction.
	second, err := buildHarnessOn(store)
	require.NoError(t, err)
	assert.True(t, second.observer.subscribed)
	assert.Equal(t, 1, second.observer.subs)

	// The restored subscription detaches like a live one.
	require.NoError(t, second.eng.UnsubscribeManagedEvent(ctx, bundleCaller(mdmUID), mdmBundle, 100, appStart))
	assert.False(t, second.observer.subscribed)
}

func TestAppStateFanOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enable(t, mdmBundle, domain.AdminNormal, 100)

	require.NoError(t, h.eng.SubscribeManagedEvent(ctx, bundleCaller(mdmUID), mdmBundle, 100,
		[]uint32{uint32(domain.EventAppStop)}))

	require.NoError(t, h.eng.NotifyAppState(ctx, domain.EventAppStop, "com.some.app"))
	require.NoError(t, h.eng.NotifyAppState(ctx, domain.EventAppStart, "com.some.app"))

	notes := h.broker.byCommand(CommandManagedEvent)
	require.Len(t, notes, 1)
	assert.Equal(t, domain.EventAppStop, notes[0].Event)
}
