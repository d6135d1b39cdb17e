// Package platform supplies the host-side collaborators the engine needs:
// bundle declarations, OS account answers, notification delivery and the
// device clock. The Local implementation is driven by a YAML description
// of the installed bundles, which is how standalone deployments and
// integration environments describe their world.
package platform

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/polisai/fleetpolicy/pkg/domain"
	"github.com/polisai/fleetpolicy/pkg/engine"
)

// BundleSpec declares one installed bundle.
type BundleSpec struct {
	UID int32 `yaml:"uid"`
	// AdminClass is the component class registering as an administrator;
	// empty means the bundle is not admin-capable.
	AdminClass  string   `yaml:"admin_class"`
	Permissions []string `yaml:"permissions"`
}

// Spec is the YAML description of the local platform.
type Spec struct {
	Bundles map[string]BundleSpec `yaml:"bundles"`
	// Users lists all OS accounts; Active the currently running sessions.
	Users  []int32 `yaml:"users"`
	Active []int32 `yaml:"active"`
}

// LoadSpec reads a platform description file.
func LoadSpec(path string) (*Spec, error) {
	//nolint:gosec // Platform file path is controlled by admin/operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read platform file %s: %w", path, err)
	}
	spec := &Spec{}
	if err := yaml.Unmarshal(data, spec); err != nil {
		return nil, fmt.Errorf("failed to parse platform file %s: %w", path, err)
	}
	if len(spec.Users) == 0 {
		spec.Users = []int32{domain.DefaultScope}
	}
	if len(spec.Active) == 0 {
		spec.Active = []int32{domain.DefaultScope}
	}
	return spec, nil
}

// Local answers bundle and account questions from a static Spec.
type Local struct {
	mu   sync.RWMutex
	spec *Spec
}

// NewLocal wraps the spec. A nil spec yields an empty platform with only
// the default account.
func NewLocal(spec *Spec) *Local {
	if spec == nil {
		spec = &Spec{Users: []int32{domain.DefaultScope}, Active: []int32{domain.DefaultScope}}
	}
	return &Local{spec: spec}
}

// Reload swaps the platform description, e.g. after a config reload.
func (l *Local) Reload(spec *Spec) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.spec = spec
}

func (l *Local) ResolveAdminComponent(_ context.Context, id domain.Identity, _ int32) (engine.ComponentInfo, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	bundle, ok := l.spec.Bundles[id.BundleName]
	if !ok {
		return engine.ComponentInfo{}, fmt.Errorf("bundle %s is not installed", id.BundleName)
	}
	if bundle.AdminClass == "" {
		return engine.ComponentInfo{}, fmt.Errorf("bundle %s declares no administration component", id.BundleName)
	}
	return engine.ComponentInfo{
		Identity:             domain.Identity{BundleName: id.BundleName, ClassName: bundle.AdminClass},
		RequestedPermissions: append([]string(nil), bundle.Permissions...),
	}, nil
}

func (l *Local) OwnerOfUID(_ context.Context, uid int32) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for name, bundle := range l.spec.Bundles {
		if bundle.UID == uid {
			return name, nil
		}
	}
	return "", fmt.Errorf("no bundle owns uid %d", uid)
}

func (l *Local) ActiveUserIDs(context.Context) ([]int32, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]int32(nil), l.spec.Active...), nil
}

func (l *Local) AccountExists(_ context.Context, scope int32) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, id := range l.spec.Users {
		if id == scope {
			return true, nil
		}
	}
	return false, nil
}

// LogBroker delivers notifications to the structured log. Deployments with
// a real component channel replace it.
type LogBroker struct {
	Logger *slog.Logger
}

func (b LogBroker) Notify(n engine.Notification) {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		"id", n.ID,
		"command", n.Command.String(),
		"admin", n.Admin,
		"scope", n.Scope,
		"event", uint32(n.Event),
		"subject", n.Subject,
	)
}

// LogObserver records the app-state subscription lifecycle in the
// structured log. Deployments with a real application-lifecycle feed
// replace it, the way LogBroker stands in for a component channel.
type LogObserver struct {
	Logger *slog.Logger
}

func (o LogObserver) Subscribe(context.Context) error {
	o.logger().Info("app-state observer attached")
	return nil
}

func (o LogObserver) Unsubscribe(context.Context) error {
	o.logger().Info("app-state observer detached")
	return nil
}

func (o LogObserver) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// MemoryFlag keeps the admin-present flag in memory.
type MemoryFlag struct {
	mu      sync.Mutex
	present bool
}

func (f *MemoryFlag) SetAdminPresent(_ context.Context, present bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.present = present
	return nil
}

// AdminPresent reads the flag.
func (f *MemoryFlag) AdminPresent() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.present
}
