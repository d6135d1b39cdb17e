// Package main is the entry point for the fleetpolicyd binary, the
// device-policy administration daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/fleetpolicy/pkg/adminreg"
	"github.com/polisai/fleetpolicy/pkg/authz"
	"github.com/polisai/fleetpolicy/pkg/config"
	"github.com/polisai/fleetpolicy/pkg/engine"
	"github.com/polisai/fleetpolicy/pkg/logging"
	"github.com/polisai/fleetpolicy/pkg/platform"
	"github.com/polisai/fleetpolicy/pkg/plugin"
	"github.com/polisai/fleetpolicy/pkg/plugins"
	"github.com/polisai/fleetpolicy/pkg/policystore"
	"github.com/polisai/fleetpolicy/pkg/storage"
	"github.com/polisai/fleetpolicy/pkg/storage/sqlite"
	"github.com/polisai/fleetpolicy/pkg/telemetry"
)

// version is stamped at build time.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fleetpolicyd",
		Short: "Device-policy administration daemon",
		Long: `fleetpolicyd tracks enterprise administrators per OS user account and
dispatches device-policy operations to the registered policy plugins.`,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd(), newDumpCmd(), newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if override, _ := cmd.Flags().GetString("log-level"); override != "" {
		cfg.Logging.Level = strings.ToLower(override)
	}
	return cfg, nil
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "memory":
		return storage.NewMemoryStore(), nil
	default:
		return sqlite.Open(cfg.Path)
	}
}

func newAuthorizer(ctx context.Context, cfg config.AuthzConfig) (authz.Authorizer, error) {
	if cfg.Driver == "static" {
		return authz.Static{}, nil
	}

	modules := map[string]string{"fleet_authz.rego": authz.DefaultModule}
	if cfg.ModuleDir != "" {
		paths, err := filepath.Glob(filepath.Join(cfg.ModuleDir, "*.rego"))
		if err != nil {
			return nil, err
		}
		if len(paths) > 0 {
			modules = make(map[string]string, len(paths))
		}
		for _, path := range paths {
			//nolint:gosec // Module dir is controlled by admin/operator
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read rego module %s: %w", path, err)
			}
			modules[filepath.Base(path)] = string(data)
		}
	}

	return authz.NewEngine(ctx, authz.EngineOptions{
		Entrypoint:      cfg.Entrypoint,
		Modules:         modules,
		CacheMaxEntries: cfg.CacheMaxEntries,
	})
}

// permissionGrades declares which platform permissions a normal
// administrator may be granted and which require the super administrator.
func permissionGrades() map[string]adminreg.PermissionGrade {
	return map[string]adminreg.PermissionGrade{
		plugins.PermSetDateTime:      adminreg.GradeNormal,
		plugins.PermEnterpriseDevice: adminreg.GradeNormal,
		plugins.PermDisableNetwork:   adminreg.GradeSuper,
		plugins.PermManageInstall:    adminreg.GradeSuper,
	}
}

// buildEngine assembles the engine from configuration. The returned
// cleanup closes the storage handle.
func buildEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*engine.Engine, *platform.Local, func(), error) {
	store, err := openStore(cfg.Storage)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open storage: %w", err)
	}
	cleanup := func() {
		if cerr := store.Close(); cerr != nil {
			logger.Warn("closing storage failed", "error", cerr)
		}
	}

	var spec *platform.Spec
	if cfg.Platform.File != "" {
		if spec, err = platform.LoadSpec(cfg.Platform.File); err != nil {
			cleanup()
			return nil, nil, nil, err
		}
	}
	local := platform.NewLocal(spec)

	registry, err := plugin.NewRegistry(plugins.Default(platform.SystemClock{})...)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	admins, err := adminreg.New(ctx, store, logger)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	policies, err := policystore.New(ctx, store, logger)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	authorizer, err := newAuthorizer(ctx, cfg.Authz)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	eng, err := engine.New(ctx, engine.Options{
		Admins:      admins,
		Permissions: adminreg.NewPermissionRegistry(permissionGrades()),
		Policies:    policies,
		Plugins:     registry,
		Bundles:     local,
		Accounts:    local,
		Authorizer:  authorizer,
		Broker:      platform.LogBroker{Logger: logger},
		Flag:        &platform.MemoryFlag{},
		AppObserver: platform.LogObserver{Logger: logger},
		Logger:      logger,
	})
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	return eng, local, cleanup, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the administration engine",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, level := logging.NewDynamicLogger(logging.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: "fleetpolicyd",
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}

	eng, local, cleanup, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	logger.Info("starting fleetpolicyd",
		"version", version,
		"storage", cfg.Storage.Driver,
		"authz", cfg.Authz.Driver,
		"metrics_address", cfg.Server.MetricsAddress,
	)

	// Hot reload: log level and platform description follow the config
	// file; storage and authz changes need a restart.
	configPath, _ := cmd.Flags().GetString("config")
	if configPath != "" {
		watcher, werr := config.NewWatcher(configPath, func(path string) error {
			next, lerr := config.Load(path)
			if lerr != nil {
				return lerr
			}
			level.Set(logging.ParseLevel(next.Logging.Level))
			if next.Platform.File != "" {
				spec, serr := platform.LoadSpec(next.Platform.File)
				if serr != nil {
					return serr
				}
				local.Reload(spec)
			}
			return nil
		}, logger)
		if werr != nil {
			return werr
		}
		if werr := watcher.Start(ctx); werr != nil {
			return werr
		}
		defer func() {
			if serr := watcher.Stop(); serr != nil {
				logger.Warn("stopping config watcher failed", "error", serr)
			}
		}()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", eng.Metrics().Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/dump", func(w http.ResponseWriter, _ *http.Request) {
		if derr := eng.Dump(w); derr != nil {
			http.Error(w, derr.Error(), http.StatusInternalServerError)
		}
	})

	server := &http.Server{
		Addr:              cfg.Server.MetricsAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if serr := server.ListenAndServe(); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			errCh <- serr
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case serr := <-errCh:
		logger.Error("metrics server error", "error", serr)
		err = serr
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("metrics server shutdown failed", "error", serr)
	}
	if serr := shutdownTracing(shutdownCtx); serr != nil {
		logger.Warn("tracing shutdown failed", "error", serr)
	}

	logger.Info("fleetpolicyd stopped")
	return err
}

func newDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print the enabled administrators and their policy holdings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := logging.NewLogger(logging.Config{Level: "error", Pretty: true})

			eng, _, cleanup, err := buildEngine(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			return eng.Dump(cmd.OutOrStdout())
		},
	}
}
