package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"prefdb/internal/config"
	"prefdb/internal/logging"
	"prefdb/internal/settings"
	"prefdb/internal/shell"
	"prefdb/internal/store"
	"prefdb/internal/store/bolt"
	"prefdb/internal/store/memory"
	"prefdb/internal/store/sqlite"
)

var logger = logging.For("cli")

var (
	configPath string
	backend    string
	dbPath     string
	contextID  string
	logLevel   string
	timeout    time.Duration

	cfg     *config.Config
	db      *settings.DB
	mgr     *settings.Manager
	session *shell.Session
)

func Execute() error {
	root := &cobra.Command{
		Use:           "prefdb",
		Short:         "Transactional settings store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup()
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.prefdb/config.toml)")
	root.PersistentFlags().StringVar(&backend, "backend", "", "storage backend: bolt, sqlite or memory (overrides config)")
	root.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides config)")
	root.PersistentFlags().StringVar(&contextID, "context", "cli", "execution context the permissions are looked up for")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", shell.DefaultTimeout, "how long to wait for each operation")

	root.AddCommand(getCmd(), setCmd(), clearCmd(), dumpCmd(), watchCmd(), shellCmd(), serveCmd())

	err := root.Execute()
	shutdown()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

func setup() error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}

	// CLI flags override config file values
	if backend != "" {
		cfg.Store.Backend = backend
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	cfg.Store.Path = config.ExpandHome(cfg.Store.Path)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logging.Init(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	opener, err := openerFor(cfg.Store)
	if err != nil {
		return err
	}
	db = settings.Open(opener, settings.Options{
		Workers:      cfg.Scheduler.Workers,
		ChangeBuffer: cfg.Changes.Buffer,
		Origin:       contextID,
	})

	if len(cfg.Defaults) > 0 {
		defaults := make(map[string]settings.Value, len(cfg.Defaults))
		for k, v := range cfg.Defaults {
			defaults[k] = settings.FromNative(v)
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		n, err := db.SeedDefaults(ctx, defaults)
		cancel()
		if err != nil {
			return fmt.Errorf("seeding defaults: %w", err)
		}
		logger.Debug("seeded defaults", "written", n, "configured", len(defaults))
	}

	mgr = settings.NewManager(db, cfg.Permissions)
	if err := mgr.Init(contextID); err != nil {
		return err
	}
	session, err = shell.NewSession(mgr, timeout)
	return err
}

func openerFor(sc config.StoreConfig) (store.Opener, error) {
	switch sc.Backend {
	case config.BackendMemory:
		return memory.New().Opener(), nil
	case config.BackendBolt, config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(sc.Path), 0o700); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		if sc.Backend == config.BackendSQLite {
			return sqlite.Opener(sc.Path), nil
		}
		return bolt.Opener(sc.Path), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", sc.Backend)
	}
}

func shutdown() {
	if session != nil {
		if err := session.Close(); err != nil {
			logger.Warn("closing session", "err", err)
		}
	}
	if mgr != nil {
		mgr.Teardown()
	}
	if db != nil {
		if err := db.Close(); err != nil {
			logger.Warn("closing database", "err", err)
		}
	}
}
