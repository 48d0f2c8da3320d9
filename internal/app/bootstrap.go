package app

import (
	"context"
	"fmt"
	"log/slog"

	"quote_scanner/internal/feed"
	"quote_scanner/internal/infra"
	"quote_scanner/internal/infra/storage"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	ConfigPath string
	Config     *infra.Config
	Storage    *storage.Storage
	Audit      *storage.AuditSink
	Scanner    *Scanner
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap(configPath string) *Bootstrap {
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	return &Bootstrap{ConfigPath: configPath}
}

// Initialize performs core system initialization (config, DB, caches)
func (b *Bootstrap) Initialize(ctx context.Context) error {
	slog.Info("🚀 Bootstrapping Quote Scanner...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(b.ConfigPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	// 3. Initialize Storage (DB)
	store, err := storage.Open(StorageOptions(cfg))
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized", slog.String("driver", cfg.Storage.Driver))

	// 4. Trade audit (optional)
	deps := Deps{
		Prices:    store,
		Directory: store,
		Client:    feed.NewWSClient(cfg.Feed.URL, cfg.Feed.Token),
	}
	if cfg.Storage.Audit.Enabled {
		b.Audit = storage.NewAuditSink(store, storage.AuditConfig{
			QueueSize:     cfg.Storage.Audit.QueueSize,
			BatchSize:     cfg.Storage.Audit.BatchSize,
			FlushInterval: cfg.Storage.Audit.FlushInterval,
		})
		b.Audit.Start(ctx)
		deps.Trades = b.Audit
		slog.Info("✅ Trade audit enabled")
	}

	// 5. Component graph
	scanner, err := NewScanner(cfg, deps)
	if err != nil {
		return err
	}
	b.Scanner = scanner

	// 6. Initial cache load. The scanner cannot enrich without it.
	if err := scanner.Load(ctx); err != nil {
		return fmt.Errorf("initial load: %w", err)
	}
	slog.Info("✅ Reference caches loaded")
	return nil
}

// Shutdown stops the scanner and releases storage.
func (b *Bootstrap) Shutdown() {
	if b.Scanner != nil {
		b.Scanner.Stop()
	}
	if b.Audit != nil {
		b.Audit.Close()
	}
	if b.Storage != nil {
		if err := b.Storage.Close(); err != nil {
			slog.Warn("Failed to close database", slog.Any("error", err))
		}
	}
}

// StorageOptions maps the storage section to backend options.
func StorageOptions(cfg *infra.Config) storage.Options {
	sc := cfg.Storage
	return storage.Options{
		Driver: storage.Driver(sc.Driver),
		Path:   sc.Path,
		Postgres: storage.PGOption{
			Host:       sc.Host,
			Port:       sc.Port,
			User:       sc.User,
			Password:   sc.Password,
			Database:   sc.Database,
			SSLMode:    sc.SSLMode,
			ConnString: sc.DSN,
		},
	}
}
