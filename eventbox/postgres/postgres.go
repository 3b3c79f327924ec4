package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"

	// File system migration source, used by migrate.NewWithDatabaseInstance.
	_ "github.com/golang-migrate/migrate/v4/source/file"
	// Registers the pgx stdlib driver under "pgx".
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/halberd-labs/lib-eventbox/eventbox/log"
	"github.com/halberd-labs/lib-eventbox/eventbox/sanitize"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	ErrPrimaryDSNRequired = errors.New("primary connection string is required")
	ErrNoPrimaryDB        = errors.New("no primary database configured")
	ErrNotConnected       = errors.New("postgres client is not connected")

	dbNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Config holds the connection settings for a Client.
type Config struct {
	// PrimaryDSN is the read-write connection string.
	PrimaryDSN string
	// ReplicaDSN is the read-only connection string. Defaults to PrimaryDSN
	// so single-node setups need no replica.
	ReplicaDSN string
	// DatabaseName names the database migrations run against.
	DatabaseName string
	// MigrationsPath points at the migration files. Empty skips migrations.
	MigrationsPath string
	// AllowMultiStatements enables multi-statement migration files.
	AllowMultiStatements bool
	MaxOpenConns         int
	MaxIdleConns         int
	ConnMaxLifetime      time.Duration
	ConnMaxIdleTime      time.Duration
	Logger               log.Logger
}

func (cfg *Config) normalize() {
	if cfg.ReplicaDSN == "" {
		cfg.ReplicaDSN = cfg.PrimaryDSN
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = defaultMaxOpenConns
	}

	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = defaultMaxIdleConns
	}

	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = defaultConnMaxLifetime
	}

	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = defaultConnMaxIdleTime
	}

	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}
}

// Client manages the primary/replica connection pair. Reads are balanced over
// replicas by the resolver; claims and writes always go to the primary.
type Client struct {
	cfg Config

	mu        sync.RWMutex
	resolver  dbresolver.DB
	primary   *sql.DB
	connected bool
}

// NewClient creates a client from cfg. Connect must be called before use.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.PrimaryDSN) == "" {
		return nil, ErrPrimaryDSNRequired
	}

	cfg.normalize()

	return &Client{cfg: cfg}, nil
}

// Connect opens the primary and replica pools, runs pending migrations on the
// primary, and verifies connectivity.
func (client *Client) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	client.mu.Lock()
	defer client.mu.Unlock()

	if client.connected {
		return nil
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	client.cfg.Logger.Log(ctx, log.LevelInfo, "connecting to postgres")

	primary, err := openPool(client.cfg, client.cfg.PrimaryDSN)
	if err != nil {
		log.SafeError(client.cfg.Logger, ctx, "failed to open primary pool", err, false)

		return fmt.Errorf("open primary pool: %s", sanitize.Error(err))
	}

	var success bool

	defer func() {
		if !success {
			_ = primary.Close()
		}
	}()

	replica, err := openPool(client.cfg, client.cfg.ReplicaDSN)
	if err != nil {
		log.SafeError(client.cfg.Logger, ctx, "failed to open replica pool", err, false)

		return fmt.Errorf("open replica pool: %s", sanitize.Error(err))
	}

	defer func() {
		if !success {
			_ = replica.Close()
		}
	}()

	resolver, err := newResolver(primary, replica)
	if err != nil {
		return fmt.Errorf("create resolver: %w", err)
	}

	if client.cfg.MigrationsPath != "" {
		if err := client.runMigrations(ctx, primary); err != nil {
			return err
		}
	}

	if err := resolver.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	client.resolver = resolver
	client.primary = primary
	client.connected = true
	success = true

	client.cfg.Logger.Log(ctx, log.LevelInfo, "connected to postgres")

	return nil
}

// Resolver returns the read/write-splitting connection, connecting lazily.
func (client *Client) Resolver(ctx context.Context) (dbresolver.DB, error) {
	client.mu.RLock()
	if client.connected {
		resolver := client.resolver
		client.mu.RUnlock()

		return resolver, nil
	}
	client.mu.RUnlock()

	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	client.mu.RLock()
	defer client.mu.RUnlock()

	return client.resolver, nil
}

// Primary returns the read-write pool, connecting lazily. Outbox claims and
// inbox dedup inserts must run here, never on a replica.
func (client *Client) Primary(ctx context.Context) (*sql.DB, error) {
	client.mu.RLock()
	if client.connected && client.primary != nil {
		primary := client.primary
		client.mu.RUnlock()

		return primary, nil
	}
	client.mu.RUnlock()

	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	client.mu.RLock()
	defer client.mu.RUnlock()

	if client.primary == nil {
		return nil, ErrNoPrimaryDB
	}

	return client.primary, nil
}

// Close releases the connection pools.
func (client *Client) Close() error {
	client.mu.Lock()
	defer client.mu.Unlock()

	if client.resolver == nil {
		return nil
	}

	err := client.resolver.Close()
	client.resolver = nil
	client.primary = nil
	client.connected = false

	return err
}

// IsConnected reports whether the pools are initialized.
func (client *Client) IsConnected() bool {
	client.mu.RLock()
	defer client.mu.RUnlock()

	return client.connected
}

func openPool(cfg Config, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return db, nil
}

func newResolver(primary, replica *sql.DB) (resolver dbresolver.DB, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("resolver construction panicked: %v", recovered)
		}
	}()

	resolver = dbresolver.New(
		dbresolver.WithPrimaryDBs(primary),
		dbresolver.WithReplicaDBs(replica),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)

	if resolver == nil {
		return nil, errors.New("resolver returned nil connection")
	}

	return resolver, nil
}

func (client *Client) runMigrations(ctx context.Context, primary *sql.DB) error {
	if err := validateDBName(client.cfg.DatabaseName); err != nil {
		return err
	}

	migrationsPath, err := sanitizePath(client.cfg.MigrationsPath)
	if err != nil {
		return err
	}

	sourceURL, err := url.Parse(filepath.ToSlash(migrationsPath))
	if err != nil {
		return fmt.Errorf("parse migrations url: %w", err)
	}

	sourceURL.Scheme = "file"

	driver, err := migratepostgres.WithInstance(primary, &migratepostgres.Config{
		MultiStatementEnabled: client.cfg.AllowMultiStatements,
		DatabaseName:          client.cfg.DatabaseName,
		SchemaName:            "public",
	})
	if err != nil {
		return fmt.Errorf("create postgres migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(sourceURL.String(), client.cfg.DatabaseName, driver)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			client.cfg.Logger.Log(ctx, log.LevelInfo, "no new migrations found")

			return nil
		}

		if errors.Is(err, os.ErrNotExist) {
			client.cfg.Logger.Log(ctx, log.LevelWarn, "no migration files found, skipping migration step")

			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("invalid database name: %q", name)
	}

	return nil
}

// sanitizePath rejects parent-directory traversal in migration paths.
func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)

	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	return absPath, nil
}
