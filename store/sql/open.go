package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/goliatone/go-qbsync/migrations"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

// DatabaseConfig satisfies the go-persistence-bun client config.
type DatabaseConfig struct {
	Driver      string        `koanf:"driver" mapstructure:"driver" yaml:"driver"`
	DSN         string        `koanf:"dsn" mapstructure:"dsn" yaml:"dsn"`
	Debug       bool          `koanf:"debug" mapstructure:"debug" yaml:"debug"`
	PingTimeout time.Duration `koanf:"ping_timeout" mapstructure:"ping_timeout" yaml:"ping_timeout"`
}

func (c DatabaseConfig) GetDebug() bool {
	return c.Debug
}

func (c DatabaseConfig) GetDriver() string {
	return c.Driver
}

func (c DatabaseConfig) GetServer() string {
	return c.DSN
}

func (c DatabaseConfig) GetPingTimeout() time.Duration {
	if c.PingTimeout <= 0 {
		return 5 * time.Second
	}
	return c.PingTimeout
}

func (c DatabaseConfig) GetOtelIdentifier() string {
	return "go-qbsync"
}

// MigrationDialect maps the configured driver to the migrations dialect.
func (c DatabaseConfig) MigrationDialect() (string, error) {
	switch strings.ToLower(strings.TrimSpace(c.Driver)) {
	case "sqlite", "sqlite3":
		return migrations.DialectSQLite, nil
	case "postgres", "postgresql", "pq":
		return migrations.DialectPostgres, nil
	default:
		return "", fmt.Errorf("sqlstore: unsupported driver %q", c.Driver)
	}
}

// Open connects a go-persistence-bun client for the sqlite3 or postgres
// driver.
func Open(cfg DatabaseConfig) (*persistence.Client, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlstore: dsn is required")
	}
	dialectName, err := cfg.MigrationDialect()
	if err != nil {
		return nil, err
	}

	var (
		driverName string
		dialect    schema.Dialect
	)
	switch dialectName {
	case migrations.DialectSQLite:
		driverName = "sqlite3"
		dialect = sqlitedialect.New()
	default:
		driverName = "postgres"
		dialect = pgdialect.New()
	}
	cfg.Driver = driverName

	sqlDB, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driverName, err)
	}
	if dialectName == migrations.DialectSQLite {
		sqlDB.SetMaxOpenConns(1)
	}

	client, err := persistence.New(cfg, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlstore: new persistence client: %w", err)
	}
	return client, nil
}

// Migrate registers the embedded migrations for dialect and applies them.
func Migrate(ctx context.Context, client *persistence.Client, dialect string) error {
	if client == nil {
		return fmt.Errorf("sqlstore: persistence client is required")
	}
	fsys, err := migrations.ForDialect(dialect)
	if err != nil {
		return err
	}
	client.RegisterSQLMigrations(fsys)
	return client.Migrate(ctx)
}
