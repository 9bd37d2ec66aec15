package main

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/goliatone/go-qbsync/core"

	"github.com/spf13/cobra"
)

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
	// exitCodeReauthorize means the operator has to open the printed
	// authorization URL before retrying.
	exitCodeReauthorize = 2
)

const (
	envConfig   = "QBSYNC_CONFIG"
	envDBDriver = "QBSYNC_DB_DRIVER"
	envDBDSN    = "QBSYNC_DB_DSN"
	envAppKey   = "QBSYNC_APP_KEY"
	envRedisURL = "QBSYNC_REDIS_URL"
)

type rootOptions struct {
	configPath  string
	dbDriver    string
	dbDSN       string
	dbDebug     bool
	appKey      string
	integration string
	redisURL    string
	logLevel    string
	cacheTTL    time.Duration
}

func run(args []string) int {
	cmd := newRootCmd(os.Stdout, os.Stderr)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		return exitCode(err)
	}
	return exitCodeSuccess
}

func exitCode(err error) int {
	if core.HasErrorCode(err, core.ErrorReauthorizationRequired) || core.HasErrorCode(err, core.ErrorExchangeRejected) {
		return exitCodeReauthorize
	}
	return exitCodeError
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "qbsync",
		Short: "Authorize against QuickBooks Online and sync accounts",
		Long: `qbsync keeps the QuickBooks OAuth2 token pair of an integration record
fresh and runs account sync cycles that recover from expired access tokens.`,
		SilenceUsage: true,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", os.Getenv(envConfig), "YAML configuration file")
	flags.StringVar(&opts.dbDriver, "db-driver", envOr(envDBDriver, "sqlite3"), "database driver (sqlite3 or postgres)")
	flags.StringVar(&opts.dbDSN, "db-dsn", envOr(envDBDSN, "file:qbsync.db?cache=shared&_fk=1"), "database DSN")
	flags.BoolVar(&opts.dbDebug, "db-debug", false, "log SQL statements")
	flags.StringVar(&opts.appKey, "app-key", os.Getenv(envAppKey), "key used to encrypt secrets and tokens at rest")
	flags.StringVar(&opts.integration, "integration", "quickbooks", "integration record name")
	flags.StringVar(&opts.redisURL, "redis-url", os.Getenv(envRedisURL), "redis URL for the cross-process refresh lock")
	flags.DurationVar(&opts.cacheTTL, "metadata-cache-ttl", 0, "cache integration metadata reads for this long (0 disables)")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newMigrateCmd(opts),
		newProvisionCmd(opts),
		newAuthorizeCmd(opts),
		newCallbackCmd(opts),
		newRefreshCmd(opts),
		newSyncCmd(opts),
		newShowCmd(opts),
	)
	return cmd
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
