package migrations

import (
	"fmt"
	"io/fs"
	"strings"

	qbsync "github.com/goliatone/go-qbsync"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// Postgres migrations sit at the root of the tree; sqlite carries its own
// rendition of each file under sqlite/.
const (
	rootDir   = "data/sql/migrations"
	sqliteDir = rootDir + "/sqlite"
)

// ForDialect returns the embedded migration set for dialect, ready to hand to
// a go-persistence-bun client.
func ForDialect(dialect string) (fs.FS, error) {
	return forDialect(qbsync.GetMigrationsFS(), dialect)
}

func forDialect(root fs.FS, dialect string) (fs.FS, error) {
	dir, err := dialectDir(dialect)
	if err != nil {
		return nil, err
	}
	sub, err := fs.Sub(root, dir)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve %s: %w", dir, err)
	}
	if err := validatePairs(sub, dir); err != nil {
		return nil, err
	}
	return sub, nil
}

func dialectDir(dialect string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(dialect)) {
	case DialectPostgres:
		return rootDir, nil
	case DialectSQLite:
		return sqliteDir, nil
	default:
		return "", fmt.Errorf("migrations: unsupported dialect %q", dialect)
	}
}

// validatePairs requires at least one up migration and a down file for
// every up file.
func validatePairs(fsys fs.FS, dir string) error {
	ups, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return fmt.Errorf("migrations: glob %s: %w", dir, err)
	}
	if len(ups) == 0 {
		return fmt.Errorf("migrations: %s has no *.up.sql files", dir)
	}
	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(fsys, down); err != nil {
			return fmt.Errorf("migrations: %s/%s has no matching %s", dir, up, down)
		}
	}
	return nil
}
