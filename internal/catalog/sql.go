package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// SQLCatalog reads the gallery tables over database/sql.
type SQLCatalog struct {
	db     *sql.DB
	driver string
}

// Open connects to the catalog database and verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*SQLCatalog, error) {
	driver = strings.ToLower(driver)

	switch driver {
	case DriverSQLite:
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("create catalog directory: %w", err)
			}
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported catalog driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s catalog: %w", driver, err)
	}

	if driver == DriverSQLite {
		// Single connection: pragmas are per connection and :memory: is per connection
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)

		pragmas := []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA busy_timeout = 5000",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA foreign_keys = ON",
		}
		for _, pragma := range pragmas {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to set pragma: %w", err)
			}
		}
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging %s catalog: %w", driver, err)
	}

	return &SQLCatalog{db: db, driver: driver}, nil
}

// Close closes the database.
func (c *SQLCatalog) Close() error {
	return c.db.Close()
}

// rebind rewrites ? placeholders to $1..$n for postgres.
func (c *SQLCatalog) rebind(query string) string {
	if c.driver != DriverPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS package_registrations (
		id_lower TEXT PRIMARY KEY,
		id       TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS packages (
		package_key      INTEGER PRIMARY KEY,
		registration     TEXT NOT NULL REFERENCES package_registrations(id_lower),
		version          TEXT NOT NULL,
		title            TEXT,
		description      TEXT NOT NULL,
		tags             TEXT,
		published        TIMESTAMP NULL,
		is_prerelease    BOOLEAN NOT NULL DEFAULT FALSE,
		is_latest        BOOLEAN NOT NULL DEFAULT FALSE,
		is_latest_stable BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS packages_registration ON packages (registration)`,
	`CREATE TABLE IF NOT EXISTS package_authors (
		package_key INTEGER NOT NULL REFERENCES packages(package_key) ON DELETE CASCADE,
		position    INTEGER NOT NULL,
		name        TEXT NOT NULL,
		PRIMARY KEY (package_key, position)
	)`,
}

// EnsureSchema creates the catalog tables when missing.
func (c *SQLCatalog) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating catalog schema: %w", err)
		}
	}
	return nil
}

// InTx runs fn in a transaction, rolling back on error.
func (c *SQLCatalog) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rolling back transaction after error %v: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// SavePackage inserts or updates one version and recomputes the latest
// flags of its registration.
func (c *SQLCatalog) SavePackage(ctx context.Context, p Package) error {
	return c.InTx(ctx, func(tx *sql.Tx) error {
		return c.savePackage(ctx, tx, p)
	})
}

// SavePackages saves pkgs in one transaction.
func (c *SQLCatalog) SavePackages(ctx context.Context, pkgs []Package) error {
	return c.InTx(ctx, func(tx *sql.Tx) error {
		for _, p := range pkgs {
			if err := c.savePackage(ctx, tx, p); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *SQLCatalog) savePackage(ctx context.Context, tx *sql.Tx, p Package) error {
	reg := strings.ToLower(p.ID)

	if _, err := tx.ExecContext(ctx, c.rebind(
		`INSERT INTO package_registrations (id_lower, id) VALUES (?, ?)
		 ON CONFLICT (id_lower) DO NOTHING`), reg, p.ID); err != nil {
		return fmt.Errorf("saving registration %s: %w", p.ID, err)
	}

	published := sql.NullTime{Time: p.Published.UTC(), Valid: !p.Published.IsZero()}
	if _, err := tx.ExecContext(ctx, c.rebind(
		`INSERT INTO packages (package_key, registration, version, title, description, tags, published, is_prerelease)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (package_key) DO UPDATE SET
			registration = excluded.registration,
			version = excluded.version,
			title = excluded.title,
			description = excluded.description,
			tags = excluded.tags,
			published = excluded.published,
			is_prerelease = excluded.is_prerelease`),
		p.Key, reg, p.Version, p.Title, p.Description, p.Tags, published, p.Prerelease); err != nil {
		return fmt.Errorf("saving package %s %s: %w", p.ID, p.Version, err)
	}

	if _, err := tx.ExecContext(ctx, c.rebind(`DELETE FROM package_authors WHERE package_key = ?`), p.Key); err != nil {
		return fmt.Errorf("clearing authors of %s: %w", p.ID, err)
	}
	for i, name := range p.Authors {
		if _, err := tx.ExecContext(ctx, c.rebind(
			`INSERT INTO package_authors (package_key, position, name) VALUES (?, ?, ?)`),
			p.Key, i, name); err != nil {
			return fmt.Errorf("saving author of %s: %w", p.ID, err)
		}
	}

	return c.updateLatestFlags(ctx, tx, reg)
}

// updateLatestFlags marks exactly one IsLatest and at most one
// IsLatestStable version of a registration.
func (c *SQLCatalog) updateLatestFlags(ctx context.Context, tx *sql.Tx, reg string) error {
	rows, err := tx.QueryContext(ctx, c.rebind(
		`SELECT package_key, published, is_prerelease FROM packages WHERE registration = ?`), reg)
	if err != nil {
		return fmt.Errorf("loading versions of %s: %w", reg, err)
	}

	var versions []Package
	for rows.Next() {
		var (
			p         Package
			published sql.NullTime
		)
		if err := rows.Scan(&p.Key, &published, &p.Prerelease); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scanning versions of %s: %w", reg, err)
		}
		if published.Valid {
			p.Published = published.Time.UTC()
		}
		versions = append(versions, p)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	latestKey, stableKey := -1, -1
	all, stable := latest(versions)
	if all != nil {
		latestKey = all.Key
	}
	if stable != nil {
		stableKey = stable.Key
	}

	if _, err := tx.ExecContext(ctx, c.rebind(
		`UPDATE packages SET is_latest = (package_key = ?), is_latest_stable = (package_key = ?)
		 WHERE registration = ?`), latestKey, stableKey, reg); err != nil {
		return fmt.Errorf("updating latest flags of %s: %w", reg, err)
	}
	return nil
}

// GetLatestPackageVersions implements Catalog.
func (c *SQLCatalog) GetLatestPackageVersions(ctx context.Context, includePrerelease bool) ([]Package, error) {
	flag := "is_latest_stable"
	if includePrerelease {
		flag = "is_latest"
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT p.package_key, r.id, p.version, p.title, p.description, p.tags, p.published, p.is_prerelease
		 FROM packages p JOIN package_registrations r ON r.id_lower = p.registration
		 WHERE p.`+flag+`
		 ORDER BY p.package_key`)
	if err != nil {
		return nil, fmt.Errorf("querying latest packages: %w", err)
	}
	defer rows.Close()

	var pkgs []Package
	index := make(map[int]int)
	for rows.Next() {
		var (
			p           Package
			title, tags sql.NullString
			published   sql.NullTime
		)
		if err := rows.Scan(&p.Key, &p.ID, &p.Version, &title, &p.Description, &tags, &published, &p.Prerelease); err != nil {
			return nil, fmt.Errorf("scanning package: %w", err)
		}
		p.Title = title.String
		p.Tags = tags.String
		if published.Valid {
			p.Published = published.Time.UTC()
		}
		index[p.Key] = len(pkgs)
		pkgs = append(pkgs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading packages: %w", err)
	}
	if len(pkgs) == 0 {
		return pkgs, nil
	}

	authors, err := c.db.QueryContext(ctx,
		`SELECT a.package_key, a.name FROM package_authors a
		 JOIN packages p ON p.package_key = a.package_key
		 WHERE p.`+flag+`
		 ORDER BY a.package_key, a.position`)
	if err != nil {
		return nil, fmt.Errorf("querying authors: %w", err)
	}
	defer authors.Close()

	for authors.Next() {
		var (
			key  int
			name string
		)
		if err := authors.Scan(&key, &name); err != nil {
			return nil, fmt.Errorf("scanning author: %w", err)
		}
		if i, ok := index[key]; ok {
			pkgs[i].Authors = append(pkgs[i].Authors, name)
		}
	}
	if err := authors.Err(); err != nil {
		return nil, fmt.Errorf("reading authors: %w", err)
	}

	return pkgs, nil
}

var _ Catalog = (*SQLCatalog)(nil)
