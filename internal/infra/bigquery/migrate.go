package bigquery

import (
	"context"
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const schemaMigrationsTable = "schema_migrations"

// migrationPattern matches files named like 0001_name.sql.
var migrationPattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

// Migration is a single warehouse DDL file.
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string
}

// AppliedMigration is a row of the schema_migrations ledger.
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt time.Time
	Checksum  string
	AppliedBy string
}

// parseMigrationName splits a migration file name into version and name.
func parseMigrationName(filename string) (int, string, bool) {
	m := migrationPattern.FindStringSubmatch(filename)
	if m == nil {
		return 0, "", false
	}
	version, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, "", false
	}
	return version, m[2], true
}

// loadMigrations reads every migration from fsys, substitutes the project
// and dataset placeholders and sorts by version. The checksum covers the
// file before substitution so one migration has the same checksum in every
// dataset it is applied to.
func loadMigrations(fsys fs.FS, projectID, datasetID string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("reading migrations: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, name, ok := parseMigrationName(entry.Name())
		if !ok {
			continue
		}

		content, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", entry.Name(), err)
		}

		sql := strings.ReplaceAll(string(content), "{{PROJECT_ID}}", projectID)
		sql = strings.ReplaceAll(sql, "{{DATASET_ID}}", datasetID)

		migrations = append(migrations, Migration{
			Version:  version,
			Name:     name,
			SQL:      sql,
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// pendingMigrations returns the migrations whose version is not applied yet.
func pendingMigrations(all []Migration, applied []AppliedMigration) []Migration {
	done := make(map[int]bool, len(applied))
	for _, am := range applied {
		done[am.Version] = true
	}
	var pending []Migration
	for _, m := range all {
		if !done[m.Version] {
			pending = append(pending, m)
		}
	}
	return pending
}

// Migrate applies the embedded warehouse migrations that are not recorded
// in schema_migrations yet and returns how many ran.
func (w *Warehouse) Migrate(ctx context.Context, appliedBy string, log zerolog.Logger) (int, error) {
	if err := w.ensureMigrationsTable(ctx); err != nil {
		return 0, fmt.Errorf("Migrate: ensure ledger: %w", err)
	}

	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("Migrate: %w", err)
	}
	all, err := loadMigrations(sub, w.projectID, w.datasetID)
	if err != nil {
		return 0, fmt.Errorf("Migrate: %w", err)
	}

	applied, err := w.AppliedMigrations(ctx)
	if err != nil {
		return 0, fmt.Errorf("Migrate: %w", err)
	}

	count := 0
	for _, m := range pendingMigrations(all, applied) {
		mlog := log.With().Int("version", m.Version).Str("name", m.Name).Logger()
		mlog.Info().Msg("applying warehouse migration")

		if err := w.runQuery(ctx, w.client.Query(m.SQL)); err != nil {
			return count, fmt.Errorf("Migrate: %04d_%s: %w", m.Version, m.Name, err)
		}
		if err := w.recordMigration(ctx, m, appliedBy); err != nil {
			return count, fmt.Errorf("Migrate: record %04d_%s: %w", m.Version, m.Name, err)
		}
		count++
	}
	return count, nil
}

func (w *Warehouse) ensureMigrationsTable(ctx context.Context) error {
	q := w.client.Query(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version    INT64 NOT NULL,
			name       STRING NOT NULL,
			applied_at TIMESTAMP NOT NULL,
			checksum   STRING,
			applied_by STRING
		)
	`, w.table(schemaMigrationsTable)))
	return w.runQuery(ctx, q)
}

// AppliedMigrations lists the ledger in version order.
func (w *Warehouse) AppliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	q := w.client.Query(fmt.Sprintf(`
		SELECT version, name, applied_at, checksum, applied_by
		FROM %s
		ORDER BY version ASC
	`, w.table(schemaMigrationsTable)))

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("AppliedMigrations: query read: %w", err)
	}

	var applied []AppliedMigration
	for {
		var row struct {
			Version   int64               `bigquery:"version"`
			Name      string              `bigquery:"name"`
			AppliedAt time.Time           `bigquery:"applied_at"`
			Checksum  bigquery.NullString `bigquery:"checksum"`
			AppliedBy bigquery.NullString `bigquery:"applied_by"`
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("AppliedMigrations: iter next: %w", err)
		}
		applied = append(applied, AppliedMigration{
			Version:   int(row.Version),
			Name:      row.Name,
			AppliedAt: row.AppliedAt,
			Checksum:  row.Checksum.StringVal,
			AppliedBy: row.AppliedBy.StringVal,
		})
	}
	return applied, nil
}

func (w *Warehouse) recordMigration(ctx context.Context, m Migration, appliedBy string) error {
	q := w.client.Query(fmt.Sprintf(`
		INSERT INTO %s (version, name, applied_at, checksum, applied_by)
		VALUES (@version, @name, CURRENT_TIMESTAMP(), @checksum, @applied_by)
	`, w.table(schemaMigrationsTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "version", Value: m.Version},
		{Name: "name", Value: m.Name},
		{Name: "checksum", Value: m.Checksum},
		{Name: "applied_by", Value: appliedBy},
	}
	return w.runQuery(ctx, q)
}
