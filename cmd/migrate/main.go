// Command migrate applies versioned SQL files from migrations/bigquery to a
// BigQuery dataset, tracking what ran in a schema_migrations table.
package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/txsync/internal/logger"
)

// migration is one versioned SQL file.
type migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string
}

var filenamePattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

// parseFilename extracts the version and name from a migration filename,
// e.g. "0001_init_schema.sql".
func parseFilename(name string) (int, string, bool) {
	matches := filenamePattern.FindStringSubmatch(name)
	if matches == nil {
		return 0, "", false
	}
	version, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, "", false
	}
	return version, matches[2], true
}

func main() {
	projectID := flag.String("project", "", "GCP project ID (required)")
	datasetID := flag.String("dataset", "txsync", "BigQuery dataset ID")
	appliedBy := flag.String("applied-by", "migrate-cli", "Name recorded against applied migrations")
	dir := flag.String("migrations", "migrations/bigquery", "Path to migrations directory")
	flag.Parse()

	log := logger.New()
	ctx := logger.WithContext(context.Background(), log)

	if *projectID == "" {
		log.Fatal().Msg("-project flag is required")
	}

	client, err := bigquery.NewClient(ctx, *projectID)
	if err != nil {
		log.Fatal().Err(err).Msg("Creating BigQuery client")
	}
	defer client.Close()

	log.Info().Str("project", *projectID).Str("dataset", *datasetID).Msg("Connected to BigQuery")

	if err := run(ctx, client, *projectID, *datasetID, *dir, *appliedBy); err != nil {
		log.Fatal().Err(err).Msg("Migration failed")
	}
}

func run(ctx context.Context, client *bigquery.Client, projectID, datasetID, dir, appliedBy string) error {
	log := logger.FromContext(ctx)

	if err := ensureMigrationsTable(ctx, client, projectID, datasetID); err != nil {
		return fmt.Errorf("run: ensuring schema_migrations table: %w", err)
	}

	migrations, err := readMigrations(dir, projectID, datasetID)
	if err != nil {
		return fmt.Errorf("run: reading migrations: %w", err)
	}
	log.Info().Int("found", len(migrations)).Msg("Migration files loaded")

	applied, err := appliedVersions(ctx, client, projectID, datasetID)
	if err != nil {
		return fmt.Errorf("run: loading applied migrations: %w", err)
	}

	count := 0
	for _, m := range migrations {
		if applied[m.Version] {
			log.Debug().Int("version", m.Version).Str("name", m.Name).Msg("Already applied, skipping")
			continue
		}

		log.Info().Int("version", m.Version).Str("name", m.Name).Msg("Applying migration")
		if err := execute(ctx, client, m.SQL); err != nil {
			return fmt.Errorf("run: executing %04d_%s: %w", m.Version, m.Name, err)
		}
		if err := record(ctx, client, projectID, datasetID, m, appliedBy); err != nil {
			return fmt.Errorf("run: recording %04d_%s: %w", m.Version, m.Name, err)
		}
		count++
	}

	if count == 0 {
		log.Info().Msg("No new migrations, schema is up to date")
	} else {
		log.Info().Int("applied", count).Msg("Migrations applied")
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, client *bigquery.Client, projectID, datasetID string) error {
	sql := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS `+"`%s.%s.schema_migrations`"+` (
			version     INT64 NOT NULL,
			name        STRING NOT NULL,
			applied_at  TIMESTAMP NOT NULL,
			checksum    STRING,
			applied_by  STRING
		)
	`, projectID, datasetID)
	return execute(ctx, client, sql)
}

// readMigrations loads and orders migration files, substituting the project
// and dataset placeholders. Checksums cover the original content so moving a
// migration between projects does not look like an edit.
func readMigrations(dir, projectID, datasetID string) ([]migration, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("readMigrations: reading directory %s: %w", dir, err)
	}

	var out []migration
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		version, name, ok := parseFilename(file.Name())
		if !ok {
			continue
		}

		content, err := os.ReadFile(filepath.Join(dir, file.Name()))
		if err != nil {
			return nil, fmt.Errorf("readMigrations: reading %s: %w", file.Name(), err)
		}

		sql := strings.ReplaceAll(string(content), "{{PROJECT_ID}}", projectID)
		sql = strings.ReplaceAll(sql, "{{DATASET_ID}}", datasetID)

		out = append(out, migration{
			Version:  version,
			Name:     name,
			SQL:      sql,
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func appliedVersions(ctx context.Context, client *bigquery.Client, projectID, datasetID string) (map[int]bool, error) {
	q := client.Query(fmt.Sprintf(
		"SELECT version FROM `%s.%s.schema_migrations` ORDER BY version",
		projectID, datasetID))

	it, err := q.Read(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "Not found") {
			return map[int]bool{}, nil
		}
		return nil, fmt.Errorf("appliedVersions: query read: %w", err)
	}

	applied := make(map[int]bool)
	for {
		var row struct {
			Version int64 `bigquery:"version"`
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("appliedVersions: iter next: %w", err)
		}
		applied[int(row.Version)] = true
	}
	return applied, nil
}

func record(ctx context.Context, client *bigquery.Client, projectID, datasetID string, m migration, appliedBy string) error {
	q := client.Query(fmt.Sprintf(`
		INSERT INTO `+"`%s.%s.schema_migrations`"+`
		(version, name, applied_at, checksum, applied_by)
		VALUES (@version, @name, @applied_at, @checksum, @applied_by)
	`, projectID, datasetID))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "version", Value: m.Version},
		{Name: "name", Value: m.Name},
		{Name: "applied_at", Value: time.Now().UTC()},
		{Name: "checksum", Value: m.Checksum},
		{Name: "applied_by", Value: appliedBy},
	}
	return runQuery(ctx, q)
}

func execute(ctx context.Context, client *bigquery.Client, sql string) error {
	return runQuery(ctx, client.Query(sql))
}

func runQuery(ctx context.Context, q *bigquery.Query) error {
	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}
	return nil
}
