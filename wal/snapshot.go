package wal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/floodgate/common"
	"github.com/maxpert/floodgate/telemetry"
)

var dialect = goqu.Dialect("postgres")

// Snapshotter reads the configured tables over a regular connection and
// emits every row as a read ("r") event. Used once, before streaming, when
// snapshot_mode=initial and the slot was freshly created.
type Snapshotter struct {
	pool *pgxpool.Pool
}

// NewSnapshotter connects a query pool to the source.
func NewSnapshotter(ctx context.Context, queryDSN string) (*Snapshotter, error) {
	pool, err := pgxpool.New(ctx, queryDSN)
	if err != nil {
		return nil, classifyStreamError(err, "", 0, "")
	}
	return &Snapshotter{pool: pool}, nil
}

// Close releases the query pool.
func (s *Snapshotter) Close() {
	s.pool.Close()
}

// PublicationTables lists the schema-qualified tables covered by the
// publication. The configured table patterns are globs, so the publication
// is the authority on what to snapshot.
func (s *Snapshotter) PublicationTables(ctx context.Context, publication string) ([]string, error) {
	const query = `
SELECT schemaname, tablename
FROM pg_publication_tables
WHERE pubname = $1
ORDER BY schemaname, tablename`

	rows, err := s.pool.Query(ctx, query, publication)
	if err != nil {
		return nil, classifyStreamError(err, "", 0, "")
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var schema, name string
		if err := rows.Scan(&schema, &name); err != nil {
			return nil, classifyStreamError(err, "", 0, "")
		}
		tables = append(tables, schema+"."+name)
	}
	return tables, rows.Err()
}

// Run snapshots each table and hands rows to emit in table order. All
// events carry the slot's consistent point so downstream position tracking
// starts exactly where streaming will pick up.
func (s *Snapshotter) Run(ctx context.Context, tables []string, consistentPoint pglogrepl.LSN, emit func(common.ChangeEvent) error) error {
	for _, table := range tables {
		start := time.Now()
		rows, err := s.snapshotTable(ctx, table, consistentPoint, emit)
		if err != nil {
			return fmt.Errorf("snapshot table %s: %w", table, err)
		}
		telemetry.SnapshotDuration.Observe(time.Since(start).Seconds())
		log.Info().
			Str("table", table).
			Int("rows", rows).
			Dur("took", time.Since(start)).
			Msg("Snapshotted table")
	}
	return nil
}

func (s *Snapshotter) snapshotTable(ctx context.Context, table string, consistentPoint pglogrepl.LSN, emit func(common.ChangeEvent) error) (int, error) {
	schema, name := splitTable(table)

	pkCols, err := s.primaryKeyColumns(ctx, schema, name)
	if err != nil {
		return 0, err
	}

	query, _, err := dialect.From(goqu.S(schema).Table(name)).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build snapshot query: %w", err)
	}

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return 0, classifyStreamError(err, "", consistentPoint, "")
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	now := time.Now().UnixMilli()
	count := 0

	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return count, classifyStreamError(err, "", consistentPoint, "")
		}

		after := make(map[string]interface{}, len(fields))
		for i, fd := range fields {
			after[fd.Name] = vals[i]
		}

		ev := common.ChangeEvent{
			Schema:    schema,
			Table:     name,
			Operation: common.OpRead,
			Key:       renderKey(after, pkCols),
			After:     after,
			LSN:       consistentPoint,
			CommitTS:  now,
		}

		if err := emit(ev); err != nil {
			return count, err
		}
		telemetry.SnapshotRowsRead.Inc()
		count++
	}

	if err := rows.Err(); err != nil {
		return count, classifyStreamError(err, "", consistentPoint, "")
	}
	return count, nil
}

// primaryKeyColumns looks up the table's primary key column names in order.
func (s *Snapshotter) primaryKeyColumns(ctx context.Context, schema, table string) ([]string, error) {
	const query = `
SELECT a.attname
FROM pg_index i
JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
WHERE i.indrelid = ($1 || '.' || $2)::regclass AND i.indisprimary
ORDER BY array_position(i.indkey, a.attnum)`

	rows, err := s.pool.Query(ctx, query, schema, table)
	if err != nil {
		return nil, classifyStreamError(err, "", 0, "")
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, classifyStreamError(err, "", 0, "")
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

func renderKey(row map[string]interface{}, pkCols []string) string {
	if len(pkCols) == 0 {
		return fmt.Sprintf("%v", row)
	}
	parts := make([]string, 0, len(pkCols))
	for _, col := range pkCols {
		parts = append(parts, fmt.Sprintf("%v", row[col]))
	}
	return strings.Join(parts, ":")
}

func splitTable(table string) (schema, name string) {
	if i := strings.IndexByte(table, '.'); i >= 0 {
		return table[:i], table[i+1:]
	}
	return "public", table
}
