package remote

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"github.com/Dev-Stive/securadb/types"
)

//go:embed sql/schema.sql
var schemaSQL string

// DefaultDriver is the database/sql driver used when none is configured.
const DefaultDriver = "sqlite"

const documentsTable = "remote_documents"

// SQL is a Remote kept in a relational table. Any database/sql driver that
// understands "INSERT ... ON CONFLICT DO UPDATE" works; sqlite is the default.
type SQL struct {
	db       *sql.DB
	sq       squirrel.StatementBuilderType
	timeFunc func() time.Time
}

// SQLOption configures a SQL remote.
type SQLOption func(*SQL)

// WithSQLClock sets the clock used for update_time.
func WithSQLClock(fn func() time.Time) SQLOption {
	return func(s *SQL) {
		s.timeFunc = fn
	}
}

// OpenSQL opens dsn with driver and creates the documents table.
func OpenSQL(driver, dsn string, opts ...SQLOption) (*SQL, error) {
	if driver == "" {
		driver = DefaultDriver
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote database: %w", err)
	}

	if driver == DefaultDriver {
		pragmas := []string{
			"PRAGMA busy_timeout = 5000",
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
		}
		for _, pragma := range pragmas {
			if _, err := db.Exec(pragma); err != nil {
				if pragma == "PRAGMA journal_mode = WAL" && strings.Contains(err.Error(), "database is locked") {
					continue
				}
				_ = db.Close()
				return nil, fmt.Errorf("failed to execute %s: %w", pragma, err)
			}
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}

	s := &SQL{
		db:       db,
		sq:       squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
		timeFunc: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create remote schema: %w", err)
	}
	return s, nil
}

// Name implements Remote.
func (s *SQL) Name() string { return "sql" }

// FetchAll implements Remote.
func (s *SQL) FetchAll(ctx context.Context, collection string) (map[string]Document, error) {
	query, args, err := s.sq.Select("id", "data", "update_time").
		From(documentsTable).
		Where(squirrel.Eq{"collection": collection}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", collection, err)
	}
	defer func() { _ = rows.Close() }()

	out := map[string]Document{}
	for rows.Next() {
		var id, data, updated string
		if err := rows.Scan(&id, &data, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", collection, err)
		}
		doc := types.Document{}
		if err := json.Unmarshal([]byte(data), &doc); err != nil {
			return nil, fmt.Errorf("document %s/%s is not valid JSON: %w", collection, id, err)
		}
		at, err := time.Parse(time.RFC3339Nano, updated)
		if err != nil {
			return nil, fmt.Errorf("document %s/%s has a bad update_time: %w", collection, id, err)
		}
		out[id] = Document{Data: doc, UpdateTime: at}
	}
	return out, rows.Err()
}

// BatchWrite implements Remote. The whole batch is one statement inside
// one transaction.
func (s *SQL) BatchWrite(ctx context.Context, collection string, docs []types.Document) error {
	if len(docs) == 0 {
		return nil
	}
	now := s.timeFunc().UTC().Format(time.RFC3339Nano)

	insert := s.sq.Insert(documentsTable).Columns("collection", "id", "data", "update_time")
	for _, doc := range docs {
		id := doc.ID()
		if id == "" {
			return fmt.Errorf("document without id in %s", collection)
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to encode %s/%s: %w", collection, id, err)
		}
		insert = insert.Values(collection, id, string(data), now)
	}
	query, args, err := insert.
		Suffix("ON CONFLICT(collection, id) DO UPDATE SET data = excluded.data, update_time = excluded.update_time").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build upsert: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to write %d documents to %s: %w", len(docs), collection, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// Ping implements Remote.
func (s *SQL) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Remote.
func (s *SQL) Close() error {
	return s.db.Close()
}
