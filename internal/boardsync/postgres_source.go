package boardsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresItemsTableName   = "board_items"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresSource loads boards from a board_items table kept in rank order by
// its rank column.
type PostgresSource struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresSource(dsn string) (*PostgresSource, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresSource{
		dsn:       dsn,
		tableName: postgresItemsTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresSource) LoadBoard(ctx context.Context, cfg BoardConfig) (BoardContents, error) {
	if err := s.ensureReady(); err != nil {
		return BoardContents{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT item_key, item_type, priority, summary, assignee, components, status, custom_fields
		FROM %s
		WHERE project = ANY($1)
		ORDER BY rank ASC, item_key ASC`, postgresQuoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query, pq.Array(cfg.Projects))
	if err != nil {
		return BoardContents{}, err
	}
	defer rows.Close()

	out := BoardContents{Items: make([]Item, 0)}
	for rows.Next() {
		item, err := scanPostgresItem(rows)
		if err != nil {
			return BoardContents{}, err
		}
		out.Items = append(out.Items, item)
	}
	return out, rows.Err()
}

func (s *PostgresSource) ResolveItem(ctx context.Context, key string) (Item, error) {
	if err := s.ensureReady(); err != nil {
		return Item{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT item_key, item_type, priority, summary, assignee, components, status, custom_fields
		FROM %s
		WHERE item_key = $1`, postgresQuoteIdentifier(s.tableName))
	item, err := scanPostgresItem(s.db.QueryRowContext(ctx, query, strings.TrimSpace(key)))
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, fmt.Errorf("%w: item %s", ErrNotFound, key)
	}
	return item, err
}

// Upsert writes item at rank.
func (s *PostgresSource) Upsert(ctx context.Context, item Item, rank int64) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	item.Key = strings.TrimSpace(item.Key)
	project := ProjectCode(item.Key)
	if project == "" {
		return fmt.Errorf("%w: %q", ErrUnknownProject, item.Key)
	}
	custom, err := json.Marshal(item.CustomFields)
	if err != nil {
		return err
	}
	components := normalizeStringSlice(item.Components)
	if components == nil {
		components = []string{}
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (item_key, project, item_type, priority, summary, assignee, components, status, custom_fields, rank, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (item_key)
		DO UPDATE SET project = EXCLUDED.project, item_type = EXCLUDED.item_type, priority = EXCLUDED.priority,
			summary = EXCLUDED.summary, assignee = EXCLUDED.assignee, components = EXCLUDED.components,
			status = EXCLUDED.status, custom_fields = EXCLUDED.custom_fields, rank = EXCLUDED.rank, updated_at = NOW()`,
		postgresQuoteIdentifier(s.tableName))
	_, err = s.db.ExecContext(ctx, query,
		item.Key, project, item.Type, item.Priority, item.Summary, item.Assignee,
		pq.Array(components), item.Status, string(custom), rank)
	return err
}

func (s *PostgresSource) Delete(ctx context.Context, key string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s WHERE item_key = $1", postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, strings.TrimSpace(key))
	return err
}

func (s *PostgresSource) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresSource) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		table := postgresQuoteIdentifier(s.tableName)
		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				item_key TEXT PRIMARY KEY,
				project TEXT NOT NULL,
				item_type TEXT NOT NULL DEFAULT '',
				priority TEXT NOT NULL DEFAULT '',
				summary TEXT NOT NULL DEFAULT '',
				assignee TEXT NOT NULL DEFAULT '',
				components TEXT[] NOT NULL DEFAULT '{}',
				status TEXT NOT NULL,
				custom_fields TEXT NOT NULL DEFAULT '{}',
				rank BIGINT NOT NULL DEFAULT 0,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, table)
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		indexQuery := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (project, rank)",
			postgresQuoteIdentifier(s.tableName+"_project_rank_idx"), table)
		if _, err := db.ExecContext(ctx, indexQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPostgresItem(row rowScanner) (Item, error) {
	var (
		item       Item
		components []string
		custom     string
	)
	err := row.Scan(&item.Key, &item.Type, &item.Priority, &item.Summary, &item.Assignee,
		pq.Array(&components), &item.Status, &custom)
	if err != nil {
		return Item{}, err
	}
	item.Project = ProjectCode(item.Key)
	item.Components = normalizeStringSlice(components)
	if custom = strings.TrimSpace(custom); custom != "" && custom != "null" {
		if err := json.Unmarshal([]byte(custom), &item.CustomFields); err != nil {
			return Item{}, fmt.Errorf("decode custom fields of %s: %w", item.Key, err)
		}
	}
	if len(item.CustomFields) == 0 {
		item.CustomFields = nil
	}
	return item, nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
