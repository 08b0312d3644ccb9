// Package postgres provides a pgvector-backed point store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/kaspalytics/social-indexer/internal/indexing"
)

// DB is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements indexing.PointStore on Postgres with the pgvector
// extension. Each collection is one table: (id TEXT PK, embedding vector,
// payload JSONB, updated_at).
type Store struct {
	db DB
}

var identPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// NewStore connects a pool and registers pgvector codecs.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	return &Store{db: pool}, nil
}

// NewStoreWithDB wraps an existing connection, mainly for tests.
func NewStoreWithDB(db DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying pool.
func (s *Store) Close() {
	s.db.Close()
}

// CollectionExists checks for the collection's table.
func (s *Store) CollectionExists(ctx context.Context, name string) (bool, error) {
	if err := validIdent(name); err != nil {
		return false, err
	}
	query := `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = 'public' AND table_name = $1
		);
	`
	var exists bool
	if err := s.db.QueryRow(ctx, query, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("check collection %s: %w", name, err)
	}
	return exists, nil
}

// CreateCollection creates the table and payload index. A concurrent create
// surfaces as indexing.ErrCollectionExists, which callers treat as success.
func (s *Store) CreateCollection(ctx context.Context, spec indexing.CollectionSpec) error {
	if err := validIdent(spec.Name); err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector;`); err != nil {
		return fmt.Errorf("ensure vector extension: %w", err)
	}
	vectorType := "vector"
	if spec.Dimensions > 0 {
		vectorType = fmt.Sprintf("vector(%d)", spec.Dimensions)
	}
	create := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			embedding %s,
			payload JSONB NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`, spec.Name, vectorType)
	if _, err := s.db.Exec(ctx, create); err != nil {
		if isDuplicateTable(err) {
			return indexing.ErrCollectionExists
		}
		return fmt.Errorf("create collection %s: %w", spec.Name, err)
	}
	index := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s_payload_idx ON %s USING GIN (payload jsonb_path_ops);`,
		spec.Name, spec.Name,
	)
	if _, err := s.db.Exec(ctx, index); err != nil {
		return fmt.Errorf("create payload index for %s: %w", spec.Name, err)
	}
	return nil
}

// Upsert inserts or replaces points by id.
func (s *Store) Upsert(ctx context.Context, collection string, points []indexing.Point) error {
	if err := validIdent(collection); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, embedding, payload, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE
		SET embedding = EXCLUDED.embedding,
		    payload = EXCLUDED.payload,
		    updated_at = now();
	`, collection)
	for _, p := range points {
		payload, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload for point %s: %w", p.ID, err)
		}
		var vec any
		if len(p.Vector) > 0 {
			vec = pgvector.NewVector(p.Vector)
		}
		if _, err := s.db.Exec(ctx, query, p.ID, vec, payload); err != nil {
			return fmt.Errorf("upsert point %s into %s: %w", p.ID, collection, err)
		}
	}
	return nil
}

// Search reads points by payload filter, ranked by cosine distance when a
// query vector is given, otherwise ordered by the named payload field.
func (s *Store) Search(ctx context.Context, collection string, q indexing.SearchQuery) ([]indexing.Point, error) {
	if err := validIdent(collection); err != nil {
		return nil, err
	}
	var (
		sb   strings.Builder
		args []any
	)
	fmt.Fprintf(&sb, "SELECT id, embedding, payload FROM %s", collection)
	if len(q.Filter) > 0 {
		filter, err := json.Marshal(q.Filter)
		if err != nil {
			return nil, fmt.Errorf("marshal filter: %w", err)
		}
		args = append(args, filter)
		fmt.Fprintf(&sb, " WHERE payload @> $%d", len(args))
	}
	switch {
	case len(q.Vector) > 0:
		args = append(args, pgvector.NewVector(q.Vector))
		fmt.Fprintf(&sb, " ORDER BY embedding <=> $%d", len(args))
	case q.OrderBy != "":
		args = append(args, q.OrderBy)
		expr := fmt.Sprintf("payload->>$%d", len(args))
		if q.OrderByTime {
			expr = "(" + expr + ")::timestamptz"
		}
		dir := "ASC"
		if q.Descending {
			dir = "DESC"
		}
		fmt.Fprintf(&sb, " ORDER BY %s %s", expr, dir)
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	sb.WriteString(";")

	rows, err := s.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}
	defer rows.Close()

	var points []indexing.Point
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search %s rows: %w", collection, err)
	}
	return points, nil
}

// GetPoint fetches one point by id.
func (s *Store) GetPoint(ctx context.Context, collection, id string) (indexing.Point, error) {
	if err := validIdent(collection); err != nil {
		return indexing.Point{}, err
	}
	query := fmt.Sprintf(`SELECT id, embedding, payload FROM %s WHERE id = $1;`, collection)
	row := s.db.QueryRow(ctx, query, id)
	p, err := scanPoint(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return indexing.Point{}, indexing.ErrPointNotFound
		}
		return indexing.Point{}, fmt.Errorf("get point %s from %s: %w", id, collection, err)
	}
	return p, nil
}

// Delete removes points by id; unknown ids are ignored.
func (s *Store) Delete(ctx context.Context, collection string, ids []string) error {
	if err := validIdent(collection); err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1);`, collection)
	if _, err := s.db.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("delete from %s: %w", collection, err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanPoint(row scannable) (indexing.Point, error) {
	var (
		p       indexing.Point
		vec     *pgvector.Vector
		payload []byte
	)
	if err := row.Scan(&p.ID, &vec, &payload); err != nil {
		return indexing.Point{}, err
	}
	if vec != nil {
		p.Vector = vec.Slice()
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p.Payload); err != nil {
			return indexing.Point{}, fmt.Errorf("unmarshal payload for point %s: %w", p.ID, err)
		}
	}
	return p, nil
}

func validIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid collection name %q", name)
	}
	return nil
}

func isDuplicateTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P07"
}
