package pgvector

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

const replaceLockKey int64 = 2026101501

// Store implements ports.HandbookIndexStore on a pgvector table.
type Store struct {
	db        *sql.DB
	table     string
	dimension int
}

func NewStore(db *sql.DB, table string, dimension int) *Store {
	return &Store{
		db:        db,
		table:     pgx.Identifier{table}.Sanitize(),
		dimension: dimension,
	}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, replaceLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	query := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	source TEXT NOT NULL,
	page INTEGER NOT NULL,
	total_pages INTEGER NOT NULL,
	chunk_index INTEGER NOT NULL,
	chunk_total INTEGER NOT NULL,
	text TEXT NOT NULL,
	embedding vector(%d) NOT NULL
);
`, s.table, s.dimension)
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (s *Store) Stat(ctx context.Context) (domain.IndexStat, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, s.table).Scan(&exists); err != nil {
		return domain.IndexStat{}, fmt.Errorf("stat handbook table: %w", err)
	}
	if !exists {
		return domain.IndexStat{}, nil
	}

	var points int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&points); err != nil {
		return domain.IndexStat{}, fmt.Errorf("count handbook chunks: %w", err)
	}
	return domain.IndexStat{Exists: true, Points: points}, nil
}

// Replace swaps the table contents in one transaction, so readers see either
// the old index or the new one.
func (s *Store) Replace(ctx context.Context, chunks []domain.HandbookChunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunks/vectors mismatch: %d/%d", len(chunks), len(vectors))
	}
	for i, v := range vectors {
		if len(v) != s.dimension {
			return domain.WrapError(domain.ErrInvalidInput, "pgvector replace", fmt.Errorf("vector %d has dimension %d, table expects %d", i, len(v), s.dimension))
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, replaceLockKey); err != nil {
		return fmt.Errorf("acquire replace lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, s.table)); err != nil {
		return fmt.Errorf("clear handbook chunks: %w", err)
	}

	insert := fmt.Sprintf(`
INSERT INTO %s (source, page, total_pages, chunk_index, chunk_total, text, embedding)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.table)
	for i, chunk := range chunks {
		if _, err := tx.ExecContext(ctx, insert,
			chunk.Source,
			chunk.Page,
			chunk.TotalPages,
			chunk.ChunkIndex,
			chunk.ChunkTotal,
			chunk.Text,
			pgvector.NewVector(vectors[i]),
		); err != nil {
			return fmt.Errorf("insert handbook chunk %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace tx: %w", err)
	}
	return nil
}

func (s *Store) Search(ctx context.Context, queryVector []float32, limit int) ([]domain.ScoredChunk, error) {
	query := fmt.Sprintf(`
SELECT source, page, total_pages, chunk_index, chunk_total, text, 1 - (embedding <=> $1) AS score
FROM %s
ORDER BY embedding <=> $1
LIMIT $2`, s.table)

	rows, err := s.db.QueryContext(ctx, query, pgvector.NewVector(queryVector), limit)
	if err != nil {
		return nil, fmt.Errorf("search handbook chunks: %w", err)
	}
	defer rows.Close()

	var out []domain.ScoredChunk
	for rows.Next() {
		var hit domain.ScoredChunk
		if err := rows.Scan(
			&hit.Source,
			&hit.Page,
			&hit.TotalPages,
			&hit.ChunkIndex,
			&hit.ChunkTotal,
			&hit.Text,
			&hit.Score,
		); err != nil {
			return nil, fmt.Errorf("scan handbook chunk: %w", err)
		}
		out = append(out, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate handbook chunks: %w", err)
	}
	return out, nil
}
