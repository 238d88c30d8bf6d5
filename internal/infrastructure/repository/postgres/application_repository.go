package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

const schemaLockKey int64 = 2026101502

// ApplicationRepository stores each application as a JSONB document plus
// the columns the list view filters and sorts on.
type ApplicationRepository struct {
	db *sql.DB
}

func NewApplicationRepository(db *sql.DB) *ApplicationRepository {
	return &ApplicationRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *ApplicationRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS applications (
	id TEXT PRIMARY KEY,
	applicant_id TEXT NOT NULL,
	target_program TEXT NOT NULL,
	entity TEXT NOT NULL,
	current_stage TEXT NOT NULL,
	decision_status TEXT NOT NULL DEFAULT '',
	num_documents INTEGER NOT NULL,
	record JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_applications_stage ON applications(current_stage);
CREATE INDEX IF NOT EXISTS idx_applications_created_at ON applications(created_at DESC);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *ApplicationRepository) Create(ctx context.Context, app *domain.ApplicationRecord) error {
	record, err := json.Marshal(app)
	if err != nil {
		return fmt.Errorf("marshal application: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO applications (
	id, applicant_id, target_program, entity, current_stage, decision_status, num_documents, record, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`,
		app.ID, app.ApplicantID, app.TargetProgram, app.Entity, string(app.CurrentStage), decisionStatus(app),
		len(app.UploadedFiles), record, app.CreatedAt, app.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert application: %w", err)
	}
	return nil
}

func (r *ApplicationRepository) GetByID(ctx context.Context, id string) (*domain.ApplicationRecord, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx, `SELECT record FROM applications WHERE id = $1`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrApplicationNotFound, "get application", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan application: %w", err)
	}

	var app domain.ApplicationRecord
	if err := json.Unmarshal(raw, &app); err != nil {
		return nil, fmt.Errorf("unmarshal application: %w", err)
	}
	if app.Audit == nil {
		app.Audit = &domain.AuditLog{}
	}
	return &app, nil
}

func (r *ApplicationRepository) Save(ctx context.Context, app *domain.ApplicationRecord) error {
	record, err := json.Marshal(app)
	if err != nil {
		return fmt.Errorf("marshal application: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
UPDATE applications
SET current_stage = $2, decision_status = $3, record = $4, updated_at = $5
WHERE id = $1
`, app.ID, string(app.CurrentStage), decisionStatus(app), record, app.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update application: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update application rows affected: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrApplicationNotFound, "save application", fmt.Errorf("id=%s", app.ID))
	}
	return nil
}

func (r *ApplicationRepository) List(ctx context.Context, limit int) ([]domain.ApplicationSummary, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, applicant_id, target_program, entity, current_stage, decision_status, num_documents, created_at
FROM applications
ORDER BY created_at DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ApplicationSummary, 0, limit)
	for rows.Next() {
		var (
			s      domain.ApplicationSummary
			stage  string
			status string
		)
		if err := rows.Scan(&s.ID, &s.ApplicantID, &s.TargetProgram, &s.Entity, &stage, &status, &s.NumDocuments, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan application summary: %w", err)
		}
		s.CurrentStage = domain.Stage(stage)
		s.DecisionStatus = domain.DecisionStatus(status)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applications: %w", err)
	}
	return out, nil
}

func decisionStatus(app *domain.ApplicationRecord) string {
	if app.Decision == nil {
		return ""
	}
	return string(app.Decision.Status)
}
