package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AnswerFileRepository handles answer file metadata. A re-upload for the same
// question replaces the previous row.
type AnswerFileRepository struct {
	pool *pgxpool.Pool
}

// NewAnswerFileRepository creates a new AnswerFileRepository.
func NewAnswerFileRepository(pool *pgxpool.Pool) *AnswerFileRepository {
	return &AnswerFileRepository{pool: pool}
}

// Upsert stores the file metadata and fills in ID and CreatedAt.
func (r *AnswerFileRepository) Upsert(ctx context.Context, f *model.AnswerFile) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO answer_files (attempt_id, question_id, original_name, size_bytes, mime_type, storage_ref)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (attempt_id, question_id) DO UPDATE
		 SET original_name = EXCLUDED.original_name,
		     size_bytes    = EXCLUDED.size_bytes,
		     mime_type     = EXCLUDED.mime_type,
		     storage_ref   = EXCLUDED.storage_ref,
		     created_at    = NOW()
		 RETURNING id::text, created_at`,
		f.AttemptID, f.QuestionID, f.OriginalName, f.SizeBytes, f.MimeType, f.StorageRef,
	).Scan(&f.ID, &f.CreatedAt)
}
