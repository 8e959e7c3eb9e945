package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

type ChunkRepository struct {
	db *sql.DB
}

func NewChunkRepository(db *sql.DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

func (r *ChunkRepository) SaveChunks(ctx context.Context, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chunks tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, chunk := range chunks {
		_, err := tx.ExecContext(ctx, `
INSERT INTO chunks (id, document_id, page_number, ordinal, text, content_hash, embedding_id)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO UPDATE
SET text = EXCLUDED.text, content_hash = EXCLUDED.content_hash, embedding_id = EXCLUDED.embedding_id
`, chunk.ID, chunk.DocumentID, chunk.PageNumber, chunk.Ordinal, chunk.Text, chunk.ContentHash, chunk.EmbeddingID)
		if err != nil {
			return fmt.Errorf("upsert chunk %s: %w", chunk.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chunks tx: %w", err)
	}
	return nil
}

// GetChunks skips unknown ids and keeps the order of ids.
func (r *ChunkRepository) GetChunks(ctx context.Context, ids []string) ([]domain.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	chunks, err := r.query(ctx, `
SELECT id, document_id, page_number, ordinal, text, content_hash, embedding_id
FROM chunks
WHERE id = ANY($1)
`, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Chunk, len(chunks))
	for _, chunk := range chunks {
		byID[chunk.ID] = chunk
	}
	out := make([]domain.Chunk, 0, len(chunks))
	for _, id := range ids {
		if chunk, ok := byID[id]; ok {
			out = append(out, chunk)
		}
	}
	return out, nil
}

func (r *ChunkRepository) ListByDocument(ctx context.Context, documentID string) ([]domain.Chunk, error) {
	return r.query(ctx, `
SELECT id, document_id, page_number, ordinal, text, content_hash, embedding_id
FROM chunks
WHERE document_id = $1
ORDER BY page_number, ordinal
`, documentID)
}

func (r *ChunkRepository) query(ctx context.Context, query string, args ...any) ([]domain.Chunk, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	chunks := make([]domain.Chunk, 0)
	for rows.Next() {
		var c domain.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.PageNumber, &c.Ordinal, &c.Text, &c.ContentHash, &c.EmbeddingID); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return chunks, nil
}

type DedupRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewDedupRepository(db *sql.DB) *DedupRepository {
	return &DedupRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *DedupRepository) Lookup(ctx context.Context, contentHash string) (string, bool, error) {
	var chunkID string
	err := r.db.QueryRowContext(ctx, `SELECT chunk_id FROM dedup_entries WHERE content_hash = $1`, contentHash).Scan(&chunkID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, domain.WrapError(domain.ErrTemporary, "lookup dedup entry", err)
	}
	return chunkID, true, nil
}

// Record inserts if absent; a losing writer reads back the winner.
func (r *DedupRepository) Record(ctx context.Context, contentHash, chunkID string) (string, error) {
	var winner string
	err := r.db.QueryRowContext(ctx, `
WITH inserted AS (
	INSERT INTO dedup_entries (content_hash, chunk_id, created_at)
	VALUES ($1, $2, $3)
	ON CONFLICT (content_hash) DO NOTHING
	RETURNING chunk_id
)
SELECT chunk_id FROM inserted
UNION ALL
SELECT chunk_id FROM dedup_entries WHERE content_hash = $1
LIMIT 1
`, contentHash, chunkID, r.now()).Scan(&winner)
	if err != nil {
		return "", domain.WrapError(domain.ErrTemporary, "record dedup entry", err)
	}
	return winner, nil
}
