package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/syncx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PG is the Postgres-backed Store. One table per entity kind, all carrying
// the same envelope columns plus a jsonb payload.
type PG struct {
	Pool *pgxpool.Pool
}

// NewPG creates a Postgres store over an existing pool.
func NewPG(pool *pgxpool.Pool) *PG {
	return &PG{Pool: pool}
}

// tableFor whitelists table names; entity kinds come from client input and
// must never be interpolated into SQL directly.
func tableFor(kind entity.Kind) (string, error) {
	switch kind {
	case entity.KindNote:
		return "note", nil
	case entity.KindFolder:
		return "folder", nil
	case entity.KindReview:
		return "review", nil
	}
	return "", fmt.Errorf("unknown entity kind %q", kind)
}

// Schema DDL. Applied idempotently on startup.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS app_user (
    id   BIGSERIAL PRIMARY KEY,
    sub  TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS note (
    id             BIGSERIAL PRIMARY KEY,
    user_id        BIGINT NOT NULL,
    version        BIGINT NOT NULL DEFAULT 1,
    created_at_ms  BIGINT NOT NULL,
    updated_at_ms  BIGINT NOT NULL,
    deleted_at_ms  BIGINT,
    payload_json   JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_note_user_updated ON note(user_id, updated_at_ms, id);

CREATE TABLE IF NOT EXISTS folder (
    id             BIGSERIAL PRIMARY KEY,
    user_id        BIGINT NOT NULL,
    version        BIGINT NOT NULL DEFAULT 1,
    created_at_ms  BIGINT NOT NULL,
    updated_at_ms  BIGINT NOT NULL,
    deleted_at_ms  BIGINT,
    payload_json   JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_folder_user_updated ON folder(user_id, updated_at_ms, id);

CREATE TABLE IF NOT EXISTS review (
    id             BIGSERIAL PRIMARY KEY,
    user_id        BIGINT NOT NULL,
    version        BIGINT NOT NULL DEFAULT 1,
    created_at_ms  BIGINT NOT NULL,
    updated_at_ms  BIGINT NOT NULL,
    deleted_at_ms  BIGINT,
    payload_json   JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_review_user_updated ON review(user_id, updated_at_ms, id);
`

// EnsureSchema applies the schema DDL.
func (p *PG) EnsureSchema(ctx context.Context) error {
	_, err := p.Pool.Exec(ctx, schemaDDL)
	return err
}

func (p *PG) Get(ctx context.Context, userID int64, kind entity.Kind, id int64) (*Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	rec := Record{ID: id, UserID: userID, Kind: kind}
	err = p.Pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT version, created_at_ms, updated_at_ms, deleted_at_ms, payload_json
		FROM %s WHERE user_id = $1 AND id = $2
	`, table), userID, id).Scan(&rec.Version, &rec.CreatedAtMs, &rec.UpdatedAtMs, &rec.DeletedAtMs, &rec.Payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		log.Error().Err(err).Str("kind", string(kind)).Int64("id", id).Msg("failed to get entity")
		return nil, err
	}
	return &rec, nil
}

func (p *PG) ListChangedSince(ctx context.Context, userID int64, kinds []entity.Kind, sinceMs int64, limit int) ([]*Record, error) {
	if len(kinds) == 0 {
		kinds = entity.Kinds
	}
	if limit <= 0 {
		limit = 100
	}

	var out []*Record
	for _, kind := range kinds {
		table, err := tableFor(kind)
		if err != nil {
			return nil, err
		}

		rows, err := p.Pool.Query(ctx, fmt.Sprintf(`
			SELECT id, version, created_at_ms, updated_at_ms, deleted_at_ms, payload_json
			FROM %s
			WHERE user_id = $1 AND updated_at_ms >= $2
			ORDER BY updated_at_ms, id
			LIMIT $3
		`, table), userID, sinceMs, limit)
		if err != nil {
			log.Error().Err(err).Str("kind", string(kind)).Msg("failed to list changed entities")
			return nil, err
		}

		for rows.Next() {
			rec := Record{UserID: userID, Kind: kind}
			if err := rows.Scan(&rec.ID, &rec.Version, &rec.CreatedAtMs, &rec.UpdatedAtMs, &rec.DeletedAtMs, &rec.Payload); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, &rec)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	// Merge the per-kind streams back into global (updated_at_ms, id) order.
	sortRecords(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (p *PG) Create(ctx context.Context, userID int64, kind entity.Kind, payload map[string]any) (*Record, error) {
	if err := entity.ValidatePayload(kind, payload); err != nil {
		return nil, &InvariantError{Message: err.Error()}
	}
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	tx, err := p.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	payload = entity.ClonePayload(payload)
	if err := p.checkParent(ctx, tx, userID, kind, 0, payload); err != nil {
		return nil, err
	}
	stampContentHash(kind, payload)

	now := syncx.NowMs()
	rec := Record{
		UserID:      userID,
		Kind:        kind,
		Version:     1,
		CreatedAtMs: now,
		UpdatedAtMs: now,
		Payload:     payload,
	}
	err = tx.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (user_id, version, created_at_ms, updated_at_ms, payload_json)
		VALUES ($1, 1, $2, $2, $3)
		RETURNING id
	`, table), userID, now, payload).Scan(&rec.ID)
	if err != nil {
		log.Error().Err(err).Str("kind", string(kind)).Msg("failed to insert entity")
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (p *PG) Update(ctx context.Context, userID int64, kind entity.Kind, id int64, changes map[string]any, expectedVersion *int64) (*Record, error) {
	if err := entity.ValidatePayload(kind, changes); err != nil {
		return nil, &InvariantError{Message: err.Error()}
	}
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	tx, err := p.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Row lock so version increment and payload merge are atomic.
	rec := Record{ID: id, UserID: userID, Kind: kind}
	err = tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT version, created_at_ms, updated_at_ms, payload_json
		FROM %s WHERE user_id = $1 AND id = $2
		FOR UPDATE
	`, table), userID, id).Scan(&rec.Version, &rec.CreatedAtMs, &rec.UpdatedAtMs, &rec.Payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if expectedVersion != nil && rec.Version != *expectedVersion {
		return nil, &VersionMismatchError{Expected: *expectedVersion, Actual: rec.Version}
	}

	merged := rec.Payload
	for k, v := range changes {
		merged[k] = v
	}
	if err := p.checkParent(ctx, tx, userID, kind, id, merged); err != nil {
		return nil, err
	}
	if _, changed := changes["content"]; changed {
		stampContentHash(kind, merged)
	}

	rec.Version++
	rec.UpdatedAtMs = syncx.EnsureMonotonicTimestamp(rec.UpdatedAtMs)
	rec.Payload = merged
	rec.DeletedAtMs = nil

	_, err = tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET version = $3, updated_at_ms = $4, deleted_at_ms = NULL, payload_json = $5
		WHERE user_id = $1 AND id = $2
	`, table), userID, id, rec.Version, rec.UpdatedAtMs, merged)
	if err != nil {
		log.Error().Err(err).Str("kind", string(kind)).Int64("id", id).Msg("failed to update entity")
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (p *PG) SoftDelete(ctx context.Context, userID int64, kind entity.Kind, id int64) (*Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	rec := Record{ID: id, UserID: userID, Kind: kind}
	err = p.Pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE %s
		SET deleted_at_ms = COALESCE(deleted_at_ms, $3),
		    updated_at_ms = CASE WHEN deleted_at_ms IS NULL THEN $3 ELSE updated_at_ms END,
		    version       = CASE WHEN deleted_at_ms IS NULL THEN version + 1 ELSE version END
		WHERE user_id = $1 AND id = $2
		RETURNING version, created_at_ms, updated_at_ms, deleted_at_ms, payload_json
	`, table), userID, id, syncx.NowMs()).Scan(&rec.Version, &rec.CreatedAtMs, &rec.UpdatedAtMs, &rec.DeletedAtMs, &rec.Payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		log.Error().Err(err).Str("kind", string(kind)).Int64("id", id).Msg("failed to soft-delete entity")
		return nil, err
	}
	return &rec, nil
}

func (p *PG) Exists(ctx context.Context, userID int64, kind entity.Kind, id int64) (bool, error) {
	table, err := tableFor(kind)
	if err != nil {
		return false, err
	}

	var exists bool
	err = p.Pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT EXISTS (
			SELECT 1 FROM %s
			WHERE user_id = $1 AND id = $2 AND deleted_at_ms IS NULL
		)
	`, table), userID, id).Scan(&exists)
	return exists, err
}

// checkParent mirrors Memory.checkParentLocked inside the transaction.
func (p *PG) checkParent(ctx context.Context, tx pgx.Tx, userID int64, kind entity.Kind, selfID int64, payload map[string]any) error {
	field := kind.ParentField()
	if field == "" {
		return nil
	}
	parentID, set := entity.GetInt64(payload, field)
	if !set || parentID == 0 {
		return nil
	}

	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM folder
			WHERE user_id = $1 AND id = $2 AND deleted_at_ms IS NULL
		)
	`, userID, parentID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return &InvariantError{Message: fmt.Sprintf("%s %d does not exist", field, parentID)}
	}

	if kind != entity.KindFolder {
		return nil
	}

	// Walk the parent chain; bounded to avoid a runaway loop if data is
	// already inconsistent.
	cur := parentID
	for hops := 0; cur != 0 && hops < 256; hops++ {
		if cur == selfID {
			return &InvariantError{Message: fmt.Sprintf("folder %d would become its own ancestor", selfID)}
		}
		var next *int64
		err := tx.QueryRow(ctx, `
			SELECT NULLIF((payload_json->>'parentId')::bigint, 0)
			FROM folder WHERE user_id = $1 AND id = $2
		`, userID, cur).Scan(&next)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		if next == nil {
			return nil
		}
		cur = *next
	}
	return nil
}

func sortRecords(recs []*Record) {
	// Insertion sort is fine: per-kind result sets are already ordered and
	// batch sizes are bounded by the list limit.
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && less(recs[j], recs[j-1]); j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}

func less(a, b *Record) bool {
	if a.UpdatedAtMs != b.UpdatedAtMs {
		return a.UpdatedAtMs < b.UpdatedAtMs
	}
	return a.ID < b.ID
}
