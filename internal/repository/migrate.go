package repository

import (
	"context"
	"fmt"

	"tiss-claims-backend/internal/models"

	"gorm.io/gorm"
)

// Store-side helpers. Both are small and atomic so the core can treat them
// as single calls.
var helperFunctions = []string{
	`CREATE OR REPLACE FUNCTION update_batch_error_counts(p_batch_id uuid) RETURNS void AS $$
BEGIN
	UPDATE batches AS b SET
		error_total       = s.total,
		orphan_errors     = s.orphan,
		update_errors     = s.update_failed,
		validation_errors = s.validation,
		other_errors      = s.other,
		pending_errors    = s.pending,
		resolved_errors   = s.resolved,
		ignored_errors    = s.ignored,
		updated_at        = now()
	FROM (
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE error_type = 'ORPHAN_GUIDE') AS orphan,
			COUNT(*) FILTER (WHERE error_type = 'UPDATE_FAILED') AS update_failed,
			COUNT(*) FILTER (WHERE error_type = 'VALIDATION_ERROR') AS validation,
			COUNT(*) FILTER (WHERE error_type NOT IN ('ORPHAN_GUIDE', 'UPDATE_FAILED', 'VALIDATION_ERROR')) AS other,
			COUNT(*) FILTER (WHERE resolution_status = 'PENDING') AS pending,
			COUNT(*) FILTER (WHERE resolution_status = 'RESOLVED') AS resolved,
			COUNT(*) FILTER (WHERE resolution_status = 'IGNORED') AS ignored
		FROM import_errors
		WHERE batch_id = p_batch_id
	) AS s
	WHERE b.id = p_batch_id;
END;
$$ LANGUAGE plpgsql`,
	`CREATE OR REPLACE FUNCTION log_batch_event(
	p_id uuid, p_batch_id uuid, p_event_type text, p_description text,
	p_metadata jsonb, p_actor_id text, p_created_at timestamptz
) RETURNS void AS $$
BEGIN
	INSERT INTO batch_events (id, batch_id, event_type, description, metadata, actor_id, created_at)
	VALUES (p_id, p_batch_id, p_event_type, p_description, p_metadata, p_actor_id, p_created_at);
END;
$$ LANGUAGE plpgsql`,
}

// Migrate creates the schema and installs the store helpers.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	for _, stmt := range helperFunctions {
		if err := db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("install helper: %w", err)
		}
	}
	return nil
}
