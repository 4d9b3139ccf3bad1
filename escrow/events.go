package escrow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// insertTimelineEvent appends an immutable event to the job's timeline inside
// the caller's transaction. The sequence number is derived under the row
// locks the operation already holds.
func insertTimelineEvent(ctx context.Context, tx pgx.Tx, jobID, eventType, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal timeline payload: %w", err)
	}
	var actor any
	if actorID != "" {
		actor = actorID
	}
	const q = `
		INSERT INTO timeline_events (job_id, seq, type, payload, actor_id)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3::jsonb, $4::uuid
		FROM timeline_events
		WHERE job_id = $1
	`
	if _, err := tx.Exec(ctx, q, jobID, eventType, body, actor); err != nil {
		return fmt.Errorf("escrow: insert timeline event: %w", err)
	}
	return nil
}

// enqueueOutbox inserts a message in the same transaction as the state change.
// The embedded message_id lets consumers deduplicate across redeliveries.
func enqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	payload["message_id"] = uuid.NewString()
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("escrow: enqueue outbox: %w", err)
	}
	return nil
}
