package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// SQLRepo writes to the audit_events table. The table has no UPDATE or
// DELETE path in this codebase.
type SQLRepo struct {
	db *sql.DB
}

func NewSQLRepo(db *sql.DB) *SQLRepo { return &SQLRepo{db: db} }

func (r *SQLRepo) Append(ctx context.Context, e Event) error {
	var metadata []byte
	if len(e.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("audit: metadata: %w", err)
		}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events
			(id, tenant_id, type, actor_id, actor_role, ip_address, session_id, provider, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.TenantID, string(e.Type), e.ActorID, e.ActorRole, e.IPAddress, e.SessionID, e.Provider,
		e.Message, metadata, e.CreatedAt)
	return err
}
