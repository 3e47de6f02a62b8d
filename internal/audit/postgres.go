package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_logs (
    id             UUID PRIMARY KEY,
    action         TEXT NOT NULL,
    transaction_id TEXT,
    from_wallet_id TEXT,
    to_wallet_id   TEXT,
    amount         NUMERIC(20, 2),
    status         TEXT,
    severity       TEXT NOT NULL DEFAULT 'LOW',
    description    TEXT,
    timestamp      TIMESTAMPTZ NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS audit_logs_transaction_idx ON audit_logs (transaction_id);
`

// PostgresSink appends entries to the audit_logs table. It only ever inserts.
type PostgresSink struct {
	db *pgxpool.Pool
}

// NewPostgresSink builds a sink over db.
func NewPostgresSink(db *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{db: db}
}

// Migrate creates the audit table if it is missing.
func (s *PostgresSink) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, auditSchema); err != nil {
		return fmt.Errorf("apply audit schema: %w", err)
	}
	return nil
}

func (s *PostgresSink) Record(ctx context.Context, e Entry) error {
	e = e.normalize()
	id, err := uuid.Parse(e.ID)
	if err != nil {
		return fmt.Errorf("audit entry id %q: %w", e.ID, err)
	}
	_, err = s.db.Exec(ctx, `INSERT INTO audit_logs
        (id, action, transaction_id, from_wallet_id, to_wallet_id, amount, status, severity, description, timestamp)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, string(e.Action), e.TransactionID, e.FromWalletID, e.ToWalletID, e.Amount,
		e.Status, string(e.Severity), e.Description, e.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}
