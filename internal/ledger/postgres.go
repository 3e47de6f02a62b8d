package ledger

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/congo-pay/transfer-saga/internal/errs"
	"github.com/congo-pay/transfer-saga/internal/events"
	"github.com/congo-pay/transfer-saga/internal/transfer"
	"github.com/congo-pay/transfer-saga/internal/wallet"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// Postgres persists wallets, saga records and the outbox in PostgreSQL.
// Wallet and saga updates are conditional on the version column; a unit of
// work is one database transaction at read committed.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres constructs a Postgres-backed store.
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the tables the store needs if they are missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply ledger schema: %w", err)
	}
	return nil
}

// infra tags a driver error as an infrastructure failure unless it already
// carries a kind.
func infra(op string, err error) error {
	if err == nil || errs.KindOf(err) != errs.KindUnknown {
		return err
	}
	return errs.E(errs.KindInfrastructure, op, err)
}

// queryer is satisfied by both the pool and a pgx.Tx.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// walletUUID parses a wallet id; ids that are not uuids cannot exist.
func walletUUID(op, id string) (uuid.UUID, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, errs.Errorf(errs.KindWalletNotFound, op, "wallet %s", id)
	}
	return parsed, nil
}

const walletColumns = `id::text, owner_id::text, currency, status, balance, frozen_balance, unreleased_balance, version, created_at, updated_at`

func scanWallet(row pgx.Row) (wallet.Wallet, error) {
	var w wallet.Wallet
	err := row.Scan(&w.ID, &w.OwnerID, &w.Currency, &w.Status, &w.Balance, &w.FrozenBalance, &w.UnreleasedBalance, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	return w, err
}

func (p *Postgres) CreateWallet(ctx context.Context, w wallet.Wallet) error {
	const op = "ledger.CreateWallet"
	walletID, err := uuid.Parse(w.ID)
	if err != nil {
		return errs.Errorf(errs.KindInvalidRequest, op, "wallet id %q is not a uuid", w.ID)
	}
	ownerID, err := uuid.Parse(w.OwnerID)
	if err != nil {
		return errs.Errorf(errs.KindInvalidRequest, op, "owner id %q is not a uuid", w.OwnerID)
	}
	_, err = p.db.Exec(ctx, `INSERT INTO wallets (id, owner_id, currency, status, balance, frozen_balance, unreleased_balance, version, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		walletID, ownerID, w.Currency, w.Status, w.Balance, w.FrozenBalance, w.UnreleasedBalance, w.Version, w.CreatedAt.UTC(), w.UpdatedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return errs.Errorf(errs.KindDuplicate, op, "owner %s already has a wallet", w.OwnerID)
	}
	return infra(op, err)
}

func (p *Postgres) GetWallet(ctx context.Context, id string) (wallet.Wallet, error) {
	return getWallet(ctx, p.db, id)
}

func getWallet(ctx context.Context, q queryer, id string) (wallet.Wallet, error) {
	const op = "ledger.GetWallet"
	walletID, err := walletUUID(op, id)
	if err != nil {
		return wallet.Wallet{}, err
	}
	w, err := scanWallet(q.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, walletID))
	if errors.Is(err, pgx.ErrNoRows) {
		return w, errs.Errorf(errs.KindWalletNotFound, op, "wallet %s", id)
	}
	return w, infra(op, err)
}

func (p *Postgres) GetWalletByOwner(ctx context.Context, ownerID string) (wallet.Wallet, error) {
	const op = "ledger.GetWalletByOwner"
	owner, err := uuid.Parse(ownerID)
	if err != nil {
		return wallet.Wallet{}, errs.Errorf(errs.KindWalletNotFound, op, "owner %s", ownerID)
	}
	w, err := scanWallet(p.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1`, owner))
	if errors.Is(err, pgx.ErrNoRows) {
		return w, errs.Errorf(errs.KindWalletNotFound, op, "owner %s", ownerID)
	}
	return w, infra(op, err)
}

const transferColumns = `id, from_wallet_id::text, to_wallet_id::text, amount, status, cancel_reason, failure_kind, debited, credited, version, created_at, updated_at`

func scanTransfer(row pgx.Row) (transfer.Transaction, error) {
	var (
		t       transfer.Transaction
		status  string
		failure string
	)
	err := row.Scan(&t.ID, &t.FromWalletID, &t.ToWalletID, &t.Amount, &status, &t.CancelReason, &failure, &t.Debited, &t.Credited, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	t.Status = transfer.Status(status)
	if failure != "" {
		t.FailureKind = errs.ParseKind(failure)
	}
	return t, err
}

func (p *Postgres) GetTransfer(ctx context.Context, id string) (transfer.Transaction, error) {
	return getTransfer(ctx, p.db, id)
}

func getTransfer(ctx context.Context, q queryer, id string) (transfer.Transaction, error) {
	const op = "ledger.GetTransfer"
	t, err := scanTransfer(q.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return t, errs.Errorf(errs.KindTransactionNotFound, op, "transaction %s", id)
	}
	return t, infra(op, err)
}

func (p *Postgres) StalePending(ctx context.Context, before time.Time, limit int) ([]transfer.Transaction, error) {
	const op = "ledger.StalePending"
	rows, err := p.db.Query(ctx, `SELECT `+transferColumns+` FROM transfers
        WHERE status = $1 AND updated_at < $2 AND failure_kind <> $4
        ORDER BY created_at
        LIMIT $3`, string(transfer.StatusPending), before, limit, errs.KindCompensationFailed.String())
	if err != nil {
		return nil, infra(op, err)
	}
	defer rows.Close()

	var out []transfer.Transaction
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, infra(op, err)
		}
		out = append(out, t)
	}
	return out, infra(op, rows.Err())
}

// InTx runs fn inside a database transaction.
func (p *Postgres) InTx(ctx context.Context, fn func(tx Tx) error) error {
	const op = "ledger.InTx"
	dbTx, err := p.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return infra(op, err)
	}
	defer dbTx.Rollback(ctx) // nolint:errcheck

	if err := fn(&pgTx{tx: dbTx}); err != nil {
		return err
	}
	if err := dbTx.Commit(ctx); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return errs.E(errs.KindDuplicate, op, err)
		}
		return infra(op, err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Wallet(ctx context.Context, id string) (wallet.Wallet, error) {
	return getWallet(ctx, t.tx, id)
}

func (t *pgTx) UpdateWallet(ctx context.Context, w wallet.Wallet) error {
	const op = "ledger.UpdateWallet"
	if err := wallet.CheckInvariants(w); err != nil {
		return err
	}
	walletID, err := walletUUID(op, w.ID)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `UPDATE wallets
        SET status = $2, balance = $3, frozen_balance = $4, unreleased_balance = $5,
            version = version + 1, updated_at = now()
        WHERE id = $1 AND version = $6`,
		walletID, w.Status, w.Balance, w.FrozenBalance, w.UnreleasedBalance, w.Version)
	if err != nil {
		return infra(op, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Errorf(errs.KindConcurrentModification, op, "wallet %s changed since version %d", w.ID, w.Version)
	}
	return nil
}

func (t *pgTx) Transfer(ctx context.Context, id string) (transfer.Transaction, error) {
	return getTransfer(ctx, t.tx, id)
}

func (t *pgTx) InsertTransfer(ctx context.Context, tr transfer.Transaction) error {
	const op = "ledger.InsertTransfer"
	from, err := walletUUID(op, tr.FromWalletID)
	if err != nil {
		return err
	}
	to, err := walletUUID(op, tr.ToWalletID)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `INSERT INTO transfers (id, from_wallet_id, to_wallet_id, amount, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (id) DO NOTHING`,
		tr.ID, from, to, tr.Amount, string(tr.Status), tr.CreatedAt.UTC(), tr.UpdatedAt.UTC())
	if err != nil {
		return infra(op, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Errorf(errs.KindDuplicate, op, "transaction %s exists", tr.ID)
	}
	return nil
}

func (t *pgTx) UpdateTransfer(ctx context.Context, tr transfer.Transaction) error {
	const op = "ledger.UpdateTransfer"
	failure := ""
	if tr.FailureKind != errs.KindUnknown {
		failure = tr.FailureKind.String()
	}
	tag, err := t.tx.Exec(ctx, `UPDATE transfers
        SET status = $2, cancel_reason = $3, failure_kind = $4, debited = $5, credited = $6,
            version = version + 1, updated_at = $7
        WHERE id = $1 AND version = $8`,
		tr.ID, string(tr.Status), tr.CancelReason, failure, tr.Debited, tr.Credited, tr.UpdatedAt, tr.Version)
	if err != nil {
		return infra(op, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Errorf(errs.KindConcurrentModification, op, "transaction %s changed since version %d", tr.ID, tr.Version)
	}
	return nil
}

func (t *pgTx) Enqueue(ctx context.Context, env events.Envelope) error {
	id, err := uuid.Parse(env.ID)
	if err != nil {
		return errs.Errorf(errs.KindInternal, "ledger.Enqueue", "event id %q is not a uuid", env.ID)
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO outbox (id, topic, key, payload, occurred_at)
        VALUES ($1, $2, $3, $4, $5)`,
		id, env.Topic, env.Key, []byte(env.Payload), env.OccurredAt)
	return infra("ledger.Enqueue", err)
}

// ClaimOutbox leases due rows with FOR UPDATE SKIP LOCKED so that several
// relays can drain the table without publishing a row twice at once.
func (p *Postgres) ClaimOutbox(ctx context.Context, limit int, lease time.Duration) ([]OutboxRecord, error) {
	const op = "ledger.ClaimOutbox"
	rows, err := p.db.Query(ctx, `UPDATE outbox o
        SET next_run_at = now() + $2::float8 * interval '1 second'
        FROM (
            SELECT id FROM outbox
            WHERE status = 'PENDING' AND next_run_at <= now()
            ORDER BY seq
            LIMIT $1
            FOR UPDATE SKIP LOCKED
        ) due
        WHERE o.id = due.id
        RETURNING o.id::text, o.topic, o.key, o.payload, o.occurred_at, o.status, o.attempts, o.next_run_at, o.last_error, o.seq`,
		limit, lease.Seconds())
	if err != nil {
		return nil, infra(op, err)
	}
	defer rows.Close()

	type claimed struct {
		rec OutboxRecord
		seq int64
	}
	var batch []claimed
	for rows.Next() {
		var (
			c       claimed
			payload []byte
		)
		if err := rows.Scan(&c.rec.Envelope.ID, &c.rec.Envelope.Topic, &c.rec.Envelope.Key, &payload, &c.rec.Envelope.OccurredAt,
			&c.rec.Status, &c.rec.Attempts, &c.rec.NextRunAt, &c.rec.LastError, &c.seq); err != nil {
			return nil, infra(op, err)
		}
		c.rec.Envelope.Payload = payload
		batch = append(batch, c)
	}
	if err := rows.Err(); err != nil {
		return nil, infra(op, err)
	}

	// RETURNING does not preserve the subquery order.
	sort.Slice(batch, func(i, j int) bool { return batch[i].seq < batch[j].seq })
	out := make([]OutboxRecord, len(batch))
	for i, c := range batch {
		out[i] = c.rec
	}
	return out, nil
}

func (p *Postgres) MarkPublished(ctx context.Context, id string) error {
	return p.updateOutbox(ctx, "ledger.MarkPublished", `UPDATE outbox SET status = 'PUBLISHED', published_at = now() WHERE id = $1`, id)
}

func (p *Postgres) Reschedule(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	return p.updateOutbox(ctx, "ledger.Reschedule", `UPDATE outbox SET attempts = $2, next_run_at = $3, last_error = $4 WHERE id = $1`, id, attempts, next.UTC(), lastErr)
}

func (p *Postgres) MarkDead(ctx context.Context, id string, attempts int, lastErr string) error {
	return p.updateOutbox(ctx, "ledger.MarkDead", `UPDATE outbox SET status = 'DEAD', attempts = $2, last_error = $3 WHERE id = $1`, id, attempts, lastErr)
}

func (p *Postgres) updateOutbox(ctx context.Context, op, query, id string, args ...any) error {
	rowID, err := uuid.Parse(id)
	if err != nil {
		return errs.Errorf(errs.KindInternal, op, "outbox id %q is not a uuid", id)
	}
	_, err = p.db.Exec(ctx, query, append([]any{rowID}, args...)...)
	return infra(op, err)
}
