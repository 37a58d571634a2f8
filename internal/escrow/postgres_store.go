package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mbd888/agora/internal/txn"
	"github.com/mbd888/agora/internal/units"
)

// PostgresStore persists escrow data in PostgreSQL. Amounts are
// NUMERIC(78,0) so every uint256 value fits.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := txn.Executor(ctx, p.db).ExecContext(ctx, `
		INSERT INTO escrows (
			id, payer, payee, amount, description,
			status, dispute_reason, created_at, completed_at, expires_at
		) VALUES ($1, $2, $3, $4::NUMERIC(78,0), $5, $6, $7, $8, $9, $10)`,
		e.ID, hexAddr(e.Payer), hexAddr(e.Payee), units.Format(e.Amount), e.Description,
		string(e.Status), nullString(e.DisputeReason), e.CreatedAt, nullTime(e.CompletedAt), e.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create escrow: %w", err)
	}
	return nil
}

const escrowColumns = `id, payer, payee, amount::TEXT, description,
		       status, dispute_reason, created_at, completed_at, expires_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := txn.Executor(ctx, p.db).QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get escrow: %w", err)
	}
	return e, nil
}

// Transition is a compare-and-set on status, so two instances settling the
// same escrow cannot both succeed.
func (p *PostgresStore) Transition(ctx context.Context, e *Escrow, from Status) error {
	db := txn.Executor(ctx, p.db)
	result, err := db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, dispute_reason = $2, completed_at = $3
		WHERE id = $4 AND status = $5`,
		string(e.Status), nullString(e.DisputeReason), nullTime(e.CompletedAt), e.ID, string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update escrow: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	var exists bool
	if err := db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM escrows WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check escrow: %w", err)
	}
	if !exists {
		return ErrEscrowNotFound
	}
	return ErrNotActive
}

func (p *PostgresStore) ListByPayer(ctx context.Context, payer common.Address, offset, limit int) ([]*Escrow, int, error) {
	return p.listBy(ctx, "payer", payer, offset, limit)
}

func (p *PostgresStore) ListByPayee(ctx context.Context, payee common.Address, offset, limit int) ([]*Escrow, int, error) {
	return p.listBy(ctx, "payee", payee, offset, limit)
}

// listBy pages escrows by one party column. column is never user input.
func (p *PostgresStore) listBy(ctx context.Context, column string, addr common.Address, offset, limit int) ([]*Escrow, int, error) {
	db := txn.Executor(ctx, p.db)
	var total int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM escrows WHERE `+column+` = $1`, hexAddr(addr)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count escrows: %w", err)
	}

	// A NULL limit is LIMIT ALL.
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE `+column+` = $1
		ORDER BY seq
		LIMIT $2 OFFSET $3`, hexAddr(addr), lim, offset)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	out, err := scanEscrows(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// NextNonce runs outside any open transaction so the increment survives a
// rollback.
func (p *PostgresStore) NextNonce(ctx context.Context, payer common.Address) (uint64, error) {
	var nonce int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO escrow_nonces (payer, nonce) VALUES ($1, 1)
		ON CONFLICT (payer) DO UPDATE SET nonce = escrow_nonces.nonce + 1
		RETURNING nonce`, hexAddr(payer)).Scan(&nonce)
	if err != nil {
		return 0, fmt.Errorf("failed to advance nonce: %w", err)
	}
	return uint64(nonce), nil
}

func (p *PostgresStore) HeldTotal(ctx context.Context) (*uint256.Int, error) {
	var s string
	err := txn.Executor(ctx, p.db).QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)::TEXT FROM escrows
		WHERE status IN ($1, $2)`, string(StatusActive), string(StatusDisputed)).Scan(&s)
	if err != nil {
		return nil, fmt.Errorf("failed to sum held escrows: %w", err)
	}
	v, err := units.Parse(s)
	if err != nil {
		return nil, ErrHeldOverflow
	}
	return v, nil
}

func (p *PostgresStore) CountOverdue(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM escrows
		WHERE status = $1 AND expires_at <= $2`, string(StatusActive), now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count overdue escrows: %w", err)
	}
	return n, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		payer, payee string
		amount       string
		status       string
		disputeRsn   sql.NullString
		completedAt  sql.NullTime
	)

	err := s.Scan(
		&e.ID, &payer, &payee, &amount, &e.Description,
		&status, &disputeRsn, &e.CreatedAt, &completedAt, &e.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	e.Payer = common.HexToAddress(payer)
	e.Payee = common.HexToAddress(payee)
	if e.Amount, err = units.Parse(amount); err != nil {
		return nil, fmt.Errorf("escrow %s: bad amount %q: %w", e.ID, amount, err)
	}
	e.Status = Status(status)
	e.DisputeReason = disputeRsn.String
	if completedAt.Valid {
		t := completedAt.Time
		e.CompletedAt = &t
	}
	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
