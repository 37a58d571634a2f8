package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mbd888/agora/internal/txn"
	"github.com/mbd888/agora/internal/units"
)

// PostgresStore implements Store with PostgreSQL. Balances are NUMERIC(78,0)
// so every uint256 value fits.
type PostgresStore struct {
	db *sql.DB
	tx txn.Runner
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, tx: txn.NewPostgres(db, nil)}
}

func (p *PostgresStore) Balance(ctx context.Context, account common.Address) (*uint256.Int, error) {
	var s string
	err := txn.Executor(ctx, p.db).QueryRowContext(ctx,
		`SELECT balance::TEXT FROM accounts WHERE address = $1`, hexAddr(account),
	).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return units.Parse(s)
}

// Post applies a posting in its own transaction, or as a savepoint of the
// transaction already open in ctx. The debit only matches when the balance
// covers it, so an overdraft affects zero rows.
func (p *PostgresStore) Post(ctx context.Context, posting *Posting) error {
	return p.tx.Run(ctx, func(ctx context.Context) error {
		tx := txn.Executor(ctx, p.db)
		amount := units.Format(posting.Amount)

		if posting.From != (common.Address{}) {
			result, err := tx.ExecContext(ctx, `
				UPDATE accounts SET
					balance    = balance - $2::NUMERIC(78,0),
					updated_at = NOW()
				WHERE address = $1 AND balance >= $2::NUMERIC(78,0)
			`, hexAddr(posting.From), amount)
			if err != nil {
				return fmt.Errorf("failed to debit account: %w", err)
			}
			rows, _ := result.RowsAffected()
			if rows == 0 {
				return ErrInsufficientBalance
			}
		}

		if posting.To != (common.Address{}) {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO accounts (address, balance, updated_at)
				VALUES ($1, $2::NUMERIC(78,0), NOW())
				ON CONFLICT (address) DO UPDATE SET
					balance    = accounts.balance + $2::NUMERIC(78,0),
					updated_at = NOW()
			`, hexAddr(posting.To), amount)
			if err != nil {
				return fmt.Errorf("failed to credit account: %w", err)
			}
		}

		for _, e := range posting.Entries() {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO ledger_entries (id, account, counterparty, type, amount, reference, created_at)
				VALUES ($1, $2, $3, $4, $5::NUMERIC(78,0), $6, $7)
			`, e.ID, e.Account, e.Counterparty, string(e.Type), e.Amount, e.Reference, e.CreatedAt)
			if err != nil {
				return fmt.Errorf("failed to record entry: %w", err)
			}
		}
		return nil
	})
}

func (p *PostgresStore) History(ctx context.Context, account common.Address, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account, counterparty, type, amount::TEXT, reference, created_at
		FROM ledger_entries
		WHERE account = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, hexAddr(account), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var typ string
		if err := rows.Scan(&e.ID, &e.Account, &e.Counterparty, &typ, &e.Amount, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EntryType(typ)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
