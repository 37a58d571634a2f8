package ledger

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agora/internal/units"
)

func TestPostgresStore_BalanceUnknownAccount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT balance::TEXT FROM accounts")).
		WithArgs(hexAddr(alice)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}))

	bal, err := NewPostgresStore(db).Balance(context.Background(), alice)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_BalanceLargeValue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// 2^200 does not fit in any native integer column type
	big := "1606938044258990275541962092341162602522202993782792835301376"
	mock.ExpectQuery(regexp.QuoteMeta("SELECT balance::TEXT FROM accounts")).
		WithArgs(hexAddr(alice)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(big))

	bal, err := NewPostgresStore(db).Balance(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, big, units.Format(bal))
}

func TestPostgresStore_PostTransfer(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE accounts SET")).
		WithArgs(hexAddr(alice), "25").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO accounts")).
		WithArgs(hexAddr(bob), "25").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_entries")).
		WithArgs("le_1-d", hexAddr(alice), hexAddr(bob), "debit", "25", "ref", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_entries")).
		WithArgs("le_1-c", hexAddr(bob), hexAddr(alice), "credit", "25", "ref", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = NewPostgresStore(db).Post(context.Background(), &Posting{
		ID: "le_1", From: alice, To: bob, Amount: units.MustParse("25"),
		Reference: "ref", CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PostInsufficientBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE accounts SET")).
		WithArgs(hexAddr(alice), "25").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = NewPostgresStore(db).Post(context.Background(), &Posting{
		ID: "le_2", From: alice, To: bob, Amount: units.MustParse("25"), CreatedAt: time.Now(),
	})
	assert.True(t, errors.Is(err, ErrInsufficientBalance))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_History(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "account", "counterparty", "type", "amount", "reference", "created_at"}).
		AddRow("le_1-c", hexAddr(alice), "", "credit", "100", "mint", now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM ledger_entries")).
		WithArgs(hexAddr(alice), 10).
		WillReturnRows(rows)

	entries, err := NewPostgresStore(db).History(context.Background(), alice, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, EntryCredit, entries[0].Type)
	assert.Equal(t, "100", entries[0].Amount)
	assert.NoError(t, mock.ExpectationsWereMet())
}
