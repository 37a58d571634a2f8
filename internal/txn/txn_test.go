package txn

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

// counter is a journaled int standing in for a memory store.
type counter struct{ n int }

func (c *counter) add(ctx context.Context, d int) {
	c.n += d
	Record(ctx, func() { c.n -= d })
}

func TestMemory_CommitKeepsWrites(t *testing.T) {
	var c counter
	var published []string

	err := NewMemory().Run(context.Background(), func(ctx context.Context) error {
		c.add(ctx, 5)
		AfterCommit(ctx, func() { published = append(published, "a") })
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, c.n)
	assert.Equal(t, []string{"a"}, published)
}

func TestMemory_RollbackUndoesNestedWork(t *testing.T) {
	var c counter
	var published []string
	r := NewMemory()

	err := r.Run(context.Background(), func(ctx context.Context) error {
		c.add(ctx, 1)
		// The nested scope commits, but the outer failure takes it back too.
		require.NoError(t, r.Run(ctx, func(ctx context.Context) error {
			c.add(ctx, 10)
			AfterCommit(ctx, func() { published = append(published, "nested") })
			return nil
		}))
		assert.Empty(t, published, "nothing publishes before the outer commit")
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 0, c.n)
	assert.Empty(t, published)
}

func TestMemory_NestedFailureIsContained(t *testing.T) {
	var c counter
	var published []string
	r := NewMemory()

	err := r.Run(context.Background(), func(ctx context.Context) error {
		c.add(ctx, 1)
		AfterCommit(ctx, func() { published = append(published, "outer") })
		nested := r.Run(ctx, func(ctx context.Context) error {
			c.add(ctx, 10)
			AfterCommit(ctx, func() { published = append(published, "nested") })
			return errBoom
		})
		assert.ErrorIs(t, nested, errBoom)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, c.n)
	assert.Equal(t, []string{"outer"}, published)
}

func TestMemory_PanicRollsBack(t *testing.T) {
	var c counter
	assert.Panics(t, func() {
		_ = NewMemory().Run(context.Background(), func(ctx context.Context) error {
			c.add(ctx, 3)
			panic("hook crashed")
		})
	})
	assert.Equal(t, 0, c.n)
}

func TestOutsideScope(t *testing.T) {
	ctx := context.Background()
	assert.False(t, InScope(ctx))

	ran := false
	AfterCommit(ctx, func() { ran = true })
	assert.True(t, ran)

	Record(ctx, func() { t.Fatal("undo outside a scope must be dropped") })
}

func TestPostgres_Commit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE t SET v = 1")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	published := false
	err = NewPostgres(db, nil).Run(context.Background(), func(ctx context.Context) error {
		assert.True(t, InScope(ctx))
		AfterCommit(ctx, func() { published = true })
		_, err := Executor(ctx, db).ExecContext(ctx, "UPDATE t SET v = 1")
		return err
	})
	require.NoError(t, err)
	assert.True(t, published)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RollbackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE t SET v = 1")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	published := false
	err = NewPostgres(db, nil).Run(context.Background(), func(ctx context.Context) error {
		AfterCommit(ctx, func() { published = true })
		if _, err := Executor(ctx, db).ExecContext(ctx, "UPDATE t SET v = 1"); err != nil {
			return err
		}
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.False(t, published)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_NestedSavepoints(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SAVEPOINT sp_1")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("ROLLBACK TO SAVEPOINT sp_1")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("SAVEPOINT sp_1")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("RELEASE SAVEPOINT sp_1")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	r := NewPostgres(db, nil)
	err = r.Run(context.Background(), func(ctx context.Context) error {
		failed := r.Run(ctx, func(context.Context) error { return errBoom })
		assert.ErrorIs(t, failed, errBoom)
		return r.Run(ctx, func(context.Context) error { return nil })
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_BeginFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin().WillReturnError(errBoom)

	called := false
	err = NewPostgres(db, nil).Run(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, errBoom)
	assert.False(t, called)
}
