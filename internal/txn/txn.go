// Package txn groups store writes into one unit that commits or rolls back
// as a whole.
//
// A Runner opens a scope and hands fn a context carrying it. Stores look the
// scope up from the context: the Postgres stores run their statements on the
// scope's *sql.Tx, the memory stores journal an undo step. Run called again
// with a context that is already inside a scope opens a nested scope (a
// savepoint): its failure undoes only its own writes, while a failure of the
// outer scope undoes everything, nested work included.
//
// Work that must only happen once the outermost scope commits, such as
// publishing events, is queued with AfterCommit.
package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Runner runs fn as one atomic unit.
type Runner interface {
	Run(ctx context.Context, fn func(ctx context.Context) error) error
}

type scopeKey struct{}

// scope is one level of an open transaction.
type scope struct {
	parent *scope
	depth  int
	tx     *sql.Tx
	undo   []func()
	after  []func()
}

func current(ctx context.Context) *scope {
	s, _ := ctx.Value(scopeKey{}).(*scope)
	return s
}

func open(ctx context.Context, parent *scope, tx *sql.Tx) (context.Context, *scope) {
	s := &scope{parent: parent, tx: tx}
	if parent != nil {
		s.depth = parent.depth + 1
	}
	return context.WithValue(ctx, scopeKey{}, s), s
}

// commit hands the scope's journal to its parent, or runs the queued
// after-commit work when it is the outermost scope.
func (s *scope) commit() {
	if s.parent != nil {
		s.parent.undo = append(s.parent.undo, s.undo...)
		s.parent.after = append(s.parent.after, s.after...)
		return
	}
	for _, fn := range s.after {
		fn()
	}
}

// rollback replays the undo journal newest first.
func (s *scope) rollback() {
	for i := len(s.undo) - 1; i >= 0; i-- {
		s.undo[i]()
	}
	s.undo, s.after = nil, nil
}

// InScope reports whether ctx belongs to an open scope.
func InScope(ctx context.Context) bool {
	return current(ctx) != nil
}

// Record journals undo against the scope in ctx. Outside a scope the write
// is already final and undo is dropped.
func Record(ctx context.Context, undo func()) {
	if s := current(ctx); s != nil {
		s.undo = append(s.undo, undo)
	}
}

// AfterCommit runs fn once the outermost scope in ctx commits, and never if
// it rolls back. Outside a scope fn runs immediately.
func AfterCommit(ctx context.Context, fn func()) {
	if s := current(ctx); s != nil {
		s.after = append(s.after, fn)
		return
	}
	fn()
}

// -----------------------------------------------------------------------------
// Memory
// -----------------------------------------------------------------------------

// Memory scopes writes to the in-memory stores through their undo journal.
type Memory struct{}

// NewMemory creates a journal-only runner.
func NewMemory() *Memory {
	return &Memory{}
}

func (*Memory) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	ctx, s := open(ctx, current(ctx), nil)
	defer func() {
		if r := recover(); r != nil {
			s.rollback()
			panic(r)
		}
	}()
	if err := fn(ctx); err != nil {
		s.rollback()
		return err
	}
	s.commit()
	return nil
}

// -----------------------------------------------------------------------------
// Postgres
// -----------------------------------------------------------------------------

// Execer is the statement surface shared by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Executor returns the transaction open in ctx, or db outside a scope.
func Executor(ctx context.Context, db *sql.DB) Execer {
	if s := current(ctx); s != nil && s.tx != nil {
		return s.tx
	}
	return db
}

// Postgres opens a database transaction for the outermost scope and a
// savepoint for every nested one.
type Postgres struct {
	db   *sql.DB
	opts *sql.TxOptions
}

// NewPostgres creates a runner over db. opts applies to the outermost
// transaction only and may be nil.
func NewPostgres(db *sql.DB, opts *sql.TxOptions) *Postgres {
	return &Postgres{db: db, opts: opts}
}

func (p *Postgres) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	parent := current(ctx)
	if parent == nil || parent.tx == nil {
		return p.runTx(ctx, parent, fn)
	}
	return p.runSavepoint(ctx, parent, fn)
}

func (p *Postgres) runTx(ctx context.Context, parent *scope, fn func(ctx context.Context) error) (err error) {
	tx, err := p.db.BeginTx(ctx, p.opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	// Inside a memory scope the transaction still commits on its own; only
	// its after-commit work is handed up.
	ctx, s := open(ctx, nil, tx)
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(ctx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	s.parent = parent
	s.commit()
	return nil
}

func (p *Postgres) runSavepoint(ctx context.Context, parent *scope, fn func(ctx context.Context) error) error {
	ctx, s := open(ctx, parent, parent.tx)
	name := fmt.Sprintf("sp_%d", s.depth)
	if _, err := s.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}

	if err := fn(ctx); err != nil {
		s.rollback()
		if _, rbErr := s.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback to savepoint: %w", rbErr))
		}
		return err
	}
	if _, err := s.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		s.rollback()
		return fmt.Errorf("release savepoint: %w", err)
	}
	s.commit()
	return nil
}
