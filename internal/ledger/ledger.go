// Package ledger tracks native-value balances per address.
//
// Every movement is a posting: a debit of one account and a credit of
// another, applied atomically by the store. Mints credit an account with no
// matching debit; burns debit one with no matching credit. The escrow
// processor holds attached value in its own custody account.
package ledger

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mbd888/agora/internal/apperr"
	"github.com/mbd888/agora/internal/idgen"
	"github.com/mbd888/agora/internal/metrics"
	"github.com/mbd888/agora/internal/units"
)

var (
	ErrInsufficientBalance = apperr.New(apperr.Transfer, "insufficient balance")
	ErrSelfTransfer        = apperr.New(apperr.Validation, "cannot transfer to the same account")
	ErrOverflow            = apperr.New(apperr.Transfer, "balance overflow")
)

// EntryType classifies one side of a posting.
type EntryType string

const (
	EntryCredit EntryType = "credit"
	EntryDebit  EntryType = "debit"
)

// Entry is one side of a posting. Entries are append-only.
type Entry struct {
	ID           string    `json:"id"`
	Account      string    `json:"account"`
	Counterparty string    `json:"counterparty,omitempty"`
	Type         EntryType `json:"type"`
	Amount       string    `json:"amount"`
	Reference    string    `json:"reference,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Posting moves Amount from From to To. A zero From is a mint and a zero To
// is a burn.
type Posting struct {
	ID        string
	From      common.Address
	To        common.Address
	Amount    *uint256.Int
	Reference string
	CreatedAt time.Time
}

// Entries expands the posting into its ledger entries.
func (p *Posting) Entries() []*Entry {
	var out []*Entry
	amount := units.Format(p.Amount)
	if p.From != (common.Address{}) {
		out = append(out, &Entry{
			ID:           p.ID + "-d",
			Account:      hexAddr(p.From),
			Counterparty: counterparty(p.To),
			Type:         EntryDebit,
			Amount:       amount,
			Reference:    p.Reference,
			CreatedAt:    p.CreatedAt,
		})
	}
	if p.To != (common.Address{}) {
		out = append(out, &Entry{
			ID:           p.ID + "-c",
			Account:      hexAddr(p.To),
			Counterparty: counterparty(p.From),
			Type:         EntryCredit,
			Amount:       amount,
			Reference:    p.Reference,
			CreatedAt:    p.CreatedAt,
		})
	}
	return out
}

// Store persists balances and entries. Post must apply both sides of a
// posting or neither, and fail with ErrInsufficientBalance rather than let a
// balance go negative.
type Store interface {
	Balance(ctx context.Context, account common.Address) (*uint256.Int, error)
	Post(ctx context.Context, p *Posting) error
	History(ctx context.Context, account common.Address, limit int) ([]*Entry, error)
}

// Ledger manages account balances.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// New creates a new ledger.
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger}
}

// Balance returns the current balance of account. Unknown accounts hold zero.
func (l *Ledger) Balance(ctx context.Context, account common.Address) (*uint256.Int, error) {
	return l.store.Balance(ctx, account)
}

// History returns the most recent entries for account, newest first.
func (l *Ledger) History(ctx context.Context, account common.Address, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return l.store.History(ctx, account, limit)
}

// Transfer moves amount between two accounts.
func (l *Ledger) Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int, reference string) error {
	if from == to {
		return ErrSelfTransfer
	}
	return l.post(ctx, "transfer", from, to, amount, reference)
}

// Credit adds value from outside the ledger.
func (l *Ledger) Credit(ctx context.Context, to common.Address, amount *uint256.Int, reference string) error {
	return l.post(ctx, "credit", common.Address{}, to, amount, reference)
}

// Debit removes value from the ledger.
func (l *Ledger) Debit(ctx context.Context, from common.Address, amount *uint256.Int, reference string) error {
	return l.post(ctx, "debit", from, common.Address{}, amount, reference)
}

// Mint credits amount to an account and returns the new balance. Only the
// development funding endpoint calls this.
func (l *Ledger) Mint(ctx context.Context, to common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if err := l.post(ctx, "mint", common.Address{}, to, amount, "mint"); err != nil {
		return nil, err
	}
	l.logger.Info("minted", "to", hexAddr(to), "amount", units.Format(amount))
	return l.store.Balance(ctx, to)
}

func (l *Ledger) post(ctx context.Context, op string, from, to common.Address, amount *uint256.Int, reference string) error {
	if amount == nil || amount.IsZero() {
		return units.ErrZeroAmount
	}
	p := &Posting{
		ID:        idgen.WithPrefix("le_"),
		From:      from,
		To:        to,
		Amount:    new(uint256.Int).Set(amount),
		Reference: reference,
		CreatedAt: time.Now(),
	}
	if err := l.store.Post(ctx, p); err != nil {
		return err
	}
	metrics.LedgerOpsTotal.WithLabelValues(op).Inc()
	return nil
}

func hexAddr(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func counterparty(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return hexAddr(a)
}
