// Package escrow implements the payment processor: value a payer locks for a
// payee until one terminal transition moves it to exactly one of them.
//
// Flow:
//  1. Payer creates an escrow: attached value moves payer → custody
//  2. Payer releases before expiry: custody → payee (Completed)
//  3. Payer or payee refunds: custody → payer (Refunded)
//  4. Either party claims after expiry: custody → payer (Refunded)
//  5. Either party disputes: no movement, the escrow stays Disputed
//
// Status is persisted before value leaves custody, so a receiver that calls
// back into the processor sees the terminal status. The status write, the
// payout and everything the receiver does run in one txn scope: a rejected
// payout leaves no trace.
package escrow

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/mbd888/agora/internal/apperr"
	"github.com/mbd888/agora/internal/units"
)

var (
	ErrEscrowNotFound     = apperr.New(apperr.NotFound, "escrow not found")
	ErrNotActive          = apperr.New(apperr.State, "escrow is not active")
	ErrExpired            = apperr.New(apperr.State, "escrow has expired, use claim instead")
	ErrNotExpired         = apperr.New(apperr.State, "escrow has not expired yet")
	ErrNotPayer           = apperr.New(apperr.Authorization, "only the payer can do this")
	ErrNotParty           = apperr.New(apperr.Authorization, "only the payer or payee can do this")
	ErrSelfEscrow         = apperr.New(apperr.Validation, "payee cannot be the payer")
	ErrInvalidDescription = apperr.New(apperr.Validation, "description must be non-empty and within the length limit")
	ErrInvalidReason      = apperr.New(apperr.Validation, "dispute reason must be non-empty and within the length limit")
	ErrTransferFailed     = apperr.New(apperr.Transfer, "value transfer failed")
	ErrDuplicateID        = apperr.New(apperr.Internal, "escrow id already exists")
	ErrHeldOverflow       = apperr.New(apperr.Internal, "held total overflows 256 bits")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusActive    Status = "active"    // Value locked in custody
	StatusCompleted Status = "completed" // Released to the payee
	StatusRefunded  Status = "refunded"  // Returned to the payer
	StatusDisputed  Status = "disputed"  // Frozen; no operation resolves it
)

const (
	DefaultExpirationDays = 30
	MaxExpirationDays     = 365
	DefaultGasStipend     = 2300
)

// CustodyAddress is the ledger account holding every locked escrow amount.
var CustodyAddress = common.BytesToAddress(crypto.Keccak256([]byte("agora.escrow.custody"))[12:])

// Escrow is one locked payment. Amount never changes after creation.
type Escrow struct {
	ID            string         `json:"id"`
	Payer         common.Address `json:"payer"`
	Payee         common.Address `json:"payee"`
	Amount        *uint256.Int   `json:"amount"`
	Description   string         `json:"description"`
	Status        Status         `json:"status"`
	DisputeReason string         `json:"disputeReason,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
	ExpiresAt     time.Time      `json:"expiresAt"`
}

// MarshalJSON renders the amount as a base-10 string.
func (e *Escrow) MarshalJSON() ([]byte, error) {
	type alias Escrow
	return json.Marshal(struct {
		*alias
		Amount string `json:"amount"`
	}{alias: (*alias)(e), Amount: units.Format(e.Amount)})
}

// IsTerminal reports whether no further transition is possible.
func (e *Escrow) IsTerminal() bool {
	return e.Status != StatusActive
}

// Holds reports whether the escrow's amount is still in custody. Disputed
// escrows keep their value locked.
func (e *Escrow) Holds() bool {
	return e.Status == StatusActive || e.Status == StatusDisputed
}

// IsParty reports whether addr is the payer or the payee.
func (e *Escrow) IsParty(addr common.Address) bool {
	return addr == e.Payer || addr == e.Payee
}

// Clone returns a deep copy.
func (e *Escrow) Clone() *Escrow {
	cp := *e
	if e.Amount != nil {
		cp.Amount = new(uint256.Int).Set(e.Amount)
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	Payee          common.Address
	Amount         *uint256.Int
	Description    string
	ExpirationDays int
}

// Limits bounds user-supplied strings and page sizes.
type Limits struct {
	MaxDescription int
	MaxReason      int
	MaxPageSize    int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxDescription: 500,
		MaxReason:      500,
		MaxPageSize:    100,
	}
}

// Store persists escrows. Writes made with a context inside a txn scope
// commit or roll back with that scope.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	// Transition writes e's status, dispute reason and completion time only
	// if the stored status is still from; otherwise it fails with
	// ErrNotActive. Amount and parties never change.
	Transition(ctx context.Context, e *Escrow, from Status) error

	// ListByPayer and ListByPayee return escrows in creation order plus the
	// total count. A limit <= 0 returns everything from offset.
	ListByPayer(ctx context.Context, payer common.Address, offset, limit int) ([]*Escrow, int, error)
	ListByPayee(ctx context.Context, payee common.Address, offset, limit int) ([]*Escrow, int, error)

	// NextNonce increments and returns the payer's nonce. The increment is
	// final even when the surrounding scope rolls back.
	NextNonce(ctx context.Context, payer common.Address) (uint64, error)

	// HeldTotal sums the amounts of escrows still holding value.
	HeldTotal(ctx context.Context) (*uint256.Int, error)

	// CountOverdue counts Active escrows whose expiry is at or before now.
	CountOverdue(ctx context.Context, now time.Time) (int, error)
}

// Ledger moves value between accounts (implemented by ledger.Ledger).
type Ledger interface {
	Balance(ctx context.Context, account common.Address) (*uint256.Int, error)
	Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int, reference string) error
}

func hexAddr(a common.Address) string {
	return strings.ToLower(a.Hex())
}
