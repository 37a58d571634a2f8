package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mbd888/agora/internal/admin"
	"github.com/mbd888/agora/internal/apperr"
	"github.com/mbd888/agora/internal/events"
	"github.com/mbd888/agora/internal/idgen"
	"github.com/mbd888/agora/internal/metrics"
	"github.com/mbd888/agora/internal/pagination"
	"github.com/mbd888/agora/internal/syncutil"
	"github.com/mbd888/agora/internal/traces"
	"github.com/mbd888/agora/internal/txn"
	"github.com/mbd888/agora/internal/units"
	"github.com/mbd888/agora/internal/validation"
)

// Service is the payment processor. Mutating calls run one at a time; a
// receiver hook that calls back in joins the call already in progress, and
// its writes join the same txn scope.
type Service struct {
	store       Store
	ledger      Ledger
	tx          txn.Runner
	guard       admin.Guard
	events      events.Emitter
	receivers   *Receivers
	limits      Limits
	defaultDays int
	stipend     uint64
	custody     common.Address
	logger      *slog.Logger
	serial      *syncutil.Serializer
	transfer    syncutil.Guard
	now         func() time.Time
}

// NewService creates a new payment processor.
func NewService(store Store, ledger Ledger, guard admin.Guard, emitter events.Emitter, logger *slog.Logger) *Service {
	if emitter == nil {
		emitter = events.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		ledger:      ledger,
		tx:          txn.NewMemory(),
		guard:       guard,
		events:      emitter,
		receivers:   NewReceivers(),
		limits:      DefaultLimits(),
		defaultDays: DefaultExpirationDays,
		stipend:     DefaultGasStipend,
		custody:     CustodyAddress,
		logger:      logger,
		serial:      syncutil.NewSerializer(),
		now:         time.Now,
	}
}

// WithLimits overrides the default input limits.
func (s *Service) WithLimits(l Limits) *Service {
	s.limits = l
	return s
}

// WithDefaultExpiration sets the expiry used when a request's is out of range.
func (s *Service) WithDefaultExpiration(days int) *Service {
	if days >= 1 && days <= MaxExpirationDays {
		s.defaultDays = days
	}
	return s
}

// WithGasStipend sets the allowance receivers get per payout.
func (s *Service) WithGasStipend(gas uint64) *Service {
	s.stipend = gas
	return s
}

// WithTransactor sets the runner that scopes each operation's writes. The
// default journals the memory stores; Postgres stores need txn.NewPostgres
// over the same database.
func (s *Service) WithTransactor(r txn.Runner) *Service {
	s.tx = r
	return s
}

// WithReceivers replaces the receiver hook table.
func (s *Service) WithReceivers(r *Receivers) *Service {
	s.receivers = r
	return s
}

// Receivers returns the receiver hook table.
func (s *Service) Receivers() *Receivers {
	return s.receivers
}

// Custody returns the ledger account holding locked value.
func (s *Service) Custody() common.Address {
	return s.custody
}

func (s *Service) begin(ctx context.Context, op string, caller common.Address, id string) (context.Context, func(*error), error) {
	if err := s.guard.WhenNotPaused(); err != nil {
		metrics.RejectedCallsTotal.WithLabelValues("escrow", apperr.KindOf(err).String()).Inc()
		return ctx, nil, err
	}
	ctx, release, err := s.serial.Enter(ctx)
	if err != nil {
		return ctx, nil, err
	}
	ctx, span := traces.Call(ctx, "escrow", op, hexAddr(caller))
	if id != "" {
		span.SetAttributes(traces.EscrowID(id))
	}
	return ctx, func(errp *error) {
		if err := *errp; err != nil {
			metrics.RejectedCallsTotal.WithLabelValues("escrow", apperr.KindOf(err).String()).Inc()
			traces.Fail(span, err)
		}
		span.End()
		release()
	}, nil
}

// Create locks amount from caller's account for payee. The caller's nonce is
// consumed even when the request is rejected.
func (s *Service) Create(ctx context.Context, caller common.Address, req CreateRequest) (e *Escrow, err error) {
	ctx, done, err := s.begin(ctx, "Create", caller, "")
	if err != nil {
		return nil, err
	}
	defer done(&err)

	nonce, err := s.store.NextNonce(ctx, caller)
	if err != nil {
		return nil, err
	}

	switch {
	case caller == (common.Address{}):
		return nil, validation.ErrZeroAddress
	case req.Amount == nil || req.Amount.IsZero():
		return nil, units.ErrZeroAmount
	case req.Payee == (common.Address{}):
		return nil, validation.ErrZeroAddress
	case req.Payee == caller:
		return nil, ErrSelfEscrow
	case req.Description == "" || len(req.Description) > s.limits.MaxDescription:
		return nil, ErrInvalidDescription
	}

	days := req.ExpirationDays
	if days < 1 || days > MaxExpirationDays {
		days = s.defaultDays
	}
	now := s.now()
	e = &Escrow{
		ID:          escrowID(caller, req.Payee, req.Amount, now, nonce),
		Payer:       caller,
		Payee:       req.Payee,
		Amount:      new(uint256.Int).Set(req.Amount),
		Description: req.Description,
		Status:      StatusActive,
		CreatedAt:   now,
		ExpiresAt:   now.AddDate(0, 0, days),
	}

	err = s.tx.Run(ctx, func(ctx context.Context) error {
		if err := s.ledger.Transfer(ctx, caller, s.custody, e.Amount, "escrow:"+e.ID); err != nil {
			return err
		}
		return s.store.Create(ctx, e)
	})
	if err != nil {
		return nil, err
	}

	txn.AfterCommit(ctx, func() { metrics.EscrowsTotal.WithLabelValues(string(StatusActive)).Inc() })
	s.emit(ctx, events.EscrowCreated, e, map[string]string{
		"id":        e.ID,
		"payer":     hexAddr(e.Payer),
		"payee":     hexAddr(e.Payee),
		"amount":    units.Format(e.Amount),
		"expiresAt": e.ExpiresAt.UTC().Format(time.RFC3339),
	})
	s.logger.Info("escrow created",
		"escrow_id", e.ID, "payer", hexAddr(e.Payer), "payee", hexAddr(e.Payee), "amount", units.Format(e.Amount))
	return e, nil
}

// Release pays the payee. Only the payer may release, and only before expiry.
func (s *Service) Release(ctx context.Context, caller common.Address, id string) (e *Escrow, err error) {
	ctx, done, err := s.begin(ctx, "Release", caller, id)
	if err != nil {
		return nil, err
	}
	defer done(&err)

	e, err = s.active(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller != e.Payer {
		return nil, ErrNotPayer
	}
	if !s.now().Before(e.ExpiresAt) {
		return nil, ErrExpired
	}

	if err := s.settle(ctx, e, StatusCompleted, e.Payee, "release"); err != nil {
		return nil, err
	}
	s.emit(ctx, events.EscrowCompleted, e, s.settledData(e, e.Payee))
	return e, nil
}

// Refund returns the value to the payer. Either party may refund.
func (s *Service) Refund(ctx context.Context, caller common.Address, id string) (e *Escrow, err error) {
	ctx, done, err := s.begin(ctx, "Refund", caller, id)
	if err != nil {
		return nil, err
	}
	defer done(&err)

	e, err = s.active(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.IsParty(caller) {
		return nil, ErrNotParty
	}

	if err := s.settle(ctx, e, StatusRefunded, e.Payer, "refund"); err != nil {
		return nil, err
	}
	s.emit(ctx, events.EscrowRefunded, e, s.settledData(e, e.Payer))
	return e, nil
}

// ClaimExpired refunds the payer once the escrow has expired. Either party
// may claim.
func (s *Service) ClaimExpired(ctx context.Context, caller common.Address, id string) (e *Escrow, err error) {
	ctx, done, err := s.begin(ctx, "ClaimExpired", caller, id)
	if err != nil {
		return nil, err
	}
	defer done(&err)

	e, err = s.active(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.IsParty(caller) {
		return nil, ErrNotParty
	}
	if s.now().Before(e.ExpiresAt) {
		return nil, ErrNotExpired
	}

	if err := s.settle(ctx, e, StatusRefunded, e.Payer, "claim"); err != nil {
		return nil, err
	}
	s.emit(ctx, events.EscrowExpired, e, s.settledData(e, e.Payer))
	return e, nil
}

// Dispute freezes the escrow. The value stays in custody; nothing resolves a
// disputed escrow.
func (s *Service) Dispute(ctx context.Context, caller common.Address, id, reason string) (e *Escrow, err error) {
	ctx, done, err := s.begin(ctx, "Dispute", caller, id)
	if err != nil {
		return nil, err
	}
	defer done(&err)

	e, err = s.active(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.IsParty(caller) {
		return nil, ErrNotParty
	}
	if reason == "" || len(reason) > s.limits.MaxReason {
		return nil, ErrInvalidReason
	}

	next := e.Clone()
	next.Status = StatusDisputed
	next.DisputeReason = reason
	if err := s.store.Transition(ctx, next, StatusActive); err != nil {
		return nil, err
	}
	e = next

	txn.AfterCommit(ctx, func() { metrics.EscrowsTotal.WithLabelValues(string(StatusDisputed)).Inc() })
	s.emit(ctx, events.EscrowDisputed, e, map[string]string{
		"id":     e.ID,
		"payer":  hexAddr(e.Payer),
		"payee":  hexAddr(e.Payee),
		"by":     hexAddr(caller),
		"reason": reason,
	})
	s.logger.Info("escrow disputed", "escrow_id", e.ID, "by", hexAddr(caller))
	return e, nil
}

// active loads id and requires it to be Active. The status check comes
// before any caller check so a callback into a settled escrow always sees a
// state error.
func (s *Service) active(ctx context.Context, id string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusActive {
		return nil, ErrNotActive
	}
	return e, nil
}

// settle persists the terminal status, then pays out, in one scope. If the
// payout or the receiver fails, the status write, the transfer and whatever
// the receiver did are all rolled back.
func (s *Service) settle(ctx context.Context, e *Escrow, status Status, to common.Address, op string) error {
	next := e.Clone()
	now := s.now()
	next.Status = status
	next.CompletedAt = &now

	err := s.tx.Run(ctx, func(ctx context.Context) error {
		if err := s.store.Transition(ctx, next, StatusActive); err != nil {
			return err
		}
		return s.payout(ctx, next, to)
	})
	if err != nil {
		if apperr.Is(err, apperr.Transfer) {
			metrics.EscrowTransferFailuresTotal.WithLabelValues(op).Inc()
			s.logger.Warn("escrow payout rejected",
				"escrow_id", e.ID, "op", op, "to", hexAddr(to), "error", err)
		}
		return err
	}
	*e = *next

	txn.AfterCommit(ctx, func() {
		metrics.EscrowsTotal.WithLabelValues(string(status)).Inc()
		metrics.EscrowDuration.Observe(now.Sub(e.CreatedAt).Seconds())
	})
	s.logger.Info("escrow settled",
		"escrow_id", e.ID, "status", string(status), "to", hexAddr(to), "amount", units.Format(e.Amount))
	return nil
}

// payout moves the escrowed amount from custody to to and runs to's receiver
// hook under the gas stipend. A nested payout fails. The caller's scope
// undoes the transfer when the hook rejects it.
func (s *Service) payout(ctx context.Context, e *Escrow, to common.Address) error {
	release, err := s.transfer.Enter()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	defer release()

	ctx, span := traces.Call(ctx, "escrow", "payout", hexAddr(s.custody),
		traces.EscrowID(e.ID),
		traces.Recipient(hexAddr(to)),
		traces.Amount(units.Format(e.Amount)),
	)
	defer span.End()

	if err := s.ledger.Transfer(ctx, s.custody, to, e.Amount, "escrow:"+e.ID); err != nil {
		err = fmt.Errorf("%w: %w", ErrTransferFailed, err)
		traces.Fail(span, err)
		return err
	}

	hook := s.receivers.Lookup(to)
	if hook == nil {
		return nil
	}
	gas := NewGas(s.stipend)
	err = hook.Receive(ctx, Payment{EscrowID: e.ID, From: s.custody, To: to, Amount: new(uint256.Int).Set(e.Amount)}, gas)
	span.SetAttributes(traces.GasUsed(s.stipend - gas.Remaining()))
	if err == nil && gas.Exhausted() {
		err = ErrOutOfGas
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrTransferFailed, err)
		traces.Fail(span, err)
		return err
	}
	return nil
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByPayer returns one page of the escrows caller created.
func (s *Service) ListByPayer(ctx context.Context, payer common.Address, offset, limit int) (pagination.Page[*Escrow], error) {
	limit = pagination.ClampLimit(limit, s.limits.MaxPageSize)
	items, total, err := s.store.ListByPayer(ctx, payer, max(offset, 0), limit)
	if err != nil {
		return pagination.Page[*Escrow]{}, err
	}
	return newPage(items, total, offset, limit), nil
}

// ListAllByPayer returns every escrow payer created.
func (s *Service) ListAllByPayer(ctx context.Context, payer common.Address) ([]*Escrow, error) {
	items, _, err := s.store.ListByPayer(ctx, payer, 0, 0)
	return items, err
}

// ListByPayee returns one page of the escrows naming payee.
func (s *Service) ListByPayee(ctx context.Context, payee common.Address, offset, limit int) (pagination.Page[*Escrow], error) {
	limit = pagination.ClampLimit(limit, s.limits.MaxPageSize)
	items, total, err := s.store.ListByPayee(ctx, payee, max(offset, 0), limit)
	if err != nil {
		return pagination.Page[*Escrow]{}, err
	}
	return newPage(items, total, offset, limit), nil
}

// ListAllByPayee returns every escrow naming payee.
func (s *Service) ListAllByPayee(ctx context.Context, payee common.Address) ([]*Escrow, error) {
	items, _, err := s.store.ListByPayee(ctx, payee, 0, 0)
	return items, err
}

// ContractBalance returns the value held in custody.
func (s *Service) ContractBalance(ctx context.Context) (*uint256.Int, error) {
	return s.ledger.Balance(ctx, s.custody)
}

// HeldTotal sums the escrows whose value should be in custody.
func (s *Service) HeldTotal(ctx context.Context) (*uint256.Int, error) {
	return s.store.HeldTotal(ctx)
}

func (s *Service) settledData(e *Escrow, to common.Address) map[string]string {
	return map[string]string{
		"id":     e.ID,
		"payer":  hexAddr(e.Payer),
		"payee":  hexAddr(e.Payee),
		"to":     hexAddr(to),
		"amount": units.Format(e.Amount),
	}
}

// emit publishes once the enclosing scope commits.
func (s *Service) emit(ctx context.Context, name events.Name, e *Escrow, data map[string]string) {
	ev := &events.Event{
		Name:    name,
		Source:  events.SourceEscrow,
		Subject: e.ID,
		Data:    data,
	}
	txn.AfterCommit(ctx, func() { s.events.Emit(ctx, ev) })
}

func escrowID(payer, payee common.Address, amount *uint256.Int, now time.Time, nonce uint64) string {
	amt := amount.Bytes32()
	return idgen.Derive(
		payer.Bytes(),
		payee.Bytes(),
		amt[:],
		idgen.Int64(now.UnixNano()),
		idgen.Entropy(32),
		idgen.Uint64(nonce),
	).Hex()
}

func newPage[T any](items []T, total, offset, limit int) pagination.Page[T] {
	if items == nil {
		items = []T{}
	}
	if offset < 0 {
		offset = 0
	}
	return pagination.Page[T]{Items: items, Total: total, Offset: offset, Limit: limit}
}
