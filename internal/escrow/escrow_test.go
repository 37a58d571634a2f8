package escrow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mbd888/agora/internal/admin"
	"github.com/mbd888/agora/internal/apperr"
	"github.com/mbd888/agora/internal/events"
	"github.com/mbd888/agora/internal/ledger"
	"github.com/mbd888/agora/internal/syncutil"
	"github.com/mbd888/agora/internal/units"
)

var (
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000ff")
	payer    = common.HexToAddress("0x000000000000000000000000000000000000a001")
	payee    = common.HexToAddress("0x000000000000000000000000000000000000b002")
	stranger = common.HexToAddress("0x000000000000000000000000000000000000c003")
)

type testEnv struct {
	svc    *Service
	store  *MemoryStore
	ledger *ledger.Ledger
	ctrl   *admin.Controller
	events *events.MemoryStore
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	evStore := events.NewMemoryStore()
	evLog := events.NewLog(evStore, logger)
	ctrl := admin.NewController(owner, evLog, logger)
	led := ledger.New(ledger.NewMemoryStore(), logger)
	store := NewMemoryStore()

	env := &testEnv{
		svc:    NewService(store, led, ctrl, evLog, logger),
		store:  store,
		ledger: led,
		ctrl:   ctrl,
		events: evStore,
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	env.svc.now = func() time.Time { return env.now }

	if _, err := led.Mint(context.Background(), payer, units.MustParse("10000")); err != nil {
		t.Fatalf("mint: %v", err)
	}
	return env
}

func (env *testEnv) create(t *testing.T, amount string) *Escrow {
	t.Helper()
	e, err := env.svc.Create(context.Background(), payer, CreateRequest{
		Payee:       payee,
		Amount:      units.MustParse(amount),
		Description: "audit",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return e
}

func (env *testEnv) balance(t *testing.T, addr common.Address) string {
	t.Helper()
	b, err := env.ledger.Balance(context.Background(), addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return units.Format(b)
}

func (env *testEnv) custody(t *testing.T) string {
	t.Helper()
	b, err := env.svc.ContractBalance(context.Background())
	if err != nil {
		t.Fatalf("contract balance: %v", err)
	}
	return units.Format(b)
}

func (env *testEnv) status(t *testing.T, id string) Status {
	t.Helper()
	e, err := env.svc.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return e.Status
}

func TestCreate_LocksValue(t *testing.T) {
	env := newTestEnv(t)
	e := env.create(t, "1000")

	if !strings.HasPrefix(e.ID, "0x") || len(e.ID) != 66 {
		t.Errorf("expected 0x-prefixed 32-byte id, got %q", e.ID)
	}
	if e.Status != StatusActive {
		t.Errorf("expected active, got %s", e.Status)
	}
	if want := env.now.AddDate(0, 0, DefaultExpirationDays); !e.ExpiresAt.Equal(want) {
		t.Errorf("expected expiry %v, got %v", want, e.ExpiresAt)
	}
	if got := env.balance(t, payer); got != "9000" {
		t.Errorf("expected payer balance 9000, got %s", got)
	}
	if got := env.custody(t); got != "1000" {
		t.Errorf("expected custody 1000, got %s", got)
	}
	held, _ := env.svc.HeldTotal(context.Background())
	if units.Format(held) != "1000" {
		t.Errorf("expected held total 1000, got %s", units.Format(held))
	}

	names := env.events.Names()
	if len(names) != 1 || names[0] != events.EscrowCreated {
		t.Errorf("expected [EscrowCreated], got %v", names)
	}
}

func TestCreate_IDsAreUnique(t *testing.T) {
	env := newTestEnv(t)
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		e := env.create(t, "1")
		if seen[e.ID] {
			t.Fatalf("duplicate id %s", e.ID)
		}
		seen[e.ID] = true
	}
}

func TestCreate_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateRequest
		kind apperr.Kind
	}{
		{"zero amount", CreateRequest{Payee: payee, Amount: new(uint256.Int), Description: "x"}, apperr.Validation},
		{"nil amount", CreateRequest{Payee: payee, Description: "x"}, apperr.Validation},
		{"zero payee", CreateRequest{Amount: units.MustParse("1"), Description: "x"}, apperr.Validation},
		{"self", CreateRequest{Payee: payer, Amount: units.MustParse("1"), Description: "x"}, apperr.Validation},
		{"empty description", CreateRequest{Payee: payee, Amount: units.MustParse("1")}, apperr.Validation},
		{"long description", CreateRequest{Payee: payee, Amount: units.MustParse("1"), Description: strings.Repeat("d", 501)}, apperr.Validation},
		{"insufficient funds", CreateRequest{Payee: payee, Amount: units.MustParse("20000"), Description: "x"}, apperr.Transfer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Create(ctx, payer, tt.req)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := apperr.KindOf(err); got != tt.kind {
				t.Errorf("expected %s, got %s (%v)", tt.kind, got, err)
			}
		})
	}

	if got := env.balance(t, payer); got != "10000" {
		t.Errorf("rejected calls moved value: payer balance %s", got)
	}
	if got := env.custody(t); got != "0" {
		t.Errorf("rejected calls moved value: custody %s", got)
	}
	// Every attempt consumed a nonce.
	if n, _ := env.store.NextNonce(ctx, payer); n != uint64(len(tests)+1) {
		t.Errorf("expected nonce %d, got %d", len(tests)+1, n)
	}
}

func TestCreate_ExpirationFallback(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		days, want int
	}{
		{0, 30}, {-5, 30}, {366, 30}, {1, 1}, {365, 365}, {7, 7},
	}
	for _, tt := range tests {
		e, err := env.svc.Create(context.Background(), payer, CreateRequest{
			Payee: payee, Amount: units.MustParse("1"), Description: "x", ExpirationDays: tt.days,
		})
		if err != nil {
			t.Fatalf("days=%d: %v", tt.days, err)
		}
		if want := env.now.AddDate(0, 0, tt.want); !e.ExpiresAt.Equal(want) {
			t.Errorf("days=%d: expected %v, got %v", tt.days, want, e.ExpiresAt)
		}
	}
}

func TestRelease_ByPayeeIsUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	e := env.create(t, "1000")

	_, err := env.svc.Release(context.Background(), payee, e.ID)
	if !errors.Is(err, ErrNotPayer) {
		t.Fatalf("expected ErrNotPayer, got %v", err)
	}
	if !apperr.Is(err, apperr.Authorization) {
		t.Errorf("expected authorization kind, got %s", apperr.KindOf(err))
	}
	if s := env.status(t, e.ID); s != StatusActive {
		t.Errorf("expected active, got %s", s)
	}
	if got := env.custody(t); got != "1000" {
		t.Errorf("expected custody 1000, got %s", got)
	}
	if got := env.balance(t, payee); got != "0" {
		t.Errorf("expected payee balance 0, got %s", got)
	}
}

func TestRelease_PaysPayee(t *testing.T) {
	env := newTestEnv(t)
	e := env.create(t, "1000")

	released, err := env.svc.Release(context.Background(), payer, e.ID)
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if released.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", released.Status)
	}
	if released.CompletedAt == nil || !released.CompletedAt.Equal(env.now) {
		t.Errorf("expected completedAt %v, got %v", env.now, released.CompletedAt)
	}
	if got := env.balance(t, payee); got != "1000" {
		t.Errorf("expected payee balance 1000, got %s", got)
	}
	if got := env.custody(t); got != "0" {
		t.Errorf("expected custody 0, got %s", got)
	}

	if _, err := env.svc.Release(context.Background(), payer, e.ID); !errors.Is(err, ErrNotActive) {
		t.Errorf("second release: expected ErrNotActive, got %v", err)
	}
	if _, err := env.svc.Refund(context.Background(), payer, e.ID); !errors.Is(err, ErrNotActive) {
		t.Errorf("refund after release: expected ErrNotActive, got %v", err)
	}

	names := env.events.Names()
	if len(names) != 2 || names[1] != events.EscrowCompleted {
		t.Errorf("expected EscrowCompleted last, got %v", names)
	}
}

func TestRelease_AfterExpiryRequiresClaim(t *testing.T) {
	env := newTestEnv(t)
	e := env.create(t, "1000")
	ctx := context.Background()

	if _, err := env.svc.ClaimExpired(ctx, payee, e.ID); !errors.Is(err, ErrNotExpired) {
		t.Fatalf("early claim: expected ErrNotExpired, got %v", err)
	}

	env.now = e.ExpiresAt
	if _, err := env.svc.Release(ctx, payer, e.ID); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if _, err := env.svc.ClaimExpired(ctx, stranger, e.ID); !errors.Is(err, ErrNotParty) {
		t.Fatalf("stranger claim: expected ErrNotParty, got %v", err)
	}

	claimed, err := env.svc.ClaimExpired(ctx, payee, e.ID)
	if err != nil {
		t.Fatalf("ClaimExpired failed: %v", err)
	}
	if claimed.Status != StatusRefunded {
		t.Errorf("expected refunded, got %s", claimed.Status)
	}
	if got := env.balance(t, payer); got != "10000" {
		t.Errorf("expected payer made whole, got %s", got)
	}
	if got := env.custody(t); got != "0" {
		t.Errorf("expected custody 0, got %s", got)
	}
	names := env.events.Names()
	if names[len(names)-1] != events.EscrowExpired {
		t.Errorf("expected EscrowExpired last, got %v", names)
	}
}

func TestRefund_EitherParty(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.create(t, "100")
	b := env.create(t, "200")

	if _, err := env.svc.Refund(ctx, stranger, a.ID); !errors.Is(err, ErrNotParty) {
		t.Fatalf("expected ErrNotParty, got %v", err)
	}
	if _, err := env.svc.Refund(ctx, payer, a.ID); err != nil {
		t.Fatalf("payer refund: %v", err)
	}
	if _, err := env.svc.Refund(ctx, payee, b.ID); err != nil {
		t.Fatalf("payee refund: %v", err)
	}
	if got := env.balance(t, payer); got != "10000" {
		t.Errorf("expected payer balance 10000, got %s", got)
	}
	if got := env.balance(t, payee); got != "0" {
		t.Errorf("expected payee balance 0, got %s", got)
	}
}

func TestDispute_IsADeadEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.create(t, "1000")

	if _, err := env.svc.Dispute(ctx, payee, e.ID, ""); !errors.Is(err, ErrInvalidReason) {
		t.Fatalf("expected ErrInvalidReason, got %v", err)
	}
	if _, err := env.svc.Dispute(ctx, stranger, e.ID, "late"); !errors.Is(err, ErrNotParty) {
		t.Fatalf("expected ErrNotParty, got %v", err)
	}

	disputed, err := env.svc.Dispute(ctx, payee, e.ID, "late delivery")
	if err != nil {
		t.Fatalf("Dispute failed: %v", err)
	}
	if disputed.Status != StatusDisputed || disputed.DisputeReason != "late delivery" {
		t.Errorf("unexpected escrow after dispute: %+v", disputed)
	}

	if _, err := env.svc.Release(ctx, payer, e.ID); !errors.Is(err, ErrNotActive) {
		t.Errorf("release: expected ErrNotActive, got %v", err)
	}
	if _, err := env.svc.Refund(ctx, payer, e.ID); !errors.Is(err, ErrNotActive) {
		t.Errorf("refund: expected ErrNotActive, got %v", err)
	}
	env.now = e.ExpiresAt.Add(time.Hour)
	if _, err := env.svc.ClaimExpired(ctx, payer, e.ID); !errors.Is(err, ErrNotActive) {
		t.Errorf("claim: expected ErrNotActive, got %v", err)
	}

	// The disputed amount stays locked.
	if got := env.custody(t); got != "1000" {
		t.Errorf("expected custody 1000, got %s", got)
	}
	held, _ := env.svc.HeldTotal(ctx)
	if units.Format(held) != "1000" {
		t.Errorf("expected held 1000, got %s", units.Format(held))
	}
}

func TestRelease_ReentrantCallSeesCompleted(t *testing.T) {
	env := newTestEnv(t)
	e := env.create(t, "1000")

	var innerErr error
	calls := 0
	env.svc.Receivers().Register(payee, ReceiverFunc(func(ctx context.Context, p Payment, gas *Gas) error {
		calls++
		if err := gas.Use(500); err != nil {
			return err
		}
		_, innerErr = env.svc.Release(ctx, payee, p.EscrowID)
		return nil
	}))

	done := make(chan error, 1)
	go func() {
		_, err := env.svc.Release(context.Background(), payer, e.ID)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("outer release failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reentrant release deadlocked")
	}

	if calls != 1 {
		t.Errorf("expected one receiver call, got %d", calls)
	}
	if !errors.Is(innerErr, ErrNotActive) || !apperr.Is(innerErr, apperr.State) {
		t.Errorf("expected inner state error, got %v", innerErr)
	}
	if got := env.balance(t, payee); got != "1000" {
		t.Errorf("expected payee paid exactly once, got %s", got)
	}
	if got := env.custody(t); got != "0" {
		t.Errorf("expected custody 0, got %s", got)
	}
}

func TestPayout_NestedTransferBlockedByGuard(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.create(t, "100")
	b := env.create(t, "200")

	var innerErr error
	fired := false
	env.svc.Receivers().Register(payer, ReceiverFunc(func(ctx context.Context, p Payment, _ *Gas) error {
		if fired {
			return nil
		}
		fired = true
		// b is still Active, so only the transfer guard stops this.
		_, innerErr = env.svc.Refund(ctx, payer, b.ID)
		return nil
	}))

	if _, err := env.svc.Refund(ctx, payer, a.ID); err != nil {
		t.Fatalf("outer refund failed: %v", err)
	}
	if !errors.Is(innerErr, syncutil.ErrReentrant) || !apperr.Is(innerErr, apperr.Transfer) {
		t.Fatalf("expected reentrant transfer error, got %v", innerErr)
	}
	if s := env.status(t, b.ID); s != StatusActive {
		t.Errorf("inner escrow should be restored to active, got %s", s)
	}
	if got := env.custody(t); got != "200" {
		t.Errorf("expected custody 200, got %s", got)
	}
	if got := env.balance(t, payer); got != "9800" {
		t.Errorf("expected payer balance 9800, got %s", got)
	}
}

func TestPayout_ReceiverRejectionRollsBack(t *testing.T) {
	env := newTestEnv(t)
	e := env.create(t, "1000")
	env.svc.Receivers().Register(payee, ReceiverFunc(func(context.Context, Payment, *Gas) error {
		return errors.New("not accepting payments")
	}))

	_, err := env.svc.Release(context.Background(), payer, e.ID)
	if !errors.Is(err, ErrTransferFailed) || !apperr.Is(err, apperr.Transfer) {
		t.Fatalf("expected transfer failure, got %v", err)
	}

	got, _ := env.svc.Get(context.Background(), e.ID)
	if got.Status != StatusActive || got.CompletedAt != nil {
		t.Errorf("escrow not restored: %+v", got)
	}
	if b := env.balance(t, payee); b != "0" {
		t.Errorf("expected payee balance 0, got %s", b)
	}
	if c := env.custody(t); c != "1000" {
		t.Errorf("expected custody 1000, got %s", c)
	}
	if names := env.events.Names(); len(names) != 1 {
		t.Errorf("failed release should emit nothing, got %v", names)
	}

	// Once the hook is gone the release goes through.
	env.svc.Receivers().Unregister(payee)
	if _, err := env.svc.Release(context.Background(), payer, e.ID); err != nil {
		t.Fatalf("release after unregister: %v", err)
	}
}

func TestPayout_ReceiverRejectionUndoesNestedWork(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.create(t, "1000")

	var nested *Escrow
	env.svc.Receivers().Register(payee, ReceiverFunc(func(ctx context.Context, p Payment, _ *Gas) error {
		var err error
		nested, err = env.svc.Create(ctx, payee, CreateRequest{Payee: stranger, Amount: p.Amount, Description: "onward"})
		if err != nil {
			t.Errorf("nested create: %v", err)
		}
		return errors.New("changed my mind")
	}))

	_, err := env.svc.Release(ctx, payer, e.ID)
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected transfer failure, got %v", err)
	}
	if nested == nil {
		t.Fatal("receiver never created the nested escrow")
	}

	if s := env.status(t, e.ID); s != StatusActive {
		t.Errorf("expected original escrow active, got %s", s)
	}
	if _, err := env.svc.Get(ctx, nested.ID); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("nested escrow should be gone, got %v", err)
	}
	if got := env.balance(t, payee); got != "0" {
		t.Errorf("expected payee balance 0, got %s", got)
	}
	if got := env.custody(t); got != "1000" {
		t.Errorf("expected custody 1000, got %s", got)
	}
	held, _ := env.svc.HeldTotal(ctx)
	if units.Format(held) != env.custody(t) {
		t.Errorf("held %s does not match custody %s", units.Format(held), env.custody(t))
	}
	if page, _ := env.svc.ListByPayee(ctx, stranger, 0, 10); page.Total != 0 {
		t.Errorf("stranger should see no escrows, got %d", page.Total)
	}
	if names := env.events.Names(); len(names) != 1 {
		t.Errorf("rolled back work should emit nothing, got %v", names)
	}
}

func TestPayout_GasStipend(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.create(t, "100")
	b := env.create(t, "100")

	var need uint64 = DefaultGasStipend
	env.svc.Receivers().Register(payee, ReceiverFunc(func(_ context.Context, _ Payment, gas *Gas) error {
		_ = gas.Use(need) // a careless receiver ignores the error
		return nil
	}))

	if _, err := env.svc.Release(ctx, payer, a.ID); err != nil {
		t.Fatalf("receiver within stipend: %v", err)
	}

	need = DefaultGasStipend + 1
	_, err := env.svc.Release(ctx, payer, b.ID)
	if !errors.Is(err, ErrOutOfGas) {
		t.Fatalf("expected ErrOutOfGas, got %v", err)
	}
	if s := env.status(t, b.ID); s != StatusActive {
		t.Errorf("expected active after failed payout, got %s", s)
	}
	if got := env.balance(t, payee); got != "100" {
		t.Errorf("expected payee balance 100, got %s", got)
	}
}

func TestPaused_BlocksMutations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.create(t, "100")

	env.ctrl.SetPaused(true)
	if _, err := env.svc.Create(ctx, payer, CreateRequest{Payee: payee, Amount: units.MustParse("1"), Description: "x"}); !errors.Is(err, admin.ErrPaused) {
		t.Errorf("create: expected ErrPaused, got %v", err)
	}
	if _, err := env.svc.Release(ctx, payer, e.ID); !errors.Is(err, admin.ErrPaused) {
		t.Errorf("release: expected ErrPaused, got %v", err)
	}
	if _, err := env.svc.Get(ctx, e.ID); err != nil {
		t.Errorf("reads must work while paused: %v", err)
	}

	env.ctrl.SetPaused(false)
	if _, err := env.svc.Release(ctx, payer, e.ID); err != nil {
		t.Errorf("release after unpause: %v", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Get(context.Background(), "0xdeadbeef")
	if !errors.Is(err, ErrEscrowNotFound) || !apperr.Is(err, apperr.NotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := env.svc.Refund(context.Background(), payer, "0xdeadbeef"); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("refund: expected not found, got %v", err)
	}
}

func TestListByParty(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, env.create(t, "10").ID)
	}

	page, err := env.svc.ListByPayer(ctx, payer, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 3 || len(page.Items) != 1 || page.Items[0].ID != ids[1] {
		t.Errorf("unexpected page: total=%d items=%d", page.Total, len(page.Items))
	}

	page, _ = env.svc.ListByPayer(ctx, payer, 5, 10)
	if page.Total != 3 || len(page.Items) != 0 {
		t.Errorf("offset past end: total=%d items=%d", page.Total, len(page.Items))
	}

	all, _ := env.svc.ListAllByPayee(ctx, payee)
	if len(all) != 3 {
		t.Fatalf("expected 3 payee escrows, got %d", len(all))
	}
	for i, e := range all {
		if e.ID != ids[i] {
			t.Errorf("position %d: expected %s, got %s", i, ids[i], e.ID)
		}
	}

	none, _ := env.svc.ListAllByPayer(ctx, stranger)
	if len(none) != 0 {
		t.Errorf("expected no escrows for stranger, got %d", len(none))
	}
}

func TestEscrow_MarshalJSONAmountIsString(t *testing.T) {
	e := &Escrow{ID: "0x1", Amount: units.MustParse("115792089237316195423570985008687907853269984665640564039457584007913129639935")}
	b, err := e.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"amount":"115792089237316195423570985008687907853269984665640564039457584007913129639935"`) {
		t.Errorf("amount not rendered as a decimal string: %s", b)
	}
}
