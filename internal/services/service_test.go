package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"escrowflow/internal/engine"
	"escrowflow/internal/models"
	"escrowflow/internal/store"
)

// memStore is an in-memory EscrowStore. Transition serializes writers per
// escrow with a single mutex, which is enough to reproduce the row-lock
// semantics the real store gets from SELECT ... FOR UPDATE.
type memStore struct {
	mu      sync.Mutex
	escrows map[string]*models.Escrow
	events  map[string][]models.EscrowEvent
	payouts map[string][]models.Payout
	nextIdx int64
}

func newMemStore() *memStore {
	return &memStore{
		escrows: make(map[string]*models.Escrow),
		events:  make(map[string][]models.EscrowEvent),
		payouts: make(map[string][]models.Payout),
	}
}

func (m *memStore) NextDerivationIndex(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextIdx++
	return m.nextIdx, nil
}

func (m *memStore) CreateEscrow(ctx context.Context, res *engine.Result, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *res.Escrow
	m.escrows[cp.ID] = &cp
	m.appendEventLocked(cp.ID, res.Event, actor, res.Payload, cp.CreatedAt)
	return nil
}

func (m *memStore) Transition(ctx context.Context, id, actor string, apply func(*models.Escrow) (*engine.Result, error)) (*engine.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.escrows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *cur
	res, err := apply(&cp)
	if err != nil {
		return nil, err
	}
	next := *res.Escrow
	m.escrows[id] = &next
	m.appendEventLocked(id, res.Event, actor, res.Payload, next.UpdatedAt)
	for i := range res.Payouts {
		res.Payouts[i].EscrowID = id
		m.payouts[id] = append(m.payouts[id], res.Payouts[i])
	}
	return res, nil
}

func (m *memStore) appendEventLocked(id, typ, actor string, payload map[string]any, at time.Time) {
	raw, _ := json.Marshal(payload)
	m.events[id] = append(m.events[id], models.EscrowEvent{
		EscrowID:  id,
		Seq:       int64(len(m.events[id]) + 1),
		Type:      typ,
		Actor:     actor,
		Payload:   raw,
		CreatedAt: at,
	})
}

func (m *memStore) Get(ctx context.Context, id string) (*models.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	esc, ok := m.escrows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *esc
	return &cp, nil
}

func (m *memStore) ListByParty(ctx context.Context, address string, limit int) ([]models.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Escrow
	for _, esc := range m.escrows {
		if esc.Buyer == address || esc.Seller == address {
			out = append(out, *esc)
		}
	}
	return out, nil
}

func (m *memStore) Events(ctx context.Context, id string) ([]models.EscrowEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.EscrowEvent(nil), m.events[id]...), nil
}

func (m *memStore) Payouts(ctx context.Context, id string) ([]models.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Payout(nil), m.payouts[id]...), nil
}

func (m *memStore) Stats(ctx context.Context) (models.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s models.Stats
	for _, esc := range m.escrows {
		s.Total++
		switch esc.Status {
		case models.StatusCompleted:
			s.Completed++
		case models.StatusDisputed:
			s.Disputed++
		case models.StatusRefunded:
			s.Refunded++
		}
		if !esc.Status.Terminal() {
			s.Active++
		}
	}
	return s, nil
}

func (m *memStore) ListDeadlineExpired(ctx context.Context, now time.Time, limit int) ([]models.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Escrow
	for _, esc := range m.escrows {
		if (esc.Status == models.StatusCreated || esc.Status == models.StatusFunded) && esc.Deadline.Before(now) {
			out = append(out, *esc)
		}
	}
	return out, nil
}

func (m *memStore) ListAcceptanceElapsed(ctx context.Context, now time.Time, limit int) ([]models.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Escrow
	for _, esc := range m.escrows {
		if esc.Status == models.StatusDelivered && esc.DeliveredAt != nil &&
			esc.DeliveredAt.Add(esc.AcceptanceWindow).Before(now) {
			out = append(out, *esc)
		}
	}
	return out, nil
}

type fixedDeriver struct{}

func (fixedDeriver) Derive(index uint32) (string, error) { return "esc1qdeposit", nil }

func testLedger(t *testing.T, st *memStore) (*Ledger, *time.Time) {
	t.Helper()
	eng := &engine.Engine{FeeBps: 100, FeeRecipient: "treasury", Arbiter: "arbiter"}
	l := NewLedger(st, eng, fixedDeriver{})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	l.SetNowFunc(func() time.Time { return *clock })
	return l, clock
}

func createFunded(t *testing.T, l *Ledger) *models.Escrow {
	t.Helper()
	ctx := context.Background()
	res, err := l.CreateEscrow(ctx, "buyer", engine.CreateParams{
		Buyer:              "buyer",
		Seller:             "seller",
		Amount:             "1000",
		ServiceDescription: "website build",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := l.Fund(ctx, res.Escrow.ID, "buyer", "0xdeadbeef"); err != nil {
		t.Fatalf("fund: %v", err)
	}
	esc, err := l.Get(ctx, res.Escrow.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return esc
}

func TestLedgerCreateAssignsIDAndDepositAddress(t *testing.T) {
	st := newMemStore()
	l, _ := testLedger(t, st)

	res, err := l.CreateEscrow(context.Background(), "buyer", engine.CreateParams{
		Buyer:              "buyer",
		Seller:             "seller",
		Amount:             "500",
		ServiceDescription: "logo design",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Escrow.ID == "" {
		t.Fatal("expected assigned id")
	}
	if res.Escrow.DepositAddress != "esc1qdeposit" {
		t.Fatalf("deposit address = %q", res.Escrow.DepositAddress)
	}
	if res.Escrow.DerivationIndex != 1 {
		t.Fatalf("derivation index = %d", res.Escrow.DerivationIndex)
	}
	events, err := l.Events(context.Background(), res.Escrow.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 || events[0].Type != engine.EventCreated {
		t.Fatalf("expected single creation event, got %+v", events)
	}
}

func TestLedgerCreateRejectsNonBuyerActor(t *testing.T) {
	st := newMemStore()
	l, _ := testLedger(t, st)

	_, err := l.CreateEscrow(context.Background(), "seller", engine.CreateParams{
		Buyer:              "buyer",
		Seller:             "seller",
		Amount:             "500",
		ServiceDescription: "logo design",
	})
	if !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestLedgerHappyPathTimeline(t *testing.T) {
	st := newMemStore()
	l, clock := testLedger(t, st)
	ctx := context.Background()

	esc := createFunded(t, l)
	if _, err := l.Deliver(ctx, esc.ID, "seller", "https://proof"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	*clock = clock.Add(time.Hour)
	res, err := l.Accept(ctx, esc.ID, "buyer")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if res.Escrow.Status != models.StatusCompleted {
		t.Fatalf("status = %s", res.Escrow.Status)
	}
	if len(res.Payouts) != 2 {
		t.Fatalf("expected release + fee, got %+v", res.Payouts)
	}
	if res.Payouts[0].Amount != "990" || res.Payouts[1].Amount != "10" {
		t.Fatalf("unexpected split: %+v", res.Payouts)
	}

	events, err := l.Events(ctx, esc.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	want := []string{engine.EventCreated, engine.EventFunded, engine.EventDelivered, engine.EventAccepted}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, ev.Type, want[i])
		}
		if ev.Seq != int64(i+1) {
			t.Fatalf("event[%d] seq = %d", i, ev.Seq)
		}
	}
}

func TestLedgerTransitionUnknownEscrow(t *testing.T) {
	st := newMemStore()
	l, _ := testLedger(t, st)

	_, err := l.Fund(context.Background(), "no-such-id", "buyer", "0x1")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLedgerConcurrentAcceptExactlyOneWins(t *testing.T) {
	st := newMemStore()
	l, _ := testLedger(t, st)
	ctx := context.Background()

	esc := createFunded(t, l)
	if _, err := l.Deliver(ctx, esc.ID, "seller", "proof"); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	const callers = 8
	errs := make(chan error, callers)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < callers; i++ {
		go func() {
			start.Wait()
			_, err := l.Accept(ctx, esc.ID, "buyer")
			errs <- err
		}()
	}
	start.Done()

	var wins, losses int
	for i := 0; i < callers; i++ {
		err := <-errs
		switch {
		case err == nil:
			wins++
		case errors.Is(err, engine.ErrInvalidState):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || losses != callers-1 {
		t.Fatalf("wins = %d, losses = %d", wins, losses)
	}

	// Exactly one winner means exactly one payout pair was recorded.
	if got := len(st.payouts[esc.ID]); got != 2 {
		t.Fatalf("recorded %d payouts, want 2", got)
	}
}

func TestLedgerReclaimAfterDeadline(t *testing.T) {
	st := newMemStore()
	l, clock := testLedger(t, st)
	ctx := context.Background()

	esc := createFunded(t, l)

	// Deadline itself is still the seller's.
	*clock = esc.Deadline
	if _, err := l.ReclaimExpired(ctx, esc.ID, "buyer"); !errors.Is(err, engine.ErrDeadlineNotReached) {
		t.Fatalf("expected ErrDeadlineNotReached, got %v", err)
	}

	*clock = esc.Deadline.Add(time.Second)
	res, err := l.ReclaimExpired(ctx, esc.ID, "buyer")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if res.Escrow.Status != models.StatusRefunded {
		t.Fatalf("status = %s", res.Escrow.Status)
	}
	if len(res.Payouts) != 1 || res.Payouts[0].Kind != models.PayoutRefund || res.Payouts[0].Amount != "1000" {
		t.Fatalf("unexpected payouts: %+v", res.Payouts)
	}
}

func TestLedgerStats(t *testing.T) {
	st := newMemStore()
	l, _ := testLedger(t, st)
	ctx := context.Background()

	esc := createFunded(t, l)
	if _, err := l.Deliver(ctx, esc.ID, "seller", "proof"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if _, err := l.Accept(ctx, esc.ID, "buyer"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := l.CreateEscrow(ctx, "buyer", engine.CreateParams{
		Buyer: "buyer", Seller: "seller", Amount: "10", ServiceDescription: "x",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	s, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if s.Total != 2 || s.Completed != 1 || s.Active != 1 {
		t.Fatalf("stats = %+v", s)
	}
}
