package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"escrowflow/internal/engine"
	"escrowflow/internal/models"

	"github.com/google/uuid"
)

// ErrUnsupportedInMode is returned for operations the active backend cannot
// serve (e.g. timeline reads in trustless mode, where the contract owns
// history).
var ErrUnsupportedInMode = errors.New("services: operation not supported in this mode")

// Backend is the single operation vocabulary shared by both operating modes.
// The ledger backend executes transitions against the record store; the
// mirror backend returns unsigned transaction plans for the external
// contract. The implementation is chosen once at startup.
type Backend interface {
	CreateEscrow(ctx context.Context, actor string, p engine.CreateParams) (*Result, error)
	Fund(ctx context.Context, id, actor, depositTxHash string) (*Result, error)
	Deliver(ctx context.Context, id, actor, proof string) (*Result, error)
	Accept(ctx context.Context, id, actor string) (*Result, error)
	Dispute(ctx context.Context, id, actor, reason, evidence string) (*Result, error)
	Resolve(ctx context.Context, id, actor, winner string) (*Result, error)
	ReclaimExpired(ctx context.Context, id, actor string) (*Result, error)
	ClaimByTimeout(ctx context.Context, id, actor string) (*Result, error)

	Get(ctx context.Context, id string) (*models.Escrow, error)
	ListByParty(ctx context.Context, address string, limit int) ([]models.Escrow, error)
	Events(ctx context.Context, id string) ([]models.EscrowEvent, error)
	Payouts(ctx context.Context, id string) ([]models.Payout, error)
	Stats(ctx context.Context) (models.Stats, error)
}

// Result is what a write operation hands back: the updated escrow plus payout
// directives in ledger mode, or a transaction plan in trustless mode.
type Result struct {
	Escrow  *models.Escrow
	Plan    *models.TxPlan
	Payouts []models.Payout
}

// EscrowStore is the persistence surface the ledger backend needs.
type EscrowStore interface {
	NextDerivationIndex(ctx context.Context) (int64, error)
	CreateEscrow(ctx context.Context, res *engine.Result, actor string) error
	Transition(ctx context.Context, id, actor string, apply func(*models.Escrow) (*engine.Result, error)) (*engine.Result, error)
	Get(ctx context.Context, id string) (*models.Escrow, error)
	ListByParty(ctx context.Context, address string, limit int) ([]models.Escrow, error)
	Events(ctx context.Context, id string) ([]models.EscrowEvent, error)
	Payouts(ctx context.Context, id string) ([]models.Payout, error)
	Stats(ctx context.Context) (models.Stats, error)
	ListDeadlineExpired(ctx context.Context, now time.Time, limit int) ([]models.Escrow, error)
	ListAcceptanceElapsed(ctx context.Context, now time.Time, limit int) ([]models.Escrow, error)
}

// AddressDeriver yields a fresh deposit address per derivation index.
type AddressDeriver interface {
	Derive(index uint32) (string, error)
}

// Ledger is the internal-mode backend: the record store is authoritative and
// payout directives are recorded for an external process to execute.
type Ledger struct {
	store   EscrowStore
	engine  *engine.Engine
	deriver AddressDeriver
	now     func() time.Time
}

func NewLedger(store EscrowStore, eng *engine.Engine, deriver AddressDeriver) *Ledger {
	return &Ledger{
		store:   store,
		engine:  eng,
		deriver: deriver,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock; tests use it to cross deadlines without
// waiting.
func (l *Ledger) SetNowFunc(now func() time.Time) {
	if now == nil {
		l.now = func() time.Time { return time.Now().UTC() }
		return
	}
	l.now = now
}

func (l *Ledger) CreateEscrow(ctx context.Context, actor string, p engine.CreateParams) (*Result, error) {
	if actor != p.Buyer {
		return nil, fmt.Errorf("%w: escrows are created by their buyer", engine.ErrUnauthorized)
	}
	res, err := l.engine.Create(p, l.now())
	if err != nil {
		return nil, err
	}
	res.Escrow.ID = uuid.NewString()

	if l.deriver != nil {
		idx, err := l.store.NextDerivationIndex(ctx)
		if err != nil {
			return nil, err
		}
		addr, err := l.deriver.Derive(uint32(idx))
		if err != nil {
			return nil, fmt.Errorf("services: derive deposit address: %w", err)
		}
		res.Escrow.DerivationIndex = idx
		res.Escrow.DepositAddress = addr
	}

	if err := l.store.CreateEscrow(ctx, res, actor); err != nil {
		return nil, err
	}
	return &Result{Escrow: res.Escrow}, nil
}

func (l *Ledger) Fund(ctx context.Context, id, actor, depositTxHash string) (*Result, error) {
	return l.transition(ctx, id, actor, func(esc *models.Escrow) (*engine.Result, error) {
		return l.engine.Fund(esc, actor, depositTxHash, l.now())
	})
}

func (l *Ledger) Deliver(ctx context.Context, id, actor, proof string) (*Result, error) {
	return l.transition(ctx, id, actor, func(esc *models.Escrow) (*engine.Result, error) {
		return l.engine.Deliver(esc, actor, proof, l.now())
	})
}

func (l *Ledger) Accept(ctx context.Context, id, actor string) (*Result, error) {
	return l.transition(ctx, id, actor, func(esc *models.Escrow) (*engine.Result, error) {
		return l.engine.Accept(esc, actor, l.now())
	})
}

func (l *Ledger) Dispute(ctx context.Context, id, actor, reason, evidence string) (*Result, error) {
	return l.transition(ctx, id, actor, func(esc *models.Escrow) (*engine.Result, error) {
		return l.engine.Dispute(esc, actor, reason, evidence, l.now())
	})
}

func (l *Ledger) Resolve(ctx context.Context, id, actor, winner string) (*Result, error) {
	return l.transition(ctx, id, actor, func(esc *models.Escrow) (*engine.Result, error) {
		return l.engine.Resolve(esc, actor, winner, l.now())
	})
}

func (l *Ledger) ReclaimExpired(ctx context.Context, id, actor string) (*Result, error) {
	return l.transition(ctx, id, actor, func(esc *models.Escrow) (*engine.Result, error) {
		return l.engine.ReclaimExpired(esc, actor, l.now())
	})
}

func (l *Ledger) ClaimByTimeout(ctx context.Context, id, actor string) (*Result, error) {
	return l.transition(ctx, id, actor, func(esc *models.Escrow) (*engine.Result, error) {
		return l.engine.ClaimByTimeout(esc, actor, l.now())
	})
}

func (l *Ledger) transition(ctx context.Context, id, actor string, apply func(*models.Escrow) (*engine.Result, error)) (*Result, error) {
	res, err := l.store.Transition(ctx, id, actor, apply)
	if err != nil {
		return nil, err
	}
	return &Result{Escrow: res.Escrow, Payouts: res.Payouts}, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (*models.Escrow, error) {
	return l.store.Get(ctx, id)
}

func (l *Ledger) ListByParty(ctx context.Context, address string, limit int) ([]models.Escrow, error) {
	return l.store.ListByParty(ctx, address, limit)
}

func (l *Ledger) Events(ctx context.Context, id string) ([]models.EscrowEvent, error) {
	return l.store.Events(ctx, id)
}

func (l *Ledger) Payouts(ctx context.Context, id string) ([]models.Payout, error) {
	return l.store.Payouts(ctx, id)
}

func (l *Ledger) Stats(ctx context.Context) (models.Stats, error) {
	return l.store.Stats(ctx)
}
