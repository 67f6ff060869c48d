package services

import (
	"context"
	"fmt"
	"time"

	"escrowflow/internal/chain"
	"escrowflow/internal/engine"
	"escrowflow/internal/models"
)

// ContractReader is the read surface of the external escrow contract.
type ContractReader interface {
	GetEscrow(ctx context.Context, id string) (*chain.ContractEscrow, error)
	GetStats(ctx context.Context) (models.Stats, error)
}

// Mirror is the trustless-mode backend. The external contract owns custody
// and state, so every write translates into an unsigned transaction plan for
// the relevant key holder and nothing is persisted locally. Reads query the
// contract and surface its state in the internal vocabulary.
type Mirror struct {
	Contract string // escrow contract address
	Token    string // stable token contract granting allowances
	FeeBps   uint32
	Reader   ContractReader

	// Configured defaults applied when create terms omit them; zero falls
	// back to the engine package defaults.
	DeadlineHours         int
	AcceptanceWindowHours int
}

func NewMirror(contract, token string, feeBps uint32, reader ContractReader) *Mirror {
	if feeBps == 0 {
		feeBps = engine.DefaultFeeBps
	}
	return &Mirror{Contract: contract, Token: token, FeeBps: feeBps, Reader: reader}
}

// CreateEscrow returns a two-step plan: the contract pulls funds when the
// escrow is created, so the buyer must first grant it an allowance covering
// the amount plus the protocol fee.
func (m *Mirror) CreateEscrow(ctx context.Context, actor string, p engine.CreateParams) (*Result, error) {
	if actor != p.Buyer {
		return nil, fmt.Errorf("%w: escrows are created by their buyer", engine.ErrUnauthorized)
	}
	// Run the same validation the ledger backend applies; only the resulting
	// terms are used, nothing is stored.
	if _, err := (&engine.Engine{FeeBps: m.FeeBps}).Create(p, time.Now().UTC()); err != nil {
		return nil, err
	}
	total, err := engine.FeeInclusiveAmount(p.Amount, m.FeeBps)
	if err != nil {
		return nil, err
	}

	deadlineHours := p.DeadlineHours
	if deadlineHours <= 0 {
		deadlineHours = m.DeadlineHours
	}
	if deadlineHours <= 0 {
		deadlineHours = engine.DefaultDeadlineHours
	}
	windowHours := p.AcceptanceWindowHours
	if windowHours <= 0 {
		windowHours = m.AcceptanceWindowHours
	}
	if windowHours <= 0 {
		windowHours = engine.DefaultAcceptanceWindowHours
	}

	plan := &models.TxPlan{Steps: []models.TxStep{
		{
			Target:   m.Token,
			Function: "approve",
			Args:     []any{m.Contract, total},
			HumanReadable: fmt.Sprintf("Allow the escrow contract to pull %s base units (amount %s plus fee at %d bps)",
				total, p.Amount, m.FeeBps),
			Note: "sign with the buyer key; required before createEscrow can pull funds",
		},
		{
			Target:   m.Contract,
			Function: "createEscrow",
			Args:     []any{p.Seller, p.Amount, p.ServiceDescription, deadlineHours, windowHours},
			HumanReadable: fmt.Sprintf("Create escrow of %s base units for seller %s, delivery due in %dh, acceptance window %dh",
				p.Amount, p.Seller, deadlineHours, windowHours),
			Note: "sign with the buyer key after the approval confirms",
		},
	}}
	return &Result{Plan: plan}, nil
}

// Fund is a no-op plan in trustless mode: createEscrow already pulled the
// funds, so there is no separate funding transaction to build.
func (m *Mirror) Fund(ctx context.Context, id, actor, depositTxHash string) (*Result, error) {
	return nil, fmt.Errorf("%w: the contract pulls funds at creation; there is no separate fund step", ErrUnsupportedInMode)
}

func (m *Mirror) Deliver(ctx context.Context, id, actor, proof string) (*Result, error) {
	if proof == "" {
		return nil, fmt.Errorf("%w: delivery proof is required", engine.ErrInvalidArgument)
	}
	return m.singleStep(id, "markDelivered", []any{id, proof},
		fmt.Sprintf("Mark escrow %s delivered with proof %s", id, proof),
		"sign with the seller key before the deadline; the contract rejects late delivery"), nil
}

func (m *Mirror) Accept(ctx context.Context, id, actor string) (*Result, error) {
	return m.singleStep(id, "acceptDelivery", []any{id},
		fmt.Sprintf("Accept delivery for escrow %s and release payment to the seller", id),
		"sign with the buyer key"), nil
}

func (m *Mirror) Dispute(ctx context.Context, id, actor, reason, evidence string) (*Result, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: dispute reason is required", engine.ErrInvalidArgument)
	}
	args := []any{id, reason}
	if evidence != "" {
		args = append(args, evidence)
	}
	return m.singleStep(id, "openDispute", args,
		fmt.Sprintf("Open a dispute on escrow %s: %s", id, reason),
		"sign with the buyer key while the acceptance window is open"), nil
}

func (m *Mirror) Resolve(ctx context.Context, id, actor, winner string) (*Result, error) {
	if winner == "" {
		return nil, fmt.Errorf("%w: winner is required", engine.ErrInvalidArgument)
	}
	return m.singleStep(id, "resolveDispute", []any{id, winner},
		fmt.Sprintf("Resolve the dispute on escrow %s in favour of %s", id, winner),
		"sign with the arbiter key; the contract rejects winners other than the escrow parties"), nil
}

func (m *Mirror) ReclaimExpired(ctx context.Context, id, actor string) (*Result, error) {
	return m.singleStep(id, "reclaimExpired", []any{id},
		fmt.Sprintf("Reclaim escrow %s after the missed delivery deadline", id),
		"sign with the buyer key; valid only after the deadline"), nil
}

func (m *Mirror) ClaimByTimeout(ctx context.Context, id, actor string) (*Result, error) {
	return m.singleStep(id, "claimByTimeout", []any{id},
		fmt.Sprintf("Claim payment for escrow %s after the acceptance window lapsed", id),
		"sign with the seller key; valid only after the window closes with no dispute"), nil
}

func (m *Mirror) singleStep(id, function string, args []any, human, note string) *Result {
	return &Result{Plan: &models.TxPlan{Steps: []models.TxStep{{
		Target:        m.Contract,
		Function:      function,
		Args:          args,
		HumanReadable: human,
		Note:          note,
	}}}}
}

func (m *Mirror) Get(ctx context.Context, id string) (*models.Escrow, error) {
	raw, err := m.Reader.GetEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	return raw.Escrow()
}

// ListByParty is not served in trustless mode: the contract exposes per-id
// reads only.
func (m *Mirror) ListByParty(ctx context.Context, address string, limit int) ([]models.Escrow, error) {
	return nil, fmt.Errorf("%w: the contract exposes per-id reads only", ErrUnsupportedInMode)
}

// Events is not served in trustless mode: the chain itself is the audit log.
func (m *Mirror) Events(ctx context.Context, id string) ([]models.EscrowEvent, error) {
	return nil, fmt.Errorf("%w: the chain is the audit log", ErrUnsupportedInMode)
}

// Payouts is not served in trustless mode: the contract moves value directly,
// so there are no locally recorded directives.
func (m *Mirror) Payouts(ctx context.Context, id string) ([]models.Payout, error) {
	return nil, fmt.Errorf("%w: the contract settles value directly", ErrUnsupportedInMode)
}

func (m *Mirror) Stats(ctx context.Context) (models.Stats, error) {
	return m.Reader.GetStats(ctx)
}
