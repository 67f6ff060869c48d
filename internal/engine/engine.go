package engine

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"escrowflow/internal/models"
)

var (
	ErrInvalidArgument    = errors.New("engine: invalid argument")
	ErrInvalidState       = errors.New("engine: invalid state for operation")
	ErrDeadlineExceeded   = errors.New("engine: delivery deadline exceeded")
	ErrDeadlineNotReached = errors.New("engine: delivery deadline not reached")
	ErrWindowExpired      = errors.New("engine: acceptance window expired")
	ErrWindowNotExpired   = errors.New("engine: acceptance window still open")
	ErrUnauthorized       = errors.New("engine: actor not permitted")
)

// ActorSystem is the actor recorded when the sweeper forces a transition.
const ActorSystem = "system"

const (
	DefaultDeadlineHours         = 24
	DefaultAcceptanceWindowHours = 24
	DefaultFeeBps                = 100
	bpsDenominator               = 10_000
)

// Event types appended to the escrow timeline, one per transition.
const (
	EventCreated        = "ESCROW_CREATED"
	EventFunded         = "ESCROW_FUNDED"
	EventDelivered      = "ESCROW_DELIVERED"
	EventAccepted       = "ESCROW_ACCEPTED"
	EventDisputed       = "ESCROW_DISPUTED"
	EventResolved       = "ESCROW_RESOLVED"
	EventReclaimed      = "ESCROW_RECLAIMED"
	EventClaimedTimeout = "ESCROW_CLAIMED_TIMEOUT"
)

// Engine holds the process-lifetime escrow policy and applies lifecycle
// transitions. It performs no I/O; callers pass the current time and persist
// the returned result themselves. Zero-valued policy fields fall back to the
// package defaults.
type Engine struct {
	FeeBps                uint32
	FeeRecipient          string
	Arbiter               string
	DeadlineHours         int
	AcceptanceWindowHours int
}

// Result is the outcome of one applied transition.
type Result struct {
	Escrow  *models.Escrow
	Event   string
	Payload map[string]any
	Payouts []models.Payout
}

type CreateParams struct {
	Buyer                 string
	Seller                string
	Amount                string
	ServiceDescription    string
	AcceptanceCriteria    string
	DeadlineHours         int
	AcceptanceWindowHours int
}

// Create validates the agreement terms and produces a new escrow in the
// initial state. The id and deposit address are assigned by the caller.
func (e *Engine) Create(p CreateParams, now time.Time) (*Result, error) {
	buyer := strings.TrimSpace(p.Buyer)
	seller := strings.TrimSpace(p.Seller)
	if buyer == "" || seller == "" {
		return nil, fmt.Errorf("%w: buyer and seller are required", ErrInvalidArgument)
	}
	if buyer == seller {
		return nil, fmt.Errorf("%w: buyer and seller must differ", ErrInvalidArgument)
	}
	amt, err := parseAmount(p.Amount)
	if err != nil {
		return nil, err
	}
	if amt.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
	}
	if strings.TrimSpace(p.ServiceDescription) == "" {
		return nil, fmt.Errorf("%w: service description is required", ErrInvalidArgument)
	}

	deadlineHours := p.DeadlineHours
	if deadlineHours <= 0 {
		deadlineHours = e.DeadlineHours
	}
	if deadlineHours <= 0 {
		deadlineHours = DefaultDeadlineHours
	}
	windowHours := p.AcceptanceWindowHours
	if windowHours <= 0 {
		windowHours = e.AcceptanceWindowHours
	}
	if windowHours <= 0 {
		windowHours = DefaultAcceptanceWindowHours
	}
	feeBps := e.FeeBps
	if feeBps == 0 {
		feeBps = DefaultFeeBps
	}

	esc := &models.Escrow{
		Buyer:              buyer,
		Seller:             seller,
		Amount:             amt.String(),
		FeeBps:             feeBps,
		ServiceDescription: p.ServiceDescription,
		AcceptanceCriteria: p.AcceptanceCriteria,
		Deadline:           now.Add(time.Duration(deadlineHours) * time.Hour),
		AcceptanceWindow:   time.Duration(windowHours) * time.Hour,
		Status:             models.StatusCreated,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	return &Result{
		Escrow: esc,
		Event:  EventCreated,
		Payload: map[string]any{
			"amount":   esc.Amount,
			"deadline": esc.Deadline.UTC(),
		},
	}, nil
}

// Fund records the buyer's deposit proof and moves the escrow to funded.
func (e *Engine) Fund(esc *models.Escrow, actor, depositTxHash string, now time.Time) (*Result, error) {
	if esc.Status != models.StatusCreated {
		return nil, fmt.Errorf("%w: fund from %s", ErrInvalidState, esc.Status)
	}
	if strings.TrimSpace(depositTxHash) == "" {
		return nil, fmt.Errorf("%w: deposit proof is required", ErrInvalidArgument)
	}

	next := clone(esc)
	next.Status = models.StatusFunded
	next.FundingTxHash = &depositTxHash
	next.UpdatedAt = now
	return &Result{
		Escrow:  next,
		Event:   EventFunded,
		Payload: map[string]any{"tx_hash": depositTxHash},
	}, nil
}

// Deliver marks the deliverable as provided. Only the seller may deliver, and
// only while the deadline has not passed.
func (e *Engine) Deliver(esc *models.Escrow, actor, proof string, now time.Time) (*Result, error) {
	if esc.Status != models.StatusFunded {
		return nil, fmt.Errorf("%w: deliver from %s", ErrInvalidState, esc.Status)
	}
	if actor != esc.Seller {
		return nil, fmt.Errorf("%w: only the seller may mark delivery", ErrUnauthorized)
	}
	if strings.TrimSpace(proof) == "" {
		return nil, fmt.Errorf("%w: delivery proof is required", ErrInvalidArgument)
	}
	if now.After(esc.Deadline) {
		return nil, fmt.Errorf("%w: deadline was %s", ErrDeadlineExceeded, esc.Deadline.UTC().Format(time.RFC3339))
	}

	next := clone(esc)
	next.Status = models.StatusDelivered
	deliveredAt := now
	next.DeliveredAt = &deliveredAt
	next.DeliveryProof = &proof
	next.UpdatedAt = now
	return &Result{
		Escrow:  next,
		Event:   EventDelivered,
		Payload: map[string]any{"proof": proof},
	}, nil
}

// Accept is the buyer confirming the deliverable. It completes the escrow and
// emits the release and fee directives.
func (e *Engine) Accept(esc *models.Escrow, actor string, now time.Time) (*Result, error) {
	if esc.Status != models.StatusDelivered {
		return nil, fmt.Errorf("%w: accept from %s", ErrInvalidState, esc.Status)
	}
	if actor != esc.Buyer {
		return nil, fmt.Errorf("%w: only the buyer may accept", ErrUnauthorized)
	}

	next := clone(esc)
	next.Status = models.StatusCompleted
	next.UpdatedAt = now
	payouts, err := e.releasePayouts(next, now)
	if err != nil {
		return nil, err
	}
	return &Result{
		Escrow:  next,
		Event:   EventAccepted,
		Payload: map[string]any{"seller": esc.Seller},
		Payouts: payouts,
	}, nil
}

// Dispute opens a dispute. Only the buyer may dispute, only while the
// acceptance window is open, and a reason is mandatory.
func (e *Engine) Dispute(esc *models.Escrow, actor, reason, evidence string, now time.Time) (*Result, error) {
	if esc.Status != models.StatusDelivered {
		return nil, fmt.Errorf("%w: dispute from %s", ErrInvalidState, esc.Status)
	}
	if actor != esc.Buyer {
		return nil, fmt.Errorf("%w: only the buyer may dispute", ErrUnauthorized)
	}
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: dispute reason is required", ErrInvalidArgument)
	}
	if esc.DeliveredAt == nil {
		return nil, fmt.Errorf("%w: delivered escrow missing delivery time", ErrInvalidState)
	}
	if now.After(esc.DeliveredAt.Add(esc.AcceptanceWindow)) {
		return nil, fmt.Errorf("%w: window closed at %s", ErrWindowExpired,
			esc.DeliveredAt.Add(esc.AcceptanceWindow).UTC().Format(time.RFC3339))
	}

	next := clone(esc)
	next.Status = models.StatusDisputed
	next.DisputeReason = &reason
	if evidence != "" {
		next.DisputeEvidence = &evidence
	}
	next.UpdatedAt = now
	return &Result{
		Escrow:  next,
		Event:   EventDisputed,
		Payload: map[string]any{"reason": reason},
	}, nil
}

// Resolve terminates a disputed escrow. Only the configured arbiter may call
// it, and the winner must be this escrow's buyer or seller — never a third
// party.
func (e *Engine) Resolve(esc *models.Escrow, actor, winner string, now time.Time) (*Result, error) {
	if esc.Status != models.StatusDisputed {
		return nil, fmt.Errorf("%w: resolve from %s", ErrInvalidState, esc.Status)
	}
	if e.Arbiter == "" || actor != e.Arbiter {
		return nil, fmt.Errorf("%w: only the arbiter may resolve", ErrUnauthorized)
	}
	if winner != esc.Buyer && winner != esc.Seller {
		return nil, fmt.Errorf("%w: winner must be the escrow buyer or seller", ErrInvalidArgument)
	}

	next := clone(esc)
	next.Status = models.StatusResolved
	next.UpdatedAt = now

	var (
		payouts    []models.Payout
		resolution string
		err        error
	)
	if winner == esc.Seller {
		resolution = "seller"
		payouts, err = e.releasePayouts(next, now)
		if err != nil {
			return nil, err
		}
	} else {
		resolution = "buyer"
		payouts = []models.Payout{{
			EscrowID:  esc.ID,
			Kind:      models.PayoutRefund,
			Recipient: esc.Buyer,
			Amount:    esc.Amount,
			CreatedAt: now,
		}}
	}
	next.Resolution = &resolution
	return &Result{
		Escrow:  next,
		Event:   EventResolved,
		Payload: map[string]any{"winner": winner},
		Payouts: payouts,
	}, nil
}

// ReclaimExpired refunds the buyer when the seller missed the delivery
// deadline. A refund directive is emitted only if a deposit was recorded.
func (e *Engine) ReclaimExpired(esc *models.Escrow, actor string, now time.Time) (*Result, error) {
	if esc.Status != models.StatusCreated && esc.Status != models.StatusFunded {
		return nil, fmt.Errorf("%w: reclaim from %s", ErrInvalidState, esc.Status)
	}
	if actor != esc.Buyer && actor != ActorSystem {
		return nil, fmt.Errorf("%w: only the buyer may reclaim", ErrUnauthorized)
	}
	if !now.After(esc.Deadline) {
		return nil, fmt.Errorf("%w: deadline is %s", ErrDeadlineNotReached, esc.Deadline.UTC().Format(time.RFC3339))
	}

	funded := esc.Status == models.StatusFunded
	next := clone(esc)
	next.Status = models.StatusRefunded
	next.UpdatedAt = now
	var payouts []models.Payout
	if funded {
		payouts = []models.Payout{{
			EscrowID:  esc.ID,
			Kind:      models.PayoutRefund,
			Recipient: esc.Buyer,
			Amount:    esc.Amount,
			CreatedAt: now,
		}}
	}
	return &Result{
		Escrow:  next,
		Event:   EventReclaimed,
		Payload: map[string]any{"funded": funded},
		Payouts: payouts,
	}, nil
}

// ClaimByTimeout completes the escrow in the seller's favour when the buyer
// let the acceptance window lapse without accepting or disputing.
func (e *Engine) ClaimByTimeout(esc *models.Escrow, actor string, now time.Time) (*Result, error) {
	if esc.Status != models.StatusDelivered {
		return nil, fmt.Errorf("%w: claim from %s", ErrInvalidState, esc.Status)
	}
	if actor != esc.Seller && actor != ActorSystem {
		return nil, fmt.Errorf("%w: only the seller may claim", ErrUnauthorized)
	}
	if esc.DeliveredAt == nil {
		return nil, fmt.Errorf("%w: delivered escrow missing delivery time", ErrInvalidState)
	}
	windowEnd := esc.DeliveredAt.Add(esc.AcceptanceWindow)
	if !now.After(windowEnd) {
		return nil, fmt.Errorf("%w: window open until %s", ErrWindowNotExpired, windowEnd.UTC().Format(time.RFC3339))
	}

	next := clone(esc)
	next.Status = models.StatusCompleted
	next.UpdatedAt = now
	payouts, err := e.releasePayouts(next, now)
	if err != nil {
		return nil, err
	}
	return &Result{
		Escrow:  next,
		Event:   EventClaimedTimeout,
		Payload: map[string]any{"window_closed": windowEnd.UTC()},
		Payouts: payouts,
	}, nil
}

// releasePayouts splits the escrow amount into the seller release and the
// protocol fee. The seller receives amount minus fee; the fee recipient
// receives the remainder.
func (e *Engine) releasePayouts(esc *models.Escrow, now time.Time) ([]models.Payout, error) {
	release, fee, err := SplitFee(esc.Amount, esc.FeeBps)
	if err != nil {
		return nil, err
	}
	payouts := []models.Payout{{
		EscrowID:  esc.ID,
		Kind:      models.PayoutRelease,
		Recipient: esc.Seller,
		Amount:    release,
		CreatedAt: now,
	}}
	if fee != "0" && e.FeeRecipient != "" {
		payouts = append(payouts, models.Payout{
			EscrowID:  esc.ID,
			Kind:      models.PayoutFee,
			Recipient: e.FeeRecipient,
			Amount:    fee,
			CreatedAt: now,
		})
	}
	return payouts, nil
}

// SplitFee returns the released amount and the fee for a given escrow amount
// and fee rate in basis points.
func SplitFee(amount string, feeBps uint32) (release, fee string, err error) {
	amt, err := parseAmount(amount)
	if err != nil {
		return "", "", err
	}
	if feeBps > bpsDenominator {
		return "", "", fmt.Errorf("%w: fee bps out of range: %d", ErrInvalidArgument, feeBps)
	}
	f := new(big.Int).Mul(amt, big.NewInt(int64(feeBps)))
	f.Div(f, big.NewInt(bpsDenominator))
	r := new(big.Int).Sub(amt, f)
	return r.String(), f.String(), nil
}

// FeeInclusiveAmount is the total the buyer must pre-authorize in trustless
// mode: the escrow amount plus the fee the contract will route on release.
func FeeInclusiveAmount(amount string, feeBps uint32) (string, error) {
	amt, err := parseAmount(amount)
	if err != nil {
		return "", err
	}
	if feeBps > bpsDenominator {
		return "", fmt.Errorf("%w: fee bps out of range: %d", ErrInvalidArgument, feeBps)
	}
	f := new(big.Int).Mul(amt, big.NewInt(int64(feeBps)))
	f.Div(f, big.NewInt(bpsDenominator))
	return new(big.Int).Add(amt, f).String(), nil
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("%w: malformed amount %q", ErrInvalidArgument, s)
	}
	return v, nil
}

func clone(esc *models.Escrow) *models.Escrow {
	next := *esc
	return &next
}
