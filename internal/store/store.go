package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"escrowflow/internal/engine"
	"escrowflow/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the escrow id has no row.
	ErrNotFound = errors.New("store: escrow not found")
	// ErrUnavailable wraps transient persistence failures; callers may retry.
	ErrUnavailable = errors.New("store: unavailable")
)

// MaxListPage bounds ListByParty results.
const MaxListPage = 100

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

func (s *Store) NextDerivationIndex(ctx context.Context) (int64, error) {
	var idx int64
	if err := s.Pool.QueryRow(ctx, "SELECT nextval('escrow_derivation_index_seq')").Scan(&idx); err != nil {
		return 0, fmt.Errorf("%w: next derivation index: %v", ErrUnavailable, err)
	}
	return idx, nil
}

// CreateEscrow persists a freshly created escrow together with its first
// timeline event in one transaction.
func (s *Store) CreateEscrow(ctx context.Context, res *engine.Result, actor string) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", ErrUnavailable, err)
	}
	defer tx.Rollback(ctx)

	esc := res.Escrow
	_, err = tx.Exec(ctx, `
		INSERT INTO escrows (
			id, buyer, seller, amount, fee_bps, service_description, acceptance_criteria,
			deposit_address, derivation_index, deadline, acceptance_window_secs, status,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`,
		esc.ID, esc.Buyer, esc.Seller, esc.Amount, esc.FeeBps,
		esc.ServiceDescription, esc.AcceptanceCriteria,
		esc.DepositAddress, esc.DerivationIndex,
		esc.Deadline, int64(esc.AcceptanceWindow/time.Second), string(esc.Status),
		esc.CreatedAt, esc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: insert escrow: %v", ErrUnavailable, err)
	}

	if err := appendEvent(ctx, tx, esc.ID, res.Event, actor, res.Payload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit create: %v", ErrUnavailable, err)
	}
	return nil
}

// Transition loads the escrow under a row lock, applies the callback, and
// persists the updated row, the timeline event, and any payout directives in
// the same transaction. The row lock serializes concurrent transitions on one
// id: the loser of a race re-reads the moved state and fails its precondition.
func (s *Store) Transition(ctx context.Context, id, actor string, apply func(*models.Escrow) (*engine.Result, error)) (*engine.Result, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %v", ErrUnavailable, err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, selectEscrow+` WHERE id = $1 FOR UPDATE`, id)
	esc, err := scanEscrow(row)
	if err != nil {
		return nil, err
	}

	res, err := apply(esc)
	if err != nil {
		return nil, err
	}
	next := res.Escrow

	_, err = tx.Exec(ctx, `
		UPDATE escrows SET
			status=$2, delivered_at=$3, delivery_proof=$4, funding_tx_hash=$5,
			dispute_reason=$6, dispute_evidence=$7, resolution=$8, updated_at=$9
		WHERE id=$1
	`,
		next.ID, string(next.Status), next.DeliveredAt, next.DeliveryProof,
		next.FundingTxHash, next.DisputeReason, next.DisputeEvidence,
		next.Resolution, next.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: update escrow: %v", ErrUnavailable, err)
	}

	if err := appendEvent(ctx, tx, next.ID, res.Event, actor, res.Payload); err != nil {
		return nil, err
	}

	for _, p := range res.Payouts {
		if _, err := tx.Exec(ctx, `
			INSERT INTO payouts (escrow_id, kind, recipient, amount, created_at)
			VALUES ($1,$2,$3,$4,$5)
		`, p.EscrowID, string(p.Kind), p.Recipient, p.Amount, p.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: insert payout: %v", ErrUnavailable, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit transition: %v", ErrUnavailable, err)
	}
	return res, nil
}

func appendEvent(ctx context.Context, tx pgx.Tx, escrowID, eventType, actor string, payload map[string]any) error {
	body := []byte("{}")
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("store: marshal event payload: %w", err)
		}
		body = b
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO escrow_events (escrow_id, seq, type, actor, payload)
		VALUES ($1, (SELECT COALESCE(MAX(seq),0)+1 FROM escrow_events WHERE escrow_id=$1), $2, $3, $4::jsonb)
	`, escrowID, eventType, actor, body)
	if err != nil {
		return fmt.Errorf("%w: append event: %v", ErrUnavailable, err)
	}
	return nil
}

const selectEscrow = `
	SELECT id, buyer, seller, amount, fee_bps, service_description, acceptance_criteria,
		deposit_address, derivation_index, deadline, acceptance_window_secs, status,
		delivered_at, delivery_proof, funding_tx_hash, dispute_reason, dispute_evidence,
		resolution, created_at, updated_at
	FROM escrows`

func scanEscrow(row pgx.Row) (*models.Escrow, error) {
	var (
		esc        models.Escrow
		status     string
		windowSecs int64
	)
	err := row.Scan(
		&esc.ID, &esc.Buyer, &esc.Seller, &esc.Amount, &esc.FeeBps,
		&esc.ServiceDescription, &esc.AcceptanceCriteria,
		&esc.DepositAddress, &esc.DerivationIndex,
		&esc.Deadline, &windowSecs, &status,
		&esc.DeliveredAt, &esc.DeliveryProof, &esc.FundingTxHash,
		&esc.DisputeReason, &esc.DisputeEvidence, &esc.Resolution,
		&esc.CreatedAt, &esc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: scan escrow: %v", ErrUnavailable, err)
	}
	esc.Status = models.Status(status)
	esc.AcceptanceWindow = time.Duration(windowSecs) * time.Second
	return &esc, nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Escrow, error) {
	row := s.Pool.QueryRow(ctx, selectEscrow+` WHERE id = $1`, id)
	return scanEscrow(row)
}

// ListByParty returns escrows where the address is buyer or seller, most
// recent first, capped at MaxListPage.
func (s *Store) ListByParty(ctx context.Context, address string, limit int) ([]models.Escrow, error) {
	if limit <= 0 || limit > MaxListPage {
		limit = MaxListPage
	}
	rows, err := s.Pool.Query(ctx, selectEscrow+`
		WHERE buyer = $1 OR seller = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, address, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list by party: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	return collectEscrows(rows)
}

// ListDeadlineExpired returns escrows still awaiting delivery whose deadline
// passed before now.
func (s *Store) ListDeadlineExpired(ctx context.Context, now time.Time, limit int) ([]models.Escrow, error) {
	if limit <= 0 {
		limit = MaxListPage
	}
	rows, err := s.Pool.Query(ctx, selectEscrow+`
		WHERE status IN ('created','funded') AND deadline < $1
		ORDER BY deadline ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list deadline expired: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	return collectEscrows(rows)
}

// ListAcceptanceElapsed returns delivered escrows whose per-escrow acceptance
// window closed before now without a dispute.
func (s *Store) ListAcceptanceElapsed(ctx context.Context, now time.Time, limit int) ([]models.Escrow, error) {
	if limit <= 0 {
		limit = MaxListPage
	}
	rows, err := s.Pool.Query(ctx, selectEscrow+`
		WHERE status = 'delivered'
		  AND delivered_at + make_interval(secs => acceptance_window_secs) < $1
		ORDER BY delivered_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list acceptance elapsed: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	return collectEscrows(rows)
}

func collectEscrows(rows pgx.Rows) ([]models.Escrow, error) {
	out := make([]models.Escrow, 0, 8)
	for rows.Next() {
		esc, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *esc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate escrows: %v", ErrUnavailable, err)
	}
	return out, nil
}

// Events returns the append-only timeline for an escrow in sequence order.
func (s *Store) Events(ctx context.Context, id string) ([]models.EscrowEvent, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT escrow_id, seq, type, actor, payload, created_at
		FROM escrow_events
		WHERE escrow_id = $1
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: list events: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	out := make([]models.EscrowEvent, 0, 8)
	for rows.Next() {
		var ev models.EscrowEvent
		if err := rows.Scan(&ev.EscrowID, &ev.Seq, &ev.Type, &ev.Actor, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan event: %v", ErrUnavailable, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate events: %v", ErrUnavailable, err)
	}
	return out, nil
}

// Payouts returns every directive recorded for an escrow, oldest first.
func (s *Store) Payouts(ctx context.Context, id string) ([]models.Payout, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT escrow_id, kind, recipient, amount, created_at
		FROM payouts
		WHERE escrow_id = $1
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: list payouts: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	out := make([]models.Payout, 0, 4)
	for rows.Next() {
		var p models.Payout
		var kind string
		if err := rows.Scan(&p.EscrowID, &kind, &p.Recipient, &p.Amount, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan payout: %v", ErrUnavailable, err)
		}
		p.Kind = models.PayoutKind(kind)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate payouts: %v", ErrUnavailable, err)
	}
	return out, nil
}

func (s *Store) Stats(ctx context.Context) (models.Stats, error) {
	var st models.Stats
	err := s.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'disputed'),
			COUNT(*) FILTER (WHERE status = 'refunded'),
			COUNT(*) FILTER (WHERE status IN ('created','funded','delivered','disputed'))
		FROM escrows
	`).Scan(&st.Total, &st.Completed, &st.Disputed, &st.Refunded, &st.Active)
	if err != nil {
		return models.Stats{}, fmt.Errorf("%w: stats: %v", ErrUnavailable, err)
	}
	return st, nil
}
