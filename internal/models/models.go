package models

import "time"

type Status string

const (
	StatusCreated   Status = "created"
	StatusFunded    Status = "funded"
	StatusDelivered Status = "delivered"
	StatusDisputed  Status = "disputed"
	StatusCompleted Status = "completed"
	StatusRefunded  Status = "refunded"
	StatusResolved  Status = "resolved"
)

// Terminal reports whether no further transition can leave the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusResolved:
		return true
	}
	return false
}

// Valid reports whether the status is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusFunded, StatusDelivered, StatusDisputed,
		StatusCompleted, StatusRefunded, StatusResolved:
		return true
	}
	return false
}

type Escrow struct {
	ID                 string
	Buyer              string
	Seller             string
	Amount             string // base units, decimal string
	FeeBps             uint32
	ServiceDescription string
	AcceptanceCriteria string
	DepositAddress     string
	DerivationIndex    int64
	Deadline           time.Time
	AcceptanceWindow   time.Duration
	Status             Status
	DeliveredAt        *time.Time
	DeliveryProof      *string
	FundingTxHash      *string
	DisputeReason      *string
	DisputeEvidence    *string
	Resolution         *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type EscrowEvent struct {
	EscrowID  string
	Seq       int64
	Type      string
	Actor     string
	Payload   []byte
	CreatedAt time.Time
}

type PayoutKind string

const (
	PayoutRelease PayoutKind = "release"
	PayoutRefund  PayoutKind = "refund"
	PayoutFee     PayoutKind = "fee"
)

// Payout is a directive for value leaving the escrow. The engine records it;
// an external process physically moves the funds.
type Payout struct {
	EscrowID  string
	Kind      PayoutKind
	Recipient string
	Amount    string
	CreatedAt time.Time
}

type Stats struct {
	Total     int64
	Completed int64
	Disputed  int64
	Refunded  int64
	Active    int64
}

// TxStep is one unsigned transaction a key holder must sign and submit.
type TxStep struct {
	Target        string `json:"target"`
	Function      string `json:"function"`
	Args          []any  `json:"args"`
	HumanReadable string `json:"humanReadable"`
	Note          string `json:"note,omitempty"`
}

// TxPlan is the ordered sequence of steps for one lifecycle operation.
// Most operations need a single step; create needs approve-then-create.
type TxPlan struct {
	Steps []TxStep `json:"steps"`
}
