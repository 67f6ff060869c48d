package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"escrowflow/internal/models"
)

// ErrUnreachable wraps transient contract-node failures; callers may retry.
var ErrUnreachable = errors.New("chain: contract unreachable")

// ErrContractNotFound signals the contract has no escrow under the id.
var ErrContractNotFound = errors.New("chain: escrow not found on contract")

// ContractStatus is the status enumeration used by the external escrow
// contract. The contract pulls funds at creation, so it has no unfunded state:
// Active corresponds to the internal funded status.
type ContractStatus uint8

const (
	ContractActive ContractStatus = iota
	ContractDelivered
	ContractDisputed
	ContractCompleted
	ContractRefunded
	ContractResolved
)

// Lifecycle translates the contract enumeration into the internal status
// vocabulary so callers see one set of names regardless of mode.
func (s ContractStatus) Lifecycle() (models.Status, error) {
	switch s {
	case ContractActive:
		return models.StatusFunded, nil
	case ContractDelivered:
		return models.StatusDelivered, nil
	case ContractDisputed:
		return models.StatusDisputed, nil
	case ContractCompleted:
		return models.StatusCompleted, nil
	case ContractRefunded:
		return models.StatusRefunded, nil
	case ContractResolved:
		return models.StatusResolved, nil
	default:
		return "", fmt.Errorf("chain: unknown contract status %d", s)
	}
}

// ContractEscrow is the raw escrow view returned by the contract node.
type ContractEscrow struct {
	ID                   string         `json:"id"`
	Buyer                string         `json:"buyer"`
	Seller               string         `json:"seller"`
	Amount               string         `json:"amount"`
	FeeBps               uint32         `json:"feeBps"`
	ServiceDescription   string         `json:"serviceDescription"`
	Deadline             int64          `json:"deadline"`
	DeliveredAt          int64          `json:"deliveredAt"`
	AcceptanceWindowSecs int64          `json:"acceptanceWindowSecs"`
	Status               ContractStatus `json:"status"`
	CreatedAt            int64          `json:"createdAt"`
}

// Escrow maps the contract view onto the internal record shape.
func (c *ContractEscrow) Escrow() (*models.Escrow, error) {
	status, err := c.Status.Lifecycle()
	if err != nil {
		return nil, err
	}
	esc := &models.Escrow{
		ID:                 c.ID,
		Buyer:              c.Buyer,
		Seller:             c.Seller,
		Amount:             c.Amount,
		FeeBps:             c.FeeBps,
		ServiceDescription: c.ServiceDescription,
		Deadline:           time.Unix(c.Deadline, 0).UTC(),
		AcceptanceWindow:   time.Duration(c.AcceptanceWindowSecs) * time.Second,
		Status:             status,
		CreatedAt:          time.Unix(c.CreatedAt, 0).UTC(),
		UpdatedAt:          time.Unix(c.CreatedAt, 0).UTC(),
	}
	if c.DeliveredAt > 0 {
		deliveredAt := time.Unix(c.DeliveredAt, 0).UTC()
		esc.DeliveredAt = &deliveredAt
	}
	return esc, nil
}

type contractStats struct {
	Total     int64 `json:"total"`
	Completed int64 `json:"completed"`
	Disputed  int64 `json:"disputed"`
	Refunded  int64 `json:"refunded"`
	Active    int64 `json:"active"`
}

// ContractClient reads escrow state from the contract node over JSON-RPC. It
// never submits transactions; writes happen only through plans signed by key
// holders outside this process.
type ContractClient struct {
	baseURL  string
	contract string
	client   *http.Client
	nextID   atomic.Int64
}

func NewContractClient(baseURL, contract string, timeout time.Duration) *ContractClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ContractClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		contract: contract,
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *ContractClient) GetEscrow(ctx context.Context, id string) (*ContractEscrow, error) {
	var result ContractEscrow
	params := map[string]string{"contract": c.contract, "id": id}
	if err := c.call(ctx, "escrow_get", []any{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *ContractClient) GetStats(ctx context.Context) (models.Stats, error) {
	var result contractStats
	params := map[string]string{"contract": c.contract}
	if err := c.call(ctx, "escrow_stats", []any{params}, &result); err != nil {
		return models.Stats{}, err
	}
	return models.Stats{
		Total:     result.Total,
		Completed: result.Completed,
		Disputed:  result.Disputed,
		Refunded:  result.Refunded,
		Active:    result.Active,
	}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int64  `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const rpcCodeNotFound = -32004

func (c *ContractClient) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return fmt.Errorf("chain: marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("chain: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: %s: http %d: %s", ErrUnreachable, method, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var envelope rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%w: %s: decode response: %v", ErrUnreachable, method, err)
	}
	if envelope.Error != nil {
		if envelope.Error.Code == rpcCodeNotFound {
			return ErrContractNotFound
		}
		return fmt.Errorf("chain: %s: rpc error %d: %s", method, envelope.Error.Code, envelope.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("chain: %s: decode result: %w", method, err)
		}
	}
	return nil
}
