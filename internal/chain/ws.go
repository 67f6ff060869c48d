package chain

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

// WSClient subscribes to the contract node's event stream.
type WSClient struct {
	Endpoint string
	Conn     *websocket.Conn
}

func NewWSClient(endpoint string) *WSClient {
	return &WSClient{Endpoint: endpoint}
}

func (c *WSClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, c.Endpoint, nil)
	if err != nil {
		return err
	}
	c.Conn = conn
	return nil
}

func (c *WSClient) Close() {
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
}

// Subscribe asks the node for every event emitted by the escrow contract.
func (c *WSClient) Subscribe(ctx context.Context, contract string) error {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "subscribe",
		"params": map[string]any{
			"query": "escrow.contract='" + contract + "'",
		},
	}
	return c.Conn.WriteJSON(payload)
}

func (c *WSClient) Read(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.Conn.SetReadDeadline(deadline)
	}
	_, msg, err := c.Conn.ReadMessage()
	return msg, err
}

// EscrowEvent is one contract event delivered over the subscription.
type EscrowEvent struct {
	EscrowID string         `json:"escrowId"`
	Type     string         `json:"type"`
	Status   ContractStatus `json:"status"`
	TxHash   string         `json:"txHash"`
}

// ParseEscrowEvent extracts a contract escrow event from a subscription
// message. The ok flag is false for heartbeats and subscription acks.
func ParseEscrowEvent(msg []byte) (*EscrowEvent, bool, error) {
	var env struct {
		Result struct {
			Data json.RawMessage `json:"data"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, false, err
	}
	if env.Error != nil {
		return nil, false, errors.New(env.Error.Message)
	}
	if len(env.Result.Data) == 0 {
		return nil, false, nil
	}

	var ev EscrowEvent
	if err := json.Unmarshal(env.Result.Data, &ev); err != nil {
		return nil, false, err
	}
	if ev.EscrowID == "" {
		return nil, false, nil
	}
	return &ev, true, nil
}

// Watcher keeps a subscription open against the contract node and hands each
// escrow event to the callback, reconnecting with backoff on failure.
type Watcher struct {
	Endpoint string
	Contract string
	Handle   func(EscrowEvent)
}

func (w *Watcher) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		if err := w.watchOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("contract watch error: %v (reconnecting in %s)", err, backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (w *Watcher) watchOnce(ctx context.Context) error {
	ws := NewWSClient(w.Endpoint)
	if err := ws.Connect(ctx); err != nil {
		return err
	}
	defer ws.Close()

	// Read blocks until a frame arrives; closing the connection on cancel
	// unblocks it so shutdown does not wait for the next event.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-done:
		}
	}()

	if err := ws.Subscribe(ctx, w.Contract); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		ev, ok, err := ParseEscrowEvent(msg)
		if err != nil {
			log.Printf("contract watch: skip malformed event: %v", err)
			continue
		}
		if !ok {
			continue
		}
		if w.Handle != nil {
			w.Handle(*ev)
		}
	}
}
