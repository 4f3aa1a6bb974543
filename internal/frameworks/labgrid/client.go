package labgrid

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// WSClient implements Client over labgrid's coordinator protocol: a
// WAMP-style RPC carried on a websocket connection to the crossbar
// router fronting the coordinator (LG_CROSSBAR/LG_HOSTNAME in
// labgrid.py's init).
type WSClient struct {
	conn     *websocket.Conn
	username string

	mu      sync.Mutex
	callSeq uint64
	pending map[uint64]chan rpcResult
}

type rpcResult struct {
	payload json.RawMessage
	err     error
}

type rpcEnvelope struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Dial connects to a labgrid crossbar endpoint (e.g.
// ws://crossbar:8080/ws) and starts the read loop that demultiplexes
// RPC responses back to their caller.
func Dial(ctx context.Context, crossbarURL, username string) (*WSClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, crossbarURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing labgrid crossbar at %s: %w", crossbarURL, err)
	}
	c := &WSClient{
		conn:     conn,
		username: username,
		pending:  make(map[uint64]chan rpcResult),
	}
	go c.readLoop()
	return c, nil
}

func (c *WSClient) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.failAllPending(err)
			return
		}
		var env rpcEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		delete(c.pending, env.ID)
		c.mu.Unlock()
		if !ok {
			continue
		}
		if env.Error != "" {
			ch <- rpcResult{err: fmt.Errorf("labgrid rpc error: %s", env.Error)}
		} else {
			ch <- rpcResult{payload: env.Result}
		}
	}
}

func (c *WSClient) failAllPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- rpcResult{err: err}
		delete(c.pending, id)
	}
}

func (c *WSClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := atomic.AddUint64(&c.callSeq, 1)
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return err
	}

	ch := make(chan rpcResult, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	env := rpcEnvelope{ID: id, Method: method, Params: paramsJSON}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("writing labgrid rpc call: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if out == nil || len(res.payload) == 0 {
			return nil
		}
		return json.Unmarshal(res.payload, out)
	}
}

// Username returns the labgrid user this client acquires/reserves
// places as, so the plugin can tell its own reservations apart from a
// real user's.
func (c *WSClient) Username() string {
	return c.username
}

// Reservations lists labgrid's current reservation queue.
func (c *WSClient) Reservations(ctx context.Context) ([]Reservation, error) {
	var out []Reservation
	if err := c.call(ctx, "org.labgrid.coordinator.get_reservations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PlaceResources resolves a labgrid place name to its managed
// resource names.
func (c *WSClient) PlaceResources(ctx context.Context, place string) ([]string, error) {
	var out []string
	if err := c.call(ctx, "org.labgrid.coordinator.get_place_resources", []string{place}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AcquirePlace takes ownership of place on behalf of the configured
// user.
func (c *WSClient) AcquirePlace(ctx context.Context, place string) error {
	return c.call(ctx, "org.labgrid.coordinator.acquire_place", []string{place, c.username}, nil)
}

// ReleasePlace gives up ownership of place.
func (c *WSClient) ReleasePlace(ctx context.Context, place string) error {
	return c.call(ctx, "org.labgrid.coordinator.release_place", []string{place, c.username}, nil)
}

// CreateReservation files a reservation for place at priority on
// behalf of the configured user and returns its token, used both for
// the plugin's own system/guard reservations and, indirectly, surfaced
// back to real users through labgrid's own tooling.
func (c *WSClient) CreateReservation(ctx context.Context, place string, priority int) (string, error) {
	var token string
	if err := c.call(ctx, "org.labgrid.coordinator.create_reservation",
		map[string]interface{}{"place": place, "priority": priority, "owner": c.username}, &token); err != nil {
		return "", err
	}
	return token, nil
}

// CancelReservation withdraws a reservation before it is fulfilled.
func (c *WSClient) CancelReservation(ctx context.Context, token string) error {
	return c.call(ctx, "org.labgrid.coordinator.cancel_reservation", []string{token}, nil)
}

// Close tears down the websocket connection.
func (c *WSClient) Close() error {
	return c.conn.Close()
}
