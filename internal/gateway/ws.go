package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
	callTimeout        = 30 * time.Second
)

// Options configures the websocket client.
type Options struct {
	URL          string
	Token        string
	OnEvent      func(Event)
	OnConnection func(connected bool)
	Logger       *logrus.Logger
}

// WSClient implements Client over a persistent websocket. Calls are JSON
// frames correlated by id; anything pushed without a correlation id is an
// event. The client reconnects with backoff until Disconnect is called.
type WSClient struct {
	opts Options
	log  *logrus.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	running   bool
	cancel    context.CancelFunc
	pending   map[string]chan callResult
}

type frame struct {
	Type    string          `json:"type,omitempty"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload map[string]any  `json:"payload,omitempty"`
}

type callResult struct {
	result json.RawMessage
	err    error
}

// NewWSClient builds a websocket gateway client. Connect must be called
// before any request.
func NewWSClient(opts Options) *WSClient {
	log := opts.Logger
	if log == nil {
		log = logrus.New()
	}
	return &WSClient{
		opts:    opts,
		log:     log,
		pending: make(map[string]chan callResult),
	}
}

// Connect starts the connection loop. Safe to call once; subsequent calls
// while running are no-ops.
func (c *WSClient) Connect() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	go c.runLoop(ctx)
}

// Disconnect tears the link down and stops the reconnect loop.
func (c *WSClient) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	c.running = false
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
}

// Connected reports whether the link is currently up.
func (c *WSClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *WSClient) runLoop(ctx context.Context) {
	delay := reconnectBaseDelay
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.dial(ctx)
		if err != nil {
			c.log.WithError(err).WithField("url", c.opts.URL).Warn("gateway dial failed")
		} else {
			delay = reconnectBaseDelay
			c.setConnected(conn)
			err = c.readLoop(ctx, conn)
			c.setDisconnected(err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay *= 2; delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

func (c *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	conn, _, err := websocket.Dial(dialCtx, c.opts.URL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	return conn, nil
}

func (c *WSClient) setConnected(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.log.WithField("url", c.opts.URL).Info("gateway connected")
	if c.opts.OnConnection != nil {
		c.opts.OnConnection(true)
	}
}

func (c *WSClient) setDisconnected(err error) {
	c.mu.Lock()
	wasConnected := c.connected
	c.conn = nil
	c.connected = false
	pending := c.pending
	c.pending = make(map[string]chan callResult)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: fmt.Errorf("gateway connection lost")}
	}

	if wasConnected {
		if err != nil && err != context.Canceled {
			c.log.WithError(err).Warn("gateway connection lost")
		}
		if c.opts.OnConnection != nil {
			c.opts.OnConnection(false)
		}
	}
}

func (c *WSClient) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.WithError(err).Debug("dropping unparseable gateway frame")
			continue
		}

		switch {
		case f.ID != "" && f.Type != "req":
			c.deliver(f)
		case f.Event != "":
			if c.opts.OnEvent != nil {
				c.opts.OnEvent(Event{Event: f.Event, Payload: f.Payload})
			}
		default:
			c.log.WithField("type", f.Type).Debug("ignoring gateway frame")
		}
	}
}

func (c *WSClient) deliver(f frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()

	if !ok {
		c.log.WithField("id", f.ID).Debug("response for unknown call")
		return
	}

	if f.Error != "" {
		ch <- callResult{err: fmt.Errorf("gateway: %s", f.Error)}
		return
	}
	ch <- callResult{result: f.Result}
}

// call sends one request frame and waits for its correlated response.
func (c *WSClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("gateway not connected")
	}
	id := uuid.New().String()
	ch := make(chan callResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	raw, err := json.Marshal(frame{Type: "req", ID: id, Method: method, Params: params})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	if err := conn.Write(writeCtx, websocket.MessageText, raw); err != nil {
		cleanup()
		return nil, fmt.Errorf("send %s request: %w", method, err)
	}

	select {
	case <-writeCtx.Done():
		cleanup()
		return nil, fmt.Errorf("%s: %w", method, writeCtx.Err())
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%s: %w", method, res.err)
		}
		return res.result, nil
	}
}

// RunAgent starts a generation run, returning the gateway-assigned run id.
func (c *WSClient) RunAgent(ctx context.Context, agentID, text, sessionKey string) (*RunResult, error) {
	raw, err := c.call(ctx, "runAgent", map[string]any{
		"agentId":    agentID,
		"message":    text,
		"sessionKey": sessionKey,
	})
	if err != nil {
		return nil, err
	}

	var result RunResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode runAgent result: %w", err)
	}
	return &result, nil
}

// CreateAgent registers an agent on the gateway.
func (c *WSClient) CreateAgent(ctx context.Context, spec AgentSpec) error {
	_, err := c.call(ctx, "createAgent", spec)
	return err
}

// DeleteAgent removes an agent from the gateway.
func (c *WSClient) DeleteAgent(ctx context.Context, agentID string) error {
	_, err := c.call(ctx, "deleteAgent", map[string]any{"id": agentID})
	return err
}

// ListSessions returns the gateway's usage accounting per session key.
func (c *WSClient) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	raw, err := c.call(ctx, "listSessions", nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Sessions []SessionInfo `json:"sessions"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode listSessions result: %w", err)
	}
	return result.Sessions, nil
}

// GetSessionHistory fetches the raw, gateway-shaped history payload.
func (c *WSClient) GetSessionHistory(ctx context.Context, sessionKey string) (any, error) {
	raw, err := c.call(ctx, "getSessionHistory", map[string]any{"sessionKey": sessionKey})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode history payload: %w", err)
	}
	return payload, nil
}

var _ Client = (*WSClient)(nil)
