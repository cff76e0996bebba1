package onebot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// levelTrace is below Debug, used for raw frame logging.
const levelTrace = slog.Level(-8)

// callTimeout bounds a single action round trip.
const callTimeout = 30 * time.Second

// Client manages the forward WebSocket connection to a OneBot bridge.
// Action calls are correlated with responses via the echo field; pushed
// events are fanned out on the Events channel.
type Client struct {
	url         string
	accessToken string
	conn        *websocket.Conn
	connMu      sync.Mutex

	// Response channels keyed by echo
	pending   map[string]chan actionResponse
	pendingMu sync.Mutex

	// Pushed events
	events chan Event

	logger *slog.Logger
}

// actionRequest is the wire format for client-initiated calls.
type actionRequest struct {
	Action string `json:"action"`
	Params any    `json:"params,omitempty"`
	Echo   string `json:"echo"`
}

// actionResponse is the wire format for action results.
type actionResponse struct {
	Status  string          `json:"status"`
	Retcode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
	Wording string          `json:"wording,omitempty"`
	Echo    string          `json:"echo"`
}

// frameEnvelope probes an incoming frame for routing: responses carry
// echo, events carry post_type.
type frameEnvelope struct {
	Echo     string `json:"echo"`
	PostType string `json:"post_type"`
}

// NewClient creates a client for the given WebSocket URL. The access
// token may be empty when the bridge does not require one.
func NewClient(wsURL, accessToken string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:         wsURL,
		accessToken: accessToken,
		pending:     make(map[string]chan actionResponse),
		events:      make(chan Event, 100),
		logger:      logger,
	}
}

// dialTarget normalizes the configured URL and builds the handshake
// headers. OneBot authenticates on the handshake, not with messages.
func (c *Client) dialTarget() (string, http.Header, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", nil, fmt.Errorf("parse URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	header := http.Header{}
	if c.accessToken != "" {
		header.Set("Authorization", "Bearer "+c.accessToken)
	}
	return u.String(), header, nil
}

// Connect establishes the WebSocket connection and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	target, header, err := c.dialTarget()
	if err != nil {
		return err
	}

	c.logger.Info("connecting to OneBot endpoint", "url", target)

	// Larger buffers: forwarded bundles arrive as single frames and can
	// carry many nested messages.
	dialer := websocket.Dialer{
		ReadBufferSize:  1024 * 1024,
		WriteBufferSize: 64 * 1024,
	}

	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("dial websocket: access token rejected")
		}
		return fmt.Errorf("dial websocket: %w", err)
	}

	conn.SetReadLimit(16 * 1024 * 1024)

	c.conn = conn
	c.logger.Info("OneBot connection established")

	go c.readLoop()

	return nil
}

// Close closes the WebSocket connection.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Reconnect closes the existing connection (if any) and re-establishes
// the WebSocket. Safe to call from any goroutine. Intended to be called
// from a connwatch OnReady callback when the bridge becomes reachable
// again.
func (c *Client) Reconnect(ctx context.Context) error {
	c.logger.Info("reconnecting WebSocket")

	// Close the old connection. Ignore errors, it may already be dead.
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	return c.Connect(ctx)
}

// Probe dials a fresh connection and closes it immediately. It checks
// reachability and credentials without touching the long-lived
// connection, which makes it usable as a connwatch probe.
func (c *Client) Probe(ctx context.Context) error {
	target, header, err := c.dialTarget()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("access token rejected")
		}
		return fmt.Errorf("dial: %w", err)
	}
	return conn.Close()
}

// Events returns the channel of pushed events.
func (c *Client) Events() <-chan Event {
	return c.events
}

// SendPrivateMsg sends a direct message and returns the new message ID.
func (c *Client) SendPrivateMsg(ctx context.Context, userID int64, msg Message) (int64, error) {
	params := map[string]any{
		"user_id": userID,
		"message": msg,
	}
	data, err := c.callAction(ctx, "send_private_msg", params)
	if err != nil {
		return 0, fmt.Errorf("send private message: %w", err)
	}
	return decodeMessageID(data)
}

// SendGroupMsg sends a group message and returns the new message ID.
func (c *Client) SendGroupMsg(ctx context.Context, groupID int64, msg Message) (int64, error) {
	params := map[string]any{
		"group_id": groupID,
		"message":  msg,
	}
	data, err := c.callAction(ctx, "send_group_msg", params)
	if err != nil {
		return 0, fmt.Errorf("send group message: %w", err)
	}
	return decodeMessageID(data)
}

// GetMsg fetches a single message by ID.
func (c *Client) GetMsg(ctx context.Context, messageID int64) (*MsgDetail, error) {
	params := map[string]any{"message_id": messageID}
	data, err := c.callAction(ctx, "get_msg", params)
	if err != nil {
		return nil, fmt.Errorf("get message %d: %w", messageID, err)
	}

	var detail MsgDetail
	if err := json.Unmarshal(data, &detail); err != nil {
		return nil, fmt.Errorf("unmarshal message %d: %w", messageID, err)
	}
	return &detail, nil
}

// GetForwardMsg fetches the messages bundled under a forward resource ID.
// Bridges return the node list under either "message" or "messages".
func (c *Client) GetForwardMsg(ctx context.Context, id string) ([]ForwardNode, error) {
	params := map[string]any{"id": id}
	data, err := c.callAction(ctx, "get_forward_msg", params)
	if err != nil {
		return nil, fmt.Errorf("get forward %s: %w", id, err)
	}

	var body struct {
		Message  []ForwardNode `json:"message"`
		Messages []ForwardNode `json:"messages"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("unmarshal forward %s: %w", id, err)
	}

	if body.Message != nil {
		return body.Message, nil
	}
	return body.Messages, nil
}

// decodeMessageID extracts the message_id field from a send response.
func decodeMessageID(data json.RawMessage) (int64, error) {
	var body struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return 0, fmt.Errorf("unmarshal message_id: %w", err)
	}
	return body.MessageID, nil
}

// callAction sends an action request and waits for the matching response.
func (c *Client) callAction(ctx context.Context, action string, params any) (json.RawMessage, error) {
	echo := uuid.NewString()

	respCh := make(chan actionResponse, 1)
	c.pendingMu.Lock()
	c.pending[echo] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, echo)
		c.pendingMu.Unlock()
	}()

	req := actionRequest{Action: action, Params: params, Echo: echo}

	c.connMu.Lock()
	conn := c.conn
	var err error
	if conn == nil {
		err = fmt.Errorf("not connected")
	} else {
		err = conn.WriteJSON(req)
	}
	c.connMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", action, err)
	}

	c.logger.Debug("action sent", "action", action, "echo", echo)

	select {
	case resp := <-respCh:
		if resp.Status == "failed" || (resp.Retcode != 0 && resp.Status != "async") {
			wording := resp.Wording
			if wording == "" {
				wording = resp.Message
			}
			if wording == "" {
				wording = "request failed"
			}
			return nil, fmt.Errorf("%s: retcode %d: %s", action, resp.Retcode, wording)
		}
		return resp.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(callTimeout):
		return nil, fmt.Errorf("%s: timeout waiting for response", action)
	}
}

// readLoop continuously reads frames and routes them: echo to the
// pending caller, post_type to the event channel.
func (c *Client) readLoop() {
	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("WebSocket closed normally")
				return
			}
			c.logger.Error("WebSocket read error, connection lost", "error", err)
			// Reconnection is handled by connwatch: when the bridge
			// becomes reachable again, OnReady calls Reconnect().
			return
		}

		c.logger.Log(context.Background(), levelTrace, "frame received", "raw", string(raw))

		var env frameEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Warn("unparseable frame", "error", err)
			continue
		}

		switch {
		case env.Echo != "":
			var resp actionResponse
			if err := json.Unmarshal(raw, &resp); err != nil {
				c.logger.Warn("unparseable action response", "error", err)
				continue
			}
			c.pendingMu.Lock()
			if ch, ok := c.pending[resp.Echo]; ok {
				ch <- resp
			}
			c.pendingMu.Unlock()

		case env.PostType != "":
			var ev Event
			if err := json.Unmarshal(raw, &ev); err != nil {
				c.logger.Warn("unparseable event", "error", err)
				continue
			}
			select {
			case c.events <- ev:
			default:
				c.logger.Warn("event channel full, dropping event", "post_type", ev.PostType)
			}

		default:
			c.logger.Debug("unhandled frame shape")
		}
	}
}
