package presence

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reportd/internal/report"
)

// errNotConnected is returned by editing intents issued while disconnected.
var errNotConnected = errors.New("presence client not connected")

// State is the client connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// ClientConfig configures the presence client.
type ClientConfig struct {
	// URL is the websocket endpoint, e.g. ws://host:port/ws/presence.
	URL string

	// ReconnectDelay is the fixed delay between reconnect attempts.
	// Reconnects retry indefinitely; a retry costs one handshake, so fixed
	// (not exponential) backoff is acceptable here.
	ReconnectDelay time.Duration

	// HeartbeatInterval is the activity cadence while editing.
	HeartbeatInterval time.Duration
}

// DefaultClientConfig returns the reference cadence: 3s reconnect, 30s
// heartbeat.
func DefaultClientConfig(url string) *ClientConfig {
	return &ClientConfig{
		URL:               url,
		ReconnectDelay:    3 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Client maintains one editor session's persistent presence connection:
// start/stop intents, heartbeats while editing, and reconnection with fixed
// backoff after unexpected closure.
type Client struct {
	config *ClientConfig
	actor  report.Actor
	logger *zap.Logger
	dialer *websocket.Dialer

	// OnPresenceChanged is invoked with the full membership whenever the
	// server broadcasts an update for the edited document.
	OnPresenceChanged func(docID string, users []Entry)

	// OnReportSaved is invoked when another party's accepted write is
	// announced for the edited document.
	OnReportSaved func(docID, username string, version int64)

	// OnStateChanged is invoked on every connection state transition.
	OnStateChanged func(state State)

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	assignedID string
	editingDoc string
	closed     bool

	// writeMu serializes frame writes; the websocket permits one writer.
	writeMu sync.Mutex
}

// NewClient creates a presence client for one editor session.
func NewClient(cfg *ClientConfig, actor report.Actor, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		config: cfg,
		actor:  actor,
		logger: logger.Named("presence-client"),
		dialer: websocket.DefaultDialer,
		state:  StateDisconnected,
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AssignedUserID returns the identifier the hub confirmed for this
// connection, or empty before the first handshake completes.
func (c *Client) AssignedUserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assignedID
}

// Run maintains the connection until ctx is cancelled or Close is called.
// Unexpected closure schedules a reconnect after the fixed delay, retried
// indefinitely. A reconnect never resumes editing on its own: after a long
// partition the user may have navigated away, so the owning edit session
// must call StartEditing again.
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil || c.isClosed() {
			return
		}

		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			c.setState(StateDisconnected)
			c.logger.Warn("presence connect failed, will retry",
				zap.Error(err),
				zap.Duration("delay", c.config.ReconnectDelay),
			)
			if !sleepCtx(ctx, c.config.ReconnectDelay) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		// Editing state never survives a (re)connect.
		c.editingDoc = ""
		c.state = StateConnected
		c.mu.Unlock()
		c.notifyState(StateConnected)

		normal := c.readLoop(ctx, conn)
		c.mu.Lock()
		c.conn = nil
		c.editingDoc = ""
		c.state = StateDisconnected
		c.mu.Unlock()
		c.notifyState(StateDisconnected)

		if normal || ctx.Err() != nil || c.isClosed() {
			return
		}

		c.logger.Info("presence connection lost, reconnecting",
			zap.Duration("delay", c.config.ReconnectDelay))
		if !sleepCtx(ctx, c.config.ReconnectDelay) {
			return
		}
	}
}

// dial opens the websocket connection.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	u, err := url.Parse(c.config.URL)
	if err != nil {
		return nil, &report.TransportError{Op: "dial", Err: err}
	}
	q := u.Query()
	q.Set("user_id", c.actor.UserID)
	q.Set("username", c.actor.Username)
	u.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(dialCtx, u.String(), nil)
	return conn, err
}

// readLoop consumes frames until the connection drops. It returns true when
// the closure was normal (no reconnect wanted).
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) bool {
	heartbeatDone := make(chan struct{})
	go c.heartbeatLoop(conn, heartbeatDone)
	defer close(heartbeatDone)

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-heartbeatDone:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			// The two normal closure codes do not trigger reconnect.
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return true
			}
			return ctx.Err() != nil || c.isClosed()
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// Log and skip: one corrupt frame must not wedge the connection.
			c.logger.Warn("ignoring malformed presence frame", zap.Error(err))
			continue
		}

		c.handle(msg)
	}
}

// handle dispatches one server frame.
func (c *Client) handle(msg Message) {
	switch msg.Type {
	case TypeConnectionConfirmed:
		c.mu.Lock()
		c.assignedID = msg.UserID
		c.mu.Unlock()

	case TypeEditingUsers:
		if c.OnPresenceChanged != nil {
			c.OnPresenceChanged(msg.DocumentID, msg.Users)
		}

	case TypeReportSaved:
		if c.OnReportSaved != nil {
			c.OnReportSaved(msg.DocumentID, msg.Username, msg.Version)
		}

	case TypePong:
		// Keepalive response, nothing to do.

	default:
		c.logger.Debug("ignoring unknown presence frame", zap.String("type", msg.Type))
	}
}

// heartbeatLoop sends activity at the configured cadence while the client is
// marked editing. Heartbeats stop as soon as editing stops.
func (c *Client) heartbeatLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			doc := c.editingDoc
			current := c.conn
			c.mu.Unlock()

			if doc == "" || current != conn {
				continue
			}
			c.write(conn, Message{Type: TypeActivity, DocumentID: doc})
		}
	}
}

// StartEditing announces that this user is editing the document. Idempotent:
// calling it again for the same document is a no-op.
func (c *Client) StartEditing(docID string) error {
	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return &report.TransportError{Op: "start_editing", Err: errNotConnected}
	}
	if c.editingDoc == docID {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.editingDoc = docID
	c.mu.Unlock()

	return c.write(conn, Message{Type: TypeStartEditing, DocumentID: docID})
}

// StopEditing announces that this user stopped editing the document.
func (c *Client) StopEditing(docID string) error {
	c.mu.Lock()
	if c.editingDoc == docID {
		c.editingDoc = ""
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.write(conn, Message{Type: TypeStopEditing, DocumentID: docID})
}

// Close tears the client down: best-effort stop_editing so peers are not
// left believing the user is still present, then a normal closure.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	doc := c.editingDoc
	c.editingDoc = ""
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	if doc != "" {
		c.write(conn, Message{Type: TypeStopEditing, DocumentID: doc})
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return conn.Close()
}

// write sends one frame with a bounded deadline.
func (c *Client) write(conn *websocket.Conn, msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		return &report.TransportError{Op: msg.Type, Err: err}
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.notifyState(s)
}

func (c *Client) notifyState(s State) {
	if c.OnStateChanged != nil {
		c.OnStateChanged(s)
	}
}

// sleepCtx sleeps for d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
