package presence

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// bridgeEnvelope is the cross-process membership message. Origin identifies
// the publishing process so a bridge can ignore its own messages.
type bridgeEnvelope struct {
	Origin     string  `json:"origin"`
	DocumentID string  `json:"document_id"`
	Users      []Entry `json:"users"`
}

// Bridge fans membership changes out across server processes over NATS.
// Each process remains the exclusive owner of its local entries; the bridge
// only relays full membership snapshots to remote subscribers.
type Bridge struct {
	hub     *Hub
	conn    *nats.Conn
	subject string
	origin  string
	logger  *zap.Logger

	sub *nats.Subscription
}

// NewBridge connects to NATS and wires the hub for cross-process fan-out.
func NewBridge(hub *Hub, url, subject string, logger *zap.Logger) (*Bridge, error) {
	if hub == nil {
		return nil, fmt.Errorf("hub is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	b := &Bridge{
		hub:     hub,
		conn:    conn,
		subject: subject,
		origin:  nats.NewInbox(),
		logger:  logger.Named("presence-bridge"),
	}

	b.sub, err = conn.Subscribe(subject, b.onRemote)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	hub.SetPublisher(b)
	b.logger.Info("presence bridge connected", zap.String("subject", subject))
	return b, nil
}

// PublishMembership implements Publisher. Delivery is best effort: local
// subscribers already got the update, and a later change publishes a fresh
// full snapshot anyway.
func (b *Bridge) PublishMembership(docID string, users []Entry) {
	data, err := json.Marshal(bridgeEnvelope{
		Origin:     b.origin,
		DocumentID: docID,
		Users:      users,
	})
	if err != nil {
		b.logger.Warn("failed to encode membership", zap.Error(err))
		return
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		b.logger.Warn("failed to publish membership", zap.Error(err))
	}
}

// onRemote applies a membership snapshot from another process.
func (b *Bridge) onRemote(msg *nats.Msg) {
	var env bridgeEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		b.logger.Warn("ignoring malformed bridge message", zap.Error(err))
		return
	}
	if env.Origin == b.origin {
		return
	}
	b.hub.ForwardRemote(env.DocumentID, env.Users)
}

// Close detaches the bridge from the hub and drains the connection.
func (b *Bridge) Close() {
	b.hub.SetPublisher(nil)
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
	b.conn.Close()
}
