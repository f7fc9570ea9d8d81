package presence

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long the read side waits for any traffic before the
	// connection is considered dead.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = 45 * time.Second

	// sendBuffer is the outbound frame queue depth per session.
	sendBuffer = 64
)

// Session is the server side of one presence websocket connection. It
// translates client intents into hub calls and relays hub events back as
// frames. An abrupt disconnect is an implicit stop_editing for every
// document the session started editing.
type Session struct {
	hub    *Hub
	conn   *websocket.Conn
	logger *zap.Logger

	// userID is assigned on connect and echoed in connection_confirmed so
	// entries stay attributable across reconnects within one login session.
	userID   string
	username string

	send chan Message

	// editing tracks the documents this session has started editing, and
	// subs the hub subscriptions feeding this session. Both are touched
	// only by readPump, so they need no lock.
	editing map[string]struct{}
	subs    map[string]*Subscription
}

// NewSession wraps an upgraded websocket connection. userID may be empty,
// in which case the hub assigns a fresh identifier.
func NewSession(hub *Hub, conn *websocket.Conn, userID, username string, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if userID == "" {
		userID = uuid.New().String()
	}

	return &Session{
		hub:      hub,
		conn:     conn,
		logger:   logger.With(zap.String("user_id", userID)),
		userID:   userID,
		username: username,
		send:     make(chan Message, sendBuffer),
		editing:  make(map[string]struct{}),
		subs:     make(map[string]*Subscription),
	}
}

// Run services the connection until it closes. It blocks; the caller owns
// the goroutine.
func (s *Session) Run() {
	// Handshake: confirm the connection and hand the client its identifier.
	s.send <- Message{
		Type:      TypeConnectionConfirmed,
		UserID:    s.userID,
		Timestamp: time.Now().Unix(),
	}

	done := make(chan struct{})
	go s.writePump(done)
	s.readPump()
	close(done)
}

// readPump consumes client frames until the connection errors or closes.
func (s *Session) readPump() {
	defer s.teardown()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("presence read error", zap.Error(err))
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// One corrupt frame must not wedge the connection.
			s.logger.Warn("ignoring malformed presence frame", zap.Error(err))
			continue
		}

		s.handle(msg)
	}
}

// handle dispatches one client intent.
func (s *Session) handle(msg Message) {
	switch msg.Type {
	case TypePing:
		s.enqueue(Message{Type: TypePong, Timestamp: time.Now().Unix()})

	case TypeStartEditing:
		if msg.DocumentID == "" {
			return
		}
		if _, ok := s.subs[msg.DocumentID]; !ok {
			sub := s.hub.Subscribe(msg.DocumentID)
			s.subs[msg.DocumentID] = sub
			go s.relay(sub)
		}
		s.editing[msg.DocumentID] = struct{}{}
		s.hub.StartEditing(msg.DocumentID, s.userID, s.username)

	case TypeActivity:
		if msg.DocumentID == "" {
			return
		}
		s.hub.Activity(msg.DocumentID, s.userID)

	case TypeStopEditing:
		if msg.DocumentID == "" {
			return
		}
		delete(s.editing, msg.DocumentID)
		s.hub.StopEditing(msg.DocumentID, s.userID)

	default:
		s.logger.Debug("ignoring unknown presence frame", zap.String("type", msg.Type))
	}
}

// relay forwards hub events for one document into the session's send queue.
func (s *Session) relay(sub *Subscription) {
	for ev := range sub.Events() {
		msg := Message{
			Type:       ev.Type,
			DocumentID: ev.DocumentID,
			Timestamp:  time.Now().Unix(),
		}
		switch ev.Type {
		case TypeEditingUsers:
			// Full membership, not a delta.
			msg.Users = ev.Users
		case TypeReportSaved:
			msg.Username = ev.Username
			msg.Version = ev.Version
		}
		s.enqueue(msg)
	}
}

// enqueue queues an outbound frame, dropping it if the session is too far
// behind. Membership payloads are full snapshots, so a later frame
// supersedes a dropped one.
func (s *Session) enqueue(msg Message) {
	select {
	case s.send <- msg:
	default:
		s.logger.Warn("dropping presence frame, session backed up",
			zap.String("type", msg.Type))
	}
}

// writePump writes queued frames and keepalive pings until done closes.
func (s *Session) writePump(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// teardown releases everything the session holds: implicit stop_editing for
// documents still marked editing, and all hub subscriptions.
func (s *Session) teardown() {
	for docID := range s.editing {
		s.hub.StopEditing(docID, s.userID)
	}
	s.editing = map[string]struct{}{}

	for _, sub := range s.subs {
		sub.Close()
	}
	s.subs = map[string]*Subscription{}

	s.conn.Close()
	s.logger.Debug("presence session closed")
}
