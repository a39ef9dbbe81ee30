// ABOUTME: WebSocket client sessions: registration, entity subscriptions, and activity tracking
// ABOUTME: One session per accepted socket; its read loop handles subscribe/unsubscribe/ping frames

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/uptrace/bunrouter"
	"golang.org/x/time/rate"

	"github.com/2389/fanout-gateway/internal/connection"
	"github.com/2389/fanout-gateway/internal/fanout"
	"github.com/2389/fanout-gateway/internal/store"
)

const (
	// maxClientFrame caps inbound websocket messages.
	maxClientFrame = 64 << 10

	// maxEntitiesPerConnection caps subscriptions held by one socket.
	maxEntitiesPerConnection = 256

	// replyTimeout bounds queueing a control reply to the client.
	replyTimeout = 5 * time.Second

	// directoryTimeout bounds directory writes made by a session.
	directoryTimeout = 5 * time.Second
)

// Client frame types.
const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	framePing        = "ping"
)

// clientFrame is a control message sent by the client.
type clientFrame struct {
	Type   string `json:"type"`
	Entity string `json:"entity,omitempty"`
}

// controlFrame is a non-message frame sent to the client.
type controlFrame struct {
	Type         string   `json:"type"`
	ConnectionID string   `json:"connection_id,omitempty"`
	NodeID       string   `json:"node_id,omitempty"`
	Entity       string   `json:"entity,omitempty"`
	Entities     []string `json:"entities,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// session is one accepted websocket client.
type session struct {
	gw     *Gateway
	ws     *websocket.Conn
	conn   *connection.Connection
	touch  rate.Sometimes
	logger *slog.Logger
}

// parseEntityList parses a comma-separated list of "type:id" entities,
// dropping blanks and duplicates.
func parseEntityList(raw string) ([]fanout.Entity, error) {
	var entities []fanout.Entity
	seen := make(map[fanout.Entity]struct{})
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		e, err := fanout.ParseEntity(part)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		entities = append(entities, e)
	}
	if len(entities) > maxEntitiesPerConnection {
		return nil, fmt.Errorf("at most %d entities per connection", maxEntitiesPerConnection)
	}
	return entities, nil
}

// handleWebSocket upgrades the request and runs the session until the
// client goes away or the gateway closes the connection.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, req bunrouter.Request) error {
	claims, err := g.authn.Authenticate(req.Request)
	if err != nil {
		g.logger.Debug("rejecting websocket", "error", err)
		return writeJSONError(w, http.StatusUnauthorized, "unauthorized")
	}

	entities, err := parseEntityList(req.URL.Query().Get("entities"))
	if err != nil {
		return writeJSONError(w, http.StatusBadRequest, err.Error())
	}

	ws, err := websocket.Accept(w, req.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: g.authn.DevMode(),
	})
	if err != nil {
		// Accept has already written the response.
		g.logger.Debug("websocket accept failed", "error", err)
		return nil
	}
	ws.SetReadLimit(maxClientFrame)

	connID := uuid.NewString()
	s := &session{
		gw:     g,
		ws:     ws,
		conn:   connection.NewConnection(connID, claims.UserID, connection.NewWebSocketTransport(ws), g.config.Fanout.SendQueueSize, g.logger),
		touch:  rate.Sometimes{Interval: g.config.Fanout.LivenessThreshold / 4},
		logger: g.logger.With("connection_id", connID, "user_id", claims.UserID),
	}
	s.run(req.Context(), entities)
	return nil
}

// run registers the connection, subscribes the initial entities, and reads
// client frames until the socket closes.
func (s *session) run(ctx context.Context, entities []fanout.Entity) {
	if err := s.gw.table.Register(s.conn); err != nil {
		s.logger.Error("registering connection", "error", err)
		s.conn.Close("registration failed")
		return
	}
	defer func() {
		s.gw.table.Unregister(s.conn.ID)
		s.conn.Close("client disconnected")
	}()

	for _, e := range entities {
		if err := s.subscribe(ctx, e); err != nil {
			s.logger.Error("subscribing initial entity", "entity", e.String(), "error", err)
			s.conn.Close("subscription failed")
			return
		}
	}

	s.reply(ctx, controlFrame{
		Type:         "welcome",
		ConnectionID: s.conn.ID,
		NodeID:       s.gw.nodeID,
		Entities:     entityStrings(s.conn.Entities()),
	})

	for {
		typ, data, err := s.ws.Read(ctx)
		if err != nil {
			s.logReadError(err)
			return
		}
		s.markActive(ctx)

		if typ != websocket.MessageText {
			s.replyError(ctx, "", "binary frames are not supported")
			continue
		}
		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.replyError(ctx, "", "malformed frame")
			continue
		}
		s.handleFrame(ctx, f)
	}
}

func (s *session) handleFrame(ctx context.Context, f clientFrame) {
	switch f.Type {
	case framePing:
		s.reply(ctx, controlFrame{Type: "pong"})

	case frameSubscribe:
		e, err := fanout.ParseEntity(f.Entity)
		if err != nil {
			s.replyError(ctx, f.Entity, err.Error())
			return
		}
		if len(s.conn.Entities()) >= maxEntitiesPerConnection {
			s.replyError(ctx, f.Entity, "subscription limit reached")
			return
		}
		if err := s.subscribe(ctx, e); err != nil {
			s.logger.Error("subscribing entity", "entity", f.Entity, "error", err)
			s.replyError(ctx, f.Entity, "subscribe failed")
			return
		}
		s.reply(ctx, controlFrame{Type: "subscribed", Entity: e.String()})

	case frameUnsubscribe:
		e, err := fanout.ParseEntity(f.Entity)
		if err != nil {
			s.replyError(ctx, f.Entity, err.Error())
			return
		}
		err = s.unsubscribe(ctx, e)
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.replyError(ctx, f.Entity, "not subscribed")
		case err != nil:
			s.logger.Error("unsubscribing entity", "entity", f.Entity, "error", err)
			s.replyError(ctx, f.Entity, "unsubscribe failed")
		default:
			s.reply(ctx, controlFrame{Type: "unsubscribed", Entity: e.String()})
		}

	default:
		s.replyError(ctx, "", fmt.Sprintf("unknown frame type %q", f.Type))
	}
}

// subscribe records the entity in the directory and on the connection.
func (s *session) subscribe(ctx context.Context, e fanout.Entity) error {
	ctx, cancel := context.WithTimeout(ctx, directoryTimeout)
	defer cancel()

	err := s.gw.directory.Subscribe(ctx, store.Subscription{
		ConnectionID: s.conn.ID,
		UserID:       s.conn.UserID,
		NodeID:       s.gw.nodeID,
		Entity:       e,
		LastActiveAt: time.Now(),
	})
	if err != nil {
		return err
	}
	s.conn.AddEntity(e)
	return nil
}

func (s *session) unsubscribe(ctx context.Context, e fanout.Entity) error {
	ctx, cancel := context.WithTimeout(ctx, directoryTimeout)
	defer cancel()

	s.conn.RemoveEntity(e)
	return s.gw.directory.Unsubscribe(ctx, s.conn.ID, e)
}

// markActive refreshes last_active_at at most once per interval.
func (s *session) markActive(ctx context.Context) {
	s.touch.Do(func() { s.refresh(ctx) })
}

// refresh touches the connection's directory rows and restores any the
// sweeper expired, for instance after a heartbeat failure.
func (s *session) refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, directoryTimeout)
	defer cancel()

	entities := s.conn.Entities()
	n, err := s.gw.directory.Touch(ctx, s.conn.ID, time.Now())
	if err != nil {
		s.logger.Warn("touching connection", "error", err)
		return
	}
	if int(n) >= len(entities) {
		return
	}

	s.logger.Info("restoring expired subscriptions", "held", len(entities), "found", n)
	for _, e := range entities {
		if err := s.subscribe(ctx, e); err != nil {
			s.logger.Warn("restoring subscription", "entity", e.String(), "error", err)
		}
	}
}

func (s *session) reply(ctx context.Context, f controlFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		s.logger.Error("encoding control frame", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	if err := s.conn.Enqueue(ctx, data); err != nil {
		s.logger.Debug("dropping control frame", "type", f.Type, "error", err)
	}
}

func (s *session) replyError(ctx context.Context, entity, msg string) {
	s.reply(ctx, controlFrame{Type: "error", Entity: entity, Error: msg})
}

func (s *session) logReadError(err error) {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		s.logger.Debug("client closed websocket")
	default:
		select {
		case <-s.conn.Done():
			// Closed by the gateway.
		default:
			s.logger.Debug("websocket read failed", "error", err)
		}
	}
}

func entityStrings(entities []fanout.Entity) []string {
	out := make([]string, len(entities))
	for i, e := range entities {
		out[i] = e.String()
	}
	slices.Sort(out)
	return out
}
