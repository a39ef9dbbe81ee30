// ABOUTME: HTTP routes for the gateway: health probes, websocket upgrade, and the JSON API
// ABOUTME: POST /api/deliver runs a fanout and returns per-user receipts and offline users

package gateway

import (
	"cmp"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/uptrace/bunrouter"

	"github.com/2389/fanout-gateway/internal/auth"
	"github.com/2389/fanout-gateway/internal/connection"
	"github.com/2389/fanout-gateway/internal/fanout"
)

// maxDeliverBody caps POST /api/deliver request bodies.
const maxDeliverBody = 1 << 20

// Metadata keys the delivery API sets on every message.
const (
	MetadataEntity    = "entity"
	MetadataPublisher = "publisher"
)

// DeliverRequest is the body of POST /api/deliver.
type DeliverRequest struct {
	// ID is optional; a fresh one is generated when empty.
	ID       string            `json:"id,omitempty"`
	Entity   string            `json:"entity"`
	Topic    string            `json:"topic"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// DeliverResponse is the result of POST /api/deliver.
type DeliverResponse struct {
	MessageID    string                  `json:"message_id"`
	Receipts     []fanout.MessageReceipt `json:"receipts"`
	OfflineUsers []string                `json:"offline_users"`
}

// ConnectionsResponse lists the connections held by one node.
type ConnectionsResponse struct {
	NodeID      string            `json:"node_id"`
	Connections []connection.Info `json:"connections"`
}

// StatsResponse reports node and fanout counters.
type StatsResponse struct {
	NodeID        string       `json:"node_id"`
	Connections   int          `json:"connections"`
	FailurePolicy string       `json:"failure_policy"`
	Fanout        fanout.Stats `json:"fanout"`
}

// routes builds the HTTP router.
func (g *Gateway) routes() http.Handler {
	router := bunrouter.New(
		bunrouter.WithNotFoundHandler(func(w http.ResponseWriter, req bunrouter.Request) error {
			return writeJSONError(w, http.StatusNotFound, "not found")
		}),
	)

	router.GET("/health", g.handleHealth)
	router.GET("/health/ready", g.handleReady)
	router.GET("/ws", g.handleWebSocket)

	router.WithGroup("/api", func(group *bunrouter.Group) {
		group = group.Use(g.authn.Middleware)
		group.WithMiddleware(auth.RequireRole(auth.RolePublisher)).POST("/deliver", g.handleDeliver)
		group.WithMiddleware(auth.RequireRole(auth.RoleAdmin)).GET("/connections", g.handleConnections)
		group.GET("/stats", g.handleStats)
	})

	return router
}

// handleHealth returns 200 OK if the gateway process is running.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ bunrouter.Request) error {
	w.WriteHeader(http.StatusOK)
	_, err := w.Write([]byte("OK"))
	return err
}

// handleReady returns 200 once the relay listener is consuming, 503 before
// that and during shutdown.
func (g *Gateway) handleReady(w http.ResponseWriter, _ bunrouter.Request) error {
	if !g.ready.Load() {
		return writeJSONError(w, http.StatusServiceUnavailable, "not ready")
	}
	return bunrouter.JSON(w, bunrouter.H{
		"status":      "ready",
		"node_id":     g.nodeID,
		"connections": g.table.Len(),
	})
}

func (g *Gateway) handleDeliver(w http.ResponseWriter, req bunrouter.Request) error {
	var body DeliverRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxDeliverBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		return writeJSONError(w, http.StatusBadRequest, "invalid request body")
	}

	entity, err := fanout.ParseEntity(body.Entity)
	if err != nil {
		return writeJSONError(w, http.StatusBadRequest, err.Error())
	}
	if body.Topic == "" {
		return writeJSONError(w, http.StatusBadRequest, "topic is required")
	}

	msg := fanout.NewMessage(body.Topic, body.Payload)
	if body.ID != "" {
		msg.ID = body.ID
	}
	msg.Metadata = make(map[string]string, len(body.Metadata)+2)
	for k, v := range body.Metadata {
		msg.Metadata[k] = v
	}
	msg.Metadata[MetadataEntity] = entity.String()
	if claims := auth.FromContext(req.Context()); claims != nil {
		msg.Metadata[MetadataPublisher] = claims.UserID
	}

	start := time.Now()
	receipts, err := g.orchestrator.DeliverToEntity(req.Context(), entity, msg)
	if err != nil {
		g.logger.Error("delivery failed", "entity", entity.String(), "message_id", msg.ID, "error", err)
		return writeJSONError(w, deliverErrorStatus(err), "delivery failed")
	}

	slices.SortFunc(receipts, func(a, b fanout.MessageReceipt) int {
		return cmp.Compare(a.UserID, b.UserID)
	})
	offline := fanout.InactiveUsers(receipts)
	if offline == nil {
		offline = []string{}
	}

	g.logger.Info("message delivered",
		"entity", entity.String(),
		"message_id", msg.ID,
		"receipts", len(receipts),
		"offline", len(offline),
		"duration", time.Since(start),
	)

	return bunrouter.JSON(w, DeliverResponse{
		MessageID:    msg.ID,
		Receipts:     receipts,
		OfflineUsers: offline,
	})
}

// deliverErrorStatus maps a fatal fanout error to an HTTP status.
func deliverErrorStatus(err error) int {
	switch {
	case errors.Is(err, fanout.ErrInvalidEntity):
		return http.StatusBadRequest
	case errors.Is(err, fanout.ErrResolve), errors.Is(err, fanout.ErrAcquireRelay):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (g *Gateway) handleConnections(w http.ResponseWriter, _ bunrouter.Request) error {
	conns := g.table.List()
	if conns == nil {
		conns = []connection.Info{}
	}
	slices.SortFunc(conns, func(a, b connection.Info) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return bunrouter.JSON(w, ConnectionsResponse{NodeID: g.nodeID, Connections: conns})
}

func (g *Gateway) handleStats(w http.ResponseWriter, _ bunrouter.Request) error {
	return bunrouter.JSON(w, StatsResponse{
		NodeID:        g.nodeID,
		Connections:   g.table.Len(),
		FailurePolicy: string(g.orchestrator.Policy()),
		Fanout:        g.orchestrator.Stats(),
	})
}

func writeJSONError(w http.ResponseWriter, status int, msg string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(bunrouter.H{"error": msg})
}
