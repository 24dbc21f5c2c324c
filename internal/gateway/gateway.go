// Package gateway exposes the conversation websocket endpoint and the
// cache admin API.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/sonoralabs/sonora-core/internal/cache"
	"github.com/sonoralabs/sonora-core/internal/session"
)

const maxMessageBytes = 16 << 20

// Gateway mounts the client-facing endpoints on an HTTP mux.
type Gateway struct {
	sessions *session.Registry
	cache    *cache.Cache
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(sessions *session.Registry, c *cache.Cache, log *slog.Logger) *Gateway {
	return &Gateway{
		sessions: sessions,
		cache:    c,
		logger:   log.With(slog.String("component", "gateway")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from app origins; access control
			// is out of scope here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Register mounts the gateway's routes.
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ws/conversation/", g.handleConversation)
	mux.HandleFunc("/api/cache/stats", g.handleCacheStats)
	mux.HandleFunc("/api/cache/clear", g.handleCacheClear)
}

// handleConversation upgrades the connection and pumps client messages
// into the session until disconnect.
func (g *Gateway) handleConversation(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Path[len("/ws/conversation/"):]
	if clientID == "" {
		http.Error(w, "client id required", http.StatusBadRequest)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()))
		return
	}
	ws.SetReadLimit(maxMessageBytes)

	conn := newWSConn(ws)
	sess := g.sessions.Connect(r.Context(), clientID, conn)
	defer func() {
		g.sessions.Disconnect(sess)
		conn.close()
	}()

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Warn("read loop ended",
					slog.String("client_id", clientID),
					slog.String("error", err.Error()))
			}
			return
		}
		switch msgType {
		case websocket.TextMessage:
			sess.HandleText(string(data))
		case websocket.BinaryMessage:
			sess.HandleBinary(data)
		}
	}
}

func (g *Gateway) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if g.cache == nil {
		http.Error(w, "cache disabled", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(g.cache.Stats()); err != nil {
		g.logger.Warn("encode cache stats", slog.String("error", err.Error()))
	}
}

func (g *Gateway) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if g.cache == nil {
		http.Error(w, "cache disabled", http.StatusNotFound)
		return
	}
	if err := g.cache.Clear(); err != nil {
		g.logger.Error("cache clear failed", slog.String("error", err.Error()))
		http.Error(w, "clear failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"cleared"}`))
}
