package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server serves the router's surfaces over HTTP: JSON-RPC on /rpc,
// JSON reads on /orders and /trade-metadata, a websocket stream on
// /express-feed, and Prometheus metrics when telemetry is enabled.
type Server struct {
	router  *Router
	log     zerolog.Logger
	metrics bool

	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu          sync.Mutex
	subscribers map[*websocket.Conn]chan ExpressFeedFrame
}

// NewServer builds a server for addr. metricsEnabled exposes
// /metrics.
func NewServer(addr string, router *Router, metricsEnabled bool, log zerolog.Logger) *Server {
	s := &Server{
		router:      router,
		log:         log,
		metrics:     metricsEnabled,
		subscribers: make(map[*websocket.Conn]chan ExpressFeedFrame),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/orders", s.handleOrders)
	mux.HandleFunc("/trade-metadata", s.handleTradeMetadata)
	mux.HandleFunc("/express-feed", s.handleExpressFeed)
	mux.HandleFunc("/state-root", s.handleStateRoot)
	if metricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("api server stopped")
		}
	}()
	s.log.Info().Str("addr", s.httpServer.Addr).Bool("metrics", s.metrics).Msg("api server listening")
}

// Shutdown stops the server and closes all feed subscribers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for conn, ch := range s.subscribers {
		close(ch)
		conn.Close()
		delete(s.subscribers, conn)
	}
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

// Broadcast fans one feed frame out to all websocket subscribers.
// Slow subscribers are dropped rather than blocking the engine.
func (s *Server) Broadcast(frame ExpressFeedFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, ch := range s.subscribers {
		select {
		case ch <- frame:
		default:
			close(ch)
			conn.Close()
			delete(s.subscribers, conn)
		}
	}
}

type rpcRequest struct {
	Method string `json:"method"`
	ID     any    `json:"id"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	result := s.router.RPCResult(req.Method)
	resp := map[string]any{"id": req.ID, "result": json.RawMessage(rawOrQuote(result))}
	json.NewEncoder(w).Encode(resp)
}

// rawOrQuote passes JSON documents through and quotes scalar results.
func rawOrQuote(result string) string {
	if len(result) > 0 && (result[0] == '{' || result[0] == '[') {
		return result
	}
	quoted, _ := json.Marshal(result)
	return string(quoted)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"endpoints": s.router.EndpointCount(),
		"available": s.router.HasEndpoint("/orders"),
	})
}

func (s *Server) handleTradeMetadata(w http.ResponseWriter, r *http.Request) {
	minOffset := parseOffset(r.URL.Query().Get("min_wal_offset"))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.router.TradeMetadataSince(minOffset))
}

func (s *Server) handleStateRoot(w http.ResponseWriter, r *http.Request) {
	status := s.router.Status()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"chainId":     toHex(status.ChainID),
		"blockNumber": toHex(status.BlockNumber),
	})
}

func (s *Server) handleExpressFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("express feed upgrade failed")
		return
	}

	ch := make(chan ExpressFeedFrame, 256)
	s.mu.Lock()
	s.subscribers[conn] = ch
	s.mu.Unlock()

	// Replay the buffered tail so a new subscriber starts with
	// context, then stream live frames.
	minOffset := parseOffset(r.URL.Query().Get("min_wal_offset"))
	for _, frame := range s.router.ExpressFeedFrames(minOffset) {
		if err := conn.WriteJSON(frame); err != nil {
			s.dropSubscriber(conn)
			return
		}
	}

	go func() {
		for frame := range ch {
			if err := conn.WriteJSON(frame); err != nil {
				s.dropSubscriber(conn)
				return
			}
		}
	}()

	// Reader loop only to detect close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.dropSubscriber(conn)
				return
			}
		}
	}()
}

func (s *Server) dropSubscriber(conn *websocket.Conn) {
	s.mu.Lock()
	if ch, ok := s.subscribers[conn]; ok {
		close(ch)
		delete(s.subscribers, conn)
	}
	s.mu.Unlock()
	conn.Close()
}

func parseOffset(raw string) uint64 {
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
