// Package server exposes the collector over HTTP: a WebSocket live sample
// stream plus a small JSON control API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/cardash/internal/collector"
	"github.com/shaunagostinho/cardash/internal/engine"
	"github.com/shaunagostinho/cardash/internal/obd"
	"github.com/shaunagostinho/cardash/internal/reconnect"
)

const dtcScanTimeout = 10 * time.Second

// Collector is the control surface the API drives.
type Collector interface {
	Connect(addr string) error
	Disconnect()
	ScanTroubleCodes(ctx context.Context) ([]obd.TroubleCode, error)
	Status() collector.Status
}

// SampleSource streams fused samples, latest first.
type SampleSource interface {
	Samples(ctx context.Context) <-chan engine.FusedSample
}

// Server broadcasts samples to WebSocket clients and serves the control API.
type Server struct {
	cfg     *Config
	svc     Collector
	samples SampleSource

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to WebSocket clients.
type Frame struct {
	Sample *engine.FusedSample `json:"sample,omitempty"`
	Status *collector.Status   `json:"status,omitempty"`
	Config json.RawMessage     `json:"config,omitempty"`
	Stamp  int64               `json:"stamp"` // Unix ms
}

// New creates a new Server.
func New(cfg *Config, svc Collector, samples SampleSource) *Server {
	return &Server{
		cfg:     cfg,
		svc:     svc,
		samples: samples,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	// Control API
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/connect", s.handleConnect)
	mux.HandleFunc("/api/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/dtc", s.handleDTC)

	// Config API
	mux.HandleFunc("/api/config", s.handleConfig)
	return mux
}

// Run serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	log.Printf("[ws] client connected (%d total)", n)

	// Initial status + config
	status := s.svc.Status()
	hello := Frame{Status: &status, Stamp: time.Now().UnixMilli()}
	if cfg, err := s.cfg.ToJSON(); err == nil {
		hello.Config = cfg
	}
	if data, err := json.Marshal(hello); err == nil {
		client.send <- data
	}

	ctx, cancel := context.WithCancel(context.Background())
	pumpDone := make(chan struct{})

	// Sample pump: the source replays the latest sample first, then each
	// new one. Slow clients drop frames.
	go func() {
		defer close(pumpDone)
		for smp := range s.samples.Samples(ctx) {
			st := s.svc.Status()
			data, err := json.Marshal(Frame{Sample: &smp, Status: &st, Stamp: time.Now().UnixMilli()})
			if err != nil {
				continue
			}
			select {
			case client.send <- data:
			default:
			}
		}
	}()

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (handle incoming messages / keep-alive)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			cancel()
			<-pumpDone
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Status())
}

type connectRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	addr := strings.TrimSpace(req.Address)
	if addr == "" {
		s.cfg.mu.RLock()
		addr = s.cfg.OBD.Target
		s.cfg.mu.RUnlock()
	}

	err := s.svc.Connect(addr)
	switch {
	case errors.Is(err, reconnect.ErrNoTarget):
		http.Error(w, "no address given and no default target configured", http.StatusBadRequest)
	case errors.Is(err, reconnect.ErrAttemptInFlight):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		s.broadcastStatus()
		writeJSON(w, http.StatusAccepted, s.svc.Status())
	}
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.svc.Disconnect()
	s.broadcastStatus()
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleDTC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), dtcScanTimeout)
	defer cancel()

	codes, err := s.svc.ScanTroubleCodes(ctx)
	switch {
	case errors.Is(err, obd.ErrNotConnected):
		http.Error(w, "vehicle not connected", http.StatusConflict)
	case err != nil:
		log.Printf("[server] dtc scan: %v", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		if codes == nil {
			codes = []obd.TroubleCode{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"codes": codes})
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		// Broadcast updated config
		if data, err := s.cfg.ToJSON(); err == nil {
			s.broadcast(Frame{Config: data, Stamp: time.Now().UnixMilli()})
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) broadcastStatus() {
	st := s.svc.Status()
	s.broadcast(Frame{Status: &st, Stamp: time.Now().UnixMilli()})
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encode response: %v", err)
	}
}
