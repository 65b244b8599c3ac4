// Package server broadcasts decoded IMU and filter readings to WebSocket
// clients as JSON frames, and exposes a small status API.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kestrelworks/gx4dash/internal/imu"
	"github.com/kestrelworks/gx4dash/internal/mip"
)

// Server fans decoded readings out to connected WebSocket clients.
type Server struct {
	cfg    *Config
	source imu.Source

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	statsMu     sync.Mutex
	imuCount    uint64
	filterCount uint64
	info        *imu.Info
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients. Exactly one of
// IMU / Filter is set per frame.
type Frame struct {
	IMU    *mip.IMUReading    `json:"imu,omitempty"`
	Filter *mip.FilterReading `json:"filter,omitempty"`
	Stamp  int64              `json:"stamp"` // Unix ms
}

// New creates a new Server for the given source.
func New(cfg *Config, source imu.Source) *Server {
	return &Server{
		cfg:     cfg,
		source:  source,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetDeviceInfo records the device identification for the status API.
func (s *Server) SetDeviceInfo(info imu.Info) {
	s.statsMu.Lock()
	s.info = &info
	s.statsMu.Unlock()
}

// BroadcastIMU sends one IMU reading to every connected client. Slow clients
// drop frames rather than stalling the poll path.
func (s *Server) BroadcastIMU(r mip.IMUReading) {
	s.statsMu.Lock()
	s.imuCount++
	s.statsMu.Unlock()
	s.broadcast(Frame{IMU: &r, Stamp: time.Now().UnixMilli()})
}

// BroadcastFilter sends one filter reading to every connected client.
func (s *Server) BroadcastFilter(r mip.FilterReading) {
	s.statsMu.Lock()
	s.filterCount++
	s.statsMu.Unlock()
	s.broadcast(Frame{Filter: &r, Stamp: time.Now().UnixMilli()})
}

func (s *Server) broadcast(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Client buffer full: drop this frame for that client.
		}
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
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
	total := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", total)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine: drain until the client hangs up.
	go func() {
		defer s.dropClient(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) dropClient(c *wsClient) {
	s.clientsMu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	total := len(s.clients)
	s.clientsMu.Unlock()
	log.Printf("[ws] client disconnected (%d total)", total)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.statsMu.Lock()
	status := map[string]any{
		"source":       s.source.Name(),
		"imuFrames":    s.imuCount,
		"filterFrames": s.filterCount,
	}
	if s.info != nil {
		status["device"] = s.info
	}
	s.statsMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
