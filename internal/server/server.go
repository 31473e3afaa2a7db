package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"

	"github.com/simon-77/W5500-multiple-interfaces/internal/logger"
)

// Server polls the attached chips, keeps their configured sockets alive, and
// broadcasts status to WebSocket clients. It also exposes a per-socket byte
// relay so browser clients can talk through a chip's TCP or UDP socket.
type Server struct {
	cfg         *Config
	controllers []*Controller
	webFS       fs.FS
	logger      *logger.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	// Byte counters persist across restarts
	countersPath   string
	countersTicker *time.Ticker
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all status WebSocket clients.
type Frame struct {
	Devices []logger.DeviceSnapshot `json:"devices,omitempty"`
	Errors  []string                `json:"errors,omitempty"`
	Stamp   int64                   `json:"stamp"` // Unix ms
}

// New creates a new Server.
func New(cfg *Config, controllers []*Controller, webFS fs.FS) *Server {
	countersPath := filepath.Join(filepath.Dir(cfg.path), "counters.dat")
	if cfg.path == "" {
		countersPath = "/etc/w5500-bridge/counters.dat"
	}

	s := &Server{
		cfg:         cfg,
		controllers: controllers,
		webFS:       webFS,
		logger: logger.New(logger.Config{
			Enabled:    cfg.Logging.Enabled,
			Path:       cfg.Logging.Path,
			IntervalMs: cfg.Logging.Interval,
		}),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		countersPath: countersPath,
	}
	s.loadCounters()
	return s
}

// Run starts the HTTP server and the polling loop.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	// Serve embedded web files
	mux.Handle("/", http.FileServer(http.FS(s.webFS)))

	// WebSocket endpoints
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/ws/socket", s.handleSocketWS)

	// Config + counters API
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/counters/reset", s.handleResetCounters)

	go s.pollLoop(ctx)

	// Persist byte counters every 30 seconds
	s.countersTicker = time.NewTicker(30 * time.Second)
	go func() {
		for {
			select {
			case <-ctx.Done():
				s.saveCounters()
				return
			case <-s.countersTicker.C:
				s.saveCounters()
			}
		}
	}()

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		s.saveCounters()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	return srv.ListenAndServe()
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
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", len(s.clients))

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
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", len(s.clients))
		}()
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				break
			}
		}
	}()
}

// handleSocketWS relays raw bytes between a WebSocket client and one chip
// socket: binary messages from the client go out through Send, pending
// receive data comes back as binary messages. One client per connection; the
// poll loop interleaves because the controller lock is held per driver call.
func (s *Server) handleSocketWS(w http.ResponseWriter, r *http.Request) {
	ctrl := s.controllerByName(r.URL.Query().Get("device"))
	if ctrl == nil {
		http.Error(w, "unknown device", 404)
		return
	}
	index, err := strconv.Atoi(r.URL.Query().Get("socket"))
	if err != nil || index < 0 || index > 7 {
		http.Error(w, "bad socket index", 400)
		return
	}
	sc, ok := ctrl.socketConfig(uint8(index))
	if !ok {
		http.Error(w, "socket not configured", 404)
		return
	}
	udp := sc.Mode == "udp"

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[relay] upgrade error: %v", err)
		return
	}
	log.Printf("[relay] client attached to %s socket %d (%s)", ctrl.Name, index, sc.Mode)

	done := make(chan struct{})

	// Client → chip
	go func() {
		defer close(done)
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.BinaryMessage || len(data) == 0 {
				continue
			}
			if _, err := ctrl.relaySend(uint8(index), data); err != nil {
				log.Printf("[relay] %s socket %d send: %v", ctrl.Name, index, err)
				return
			}
		}
	}()

	// Chip → client
	go func() {
		defer conn.Close()
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		buf := make([]byte, 4096)
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				pending, err := ctrl.relayPending(uint8(index))
				if err != nil || pending == 0 {
					continue
				}
				n, err := ctrl.relayReceive(uint8(index), buf, udp)
				if err != nil {
					log.Printf("[relay] %s socket %d receive: %v", ctrl.Name, index, err)
					return
				}
				if n == 0 {
					continue
				}
				msg := make([]byte, n)
				copy(msg, buf[:n])
				if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
					return
				}
			}
		}
	}()
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
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleResetCounters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	for _, ctrl := range s.controllers {
		ctrl.ResetCounters()
	}
	s.saveCounters()
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// pollLoop drives the maintenance pass and status broadcast at the
// configured rate. Errors from an unplugged bridge or a chip with no link
// are reported in the frame and retried next tick.
func (s *Server) pollLoop(ctx context.Context) {
	hz := s.cfg.PollHz
	if hz <= 0 {
		hz = 5
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Close()
			return
		case <-ticker.C:
			frame := Frame{Stamp: time.Now().UnixMilli()}

			for _, ctrl := range s.controllers {
				if err := ctrl.Maintain(); err != nil {
					frame.Errors = append(frame.Errors, err.Error())
				}

				snap, err := ctrl.Snapshot()
				if err != nil {
					frame.Errors = append(frame.Errors, err.Error())
				}
				snap.BytesInHuman = humanize.Bytes(snap.BytesIn)
				snap.BytesOutHuman = humanize.Bytes(snap.BytesOut)
				frame.Devices = append(frame.Devices, snap)
			}

			s.broadcast(frame)
			s.logger.Record(frame.Devices)
		}
	}
}

func (s *Server) controllerByName(name string) *Controller {
	for _, ctrl := range s.controllers {
		if ctrl.Name == name {
			return ctrl
		}
	}
	return nil
}

// loadCounters reads persisted byte counters from disk. Format is one line
// per device: "name in out".
func (s *Server) loadCounters() {
	data, err := os.ReadFile(s.countersPath)
	if err != nil {
		return
	}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 3 {
			continue
		}
		ctrl := s.controllerByName(fields[0])
		if ctrl == nil {
			continue
		}
		in, err1 := strconv.ParseUint(fields[1], 10, 64)
		out, err2 := strconv.ParseUint(fields[2], 10, 64)
		if err1 == nil && err2 == nil {
			ctrl.SetCounters(in, out)
		}
	}
	log.Printf("[server] loaded byte counters from %s", s.countersPath)
}

// saveCounters persists byte counters to disk.
func (s *Server) saveCounters() {
	var b strings.Builder
	for _, ctrl := range s.controllers {
		in, out := ctrl.Counters()
		fmt.Fprintf(&b, "%s %d %d\n", ctrl.Name, in, out)
	}

	os.MkdirAll(filepath.Dir(s.countersPath), 0755)
	if err := os.WriteFile(s.countersPath, []byte(b.String()), 0644); err != nil {
		log.Printf("[server] counter save failed: %v", err)
	}
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
