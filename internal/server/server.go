// Package server exposes the runtime over HTTP and websocket: health, metrics,
// status, observation ingress and a live feed of diagnostics and tick reports.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/embodia/internal/observability"
	"github.com/harun/embodia/internal/tracing"
	"github.com/harun/embodia/pkg/diag"
	"github.com/harun/embodia/pkg/input"
	"github.com/harun/embodia/pkg/lanes"
	"github.com/harun/embodia/pkg/observation"
	"github.com/harun/embodia/pkg/runtime"
)

const maxBodyBytes = 1 << 20

// Config holds server configuration.
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	Pusher       input.Pusher
	Status       StatusFunc
	Logger       zerolog.Logger
}

// Server is the HTTP and websocket surface of the runtime.
type Server struct {
	cfg         Config
	upgrader    websocket.Upgrader
	clients     *clientRegistry
	broadcaster *broadcaster
	logger      zerolog.Logger

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	clientWG       sync.WaitGroup

	addrMu sync.Mutex
	addr   net.Addr
}

// New creates a server.
func New(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Pusher == nil {
		return nil, errors.New("observation pusher is required")
	}
	if cfg.Status == nil {
		cfg.Status = func() Status { return Status{} }
	}
	observability.EnsureRegistered()

	logger := cfg.Logger.With().Str("component", "server").Logger()
	clients := newClientRegistry()
	return &Server{
		cfg:         cfg,
		clients:     clients,
		broadcaster: &broadcaster{clients: clients, logger: logger},
		logger:      logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/observe", s.handleObserve)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Addr returns the bound address once Run is listening.
func (s *Server) Addr() net.Addr {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.addr
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.addrMu.Lock()
	s.addr = ln.Addr()
	s.addrMu.Unlock()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	<-errCh
	s.logger.Info().Msg("Server stopped")
	return nil
}

// Close disconnects every websocket client and refuses new ones.
func (s *Server) Close() {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return
	}
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.broadcaster.broadcast(EventShutdown, map[string]string{"message": "server is shutting down"})
	for _, c := range s.clients.all() {
		c.close()
	}
	s.clientWG.Wait()
}

// Clients returns the number of connected websocket clients.
func (s *Server) Clients() int { return s.clients.count() }

// Record implements diag.Sink by broadcasting the diagnostic.
func (s *Server) Record(_ context.Context, d diag.Diagnostic) {
	s.broadcaster.broadcast(EventDiagnostic, d)
}

// ObserveTick is a runtime.Observer broadcasting the tick report.
func (s *Server) ObserveTick(r runtime.Report) {
	s.broadcaster.broadcast(EventTick, r)
}

// ObserveLane broadcasts actuator queue activity.
func (s *Server) ObserveLane(e lanes.Event) {
	ev := LaneEvent{Type: e.Type, ActuatorID: e.Lane, TaskID: e.TaskID}
	if e.Err != nil {
		ev.Error = e.Err.Error()
	}
	s.broadcaster.broadcast(EventLane, ev)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.SharedSecret == "" {
		return true
	}
	secret := r.Header.Get("X-Embodia-Secret")
	if secret == "" {
		secret = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.SharedSecret)) == 1
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := s.cfg.Status()
	status.Clients = s.clients.count()
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx := tracing.WithTraceID(r.Context(), traceID)
	logger := tracing.LoggerFromContext(ctx, s.logger)

	resp, status := s.observe(body)
	if status != http.StatusAccepted {
		logger.Warn().Str("channel", resp.Channel).Str("error", resp.Error).Msg("Observation rejected")
	}
	writeJSON(w, status, resp)
}

// observe decodes and pushes one observation, returning the acknowledgement
// and the matching HTTP status.
func (s *Server) observe(body []byte) (ObserveResponse, int) {
	var req ObserveRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return ObserveResponse{Error: fmt.Sprintf("invalid json: %v", err)}, http.StatusBadRequest
	}
	req.Channel = strings.TrimSpace(req.Channel)
	if req.Channel == "" {
		return ObserveResponse{Error: "channel is required"}, http.StatusBadRequest
	}
	if len(req.Payload) == 0 {
		return ObserveResponse{Channel: req.Channel, Error: "payload is required"}, http.StatusBadRequest
	}

	payload, err := observation.DecodePayload(req.Kind, req.Payload)
	if err != nil {
		return ObserveResponse{Channel: req.Channel, Error: err.Error()}, http.StatusBadRequest
	}

	var ts time.Time
	if req.Timestamp != nil {
		ts = *req.Timestamp
	}
	if !s.cfg.Pusher.Push(req.Channel, payload, ts) {
		return ObserveResponse{Channel: req.Channel, Error: "ingress queue full"}, http.StatusServiceUnavailable
	}
	return ObserveResponse{Accepted: true, Channel: req.Channel}, http.StatusAccepted
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.clientWG.Add(2)
	s.shutdownMu.RUnlock()

	if !s.authorized(r) {
		s.clientWG.Add(-2)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.clientWG.Add(-2)
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	c := newClient(clientID, conn, r.RemoteAddr)
	s.clients.add(c)
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		c.close()
	}
	s.shutdownMu.RUnlock()
	s.logger.Info().Str("client_id", clientID).Str("ip", r.RemoteAddr).Msg("Client connected")

	go func() {
		defer s.clientWG.Done()
		c.writeLoop()
	}()
	go func() {
		defer s.clientWG.Done()
		s.readLoop(c)
	}()
}

// readLoop treats every inbound text message as an observation.
func (s *Server) readLoop(c *client) {
	defer func() {
		c.close()
		s.clients.remove(c.id)
		s.logger.Info().Str("client_id", c.id).Msg("Client disconnected")
	}()

	c.conn.SetReadLimit(maxBodyBytes)
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("client_id", c.id).Msg("WebSocket error")
			}
			return
		}

		resp, _ := s.observe(message)
		ack, err := json.Marshal(EventMessage{
			Type:      "event",
			Event:     EventAck,
			Data:      resp,
			Timestamp: time.Now().UnixMilli(),
		})
		if err == nil {
			c.enqueue(ack)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
