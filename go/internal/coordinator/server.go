package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const maxLogRequestBytes = 8 << 20

// ServerConfig holds the HTTP surface settings
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
	Timezone       string
}

// DefaultServerConfig returns default HTTP settings
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:           ":8080",
		AllowedOrigins: []string{"*"},
		Timezone:       "UTC",
	}
}

// Server exposes the hub, the time authority and the log collector
type Server struct {
	hub    *Hub
	sink   LogSink
	clock  clockwork.Clock
	config ServerConfig
}

type logRequest struct {
	Action       string           `json:"action"`
	ExperimentID string           `json:"experimentId"`
	Logs         []map[string]any `json:"logs"`
	TotalLogs    int              `json:"totalLogs"`
}

type apiResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type timeResponse struct {
	Success    bool   `json:"success"`
	ServerTime int64  `json:"serverTime"`
	Timezone   string `json:"timezone"`
}

func NewServer(hub *Hub, sink LogSink, clock clockwork.Clock, config ServerConfig) *Server {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if sink == nil {
		sink = NewMemorySink()
	}
	return &Server{hub: hub, sink: sink, clock: clock, config: config}
}

// Handler returns the routed handler wrapped with CORS and h2c
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})

	mux.Handle("/ws", s.hub)
	mux.HandleFunc("GET /api/time", s.handleTime)
	mux.HandleFunc("POST /api/logs", s.handleLogs)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSessionState)
	mux.HandleFunc("POST /api/sessions/{id}/end", s.handleEndSession)
	mux.HandleFunc("GET /info", s.handleInfo)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})

	return h2c.NewHandler(c.Handler(mux), &http2.Server{})
}

// HTTPServer builds the listening server for Handler
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, timeResponse{
		Success:    true,
		ServerTime: s.clock.Now().UnixMilli(),
		Timezone:   s.config.Timezone,
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	var req logRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLogRequestBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{Error: "malformed request body"})
		return
	}
	if req.ExperimentID == "" {
		writeJSON(w, http.StatusBadRequest, apiResponse{Error: "experimentId is required"})
		return
	}

	var err error
	switch req.Action {
	case "log_batch":
		err = s.sink.StoreBatch(r.Context(), req.ExperimentID, req.Logs)
	case "finalize_experiment":
		err = s.sink.Finalize(r.Context(), req.ExperimentID, req.TotalLogs)
	default:
		writeJSON(w, http.StatusBadRequest, apiResponse{Error: fmt.Sprintf("unknown action %q", req.Action)})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("action", req.Action).Str("experiment_id", req.ExperimentID).Msg("log sink failed")
		writeJSON(w, http.StatusInternalServerError, apiResponse{Error: "failed to store logs"})
		return
	}

	log.Info().
		Str("action", req.Action).
		Str("experiment_id", req.ExperimentID).
		Int("logs", len(req.Logs)).
		Msg("collector request accepted")
	writeJSON(w, http.StatusOK, apiResponse{Success: true})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "sessionId": s.hub.CreateSession()})
}

func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request) {
	state, err := s.hub.SessionState(r.PathValue("id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "state": state})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.EndSession(r.PathValue("id"), r.URL.Query().Get("reason")); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Stats())
}

func writeSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrUnknownSession) {
		writeJSON(w, http.StatusNotFound, apiResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, apiResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}
