// Package status provides the local read-only HTTP surface exposing the
// transport's observable state to UI and business collaborators.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"quotewire/internal/transport"
	"quotewire/pkg/logger"
)

// Server serves connection state, subscriptions and recent chat history.
// It never mutates the transport.
type Server struct {
	httpServer *http.Server
	manager    *transport.Manager
}

// NewServer creates a status server for the given transport manager.
func NewServer(addr string, manager *transport.Manager) *Server {
	s := &Server{manager: manager}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/messages", s.handleMessages).Methods(http.MethodGet)
	router.HandleFunc("/quotes/{id:[0-9]+}/latest", s.handleLatest).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		logger.Info().Str("addr", s.httpServer.Addr).Msg("status server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("status server failed")
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	state := s.manager.State()
	subs := s.manager.Subscriptions()

	type subscription struct {
		Destination    string `json:"destination"`
		SubscriptionID string `json:"subscriptionId"`
	}
	out := struct {
		State         transport.State `json:"state"`
		Subscriptions []subscription  `json:"subscriptions"`
	}{State: state}
	for _, entry := range subs {
		out.Subscriptions = append(out.Subscriptions, subscription{
			Destination:    entry.Destination,
			SubscriptionID: entry.SubscriptionID,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMessages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Feed().History())
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid quote id"})
		return
	}

	msg, ok := s.manager.Feed().Latest(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no message for quote"})
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("failed to encode status response")
	}
}
