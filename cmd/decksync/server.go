package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/decksync/decksync/internal/config"
	"github.com/decksync/decksync/internal/deck"
	"github.com/decksync/decksync/internal/gateway"
	"github.com/decksync/decksync/internal/timeline"
)

func setupServer(cfg config.Config, cm *gateway.ConnectionManager, engine *deck.Engine) *http.Server {
	mux := http.NewServeMux()

	// Setup CORS middleware
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	wsHandler := gateway.NewWebSocketHandler(cm)
	wsHandler.RegisterRoutes(mux)

	setupDeckAPI(mux, engine)
	setupHealthCheck(mux)

	handler := c.Handler(mux)

	return &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      h2c.NewHandler(handler, &http2.Server{}),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// deckView is the REST projection of one deck: stored state plus the
// position and progress extrapolated to the time of the request.
type deckView struct {
	timeline.State
	Position float64 `json:"position"`
	Progress float64 `json:"progress"`
}

func setupDeckAPI(mux *http.ServeMux, engine *deck.Engine) {
	mux.HandleFunc("/api/decks", func(w http.ResponseWriter, r *http.Request) {
		now := float64(time.Now().UnixNano()) / float64(time.Second)
		out := make(map[string]deckView, len(timeline.DeckKeys))
		for k, st := range engine.SnapshotAll() {
			out[string(k)] = deckView{
				State:    st,
				Position: timeline.PositionAt(st, now),
				Progress: timeline.ProgressAt(st, now),
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			log.Error().Err(err).Msg("failed to encode deck snapshot")
		}
	})
}

func setupHealthCheck(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})

	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"service":"decksync","version":"1.0.0"}`)
	})
}
