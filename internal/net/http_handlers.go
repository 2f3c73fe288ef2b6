// Package net assembles the server's HTTP surface.
package net

import (
	"encoding/json"
	"log"
	nethttp "net/http"
	"time"

	"netreplica/internal/observability"
)

// Diagnostics is the payload served on /diagnostics. Implementations must be
// safe to call from HTTP goroutines.
type Diagnostics func() any

type HTTPHandlerConfig struct {
	WebSocket     nethttp.Handler
	Metrics       nethttp.Handler
	MetricsPath   string
	Diagnostics   Diagnostics
	TickRate      int
	Logger        *log.Logger
	Observability observability.Config
}

type diagnosticsResponse struct {
	Status     string `json:"status"`
	ServerTime int64  `json:"serverTime"`
	TickRate   int    `json:"tickRate"`
	State      any    `json:"state,omitempty"`
}

func NewHTTPHandler(cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	mux := nethttp.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		writeText(w, nethttp.StatusOK, "ok")
	})
	mux.HandleFunc("GET /diagnostics", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		response := diagnosticsResponse{
			Status:     "ok",
			ServerTime: time.Now().UnixMilli(),
			TickRate:   cfg.TickRate,
		}
		if cfg.Diagnostics != nil {
			response.State = cfg.Diagnostics()
		}
		body, err := json.Marshal(response)
		if err != nil {
			logger.Printf("encode diagnostics: %v", err)
			writeText(w, nethttp.StatusInternalServerError, "failed to encode diagnostics")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	})

	if cfg.WebSocket != nil {
		mux.Handle("GET /ws", cfg.WebSocket)
	}
	if cfg.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, cfg.Metrics)
	}
	cfg.Observability.Register(mux)
	return mux
}

func writeText(w nethttp.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(message))
}
