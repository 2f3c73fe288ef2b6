// Package app wires the replication server: logging, metrics, the world,
// the simulation loop and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"netreplica/internal/config"
	servernet "netreplica/internal/net"
	"netreplica/internal/net/ws"
	"netreplica/internal/observability"
	"netreplica/internal/sim"
	"netreplica/internal/telemetry"
	"netreplica/logging"
	loggingSinks "netreplica/logging/sinks"
)

const metricsNamespace = "netreplica"

type Config struct {
	Server config.Config
	Layout config.Layout
	Logger telemetry.Logger
	// Console receives the human readable event stream; stdout when nil.
	Console io.Writer
}

// Server is an assembled but not yet running replication server.
type Server struct {
	cfg     config.Config
	logger  telemetry.Logger
	router  *logging.Router
	hub     *ws.Hub
	world   *World
	loop    *sim.Loop
	handler http.Handler
	cancel  context.CancelFunc
}

// New assembles a server from cfg.
func New(cfg Config) (*Server, error) {
	telemetryLogger := cfg.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(log.Default())
	}

	fallbackLogger := log.Default()
	if provider, ok := telemetryLogger.(interface{ StandardLogger() *log.Logger }); ok {
		if candidate := provider.StandardLogger(); candidate != nil {
			fallbackLogger = candidate
		}
	}

	logConfig := cfg.Server.LoggingConfig()
	logConfig.Fields = map[string]any{"service": metricsNamespace}
	console := cfg.Console
	if console == nil {
		console = os.Stdout
	}
	sinks := []logging.NamedSink{{Name: "console", Sink: loggingSinks.NewConsole(console)}}
	if logConfig.HasSink("json") {
		file, err := os.OpenFile(logConfig.JSON.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open json log: %w", err)
		}
		sinks = append(sinks, logging.NamedSink{Name: "json", Sink: loggingSinks.NewJSON(file, logConfig.JSON.FlushInterval)})
	}
	router := logging.NewRouter(nil, logConfig, sinks)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewPrometheusMetrics(registry, metricsNamespace, telemetryLogger)

	hub := ws.NewHub()
	world, err := NewWorld(WorldConfig{
		Layout:         cfg.Layout,
		ChatWriteExpr:  cfg.Server.ChatWriteExpr,
		ChatAdmins:     cfg.Server.ChatAdmins,
		InterestBypass: cfg.Server.InterestBypass,
	}, WorldDeps{
		Transport: hub,
		Replies:   hub,
		Publisher: router,
		Metrics:   metrics,
		Logger:    telemetryLogger,
	})
	if err != nil {
		router.Close(context.Background())
		return nil, fmt.Errorf("failed to construct world: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	loop := sim.NewLoop(sim.LoopConfig{
		TickRate:         cfg.Server.TickRate,
		CatchupMaxTicks:  3,
		CommandCapacity:  cfg.Server.CommandCapacity,
		LifecycleReserve: cfg.Server.CommandCapacity / 16,
		PerClientLimit:   cfg.Server.PerClientLimit,
		WarningStep:      cfg.Server.CommandCapacity / 4,
	}, sim.LoopHooks{
		Apply: func(tick sim.LoopTickContext, commands []sim.Command) {
			world.Apply(ctx, tick.Tick, commands)
		},
		AfterStep: func(result sim.LoopStepResult) {
			world.Flush(ctx, result.Tick)
		},
		OnQueueWarning: func(length int) {
			telemetryLogger.Printf("[backpressure] command queue length=%d", length)
		},
	}, sim.Deps{Logger: telemetryLogger, Metrics: metrics})

	wsHandler := ws.NewHandler(hub, loop, ws.HandlerConfig{
		Logger:    fallbackLogger,
		Publisher: router,
		TickRate:  cfg.Server.TickRate,
	})

	s := &Server{
		cfg:    cfg.Server,
		logger: telemetryLogger,
		router: router,
		hub:    hub,
		world:  world,
		loop:   loop,
		cancel: cancel,
	}
	s.handler = servernet.NewHTTPHandler(servernet.HTTPHandlerConfig{
		WebSocket:     http.HandlerFunc(wsHandler.Handle),
		Metrics:       promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		MetricsPath:   cfg.Server.MetricsPath,
		Diagnostics:   s.diagnostics,
		TickRate:      cfg.Server.TickRate,
		Logger:        fallbackLogger,
		Observability: observability.Config{EnablePprof: cfg.Server.EnablePprof},
	})
	return s, nil
}

// Handler serves /ws, /metrics, /healthz and /diagnostics.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// RunLoop drives the simulation until ctx is cancelled.
func (s *Server) RunLoop(ctx context.Context) {
	s.loop.Run(ctx)
}

// Close disconnects every client and drains the logging router.
func (s *Server) Close(ctx context.Context) error {
	s.hub.CloseAll("server shutting down")
	s.cancel()
	return s.router.Close(ctx)
}

func (s *Server) diagnostics() any {
	stats := s.router.Stats()
	return struct {
		Tick            uint64 `json:"tick"`
		PendingCommands int    `json:"pendingCommands"`
		Connected       int    `json:"connected"`
		LogEvents       uint64 `json:"logEvents"`
		LogDropped      uint64 `json:"logDropped"`
	}{
		Tick:            s.loop.Tick(),
		PendingCommands: s.loop.Pending(),
		Connected:       s.hub.Connected(),
		LogEvents:       stats.EventsTotal,
		LogDropped:      stats.DroppedTotal,
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, cfg Config) error {
	srv, err := New(cfg)
	if err != nil {
		return err
	}

	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	go srv.RunLoop(loopCtx)

	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: srv.Handler()}
	serveErr := make(chan error, 1)
	go func() {
		srv.logger.Printf("server listening on %s", httpServer.Addr)
		serveErr <- httpServer.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		srv.logger.Printf("http shutdown: %v", err)
	}
	stopLoop()
	if err := srv.Close(shutdownCtx); err != nil {
		srv.logger.Printf("failed to close logging router: %v", err)
	}
	return runErr
}
