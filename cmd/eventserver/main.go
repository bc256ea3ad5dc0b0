// Command eventserver runs the real-time WebSocket/HTTP event server: it
// loads a YAML configuration file, binds the listener, registers the
// example routes used to smoke-test a deployment, and shuts down
// gracefully on SIGTERM or SIGINT.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eventcore/eventserver/internal/config"
	"github.com/eventcore/eventserver/internal/logging"
	"github.com/eventcore/eventserver/internal/model"
	"github.com/eventcore/eventserver/internal/router"
	"github.com/eventcore/eventserver/internal/server"
)

const (
	exitOK             = 0
	exitBindFailure    = 2
	exitReactorFailure = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	var logLevelOverride string
	flag.StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")
	flag.StringVar(&logLevelOverride, "log-level", "", "override the configured log level: debug | info | warn | error")
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "eventserver: %v\n", err)
		return exitBindFailure
	}
	if logLevelOverride != "" {
		cfg.LogLevel = logLevelOverride
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	log.Info("event server starting", slog.String("addr", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)))

	srv := server.New(cfg, log)
	registerRoutes(srv)

	if err := srv.Bind(); err != nil {
		log.Error("failed to bind listener", slog.Any("error", err))
		return exitBindFailure
	}

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- srv.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-runErrCh:
		if err != nil {
			log.Error("reactor exited with error", slog.Any("error", err))
			return exitReactorFailure
		}
		return exitOK
	}

	log.Info("shutting down")
	done := make(chan struct{})
	go func() {
		srv.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timed out")
	}

	if err := <-runErrCh; err != nil {
		log.Error("reactor exited with error", slog.Any("error", err))
		return exitReactorFailure
	}

	log.Info("event server exited cleanly")
	return exitOK
}

// registerRoutes wires the example namespace used to verify a fresh
// deployment: a health check, an echo event, and a room join/leave pair.
func registerRoutes(srv *server.Server) {
	r := srv.Router()

	r.HandleHTTP("GET", "/healthz", func(ctx *router.HTTPContext) (*router.HTTPResult, error) {
		return &router.HTTPResult{Status: 200, Body: map[string]string{"status": "ok"}}, nil
	})

	r.HandleEvent("echo", func(ctx *router.EventContext) (*model.Envelope, error) {
		return &model.Envelope{Event: "echo", Data: ctx.Data}, nil
	}, router.EventOptions{})

	r.HandleEvent("room:join", func(ctx *router.EventContext) (*model.Envelope, error) {
		room, _ := ctx.Data.(string)
		if room == "" {
			return nil, fmt.Errorf("room:join requires a room name")
		}
		srv.JoinRoom(ctx.ClientID, ctx.Namespace, room)
		return &model.Envelope{Event: "room:joined", Data: room}, nil
	}, router.EventOptions{ReportErrors: true})

	r.HandleEvent("room:leave", func(ctx *router.EventContext) (*model.Envelope, error) {
		room, _ := ctx.Data.(string)
		if room == "" {
			return nil, fmt.Errorf("room:leave requires a room name")
		}
		srv.LeaveRoom(ctx.ClientID, ctx.Namespace, room)
		return &model.Envelope{Event: "room:left", Data: room}, nil
	}, router.EventOptions{ReportErrors: true})
}
