// Package server initializes and runs the matchmaking server: the control
// channel hub, the in-memory registry with its expiry janitor, and the
// metrics endpoint. File bytes never pass through this process.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/peerdrive/peerdrive/internal/logging"
	"github.com/peerdrive/peerdrive/internal/server/config"
	"github.com/peerdrive/peerdrive/internal/server/hub"
	"github.com/peerdrive/peerdrive/internal/server/registry"
)

// shutdownGrace bounds how long in-flight requests may linger on shutdown.
const shutdownGrace = 5 * time.Second

type App struct {
	config   *config.Config
	logger   logging.Logger
	registry *registry.Registry
	hub      *hub.Hub
	promReg  *prometheus.Registry
}

func NewApp(c *config.Config) (*App, error) {
	sl := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(sl)

	reg := registry.New(logger.With("module", "registry"), registry.WithTTL(c.RegistryTTL))

	promReg := prometheus.NewRegistry()
	metrics := hub.NewMetrics(promReg, reg)
	h := hub.New(logger, reg, []byte(c.SecretKey), metrics)

	return &App{config: c, logger: logger, registry: reg, hub: h, promReg: promReg}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	mux := http.NewServeMux()
	mux.Handle("/ws", app.hub)
	mux.Handle("/metrics", promhttp.HandlerFor(app.promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: app.config.Addr, Handler: mux}

	go func() {
		<-ctx.Done()
		app.logger.Info(ctx, "Stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	app.logger.Info(ctx, "Starting HTTP server", "address", app.config.Addr)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.registry.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()

	wg.Wait()
}
