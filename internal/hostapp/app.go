// Package hostapp wires the host process together: serve a local directory to
// peers found through the matchmaking server, in personal or webreview mode.
package hostapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"

	"github.com/peerdrive/peerdrive/internal/control"
	"github.com/peerdrive/peerdrive/internal/hostapp/config"
	"github.com/peerdrive/peerdrive/internal/hostsvc"
	"github.com/peerdrive/peerdrive/internal/logging"
	"github.com/peerdrive/peerdrive/internal/peerlink"
	"github.com/peerdrive/peerdrive/internal/protocol"
)

// App is the host application.
type App struct {
	config *config.Config
	logger logging.Logger
	clk    clock.Clock
}

// NewApp validates the configuration and builds the application.
func NewApp(c *config.Config) (*App, error) {
	switch c.Mode {
	case config.ModePersonal:
		if c.Token == "" {
			return nil, fmt.Errorf("personal mode requires a token")
		}
	case config.ModeWebReview:
		if err := protocol.ValidateProjectID(c.ProjectID); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown mode %q", c.Mode)
	}

	handler := slog.NewJSONHandler(os.Stdout, nil)
	logger := logging.NewSlogLogger(slog.New(handler)).With("mode", c.Mode)

	return &App{config: c, logger: logger, clk: clock.New()}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		s := <-sigChan
		app.logger.Info(context.Background(), "received signal, shutting down", "signal", s.String())
		cancelFunc()
	}()
}

// Run connects to the matchmaking server, registers, and serves peer
// sessions until the context is canceled or the control channel drops.
func (app *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	app.initSignalHandler(cancel)

	tree, err := hostsvc.NewDirTree(app.config.Dir)
	if err != nil {
		return err
	}

	ctrl, err := control.Dial(ctx, app.config.ServerURL, app.logger)
	if err != nil {
		return fmt.Errorf("connect to server: %w", err)
	}
	defer ctrl.Close()
	app.logger.Info(ctx, "connected", "server", app.config.ServerURL, "peer", ctrl.PeerID())

	if err := app.register(ctrl); err != nil {
		return err
	}
	if app.config.Mode == config.ModeWebReview {
		fmt.Printf("project %q is live: peerdrive-client -p %s\n", app.config.ProjectID, app.config.ProjectID)
	}
	go app.heartbeatLoop(ctx, ctrl)

	transport := peerlink.NewTransport(ctrl, peerlink.Config{STUNServers: app.config.STUNServers}, app.logger)
	defer transport.Close()

	engine := hostsvc.New(tree, app.logger)

	for {
		sess, remote, err := transport.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		app.logger.Info(ctx, "peer session established", "remote", remote)
		go func() {
			defer sess.Close()
			if err := engine.Serve(ctx, sess); err != nil {
				app.logger.Error(ctx, "session ended with error", "remote", remote, "error", err)
				return
			}
			app.logger.Info(ctx, "peer session closed", "remote", remote)
		}()
	}
}

func (app *App) register(ctrl *control.Client) error {
	if app.config.Mode == config.ModeWebReview {
		return ctrl.RegisterWebPreview(app.config.ProjectID)
	}
	return ctrl.RegisterHost(app.config.Token)
}

// heartbeatLoop refreshes the registration so it outlives the server-side
// TTL. Re-registering on every tick also heals a server restart.
func (app *App) heartbeatLoop(ctx context.Context, ctrl *control.Client) {
	ticker := app.clk.Ticker(app.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ctrl.Closed():
			return
		case <-ticker.C:
			if err := app.register(ctrl); err != nil {
				app.logger.Warn(ctx, "re-register failed", "error", err)
				continue
			}
			if err := ctrl.Heartbeat(); err != nil {
				app.logger.Warn(ctx, "heartbeat failed", "error", err)
			}
		}
	}
}
