// Package clientapp is the interactive peerdrive client: it locates a host
// through the matchmaking server, establishes a peer session and exposes the
// transfer operations as a small REPL. With a project id it instead renders
// the project's web preview to a file and exits.
package clientapp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/peerdrive/peerdrive/internal/clientapp/config"
	"github.com/peerdrive/peerdrive/internal/clientsvc"
	"github.com/peerdrive/peerdrive/internal/control"
	"github.com/peerdrive/peerdrive/internal/logging"
	"github.com/peerdrive/peerdrive/internal/peerlink"
	"github.com/peerdrive/peerdrive/internal/preview"
	"github.com/peerdrive/peerdrive/internal/protocol"
)

// App is the client application.
type App struct {
	config *config.Config
	logger logging.Logger
	in     *bufio.Scanner
	out    io.Writer

	engine *clientsvc.Engine
	cwd    []string
}

// NewApp builds the application around stdin/stdout.
func NewApp(c *config.Config) (*App, error) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})
	logger := logging.NewSlogLogger(slog.New(handler))

	return &App{
		config: c,
		logger: logger,
		in:     bufio.NewScanner(os.Stdin),
		out:    os.Stdout,
	}, nil
}

// Run executes either the one-shot preview mode or the interactive REPL.
func (a *App) Run(ctx context.Context) error {
	if a.config.ProjectID != "" {
		return a.runPreview(ctx)
	}
	return a.runPersonal(ctx)
}

// connect performs matchmaking and session establishment: dial the control
// channel, resolve the host's peer address with find, then open the data
// channel to it.
func (a *App) connect(ctx context.Context, find func(ctx context.Context, ctrl *control.Client) (string, error)) (peerlink.Session, func(), error) {
	dialCtx, cancel := context.WithTimeout(ctx, a.config.DialTimeout)
	defer cancel()

	ctrl, err := control.Dial(dialCtx, a.config.ServerURL, a.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to server: %w", err)
	}

	remote, err := find(dialCtx, ctrl)
	if err != nil {
		ctrl.Close()
		return nil, nil, fmt.Errorf("locate host: %w", err)
	}

	transport := peerlink.NewTransport(ctrl, peerlink.Config{STUNServers: a.config.STUNServers}, a.logger)
	sess, err := transport.Dial(dialCtx, remote)
	if err != nil {
		transport.Close()
		ctrl.Close()
		return nil, nil, fmt.Errorf("establish peer session: %w", err)
	}

	cleanup := func() {
		sess.Close()
		transport.Close()
		ctrl.Close()
	}
	return sess, cleanup, nil
}

func (a *App) runPreview(ctx context.Context) error {
	sess, cleanup, err := a.connect(ctx, func(ctx context.Context, ctrl *control.Client) (string, error) {
		return ctrl.FindWebPreviewHost(ctx, a.config.ProjectID)
	})
	if err != nil {
		return err
	}
	defer cleanup()

	a.engine = clientsvc.New(sess, a.logger)
	page, err := preview.New(a.engine, a.logger).Render(ctx)
	if err != nil {
		return fmt.Errorf("render preview: %w", err)
	}

	outFile := filepath.Join(a.config.OutDir, a.config.ProjectID+".html")
	if err := os.WriteFile(outFile, page, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "preview written to %s\n", outFile)
	return nil
}

func (a *App) runPersonal(ctx context.Context) error {
	token := a.config.Token
	if token == "" {
		token = os.Getenv("PEERDRIVE_TOKEN")
	}
	if token == "" {
		var err error
		token, err = GetToken(a.out)
		if err != nil {
			return err
		}
	}

	sess, cleanup, err := a.connect(ctx, func(ctx context.Context, ctrl *control.Client) (string, error) {
		return ctrl.FindMyHost(ctx, token)
	})
	if err != nil {
		return err
	}
	defer cleanup()

	a.engine = clientsvc.New(sess, a.logger)
	fmt.Fprintln(a.out, "Connected to your host (type 'help' for commands)")
	a.repl(ctx)
	return nil
}

func (a *App) repl(ctx context.Context) {
	for {
		fmt.Fprintf(a.out, "pdrive /%s> ", strings.Join(a.cwd, "/"))
		if !a.in.Scan() {
			return
		}
		parts := strings.Fields(a.in.Text())
		if len(parts) == 0 {
			continue
		}

		cmd := parts[0]
		args := parts[1:]

		var err error
		switch cmd {
		case "help":
			fmt.Fprintln(a.out, "Available commands: ls, cd <dir>, get <file>, getdir <folder>, put <local-file>, exit")
		case "ls":
			err = a.list(ctx)
		case "cd":
			err = a.changeDir(args)
		case "get":
			err = a.get(ctx, args)
		case "getdir":
			err = a.getDir(ctx, args)
		case "put":
			err = a.put(ctx, args)
		case "exit", "quit":
			return
		default:
			fmt.Fprintf(a.out, "unknown command %q\n", cmd)
		}
		if err != nil {
			fmt.Fprintf(a.out, "error: %v\n", err)
		}
	}
}

func (a *App) list(ctx context.Context) error {
	entries, err := a.engine.List(ctx, a.cwd)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Kind == protocol.KindDirectory {
			fmt.Fprintf(a.out, "%s/\n", e.Name)
			continue
		}
		fmt.Fprintln(a.out, e.Name)
	}
	return nil
}

func (a *App) changeDir(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: cd <dir>")
	}
	next, err := childPath(a.cwd, args[0])
	if err != nil {
		return err
	}
	a.cwd = next
	return nil
}

// childPath applies one cd argument to the working path: ".." ascends, "/"
// resets, anything else must be a single valid segment.
func childPath(cwd []string, arg string) ([]string, error) {
	switch arg {
	case "/":
		return nil, nil
	case "..":
		if len(cwd) == 0 {
			return nil, nil
		}
		return cwd[:len(cwd)-1], nil
	}
	next := append(append([]string{}, cwd...), arg)
	if err := protocol.ValidatePath(next); err != nil {
		return nil, err
	}
	return next, nil
}

func (a *App) get(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: get <file>")
	}
	name := args[0]
	if err := protocol.ValidatePath([]string{name}); err != nil {
		return err
	}

	outFile := filepath.Join(a.config.OutDir, name)
	f, err := os.Create(outFile)
	if err != nil {
		return err
	}

	err = a.engine.Download(ctx, a.cwd, name, f, a.printProgress)
	f.Close()
	if err != nil {
		os.Remove(outFile)
		return err
	}
	fmt.Fprintf(a.out, "\nsaved %s\n", outFile)
	return nil
}

func (a *App) getDir(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: getdir <folder>")
	}
	name := args[0]
	if err := protocol.ValidatePath([]string{name}); err != nil {
		return err
	}

	outFile := filepath.Join(a.config.OutDir, name+".zip")
	f, err := os.Create(outFile)
	if err != nil {
		return err
	}

	err = a.engine.DownloadFolder(ctx, a.cwd, name, f, a.printProgress)
	f.Close()
	if err != nil {
		os.Remove(outFile)
		return err
	}
	fmt.Fprintf(a.out, "\nsaved %s\n", outFile)
	return nil
}

func (a *App) put(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: put <local-file>")
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	name := filepath.Base(args[0])
	if err := a.engine.Upload(ctx, a.cwd, name, f, info.Size(), a.printProgress); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "\nuploaded %s\n", name)
	return a.list(ctx)
}

func (a *App) printProgress(percent int) {
	fmt.Fprintf(a.out, "\r%3d%%", percent)
}
