// sigpatch patches resolution values into game executables by byte signature.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/lundberg/sigpatch/internal/cli"
	"github.com/lundberg/sigpatch/internal/config"
	"github.com/lundberg/sigpatch/internal/patch"
	"github.com/lundberg/sigpatch/internal/server"
)

func main() {
	// Ctrl+C cancels a pending apply before its first write and stops serve
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := cli.ParseArgs(args)
	if err != nil {
		if errors.Is(err, cli.ErrHelp) {
			cli.PrintUsage(stderr)
			return nil
		}
		return err
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	exec := patch.NewExecutor(logger)

	// restore works from undo files alone and needs no config
	if cfg.Command == cli.CmdRestore {
		if err := exec.Undo(ctx, cfg.UndoFiles); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "restored %s\n", strings.Join(cfg.UndoFiles, ", "))
		return nil
	}

	defs, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return err
	}
	logger.Debug("loaded config", "path", cfg.ConfigPath, "version", defs.Version, "apps", len(defs.Apps))

	switch cfg.Command {
	case cli.CmdList:
		list(stdout, defs)
		return nil
	case cli.CmdServe:
		return serve(ctx, cfg, defs, exec, logger, stdout, stderr)
	}

	app, err := defs.App(cfg.App)
	if err != nil {
		return err
	}
	set := app.PatchSet(cfg.Dir)

	switch cfg.Command {
	case cli.CmdShow:
		show(stdout, app, set)
		return nil

	case cli.CmdLocate:
		locs, err := exec.Locate(ctx, set)
		if err != nil {
			return err
		}
		for _, l := range locs {
			selected := "none"
			if l.Selected >= 0 {
				selected = fmt.Sprintf("%#x", l.Selected)
			}
			fmt.Fprintf(stdout, "%s: %s: %d match(es), occurrence %d at %s\n",
				l.Descriptor, l.TargetFile, len(l.Positions), l.Occurrence, selected)
		}
		return nil

	case cli.CmdApply:
		if err := app.Check(cfg.Dir); err != nil {
			return err
		}
		applied, err := exec.Apply(ctx, set, cfg.Values())
		if err != nil {
			return err
		}
		for _, e := range applied.Edits {
			for _, w := range e.Writes {
				fmt.Fprintf(stdout, "%s: %s at %#x: % X -> % X\n", e.Descriptor, e.TargetFile, w.Position, w.Original, w.Patched)
			}
		}
		fmt.Fprintf(stdout, "patched %s, undo with: sigpatch undo %q\n", app.Name, app.Name)
		return nil

	case cli.CmdUndo:
		if err := exec.UndoSet(ctx, set); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "restored %s\n", app.Name)
		return nil
	}
	return fmt.Errorf("unknown command %q", cfg.Command)
}

func list(w io.Writer, defs *config.Config) {
	for _, name := range defs.Apps {
		fmt.Fprintln(w, name)
	}
}

func show(w io.Writer, app *config.App, set patch.PatchSet) {
	fmt.Fprintln(w, app.Name)
	if app.Details != "" {
		fmt.Fprintf(w, "  details:   %s\n", app.Details)
	}
	if app.CheckFile != "" {
		fmt.Fprintf(w, "  checkfile: %s\n", app.CheckFile)
	}
	for _, d := range set.Descriptors {
		fmt.Fprintf(w, "  %s\n", d.Name)
		fmt.Fprintf(w, "    file:       %s\n", d.TargetFile)
		fmt.Fprintf(w, "    undo:       %s\n", d.UndoFile)
		fmt.Fprintf(w, "    signature:  %s\n", d.Signature)
		fmt.Fprintf(w, "    occurrence: %d\n", d.Occurrence)
		for _, f := range d.Fields {
			fmt.Fprintf(w, "    %s: offset %d, %s\n", f.Axis, f.Offset, f.Source)
		}
	}
}

func serve(ctx context.Context, cfg *cli.Config, defs *config.Config, exec *patch.Executor, logger *slog.Logger, stdout, stderr io.Writer) error {
	// Listen on a port to get the actual address (handles port=0 auto-select)
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	actualPort := ln.Addr().(*net.TCPAddr).Port
	url := fmt.Sprintf("http://%s", net.JoinHostPort(cfg.Host, strconv.Itoa(actualPort)))

	fmt.Fprintf(stdout, "Listening on %s\n", url)
	if cfg.Host != "localhost" && cfg.Host != "127.0.0.1" {
		fmt.Fprintln(stderr, "WARNING: sigpatch is not designed for public access. It modifies files in the game directory without authentication.")
	}
	fmt.Fprintln(stdout, "Press Ctrl+C to stop")

	srv := server.New(defs, cfg.Dir, exec, logger)
	httpServer := &http.Server{Handler: srv.Handler()}

	go func() {
		<-ctx.Done()
		fmt.Fprintln(stdout, "\nShutting down...")
		_ = httpServer.Close()
	}()

	if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
