package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/parley/internal/config"
	"github.com/haasonsaas/parley/internal/errkind"
	"github.com/haasonsaas/parley/internal/pipeline"
	"github.com/haasonsaas/parley/internal/safety"
	"github.com/haasonsaas/parley/internal/sessions"
)

// runChat reads messages from stdin and prints replies until EOF or "/quit".
func runChat(cmd *cobra.Command, configPath, sessionID string, autoYes bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	a.startBackground(ctx)

	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session %s. Type /quit to exit.\n", sessionID)

	in := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, "> ")
		if !in.Scan() {
			fmt.Fprintln(out)
			return in.Err()
		}
		line := strings.TrimSpace(in.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}
		if err := chatTurn(ctx, a.pipeline, in, out, sessionID, line, autoYes); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// chatTurn sends one message, asking for confirmation when the action
// requires it. Request failures are printed, not returned.
func chatTurn(ctx context.Context, p *pipeline.Pipeline, in *bufio.Scanner, out io.Writer, sessionID, text string, autoYes bool) error {
	outcome, err := p.Handle(ctx, sessionID, text, time.Time{})
	if err != nil {
		fmt.Fprintln(out, errkind.UserMessage(err))
		return nil
	}
	if outcome.NeedsConfirmation {
		fmt.Fprintln(out, outcome.Text)
		if !autoYes {
			fmt.Fprint(out, "Proceed? [y/N] ")
			if !in.Scan() {
				return in.Err()
			}
			answer := strings.ToLower(strings.TrimSpace(in.Text()))
			if answer != "y" && answer != "yes" {
				fmt.Fprintln(out, "Cancelled.")
				return nil
			}
		}
		outcome, err = p.Handle(pipeline.WithConfirmation(ctx), sessionID, text, time.Time{})
		if err != nil {
			fmt.Fprintln(out, errkind.UserMessage(err))
			return nil
		}
	}
	fmt.Fprintln(out, outcome.Text)
	return nil
}

// runClassify prints the safety decision for the joined arguments.
func runClassify(cmd *cobra.Command, configPath string, args []string, asJSON bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	table, err := cfg.Safety.Table()
	if err != nil {
		return err
	}

	decision := safety.New(table).Decide(strings.Join(args, " "))
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(decision)
	}
	fmt.Fprintf(out, "%s\t(rule: %s)\n", decision.Tier, decision.Rule)
	return nil
}

// runServe serves the HTTP API until interrupted.
func runServe(cmd *cobra.Command, configPath, addr string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	a.startBackground(ctx)

	if addr == "" {
		addr = cfg.Observability.MetricsAddr
	}
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(a.pipeline, a.store, a.registry, a.logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Retry.Deadline + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server listening", "addr", addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// openSessionStore opens only the storage layer for inspection commands.
func openSessionStore(configPath string) (sessions.Store, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Storage.Driver == config.DriverMemory {
		return nil, nil, fmt.Errorf("storage driver %q keeps no sessions between runs", cfg.Storage.Driver)
	}
	store, err := openStore(cfg.Storage)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {}
	if c, ok := store.(*sessions.SQLStore); ok {
		closeFn = func() { _ = c.Close() }
	}
	return store, closeFn, nil
}

func runSessionsShow(cmd *cobra.Command, configPath, id string) error {
	store, closeFn, err := openSessionStore(configPath)
	if err != nil {
		return err
	}
	defer closeFn()

	state, err := store.Get(cmd.Context(), id)
	if errors.Is(err, sessions.ErrNotFound) {
		return fmt.Errorf("session %s not found", id)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session:     %s\n", state.ID)
	fmt.Fprintf(out, "Created:     %s\n", state.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Last active: %s\n", state.LastActive.Format(time.RFC3339))
	fmt.Fprintf(out, "Credential:  %s\n", state.Credential.Kind)
	fmt.Fprintf(out, "Archived:    %d of %d turns\n", state.ArchiveCursor, len(state.Turns))
	if state.ArchiveSummary != "" {
		fmt.Fprintf(out, "\nSummary:\n%s\n", state.ArchiveSummary)
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tROLE\tTIME\tTEXT")
	for i, t := range state.Unarchived() {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", state.ArchiveCursor+i, t.Role, t.Timestamp.Format(time.TimeOnly), truncate(t.Text, 80))
	}
	return w.Flush()
}

func runSessionsList(cmd *cobra.Command, configPath string, limit int) error {
	store, closeFn, err := openSessionStore(configPath)
	if err != nil {
		return err
	}
	defer closeFn()

	list, err := store.List(cmd.Context(), sessions.ListOptions{Limit: limit})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No sessions found.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTURNS\tARCHIVED\tLAST ACTIVE")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", s.ID, len(s.Turns), s.ArchiveCursor, s.LastActive.Format(time.RFC3339))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}
