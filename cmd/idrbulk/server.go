package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/idrbulk/internal/api"
)

const (
	defaultAddr      = "127.0.0.1:8765"
	taskRetention    = time.Hour
	pruneInterval    = 10 * time.Minute
	shutdownTimeout  = 5 * time.Second
	defaultRetention = 30 * 24 * time.Hour
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the local HTTP API",
	Long: `Serve the local HTTP API: start bulk updates as background batches, poll
their progress, and manage comments and assignees. Every route except
/health and /metrics needs "Authorization: Bearer <token>".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		token, _ := cmd.Flags().GetString("token")
		retain, _ := cmd.Flags().GetDuration("retain")
		if token == "" {
			token = os.Getenv("IDRBULK_API_TOKEN")
		}
		return runServer(cmd.Context(), addr, token, retain)
	},
}

func init() {
	serveCmd.Flags().String("addr", defaultAddr, "listen address")
	serveCmd.Flags().String("token", "", "bearer token (default $IDRBULK_API_TOKEN, else generated)")
	serveCmd.Flags().Duration("retain", defaultRetention, "drop audit records older than this at startup (0 keeps everything)")
}

func runServer(ctx context.Context, addr, token string, retain time.Duration) error {
	fmt.Fprintf(os.Stderr, "idrbulk version %s\n", version)

	rt, err := newRuntime(runtimeOpts{audit: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	if n, err := rt.audit.MarkInterrupted(); err != nil {
		return fmt.Errorf("recovering audit log: %w", err)
	} else if n > 0 {
		printWarning("%d batches from a previous run were interrupted", n)
	}
	if retain > 0 {
		if n, err := rt.audit.PruneBatches(time.Now().Add(-retain)); err != nil {
			slog.Warn("pruning audit log failed", "error", err)
		} else if n > 0 {
			slog.Info("pruned audit log", "batches", n)
		}
	}

	if token == "" {
		token = uuid.NewString()
		printStatus("Token", "%s", token)
	}

	handler := api.NewAppHandler(api.AppDeps{
		Config:         rt.cfg,
		Investigations: rt.client,
		Comments:       rt.comments,
		Batches:        rt.batches,
		Token:          token,
		Metrics:        rt.metrics.Handler(),
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		t := time.NewTicker(pruneInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				rt.batches.Prune(taskRetention)
			}
		}
	}()

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		printSuccess("idrbulk listening on %s (region %s)", addr, rt.client.Region())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Stop accepting batches first. The deferred Close then drains running
	// ones so their in-flight items are recorded before the audit log closes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(runtimeOpts{audit: true})
		if err != nil {
			return err
		}
		defer rt.Close()

		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Config:         rt.cfg,
			Investigations: rt.client,
			Comments:       rt.comments,
			Batches:        rt.batches,
			Version:        version,
		})
		slog.Info("MCP server started (stdio transport)")
		stdio := server.NewStdioServer(mcpSrv)
		if err := stdio.Listen(cmd.Context(), os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		return nil
	},
}
