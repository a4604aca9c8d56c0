package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"backfill/internal/api"
	"backfill/internal/mcp"
	"backfill/internal/testsite"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			svc, closeSvc, err := a.openService(ctx)
			if err != nil {
				return err
			}
			defer closeSvc()

			server := &http.Server{
				Addr:              a.cfg.Server.Addr,
				Handler:           api.NewServer(svc, a.logger).Echo(),
				ReadHeaderTimeout: 15 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			return listen(ctx, a, server)
		},
	}
	cmd.Flags().String("addr", "", "listen address (default: server.addr)")
	if err := a.v.BindPFlag("server.addr", cmd.Flags().Lookup("addr")); err != nil {
		panic(err)
	}
	return cmd
}

// listen serves until ctx ends, then drains for up to shutdownTimeout.
func listen(ctx context.Context, a *app, server *http.Server) error {
	serverErrors := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", "address", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				a.logger.Error("server close error", "error", err)
			}
		}
		a.logger.Info("server stopped gracefully")
		return nil
	}
}

func newMCPCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			svc, closeSvc, err := a.openService(ctx)
			if err != nil {
				return err
			}
			defer closeSvc()

			a.logger.Info("mcp server starting on stdio")
			err = mcp.NewServer(svc, version, a.logger).Serve(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func newTestsiteCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "testsite",
		Short: "Serve the demo storefront for trying journeys locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			server := &http.Server{
				Addr:              addr,
				Handler:           testsite.NewServer().Handler(),
				ReadHeaderTimeout: 15 * time.Second,
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Test shop listening on http://%s\n", displayAddr(addr))
			fmt.Fprintln(cmd.OutOrStdout(), "Pages: / /shop /catalog /checkout /thanks /delay/{ms}; events at GET /visits")
			return listen(cmd.Context(), a, server)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8081", "listen address")
	return cmd
}

func displayAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}
