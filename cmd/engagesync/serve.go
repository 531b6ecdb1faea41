package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/engagesync/internal/accounts"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local API and the OAuth callback surface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if _, err := resolveCredential(opts); err == nil {
				if _, err := a.login(ctx, opts); err != nil {
					log.Printf("initial login failed, waiting for POST /v1/session: %v", err)
				}
			}

			gin.SetMode(gin.ReleaseMode)
			server := a.server()
			if a.cfg.WatchCache && a.cachePath != "" {
				go func() {
					if err := accounts.WatchFile(ctx, a.cachePath, server.NotifyAccountsChanged, a.logger); err != nil {
						log.Printf("account cache watch stopped: %v", err)
					}
				}()
			}
			return serveUntilDone(ctx, a.cfg.ListenAddr, server)
		},
	}
}

// serveUntilDone serves handler on addr until ctx is done, then shuts down.
func serveUntilDone(ctx context.Context, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	httpServer := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("engagesync listening on %s", ln.Addr())
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
