package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/engagesync/internal/controlplane"
	"github.com/agentworkforce/engagesync/internal/oauth"
)

func newConnectCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Connect a Reddit account through the OAuth handshake",
		Long: `Connect serves the callback surface locally, prints the authorization URL
and waits until the handshake completes, fails or times out. Interrupting
the command abandons the handshake.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, a *app, cred controlplane.Credential) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				gin.SetMode(gin.ReleaseMode)
				serveCtx, stopServing := context.WithCancel(context.Background())
				served := make(chan error, 1)
				go func() { served <- serveUntilDone(serveCtx, a.cfg.ListenAddr, a.server()) }()
				defer func() {
					stopServing()
					<-served
				}()

				out := cmd.OutOrStdout()
				surface := oauth.NewDetachedSurface(func(_ context.Context, authorizationURL string) error {
					fmt.Fprintf(out, "Open this URL to authorize:\n\n  %s\n\n", authorizationURL)
					return nil
				})
				attempt, err := a.coordinator.Start(ctx, cred, surface)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "waiting for the callback on %s\n", a.coordinator.CallbackURL())

				select {
				case <-attempt.Done():
				case err := <-served:
					_ = a.coordinator.Cancel(attempt.StateToken())
					served <- err
					return fmt.Errorf("callback surface stopped: %w", err)
				case <-ctx.Done():
					_ = a.coordinator.Cancel(attempt.StateToken())
				}
				snapshot, err := attempt.Wait(context.Background())
				if err != nil {
					return err
				}
				if snapshot.Status != oauth.StateCompleted {
					return fmt.Errorf("handshake %s: %s", snapshot.Status, snapshot.Reason)
				}

				view, err := a.reconciler.Refresh(context.Background(), cred)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "account list may be stale: %v\n", err)
				}
				return newPrinter(cmd, opts).print(snapshot, func(w io.Writer) {
					if snapshot.Account != nil {
						fmt.Fprintf(w, "connected %s\n", snapshot.Account.Username)
					} else {
						fmt.Fprintln(w, "connected")
					}
					printAccounts(w, view.Accounts)
				})
			})
		},
	}
}
