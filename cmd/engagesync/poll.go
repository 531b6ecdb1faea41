package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/engagesync/internal/accounts"
	"github.com/agentworkforce/engagesync/internal/config"
	"github.com/agentworkforce/engagesync/internal/controlplane"
)

var errReauthenticate = errors.New("control plane rejected the credential; log in again")

func newPollCommand(opts *rootOptions) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Re-run account reconciliation on an interval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, a *app, _ controlplane.Credential) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				err := runPoll(ctx, a.refreshOnce, pollOptions{
					Interval: a.cfg.PollInterval,
					Jitter:   a.cfg.PollJitter,
					Timeout:  a.cfg.RequestTimeout,
					Once:     once,
					Logger:   a.logger,
				})
				if errors.Is(err, errReauthenticate) {
					return &exitError{code: exitAuthFailed, err: err}
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run one reconciliation and exit")
	return cmd
}

// refreshOnce reconciles with the session credential. A rejected credential
// is re-exchanged once when the session still holds a username and password.
func (a *app) refreshOnce(ctx context.Context) error {
	cred, err := a.session.Current()
	if err != nil {
		return err
	}
	view, err := a.reconciler.Refresh(ctx, cred)
	if errors.Is(err, accounts.ErrCredentialsInvalid) && cred.CanReexchange() {
		a.logger.Printf("credential rejected, re-running login exchange")
		if cred, err = a.session.Reauthenticate(ctx, a.client); err != nil {
			return err
		}
		view, err = a.reconciler.Refresh(ctx, cred)
	}
	if err != nil {
		return err
	}
	a.logger.Printf("reconciled %d account(s)", len(view.Accounts))
	return nil
}

type pollOptions struct {
	Interval time.Duration
	Jitter   float64
	Timeout  time.Duration
	Once     bool
	Logger   Logger
	// Sample returns a value in [0, 1) used to jitter the interval.
	Sample func() float64
}

type Logger interface {
	Printf(format string, args ...any)
}

// runPoll calls refresh every interval ± jitter until ctx is done. Transient
// failures retry sooner with exponential backoff capped at the interval.
// A rejected credential ends the loop with errReauthenticate.
func runPoll(ctx context.Context, refresh func(context.Context) error, opts pollOptions) error {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = controlplane.DefaultTimeout
	}
	if opts.Sample == nil {
		opts.Sample = rand.Float64
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	backoff := controlplane.Backoff{Base: 100 * time.Millisecond, Max: opts.Interval}

	failures := 0
	for {
		runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		err := refresh(runCtx)
		cancel()

		var delay time.Duration
		switch {
		case err == nil:
			failures = 0
			if opts.Once {
				return nil
			}
			delay = jitteredIntervalWithSample(opts.Interval, opts.Jitter, opts.Sample())
		case controlplane.IsAuthRejected(err) || errors.Is(err, accounts.ErrCredentialsInvalid):
			return fmt.Errorf("%w: %w", errReauthenticate, err)
		case ctx.Err() != nil:
			return nil
		case opts.Once:
			return err
		case controlplane.Retryable(err) || errors.Is(err, accounts.ErrTransientFailure):
			failures++
			delay = backoff.Delay(failures, err)
			opts.Logger.Printf("reconcile failed (attempt %d), retrying in %s: %v", failures, delay, err)
		default:
			failures = 0
			delay = jitteredIntervalWithSample(opts.Interval, opts.Jitter, opts.Sample())
			opts.Logger.Printf("reconcile failed: %v", err)
		}

		if err := controlplane.Wait(ctx, delay); err != nil {
			opts.Logger.Printf("poll stopping: %v", err)
			return nil
		}
	}
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = config.ClampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
