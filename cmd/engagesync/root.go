package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"
)

const (
	exitFailure    = 1
	exitAuthFailed = 3
)

var validFormats = []string{"text", "json"}

type rootOptions struct {
	configPath string
	token      string
	username   string
	password   string
	format     string
}

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "engagesync",
		Short:         "Reconcile connected social accounts and automation rules with the ADTASK control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.format, validFormats)
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default ./engagesync.yaml when present)")
	flags.StringVar(&opts.token, "token", "", "bearer token (or ENGAGESYNC_TOKEN)")
	flags.StringVar(&opts.username, "username", "", "control plane username (or ENGAGESYNC_USERNAME)")
	flags.StringVar(&opts.password, "password", "", "control plane password (or ENGAGESYNC_PASSWORD)")
	flags.StringVar(&opts.format, "format", "text", "output format (text|json)")

	cmd.AddCommand(
		newServeCommand(opts),
		newAccountsCommand(opts),
		newConnectCommand(opts),
		newRulesCommand(opts),
		newStartCommand(opts),
		newStopCommand(opts),
		newStatusCommand(opts),
		newActivateCommand(opts),
		newPollCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

// printer writes a result as JSON or through a text renderer.
type printer struct {
	format string
	out    io.Writer
}

func newPrinter(cmd *cobra.Command, opts *rootOptions) printer {
	return printer{format: opts.format, out: cmd.OutOrStdout()}
}

func (p printer) print(data any, text func(w io.Writer)) error {
	if p.format == "json" {
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}
	text(p.out)
	return nil
}
