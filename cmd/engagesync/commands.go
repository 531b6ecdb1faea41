package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/engagesync/internal/accounts"
	"github.com/agentworkforce/engagesync/internal/controlplane"
	"github.com/agentworkforce/engagesync/internal/rules"
)

// withSession builds the app, logs in and runs fn. AuthRejected maps to its
// own exit code.
func withSession(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app, cred controlplane.Credential) error) error {
	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cred, err := a.login(ctx, opts)
	if err == nil {
		err = fn(ctx, a, cred)
	}
	if controlplane.IsAuthRejected(err) {
		return &exitError{code: exitAuthFailed, err: fmt.Errorf("control plane rejected the credential, log in again: %w", err)}
	}
	return err
}

func newAccountsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "List and manage connected accounts",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Reconcile and list connected accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, a *app, cred controlplane.Credential) error {
				view, err := a.reconciler.Refresh(ctx, cred)
				if err != nil && !errors.Is(err, accounts.ErrTransientFailure) {
					return err
				}
				if view.Stale {
					fmt.Fprintln(cmd.ErrOrStderr(), "control plane unreachable, showing cached accounts")
				}
				return newPrinter(cmd, opts).print(view, func(w io.Writer) {
					printAccounts(w, view.Accounts)
				})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an account from the local cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.store.Remove(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Empty the local account cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.store.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "account cache cleared")
			return nil
		},
	})
	return cmd
}

func printAccounts(w io.Writer, list []accounts.ConnectedAccount) {
	if len(list) == 0 {
		fmt.Fprintln(w, "no connected accounts")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPLATFORM\tUSERNAME\tLABEL")
	for _, account := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", account.ID, account.Platform, account.Username, account.Label)
	}
	_ = tw.Flush()
}

func newRulesCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage automation rules",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List automation rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, a *app, cred controlplane.Credential) error {
				list, mode, err := a.rules.List(ctx, cred)
				if err != nil {
					return err
				}
				return newPrinter(cmd, opts).print(map[string]any{"rules": list, "mode": mode}, func(w io.Writer) {
					printRules(w, list, mode)
				})
			})
		},
	})

	var specFile string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a rule from a JSON spec (--file, or - for stdin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := readRuleSpec(cmd, specFile)
			if err != nil {
				return err
			}
			return withSession(cmd, opts, func(ctx context.Context, a *app, cred controlplane.Credential) error {
				rule, mode, err := a.rules.Create(ctx, cred, spec)
				if err != nil {
					return err
				}
				return newPrinter(cmd, opts).print(map[string]any{"rule": rule, "mode": mode}, func(w io.Writer) {
					fmt.Fprintf(w, "created %s %q (%s)\n", rule.ID, rule.Name, mode)
				})
			})
		},
	}
	create.Flags().StringVarP(&specFile, "file", "f", "-", "rule spec JSON file")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:       "toggle <id> on|off",
		Short:     "Enable or disable a rule",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled, err := parseOnOff(args[1])
			if err != nil {
				return err
			}
			return withSession(cmd, opts, func(ctx context.Context, a *app, cred controlplane.Credential) error {
				rule, mode, err := a.rules.Toggle(ctx, cred, args[0], enabled)
				if err != nil {
					return err
				}
				return newPrinter(cmd, opts).print(map[string]any{"rule": rule, "mode": mode}, func(w io.Writer) {
					fmt.Fprintf(w, "%s enabled=%t (%s)\n", rule.ID, rule.Enabled, mode)
				})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, a *app, cred controlplane.Credential) error {
				mode, err := a.rules.Delete(ctx, cred, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s (%s)\n", args[0], mode)
				return nil
			})
		},
	})
	return cmd
}

func readRuleSpec(cmd *cobra.Command, path string) (rules.RuleSpec, error) {
	var (
		raw []byte
		err error
	)
	if path == "" || path == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return rules.RuleSpec{}, fmt.Errorf("read rule spec: %w", err)
	}
	return decodeRuleSpec(raw)
}

func decodeRuleSpec(raw []byte) (rules.RuleSpec, error) {
	var spec rules.RuleSpec
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return rules.RuleSpec{}, fmt.Errorf("decode rule spec: %w", err)
	}
	return spec, nil
}

func parseOnOff(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "on", "true", "enable", "enabled":
		return true, nil
	case "off", "false", "disable", "disabled":
		return false, nil
	default:
		return false, fmt.Errorf("expected on or off, got %q", value)
	}
}

func printRules(w io.Writer, list []rules.AutomationRule, mode rules.Mode) {
	if len(list) == 0 {
		fmt.Fprintf(w, "no rules (%s)\n", mode)
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tENABLED\tTODAY")
	for _, rule := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\n", rule.ID, rule.Name, rule.Type, rule.Enabled, rule.Stats.ActionsToday)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "(%s)\n", mode)
}

func newStartCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start automation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, a *app, cred controlplane.Credential) error {
				mode, err := a.rules.Start(ctx, cred)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "automation started (%s)\n", mode)
				return nil
			})
		},
	}
}

func newStopCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop automation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, a *app, cred controlplane.Credential) error {
				mode, err := a.rules.Stop(ctx, cred)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "automation stopped (%s)\n", mode)
				return nil
			})
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the automation run state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, a *app, cred controlplane.Credential) error {
				status, mode, err := a.rules.Status(ctx, cred)
				if err != nil {
					return err
				}
				return newPrinter(cmd, opts).print(map[string]any{"status": status, "mode": mode}, func(w io.Writer) {
					fmt.Fprintf(w, "running:       %t\n", status.Running)
					fmt.Fprintf(w, "active rules:  %d\n", status.ActiveRuleCount)
					fmt.Fprintf(w, "actions today: %d\n", status.ActionsToday)
					fmt.Fprintf(w, "accounts:      %s\n", strings.Join(status.ConnectedAccounts, ", "))
					fmt.Fprintf(w, "source:        %s\n", mode)
					for _, pacing := range status.Pacing {
						remaining := "unlimited"
						if pacing.RemainingToday >= 0 {
							remaining = strconv.Itoa(pacing.RemainingToday)
						}
						fmt.Fprintf(w, "  rule %s: %s left today, next in %ds\n", pacing.RuleID, remaining, pacing.NextDelaySeconds)
					}
				})
			})
		},
	}
}

func newActivateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "activate <username>",
		Short: "Make a connected account the one automation runs as",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, a *app, cred controlplane.Credential) error {
				activation, err := a.rules.Activate(ctx, cred, args[0])
				if err != nil {
					return err
				}
				return newPrinter(cmd, opts).print(activation, func(w io.Writer) {
					fmt.Fprintf(w, "%s ready via %s (%s)\n", activation.Username, activation.Method, activation.Mode)
				})
			})
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
