package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nikiz24/callmon"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the switches and counters of a running engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			status, err := opts.client().Status(ctx)
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), status, opts.json)
		},
	}
}

func newEnableCmd(opts *rootOptions, enable bool) *cobra.Command {
	use, short := "enable", "Turn call monitoring on"
	if !enable {
		use, short = "disable", "Turn call monitoring off; intercepted calls run untouched"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			status, err := opts.client().SetEnabled(ctx, enable)
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), status, opts.json)
		},
	}
}

func newTracingCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "tracing on|off",
		Short:     "Toggle per-call trace lines in the engine log",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			status, err := opts.client().SetTracing(ctx, args[0] == "on")
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), status, opts.json)
		},
	}
}

func newBackendsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List the registered monitoring backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			resp, err := opts.client().Backends(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return writeJSON(out, resp)
			}
			for _, b := range resp.Backends {
				marker := " "
				if b.Active {
					marker = "*"
				}
				fmt.Fprintf(out, "%s %-12s %s\n", marker, b.Key, b.Description)
			}
			return nil
		},
	}
}

func newUseCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "use KEY",
		Short: "Swap the active monitoring backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			status, err := opts.client().SetActiveBackend(ctx, args[0])
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), status, opts.json)
		},
	}
}

func newPurposeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purpose TEXT",
		Short: "Label what the current monitoring session is for",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			status, err := opts.client().SetPurpose(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), status, opts.json)
		},
	}
}

func printStatus(w io.Writer, s callmon.Status, asJSON bool) error {
	if asJSON {
		return writeJSON(w, s)
	}
	purpose := s.Purpose
	if purpose == "" {
		purpose = "-"
	}
	fmt.Fprintf(w, "purpose:          %s\n", purpose)
	fmt.Fprintf(w, "enabled:          %t\n", s.Enabled)
	fmt.Fprintf(w, "tracing:          %t\n", s.Tracing)
	fmt.Fprintf(w, "active backend:   %s (%s)\n", s.ActiveBackend, s.Description)
	fmt.Fprintf(w, "valid backends:   %s\n", strings.Join(s.ValidBackends, ", "))
	fmt.Fprintf(w, "open contexts:    %d\n", s.OpenContexts)
	fmt.Fprintf(w, "calls:            %d\n", s.Calls)
	fmt.Fprintf(w, "backend failures: %d\n", s.BackendFailures)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
