// Command callmonctl hosts a call monitoring engine and drives a running one
// over its management API.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nikiz24/callmon/mgmt"
)

const defaultAddr = "http://127.0.0.1:9464"

type rootOptions struct {
	addr    string
	timeout time.Duration
	json    bool
}

func (o *rootOptions) client() *mgmt.Client {
	return mgmt.NewClient(o.addr, nil)
}

func (o *rootOptions) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "callmonctl",
		Short: "Host and control a call monitoring engine",
		Long: `callmonctl runs a call monitoring engine with its management API (serve)
and changes the switches of a running engine: enable or disable monitoring,
toggle tracing, swap the active backend and label the session.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.addr, "addr", defaultAddr, "management API base URL")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&opts.json, "json", false, "print responses as JSON")

	rootCmd.AddCommand(
		newServeCmd(),
		newStatusCmd(opts),
		newEnableCmd(opts, true),
		newEnableCmd(opts, false),
		newTracingCmd(opts),
		newBackendsCmd(opts),
		newUseCmd(opts),
		newPurposeCmd(opts),
	)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
