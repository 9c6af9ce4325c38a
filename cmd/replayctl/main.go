// SPDX-License-Identifier: Apache-2.0

// Command replayctl drives a running replayd over its control API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	root := newRootCmd(os.Stdin, os.Stdout, interactive)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "replayctl:", err)
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == 409 {
			os.Exit(3)
		}
		os.Exit(1)
	}
}

type cli struct {
	addr        string
	token       string
	jsonOut     bool
	in          io.Reader
	out         io.Writer
	interactive bool
}

func (c *cli) client() *apiClient { return newAPIClient(c.addr, c.token) }

func newRootCmd(in io.Reader, out io.Writer, interactive bool) *cobra.Command {
	c := &cli{in: in, out: out, interactive: interactive}

	root := &cobra.Command{
		Use:           "replayctl",
		Short:         "Record and replay browser workflows through replayd",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildDate),
	}
	root.SetIn(in)
	root.SetOut(out)

	addr := os.Getenv("REPLAYCTL_ADDR")
	if addr == "" {
		addr = "http://127.0.0.1:8090"
	}
	root.PersistentFlags().StringVar(&c.addr, "addr", addr, "replayd control API address")
	root.PersistentFlags().StringVar(&c.token, "token", os.Getenv("CONTROL_TOKEN"), "control API bearer token")
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "print raw JSON responses")

	root.AddCommand(
		c.workflowsCmd(),
		c.teachCmd(),
		c.runCmd(),
		c.stopCmd(),
		c.statusCmd(),
		c.recoverCmd(),
		c.watchCmd(),
	)
	return root
}
