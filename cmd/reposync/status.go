package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/terrasync/reposync/internal/config"
	"github.com/terrasync/reposync/internal/daemon"
	"github.com/terrasync/reposync/internal/fs"
)

// StatusCommand is the `reposync status` subcommand: it dials a running
// `reposync daemon` over its unix socket and prints the SyncStatus reply.
type StatusCommand struct {
	UI     cli.Ui
	Logger hclog.Logger
}

// Run executes the status command.
func (c *StatusCommand) Run(args []string) int {
	cmd := c.getCmd()
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		c.UI.Error(color.RedString("status unavailable: %v", err))
		return 1
	}
	return 0
}

// Help returns usage information for the status command.
func (c *StatusCommand) Help() string { return c.getCmd().UsageString() }

// Synopsis of the status command.
func (c *StatusCommand) Synopsis() string { return c.getCmd().Short }

func (c *StatusCommand) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Report the status of a running reposync daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run()
		},
	}
}

func (c *StatusCommand) run() error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "loading config")
	}
	root := fs.UnsafeToAbsolutePath(cfg.Root)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, closeFn, err := daemon.DialClient(ctx, root)
	if err != nil {
		return errors.Wrap(err, "no daemon running for this repository")
	}
	defer closeFn()

	reply, err := client.SyncStatus(ctx, &daemon.SyncStatusRequest{})
	if err != nil {
		return errors.Wrap(err, "querying sync status")
	}

	if reply.Syncing {
		c.UI.Output(fmt.Sprintf("syncing: %d/%d bytes", reply.BytesDownloaded, reply.BytesToDownload))
	} else {
		c.UI.Output(fmt.Sprintf("idle (last result: %s)", reply.Failure))
	}
	for _, f := range reply.Failures {
		c.UI.Warn(color.YellowString("  %s: %s", f.Path, f.Code))
	}
	return nil
}
