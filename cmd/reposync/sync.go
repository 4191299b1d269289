package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/hashicorp/go-hclog"
	"github.com/mattn/go-isatty"
	"github.com/mitchellh/cli"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/terrasync/reposync/internal/config"
	"github.com/terrasync/reposync/internal/fs"
	"github.com/terrasync/reposync/internal/repository"
	"github.com/terrasync/reposync/internal/resultcode"
	"github.com/terrasync/reposync/internal/transport"
)

// SyncCommand is the `reposync sync` subcommand: it loads configuration,
// runs one Update/Process cycle to completion, and reports progress to the
// terminal while doing so.
type SyncCommand struct {
	UI     cli.Ui
	Logger hclog.Logger
}

// Run executes the sync command.
func (c *SyncCommand) Run(args []string) int {
	cmd := c.getCmd()
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		c.UI.Error(color.RedString("sync failed: %v", err))
		return 1
	}
	return 0
}

// Help returns usage information for the sync command.
func (c *SyncCommand) Help() string { return c.getCmd().UsageString() }

// Synopsis of the sync command.
func (c *SyncCommand) Synopsis() string { return c.getCmd().Short }

type syncOpts struct {
	configPath string
	timeout    time.Duration
}

func addSyncFlags(opts *syncOpts, flags *pflag.FlagSet) {
	flags.StringVar(&opts.configPath, "config-dir", "", "Additional directory to search for reposync.yaml")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Minute, "Abort the sync if it hasn't finished within this long")
}

func (c *SyncCommand) getCmd() *cobra.Command {
	opts := &syncOpts{}
	cmd := &cobra.Command{
		Use:           "sync",
		Short:         "Mirror the configured repository into its local root",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(opts)
		},
	}
	addSyncFlags(opts, cmd.Flags())
	return cmd
}

func (c *SyncCommand) run(opts *syncOpts) error {
	var searchPaths []string
	if opts.configPath != "" {
		searchPaths = append(searchPaths, opts.configPath)
	}
	cfg, err := config.Load(searchPaths...)
	if err != nil {
		return errors.Wrap(err, "loading config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid config")
	}

	root := fs.UnsafeToAbsolutePath(cfg.Root)
	client := transport.NewDefaultHTTPClient(c.Logger, 0)
	defer client.Close()

	repo, err := repository.New(root, client, c.Logger)
	if err != nil {
		return errors.Wrap(err, "opening repository")
	}
	defer repo.Close()

	repo.SetBaseURL(cfg.BaseURL)
	if cfg.InstalledCopyPath != "" {
		repo.SetInstalledCopyPath(fs.UnsafeToAbsolutePath(cfg.InstalledCopyPath))
	}
	filter, err := cfg.BuildFilter()
	if err != nil {
		return errors.Wrap(err, "building filter")
	}
	repo.SetFilter(filter)

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	c.UI.Output(fmt.Sprintf("Syncing %s -> %s", cfg.BaseURL, cfg.Root))
	repo.Update()

	stopProgress := c.trackProgress(repo)
	err = repo.Process(ctx)
	stopProgress()

	if err != nil {
		return errors.Wrap(err, "sync aborted")
	}

	failure := repo.Failure()
	if failure != resultcode.NoError {
		for _, f := range repo.Failures() {
			c.UI.Warn(color.YellowString("  %s: %s", f.Path, f.Code))
		}
		return fmt.Errorf("sync finished with errors: %s", failure)
	}

	c.UI.Output(color.GreenString("sync complete (%d bytes)", repo.BytesDownloaded()))
	return nil
}

// trackProgress renders either a byte-accurate progress bar (once the total
// is known) or an indeterminate spinner (while it isn't) to a real
// terminal, and stays silent when stdout isn't one. It returns a function
// to call once Process has returned.
func (c *SyncCommand) trackProgress(repo *repository.Repository) func() {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return func() {}
	}

	s := spinner.New(spinner.CharSets[11], 100*time.Millisecond)
	s.Prefix = "discovering repository contents "
	s.Start()

	var bar *progressbar.ProgressBar
	done := make(chan struct{})
	ticker := time.NewTicker(150 * time.Millisecond)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				total := repo.BytesToDownload()
				if total > 0 && bar == nil {
					s.Stop()
					bar = progressbar.DefaultBytes(total, "syncing")
				}
				if bar != nil {
					bar.Set64(repo.BytesDownloaded())
				}
			case <-done:
				if bar != nil {
					bar.Finish()
				} else {
					s.Stop()
				}
				return
			}
		}
	}()

	return func() { close(done) }
}
