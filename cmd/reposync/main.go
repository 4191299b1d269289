// Command reposync mirrors a content-addressed HTTP repository into a
// local directory tree. Its daemon subcommand serves a SyncStatus RPC that
// the status subcommand queries; the daemon opens its own Repository over
// the configured root and does not run a sync itself, so it reports that
// Repository's state, not the progress of a separate sync invocation.
package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"

	"github.com/terrasync/reposync/internal/daemon"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "reposync",
		Level: hclog.LevelFromString(os.Getenv("REPOSYNC_LOG_LEVEL")),
	})
	ui := &cli.ColoredUi{
		Ui: &cli.BasicUi{
			Reader:      os.Stdin,
			Writer:      os.Stdout,
			ErrorWriter: os.Stderr,
		},
		OutputColor: cli.UiColorNone,
		InfoColor:   cli.UiColorNone,
		ErrorColor:  cli.UiColorRed,
		WarnColor:   cli.UiColorYellow,
	}

	c := cli.NewCLI("reposync", "0.1.0")
	c.Args = os.Args[1:]
	c.Commands = map[string]cli.CommandFactory{
		"sync": func() (cli.Command, error) {
			return &SyncCommand{UI: ui, Logger: logger.Named("sync")}, nil
		},
		"status": func() (cli.Command, error) {
			return &StatusCommand{UI: ui, Logger: logger.Named("status")}, nil
		},
		"daemon": func() (cli.Command, error) {
			return &daemon.Command{UI: ui, Logger: logger.Named("daemon")}, nil
		},
	}

	exitStatus, err := c.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return exitStatus
}
