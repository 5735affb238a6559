package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"
)

var buildVersion = "dev"

func main() {
	cmd := &cli.Command{
		Name:    "sitekeeper",
		Usage:   "Deploy and keep git-backed sites running on a single host",
		Version: buildVersion,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "api", Value: "http://localhost:7070", Usage: "operator API base URL", Sources: cli.EnvVars("SITEKEEPER_API")},
			&cli.StringFlag{Name: "token", Usage: "operator API admin token", Sources: cli.EnvVars("ADMIN_TOKEN")},
			&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second, Usage: "request timeout for operator commands"},
		},
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			sitesCommand(),
			deployCommand(),
			deploymentsCommand(),
			psCommand(),
			logsCommand(),
			siteActionCommand("stop", "Stop a site and release its instance"),
			siteActionCommand("restart", "Restart the supervised process of a site"),
			siteActionCommand("sleep", "Put a site to sleep"),
			siteActionCommand("wake", "Wake a sleeping site"),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
