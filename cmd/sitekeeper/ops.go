package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	apiclient "github.com/splax/sitekeeper/pkg/api/client"
)

const deployPollInterval = 2 * time.Second

func newClient(cmd *cli.Command) (*apiclient.Client, error) {
	return apiclient.New(cmd.String("api"), apiclient.WithToken(cmd.String("token")))
}

// requestContext bounds one API call by --timeout.
func requestContext(ctx context.Context, cmd *cli.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, cmd.Duration("timeout"))
}

func requireSiteArg(cmd *cli.Command) (string, error) {
	site := strings.TrimSpace(cmd.Args().First())
	if site == "" {
		return "", errors.New("site id or name is required")
	}
	return site, nil
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func sitesCommand() *cli.Command {
	return &cli.Command{
		Name:   "sites",
		Usage:  "List, inspect, create and remove sites",
		Action: listSites,
		Commands: []*cli.Command{
			{Name: "ls", Usage: "List sites", Action: listSites},
			{Name: "show", Usage: "Show one site", ArgsUsage: "<site>", Action: showSite},
			{
				Name:      "create",
				Usage:     "Register a site",
				ArgsUsage: "<name>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "git-url", Usage: "repository URL"},
					&cli.StringFlag{Name: "branch", Usage: "branch to deploy (default main)"},
					&cli.StringFlag{Name: "kind", Usage: "auto or passthrough"},
					&cli.StringFlag{Name: "runtime", Usage: "preferred runtime: static-build, container or managed-process"},
					&cli.StringFlag{Name: "build-command", Usage: "build command"},
					&cli.StringFlag{Name: "start-command", Usage: "start command"},
					&cli.StringFlag{Name: "output-dir", Usage: "static output directory"},
					&cli.StringFlag{Name: "health-path", Usage: "readiness path"},
					&cli.IntFlag{Name: "container-port", Usage: "port the container listens on"},
					&cli.StringFlag{Name: "visibility", Usage: "public or private"},
					&cli.StringMapFlag{Name: "env", Usage: "environment variable KEY=VALUE (repeatable)"},
					&cli.BoolFlag{Name: "autodeploy", Usage: "deploy on matching webhook pushes"},
					&cli.BoolFlag{Name: "sleep", Usage: "allow idle sleep"},
					&cli.IntFlag{Name: "sleep-after", Usage: "idle minutes before sleeping"},
				},
				Action: createSite,
			},
			{Name: "rm", Usage: "Delete a site", ArgsUsage: "<site>", Action: deleteSite},
		},
	}
}

func listSites(ctx context.Context, cmd *cli.Command) error {
	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(ctx, cmd)
	defer cancel()
	sites, err := client.ListSites(ctx)
	if err != nil {
		return err
	}
	if len(sites) == 0 {
		fmt.Println("no sites found")
		return nil
	}
	tw := newTable(os.Stdout)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tRUNTIME\tPORT\tVISIBILITY")
	for _, s := range sites {
		runtime, port := "-", "-"
		if s.Instance != nil {
			runtime = s.Instance.Variant
			port = fmt.Sprint(s.Instance.Port)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.Name, s.Status, runtime, port, s.Visibility)
	}
	return tw.Flush()
}

func showSite(ctx context.Context, cmd *cli.Command) error {
	name, err := requireSiteArg(cmd)
	if err != nil {
		return err
	}
	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(ctx, cmd)
	defer cancel()
	s, err := client.GetSite(ctx, name)
	if err != nil {
		return err
	}
	printSite(s)
	return nil
}

func printSite(s apiclient.Site) {
	tw := newTable(os.Stdout)
	fmt.Fprintf(tw, "id\t%s\n", s.ID)
	fmt.Fprintf(tw, "name\t%s\n", s.Name)
	fmt.Fprintf(tw, "status\t%s\n", s.Status)
	fmt.Fprintf(tw, "kind\t%s\n", s.Kind)
	if s.GitURL != "" {
		fmt.Fprintf(tw, "git\t%s@%s\n", s.GitURL, s.Branch)
	}
	if s.Runtime != "" {
		fmt.Fprintf(tw, "preferred runtime\t%s\n", s.Runtime)
	}
	if s.Instance != nil {
		fmt.Fprintf(tw, "instance\t%s %s port %d\n", s.Instance.Variant, s.Instance.InstanceID, s.Instance.Port)
	}
	fmt.Fprintf(tw, "visibility\t%s\n", s.Visibility)
	if len(s.EnvKeys) > 0 {
		fmt.Fprintf(tw, "env\t%s\n", strings.Join(s.EnvKeys, ", "))
	}
	fmt.Fprintf(tw, "autodeploy\t%t\n", s.Autodeploy)
	fmt.Fprintf(tw, "sleep\t%t\n", s.SleepEnabled)
	if s.LastDeployedAt != nil {
		fmt.Fprintf(tw, "last deployed\t%s\n", s.LastDeployedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
}

func createSite(ctx context.Context, cmd *cli.Command) error {
	name := strings.TrimSpace(cmd.Args().First())
	if name == "" {
		return errors.New("site name is required")
	}
	input := apiclient.CreateSiteInput{
		Name:          name,
		GitURL:        cmd.String("git-url"),
		Branch:        cmd.String("branch"),
		Kind:          cmd.String("kind"),
		Runtime:       cmd.String("runtime"),
		BuildCommand:  cmd.String("build-command"),
		StartCommand:  cmd.String("start-command"),
		OutputDir:     cmd.String("output-dir"),
		HealthPath:    cmd.String("health-path"),
		ContainerPort: cmd.Int("container-port"),
		Visibility:    cmd.String("visibility"),
		Env:           cmd.StringMap("env"),
		Autodeploy:    cmd.Bool("autodeploy"),
		SleepEnabled:  cmd.Bool("sleep"),
	}
	if cmd.IsSet("sleep-after") {
		minutes := cmd.Int("sleep-after")
		input.SleepAfterMinutes = &minutes
	}

	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(ctx, cmd)
	defer cancel()
	s, err := client.CreateSite(ctx, input)
	if err != nil {
		return err
	}
	fmt.Printf("site created: %s (%s)\n", s.Name, s.ID)
	return nil
}

func deleteSite(ctx context.Context, cmd *cli.Command) error {
	name, err := requireSiteArg(cmd)
	if err != nil {
		return err
	}
	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(ctx, cmd)
	defer cancel()
	if err := client.DeleteSite(ctx, name); err != nil {
		return err
	}
	fmt.Printf("site deleted: %s\n", name)
	return nil
}

func deployCommand() *cli.Command {
	return &cli.Command{
		Name:      "deploy",
		Usage:     "Deploy a site",
		ArgsUsage: "<site>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "ref", Usage: "branch, tag or commit (default: the site's branch)"},
			&cli.BoolFlag{Name: "wait", Usage: "wait for the deployment to finish"},
			&cli.DurationFlag{Name: "wait-timeout", Value: 30 * time.Minute, Usage: "give up waiting after this long"},
		},
		Action: runDeploy,
	}
}

func runDeploy(ctx context.Context, cmd *cli.Command) error {
	name, err := requireSiteArg(cmd)
	if err != nil {
		return err
	}
	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	reqCtx, cancel := requestContext(ctx, cmd)
	dep, err := client.Deploy(reqCtx, name, cmd.String("ref"))
	cancel()
	if err != nil {
		var apiErr apiclient.APIError
		if errors.As(err, &apiErr) && apiErr.Retryable() {
			return fmt.Errorf("%w (a deployment is already running; retry shortly)", err)
		}
		return err
	}
	fmt.Printf("deployment triggered: %s ref=%s status=%s\n", dep.ID, dep.Ref, dep.Status)
	if !cmd.Bool("wait") {
		return nil
	}

	waitCtx, cancelWait := context.WithTimeout(ctx, cmd.Duration("wait-timeout"))
	defer cancelWait()
	final, err := waitForDeployment(waitCtx, client, dep)
	if err != nil {
		return err
	}
	if final.Status != "completed" {
		return fmt.Errorf("deployment %s %s: %s", final.ID, final.Status, final.Error)
	}
	fmt.Printf("deployment completed: %s commit=%s\n", final.ID, shortSHA(final.CommitSHA))
	return nil
}

func waitForDeployment(ctx context.Context, client *apiclient.Client, dep apiclient.Deployment) (apiclient.Deployment, error) {
	last := dep.Status
	ticker := time.NewTicker(deployPollInterval)
	defer ticker.Stop()
	for !dep.Terminal() {
		select {
		case <-ctx.Done():
			return dep, fmt.Errorf("wait for deployment %s: %w", dep.ID, ctx.Err())
		case <-ticker.C:
		}
		next, err := client.GetDeployment(ctx, dep.ID)
		if err != nil {
			return dep, err
		}
		dep = next
		if dep.Status != last {
			fmt.Printf("  %s\n", dep.Status)
			last = dep.Status
		}
	}
	return dep, nil
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	if sha == "" {
		return "-"
	}
	return sha
}

func deploymentsCommand() *cli.Command {
	return &cli.Command{
		Name:      "deployments",
		Usage:     "List deployments of a site, or in-flight deployments with --active",
		ArgsUsage: "[site]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "active", Usage: "list non-terminal deployments across all sites"},
			&cli.IntFlag{Name: "limit", Value: 20, Usage: "maximum rows"},
		},
		Action: listDeployments,
	}
}

func listDeployments(ctx context.Context, cmd *cli.Command) error {
	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(ctx, cmd)
	defer cancel()

	var deployments []apiclient.Deployment
	if cmd.Bool("active") {
		deployments, err = client.ActiveDeployments(ctx)
	} else {
		name, argErr := requireSiteArg(cmd)
		if argErr != nil {
			return argErr
		}
		deployments, err = client.ListDeployments(ctx, name, cmd.Int("limit"))
	}
	if err != nil {
		return err
	}
	if len(deployments) == 0 {
		fmt.Println("no deployments found")
		return nil
	}
	tw := newTable(os.Stdout)
	fmt.Fprintln(tw, "ID\tSITE\tSTATUS\tREF\tCOMMIT\tSTARTED\tERROR")
	for _, d := range deployments {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			d.ID, d.SiteID, d.Status, d.Ref, shortSHA(d.CommitSHA), d.StartedAt.Format(time.RFC3339), d.Error)
	}
	return tw.Flush()
}

func psCommand() *cli.Command {
	return &cli.Command{
		Name:  "ps",
		Usage: "List supervised processes",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(ctx, cmd)
			defer cancel()
			procs, err := client.Processes(ctx)
			if err != nil {
				return err
			}
			if len(procs) == 0 {
				fmt.Println("no supervised processes")
				return nil
			}
			tw := newTable(os.Stdout)
			fmt.Fprintln(tw, "SITE\tPORT\tPID\tSTATUS\tUPTIME\tRESTARTS\tCPU%\tRSS")
			for _, p := range procs {
				cpu, rss := "-", "-"
				if p.CPUPercent != nil {
					cpu = fmt.Sprintf("%.1f", *p.CPUPercent)
				}
				if p.MemoryBytes != nil {
					rss = fmt.Sprintf("%dMiB", *p.MemoryBytes>>20)
				}
				uptime := (time.Duration(p.UptimeSeconds) * time.Second).String()
				fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%d\t%s\t%s\n",
					p.SiteName, p.Port, p.PID, p.Status, uptime, p.RestartCount, cpu, rss)
			}
			return tw.Flush()
		},
	}
}

func logsCommand() *cli.Command {
	return &cli.Command{
		Name:      "logs",
		Usage:     "Print recent logs of a site",
		ArgsUsage: "<site>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Value: 100, Usage: "maximum lines"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			name, err := requireSiteArg(cmd)
			if err != nil {
				return err
			}
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(ctx, cmd)
			defer cancel()
			entries, err := client.FetchLogs(ctx, name, cmd.Int("limit"))
			if err != nil {
				return err
			}
			// newest first on the wire
			for i := len(entries) - 1; i >= 0; i-- {
				e := entries[i]
				fmt.Printf("%s [%s/%s] %s\n", e.CreatedAt.Format(time.RFC3339), e.Source, e.Level, e.Message)
			}
			return nil
		},
	}
}

// siteActionCommand builds stop, restart, sleep and wake, which share a shape.
func siteActionCommand(name, usage string) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<site>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			site, err := requireSiteArg(cmd)
			if err != nil {
				return err
			}
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(ctx, cmd)
			defer cancel()

			switch name {
			case "stop":
				s, err := client.StopSite(ctx, site)
				if err != nil {
					return err
				}
				fmt.Printf("site %s: %s\n", s.Name, s.Status)
			case "restart":
				if err := client.RestartSite(ctx, site); err != nil {
					return err
				}
				fmt.Printf("site %s: restart requested\n", site)
			case "sleep":
				if err := client.SleepSite(ctx, site); err != nil {
					return err
				}
				fmt.Printf("site %s: sleeping\n", site)
			case "wake":
				s, err := client.WakeSite(ctx, site)
				if err != nil {
					return err
				}
				fmt.Printf("site %s: %s\n", s.Name, s.Status)
			default:
				return fmt.Errorf("unknown action %q", name)
			}
			return nil
		},
	}
}
