package main

// mxl-info inspects MXL domains: list flows, dump a flow's header and
// runtime state, print a flow's NMOS definition, and garbage-collect
// orphaned flows.

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli"

	"github.com/dmf-mxl/go-mxl/internal/logger"
	"github.com/dmf-mxl/go-mxl/internal/mxl"
	"github.com/dmf-mxl/go-mxl/internal/mxl/domain"
	"github.com/dmf-mxl/go-mxl/internal/mxl/flow"
	"github.com/dmf-mxl/go-mxl/internal/mxl/timing"
)

// version is injected at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	app := cli.NewApp()
	app.Name = "mxl-info"
	app.Usage = "inspect and maintain MXL domains"
	app.Version = fmt.Sprintf("%s (sdk %s)", version, mxl.Version())
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "domain, d",
			Usage:  "MXL domain directory",
			EnvVar: "MXL_DOMAIN",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "log level: debug|info|warn|error",
			Value: "warn",
		},
	}
	app.Before = func(c *cli.Context) error {
		logger.Init()
		return logger.SetLevel(c.GlobalString("log-level"))
	}
	app.Commands = []cli.Command{
		{
			Name:   "list",
			Usage:  "list the flows in the domain",
			Action: withManager(listFlows),
		},
		{
			Name:      "show",
			Usage:     "dump a flow's header and runtime state",
			ArgsUsage: "<flow-id>",
			Action:    withManager(showFlow),
		},
		{
			Name:      "def",
			Usage:     "print a flow's stored NMOS definition",
			ArgsUsage: "<flow-id>",
			Action:    withManager(showFlowDef),
		},
		{
			Name:   "gc",
			Usage:  "remove flows with no live readers or writers",
			Action: withManager(collectGarbage),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func withManager(fn func(*cli.Context, *domain.Manager) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		dir := c.GlobalString("domain")
		if dir == "" {
			return cli.NewExitError("no domain given (use --domain or MXL_DOMAIN)", 2)
		}
		m, err := domain.NewManager(dir)
		if err != nil {
			return err
		}
		return fn(c, m)
	}
}

func listFlows(c *cli.Context, m *domain.Manager) error {
	ids, err := m.List()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FLOW\tFORMAT\tHEAD\tLAST WRITE")
	for _, id := range ids {
		d, err := m.OpenReader(id)
		if err != nil {
			fmt.Fprintf(tw, "%s\t?\t?\t(%v)\n", id, err)
			continue
		}
		info := d.Info()
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n",
			id, flow.Format(info.Config.Common.Format),
			info.LoadHeadIndex(), taiString(info.Runtime.LastWriteTime))
		d.Close()
	}
	return tw.Flush()
}

func showFlow(c *cli.Context, m *domain.Manager) error {
	id, err := flowIDArg(c)
	if err != nil {
		return err
	}
	d, err := m.OpenReader(id)
	if err != nil {
		return err
	}
	defer d.Close()

	info := d.Info()
	common := &info.Config.Common
	fmt.Printf("flow:              %s\n", id)
	fmt.Printf("format:            %s\n", flow.Format(common.Format))
	fmt.Printf("grain rate:        %d/%d\n", common.GrainRate.Numerator, common.GrainRate.Denominator)
	fmt.Printf("commit batch hint: %d\n", common.MaxCommitBatchSizeHint)
	fmt.Printf("sync batch hint:   %d\n", common.MaxSyncBatchSizeHint)
	switch {
	case d.Format().IsDiscrete():
		disc := info.Config.Discrete()
		fmt.Printf("grain count:       %d\n", disc.GrainCount)
		fmt.Printf("slice sizes:       %v\n", disc.SliceSizes)
	default:
		cont := info.Config.Continuous()
		fmt.Printf("channels:          %d\n", cont.ChannelCount)
		fmt.Printf("buffer length:     %d\n", cont.BufferLength)
		fmt.Printf("sample word size:  %d\n", d.SampleWordSize())
	}
	fmt.Printf("head index:        %d\n", info.LoadHeadIndex())
	fmt.Printf("last write:        %s\n", taiString(info.Runtime.LastWriteTime))
	fmt.Printf("last read:         %s\n", taiString(info.Runtime.LastReadTime))
	fmt.Printf("inode stamp:       %d\n", info.Runtime.Inode)
	fmt.Printf("sync counter:      %d\n", info.LoadSyncCounter())
	return nil
}

func showFlowDef(c *cli.Context, m *domain.Manager) error {
	id, err := flowIDArg(c)
	if err != nil {
		return err
	}
	def, err := m.FlowDef(id)
	if err != nil {
		return err
	}
	fmt.Println(def)
	return nil
}

func collectGarbage(c *cli.Context, m *domain.Manager) error {
	removed, err := m.CollectGarbage()
	if err != nil {
		return err
	}
	for _, id := range removed {
		fmt.Println(id)
	}
	fmt.Fprintf(os.Stderr, "removed %d flow(s)\n", len(removed))
	return nil
}

func flowIDArg(c *cli.Context) (uuid.UUID, error) {
	if c.NArg() != 1 {
		return uuid.UUID{}, cli.NewExitError("expected exactly one <flow-id> argument", 2)
	}
	id, err := uuid.Parse(c.Args().First())
	if err != nil {
		return uuid.UUID{}, cli.NewExitError(fmt.Sprintf("bad flow id: %v", err), 2)
	}
	return id, nil
}

func taiString(ns uint64) string {
	if ns == 0 {
		return "never"
	}
	return timing.Timepoint(ns).Time().Format(time.RFC3339Nano)
}
