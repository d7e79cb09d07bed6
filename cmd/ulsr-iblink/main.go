package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	configv1 "github.com/CCI-MOC/ulsr/api/config/v1"
	"github.com/CCI-MOC/ulsr/internal/app"
	"github.com/CCI-MOC/ulsr/internal/fabric"
	"github.com/CCI-MOC/ulsr/internal/resname"
)

const actionCheck = "check"

type options struct {
	configFile  string
	reservation string
	action      string
	debug       bool
	permitFile  string
}

func main() {
	o := &options{}
	c := &cli.App{
		Name:  "ulsr-iblink",
		Usage: "Disable, restore or check the IB links of one reservation's nodes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Value:       "/etc/ulsr/ulsr.yaml",
				Usage:       "configuration file",
				Destination: &o.configFile,
				EnvVars:     []string{"ULSR_CONFIG"},
			},
			&cli.StringFlag{
				Name:        "reservation",
				Aliases:     []string{"r"},
				Usage:       "reservation name",
				Required:    true,
				Destination: &o.reservation,
			},
			&cli.StringFlag{
				Name:        "action",
				Aliases:     []string{"a"},
				Value:       actionCheck,
				Usage:       "disable, restore or check",
				Destination: &o.action,
			},
			&cli.StringFlag{
				Name:        "permit-file",
				Usage:       "override infiniband.permitFile",
				Destination: &o.permitFile,
			},
			&cli.BoolFlag{
				Name:        "debug",
				Aliases:     []string{"d"},
				Usage:       "log at verbosity 4",
				Destination: &o.debug,
			},
		},
		Before: func(*cli.Context) error {
			v := 0
			if o.debug {
				v = 4
			}
			return app.InitLogging(v, "")
		},
		Action: func(c *cli.Context) error {
			return run(c.Context, o)
		},
	}

	err := c.Run(os.Args)
	if err != nil {
		klog.ErrorS(err, "ulsr-iblink failed", "reservation", o.reservation)
	}
	klog.Flush()
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, o *options) error {
	cfg, err := app.LoadConfig(o.configFile, func(cfg *configv1.Config) {
		if o.permitFile != "" {
			cfg.Infiniband.PermitFile = o.permitFile
		}
	})
	if err != nil {
		return err
	}

	// Link state is kept under the reserve half of the pair.
	name, err := resname.Parse(cfg.Reservation.Prefix, o.reservation)
	if err != nil {
		return err
	}
	key := name
	if key.Kind != resname.Reserve {
		key = name.Pair()
	}

	check := o.action == actionCheck
	var action fabric.Action
	if !check {
		if action, err = fabric.ParseAction(o.action); err != nil {
			return err
		}
	}

	a, err := app.New(cfg, app.Options{DryRun: check})
	if err != nil {
		return err
	}
	res, err := a.Slurm.ShowReservation(ctx, name.String())
	if err != nil {
		return fmt.Errorf("reservation %s: %w", name, err)
	}
	nodes, err := a.Slurm.Hostnames(ctx, res.Nodes)
	if err != nil {
		return fmt.Errorf("nodes of %s: %w", name, err)
	}
	klog.InfoS("Processing reservation", "reservation", name, "nodes", len(nodes), "action", o.action)

	if check {
		if !cfg.Capabilities.Fabric {
			klog.InfoS("IB fabric unavailable, nothing to check")
			return nil
		}
		records, err := a.Links.Check(ctx, nodes)
		for _, r := range records {
			fmt.Printf("%s\t%s\t%s\t%s\n", r.Node, r.GUID, r.Port, r.State)
		}
		return err
	}
	return a.Links.UpdateLinks(ctx, key.String(), nodes, action)
}
