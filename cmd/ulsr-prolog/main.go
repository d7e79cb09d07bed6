package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"k8s.io/utils/clock"

	"github.com/CCI-MOC/ulsr/internal/app"
	"github.com/CCI-MOC/ulsr/internal/prolog"
	"github.com/CCI-MOC/ulsr/internal/runner"
	"github.com/CCI-MOC/ulsr/internal/slurm"
)

func main() {
	var (
		configFile string
		isProlog   bool
		isEpilog   bool
	)
	c := &cli.App{
		Name:  "ulsr-prolog",
		Usage: "Scheduler controller prolog/epilog that creates and deletes reserve reservations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Value:       "/etc/ulsr/ulsr.yaml",
				Usage:       "configuration file",
				Destination: &configFile,
				EnvVars:     []string{"ULSR_CONFIG"},
			},
			&cli.BoolFlag{
				Name:        "prolog",
				Aliases:     []string{"p"},
				Usage:       "run as the controller prolog",
				Destination: &isProlog,
			},
			&cli.BoolFlag{
				Name:        "epilog",
				Aliases:     []string{"e"},
				Usage:       "run as the controller epilog",
				Destination: &isEpilog,
			},
		},
		Action: func(c *cli.Context) error {
			if isProlog == isEpilog {
				return errors.New("exactly one of --prolog or --epilog is required")
			}
			return run(c.Context, configFile, isProlog)
		},
	}

	// The scheduler must never fail a job because of this hook, so errors
	// are reported and the exit status stays zero.
	if err := c.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ulsr-prolog: %v\n", err)
	}
}

func run(ctx context.Context, configFile string, isProlog bool) error {
	cfg, err := app.LoadConfig(configFile, nil)
	if err != nil {
		return err
	}
	log, closer, err := prolog.NewFileLogger(cfg.Prolog.LogFile)
	if err != nil {
		return err
	}
	defer closer.Close()

	env := prolog.EnvironmentFrom(os.Getenv)
	entry := log.WithFields(logrus.Fields{"job": env.JobID, "user": env.User})

	sched := slurm.NewClient(runner.NewExec(cfg.Slurm.CommandTimeout.Duration), cfg.Slurm.InstallDir)
	hook := prolog.NewHook(sched, entry, clock.RealClock{}, prolog.Options{
		Prefix:              cfg.Reservation.Prefix,
		PartitionPrefix:     cfg.Slurm.PartitionPrefix,
		CheckPartitionState: cfg.Slurm.CheckPartitionState,
		Flags:               cfg.Reservation.Flags,
		Features:            cfg.Reservation.Features,
		ReserveCommand:      cfg.Prolog.ReserveCommand,
		ReleaseCommand:      cfg.Prolog.ReleaseCommand,
		GracePeriod:         cfg.Reservation.GracePeriod.Duration,
		DefaultDuration:     cfg.Reservation.DefaultDuration.Duration,

		CheckDefaultPartition: cfg.Slurm.CheckDefaultPartition,
	})

	if isProlog {
		err = hook.Prolog(ctx, env)
	} else {
		err = hook.Epilog(ctx, env)
	}
	if err != nil {
		entry.WithError(err).Error("Hook failed")
	}
	return nil
}
