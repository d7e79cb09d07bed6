// Package app builds the object graph shared by the ulsr binaries from a
// validated configuration.
package app

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	configv1 "github.com/CCI-MOC/ulsr/api/config/v1"
	"github.com/CCI-MOC/ulsr/internal/controller"
	"github.com/CCI-MOC/ulsr/internal/fabric"
	"github.com/CCI-MOC/ulsr/internal/hil"
	"github.com/CCI-MOC/ulsr/internal/linkstate"
	"github.com/CCI-MOC/ulsr/internal/metrics"
	"github.com/CCI-MOC/ulsr/internal/mover"
	"github.com/CCI-MOC/ulsr/internal/runner"
	"github.com/CCI-MOC/ulsr/internal/slurm"
)

// Options are run time choices that are not part of the config file.
type Options struct {
	// DryRun surveys and checks links without changing or recording them.
	DryRun bool
	Clock  clock.PassiveClock
}

// App holds the wired components.
type App struct {
	Config     *configv1.Config
	Local      runner.Runner
	Remote     runner.Remote
	Slurm      *slurm.Client
	Links      *fabric.Controller
	Metrics    *metrics.Metrics
	Reconciler *controller.Reconciler
}

// New wires every component from cfg. Permit file and control program
// problems are reported here, before anything is changed.
func New(cfg *configv1.Config, opts Options) (*App, error) {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	a := &App{Config: cfg, Metrics: metrics.New()}

	a.Local = runner.NewExec(cfg.Slurm.CommandTimeout.Duration)
	remote, err := newRemote(cfg.SSH)
	if err != nil {
		return nil, err
	}
	a.Remote = remote
	a.Slurm = slurm.NewClient(a.Local, cfg.Slurm.InstallDir)

	links, err := newLinks(cfg, a.Remote, a.Local, opts.DryRun)
	if err != nil {
		return nil, err
	}
	a.Links = links

	a.Reconciler = controller.NewReconciler(a.Slurm, a.Connector(), a.Links, opts.Clock, a.Metrics, controller.Options{
		Prefix:          cfg.Reservation.Prefix,
		LoanerProject:   cfg.HIL.LoanerProject,
		Flags:           cfg.Reservation.Flags,
		Features:        cfg.Reservation.Features,
		GracePeriod:     cfg.Reservation.GracePeriod.Duration,
		DefaultDuration: cfg.Reservation.DefaultDuration.Duration,
		VerifyOwner:     cfg.Capabilities.VerifyOwner,
		DryRunLinks:     opts.DryRun,
	})
	return a, nil
}

func newRemote(cfg configv1.SSHConfig) (runner.Remote, error) {
	if cfg.Transport == configv1.SSHNative {
		c, err := runner.NewSSHClient(cfg.User, cfg.KeyFile, cfg.KnownHostsFile, cfg.Port, cfg.Timeout.Duration)
		if err != nil {
			return nil, fmt.Errorf("ssh client: %w", err)
		}
		return c, nil
	}
	return &runner.SSHExec{
		Runner:  runner.NewExec(cfg.Timeout.Duration),
		User:    cfg.User,
		Port:    cfg.Port,
		Options: cfg.Options,
	}, nil
}

func newLinks(cfg *configv1.Config, remote runner.Remote, local runner.Runner, dryRun bool) (*fabric.Controller, error) {
	ib := cfg.Infiniband
	linkOpts := fabric.Options{
		Enabled:                cfg.Capabilities.Fabric,
		DryRun:                 dryRun,
		Lenient:                ib.DownLinkPolicy == configv1.DownLinkLenient,
		PermitFile:             ib.PermitFile,
		VerifyDelegatedPermits: ib.VerifyDelegatedPermits,
	}
	if !linkOpts.Enabled {
		klog.InfoS("IB fabric declared unavailable, link updates are no-ops")
		return fabric.NewController(nil, linkstate.NewMemoryStore(), linkOpts), nil
	}

	strategy := fabric.NewStrategy(ib, remote, local)
	if strategy.EnforcesPermits() {
		cmd, err := runner.ParseCommand(ib.PortStateCommand)
		if err != nil {
			return nil, fmt.Errorf("infiniband.portStateCommand: %w", err)
		}
		linkOpts.ControlProgram = cmd.Name
		if _, err := fabric.CheckProgram(linkOpts.ControlProgram); err != nil {
			return nil, fmt.Errorf("port control program: %w", err)
		}
	}
	if strategy.EnforcesPermits() || ib.VerifyDelegatedPermits {
		if _, err := fabric.LoadPermitFile(ib.PermitFile); err != nil {
			return nil, fmt.Errorf("permit file: %w", err)
		}
	}

	store, err := linkstate.New(cfg.LinkState)
	if err != nil {
		return nil, err
	}
	return fabric.NewController(strategy, store, linkOpts), nil
}

// Connector opens an allocator session, or a no-op mover when the
// allocator is declared unavailable.
func (a *App) Connector() controller.Connector {
	h := a.Config.HIL
	opts := mover.Options{
		Enabled:            a.Config.Capabilities.Allocator,
		MaintenanceProject: h.MaintenanceProject,
		OBMNic:             h.OBMNic,
		OBMNetwork:         h.OBMNetwork,
		OBMChannel:         h.OBMChannel,
		ActionTimeout:      h.ActionTimeout.Duration,
		PollInterval:       h.PollInterval.Duration,
		DetachRetries:      h.DetachRetries,
		DetachBackoff:      h.DetachBackoff.Duration,
	}
	return func(ctx context.Context) (controller.NodeMover, error) {
		if !opts.Enabled {
			return mover.New(nil, opts), nil
		}
		client := hil.NewClient(h.Endpoint, h.User, h.Password, h.RequestTimeout.Duration)
		if err := client.Ping(ctx); err != nil {
			return nil, fmt.Errorf("allocator %s: %w", h.Endpoint, err)
		}
		klog.FromContext(ctx).V(2).Info("Connected to allocator", "endpoint", h.Endpoint)
		return mover.New(client, opts), nil
	}
}
