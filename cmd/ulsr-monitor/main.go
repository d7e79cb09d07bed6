/*
 * Copyright (c) 2025, The ULSR Authors.  All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	configv1 "github.com/CCI-MOC/ulsr/api/config/v1"
	"github.com/CCI-MOC/ulsr/internal/app"
)

type options struct {
	configFile      string
	check           bool
	debug           bool
	verbosity       int
	logFile         string
	permitFile      string
	privIBAccess    bool
	sshUser         string
	interval        time.Duration
	metricsTextfile string
}

func main() {
	o := &options{}
	c := &cli.App{
		Name:  "ulsr-monitor",
		Usage: "Move reserved nodes between the loaner project and the free pool and isolate their IB links",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Value:       "/etc/ulsr/ulsr.yaml",
				Usage:       "configuration file",
				Destination: &o.configFile,
				EnvVars:     []string{"ULSR_CONFIG"},
			},
			&cli.BoolFlag{
				Name:        "check",
				Usage:       "survey and check IB links without changing or recording them",
				Destination: &o.check,
			},
			&cli.BoolFlag{
				Name:        "debug",
				Usage:       "log at verbosity 4",
				Destination: &o.debug,
			},
			&cli.IntFlag{
				Name:        "v",
				Usage:       "log verbosity",
				Destination: &o.verbosity,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "log to this file instead of stderr",
				Destination: &o.logFile,
				EnvVars:     []string{"ULSR_LOG_FILE"},
			},
			&cli.StringFlag{
				Name:        "permit-file",
				Usage:       "override infiniband.permitFile",
				Destination: &o.permitFile,
			},
			&cli.BoolFlag{
				Name:        "priv-ib-access",
				Usage:       "use direct IB link control when the UMAD devices allow it",
				Destination: &o.privIBAccess,
			},
			&cli.StringFlag{
				Name:        "ssh-user",
				Usage:       "override ssh.user",
				Destination: &o.sshUser,
			},
			&cli.DurationFlag{
				Name:        "interval",
				Usage:       "repeat passes at this interval until interrupted; 0 runs one pass",
				Destination: &o.interval,
			},
			&cli.StringFlag{
				Name:        "metrics-textfile",
				Usage:       "override metrics.textfilePath",
				Destination: &o.metricsTextfile,
			},
		},
		Before: func(*cli.Context) error {
			v := o.verbosity
			if o.debug && v < 4 {
				v = 4
			}
			return app.InitLogging(v, o.logFile)
		},
		Action: func(c *cli.Context) error {
			return run(c.Context, o)
		},
	}

	err := c.Run(os.Args)
	klog.Flush()
	if err != nil {
		klog.ErrorS(err, "ulsr-monitor failed")
		klog.Flush()
		os.Exit(1)
	}
}

func (o *options) load() (*configv1.Config, error) {
	return app.LoadConfig(o.configFile, func(cfg *configv1.Config) {
		if o.permitFile != "" {
			cfg.Infiniband.PermitFile = o.permitFile
		}
		if o.privIBAccess {
			cfg.Infiniband.PrivilegedAccess = true
		}
		if o.sshUser != "" {
			cfg.SSH.User = o.sshUser
		}
		if o.metricsTextfile != "" {
			cfg.Metrics.TextfilePath = o.metricsTextfile
		}
	})
}

func (o *options) build() (*app.App, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	return app.New(cfg, app.Options{DryRun: o.check})
}

func run(ctx context.Context, o *options) error {
	a, err := o.build()
	if err != nil {
		return err
	}
	if o.interval <= 0 {
		return pass(ctx, a)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	defer watcher.Close()
	// Watch the directory so edits that replace the file are seen.
	if err := watcher.Add(filepath.Dir(o.configFile)); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	reload := false
	for {
		if reload {
			if next, err := o.build(); err != nil {
				klog.ErrorS(err, "Config reload failed, keeping the previous config", "file", o.configFile)
			} else {
				klog.InfoS("Config reloaded", "file", o.configFile)
				a = next
			}
			reload = false
		}
		if err := pass(ctx, a); err != nil {
			klog.ErrorS(err, "Reconciliation pass failed")
		}

		if !wait(ctx, ticker.C, watcher.Events, watcher.Errors, o.configFile, &reload) {
			klog.InfoS("Shutting down")
			return nil
		}
	}
}

// wait blocks until the next tick and reports false once ctx is done.
// Config events only mark a reload and watcher errors are logged; neither
// starts a pass early.
func wait(ctx context.Context, tick <-chan time.Time, events <-chan fsnotify.Event, errs <-chan error, configFile string, reload *bool) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-tick:
			return true
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == filepath.Clean(configFile) && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				*reload = true
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			klog.ErrorS(err, "Config watcher error")
		}
	}
}

func pass(ctx context.Context, a *app.App) error {
	res, err := a.Reconciler.Reconcile(ctx)
	a.Metrics.PassDone(time.Now(), err)
	if path := a.Config.Metrics.TextfilePath; path != "" {
		if werr := a.Metrics.WriteTextfile(path); werr != nil {
			klog.ErrorS(werr, "Unable to write metrics", "path", path)
		}
	}
	if err != nil {
		return err
	}
	klog.V(2).InfoS("Pass finished", "reserved", res.Reserved, "released", res.Released, "failed", res.Failed)
	return nil
}
