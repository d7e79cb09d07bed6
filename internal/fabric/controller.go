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

// Package fabric isolates the InfiniBand links of reserved nodes by
// disabling their peer switch ports and later restoring them.
package fabric

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	configv1 "github.com/CCI-MOC/ulsr/api/config/v1"
	"github.com/CCI-MOC/ulsr/internal/runner"
)

// Options configures a Controller.
type Options struct {
	// Enabled is false when the fabric is declared unavailable; every
	// UpdateLinks call then succeeds without doing anything.
	Enabled bool
	// DryRun surveys and checks permits but changes and persists nothing.
	DryRun bool
	// Lenient records down links instead of failing the survey.
	Lenient bool
	PermitFile string
	// VerifyDelegatedPermits checks permits locally even when the
	// strategy's helper checks them itself.
	VerifyDelegatedPermits bool
	// ControlProgram is checked for safe permissions before a strategy
	// that enforces permits locally changes any port.
	ControlProgram string
}

// DownLinkError is a host adapter link found down during a strict survey.
type DownLinkError struct {
	Node string
	GUID string
	Port string
}

func (e *DownLinkError) Error() string {
	if e.GUID == "" {
		return fmt.Sprintf("node %s has a down IB link with no known peer", e.Node)
	}
	return fmt.Sprintf("node %s has a down IB link to switch %s port %s", e.Node, e.GUID, e.Port)
}

// Controller surveys, persists and controls reservation links.
type Controller struct {
	strategy Strategy
	store    StateStore
	opts     Options

	loadPermits func(string) (PermitList, error)
	checkProg   func(string) (string, error)
}

// NewController returns a controller that drives strategy and keeps link
// pre-images in store.
func NewController(strategy Strategy, store StateStore, opts Options) *Controller {
	return &Controller{
		strategy:    strategy,
		store:       store,
		opts:        opts,
		loadPermits: LoadPermitFile,
		checkProg:   CheckProgram,
	}
}

// Strategy returns the survey/control strategy in use.
func (c *Controller) Strategy() Strategy { return c.strategy }

// Survey reports the peer switch ports of every node.
func (c *Controller) Survey(ctx context.Context, nodes []string) (Survey, error) {
	names := sets.List(sets.New(nodes...))
	links, err := c.strategy.Survey(ctx, names)
	if err != nil {
		return nil, err
	}

	s := make(Survey)
	for _, node := range names {
		for _, l := range links[node] {
			if l.Up {
				s.add(node, l.GUID, l.Port, StateUp)
				continue
			}
			down := &DownLinkError{Node: node, GUID: l.GUID, Port: l.Port}
			if !c.opts.Lenient {
				klog.ErrorS(down, "IB link down, survey aborted", "node", node)
				return nil, down
			}
			klog.InfoS("Warning: IB link down", "node", node, "guid", l.GUID, "port", l.Port)
			if l.GUID == "" || l.Port == "" {
				continue
			}
			s.add(node, l.GUID, l.Port, StateDown)
		}
	}
	return s, nil
}

// Control issues one port command per record. Disable turns every port off.
// Restore turns ports recorded up back on and leaves ports recorded down
// disabled.
func (c *Controller) Control(ctx context.Context, records []Record, action Action, dryRun bool) error {
	cmds := make([]PortCommand, 0, len(records))
	for _, r := range records {
		verb := VerbDisable
		if action == Restore && r.State == StateUp {
			verb = VerbEnable
		}
		cmds = append(cmds, PortCommand{Record: r, Verb: verb})
	}
	return c.strategy.Control(ctx, cmds, dryRun)
}

// checkPermits rejects records that touch a port absent from the permit
// file. A strategy whose helper checks permits is trusted unless
// VerifyDelegatedPermits is set.
func (c *Controller) checkPermits(records []Record) error {
	local := c.strategy.EnforcesPermits()
	if !local && !c.opts.VerifyDelegatedPermits {
		return nil
	}
	permits, err := c.loadPermits(c.opts.PermitFile)
	if err != nil {
		return fmt.Errorf("permit file: %w", err)
	}
	if local && c.opts.ControlProgram != "" {
		if _, err := c.checkProg(c.opts.ControlProgram); err != nil {
			return fmt.Errorf("port control program: %w", err)
		}
	}
	return permits.Check(records)
}

// UpdateLinks applies action to every link of a reservation's nodes.
//
// Disable persists the surveyed pre-image under reservation before any port
// changes. An existing pre-image is reused so a retried Disable never
// records ports it already turned off. Restore requires the pre-image.
func (c *Controller) UpdateLinks(ctx context.Context, reservation string, nodes []string, action Action) error {
	if !c.opts.Enabled {
		klog.InfoS("IB fabric unavailable, operation treated as success", "reservation", reservation, "action", action)
		return nil
	}

	var (
		records []Record
		fresh   bool
		err     error
	)
	switch action {
	case Disable:
		records, err = c.store.Load(ctx, reservation)
		switch {
		case err == nil && len(records) > 0:
			klog.InfoS("Reusing recorded IB link state", "reservation", reservation, "ports", len(records))
		case err == nil || errors.Is(err, ErrNoState):
			s, err := c.Survey(ctx, nodes)
			if err != nil {
				return fmt.Errorf("survey links of %s: %w", reservation, err)
			}
			records, fresh = s.Records(), true
		default:
			return fmt.Errorf("load link state of %s: %w", reservation, err)
		}
	case Restore:
		records, err = c.store.Load(ctx, reservation)
		if err != nil {
			return fmt.Errorf("load link state of %s: %w", reservation, err)
		}
	default:
		return fmt.Errorf("unknown link action %d", action)
	}

	if err := c.checkPermits(records); err != nil {
		klog.ErrorS(err, "IB link update rejected", "reservation", reservation, "action", action)
		return err
	}

	if fresh && !c.opts.DryRun {
		if err := c.store.Save(ctx, reservation, records); err != nil {
			return fmt.Errorf("save link state of %s: %w", reservation, err)
		}
	}

	if err := c.Control(ctx, records, action, c.opts.DryRun); err != nil {
		return fmt.Errorf("%s links of %s: %w", action, reservation, err)
	}
	klog.InfoS("IB links updated", "reservation", reservation, "action", action, "ports", len(records), "dryRun", c.opts.DryRun)
	return nil
}

// Check surveys nodes, checks permits and logs the disable commands
// without running them or persisting anything.
func (c *Controller) Check(ctx context.Context, nodes []string) ([]Record, error) {
	s, err := c.Survey(ctx, nodes)
	if err != nil {
		return nil, err
	}
	records := s.Records()
	if err := c.checkPermits(records); err != nil {
		return records, err
	}
	return records, c.Control(ctx, records, Disable, true)
}

// NewStrategy picks the direct strategy when privileged access is
// configured and the local UMAD devices are usable, else the indirect one.
func NewStrategy(cfg configv1.InfinibandConfig, remote runner.Remote, local runner.Runner) Strategy {
	if cfg.PrivilegedAccess && UMADAccessible(cfg.UMADDevicePattern) {
		klog.InfoS("Using direct IB link control", "portState", cfg.PortStateCommand)
		return &Direct{
			Remote:    remote,
			Local:     local,
			IBStat:    cfg.IBStatCommand,
			LinkInfo:  cfg.LinkInfoCommand,
			PortState: cfg.PortStateCommand,
		}
	}
	klog.InfoS("Using indirect IB link control", "portState", cfg.HelperPortStateCommand)
	return &Indirect{
		Remote:    remote,
		Local:     local,
		LinkInfo:  cfg.HelperLinkInfoCommand,
		PortState: cfg.HelperPortStateCommand,
	}
}
