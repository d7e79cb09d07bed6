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

// Package mover moves nodes between allocator projects: out of the
// scheduler's loaner project into the free pool, and back.
package mover

import (
	"context"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/CCI-MOC/ulsr/internal/hil"
)

// Allocator is the part of the allocator API the mover needs.
type Allocator interface {
	ShowNode(ctx context.Context, node string) (hil.NodeInfo, error)
	PowerOff(ctx context.Context, node string) error
	ConnectNetwork(ctx context.Context, node, nic, network, channel string) (string, error)
	DetachNetwork(ctx context.Context, node, nic, network string) (string, error)
	RevertPort(ctx context.Context, sw, port string) (string, error)
	ConnectNode(ctx context.Context, project, node string) error
	DetachNode(ctx context.Context, project, node string) error
	ActionStatus(ctx context.Context, id string) (hil.ActionStatus, error)
}

// Options configures a Mover.
type Options struct {
	// Enabled is false when no allocator is deployed. Every operation then
	// succeeds without doing anything.
	Enabled bool

	MaintenanceProject string
	OBMNic             string
	OBMNetwork         string
	OBMChannel         string

	ActionTimeout time.Duration
	PollInterval  time.Duration
	DetachRetries int
	DetachBackoff time.Duration
}

// Mover runs the node pool protocol against one allocator.
type Mover struct {
	alloc Allocator
	opts  Options
}

// New returns a Mover. alloc may be nil when opts.Enabled is false.
func New(alloc Allocator, opts Options) *Mover {
	if opts.DetachRetries < 1 {
		opts.DetachRetries = 1
	}
	return &Mover{alloc: alloc, opts: opts}
}

// ProjectMismatchError is returned when a node is not in the project the
// operation expects. No node is modified when it is returned.
type ProjectMismatchError struct {
	Node     string
	Project  string
	Expected string
}

func (e *ProjectMismatchError) Error() string {
	return fmt.Sprintf("node %s is in project %q, expected %q", e.Node, e.Project, e.Expected)
}

// Reserve moves nodes from fromProject (or the maintenance project) into
// the free pool, leaving them powered off with no networks attached.
// Nodes already in the free pool are skipped.
func (m *Mover) Reserve(ctx context.Context, nodes []string, fromProject string) error {
	if !m.opts.Enabled {
		klog.InfoS("Allocator unavailable, operation treated as success", "op", "reserve", "nodes", nodes)
		return nil
	}

	var work []string
	for _, node := range sets.List(sets.New(nodes...)) {
		info, err := m.alloc.ShowNode(ctx, node)
		if err != nil {
			return fmt.Errorf("reserve: %w", err)
		}
		switch info.Project {
		case "":
			klog.InfoS("Node already in the free pool, skipping", "node", node)
		case fromProject, m.opts.MaintenanceProject:
			work = append(work, node)
		default:
			err := &ProjectMismatchError{Node: node, Project: info.Project, Expected: fromProject}
			klog.ErrorS(err, "Reserve refused", "node", node)
			return err
		}
	}
	if len(work) == 0 {
		return nil
	}

	// Power control needs the management network, which the next step
	// removes.
	for _, node := range work {
		if err := m.ensureOBM(ctx, node); err != nil {
			return err
		}
		if err := m.powerOff(ctx, node); err != nil {
			return err
		}
	}

	if err := m.removeAllNetworks(ctx, work); err != nil {
		return err
	}

	for _, node := range work {
		if err := m.waitNoNetworks(ctx, node); err != nil {
			return err
		}
		info, err := m.alloc.ShowNode(ctx, node)
		if err != nil {
			return fmt.Errorf("reserve: %w", err)
		}
		if info.Project == fromProject {
			if err := m.detachNode(ctx, fromProject, node); err != nil {
				return err
			}
			if info, err = m.alloc.ShowNode(ctx, node); err != nil {
				return fmt.Errorf("reserve: %w", err)
			}
		}
		if info.Project == m.opts.MaintenanceProject {
			if err := m.detachNode(ctx, m.opts.MaintenanceProject, node); err != nil {
				return err
			}
		}
		klog.InfoS("Node moved to the free pool", "node", node, "from", fromProject)
	}
	return nil
}

// Free moves nodes into toProject. Nodes are parked in the maintenance
// project and power cycled on the way. Nodes already in toProject are
// skipped; nodes held by any other project are stripped and taken from it.
func (m *Mover) Free(ctx context.Context, nodes []string, toProject string) error {
	if !m.opts.Enabled {
		klog.InfoS("Allocator unavailable, operation treated as success", "op", "free", "nodes", nodes)
		return nil
	}

	var work, foreign, pooled []string
	owner := make(map[string]string)
	for _, node := range sets.List(sets.New(nodes...)) {
		info, err := m.alloc.ShowNode(ctx, node)
		if err != nil {
			return fmt.Errorf("free: %w", err)
		}
		switch info.Project {
		case toProject:
			klog.InfoS("Node already in target project, skipping", "node", node, "project", toProject)
			continue
		case m.opts.MaintenanceProject:
		case "":
			pooled = append(pooled, node)
		default:
			foreign = append(foreign, node)
			owner[node] = info.Project
		}
		work = append(work, node)
	}
	if len(work) == 0 {
		return nil
	}

	if len(foreign) > 0 {
		if err := m.removeAllNetworks(ctx, foreign); err != nil {
			return err
		}
		for _, node := range foreign {
			klog.InfoS("Taking node from foreign project", "node", node, "project", owner[node])
			if err := m.waitNoNetworks(ctx, node); err != nil {
				return err
			}
			if err := m.detachNode(ctx, owner[node], node); err != nil {
				return err
			}
		}
		pooled = append(pooled, foreign...)
	}
	for _, node := range pooled {
		if err := m.alloc.ConnectNode(ctx, m.opts.MaintenanceProject, node); err != nil {
			klog.ErrorS(err, "Failed to connect node to maintenance project", "node", node)
			return fmt.Errorf("free: %w", err)
		}
	}

	for _, node := range work {
		if err := m.ensureOBM(ctx, node); err != nil {
			return err
		}
		if err := m.powerOff(ctx, node); err != nil {
			return err
		}
		id, err := m.alloc.DetachNetwork(ctx, node, m.opts.OBMNic, m.opts.OBMNetwork)
		if err != nil {
			klog.ErrorS(err, "Failed to detach management network", "node", node)
			return fmt.Errorf("free: %w", err)
		}
		if err := m.waitAction(ctx, node, id); err != nil {
			return err
		}
		if err := m.waitNoNetworks(ctx, node); err != nil {
			return err
		}
		if err := m.detachNode(ctx, m.opts.MaintenanceProject, node); err != nil {
			return err
		}
	}

	for _, node := range work {
		if err := m.alloc.ConnectNode(ctx, toProject, node); err != nil {
			klog.ErrorS(err, "Failed to connect node to project", "node", node, "project", toProject)
			return fmt.Errorf("free: %w", err)
		}
		klog.InfoS("Node moved to project", "node", node, "project", toProject)
	}
	return nil
}

func (m *Mover) powerOff(ctx context.Context, node string) error {
	if err := m.alloc.PowerOff(ctx, node); err != nil {
		klog.ErrorS(err, "Unable to power off node", "node", node)
		return fmt.Errorf("power off: %w", err)
	}
	klog.InfoS("Node powered off", "node", node)
	return nil
}

// ensureOBM attaches the management network unless it already is, and
// waits until the node reports it.
func (m *Mover) ensureOBM(ctx context.Context, node string) error {
	info, err := m.alloc.ShowNode(ctx, node)
	if err != nil {
		return fmt.Errorf("management network: %w", err)
	}
	if !info.HasNetwork(m.opts.OBMNetwork, m.opts.OBMChannel) {
		id, err := m.alloc.ConnectNetwork(ctx, node, m.opts.OBMNic, m.opts.OBMNetwork, m.opts.OBMChannel)
		if err != nil {
			klog.ErrorS(err, "Failed to attach management network", "node", node, "network", m.opts.OBMNetwork)
			return fmt.Errorf("management network: %w", err)
		}
		if err := m.waitAction(ctx, node, id); err != nil {
			return err
		}
	}
	return m.waitNetwork(ctx, node)
}

// removeAllNetworks reverts the switch port of every NIC that still has a
// network attached, then waits for every issued action.
func (m *Mover) removeAllNetworks(ctx context.Context, nodes []string) error {
	type pending struct{ node, id string }
	var issued []pending

	for _, node := range nodes {
		info, err := m.alloc.ShowNode(ctx, node)
		if err != nil {
			return fmt.Errorf("remove networks: %w", err)
		}
		for _, nic := range info.NICs {
			if nic.Port == "" || nic.Switch == "" || len(nic.Networks) == 0 {
				continue
			}
			id, err := m.alloc.RevertPort(ctx, nic.Switch, nic.Port)
			if err != nil {
				klog.ErrorS(err, "Failed to revert port", "node", node, "switch", nic.Switch, "port", nic.Port)
				return fmt.Errorf("remove networks: %w", err)
			}
			klog.V(2).InfoS("Reverting port", "node", node, "nic", nic.Label, "switch", nic.Switch, "port", nic.Port)
			issued = append(issued, pending{node: node, id: id})
		}
	}

	for _, p := range issued {
		if err := m.waitAction(ctx, p.node, p.id); err != nil {
			return err
		}
	}
	return nil
}

// detachNode removes node from project, retrying while the allocator
// reports a pending networking action.
func (m *Mover) detachNode(ctx context.Context, project, node string) error {
	var lastErr error
	for i := 0; i < m.opts.DetachRetries; i++ {
		err := m.alloc.DetachNode(ctx, project, node)
		if err == nil {
			klog.InfoS("Node removed from project", "node", node, "project", project)
			return nil
		}
		if !hil.IsTransient(err) {
			klog.ErrorS(err, "Unable to detach node from project", "node", node, "project", project)
			return fmt.Errorf("detach %s from %s: %w", node, project, err)
		}
		lastErr = err
		klog.InfoS("Detach blocked by pending network action", "node", node, "project", project, "attempt", i+1)
		select {
		case <-time.After(m.opts.DetachBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	klog.ErrorS(lastErr, "Detach failed after retries", "node", node, "project", project)
	return fmt.Errorf("detach %s from %s after %d attempts: %w", node, project, m.opts.DetachRetries, lastErr)
}
