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

// Package controller drives reservation pairs to convergence. Each pass
// derives all of its work from the reservation table; nothing is carried
// between passes.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/CCI-MOC/ulsr/internal/fabric"
	"github.com/CCI-MOC/ulsr/internal/resname"
	"github.com/CCI-MOC/ulsr/internal/slurm"
)

// Reconciler runs reconciliation passes.
type Reconciler struct {
	store    ReservationStore
	connect  Connector
	links    LinkUpdater
	clock    clock.PassiveClock
	recorder Recorder
	opts     Options

	verifyOwner func(resname.Name) error
}

// NewReconciler returns a Reconciler. recorder may be nil.
func NewReconciler(store ReservationStore, connect Connector, links LinkUpdater, clk clock.PassiveClock, recorder Recorder, opts Options) *Reconciler {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Reconciler{
		store:       store,
		connect:     connect,
		links:       links,
		clock:       clk,
		recorder:    recorder,
		opts:        opts,
		verifyOwner: resname.VerifyOwner,
	}
}

type entry struct {
	name resname.Name
	res  slurm.Reservation
}

// Reconcile runs one pass. Failures of individual reservations are logged
// and counted; only failures that stop the whole pass are returned.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	logger := klog.LoggerWithValues(klog.FromContext(ctx), "pass", uuid.NewString())
	ctx = klog.NewContext(ctx, logger)

	all, err := r.store.ListReservations(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list reservations: %w", err)
	}
	index := r.index(ctx, all)
	reserves, releases := singletons(index)
	logger.V(2).Info("Reservations classified", "owned", len(index), "reserveSingletons", len(reserves), "releaseSingletons", len(releases))

	var result Result
	if len(reserves) == 0 && len(releases) == 0 {
		logger.V(2).Info("Nothing to do")
		return result, nil
	}

	mover, err := r.connect(ctx)
	if err != nil {
		return result, fmt.Errorf("connect to allocator: %w", err)
	}

	for _, e := range releases {
		if err := r.release(ctx, mover, e); err != nil {
			logger.Error(err, "Release reservation failed", "reservation", e.res.Name, "nodes", e.res.Nodes)
			r.recorder.Failed(resname.Release)
			result.Failed++
			continue
		}
		r.recorder.Processed(resname.Release)
		result.Released++
	}
	for _, e := range reserves {
		if err := r.reserve(ctx, mover, e); err != nil {
			logger.Error(err, "Reserve reservation failed", "reservation", e.res.Name, "nodes", e.res.Nodes)
			r.recorder.Failed(resname.Reserve)
			result.Failed++
			continue
		}
		r.recorder.Processed(resname.Reserve)
		result.Reserved++
	}

	logger.Info("Reconciliation pass complete", "reserved", result.Reserved, "released", result.Released, "failed", result.Failed)
	return result, nil
}

// index keeps well formed, self owned reservations keyed by name.
func (r *Reconciler) index(ctx context.Context, all []slurm.Reservation) map[string]entry {
	logger := klog.FromContext(ctx)
	index := make(map[string]entry)
	for _, res := range all {
		n, err := resname.Parse(r.opts.Prefix, res.Name)
		if err != nil {
			logger.V(5).Info("Ignoring reservation", "reservation", res.Name, "reason", err)
			continue
		}
		if r.opts.VerifyOwner {
			if err := r.verifyOwner(n); err != nil {
				logger.Info("Ignoring reservation with unverified owner", "reservation", res.Name, "reason", err.Error())
				continue
			}
		}
		index[res.Name] = entry{name: n, res: res}
	}
	return index
}

// singletons returns the reserve and release reservations whose pair is
// absent, each sorted by name.
func singletons(index map[string]entry) (reserves, releases []entry) {
	for _, e := range index {
		if _, paired := index[e.name.Pair().String()]; paired {
			continue
		}
		switch e.name.Kind {
		case resname.Reserve:
			reserves = append(reserves, e)
		case resname.Release:
			releases = append(releases, e)
		}
	}
	byName := func(s []entry) {
		sort.Slice(s, func(i, j int) bool { return s[i].res.Name < s[j].res.Name })
	}
	byName(reserves)
	byName(releases)
	return reserves, releases
}

func (r *Reconciler) nodes(ctx context.Context, res slurm.Reservation) ([]string, error) {
	if res.Nodes == "" {
		return nil, fmt.Errorf("reservation %s has no nodes", res.Name)
	}
	nodes, err := r.store.Hostnames(ctx, res.Nodes)
	if err != nil {
		return nil, fmt.Errorf("expand nodes %q: %w", res.Nodes, err)
	}
	return nodes, nil
}

// release returns a release singleton's nodes to the loaner project,
// restores their links and deletes the reservation. Link state is keyed
// by the reserve half's name.
func (r *Reconciler) release(ctx context.Context, mover NodeMover, e entry) error {
	logger := klog.FromContext(ctx).WithValues("reservation", e.res.Name)
	nodes, err := r.nodes(ctx, e.res)
	if err != nil {
		return err
	}
	if err := mover.Free(ctx, nodes, r.opts.LoanerProject); err != nil {
		return fmt.Errorf("free nodes: %w", err)
	}
	if err := r.links.UpdateLinks(ctx, e.name.Pair().String(), nodes, fabric.Restore); err != nil {
		return fmt.Errorf("restore links: %w", err)
	}
	if err := r.store.DeleteReservation(ctx, e.res.Name); err != nil {
		if !errors.Is(err, slurm.ErrNotFound) {
			return fmt.Errorf("delete reservation: %w", err)
		}
		logger.Info("Release reservation already gone")
	}
	logger.Info("Release reservation processed", "nodes", nodes)
	return nil
}

// reserve moves a reserve singleton's nodes to the free pool, isolates
// their links and creates the paired release reservation.
func (r *Reconciler) reserve(ctx context.Context, mover NodeMover, e entry) error {
	logger := klog.FromContext(ctx).WithValues("reservation", e.res.Name)
	nodes, err := r.nodes(ctx, e.res)
	if err != nil {
		return err
	}
	if err := mover.Reserve(ctx, nodes, r.opts.LoanerProject); err != nil {
		return fmt.Errorf("reserve nodes: %w", err)
	}
	if err := r.links.UpdateLinks(ctx, e.res.Name, nodes, fabric.Disable); err != nil {
		return fmt.Errorf("disable links: %w", err)
	}
	if r.opts.DryRunLinks {
		logger.Info("Links only checked, release reservation not created", "nodes", nodes)
		return nil
	}

	now := r.clock.Now()
	spec := slurm.ReservationSpec{
		Name:     e.name.Pair().String(),
		User:     e.res.Users,
		Start:    now,
		End:      r.releaseEnd(now, e.res),
		Nodes:    e.res.Nodes,
		Flags:    r.opts.Flags,
		Features: r.opts.Features,
	}
	if err := r.store.CreateReservation(ctx, spec); err != nil {
		return fmt.Errorf("create release reservation %s: %w", spec.Name, err)
	}
	end := "UNLIMITED"
	if !spec.End.IsZero() {
		end = spec.End.Format(slurm.TimeLayout)
	}
	logger.Info("Reserve reservation processed", "release", spec.Name, "nodes", nodes, "start", spec.Start.Format(slurm.TimeLayout), "end", end)
	return nil
}

// releaseEnd is the reserve end plus the grace period, or now plus the
// default duration when that is not in the future. An open ended reserve
// gives an open ended release.
func (r *Reconciler) releaseEnd(now time.Time, res slurm.Reservation) time.Time {
	if res.OpenEnded() {
		return time.Time{}
	}
	end := res.EndTime.Add(r.opts.GracePeriod)
	if !end.After(now) {
		end = now.Add(r.opts.DefaultDuration)
	}
	return end
}
