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

// Package prolog handles the scheduler controller's prolog and epilog for
// reservation request jobs. The prolog creates the reserve reservation for
// a hil_reserve job; the epilog deletes it for a hil_release job. Node
// moves are left to the monitor.
package prolog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/CCI-MOC/ulsr/internal/resname"
	"github.com/CCI-MOC/ulsr/internal/slurm"
)

// Environment is what the scheduler passes to the prolog and epilog.
type Environment struct {
	JobName   string
	Partition string
	User      string
	JobID     string
	UID       string
	Account   string
	NodeList  string
}

// EnvironmentFrom reads the SLURM_JOB_* variables through getenv.
func EnvironmentFrom(getenv func(string) string) Environment {
	return Environment{
		JobName:   getenv("SLURM_JOB_NAME"),
		Partition: getenv("SLURM_JOB_PARTITION"),
		User:      getenv("SLURM_JOB_USER"),
		JobID:     getenv("SLURM_JOB_ID"),
		UID:       getenv("SLURM_JOB_UID"),
		Account:   getenv("SLURM_JOB_ACCOUNT"),
		NodeList:  getenv("SLURM_JOB_NODELIST"),
	}
}

// Scheduler is the part of the reservation store the hook uses.
type Scheduler interface {
	ShowJob(ctx context.Context, id string) (slurm.Job, error)
	ShowPartition(ctx context.Context, name string) (slurm.Partition, error)
	ShowReservation(ctx context.Context, name string) (slurm.Reservation, error)
	CreateReservation(ctx context.Context, spec slurm.ReservationSpec) error
	DeleteReservation(ctx context.Context, name string) error
}

// Options configures a Hook.
type Options struct {
	Prefix              string
	PartitionPrefix     string
	CheckPartitionState bool
	Flags               string
	Features            string
	ReserveCommand      string
	ReleaseCommand      string
	GracePeriod         time.Duration
	DefaultDuration     time.Duration

	// CheckDefaultPartition refuses reservations in the default partition.
	CheckDefaultPartition bool
}

// Hook runs the prolog and epilog.
type Hook struct {
	sched Scheduler
	log   logrus.FieldLogger
	clock clock.PassiveClock
	opts  Options
}

func NewHook(sched Scheduler, log logrus.FieldLogger, clk clock.PassiveClock, opts Options) *Hook {
	return &Hook{sched: sched, log: log, clock: clk, opts: opts}
}

// errNotHandled means the job is not a reservation request for this hook.
var errNotHandled = errors.New("not a reservation request")

// lookup checks that the job is named command and runs in a usable
// reservation partition, then fetches the job.
func (h *Hook) lookup(ctx context.Context, env Environment, command string) (slurm.Job, slurm.Partition, error) {
	log := h.log.WithFields(logrus.Fields{"job": env.JobID, "partition": env.Partition, "user": env.User})
	if env.Partition == "" || env.JobID == "" {
		log.Debug("Missing scheduler prolog/epilog environment")
		return slurm.Job{}, slurm.Partition{}, errNotHandled
	}
	if env.JobName != command {
		log.Debugf("Job name %q is not %q, nothing to do", env.JobName, command)
		return slurm.Job{}, slurm.Partition{}, errNotHandled
	}

	part, err := h.sched.ShowPartition(ctx, env.Partition)
	if err != nil {
		return slurm.Job{}, slurm.Partition{}, fmt.Errorf("show partition: %w", err)
	}
	if !strings.HasPrefix(part.Name, h.opts.PartitionPrefix) {
		log.Infof("Partition %s does not match %s*", part.Name, h.opts.PartitionPrefix)
		return slurm.Job{}, slurm.Partition{}, errNotHandled
	}
	if h.opts.CheckPartitionState && part.State != "UP" {
		log.Infof("Partition %s state %s is not UP", part.Name, part.State)
		return slurm.Job{}, slurm.Partition{}, errNotHandled
	}
	if h.opts.CheckDefaultPartition && part.Default {
		log.Infof("Partition %s is the default partition and cannot be used for reservations", part.Name)
		return slurm.Job{}, slurm.Partition{}, errNotHandled
	}

	job, err := h.sched.ShowJob(ctx, env.JobID)
	if err != nil {
		return slurm.Job{}, slurm.Partition{}, fmt.Errorf("show job: %w", err)
	}
	return job, part, nil
}

// Prolog creates the reserve reservation for a reserve request job unless
// it already exists.
func (h *Hook) Prolog(ctx context.Context, env Environment) error {
	job, part, err := h.lookup(ctx, env, h.opts.ReserveCommand)
	if errors.Is(err, errNotHandled) {
		return nil
	}
	if err != nil {
		return err
	}
	h.log.Info("Processing reserve request")

	start, end, err := ReservationWindow(job, part, h.clock.Now(), h.opts.GracePeriod, h.opts.DefaultDuration)
	if err != nil {
		return err
	}
	name := resname.New(h.opts.Prefix, resname.Reserve, env.User, env.UID, start).String()
	log := h.log.WithField("reservation", name)

	_, err = h.sched.ShowReservation(ctx, name)
	switch {
	case err == nil:
		log.Info("Reserve reservation already exists")
		return nil
	case !errors.Is(err, slurm.ErrNotFound):
		return fmt.Errorf("show reservation %s: %w", name, err)
	}

	log.Infof("Creating reserve reservation, ending %s", end.Format(slurm.TimeLayout))
	err = h.sched.CreateReservation(ctx, slurm.ReservationSpec{
		Name:     name,
		User:     env.User,
		Start:    start,
		End:      end,
		Nodes:    env.NodeList,
		Flags:    h.opts.Flags,
		Features: h.opts.Features,
	})
	if err != nil {
		log.WithError(err).Error("Error creating reservation")
		return err
	}
	log.Info("Created reserve reservation")
	return nil
}

// Epilog deletes the reserve reservation a release request job ran in.
// Only the job user's own reserve reservations are deleted.
func (h *Hook) Epilog(ctx context.Context, env Environment) error {
	job, _, err := h.lookup(ctx, env, h.opts.ReleaseCommand)
	if errors.Is(err, errNotHandled) {
		return nil
	}
	if err != nil {
		return err
	}
	h.log.Info("Processing release request")

	if job.Reservation == "" {
		return fmt.Errorf("no reservation specified to %s", job.Name)
	}
	n, err := resname.Parse(h.opts.Prefix, job.Reservation)
	if err != nil || n.Kind != resname.Reserve {
		return fmt.Errorf("reservation %s is not a reserve reservation", job.Reservation)
	}
	if n.User != env.User {
		return fmt.Errorf("reservation %s not owned by user %s", job.Reservation, env.User)
	}

	log := h.log.WithField("reservation", job.Reservation)
	if err := h.sched.DeleteReservation(ctx, job.Reservation); err != nil {
		log.WithError(err).Error("Error deleting reserve reservation")
		return err
	}
	log.Info("Deleted reserve reservation")
	return nil
}

// ReservationWindow returns the reservation start and end for job. The
// start is the job start, or now if the scheduler has none. The end is the
// job end plus grace. Without a job end the partition MaxTime is added to
// the start, or def when the partition is unlimited.
func ReservationWindow(job slurm.Job, part slurm.Partition, now time.Time, grace, def time.Duration) (start, end time.Time, err error) {
	start = job.StartTime
	if start.IsZero() {
		start = now
	}
	if !job.EndTime.IsZero() {
		return start, job.EndTime.Add(grace), nil
	}
	limit, ok, err := slurm.ParseMaxTime(part.MaxTime)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !ok {
		return start, start.Add(def), nil
	}
	return start, start.Add(limit), nil
}
