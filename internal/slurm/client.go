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

// Package slurm drives the batch scheduler through scontrol.
package slurm

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/CCI-MOC/ulsr/internal/runner"
)

// TimeLayout is the layout scontrol uses to show and accept times.
const TimeLayout = "2006-01-02T15:04:05"

// ErrNotFound is returned when scontrol reports that the requested object
// does not exist.
var ErrNotFound = errors.New("not found")

// scontrol reports lookup misses as text, not through its exit status.
var missMarkers = map[string]string{
	"reservation": "not found",
	"job":         "Invalid job id",
	"partition":   "not found",
}

// Client runs scontrol through a Runner.
type Client struct {
	run      runner.Runner
	scontrol string
	// Location interprets the wall-clock times scontrol prints.
	Location *time.Location
}

// NewClient returns a client for the scontrol binary in installDir.
func NewClient(r runner.Runner, installDir string) *Client {
	return &Client{
		run:      r,
		scontrol: filepath.Join(installDir, "scontrol"),
		Location: time.Local,
	}
}

// ReservationSpec describes a reservation to create. A zero End creates an
// open-ended reservation.
type ReservationSpec struct {
	Name     string
	User     string
	Start    time.Time
	End      time.Time
	Nodes    string
	Flags    string
	Features string
}

// exec runs scontrol. Any stderr output is a failure even with a zero
// exit status. The returned diagnostic is the text scontrol printed, which
// callers match against lookup-miss markers.
func (c *Client) exec(ctx context.Context, args ...string) (stdout, diag string, err error) {
	cmd := runner.Command{Name: c.scontrol, Args: args}
	res, err := c.run.Run(ctx, cmd)
	if err != nil {
		klog.ErrorS(err, "scontrol failed", "command", cmd.String(), "stdout", res.Stdout, "stderr", res.Stderr)
		return res.Stdout, res.Stdout + res.Stderr, fmt.Errorf("scontrol %s: %w", strings.Join(args, " "), err)
	}
	if s := strings.TrimSpace(res.Stderr); s != "" {
		klog.ErrorS(nil, "scontrol reported an error", "command", cmd.String(), "stderr", s)
		return res.Stdout, res.Stdout + res.Stderr, fmt.Errorf("scontrol %s: %s", strings.Join(args, " "), s)
	}
	klog.V(5).InfoS("scontrol output", "command", cmd.String(), "stdout", res.Stdout)
	return res.Stdout, "", nil
}

// show runs "scontrol show <entity> [id] -o" and splits each output line
// into key/value fields.
func (c *Client) show(ctx context.Context, entity, id string) ([]map[string]string, error) {
	args := []string{"show", entity}
	if id != "" {
		args = append(args, id)
	}
	args = append(args, "-o")

	out, diag, err := c.exec(ctx, args...)
	if marker := missMarkers[entity]; marker != "" && strings.Contains(diag, marker) {
		return nil, fmt.Errorf("%s %q: %w", entity, id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if marker := missMarkers[entity]; marker != "" && id != "" && strings.Contains(out, marker) {
		return nil, fmt.Errorf("%s %q: %w", entity, id, ErrNotFound)
	}
	return parseLines(out), nil
}

// parseLines splits one-line scontrol output. Tokens without '=' are
// dropped.
func parseLines(out string) []map[string]string {
	var records []map[string]string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "No ") {
			continue
		}
		rec := make(map[string]string)
		for _, tok := range strings.Fields(line) {
			k, v, ok := strings.Cut(tok, "=")
			if !ok {
				continue
			}
			rec[k] = v
		}
		if len(rec) > 0 {
			records = append(records, rec)
		}
	}
	return records
}

// ListReservations returns every reservation the scheduler knows about.
func (c *Client) ListReservations(ctx context.Context) ([]Reservation, error) {
	records, err := c.show(ctx, "reservation", "")
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Reservation
	for _, rec := range records {
		r, err := c.reservationFrom(rec)
		if err != nil {
			klog.ErrorS(err, "Skipping unparsable reservation", "reservation", rec["ReservationName"])
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// ShowReservation returns the named reservation or ErrNotFound.
func (c *Client) ShowReservation(ctx context.Context, name string) (Reservation, error) {
	records, err := c.show(ctx, "reservation", name)
	if err != nil {
		return Reservation{}, err
	}
	if len(records) == 0 {
		return Reservation{}, fmt.Errorf("reservation %q: %w", name, ErrNotFound)
	}
	return c.reservationFrom(records[0])
}

// CreateReservation creates a reservation from spec.
func (c *Client) CreateReservation(ctx context.Context, spec ReservationSpec) error {
	args := []string{
		"create", "reservation",
		"ReservationName=" + spec.Name,
		"starttime=" + spec.Start.In(c.Location).Format(TimeLayout),
	}
	if spec.End.IsZero() {
		args = append(args, "duration=UNLIMITED")
	} else {
		args = append(args, "endtime="+spec.End.In(c.Location).Format(TimeLayout))
	}
	args = append(args, "user="+spec.User)
	nodes := spec.Nodes
	if nodes == "" {
		nodes = "ALL"
	}
	args = append(args, "nodes="+nodes)
	if spec.Flags != "" {
		args = append(args, "flags="+spec.Flags)
	}
	if spec.Features != "" {
		args = append(args, "features="+spec.Features)
	}

	if _, _, err := c.exec(ctx, args...); err != nil {
		return err
	}
	klog.InfoS("Created reservation", "reservation", spec.Name, "start", spec.Start, "end", spec.End, "nodes", nodes)
	return nil
}

// DeleteReservation deletes the named reservation.
func (c *Client) DeleteReservation(ctx context.Context, name string) error {
	_, diag, err := c.exec(ctx, "delete", "ReservationName="+name)
	if err != nil && strings.Contains(diag, "not found") {
		return fmt.Errorf("reservation %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return err
	}
	klog.InfoS("Deleted reservation", "reservation", name)
	return nil
}

// UpdateReservation sets fields on the named reservation.
func (c *Client) UpdateReservation(ctx context.Context, name string, fields map[string]string) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := []string{"update", "ReservationName=" + name}
	for _, k := range keys {
		args = append(args, k+"="+fields[k])
	}
	_, _, err := c.exec(ctx, args...)
	return err
}

// ShowJob returns the job with the given id or ErrNotFound.
func (c *Client) ShowJob(ctx context.Context, id string) (Job, error) {
	records, err := c.show(ctx, "job", id)
	if err != nil {
		return Job{}, err
	}
	if len(records) == 0 {
		return Job{}, fmt.Errorf("job %q: %w", id, ErrNotFound)
	}
	return c.jobFrom(records[0])
}

// ShowPartition returns the named partition or ErrNotFound.
func (c *Client) ShowPartition(ctx context.Context, name string) (Partition, error) {
	records, err := c.show(ctx, "partition", name)
	if err != nil {
		return Partition{}, err
	}
	if len(records) == 0 {
		return Partition{}, fmt.Errorf("partition %q: %w", name, ErrNotFound)
	}
	return partitionFrom(records[0]), nil
}

// Hostnames expands a hostlist expression such as "node[1-3],gpu7".
func (c *Client) Hostnames(ctx context.Context, expr string) ([]string, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}
	out, _, err := c.exec(ctx, "show", "hostnames", expr)
	if err != nil {
		return nil, err
	}
	return strings.Fields(out), nil
}
