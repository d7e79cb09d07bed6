package slurm

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Reservation is one row of "scontrol show reservation".
type Reservation struct {
	Name      string
	StartTime time.Time
	// EndTime is zero for open-ended reservations.
	EndTime  time.Time
	Nodes    string
	Users    string
	Flags    string
	Features string
	State    string
}

// OpenEnded reports whether the reservation has no end time.
func (r Reservation) OpenEnded() bool {
	return r.EndTime.IsZero()
}

// Job is the subset of "scontrol show job" used by the prolog.
type Job struct {
	ID          string
	Name        string
	Partition   string
	Reservation string
	StartTime   time.Time
	// EndTime is zero when scontrol shows it as Unknown.
	EndTime   time.Time
	TimeLimit string
}

// Partition is the subset of "scontrol show partition" used by the prolog.
type Partition struct {
	Name    string
	State   string
	MaxTime string
	Default bool
}

func (c *Client) parseTime(s string) (time.Time, error) {
	switch s {
	case "", "Unknown", "None", "N/A":
		return time.Time{}, nil
	}
	return time.ParseInLocation(TimeLayout, s, c.Location)
}

func (c *Client) reservationFrom(rec map[string]string) (Reservation, error) {
	r := Reservation{
		Name:     rec["ReservationName"],
		Nodes:    valueOrEmpty(rec["Nodes"]),
		Users:    valueOrEmpty(rec["Users"]),
		Flags:    valueOrEmpty(rec["Flags"]),
		Features: valueOrEmpty(rec["Features"]),
		State:    rec["State"],
	}
	if r.Name == "" {
		return Reservation{}, fmt.Errorf("reservation record without ReservationName")
	}
	var err error
	if r.StartTime, err = c.parseTime(rec["StartTime"]); err != nil {
		return Reservation{}, fmt.Errorf("reservation %s: StartTime: %w", r.Name, err)
	}
	if rec["Duration"] != "UNLIMITED" {
		if r.EndTime, err = c.parseTime(rec["EndTime"]); err != nil {
			return Reservation{}, fmt.Errorf("reservation %s: EndTime: %w", r.Name, err)
		}
	}
	return r, nil
}

func (c *Client) jobFrom(rec map[string]string) (Job, error) {
	j := Job{
		ID:          rec["JobId"],
		Name:        rec["JobName"],
		Partition:   rec["Partition"],
		Reservation: valueOrEmpty(rec["Reservation"]),
		TimeLimit:   rec["TimeLimit"],
	}
	var err error
	if j.StartTime, err = c.parseTime(rec["StartTime"]); err != nil {
		return Job{}, fmt.Errorf("job %s: StartTime: %w", j.ID, err)
	}
	if j.EndTime, err = c.parseTime(rec["EndTime"]); err != nil {
		return Job{}, fmt.Errorf("job %s: EndTime: %w", j.ID, err)
	}
	return j, nil
}

func partitionFrom(rec map[string]string) Partition {
	return Partition{
		Name:    rec["PartitionName"],
		State:   rec["State"],
		MaxTime: rec["MaxTime"],
		Default: rec["Default"] == "YES",
	}
}

// scontrol prints "(null)" for unset string fields.
func valueOrEmpty(s string) string {
	if s == "(null)" {
		return ""
	}
	return s
}

// ParseMaxTime parses a partition MaxTime of the form [days-]HH:MM:SS.
// It returns ok=false for UNLIMITED.
func ParseMaxTime(s string) (d time.Duration, ok bool, err error) {
	if s == "" || strings.Contains(s, "UNLIMITED") {
		return 0, false, nil
	}
	days := 0
	hms := s
	if before, after, found := strings.Cut(s, "-"); found {
		if days, err = strconv.Atoi(before); err != nil || days < 0 {
			return 0, false, fmt.Errorf("partition MaxTime %q: bad day count", s)
		}
		hms = after
	}
	parts := strings.Split(hms, ":")
	if len(parts) != 3 {
		return 0, false, fmt.Errorf("partition MaxTime %q: want [days-]HH:MM:SS", s)
	}
	var v [3]int
	for i, p := range parts {
		if v[i], err = strconv.Atoi(p); err != nil || v[i] < 0 {
			return 0, false, fmt.Errorf("partition MaxTime %q: bad field %q", s, p)
		}
	}
	if v[1] > 59 || v[2] > 59 {
		return 0, false, fmt.Errorf("partition MaxTime %q: minutes and seconds must be below 60", s)
	}
	d = time.Duration(days)*24*time.Hour +
		time.Duration(v[0])*time.Hour +
		time.Duration(v[1])*time.Minute +
		time.Duration(v[2])*time.Second
	return d, true, nil
}
