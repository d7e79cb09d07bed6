package slurm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CCI-MOC/ulsr/internal/runner"
)

type fakeRunner struct {
	calls   []runner.Command
	results map[string]runner.Result
	errs    map[string]error
}

func (f *fakeRunner) Run(_ context.Context, cmd runner.Command) (runner.Result, error) {
	f.calls = append(f.calls, cmd)
	key := strings.Join(cmd.Args, " ")
	for prefix, err := range f.errs {
		if strings.HasPrefix(key, prefix) {
			return f.results[prefix], err
		}
	}
	for prefix, res := range f.results {
		if strings.HasPrefix(key, prefix) {
			return res, nil
		}
	}
	return runner.Result{}, nil
}

func newTestClient(f *fakeRunner) *Client {
	c := NewClient(f, "/opt/slurm/bin")
	c.Location = time.UTC
	return c
}

const reservationsOut = `ReservationName=flexalloc_MOC_reserve_alice_1001_1700000000 StartTime=2023-11-14T22:13:20 EndTime=2023-11-15T22:13:20 Duration=1-00:00:00 Nodes=node[1-2] NodeCnt=2 CoreCnt=64 Features=HIL PartitionName=(null) Flags=MAINT,IGNORE_JOBS,SPEC_NODES TRES=cpu=64 Users=alice Accounts=(null) Licenses=(null) State=ACTIVE BurstBuffer=(null) Watts=n/a
ReservationName=maint StartTime=2023-11-14T00:00:00 EndTime=2024-11-13T00:00:00 Duration=UNLIMITED Nodes=node9 NodeCnt=1 Features=(null) Flags=MAINT Users=root State=INACTIVE
`

func TestListReservations(t *testing.T) {
	f := &fakeRunner{results: map[string]runner.Result{"show reservation": {Stdout: reservationsOut}}}
	c := newTestClient(f)

	got, err := c.ListReservations(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)

	r := got[0]
	assert.Equal(t, "flexalloc_MOC_reserve_alice_1001_1700000000", r.Name)
	assert.Equal(t, time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC), r.StartTime)
	assert.Equal(t, time.Date(2023, 11, 15, 22, 13, 20, 0, time.UTC), r.EndTime)
	assert.Equal(t, "node[1-2]", r.Nodes)
	assert.Equal(t, "alice", r.Users)
	assert.Equal(t, "HIL", r.Features)
	assert.False(t, r.OpenEnded())

	assert.True(t, got[1].OpenEnded())
	assert.Equal(t, "", got[1].Features)

	require.Len(t, f.calls, 1)
	assert.Equal(t, "/opt/slurm/bin/scontrol", f.calls[0].Name)
	assert.Equal(t, []string{"show", "reservation", "-o"}, f.calls[0].Args)
}

func TestListReservationsEmpty(t *testing.T) {
	f := &fakeRunner{results: map[string]runner.Result{"show reservation": {Stdout: "No reservations in the system\n"}}}
	got, err := newTestClient(f).ListReservations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestShowReservationNotFound(t *testing.T) {
	f := &fakeRunner{
		results: map[string]runner.Result{"show reservation": {Stdout: "Reservation nope not found\n"}},
		errs:    map[string]error{"show reservation": &runner.ExitError{Code: 1}},
	}
	_, err := newTestClient(f).ShowReservation(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStderrIsFailure(t *testing.T) {
	f := &fakeRunner{results: map[string]runner.Result{"show reservation": {Stderr: "slurm_load_reservations error: Unable to contact slurm controller"}}}
	_, err := newTestClient(f).ListReservations(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "Unable to contact")
}

func TestStartFailureIsNotAMiss(t *testing.T) {
	f := &fakeRunner{errs: map[string]error{"show reservation": errors.New(`exec: "scontrol": executable file not found in $PATH`)}}
	_, err := newTestClient(f).ListReservations(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestCreateReservation(t *testing.T) {
	f := &fakeRunner{}
	c := newTestClient(f)
	start := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)

	err := c.CreateReservation(context.Background(), ReservationSpec{
		Name:     "flexalloc_MOC_release_alice_1001_1700000000",
		User:     "alice",
		Start:    start,
		End:      start.Add(4 * time.Hour),
		Nodes:    "node[1-2]",
		Flags:    "MAINT,IGNORE_JOBS",
		Features: "HIL",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"create", "reservation",
		"ReservationName=flexalloc_MOC_release_alice_1001_1700000000",
		"starttime=2023-11-14T22:13:20",
		"endtime=2023-11-15T02:13:20",
		"user=alice",
		"nodes=node[1-2]",
		"flags=MAINT,IGNORE_JOBS",
		"features=HIL",
	}, f.calls[0].Args)

	f.calls = nil
	require.NoError(t, c.CreateReservation(context.Background(), ReservationSpec{Name: "x", User: "bob", Start: start}))
	assert.Contains(t, f.calls[0].Args, "duration=UNLIMITED")
	assert.Contains(t, f.calls[0].Args, "nodes=ALL")
}

func TestDeleteAndUpdateReservation(t *testing.T) {
	f := &fakeRunner{}
	c := newTestClient(f)

	require.NoError(t, c.DeleteReservation(context.Background(), "r1"))
	assert.Equal(t, []string{"delete", "ReservationName=r1"}, f.calls[0].Args)

	require.NoError(t, c.UpdateReservation(context.Background(), "r1", map[string]string{"starttime": "now", "duration": "60"}))
	assert.Equal(t, []string{"update", "ReservationName=r1", "duration=60", "starttime=now"}, f.calls[1].Args)
}

func TestHostnames(t *testing.T) {
	f := &fakeRunner{results: map[string]runner.Result{"show hostnames": {Stdout: "node1\nnode2\nnode3\n"}}}
	got, err := newTestClient(f).Hostnames(context.Background(), "node[1-3]")
	require.NoError(t, err)
	assert.Equal(t, []string{"node1", "node2", "node3"}, got)
	assert.Equal(t, []string{"show", "hostnames", "node[1-3]"}, f.calls[0].Args)
}

func TestShowJobAndPartition(t *testing.T) {
	f := &fakeRunner{results: map[string]runner.Result{
		"show job":       {Stdout: "JobId=42 JobName=hil_reserve UserId=alice(1001) Partition=ULSR_partition_a TimeLimit=UNLIMITED StartTime=2023-11-14T22:13:20 EndTime=Unknown Reservation=(null)\n"},
		"show partition": {Stdout: "PartitionName=ULSR_partition_a Default=NO MaxTime=1-02:00:00 State=UP\n"},
	}}
	c := newTestClient(f)

	j, err := c.ShowJob(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "hil_reserve", j.Name)
	assert.True(t, j.EndTime.IsZero())
	assert.Equal(t, "", j.Reservation)

	p, err := c.ShowPartition(context.Background(), "ULSR_partition_a")
	require.NoError(t, err)
	assert.Equal(t, "UP", p.State)
	assert.Equal(t, "1-02:00:00", p.MaxTime)
	assert.False(t, p.Default)
}

func TestParseMaxTime(t *testing.T) {
	d, ok, err := ParseMaxTime("1-02:03:04")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 26*time.Hour+3*time.Minute+4*time.Second, d)

	d, ok, err = ParseMaxTime("12:00:00")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 12*time.Hour, d)

	_, ok, err = ParseMaxTime("UNLIMITED")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = ParseMaxTime("soon")
	assert.Error(t, err)
	_, _, err = ParseMaxTime("1-02:75:00")
	assert.Error(t, err)
}
