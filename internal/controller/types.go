package controller

import (
	"context"
	"time"

	"github.com/CCI-MOC/ulsr/internal/fabric"
	"github.com/CCI-MOC/ulsr/internal/resname"
	"github.com/CCI-MOC/ulsr/internal/slurm"
)

// ReservationStore is the scheduler's reservation table.
type ReservationStore interface {
	ListReservations(ctx context.Context) ([]slurm.Reservation, error)
	CreateReservation(ctx context.Context, spec slurm.ReservationSpec) error
	DeleteReservation(ctx context.Context, name string) error
	Hostnames(ctx context.Context, expr string) ([]string, error)
}

// NodeMover moves nodes between the loaner project and the free pool.
type NodeMover interface {
	Reserve(ctx context.Context, nodes []string, fromProject string) error
	Free(ctx context.Context, nodes []string, toProject string) error
}

// LinkUpdater disables and restores the fabric links of reserved nodes.
type LinkUpdater interface {
	UpdateLinks(ctx context.Context, reservation string, nodes []string, action fabric.Action) error
}

// Connector opens an allocator session for one pass.
type Connector func(ctx context.Context) (NodeMover, error)

// Recorder observes reservation outcomes.
type Recorder interface {
	Processed(kind resname.Kind)
	Failed(kind resname.Kind)
}

// Options configures a Reconciler.
type Options struct {
	Prefix        string
	LoanerProject string
	Flags         string
	Features      string
	// GracePeriod is added to the reserve reservation's end to give the
	// release reservation's end.
	GracePeriod time.Duration
	// DefaultDuration bounds a release whose computed end is already past.
	DefaultDuration time.Duration
	// VerifyOwner drops names whose user and UID are not the same account.
	VerifyOwner bool
	// DryRunLinks is set when link updates only survey and check. The
	// release reservation is then not created, so the reserve stays a
	// singleton until a pass records a real pre-image.
	DryRunLinks bool
}

// Result counts the reservations a pass processed.
type Result struct {
	Reserved int
	Released int
	Failed   int
}

type noopRecorder struct{}

func (noopRecorder) Processed(resname.Kind) {}
func (noopRecorder) Failed(resname.Kind)    {}
