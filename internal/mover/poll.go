package mover

import (
	"context"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/CCI-MOC/ulsr/internal/hil"
)

// TimeoutError is returned when the allocator does not reach the awaited
// state within the action timeout.
type TimeoutError struct {
	Node    string
	What    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("node %s: %s not reached within %s", e.Node, e.What, e.Timeout)
}

// poll evaluates cond every PollInterval until it returns true, returns an
// error, or ActionTimeout elapses.
func (m *Mover) poll(ctx context.Context, node, what string, cond wait.ConditionWithContextFunc) error {
	err := wait.PollUntilContextTimeout(ctx, m.opts.PollInterval, m.opts.ActionTimeout, true, cond)
	if err == nil {
		return nil
	}
	if wait.Interrupted(err) && ctx.Err() == nil {
		terr := &TimeoutError{Node: node, What: what, Timeout: m.opts.ActionTimeout}
		klog.ErrorS(terr, "Gave up waiting on allocator", "node", node)
		return terr
	}
	return err
}

// waitAction waits for a networking action to finish. An empty id means
// the allocator completed the change synchronously.
func (m *Mover) waitAction(ctx context.Context, node, id string) error {
	if id == "" {
		return nil
	}
	return m.poll(ctx, node, "networking action "+id, func(ctx context.Context) (bool, error) {
		st, err := m.alloc.ActionStatus(ctx, id)
		if err != nil {
			return false, fmt.Errorf("networking action %s: %w", id, err)
		}
		switch st {
		case hil.ActionDone:
			return true, nil
		case hil.ActionError:
			return false, fmt.Errorf("node %s: networking action %s failed", node, id)
		default:
			return false, nil
		}
	})
}

func (m *Mover) waitNetwork(ctx context.Context, node string) error {
	return m.poll(ctx, node, "management network attached", func(ctx context.Context) (bool, error) {
		info, err := m.alloc.ShowNode(ctx, node)
		if err != nil {
			return false, err
		}
		return info.HasNetwork(m.opts.OBMNetwork, m.opts.OBMChannel), nil
	})
}

func (m *Mover) waitNoNetworks(ctx context.Context, node string) error {
	return m.poll(ctx, node, "all networks removed", func(ctx context.Context) (bool, error) {
		info, err := m.alloc.ShowNode(ctx, node)
		if err != nil {
			return false, err
		}
		return !info.HasNetworks(), nil
	})
}
