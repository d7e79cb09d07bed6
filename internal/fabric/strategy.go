package fabric

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"github.com/CCI-MOC/ulsr/internal/runner"
)

// Verb is the port state command argument: "enable", "disable", or empty
// for a check that changes nothing.
type Verb string

const (
	VerbEnable  Verb = "enable"
	VerbDisable Verb = "disable"
	VerbCheck   Verb = ""
)

// PortCommand is one port state change.
type PortCommand struct {
	Record
	Verb Verb
}

// Strategy surveys and controls switch ports for a set of nodes.
type Strategy interface {
	Name() string
	// Survey reports every host adapter link of every node. Links that
	// are down are returned with Up=false.
	Survey(ctx context.Context, nodes []string) (map[string][]Link, error)
	// Control applies cmds. With dryRun nothing is changed.
	Control(ctx context.Context, cmds []PortCommand, dryRun bool) error
	// EnforcesPermits is true when permits must be checked locally.
	EnforcesPermits() bool
}

// Direct queries nodes over SSH with unprivileged tools and changes switch
// ports with a locally run port state program, which needs read/write
// access to the local UMAD devices.
type Direct struct {
	Remote    runner.Remote
	Local     runner.Runner
	IBStat    string
	LinkInfo  string
	PortState string
}

func (d *Direct) Name() string { return "direct" }

func (d *Direct) EnforcesPermits() bool { return true }

func (d *Direct) Survey(ctx context.Context, nodes []string) (map[string][]Link, error) {
	out := make(map[string][]Link)
	for _, node := range nodes {
		stat, err := runner.ParseCommand(d.IBStat)
		if err != nil {
			return nil, err
		}
		res, err := d.Remote.RunOn(ctx, node, stat)
		if err != nil {
			klog.ErrorS(err, "Unable to retrieve IB port info", "node", node, "stderr", res.Stderr)
			return nil, fmt.Errorf("node %s: ibstat: %w", node, err)
		}
		nports := len(strings.Fields(res.Stdout))
		if nports == 0 {
			return nil, fmt.Errorf("node %s: no IB ports reported", node)
		}

		for hostPort := nports; hostPort > 0; hostPort-- {
			info, err := runner.ParseCommand(d.LinkInfo, strconv.Itoa(hostPort))
			if err != nil {
				return nil, err
			}
			res, err := d.Remote.RunOn(ctx, node, info)
			if err != nil {
				klog.ErrorS(err, "Failed to retrieve peer switch port", "node", node, "hostPort", hostPort, "stderr", res.Stderr)
				return nil, fmt.Errorf("node %s port %d: link info: %w", node, hostPort, err)
			}
			first, _, _ := strings.Cut(strings.TrimLeft(res.Stdout, "\n"), "\n")
			l, err := ParseLinkLine(first)
			if err != nil && l.Up {
				return nil, fmt.Errorf("node %s port %d: %w", node, hostPort, err)
			}
			if err != nil {
				l = Link{}
			}
			out[node] = append(out[node], l)
		}
	}
	return out, nil
}

func (d *Direct) Control(ctx context.Context, cmds []PortCommand, dryRun bool) error {
	for _, c := range cmds {
		cmd, err := runner.ParseCommand(d.PortState, "-G", c.GUID, c.Port)
		if err != nil {
			return err
		}
		if c.Verb != VerbCheck {
			cmd.Args = append(cmd.Args, string(c.Verb))
		}
		if dryRun || c.Verb == VerbCheck {
			klog.InfoS("IB link control command (not run)", "command", cmd.String(), "node", c.Node)
			continue
		}
		res, err := d.Local.Run(ctx, cmd)
		if err != nil {
			klog.ErrorS(err, "IB port control failed", "command", cmd.String(), "node", c.Node, "stderr", res.Stderr)
			return fmt.Errorf("switch %s port %s %s: %w", c.GUID, c.Port, c.Verb, err)
		}
		klog.InfoS("IB port updated", "node", c.Node, "guid", c.GUID, "port", c.Port, "verb", c.Verb)
	}
	return nil
}

// Indirect runs restricted privileged helpers: one on each node to report
// links, and one locally that reads "<guid> <port> <verb>" lines on stdin
// and checks each pair against the permit file itself.
type Indirect struct {
	Remote    runner.Remote
	Local     runner.Runner
	LinkInfo  string
	PortState string
}

func (i *Indirect) Name() string { return "indirect" }

func (i *Indirect) EnforcesPermits() bool { return false }

func (i *Indirect) Survey(ctx context.Context, nodes []string) (map[string][]Link, error) {
	out := make(map[string][]Link)
	for _, node := range nodes {
		info, err := runner.ParseCommand(i.LinkInfo)
		if err != nil {
			return nil, err
		}
		res, err := i.Remote.RunOn(ctx, node, info)
		if err != nil {
			err = helperError(err)
			klog.ErrorS(err, "Failed to retrieve peer switch ports", "node", node, "stderr", res.Stderr)
			return nil, fmt.Errorf("node %s: link info helper: %w", node, err)
		}
		for _, line := range strings.Split(res.Stdout, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			l, err := ParseLinkLine(line)
			if err != nil && l.Up {
				return nil, fmt.Errorf("node %s: %w", node, err)
			}
			if err != nil {
				l = Link{}
			}
			out[node] = append(out[node], l)
		}
		if len(out[node]) == 0 {
			return nil, fmt.Errorf("node %s: link info helper reported no links", node)
		}
	}
	return out, nil
}

func (i *Indirect) Control(ctx context.Context, cmds []PortCommand, dryRun bool) error {
	if len(cmds) == 0 {
		return nil
	}
	var input strings.Builder
	for _, c := range cmds {
		v := c.Verb
		if dryRun {
			v = VerbCheck
		}
		fmt.Fprintf(&input, "%s %s %s\n", c.GUID, c.Port, v)
	}
	cmd, err := runner.ParseCommand(i.PortState)
	if err != nil {
		return err
	}
	cmd.Stdin = []byte(input.String())

	klog.InfoS("IB link control command", "command", cmd.String(), "ports", len(cmds), "dryRun", dryRun)
	res, err := i.Local.Run(ctx, cmd)
	if err != nil {
		err = helperError(err)
		klog.ErrorS(err, "Failed to update IB switch ports", "stdout", res.Stdout)
		return err
	}
	return nil
}

// HelperError is a non-zero exit of a privileged helper.
type HelperError struct {
	Code int
	Msg  string
}

var helperExitCodes = map[int]string{
	1: "Invalid GUID format",
	2: "Invalid port number format",
	3: "Invalid port action",
	4: "Invalid input line",
	5: "Failed GUID / port combination check",
	6: "File checks failed",
}

func (e *HelperError) Error() string {
	return fmt.Sprintf("%s (%d)", e.Msg, e.Code)
}

// helperError maps a helper's exit status to its documented meaning.
func helperError(err error) error {
	code := runner.ExitCode(err)
	if code < 0 {
		return err
	}
	msg, ok := helperExitCodes[code]
	if !ok {
		msg = "Unknown error"
	}
	return &HelperError{Code: code, Msg: msg}
}

var access = unix.Access

// UMADAccessible reports whether every device matching pattern exists and
// is readable and writable by this process.
func UMADAccessible(pattern string) bool {
	devs, _ := filepath.Glob(pattern)
	if len(devs) == 0 {
		klog.ErrorS(nil, "No InfiniBand UMAD devices found", "pattern", pattern)
		return false
	}
	for _, d := range devs {
		if err := access(d, unix.R_OK|unix.W_OK); err != nil {
			klog.V(2).InfoS("IB UMAD device not directly accessible", "device", d, "err", err)
			return false
		}
	}
	return true
}
