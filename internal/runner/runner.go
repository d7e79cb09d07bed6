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

// Package runner runs commands locally or on cluster nodes and captures
// their output and exit status.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"k8s.io/klog/v2"
)

// ErrTimeout is returned when a command does not finish before its
// deadline.
var ErrTimeout = errors.New("timer expired")

// Command is a program invocation. Stdin, when set, is written to the
// program's standard input.
type Command struct {
	Name  string
	Args  []string
	Stdin []byte
}

// ParseCommand splits a configured command line with POSIX shell quoting
// rules and appends extra arguments.
func ParseCommand(line string, extra ...string) (Command, error) {
	fields, err := shellquote.Split(line)
	if err != nil {
		return Command{}, fmt.Errorf("command %q: %w", line, err)
	}
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("command %q: empty", line)
	}
	args := append([]string{}, fields[1:]...)
	return Command{Name: fields[0], Args: append(args, extra...)}, nil
}

func (c Command) String() string {
	return ShellJoin(c)
}

// ShellJoin renders cmd as a single POSIX shell command line.
func ShellJoin(cmd Command) string {
	return shellquote.Join(append([]string{cmd.Name}, cmd.Args...)...)
}

// Result is the captured output of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.Code)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.Code, strings.TrimSpace(e.Stderr))
}

// Runner runs a command on the local host.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Remote runs a command on a named cluster node.
type Remote interface {
	RunOn(ctx context.Context, host string, cmd Command) (Result, error)
}

// Exec is a Runner backed by os/exec.
type Exec struct {
	// Timeout bounds every command. Zero means only ctx bounds it.
	Timeout time.Duration
}

// NewExec returns a local runner with the given per-command timeout.
func NewExec(timeout time.Duration) *Exec {
	return &Exec{Timeout: timeout}
}

// Run starts cmd and waits for it. A non-zero exit returns the captured
// Result together with an *ExitError.
func (e *Exec) Run(ctx context.Context, cmd Command) (Result, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if cmd.Stdin != nil {
		c.Stdin = bytes.NewReader(cmd.Stdin)
	}

	klog.V(4).InfoS("Running command", "command", cmd.String())
	err := c.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if c.ProcessState != nil {
		res.ExitCode = c.ProcessState.ExitCode()
	}

	return res, classify(ctx, cmd.String(), res, err)
}

// classify turns a run error into ErrTimeout, *ExitError or a wrapped
// start failure.
func classify(ctx context.Context, command string, res Result, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		klog.ErrorS(ErrTimeout, "Command timed out", "command", command, "stderr", res.Stderr)
		return fmt.Errorf("%s: %w", command, ErrTimeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Command: command, Code: exitErr.ExitCode(), Stderr: res.Stderr}
	}
	return fmt.Errorf("run %s: %w", command, err)
}

// ExitCode returns the exit status carried by err, or -1 when err is not
// an exit error.
func ExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return -1
}
