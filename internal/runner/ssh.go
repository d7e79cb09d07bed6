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

package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"k8s.io/klog/v2"
)

// SSHExec runs remote commands through the system ssh client.
type SSHExec struct {
	Runner  Runner
	User    string
	Port    int
	Options []string
}

// RunOn runs cmd on host. The remote command line is shell quoted.
func (s *SSHExec) RunOn(ctx context.Context, host string, cmd Command) (Result, error) {
	args := append([]string{}, s.Options...)
	if s.Port != 0 && s.Port != 22 {
		args = append(args, "-p", strconv.Itoa(s.Port))
	}
	if s.User != "" {
		args = append(args, "-l", s.User)
	}
	args = append(args, host, "--", ShellJoin(cmd))
	return s.Runner.Run(ctx, Command{Name: "ssh", Args: args, Stdin: cmd.Stdin})
}

// SSHClient runs remote commands with an in-process SSH client, one
// connection per command.
type SSHClient struct {
	config  *ssh.ClientConfig
	port    int
	timeout time.Duration
}

// NewSSHClient loads the private key and known hosts used to reach cluster
// nodes. An empty knownHostsFile means ~/.ssh/known_hosts.
func NewSSHClient(user, keyFile, knownHostsFile string, port int, timeout time.Duration) (*SSHClient, error) {
	key, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %q: %w", keyFile, err)
	}

	if knownHostsFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locate known_hosts: %w", err)
		}
		knownHostsFile = filepath.Join(home, ".ssh", "known_hosts")
	}
	hostKeys, err := knownhosts.New(knownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}

	if port == 0 {
		port = 22
	}
	return &SSHClient{
		config: &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeys,
			Timeout:         timeout,
		},
		port:    port,
		timeout: timeout,
	}, nil
}

// RunOn runs cmd on host and waits for it to exit.
func (s *SSHClient) RunOn(ctx context.Context, host string, cmd Command) (Result, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	line := ShellJoin(cmd)

	client, err := s.dial(ctx, host)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("ssh %s %s: %w", host, line, ErrTimeout)
		}
		return Result{}, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("ssh %s: new session: %w", host, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if cmd.Stdin != nil {
		session.Stdin = bytes.NewReader(cmd.Stdin)
	}

	klog.V(4).InfoS("Running remote command", "host", host, "command", line)
	done := make(chan error, 1)
	go func() { done <- session.Run(line) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		client.Close()
		<-done
		klog.ErrorS(ErrTimeout, "Remote command timed out", "host", host, "command", line, "stderr", stderr.String())
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1},
			fmt.Errorf("ssh %s %s: %w", host, line, ErrTimeout)
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, &ExitError{Command: line, Code: res.ExitCode, Stderr: res.Stderr}
	}
	return res, fmt.Errorf("ssh %s %s: %w", host, line, err)
}

func (s *SSHClient) dial(ctx context.Context, host string) (*ssh.Client, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(s.port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, s.config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}
