package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecCapturesOutput(t *testing.T) {
	r := NewExec(5 * time.Second)
	res, err := r.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo out; echo err >&2"}})
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
}

func TestExecStdin(t *testing.T) {
	r := NewExec(5 * time.Second)
	res, err := r.Run(context.Background(), Command{Name: "cat", Stdin: []byte("0x0002c90300a1b2c3 1 disable\n")})
	require.NoError(t, err)
	assert.Equal(t, "0x0002c90300a1b2c3 1 disable\n", res.Stdout)
}

func TestExecExitCode(t *testing.T) {
	r := NewExec(5 * time.Second)
	res, err := r.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo bad guid >&2; exit 5"}})
	require.Error(t, err)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 5, exitErr.Code)
	assert.Equal(t, 5, res.ExitCode)
	assert.Equal(t, 5, ExitCode(err))
	assert.Contains(t, err.Error(), "bad guid")
}

func TestExecTimeout(t *testing.T) {
	r := NewExec(50 * time.Millisecond)
	_, err := r.Run(context.Background(), Command{Name: "sleep", Args: []string{"5"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "timer expired")
	assert.Equal(t, -1, ExitCode(err))
}

func TestExecMissingBinary(t *testing.T) {
	r := NewExec(time.Second)
	_, err := r.Run(context.Background(), Command{Name: "/nonexistent/ulsr-binary"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Equal(t, -1, ExitCode(err))
}

func TestParseCommand(t *testing.T) {
	c, err := ParseCommand("sudo /usr/local/bin/ulsr_portstate.sh", "-x")
	require.NoError(t, err)
	assert.Equal(t, "sudo", c.Name)
	assert.Equal(t, []string{"/usr/local/bin/ulsr_portstate.sh", "-x"}, c.Args)
	assert.Equal(t, "sudo /usr/local/bin/ulsr_portstate.sh -x", c.String())

	c, err = ParseCommand("ibstat -p")
	require.NoError(t, err)
	assert.Equal(t, "ibstat", c.Name)
	assert.Equal(t, []string{"-p"}, c.Args)
}

func TestParseCommandQuoting(t *testing.T) {
	c, err := ParseCommand(`sudo -u "ib admin" '/opt/ib tools/helper' --tag=a\ b`, "0x1 2")
	require.NoError(t, err)
	assert.Equal(t, "sudo", c.Name)
	assert.Equal(t, []string{"-u", "ib admin", "/opt/ib tools/helper", "--tag=a b", "0x1 2"}, c.Args)

	_, err = ParseCommand(`sudo -u "ib admin helper`)
	assert.Error(t, err)
	_, err = ParseCommand("   ")
	assert.Error(t, err)
}

func TestShellJoinRoundTrips(t *testing.T) {
	assert.Equal(t, "ibstat -p", ShellJoin(Command{Name: "ibstat", Args: []string{"-p"}}))

	cmd := Command{Name: "echo", Args: []string{"a b", "it's", "", `$HOME`, "x;y"}}
	back, err := ParseCommand(ShellJoin(cmd))
	require.NoError(t, err)
	assert.Equal(t, cmd.Name, back.Name)
	assert.Equal(t, cmd.Args, back.Args)
}

type recordingRunner struct {
	got Command
	res Result
	err error
}

func (r *recordingRunner) Run(_ context.Context, cmd Command) (Result, error) {
	r.got = cmd
	return r.res, r.err
}

func TestSSHExecBuildsCommandLine(t *testing.T) {
	inner := &recordingRunner{res: Result{Stdout: "ok"}}
	s := &SSHExec{Runner: inner, User: "cc", Port: 2222, Options: []string{"-o", "BatchMode=yes"}}

	res, err := s.RunOn(context.Background(), "node-1", Command{Name: "iblinkinfo.sh", Args: []string{"mlx5_0", "1"}, Stdin: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Stdout)
	assert.Equal(t, "ssh", inner.got.Name)
	assert.Equal(t, []string{"-o", "BatchMode=yes", "-p", "2222", "-l", "cc", "node-1", "--", "iblinkinfo.sh mlx5_0 1"}, inner.got.Args)
	assert.Equal(t, []byte("x"), inner.got.Stdin)
}

func TestSSHExecDefaultPort(t *testing.T) {
	inner := &recordingRunner{}
	s := &SSHExec{Runner: inner}
	_, err := s.RunOn(context.Background(), "node-2", Command{Name: "true"})
	require.NoError(t, err)
	assert.Equal(t, []string{"node-2", "--", "true"}, inner.got.Args)
}

func TestNewSSHClientMissingKey(t *testing.T) {
	_, err := NewSSHClient("cc", "/nonexistent/id_rsa", "", 22, time.Second)
	require.Error(t, err)
}
