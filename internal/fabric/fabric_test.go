package fabric

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/CCI-MOC/ulsr/internal/runner"
)

const (
	upLine   = `0xf452140300f55051 "ib-test-7 mlx4_0" 37 1[  ] ==( 4X 14.0625 Gbps Active/  LinkUp)==>  0xf45214030067c630 5 16[  ] "MF0;switch" ( )`
	downPeer = `0xf452140300f55051 "ib-test-7 mlx4_0" 37 2[  ] ==( 4X 14.0625 Gbps   Down/ Polling)==>  0xf45214030067c630 5 17[  ] "MF0;switch" ( )`
	downBare = `0xf452140300f55051 "ib-test-7 mlx4_0" 37 2[  ] ==(                Down/ Polling)==>             [  ] "" ( )`
)

func TestParseLinkLine(t *testing.T) {
	l, err := ParseLinkLine(upLine)
	require.NoError(t, err)
	assert.Equal(t, Link{GUID: "0xf45214030067c630", Port: "16", Up: true}, l)

	l, err = ParseLinkLine(downPeer)
	require.NoError(t, err)
	assert.Equal(t, Link{GUID: "0xf45214030067c630", Port: "17", Up: false}, l)

	l, err = ParseLinkLine(downBare)
	require.Error(t, err)
	assert.False(t, l.Up)

	_, err = ParseLinkLine("no separator here")
	require.Error(t, err)

	_, err = ParseLinkLine(`x LinkUp ==>  0xf45214030067c6zz 5 16[  ]`)
	require.Error(t, err)
}

func TestParsePermits(t *testing.T) {
	p := ParsePermits("test", `
# switch A
0xf45214030067c630 16
0xf45214030067c630 017

0xZZ 3
0xf45214030067c631
0xf45214030067c632 x1
`)
	assert.False(t, p.Any)
	assert.True(t, p.Allows("0xf45214030067c630", "16"))
	assert.True(t, p.Allows("0xf45214030067c630", "17"))
	assert.True(t, p.Allows("0xf45214030067c630", "0017"))
	assert.False(t, p.Allows("0xf45214030067c630", "18"))
	assert.False(t, p.Allows("0xf45214030067c631", "1"))
	assert.False(t, p.Allows("0xf45214030067c632", "1"))

	err := p.Check([]Record{
		{Node: "n1", GUID: "0xf45214030067c630", Port: "16"},
		{Node: "n2", GUID: "0xf45214030067c630", Port: "18"},
	})
	var perr *PermitError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, PermitError{Node: "n2", GUID: "0xf45214030067c630", Port: "18"}, *perr)

	wild := ParsePermits("test", "ANY\n")
	assert.True(t, wild.Any)
	assert.NoError(t, wild.Check([]Record{{GUID: "0x0000000000000001", Port: "1"}}))

	wild = ParsePermits("test", "any  # every port\n")
	assert.True(t, wild.Any)

	for _, line := range []string{"anything\n", "anyswitch 16\n", "Any_port\n"} {
		narrow := ParsePermits("test", line)
		assert.False(t, narrow.Any, line)
		assert.Error(t, narrow.Check([]Record{{GUID: "0x0000000000000001", Port: "1"}}), line)
	}
}

func TestLoadPermitFileChecksModes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ib_permit.cfg")
	require.NoError(t, os.WriteFile(path, []byte("0xf45214030067c630 16\n"), 0o600))
	require.NoError(t, os.Chmod(path, 0o644))

	p, err := LoadPermitFile(path)
	require.NoError(t, err)
	assert.True(t, p.Allows("0xf45214030067c630", "16"))

	require.NoError(t, os.Chmod(path, 0o666))
	_, err = LoadPermitFile(path)
	var perr *PathError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, path, perr.Path)

	_, err = LoadPermitFile(filepath.Join(dir, "missing.cfg"))
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "not found", perr.Reason)

	_, err = LoadPermitFile("")
	require.Error(t, err)
}

// fakeFabric simulates switch ports behind a set of nodes. Survey reports
// the current port states and Control changes them.
type fakeFabric struct {
	topology map[string][]Link
	state    map[string]bool
	enforces bool

	surveys  int
	controls [][]PortCommand
	dryRuns  []bool
	err      error
}

func newFakeFabric() *fakeFabric {
	f := &fakeFabric{
		topology: map[string][]Link{
			"nodeA": {{GUID: "0xf45214030067c630", Port: "16"}, {GUID: "0xf45214030067c630", Port: "17"}},
			"nodeB": {{GUID: "0xf45214030067c631", Port: "3"}},
		},
		state: map[string]bool{},
	}
	for _, links := range f.topology {
		for _, l := range links {
			f.state[l.GUID+"/"+l.Port] = true
		}
	}
	return f
}

func (f *fakeFabric) Name() string          { return "fake" }
func (f *fakeFabric) EnforcesPermits() bool { return f.enforces }

func (f *fakeFabric) Survey(_ context.Context, nodes []string) (map[string][]Link, error) {
	f.surveys++
	if f.err != nil {
		return nil, f.err
	}
	out := map[string][]Link{}
	for _, n := range nodes {
		for _, l := range f.topology[n] {
			l.Up = f.state[l.GUID+"/"+l.Port]
			out[n] = append(out[n], l)
		}
	}
	return out, nil
}

func (f *fakeFabric) Control(_ context.Context, cmds []PortCommand, dryRun bool) error {
	f.controls = append(f.controls, cmds)
	f.dryRuns = append(f.dryRuns, dryRun)
	if dryRun {
		return nil
	}
	for _, c := range cmds {
		switch c.Verb {
		case VerbEnable:
			f.state[c.GUID+"/"+c.Port] = true
		case VerbDisable:
			f.state[c.GUID+"/"+c.Port] = false
		}
	}
	return nil
}

type fakeStore struct {
	records map[string][]Record
	saves   int
	loadErr error
}

func newFakeStore() *fakeStore { return &fakeStore{records: map[string][]Record{}} }

func (s *fakeStore) Load(_ context.Context, res string) ([]Record, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	r, ok := s.records[res]
	if !ok {
		return nil, ErrNoState
	}
	return r, nil
}

func (s *fakeStore) Save(_ context.Context, res string, records []Record) error {
	s.saves++
	s.records[res] = records
	return nil
}

const testPermits = `
0xf45214030067c630 16
0xf45214030067c630 17
0xf45214030067c631 3
`

func newTestController(f *fakeFabric, s *fakeStore, opts Options, permits string) *Controller {
	c := NewController(f, s, opts)
	c.loadPermits = func(string) (PermitList, error) { return ParsePermits("test", permits), nil }
	c.checkProg = func(p string) (string, error) { return p, nil }
	return c
}

const res = "flexalloc_MOC_reserve_alice_1001_1700000000"

func TestSurveyStrictRejectsDownLink(t *testing.T) {
	f := newFakeFabric()
	f.state["0xf45214030067c630/17"] = false
	s := newFakeStore()
	c := newTestController(f, s, Options{Enabled: true}, testPermits)

	_, err := c.Survey(context.Background(), []string{"nodeA", "nodeB"})
	var derr *DownLinkError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "nodeA", derr.Node)
	assert.Equal(t, "17", derr.Port)

	err = c.UpdateLinks(context.Background(), res, []string{"nodeA", "nodeB"}, Disable)
	require.ErrorAs(t, err, &derr)
	assert.Zero(t, s.saves)
	assert.Empty(t, f.controls)
}

func TestSurveyLenientRecordsDownLink(t *testing.T) {
	f := newFakeFabric()
	f.state["0xf45214030067c630/17"] = false
	f.topology["nodeB"] = append(f.topology["nodeB"], Link{})
	c := newTestController(f, newFakeStore(), Options{Enabled: true, Lenient: true}, testPermits)

	got, err := c.Survey(context.Background(), []string{"nodeB", "nodeA", "nodeA"})
	require.NoError(t, err)
	want := Survey{
		"nodeA": {"0xf45214030067c630": {"16": StateUp, "17": StateDown}},
		"nodeB": {"0xf45214030067c631": {"3": StateUp}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("survey mismatch (-want +got):\n%s", diff)
	}
}

func TestDisableRestoreSymmetry(t *testing.T) {
	f := newFakeFabric()
	f.state["0xf45214030067c630/17"] = false
	s := newFakeStore()
	c := newTestController(f, s, Options{Enabled: true, Lenient: true}, testPermits)
	ctx := context.Background()
	nodes := []string{"nodeA", "nodeB"}

	before, err := c.Survey(ctx, nodes)
	require.NoError(t, err)

	require.NoError(t, c.UpdateLinks(ctx, res, nodes, Disable))
	assert.Equal(t, 1, s.saves)
	assert.Equal(t, before.Records(), s.records[res])
	for port, up := range f.state {
		assert.False(t, up, "port %s still up after disable", port)
	}

	require.NoError(t, c.UpdateLinks(ctx, res, nodes, Restore))
	after, err := c.Survey(ctx, nodes)
	require.NoError(t, err)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("restore did not return ports to their pre-image (-before +after):\n%s", diff)
	}

	last := f.controls[len(f.controls)-1]
	verbs := map[string]Verb{}
	for _, cmd := range last {
		verbs[cmd.Port] = cmd.Verb
	}
	assert.Equal(t, map[string]Verb{"16": VerbEnable, "17": VerbDisable, "3": VerbEnable}, verbs)
}

func TestPermitViolationMutatesNothing(t *testing.T) {
	f := newFakeFabric()
	f.enforces = true
	s := newFakeStore()
	c := newTestController(f, s, Options{Enabled: true}, "0xf45214030067c630 16\n0xf45214030067c630 17\n")

	err := c.UpdateLinks(context.Background(), res, []string{"nodeA", "nodeB"}, Disable)
	var perr *PermitError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "nodeB", perr.Node)
	assert.Empty(t, f.controls)
	assert.Zero(t, s.saves)
	for _, up := range f.state {
		assert.True(t, up)
	}
}

func TestPermitsDelegatedToHelper(t *testing.T) {
	f := newFakeFabric()
	s := newFakeStore()
	c := newTestController(f, s, Options{Enabled: true}, "")

	require.NoError(t, c.UpdateLinks(context.Background(), res, []string{"nodeA"}, Disable))
	assert.Len(t, f.controls, 1)

	f2 := newFakeFabric()
	c = newTestController(f2, newFakeStore(), Options{Enabled: true, VerifyDelegatedPermits: true}, "")
	err := c.UpdateLinks(context.Background(), res, []string{"nodeA"}, Disable)
	var perr *PermitError
	require.ErrorAs(t, err, &perr)
	assert.Empty(t, f2.controls)
}

func TestControlProgramChecked(t *testing.T) {
	f := newFakeFabric()
	f.enforces = true
	c := newTestController(f, newFakeStore(), Options{Enabled: true, ControlProgram: "/usr/sbin/ibportstate"}, testPermits)
	c.checkProg = func(p string) (string, error) {
		return "", &PathError{Path: p, Reason: "permissions 0777 too open"}
	}

	err := c.UpdateLinks(context.Background(), res, []string{"nodeA"}, Disable)
	var perr *PathError
	require.ErrorAs(t, err, &perr)
	assert.Empty(t, f.controls)
}

func TestDisableReusesRecordedState(t *testing.T) {
	f := newFakeFabric()
	s := newFakeStore()
	s.records[res] = []Record{{Node: "nodeA", GUID: "0xf45214030067c630", Port: "16", State: StateUp}}
	c := newTestController(f, s, Options{Enabled: true}, testPermits)

	require.NoError(t, c.UpdateLinks(context.Background(), res, []string{"nodeA"}, Disable))
	assert.Zero(t, f.surveys)
	assert.Zero(t, s.saves)
	require.Len(t, f.controls, 1)
	assert.Equal(t, []PortCommand{{Record: s.records[res][0], Verb: VerbDisable}}, f.controls[0])
}

func TestDisableStoreFailureAborts(t *testing.T) {
	f := newFakeFabric()
	s := newFakeStore()
	s.loadErr = errors.New("connection refused")
	c := newTestController(f, s, Options{Enabled: true}, testPermits)

	require.Error(t, c.UpdateLinks(context.Background(), res, []string{"nodeA"}, Disable))
	assert.Zero(t, f.surveys)
	assert.Empty(t, f.controls)
}

func TestRestoreWithoutStateFails(t *testing.T) {
	f := newFakeFabric()
	c := newTestController(f, newFakeStore(), Options{Enabled: true}, testPermits)

	err := c.UpdateLinks(context.Background(), res, []string{"nodeA"}, Restore)
	require.ErrorIs(t, err, ErrNoState)
	assert.Empty(t, f.controls)
}

func TestDryRunChangesNothing(t *testing.T) {
	f := newFakeFabric()
	s := newFakeStore()
	c := newTestController(f, s, Options{Enabled: true, DryRun: true}, testPermits)

	require.NoError(t, c.UpdateLinks(context.Background(), res, []string{"nodeA", "nodeB"}, Disable))
	assert.Zero(t, s.saves)
	assert.Equal(t, []bool{true}, f.dryRuns)
	for _, up := range f.state {
		assert.True(t, up)
	}

	records, err := c.Check(context.Background(), []string{"nodeA"})
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, []bool{true, true}, f.dryRuns)
}

func TestFabricDisabledIsNoop(t *testing.T) {
	f := newFakeFabric()
	s := newFakeStore()
	c := newTestController(f, s, Options{Enabled: false}, testPermits)

	require.NoError(t, c.UpdateLinks(context.Background(), res, []string{"nodeA"}, Restore))
	assert.Zero(t, f.surveys)
	assert.Empty(t, f.controls)
}

// scriptRunner answers commands from a table keyed by host and command
// line, and records local invocations.
type scriptRunner struct {
	out   map[string]string
	errs  map[string]error
	calls []runner.Command
}

func (r *scriptRunner) RunOn(_ context.Context, host string, cmd runner.Command) (runner.Result, error) {
	key := host + ": " + cmd.String()
	r.calls = append(r.calls, cmd)
	return runner.Result{Stdout: r.out[key]}, r.errs[key]
}

func (r *scriptRunner) Run(_ context.Context, cmd runner.Command) (runner.Result, error) {
	r.calls = append(r.calls, cmd)
	return runner.Result{}, r.errs[cmd.String()]
}

func TestDirectSurvey(t *testing.T) {
	remote := &scriptRunner{out: map[string]string{
		"nodeA: ibstat -p":       "0xf452140300f55051\n0xf452140300f55052\n",
		"nodeA: iblinkinfo.sh 2": downBare + "\n",
		"nodeA: iblinkinfo.sh 1": upLine + "\n",
		"nodeB: ibstat -p":       "",
		"nodeC: ibstat -p":       "0xf452140300f55061\n",
		"nodeC: iblinkinfo.sh 1": "garbage LinkUp ==> nothing\n",
	}}
	d := &Direct{Remote: remote, IBStat: "ibstat -p", LinkInfo: "iblinkinfo.sh"}

	links, err := d.Survey(context.Background(), []string{"nodeA"})
	require.NoError(t, err)
	assert.Equal(t, []Link{{}, {GUID: "0xf45214030067c630", Port: "16", Up: true}}, links["nodeA"])

	_, err = d.Survey(context.Background(), []string{"nodeB"})
	require.Error(t, err)

	_, err = d.Survey(context.Background(), []string{"nodeC"})
	require.Error(t, err)
}

func TestDirectControl(t *testing.T) {
	local := &scriptRunner{}
	d := &Direct{Local: local, PortState: "/usr/sbin/ibportstate"}
	cmds := []PortCommand{
		{Record: Record{Node: "nodeA", GUID: "0xf45214030067c630", Port: "16"}, Verb: VerbDisable},
		{Record: Record{Node: "nodeA", GUID: "0xf45214030067c630", Port: "17"}, Verb: VerbEnable},
	}

	require.NoError(t, d.Control(context.Background(), cmds, true))
	assert.Empty(t, local.calls)

	require.NoError(t, d.Control(context.Background(), cmds, false))
	require.Len(t, local.calls, 2)
	assert.Equal(t, "/usr/sbin/ibportstate -G 0xf45214030067c630 16 disable", local.calls[0].String())
	assert.Equal(t, "/usr/sbin/ibportstate -G 0xf45214030067c630 17 enable", local.calls[1].String())
}

func TestIndirectSurveyAndControl(t *testing.T) {
	helper := "sudo /usr/local/bin/ulsr_linkinfo.sh"
	remote := &scriptRunner{out: map[string]string{
		"nodeA: " + helper: upLine + "\n" + downPeer + "\n",
	}}
	local := &scriptRunner{}
	i := &Indirect{Remote: remote, Local: local, LinkInfo: helper, PortState: "sudo /usr/local/bin/ulsr_portstate.sh"}

	links, err := i.Survey(context.Background(), []string{"nodeA"})
	require.NoError(t, err)
	assert.Equal(t, []Link{
		{GUID: "0xf45214030067c630", Port: "16", Up: true},
		{GUID: "0xf45214030067c630", Port: "17"},
	}, links["nodeA"])

	_, err = i.Survey(context.Background(), []string{"nodeZ"})
	require.Error(t, err)

	cmds := []PortCommand{
		{Record: Record{GUID: "0xf45214030067c630", Port: "16"}, Verb: VerbEnable},
		{Record: Record{GUID: "0xf45214030067c630", Port: "17"}, Verb: VerbDisable},
	}
	require.NoError(t, i.Control(context.Background(), cmds, false))
	require.Len(t, local.calls, 1)
	assert.Equal(t, "0xf45214030067c630 16 enable\n0xf45214030067c630 17 disable\n", string(local.calls[0].Stdin))

	require.NoError(t, i.Control(context.Background(), cmds, true))
	assert.Equal(t, "0xf45214030067c630 16 \n0xf45214030067c630 17 \n", string(local.calls[1].Stdin))
}

func TestIndirectHelperExitCodes(t *testing.T) {
	for code, msg := range map[int]string{
		1:  "Invalid GUID format",
		5:  "Failed GUID / port combination check",
		6:  "File checks failed",
		42: "Unknown error",
	} {
		local := &scriptRunner{errs: map[string]error{
			"ulsr_portstate.sh": &runner.ExitError{Command: "ulsr_portstate.sh", Code: code},
		}}
		i := &Indirect{Local: local, PortState: "ulsr_portstate.sh"}
		err := i.Control(context.Background(), []PortCommand{{Record: Record{GUID: "0xf45214030067c630", Port: "1"}, Verb: VerbDisable}}, false)
		var herr *HelperError
		require.ErrorAs(t, err, &herr)
		assert.Equal(t, code, herr.Code)
		assert.Equal(t, msg, herr.Msg)
	}

	plain := errors.New("ssh: connection refused")
	assert.Equal(t, plain, helperError(plain))
}

func TestUMADAccessible(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"umad0", "umad1"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), nil, 0o600))
	}
	pattern := filepath.Join(dir, "umad*")

	saved := access
	t.Cleanup(func() { access = saved })

	access = func(string, uint32) error { return nil }
	assert.True(t, UMADAccessible(pattern))

	access = func(path string, _ uint32) error {
		if strings.HasSuffix(path, "umad1") {
			return unix.EACCES
		}
		return nil
	}
	assert.False(t, UMADAccessible(pattern))

	assert.False(t, UMADAccessible(filepath.Join(dir, "none*")))
}

func TestRecordsSortNumerically(t *testing.T) {
	s := Survey{"n": {"0xf45214030067c630": {"10": StateUp, "9": StateUp, "2": StateDown}}}
	var ports []string
	for _, r := range s.Records() {
		ports = append(ports, r.Port)
	}
	assert.Equal(t, []string{"2", "9", "10"}, ports)
	assert.Equal(t, s, SurveyFromRecords(s.Records()))
}
