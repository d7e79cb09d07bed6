package fabric

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"
)

// PermitList is the set of switch ports this system may change.
type PermitList struct {
	// Any permits every port.
	Any   bool
	ports map[string]sets.Set[string]
}

// Allows reports whether port on switch guid is permitted.
func (p PermitList) Allows(guid, port string) bool {
	if p.Any {
		return true
	}
	return p.ports[guid].Has(normalizePort(port))
}

// PermitError is returned when a surveyed port is not permitted.
type PermitError struct {
	Node string
	GUID string
	Port string
}

func (e *PermitError) Error() string {
	return fmt.Sprintf("switch %s port %s (node %s) is not in the permit list", e.GUID, e.Port, e.Node)
}

// Check returns a *PermitError for the first record that is not
// permitted.
func (p PermitList) Check(records []Record) error {
	if p.Any {
		return nil
	}
	for _, r := range records {
		if !p.Allows(r.GUID, r.Port) {
			return &PermitError{Node: r.Node, GUID: r.GUID, Port: r.Port}
		}
	}
	return nil
}

func normalizePort(port string) string {
	p := strings.TrimLeft(port, "0")
	if p == "" && port != "" {
		return "0"
	}
	return p
}

// ParsePermits parses permit file content. Each line is a 0x-prefixed
// 16 hex digit switch GUID and a port number. Blank lines and '#' comments
// are ignored; a line whose first word is "any" (any case) permits every
// port.
// Malformed lines are logged and skipped.
func ParsePermits(name, content string) PermitList {
	p := PermitList{ports: make(map[string]sets.Set[string])}
	sc := bufio.NewScanner(strings.NewReader(content))
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if strings.EqualFold(fields[0], "any") {
			p.Any = true
			continue
		}
		if len(fields) < 2 || validGUID(fields[0]) != nil || strings.Trim(fields[1], "0123456789") != "" {
			klog.ErrorS(nil, "Malformed permit file line", "file", name, "line", n)
			continue
		}
		guid, port := fields[0], normalizePort(fields[1])
		if p.ports[guid] == nil {
			p.ports[guid] = sets.New[string]()
		}
		p.ports[guid].Insert(port)
	}
	return p
}

// LoadPermitFile reads the permit file after checking that neither it nor
// its directory is writable by group or other.
func LoadPermitFile(path string) (PermitList, error) {
	if path == "" {
		return PermitList{}, fmt.Errorf("permit file not configured")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return PermitList{}, err
	}
	if err := CheckPaths(abs, filepath.Dir(abs)); err != nil {
		return PermitList{}, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return PermitList{}, fmt.Errorf("read permit file: %w", err)
	}
	p := ParsePermits(abs, string(data))
	if p.Any {
		klog.InfoS("Permit file allows any switch port", "file", abs)
	}
	return p, nil
}

// PathError is a configuration file or program that is missing or too
// widely writable.
type PathError struct {
	Path   string
	Reason string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

// CheckPaths fails unless every path exists and is not writable by group
// or other.
func CheckPaths(paths ...string) error {
	for _, p := range paths {
		st, err := os.Stat(p)
		if err != nil {
			return &PathError{Path: p, Reason: "not found"}
		}
		if mode := st.Mode().Perm(); mode&0o022 != 0 {
			return &PathError{Path: p, Reason: fmt.Sprintf("permissions %#o too open", mode)}
		}
	}
	return nil
}

// CheckProgram resolves a control program through PATH and checks it the
// same way as CheckPaths.
func CheckProgram(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", &PathError{Path: name, Reason: "control program not found"}
	}
	return path, CheckPaths(path)
}
