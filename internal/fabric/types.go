package fabric

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// PortState is the observed state of a switch port.
type PortState string

const (
	StateUp   PortState = "up"
	StateDown PortState = "down"
)

// Action is a link update applied to every port of a reservation.
type Action int

const (
	// Disable turns every surveyed port off and records the pre-image.
	Disable Action = iota
	// Restore returns every recorded port to its pre-image state.
	Restore
)

func (a Action) String() string {
	if a == Restore {
		return "restore"
	}
	return "disable"
}

// ParseAction maps "disable" and "restore" to an Action.
func ParseAction(s string) (Action, error) {
	switch s {
	case "disable":
		return Disable, nil
	case "restore":
		return Restore, nil
	}
	return 0, fmt.Errorf("unknown link action %q", s)
}

// Record is one switch port attached to a reservation node.
type Record struct {
	Node  string    `json:"node,omitempty"`
	GUID  string    `json:"guid"`
	Port  string    `json:"port"`
	State PortState `json:"state"`
}

// Survey maps node to switch GUID to port number to observed state.
type Survey map[string]map[string]map[string]PortState

func (s Survey) add(node, guid, port string, state PortState) {
	if s[node] == nil {
		s[node] = make(map[string]map[string]PortState)
	}
	if s[node][guid] == nil {
		s[node][guid] = make(map[string]PortState)
	}
	s[node][guid][port] = state
}

// Records flattens the survey in node, GUID, numeric port order.
func (s Survey) Records() []Record {
	var out []Record
	for node, switches := range s {
		for guid, ports := range switches {
			for port, state := range ports {
				out = append(out, Record{Node: node, GUID: guid, Port: port, State: state})
			}
		}
	}
	SortRecords(out)
	return out
}

// SurveyFromRecords rebuilds a survey from its records.
func SurveyFromRecords(records []Record) Survey {
	s := make(Survey)
	for _, r := range records {
		s.add(r.Node, r.GUID, r.Port, r.State)
	}
	return s
}

// SortRecords orders records by node, GUID and numeric port.
func SortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Node != b.Node {
			return a.Node < b.Node
		}
		if a.GUID != b.GUID {
			return a.GUID < b.GUID
		}
		pa, ea := strconv.Atoi(a.Port)
		pb, eb := strconv.Atoi(b.Port)
		if ea == nil && eb == nil {
			return pa < pb
		}
		return a.Port < b.Port
	})
}

// ErrNoState is returned by a StateStore that holds nothing for the
// requested reservation.
var ErrNoState = errors.New("no link state recorded")

// StateStore persists surveyed records keyed by reservation name.
type StateStore interface {
	Load(ctx context.Context, reservation string) ([]Record, error)
	Save(ctx context.Context, reservation string, records []Record) error
}
