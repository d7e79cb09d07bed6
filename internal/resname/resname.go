// Package resname builds, parses and pairs the names of reservations owned
// by this system.
//
// A name has the form <prefix><kind>_<user>_<uid>_<time>, for example
// flexalloc_MOC_reserve_alice_1001_1700000000. The reserve and release
// halves of one grant differ only in <kind>.
package resname

import (
	"errors"
	"fmt"
	"os/user"
	"strconv"
	"strings"
	"time"
)

const separator = "_"

// Kind is the lifecycle half a reservation name belongs to.
type Kind string

const (
	Reserve Kind = "reserve"
	Release Kind = "release"
)

// Other returns the opposite half.
func (k Kind) Other() Kind {
	if k == Reserve {
		return Release
	}
	return Reserve
}

func (k Kind) valid() bool {
	return k == Reserve || k == Release
}

// ErrMalformed is returned for names that do not decompose into the
// expected fields. Such reservations belong to someone else.
var ErrMalformed = errors.New("malformed reservation name")

// Name is a decomposed reservation name.
type Name struct {
	Prefix string
	Kind   Kind
	User   string
	UID    string
	Time   string
}

// New returns a fresh name for user/uid created at t.
func New(prefix string, kind Kind, userName, uid string, t time.Time) Name {
	return Name{
		Prefix: prefix,
		Kind:   kind,
		User:   userName,
		UID:    uid,
		Time:   strconv.FormatInt(t.Unix(), 10),
	}
}

// Parse decomposes s. It fails with ErrMalformed unless s starts with
// prefix and the remainder is exactly kind, user, uid and time separated
// by '_', with kind one of reserve or release.
func Parse(prefix, s string) (Name, error) {
	rest, ok := strings.CutPrefix(s, prefix)
	if !ok {
		return Name{}, fmt.Errorf("%w: %q lacks prefix %q", ErrMalformed, s, prefix)
	}
	fields := strings.Split(rest, separator)
	if len(fields) != 4 {
		return Name{}, fmt.Errorf("%w: %q has %d fields after the prefix", ErrMalformed, s, len(fields))
	}
	n := Name{Prefix: prefix, Kind: Kind(fields[0]), User: fields[1], UID: fields[2], Time: fields[3]}
	if !n.Kind.valid() {
		return Name{}, fmt.Errorf("%w: %q has unknown kind %q", ErrMalformed, s, fields[0])
	}
	for _, f := range fields[1:] {
		if f == "" {
			return Name{}, fmt.Errorf("%w: %q has an empty field", ErrMalformed, s)
		}
	}
	return n, nil
}

func (n Name) String() string {
	return n.Prefix + strings.Join([]string{string(n.Kind), n.User, n.UID, n.Time}, separator)
}

// Pair returns the other half of n.
func (n Name) Pair() Name {
	p := n
	p.Kind = n.Kind.Other()
	return p
}

// PairName returns the name of the other half of the reservation called s.
func PairName(prefix, s string) (string, error) {
	n, err := Parse(prefix, s)
	if err != nil {
		return "", err
	}
	return n.Pair().String(), nil
}

var (
	lookupUser = user.Lookup
	lookupUID  = user.LookupId
)

// VerifyOwner reports an error unless the user name and the UID in n
// resolve to the same local account.
func VerifyOwner(n Name) error {
	byName, err := lookupUser(n.User)
	if err != nil {
		return fmt.Errorf("reservation %s: look up user %q: %w", n, n.User, err)
	}
	byID, err := lookupUID(n.UID)
	if err != nil {
		return fmt.Errorf("reservation %s: look up uid %s: %w", n, n.UID, err)
	}
	if byName.Uid != byID.Uid || byName.Username != byID.Username {
		return fmt.Errorf("reservation %s: user %q and uid %s name different accounts", n, n.User, n.UID)
	}
	return nil
}
