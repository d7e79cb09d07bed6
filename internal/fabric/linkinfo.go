package fabric

import (
	"fmt"
	"strings"
)

const guidLen = 18

// Link is one host adapter port and its peer switch port.
type Link struct {
	GUID string
	Port string
	Up   bool
}

// ParseLinkLine parses one iblinkinfo line describing a host adapter port:
//
//	0xf452140300f55051 "ib-test-7 mlx4_0" 37 1[  ] ==( 4X 14.0625 Gbps Active/  LinkUp)==>  0xf45214030067c630 5 16[  ] "MF0;switch" ( )
//
// The link is up when LinkUp appears left of "==>". The peer GUID starts
// the right hand side and the peer port is the third field before the last
// '['.
func ParseLinkLine(line string) (Link, error) {
	lhs, rhs, ok := strings.Cut(line, "==>")
	if !ok {
		return Link{}, fmt.Errorf("link line %q: no '==>' separator", line)
	}
	l := Link{Up: strings.Contains(lhs, "LinkUp")}

	peer := strings.TrimLeft(rhs, " \t")
	if len(peer) < guidLen || !strings.HasPrefix(peer, "0x") {
		return l, fmt.Errorf("link line %q: no peer GUID", line)
	}
	l.GUID = peer[:guidLen]
	if err := validGUID(l.GUID); err != nil {
		return l, fmt.Errorf("link line %q: %w", line, err)
	}

	i := strings.LastIndex(rhs, "[")
	if i < 0 {
		return l, fmt.Errorf("link line %q: no peer port", line)
	}
	fields := strings.Fields(rhs[:i])
	if len(fields) < 3 {
		return l, fmt.Errorf("link line %q: no peer port", line)
	}
	l.Port = fields[2]
	return l, nil
}

func validGUID(g string) error {
	if len(g) != guidLen || !strings.HasPrefix(g, "0x") {
		return fmt.Errorf("invalid GUID %q", g)
	}
	for _, r := range g[2:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return fmt.Errorf("invalid GUID %q", g)
		}
	}
	return nil
}
