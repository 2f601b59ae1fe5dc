// Package exitpolicy parses the dir-spec §3.8 exit-policy summary line a
// relay's microdescriptor carries ("p accept/reject PORTS") and answers
// whether a given destination port is permitted.
package exitpolicy

import (
	"strconv"
	"strings"
)

// Policy is a parsed exit-policy summary: a single accept/reject verdict
// plus the port ranges it applies to. A relay's microdescriptor carries at
// most one such summary line; any port not covered gets the opposite of
// Accept.
type Policy struct {
	Accept bool
	ranges []portRange
}

type portRange struct {
	lo, hi uint16
}

// Parse parses a microdescriptor's "p accept/reject PORTS" line body (the
// part after "p ", e.g. "accept 80,443" or "reject 1-65535"). An empty or
// malformed summary yields a policy that rejects every port (Accept with no
// ranges). pathselect skips Parse for an empty summary and relies on the
// relay's Exit flag alone.
func Parse(summary string) Policy {
	summary = strings.TrimSpace(summary)
	fields := strings.SplitN(summary, " ", 2)
	if len(fields) != 2 {
		return Policy{Accept: true}
	}

	var accept bool
	switch fields[0] {
	case "accept":
		accept = true
	case "reject":
		accept = false
	default:
		return Policy{Accept: true}
	}

	policy := Policy{Accept: accept}
	for _, tok := range strings.Split(fields[1], ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if tok == "*" {
			policy.ranges = append(policy.ranges, portRange{0, 65535})
			continue
		}
		if lo, hi, ok := strings.Cut(tok, "-"); ok {
			loN, err1 := strconv.ParseUint(lo, 10, 16)
			hiN, err2 := strconv.ParseUint(hi, 10, 16)
			if err1 != nil || err2 != nil {
				continue
			}
			policy.ranges = append(policy.ranges, portRange{uint16(loN), uint16(hiN)})
			continue
		}
		p, err := strconv.ParseUint(tok, 10, 16)
		if err != nil {
			continue
		}
		policy.ranges = append(policy.ranges, portRange{uint16(p), uint16(p)})
	}
	return policy
}

// AllowsPort reports whether the policy permits exiting to port.
func (p Policy) AllowsPort(port uint16) bool {
	for _, r := range p.ranges {
		if port >= r.lo && port <= r.hi {
			return p.Accept
		}
	}
	return !p.Accept
}
