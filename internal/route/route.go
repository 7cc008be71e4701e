// Package route holds the decoded result of an UPDATE message: a set of
// announced prefixes sharing one attribute set, and a set of withdrawn
// prefixes sharing none.
package route

import (
	"github.com/route-beacon/bgp-engine/internal/attribute"
	"github.com/route-beacon/bgp-engine/internal/nlri"
)

// Action distinguishes an announcement from a withdrawal.
type Action int

const (
	Announce Action = iota
	Withdraw
)

func (a Action) String() string {
	if a == Withdraw {
		return "withdraw"
	}
	return "announce"
}

// Route is one NLRI paired with the action taken on it and, for an
// announcement, the attribute set that applies.
type Route struct {
	Action Action
	NLRI   nlri.NLRI
	Attrs  *attribute.Set // nil for a withdrawal
}

// Update is the fully decoded, application-facing form of a BGP UPDATE: the
// routes it carries, split out of the wire's withdrawn/NLRI/MP_REACH/
// MP_UNREACH fields into one flat list the caller doesn't need to know the
// wire shape of.
type Update struct {
	Routes []Route
}

// IsEndOfRIB reports whether this update is an End-of-RIB marker: no
// withdrawals, no announced NLRI, nothing but (possibly) a bare attribute
// set carried for a non-IPv4-unicast family via MP_UNREACH_NLRI.
func (u Update) IsEndOfRIB() bool {
	return len(u.Routes) == 0
}
