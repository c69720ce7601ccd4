package cache

import (
	"github.com/sarchlab/memh/mem"
)

// AccessOp is the kind of access reported to a Listener.
type AccessOp int

const (
	AccessRead AccessOp = iota
	AccessWrite
)

func (o AccessOp) String() string {
	if o == AccessWrite {
		return "write"
	}
	return "read"
}

// AccessResult tells a Listener whether an access hit.
type AccessResult int

const (
	AccessMiss AccessResult = iota
	AccessHit
)

func (r AccessResult) String() string {
	if r == AccessHit {
		return "hit"
	}
	return "miss"
}

// A Listener observes every first processing of an access, typically to
// drive a prefetcher. It may inject requests back through Inject.
type Listener interface {
	NotifyAccess(op AccessOp, result AccessResult, addr uint64)
}

type nopListener struct{}

func (nopListener) NotifyAccess(AccessOp, AccessResult, uint64) {}

// Inject feeds a synthetic request into the node as if it came from a
// requester. Injected requests are excluded from the access counters.
func (c *Comp) Inject(msg *mem.Msg) {
	msg.SetFlag(mem.FlagPrefetch)
	c.dispatch(msg, SrcPrefetch, true, false)
}
