package cache

import (
	"log"

	"github.com/sarchlab/memh/mem"
	"github.com/sarchlab/memh/sim"
)

// retryEvent re-dispatches a message that was parked or deferred.
type retryEvent struct {
	*sim.EventBase
	msg *mem.Msg
	src Source
}

// cpuRespondEvent completes a hit after the access latency.
type cpuRespondEvent struct {
	*sim.EventBase
	resp   *mem.Msg
	reqSrc Source
	linkID int
}

// fetchDispatchEvent starts the downstream fetch of a load after the miss
// was recorded.
type fetchDispatchEvent struct {
	*sim.EventBase
	ld   *loadRecord
	addr uint64
	blk  *block
}

// supplyDataEvent answers a data request after the access latency.
type supplyDataEvent struct {
	*sim.EventBase
	req *mem.Msg
	blk *block
	src Source
}

// Handle runs the node's self-scheduled events.
func (c *Comp) Handle(e sim.Event) error {
	switch evt := e.(type) {
	case retryEvent:
		c.dispatch(evt.msg, evt.src, false, false)
	case cpuRespondEvent:
		if evt.reqSrc != SrcPrefetch {
			c.respond(evt.resp, evt.reqSrc, evt.linkID)
		}
		c.handlePendingEvents(c.store.rowOf(evt.resp.Addr), nil)
	case fetchDispatchEvent:
		c.startFetch(evt.ld, evt.addr, evt.blk)
	case supplyDataEvent:
		c.finishSupply(evt.req, evt.blk, evt.src)
	default:
		log.Panicf("%s: cannot handle event %T", c.name, e)
	}
	return nil
}
