package cache

import (
	"log"

	"github.com/sarchlab/memh/mem"
	"github.com/sarchlab/memh/sim"
)

// handleNack recovers from a peer refusing a request. A NACK matches first
// against outstanding invalidations, then outstanding loads; anything else
// is stale and dropped.
func (c *Comp) handleNack(msg *mem.Msg, src Source) {
	addr := c.store.blockAddr(msg.Addr)

	if inv, ok := c.invals[addr]; ok && msg.RespondTo == inv.issuingID {
		c.nackInvalidation(msg, addr, inv)
		return
	}

	if ld, ok := c.loads[addr]; ok {
		// The fetch target was transiently unreachable. Reissue.
		blk := ld.targetBlock
		c.engine.Schedule(fetchDispatchEvent{
			EventBase: sim.NewEventBase(c.engine.CurrentTime()+c.latency, c),
			ld:        ld,
			addr:      blk.baseAddr,
			blk:       blk,
		})
		return
	}

	log.Printf("%s: unexpected NACK for 0x%x, ignoring", c.name, msg.Addr)
}

// nackInvalidation drops the refused invalidation. At the top of the
// hierarchy the queued messages simply retry; lower down each one is
// answered with its own NACK so the refusal propagates to the requesters.
func (c *Comp) nackInvalidation(msg *mem.Msg, addr uint64, inv *invalidation) {
	if !inv.canCancel {
		log.Panicf("%s: NACK for non-cancelable invalidation of 0x%x", c.name, addr)
	}

	waiting := inv.waiting
	delete(c.invals, addr)

	for _, p := range waiting {
		if c.isL1 {
			if blk := c.store.findBlock(msg.Addr, false); blk != nil && blk.isLocked() {
				blk.unlock()
			}
			c.scheduleRetry(c.latency, p.msg, p.src)
			continue
		}

		nack := p.msg.MakeResponse(c.name)
		nack.Cmd = mem.CmdNack
		nack.Size = 0
		nack.Payload = nil

		switch p.src {
		case SrcSnoop:
			c.snoop.request(nack, nil, nil)
		case SrcUpstream:
			idx, ok := c.upstreamIdxByLink[p.msg.LinkID]
			if !ok {
				log.Panicf("%s: NACK for unknown upstream link %d", c.name, p.msg.LinkID)
			}
			c.upstream[idx].Send(nack)
		case SrcDownstream:
			c.downstream.Send(nack)
		case SrcDirectory:
			c.directory.Send(nack)
		default:
			log.Panicf("%s: cannot NACK on %s channel", c.name, p.src)
		}
	}
}
