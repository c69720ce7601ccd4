package cache

import (
	"log"

	"github.com/sarchlab/memh/mem"
	"github.com/sarchlab/memh/sim"
)

// A supplyRecord tracks one in-progress data supply for a (block address,
// channel) pair. Cancellation is cooperative: the flag is checked when the
// deferred transmission runs.
type supplyRecord struct {
	canceled bool
	busMsg   *mem.Msg
}

// handleDataRequest answers a peer's request for a block this node holds.
func (c *Comp) handleDataRequest(msg *mem.Msg, src Source, firstProcess bool) {
	if src == SrcSnoop && msg.Src == c.name {
		return
	}

	if msg.Size != c.store.blockSize {
		log.Panicf("%s: peer request for 0x%x has size %d, block size is %d",
			c.name, msg.Addr, msg.Size, c.store.blockSize)
	}

	blk := c.store.findBlock(msg.Addr, false)
	count := firstProcess && !msg.IsFlagSet(mem.FlagPrefetch)

	if blk == nil {
		c.dataRequestMiss(msg, src, firstProcess, count)
		return
	}

	if blk.status == StatusDirty {
		if src == SrcSnoop {
			// Stale copy. The exclusive holder answers the broadcast.
			return
		}
		log.Panicf("%s: direct request for 0x%x hit a stale block", c.name, msg.Addr)
	}

	if firstProcess {
		c.listener.NotifyAccess(AccessRead, AccessHit, msg.Addr)
	}
	if count {
		c.stats.SupplyHits++
	}

	key := supplyKey{blk.baseAddr, src}
	if sup, ok := c.supplies[key]; ok && !sup.canceled {
		// Already answering this one.
		return
	}

	if c.waitingForInvalidate(blk.baseAddr) {
		inv := c.invals[blk.baseAddr]
		inv.waiting = append(inv.waiting, pending{msg, src})
		return
	}

	if blk.wbInProgress {
		// The writeback in flight carries the same data.
		return
	}

	c.supplies[key] = &supplyRecord{}
	blk.lock()
	blk.lastTouched = c.engine.CurrentTime()

	c.engine.Schedule(supplyDataEvent{
		EventBase: sim.NewEventBase(c.engine.CurrentTime()+c.latency, c),
		req:       msg,
		blk:       blk,
		src:       src,
	})
}

func (c *Comp) dataRequestMiss(msg *mem.Msg, src Source, firstProcess, count bool) {
	if src == SrcDownstream {
		// Most likely we just wrote this back. The data is on its way.
		return
	}

	if src == SrcSnoop && msg.Dst != c.name {
		// Broadcast not addressed to us.
		return
	}

	if firstProcess {
		c.listener.NotifyAccess(AccessRead, AccessMiss, msg.Addr)
	}
	if count {
		c.stats.SupplyMisses++
	}
	c.loadBlock(msg, src)
}

// finishSupply runs the deferred transmission of a supply. A block held by
// a user lock answers with a delayed, payload-free marker instead of data.
func (c *Comp) finishSupply(req *mem.Msg, blk *block, src Source) {
	key := supplyKey{blk.baseAddr, src}
	sup, ok := c.supplies[key]
	if !ok {
		log.Panicf("%s: finishing missing supply for 0x%x", c.name, blk.baseAddr)
	}

	blk.unlock()

	if sup.canceled {
		delete(c.supplies, key)
		return
	}

	resp := mem.MsgBuilder{}.
		WithSrc(c.name).
		WithDst(req.Src).
		WithCmd(mem.CmdSupplyData).
		WithAddr(blk.baseAddr).
		WithSize(c.store.blockSize).
		Build()

	if blk.userLock > 0 {
		blk.userLockNeedsWB = true
		resp.SetFlag(mem.FlagDelayed)
	} else {
		if blk.status == StatusExclusive {
			// Supplying an exclusive line doubles as its writeback.
			resp.SetFlag(mem.FlagWriteback)
		}
		resp.Payload = make([]byte, c.store.blockSize)
		copy(resp.Payload, blk.data)
	}

	delayed := resp.IsFlagSet(mem.FlagDelayed)

	switch src {
	case SrcDownstream:
		c.downstream.Send(resp)
		delete(c.supplies, key)
		if !delayed {
			blk.status = StatusShared
		}
	case SrcDirectory:
		if delayed {
			log.Panicf("%s: cannot delay a directory supply for 0x%x", c.name, blk.baseAddr)
		}
		c.directory.Send(resp)
		delete(c.supplies, key)
		blk.status = StatusShared
	case SrcUpstream:
		idx, ok := c.upstreamIdxByLink[req.LinkID]
		if !ok {
			log.Panicf("%s: supply for unknown upstream link %d", c.name, req.LinkID)
		}
		c.upstream[idx].Send(resp)
		delete(c.supplies, key)
	case SrcSnoop:
		sup.busMsg = resp
		c.snoop.request(resp,
			func() {
				if !delayed {
					blk.status = StatusShared
				}
				delete(c.supplies, key)
			},
			func(m *mem.Msg) {
				if !delayed {
					m.Payload = make([]byte, c.store.blockSize)
					copy(m.Payload, blk.data)
				}
			})
	default:
		log.Panicf("%s: cannot supply on %s channel", c.name, src)
	}
}
