package cache

import (
	"log"

	"github.com/sarchlab/memh/mem"
	"github.com/sarchlab/memh/sim"
)

// handleCPURequest serves reads and writes from the requester side.
func (c *Comp) handleCPURequest(msg *mem.Msg, src Source, firstProcess bool) {
	isRead := msg.Cmd == mem.CmdReadReq
	blk := c.store.findBlock(msg.Addr, false)
	count := firstProcess && !msg.IsFlagSet(mem.FlagPrefetch)

	if firstProcess {
		op := AccessWrite
		if isRead {
			op = AccessRead
		}
		result := AccessMiss
		if blk != nil {
			result = AccessHit
		}
		c.listener.NotifyAccess(op, result, msg.Addr)
	}

	if msg.IsFlagSet(mem.FlagLocked) && !isRead &&
		(blk == nil || blk.status != StatusExclusive) {
		log.Panicf("%s: locked write to 0x%x outside an exclusive hold", c.name, msg.Addr)
	}

	if blk == nil {
		if count {
			if isRead {
				c.stats.ReadMisses++
			} else {
				c.stats.WriteMisses++
			}
		}
		c.loadBlock(msg, src)
		return
	}

	if isRead {
		c.readHit(msg, src, blk, count)
	} else {
		c.writeHit(msg, src, blk, count)
	}
	blk.lastTouched = c.engine.CurrentTime()
}

func (c *Comp) readHit(msg *mem.Msg, src Source, blk *block, count bool) {
	if count {
		c.stats.ReadHits++
	}

	if c.waitingForInvalidate(blk.baseAddr) {
		inv := c.invals[blk.baseAddr]
		inv.waiting = append(inv.waiting, pending{msg, src})
		return
	}

	if msg.IsFlagSet(mem.FlagLocked) {
		if blk.status != StatusExclusive {
			c.issueInvalidateBlock(msg, src, blk, StatusExclusive, sendBoth, true)
			return
		}

		sup, supplying := c.supplies[supplyKey{blk.baseAddr, SrcSnoop}]
		if blk.wbInProgress || (supplying && !sup.canceled) {
			// The block is about to leave the exclusive state. Punt and
			// retry once the transfer settles.
			c.scheduleRetry(c.latency, msg, src)
			return
		}

		blk.userLock++
		blk.userLockNeedsWB = false
	}

	c.respondToCPU(msg, src, blk)
}

func (c *Comp) writeHit(msg *mem.Msg, src Source, blk *block, count bool) {
	if blk.status == StatusExclusive {
		if count {
			c.stats.WriteHits++
		}
		c.updateBlock(msg, blk)
		c.respondToCPU(msg, src, blk)

		if blk.userLock > 0 && msg.IsFlagSet(mem.FlagLocked) {
			blk.userLock--
			if blk.userLock == 0 && blk.userLockNeedsWB {
				c.writebackBlock(blk, StatusShared)
			}
		}
		return
	}

	// Upgrade: we hold the data but not exclusively.
	if count {
		c.stats.UpgradeMisses++
	}
	if c.waitingForInvalidate(blk.baseAddr) {
		inv := c.invals[blk.baseAddr]
		inv.waiting = append(inv.waiting, pending{msg, src})
		return
	}
	c.issueInvalidateBlock(msg, src, blk, StatusExclusive, sendBoth, true)
}

// respondToCPU builds the response now and sends it after the access
// latency.
func (c *Comp) respondToCPU(msg *mem.Msg, src Source, blk *block) {
	resp := c.makeCPUResponse(msg, blk)
	c.engine.Schedule(cpuRespondEvent{
		EventBase: sim.NewEventBase(c.engine.CurrentTime()+c.latency, c),
		resp:      resp,
		reqSrc:    src,
		linkID:    msg.LinkID,
	})
}

func (c *Comp) makeCPUResponse(msg *mem.Msg, blk *block) *mem.Msg {
	offset := msg.Addr - blk.baseAddr
	if offset+uint64(msg.Size) > uint64(c.store.blockSize) {
		log.Panicf("%s: request 0x%x size %d crosses a block boundary",
			c.name, msg.Addr, msg.Size)
	}

	resp := msg.MakeResponse(c.name)
	if msg.Cmd == mem.CmdReadReq {
		resp.Payload = make([]byte, msg.Size)
		copy(resp.Payload, blk.data[offset:])
	}
	return resp
}

// updateBlock merges a message's payload into the block, full-line when the
// sizes match, at the right offset otherwise.
func (c *Comp) updateBlock(msg *mem.Msg, blk *block) {
	if msg.Size == c.store.blockSize {
		copy(blk.data, msg.Payload)
	} else {
		offset := uint64(0)
		if msg.Addr > blk.baseAddr {
			offset = msg.Addr - blk.baseAddr
		}
		copy(blk.data[offset:], msg.Payload)
	}
	blk.lastTouched = c.engine.CurrentTime()
}
