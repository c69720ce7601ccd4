package cache

import (
	"log"

	"github.com/sarchlab/memh/mem"
	"github.com/sarchlab/memh/sim"
)

// handleFetch serves a directory-originated fetch of a block this node is
// registered as holding. hasInvalidated marks replays whose upstream
// invalidation round already ran.
func (c *Comp) handleFetch(msg *mem.Msg, src Source, invalidate, hasInvalidated bool) {
	if c.directory == nil {
		log.Panicf("%s: fetch for 0x%x without a directory", c.name, msg.Addr)
	}

	blk := c.store.findBlock(msg.Addr, false)
	if blk == nil {
		// Presumably we returned the block just before the fetch arrived.
		log.Printf("%s: fetch for 0x%x we no longer hold", c.name, msg.Addr)
		return
	}

	if invalidate && !hasInvalidated {
		c.issueInvalidateBlock(msg, SrcDirectory, blk, StatusShared, sendUp, true)
		return
	}

	switch blk.status {
	case StatusShared:
		resp := msg.MakeResponse(c.name)
		resp.Dst = msg.Src
		resp.Payload = make([]byte, c.store.blockSize)
		copy(resp.Payload, blk.data)
		resp.Size = c.store.blockSize
		c.directory.Send(resp)
	case StatusDirty:
		// An upstream holder has the authoritative copy. Pull it first.
		c.fetchBlock(msg, blk)
		return
	default:
		log.Panicf("%s: fetch for 0x%x in illegal state %s", c.name, msg.Addr, blk.status)
	}

	if invalidate {
		blk.status = StatusInvalid
	}
}

// fetchBlock starts an upward load to recover the authoritative copy of a
// stale block on the directory's behalf.
func (c *Comp) fetchBlock(msg *mem.Msg, blk *block) {
	ld, initial := c.initLoad(msg)

	ld.targetBlock = blk
	ld.direction = sendUp
	blk.load = ld
	blk.lock()

	el := loadElement{msg, SrcDirectory}
	if initial {
		ld.list = append(ld.list, el)
	} else {
		ld.list = append([]loadElement{el}, ld.list...)
	}

	c.engine.Schedule(fetchDispatchEvent{
		EventBase: sim.NewEventBase(c.engine.CurrentTime()+c.latency, c),
		ld:        ld,
		addr:      blk.baseAddr,
		blk:       blk,
	})
}
