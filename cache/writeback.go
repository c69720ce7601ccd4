package cache

import (
	"log"

	"github.com/sarchlab/memh/mem"
)

// writebackBlock pushes the block's data toward memory and then applies
// newStatus. With a snoop bus the broadcast itself is the first leg; the
// direct downstream and directory copies follow once the bus send clears.
func (c *Comp) writebackBlock(blk *block, newStatus Status) {
	if blk.wbInProgress {
		return
	}
	blk.wbInProgress = true

	if c.snoop == nil {
		c.finishWriteback(blk, newStatus, false)
		return
	}

	blk.lock()
	msg := mem.MsgBuilder{}.
		WithSrc(c.name).
		WithCmd(mem.CmdSupplyData).
		WithAddr(blk.baseAddr).
		WithFlags(mem.FlagWriteback).
		Build()
	msg.Size = c.store.blockSize

	c.snoop.request(msg,
		func() { c.finishWriteback(blk, newStatus, true) },
		func(m *mem.Msg) {
			m.Payload = make([]byte, c.store.blockSize)
			copy(m.Payload, blk.data)
		})
}

func (c *Comp) finishWriteback(blk *block, newStatus Status, unlock bool) {
	blk.wbInProgress = false
	if unlock {
		blk.unlock()
	}

	if c.downstream != nil {
		c.downstream.Send(c.makeWriteback(blk, c.nextLevelName))
	}
	if c.directory != nil {
		c.directory.Send(c.makeWriteback(blk, c.findTargetDirectory(blk.baseAddr)))
	}

	r := c.store.rowOf(blk.baseAddr)
	blk.status = newStatus

	pendBlk := blk
	if newStatus == StatusInvalid {
		if blk.isLocked() {
			log.Panicf("%s: invalidating locked block 0x%x after writeback",
				c.name, blk.baseAddr)
		}
		pendBlk = nil
	}
	c.handlePendingEvents(r, pendBlk)
}

func (c *Comp) makeWriteback(blk *block, dst string) *mem.Msg {
	payload := make([]byte, c.store.blockSize)
	copy(payload, blk.data)
	return mem.MsgBuilder{}.
		WithSrc(c.name).
		WithDst(dst).
		WithCmd(mem.CmdSupplyData).
		WithAddr(blk.baseAddr).
		WithPayload(payload).
		WithFlags(mem.FlagWriteback).
		Build()
}
