package cache

import (
	"log"

	"github.com/sarchlab/memh/mem"
	"github.com/sarchlab/memh/sim"
)

// A loadElement is one message waiting for the fill, in arrival order. msg
// is nil once the element has been purged.
type loadElement struct {
	msg *mem.Msg
	src Source
}

// A loadRecord merges every miss on one block address into a single
// outstanding fill.
type loadRecord struct {
	addr uint64

	// initiatingID identifies the message that created the record, so its
	// own replays do not merge with themselves.
	initiatingID string

	list        []loadElement
	targetBlock *block
	direction   direction
	busMsg      *mem.Msg
}

func (c *Comp) initLoad(msg *mem.Msg) (ld *loadRecord, initial bool) {
	addr := c.store.blockAddr(msg.Addr)
	if ld, ok := c.loads[addr]; ok {
		return ld, false
	}

	ld = &loadRecord{addr: addr, initiatingID: msg.ID}
	c.loads[addr] = ld
	return ld, true
}

// loadBlock starts or joins the fill for a missing block.
func (c *Comp) loadBlock(msg *mem.Msg, src Source) {
	ld, initial := c.initLoad(msg)
	reprocess := !initial

	if reprocess && ld.initiatingID != msg.ID {
		// Merge with the fill already in flight.
		ld.list = append(ld.list, loadElement{msg, src})
		return
	}

	r := c.store.rowOf(msg.Addr)
	blk := c.store.lruVictim(r)

	if blk == nil {
		// Every way is mid-transaction. Park on the row.
		r.addWaiting(c.store.blockAddr(msg.Addr), msg, src)
		return
	}

	if c.mode == ModeInclusive && blk.status != StatusInvalid {
		// The victim may be held upstream. Pull it back before reuse.
		c.issueInvalidateBlock(msg, src, blk, StatusInvalid, sendUp, true)
		return
	}

	if blk.status == StatusExclusive {
		// Dirty victim. Write it back and retry once the way frees up.
		r.addWaiting(c.store.blockAddr(msg.Addr), msg, src)
		c.writebackBlock(blk, StatusInvalid)
		return
	}

	c.store.assign(blk, msg.Addr)
	blk.lock()

	ld.direction = sendDown
	ld.targetBlock = blk
	blk.load = ld
	el := loadElement{msg, src}
	if reprocess {
		ld.list = append([]loadElement{el}, ld.list...)
	} else {
		ld.list = append(ld.list, el)
	}

	c.engine.Schedule(fetchDispatchEvent{
		EventBase: sim.NewEventBase(c.engine.CurrentTime()+c.latency, c),
		ld:        ld,
		addr:      blk.baseAddr,
		blk:       blk,
	})
}

// startFetch sends the outstanding fetch of a load record on exactly one
// channel. It backs off silently when the block moved on since the fetch
// was scheduled.
func (c *Comp) startFetch(ld *loadRecord, addr uint64, blk *block) {
	dirtyUp := blk.status == StatusDirty && ld.direction == sendUp
	if (!dirtyUp && blk.status != StatusAssigned) ||
		blk.baseAddr != addr || blk.load != ld {
		return
	}

	if ld.direction == sendUp {
		if len(c.upstream) > 0 && !c.isL1 {
			for _, l := range c.upstream {
				l.Send(c.makeDataRequest(blk.baseAddr))
			}
		} else if c.snoop != nil {
			c.fetchOverBus(ld, blk)
		}
		return
	}

	// Downward fetch. With both a direct link and a snoop bus, the direct
	// link wins: a peer on the bus would have answered the broadcast miss
	// already.
	switch {
	case c.downstream != nil:
		req := c.makeDataRequest(blk.baseAddr)
		req.Dst = c.nextLevelName
		c.downstream.Send(req)
	case c.directory != nil:
		req := c.makeDataRequest(blk.baseAddr)
		req.Dst = c.findTargetDirectory(blk.baseAddr)
		c.directory.Send(req)
	case c.snoop != nil:
		c.fetchOverBus(ld, blk)
	default:
		log.Panicf("%s: no channel to fetch 0x%x on", c.name, blk.baseAddr)
	}
}

func (c *Comp) fetchOverBus(ld *loadRecord, blk *block) {
	req := c.makeDataRequest(blk.baseAddr)
	if c.nextLevelName != "" {
		req.Dst = c.nextLevelName
	}
	ld.busMsg = req
	c.snoop.request(req, func() { ld.busMsg = nil }, nil)
}

func (c *Comp) makeDataRequest(addr uint64) *mem.Msg {
	return mem.MsgBuilder{}.
		WithSrc(c.name).
		WithCmd(mem.CmdRequestData).
		WithAddr(addr).
		WithSize(c.store.blockSize).
		Build()
}

// handleDataSupply completes fills and absorbs peer writebacks.
func (c *Comp) handleDataSupply(msg *mem.Msg, src Source) {
	if src == SrcSnoop && msg.Src == c.name {
		return
	}

	if src == SrcSnoop {
		c.cancelCoveredSupplies(msg)
	}

	addr := c.store.blockAddr(msg.Addr)
	ld, ok := c.loads[addr]
	if !ok {
		c.unmatchedSupply(msg, src)
		return
	}

	if ld.busMsg != nil {
		c.snoop.cancelRequest(ld.busMsg)
		ld.busMsg = nil
	}

	if ld.targetBlock == nil {
		// We merged misses but never claimed a way, so we never asked.
		// This is bus chatter we can ignore.
		if src != SrcSnoop {
			log.Panicf("%s: supply for 0x%x matches a load without a block", c.name, addr)
		}
		return
	}

	blk := ld.targetBlock
	if msg.IsFlagSet(mem.FlagDelayed) {
		c.purgeDelayedLoad(ld, blk, src)
	} else {
		c.fillBlock(msg, ld, blk, src)
	}

	c.handlePendingEvents(c.store.rowOf(blk.baseAddr), blk)
}

// cancelCoveredSupplies withdraws in-progress bus supplies for every block
// the arriving broadcast covers, since the bus already carried the data.
func (c *Comp) cancelCoveredSupplies(msg *mem.Msg) {
	if msg.Size < c.store.blockSize {
		return
	}

	for a := c.store.blockAddr(msg.Addr); a < msg.Addr+uint64(msg.Size); a += uint64(c.store.blockSize) {
		sup, ok := c.supplies[supplyKey{a, SrcSnoop}]
		if !ok {
			continue
		}
		sup.canceled = true
		if sup.busMsg != nil {
			if _, _, ok := c.snoop.cancelRequest(sup.busMsg); ok {
				sup.busMsg = nil
			}
		}
	}
}

// purgeDelayedLoad handles a fill answered with a delayed marker: the block
// is user-locked at its holder and cannot be supplied yet. Bus-sourced
// waiters are dropped, and the load is abandoned when nothing remains.
func (c *Comp) purgeDelayedLoad(ld *loadRecord, blk *block, src Source) {
	remaining := 0
	for i := range ld.list {
		if ld.list[i].msg == nil {
			continue
		}
		if src == SrcSnoop && ld.list[i].src == SrcSnoop {
			ld.list[i].msg = nil
			continue
		}
		remaining++
	}

	if remaining == 0 {
		delete(c.loads, ld.addr)
		blk.load = nil
		if blk.isAssigned() {
			blk.status = StatusInvalid
		}
		blk.unlock()
	}
}

// fillBlock completes the load and replays every merged waiter in arrival
// order. Bus-sourced waiters of a bus-sourced fill observed the data on the
// broadcast and are dropped.
func (c *Comp) fillBlock(msg *mem.Msg, ld *loadRecord, blk *block, src Source) {
	c.updateBlock(msg, blk)
	blk.load = nil
	blk.status = StatusShared
	blk.unlock()

	list := ld.list
	delete(c.loads, ld.addr)

	for _, el := range list {
		if el.msg == nil {
			continue
		}
		if src == SrcSnoop && el.src == SrcSnoop {
			continue
		}
		c.dispatch(el.msg, el.src, false, true)
	}
}

// unmatchedSupply deals with a supply nobody here was waiting for. Under
// the inclusive policy it is a peer writeback merged in place. Undirected
// bus writebacks are passed toward the next level.
func (c *Comp) unmatchedSupply(msg *mem.Msg, src Source) {
	if c.mode == ModeInclusive {
		blk := c.store.findBlock(msg.Addr, false)
		if blk != nil {
			c.updateBlock(msg, blk)
			blk.status = StatusShared
		} else if src != SrcSnoop {
			log.Panicf("%s: writeback for 0x%x we do not hold", c.name, msg.Addr)
		}
	}

	switch src {
	case SrcSnoop:
		if msg.Dst == c.name {
			// Likely a supply we canceled moments ago. Harmless.
			log.Printf("%s: unmatched supply for 0x%x", c.name, msg.Addr)
			return
		}
		if !msg.IsFlagSet(mem.FlagWriteback) {
			return
		}
		c.forwardWriteback(msg)
	case SrcUpstream:
		if !msg.IsFlagSet(mem.FlagWriteback) {
			log.Panicf("%s: unmatched upstream supply for 0x%x is not a writeback",
				c.name, msg.Addr)
		}
		if c.downstream == nil && c.directory == nil {
			log.Panicf("%s: nowhere to forward writeback of 0x%x", c.name, msg.Addr)
		}
		c.forwardWriteback(msg)
	default:
	}
}

func (c *Comp) forwardWriteback(msg *mem.Msg) {
	if c.downstream != nil {
		fwd := msg.Clone()
		fwd.Src = c.name
		fwd.Dst = c.nextLevelName
		c.downstream.Send(fwd)
		return
	}
	if c.directory != nil {
		fwd := msg.Clone()
		fwd.Src = c.name
		fwd.Dst = c.findTargetDirectory(c.store.blockAddr(msg.Addr))
		c.directory.Send(fwd)
	}
}
