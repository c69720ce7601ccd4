package cache

import (
	"log"

	"github.com/sarchlab/memh/mem"
)

// direction tells an invalidation or a fetch which side of the hierarchy to
// walk.
type direction int

const (
	sendUp direction = iota
	sendDown
	sendBoth
)

// An invalidation tracks one outstanding invalidate fan-out for a block
// address. Messages that touch the address while it is outstanding queue on
// the record and replay after completion.
type invalidation struct {
	blk       *block
	newStatus Status

	waiting     []pending
	waitingAcks int

	// issuingID is the ID shared by every copy of the fan-out message, used
	// to match acknowledgments and NACKs.
	issuingID string
	canCancel bool
	busMsg    *mem.Msg
}

func (c *Comp) waitingForInvalidate(addr uint64) bool {
	_, ok := c.invals[addr]
	return ok
}

// issueInvalidateBlock invalidates a locally held block, locking it for the
// duration and remembering the status to apply on completion.
func (c *Comp) issueInvalidateBlock(
	trigger *mem.Msg,
	src Source,
	blk *block,
	newStatus Status,
	dir direction,
	cancelable bool,
) {
	blk.lock()
	inv := c.invalRecord(blk.baseAddr)
	inv.blk = blk
	inv.newStatus = newStatus
	c.issueInvalidate(trigger, src, blk.baseAddr, dir, cancelable)
}

func (c *Comp) invalRecord(addr uint64) *invalidation {
	inv, ok := c.invals[addr]
	if !ok {
		inv = &invalidation{}
		c.invals[addr] = inv
	}
	return inv
}

// issueInvalidate fans one invalidate out to the channels dir selects. The
// trigger message queues on the record and replays once every copy is
// acknowledged. With nobody to acknowledge, completion runs at once.
func (c *Comp) issueInvalidate(
	trigger *mem.Msg,
	src Source,
	addr uint64,
	dir direction,
	cancelable bool,
) {
	inv := c.invalRecord(addr)
	inv.waiting = append(inv.waiting, pending{trigger, src})
	inv.waitingAcks = 0
	inv.canCancel = cancelable

	invMsg := mem.MsgBuilder{}.
		WithSrc(c.name).
		WithCmd(mem.CmdInvalidate).
		WithAddr(addr).
		Build()
	inv.issuingID = invMsg.ID

	if c.snoop != nil {
		busCopy := invMsg.Clone()
		c.snoop.request(busCopy, nil, nil)
		inv.waitingAcks++
		inv.busMsg = busCopy
	}

	if dir == sendDown || dir == sendBoth {
		if c.downstream != nil {
			down := invMsg.Clone()
			down.Dst = c.nextLevelName
			c.downstream.Send(down)
			inv.waitingAcks++
		}
		if c.directory != nil {
			c.directory.Send(invMsg.Clone())
			inv.waitingAcks++
		}
	}

	if dir == sendUp || dir == sendBoth {
		for _, l := range c.upstream {
			// Skip the requester that caused this invalidation, unless we
			// are invalidating a different block than the one it asked for
			// (an eviction on its behalf).
			if l.ID() == trigger.LinkID && c.store.blockAddr(trigger.Addr) == addr {
				continue
			}
			l.Send(invMsg.Clone())
			inv.waitingAcks++
		}
	}

	if inv.waitingAcks == 0 {
		c.finishIssueInvalidate(addr)
	}
}

// finishIssueInvalidate applies the target status and replays the queued
// messages. The record is removed before the replay so the replayed
// messages do not see themselves as still blocked.
func (c *Comp) finishIssueInvalidate(addr uint64) {
	inv, ok := c.invals[addr]
	if !ok || inv.waitingAcks != 0 {
		log.Panicf("%s: completing invalidation 0x%x in a bad state", c.name, addr)
	}

	if inv.blk != nil {
		inv.blk.unlock()
		inv.blk.status = inv.newStatus
	}

	waiting := inv.waiting
	delete(c.invals, addr)

	for i, p := range waiting {
		c.dispatch(p.msg, p.src, false, i == 0)
	}
}

// handleInvalidate reacts to an invalidate from a peer. firstPhaseComplete
// is set on replays that already forwarded the invalidate to the other side
// of the hierarchy.
func (c *Comp) handleInvalidate(msg *mem.Msg, src Source, firstPhaseComplete bool) {
	if src == SrcSnoop && msg.Src == c.name {
		// Our own broadcast coming back. Bus delivery is the bus ack.
		c.ackInvalidate(msg, src)
		return
	}

	addr := c.store.blockAddr(msg.Addr)
	blk := c.store.findBlock(msg.Addr, false)

	if blk != nil && c.waitingForInvalidate(blk.baseAddr) {
		if !c.cancelInvalidate(blk) {
			// A non-cancelable invalidation is mid-flight. Retry once it
			// has had time to settle.
			c.scheduleRetry(2*c.latency, msg, src)
			return
		}
	}

	// Reach every holder before any acknowledgment goes out.
	if !firstPhaseComplete && (src == SrcDownstream || src == SrcDirectory) && !c.isL1 {
		c.issueInvalidate(msg, src, addr, sendUp, false)
		return
	}
	if !firstPhaseComplete && src == SrcUpstream {
		c.issueInvalidate(msg, src, addr, sendDown, false)
		return
	}

	if blk != nil {
		if blk.status == StatusShared {
			c.cancelSnoopSupply(blk.baseAddr)

			if c.mode == ModeInclusive && src != SrcDownstream && src != SrcDirectory {
				// An upstream holder keeps it exclusively. Remember that
				// the local copy is stale.
				blk.status = StatusDirty
			} else {
				blk.status = StatusInvalid
			}
			c.handlePendingEvents(c.store.rowOf(blk.baseAddr), nil)
		}
		if blk.status == StatusExclusive {
			r := c.store.rowOf(blk.baseAddr)
			r.addWaiting(blk.baseAddr, msg, src)
			c.writebackBlock(blk, StatusInvalid)
			return
		}
	}

	if src != SrcSnoop {
		c.sendInvalidateACK(msg, src)
	}
}

// cancelSnoopSupply withdraws any in-progress supply over the bus for the
// block, since an invalidation supersedes it.
func (c *Comp) cancelSnoopSupply(addr uint64) {
	sup, ok := c.supplies[supplyKey{addr, SrcSnoop}]
	if !ok {
		return
	}

	sup.canceled = true
	if sup.busMsg != nil {
		if _, _, ok := c.snoop.cancelRequest(sup.busMsg); ok {
			sup.busMsg = nil
		}
	}
}

func (c *Comp) sendInvalidateACK(msg *mem.Msg, src Source) {
	resp := msg.MakeResponse(c.name)
	switch src {
	case SrcUpstream:
		idx, ok := c.upstreamIdxByLink[msg.LinkID]
		if !ok {
			log.Panicf("%s: ack for unknown upstream link %d", c.name, msg.LinkID)
		}
		c.upstream[idx].Send(resp)
	case SrcDownstream:
		c.downstream.Send(resp)
	case SrcDirectory:
		c.directory.Send(resp)
	default:
		log.Panicf("%s: cannot ack invalidate on %s channel", c.name, src)
	}
}

// cancelInvalidate retracts an outstanding cancelable invalidation and
// replays everything queued behind it. Returns false when the record is
// not cancelable.
func (c *Comp) cancelInvalidate(blk *block) bool {
	inv, ok := c.invals[blk.baseAddr]
	if !ok {
		log.Panicf("%s: canceling missing invalidation 0x%x", c.name, blk.baseAddr)
	}

	if !inv.canCancel {
		return false
	}

	if inv.busMsg != nil {
		c.snoop.cancelRequest(inv.busMsg)
		inv.busMsg = nil
	}

	if inv.blk == blk {
		blk.unlock()
	}

	waiting := inv.waiting
	delete(c.invals, blk.baseAddr)

	for _, p := range waiting {
		c.scheduleRetry(c.latency, p.msg, p.src)
	}

	return true
}

// ackInvalidate credits one acknowledgment against the outstanding
// invalidation for the address. Acks for retired records are stale and
// dropped.
func (c *Comp) ackInvalidate(msg *mem.Msg, src Source) {
	addr := c.store.blockAddr(msg.Addr)
	inv, ok := c.invals[addr]
	if !ok {
		return
	}

	if msg.RespondTo != inv.issuingID && msg.Src != c.name {
		return
	}

	inv.waitingAcks--
	if inv.waitingAcks < 0 {
		log.Panicf("%s: extra invalidate ack for 0x%x", c.name, addr)
	}
	if inv.waitingAcks == 0 {
		c.finishIssueInvalidate(addr)
	}
}
