package cache

import (
	"log"

	"github.com/sarchlab/memh/mem"
	"github.com/sarchlab/memh/sim"
)

// Source names the channel a message arrived on.
type Source int

const (
	SrcUpstream Source = iota
	SrcDownstream
	SrcSnoop
	SrcDirectory
	SrcSelf
	SrcPrefetch
)

var sourceNames = map[Source]string{
	SrcUpstream:   "upstream",
	SrcDownstream: "downstream",
	SrcSnoop:      "snoop",
	SrcDirectory:  "directory",
	SrcSelf:       "self",
	SrcPrefetch:   "prefetch",
}

func (s Source) String() string {
	if n, ok := sourceNames[s]; ok {
		return n
	}
	return "unknown"
}

type supplyKey struct {
	addr uint64
	src  Source
}

// Comp is a single cache node. It serves CPU reads and writes from its
// upstream links, fills misses from its downstream link or snoop bus, and
// answers data requests and invalidations from its peers.
type Comp struct {
	sim.HookableBase

	name    string
	engine  sim.Engine
	latency sim.VTimeInSec
	mode    Mode

	store *store

	upstream          []*sim.Link
	upstreamIdxByLink map[int]int
	downstream        *sim.Link
	nextLevelName     string
	snoop             *busQueue
	directory         *sim.Link
	dirPeers          []DirectoryPeer

	loads    map[uint64]*loadRecord
	invals   map[uint64]*invalidation
	supplies map[supplyKey]*supplyRecord

	listener Listener
	isL1     bool

	stats Stats
}

// Name returns the node name used as the message address.
func (c *Comp) Name() string {
	return c.name
}

// AttachUpstream registers a link toward a requester. The attachment order
// is the fan-out order for invalidations.
func (c *Comp) AttachUpstream(link *sim.Link) {
	idx := len(c.upstream)
	c.upstream = append(c.upstream, link)
	c.upstreamIdxByLink[link.ID()] = idx
	link.SetRecvFunc(func(m sim.Msg) {
		c.RecvMsg(m.(*mem.Msg), SrcUpstream)
	})
}

// AttachDownstream registers the link toward the next level. nextLevelName
// is the destination stamped on downstream requests.
func (c *Comp) AttachDownstream(link *sim.Link, nextLevelName string) {
	if c.downstream != nil {
		log.Panicf("%s: downstream link already attached", c.name)
	}
	c.downstream = link
	c.nextLevelName = nextLevelName
	link.SetRecvFunc(func(m sim.Msg) {
		c.RecvMsg(m.(*mem.Msg), SrcDownstream)
	})
}

// AttachSnoopBus registers the link to the broadcast bus shared with the
// peer caches and the memory controller. nextLevelName, when not empty,
// addresses bus-routed fetches to the next level on the same bus.
func (c *Comp) AttachSnoopBus(link *sim.Link, nextLevelName string) {
	if c.snoop != nil {
		log.Panicf("%s: snoop bus already attached", c.name)
	}
	c.snoop = newBusQueue(c, link)
	if nextLevelName != "" {
		c.nextLevelName = nextLevelName
	}
	link.SetRecvFunc(func(m sim.Msg) {
		c.RecvMsg(m.(*mem.Msg), SrcSnoop)
	})
}

// AttachDirectory registers the link to the directory fabric together with
// the address ranges of the directory peers.
func (c *Comp) AttachDirectory(link *sim.Link, peers []DirectoryPeer) {
	if c.directory != nil {
		log.Panicf("%s: directory link already attached", c.name)
	}
	c.directory = link
	c.dirPeers = peers
	link.SetRecvFunc(func(m sim.Msg) {
		c.RecvMsg(m.(*mem.Msg), SrcDirectory)
	})
}

// SetListener installs an access listener. Passing nil restores the no-op
// listener.
func (c *Comp) SetListener(l Listener) {
	if l == nil {
		c.listener = nopListener{}
		return
	}
	c.listener = l
}

// RecvMsg is the entry point for messages arriving on any channel.
func (c *Comp) RecvMsg(msg *mem.Msg, src Source) {
	c.dispatch(msg, src, true, false)
}

// dispatch routes one message to its handler. firstProcess is true the
// first time this node sees the message, false on replays after waiting.
// firstPhaseComplete marks replays that already went through an
// invalidation round and therefore must not start another one.
func (c *Comp) dispatch(msg *mem.Msg, src Source, firstProcess, firstPhaseComplete bool) {
	switch msg.Cmd {
	case mem.CmdBusClearToSend:
		if c.snoop == nil {
			log.Panicf("%s: bus grant without a snoop bus", c.name)
		}
		c.snoop.clearToSend()
	case mem.CmdReadReq, mem.CmdWriteReq:
		if src == SrcUpstream || src == SrcPrefetch {
			c.isL1 = true
		}
		c.handleCPURequest(msg, src, firstProcess)
	case mem.CmdRequestData:
		c.handleDataRequest(msg, src, firstProcess)
	case mem.CmdSupplyData:
		c.handleDataSupply(msg, src)
	case mem.CmdInvalidate:
		c.handleInvalidate(msg, src, firstPhaseComplete)
	case mem.CmdAck:
		c.ackInvalidate(msg, src)
	case mem.CmdNack:
		c.handleNack(msg, src)
	case mem.CmdFetch:
		c.handleFetch(msg, src, false, firstPhaseComplete)
	case mem.CmdFetchInvalidate:
		c.handleFetch(msg, src, true, firstPhaseComplete)
	default:
		// Echo of our own broadcast, or a response meant for a peer.
	}
}

// respond routes a response back toward the requester on the channel the
// request arrived on.
func (c *Comp) respond(msg *mem.Msg, reqSrc Source, reqLinkID int) {
	switch reqSrc {
	case SrcUpstream:
		idx, ok := c.upstreamIdxByLink[reqLinkID]
		if !ok {
			log.Panicf("%s: response for unknown upstream link %d", c.name, reqLinkID)
		}
		c.upstream[idx].Send(msg)
	case SrcSnoop:
		c.snoop.request(msg, nil, nil)
	case SrcDirectory:
		c.directory.Send(msg)
	case SrcDownstream:
		c.downstream.Send(msg)
	default:
		log.Panicf("%s: cannot route response to %s channel", c.name, reqSrc)
	}
}

func (c *Comp) scheduleRetry(delay sim.VTimeInSec, msg *mem.Msg, src Source) {
	c.engine.Schedule(retryEvent{
		EventBase: sim.NewEventBase(c.engine.CurrentTime()+delay, c),
		msg:       msg,
		src:       src,
	})
}

// handlePendingEvents replays messages parked on a row. With a block it
// replays the waiters of that block's address, otherwise the oldest waiting
// address of the row.
func (c *Comp) handlePendingEvents(r *row, blk *block) {
	var queue []pending
	if blk != nil {
		queue = r.takeWaiting(blk.baseAddr)
	} else {
		queue = r.takeAnyWaiting()
	}

	for _, p := range queue {
		c.scheduleRetry(c.latency, p.msg, p.src)
	}
}
