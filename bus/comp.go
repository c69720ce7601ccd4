// Package bus provides the shared snoop channel among sibling caches.
//
// The bus is contended: a node that wants to transmit sends a BusRequest and
// waits for a BusClearToSend grant. Grants are handed out one at a time in
// request order. The granted message is broadcast to every attached link,
// the sender included. Observing the own message come back is how a sender
// learns the bus delivered it.
package bus

import (
	"log"

	"github.com/sarchlab/memh/mem"
	"github.com/sarchlab/memh/sim"
)

// Comp is the bus component.
type Comp struct {
	name   string
	engine sim.Engine

	links      []*sim.Link
	grantQueue []int
	busy       bool
	grantee    int
}

// Builder can build bus components.
type Builder struct {
	engine sim.Engine
}

// MakeBuilder returns a new bus Builder.
func MakeBuilder() Builder {
	return Builder{}
}

// WithEngine sets the engine the bus schedules deliveries on.
func (b Builder) WithEngine(engine sim.Engine) Builder {
	b.engine = engine
	return b
}

// Build creates a bus component.
func (b Builder) Build(name string) *Comp {
	if b.engine == nil {
		log.Panic("bus requires an engine")
	}

	return &Comp{
		name:    name,
		engine:  b.engine,
		grantee: -1,
	}
}

// Name returns the name of the bus.
func (c *Comp) Name() string {
	return c.name
}

// Attach plugs one end of a link into the bus. The other end belongs to a
// cache node or a memory backend.
func (c *Comp) Attach(link *sim.Link) {
	idx := len(c.links)
	c.links = append(c.links, link)
	link.SetRecvFunc(func(msg sim.Msg) {
		c.recvMsg(msg.(*mem.Msg), idx)
	})
}

func (c *Comp) recvMsg(msg *mem.Msg, linkIdx int) {
	switch msg.Cmd {
	case mem.CmdBusRequest:
		c.grantQueue = append(c.grantQueue, linkIdx)
		c.tryGrant()
	case mem.CmdBusCancel:
		c.cancelFrom(linkIdx)
	default:
		c.broadcast(msg, linkIdx)
	}
}

// cancelFrom releases a grant the holder no longer wants. Every grant is
// answered with either a broadcast or a BusCancel, so a cancel from anyone
// but the current grantee is a protocol violation.
func (c *Comp) cancelFrom(linkIdx int) {
	if !c.busy || c.grantee != linkIdx {
		log.Panicf("%s: BusCancel from link %d, which holds no grant",
			c.name, linkIdx)
	}

	c.busy = false
	c.grantee = -1
	c.tryGrant()
}

func (c *Comp) broadcast(msg *mem.Msg, linkIdx int) {
	if !c.busy || c.grantee != linkIdx {
		log.Panicf("%s: %s from link %d transmitted without a grant",
			c.name, msg.Cmd, linkIdx)
	}

	c.busy = false
	c.grantee = -1

	for _, link := range c.links {
		link.Send(msg.Clone())
	}

	c.tryGrant()
}

func (c *Comp) tryGrant() {
	if c.busy || len(c.grantQueue) == 0 {
		return
	}

	idx := c.grantQueue[0]
	c.grantQueue = c.grantQueue[1:]
	c.busy = true
	c.grantee = idx

	grant := mem.MsgBuilder{}.
		WithSrc(c.name).
		WithCmd(mem.CmdBusClearToSend).
		Build()
	c.links[idx].Send(grant)
}
