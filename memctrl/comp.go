// Package memctrl provides a fixed-latency memory backend that terminates
// the downstream side of a cache hierarchy.
package memctrl

import (
	"log"

	"github.com/sarchlab/memh/mem"
	"github.com/sarchlab/memh/sim"
)

// Comp is a memory controller. It serves RequestData from its storage after
// a fixed latency, absorbs writebacks, and acknowledges invalidates on
// point-to-point links.
type Comp struct {
	name    string
	engine  sim.Engine
	latency sim.VTimeInSec
	storage *mem.Storage

	link  *sim.Link
	onBus bool

	// outbound messages waiting for a bus grant, in issue order
	sendQueue []*mem.Msg
}

// Builder can build memory controllers.
type Builder struct {
	engine   sim.Engine
	latency  sim.VTimeInSec
	capacity uint64
	storage  *mem.Storage
}

// MakeBuilder returns a new memctrl Builder.
func MakeBuilder() Builder {
	return Builder{
		latency:  100e-9,
		capacity: 1 << 30,
	}
}

// WithEngine sets the engine used to schedule response events.
func (b Builder) WithEngine(engine sim.Engine) Builder {
	b.engine = engine
	return b
}

// WithLatency sets the access latency.
func (b Builder) WithLatency(latency sim.VTimeInSec) Builder {
	b.latency = latency
	return b
}

// WithNewStorage gives the controller a fresh storage of the given capacity.
func (b Builder) WithNewStorage(capacity uint64) Builder {
	b.capacity = capacity
	b.storage = nil
	return b
}

// WithStorage sets the backing storage.
func (b Builder) WithStorage(storage *mem.Storage) Builder {
	b.storage = storage
	return b
}

// Build creates a memory controller.
func (b Builder) Build(name string) *Comp {
	if b.engine == nil {
		log.Panic("memctrl requires an engine")
	}

	storage := b.storage
	if storage == nil {
		storage = mem.NewStorage(b.capacity)
	}

	return &Comp{
		name:    name,
		engine:  b.engine,
		latency: b.latency,
		storage: storage,
	}
}

// Name returns the name of the controller.
func (c *Comp) Name() string {
	return c.name
}

// Storage exposes the backing storage, mostly for test setup.
func (c *Comp) Storage() *mem.Storage {
	return c.storage
}

// AttachLink connects the controller to the cache above it.
func (c *Comp) AttachLink(link *sim.Link) {
	c.link = link
	c.onBus = false
	link.SetRecvFunc(func(msg sim.Msg) {
		c.recvMsg(msg.(*mem.Msg))
	})
}

// AttachBus connects the controller to a snoop bus. On a bus the controller
// only answers requests addressed to it by name, and it never acknowledges
// invalidates (bus delivery is observed by all parties).
func (c *Comp) AttachBus(link *sim.Link) {
	c.link = link
	c.onBus = true
	link.SetRecvFunc(func(msg sim.Msg) {
		c.recvMsg(msg.(*mem.Msg))
	})
}

func (c *Comp) recvMsg(msg *mem.Msg) {
	if c.onBus && msg.Src == c.name {
		return // our own broadcast echoed back
	}

	switch msg.Cmd {
	case mem.CmdRequestData:
		if c.onBus && msg.Dst != c.name {
			return // somebody else's problem
		}
		evt := &respondEvent{
			EventBase: sim.NewEventBase(
				c.engine.CurrentTime()+c.latency, c),
			req: msg,
		}
		c.engine.Schedule(evt)

	case mem.CmdSupplyData:
		if msg.IsFlagSet(mem.FlagWriteback) {
			if err := c.storage.Write(msg.Addr, msg.Payload); err != nil {
				log.Panicf("%s: writeback failed: %v", c.name, err)
			}
		}

	case mem.CmdInvalidate:
		if !c.onBus {
			c.send(msg.MakeResponse(c.name))
		}

	case mem.CmdBusClearToSend:
		c.sendGranted()

	default:
		// snoop traffic that does not concern memory
	}
}

// Handle completes a pending read after the access latency.
func (c *Comp) Handle(e sim.Event) error {
	evt := e.(*respondEvent)

	data, err := c.storage.Read(evt.req.Addr, uint64(evt.req.Size))
	if err != nil {
		log.Panicf("%s: read failed: %v", c.name, err)
	}

	resp := evt.req.MakeResponse(c.name)
	resp.Payload = data
	c.send(resp)

	return nil
}

func (c *Comp) send(msg *mem.Msg) {
	if !c.onBus {
		c.link.Send(msg)
		return
	}

	c.sendQueue = append(c.sendQueue, msg)
	req := mem.MsgBuilder{}.
		WithSrc(c.name).
		WithCmd(mem.CmdBusRequest).
		Build()
	c.link.Send(req)
}

func (c *Comp) sendGranted() {
	if len(c.sendQueue) == 0 {
		cancel := mem.MsgBuilder{}.
			WithSrc(c.name).
			WithCmd(mem.CmdBusCancel).
			Build()
		c.link.Send(cancel)
		return
	}

	msg := c.sendQueue[0]
	c.sendQueue = c.sendQueue[1:]
	c.link.Send(msg)
}

type respondEvent struct {
	*sim.EventBase
	req *mem.Msg
}
