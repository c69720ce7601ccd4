package cache_test

import (
	"github.com/sarchlab/memh/mem"
	"github.com/sarchlab/memh/sim"
)

// An endpoint stands in for a CPU, a downstream level, or a directory
// controller. It records everything it receives and can script replies.
type endpoint struct {
	name string
	link *sim.Link

	// autoAckInvalidate makes the endpoint acknowledge invalidates at once,
	// like a well-behaved requester.
	autoAckInvalidate bool

	received []*mem.Msg
}

// newEndpoint creates an endpoint and returns the far link end to attach to
// the node under test.
func newEndpoint(engine sim.Engine, name string, latency sim.VTimeInSec) (*endpoint, *sim.Link) {
	near, far := sim.Connect(engine, latency)
	ep := &endpoint{name: name, link: near}
	near.SetRecvFunc(func(m sim.Msg) {
		msg := m.(*mem.Msg)
		if ep.autoAckInvalidate && msg.Cmd == mem.CmdInvalidate {
			ep.link.Send(msg.MakeResponse(ep.name))
			return
		}
		ep.received = append(ep.received, msg)
	})
	return ep, far
}

func (ep *endpoint) send(msg *mem.Msg) {
	ep.link.Send(msg)
}

func (ep *endpoint) byCmd(cmd mem.Command) []*mem.Msg {
	var out []*mem.Msg
	for _, m := range ep.received {
		if m.Cmd == cmd {
			out = append(out, m)
		}
	}
	return out
}

func (ep *endpoint) read(dst string, addr uint64, size int) *mem.Msg {
	return mem.MsgBuilder{}.
		WithSrc(ep.name).
		WithDst(dst).
		WithCmd(mem.CmdReadReq).
		WithAddr(addr).
		WithSize(size).
		Build()
}

func (ep *endpoint) write(dst string, addr uint64, data []byte) *mem.Msg {
	return mem.MsgBuilder{}.
		WithSrc(ep.name).
		WithDst(dst).
		WithCmd(mem.CmdWriteReq).
		WithAddr(addr).
		WithPayload(data).
		Build()
}

func (ep *endpoint) supply(dst string, addr uint64, payload []byte) *mem.Msg {
	return mem.MsgBuilder{}.
		WithSrc(ep.name).
		WithDst(dst).
		WithCmd(mem.CmdSupplyData).
		WithAddr(addr).
		WithPayload(payload).
		Build()
}

func (ep *endpoint) invalidate(addr uint64) *mem.Msg {
	return mem.MsgBuilder{}.
		WithSrc(ep.name).
		WithCmd(mem.CmdInvalidate).
		WithAddr(addr).
		Build()
}

func pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i)
	}
	return out
}
