package cache

import (
	"github.com/sarchlab/memh/mem"
	"github.com/sarchlab/memh/sim"
)

// A busEntry is one message waiting for a bus grant. init runs right before
// the send so that the payload reflects the block state at send time, and
// finish runs right after it.
type busEntry struct {
	msg    *mem.Msg
	finish func()
	init   func(*mem.Msg)
}

// A busQueue serializes a node's sends over the shared snoop bus. It asks
// the bus for one grant per queued message and answers every grant, with
// the front message if one is still wanted, with a cancel otherwise.
type busQueue struct {
	comp    *Comp
	link    *sim.Link
	entries []busEntry
}

func newBusQueue(c *Comp, link *sim.Link) *busQueue {
	return &busQueue{comp: c, link: link}
}

func (q *busQueue) request(msg *mem.Msg, finish func(), init func(*mem.Msg)) {
	q.entries = append(q.entries, busEntry{msg, finish, init})

	req := mem.MsgBuilder{}.
		WithSrc(q.comp.name).
		WithCmd(mem.CmdBusRequest).
		Build()
	q.link.Send(req)
}

// cancelRequest withdraws a queued message before it is sent. The matching
// grant, when it arrives, is answered with a cancel. Returns the entry's
// callbacks so the caller can still run or discard them.
func (q *busQueue) cancelRequest(msg *mem.Msg) (finish func(), init func(*mem.Msg), ok bool) {
	for i, e := range q.entries {
		if e.msg == msg {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return e.finish, e.init, true
		}
	}
	return nil, nil, false
}

func (q *busQueue) clearToSend() {
	if len(q.entries) == 0 {
		cancel := mem.MsgBuilder{}.
			WithSrc(q.comp.name).
			WithCmd(mem.CmdBusCancel).
			Build()
		q.link.Send(cancel)
		return
	}

	e := q.entries[0]
	q.entries = q.entries[1:]

	if e.init != nil {
		e.init(e.msg)
	}
	q.link.Send(e.msg)
	if e.finish != nil {
		e.finish()
	}
}
