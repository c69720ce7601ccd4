package sim

import (
	"log"
	"sync/atomic"
)

var nextLinkID int32

// A Link is one end of a bidirectional point-to-point connection. Messages
// sent on one end are delivered to the other end's receive function after a
// fixed latency, in send order. Both ends share the same link ID.
type Link struct {
	engine  Engine
	latency VTimeInSec
	id      int
	peer    *Link
	recv    func(msg Msg)
}

// Connect creates a connected pair of link ends.
func Connect(engine Engine, latency VTimeInSec) (*Link, *Link) {
	id := int(atomic.AddInt32(&nextLinkID, 1))
	a := &Link{engine: engine, latency: latency, id: id}
	b := &Link{engine: engine, latency: latency, id: id}
	a.peer = b
	b.peer = a
	return a, b
}

// ID returns the identifier shared by both ends of the connection.
func (l *Link) ID() int {
	return l.id
}

// SetRecvFunc registers the function that handles messages arriving at this
// end.
func (l *Link) SetRecvFunc(f func(msg Msg)) {
	l.recv = f
}

// Send delivers the message to the peer end after the link latency.
func (l *Link) Send(msg Msg) {
	evt := &deliverEvent{
		EventBase: NewEventBase(l.engine.CurrentTime()+l.latency, l.peer),
		msg:       msg,
	}
	l.engine.Schedule(evt)
}

// Handle delivers an in-flight message to the receive function of this end.
func (l *Link) Handle(e Event) error {
	evt := e.(*deliverEvent)
	if l.recv == nil {
		log.Panicf("link %d has no receive function", l.id)
	}

	evt.msg.Meta().LinkID = l.id
	l.recv(evt.msg)

	return nil
}

type deliverEvent struct {
	*EventBase
	msg Msg
}
