package sim

import (
	"log"
	"reflect"
)

// An Engine is a unit that keeps the discrete event simulation run.
type Engine interface {
	Hookable

	// Schedule registers an event to happen in the future.
	Schedule(evt Event)

	// Run processes all the events until the event queue drains.
	Run() error

	// CurrentTime returns the current time at which the engine is at.
	// Specifically, the run time of the current event.
	CurrentTime() VTimeInSec
}

// A SerialEngine is an Engine that always runs events one after another.
type SerialEngine struct {
	HookableBase

	now   VTimeInSec
	queue EventQueue
}

// NewSerialEngine creates a SerialEngine.
func NewSerialEngine() *SerialEngine {
	e := new(SerialEngine)
	e.queue = NewEventQueue()
	return e
}

// Schedule registers an event to happen in the future.
func (e *SerialEngine) Schedule(evt Event) {
	if evt.Time() < e.now {
		log.Panic("scheduling an event earlier than current time")
	}

	e.queue.Push(evt)
}

// Run processes all the events scheduled in the SerialEngine.
func (e *SerialEngine) Run() error {
	for e.queue.Len() > 0 {
		evt := e.queue.Pop()
		if evt.Time() < e.now {
			log.Panicf(
				"cannot run event in the past, evt %s @ %.10f, now %.10f",
				reflect.TypeOf(evt), evt.Time(), e.now,
			)
		}
		e.now = evt.Time()

		hookCtx := HookCtx{
			Domain: e,
			Pos:    HookPosBeforeEvent,
			Item:   evt,
		}
		e.InvokeHook(hookCtx)

		handler := evt.Handler()
		if err := handler.Handle(evt); err != nil {
			return err
		}

		hookCtx.Pos = HookPosAfterEvent
		e.InvokeHook(hookCtx)
	}

	return nil
}

// CurrentTime returns the current time at which the engine is at.
func (e *SerialEngine) CurrentTime() VTimeInSec {
	return e.now
}
