package cache

import (
	"github.com/sarchlab/memh/datarec"
	"github.com/sarchlab/memh/sim"
)

// AccessTrace is one recorded access.
type AccessTrace struct {
	Time   float64
	Node   string
	Op     string
	Result string
	Addr   uint64
}

// An AccessTracer is a Listener that records every access of a node into a
// database table.
type AccessTracer struct {
	engine   sim.Engine
	recorder datarec.Recorder
	node     string
	table    string
}

// NewAccessTracer creates a tracer recording into the given table.
func NewAccessTracer(
	engine sim.Engine,
	recorder datarec.Recorder,
	node, table string,
) *AccessTracer {
	recorder.CreateTable(table, AccessTrace{})
	return &AccessTracer{
		engine:   engine,
		recorder: recorder,
		node:     node,
		table:    table,
	}
}

// NotifyAccess records the access.
func (t *AccessTracer) NotifyAccess(op AccessOp, result AccessResult, addr uint64) {
	t.recorder.InsertData(t.table, AccessTrace{
		Time:   float64(t.engine.CurrentTime()),
		Node:   t.node,
		Op:     op.String(),
		Result: result.String(),
		Addr:   addr,
	})
}
