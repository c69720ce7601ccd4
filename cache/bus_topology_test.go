package cache_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/memh/bus"
	"github.com/sarchlab/memh/cache"
	"github.com/sarchlab/memh/mem"
	"github.com/sarchlab/memh/memctrl"
	"github.com/sarchlab/memh/sim"
)

var _ = Describe("Sibling caches on a snoop bus", func() {
	var (
		engine *sim.SerialEngine
		nodeA  *cache.Comp
		nodeB  *cache.Comp
		memory *memctrl.Comp
		cpuA   *endpoint
		cpuB   *endpoint
	)

	attachToBus := func(b *bus.Comp, n *cache.Comp) {
		busSide, nodeSide := sim.Connect(engine, 1e-9)
		b.Attach(busSide)
		n.AttachSnoopBus(nodeSide, "Memory")
	}

	BeforeEach(func() {
		engine = sim.NewSerialEngine()

		snoop := bus.MakeBuilder().WithEngine(engine).Build("Bus")

		nodeA = cache.MakeBuilder().
			WithEngine(engine).
			WithGeometry(1, 2, 64).
			Build("L1A")
		nodeB = cache.MakeBuilder().
			WithEngine(engine).
			WithGeometry(1, 2, 64).
			Build("L1B")

		memory = memctrl.MakeBuilder().
			WithEngine(engine).
			WithLatency(100e-9).
			WithNewStorage(1 << 20).
			Build("Memory")

		attachToBus(snoop, nodeA)
		attachToBus(snoop, nodeB)

		busSide, memSide := sim.Connect(engine, 1e-9)
		snoop.Attach(busSide)
		memory.AttachBus(memSide)

		var side *sim.Link
		cpuA, side = newEndpoint(engine, "CPUA", 1e-9)
		nodeA.AttachUpstream(side)
		cpuB, side = newEndpoint(engine, "CPUB", 1e-9)
		nodeB.AttachUpstream(side)
	})

	It("lets a sibling supply a shared block", func() {
		want := pattern(64, 0x11)
		Expect(memory.Storage().Write(0x0, want)).To(Succeed())

		cpuA.send(cpuA.read("L1A", 0x0, 8))
		Expect(engine.Run()).To(Succeed())
		Expect(countStatus(nodeA.Dump(), "S", 0x0)).To(Equal(1))

		cpuB.send(cpuB.read("L1B", 0x0, 8))
		Expect(engine.Run()).To(Succeed())

		resps := cpuB.byCmd(mem.CmdReadResp)
		Expect(resps).To(HaveLen(1))
		Expect(resps[0].Payload).To(Equal(want[:8]))
		Expect(countStatus(nodeB.Dump(), "S", 0x0)).To(Equal(1))
	})

	It("keeps a block exclusive in at most one cache", func() {
		cpuA.send(cpuA.read("L1A", 0x0, 8))
		Expect(engine.Run()).To(Succeed())
		cpuB.send(cpuB.read("L1B", 0x0, 8))
		Expect(engine.Run()).To(Succeed())

		data := pattern(8, 0x22)
		cpuB.send(cpuB.write("L1B", 0x0, data))
		Expect(engine.Run()).To(Succeed())

		exclusiveHolders := countStatus(nodeA.Dump(), "E", 0x0) +
			countStatus(nodeB.Dump(), "E", 0x0)
		Expect(exclusiveHolders).To(Equal(1))
		Expect(countStatus(nodeB.Dump(), "E", 0x0)).To(Equal(1))
		Expect(countStatus(nodeA.Dump(), "S", 0x0)).To(Equal(0))
		Expect(cpuB.byCmd(mem.CmdWriteResp)).To(HaveLen(1))

		cpuB.send(cpuB.read("L1B", 0x0, 8))
		Expect(engine.Run()).To(Succeed())
		resps := cpuB.byCmd(mem.CmdReadResp)
		Expect(resps[len(resps)-1].Payload).To(Equal(data))
	})

	It("delays supplying a user-locked block until the unlock writes back", func() {
		// A second, slower port into B lets the unlocking write land after
		// B has answered A's miss with the delayed marker, yet well before
		// memory's stale answer.
		cpuBSlow, side := newEndpoint(engine, "CPUBS", 50e-9)
		cpuBSlow.autoAckInvalidate = true
		nodeB.AttachUpstream(side)

		// B takes the block exclusively and holds a user lock on it.
		cpuB.send(cpuB.write("L1B", 0x0, pattern(8, 0x33)))
		Expect(engine.Run()).To(Succeed())
		Expect(countStatus(nodeB.Dump(), "E", 0x0)).To(Equal(1))

		lockedRead := cpuB.read("L1B", 0x0, 8)
		lockedRead.SetFlag(mem.FlagLocked)
		cpuB.send(lockedRead)
		Expect(engine.Run()).To(Succeed())

		// A misses while B holds the lock. The unlocking write triggers the
		// deferred writeback, which also fills A's waiting load.
		final := pattern(8, 0x44)
		lockedWrite := cpuBSlow.write("L1B", 0x0, final)
		lockedWrite.SetFlag(mem.FlagLocked)

		cpuA.send(cpuA.read("L1A", 0x0, 8))
		cpuBSlow.send(lockedWrite)
		Expect(engine.Run()).To(Succeed())

		resps := cpuA.byCmd(mem.CmdReadResp)
		Expect(resps).To(HaveLen(1))
		Expect(resps[0].Payload).To(Equal(final))

		Expect(countStatus(nodeA.Dump(), "S", 0x0)).To(Equal(1))
		Expect(countStatus(nodeB.Dump(), "S", 0x0)).To(Equal(1))

		got, err := memory.Storage().Read(0x0, 8)
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(Equal(final))
	})
})
