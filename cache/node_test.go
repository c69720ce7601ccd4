package cache_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/memh/cache"
	"github.com/sarchlab/memh/mem"
	"github.com/sarchlab/memh/memctrl"
	"github.com/sarchlab/memh/sim"
)

// countStatus counts blocks of a dump in the given status.
func countStatus(dump [][]cache.BlockState, status string, addr uint64) int {
	n := 0
	for _, row := range dump {
		for _, b := range row {
			if b.Status == status && b.BaseAddr == addr {
				n++
			}
		}
	}
	return n
}

var _ = Describe("Cache node with a direct memory backend", func() {
	var (
		engine *sim.SerialEngine
		node   *cache.Comp
		memory *memctrl.Comp
		cpu    *endpoint
	)

	BeforeEach(func() {
		engine = sim.NewSerialEngine()

		node = cache.MakeBuilder().
			WithEngine(engine).
			WithGeometry(1, 2, 64).
			Build("L1")

		memory = memctrl.MakeBuilder().
			WithEngine(engine).
			WithLatency(10e-9).
			WithNewStorage(1 << 20).
			Build("Memory")

		near, far := sim.Connect(engine, 1e-9)
		node.AttachDownstream(near, memory.Name())
		memory.AttachLink(far)

		var cpuSide *sim.Link
		cpu, cpuSide = newEndpoint(engine, "CPU", 1e-9)
		node.AttachUpstream(cpuSide)
	})

	It("fills a read miss from memory and hits afterwards", func() {
		want := pattern(64, 0x10)
		Expect(memory.Storage().Write(0x0, want)).To(Succeed())

		cpu.send(cpu.read("L1", 0x0, 8))
		Expect(engine.Run()).To(Succeed())

		resps := cpu.byCmd(mem.CmdReadResp)
		Expect(resps).To(HaveLen(1))
		Expect(resps[0].Payload).To(Equal(want[:8]))
		Expect(node.Stats().ReadMisses).To(Equal(uint64(1)))
		Expect(node.Stats().ReadHits).To(Equal(uint64(0)))

		cpu.send(cpu.read("L1", 0x8, 8))
		Expect(engine.Run()).To(Succeed())

		resps = cpu.byCmd(mem.CmdReadResp)
		Expect(resps).To(HaveLen(2))
		Expect(resps[1].Payload).To(Equal(want[8:16]))
		Expect(node.Stats().ReadMisses).To(Equal(uint64(1)))
		Expect(node.Stats().ReadHits).To(Equal(uint64(1)))
	})

	It("returns exactly the written bytes on a read after a write", func() {
		data := pattern(8, 0xA0)
		cpu.send(cpu.write("L1", 0x40, data))
		Expect(engine.Run()).To(Succeed())
		Expect(cpu.byCmd(mem.CmdWriteResp)).To(HaveLen(1))

		cpu.send(cpu.read("L1", 0x40, 8))
		Expect(engine.Run()).To(Succeed())

		resps := cpu.byCmd(mem.CmdReadResp)
		Expect(resps).To(HaveLen(1))
		Expect(resps[0].Payload).To(Equal(data))
	})

	It("upgrades a shared block on a write", func() {
		cpu.send(cpu.read("L1", 0x0, 8))
		Expect(engine.Run()).To(Succeed())
		Expect(countStatus(node.Dump(), "S", 0x0)).To(Equal(1))

		cpu.send(cpu.write("L1", 0x0, pattern(8, 0x01)))
		Expect(engine.Run()).To(Succeed())

		Expect(node.Stats().UpgradeMisses).To(Equal(uint64(1)))
		Expect(countStatus(node.Dump(), "E", 0x0)).To(Equal(1))
		Expect(cpu.byCmd(mem.CmdWriteResp)).To(HaveLen(1))
	})
})

var _ = Describe("Cache node under capacity pressure", func() {
	var (
		engine *sim.SerialEngine
		node   *cache.Comp
		memory *memctrl.Comp
		cpu    *endpoint
	)

	BeforeEach(func() {
		engine = sim.NewSerialEngine()

		node = cache.MakeBuilder().
			WithEngine(engine).
			WithGeometry(1, 1, 64).
			Build("L1")

		memory = memctrl.MakeBuilder().
			WithEngine(engine).
			WithLatency(10e-9).
			WithNewStorage(1 << 20).
			Build("Memory")

		near, far := sim.Connect(engine, 1e-9)
		node.AttachDownstream(near, memory.Name())
		memory.AttachLink(far)

		var cpuSide *sim.Link
		cpu, cpuSide = newEndpoint(engine, "CPU", 1e-9)
		node.AttachUpstream(cpuSide)
	})

	It("writes back an exclusive victim before reusing its way", func() {
		data := pattern(8, 0x55)
		cpu.send(cpu.write("L1", 0x0, data))
		Expect(engine.Run()).To(Succeed())
		Expect(countStatus(node.Dump(), "E", 0x0)).To(Equal(1))

		// A different block address on the same (only) row.
		cpu.send(cpu.read("L1", 0x40, 8))
		Expect(engine.Run()).To(Succeed())

		got, err := memory.Storage().Read(0x0, 8)
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(Equal(data))

		Expect(cpu.byCmd(mem.CmdReadResp)).To(HaveLen(1))
		Expect(countStatus(node.Dump(), "S", 0x40)).To(Equal(1))
		Expect(countStatus(node.Dump(), "E", 0x0)).To(Equal(0))
	})

	It("replays the same trace to the same final state", func() {
		run := func() (cache.Stats, [][]cache.BlockState) {
			e := sim.NewSerialEngine()
			n := cache.MakeBuilder().
				WithEngine(e).
				WithGeometry(1, 1, 64).
				Build("L1")
			m := memctrl.MakeBuilder().
				WithEngine(e).
				WithLatency(10e-9).
				WithNewStorage(1 << 20).
				Build("Memory")
			near, far := sim.Connect(e, 1e-9)
			n.AttachDownstream(near, m.Name())
			m.AttachLink(far)

			driver, driverSide := newEndpoint(e, "CPU", 1e-9)
			n.AttachUpstream(driverSide)

			driver.send(driver.write("L1", 0x0, pattern(8, 0x11)))
			driver.send(driver.read("L1", 0x40, 8))
			driver.send(driver.write("L1", 0x80, pattern(8, 0x22)))
			driver.send(driver.read("L1", 0x0, 8))
			Expect(e.Run()).To(Succeed())

			return n.Stats(), n.Dump()
		}

		stats1, dump1 := run()
		stats2, dump2 := run()

		Expect(stats2).To(Equal(stats1))
		Expect(dump2).To(Equal(dump1))
	})
})

var _ = Describe("Cache node with a scripted downstream", func() {
	var (
		engine *sim.SerialEngine
		node   *cache.Comp
		cpu    *endpoint
		down   *endpoint
	)

	BeforeEach(func() {
		engine = sim.NewSerialEngine()

		node = cache.MakeBuilder().
			WithEngine(engine).
			WithGeometry(1, 2, 64).
			Build("L1")

		var downSide *sim.Link
		down, downSide = newEndpoint(engine, "Mem", 1e-9)
		node.AttachDownstream(downSide, "Mem")

		var cpuSide *sim.Link
		cpu, cpuSide = newEndpoint(engine, "CPU", 1e-9)
		node.AttachUpstream(cpuSide)
	})

	fill := func(addr uint64, payload []byte) {
		down.send(down.supply("L1", addr, payload))
		Expect(engine.Run()).To(Succeed())
	}

	ackLastInvalidate := func() {
		invs := down.byCmd(mem.CmdInvalidate)
		Expect(invs).ToNot(BeEmpty())
		down.send(invs[len(invs)-1].MakeResponse("Mem"))
		Expect(engine.Run()).To(Succeed())
	}

	It("merges concurrent misses on one address into a single fetch", func() {
		cpu.send(cpu.read("L1", 0x0, 8))
		cpu.send(cpu.read("L1", 0x8, 8))
		Expect(engine.Run()).To(Succeed())

		Expect(down.byCmd(mem.CmdRequestData)).To(HaveLen(1))

		fill(0x0, pattern(64, 0x30))

		Expect(down.byCmd(mem.CmdRequestData)).To(HaveLen(1))
		resps := cpu.byCmd(mem.CmdReadResp)
		Expect(resps).To(HaveLen(2))
		Expect(resps[0].Payload).To(Equal(pattern(64, 0x30)[:8]))
		Expect(resps[1].Payload).To(Equal(pattern(64, 0x30)[8:16]))
		Expect(node.Stats().ReadMisses).To(Equal(uint64(2)))
	})

	It("reissues the fetch after a NACK", func() {
		cpu.send(cpu.read("L1", 0x0, 8))
		Expect(engine.Run()).To(Succeed())
		Expect(down.byCmd(mem.CmdRequestData)).To(HaveLen(1))

		nack := mem.MsgBuilder{}.
			WithSrc("Mem").
			WithDst("L1").
			WithCmd(mem.CmdNack).
			WithAddr(0x0).
			Build()
		down.send(nack)
		Expect(engine.Run()).To(Succeed())

		Expect(down.byCmd(mem.CmdRequestData)).To(HaveLen(2))

		fill(0x0, pattern(64, 0x40))
		Expect(cpu.byCmd(mem.CmdReadResp)).To(HaveLen(1))
	})

	It("cancels a pending invalidation when a conflicting one arrives", func() {
		cpu.send(cpu.read("L1", 0x0, 8))
		Expect(engine.Run()).To(Succeed())
		fill(0x0, pattern(64, 0x50))

		// The upgrade fans an invalidate downstream and waits for the ack.
		cpu.send(cpu.write("L1", 0x0, pattern(8, 0x60)))
		Expect(engine.Run()).To(Succeed())
		Expect(down.byCmd(mem.CmdInvalidate)).To(HaveLen(1))
		Expect(cpu.byCmd(mem.CmdWriteResp)).To(BeEmpty())

		// A conflicting invalidate from below cancels ours and is served.
		down.send(down.invalidate(0x0))
		Expect(engine.Run()).To(Succeed())

		Expect(down.byCmd(mem.CmdAck)).To(HaveLen(1))
		Expect(countStatus(node.Dump(), "S", 0x0)).To(Equal(0))
		Expect(countStatus(node.Dump(), "E", 0x0)).To(Equal(0))

		// The canceled write retried as a plain miss.
		Expect(down.byCmd(mem.CmdRequestData)).To(HaveLen(2))

		fill(0x0, pattern(64, 0x50))
		ackLastInvalidate()

		Expect(cpu.byCmd(mem.CmdWriteResp)).To(HaveLen(1))
		Expect(countStatus(node.Dump(), "E", 0x0)).To(Equal(1))
		Expect(node.Stats().UpgradeMisses).To(Equal(uint64(1)))
		// A retry never counts again.
		Expect(node.Stats().WriteMisses).To(Equal(uint64(0)))
	})

	It("writes an exclusive block back before honoring an invalidate", func() {
		data := pattern(8, 0x70)
		cpu.send(cpu.write("L1", 0x0, data))
		Expect(engine.Run()).To(Succeed())
		fill(0x0, pattern(64, 0x00))
		ackLastInvalidate()
		Expect(countStatus(node.Dump(), "E", 0x0)).To(Equal(1))

		down.send(down.invalidate(0x0))
		Expect(engine.Run()).To(Succeed())

		wbs := down.byCmd(mem.CmdSupplyData)
		Expect(wbs).To(HaveLen(1))
		Expect(wbs[0].IsFlagSet(mem.FlagWriteback)).To(BeTrue())
		Expect(wbs[0].Payload[:8]).To(Equal(data))

		Expect(down.byCmd(mem.CmdAck)).To(HaveLen(1))
		Expect(countStatus(node.Dump(), "E", 0x0)).To(Equal(0))
	})

	It("drops a downstream request for a block it no longer holds", func() {
		req := mem.MsgBuilder{}.
			WithSrc("Mem").
			WithDst("L1").
			WithCmd(mem.CmdRequestData).
			WithAddr(0x0).
			WithSize(64).
			Build()
		down.send(req)
		Expect(engine.Run()).To(Succeed())

		Expect(down.byCmd(mem.CmdSupplyData)).To(BeEmpty())
		Expect(down.byCmd(mem.CmdNack)).To(BeEmpty())
	})
})
