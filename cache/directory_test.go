package cache_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/memh/cache"
	"github.com/sarchlab/memh/mem"
	"github.com/sarchlab/memh/sim"
)

func requestData(ep *endpoint, dst string, addr uint64, size int) *mem.Msg {
	return mem.MsgBuilder{}.
		WithSrc(ep.name).
		WithDst(dst).
		WithCmd(mem.CmdRequestData).
		WithAddr(addr).
		WithSize(size).
		Build()
}

func fetch(cmd mem.Command, src string, addr uint64) *mem.Msg {
	return mem.MsgBuilder{}.
		WithSrc(src).
		WithCmd(cmd).
		WithAddr(addr).
		Build()
}

var _ = Describe("Directory fabric", func() {
	var (
		engine *sim.SerialEngine
		node   *cache.Comp
		l1     *endpoint
		dir    *endpoint
	)

	// Interleaved at block granularity: Dir0 owns even blocks, Dir1 odd.
	peers := []cache.DirectoryPeer{
		{Name: "Dir0", RangeStart: 0, RangeEnd: 1 << 20,
			InterleaveSize: 64, InterleaveStep: 128},
		{Name: "Dir1", RangeStart: 64, RangeEnd: 1 << 20,
			InterleaveSize: 64, InterleaveStep: 128},
	}

	// prime fills block 0x0 of the node through the directory fabric and
	// drains the response back to l1.
	prime := func(payload []byte) {
		l1.send(requestData(l1, "L2", 0x0, 64))
		Expect(engine.Run()).To(Succeed())
		dir.send(dir.supply("L2", 0x0, payload))
		Expect(engine.Run()).To(Succeed())
	}

	BeforeEach(func() {
		engine = sim.NewSerialEngine()
		node = cache.MakeBuilder().
			WithEngine(engine).
			WithGeometry(1, 2, 64).
			WithMode(cache.ModeInclusive).
			Build("L2")

		var side *sim.Link
		l1, side = newEndpoint(engine, "L1", 1e-9)
		l1.autoAckInvalidate = true
		node.AttachUpstream(side)

		dir, side = newEndpoint(engine, "Dir0", 1e-9)
		dir.autoAckInvalidate = true
		node.AttachDirectory(side, peers)
	})

	It("routes misses to the directory slice that owns the block", func() {
		l1.send(requestData(l1, "L2", 0x0, 64))
		Expect(engine.Run()).To(Succeed())
		l1.send(requestData(l1, "L2", 0x40, 64))
		Expect(engine.Run()).To(Succeed())

		reqs := dir.byCmd(mem.CmdRequestData)
		Expect(reqs).To(HaveLen(2))
		Expect(reqs[0].Dst).To(Equal("Dir0"))
		Expect(reqs[1].Dst).To(Equal("Dir1"))
	})

	It("answers a fetch for a shared block without giving it up", func() {
		want := pattern(64, 0x51)
		prime(want)

		dir.send(fetch(mem.CmdFetch, "Dir0", 0x0))
		Expect(engine.Run()).To(Succeed())

		supplies := dir.byCmd(mem.CmdSupplyData)
		Expect(supplies).To(HaveLen(1))
		Expect(supplies[0].Payload).To(Equal(want))
		Expect(countStatus(node.Dump(), "S", 0x0)).To(Equal(1))
	})

	It("pulls the authoritative copy upstream before answering a fetch of a stale block", func() {
		prime(pattern(64, 0x61))

		// An upstream claim leaves this level with a stale copy.
		l1.send(l1.invalidate(0x0))
		Expect(engine.Run()).To(Succeed())
		Expect(l1.byCmd(mem.CmdAck)).To(HaveLen(1))
		Expect(countStatus(node.Dump(), "D", 0x0)).To(Equal(1))

		dir.send(fetch(mem.CmdFetch, "Dir0", 0x0))
		Expect(engine.Run()).To(Succeed())

		pulls := l1.byCmd(mem.CmdRequestData)
		Expect(pulls).To(HaveLen(1))

		dirty := pattern(64, 0x62)
		l1.send(l1.supply("L2", 0x0, dirty))
		Expect(engine.Run()).To(Succeed())

		supplies := dir.byCmd(mem.CmdSupplyData)
		Expect(supplies).To(HaveLen(1))
		Expect(supplies[0].Payload).To(Equal(dirty))
		Expect(countStatus(node.Dump(), "S", 0x0)).To(Equal(1))
	})

	It("invalidates the holders when the directory reclaims a block", func() {
		want := pattern(64, 0x71)
		prime(want)

		dir.send(fetch(mem.CmdFetchInvalidate, "Dir0", 0x0))
		Expect(engine.Run()).To(Succeed())

		supplies := dir.byCmd(mem.CmdSupplyData)
		Expect(supplies).To(HaveLen(1))
		Expect(supplies[0].Payload).To(Equal(want))
		Expect(countStatus(node.Dump(), "S", 0x0)).To(Equal(0))
		Expect(countStatus(node.Dump(), "E", 0x0)).To(Equal(0))
	})

	It("propagates a refused eviction invalidate as NACKs", func() {
		// One way, so the second block address evicts the first, and the
		// inclusive policy must reclaim it upstream first.
		small := cache.MakeBuilder().
			WithEngine(engine).
			WithGeometry(1, 1, 64).
			WithMode(cache.ModeInclusive).
			Build("L2S")

		up, side := newEndpoint(engine, "L1S", 1e-9)
		small.AttachUpstream(side)
		d, side := newEndpoint(engine, "DirS", 1e-9)
		small.AttachDirectory(side, []cache.DirectoryPeer{
			{Name: "DirS", RangeStart: 0, RangeEnd: 1 << 20},
		})

		up.send(requestData(up, "L2S", 0x0, 64))
		Expect(engine.Run()).To(Succeed())
		d.send(d.supply("L2S", 0x0, pattern(64, 0x1)))
		Expect(engine.Run()).To(Succeed())
		Expect(up.byCmd(mem.CmdSupplyData)).To(HaveLen(1))

		up.send(requestData(up, "L2S", 0x40, 64))
		Expect(engine.Run()).To(Succeed())

		// The eviction invalidate reached the upstream holder. Refuse it.
		invs := up.byCmd(mem.CmdInvalidate)
		Expect(invs).To(HaveLen(1))

		refusal := invs[0].MakeResponse("L1S")
		refusal.Cmd = mem.CmdNack
		up.send(refusal)
		Expect(engine.Run()).To(Succeed())

		nacks := up.byCmd(mem.CmdNack)
		Expect(nacks).To(HaveLen(1))
		Expect(nacks[0].Addr).To(Equal(uint64(0x40)))
	})
})
