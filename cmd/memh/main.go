// memh runs a small memory-hierarchy simulation: a driver issuing a random
// stream of reads and writes into a cache node backed by a memory
// controller.
package main

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/memh/cache"
	"github.com/sarchlab/memh/datarec"
	"github.com/sarchlab/memh/mem"
	"github.com/sarchlab/memh/memctrl"
	"github.com/sarchlab/memh/monitor"
	"github.com/sarchlab/memh/sim"
)

var (
	numRows     int
	numWays     int
	blockSize   int
	modeName    string
	numAccesses int
	seed        int64
	traceDB     string
	monitorOn   bool
	monitorPort int
	parallelID  bool
)

var rootCmd = &cobra.Command{
	Use:   "memh",
	Short: "Simulate a coherent cache in front of a memory controller",
	Run: func(cmd *cobra.Command, args []string) {
		run()
	},
}

func init() {
	// A .env file can override the built-in defaults; flags override both.
	_ = godotenv.Load()

	rootCmd.Flags().IntVar(&numRows, "rows",
		envInt("MEMH_ROWS", 64), "number of rows (power of two)")
	rootCmd.Flags().IntVar(&numWays, "ways",
		envInt("MEMH_WAYS", 4), "ways per row")
	rootCmd.Flags().IntVar(&blockSize, "block-size",
		envInt("MEMH_BLOCK_SIZE", 64), "block size in bytes (power of two)")
	rootCmd.Flags().StringVar(&modeName, "mode",
		envStr("MEMH_MODE", "standard"), "replacement policy (standard, inclusive)")
	rootCmd.Flags().IntVar(&numAccesses, "accesses",
		envInt("MEMH_ACCESSES", 10000), "number of accesses to issue")
	rootCmd.Flags().Int64Var(&seed, "seed",
		int64(envInt("MEMH_SEED", 1)), "random seed for the access stream")
	rootCmd.Flags().StringVar(&traceDB, "trace-db",
		envStr("MEMH_TRACE_DB", ""), "record accesses into a SQLite database")
	rootCmd.Flags().BoolVar(&monitorOn, "monitor",
		false, "serve simulation state over HTTP")
	rootCmd.Flags().IntVar(&monitorPort, "monitor-port",
		envInt("MEMH_MONITOR_PORT", 0), "monitoring server port, 0 picks one")
	rootCmd.Flags().BoolVar(&parallelID, "parallel-id",
		false, "use globally unique message IDs instead of sequential ones")
}

func envStr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		log.Panicf("%s must be an integer, got %q", key, v)
	}
	return n
}

func run() {
	if parallelID {
		sim.UseParallelIDGenerator()
	} else {
		sim.UseSequentialIDGenerator()
	}

	engine := sim.NewSerialEngine()

	node := cache.MakeBuilder().
		WithEngine(engine).
		WithGeometry(numRows, numWays, blockSize).
		WithMode(cache.ParseMode(modeName)).
		Build("L1")

	memory := memctrl.MakeBuilder().
		WithEngine(engine).
		WithNewStorage(1 << 30).
		Build("Memory")

	memLinkNear, memLinkFar := sim.Connect(engine, 10e-9)
	node.AttachDownstream(memLinkNear, memory.Name())
	memory.AttachLink(memLinkFar)

	cpuLink, cacheLink := sim.Connect(engine, 1e-9)
	node.AttachUpstream(cacheLink)

	if traceDB != "" {
		recorder := datarec.New(traceDB)
		node.SetListener(cache.NewAccessTracer(engine, recorder, node.Name(), "accesses"))
	}

	if monitorOn {
		m := monitor.NewMonitor().WithPortNumber(monitorPort)
		m.RegisterEngine(engine)
		m.RegisterNode(node)
		m.StartServer(false)
	}

	d := &driver{
		engine:    engine,
		link:      cpuLink,
		dst:       node.Name(),
		rng:       rand.New(rand.NewSource(seed)),
		blockSize: blockSize,
		footprint: uint64(numRows*numWays*blockSize) * 4,
	}
	cpuLink.SetRecvFunc(d.recvResponse)

	d.issueAll(numAccesses)

	if err := engine.Run(); err != nil {
		log.Panic(err)
	}

	stats := node.Stats()
	fmt.Printf("Simulated time:  %.9f s\n", float64(engine.CurrentTime()))
	fmt.Printf("Responses:       %d\n", d.responses)
	fmt.Printf("Read hit/miss:   %d/%d\n", stats.ReadHits, stats.ReadMisses)
	fmt.Printf("Write hit/miss:  %d/%d\n", stats.WriteHits, stats.WriteMisses)
	fmt.Printf("Upgrade misses:  %d\n", stats.UpgradeMisses)

	atexit.Exit(0)
}

// driver issues a reproducible random request stream and counts responses.
type driver struct {
	engine    sim.Engine
	link      *sim.Link
	dst       string
	rng       *rand.Rand
	blockSize int
	footprint uint64
	responses int
}

type issueEvent struct {
	*sim.EventBase
	msg *mem.Msg
}

func (d *driver) issueAll(n int) {
	gap := sim.VTimeInSec(5e-9)
	for i := 0; i < n; i++ {
		addr := (d.rng.Uint64() % d.footprint) &^ 7
		size := 8
		cmd := mem.CmdReadReq
		var payload []byte
		if d.rng.Intn(4) == 0 {
			cmd = mem.CmdWriteReq
			payload = make([]byte, size)
			d.rng.Read(payload)
		}

		msg := mem.MsgBuilder{}.
			WithSrc("Driver").
			WithDst(d.dst).
			WithCmd(cmd).
			WithAddr(addr).
			WithSize(size).
			Build()
		msg.Payload = payload

		d.engine.Schedule(issueEvent{
			EventBase: sim.NewEventBase(sim.VTimeInSec(i+1)*gap, d),
			msg:       msg,
		})
	}
}

func (d *driver) Handle(e sim.Event) error {
	evt := e.(issueEvent)
	d.link.Send(evt.msg)
	return nil
}

func (d *driver) recvResponse(sim.Msg) {
	d.responses++
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		atexit.Fatal(err)
	}
}
