package cache

import (
	"log"
	"math/bits"

	"github.com/sarchlab/memh/sim"
)

// Mode selects the replacement policy of a node.
type Mode int

const (
	// ModeStandard evicts without consulting upstream holders.
	ModeStandard Mode = iota

	// ModeInclusive requires an evicted block to be invalidated at every
	// upstream holder first.
	ModeInclusive

	// ModeExclusive is recognized but not supported.
	ModeExclusive
)

var modeNames = map[string]Mode{
	"standard":  ModeStandard,
	"inclusive": ModeInclusive,
	"exclusive": ModeExclusive,
}

// ParseMode converts a mode name from configuration.
func ParseMode(s string) Mode {
	m, ok := modeNames[s]
	if !ok {
		log.Panicf("unknown cache mode %q", s)
	}
	return m
}

func (m Mode) String() string {
	for n, v := range modeNames {
		if v == m {
			return n
		}
	}
	return "unknown"
}

// Builder can build cache nodes.
type Builder struct {
	engine    sim.Engine
	latency   sim.VTimeInSec
	nWays     int
	nRows     int
	blockSize int
	mode      Mode
}

// MakeBuilder returns a Builder with default geometry.
func MakeBuilder() Builder {
	return Builder{
		latency:   1e-9,
		nWays:     4,
		nRows:     64,
		blockSize: 64,
		mode:      ModeStandard,
	}
}

// WithEngine sets the event engine the node runs on.
func (b Builder) WithEngine(engine sim.Engine) Builder {
	b.engine = engine
	return b
}

// WithLatency sets the access latency of the node.
func (b Builder) WithLatency(latency sim.VTimeInSec) Builder {
	b.latency = latency
	return b
}

// WithGeometry sets the number of rows, the ways per row, and the block
// size in bytes. Rows and block size must be powers of two.
func (b Builder) WithGeometry(nRows, nWays, blockSize int) Builder {
	b.nRows = nRows
	b.nWays = nWays
	b.blockSize = blockSize
	return b
}

// WithMode sets the replacement policy.
func (b Builder) WithMode(mode Mode) Builder {
	b.mode = mode
	return b
}

// Build creates a cache node with the given name.
func (b Builder) Build(name string) *Comp {
	if b.engine == nil {
		log.Panic("cache node requires an engine")
	}
	if b.nRows <= 0 || b.nWays <= 0 || b.blockSize <= 0 {
		log.Panicf("%s: illegal geometry %dx%d, block size %d",
			name, b.nRows, b.nWays, b.blockSize)
	}
	if bits.OnesCount(uint(b.nRows)) != 1 {
		log.Panicf("%s: row count %d is not a power of two", name, b.nRows)
	}
	if bits.OnesCount(uint(b.blockSize)) != 1 {
		log.Panicf("%s: block size %d is not a power of two", name, b.blockSize)
	}
	if b.mode == ModeExclusive {
		log.Panicf("%s: exclusive mode is not supported", name)
	}

	return &Comp{
		name:              name,
		engine:            b.engine,
		latency:           b.latency,
		mode:              b.mode,
		store:             newStore(b.nRows, b.nWays, b.blockSize),
		upstreamIdxByLink: make(map[int]int),
		loads:             make(map[uint64]*loadRecord),
		invals:            make(map[uint64]*invalidation),
		supplies:          make(map[supplyKey]*supplyRecord),
		listener:          nopListener{},
	}
}
