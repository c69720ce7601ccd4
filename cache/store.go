package cache

import (
	"log"
	"math/bits"

	"github.com/sarchlab/memh/mem"
	"github.com/sarchlab/memh/sim"
)

// Status is the coherence state of a block.
type Status int

// The block statuses. Assigned means mid-fill, not yet readable. Dirty is
// reachable only under the inclusive replacement policy and means the local
// copy is known stale because somebody upstream holds it exclusively.
const (
	StatusInvalid Status = iota
	StatusAssigned
	StatusShared
	StatusExclusive
	StatusDirty
)

var statusNames = map[Status]string{
	StatusInvalid:   "I",
	StatusAssigned:  "A",
	StatusShared:    "S",
	StatusExclusive: "E",
	StatusDirty:     "D",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "?"
}

// A block is one cache-line slot. It is owned by its row for the lifetime of
// the node and is only ever re-tagged, never relocated.
type block struct {
	row, way int

	baseAddr uint64
	tag      uint64
	status   Status
	data     []byte

	// locks counts in-flight transactions holding the block. A locked block
	// cannot be evicted and cannot complete a status-changing invalidation.
	locks        int
	wbInProgress bool

	// userLock counts atomic read/write pairs held by a requester. A supply
	// answered while user-locked is sent delayed and flips userLockNeedsWB
	// so the eventual unlock writes the block back.
	userLock        int
	userLockNeedsWB bool

	lastTouched sim.VTimeInSec
	load        *loadRecord
}

func (b *block) lock() {
	b.locks++
}

func (b *block) unlock() {
	if b.locks == 0 {
		log.Panicf("unlocking block 0x%x that is not locked", b.baseAddr)
	}
	b.locks--
}

func (b *block) isLocked() bool {
	return b.locks > 0
}

func (b *block) isValid() bool {
	return b.status != StatusInvalid && b.status != StatusAssigned
}

func (b *block) isAssigned() bool {
	return b.status == StatusAssigned
}

// A pending is a message parked on a row or tracking record, together with
// the channel it arrived on.
type pending struct {
	msg *mem.Msg
	src Source
}

// A row is one associative set. Besides its ways it keeps per-block-address
// queues of messages that missed while no way was free.
type row struct {
	blocks []*block

	waiting   map[uint64][]pending
	waitOrder []uint64
}

func (r *row) addWaiting(blockAddr uint64, msg *mem.Msg, src Source) {
	if _, ok := r.waiting[blockAddr]; !ok {
		r.waitOrder = append(r.waitOrder, blockAddr)
	}
	r.waiting[blockAddr] = append(r.waiting[blockAddr], pending{msg, src})
}

// takeWaiting removes and returns the queue for the given block address.
func (r *row) takeWaiting(blockAddr uint64) []pending {
	queue, ok := r.waiting[blockAddr]
	if !ok {
		return nil
	}

	delete(r.waiting, blockAddr)
	for i, a := range r.waitOrder {
		if a == blockAddr {
			r.waitOrder = append(r.waitOrder[:i], r.waitOrder[i+1:]...)
			break
		}
	}
	return queue
}

// takeAnyWaiting removes and returns the oldest queue of the row.
func (r *row) takeAnyWaiting() []pending {
	if len(r.waitOrder) == 0 {
		return nil
	}
	return r.takeWaiting(r.waitOrder[0])
}

// A store is the associative array of rows. Row index and tag are pure
// address arithmetic over the (power of two) block size and row count.
type store struct {
	nWays     int
	nRows     int
	blockSize int

	rowShift uint
	rowMask  uint64
	tagShift uint

	rows []*row
}

func newStore(nRows, nWays, blockSize int) *store {
	s := &store{
		nWays:     nWays,
		nRows:     nRows,
		blockSize: blockSize,
		rowShift:  uint(bits.TrailingZeros(uint(blockSize))),
		rowMask:   uint64(nRows - 1),
	}
	s.tagShift = s.rowShift + uint(bits.TrailingZeros(uint(nRows)))

	s.rows = make([]*row, nRows)
	for r := range s.rows {
		s.rows[r] = &row{waiting: make(map[uint64][]pending)}
		for w := 0; w < nWays; w++ {
			s.rows[r].blocks = append(s.rows[r].blocks, &block{
				row:  r,
				way:  w,
				data: make([]byte, blockSize),
			})
		}
	}

	return s
}

func (s *store) blockAddr(addr uint64) uint64 {
	return addr &^ uint64(s.blockSize-1)
}

func (s *store) tagOf(addr uint64) uint64 {
	return addr >> s.tagShift
}

func (s *store) rowOf(addr uint64) *row {
	return s.rows[(addr>>s.rowShift)&s.rowMask]
}

// findBlock returns the valid block holding addr, or, when allowEmpty is
// set and no tag matches, an invalid block of the same row. Returns nil
// otherwise.
func (s *store) findBlock(addr uint64, allowEmpty bool) *block {
	r := s.rowOf(addr)
	tag := s.tagOf(addr)

	for _, b := range r.blocks {
		if b.isValid() && b.tag == tag {
			return b
		}
	}

	if allowEmpty {
		for _, b := range r.blocks {
			if b.status == StatusInvalid {
				return b
			}
		}
	}

	return nil
}

// lruVictim picks the replacement candidate of the row: an invalid unlocked
// way if one exists, otherwise the least recently touched unlocked way. It
// returns nil when every way is locked mid-transaction, which signals the
// caller to park the request on the row instead.
func (s *store) lruVictim(r *row) *block {
	for _, b := range r.blocks {
		if b.status == StatusInvalid && !b.isLocked() {
			return b
		}
	}

	var victim *block
	for _, b := range r.blocks {
		if b.isLocked() {
			continue
		}
		if victim == nil || b.lastTouched < victim.lastTouched {
			victim = b
		}
	}
	return victim
}

// assign re-tags the block for a new address and marks it mid-fill.
func (s *store) assign(b *block, addr uint64) {
	b.baseAddr = s.blockAddr(addr)
	b.tag = s.tagOf(addr)
	b.status = StatusAssigned
}
