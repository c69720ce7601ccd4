package cache

import "log"

// A DirectoryPeer describes the address range one directory controller
// owns. The table is captured at setup and read-only afterwards.
type DirectoryPeer struct {
	Name       string
	RangeStart uint64
	RangeEnd   uint64

	// InterleaveSize of zero means the peer owns the whole range.
	// Otherwise it owns InterleaveSize bytes out of every InterleaveStep.
	InterleaveSize uint64
	InterleaveStep uint64
}

func (p DirectoryPeer) owns(addr uint64) bool {
	if addr < p.RangeStart || addr >= p.RangeEnd {
		return false
	}
	if p.InterleaveSize == 0 {
		return true
	}
	return (addr-p.RangeStart)%p.InterleaveStep < p.InterleaveSize
}

func (c *Comp) findTargetDirectory(addr uint64) string {
	for _, p := range c.dirPeers {
		if p.owns(addr) {
			return p.Name
		}
	}

	log.Panicf("%s: no directory owns address 0x%x", c.name, addr)
	return ""
}
