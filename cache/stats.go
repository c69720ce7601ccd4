package cache

// Stats counts the accesses a node served. Each originating request counts
// once, on its first processing; retries and listener-injected requests do
// not count.
type Stats struct {
	ReadHits      uint64
	ReadMisses    uint64
	WriteHits     uint64
	WriteMisses   uint64
	SupplyHits    uint64
	SupplyMisses  uint64
	UpgradeMisses uint64
}

// Stats returns a snapshot of the node's counters.
func (c *Comp) Stats() Stats {
	return c.stats
}
