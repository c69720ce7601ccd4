package cache

// BlockState is the externally visible state of one way.
type BlockState struct {
	Status   string `json:"status"`
	BaseAddr uint64 `json:"base_addr"`
	Tag      uint64 `json:"tag"`
	Locked   bool   `json:"locked"`
}

// Dump snapshots the whole store, one slice of ways per row.
func (c *Comp) Dump() [][]BlockState {
	out := make([][]BlockState, c.store.nRows)
	for r, rw := range c.store.rows {
		out[r] = make([]BlockState, c.store.nWays)
		for w, b := range rw.blocks {
			out[r][w] = BlockState{
				Status:   b.status.String(),
				BaseAddr: b.baseAddr,
				Tag:      b.tag,
				Locked:   b.isLocked(),
			}
		}
	}
	return out
}
