package mem

import (
	"log"

	"github.com/sarchlab/memh/sim"
)

// A Command tells what a protocol message asks for.
type Command int

// The commands that can travel between nodes of the memory hierarchy.
const (
	CmdReadReq Command = iota
	CmdWriteReq
	CmdReadResp
	CmdWriteResp
	CmdRequestData
	CmdSupplyData
	CmdInvalidate
	CmdAck
	CmdNack
	CmdFetch
	CmdFetchInvalidate
	CmdBusRequest
	CmdBusClearToSend
	CmdBusCancel
)

var commandNames = map[Command]string{
	CmdReadReq:         "ReadReq",
	CmdWriteReq:        "WriteReq",
	CmdReadResp:        "ReadResp",
	CmdWriteResp:       "WriteResp",
	CmdRequestData:     "RequestData",
	CmdSupplyData:      "SupplyData",
	CmdInvalidate:      "Invalidate",
	CmdAck:             "ACK",
	CmdNack:            "NACK",
	CmdFetch:           "Fetch",
	CmdFetchInvalidate: "FetchInvalidate",
	CmdBusRequest:      "BusRequest",
	CmdBusClearToSend:  "BusClearToSend",
	CmdBusCancel:       "BusCancel",
}

func (c Command) String() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return "Unknown"
}

// A Flag is one bit of per-message protocol state.
type Flag uint8

const (
	// FlagLocked marks an atomic read/write pair from the requester.
	FlagLocked Flag = 1 << iota

	// FlagWriteback marks a SupplyData that pushes a modified block toward
	// memory rather than answering a request.
	FlagWriteback

	// FlagDelayed marks a SupplyData without payload: the block is held by a
	// user lock elsewhere and the requester must wait.
	FlagDelayed

	// FlagPrefetch marks synthetic requests injected by a cache listener.
	// They travel the normal paths but do not count toward the hit/miss
	// counters.
	FlagPrefetch
)

// A Msg is the one message shape that carries every protocol command. The
// Cmd tag discriminates what the payload and flags mean.
type Msg struct {
	sim.MsgMeta

	Cmd       Command
	RespondTo string
	Addr      uint64
	Size      int
	Payload   []byte
	Flags     Flag
}

// Meta returns the meta data attached to the message.
func (m *Msg) Meta() *sim.MsgMeta {
	return &m.MsgMeta
}

// IsFlagSet tells whether the given flag is set on the message.
func (m *Msg) IsFlagSet(f Flag) bool {
	return m.Flags&f != 0
}

// SetFlag sets the given flag on the message.
func (m *Msg) SetFlag(f Flag) {
	m.Flags |= f
}

// Clone duplicates the message for fan-out. The copy keeps the original ID so
// acknowledgments for any copy match the triggering message.
func (m *Msg) Clone() *Msg {
	c := *m
	if m.Payload != nil {
		c.Payload = make([]byte, len(m.Payload))
		copy(c.Payload, m.Payload)
	}
	return &c
}

// MakeResponse derives the matching response message: command flipped to the
// response form, source and destination exchanged, RespondTo set to the
// request's ID.
func (m *Msg) MakeResponse(src string) *Msg {
	resp := &Msg{
		MsgMeta: sim.MsgMeta{
			ID:  sim.GetIDGenerator().Generate(),
			Src: src,
			Dst: m.Src,
		},
		Cmd:       responseCommand(m.Cmd),
		RespondTo: m.ID,
		Addr:      m.Addr,
		Size:      m.Size,
	}
	return resp
}

func responseCommand(c Command) Command {
	switch c {
	case CmdReadReq:
		return CmdReadResp
	case CmdWriteReq:
		return CmdWriteResp
	case CmdInvalidate:
		return CmdAck
	case CmdRequestData, CmdFetch, CmdFetchInvalidate:
		return CmdSupplyData
	default:
		log.Panicf("command %s has no response form", c)
		return c
	}
}

// MsgBuilder can build protocol messages.
type MsgBuilder struct {
	src, dst string
	cmd      Command
	addr     uint64
	size     int
	payload  []byte
	flags    Flag
}

// WithSrc sets the source of the message to build.
func (b MsgBuilder) WithSrc(src string) MsgBuilder {
	b.src = src
	return b
}

// WithDst sets the destination of the message to build.
func (b MsgBuilder) WithDst(dst string) MsgBuilder {
	b.dst = dst
	return b
}

// WithCmd sets the command of the message to build.
func (b MsgBuilder) WithCmd(cmd Command) MsgBuilder {
	b.cmd = cmd
	return b
}

// WithAddr sets the address of the message to build.
func (b MsgBuilder) WithAddr(addr uint64) MsgBuilder {
	b.addr = addr
	return b
}

// WithSize sets the access size of the message to build.
func (b MsgBuilder) WithSize(size int) MsgBuilder {
	b.size = size
	return b
}

// WithPayload sets the data carried by the message to build.
func (b MsgBuilder) WithPayload(payload []byte) MsgBuilder {
	b.payload = payload
	b.size = len(payload)
	return b
}

// WithFlags sets the flags of the message to build.
func (b MsgBuilder) WithFlags(flags Flag) MsgBuilder {
	b.flags = flags
	return b
}

// Build creates a new Msg.
func (b MsgBuilder) Build() *Msg {
	m := &Msg{
		Cmd:     b.cmd,
		Addr:    b.addr,
		Size:    b.size,
		Payload: b.payload,
		Flags:   b.flags,
	}
	m.ID = sim.GetIDGenerator().Generate()
	m.Src = b.src
	m.Dst = b.dst
	return m
}
