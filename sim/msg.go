package sim

// A Msg is a piece of information that is transferred between components.
type Msg interface {
	Meta() *MsgMeta
}

// MsgMeta contains the meta data that is attached to every message.
type MsgMeta struct {
	ID       string
	Src, Dst string

	// LinkID identifies the link the message was last delivered on. It is
	// stamped by the delivering Link, not by the sender.
	LinkID int
}
