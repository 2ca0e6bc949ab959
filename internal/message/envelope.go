package message

// Outbound is produced by the core and routed by the hub to the live
// connections of its destination user(s).
type Outbound interface {
	outbound()
	Payload() ClientBound
}

// Direct targets every connection of one user.
type Direct struct {
	To  UserID
	Msg ClientBound
}

// Multi targets every connection of each listed user.
type Multi struct {
	To  []UserID
	Msg ClientBound
}

func (Direct) outbound()              {}
func (Multi) outbound()               {}
func (d Direct) Payload() ClientBound { return d.Msg }
func (m Multi) Payload() ClientBound  { return m.Msg }

// Inbound is client traffic the hub forwards to the core. The originating
// connection has already been resolved to a user.
type Inbound interface {
	inbound()
	Origin() UserID
}

// Text is an unparsed text frame.
type Text struct {
	From UserID
	Conn ConnectionID
	Data []byte
}

// Binary is an unparsed binary frame.
type Binary struct {
	From UserID
	Conn ConnectionID
	Data []byte
}

// ReadAck reports that a direct message was written to one of the reader's
// connections.
type ReadAck struct {
	Reader    UserID
	Sender    UserID
	MessageID MessageID
}

func (Text) inbound()    {}
func (Binary) inbound()  {}
func (ReadAck) inbound() {}

func (t Text) Origin() UserID    { return t.From }
func (b Binary) Origin() UserID  { return b.From }
func (r ReadAck) Origin() UserID { return r.Reader }
