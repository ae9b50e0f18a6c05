package auth

// Structs

// Callback is the continuation of one auth exchange. It
// is invoked once per reply frame the worker sends for
// the request's id. When the owning connection dies while
// the request is still pending, it is invoked exactly
// once with a nil reply and nil data to signal the abort.
type Callback func(req *Request, reply *Reply, data []byte)

// Request is one in-flight login exchange: a per-process
// unique non-zero id, the selected mechanism, the owning
// connection, and the caller's continuation. It lives in
// the connection's request table from InitRequest until a
// terminal reply arrives, the caller aborts, or the
// connection is torn down.
type Request struct {
	id       uint32
	mech     Mech
	conn     *Connection
	callback Callback

	// Context carries opaque caller state through to
	// the callback.
	Context interface{}
}

// Functions

// ID returns the request's connection-unique id.
func (req *Request) ID() uint32 {
	return req.id
}

// Mech returns the mechanism this exchange uses.
func (req *Request) Mech() Mech {
	return req.mech
}

// Connection returns the connection that owns this
// request. It is only valid for the duration of the
// exchange.
func (req *Request) Connection() *Connection {
	return req.conn
}
