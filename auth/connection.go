package auth

import (
	"bufio"
	"io"
	"net"
	"sync"

	"encoding/binary"
	"sync/atomic"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
)

// Structs

// Connection is one live local-socket connection to an
// auth worker process. It owns the request table of every
// exchange routed to this worker and the read and write
// goroutines that shuttle frames. The registry holds one
// strong reference per connected worker; each outstanding
// request holds one more. The socket stays in blocking
// mode: the login process depends critically on the auth
// process and is willing to wait on sends.
type Connection struct {
	logger log.Logger
	mux    *service

	path   string
	conn   net.Conn
	reader *bufio.Reader

	sendq       chan []byte
	quit        chan struct{}
	queuedBytes int64
	maxOutbuf   int64

	mu                sync.Mutex
	requests          map[uint32]*Request
	pid               uint32
	mechs             Mech
	handshakeReceived bool
	dead              bool

	refcount int32
	teardown sync.Once
}

// Functions

// Path returns the socket filename this connection
// was opened on.
func (conn *Connection) Path() string {
	return conn.path
}

// Pid returns the worker pid learned from the handshake.
func (conn *Connection) Pid() uint32 {

	conn.mu.Lock()
	defer conn.mu.Unlock()

	return conn.pid
}

// Mechs returns the mechanisms this worker advertised.
func (conn *Connection) Mechs() Mech {

	conn.mu.Lock()
	defer conn.mu.Unlock()

	return conn.mechs
}

// Refcount returns the current number of strong
// references onto this connection.
func (conn *Connection) Refcount() int32 {
	return atomic.LoadInt32(&conn.refcount)
}

// ref takes one additional strong reference.
func (conn *Connection) ref() {
	atomic.AddInt32(&conn.refcount, 1)
}

// unref releases one strong reference. The connection
// object stays alive until the last holder lets go.
func (conn *Connection) unref() {
	atomic.AddInt32(&conn.refcount, -1)
}

// hasSpace reports whether the send queue has headroom
// for one more frame of the supplied size.
func (conn *Connection) hasSpace(size int) bool {

	conn.mu.Lock()
	dead := conn.dead
	conn.mu.Unlock()

	if dead {
		return false
	}

	return (atomic.LoadInt64(&conn.queuedBytes) + int64(size)) <= conn.maxOutbuf
}

// enqueue hands one marshaled frame to the write
// goroutine.
func (conn *Connection) enqueue(frame []byte) error {

	conn.mu.Lock()
	dead := conn.dead
	conn.mu.Unlock()

	if dead {
		return errors.Errorf("auth connection '%s' is down", conn.path)
	}

	atomic.AddInt64(&conn.queuedBytes, int64(len(frame)))

	select {
	case conn.sendq <- frame:
		return nil
	default:
		atomic.AddInt64(&conn.queuedBytes, -int64(len(frame)))
		return errors.Errorf("send queue of auth connection '%s' overflowed", conn.path)
	}
}

// insertRequest places a request into the table, taking
// the reference the request holds on its connection. It
// refuses once the connection is being torn down.
func (conn *Connection) insertRequest(req *Request) bool {

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.dead {
		return false
	}

	conn.requests[req.id] = req
	conn.ref()

	return true
}

// removeRequest takes a request out of the table if it is
// still present and reports whether it was.
func (conn *Connection) removeRequest(id uint32) bool {

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.requests == nil {
		return false
	}

	_, ok := conn.requests[id]
	if ok {
		delete(conn.requests, id)
	}

	return ok
}

// writeLoop drains the send queue into the socket. A
// failed send tears the whole connection down, aborting
// every pending exchange.
func (conn *Connection) writeLoop() {

	for {

		select {

		case frame := <-conn.sendq:

			_, err := conn.conn.Write(frame)
			atomic.AddInt64(&conn.queuedBytes, -int64(len(frame)))

			if err != nil {

				level.Warn(conn.logger).Log(
					"msg", "error sending to auth worker",
					"path", conn.path,
					"err", err,
				)

				conn.mux.setReconnect()
				conn.destroy()

				return
			}

		case <-conn.quit:
			return
		}
	}
}

// readLoop first expects the worker's fixed-size
// handshake frame, then loops over reply frames, reading
// each header and its payload before dispatching.
func (conn *Connection) readLoop() {

	var handshake HandshakeOutput

	err := binary.Read(conn.reader, binary.LittleEndian, &handshake)
	if err != nil {
		conn.disconnected(err)
		return
	}

	if handshake.PID == 0 {

		level.Error(conn.logger).Log(
			"msg", "BUG: auth worker claims to be pid 0",
			"path", conn.path,
		)

		conn.destroy()
		return
	}

	// Nothing may travel together with the handshake: no
	// request has been routed to this worker yet, so any
	// trailing bytes mean an oversized handshake frame.
	if conn.reader.Buffered() > 0 {

		level.Error(conn.logger).Log(
			"msg", "BUG: auth worker sent oversized handshake",
			"path", conn.path,
			"surplusBytes", conn.reader.Buffered(),
		)

		conn.destroy()
		return
	}

	conn.mu.Lock()
	conn.pid = handshake.PID
	conn.mechs = handshake.Mechanisms
	conn.handshakeReceived = true
	conn.mu.Unlock()

	conn.mux.handshakeDone(conn)

	for {

		var reply Reply

		err = binary.Read(conn.reader, binary.LittleEndian, &reply)
		if err != nil {
			conn.disconnected(err)
			return
		}

		if reply.DataSize > MaxReplyDataSize {

			level.Error(conn.logger).Log(
				"msg", "BUG: auth worker sent oversized reply payload",
				"path", conn.path,
				"dataSize", reply.DataSize,
			)

			conn.destroy()
			return
		}

		data := make([]byte, reply.DataSize)

		_, err = io.ReadFull(conn.reader, data)
		if err != nil {
			conn.disconnected(err)
			return
		}

		conn.handleReply(&reply, data)
	}
}

// disconnected handles the worker side going away or a
// read error: schedule a reconnect scan and tear down.
func (conn *Connection) disconnected(err error) {

	if err != io.EOF {
		level.Warn(conn.logger).Log(
			"msg", "lost connection to auth worker",
			"path", conn.path,
			"err", err,
		)
	}

	conn.mux.setReconnect()
	conn.destroy()
}

// handleReply routes one decoded reply to the pending
// request carrying its id. An unknown id is a worker bug:
// logged and ignored. A terminal result retires the
// request from the table.
func (conn *Connection) handleReply(reply *Reply, data []byte) {

	conn.mu.Lock()

	if conn.dead {
		conn.mu.Unlock()
		return
	}

	req, ok := conn.requests[reply.ID]
	if !ok {

		conn.mu.Unlock()

		level.Error(conn.logger).Log(
			"msg", "BUG: auth worker sent reply with unknown id",
			"path", conn.path,
			"id", reply.ID,
		)

		return
	}

	terminal := (reply.Result != ResultContinue)
	if terminal {
		delete(conn.requests, reply.ID)
	}

	conn.mu.Unlock()

	req.callback(req, reply, data)

	if terminal {
		conn.unref()
	}
}

// destroy moves the connection to its terminal state
// exactly once: close the socket, stop the write
// goroutine, detach from the registry, and invoke every
// pending request's callback with a nil reply to signal
// the abort. The object itself lives on until all callers
// have released their references.
func (conn *Connection) destroy() {

	conn.teardown.Do(func() {

		conn.mux.removeConnection(conn)

		conn.conn.Close()
		close(conn.quit)

		conn.mu.Lock()
		conn.dead = true
		pending := conn.requests
		conn.requests = nil
		conn.mu.Unlock()

		for _, req := range pending {
			req.callback(req, nil, nil)
			conn.unref()
		}

		// Release the registry's strong count.
		conn.unref()
	})
}
