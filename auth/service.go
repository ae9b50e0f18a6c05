package auth

import (
	"bufio"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"path/filepath"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/numbleroot/plume/config"
)

// Variables

// ErrUnsupportedMech is returned when no auth worker at
// all advertises the requested mechanism.
var ErrUnsupportedMech = errors.New("Unsupported authentication mechanism")

// ErrWorkersBusy is returned when workers advertising the
// mechanism exist but none has output-buffer headroom.
var ErrWorkersBusy = errors.New("Authentication servers are busy, wait..")

// ErrNotConnected is returned when the mechanism is known
// but no worker serving it is currently connected. A
// reconnect scan has been scheduled when this is seen.
var ErrNotConnected = errors.New("Authentication server isn't connected, try again later..")

// Structs

// Service defines the interface the auth multiplexer
// provides to login sessions.
type Service interface {

	// InitRequest starts a fresh auth exchange on a worker
	// advertising the supplied mechanism and sends the
	// opening frame. The callback is invoked once per reply.
	InitRequest(mech Mech, protocol Protocol, callback Callback, context interface{}) (*Request, error)

	// ContinueRequest forwards further client input for an
	// exchange the worker asked to continue.
	ContinueRequest(req *Request, data []byte) error

	// AbortRequest drops an exchange the caller has given
	// up on. The worker is not notified.
	AbortRequest(req *Request)

	// IsConnected reports whether no reconnect is pending
	// and no connection is still waiting for its handshake.
	IsConnected() bool

	// AvailableMechs returns the union of mechanisms
	// advertised across all connected workers.
	AvailableMechs() Mech

	// Close tears down every connection and stops the
	// reconnect timer.
	Close()
}

// service is the process-wide auth multiplexer: the
// registry of worker connections keyed by socket
// filename, the monotonic request id counter, and the
// periodic reconnect scan.
type service struct {
	logger log.Logger

	sockDir   string
	clientPID uint32
	maxOutbuf int64

	mu                    sync.Mutex
	conns                 map[string]*Connection
	requestIDCounter      uint32
	authReconnect         bool
	waitingHandshakeCount int
	availableMechs        Mech
	closed                bool

	quit chan struct{}
}

// Functions

// NewService initializes the multiplexer: it scans the
// configured socket directory once, connecting to every
// socket found there, and installs the recurring timer
// that rescans whenever a reconnect is pending.
func NewService(logger log.Logger, conf config.Auth) Service {

	s := &service{
		logger:    logger,
		sockDir:   conf.SocketDir,
		clientPID: conf.ClientPID,
		maxOutbuf: (int64(requestContinueSize+MaxRequestDataSize) * int64(conf.MaxInflightPerConn)),
		conns:     make(map[string]*Connection),
		quit:      make(chan struct{}),
	}

	s.mu.Lock()
	s.connectMissingLocked()
	s.mu.Unlock()

	go s.reconnectLoop(time.Duration(conf.ReconnectEverySec) * time.Second)

	return s
}

// reconnectLoop periodically rescans the socket directory
// as long as a reconnect is pending.
func (s *service) reconnectLoop(interval time.Duration) {

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {

		select {

		case <-ticker.C:

			s.mu.Lock()
			if s.authReconnect {
				s.connectMissingLocked()
			}
			s.mu.Unlock()

		case <-s.quit:
			return
		}
	}
}

// connectMissingLocked scans the socket directory and
// opens a connection to every socket not already
// represented in the registry. The reconnect flag clears
// only once a new connection has been established.
func (s *service) connectMissingLocked() {

	s.authReconnect = true

	entries, err := os.ReadDir(s.sockDir)
	if err != nil {

		level.Error(s.logger).Log(
			"msg", "failed to list auth socket directory",
			"dir", s.sockDir,
			"err", err,
		)

		return
	}

	for _, entry := range entries {

		name := entry.Name()

		if strings.HasPrefix(name, ".") {
			continue
		}

		if _, ok := s.conns[name]; ok {
			// Already connected to this worker.
			continue
		}

		info, err := os.Stat(filepath.Join(s.sockDir, name))
		if err != nil || (info.Mode()&os.ModeSocket) == 0 {
			continue
		}

		if s.newConnectionLocked(name) {
			s.authReconnect = false
		}
	}
}

// newConnectionLocked dials one worker socket, registers
// the connection, starts its I/O goroutines, and sends
// our side of the handshake.
func (s *service) newConnectionLocked(name string) bool {

	netConn, err := net.Dial("unix", filepath.Join(s.sockDir, name))
	if err != nil {

		level.Error(s.logger).Log(
			"msg", "can't connect to auth worker",
			"path", name,
			"err", err,
		)

		s.authReconnect = true

		return false
	}

	conn := &Connection{
		logger:    s.logger,
		mux:       s,
		path:      name,
		conn:      netConn,
		reader:    bufio.NewReader(netConn),
		sendq:     make(chan []byte, 8192),
		quit:      make(chan struct{}),
		maxOutbuf: s.maxOutbuf,
		requests:  make(map[uint32]*Request),
		refcount:  1,
	}

	s.conns[name] = conn
	s.waitingHandshakeCount++

	go conn.writeLoop()
	go conn.readLoop()

	err = conn.enqueue(marshalFrame(&HandshakeInput{PID: s.clientPID}))
	if err != nil {

		level.Warn(s.logger).Log(
			"msg", "error sending handshake to auth worker",
			"path", name,
			"err", err,
		)

		// Destroy without holding our lock.
		go conn.destroy()

		return false
	}

	return true
}

// handshakeDone accounts for a worker that completed its
// handshake and folds its mechanisms into the union.
func (s *service) handshakeDone(conn *Connection) {

	s.mu.Lock()
	s.waitingHandshakeCount--
	s.availableMechs |= conn.Mechs()
	s.mu.Unlock()

	level.Debug(s.logger).Log(
		"msg", "auth worker connected",
		"path", conn.Path(),
		"pid", conn.Pid(),
		"mechs", conn.Mechs().String(),
	)
}

// removeConnection detaches a connection from the
// registry and recomputes the mechanism union over the
// remaining workers.
func (s *service) removeConnection(conn *Connection) {

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.conns[conn.path]
	if !ok || cur != conn {
		return
	}

	delete(s.conns, conn.path)

	conn.mu.Lock()
	handshakeReceived := conn.handshakeReceived
	conn.mu.Unlock()

	if !handshakeReceived {
		s.waitingHandshakeCount--
	}

	s.availableMechs = 0
	for _, c := range s.conns {
		s.availableMechs |= c.Mechs()
	}
}

// setReconnect schedules a rescan of the socket
// directory at the next timer tick.
func (s *service) setReconnect() {

	s.mu.Lock()
	s.authReconnect = true
	s.mu.Unlock()
}

// nextRequestIDLocked allocates the next request id from
// the monotonic counter. Id zero is reserved and skipped
// when the counter wraps.
func (s *service) nextRequestIDLocked() uint32 {

	s.requestIDCounter++
	if s.requestIDCounter == 0 {
		s.requestIDCounter++
	}

	return s.requestIDCounter
}

// InitRequest picks the first connection that advertises
// the requested mechanism and has output-buffer headroom
// for the opening frame, inserts the request into its
// table, and sends the NEW frame.
func (s *service) InitRequest(mech Mech, protocol Protocol, callback Callback, context interface{}) (*Request, error) {

	s.mu.Lock()

	if s.authReconnect {
		s.connectMissingLocked()
	}

	var chosen *Connection
	found := false

	for _, conn := range s.conns {

		if (conn.Mechs() & mech) == 0 {
			continue
		}

		if conn.hasSpace(requestNewSize) {
			chosen = conn
			break
		}

		found = true
	}

	if chosen == nil {

		if !found {

			if (s.availableMechs & mech) == 0 {
				s.mu.Unlock()
				return nil, ErrUnsupportedMech
			}

			s.authReconnect = true
			s.mu.Unlock()

			return nil, ErrNotConnected
		}

		s.mu.Unlock()

		level.Warn(s.logger).Log("msg", "authentication workers are busy")

		return nil, ErrWorkersBusy
	}

	req := &Request{
		id:       s.nextRequestIDLocked(),
		mech:     mech,
		conn:     chosen,
		callback: callback,
		Context:  context,
	}

	s.mu.Unlock()

	if !chosen.insertRequest(req) {
		s.setReconnect()
		return nil, ErrNotConnected
	}

	err := chosen.enqueue(marshalFrame(&requestNew{
		Type:     requestTypeNew,
		ID:       req.id,
		Protocol: protocol,
		Mech:     mech,
	}))
	if err != nil {

		level.Warn(s.logger).Log(
			"msg", "error sending request to auth worker",
			"path", chosen.Path(),
			"err", err,
		)

		// Teardown aborts every pending request on this
		// worker, including the one just inserted, so the
		// caller still sees its callback fire.
		chosen.destroy()
	}

	return req, nil
}

// ContinueRequest writes a CONTINUE header followed by
// the payload to the request's connection.
func (s *service) ContinueRequest(req *Request, data []byte) error {

	if len(data) > MaxRequestDataSize {
		return errors.Errorf("auth request payload of %d bytes exceeds maximum of %d", len(data), MaxRequestDataSize)
	}

	frame := marshalFrame(&requestContinue{
		Type:     requestTypeContinue,
		ID:       req.id,
		DataSize: uint32(len(data)),
	})
	frame = append(frame, data...)

	err := req.conn.enqueue(frame)
	if err != nil {

		level.Warn(s.logger).Log(
			"msg", "error sending continue request to auth worker",
			"path", req.conn.Path(),
			"err", err,
		)

		req.conn.destroy()

		return err
	}

	return nil
}

// AbortRequest removes the request from its connection's
// table if it is still there. The worker is not told: it
// will log the next frame for this id as an unknown id,
// which is fine because the caller has already walked
// away from the exchange.
func (s *service) AbortRequest(req *Request) {

	if req == nil {
		return
	}

	if req.conn.removeRequest(req.id) {
		req.conn.unref()
	}
}

// IsConnected reports whether the multiplexer is fully
// operational: no reconnect pending, no handshake open.
func (s *service) IsConnected() bool {

	s.mu.Lock()
	defer s.mu.Unlock()

	return !s.authReconnect && (s.waitingHandshakeCount == 0)
}

// AvailableMechs returns the mechanism union across all
// connected workers.
func (s *service) AvailableMechs() Mech {

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.availableMechs
}

// Close tears down all connections and stops the
// reconnect timer.
func (s *service) Close() {

	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true

	conns := make([]*Connection, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}

	s.mu.Unlock()

	close(s.quit)

	for _, conn := range conns {
		conn.destroy()
	}
}
