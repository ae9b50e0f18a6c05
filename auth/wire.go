package auth

import (
	"bytes"
	"strings"

	"encoding/binary"
)

// Constants

// MaxReplyDataSize bounds the payload of one auth reply.
// 50 KiB is more than enough for any sane mechanism; a
// worker exceeding it is buggy and gets disconnected.
const MaxReplyDataSize = (1024 * 50)

// MaxRequestDataSize bounds the payload the client side
// sends with one continued request.
const MaxRequestDataSize = 4096

// Mech is the bitset of SASL mechanisms a worker
// advertises in its handshake.
type Mech uint32

const (
	// MechPlain is the PLAIN mechanism.
	MechPlain Mech = 1 << iota

	// MechLogin is the non-standard LOGIN mechanism.
	MechLogin

	// MechCramMD5 is the CRAM-MD5 mechanism.
	MechCramMD5

	// MechDigestMD5 is the DIGEST-MD5 mechanism.
	MechDigestMD5

	// MechAnonymous is the ANONYMOUS mechanism.
	MechAnonymous
)

// Protocol names the protocol a login session speaks,
// carried inside a new auth request.
type Protocol uint8

const (
	// ProtocolIMAP marks an IMAP login session.
	ProtocolIMAP Protocol = iota + 1

	// ProtocolPOP3 marks a POP3 login session.
	ProtocolPOP3
)

// Result is the verdict carried in one auth reply.
type Result uint8

const (
	// ResultContinue means the worker needs more client
	// input before it can decide.
	ResultContinue Result = iota + 1

	// ResultOK means the exchange succeeded.
	ResultOK

	// ResultFail means the exchange failed terminally.
	ResultFail
)

// Request frame type discriminants.
const (
	requestTypeNew      uint8 = 1
	requestTypeContinue uint8 = 2
)

// Structs

// All frames below travel as fixed-layout little-endian
// structures over the local stream socket.

// HandshakeInput is sent once by the client right after
// connecting and carries the login process's pid.
type HandshakeInput struct {
	PID uint32
}

// HandshakeOutput is the worker's one-time answer: its
// pid and the bitset of mechanisms it serves.
type HandshakeOutput struct {
	PID        uint32
	Mechanisms Mech
}

// requestNew opens a fresh auth exchange.
type requestNew struct {
	Type     uint8
	ID       uint32
	Protocol Protocol
	Mech     Mech
}

// requestContinue carries further client input for an
// exchange the worker answered with a continue reply.
// DataSize payload bytes follow the frame.
type requestContinue struct {
	Type     uint8
	ID       uint32
	DataSize uint32
}

// Reply is the worker's answer to a request. DataSize
// payload bytes follow the frame.
type Reply struct {
	ID       uint32
	Result   Result
	DataSize uint32
}

// Variables

var (
	handshakeInputSize  = binary.Size(HandshakeInput{})
	handshakeOutputSize = binary.Size(HandshakeOutput{})
	requestNewSize      = binary.Size(requestNew{})
	requestContinueSize = binary.Size(requestContinue{})
	replySize           = binary.Size(Reply{})
)

// Functions

// String renders the bitset as the familiar
// space-separated mechanism names.
func (m Mech) String() string {

	names := make([]string, 0, 5)

	if (m & MechPlain) != 0 {
		names = append(names, "PLAIN")
	}
	if (m & MechLogin) != 0 {
		names = append(names, "LOGIN")
	}
	if (m & MechCramMD5) != 0 {
		names = append(names, "CRAM-MD5")
	}
	if (m & MechDigestMD5) != 0 {
		names = append(names, "DIGEST-MD5")
	}
	if (m & MechAnonymous) != 0 {
		names = append(names, "ANONYMOUS")
	}

	return strings.Join(names, " ")
}

// marshalFrame serializes one frame struct into its
// packed little-endian wire form.
func marshalFrame(v interface{}) []byte {

	buf := new(bytes.Buffer)

	// Writing fixed-size fields into a buffer cannot fail.
	binary.Write(buf, binary.LittleEndian, v)

	return buf.Bytes()
}
