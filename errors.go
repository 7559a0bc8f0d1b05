package peerwire

import (
	"fmt"
)

var (
	ErrAlreadyStarted      = fmt.Errorf("connection manager already started")
	ErrNotStarted          = fmt.Errorf("connection manager not started")
	ErrManagerStopped      = fmt.Errorf("manager stopped")
	ErrCannotConnectToSelf = fmt.Errorf("Cannot send to self")
	ErrConnectionClosed    = fmt.Errorf("connection closed")
	ErrHandshakeFailed     = fmt.Errorf("handshake failed")
	ErrNoCommonVersion     = fmt.Errorf("no common protocol version")
	ErrDuplicateConnection = fmt.Errorf("duplicate connection")
	ErrNoSignaller         = fmt.Errorf("no signaller configured; cannot reach a peer without an address")
	ErrConnectTimeout      = fmt.Errorf("connection not established in time")
	ErrQueueClosed         = fmt.Errorf("outbound queue closed")
	ErrProtocolViolation   = fmt.Errorf("protocol violation")
)

// DisconnectionCode travels in the WebSocket close frame and in
// the disconnected event.
type DisconnectionCode int

const (
	DisconnectNormal           DisconnectionCode = 1000
	DisconnectGracefulShutdown DisconnectionCode = 1001
	DisconnectDuplicate        DisconnectionCode = 4000
	DisconnectDeadConnection   DisconnectionCode = 4001
	DisconnectHandshakeFailed  DisconnectionCode = 4002
	DisconnectProtocolError    DisconnectionCode = 4003
)

func (c DisconnectionCode) String() string {
	switch c {
	case DisconnectNormal:
		return "NORMAL"
	case DisconnectGracefulShutdown:
		return "GRACEFUL_SHUTDOWN"
	case DisconnectDuplicate:
		return "DUPLICATE_CONNECTION"
	case DisconnectDeadConnection:
		return "DEAD_CONNECTION"
	case DisconnectHandshakeFailed:
		return "HANDSHAKE_FAILED"
	case DisconnectProtocolError:
		return "PROTOCOL_ERROR"
	}
	return fmt.Sprintf("DisconnectionCode(%d)", int(c))
}
