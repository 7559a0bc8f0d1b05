package peerwire

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glycerine/idem"
	"github.com/glycerine/loquet"
	"github.com/google/uuid"
)

// ConnectionID is a process-local handle for one Connection.
type ConnectionID string

func newConnectionID() ConnectionID {
	return ConnectionID(uuid.New().String())
}

// ConnectionType tags the physical variant of a Connection.
type ConnectionType string

const (
	ConnectionTypeWebSocketServer ConnectionType = "websocket-server"
	ConnectionTypeWebSocketClient ConnectionType = "websocket-client"
	ConnectionTypeWebRtc          ConnectionType = "webrtc"
	ConnectionTypeDeferred        ConnectionType = "deferred"
)

// ConnectionState: PENDING -> CONNECTING -> OPEN -> CLOSING -> CLOSED.
// A deferred placeholder stays PENDING until replaced or closed.
type ConnectionState int

const (
	StatePending    ConnectionState = 0
	StateConnecting ConnectionState = 1
	StateOpen       ConnectionState = 2
	StateClosing    ConnectionState = 3
	StateClosed     ConnectionState = 4
)

func (s ConnectionState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("ConnectionState(%d)", int(s))
}

// transport is a physical duplex channel. Inbound frames and the
// channel's death are reported to the Connection it is attached to.
type transport interface {
	// send writes one frame, blocking until written or failed.
	send(frame []byte) error

	// close tears the channel down, telling the peer why when it can.
	close(code DisconnectionCode, reason string)

	// start begins delivering inbound frames to c.
	start(c *Connection)
}

// connOwner is told about everything that happens on a Connection.
type connOwner interface {
	onFrame(c *Connection, frame []byte)
	onClosed(c *Connection, code DisconnectionCode, reason string)
	onHighBackPressure(c *Connection)
	onLowBackPressure(c *Connection)
}

// Connection is one channel to one remote peer. Only the
// ConnectionManager creates and holds them; others may inspect
// but not drive them.
type Connection struct {
	id       ConnectionID
	typ      ConnectionType
	outbound bool
	created  time.Time
	owner    connOwner

	halt *idem.Halter
	q    *OutboundQueue

	// opened is closed when the handshake completes.
	opened *loquet.Chan[Connection]

	mut        sync.Mutex
	state      ConnectionState
	remote     *PeerDescriptor
	tr         transport
	wasOpen    bool
	replacedBy *Connection
	closeCode  DisconnectionCode
	closeWhy   string

	// rtc holds WebRTC negotiation state for that variant.
	rtc *rtcNegotiation
}

func newConnection(owner connOwner, typ ConnectionType, outbound bool, remote *PeerDescriptor, cfg *Config) (c *Connection) {
	c = &Connection{
		id:       newConnectionID(),
		typ:      typ,
		outbound: outbound,
		created:  time.Now(),
		owner:    owner,
		remote:   remote,
	}
	c.halt = idem.NewHalterNamed(fmt.Sprintf("Connection(%v %v)", typ, c.id))
	c.opened = loquet.NewChan(c)
	c.q = NewOutboundQueue(cfg.HighWaterMark, cfg.LowWaterMark, cfg.MaxQueueBytes,
		func() { owner.onHighBackPressure(c) },
		func() { owner.onLowBackPressure(c) })
	if typ != ConnectionTypeDeferred {
		c.state = StateConnecting
	}
	return
}

func (c *Connection) ID() ConnectionID     { return c.id }
func (c *Connection) Type() ConnectionType { return c.typ }

// IsOutbound reports whether this side initiated the connection.
func (c *Connection) IsOutbound() bool { return c.outbound }

func (c *Connection) State() ConnectionState {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.state
}

// Remote is nil until an inbound connection's handshake completes.
func (c *Connection) Remote() *PeerDescriptor {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.remote
}

// Buffered returns outbound bytes not yet written.
func (c *Connection) Buffered() int {
	return c.q.Buffered()
}

// WhenOpen is closed once the handshake has completed.
func (c *Connection) WhenOpen() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		select {
		case <-c.opened.WhenClosed():
			close(ch)
		case <-c.halt.ReqStop.Chan:
		}
	}()
	return ch
}

func (c *Connection) String() string {
	c.mut.Lock()
	defer c.mut.Unlock()
	return fmt.Sprintf("Connection{%v %v %v remote:%v}", c.typ, c.id, c.state, c.remote)
}

func (c *Connection) setRemote(d *PeerDescriptor) {
	c.mut.Lock()
	c.remote = d
	c.mut.Unlock()
}

func (c *Connection) replacement() *Connection {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.replacedBy
}

// enqueue puts an encoded frame on the outbound queue.
func (c *Connection) enqueue(ctx context.Context, frame []byte) error {
	return c.q.Push(ctx, frame)
}

// attach binds a transport and starts its reader. Frames queued
// so far wait until open() starts the writer.
func (c *Connection) attach(tr transport) error {
	c.mut.Lock()
	if c.state >= StateClosing {
		c.mut.Unlock()
		tr.close(DisconnectNormal, "connection already closed")
		return ErrConnectionClosed
	}
	c.tr = tr
	c.mut.Unlock()
	tr.start(c)
	return nil
}

// sendDirect writes a frame ahead of the queue. Used for the
// handshake, before the writer runs.
func (c *Connection) sendDirect(frame []byte) error {
	c.mut.Lock()
	tr := c.tr
	c.mut.Unlock()
	if tr == nil {
		return ErrConnectionClosed
	}
	return tr.send(frame)
}

// open marks the handshake done and starts draining the queue.
func (c *Connection) open() bool {
	c.mut.Lock()
	if c.state != StateConnecting || c.tr == nil {
		c.mut.Unlock()
		return false
	}
	c.state = StateOpen
	c.wasOpen = true
	tr := c.tr
	c.mut.Unlock()

	c.opened.Close()
	go c.writeLoop(tr)
	return true
}

func (c *Connection) writeLoop(tr transport) {
	for {
		frame, ok := c.q.Next(c.halt.ReqStop.Chan)
		if !ok {
			return
		}
		err := tr.send(frame)
		c.q.Done(len(frame))
		if err != nil {
			pp("%v write failed: '%v'", c, err)
			c.closeWith(DisconnectDeadConnection, "write failed: "+err.Error())
			return
		}
	}
}

// handOver closes c's queue and moves its unsent frames to the
// front of winner's queue. c is then closed without telling
// the owner's listeners anything happened to the peer.
func (c *Connection) handOver(winner *Connection, code DisconnectionCode, reason string) {
	// replacedBy first: a Send that sees our queue closed
	// must find where its traffic went.
	c.mut.Lock()
	c.replacedBy = winner
	c.mut.Unlock()
	frames := c.q.closeAndDrain()
	if err := winner.q.prepend(frames); err != nil {
		alwaysPrintf("lost %v frames handing %v over to closed %v", len(frames), c.id, winner.id)
	}
	c.closeWith(code, reason)
}

// detachTransport drops the socket but keeps the queue, so a
// connection that lost arbitration can still hand its traffic
// to the winner when that arrives.
func (c *Connection) detachTransport(code DisconnectionCode, reason string) {
	c.mut.Lock()
	tr := c.tr
	c.tr = nil
	c.mut.Unlock()
	if tr != nil {
		tr.close(code, reason)
	}
}

// transportClosed is called by a transport whose channel died.
func (c *Connection) transportClosed(tr transport, code DisconnectionCode, reason string) {
	c.mut.Lock()
	current := c.tr == tr
	c.mut.Unlock()
	if !current {
		// a detached transport finishing up.
		return
	}
	c.closeWith(code, reason)
}

// closeWith moves c to CLOSED exactly once, then tells the owner.
func (c *Connection) closeWith(code DisconnectionCode, reason string) {
	c.mut.Lock()
	if c.state >= StateClosing {
		c.mut.Unlock()
		return
	}
	c.state = StateClosing
	c.closeCode = code
	c.closeWhy = reason
	tr := c.tr
	c.mut.Unlock()

	c.halt.ReqStop.Close()
	c.q.Close()
	if tr != nil {
		tr.close(code, reason)
	} else if c.rtc != nil {
		// negotiation never produced a data channel.
		go c.rtc.pc.Close()
	}

	c.mut.Lock()
	c.state = StateClosed
	c.mut.Unlock()

	c.owner.onClosed(c, code, reason)
	c.halt.Done.Close()
}

// everOpened reports whether the handshake ever completed.
func (c *Connection) everOpened() bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.wasOpen
}

// closed is closed once the owner has seen c close.
func (c *Connection) closed() <-chan struct{} {
	return c.halt.Done.Chan
}

// Close closes the connection with a normal code.
func (c *Connection) Close() {
	c.closeWith(DisconnectNormal, "closed")
}
