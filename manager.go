package peerwire

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glycerine/idem"
	"github.com/glycerine/peerwire/events"
	"github.com/gorilla/websocket"
)

// DataEvent delivers one application Message. Source is the
// peer authenticated by the connection's handshake.
type DataEvent struct {
	Message      *Message
	Source       *PeerDescriptor
	ConnectionID ConnectionID
}

type ConnectedEvent struct {
	Peer         *PeerDescriptor
	Type         ConnectionType
	ConnectionID ConnectionID
	Versions     ProtocolVersions
}

type DisconnectedEvent struct {
	Peer         *PeerDescriptor
	Type         ConnectionType
	ConnectionID ConnectionID
	Code         DisconnectionCode
	Reason       string
}

// ErrorEvent reports a connection that failed to come up or
// broke the protocol. Peer is nil when the remote never
// identified itself.
type ErrorEvent struct {
	Peer         *PeerDescriptor
	ConnectionID ConnectionID
	Err          error
}

type BackPressureEvent struct {
	Peer         *PeerDescriptor
	ConnectionID ConnectionID
	Buffered     int
}

// ManagerEvents are the manager's listener registries.
// Listeners run on transport goroutines and should not block.
type ManagerEvents struct {
	Data             events.Emitter[*DataEvent]
	Connected        events.Emitter[*ConnectedEvent]
	Disconnected     events.Emitter[*DisconnectedEvent]
	Error            events.Emitter[*ErrorEvent]
	HighBackPressure events.Emitter[*BackPressureEvent]
	LowBackPressure  events.Emitter[*BackPressureEvent]
}

// ConnectionManager keeps at most one live Connection per remote
// peer, creating them on demand when Send needs one.
type ConnectionManager struct {
	Events ManagerEvents

	cfg      *Config
	local    *PeerDescriptor
	sig      Signaller
	codec    *frameCodec
	seal     *sealer
	versions *NegotiatedProtocolVersions

	halt *idem.Halter

	mut       sync.Mutex
	started   bool
	stopped   bool
	responder HandshakeResponder
	srv       *wsServer

	// conns holds the one registered Connection per peer.
	conns map[PeerID]*Connection

	// all holds every Connection we own, including inbound
	// ones whose peer is not yet known.
	all map[ConnectionID]*Connection
}

// NewConnectionManager builds a manager for local peer id.
// sig may be nil; then only peers with a WebSocket address,
// or peers that dial us, are reachable.
func NewConnectionManager(cfg *Config, id PeerID, sig Signaller) (*ConnectionManager, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codec, err := newFrameCodec(cfg)
	if err != nil {
		return nil, err
	}
	m := &ConnectionManager{
		cfg:      cfg,
		sig:      sig,
		codec:    codec,
		versions: NewNegotiatedProtocolVersions(cfg.ControlLayerVersions, cfg.MessageLayerVersions),
		halt:     idem.NewHalterNamed(fmt.Sprintf("ConnectionManager(%v)", id)),
		conns:    make(map[PeerID]*Connection),
		all:      make(map[ConnectionID]*Connection),
	}
	m.local = &PeerDescriptor{ID: id, Type: cfg.NodeType}
	if cfg.WebSocketPort > 0 {
		m.local.WebSocket = &WebSocketAddress{Host: cfg.WebSocketHost, Port: cfg.WebSocketPort}
	}
	if cfg.PreSharedKey != nil {
		m.seal, err = newSealer(*cfg.PreSharedKey)
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *ConnectionManager) LocalDescriptor() *PeerDescriptor {
	return m.local
}

// GetNegotiatedVersions exposes the per-peer agreed versions.
func (m *ConnectionManager) GetNegotiatedVersions() *NegotiatedProtocolVersions {
	return m.versions
}

// Start opens the WebSocket server if we have an address and
// begins taking signals. responder may be nil, in which case
// every peer is answered with our local descriptor.
func (m *ConnectionManager) Start(responder HandshakeResponder) error {
	m.mut.Lock()
	if m.stopped {
		m.mut.Unlock()
		return ErrManagerStopped
	}
	if m.started {
		m.mut.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.responder = responder
	m.mut.Unlock()

	if m.local.Addressed() {
		srv := newWsServer(m)
		if err := srv.listen(m.local.WebSocket.HostPort()); err != nil {
			m.mut.Lock()
			m.started = false
			m.mut.Unlock()
			return err
		}
		m.mut.Lock()
		m.srv = srv
		m.mut.Unlock()
	}
	if m.sig != nil {
		m.sig.SetSignalHandler(m.handleSignal)
	}
	vv("%v started", m.local)
	return nil
}

// Stop closes every connection with GRACEFUL_SHUTDOWN and fails
// any later or in-flight Send with ErrManagerStopped. Idempotent.
func (m *ConnectionManager) Stop() {
	m.mut.Lock()
	if m.stopped {
		m.mut.Unlock()
		return
	}
	m.stopped = true
	srv := m.srv
	m.srv = nil
	conns := make([]*Connection, 0, len(m.all))
	for _, c := range m.all {
		conns = append(conns, c)
	}
	m.mut.Unlock()

	if m.sig != nil {
		m.sig.SetSignalHandler(nil)
	}
	if srv != nil {
		srv.close()
	}
	for _, c := range conns {
		c.closeWith(DisconnectGracefulShutdown, "manager stopped")
	}
	m.versions.clear()
	m.codec.Close()
	m.halt.ReqStop.Close()
	m.halt.Done.Close()
	vv("%v stopped", m.local)
}

func (m *ConnectionManager) isStopped() bool {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.stopped
}

// Send queues msg for target, connecting first if needed. It
// returns once the message is buffered, not when it is
// delivered; ctx only bounds waiting for queue room.
func (m *ConnectionManager) Send(ctx context.Context, msg *Message, target *PeerDescriptor) error {
	if target == nil {
		return fmt.Errorf("Send: nil target")
	}
	if target.ID == m.local.ID {
		return ErrCannotConnectToSelf
	}
	if m.isStopped() {
		return ErrManagerStopped
	}
	frame, err := m.codec.encode(msg)
	if err != nil {
		if m.isStopped() {
			return ErrManagerStopped
		}
		return err
	}
	for attempt := 0; attempt < 4; attempt++ {
		c, err := m.connectionFor(target)
		if err != nil {
			return err
		}
		err = c.enqueue(ctx, frame)
		if !errors.Is(err, ErrQueueClosed) {
			return err
		}
		if m.isStopped() {
			return ErrManagerStopped
		}
		if c.replacement() != nil {
			continue
		}
		// c is closing; wait until it is unregistered.
		select {
		case <-c.closed():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ErrConnectionClosed
}

// connectionFor finds or creates the Connection to target.
func (m *ConnectionManager) connectionFor(target *PeerDescriptor) (*Connection, error) {
	m.mut.Lock()
	defer m.mut.Unlock()
	if m.stopped {
		return nil, ErrManagerStopped
	}
	if !m.started {
		return nil, ErrNotStarted
	}
	if c, ok := m.conns[target.ID]; ok {
		return c, nil
	}
	var c *Connection
	switch {
	case target.Addressed():
		c = newConnection(m, ConnectionTypeWebSocketClient, true, target, m.cfg)
		go m.dial(c, target)

	case m.local.Addressed():
		// they must dial us; ask them to.
		if m.sig == nil {
			return nil, ErrNoSignaller
		}
		c = newConnection(m, ConnectionTypeDeferred, false, target, m.cfg)
		go m.requestReverseConnection(c, target)

	default:
		if m.sig == nil {
			return nil, ErrNoSignaller
		}
		var err error
		c, err = m.newRtcConnection(target, true)
		if err != nil {
			return nil, err
		}
	}
	m.registerLocked(target.ID, c)
	return c, nil
}

func (m *ConnectionManager) registerLocked(peer PeerID, c *Connection) {
	m.conns[peer] = c
	m.all[c.id] = c
	m.armConnectTimeout(c)
}

// armConnectTimeout fails c if it is not open in time.
func (m *ConnectionManager) armConnectTimeout(c *Connection) {
	d := m.cfg.ConnectTimeout
	if d <= 0 {
		return
	}
	time.AfterFunc(d, func() {
		if c.State() < StateOpen {
			m.fail(c, fmt.Errorf("%w: %v not open after %v", ErrConnectTimeout, c.id, d), DisconnectHandshakeFailed)
		}
	})
}

// fail reports err for c and closes it.
func (m *ConnectionManager) fail(c *Connection, err error, code DisconnectionCode) {
	if c.State() >= StateClosing {
		return
	}
	vv("%v failing %v: '%v'", m.local.ID, c, err)
	m.Events.Error.Emit(&ErrorEvent{Peer: c.Remote(), ConnectionID: c.id, Err: err})
	c.closeWith(code, err.Error())
}

func (m *ConnectionManager) dial(c *Connection, target *PeerDescriptor) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()
	go func() {
		select {
		case <-m.halt.ReqStop.Chan:
		case <-c.halt.ReqStop.Chan:
		case <-ctx.Done():
		}
		cancel()
	}()

	ws, err := dialWebSocket(ctx, target.WebSocket, m.cfg.ConnectTimeout)
	if err != nil {
		m.fail(c, err, DisconnectDeadConnection)
		return
	}
	if err := c.attach(newWsTransport(ws, m.cfg, m.seal)); err != nil {
		return
	}
	m.sendHandshakeRequest(c)
}

// acceptWebSocket takes a freshly upgraded inbound socket.
func (m *ConnectionManager) acceptWebSocket(ws *websocket.Conn) {
	m.mut.Lock()
	if m.stopped {
		m.mut.Unlock()
		ws.Close()
		return
	}
	c := newConnection(m, ConnectionTypeWebSocketServer, false, nil, m.cfg)
	m.all[c.id] = c
	m.armConnectTimeout(c)
	m.mut.Unlock()

	c.attach(newWsTransport(ws, m.cfg, m.seal))
}

// requestReverseConnection asks an unaddressed peer to dial us;
// c holds its traffic until that connection arrives.
func (m *ConnectionManager) requestReverseConnection(c *Connection, target *PeerDescriptor) {
	msg := NewMessage("", MessageTypeWsConnectivityRequest, nil)
	msg.Source = m.local
	msg.Target = target
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()
	if err := m.sig.SendSignal(ctx, msg, target); err != nil {
		m.fail(c, fmt.Errorf("could not ask %v to connect: %w", target.ID, err), DisconnectNormal)
	}
}

// handleSignal routes an inbound signalling message.
func (m *ConnectionManager) handleSignal(msg *Message) {
	src := msg.Source
	if src == nil || src.ID == m.local.ID {
		return
	}
	if msg.Target != nil && msg.Target.ID != m.local.ID {
		vv("%v dropping signal meant for %v", m.local.ID, msg.Target.ID)
		return
	}
	switch msg.Type {
	case MessageTypeWsConnectivityRequest:
		if !src.Addressed() {
			pp("connectivity request from unaddressed %v ignored", src.ID)
			return
		}
		m.mut.Lock()
		if m.stopped || !m.started {
			m.mut.Unlock()
			return
		}
		if _, ok := m.conns[src.ID]; ok {
			m.mut.Unlock()
			return
		}
		c := newConnection(m, ConnectionTypeWebSocketClient, true, src, m.cfg)
		m.registerLocked(src.ID, c)
		m.mut.Unlock()
		go m.dial(c, src)

	case MessageTypeRtcConnectionRequest, MessageTypeRtcOffer,
		MessageTypeRtcAnswer, MessageTypeIceCandidate:
		m.handleRtcSignal(msg)

	default:
		vv("%v ignoring signal of type %v", m.local.ID, msg.Type)
	}
}

func (m *ConnectionManager) encodeHandshake(typ MessageType, body interface {
	MarshalMsg([]byte) ([]byte, error)
}) ([]byte, error) {
	msg, err := handshakeMessage(typ, body)
	if err != nil {
		return nil, err
	}
	return m.codec.encode(msg)
}

func (m *ConnectionManager) sendHandshakeRequest(c *Connection) {
	ctl, msgv := m.versions.Supported()
	frame, err := m.encodeHandshake(MessageTypeHandshakeRequest, &HandshakeRequest{
		Source:          m.local,
		ControlVersions: ctl,
		MessageVersions: msgv,
	})
	if err == nil {
		err = c.sendDirect(frame)
	}
	if err != nil {
		m.fail(c, fmt.Errorf("could not send handshake: %w", err), DisconnectDeadConnection)
	}
}

// refuse answers a handshake with an error and closes c.
func (m *ConnectionManager) refuse(c *Connection, herr HandshakeError, reason string, code DisconnectionCode) {
	frame, err := m.encodeHandshake(MessageTypeHandshakeResponse, &HandshakeResponse{
		Source: m.local,
		Error:  herr,
		Reason: reason,
	})
	if err == nil {
		c.sendDirect(frame)
	}
	c.closeWith(code, reason)
}

func (m *ConnectionManager) onFrame(c *Connection, frame []byte) {
	msg, err := m.codec.decode(frame)
	if err != nil {
		m.fail(c, fmt.Errorf("%w: %v", ErrProtocolViolation, err), DisconnectProtocolError)
		return
	}
	switch msg.Type {
	case MessageTypeHandshakeRequest:
		m.handleHandshakeRequest(c, msg)
		return
	case MessageTypeHandshakeResponse:
		m.handleHandshakeResponse(c, msg)
		return
	}
	if c.State() != StateOpen {
		m.fail(c, fmt.Errorf("%w: %v before handshake", ErrProtocolViolation, msg.Type), DisconnectProtocolError)
		return
	}
	msg.Source = c.Remote()
	switch msg.Type {
	case MessageTypeWsConnectivityRequest, MessageTypeRtcConnectionRequest,
		MessageTypeRtcOffer, MessageTypeRtcAnswer, MessageTypeIceCandidate:
		// signalling relayed over an existing connection.
		msg.Target = nil
		m.handleSignal(msg)
		return
	}
	m.Events.Data.Emit(&DataEvent{Message: msg, Source: msg.Source, ConnectionID: c.id})
}

// handleHandshakeRequest is the accepting side of a handshake.
func (m *ConnectionManager) handleHandshakeRequest(c *Connection, msg *Message) {
	if c.IsOutbound() || c.State() != StateConnecting {
		m.fail(c, fmt.Errorf("%w: unexpected handshake request", ErrProtocolViolation), DisconnectProtocolError)
		return
	}
	req := &HandshakeRequest{}
	if _, err := req.UnmarshalMsg(msg.Body); err != nil {
		m.fail(c, fmt.Errorf("%w: bad handshake request: %v", ErrProtocolViolation, err), DisconnectProtocolError)
		return
	}
	peer := req.Source.ID
	if peer == m.local.ID {
		m.refuse(c, HandshakeSelfConnection, ErrCannotConnectToSelf.Error(), DisconnectHandshakeFailed)
		return
	}
	if known := c.Remote(); known != nil && known.ID != peer {
		m.fail(c, fmt.Errorf("%w: handshake from %v on connection to %v", ErrProtocolViolation, peer, known.ID), DisconnectProtocolError)
		return
	}

	v, err := m.versions.Negotiate(req.ControlVersions, req.MessageVersions)
	if err != nil {
		m.Events.Error.Emit(&ErrorEvent{Peer: req.Source, ConnectionID: c.id, Err: fmt.Errorf("%w: %w", ErrHandshakeFailed, err)})
		m.refuse(c, HandshakeUnsupportedVersion, err.Error(), DisconnectHandshakeFailed)
		return
	}

	m.mut.Lock()
	responder := m.responder
	m.mut.Unlock()
	answerWith := m.local
	if responder != nil {
		d, err := responder(req.Source)
		if err != nil {
			m.Events.Error.Emit(&ErrorEvent{Peer: req.Source, ConnectionID: c.id, Err: fmt.Errorf("%w: %v", ErrHandshakeFailed, err)})
			m.refuse(c, HandshakeRejected, err.Error(), DisconnectHandshakeFailed)
			return
		}
		if d != nil {
			answerWith = d
		}
	}

	m.mut.Lock()
	if m.stopped {
		m.mut.Unlock()
		c.closeWith(DisconnectGracefulShutdown, "manager stopped")
		return
	}
	existing := m.conns[peer]
	var loser *Connection
	if existing != nil && existing != c {
		switch {
		case existing.typ == ConnectionTypeDeferred:
			loser = existing
		case existing.typ == ConnectionTypeWebRtc && c.typ != ConnectionTypeWebRtc:
			loser = existing
		case existing.IsOutbound():
			// both sides dialed. The one whose server end has
			// the greater id survives.
			if m.local.ID.Compare(peer) > 0 {
				loser = existing
			} else {
				m.mut.Unlock()
				vv("%v refusing duplicate inbound from %v", m.local.ID, peer)
				m.refuse(c, HandshakeDuplicate, ErrDuplicateConnection.Error(), DisconnectDuplicate)
				return
			}
		default:
			// a second inbound from the same peer: the old one is stale.
			loser = existing
		}
	}
	if existing == nil || loser != nil {
		m.conns[peer] = c
	}
	c.setRemote(req.Source)
	m.versions.set(peer, c.id, v)
	m.mut.Unlock()

	if loser != nil {
		vv("%v: %v replaces %v for peer %v", m.local.ID, c.id, loser.id, peer)
		loser.handOver(c, DisconnectDuplicate, "replaced by newer connection")
	}

	frame, err := m.encodeHandshake(MessageTypeHandshakeResponse, &HandshakeResponse{
		Source:         answerWith,
		ControlVersion: v.ControlLayerVersion,
		MessageVersion: v.MessageLayerVersion,
	})
	if err == nil {
		err = c.sendDirect(frame)
	}
	if err != nil {
		m.fail(c, fmt.Errorf("could not answer handshake: %w", err), DisconnectDeadConnection)
		return
	}
	if c.open() {
		m.Events.Connected.Emit(&ConnectedEvent{Peer: req.Source, Type: c.typ, ConnectionID: c.id, Versions: v})
	}
}

// handleHandshakeResponse is the initiating side of a handshake.
func (m *ConnectionManager) handleHandshakeResponse(c *Connection, msg *Message) {
	if !c.IsOutbound() || c.State() != StateConnecting {
		m.fail(c, fmt.Errorf("%w: unexpected handshake response", ErrProtocolViolation), DisconnectProtocolError)
		return
	}
	resp := &HandshakeResponse{}
	if _, err := resp.UnmarshalMsg(msg.Body); err != nil {
		m.fail(c, fmt.Errorf("%w: bad handshake response: %v", ErrProtocolViolation, err), DisconnectProtocolError)
		return
	}
	switch resp.Error {
	case HandshakeOK:
	case HandshakeDuplicate:
		// The peer keeps its own connection to us. Hold our
		// queue until that arrives and takes it over.
		vv("%v: %v lost arbitration; waiting for inbound", m.local.ID, c.id)
		c.detachTransport(DisconnectDuplicate, "duplicate connection")
		return
	default:
		err := fmt.Errorf("%w: %v: %v", ErrHandshakeFailed, resp.Error, resp.Reason)
		if resp.Error == HandshakeUnsupportedVersion {
			err = fmt.Errorf("%w: %w: %v", ErrHandshakeFailed, ErrNoCommonVersion, resp.Reason)
		}
		m.fail(c, err, DisconnectHandshakeFailed)
		return
	}

	target := c.Remote()
	if resp.Source == nil || target == nil || resp.Source.ID != target.ID {
		m.fail(c, fmt.Errorf("%w: handshake answered by %v, expected %v", ErrProtocolViolation, resp.Source, target), DisconnectProtocolError)
		return
	}
	v := ProtocolVersions{ControlLayerVersion: resp.ControlVersion, MessageLayerVersion: resp.MessageVersion}

	m.mut.Lock()
	if m.conns[target.ID] != c {
		m.mut.Unlock()
		c.closeWith(DisconnectDuplicate, "superseded")
		return
	}
	m.versions.set(target.ID, c.id, v)
	m.mut.Unlock()

	if c.open() {
		m.Events.Connected.Emit(&ConnectedEvent{Peer: target, Type: c.typ, ConnectionID: c.id, Versions: v})
	}
}

func (m *ConnectionManager) onClosed(c *Connection, code DisconnectionCode, reason string) {
	remote := c.Remote()
	m.mut.Lock()
	delete(m.all, c.id)
	registered := remote != nil && m.conns[remote.ID] == c
	if registered {
		delete(m.conns, remote.ID)
	}
	m.mut.Unlock()

	if remote == nil {
		return
	}
	m.versions.removeFor(remote.ID, c.id)
	if registered && c.everOpened() {
		m.Events.Disconnected.Emit(&DisconnectedEvent{
			Peer:         remote,
			Type:         c.typ,
			ConnectionID: c.id,
			Code:         code,
			Reason:       reason,
		})
	}
}

func (m *ConnectionManager) onHighBackPressure(c *Connection) {
	m.Events.HighBackPressure.Emit(&BackPressureEvent{Peer: c.Remote(), ConnectionID: c.id, Buffered: c.Buffered()})
}

func (m *ConnectionManager) onLowBackPressure(c *Connection) {
	m.Events.LowBackPressure.Emit(&BackPressureEvent{Peer: c.Remote(), ConnectionID: c.id, Buffered: c.Buffered()})
}

// GetConnection returns the registered Connection to peer, or nil.
// Lookup is by PeerID alone; a descriptor's address plays no part,
// so callers holding a *PeerDescriptor pass its ID, or use
// GetConnectionFor.
func (m *ConnectionManager) GetConnection(peer PeerID) *Connection {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.conns[peer]
}

// GetConnectionFor is GetConnection keyed by a descriptor's ID.
func (m *ConnectionManager) GetConnectionFor(d *PeerDescriptor) *Connection {
	if d == nil {
		return nil
	}
	return m.GetConnection(d.ID)
}

// Disconnect closes the connection to peer with a normal code.
// It reports whether there was one.
func (m *ConnectionManager) Disconnect(peer PeerID, reason string) bool {
	c := m.GetConnection(peer)
	if c == nil {
		return false
	}
	c.closeWith(DisconnectNormal, reason)
	return true
}

// Connections returns a snapshot of registered connections.
func (m *ConnectionManager) Connections() (out []*Connection) {
	m.mut.Lock()
	defer m.mut.Unlock()
	for _, c := range m.conns {
		out = append(out, c)
	}
	return
}
