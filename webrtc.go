package peerwire

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glycerine/idem"
	"github.com/goccy/go-json"
	"github.com/pion/webrtc/v3"
)

// rtcSignal is the JSON body of offer, answer and candidate signals.
type rtcSignal struct {
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// rtcNegotiation is the offer/answer state of one WebRTC Connection.
type rtcNegotiation struct {
	offerer bool
	pc      *webrtc.PeerConnection

	mut       sync.Mutex
	remoteSet bool
	// candidates that arrived before the remote description.
	early []webrtc.ICECandidateInit
}

const (
	rtcChannelLabel = "peerwire"

	// data channel messages are kept small; frames are cut into
	// chunks of this size, each prefixed by a more/last byte.
	rtcChunk = 16 << 10

	rtcMaxBuffered = 1 << 20
)

func (m *ConnectionManager) newPeerConnection() (*webrtc.PeerConnection, error) {
	se := webrtc.SettingEngine{}
	if m.cfg.IncludeLoopbackCandidates {
		se.SetIncludeLoopbackCandidate(true)
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	conf := webrtc.Configuration{}
	for _, url := range m.cfg.IceServers {
		conf.ICEServers = append(conf.ICEServers, webrtc.ICEServer{URLs: []string{url}})
	}
	return api.NewPeerConnection(conf)
}

// newRtcConnection builds a WebRTC Connection to target. The
// side with the smaller id offers; the other, if solicit is set,
// asks it to. Called with m.mut held.
func (m *ConnectionManager) newRtcConnection(target *PeerDescriptor, solicit bool) (*Connection, error) {
	offerer := m.local.ID.Compare(target.ID) < 0
	pc, err := m.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("could not create peer connection: %w", err)
	}
	c := newConnection(m, ConnectionTypeWebRtc, offerer, target, m.cfg)
	c.rtc = &rtcNegotiation{offerer: offerer, pc: pc}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		m.sendRtcSignal(c, target, MessageTypeIceCandidate, &rtcSignal{Candidate: &init})
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		vv("%v webrtc to %v: %v", m.local.ID, target.ID, s)
		switch s {
		case webrtc.PeerConnectionStateFailed:
			if c.State() < StateOpen {
				m.fail(c, fmt.Errorf("webrtc connection to %v failed", target.ID), DisconnectDeadConnection)
			} else {
				c.closeWith(DisconnectDeadConnection, "webrtc connection failed")
			}
		case webrtc.PeerConnectionStateClosed:
			c.closeWith(DisconnectNormal, "peer connection closed")
		}
	})

	if offerer {
		dc, err := pc.CreateDataChannel(rtcChannelLabel, nil)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("could not create data channel: %w", err)
		}
		m.bindDataChannel(c, dc)
		go m.offer(c, target)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			m.bindDataChannel(c, dc)
		})
		if solicit {
			go m.sendRtcSignal(c, target, MessageTypeRtcConnectionRequest, &rtcSignal{})
		}
	}
	return c, nil
}

func (m *ConnectionManager) offer(c *Connection, target *PeerDescriptor) {
	pc := c.rtc.pc
	offer, err := pc.CreateOffer(nil)
	if err == nil {
		err = pc.SetLocalDescription(offer)
	}
	if err != nil {
		m.fail(c, fmt.Errorf("could not create webrtc offer: %w", err), DisconnectHandshakeFailed)
		return
	}
	m.sendRtcSignal(c, target, MessageTypeRtcOffer, &rtcSignal{SDP: &offer})
}

func (m *ConnectionManager) sendRtcSignal(c *Connection, target *PeerDescriptor, typ MessageType, body *rtcSignal) {
	by, err := json.Marshal(body)
	if err != nil {
		m.fail(c, err, DisconnectHandshakeFailed)
		return
	}
	msg := NewMessage("", typ, by)
	msg.Source = m.local
	msg.Target = target
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()
	if err := m.sig.SendSignal(ctx, msg, target); err != nil {
		m.fail(c, fmt.Errorf("could not signal %v to %v: %w", typ, target.ID, err), DisconnectHandshakeFailed)
	}
}

func (m *ConnectionManager) handleRtcSignal(msg *Message) {
	src := msg.Source
	var sig rtcSignal
	if len(msg.Body) > 0 {
		if err := json.Unmarshal(msg.Body, &sig); err != nil {
			pp("bad %v signal from %v: '%v'", msg.Type, src.ID, err)
			return
		}
	}
	weOffer := m.local.ID.Compare(src.ID) < 0

	m.mut.Lock()
	if m.stopped || !m.started {
		m.mut.Unlock()
		return
	}
	c := m.conns[src.ID]
	switch msg.Type {
	case MessageTypeRtcConnectionRequest:
		if c != nil || !weOffer {
			m.mut.Unlock()
			return
		}
		c, err := m.newRtcConnection(src, false)
		if err != nil {
			m.mut.Unlock()
			pp("%v", err)
			return
		}
		m.registerLocked(src.ID, c)
		m.mut.Unlock()
		return

	case MessageTypeRtcOffer:
		if c == nil && !weOffer {
			var err error
			c, err = m.newRtcConnection(src, false)
			if err != nil {
				m.mut.Unlock()
				pp("%v", err)
				return
			}
			m.registerLocked(src.ID, c)
		}
	}
	m.mut.Unlock()

	if c == nil || c.rtc == nil {
		vv("%v: no webrtc connection for %v from %v", m.local.ID, msg.Type, src.ID)
		return
	}
	neg := c.rtc
	switch msg.Type {
	case MessageTypeRtcOffer:
		if neg.offerer || sig.SDP == nil {
			return
		}
		if err := m.setRemote(c, *sig.SDP); err != nil {
			m.fail(c, err, DisconnectHandshakeFailed)
			return
		}
		answer, err := neg.pc.CreateAnswer(nil)
		if err == nil {
			err = neg.pc.SetLocalDescription(answer)
		}
		if err != nil {
			m.fail(c, fmt.Errorf("could not answer webrtc offer: %w", err), DisconnectHandshakeFailed)
			return
		}
		m.sendRtcSignal(c, src, MessageTypeRtcAnswer, &rtcSignal{SDP: &answer})

	case MessageTypeRtcAnswer:
		if !neg.offerer || sig.SDP == nil {
			return
		}
		if err := m.setRemote(c, *sig.SDP); err != nil {
			m.fail(c, err, DisconnectHandshakeFailed)
		}

	case MessageTypeIceCandidate:
		if sig.Candidate == nil {
			return
		}
		neg.mut.Lock()
		if !neg.remoteSet {
			neg.early = append(neg.early, *sig.Candidate)
			neg.mut.Unlock()
			return
		}
		neg.mut.Unlock()
		if err := neg.pc.AddICECandidate(*sig.Candidate); err != nil {
			vv("AddICECandidate: '%v'", err)
		}
	}
}

// setRemote applies the remote description then any early candidates.
func (m *ConnectionManager) setRemote(c *Connection, sdp webrtc.SessionDescription) error {
	neg := c.rtc
	if err := neg.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("could not set remote description: %w", err)
	}
	neg.mut.Lock()
	neg.remoteSet = true
	early := neg.early
	neg.early = nil
	neg.mut.Unlock()
	for _, cand := range early {
		if err := neg.pc.AddICECandidate(cand); err != nil {
			vv("AddICECandidate: '%v'", err)
		}
	}
	return nil
}

// bindDataChannel wires dc to c. Frames are delivered only
// after the transport is attached.
func (m *ConnectionManager) bindDataChannel(c *Connection, dc *webrtc.DataChannel) {
	tr := &rtcTransport{
		pc:       c.rtc.pc,
		dc:       dc,
		conn:     c,
		lowCh:    make(chan struct{}, 1),
		attached: make(chan struct{}),
		max:      int(m.cfg.MaxMessageSize) + 128,
		halt:     idem.NewHalterNamed("rtcTransport"),
	}
	dc.SetBufferedAmountLowThreshold(rtcMaxBuffered / 2)
	dc.OnBufferedAmountLow(func() {
		select {
		case tr.lowCh <- struct{}{}:
		default:
		}
	})
	dc.OnMessage(tr.onMessage)
	dc.OnClose(func() {
		c.transportClosed(tr, DisconnectNormal, "data channel closed")
	})
	dc.OnOpen(func() {
		if err := c.attach(tr); err != nil {
			return
		}
		if c.IsOutbound() {
			m.sendHandshakeRequest(c)
		}
	})
}

// rtcTransport carries frames over a WebRTC data channel.
type rtcTransport struct {
	pc   *webrtc.PeerConnection
	dc   *webrtc.DataChannel
	conn *Connection

	smut  sync.Mutex
	lowCh chan struct{}

	attached chan struct{}
	// reassembly buffer; pion calls onMessage from one goroutine.
	partial []byte
	max     int

	halt      *idem.Halter
	closeOnce sync.Once
}

func (t *rtcTransport) start(c *Connection) {
	close(t.attached)
}

func (t *rtcTransport) send(frame []byte) error {
	t.smut.Lock()
	defer t.smut.Unlock()
	for off := 0; ; {
		n := len(frame) - off
		if n > rtcChunk {
			n = rtcChunk
		}
		last := off+n == len(frame)
		chunk := make([]byte, 1+n)
		if last {
			chunk[0] = 1
		}
		copy(chunk[1:], frame[off:off+n])

		for t.dc.BufferedAmount() > rtcMaxBuffered {
			select {
			case <-t.lowCh:
			case <-time.After(100 * time.Millisecond):
			case <-t.halt.ReqStop.Chan:
				return ErrConnectionClosed
			}
		}
		if err := t.dc.Send(chunk); err != nil {
			return err
		}
		off += n
		if last {
			return nil
		}
	}
}

func (t *rtcTransport) onMessage(msg webrtc.DataChannelMessage) {
	select {
	case <-t.attached:
	case <-t.halt.ReqStop.Chan:
		return
	}
	if len(msg.Data) == 0 {
		return
	}
	t.partial = append(t.partial, msg.Data[1:]...)
	if len(t.partial) > t.max {
		t.partial = nil
		t.conn.transportClosed(t, DisconnectProtocolError, "frame too large")
		t.close(DisconnectProtocolError, "frame too large")
		return
	}
	if msg.Data[0] == 0 {
		return
	}
	frame := t.partial
	t.partial = nil
	t.conn.owner.onFrame(t.conn, frame)
}

func (t *rtcTransport) close(code DisconnectionCode, reason string) {
	t.closeOnce.Do(func() {
		t.halt.ReqStop.Close()
		// pc.Close waits on pion goroutines, which may be the caller.
		go func() {
			t.dc.Close()
			t.pc.Close()
			t.halt.Done.Close()
		}()
	})
}
