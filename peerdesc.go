package peerwire

import (
	"bytes"
	cryrand "crypto/rand"
	"fmt"
	"strconv"

	"github.com/glycerine/base58"
	"github.com/glycerine/blake3"
	"github.com/glycerine/greenpack/msgp"
)

// PeerIDLen is the fixed length of a PeerID in bytes.
const PeerIDLen = 20

// PeerID is the opaque identity of a node in the overlay.
type PeerID [PeerIDLen]byte

// NewPeerID returns a random PeerID.
func NewPeerID() (id PeerID) {
	_, err := cryrand.Read(id[:])
	panicOn(err)
	return
}

// PeerIDFromName derives a stable PeerID from a human name,
// so tests and configs can say "peer1".
func PeerIDFromName(name string) (id PeerID) {
	h := blake3.New(64, nil)
	h.Write([]byte(name))
	copy(id[:], h.Sum(nil))
	return
}

// ParsePeerID reverses PeerID.String.
func ParsePeerID(s string) (id PeerID, err error) {
	by := base58.Decode(s)
	if len(by) != PeerIDLen {
		return id, fmt.Errorf("ParsePeerID: '%v' decodes to %v bytes, want %v", s, len(by), PeerIDLen)
	}
	copy(id[:], by)
	return
}

func (id PeerID) String() string {
	return base58.Encode(id[:])
}

// Compare orders ids bytewise; it decides connection roles.
func (id PeerID) Compare(o PeerID) int {
	return bytes.Compare(id[:], o[:])
}

func (id PeerID) IsZero() bool {
	return id == PeerID{}
}

// NodeType tells whether a node can accept inbound connections.
type NodeType int

const (
	NodeTypeServer  NodeType = 0
	NodeTypeBrowser NodeType = 1
)

func (t NodeType) String() string {
	switch t {
	case NodeTypeServer:
		return "server"
	case NodeTypeBrowser:
		return "browser"
	}
	return "NodeType(" + strconv.Itoa(int(t)) + ")"
}

// WebSocketAddress is where a peer listens for inbound WebSocket connections.
type WebSocketAddress struct {
	Host string
	Port int
	TLS  bool
}

// WebSocketPath is the HTTP path the WebSocket server answers on.
const WebSocketPath = "/ws"

func (a *WebSocketAddress) URL() string {
	scheme := "ws"
	if a.TLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s%s", scheme, a.HostPort(), WebSocketPath)
}

func (a *WebSocketAddress) HostPort() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// PeerDescriptor identifies a peer and, optionally, how to
// reach it. Treat as immutable once built.
type PeerDescriptor struct {
	ID        PeerID
	Type      NodeType
	WebSocket *WebSocketAddress // nil if the peer takes no inbound connections.
}

// Equal compares by ID only.
func (d *PeerDescriptor) Equal(o *PeerDescriptor) bool {
	if d == nil || o == nil {
		return d == o
	}
	return d.ID == o.ID
}

// Addressed reports whether the peer advertises a reachable address.
func (d *PeerDescriptor) Addressed() bool {
	return d != nil && d.WebSocket != nil && d.WebSocket.Port > 0
}

func (d *PeerDescriptor) String() string {
	if d == nil {
		return "PeerDescriptor(nil)"
	}
	if d.WebSocket != nil {
		return fmt.Sprintf("PeerDescriptor{%v %v %v}", d.ID, d.Type, d.WebSocket.URL())
	}
	return fmt.Sprintf("PeerDescriptor{%v %v}", d.ID, d.Type)
}

// MarshalMsg appends the msgpack form of d to b.
func (d *PeerDescriptor) MarshalMsg(b []byte) (o []byte, err error) {
	n := uint32(2)
	if d.WebSocket != nil {
		n++
	}
	o = msgp.AppendMapHeader(b, n)
	o = msgp.AppendString(o, "id")
	o = msgp.AppendBytes(o, d.ID[:])
	o = msgp.AppendString(o, "type")
	o = msgp.AppendInt(o, int(d.Type))
	if d.WebSocket != nil {
		o = msgp.AppendString(o, "websocket")
		o = msgp.AppendMapHeader(o, 3)
		o = msgp.AppendString(o, "host")
		o = msgp.AppendString(o, d.WebSocket.Host)
		o = msgp.AppendString(o, "port")
		o = msgp.AppendInt(o, d.WebSocket.Port)
		o = msgp.AppendString(o, "tls")
		o = msgp.AppendBool(o, d.WebSocket.TLS)
	}
	return
}

// UnmarshalMsg decodes d from bts.
func (d *PeerDescriptor) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var nbs msgp.NilBitsStack
	var n uint32
	n, bts, err = nbs.ReadMapHeaderBytes(bts)
	if err != nil {
		return
	}
	*d = PeerDescriptor{}
	var key []byte
	for i := uint32(0); i < n; i++ {
		key, bts, err = nbs.ReadMapKeyZC(bts)
		if err != nil {
			return
		}
		switch string(key) {
		case "id":
			var id []byte
			id, bts, err = nbs.ReadBytesBytes(bts, nil)
			if err == nil && len(id) != PeerIDLen {
				err = fmt.Errorf("peer descriptor id has %v bytes, want %v", len(id), PeerIDLen)
			}
			copy(d.ID[:], id)
		case "type":
			var t int
			t, bts, err = nbs.ReadIntBytes(bts)
			d.Type = NodeType(t)
		case "websocket":
			d.WebSocket = &WebSocketAddress{}
			bts, err = d.WebSocket.unmarshalMsg(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return
		}
	}
	o = bts
	return
}

func (a *WebSocketAddress) unmarshalMsg(bts []byte) (o []byte, err error) {
	var nbs msgp.NilBitsStack
	var n uint32
	n, bts, err = nbs.ReadMapHeaderBytes(bts)
	if err != nil {
		return
	}
	var key []byte
	for i := uint32(0); i < n; i++ {
		key, bts, err = nbs.ReadMapKeyZC(bts)
		if err != nil {
			return
		}
		switch string(key) {
		case "host":
			a.Host, bts, err = nbs.ReadStringBytes(bts)
		case "port":
			a.Port, bts, err = nbs.ReadIntBytes(bts)
		case "tls":
			a.TLS, bts, err = nbs.ReadBoolBytes(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return
		}
	}
	o = bts
	return
}
