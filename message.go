package peerwire

import (
	"fmt"

	"github.com/glycerine/greenpack/msgp"
	"github.com/glycerine/peerwire/protorpc"
)

// MessageType tags what a transport Message carries.
type MessageType int

const (
	MessageTypeRpc               MessageType = 1
	MessageTypeHandshakeRequest  MessageType = 2
	MessageTypeHandshakeResponse MessageType = 3

	// signalling, carried by a Signaller rather than a Connection.
	MessageTypeWsConnectivityRequest MessageType = 4
	MessageTypeRtcConnectionRequest  MessageType = 5
	MessageTypeRtcOffer              MessageType = 6
	MessageTypeRtcAnswer             MessageType = 7
	MessageTypeIceCandidate          MessageType = 8

	// MessageTypeData is an application payload that is not rpc.
	MessageTypeData MessageType = 9
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeRpc:
		return "RPC"
	case MessageTypeHandshakeRequest:
		return "HANDSHAKE_REQUEST"
	case MessageTypeHandshakeResponse:
		return "HANDSHAKE_RESPONSE"
	case MessageTypeWsConnectivityRequest:
		return "WS_CONNECTIVITY_REQUEST"
	case MessageTypeRtcConnectionRequest:
		return "RTC_CONNECTION_REQUEST"
	case MessageTypeRtcOffer:
		return "RTC_OFFER"
	case MessageTypeRtcAnswer:
		return "RTC_ANSWER"
	case MessageTypeIceCandidate:
		return "ICE_CANDIDATE"
	case MessageTypeData:
		return "DATA"
	}
	return fmt.Sprintf("MessageType(%d)", int(t))
}

// Message is the unit a Connection carries. ServiceID lets
// several rpc services share one Connection.
type Message struct {
	MessageID string
	ServiceID string
	Type      MessageType
	Body      []byte

	// Source and Target are filled in on signalling messages.
	// For traffic on a Connection the manager sets Source from
	// the handshake, whatever the wire said.
	Source *PeerDescriptor
	Target *PeerDescriptor
}

// NewMessage returns a Message with a fresh MessageID.
func NewMessage(serviceID string, typ MessageType, body []byte) *Message {
	return &Message{
		MessageID: protorpc.NewRequestID(),
		ServiceID: serviceID,
		Type:      typ,
		Body:      body,
	}
}

func (m *Message) String() string {
	return fmt.Sprintf("Message{ID:%v, Service:%q, Type:%v, len(Body):%v}", m.MessageID, m.ServiceID, m.Type, len(m.Body))
}

func (m *Message) MarshalMsg(b []byte) (o []byte, err error) {
	n := uint32(4)
	if m.Source != nil {
		n++
	}
	if m.Target != nil {
		n++
	}
	o = msgp.AppendMapHeader(b, n)
	o = msgp.AppendString(o, "messageId")
	o = msgp.AppendString(o, m.MessageID)
	o = msgp.AppendString(o, "serviceId")
	o = msgp.AppendString(o, m.ServiceID)
	o = msgp.AppendString(o, "type")
	o = msgp.AppendInt(o, int(m.Type))
	o = msgp.AppendString(o, "body")
	o = msgp.AppendBytes(o, m.Body)
	if m.Source != nil {
		o = msgp.AppendString(o, "source")
		o, err = m.Source.MarshalMsg(o)
		if err != nil {
			return
		}
	}
	if m.Target != nil {
		o = msgp.AppendString(o, "target")
		o, err = m.Target.MarshalMsg(o)
	}
	return
}

func (m *Message) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var nbs msgp.NilBitsStack
	var n uint32
	n, bts, err = nbs.ReadMapHeaderBytes(bts)
	if err != nil {
		return
	}
	*m = Message{}
	var key []byte
	for i := uint32(0); i < n; i++ {
		key, bts, err = nbs.ReadMapKeyZC(bts)
		if err != nil {
			return
		}
		switch string(key) {
		case "messageId":
			m.MessageID, bts, err = nbs.ReadStringBytes(bts)
		case "serviceId":
			m.ServiceID, bts, err = nbs.ReadStringBytes(bts)
		case "type":
			var t int
			t, bts, err = nbs.ReadIntBytes(bts)
			m.Type = MessageType(t)
		case "body":
			m.Body, bts, err = nbs.ReadBytesBytes(bts, nil)
		case "source":
			m.Source = &PeerDescriptor{}
			bts, err = m.Source.UnmarshalMsg(bts)
		case "target":
			m.Target = &PeerDescriptor{}
			bts, err = m.Target.UnmarshalMsg(bts)
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
