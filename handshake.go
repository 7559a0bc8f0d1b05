package peerwire

import (
	"fmt"

	"github.com/glycerine/greenpack/msgp"
)

// HandshakeError says why a handshake response refuses.
type HandshakeError int

const (
	HandshakeOK                 HandshakeError = 0
	HandshakeUnsupportedVersion HandshakeError = 1
	HandshakeDuplicate          HandshakeError = 2
	HandshakeRejected           HandshakeError = 3
	HandshakeSelfConnection     HandshakeError = 4
)

func (e HandshakeError) String() string {
	switch e {
	case HandshakeOK:
		return "OK"
	case HandshakeUnsupportedVersion:
		return "UNSUPPORTED_VERSION"
	case HandshakeDuplicate:
		return "DUPLICATE"
	case HandshakeRejected:
		return "REJECTED"
	case HandshakeSelfConnection:
		return "SELF_CONNECTION"
	}
	return fmt.Sprintf("HandshakeError(%d)", int(e))
}

// HandshakeResponder lets the owner of a manager vet inbound
// peers. It returns the descriptor to answer with, or an error
// to refuse the handshake.
type HandshakeResponder func(remote *PeerDescriptor) (*PeerDescriptor, error)

// HandshakeRequest is sent by the initiating side once the
// channel is up.
type HandshakeRequest struct {
	Source          *PeerDescriptor
	ControlVersions []int
	MessageVersions []int
}

// HandshakeResponse carries the agreed versions, or the reason
// for refusing.
type HandshakeResponse struct {
	Source         *PeerDescriptor
	ControlVersion int
	MessageVersion int
	Error          HandshakeError
	Reason         string
}

func (r *HandshakeRequest) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.AppendMapHeader(b, 3)
	o = msgp.AppendString(o, "source")
	if o, err = marshalDescriptor(o, r.Source); err != nil {
		return
	}
	o = msgp.AppendString(o, "controlVersions")
	o = appendInts(o, r.ControlVersions)
	o = msgp.AppendString(o, "messageVersions")
	o = appendInts(o, r.MessageVersions)
	return
}

func (r *HandshakeRequest) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var nbs msgp.NilBitsStack
	var n uint32
	n, bts, err = nbs.ReadMapHeaderBytes(bts)
	if err != nil {
		return
	}
	*r = HandshakeRequest{}
	var key []byte
	for i := uint32(0); i < n; i++ {
		key, bts, err = nbs.ReadMapKeyZC(bts)
		if err != nil {
			return
		}
		switch string(key) {
		case "source":
			r.Source = &PeerDescriptor{}
			bts, err = r.Source.UnmarshalMsg(bts)
		case "controlVersions":
			r.ControlVersions, bts, err = readInts(bts)
		case "messageVersions":
			r.MessageVersions, bts, err = readInts(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return
		}
	}
	if r.Source == nil {
		err = fmt.Errorf("handshake request without source")
	}
	o = bts
	return
}

func (r *HandshakeResponse) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.AppendMapHeader(b, 5)
	o = msgp.AppendString(o, "source")
	if o, err = marshalDescriptor(o, r.Source); err != nil {
		return
	}
	o = msgp.AppendString(o, "controlVersion")
	o = msgp.AppendInt(o, r.ControlVersion)
	o = msgp.AppendString(o, "messageVersion")
	o = msgp.AppendInt(o, r.MessageVersion)
	o = msgp.AppendString(o, "error")
	o = msgp.AppendInt(o, int(r.Error))
	o = msgp.AppendString(o, "reason")
	o = msgp.AppendString(o, r.Reason)
	return
}

func (r *HandshakeResponse) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var nbs msgp.NilBitsStack
	var n uint32
	n, bts, err = nbs.ReadMapHeaderBytes(bts)
	if err != nil {
		return
	}
	*r = HandshakeResponse{}
	var key []byte
	for i := uint32(0); i < n; i++ {
		key, bts, err = nbs.ReadMapKeyZC(bts)
		if err != nil {
			return
		}
		switch string(key) {
		case "source":
			if msgp.IsNil(bts) {
				bts, err = nbs.ReadNilBytes(bts)
			} else {
				r.Source = &PeerDescriptor{}
				bts, err = r.Source.UnmarshalMsg(bts)
			}
		case "controlVersion":
			r.ControlVersion, bts, err = nbs.ReadIntBytes(bts)
		case "messageVersion":
			r.MessageVersion, bts, err = nbs.ReadIntBytes(bts)
		case "error":
			var e int
			e, bts, err = nbs.ReadIntBytes(bts)
			r.Error = HandshakeError(e)
		case "reason":
			r.Reason, bts, err = nbs.ReadStringBytes(bts)
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

func marshalDescriptor(b []byte, d *PeerDescriptor) ([]byte, error) {
	if d == nil {
		return msgp.AppendNil(b), nil
	}
	return d.MarshalMsg(b)
}

func appendInts(b []byte, vs []int) []byte {
	b = msgp.AppendArrayHeader(b, uint32(len(vs)))
	for _, v := range vs {
		b = msgp.AppendInt(b, v)
	}
	return b
}

func readInts(bts []byte) (vs []int, o []byte, err error) {
	var nbs msgp.NilBitsStack
	var n uint32
	n, bts, err = nbs.ReadArrayHeaderBytes(bts)
	if err != nil {
		return
	}
	vs = make([]int, n)
	for i := range vs {
		vs[i], bts, err = nbs.ReadIntBytes(bts)
		if err != nil {
			return
		}
	}
	o = bts
	return
}

// handshakeMessage wraps a handshake body in a transport Message.
func handshakeMessage(typ MessageType, body interface {
	MarshalMsg([]byte) ([]byte, error)
}) (*Message, error) {
	by, err := body.MarshalMsg(nil)
	if err != nil {
		return nil, err
	}
	return NewMessage("", typ, by), nil
}
