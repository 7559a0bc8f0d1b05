package protorpc

import (
	"fmt"

	"github.com/glycerine/greenpack/msgp"
)

// ResponseError is the optional error field of a response envelope.
type ResponseError int

const (
	ResponseNone             ResponseError = 0
	ResponseServerError      ResponseError = 1
	ResponseServerTimeout    ResponseError = 2
	ResponseUnknownRpcMethod ResponseError = 3
)

func (r ResponseError) String() string {
	switch r {
	case ResponseNone:
		return "NONE"
	case ResponseServerError:
		return "SERVER_ERROR"
	case ResponseServerTimeout:
		return "SERVER_TIMEOUT"
	case ResponseUnknownRpcMethod:
		return "UNKNOWN_RPC_METHOD"
	}
	return fmt.Sprintf("ResponseError(%d)", int(r))
}

// Header keys and the values of the kind key.
const (
	HeaderMethod = "method"
	HeaderKind   = "kind"

	KindRequest      = "request"
	KindResponse     = "response"
	KindNotification = "notification"
)

// RpcMessage is the envelope exchanged between communicators.
// Correlation is by RequestID only.
type RpcMessage struct {
	RequestID     string
	Header        map[string]string
	Body          []byte
	ResponseError ResponseError

	// ErrorMessage is the server handler's error text
	// on SERVER_ERROR; informational only.
	ErrorMessage string
}

func (m *RpcMessage) Method() string {
	return m.Header[HeaderMethod]
}

func (m *RpcMessage) Kind() string {
	return m.Header[HeaderKind]
}

func (m *RpcMessage) String() string {
	return fmt.Sprintf("RpcMessage{RequestID:%q, Method:%q, Kind:%q, len(Body):%v, ResponseError:%v}",
		m.RequestID, m.Method(), m.Kind(), len(m.Body), m.ResponseError)
}

func newRequestMessage(method, kind string, body []byte) *RpcMessage {
	return &RpcMessage{
		RequestID: NewRequestID(),
		Header: map[string]string{
			HeaderMethod: method,
			HeaderKind:   kind,
		},
		Body: body,
	}
}

// newResponseMessage answers req with the same requestId and method.
func newResponseMessage(req *RpcMessage, body []byte, rerr ResponseError) *RpcMessage {
	return &RpcMessage{
		RequestID: req.RequestID,
		Header: map[string]string{
			HeaderMethod: req.Method(),
			HeaderKind:   KindResponse,
		},
		Body:          body,
		ResponseError: rerr,
	}
}

// field names on the wire.
const (
	fieldRequestID     = "requestId"
	fieldHeader        = "header"
	fieldBody          = "body"
	fieldResponseError = "responseError"
	fieldErrorMessage  = "errorMessage"
)

// MarshalMsg appends the msgpack encoding of m to b.
func (m *RpcMessage) MarshalMsg(b []byte) (o []byte, err error) {
	n := uint32(3)
	if m.ResponseError != ResponseNone {
		n++
	}
	if m.ErrorMessage != "" {
		n++
	}
	o = msgp.AppendMapHeader(b, n)
	o = msgp.AppendString(o, fieldRequestID)
	o = msgp.AppendString(o, m.RequestID)

	o = msgp.AppendString(o, fieldHeader)
	o = msgp.AppendMapHeader(o, uint32(len(m.Header)))
	for k, v := range m.Header {
		o = msgp.AppendString(o, k)
		o = msgp.AppendString(o, v)
	}

	o = msgp.AppendString(o, fieldBody)
	o = msgp.AppendBytes(o, m.Body)

	if m.ResponseError != ResponseNone {
		o = msgp.AppendString(o, fieldResponseError)
		o = msgp.AppendInt(o, int(m.ResponseError))
	}
	if m.ErrorMessage != "" {
		o = msgp.AppendString(o, fieldErrorMessage)
		o = msgp.AppendString(o, m.ErrorMessage)
	}
	return
}

// UnmarshalMsg decodes m from bts, returning the remainder.
// Unknown fields are skipped.
func (m *RpcMessage) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var nbs msgp.NilBitsStack
	var nfield uint32
	nfield, bts, err = nbs.ReadMapHeaderBytes(bts)
	if err != nil {
		return
	}
	*m = RpcMessage{}
	var key []byte
	for i := uint32(0); i < nfield; i++ {
		key, bts, err = nbs.ReadMapKeyZC(bts)
		if err != nil {
			return
		}
		switch string(key) {
		case fieldRequestID:
			m.RequestID, bts, err = nbs.ReadStringBytes(bts)
		case fieldHeader:
			var nh uint32
			nh, bts, err = nbs.ReadMapHeaderBytes(bts)
			if err != nil {
				return
			}
			m.Header = make(map[string]string, nh)
			for j := uint32(0); j < nh; j++ {
				var k, v string
				k, bts, err = nbs.ReadStringBytes(bts)
				if err != nil {
					return
				}
				v, bts, err = nbs.ReadStringBytes(bts)
				if err != nil {
					return
				}
				m.Header[k] = v
			}
		case fieldBody:
			m.Body, bts, err = nbs.ReadBytesBytes(bts, nil)
		case fieldResponseError:
			var re int
			re, bts, err = nbs.ReadIntBytes(bts)
			m.ResponseError = ResponseError(re)
		case fieldErrorMessage:
			m.ErrorMessage, bts, err = nbs.ReadStringBytes(bts)
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

// ParseRpcMessage decodes a whole envelope, insisting on
// a requestId and a known kind.
func ParseRpcMessage(by []byte) (*RpcMessage, error) {
	m := &RpcMessage{}
	_, err := m.UnmarshalMsg(by)
	if err != nil {
		return nil, err
	}
	if m.RequestID == "" {
		return nil, fmt.Errorf("rpc message has no requestId")
	}
	switch m.Kind() {
	case KindRequest, KindResponse, KindNotification:
	default:
		return nil, fmt.Errorf("rpc message '%v' has unknown kind '%v'", m.RequestID, m.Kind())
	}
	return m, nil
}
