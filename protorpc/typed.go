package protorpc

import (
	"context"
	"fmt"
)

// Marshaler and Unmarshaler match the msgp generated method set,
// so greenpack types can be used as request and response bodies.
type Marshaler interface {
	MarshalMsg(b []byte) ([]byte, error)
}

type Unmarshaler interface {
	UnmarshalMsg(bts []byte) ([]byte, error)
}

// Register installs a typed handler for name. The request and
// response types are recorded as the method's descriptors.
//
//	protorpc.Register(comm, "ping", func(ctx context.Context, req *Ping, cc *protorpc.CallContext) (*Pong, error) {...})
func Register[Req any, Resp any, PReq interface {
	*Req
	Unmarshaler
}, PResp interface {
	*Resp
	Marshaler
}](c *Communicator, name string, h func(ctx context.Context, req PReq, cc *CallContext) (PResp, error)) {

	raw := func(ctx context.Context, body []byte, cc *CallContext) ([]byte, error) {
		req := PReq(new(Req))
		if _, err := req.UnmarshalMsg(body); err != nil {
			return nil, fmt.Errorf("could not decode %T request for '%v': %w", req, name, err)
		}
		resp, err := h(ctx, req, cc)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			return nil, nil
		}
		return resp.MarshalMsg(nil)
	}
	c.RegisterRpcMethod(fmt.Sprintf("%T", PReq(nil)), fmt.Sprintf("%T", PResp(nil)), name, raw)
}

// Call is the typed form of CallRaw.
func Call[Resp any, PResp interface {
	*Resp
	Unmarshaler
}](ctx context.Context, c *Communicator, method string, req Marshaler, cc *CallContext) (PResp, error) {

	body, err := req.MarshalMsg(nil)
	if err != nil {
		return nil, &RpcError{Code: CodeFailedToSerialize, Msg: ErrFailedToSerialize.Msg, Detail: err.Error()}
	}
	respBody, err := c.CallRaw(ctx, method, body, cc)
	if err != nil {
		return nil, err
	}
	resp := PResp(new(Resp))
	if _, err := resp.UnmarshalMsg(respBody); err != nil {
		return nil, &RpcError{Code: CodeFailedToParse, Msg: ErrFailedToParse.Msg, Detail: err.Error()}
	}
	return resp, nil
}
