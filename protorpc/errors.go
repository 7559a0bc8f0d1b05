package protorpc

import (
	"fmt"
)

// ErrorCode classifies how a call failed, from the caller's side.
type ErrorCode int

const (
	CodeRpcTimeout          ErrorCode = 1 // no response in time; raised locally.
	CodeRpcRequest          ErrorCode = 2 // remote handler failed or timed out.
	CodeUnknownRpcMethod    ErrorCode = 3
	CodeFailedToParse       ErrorCode = 4
	CodeCommunicatorStopped ErrorCode = 5
	CodeFailedToSerialize   ErrorCode = 6
)

func (c ErrorCode) String() string {
	switch c {
	case CodeRpcTimeout:
		return "RpcTimeout"
	case CodeRpcRequest:
		return "RpcRequest"
	case CodeUnknownRpcMethod:
		return "UnknownRpcMethod"
	case CodeFailedToParse:
		return "FailedToParse"
	case CodeCommunicatorStopped:
		return "CommunicatorStopped"
	case CodeFailedToSerialize:
		return "FailedToSerialize"
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// RpcError is returned for every failed call. Compare with
// errors.Is against the sentinels below; matching is by Code.
type RpcError struct {
	Code ErrorCode

	// ResponseError is set when the remote side reported the failure.
	ResponseError ResponseError

	Msg string

	// Detail carries the remote handler's error text, if any.
	Detail string
}

func (e *RpcError) Error() string {
	if e.Detail != "" {
		return e.Code.String() + ": " + e.Msg + ": " + e.Detail
	}
	return e.Code.String() + ": " + e.Msg
}

func (e *RpcError) Is(target error) bool {
	t, ok := target.(*RpcError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrRpcTimeout          = &RpcError{Code: CodeRpcTimeout, Msg: "Rpc request timed out"}
	ErrRpcRequest          = &RpcError{Code: CodeRpcRequest, Msg: "Server error on request"}
	ErrUnknownRpcMethod    = &RpcError{Code: CodeUnknownRpcMethod, Msg: "Server does not implement method"}
	ErrFailedToParse       = &RpcError{Code: CodeFailedToParse, Msg: "Failed to parse rpc message"}
	ErrCommunicatorStopped = &RpcError{Code: CodeCommunicatorStopped, Msg: "communicator stopped"}
	ErrFailedToSerialize   = &RpcError{Code: CodeFailedToSerialize, Msg: "Failed to serialize rpc message"}
)

// IsServerTimeout reports whether err is the remote handler
// missing its deadline, as opposed to a local RpcTimeout.
func IsServerTimeout(err error) bool {
	e, ok := err.(*RpcError)
	return ok && e.Code == CodeRpcRequest && e.ResponseError == ResponseServerTimeout
}

// errorFromResponse maps the responseError field of an
// incoming response to the caller-visible error.
func errorFromResponse(msg *RpcMessage) *RpcError {
	switch msg.ResponseError {
	case ResponseServerError:
		return &RpcError{
			Code:          CodeRpcRequest,
			ResponseError: ResponseServerError,
			Msg:           "Server error on request",
			Detail:        msg.ErrorMessage,
		}
	case ResponseServerTimeout:
		return &RpcError{
			Code:          CodeRpcRequest,
			ResponseError: ResponseServerTimeout,
			Msg:           "Server timed out on request",
		}
	case ResponseUnknownRpcMethod:
		return &RpcError{
			Code:          CodeUnknownRpcMethod,
			ResponseError: ResponseUnknownRpcMethod,
			Msg:           "Server does not implement method " + msg.Method(),
		}
	}
	return nil
}
