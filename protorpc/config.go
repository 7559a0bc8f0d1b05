package protorpc

import (
	"time"
)

// Config tunes a Communicator.
type Config struct {
	// Name shows up in log lines; handy when a test runs several.
	Name string

	// RpcRequestTimeout is the client-side wait for a response,
	// unless a CallContext overrides it. Default 5 seconds.
	RpcRequestTimeout time.Duration

	// ServerHandlerTimeout bounds each registered handler's run.
	// A handler still running at the deadline produces a
	// SERVER_TIMEOUT response. Zero means handlers may run
	// until they finish or the Communicator stops.
	ServerHandlerTimeout time.Duration
}

const DefaultRpcRequestTimeout = 5 * time.Second

func NewConfig() *Config {
	return &Config{
		RpcRequestTimeout: DefaultRpcRequestTimeout,
	}
}

// CallContext carries routing hints for one call. The
// Communicator never looks inside Target or Source; they are
// handed to outgoingMessage listeners for delivery.
type CallContext struct {
	Target interface{}
	Source interface{}

	// Timeout overrides Config.RpcRequestTimeout when > 0.
	Timeout time.Duration
}
