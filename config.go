package peerwire

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/glycerine/peerwire/protorpc"
	"github.com/joho/godotenv"
)

// Config tunes a ConnectionManager. Start from NewConfig().
type Config struct {
	// Name prefixes log lines.
	Name string

	// WebSocketHost and WebSocketPort are where we accept
	// inbound connections. A zero port means this node takes
	// no inbound connections and advertises no address.
	WebSocketHost string
	WebSocketPort int

	// NodeType is advertised in the local descriptor.
	NodeType NodeType

	// IceServers are STUN/TURN urls for WebRTC, e.g.
	// "stun:stun.l.google.com:19302". Empty is fine on one host.
	IceServers []string

	// IncludeLoopbackCandidates lets WebRTC pair over 127.0.0.1;
	// needed when two nodes share a host with no other interface.
	IncludeLoopbackCandidates bool

	// Back-pressure watermarks, in buffered bytes per connection.
	HighWaterMark int
	LowWaterMark  int

	// MaxQueueBytes caps a connection's outbound queue; Send then
	// waits for room. Zero means no cap.
	MaxQueueBytes int

	// MaxMessageSize bounds inbound frames.
	MaxMessageSize int64

	// Protocol versions we can speak, any order.
	ControlLayerVersions []int
	MessageLayerVersions []int

	// ConnectTimeout bounds dialing plus handshake, and how long a
	// deferred connection waits for the peer to reach us.
	ConnectTimeout time.Duration

	// PingInterval paces WebSocket keepalives. A peer silent for
	// two intervals is closed as a dead connection.
	PingInterval time.Duration

	// Compression for outbound frames: none, s2, lz4,
	// zstd:01, zstd:03, zstd:07, zstd:11.
	Compression string

	// PreSharedKey, when set, seals every WebSocket frame.
	// Both ends must hold the same key.
	PreSharedKey *[32]byte

	// RpcRequestTimeout and RpcServerHandlerTimeout feed
	// RpcConfig for communicators bridged onto this manager.
	RpcRequestTimeout       time.Duration
	RpcServerHandlerTimeout time.Duration
}

var (
	DefaultControlLayerVersions = []int{1, 2}
	DefaultMessageLayerVersions = []int{31, 32}
)

func NewConfig() *Config {
	return &Config{
		WebSocketHost:        "127.0.0.1",
		NodeType:             NodeTypeServer,
		HighWaterMark:        2 << 20,
		LowWaterMark:         1 << 20,
		MaxMessageSize:       64 << 20,
		ControlLayerVersions: DefaultControlLayerVersions,
		MessageLayerVersions: DefaultMessageLayerVersions,
		ConnectTimeout:       15 * time.Second,
		PingInterval:         10 * time.Second,
		RpcRequestTimeout:    protorpc.DefaultRpcRequestTimeout,
	}
}

// RpcConfig derives the communicator settings.
func (c *Config) RpcConfig() *protorpc.Config {
	rc := protorpc.NewConfig()
	rc.Name = c.Name
	if c.RpcRequestTimeout > 0 {
		rc.RpcRequestTimeout = c.RpcRequestTimeout
	}
	rc.ServerHandlerTimeout = c.RpcServerHandlerTimeout
	return rc
}

// GetConfigDir is where peerwire.env lives by default:
// $XDG_CONFIG_HOME/peerwire, else $HOME/.config/peerwire,
// else the current directory.
func GetConfigDir() (path string) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	home := os.Getenv("HOME")
	switch {
	case dir != "":
		path = filepath.Join(dir, "peerwire")
	case home != "":
		path = filepath.Join(home, ".config", "peerwire")
	default:
		path = "."
	}
	return
}

// DefaultEnvPath is GetConfigDir()/peerwire.env.
func DefaultEnvPath() string {
	return filepath.Join(GetConfigDir(), "peerwire.env")
}

// LoadEnv overlays PEERWIRE_* settings onto c. Values come from
// the process environment first, then from the .env file at
// path if it exists. An empty path means DefaultEnvPath().
func (c *Config) LoadEnv(path string) error {
	if path == "" {
		path = DefaultEnvPath()
	}
	fileVals := map[string]string{}
	if _, err := os.Stat(path); err == nil {
		fileVals, err = godotenv.Read(path)
		if err != nil {
			return fmt.Errorf("LoadEnv: could not read '%v': %w", path, err)
		}
	}
	get := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileVals[key]
		return v, ok
	}

	var err error
	setInt := func(key string, dst *int) {
		if v, ok := get(key); ok && err == nil {
			var n int
			n, err = strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				err = fmt.Errorf("LoadEnv: %v='%v': %w", key, v, err)
				return
			}
			*dst = n
		}
	}
	setDur := func(key string, dst *time.Duration) {
		if v, ok := get(key); ok && err == nil {
			var d time.Duration
			d, err = time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				err = fmt.Errorf("LoadEnv: %v='%v': %w", key, v, err)
				return
			}
			*dst = d
		}
	}
	setInts := func(key string, dst *[]int) {
		if v, ok := get(key); ok && err == nil {
			var out []int
			for _, f := range splitList(v) {
				n, e := strconv.Atoi(f)
				if e != nil {
					err = fmt.Errorf("LoadEnv: %v='%v': %w", key, v, e)
					return
				}
				out = append(out, n)
			}
			*dst = out
		}
	}

	if v, ok := get("PEERWIRE_NAME"); ok {
		c.Name = v
	}
	if v, ok := get("PEERWIRE_WS_HOST"); ok {
		c.WebSocketHost = v
	}
	setInt("PEERWIRE_WS_PORT", &c.WebSocketPort)
	if v, ok := get("PEERWIRE_ICE_SERVERS"); ok {
		c.IceServers = splitList(v)
	}
	setInt("PEERWIRE_HIGH_WATER", &c.HighWaterMark)
	setInt("PEERWIRE_LOW_WATER", &c.LowWaterMark)
	setInt("PEERWIRE_MAX_QUEUE", &c.MaxQueueBytes)
	setInts("PEERWIRE_CONTROL_VERSIONS", &c.ControlLayerVersions)
	setInts("PEERWIRE_MESSAGE_VERSIONS", &c.MessageLayerVersions)
	setDur("PEERWIRE_CONNECT_TIMEOUT", &c.ConnectTimeout)
	setDur("PEERWIRE_PING_INTERVAL", &c.PingInterval)
	setDur("PEERWIRE_RPC_TIMEOUT", &c.RpcRequestTimeout)
	setDur("PEERWIRE_RPC_SERVER_TIMEOUT", &c.RpcServerHandlerTimeout)
	if err != nil {
		return err
	}
	if v, ok := get("PEERWIRE_COMPRESSION"); ok {
		if _, err := parseCompressAlgo(v); err != nil {
			return fmt.Errorf("LoadEnv: PEERWIRE_COMPRESSION: %w", err)
		}
		c.Compression = v
	}
	if v, ok := get("PEERWIRE_PSK"); ok {
		key, err := hex.DecodeString(strings.TrimSpace(v))
		if err != nil || len(key) != 32 {
			return fmt.Errorf("LoadEnv: PEERWIRE_PSK must be 64 hex digits")
		}
		var psk [32]byte
		copy(psk[:], key)
		c.PreSharedKey = &psk
	}
	return c.Validate()
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	if c.HighWaterMark <= 0 {
		return fmt.Errorf("HighWaterMark must be positive, got %v", c.HighWaterMark)
	}
	if c.LowWaterMark < 0 || c.LowWaterMark > c.HighWaterMark {
		return fmt.Errorf("LowWaterMark %v must be in [0, HighWaterMark=%v]", c.LowWaterMark, c.HighWaterMark)
	}
	if len(c.ControlLayerVersions) == 0 || len(c.MessageLayerVersions) == 0 {
		return fmt.Errorf("need at least one control and one message layer version")
	}
	if c.WebSocketPort < 0 || c.WebSocketPort > 65535 {
		return fmt.Errorf("bad WebSocketPort %v", c.WebSocketPort)
	}
	if _, err := parseCompressAlgo(c.Compression); err != nil {
		return err
	}
	return nil
}

func splitList(s string) (out []string) {
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return
}
