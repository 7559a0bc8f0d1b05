package peerwire

import (
	"fmt"
)

// frameCodec turns Messages into frames and back:
// msgpack, then the compression tag byte and payload.
// Sealing, when configured, happens per transport.
type frameCodec struct {
	comp *compressor
	max  int64
}

func newFrameCodec(cfg *Config) (*frameCodec, error) {
	comp, err := newCompressor(cfg.Compression, cfg.MaxMessageSize)
	if err != nil {
		return nil, err
	}
	return &frameCodec{comp: comp, max: cfg.MaxMessageSize}, nil
}

func (fc *frameCodec) encode(msg *Message) ([]byte, error) {
	by, err := msg.MarshalMsg(nil)
	if err != nil {
		return nil, fmt.Errorf("could not serialize %v: %w", msg, err)
	}
	if fc.max > 0 && int64(len(by)) > fc.max {
		return nil, fmt.Errorf("message of %v bytes exceeds MaxMessageSize %v", len(by), fc.max)
	}
	return fc.comp.compress(by)
}

func (fc *frameCodec) decode(frame []byte) (*Message, error) {
	by, err := fc.comp.decompress(frame)
	if err != nil {
		return nil, err
	}
	if fc.max > 0 && int64(len(by)) > fc.max {
		return nil, fmt.Errorf("inbound message of %v bytes exceeds MaxMessageSize %v", len(by), fc.max)
	}
	msg := &Message{}
	if _, err := msg.UnmarshalMsg(by); err != nil {
		return nil, fmt.Errorf("could not parse inbound frame: %w", err)
	}
	return msg, nil
}

func (fc *frameCodec) Close() {
	fc.comp.Close()
}
