package peerwire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// The first byte of every frame names how the rest is compressed.
type compressAlgo byte

const (
	compressNone   compressAlgo = 0
	compressS2     compressAlgo = 1
	compressLZ4    compressAlgo = 2
	compressZstd01 compressAlgo = 3
	compressZstd03 compressAlgo = 4
	compressZstd07 compressAlgo = 5
	compressZstd11 compressAlgo = 6

	// compressOutOfBounds and above are invalid.
	compressOutOfBounds compressAlgo = 7
)

func (a compressAlgo) String() string {
	switch a {
	case compressNone:
		return ""
	case compressS2:
		return "s2"
	case compressLZ4:
		return "lz4"
	case compressZstd01:
		return "zstd:01"
	case compressZstd03:
		return "zstd:03"
	case compressZstd07:
		return "zstd:07"
	case compressZstd11:
		return "zstd:11"
	}
	return fmt.Sprintf("compressAlgo(%d)", byte(a))
}

func parseCompressAlgo(name string) (compressAlgo, error) {
	switch name {
	case "", "none":
		return compressNone, nil
	case "s2":
		return compressS2, nil
	case "lz4":
		return compressLZ4, nil
	case "zstd:01":
		return compressZstd01, nil
	case "zstd:03":
		return compressZstd03, nil
	case "zstd:07":
		return compressZstd07, nil
	case "zstd:11":
		return compressZstd11, nil
	}
	return 0, fmt.Errorf("unrecognized compression '%v'; valid choices: none, s2, lz4, zstd:01, zstd:03, zstd:07, zstd:11", name)
}

// frames smaller than this go uncompressed whatever the setting.
const minCompressLen = 512

// compressor turns frames into tagged, maybe-compressed frames
// and back. Goroutine safe; one per ConnectionManager.
type compressor struct {
	algo compressAlgo

	// maxDecoded caps what decompress will produce; 0 means no cap.
	maxDecoded int64

	mut     sync.Mutex
	lz4w    *lz4.Writer
	lz4r    *lz4.Reader
	zencs   map[compressAlgo]*zstd.Encoder
	zdecomp *zstd.Decoder
	closed  bool
}

// ErrFrameTooLarge is returned when a frame would decompress
// past the configured limit.
var ErrFrameTooLarge = fmt.Errorf("frame decompresses past MaxMessageSize")

var errCompressorClosed = fmt.Errorf("compressor closed")

func newCompressor(algoName string, maxDecoded int64) (*compressor, error) {
	algo, err := parseCompressAlgo(algoName)
	if err != nil {
		return nil, err
	}
	c := &compressor{
		algo:       algo,
		maxDecoded: maxDecoded,
		zencs:      make(map[compressAlgo]*zstd.Encoder),
	}
	c.lz4w = lz4.NewWriter(nil)
	options := []lz4.Option{
		lz4.BlockChecksumOption(true),
		lz4.CompressionLevelOption(lz4.Fast),
	}
	if err := c.lz4w.Apply(options...); err != nil {
		return nil, fmt.Errorf("could not apply lz4 options: '%v'", err)
	}
	c.lz4r = lz4.NewReader(nil)

	var zopts []zstd.DOption
	if maxDecoded > 0 {
		zopts = append(zopts, zstd.WithDecoderMaxMemory(uint64(maxDecoded)))
	}
	c.zdecomp, err = zstd.NewReader(nil, zopts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *compressor) zstdEncoder(algo compressAlgo) (*zstd.Encoder, error) {
	if enc, ok := c.zencs[algo]; ok {
		return enc, nil
	}
	// Fastest is roughly zstd level 1, Default level 3,
	// Better level 7, Best level 11.
	level := zstd.SpeedDefault
	switch algo {
	case compressZstd01:
		level = zstd.SpeedFastest
	case compressZstd07:
		level = zstd.SpeedBetterCompression
	case compressZstd11:
		level = zstd.SpeedBestCompression
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, err
	}
	c.zencs[algo] = enc
	return enc, nil
}

// compress returns [algo byte | payload].
func (c *compressor) compress(frame []byte) ([]byte, error) {
	algo := c.algo
	if len(frame) < minCompressLen {
		algo = compressNone
	}
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.closed {
		return nil, errCompressorClosed
	}

	out := make([]byte, 1, len(frame)/2+16)
	out[0] = byte(algo)
	switch algo {
	case compressNone:
		return append(out, frame...), nil
	case compressS2:
		return append(out, s2.Encode(nil, frame)...), nil
	case compressLZ4:
		buf := bytes.NewBuffer(out)
		c.lz4w.Reset(buf)
		if _, err := c.lz4w.Write(frame); err != nil {
			return nil, err
		}
		if err := c.lz4w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		enc, err := c.zstdEncoder(algo)
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(frame, out), nil
	}
}

// decompress undoes compress. The algorithm is read from the
// frame, so peers may use different settings. Output is never
// allowed to grow past maxDecoded.
func (c *compressor) decompress(tagged []byte) ([]byte, error) {
	if len(tagged) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	algo := compressAlgo(tagged[0])
	payload := tagged[1:]
	if algo >= compressOutOfBounds {
		return nil, fmt.Errorf("unrecognized compression tag %v", byte(algo))
	}
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.closed {
		return nil, errCompressorClosed
	}

	max := c.maxDecoded
	switch algo {
	case compressNone:
		if max > 0 && int64(len(payload)) > max {
			return nil, fmt.Errorf("%w: %v bytes", ErrFrameTooLarge, len(payload))
		}
		return payload, nil
	case compressS2:
		n, err := s2.DecodedLen(payload)
		if err != nil {
			return nil, err
		}
		if max > 0 && int64(n) > max {
			return nil, fmt.Errorf("%w: s2 header claims %v bytes", ErrFrameTooLarge, n)
		}
		return s2.Decode(nil, payload)
	case compressLZ4:
		c.lz4r.Reset(bytes.NewReader(payload))
		var r io.Reader = c.lz4r
		if max > 0 {
			r = io.LimitReader(c.lz4r, max+1)
		}
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		if max > 0 && int64(len(out)) > max {
			return nil, fmt.Errorf("%w: lz4 frame", ErrFrameTooLarge)
		}
		return out, nil
	default:
		out, err := c.zdecomp.DecodeAll(payload, nil)
		if err != nil {
			if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
				return nil, fmt.Errorf("%w: %v", ErrFrameTooLarge, err)
			}
			return nil, err
		}
		return out, nil
	}
}

// Close releases the zstd encoders and decoder. Later calls to
// compress or decompress fail. Idempotent.
func (c *compressor) Close() {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, enc := range c.zencs {
		enc.Close()
	}
	c.zdecomp.Close()
}
