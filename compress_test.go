package peerwire

import (
	"bytes"
	"errors"
	"runtime"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func Test030_compress_inverses(t *testing.T) {

	cv.Convey("every compression choice decompresses back to the original frame", t, func() {
		orig := append([]byte("hello peerwire world!"), bytes.Repeat([]byte("abcdefgh"), 400)...)

		for _, name := range []string{"none", "s2", "lz4", "zstd:01", "zstd:03", "zstd:07", "zstd:11"} {
			c, err := newCompressor(name, 0)
			panicOn(err)

			tagged, err := c.compress(orig)
			panicOn(err)
			vv("%v compressed from %v -> %v bytes", name, len(orig), len(tagged))
			if name != "none" {
				cv.So(len(tagged), cv.ShouldBeLessThan, len(orig))
			}

			// any compressor can read any tag.
			d, err := newCompressor("none", 0)
			panicOn(err)
			back, err := d.decompress(tagged)
			panicOn(err)
			cv.So(bytes.Equal(back, orig), cv.ShouldBeTrue)
			c.Close()
			d.Close()
		}
	})
}

func Test031_small_frames_and_bad_tags(t *testing.T) {

	cv.Convey("small frames skip compression; unknown tags and names are refused", t, func() {
		c, err := newCompressor("zstd:03", 0)
		panicOn(err)
		defer c.Close()

		tagged, err := c.compress([]byte("tiny"))
		panicOn(err)
		cv.So(tagged[0], cv.ShouldEqual, byte(compressNone))
		cv.So(string(tagged[1:]), cv.ShouldEqual, "tiny")

		_, err = c.decompress([]byte{byte(compressOutOfBounds), 1, 2})
		cv.So(err, cv.ShouldNotBeNil)
		_, err = c.decompress(nil)
		cv.So(err, cv.ShouldNotBeNil)

		_, err = newCompressor("brotli", 0)
		cv.So(err, cv.ShouldNotBeNil)
	})
}

func Test032_sealed_frames(t *testing.T) {

	cv.Convey("a sealed frame opens only under the same pre-shared key and only untampered", t, func() {
		var k1, k2 [32]byte
		k1[0] = 1
		k2[0] = 2
		s1, err := newSealer(k1)
		panicOn(err)
		s1b, err := newSealer(k1)
		panicOn(err)
		s2, err := newSealer(k2)
		panicOn(err)

		plain := []byte("the eagle lands at noon")
		sealed, err := s1.seal(plain)
		panicOn(err)
		cv.So(bytes.Contains(sealed, plain), cv.ShouldBeFalse)

		back, err := s1b.open(sealed)
		panicOn(err)
		cv.So(string(back), cv.ShouldEqual, string(plain))

		_, err = s2.open(sealed)
		cv.So(err, cv.ShouldNotBeNil)

		sealed[len(sealed)-1] ^= 0xff
		_, err = s1.open(sealed)
		cv.So(err, cv.ShouldNotBeNil)

		_, err = s1.open([]byte{1, 2, 3})
		cv.So(err, cv.ShouldNotBeNil)
	})
}

func Test033_frame_codec(t *testing.T) {

	cv.Convey("frameCodec round trips a Message and enforces MaxMessageSize", t, func() {
		cfg := NewConfig()
		cfg.Compression = "s2"
		cfg.MaxMessageSize = 4096
		fc, err := newFrameCodec(cfg)
		panicOn(err)
		defer fc.Close()

		src := &PeerDescriptor{ID: PeerIDFromName("src"), WebSocket: &WebSocketAddress{Host: "127.0.0.1", Port: 9}}
		msg := NewMessage("svc", MessageTypeData, bytes.Repeat([]byte("z"), 2000))
		msg.Source = src
		frame, err := fc.encode(msg)
		panicOn(err)

		got, err := fc.decode(frame)
		panicOn(err)
		cv.So(got.MessageID, cv.ShouldEqual, msg.MessageID)
		cv.So(got.ServiceID, cv.ShouldEqual, "svc")
		cv.So(got.Type, cv.ShouldEqual, MessageTypeData)
		cv.So(bytes.Equal(got.Body, msg.Body), cv.ShouldBeTrue)
		cv.So(got.Source.Equal(src), cv.ShouldBeTrue)
		cv.So(got.Source.WebSocket.Port, cv.ShouldEqual, 9)

		_, err = fc.encode(NewMessage("svc", MessageTypeData, make([]byte, 5000)))
		cv.So(err, cv.ShouldNotBeNil)

		_, err = fc.decode([]byte{byte(compressNone), 0xc1})
		cv.So(err, cv.ShouldNotBeNil)
	})
}

func Test034_decompression_bombs_are_refused(t *testing.T) {

	cv.Convey("a small frame that would inflate past MaxMessageSize is refused before it is inflated", t, func() {
		const limit = 1 << 20
		zeros := make([]byte, 64<<20)

		lim, err := newCompressor("none", limit)
		panicOn(err)
		defer lim.Close()

		for _, name := range []string{"s2", "lz4", "zstd:01", "zstd:11"} {
			c, err := newCompressor(name, 0)
			panicOn(err)
			bomb, err := c.compress(zeros)
			panicOn(err)
			c.Close()
			cv.So(len(bomb), cv.ShouldBeLessThan, limit)

			var before, after runtime.MemStats
			runtime.GC()
			runtime.ReadMemStats(&before)
			_, err = lim.decompress(bomb)
			runtime.ReadMemStats(&after)

			cv.So(errors.Is(err, ErrFrameTooLarge), cv.ShouldBeTrue)
			grew := after.TotalAlloc - before.TotalAlloc
			vv("%v bomb of %v bytes: allocated %v refusing it", name, len(bomb), grew)
			cv.So(grew, cv.ShouldBeLessThan, uint64(24<<20))
		}

		// right at the limit still decodes.
		c, err := newCompressor("zstd:03", 0)
		panicOn(err)
		defer c.Close()
		ok, err := c.compress(zeros[:limit])
		panicOn(err)
		back, err := lim.decompress(ok)
		panicOn(err)
		cv.So(len(back), cv.ShouldEqual, limit)

		_, err = lim.decompress(append([]byte{byte(compressNone)}, zeros[:limit+1]...))
		cv.So(errors.Is(err, ErrFrameTooLarge), cv.ShouldBeTrue)
	})
}

func Test035_frame_codec_limits_inbound_inflation(t *testing.T) {

	cv.Convey("frameCodec.decode applies MaxMessageSize while decompressing, not after", t, func() {
		big := NewConfig()
		big.Compression = "zstd:03"
		big.MaxMessageSize = 128 << 20
		sender, err := newFrameCodec(big)
		panicOn(err)
		defer sender.Close()

		frame, err := sender.encode(NewMessage("svc", MessageTypeData, make([]byte, 32<<20)))
		panicOn(err)

		small := NewConfig()
		small.MaxMessageSize = 1 << 20
		receiver, err := newFrameCodec(small)
		panicOn(err)
		defer receiver.Close()

		_, err = receiver.decode(frame)
		cv.So(errors.Is(err, ErrFrameTooLarge), cv.ShouldBeTrue)
	})
}
