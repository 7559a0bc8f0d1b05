package peerwire

import (
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func Test401_peer_ids(t *testing.T) {

	cv.Convey("PeerIDs print as base58, parse back, and order bytewise", t, func() {
		a := PeerIDFromName("peer1")
		cv.So(a, cv.ShouldResemble, PeerIDFromName("peer1"))
		cv.So(a == PeerIDFromName("peer2"), cv.ShouldBeFalse)

		back, err := ParsePeerID(a.String())
		panicOn(err)
		cv.So(back, cv.ShouldResemble, a)

		_, err = ParsePeerID("3mJr7AoUXx2Wqd")
		cv.So(err, cv.ShouldNotBeNil)

		r := NewPeerID()
		cv.So(r.IsZero(), cv.ShouldBeFalse)
		cv.So(PeerID{}.IsZero(), cv.ShouldBeTrue)
		cv.So(a.Compare(a), cv.ShouldEqual, 0)
		cv.So(a.Compare(r), cv.ShouldEqual, -r.Compare(a))
	})
}

func Test402_descriptors(t *testing.T) {

	cv.Convey("a descriptor is addressed only with a port; equality is by id", t, func() {
		id := PeerIDFromName("srv")
		d := &PeerDescriptor{ID: id, WebSocket: &WebSocketAddress{Host: "127.0.0.1", Port: 8080}}
		cv.So(d.Addressed(), cv.ShouldBeTrue)
		cv.So(d.WebSocket.URL(), cv.ShouldEqual, "ws://127.0.0.1:8080/ws")

		bare := &PeerDescriptor{ID: id, Type: NodeTypeBrowser}
		cv.So(bare.Addressed(), cv.ShouldBeFalse)
		cv.So(bare.Equal(d), cv.ShouldBeTrue)
		cv.So((&PeerDescriptor{WebSocket: &WebSocketAddress{Host: "h"}}).Addressed(), cv.ShouldBeFalse)

		by, err := d.MarshalMsg(nil)
		panicOn(err)
		got := &PeerDescriptor{}
		rest, err := got.UnmarshalMsg(by)
		panicOn(err)
		cv.So(len(rest), cv.ShouldEqual, 0)
		cv.So(got.ID, cv.ShouldResemble, id)
		cv.So(*got.WebSocket, cv.ShouldResemble, *d.WebSocket)
	})
}

func Test403_handshake_bodies(t *testing.T) {

	cv.Convey("handshake request and response survive the wire, including a refusal without versions", t, func() {
		src := &PeerDescriptor{ID: PeerIDFromName("client"), Type: NodeTypeBrowser}
		req := &HandshakeRequest{Source: src, ControlVersions: []int{1, 2}, MessageVersions: []int{31, 32}}
		by, err := req.MarshalMsg(nil)
		panicOn(err)
		req2 := &HandshakeRequest{}
		_, err = req2.UnmarshalMsg(by)
		panicOn(err)
		cv.So(req2.Source.ID, cv.ShouldResemble, src.ID)
		cv.So(req2.ControlVersions, cv.ShouldResemble, []int{1, 2})
		cv.So(req2.MessageVersions, cv.ShouldResemble, []int{31, 32})

		resp := &HandshakeResponse{Error: HandshakeUnsupportedVersion, Reason: "no overlap"}
		by, err = resp.MarshalMsg(nil)
		panicOn(err)
		resp2 := &HandshakeResponse{}
		_, err = resp2.UnmarshalMsg(by)
		panicOn(err)
		cv.So(resp2.Source, cv.ShouldBeNil)
		cv.So(resp2.Error, cv.ShouldEqual, HandshakeUnsupportedVersion)
		cv.So(resp2.Reason, cv.ShouldEqual, "no overlap")

		// a request must say who is asking.
		by, err = (&HandshakeRequest{}).MarshalMsg(nil)
		panicOn(err)
		_, err = (&HandshakeRequest{}).UnmarshalMsg(by)
		cv.So(err, cv.ShouldNotBeNil)
	})
}
