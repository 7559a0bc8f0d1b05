package peerwire

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
	"github.com/glycerine/ipaddr"
)

// recorder buffers every event a manager emits.
type recorder struct {
	data         chan *DataEvent
	connected    chan *ConnectedEvent
	disconnected chan *DisconnectedEvent
	errs         chan *ErrorEvent
	high         chan *BackPressureEvent
	low          chan *BackPressureEvent
}

func record(m *ConnectionManager) *recorder {
	r := &recorder{
		data:         make(chan *DataEvent, 1000),
		connected:    make(chan *ConnectedEvent, 1000),
		disconnected: make(chan *DisconnectedEvent, 1000),
		errs:         make(chan *ErrorEvent, 1000),
		high:         make(chan *BackPressureEvent, 1000),
		low:          make(chan *BackPressureEvent, 1000),
	}
	m.Events.Data.On(func(e *DataEvent) { r.data <- e })
	m.Events.Connected.On(func(e *ConnectedEvent) { r.connected <- e })
	m.Events.Disconnected.On(func(e *DisconnectedEvent) { r.disconnected <- e })
	m.Events.Error.On(func(e *ErrorEvent) { r.errs <- e })
	m.Events.HighBackPressure.On(func(e *BackPressureEvent) { r.high <- e })
	m.Events.LowBackPressure.On(func(e *BackPressureEvent) { r.low <- e })
	return r
}

const testWait = 10 * time.Second

func expect[E any](t *testing.T, ch chan E, what string) (e E) {
	t.Helper()
	select {
	case e = <-ch:
	case <-time.After(testWait):
		t.Fatalf("timed out waiting for %v", what)
	}
	return
}

// quiet reports whether ch stays empty for d.
func quiet[E any](ch chan E, d time.Duration) bool {
	select {
	case <-ch:
		return false
	case <-time.After(d):
		return true
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("never saw: %v", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// newTestManager makes an unstarted manager. Addressed ones
// listen on a free loopback port.
func newTestManager(t *testing.T, name string, addressed bool, sim *Simulator, tweak func(cfg *Config)) *ConnectionManager {
	cfg := NewConfig()
	cfg.Name = name
	cfg.ConnectTimeout = 5 * time.Second
	cfg.IncludeLoopbackCandidates = true
	if addressed {
		cfg.WebSocketPort = ipaddr.GetAvailPort()
	}
	if tweak != nil {
		tweak(cfg)
	}
	id := PeerIDFromName(name)
	var sig Signaller
	if sim != nil {
		sig = sim.NewTransport(&PeerDescriptor{ID: id})
	}
	m, err := NewConnectionManager(cfg, id, sig)
	panicOn(err)
	t.Cleanup(m.Stop)
	return m
}

func dataMsg(body string) *Message {
	return NewMessage("test", MessageTypeData, []byte(body))
}

func Test501_websocket_client_reaches_server_and_back(t *testing.T) {

	cv.Convey("an unaddressed node dials an addressed one; the reply reuses that connection and both agree on versions", t, func() {
		a := newTestManager(t, "srvA", true, nil, nil)
		b := newTestManager(t, "cliB", false, nil, nil)
		ra, rb := record(a), record(b)
		panicOn(a.Start(nil))
		panicOn(b.Start(nil))
		aID, bID := a.LocalDescriptor().ID, b.LocalDescriptor().ID
		ctx := context.Background()

		panicOn(b.Send(ctx, dataMsg("hello A"), a.LocalDescriptor()))
		ev := expect(t, ra.data, "data at A")
		cv.So(string(ev.Message.Body), cv.ShouldEqual, "hello A")
		cv.So(ev.Source.ID, cv.ShouldResemble, bID)
		cv.So(ev.Message.Source.ID, cv.ShouldResemble, bID)
		cv.So(ev.Message.ServiceID, cv.ShouldEqual, "test")

		panicOn(a.Send(ctx, dataMsg("hello B"), ev.Source))
		ev2 := expect(t, rb.data, "data at B")
		cv.So(string(ev2.Message.Body), cv.ShouldEqual, "hello B")
		cv.So(ev2.Source.ID, cv.ShouldResemble, aID)

		cv.So(a.GetConnection(bID).Type(), cv.ShouldEqual, ConnectionTypeWebSocketServer)
		cv.So(b.GetConnection(aID).Type(), cv.ShouldEqual, ConnectionTypeWebSocketClient)
		cv.So(a.GetConnectionFor(ev.Source) == a.GetConnection(bID), cv.ShouldBeTrue)
		// a descriptor without an address finds the same connection.
		cv.So(a.GetConnectionFor(&PeerDescriptor{ID: bID}) == a.GetConnection(bID), cv.ShouldBeTrue)
		cv.So(a.GetConnectionFor(nil), cv.ShouldBeNil)
		cv.So(len(a.Connections()), cv.ShouldEqual, 1)
		cv.So(len(b.Connections()), cv.ShouldEqual, 1)

		va, ok := a.GetNegotiatedVersions().Get(bID)
		cv.So(ok, cv.ShouldBeTrue)
		cv.So(va.String(), cv.ShouldEqual, "[2,32]")
		vb, ok := b.GetNegotiatedVersions().Get(aID)
		cv.So(ok, cv.ShouldBeTrue)
		cv.So(vb, cv.ShouldResemble, va)

		ca := expect(t, ra.connected, "connected at A")
		cv.So(ca.Peer.ID, cv.ShouldResemble, bID)
		cb := expect(t, rb.connected, "connected at B")
		cv.So(cb.Versions, cv.ShouldResemble, va)
		cv.So(quiet(ra.connected, 100*time.Millisecond), cv.ShouldBeTrue)
		cv.So(quiet(ra.errs, 0), cv.ShouldBeTrue)
	})
}

func Test502_deferred_connection_when_only_we_have_an_address(t *testing.T) {

	cv.Convey("sending from an addressed node to an unaddressed one asks it to dial back, and the queued messages arrive in order", t, func() {
		sim := NewSimulator(time.Millisecond, 5*time.Millisecond, [32]byte{})
		defer sim.Stop()
		a := newTestManager(t, "srvA", true, sim, nil)
		b := newTestManager(t, "cliB", false, sim, nil)
		rb := record(b)
		panicOn(a.Start(nil))
		panicOn(b.Start(nil))
		aID, bID := a.LocalDescriptor().ID, b.LocalDescriptor().ID
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			panicOn(a.Send(ctx, dataMsg(fmt.Sprintf("msg %v", i)), b.LocalDescriptor()))
		}
		cv.So(a.GetConnection(bID).Type(), cv.ShouldEqual, ConnectionTypeDeferred)

		for i := 0; i < 3; i++ {
			ev := expect(t, rb.data, "data at B")
			cv.So(string(ev.Message.Body), cv.ShouldEqual, fmt.Sprintf("msg %v", i))
			cv.So(ev.Source.ID, cv.ShouldResemble, aID)
		}
		cv.So(a.GetConnection(bID).Type(), cv.ShouldEqual, ConnectionTypeWebSocketServer)
		cv.So(b.GetConnection(aID).Type(), cv.ShouldEqual, ConnectionTypeWebSocketClient)
		cv.So(sim.Delivered(), cv.ShouldBeGreaterThan, 0)
	})
}

func Test503_send_refusals(t *testing.T) {

	cv.Convey("Send refuses self, an unstarted manager, and unreachable peers", t, func() {
		a := newTestManager(t, "srvA", true, nil, nil)
		b := newTestManager(t, "cliB", false, nil, nil)
		ctx := context.Background()

		cv.So(errors.Is(b.Send(ctx, dataMsg("x"), a.LocalDescriptor()), ErrNotStarted), cv.ShouldBeTrue)
		panicOn(a.Start(nil))
		panicOn(b.Start(nil))

		cv.So(errors.Is(a.Send(ctx, dataMsg("x"), a.LocalDescriptor()), ErrCannotConnectToSelf), cv.ShouldBeTrue)
		// an address-less copy of ourselves is still ourselves.
		cv.So(errors.Is(b.Send(ctx, dataMsg("x"), &PeerDescriptor{ID: b.LocalDescriptor().ID}), ErrCannotConnectToSelf), cv.ShouldBeTrue)

		// no address on either side and nothing to signal with.
		other := &PeerDescriptor{ID: PeerIDFromName("nobody")}
		cv.So(errors.Is(b.Send(ctx, dataMsg("x"), other), ErrNoSignaller), cv.ShouldBeTrue)
		cv.So(errors.Is(a.Send(ctx, dataMsg("x"), other), ErrNoSignaller), cv.ShouldBeTrue)
		cv.So(b.GetConnection(other.ID), cv.ShouldBeNil)
	})
}

func Test504_version_negotiation_failure_and_cleanup(t *testing.T) {

	cv.Convey("with no common control version each side reports exactly one error and nothing is negotiated", t, func() {
		a := newTestManager(t, "srvA", true, nil, func(cfg *Config) { cfg.ControlLayerVersions = []int{1} })
		b := newTestManager(t, "cliB", false, nil, func(cfg *Config) { cfg.ControlLayerVersions = []int{3} })
		ra, rb := record(a), record(b)
		panicOn(a.Start(nil))
		panicOn(b.Start(nil))
		aID := a.LocalDescriptor().ID

		panicOn(b.Send(context.Background(), dataMsg("never"), a.LocalDescriptor()))

		ea := expect(t, ra.errs, "error at A")
		cv.So(errors.Is(ea.Err, ErrHandshakeFailed), cv.ShouldBeTrue)
		cv.So(errors.Is(ea.Err, ErrNoCommonVersion), cv.ShouldBeTrue)
		eb := expect(t, rb.errs, "error at B")
		cv.So(errors.Is(eb.Err, ErrHandshakeFailed), cv.ShouldBeTrue)
		cv.So(eb.Peer.ID, cv.ShouldResemble, aID)

		eventually(t, "B drops the failed connection", func() bool { return b.GetConnection(aID) == nil })
		cv.So(quiet(ra.errs, 300*time.Millisecond), cv.ShouldBeTrue)
		cv.So(quiet(rb.errs, 0), cv.ShouldBeTrue)
		cv.So(quiet(ra.connected, 0), cv.ShouldBeTrue)
		cv.So(quiet(ra.data, 0), cv.ShouldBeTrue)
		cv.So(a.GetNegotiatedVersions().Len(), cv.ShouldEqual, 0)
		cv.So(b.GetNegotiatedVersions().Len(), cv.ShouldEqual, 0)
	})

	cv.Convey("negotiated versions vanish on both sides when the connection goes", t, func() {
		d := newTestManager(t, "srvD", true, nil, nil)
		c := newTestManager(t, "cliC", false, nil, nil)
		rd, rc := record(d), record(c)
		panicOn(d.Start(nil))
		panicOn(c.Start(nil))
		cID, dID := c.LocalDescriptor().ID, d.LocalDescriptor().ID

		panicOn(c.Send(context.Background(), dataMsg("hi"), d.LocalDescriptor()))
		expect(t, rd.data, "data at D")
		_, ok := d.GetNegotiatedVersions().Get(cID)
		cv.So(ok, cv.ShouldBeTrue)

		cv.So(d.Disconnect(cID, "bye"), cv.ShouldBeTrue)
		evd := expect(t, rd.disconnected, "disconnected at D")
		cv.So(evd.Code, cv.ShouldEqual, DisconnectNormal)
		_, ok = d.GetNegotiatedVersions().Get(cID)
		cv.So(ok, cv.ShouldBeFalse)

		evc := expect(t, rc.disconnected, "disconnected at C")
		cv.So(evc.Peer.ID, cv.ShouldResemble, dID)
		cv.So(evc.Code, cv.ShouldEqual, DisconnectNormal)
		cv.So(evc.Reason, cv.ShouldEqual, "bye")
		_, ok = c.GetNegotiatedVersions().Get(dID)
		cv.So(ok, cv.ShouldBeFalse)
		cv.So(d.Disconnect(cID, "again"), cv.ShouldBeFalse)
	})
}

func Test505_back_pressure_signals_once_each_way(t *testing.T) {

	cv.Convey("26 messages of 256KB raise one high signal while stuck, then one low signal as they drain, and all arrive in order", t, func() {
		gate := make(chan struct{})
		a := newTestManager(t, "srvA", true, nil, nil)
		b := newTestManager(t, "cliB", false, nil, nil)
		ra, rb := record(a), record(b)
		// hold the handshake so the flood piles up at B.
		panicOn(a.Start(func(remote *PeerDescriptor) (*PeerDescriptor, error) {
			<-gate
			return nil, nil
		}))
		panicOn(b.Start(nil))
		aID, bID := a.LocalDescriptor().ID, b.LocalDescriptor().ID

		ctx := context.Background()
		for i := 0; i < 26; i++ {
			body := append([]byte(fmt.Sprintf("%03d", i)), make([]byte, 256<<10)...)
			panicOn(b.Send(ctx, NewMessage("test", MessageTypeData, body), a.LocalDescriptor()))
		}
		hi := expect(t, rb.high, "high back-pressure")
		cv.So(hi.Peer.ID, cv.ShouldResemble, aID)
		cv.So(hi.Buffered, cv.ShouldBeGreaterThan, 2<<20)
		cv.So(quiet(rb.low, 50*time.Millisecond), cv.ShouldBeTrue)

		close(gate)
		for i := 0; i < 26; i++ {
			ev := expect(t, ra.data, "flood at A")
			cv.So(string(ev.Message.Body[:3]), cv.ShouldEqual, fmt.Sprintf("%03d", i))
			cv.So(len(ev.Message.Body), cv.ShouldEqual, 3+256<<10)
			cv.So(ev.Source.ID, cv.ShouldResemble, bID)
		}
		lo := expect(t, rb.low, "low back-pressure")
		cv.So(lo.Peer.ID, cv.ShouldResemble, aID)
		cv.So(quiet(rb.high, 200*time.Millisecond), cv.ShouldBeTrue)
		cv.So(quiet(rb.low, 0), cv.ShouldBeTrue)
	})
}

func Test506_start_and_stop(t *testing.T) {

	cv.Convey("Start twice is refused; Stop is idempotent, tells peers GRACEFUL_SHUTDOWN, and fails later sends", t, func() {
		a := newTestManager(t, "srvA", true, nil, nil)
		b := newTestManager(t, "cliB", false, nil, nil)
		ra := record(a)
		panicOn(a.Start(nil))
		panicOn(b.Start(nil))
		cv.So(errors.Is(a.Start(nil), ErrAlreadyStarted), cv.ShouldBeTrue)

		panicOn(b.Send(context.Background(), dataMsg("hi"), a.LocalDescriptor()))
		expect(t, ra.data, "data at A")

		b.Stop()
		b.Stop()
		ev := expect(t, ra.disconnected, "disconnected at A")
		cv.So(ev.Code, cv.ShouldEqual, DisconnectGracefulShutdown)
		cv.So(ev.Peer.ID, cv.ShouldResemble, b.LocalDescriptor().ID)

		cv.So(errors.Is(b.Send(context.Background(), dataMsg("late"), a.LocalDescriptor()), ErrManagerStopped), cv.ShouldBeTrue)
		cv.So(errors.Is(b.Start(nil), ErrManagerStopped), cv.ShouldBeTrue)
		cv.So(b.GetNegotiatedVersions().Len(), cv.ShouldEqual, 0)
		cv.So(len(b.Connections()), cv.ShouldEqual, 0)
		eventually(t, "A forgets B", func() bool { return len(a.Connections()) == 0 })

		st := b.Status()
		cv.So(st.Stopped, cv.ShouldBeTrue)
	})
}

func Test507_simultaneous_dials_settle_on_one_connection(t *testing.T) {

	cv.Convey("when two addressed peers dial each other at once, one connection survives and no message is lost", t, func() {
		a := newTestManager(t, "peerA", true, nil, nil)
		b := newTestManager(t, "peerB", true, nil, nil)
		ra, rb := record(a), record(b)
		panicOn(a.Start(nil))
		panicOn(b.Start(nil))
		aID, bID := a.LocalDescriptor().ID, b.LocalDescriptor().ID
		ctx := context.Background()

		done := make(chan bool, 2)
		go func() {
			for i := 0; i < 5; i++ {
				panicOn(a.Send(ctx, dataMsg(fmt.Sprintf("a%v", i)), b.LocalDescriptor()))
			}
			done <- true
		}()
		go func() {
			for i := 0; i < 5; i++ {
				panicOn(b.Send(ctx, dataMsg(fmt.Sprintf("b%v", i)), a.LocalDescriptor()))
			}
			done <- true
		}()
		<-done
		<-done

		for i := 0; i < 5; i++ {
			ev := expect(t, rb.data, "a's messages at B")
			cv.So(string(ev.Message.Body), cv.ShouldEqual, fmt.Sprintf("a%v", i))
			ev = expect(t, ra.data, "b's messages at A")
			cv.So(string(ev.Message.Body), cv.ShouldEqual, fmt.Sprintf("b%v", i))
		}

		eventually(t, "one open connection on each side", func() bool {
			ca, cb := a.GetConnection(bID), b.GetConnection(aID)
			return ca != nil && cb != nil &&
				ca.State() == StateOpen && cb.State() == StateOpen &&
				len(a.Connections()) == 1 && len(b.Connections()) == 1
		})
		ta, tb := a.GetConnection(bID).Type(), b.GetConnection(aID).Type()
		cv.So(ta, cv.ShouldNotEqual, tb)
		cv.So(quiet(ra.errs, 100*time.Millisecond), cv.ShouldBeTrue)
		cv.So(quiet(rb.errs, 0), cv.ShouldBeTrue)

		// traffic still flows after the dust settles.
		panicOn(a.Send(ctx, dataMsg("after"), b.LocalDescriptor()))
		ev := expect(t, rb.data, "after at B")
		cv.So(string(ev.Message.Body), cv.ShouldEqual, "after")
	})
}

func Test508_sealed_websocket_frames(t *testing.T) {

	cv.Convey("with a pre-shared key both ends talk; a node with the wrong key cannot complete a handshake", t, func() {
		var k1, k2 [32]byte
		k1[5] = 7
		k2[5] = 8
		withKey := func(k *[32]byte) func(*Config) {
			return func(cfg *Config) {
				cfg.PreSharedKey = k
				cfg.Compression = "zstd:01"
			}
		}
		a := newTestManager(t, "srvA", true, nil, withKey(&k1))
		b := newTestManager(t, "cliB", false, nil, withKey(&k1))
		c := newTestManager(t, "cliC", false, nil, withKey(&k2))
		ra, rc := record(a), record(c)
		panicOn(a.Start(nil))
		panicOn(b.Start(nil))
		panicOn(c.Start(nil))

		big := string(bytes.Repeat([]byte("sealed and squeezed "), 200))
		panicOn(b.Send(context.Background(), dataMsg(big), a.LocalDescriptor()))
		ev := expect(t, ra.data, "sealed data at A")
		cv.So(string(ev.Message.Body), cv.ShouldEqual, big)

		panicOn(c.Send(context.Background(), dataMsg("wrong key"), a.LocalDescriptor()))
		eventually(t, "C gives up", func() bool { return c.GetConnection(a.LocalDescriptor().ID) == nil })
		cv.So(quiet(rc.connected, 0), cv.ShouldBeTrue)
		cv.So(quiet(ra.data, 100*time.Millisecond), cv.ShouldBeTrue)
	})
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func Test509_read_failures_map_to_disconnection_codes(t *testing.T) {

	cv.Convey("a silent peer is DEAD_CONNECTION; close frames keep their code", t, func() {
		code, _ := classifyWsError(timeoutErr{})
		cv.So(code, cv.ShouldEqual, DisconnectDeadConnection)

		code, _ = classifyWsError(fmt.Errorf("wrapped: %w", timeoutErr{}))
		cv.So(code, cv.ShouldEqual, DisconnectDeadConnection)

		code, _ = classifyWsError(errors.New("connection reset by peer"))
		cv.So(code, cv.ShouldEqual, DisconnectDeadConnection)
	})
}

func Test510_status_report(t *testing.T) {

	cv.Convey("Status lists registered connections with their agreed versions, and renders as JSON", t, func() {
		a := newTestManager(t, "srvA", true, nil, nil)
		b := newTestManager(t, "cliB", false, nil, nil)
		ra := record(a)
		panicOn(a.Start(nil))
		panicOn(b.Start(nil))
		panicOn(b.Send(context.Background(), dataMsg("hi"), a.LocalDescriptor()))
		expect(t, ra.data, "data at A")

		st := a.Status()
		cv.So(st.Local, cv.ShouldEqual, a.LocalDescriptor().ID.String())
		cv.So(st.Address, cv.ShouldEqual, a.LocalDescriptor().WebSocket.URL())
		cv.So(len(st.Connections), cv.ShouldEqual, 1)
		row := st.Connections[0]
		cv.So(row.Peer, cv.ShouldEqual, b.LocalDescriptor().ID.String())
		cv.So(row.State, cv.ShouldEqual, "OPEN")
		cv.So(row.Type, cv.ShouldEqual, ConnectionTypeWebSocketServer)
		cv.So(row.Versions, cv.ShouldEqual, "[2,32]")

		js, err := a.StatusJSON()
		panicOn(err)
		cv.So(string(js), cv.ShouldContainSubstring, `"versions": "[2,32]"`)
	})
}

func Test511_stop_releases_blocked_sends(t *testing.T) {

	cv.Convey("Stop while sends wait for queue room: each Send returns nil or ErrManagerStopped, and none hangs", t, func() {
		gate := make(chan struct{})
		defer close(gate)
		a := newTestManager(t, "srvA", true, nil, nil)
		b := newTestManager(t, "cliB", false, nil, func(cfg *Config) {
			cfg.MaxQueueBytes = 1 << 20
		})
		// hold the handshake so nothing drains at B.
		panicOn(a.Start(func(remote *PeerDescriptor) (*PeerDescriptor, error) {
			<-gate
			return nil, nil
		}))
		panicOn(b.Start(nil))

		const n = 10
		results := make(chan error, n)
		for i := 0; i < n; i++ {
			go func(i int) {
				body := append([]byte(fmt.Sprintf("%03d", i)), make([]byte, 600<<10)...)
				results <- b.Send(context.Background(), NewMessage("test", MessageTypeData, body), a.LocalDescriptor())
			}(i)
		}
		// at most one 600KB message fits under a 1MB cap.
		eventually(t, "B's queue to fill", func() bool {
			c := b.GetConnection(a.LocalDescriptor().ID)
			return c != nil && c.Buffered() > 0
		})
		time.Sleep(50 * time.Millisecond)

		b.Stop()
		stopped := 0
		for i := 0; i < n; i++ {
			select {
			case err := <-results:
				if err != nil {
					cv.So(errors.Is(err, ErrManagerStopped), cv.ShouldBeTrue)
					stopped++
				}
			case <-time.After(testWait):
				t.Fatalf("Send %v still blocked after Stop", i)
			}
		}
		cv.So(stopped, cv.ShouldBeGreaterThan, 0)
	})
}

func Test512_stop_releases_the_codec(t *testing.T) {

	cv.Convey("Stop closes the frame codec; later Sends still report ErrManagerStopped, not a codec error", t, func() {
		a := newTestManager(t, "srvA", true, nil, func(cfg *Config) {
			cfg.Compression = "zstd:03"
		})
		panicOn(a.Start(nil))
		big := dataMsg(string(bytes.Repeat([]byte("z"), 4096)))
		_, err := a.codec.encode(big)
		panicOn(err)

		a.Stop()
		_, err = a.codec.encode(big)
		cv.So(errors.Is(err, errCompressorClosed), cv.ShouldBeTrue)
		other := &PeerDescriptor{ID: PeerIDFromName("elsewhere"), WebSocket: &WebSocketAddress{Host: "127.0.0.1", Port: 1}}
		cv.So(errors.Is(a.Send(context.Background(), big, other), ErrManagerStopped), cv.ShouldBeTrue)

		// a second Stop must not close the zstd state twice.
		a.Stop()
	})
}
