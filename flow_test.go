package peerwire

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

func Test101_one_high_then_one_low_no_loss(t *testing.T) {

	cv.Convey("flooding past the high-water mark signals high once, draining below low signals low once, and nothing is lost", t, func() {
		var sigs []string
		q := NewOutboundQueue(1000, 500, 0,
			func() { sigs = append(sigs, "high") },
			func() { sigs = append(sigs, "low") })

		ctx := context.Background()
		for i := 0; i < 26; i++ {
			panicOn(q.Push(ctx, []byte(fmt.Sprintf("%03d", i)+string(make([]byte, 97)))))
		}
		cv.So(q.Buffered(), cv.ShouldEqual, 2600)
		cv.So(sigs, cv.ShouldResemble, []string{"high"})

		stop := make(chan struct{})
		for i := 0; i < 26; i++ {
			frame, ok := q.Next(stop)
			cv.So(ok, cv.ShouldBeTrue)
			cv.So(string(frame[:3]), cv.ShouldEqual, fmt.Sprintf("%03d", i))
			q.Done(len(frame))
		}
		cv.So(q.Buffered(), cv.ShouldEqual, 0)
		cv.So(sigs, cv.ShouldResemble, []string{"high", "low"})
	})
}

func Test102_capped_queue_waits_instead_of_dropping(t *testing.T) {

	cv.Convey("with a cap, Push blocks until the writer frees room, or until ctx expires", t, func() {
		q := NewOutboundQueue(1<<20, 1<<19, 300, nil, nil)
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			panicOn(q.Push(ctx, make([]byte, 100)))
		}

		short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		err := q.Push(short, make([]byte, 100))
		cv.So(errors.Is(err, context.DeadlineExceeded), cv.ShouldBeTrue)
		cv.So(q.Len(), cv.ShouldEqual, 3)

		pushed := make(chan error, 1)
		go func() { pushed <- q.Push(ctx, make([]byte, 100)) }()

		stop := make(chan struct{})
		frame, ok := q.Next(stop)
		cv.So(ok, cv.ShouldBeTrue)
		q.Done(len(frame))

		select {
		case err := <-pushed:
			cv.So(err, cv.ShouldBeNil)
		case <-time.After(2 * time.Second):
			t.Fatal("Push never unblocked")
		}
		cv.So(q.Len(), cv.ShouldEqual, 3)
	})
}

func Test103_close_drain_and_prepend(t *testing.T) {

	cv.Convey("closeAndDrain hands back unsent frames in order; prepend puts them ahead of newer traffic", t, func() {
		old := NewOutboundQueue(1<<20, 1<<19, 0, nil, nil)
		ctx := context.Background()
		panicOn(old.Push(ctx, []byte("a")))
		panicOn(old.Push(ctx, []byte("b")))

		unsent := old.closeAndDrain()
		cv.So(len(unsent), cv.ShouldEqual, 2)
		cv.So(errors.Is(old.Push(ctx, []byte("z")), ErrQueueClosed), cv.ShouldBeTrue)

		winner := NewOutboundQueue(1<<20, 1<<19, 0, nil, nil)
		panicOn(winner.Push(ctx, []byte("c")))
		panicOn(winner.prepend(unsent))

		stop := make(chan struct{})
		var got string
		for i := 0; i < 3; i++ {
			f, ok := winner.Next(stop)
			cv.So(ok, cv.ShouldBeTrue)
			got += string(f)
			winner.Done(len(f))
		}
		cv.So(got, cv.ShouldEqual, "abc")

		close(stop)
		_, ok := winner.Next(stop)
		cv.So(ok, cv.ShouldBeFalse)
	})
}

func Test104_listener_may_push_from_signal(t *testing.T) {

	cv.Convey("a back-pressure listener can push again without deadlock, and signals stay ordered", t, func() {
		var q *OutboundQueue
		var sigs []string
		q = NewOutboundQueue(10, 5, 0,
			func() {
				sigs = append(sigs, "high")
				panicOn(q.Push(context.Background(), []byte("from-listener")))
			},
			func() { sigs = append(sigs, "low") })
		panicOn(q.Push(context.Background(), make([]byte, 11)))
		cv.So(sigs, cv.ShouldResemble, []string{"high"})
		cv.So(q.Len(), cv.ShouldEqual, 2)
	})
}
