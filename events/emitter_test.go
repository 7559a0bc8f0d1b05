package events

import (
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func Test001_on_once_off(t *testing.T) {

	cv.Convey("On listeners see every event, Once listeners see one, Off removes", t, func() {
		var em Emitter[int]
		var all, first []int
		id := em.On(func(i int) { all = append(all, i) })
		em.Once(func(i int) { first = append(first, i) })
		cv.So(em.Count(), cv.ShouldEqual, 2)

		em.Emit(1)
		em.Emit(2)
		cv.So(all, cv.ShouldResemble, []int{1, 2})
		cv.So(first, cv.ShouldResemble, []int{1})
		cv.So(em.Count(), cv.ShouldEqual, 1)

		cv.So(em.Off(id), cv.ShouldBeTrue)
		cv.So(em.Off(id), cv.ShouldBeFalse)
		em.Emit(3)
		cv.So(all, cv.ShouldResemble, []int{1, 2})
	})
}

func Test002_listener_may_reenter(t *testing.T) {

	cv.Convey("a listener can register another listener and emit again without deadlock", t, func() {
		var em Emitter[string]
		var seen []string
		em.Once(func(s string) {
			seen = append(seen, "outer:"+s)
			em.On(func(s string) { seen = append(seen, "inner:"+s) })
			em.Emit("again")
		})
		em.Emit("first")
		cv.So(seen, cv.ShouldResemble, []string{"outer:first", "inner:again"})
	})
}
